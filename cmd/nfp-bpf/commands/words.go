// Copyright (c) 2026 Tigera, Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/nfpbpf/offload/nfp/nfpasm"
)

// Program file formats.  hex is one 0x-prefixed word per line, bin is the
// little-endian image the firmware loader takes.
const (
	formatHex = "hex"
	formatBin = "bin"
	formatAsm = "asm"
)

func writeWords(w io.Writer, words []uint64, format string, start uint32) error {
	switch format {
	case formatHex:
		bw := bufio.NewWriter(w)
		for _, word := range words {
			fmt.Fprintf(bw, "0x%016x\n", word)
		}
		return bw.Flush()
	case formatBin:
		buf := make([]byte, 8*len(words))
		for i, word := range words {
			binary.LittleEndian.PutUint64(buf[8*i:], word)
		}
		_, err := w.Write(buf)
		return err
	case formatAsm:
		text, err := nfpasm.Disassemble(words, uint16(start))
		if _, werr := io.WriteString(w, text); werr != nil && err == nil {
			err = werr
		}
		return err
	}
	return errors.Errorf("unknown format %q", format)
}

func readWords(r io.Reader, format string) ([]uint64, error) {
	switch format {
	case formatHex:
		var words []uint64
		s := bufio.NewScanner(r)
		line := 0
		for s.Scan() {
			line++
			text := strings.TrimSpace(s.Text())
			if i := strings.IndexByte(text, '#'); i >= 0 {
				text = strings.TrimSpace(text[:i])
			}
			if text == "" {
				continue
			}
			word, err := strconv.ParseUint(text, 0, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", line)
			}
			words = append(words, word)
		}
		return words, s.Err()
	case formatBin:
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		if len(raw)%8 != 0 {
			return nil, errors.Errorf("image length %d is not a multiple of 8", len(raw))
		}
		words := make([]uint64, len(raw)/8)
		for i := range words {
			words[i] = binary.LittleEndian.Uint64(raw[8*i:])
		}
		return words, nil
	}
	return nil, errors.Errorf("unknown format %q", format)
}
