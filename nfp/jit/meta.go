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

package jit

import (
	"github.com/nfpbpf/offload/bpf/asm"
	"github.com/nfpbpf/offload/bpf/verifier"
)

type doubleState uint8

const (
	doubleNone doubleState = iota
	// doubleLdImm64Hi marks the second slot of a 64-bit immediate load.
	doubleLdImm64Hi
)

// insnMeta is the per-instruction record.  Records live in one slice indexed by
// input position; elided records stay in place with skip set.
type insnMeta struct {
	insn asm.Insn
	n    int

	// ptr is the base register state for memory accesses, as first observed.
	ptr verifier.RegState
	// ptrNotConst is set when ptr's offset is not the same on every path.
	ptrNotConst bool

	// off is the output offset of the first word, -1 until assigned.
	off  int
	skip bool

	double   doubleState
	ldImmPt2 bool

	// unsupported names why the record has no encoding; reported when reached.
	unsupported string
	usesMark    bool
}

func (p *nfpProg) buildMeta() {
	insns := p.analysis.Insns
	p.meta = make([]insnMeta, len(insns))
	for i, insn := range insns {
		m := &p.meta[i]
		m.insn = insn
		m.n = i
		m.off = -1
		if i < len(p.analysis.Visits) && len(p.analysis.Visits[i]) > 0 {
			m.ptr = p.analysis.Visits[i][0]
		}
	}
}

func (p *nfpProg) next(i int) *insnMeta {
	if i+1 >= len(p.meta) {
		return nil
	}
	return &p.meta[i+1]
}

func (p *nfpProg) prev(i int) *insnMeta {
	if i <= 0 {
		return nil
	}
	return &p.meta[i-1]
}

// ctxLayout gives the context field offsets the device can serve; -1 if absent.
type ctxLayout struct {
	len, mark, data, dataEnd int32
}

var (
	skbLayout = ctxLayout{
		len:     int32(asm.SkbuffOffsetLen.Offset),
		mark:    int32(asm.SkbuffOffsetMark.Offset),
		data:    int32(asm.SkbuffOffsetData.Offset),
		dataEnd: int32(asm.SkbuffOffsetDataEnd.Offset),
	}
	xdpLayout = ctxLayout{
		len:     -1,
		mark:    -1,
		data:    int32(asm.XDPOffsetData.Offset),
		dataEnd: int32(asm.XDPOffsetDataEnd.Offset),
	}
)
