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
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	disasmFormat string
	disasmStart  uint32
)

var disasmCmd = &cobra.Command{
	Use:   "disasm <program-file>",
	Short: "Disassembles compiled microcode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "failed to open program")
			}
			defer f.Close()
			r = f
		}
		words, err := readWords(r, disasmFormat)
		if err != nil {
			return err
		}
		start := cfg.StartOffset
		if cmd.Flags().Changed("start-offset") {
			start = disasmStart
		}
		return writeWords(cmd.OutOrStdout(), words, formatAsm, start)
	},
}

func init() {
	disasmCmd.Flags().StringVar(&disasmFormat, "format", formatHex, "Input format: hex or bin")
	disasmCmd.Flags().Uint32Var(&disasmStart, "start-offset", 0, "Code store address of the first word")
	rootCmd.AddCommand(disasmCmd)
}
