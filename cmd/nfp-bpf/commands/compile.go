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
	"fmt"
	"io"
	"os"

	"github.com/gopacket/gopacket/layers"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nfpbpf/offload/bpf/asm"
	"github.com/nfpbpf/offload/bpf/filter"
	"github.com/nfpbpf/offload/bpf/verifier"
	"github.com/nfpbpf/offload/config"
	"github.com/nfpbpf/offload/nfp/jit"
)

type compileArgs struct {
	action   string
	progType string
	expr     string
	minLen   int
	output   string
	format   string

	startOffset      uint32
	doneOffset       uint32
	capacity         int
	maxStackDepth    int
	strictProvenance bool
}

var compileFlags compileArgs

var compileCmd = &cobra.Command{
	Use:   "compile [bytecode-file]",
	Short: "Translates an eBPF program or a tcpdump filter into microcode",
	Long: `Translates raw eBPF bytecode, read from the named file or stdin ("-"),
or the tcpdump expression given with --filter, into flow processor microcode.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := compileFlags
		applyCompileOverrides(cmd, cfg, &a)
		if err := cfg.Validate(); err != nil {
			return err
		}
		insns, progType, err := loadProgram(cmd.InOrStdin(), args, &a)
		if err != nil {
			return err
		}
		action, err := jit.ParseActionType(a.action)
		if err != nil {
			return err
		}
		words, res, err := compileInsns(insns, progType, jitOptions(cfg, action))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%d eBPF instructions -> %d words (dense=%v stack=%d regs=%d/%d)\n",
			len(insns), res.NumInstr, res.DenseMode, res.StackDepth, res.NumRegs, res.RegsPerThread)

		if a.output == "" || a.output == "-" {
			return writeWords(cmd.OutOrStdout(), words, a.format, cfg.StartOffset)
		}
		return writeImage(a.output, words, a.format, cfg.StartOffset)
	},
}

// writeImage writes the words to a new file at path.  A failed close is
// reported since it may have lost buffered data.
func writeImage(path string, words []uint64, format string, start uint32) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create output file")
	}
	if err := writeWords(f, words, format, start); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "failed to close output file")
	}
	return nil
}

func init() {
	f := compileCmd.Flags()
	f.StringVar(&compileFlags.action, "action", "", "Exit action: tc-drop, tc-redirect, direct or xdp "+
		"(default tc-drop for --filter, direct otherwise)")
	f.StringVar(&compileFlags.progType, "prog-type", "", "Program type of raw bytecode: sched_cls or xdp "+
		"(default follows --action)")
	f.StringVar(&compileFlags.expr, "filter", "", "tcpdump expression to compile instead of bytecode")
	f.IntVar(&compileFlags.minLen, "min-len", 64, "Shortest packet the filter can see, in bytes")
	f.StringVarP(&compileFlags.output, "output", "o", "", "Output file (default stdout)")
	f.StringVar(&compileFlags.format, "format", formatHex, "Output format: hex, bin or asm")
	f.Uint32Var(&compileFlags.startOffset, "start-offset", 0, "Code store address of the first word")
	f.Uint32Var(&compileFlags.doneOffset, "done-offset", 0, "Code store address the program exits to")
	f.IntVar(&compileFlags.capacity, "capacity", 0, "Maximum program length in words")
	f.IntVar(&compileFlags.maxStackDepth, "max-stack-depth", 0, "Per-thread stack budget in bytes")
	f.BoolVar(&compileFlags.strictProvenance, "strict-provenance", false,
		"Reject stack and packet accesses at variable offsets")
	rootCmd.AddCommand(compileCmd)
}

// applyCompileOverrides copies the flags the user set over the loaded
// configuration.
func applyCompileOverrides(cmd *cobra.Command, c *config.Config, a *compileArgs) {
	f := cmd.Flags()
	if f.Changed("start-offset") {
		c.StartOffset = a.startOffset
	}
	if f.Changed("done-offset") {
		c.DoneOffset = a.doneOffset
	}
	if f.Changed("capacity") {
		c.Capacity = a.capacity
	}
	if f.Changed("max-stack-depth") {
		c.MaxStackDepth = a.maxStackDepth
	}
	if f.Changed("strict-provenance") {
		c.StrictProvenance = a.strictProvenance
	}
	if a.action == "" {
		if a.expr != "" {
			a.action = jit.ActionTCDrop.String()
		} else {
			a.action = jit.ActionDirect.String()
		}
	}
}

func jitOptions(c *config.Config, action jit.ActionType) jit.Options {
	return jit.Options{
		Action:      action,
		StartOffset: c.StartOffset,
		DoneOffset:  c.DoneOffset,
		Capacity:    c.Capacity,
		Caps: jit.DeviceCaps{
			MaxStackDepth: c.MaxStackDepth,
			RegsPerThread: c.RegsPerThread,
		},
		Policy: jit.Policy{StrictProvenance: c.StrictProvenance},
	}
}

// loadProgram returns the program to compile, either converted from a filter
// expression or read as raw bytecode.
func loadProgram(stdin io.Reader, args []string, a *compileArgs) (asm.Insns, verifier.ProgType, error) {
	if a.expr != "" {
		if len(args) > 0 {
			return nil, 0, errors.New("--filter and a bytecode file are mutually exclusive")
		}
		insns, err := filter.New(layers.LinkTypeEthernet, a.minLen, a.expr)
		if err != nil {
			return nil, 0, err
		}
		log.WithFields(log.Fields{"filter": a.expr, "insns": len(insns)}).Debug("Converted filter")
		return insns, verifier.ProgTypeSchedCLS, nil
	}
	if len(args) == 0 {
		return nil, 0, errors.New("need a bytecode file or --filter")
	}

	var raw []byte
	var err error
	if args[0] == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(args[0])
	}
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to read bytecode")
	}
	insns, err := asm.ParseInsns(raw)
	if err != nil {
		return nil, 0, err
	}

	progType := verifier.ProgTypeSchedCLS
	switch a.progType {
	case "":
		if a.action == jit.ActionXDP.String() {
			progType = verifier.ProgTypeXDP
		}
	case "sched_cls":
	case "xdp":
		progType = verifier.ProgTypeXDP
	default:
		return nil, 0, errors.Errorf("unknown program type %q", a.progType)
	}
	return insns, progType, nil
}

func compileInsns(insns asm.Insns, progType verifier.ProgType, opts jit.Options) ([]uint64, jit.Result, error) {
	analysis, err := verifier.Analyze(insns, progType)
	if err != nil {
		return nil, jit.Result{}, errors.Wrap(err, "verifier rejected program")
	}
	out := make([]uint64, opts.Capacity)
	res, err := jit.Compile(analysis, out, opts)
	if err != nil {
		return nil, jit.Result{}, err
	}
	return out[:res.NumInstr], res, nil
}
