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

// Package jit translates verified eBPF programs into flow processor microcode.
//
// Compilation runs in fixed stages: per-instruction metadata is built from the
// verifier's analysis, a legality pass flags or rejects what the device cannot
// run, each instruction is encoded in order, branches are patched once every
// output offset is known, and finally the exit stubs for the requested action
// type are appended.
//
// Calling convention with the firmware:
//
//   - eBPF register Rn lives in GPR pair 2n (low word) and 2n+1 (high word),
//     written to both banks.  R10 has no register; frame pointer arithmetic is
//     done against the stack base.
//   - A20 holds the packet mark, B20 the ABI flags word (zero on entry).
//   - A21/B21 are scratch for building immediates and addresses.
//   - A22 holds the stack base in local memory, B22 the packet length.
//   - The packet vector is reached through LM index 1: word 2 is the packet
//     address.
//   - On exit the low word of R0 holds the verdict and control branches to the
//     firmware's done address.
package jit

import (
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nfpbpf/offload/bpf/verifier"
	"github.com/nfpbpf/offload/nfp/nfpasm"
)

// ActionType selects the epilogue and the contract for R0 on exit.
type ActionType int

const (
	// ActionTCDrop is a classifier that drops, and counts, packets it matches.
	ActionTCDrop ActionType = iota
	// ActionTCRedirect redirects packets the classifier matches.
	ActionTCRedirect
	// ActionDirect passes R0 through as the TC action code.
	ActionDirect
	// ActionXDP runs an XDP program; R0 is an XDP action.
	ActionXDP
)

var actionNames = map[ActionType]string{
	ActionTCDrop:     "tc-drop",
	ActionTCRedirect: "tc-redirect",
	ActionDirect:     "direct",
	ActionXDP:        "xdp",
}

func (a ActionType) String() string {
	if n, ok := actionNames[a]; ok {
		return n
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ParseActionType is the inverse of ActionType.String.
func ParseActionType(s string) (ActionType, error) {
	for a, n := range actionNames {
		if n == s {
			return a, nil
		}
	}
	return 0, errors.Errorf("unknown action type %q", s)
}

// DeviceCaps describes the limits of the target.
type DeviceCaps struct {
	// MaxStackDepth is the per-thread frame budget in bytes.
	MaxStackDepth int
	// RegsPerThread is the number of GPRs per bank a thread owns.
	RegsPerThread int
}

const (
	DefaultMaxStackDepth = 64
	DefaultRegsPerThread = 32
)

// Policy holds knobs that trade program coverage for strictness.
type Policy struct {
	// StrictProvenance rejects stack and packet accesses whose offset is not
	// constant on every path, instead of computing the address at run time.
	StrictProvenance bool
}

type Options struct {
	Action ActionType
	// StartOffset is the absolute address of the first output word.
	StartOffset uint32
	// DoneOffset is the absolute firmware address reached on exit.
	DoneOffset uint32
	// Capacity caps the output in words.  Zero means len(out).
	Capacity int
	Caps     DeviceCaps
	Policy   Policy
}

type Result struct {
	NumInstr  int
	DenseMode bool
	// NumRegs is the number of GPR slots the output touches.
	NumRegs       int
	RegsPerThread int
	StackDepth    int
}

type progState int

const (
	stateBuilding progState = iota
	stateTranslating
	stateResolving
	stateFinalizing
	stateDone
	stateFailed
)

type brKind uint8

const (
	brNormal brKind = iota
	brGoOut
	brGoAbort
)

// brTag is the scratch tag held in the top byte of a branch awaiting its target.
func brTag(k brKind) uint64 {
	return uint64(0x80|k) << 56
}

type fixup struct {
	at   int
	kind brKind
	// dest is the destination instruction index for brNormal.
	dest int
	insn int
}

type nfpProg struct {
	analysis *verifier.Analysis
	opts     Options

	prog    []uint64
	progCap int

	act      ActionType
	ctx      ctxLayout
	startOff uint32
	doneOff  uint32

	tgtOut, tgtAbort, tgtDone int

	meta        []insnMeta
	fixups      []fixup
	cur         int
	nTranslated int
	stackDepth  int
	numRegs     int
	bubbles     int
	usesMark    bool

	state progState
	err   error
}

// Compile translates the analysed program into out.  On success the first
// Result.NumInstr words of out hold the program; on failure out is left as it was.
func Compile(a *verifier.Analysis, out []uint64, opts Options) (Result, error) {
	res, err := compile(a, out, opts)
	if err != nil {
		compileCounter.WithLabelValues(opts.Action.String(), kindLabel(err)).Inc()
		log.WithError(err).WithField("action", opts.Action).Debug("Offload compile failed")
		return Result{}, err
	}
	compileCounter.WithLabelValues(opts.Action.String(), "ok").Inc()
	programWords.Observe(float64(res.NumInstr))
	log.WithFields(log.Fields{
		"action":    opts.Action,
		"words":     res.NumInstr,
		"dense":     res.DenseMode,
		"stack":     res.StackDepth,
		"registers": res.NumRegs,
	}).Debug("Offload compile succeeded")
	return res, nil
}

func compile(a *verifier.Analysis, out []uint64, opts Options) (Result, error) {
	p, err := newProg(a, out, opts)
	if err != nil {
		return Result{}, err
	}
	if err := p.run(); err != nil {
		return Result{}, err
	}
	copy(out, p.prog)
	return Result{
		NumInstr:      len(p.prog),
		DenseMode:     p.bubbles == 0,
		NumRegs:       p.numRegs,
		RegsPerThread: p.opts.Caps.RegsPerThread,
		StackDepth:    p.stackDepth,
	}, nil
}

// run takes the program through every stage.  Each stage is a no-op once an
// earlier one has failed.
func (p *nfpProg) run() error {
	p.buildMeta()
	if p.stackDepth > p.opts.Caps.MaxStackDepth {
		p.fail(ErrStackDepthExceeded, errors.Errorf("program needs %d bytes, device allows %d",
			p.stackDepth, p.opts.Caps.MaxStackDepth))
		return p.err
	}
	p.checkProgram()
	p.translate()
	p.layoutStubs()
	p.resolveBranches()
	p.outro()
	p.finish()
	p.checkRegs()
	return p.err
}

func newProg(a *verifier.Analysis, out []uint64, opts Options) (*nfpProg, error) {
	if a == nil {
		a = &verifier.Analysis{}
	}
	if opts.Caps.MaxStackDepth == 0 {
		opts.Caps.MaxStackDepth = DefaultMaxStackDepth
	}
	if opts.Caps.RegsPerThread == 0 {
		opts.Caps.RegsPerThread = DefaultRegsPerThread
	}
	p := &nfpProg{
		analysis:   a,
		opts:       opts,
		act:        opts.Action,
		startOff:   opts.StartOffset,
		doneOff:    opts.DoneOffset,
		cur:        -1,
		stackDepth: a.StackDepth,
		state:      stateBuilding,
	}

	p.progCap = len(out)
	if opts.Capacity > 0 && opts.Capacity < p.progCap {
		p.progCap = opts.Capacity
	}
	// The code store ends at MaxBrAddr; a longer buffer is simply not used.
	if opts.StartOffset <= nfpasm.MaxBrAddr {
		if room := int(nfpasm.MaxBrAddr + 1 - opts.StartOffset); p.progCap > room {
			p.progCap = room
		}
	}
	switch {
	case opts.StartOffset > nfpasm.MaxBrAddr:
		p.fail(ErrBufferCapacityExceeded, errors.Errorf("start address %d outside code store", opts.StartOffset))
	case p.progCap <= 0:
		p.fail(ErrBufferCapacityExceeded, errors.New("no output capacity"))
	case opts.DoneOffset > nfpasm.MaxBrAddr:
		p.fail(ErrBufferCapacityExceeded, errors.Errorf("done address %d outside code store", opts.DoneOffset))
	}
	if p.err != nil {
		return nil, p.err
	}

	switch opts.Action {
	case ActionTCDrop, ActionTCRedirect, ActionDirect:
		if a.ProgType != verifier.ProgTypeSchedCLS && len(a.Insns) > 0 {
			p.fail(ErrActionTypeUnsupported, errors.Errorf("%v action for %v program", opts.Action, a.ProgType))
		}
		p.ctx = skbLayout
	case ActionXDP:
		if a.ProgType != verifier.ProgTypeXDP && len(a.Insns) > 0 {
			p.fail(ErrActionTypeUnsupported, errors.Errorf("%v action for %v program", opts.Action, a.ProgType))
		}
		p.ctx = xdpLayout
	default:
		p.fail(ErrActionTypeUnsupported, errors.Errorf("unknown action %d", int(opts.Action)))
	}
	if p.err != nil {
		return nil, p.err
	}
	p.prog = make([]uint64, 0, p.progCap)
	return p, nil
}

func (p *nfpProg) fail(kind, cause error) {
	if p.err != nil {
		return
	}
	p.err = &CompileError{
		Kind:        kind,
		Insn:        p.cur,
		NTranslated: p.nTranslated,
		cause:       cause,
	}
	p.state = stateFailed
}

// finish checks that no word still carries a scratch tag.
func (p *nfpProg) finish() {
	if p.err != nil {
		return
	}
	for i, w := range p.prog {
		if w&nfpasm.BrSpecialMask != 0 {
			p.fail(ErrUnresolvedBranchTarget, errors.Errorf("word %d still tagged %#x", i, w>>56))
			return
		}
	}
	p.state = stateDone
}

// checkRegs fails the compile if the output needs more GPRs than a thread
// owns on the device.
func (p *nfpProg) checkRegs() {
	if p.err != nil {
		return
	}
	p.numRegs = p.countRegs()
	if p.numRegs > p.opts.Caps.RegsPerThread {
		p.cur = -1
		p.fail(ErrRegisterBudgetExceeded, errors.Errorf("program uses %d registers, device allows %d",
			p.numRegs, p.opts.Caps.RegsPerThread))
	}
}

// countRegs returns one more than the highest GPR slot referenced.
func (p *nfpProg) countRegs() int {
	highest := -1
	for _, w := range p.prog {
		in, err := nfpasm.Decode(w)
		if err != nil {
			continue
		}
		for _, r := range []nfpasm.SwReg{in.Dst, in.A, in.B} {
			if r.IsGPR() && int(r.Num) > highest {
				highest = int(r.Num)
			}
		}
	}
	return highest + 1
}
