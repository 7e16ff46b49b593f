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

// Package verifier walks every path through an eBPF program and records, for each
// memory access, what kind of pointer its base register held.  It is a small model
// of the kernel verifier: it tracks pointer provenance and constant offsets, not
// value ranges, and it does not prove memory safety.
package verifier

import (
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nfpbpf/offload/bpf/asm"
)

type RegType int

const (
	NotInit RegType = iota
	Scalar
	PtrToCtx
	PtrToStack
	PtrToPacket
	PtrToPacketEnd
	PtrToMapValue
)

var regTypeNames = map[RegType]string{
	NotInit:        "not_init",
	Scalar:         "scalar",
	PtrToCtx:       "ctx",
	PtrToStack:     "fp",
	PtrToPacket:    "pkt",
	PtrToPacketEnd: "pkt_end",
	PtrToMapValue:  "map_value",
}

func (t RegType) String() string {
	if n, ok := regTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("regtype(%d)", int(t))
}

func (t RegType) IsPointer() bool {
	return t >= PtrToCtx
}

// RegState is the abstract value of a register.  For pointers, Off is the constant
// offset from the start of the pointed-to object (negative for the stack, which
// grows down from the frame pointer) and VarOff is set once a non-constant scalar
// has been added.
type RegState struct {
	Type   RegType
	Off    int32
	VarOff bool
}

func (s RegState) String() string {
	if !s.Type.IsPointer() {
		return s.Type.String()
	}
	if s.VarOff {
		return fmt.Sprintf("%v%+d+var", s.Type, s.Off)
	}
	return fmt.Sprintf("%v%+d", s.Type, s.Off)
}

type ProgType int

const (
	ProgTypeSchedCLS ProgType = iota
	ProgTypeXDP
)

func (p ProgType) String() string {
	if p == ProgTypeXDP {
		return "xdp"
	}
	return "sched_cls"
}

// Analysis is the result of Analyze.  It is read-only once returned.
type Analysis struct {
	Insns asm.Insns
	// Visits[i] holds, for memory access instruction i, the state of its base
	// register once for every distinct state seen on a path reaching i.
	Visits [][]RegState
	// Reached[i] is false for instructions that no path reaches.  A nil slice
	// means every instruction is reachable.
	Reached []bool
	// StackDepth is the deepest frame-pointer-relative access, rounded up to 8.
	StackDepth int
	ProgType   ProgType
}

// IsReached reports whether instruction i lies on some path.
func (a *Analysis) IsReached(i int) bool {
	if a.Reached == nil {
		return true
	}
	return i < len(a.Reached) && a.Reached[i]
}

// DefaultStepBudget bounds the number of (instruction, state) pairs explored.
const DefaultStepBudget = 1 << 16

var (
	ErrJumpOutOfRange  = errors.New("jump out of range")
	ErrFallThrough     = errors.New("fall-through past last instruction")
	ErrTruncatedLdImm  = errors.New("truncated 64-bit immediate load")
	ErrTooComplex      = errors.New("program too complex")
	ErrEmptyProgram    = errors.New("empty program")
	ErrFramePtrWritten = errors.New("frame pointer is read-only")
)

type regFile [asm.NumRegs]RegState

type pathState struct {
	pc   int
	regs regFile
}

type analyzer struct {
	insns    asm.Insns
	progType ProgType
	visits   [][]RegState
	reached  []bool
	depth    int32
	seen     map[pathState]struct{}
	budget   int
	work     []pathState
}

// Analyze explores every path through insns.  R1 holds the context pointer on
// entry and R10 the frame pointer.
func Analyze(insns asm.Insns, progType ProgType) (*Analysis, error) {
	return AnalyzeWithBudget(insns, progType, DefaultStepBudget)
}

func AnalyzeWithBudget(insns asm.Insns, progType ProgType, budget int) (*Analysis, error) {
	if len(insns) == 0 {
		return nil, ErrEmptyProgram
	}
	a := &analyzer{
		insns:    insns,
		progType: progType,
		visits:   make([][]RegState, len(insns)),
		reached:  make([]bool, len(insns)),
		seen:     map[pathState]struct{}{},
		budget:   budget,
	}
	var entry regFile
	entry[asm.R1] = RegState{Type: PtrToCtx}
	entry[asm.R10] = RegState{Type: PtrToStack}
	a.push(pathState{pc: 0, regs: entry})

	for len(a.work) > 0 {
		st := a.work[len(a.work)-1]
		a.work = a.work[:len(a.work)-1]
		if err := a.step(st); err != nil {
			return nil, errors.Wrapf(err, "insn %d", st.pc)
		}
	}

	depth := int(a.depth)
	depth = (depth + 7) &^ 7
	log.WithFields(log.Fields{
		"insns":      len(insns),
		"stackDepth": depth,
		"states":     len(a.seen),
	}).Debug("Program analysed")
	return &Analysis{
		Insns:      insns,
		Visits:     a.visits,
		Reached:    a.reached,
		StackDepth: depth,
		ProgType:   progType,
	}, nil
}

func (a *analyzer) push(st pathState) {
	if _, ok := a.seen[st]; ok {
		return
	}
	a.seen[st] = struct{}{}
	a.work = append(a.work, st)
}

func (a *analyzer) record(pc int, s RegState) {
	for _, v := range a.visits[pc] {
		if v == s {
			return
		}
	}
	a.visits[pc] = append(a.visits[pc], s)
}

// noteStackAccess grows the frame to cover a stack access.  An access through a
// VarOff pointer has no bound and is not charged; consumers must not assume
// StackDepth covers it.
func (a *analyzer) noteStackAccess(base RegState, off int16) {
	if base.Type != PtrToStack || base.VarOff {
		return
	}
	if d := -(base.Off + int32(off)); d > a.depth {
		a.depth = d
	}
}

func (a *analyzer) ctxLoad(field int32) RegState {
	data, dataEnd := int32(asm.SkbuffOffsetData.Offset), int32(asm.SkbuffOffsetDataEnd.Offset)
	if a.progType == ProgTypeXDP {
		data, dataEnd = int32(asm.XDPOffsetData.Offset), int32(asm.XDPOffsetDataEnd.Offset)
	}
	switch field {
	case data:
		return RegState{Type: PtrToPacket}
	case dataEnd:
		return RegState{Type: PtrToPacketEnd}
	}
	return RegState{Type: Scalar}
}

func (a *analyzer) step(st pathState) error {
	a.budget--
	if a.budget < 0 {
		return ErrTooComplex
	}
	pc := st.pc
	a.reached[pc] = true
	insn := a.insns[pc]
	op := insn.OpCode()
	regs := st.regs
	dst, src := insn.Dst(), insn.Src()
	if dst >= asm.NumRegs || src >= asm.NumRegs {
		return errors.Errorf("bad register in %v", insn)
	}
	next := pc + 1

	switch op.Class() {
	case asm.OpClassALU64, asm.OpClassALU32:
		if dst == asm.R10 {
			return ErrFramePtrWritten
		}
		regs[dst] = aluResult(op, regs[dst], regs[src], insn.Imm())
	case asm.OpClassLoadImm:
		switch op.Mode() {
		case asm.MemOpModeImm:
			if op != asm.LoadImm64 || pc+1 >= len(a.insns) {
				return ErrTruncatedLdImm
			}
			a.reached[pc+1] = true
			if dst == asm.R10 {
				return ErrFramePtrWritten
			}
			regs[dst] = RegState{Type: Scalar}
			next = pc + 2
		case asm.MemOpModeAbs, asm.MemOpModeInd:
			// The packet is reached through the context held in R6; the loaded
			// value lands in R0 and the argument registers are clobbered.
			regs[asm.R0] = RegState{Type: Scalar}
			for r := asm.R1; r <= asm.R5; r++ {
				regs[r] = RegState{}
			}
		}
	case asm.OpClassLoadReg:
		if dst == asm.R10 {
			return ErrFramePtrWritten
		}
		base := regs[src]
		a.record(pc, base)
		a.noteStackAccess(base, insn.Off())
		if base.Type == PtrToCtx && !base.VarOff {
			regs[dst] = a.ctxLoad(base.Off + int32(insn.Off()))
		} else {
			regs[dst] = RegState{Type: Scalar}
		}
	case asm.OpClassStoreImm, asm.OpClassStoreReg:
		base := regs[dst]
		a.record(pc, base)
		a.noteStackAccess(base, insn.Off())
	case asm.OpClassJump64, asm.OpClassJump32:
		switch op.Op() {
		case asm.JumpOpExit:
			return nil
		case asm.JumpOpCall:
			regs[asm.R0] = RegState{Type: Scalar}
			for r := asm.R1; r <= asm.R5; r++ {
				regs[r] = RegState{}
			}
		case asm.JumpOpA:
			next = pc + 1 + int(insn.Off())
		default:
			target := pc + 1 + int(insn.Off())
			if target < 0 || target >= len(a.insns) {
				return errors.Wrapf(ErrJumpOutOfRange, "target %d", target)
			}
			a.push(pathState{pc: target, regs: regs})
		}
	}

	if next < 0 || next > len(a.insns) {
		return errors.Wrapf(ErrJumpOutOfRange, "target %d", next)
	}
	if next == len(a.insns) {
		return ErrFallThrough
	}
	a.push(pathState{pc: next, regs: regs})
	return nil
}

// aluResult models how ALU ops move pointers.  Constant adjustments keep the
// pointer and its offset; adding an unknown scalar keeps the pointer but loses the
// offset; anything else yields a scalar.
func aluResult(op asm.OpCode, d, s RegState, imm int32) RegState {
	scalar := RegState{Type: Scalar}
	if op.Class() == asm.OpClassALU32 {
		return scalar
	}
	switch op.Op() {
	case asm.ALUOpMov:
		if op.Src() == asm.OpSrcReg {
			return s
		}
		return scalar
	case asm.ALUOpAdd, asm.ALUOpSub:
		if op.Src() == asm.OpSrcImm {
			if !d.Type.IsPointer() {
				return scalar
			}
			if op.Op() == asm.ALUOpSub {
				imm = -imm
			}
			d.Off += imm
			return d
		}
		switch {
		case d.Type.IsPointer() && !s.Type.IsPointer():
			d.VarOff = true
			return d
		case op.Op() == asm.ALUOpAdd && s.Type.IsPointer() && !d.Type.IsPointer():
			s.VarOff = true
			return s
		}
	}
	return scalar
}
