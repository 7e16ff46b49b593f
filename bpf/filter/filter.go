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

// Package filter turns classic BPF packet filters, as produced by tcpdump
// expressions, into eBPF classifiers that the offload compiler accepts.
//
// The generated program follows the usual classic-to-eBPF register mapping:
// A lives in R0, X in R7, the context in R6, and the sixteen scratch words in
// the bottom of the stack frame.  Packet reads use the legacy absolute and
// indirect loads, which yield big endian values just as classic BPF expects and
// end the program if the read runs past the packet.  A matching packet returns
// a non-zero verdict.
package filter

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/net/bpf"

	"github.com/nfpbpf/offload/bpf/asm"
)

const (
	regA   = asm.R0
	regX   = asm.R7
	regCtx = asm.R6
	// regTmp holds A across a LoadMemShift, which has to go through R0.
	regTmp = asm.R8
	// regK holds comparison constants that do not fit a sign-extended immediate.
	regK = asm.R9

	numScratch = 16
)

var ErrUnsupported = errors.New("unsupported classic instruction")

// FromClassic converts a classic program.  Packets shorter than minLen miss
// without running the filter; zero disables the check.
func FromClassic(raw []bpf.RawInstruction, minLen int) (asm.Insns, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty classic program")
	}
	b := asm.NewBlock(false)
	b.Mov64(regCtx, asm.R1)
	if minLen > 0 {
		b.Load32(asm.R2, regCtx, asm.SkbuffOffsetLen)
		b.JumpLTImm64(asm.R2, int32(minLen), "miss")
	}
	b.MovImm64(regA, 0)
	b.MovImm64(regX, 0)

	for i, r := range raw {
		b.LabelNextInsn(label(i))
		if err := convert(b, i, len(raw), r.Disassemble()); err != nil {
			return nil, errors.Wrapf(err, "classic instruction %d (%#v)", i, r)
		}
	}
	if minLen > 0 {
		b.LabelNextInsn("miss")
		b.MovImm64(asm.R0, 0)
		b.Exit()
	}
	return b.Assemble()
}

func label(i int) string {
	return fmt.Sprintf("c%d", i)
}

func scratchOff(n int) int16 {
	return int16(-4 * (n + 1))
}

var aluOps = map[bpf.ALUOp]asm.OpCode{
	bpf.ALUOpAdd:        asm.ALUOpAdd,
	bpf.ALUOpSub:        asm.ALUOpSub,
	bpf.ALUOpMul:        asm.ALUOpMul,
	bpf.ALUOpDiv:        asm.ALUOpDiv,
	bpf.ALUOpOr:         asm.ALUOpOr,
	bpf.ALUOpAnd:        asm.ALUOpAnd,
	bpf.ALUOpShiftLeft:  asm.ALUOpShiftL,
	bpf.ALUOpShiftRight: asm.ALUOpShiftR,
	bpf.ALUOpMod:        asm.ALUOpMod,
	bpf.ALUOpXor:        asm.ALUOpXOR,
}

// jumpOps maps each classic condition to an eBPF jump and whether the true and
// false targets swap.
var jumpOps = map[bpf.JumpTest]struct {
	op   asm.OpCode
	swap bool
}{
	bpf.JumpEqual:          {asm.JumpOpEq, false},
	bpf.JumpNotEqual:       {asm.JumpOpNE, false},
	bpf.JumpGreaterThan:    {asm.JumpOpGT, false},
	bpf.JumpLessThan:       {asm.JumpOpLT, false},
	bpf.JumpGreaterOrEqual: {asm.JumpOpGE, false},
	bpf.JumpLessOrEqual:    {asm.JumpOpLE, false},
	bpf.JumpBitsSet:        {asm.JumpOpSet, false},
	bpf.JumpBitsNotSet:     {asm.JumpOpSet, true},
}

func convert(b *asm.Block, i, n int, ins bpf.Instruction) error {
	target := func(skip uint8) (string, error) {
		t := i + 1 + int(skip)
		if t >= n {
			return "", errors.Errorf("jump past the end to %d", t)
		}
		return label(t), nil
	}

	switch ins := ins.(type) {
	case bpf.LoadAbsolute:
		b.LoadAbs(ins.Size, int32(ins.Off))
	case bpf.LoadIndirect:
		b.LoadInd(ins.Size, regX, int32(ins.Off))
	case bpf.LoadMemShift:
		b.Mov64(regTmp, regA)
		b.LoadAbs(1, int32(ins.Off))
		b.AndImm32(regA, 0xf)
		b.ShiftLImm32(regA, 2)
		b.Mov32(regX, regA)
		b.Mov64(regA, regTmp)
	case bpf.LoadConstant:
		b.MovImm32(dstReg(ins.Dst), int32(ins.Val))
	case bpf.LoadScratch:
		if ins.N < 0 || ins.N >= numScratch {
			return errors.Errorf("scratch slot %d", ins.N)
		}
		b.LoadStack32(dstReg(ins.Dst), scratchOff(ins.N))
	case bpf.StoreScratch:
		if ins.N < 0 || ins.N >= numScratch {
			return errors.Errorf("scratch slot %d", ins.N)
		}
		b.StoreStack32(dstReg(ins.Src), scratchOff(ins.N))
	case bpf.LoadExtension:
		if ins.Num != bpf.ExtLen {
			return errors.Wrapf(ErrUnsupported, "extension %v", ins.Num)
		}
		b.Load32(regA, regCtx, asm.SkbuffOffsetLen)
	case bpf.ALUOpConstant:
		op, ok := aluOps[ins.Op]
		if !ok {
			return errors.Wrapf(ErrUnsupported, "ALU op %v", ins.Op)
		}
		b.Instr(asm.OpClassALU32|asm.OpSrcImm|op, regA, 0, 0, int32(ins.Val), "")
	case bpf.ALUOpX:
		op, ok := aluOps[ins.Op]
		if !ok {
			return errors.Wrapf(ErrUnsupported, "ALU op %v", ins.Op)
		}
		b.Instr(asm.OpClassALU32|asm.OpSrcReg|op, regA, regX, 0, 0, "")
	case bpf.NegateA:
		b.Instr(asm.Negate64, regA, 0, 0, 0, "")
		b.Mov32(regA, regA)
	case bpf.Jump:
		t, err := targetFar(i, n, ins.Skip)
		if err != nil {
			return err
		}
		b.Jump(t)
	case bpf.JumpIf:
		if ins.Val > 0x7fffffff {
			b.MovImm32(regK, int32(ins.Val))
			return condJump(b, ins.Cond, regK, 0, true, ins.SkipTrue, ins.SkipFalse, target)
		}
		return condJump(b, ins.Cond, 0, int32(ins.Val), false, ins.SkipTrue, ins.SkipFalse, target)
	case bpf.JumpIfX:
		return condJump(b, ins.Cond, regX, 0, true, ins.SkipTrue, ins.SkipFalse, target)
	case bpf.RetA:
		b.Exit()
	case bpf.RetConstant:
		verdict := int32(0)
		if ins.Val != 0 {
			verdict = 1
		}
		b.MovImm64(asm.R0, verdict)
		b.Exit()
	case bpf.TAX:
		b.Mov32(regX, regA)
	case bpf.TXA:
		b.Mov32(regA, regX)
	default:
		return errors.Wrapf(ErrUnsupported, "%T", ins)
	}
	return nil
}

// targetFar resolves an unconditional jump, whose skip is 32 bits wide.
func targetFar(i, n int, skip uint32) (string, error) {
	t := uint64(i) + 1 + uint64(skip)
	if t >= uint64(n) {
		return "", errors.Errorf("jump past the end to %d", t)
	}
	return label(int(t)), nil
}

func condJump(
	b *asm.Block,
	cond bpf.JumpTest,
	src asm.Reg,
	imm int32,
	isReg bool,
	skipTrue, skipFalse uint8,
	target func(uint8) (string, error),
) error {
	j, ok := jumpOps[cond]
	if !ok {
		return errors.Wrapf(ErrUnsupported, "jump condition %v", cond)
	}
	if j.swap {
		skipTrue, skipFalse = skipFalse, skipTrue
	}
	tTrue, err := target(skipTrue)
	if err != nil {
		return err
	}
	tFalse, err := target(skipFalse)
	if err != nil {
		return err
	}
	if skipTrue == skipFalse {
		b.Jump(tTrue)
		return nil
	}
	srcMode := asm.OpSrcImm
	if isReg {
		srcMode = asm.OpSrcReg
	}
	b.InstrWithOffsetFixup(asm.OpClassJump64|srcMode|j.op, regA, src, tTrue, imm)
	if skipFalse != 0 {
		b.Jump(tFalse)
	}
	return nil
}

func dstReg(r bpf.Register) asm.Reg {
	if r == bpf.RegX {
		return regX
	}
	return regA
}
