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

package nfpasm

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Instr is a decoded instruction word.  Only the fields relevant to Class are set.
type Instr struct {
	Class Class
	Word  uint64

	Dst SwReg
	// A and B are the logical operands, in the order they were passed to the
	// encoder, with any field swap undone.
	A, B SwReg

	ALUOp ALUOp
	ShfSC ShfSC
	Shift uint8

	Imm      uint16
	ImmShift ImmedShift
	ImmInv   bool
	ImmHigh  bool

	Cond  BrCond
	Addr  uint16
	Defer uint8

	CSR CSR

	MemOp   MemOp
	Xfer    uint8
	Size    uint8
	CtxSwap bool
}

// Decode parses one instruction word.  Words with scratch bits still set are
// rejected.
func Decode(w uint64) (Instr, error) {
	if w&BrSpecialMask != 0 {
		return Instr{}, errors.Wrapf(ErrBadWord, "scratch bits set in %#016x", w)
	}
	in := Instr{Class: Class(fieldGet(fieldClass, w)), Word: w}
	switch in.Class {
	case ClassALU, ClassShift:
		in.Dst = decodeDst(w)
		in.A = decodeOperand(fieldGet(fieldA, w), false)
		in.B = decodeOperand(fieldGet(fieldB, w), true)
		if w&fieldSw != 0 {
			in.A, in.B = in.B, in.A
		}
		if in.Class == ClassALU {
			in.ALUOp = ALUOp(fieldGet(fieldOp, w))
		} else {
			in.Shift = uint8(fieldGet(fieldOp, w))
			in.ShfSC = ShfSC(fieldGet(fieldShfSC, w))
		}
	case ClassImmed:
		in.Dst = decodeDst(w)
		in.Imm = uint16(fieldGet(fieldImmVal, w))
		in.ImmShift = ImmedShift(fieldGet(fieldImmShift, w))
		in.ImmInv = w&fieldImmInv != 0
		in.ImmHigh = w&fieldImmHigh != 0
	case ClassBranch:
		in.Cond = BrCond(fieldGet(fieldBrCond, w))
		in.Defer = uint8(fieldGet(fieldBrDefer, w))
		in.Addr = uint16(fieldGet(FieldBrAddr, w))
	case ClassLocalCSR:
		in.CSR = CSR(fieldGet(fieldCSR, w))
		in.A = decodeOperand(fieldGet(fieldA, w), false)
	case ClassMem:
		in.MemOp = MemOp(fieldGet(fieldOp, w))
		in.Xfer = uint8(fieldGet(fieldMemXfer, w))
		in.Size = uint8(fieldGet(fieldMemSize, w)) + 1
		in.CtxSwap = w&fieldMemCtxSwap != 0
		in.A = decodeOperand(fieldGet(fieldA, w), false)
		in.B = decodeOperand(fieldGet(fieldB, w), true)
		if w&fieldSw != 0 {
			in.A, in.B = in.B, in.A
		}
	case ClassNop:
	default:
		return Instr{}, errors.Wrapf(ErrBadWord, "unknown class %d in %#012x", in.Class, w)
	}
	return in, nil
}

func decodeDst(w uint64) SwReg {
	enc := fieldGet(fieldDst, w)
	if enc < NumGPRs {
		switch {
		case w&fieldWrAB != 0:
			return GPRBoth(uint16(enc))
		case w&fieldDstAB != 0:
			return GPRB(uint16(enc))
		default:
			return GPRA(uint16(enc))
		}
	}
	return decodeOperand(enc, false)
}

// ImmValue returns the 32-bit value an immed instruction produces, for the
// half it writes.
func (in Instr) ImmValue() uint32 {
	v := uint32(in.Imm) << (8 * uint(in.ImmShift))
	if in.ImmInv {
		v = ^v
	}
	return v
}

// IsBranch reports whether the instruction transfers control.
func (in Instr) IsBranch() bool {
	return in.Class == ClassBranch
}

// WritesGPR reports whether the instruction writes GPR slot n in either bank.
func (in Instr) WritesGPR(n uint16) bool {
	if !in.Dst.IsGPR() || in.Dst.Num != n {
		return false
	}
	switch in.Class {
	case ClassALU, ClassShift, ClassImmed:
		return true
	}
	return false
}

func (in Instr) String() string {
	switch in.Class {
	case ClassALU:
		if in.ALUOp == ALUOpNone {
			return fmt.Sprintf("alu[%v, --, B, %v]", in.Dst, in.B)
		}
		return fmt.Sprintf("alu[%v, %v, %v, %v]", in.Dst, in.A, in.ALUOp, in.B)
	case ClassShift:
		if in.ShfSC == ShfSCRDShift {
			return fmt.Sprintf("dbl_shf[%v, %v, %v, >>%d]", in.Dst, in.A, in.B, in.Shift)
		}
		dir := ">>"
		if in.ShfSC == ShfSCLShift {
			dir = "<<"
		}
		return fmt.Sprintf("shf[%v, --, B, %v, %s%d]", in.Dst, in.B, dir, in.Shift)
	case ClassImmed:
		var opts []string
		if in.ImmHigh {
			opts = append(opts, "hi")
		}
		if in.ImmInv {
			opts = append(opts, "inv")
		}
		s := fmt.Sprintf("immed[%v, %#x", in.Dst, in.Imm)
		if in.ImmShift != 0 {
			s += fmt.Sprintf(", <<%d", 8*in.ImmShift)
		}
		if len(opts) > 0 {
			s += ", " + strings.Join(opts, " ")
		}
		return s + "]"
	case ClassBranch:
		s := fmt.Sprintf("%v[.%d]", in.Cond, in.Addr)
		if in.Defer > 0 {
			s += fmt.Sprintf(", defer[%d]", in.Defer)
		}
		return s
	case ClassLocalCSR:
		return fmt.Sprintf("local_csr_wr[%#x, %v]", uint16(in.CSR), in.A)
	case ClassMem:
		return fmt.Sprintf("mem[%v, $xfer_%d, %v, %v, %d], ctx_swap", in.MemOp, in.Xfer, in.A, in.B, in.Size)
	case ClassNop:
		return "nop"
	}
	return fmt.Sprintf(".word %#012x", in.Word)
}

// Disassemble renders a program with absolute addresses starting at start.
func Disassemble(prog []uint64, start uint16) (string, error) {
	var sb strings.Builder
	for i, w := range prog {
		in, err := Decode(w)
		if err != nil {
			return sb.String(), errors.Wrapf(err, "word %d", i)
		}
		fmt.Fprintf(&sb, "%5d: %s\n", int(start)+i, in)
	}
	return sb.String(), nil
}
