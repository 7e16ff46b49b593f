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

// Package nfpasm encodes and decodes flow processor microengine instructions.
//
// Each instruction is a 48-bit word carried in a uint64.  The top byte of the
// uint64 is never produced by an encoder; code generators may borrow it as a
// scratch tag while a word is still being patched (see BrSpecialMask).
//
// ALU, shift and command instructions read two operands, one from the A operand
// field and one from the B operand field.  A general purpose register can only
// be read through the field matching its bank, so the encoders place operands
// and set the swap bit where needed, and fail with ErrOperandBanks when two
// operands need the same field.
package nfpasm

import (
	"fmt"
	"math/bits"

	"github.com/pkg/errors"
)

const (
	// BrSpecialMask covers the scratch byte that no encoder ever sets.
	BrSpecialMask uint64 = 0xff00000000000000
	// WordMask covers the bits of a real instruction.
	WordMask uint64 = 0x0000ffffffffffff

	fieldA     uint64 = 0x00000000000003ff
	fieldB     uint64 = 0x00000000000ffc00
	fieldDst   uint64 = 0x000000003ff00000
	fieldSw    uint64 = 0x0000000040000000
	fieldOp    uint64 = 0x0000000f80000000
	fieldDstAB uint64 = 0x0000001000000000
	fieldWrAB  uint64 = 0x0000010000000000
	fieldClass uint64 = 0x00001e0000000000

	fieldShfSC uint64 = 0x0000006000000000

	fieldImmVal   uint64 = 0x000000000000ffff
	fieldImmShift uint64 = 0x0000000180000000
	fieldImmInv   uint64 = 0x0000000200000000
	fieldImmHigh  uint64 = 0x0000000400000000

	fieldBrCond  uint64 = 0x000000000000001f
	fieldBrDefer uint64 = 0x0000000000000060
	// FieldBrAddr holds the absolute 16-bit branch target.
	FieldBrAddr uint64 = 0x0000000003fffc00

	fieldCSR = fieldDst

	fieldMemXfer    uint64 = 0x0000000003f00000
	fieldMemSize    uint64 = 0x000000001c000000
	fieldMemCtxSwap uint64 = fieldDstAB
)

type Class uint8

const (
	ClassInvalid Class = iota
	ClassALU
	ClassShift
	ClassImmed
	ClassBranch
	ClassLocalCSR
	ClassMem
	ClassNop
)

var classNames = map[Class]string{
	ClassALU:      "alu",
	ClassShift:    "shf",
	ClassImmed:    "immed",
	ClassBranch:   "br",
	ClassLocalCSR: "local_csr_wr",
	ClassMem:      "mem",
	ClassNop:      "nop",
}

func (c Class) String() string {
	if n, ok := classNames[c]; ok {
		return n
	}
	return "invalid"
}

// ALUOp is a 32-bit ALU operation.  All ALU operations update the condition codes
// (zero, negative, carry/borrow); ALUOpNone moves the B operand to the destination.
type ALUOp uint8

const (
	ALUOpNone ALUOp = 0x00
	ALUOpAdd  ALUOp = 0x01
	ALUOpNot  ALUOp = 0x04
	ALUOpAnd  ALUOp = 0x08
	ALUOpSubC ALUOp = 0x0d
	ALUOpAddC ALUOp = 0x11
	ALUOpOr   ALUOp = 0x14
	ALUOpSub  ALUOp = 0x15
	ALUOpXor  ALUOp = 0x18
)

var aluOpNames = map[ALUOp]string{
	ALUOpNone: "B",
	ALUOpAdd:  "+",
	ALUOpNot:  "~B",
	ALUOpAnd:  "AND",
	ALUOpSubC: "-carry",
	ALUOpAddC: "+carry",
	ALUOpOr:   "OR",
	ALUOpSub:  "-",
	ALUOpXor:  "XOR",
}

func (op ALUOp) String() string {
	if n, ok := aluOpNames[op]; ok {
		return n
	}
	return "?"
}

// ShfSC selects the shifter mode.
type ShfSC uint8

const (
	ShfSCRShift ShfSC = iota
	ShfSCNone
	ShfSCLShift
	// ShfSCRDShift shifts the 64-bit concatenation A:B right and keeps the low word.
	ShfSCRDShift
)

var shfNames = [...]string{"B>>", "B", "B<<", "A:B>>"}

func (sc ShfSC) String() string {
	if int(sc) < len(shfNames) {
		return shfNames[sc]
	}
	return "?"
}

// ImmedShift selects the byte position of a 16-bit immediate.
type ImmedShift uint8

const (
	ImmedShift0 ImmedShift = 0
	ImmedShift1 ImmedShift = 1
	ImmedShift2 ImmedShift = 2
)

// BrCond is a branch condition, evaluated against the condition codes of the last
// ALU instruction.
type BrCond uint8

const (
	BrEQ  BrCond = 0x00
	BrNE  BrCond = 0x01
	BrMI  BrCond = 0x02
	BrHS  BrCond = 0x04
	BrLO  BrCond = 0x05
	BrGE  BrCond = 0x08
	BrLT  BrCond = 0x09
	BrUNC BrCond = 0x18
)

var brNames = map[BrCond]string{
	BrEQ:  "beq",
	BrNE:  "bne",
	BrMI:  "bmi",
	BrHS:  "bhs",
	BrLO:  "blo",
	BrGE:  "bge",
	BrLT:  "blt",
	BrUNC: "br",
}

func (c BrCond) String() string {
	if n, ok := brNames[c]; ok {
		return n
	}
	return "b?"
}

// CSR is a local CSR number.
type CSR uint16

const (
	CSRActLMAddr0 CSR = 0x65
	CSRActLMAddr1 CSR = 0x6d
)

// MemOp is the command issued by a ClassMem instruction.
type MemOp uint8

const (
	MemOpRead     MemOp = 0x01
	// MemOpReadSwap reads with the bytes of each word reversed.
	MemOpReadSwap MemOp = 0x02
)

var memOpNames = map[MemOp]string{
	MemOpRead:     "read",
	MemOpReadSwap: "read_swap",
}

func (op MemOp) String() string {
	if n, ok := memOpNames[op]; ok {
		return n
	}
	return fmt.Sprintf("memop?%d", uint8(op))
}

const (
	// MaxMemReadBytes is the largest single command read.
	MaxMemReadBytes = 8
	// MaxBrAddr is the highest addressable instruction.
	MaxBrAddr = 0xffff
	// MaxShift is the largest constant shift amount.
	MaxShift = 31
)

var (
	ErrOperandBanks = errors.New("operands need the same register bank")
	ErrBadOperand   = errors.New("operand not encodable")
	ErrBadDst       = errors.New("destination not writable")
	ErrBadWord      = errors.New("malformed instruction word")
)

func fieldPrep(mask, v uint64) uint64 {
	return (v << uint(bits.TrailingZeros64(mask))) & mask
}

func fieldGet(mask, w uint64) uint64 {
	return (w & mask) >> uint(bits.TrailingZeros64(mask))
}

func classBits(c Class) uint64 {
	return fieldPrep(fieldClass, uint64(c))
}

// placeOperands assigns a and b to the A and B fields, swapping if that is the
// only legal placement.
func placeOperands(a, b SwReg) (areg, breg uint64, swap bool, err error) {
	if err = a.validate(); err != nil {
		return
	}
	if err = b.validate(); err != nil {
		return
	}
	if a.Type == RegImm && b.Type == RegImm {
		err = errors.Wrap(ErrOperandBanks, "two immediates")
		return
	}
	switch {
	case a.okInA() && b.okInB():
		return a.unrestricted(), b.unrestricted(), false, nil
	case b.okInA() && a.okInB():
		return b.unrestricted(), a.unrestricted(), true, nil
	}
	err = errors.Wrapf(ErrOperandBanks, "%v and %v", a, b)
	return
}

func dstBits(dst SwReg) (uint64, error) {
	if err := dst.validate(); err != nil {
		return 0, err
	}
	switch dst.Type {
	case RegImm:
		return 0, errors.Wrapf(ErrBadDst, "%v", dst)
	case RegGPRA:
		return fieldPrep(fieldDst, uint64(dst.Num)), nil
	case RegGPRB:
		return fieldPrep(fieldDst, uint64(dst.Num)) | fieldDstAB, nil
	case RegGPRBoth:
		return fieldPrep(fieldDst, uint64(dst.Num)) | fieldWrAB, nil
	}
	return fieldPrep(fieldDst, dst.unrestricted()), nil
}

// ALU encodes dst = a op b.
func ALU(dst, a SwReg, op ALUOp, b SwReg) (uint64, error) {
	areg, breg, swap, err := placeOperands(a, b)
	if err != nil {
		return 0, err
	}
	d, err := dstBits(dst)
	if err != nil {
		return 0, err
	}
	w := classBits(ClassALU) | d |
		fieldPrep(fieldA, areg) |
		fieldPrep(fieldB, breg) |
		fieldPrep(fieldOp, uint64(op))
	if swap {
		w |= fieldSw
	}
	return w, nil
}

// Shf encodes a constant shift.  For ShfSCRShift and ShfSCLShift the source is b
// and a is normally None().
func Shf(dst, a SwReg, sc ShfSC, b SwReg, shift uint8) (uint64, error) {
	if shift > MaxShift {
		return 0, errors.Wrapf(ErrBadOperand, "shift %d", shift)
	}
	areg, breg, swap, err := placeOperands(a, b)
	if err != nil {
		return 0, err
	}
	d, err := dstBits(dst)
	if err != nil {
		return 0, err
	}
	w := classBits(ClassShift) | d |
		fieldPrep(fieldA, areg) |
		fieldPrep(fieldB, breg) |
		fieldPrep(fieldOp, uint64(shift)) |
		fieldPrep(fieldShfSC, uint64(sc))
	if swap {
		w |= fieldSw
	}
	return w, nil
}

// Immed loads imm<<(8*shift), inverted when invert is set, into dst.
func Immed(dst SwReg, imm uint16, shift ImmedShift, invert bool) (uint64, error) {
	if shift > ImmedShift2 {
		return 0, errors.Wrapf(ErrBadOperand, "immed byte shift %d", shift)
	}
	d, err := dstBits(dst)
	if err != nil {
		return 0, err
	}
	w := classBits(ClassImmed) | d |
		fieldPrep(fieldImmVal, uint64(imm)) |
		fieldPrep(fieldImmShift, uint64(shift))
	if invert {
		w |= fieldImmInv
	}
	return w, nil
}

// ImmedHigh replaces the upper 16 bits of dst, keeping the lower half.
func ImmedHigh(dst SwReg, imm uint16) (uint64, error) {
	w, err := Immed(dst, imm, ImmedShift0, false)
	if err != nil {
		return 0, err
	}
	return w | fieldImmHigh, nil
}

// Br encodes a branch to the absolute address addr.  deferSlots instructions after
// the branch execute before it is taken.
func Br(cond BrCond, addr uint16, deferSlots uint8) uint64 {
	return classBits(ClassBranch) |
		fieldPrep(fieldBrCond, uint64(cond)) |
		fieldPrep(fieldBrDefer, uint64(deferSlots)) |
		fieldPrep(FieldBrAddr, uint64(addr))
}

// LocalCSRWrite writes src, which must be readable from the A field, to a local CSR.
// Writes to the LM address CSRs take three cycles to become visible.
func LocalCSRWrite(csr CSR, src SwReg) (uint64, error) {
	if err := src.validate(); err != nil {
		return 0, err
	}
	if !src.okInA() || src.Type == RegNone {
		return 0, errors.Wrapf(ErrOperandBanks, "csr source %v", src)
	}
	return classBits(ClassLocalCSR) |
		fieldPrep(fieldCSR, uint64(csr)) |
		fieldPrep(fieldA, src.unrestricted()), nil
}

// MemRead reads size bytes from packet memory at address a+b into consecutive
// transfer registers starting at xfer, swapping context until the data arrives.
// Data lands most significant byte first.
func MemRead(xfer uint8, a, b SwReg, size uint8) (uint64, error) {
	return memCmd(MemOpRead, xfer, a, b, size)
}

// MemReadSwap is MemRead with each transfer register byte swapped, so that
// data lands least significant byte first.
func MemReadSwap(xfer uint8, a, b SwReg, size uint8) (uint64, error) {
	return memCmd(MemOpReadSwap, xfer, a, b, size)
}

func memCmd(op MemOp, xfer uint8, a, b SwReg, size uint8) (uint64, error) {
	if size == 0 || size > MaxMemReadBytes {
		return 0, errors.Wrapf(ErrBadOperand, "read size %d", size)
	}
	if int(xfer)+int(size+3)/4 > NumXfers {
		return 0, errors.Wrapf(ErrBadOperand, "xfer %d", xfer)
	}
	areg, breg, swap, err := placeOperands(a, b)
	if err != nil {
		return 0, err
	}
	w := classBits(ClassMem) |
		fieldPrep(fieldA, areg) |
		fieldPrep(fieldB, breg) |
		fieldPrep(fieldMemXfer, uint64(xfer)) |
		fieldPrep(fieldMemSize, uint64(size-1)) |
		fieldPrep(fieldOp, uint64(op)) |
		fieldMemCtxSwap
	if swap {
		w |= fieldSw
	}
	return w, nil
}

func Nop() uint64 {
	return classBits(ClassNop)
}

// SetBrAddr returns the branch word w retargeted at addr.
func SetBrAddr(w uint64, addr uint16) uint64 {
	return (w &^ FieldBrAddr) | fieldPrep(FieldBrAddr, uint64(addr))
}
