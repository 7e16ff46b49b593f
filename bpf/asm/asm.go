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

// Package asm models eBPF bytecode: opcodes, the 8-byte instruction encoding and a
// Block builder that resolves label-based jumps into relative offsets.
package asm

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type OpCode uint8

// noinspection GoUnusedConst
const (
	// Opcode classes.
	OpClassLoadImm  OpCode = 0x00
	OpClassLoadReg  OpCode = 0x01
	OpClassStoreImm OpCode = 0x02
	OpClassStoreReg OpCode = 0x03
	OpClassALU32    OpCode = 0x04
	OpClassJump64   OpCode = 0x05
	OpClassJump32   OpCode = 0x06
	OpClassALU64    OpCode = 0x07
	OpClassMask     OpCode = 0x07

	// Memory access sizes.
	MemOpSize32   OpCode = 0x00
	MemOpSize16   OpCode = 0x08
	MemOpSize8    OpCode = 0x10
	MemOpSize64   OpCode = 0x18
	MemOpSizeMask OpCode = 0x18

	// Memory access modes.
	MemOpModeImm  OpCode = 0x00
	MemOpModeAbs  OpCode = 0x20
	MemOpModeInd  OpCode = 0x40
	MemOpModeMem  OpCode = 0x60
	MemOpModeXAdd OpCode = 0xc0
	MemOpModeMask OpCode = 0xe0

	// Source of the second operand for ALU and jump instructions.
	OpSrcImm  OpCode = 0x00
	OpSrcReg  OpCode = 0x08
	OpSrcMask OpCode = 0x08

	ALUOpAdd    OpCode = 0x00
	ALUOpSub    OpCode = 0x10
	ALUOpMul    OpCode = 0x20
	ALUOpDiv    OpCode = 0x30
	ALUOpOr     OpCode = 0x40
	ALUOpAnd    OpCode = 0x50
	ALUOpShiftL OpCode = 0x60
	ALUOpShiftR OpCode = 0x70
	ALUOpNeg    OpCode = 0x80
	ALUOpMod    OpCode = 0x90
	ALUOpXOR    OpCode = 0xa0
	ALUOpMov    OpCode = 0xb0
	ALUOpArsh   OpCode = 0xc0
	ALUOpEndian OpCode = 0xd0
	ALUOpMask   OpCode = 0xf0

	JumpOpA    OpCode = 0x00
	JumpOpEq   OpCode = 0x10
	JumpOpGT   OpCode = 0x20
	JumpOpGE   OpCode = 0x30
	JumpOpSet  OpCode = 0x40
	JumpOpNE   OpCode = 0x50
	JumpOpSGT  OpCode = 0x60
	JumpOpSGE  OpCode = 0x70
	JumpOpCall OpCode = 0x80
	JumpOpExit OpCode = 0x90
	JumpOpLT   OpCode = 0xa0
	JumpOpLE   OpCode = 0xb0
	JumpOpSLT  OpCode = 0xc0
	JumpOpSLE  OpCode = 0xd0
	JumpOpMask OpCode = 0xf0

	// Load/store.
	LoadImm64    = OpClassLoadImm | MemOpModeImm | MemOpSize64
	LoadImm64Pt2 = OpCode(0)

	LoadAbs8  = OpClassLoadImm | MemOpModeAbs | MemOpSize8
	LoadAbs16 = OpClassLoadImm | MemOpModeAbs | MemOpSize16
	LoadAbs32 = OpClassLoadImm | MemOpModeAbs | MemOpSize32
	LoadInd8  = OpClassLoadImm | MemOpModeInd | MemOpSize8
	LoadInd16 = OpClassLoadImm | MemOpModeInd | MemOpSize16
	LoadInd32 = OpClassLoadImm | MemOpModeInd | MemOpSize32

	Load8  = OpClassLoadReg | MemOpModeMem | MemOpSize8
	Load16 = OpClassLoadReg | MemOpModeMem | MemOpSize16
	Load32 = OpClassLoadReg | MemOpModeMem | MemOpSize32
	Load64 = OpClassLoadReg | MemOpModeMem | MemOpSize64

	StoreImm8  = OpClassStoreImm | MemOpModeMem | MemOpSize8
	StoreImm16 = OpClassStoreImm | MemOpModeMem | MemOpSize16
	StoreImm32 = OpClassStoreImm | MemOpModeMem | MemOpSize32
	StoreImm64 = OpClassStoreImm | MemOpModeMem | MemOpSize64

	Store8  = OpClassStoreReg | MemOpModeMem | MemOpSize8
	Store16 = OpClassStoreReg | MemOpModeMem | MemOpSize16
	Store32 = OpClassStoreReg | MemOpModeMem | MemOpSize32
	Store64 = OpClassStoreReg | MemOpModeMem | MemOpSize64

	XAdd32 = OpClassStoreReg | MemOpModeXAdd | MemOpSize32
	XAdd64 = OpClassStoreReg | MemOpModeXAdd | MemOpSize64

	// 64-bit ALU.
	Add64       = OpClassALU64 | OpSrcReg | ALUOpAdd
	AddImm64    = OpClassALU64 | OpSrcImm | ALUOpAdd
	Sub64       = OpClassALU64 | OpSrcReg | ALUOpSub
	SubImm64    = OpClassALU64 | OpSrcImm | ALUOpSub
	Mul64       = OpClassALU64 | OpSrcReg | ALUOpMul
	MulImm64    = OpClassALU64 | OpSrcImm | ALUOpMul
	Div64       = OpClassALU64 | OpSrcReg | ALUOpDiv
	DivImm64    = OpClassALU64 | OpSrcImm | ALUOpDiv
	Or64        = OpClassALU64 | OpSrcReg | ALUOpOr
	OrImm64     = OpClassALU64 | OpSrcImm | ALUOpOr
	And64       = OpClassALU64 | OpSrcReg | ALUOpAnd
	AndImm64    = OpClassALU64 | OpSrcImm | ALUOpAnd
	ShiftL64    = OpClassALU64 | OpSrcReg | ALUOpShiftL
	ShiftLImm64 = OpClassALU64 | OpSrcImm | ALUOpShiftL
	ShiftR64    = OpClassALU64 | OpSrcReg | ALUOpShiftR
	ShiftRImm64 = OpClassALU64 | OpSrcImm | ALUOpShiftR
	Negate64    = OpClassALU64 | OpSrcImm | ALUOpNeg
	Mod64       = OpClassALU64 | OpSrcReg | ALUOpMod
	ModImm64    = OpClassALU64 | OpSrcImm | ALUOpMod
	XOR64       = OpClassALU64 | OpSrcReg | ALUOpXOR
	XORImm64    = OpClassALU64 | OpSrcImm | ALUOpXOR
	Mov64       = OpClassALU64 | OpSrcReg | ALUOpMov
	MovImm64    = OpClassALU64 | OpSrcImm | ALUOpMov
	Arsh64      = OpClassALU64 | OpSrcReg | ALUOpArsh
	ArshImm64   = OpClassALU64 | OpSrcImm | ALUOpArsh

	// 32-bit ALU.
	Add32       = OpClassALU32 | OpSrcReg | ALUOpAdd
	AddImm32    = OpClassALU32 | OpSrcImm | ALUOpAdd
	Sub32       = OpClassALU32 | OpSrcReg | ALUOpSub
	SubImm32    = OpClassALU32 | OpSrcImm | ALUOpSub
	Mul32       = OpClassALU32 | OpSrcReg | ALUOpMul
	MulImm32    = OpClassALU32 | OpSrcImm | ALUOpMul
	Div32       = OpClassALU32 | OpSrcReg | ALUOpDiv
	DivImm32    = OpClassALU32 | OpSrcImm | ALUOpDiv
	Or32        = OpClassALU32 | OpSrcReg | ALUOpOr
	OrImm32     = OpClassALU32 | OpSrcImm | ALUOpOr
	And32       = OpClassALU32 | OpSrcReg | ALUOpAnd
	AndImm32    = OpClassALU32 | OpSrcImm | ALUOpAnd
	ShiftL32    = OpClassALU32 | OpSrcReg | ALUOpShiftL
	ShiftLImm32 = OpClassALU32 | OpSrcImm | ALUOpShiftL
	ShiftR32    = OpClassALU32 | OpSrcReg | ALUOpShiftR
	ShiftRImm32 = OpClassALU32 | OpSrcImm | ALUOpShiftR
	Negate32    = OpClassALU32 | OpSrcImm | ALUOpNeg
	Mod32       = OpClassALU32 | OpSrcReg | ALUOpMod
	ModImm32    = OpClassALU32 | OpSrcImm | ALUOpMod
	XOR32       = OpClassALU32 | OpSrcReg | ALUOpXOR
	XORImm32    = OpClassALU32 | OpSrcImm | ALUOpXOR
	Mov32       = OpClassALU32 | OpSrcReg | ALUOpMov
	MovImm32    = OpClassALU32 | OpSrcImm | ALUOpMov
	Arsh32      = OpClassALU32 | OpSrcReg | ALUOpArsh
	ArshImm32   = OpClassALU32 | OpSrcImm | ALUOpArsh
	Endian      = OpClassALU32 | ALUOpEndian

	// 64-bit jumps.
	JumpA        = OpClassJump64 | JumpOpA
	JumpEq64     = OpClassJump64 | OpSrcReg | JumpOpEq
	JumpEqImm64  = OpClassJump64 | OpSrcImm | JumpOpEq
	JumpGT64     = OpClassJump64 | OpSrcReg | JumpOpGT
	JumpGTImm64  = OpClassJump64 | OpSrcImm | JumpOpGT
	JumpGE64     = OpClassJump64 | OpSrcReg | JumpOpGE
	JumpGEImm64  = OpClassJump64 | OpSrcImm | JumpOpGE
	JumpSet64    = OpClassJump64 | OpSrcReg | JumpOpSet
	JumpSetImm64 = OpClassJump64 | OpSrcImm | JumpOpSet
	JumpNE64     = OpClassJump64 | OpSrcReg | JumpOpNE
	JumpNEImm64  = OpClassJump64 | OpSrcImm | JumpOpNE
	JumpSGT64    = OpClassJump64 | OpSrcReg | JumpOpSGT
	JumpSGTImm64 = OpClassJump64 | OpSrcImm | JumpOpSGT
	JumpSGE64    = OpClassJump64 | OpSrcReg | JumpOpSGE
	JumpSGEImm64 = OpClassJump64 | OpSrcImm | JumpOpSGE
	JumpLT64     = OpClassJump64 | OpSrcReg | JumpOpLT
	JumpLTImm64  = OpClassJump64 | OpSrcImm | JumpOpLT
	JumpLE64     = OpClassJump64 | OpSrcReg | JumpOpLE
	JumpLEImm64  = OpClassJump64 | OpSrcImm | JumpOpLE
	JumpSLT64    = OpClassJump64 | OpSrcReg | JumpOpSLT
	JumpSLTImm64 = OpClassJump64 | OpSrcImm | JumpOpSLT
	JumpSLE64    = OpClassJump64 | OpSrcReg | JumpOpSLE
	JumpSLEImm64 = OpClassJump64 | OpSrcImm | JumpOpSLE
	Call         = OpClassJump64 | JumpOpCall
	Exit         = OpClassJump64 | JumpOpExit

	// 32-bit jumps.
	JumpEq32    = OpClassJump32 | OpSrcReg | JumpOpEq
	JumpEqImm32 = OpClassJump32 | OpSrcImm | JumpOpEq
	JumpNE32    = OpClassJump32 | OpSrcReg | JumpOpNE
	JumpNEImm32 = OpClassJump32 | OpSrcImm | JumpOpNE
	JumpGT32    = OpClassJump32 | OpSrcReg | JumpOpGT
	JumpGTImm32 = OpClassJump32 | OpSrcImm | JumpOpGT
)

// PseudoMapFD is the src register value that marks a LoadImm64 as a map file descriptor.
const PseudoMapFD = 1

func (op OpCode) Class() OpCode {
	return op & OpClassMask
}

// IsJump returns true for both the 64-bit and 32-bit jump classes.
func (op OpCode) IsJump() bool {
	c := op.Class()
	return c == OpClassJump64 || c == OpClassJump32
}

func (op OpCode) IsALU() bool {
	c := op.Class()
	return c == OpClassALU64 || c == OpClassALU32
}

func (op OpCode) Src() OpCode {
	return op & OpSrcMask
}

func (op OpCode) Mode() OpCode {
	return op & MemOpModeMask
}

func (op OpCode) Size() OpCode {
	return op & MemOpSizeMask
}

// SizeBytes returns the access width of a load/store opcode.
func (op OpCode) SizeBytes() int {
	switch op.Size() {
	case MemOpSize8:
		return 1
	case MemOpSize16:
		return 2
	case MemOpSize32:
		return 4
	default:
		return 8
	}
}

// Op returns the ALU or jump operation bits.
func (op OpCode) Op() OpCode {
	return op & ALUOpMask
}

type Reg int

// noinspection GoUnusedConst
const (
	R0 Reg = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10

	// RFP is the read-only frame pointer.
	RFP = R10
)

// NumRegs is the number of architectural eBPF registers including the frame pointer.
const NumRegs = 11

const InstructionSize = 8

// FieldOffset names a field of a well-known structure along with its offset.
type FieldOffset struct {
	Offset int16
	Field  string
}

// noinspection GoUnusedGlobalVariable
var (
	SkbuffOffsetLen     = FieldOffset{0, "skb->len"}
	SkbuffOffsetMark    = FieldOffset{8, "skb->mark"}
	SkbuffOffsetData    = FieldOffset{76, "skb->data"}
	SkbuffOffsetDataEnd = FieldOffset{80, "skb->data_end"}

	XDPOffsetData    = FieldOffset{0, "xdp->data"}
	XDPOffsetDataEnd = FieldOffset{4, "xdp->data_end"}
)

// Insn is one 8-byte eBPF instruction slot.  LoadImm64 spans two of them.
type Insn struct {
	Instruction [InstructionSize]uint8 `json:"inst"`
	Labels      []string               `json:"labels,omitempty"`
	Comments    []string               `json:"comments,omitempty"`
}

func MakeInsn(opcode OpCode, dst, src Reg, offset int16, imm int32) Insn {
	insn := Insn{}
	insn.Instruction[0] = uint8(opcode)
	insn.Instruction[1] = uint8(src<<4 | dst&0xf)
	binary.LittleEndian.PutUint16(insn.Instruction[2:4], uint16(offset))
	binary.LittleEndian.PutUint32(insn.Instruction[4:8], uint32(imm))
	return insn
}

func (n Insn) OpCode() OpCode {
	return OpCode(n.Instruction[0])
}

func (n Insn) Dst() Reg {
	return Reg(n.Instruction[1] & 0xf)
}

func (n Insn) Src() Reg {
	return Reg(n.Instruction[1] >> 4)
}

func (n Insn) Off() int16 {
	return int16(binary.LittleEndian.Uint16(n.Instruction[2:4]))
}

func (n Insn) Imm() int32 {
	return int32(binary.LittleEndian.Uint32(n.Instruction[4:8]))
}

func (n Insn) String() string {
	op := n.OpCode()
	dst, src, off, imm := n.Dst(), n.Src(), n.Off(), n.Imm()
	regOrImm := func() string {
		if op.Src() == OpSrcReg {
			return fmt.Sprintf("r%d", src)
		}
		return fmt.Sprintf("%d", imm)
	}
	switch op.Class() {
	case OpClassALU64, OpClassALU32:
		suffix := ""
		if op.Class() == OpClassALU32 {
			suffix = "32"
		}
		switch op.Op() {
		case ALUOpNeg:
			return fmt.Sprintf("neg%s r%d", suffix, dst)
		case ALUOpEndian:
			return fmt.Sprintf("end r%d, %d", dst, imm)
		}
		return fmt.Sprintf("%s%s r%d, %s", aluOpNames[op.Op()], suffix, dst, regOrImm())
	case OpClassJump64, OpClassJump32:
		switch op.Op() {
		case JumpOpA:
			return fmt.Sprintf("ja %+d", off)
		case JumpOpExit:
			return "exit"
		case JumpOpCall:
			return fmt.Sprintf("call %d", imm)
		}
		suffix := ""
		if op.Class() == OpClassJump32 {
			suffix = "32"
		}
		return fmt.Sprintf("%s%s r%d, %s, %+d", jumpOpNames[op.Op()], suffix, dst, regOrImm(), off)
	case OpClassLoadReg:
		return fmt.Sprintf("ldx%d r%d, [r%d%+d]", op.SizeBytes()*8, dst, src, off)
	case OpClassStoreReg:
		if op.Mode() == MemOpModeXAdd {
			return fmt.Sprintf("xadd%d [r%d%+d], r%d", op.SizeBytes()*8, dst, off, src)
		}
		return fmt.Sprintf("stx%d [r%d%+d], r%d", op.SizeBytes()*8, dst, off, src)
	case OpClassStoreImm:
		return fmt.Sprintf("st%d [r%d%+d], %d", op.SizeBytes()*8, dst, off, imm)
	case OpClassLoadImm:
		switch op.Mode() {
		case MemOpModeAbs:
			return fmt.Sprintf("ldabs%d %d", op.SizeBytes()*8, imm)
		case MemOpModeInd:
			return fmt.Sprintf("ldind%d r%d%+d", op.SizeBytes()*8, src, imm)
		case MemOpModeImm:
			if op == LoadImm64 {
				return fmt.Sprintf("lddw r%d, %d", dst, imm)
			}
		}
	}
	return fmt.Sprintf("op %#x", uint8(op))
}

var aluOpNames = map[OpCode]string{
	ALUOpAdd:    "add",
	ALUOpSub:    "sub",
	ALUOpMul:    "mul",
	ALUOpDiv:    "div",
	ALUOpOr:     "or",
	ALUOpAnd:    "and",
	ALUOpShiftL: "lsh",
	ALUOpShiftR: "rsh",
	ALUOpMod:    "mod",
	ALUOpXOR:    "xor",
	ALUOpMov:    "mov",
	ALUOpArsh:   "arsh",
}

var jumpOpNames = map[OpCode]string{
	JumpOpEq:  "jeq",
	JumpOpGT:  "jgt",
	JumpOpGE:  "jge",
	JumpOpSet: "jset",
	JumpOpNE:  "jne",
	JumpOpSGT: "jsgt",
	JumpOpSGE: "jsge",
	JumpOpLT:  "jlt",
	JumpOpLE:  "jle",
	JumpOpSLT: "jslt",
	JumpOpSLE: "jsle",
}

type Insns []Insn

// Bytes returns the raw little-endian encoding of the program.
func (insns Insns) Bytes() []byte {
	out := make([]byte, 0, len(insns)*InstructionSize)
	for _, insn := range insns {
		out = append(out, insn.Instruction[:]...)
	}
	return out
}

func (insns Insns) String() string {
	var sb strings.Builder
	for i, insn := range insns {
		for _, l := range insn.Labels {
			sb.WriteString(l)
			sb.WriteString(":\n")
		}
		for _, c := range insn.Comments {
			fmt.Fprintf(&sb, "    // %s\n", c)
		}
		fmt.Fprintf(&sb, "%4d: %s\n", i, insn)
	}
	return sb.String()
}

// ParseInsns decodes raw bytecode, as found in an object file section or a
// dump of a loaded program.
func ParseInsns(raw []byte) (Insns, error) {
	if len(raw)%InstructionSize != 0 {
		return nil, errors.Errorf("bytecode length %d is not a multiple of %d", len(raw), InstructionSize)
	}
	insns := make(Insns, len(raw)/InstructionSize)
	for i := range insns {
		copy(insns[i].Instruction[:], raw[i*InstructionSize:])
	}
	return insns, nil
}

type fixUp struct {
	origInsnIdx int
	labelName   string
}

// Block is a builder for eBPF programs.  Jumps name their target by label; the
// labels are resolved to relative offsets by Assemble.
type Block struct {
	insns              Insns
	fixUps             []fixUp
	labelToInsnIdx     map[string]int
	pendingLabels      []string
	pendingComments    []string
	referencedLabels   map[string]bool
	inUnreachableCode  bool
	policyDebugEnabled bool
	err                error
}

func NewBlock(policyDebugEnabled bool) *Block {
	return &Block{
		labelToInsnIdx:     map[string]int{},
		referencedLabels:   map[string]bool{},
		policyDebugEnabled: policyDebugEnabled,
	}
}

// LabelNextInsn attaches a label to the next instruction to be added.  A label
// that some reachable jump has already targeted makes the following code reachable.
func (b *Block) LabelNextInsn(label string) {
	if b.referencedLabels[label] {
		b.inUnreachableCode = false
	}
	b.pendingLabels = append(b.pendingLabels, label)
}

func (b *Block) AddComment(comment string) {
	if !b.policyDebugEnabled {
		return
	}
	b.pendingComments = append(b.pendingComments, comment)
}

func (b *Block) Mov64(dst, src Reg) {
	b.add(Mov64, dst, src, 0, 0, "")
}

func (b *Block) MovImm64(dst Reg, imm int32) {
	b.add(MovImm64, dst, 0, 0, imm, "")
}

func (b *Block) Mov32(dst, src Reg) {
	b.add(Mov32, dst, src, 0, 0, "")
}

func (b *Block) MovImm32(dst Reg, imm int32) {
	b.add(MovImm32, dst, 0, 0, imm, "")
}

func (b *Block) Add64(dst, src Reg) {
	b.add(Add64, dst, src, 0, 0, "")
}

func (b *Block) AddImm64(dst Reg, imm int32) {
	b.add(AddImm64, dst, 0, 0, imm, "")
}

func (b *Block) AndImm64(dst Reg, imm int32) {
	b.add(AndImm64, dst, 0, 0, imm, "")
}

func (b *Block) AndImm32(dst Reg, imm int32) {
	b.add(AndImm32, dst, 0, 0, imm, "")
}

func (b *Block) OrImm64(dst Reg, imm int32) {
	b.add(OrImm64, dst, 0, 0, imm, "")
}

func (b *Block) ShiftLImm64(dst Reg, imm int32) {
	b.add(ShiftLImm64, dst, 0, 0, imm, "")
}

func (b *Block) ShiftRImm64(dst Reg, imm int32) {
	b.add(ShiftRImm64, dst, 0, 0, imm, "")
}

func (b *Block) ShiftLImm32(dst Reg, imm int32) {
	b.add(ShiftLImm32, dst, 0, 0, imm, "")
}

func (b *Block) Load8(dst, src Reg, fo FieldOffset) {
	b.add(Load8, dst, src, fo.Offset, 0, fo.Field)
}

func (b *Block) Load16(dst, src Reg, fo FieldOffset) {
	b.add(Load16, dst, src, fo.Offset, 0, fo.Field)
}

func (b *Block) Load32(dst, src Reg, fo FieldOffset) {
	b.add(Load32, dst, src, fo.Offset, 0, fo.Field)
}

func (b *Block) Load64(dst, src Reg, fo FieldOffset) {
	b.add(Load64, dst, src, fo.Offset, 0, fo.Field)
}

func (b *Block) Store32(dst, src Reg, fo FieldOffset) {
	b.add(Store32, dst, src, fo.Offset, 0, fo.Field)
}

func (b *Block) Store64(dst, src Reg, fo FieldOffset) {
	b.add(Store64, dst, src, fo.Offset, 0, fo.Field)
}

func (b *Block) StoreImm32(dst Reg, fo FieldOffset, imm int32) {
	b.add(StoreImm32, dst, 0, fo.Offset, imm, fo.Field)
}

// LoadStack32 loads from the frame at a negative offset from the frame pointer.
func (b *Block) LoadStack32(dst Reg, off int16) {
	b.add(Load32, dst, R10, off, 0, "")
}

func (b *Block) LoadStack64(dst Reg, off int16) {
	b.add(Load64, dst, R10, off, 0, "")
}

func (b *Block) StoreStack32(src Reg, off int16) {
	b.add(Store32, R10, src, off, 0, "")
}

func (b *Block) StoreStack64(src Reg, off int16) {
	b.add(Store64, R10, src, off, 0, "")
}

// LoadAbs loads size bytes at a constant packet offset into R0.
func (b *Block) LoadAbs(size int, off int32) {
	b.add(withSize(OpClassLoadImm|MemOpModeAbs, size), 0, 0, 0, off, "")
}

// LoadInd loads size bytes at src+off in the packet into R0.
func (b *Block) LoadInd(size int, src Reg, off int32) {
	b.add(withSize(OpClassLoadImm|MemOpModeInd, size), 0, src, 0, off, "")
}

func withSize(op OpCode, size int) OpCode {
	switch size {
	case 1:
		return op | MemOpSize8
	case 2:
		return op | MemOpSize16
	case 4:
		return op | MemOpSize32
	default:
		return op | MemOpSize64
	}
}

// LoadImm64 emits the two-slot 64-bit immediate load.
func (b *Block) LoadImm64(dst Reg, imm int64) {
	b.add(LoadImm64, dst, 0, 0, int32(imm), "")
	b.add(LoadImm64Pt2, 0, 0, 0, int32(imm>>32), "")
}

func (b *Block) Call(helper Helper) {
	b.add(Call, 0, 0, 0, int32(helper), helper.String())
}

func (b *Block) Exit() {
	b.add(Exit, 0, 0, 0, 0, "")
	b.inUnreachableCode = true
}

// NoOp emits mov r0, r0.
func (b *Block) NoOp() {
	b.add(Mov64, R0, R0, 0, 0, "")
}

func (b *Block) Jump(label string) {
	b.addWithOffsetFixup(JumpA, 0, 0, label, 0)
	b.inUnreachableCode = true
}

func (b *Block) JumpEq64(dst, src Reg, label string) {
	b.addWithOffsetFixup(JumpEq64, dst, src, label, 0)
}

func (b *Block) JumpEqImm64(dst Reg, imm int32, label string) {
	b.addWithOffsetFixup(JumpEqImm64, dst, 0, label, imm)
}

func (b *Block) JumpNEImm64(dst Reg, imm int32, label string) {
	b.addWithOffsetFixup(JumpNEImm64, dst, 0, label, imm)
}

func (b *Block) JumpLE64(dst, src Reg, label string) {
	b.addWithOffsetFixup(JumpLE64, dst, src, label, 0)
}

func (b *Block) JumpLTImm64(dst Reg, imm int32, label string) {
	b.addWithOffsetFixup(JumpLTImm64, dst, 0, label, imm)
}

func (b *Block) JumpGEImm64(dst Reg, imm int32, label string) {
	b.addWithOffsetFixup(JumpGEImm64, dst, 0, label, imm)
}

func (b *Block) JumpEq32(dst, src Reg, label string) {
	b.addWithOffsetFixup(JumpEq32, dst, src, label, 0)
}

// Instr adds an arbitrary instruction with no label fixup.
func (b *Block) Instr(opcode OpCode, dst, src Reg, offset int16, imm int32, comment string) {
	b.add(opcode, dst, src, offset, imm, comment)
}

// InstrWithOffsetFixup adds an arbitrary jump whose offset is resolved from the label.
func (b *Block) InstrWithOffsetFixup(opcode OpCode, dst, src Reg, label string, imm int32) {
	b.addWithOffsetFixup(opcode, dst, src, label, imm)
	if opcode == JumpA {
		b.inUnreachableCode = true
	}
}

func (b *Block) addWithOffsetFixup(opcode OpCode, dst, src Reg, label string, imm int32) {
	if b.inUnreachableCode {
		return
	}
	b.fixUps = append(b.fixUps, fixUp{origInsnIdx: len(b.insns), labelName: label})
	b.referencedLabels[label] = true
	b.add(opcode, dst, src, 0, imm, "")
}

func (b *Block) add(opcode OpCode, dst, src Reg, offset int16, imm int32, comment string) {
	if b.inUnreachableCode {
		if b.policyDebugEnabled {
			log.WithField("opcode", fmt.Sprintf("%#x", uint8(opcode))).Debug("Skipping unreachable instruction")
		}
		b.pendingLabels = nil
		b.pendingComments = nil
		return
	}
	insn := MakeInsn(opcode, dst, src, offset, imm)
	for _, l := range b.pendingLabels {
		if _, ok := b.labelToInsnIdx[l]; ok {
			b.setErr(errors.Errorf("duplicate label %q", l))
			continue
		}
		b.labelToInsnIdx[l] = len(b.insns)
	}
	if b.policyDebugEnabled {
		insn.Labels = b.pendingLabels
		insn.Comments = b.pendingComments
		if comment != "" {
			insn.Comments = append(insn.Comments, comment)
		}
	}
	b.pendingLabels = nil
	b.pendingComments = nil
	b.insns = append(b.insns, insn)
}

func (b *Block) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

// NumInsns returns the number of instruction slots added so far.
func (b *Block) NumInsns() int {
	return len(b.insns)
}

// Assemble resolves label fixups and returns the finished program.
func (b *Block) Assemble() (Insns, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.pendingLabels) > 0 {
		// A trailing label resolves to one past the end; only a caller that
		// appends more code can make use of it.
		for _, l := range b.pendingLabels {
			b.labelToInsnIdx[l] = len(b.insns)
		}
	}
	for _, f := range b.fixUps {
		labelIdx, ok := b.labelToInsnIdx[f.labelName]
		if !ok {
			return nil, errors.Errorf("missing label %q", f.labelName)
		}
		off := labelIdx - (f.origInsnIdx + 1)
		if off == -1 {
			return nil, errors.Errorf("jump to self at instruction %d (label %q)", f.origInsnIdx, f.labelName)
		}
		if off < math.MinInt16 || off > math.MaxInt16 {
			return nil, errors.Errorf("jump offset %d to label %q out of range", off, f.labelName)
		}
		binary.LittleEndian.PutUint16(b.insns[f.origInsnIdx].Instruction[2:4], uint16(int16(off)))
	}
	out := make(Insns, len(b.insns))
	copy(out, b.insns)
	return out, nil
}
