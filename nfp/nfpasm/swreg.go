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

	"github.com/pkg/errors"
)

// RegType says where an operand lives.
type RegType uint8

const (
	RegNone RegType = iota
	RegGPRA
	RegGPRB
	RegGPRBoth
	RegLM
	RegXfer
	RegImm
)

// SwReg is a software view of an instruction operand.  General purpose registers
// come in two banks; an operand held in both banks can sit in either operand field.
type SwReg struct {
	Type RegType
	Num  uint16
}

const (
	// NumGPRs is the number of registers per bank visible to one thread.
	NumGPRs = 128
	// MaxImm is the largest value an operand field can carry inline.
	MaxImm = 0xff
	// NumLMOffsets is the number of words addressable through one LM index.
	NumLMOffsets = 16
	NumXfers     = 64
)

func GPRA(n uint16) SwReg    { return SwReg{Type: RegGPRA, Num: n} }
func GPRB(n uint16) SwReg    { return SwReg{Type: RegGPRB, Num: n} }
func GPRBoth(n uint16) SwReg { return SwReg{Type: RegGPRBoth, Num: n} }
func Xfer(n uint16) SwReg    { return SwReg{Type: RegXfer, Num: n} }
func Imm(v uint16) SwReg     { return SwReg{Type: RegImm, Num: v} }
func None() SwReg            { return SwReg{Type: RegNone} }

// LM addresses word off relative to local memory index register idx (0 or 1).
func LM(idx, off uint16) SwReg {
	return SwReg{Type: RegLM, Num: idx<<4 | off}
}

func (r SwReg) IsGPR() bool {
	return r.Type == RegGPRA || r.Type == RegGPRB || r.Type == RegGPRBoth
}

func (r SwReg) LMIndex() uint16 { return r.Num >> 4 }
func (r SwReg) LMOffset() uint16 { return r.Num & 0xf }

func (r SwReg) okInA() bool {
	return r.Type != RegGPRB
}

func (r SwReg) okInB() bool {
	return r.Type != RegGPRA
}

func (r SwReg) String() string {
	switch r.Type {
	case RegNone:
		return "--"
	case RegGPRA:
		return fmt.Sprintf("a%d", r.Num)
	case RegGPRB:
		return fmt.Sprintf("b%d", r.Num)
	case RegGPRBoth:
		return fmt.Sprintf("gpr%d", r.Num)
	case RegLM:
		return fmt.Sprintf("*l$index%d[%d]", r.LMIndex(), r.LMOffset())
	case RegXfer:
		return fmt.Sprintf("$xfer_%d", r.Num)
	case RegImm:
		return fmt.Sprintf("%#x", r.Num)
	}
	return fmt.Sprintf("reg?%d", r.Type)
}

// Unrestricted operand encodings, 10 bits.
const (
	urRegXfer  uint64 = 0x180
	urRegLM    uint64 = 0x200
	urRegLMIdx uint64 = 0x020
	urRegNone  uint64 = 0x2ff
	urRegImm   uint64 = 0x300
)

func (r SwReg) validate() error {
	switch r.Type {
	case RegNone:
		return nil
	case RegGPRA, RegGPRB, RegGPRBoth:
		if r.Num >= NumGPRs {
			return errors.Wrapf(ErrBadOperand, "gpr %d", r.Num)
		}
	case RegLM:
		if r.LMIndex() > 1 {
			return errors.Wrapf(ErrBadOperand, "lm index %d", r.LMIndex())
		}
	case RegXfer:
		if r.Num >= NumXfers {
			return errors.Wrapf(ErrBadOperand, "xfer %d", r.Num)
		}
	case RegImm:
		if r.Num > MaxImm {
			return errors.Wrapf(ErrBadOperand, "immediate %#x does not fit", r.Num)
		}
	default:
		return errors.Wrapf(ErrBadOperand, "type %d", r.Type)
	}
	return nil
}

// unrestricted returns the 10-bit operand field encoding.
func (r SwReg) unrestricted() uint64 {
	switch r.Type {
	case RegGPRA, RegGPRB, RegGPRBoth:
		return uint64(r.Num)
	case RegLM:
		enc := urRegLM | uint64(r.LMOffset())
		if r.LMIndex() == 1 {
			enc |= urRegLMIdx
		}
		return enc
	case RegXfer:
		return urRegXfer | uint64(r.Num)
	case RegImm:
		return urRegImm | uint64(r.Num)
	}
	return urRegNone
}

// decodeOperand reverses unrestricted for an operand read from the A or B field.
func decodeOperand(enc uint64, inB bool) SwReg {
	switch {
	case enc < NumGPRs:
		if inB {
			return GPRB(uint16(enc))
		}
		return GPRA(uint16(enc))
	case enc&^0x3f == urRegXfer:
		return Xfer(uint16(enc & 0x3f))
	case enc&^0x3f == urRegLM:
		idx := uint16(0)
		if enc&urRegLMIdx != 0 {
			idx = 1
		}
		return LM(idx, uint16(enc&0xf))
	case enc >= urRegImm:
		return Imm(uint16(enc & 0xff))
	}
	return None()
}
