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
	"encoding/binary"
	"fmt"

	"github.com/nfpbpf/offload/bpf/asm"
	"github.com/nfpbpf/offload/nfp/nfpasm"
)

// Test machine layout.
const (
	simStackBase = 0x200
	simPktVec    = 0x40
	simPktBase   = 0x10000
	simMaxSteps  = 10000
)

// machine executes compiled output the way the firmware would after loading
// it at startOff, with the calling convention set up by the firmware.
type machine struct {
	a, b   [nfpasm.NumGPRs]uint32
	xfer   [nfpasm.NumXfers]uint32
	lm     [256]uint32
	lmAddr [2]uint32
	pkt    []byte

	// z, n, v are the result flags of the last ALU instruction; c is carry for
	// additions and borrow for subtractions.
	z, n, c, v bool

	steps int
}

func newMachine(pkt []byte, mark uint32) *machine {
	m := &machine{pkt: pkt}
	m.a[staticRegStack] = simStackBase
	m.b[staticRegPktLen] = uint32(len(pkt))
	m.a[staticRegMark] = mark
	m.lmAddr[pktVecIdx] = simPktVec
	m.lm[simPktVec/4+pktVecPtrOff] = simPktBase
	return m
}

func (m *machine) r0() uint32 {
	return m.a[0]
}

func (m *machine) reg(r asm.Reg) uint64 {
	return uint64(m.a[2*r+1])<<32 | uint64(m.a[2*r])
}

func (m *machine) setReg(r asm.Reg, v uint64) {
	m.a[2*r], m.b[2*r] = uint32(v), uint32(v)
	m.a[2*r+1], m.b[2*r+1] = uint32(v>>32), uint32(v>>32)
}

func (m *machine) abiFlags() uint32 {
	return m.b[staticRegMark]
}

func (m *machine) mark() uint32 {
	return m.a[staticRegMark]
}

func (m *machine) lmWord(r nfpasm.SwReg) *uint32 {
	return &m.lm[(m.lmAddr[r.LMIndex()]/4+uint32(r.LMOffset()))%uint32(len(m.lm))]
}

func (m *machine) read(r nfpasm.SwReg) uint32 {
	switch r.Type {
	case nfpasm.RegGPRA, nfpasm.RegGPRBoth:
		return m.a[r.Num]
	case nfpasm.RegGPRB:
		return m.b[r.Num]
	case nfpasm.RegLM:
		return *m.lmWord(r)
	case nfpasm.RegXfer:
		return m.xfer[r.Num]
	case nfpasm.RegImm:
		return uint32(r.Num)
	}
	return 0
}

func (m *machine) write(r nfpasm.SwReg, v uint32) {
	switch r.Type {
	case nfpasm.RegGPRA:
		m.a[r.Num] = v
	case nfpasm.RegGPRB:
		m.b[r.Num] = v
	case nfpasm.RegGPRBoth:
		m.a[r.Num], m.b[r.Num] = v, v
	case nfpasm.RegLM:
		*m.lmWord(r) = v
	case nfpasm.RegXfer:
		m.xfer[r.Num] = v
	}
}

func (m *machine) alu(in nfpasm.Instr) {
	a, b := m.read(in.A), m.read(in.B)
	var res uint32
	switch in.ALUOp {
	case nfpasm.ALUOpNone:
		res = b
	case nfpasm.ALUOpNot:
		res = ^b
	case nfpasm.ALUOpAnd:
		res = a & b
	case nfpasm.ALUOpOr:
		res = a | b
	case nfpasm.ALUOpXor:
		res = a ^ b
	case nfpasm.ALUOpAdd, nfpasm.ALUOpAddC:
		carry := uint64(0)
		if in.ALUOp == nfpasm.ALUOpAddC && m.c {
			carry = 1
		}
		wide := uint64(a) + uint64(b) + carry
		res = uint32(wide)
		m.c = wide>>32 != 0
		s := int64(int32(a)) + int64(int32(b)) + int64(carry)
		m.v = s != int64(int32(res))
	case nfpasm.ALUOpSub, nfpasm.ALUOpSubC:
		borrow := uint64(0)
		if in.ALUOp == nfpasm.ALUOpSubC && m.c {
			borrow = 1
		}
		res = a - b - uint32(borrow)
		m.c = uint64(a) < uint64(b)+borrow
		s := int64(int32(a)) - int64(int32(b)) - int64(borrow)
		m.v = s != int64(int32(res))
	default:
		panic(fmt.Sprintf("alu op %v", in.ALUOp))
	}
	m.z = res == 0
	m.n = int32(res) < 0
	m.write(in.Dst, res)
}

func (m *machine) shf(in nfpasm.Instr) {
	a, b := m.read(in.A), m.read(in.B)
	var res uint32
	switch in.ShfSC {
	case nfpasm.ShfSCRShift:
		res = b >> in.Shift
	case nfpasm.ShfSCLShift:
		res = b << in.Shift
	case nfpasm.ShfSCRDShift:
		res = uint32((uint64(a)<<32 | uint64(b)) >> in.Shift)
	default:
		res = b
	}
	m.write(in.Dst, res)
}

func (m *machine) immed(in nfpasm.Instr) {
	if in.ImmHigh {
		m.write(in.Dst, m.read(in.Dst)&0xffff|uint32(in.Imm)<<16)
		return
	}
	m.write(in.Dst, in.ImmValue())
}

func (m *machine) mem(in nfpasm.Instr) {
	addr := m.read(in.A) + m.read(in.B)
	var buf [8]byte
	for i := 0; i < int(in.Size); i++ {
		off := int(addr) - simPktBase + i
		if off < 0 || off >= len(m.pkt) {
			panic(fmt.Sprintf("packet read at %#x outside packet", addr))
		}
		buf[i] = m.pkt[off]
	}
	order := binary.ByteOrder(binary.BigEndian)
	if in.MemOp == nfpasm.MemOpReadSwap {
		order = binary.LittleEndian
	}
	m.xfer[in.Xfer] = order.Uint32(buf[0:4])
	m.xfer[in.Xfer+1] = order.Uint32(buf[4:8])
}

func (m *machine) taken(c nfpasm.BrCond) bool {
	switch c {
	case nfpasm.BrEQ:
		return m.z
	case nfpasm.BrNE:
		return !m.z
	case nfpasm.BrMI:
		return m.n
	case nfpasm.BrHS:
		return !m.c
	case nfpasm.BrLO:
		return m.c
	case nfpasm.BrGE:
		return m.n == m.v
	case nfpasm.BrLT:
		return m.n != m.v
	case nfpasm.BrUNC:
		return true
	}
	panic(fmt.Sprintf("branch condition %v", c))
}

// run executes prog until it branches to done, returning an error for anything
// the firmware would trap on.
func (m *machine) run(prog []uint64, start, done uint32) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	pc := 0
	for {
		m.steps++
		if m.steps > simMaxSteps {
			return fmt.Errorf("no exit after %d steps", simMaxSteps)
		}
		if pc < 0 || pc >= len(prog) {
			return fmt.Errorf("pc %d outside program", pc)
		}
		in, err := nfpasm.Decode(prog[pc])
		if err != nil {
			return err
		}
		pc++
		switch in.Class {
		case nfpasm.ClassALU:
			m.alu(in)
		case nfpasm.ClassShift:
			m.shf(in)
		case nfpasm.ClassImmed:
			m.immed(in)
		case nfpasm.ClassLocalCSR:
			if in.CSR != nfpasm.CSRActLMAddr0 {
				return fmt.Errorf("csr %#x", in.CSR)
			}
			m.lmAddr[0] = m.read(in.A)
		case nfpasm.ClassMem:
			m.mem(in)
		case nfpasm.ClassBranch:
			if !m.taken(in.Cond) {
				continue
			}
			if uint32(in.Addr) == done {
				return nil
			}
			pc = int(in.Addr) - int(start)
		case nfpasm.ClassNop:
		default:
			return fmt.Errorf("class %v", in.Class)
		}
	}
}
