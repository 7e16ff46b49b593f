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
	"github.com/pkg/errors"

	"github.com/nfpbpf/offload/bpf/asm"
	"github.com/nfpbpf/offload/nfp/nfpasm"
)

// Static register slots.
const (
	staticRegMark   = 20
	staticRegImm    = 21
	staticRegStack  = 22
	staticRegPktLen = 22

	// pktVecIdx is the LM index the firmware points at the packet vector.
	pktVecIdx    = 1
	pktVecPtrOff = 2

	// lmAddrLatency is the number of cycles before an LM address CSR write
	// can be used.
	lmAddrLatency = 3
)

var (
	immA     = nfpasm.GPRA(staticRegImm)
	immB     = nfpasm.GPRB(staticRegImm)
	stackReg = nfpasm.GPRA(staticRegStack)
	plenReg  = nfpasm.GPRB(staticRegPktLen)
	markReg  = nfpasm.GPRA(staticRegMark)
	abiFlags = nfpasm.GPRB(staticRegMark)
	pktPtr   = nfpasm.LM(pktVecIdx, pktVecPtrOff)
	none     = nfpasm.None()
)

// ReservedSlots are the GPR slots user registers never occupy.
var ReservedSlots = []uint16{staticRegMark, staticRegImm, staticRegStack}

func regLo(r asm.Reg) nfpasm.SwReg {
	return nfpasm.GPRBoth(uint16(r) * 2)
}

func regHi(r asm.Reg) nfpasm.SwReg {
	return nfpasm.GPRBoth(uint16(r)*2 + 1)
}

func (p *nfpProg) emit(w uint64) {
	if p.err != nil {
		return
	}
	if len(p.prog) >= p.progCap {
		p.fail(ErrBufferCapacityExceeded, errors.Errorf("more than %d words", p.progCap))
		return
	}
	p.prog = append(p.prog, w)
}

func (p *nfpProg) emitEnc(w uint64, err error) {
	if err != nil {
		p.fail(ErrUnsupportedOpcode, errors.Wrap(err, "encoding"))
		return
	}
	p.emit(w)
}

func (p *nfpProg) alu(dst, a nfpasm.SwReg, op nfpasm.ALUOp, b nfpasm.SwReg) {
	p.emitEnc(nfpasm.ALU(dst, a, op, b))
}

// mov copies src to dst.
func (p *nfpProg) mov(dst, src nfpasm.SwReg) {
	p.alu(dst, none, nfpasm.ALUOpNone, src)
}

func (p *nfpProg) shf(dst, a nfpasm.SwReg, sc nfpasm.ShfSC, b nfpasm.SwReg, shift uint8) {
	p.emitEnc(nfpasm.Shf(dst, a, sc, b, shift))
}

func (p *nfpProg) immed(dst nfpasm.SwReg, imm uint16, shift nfpasm.ImmedShift, inv bool) {
	p.emitEnc(nfpasm.Immed(dst, imm, shift, inv))
}

func (p *nfpProg) nop() {
	p.emit(nfpasm.Nop())
}

// wrpImmed loads a 32-bit constant into dst in as few words as possible.
func (p *nfpProg) wrpImmed(dst nfpasm.SwReg, imm uint32) {
	switch {
	case imm <= 0xffff:
		p.immed(dst, uint16(imm), nfpasm.ImmedShift0, false)
	case imm&0xffff == 0:
		p.immed(dst, uint16(imm>>16), nfpasm.ImmedShift2, false)
	case imm&0xff0000ff == 0:
		p.immed(dst, uint16(imm>>8), nfpasm.ImmedShift1, false)
	case ^imm <= 0xffff:
		p.immed(dst, uint16(^imm), nfpasm.ImmedShift0, true)
	default:
		p.immed(dst, uint16(imm), nfpasm.ImmedShift0, false)
		p.emitEnc(nfpasm.ImmedHigh(dst, uint16(imm>>16)))
	}
}

// regOrImm returns an operand holding imm: inline if it fits, otherwise
// loaded into scratch.
func (p *nfpProg) regOrImm(imm uint32, scratch nfpasm.SwReg) nfpasm.SwReg {
	if imm <= nfpasm.MaxImm {
		return nfpasm.Imm(uint16(imm))
	}
	p.wrpImmed(scratch, imm)
	return scratch
}

// zeroHi clears the high word of r, as every 32-bit operation must.
func (p *nfpProg) zeroHi(r asm.Reg) {
	p.immed(regHi(r), 0, nfpasm.ImmedShift0, false)
}

// brFixup emits a branch whose target is filled in by resolveBranches.
func (p *nfpProg) brFixup(cond nfpasm.BrCond, kind brKind, dest int) {
	at := len(p.prog)
	p.emit(nfpasm.Br(cond, 0, 0) | brTag(kind))
	if p.err != nil {
		return
	}
	p.fixups = append(p.fixups, fixup{at: at, kind: kind, dest: dest, insn: p.cur})
}

// brAbs emits a branch to a local offset that is already known.
func (p *nfpProg) brAbs(cond nfpasm.BrCond, local int) {
	p.emit(nfpasm.Br(cond, uint16(int(p.startOff)+local), 0))
}

// lmAddr points LM index 0 at the byte address in immA and waits out the
// CSR write latency.
func (p *nfpProg) lmAddr() {
	p.emitEnc(nfpasm.LocalCSRWrite(nfpasm.CSRActLMAddr0, immA))
	for i := 0; i < lmAddrLatency; i++ {
		p.nop()
	}
	p.bubbles += lmAddrLatency
}
