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
	log "github.com/sirupsen/logrus"

	"github.com/nfpbpf/offload/bpf/asm"
	"github.com/nfpbpf/offload/bpf/verifier"
	"github.com/nfpbpf/offload/nfp/nfpasm"
)

// translate encodes every live record in program order, recording the output
// offset of each so that branches can be resolved afterwards.
func (p *nfpProg) translate() {
	if p.err != nil {
		return
	}
	p.state = stateTranslating
	for i := range p.meta {
		m := &p.meta[i]
		p.cur = i
		m.off = len(p.prog)
		if m.skip {
			continue
		}
		if m.unsupported != "" {
			p.fail(ErrUnsupportedOpcode, errors.Errorf("%v: %s", m.insn, m.unsupported))
			return
		}
		if m.double == doubleLdImm64Hi {
			p.ldImm64Hi(i, m)
		} else {
			p.translateInsn(i, m)
		}
		if p.err != nil {
			return
		}
		p.nTranslated++
	}
	p.cur = -1
	log.WithFields(log.Fields{
		"insns":   len(p.meta),
		"encoded": p.nTranslated,
		"words":   len(p.prog),
	}).Debug("Translated program body")
}

func (p *nfpProg) translateInsn(i int, m *insnMeta) {
	op := m.insn.OpCode()
	switch op.Class() {
	case asm.OpClassALU64:
		if op.Src() == asm.OpSrcReg {
			p.alu64Reg(m)
		} else {
			p.alu64Imm(m)
		}
	case asm.OpClassALU32:
		p.alu32(m)
	case asm.OpClassLoadImm:
		if op == asm.LoadImm64 {
			p.ldImm64(m)
		} else {
			p.ldPkt(m)
		}
	case asm.OpClassLoadReg:
		p.ldx(m)
	case asm.OpClassStoreImm, asm.OpClassStoreReg:
		p.st(m)
	case asm.OpClassJump64:
		p.jump(i, m)
	default:
		p.fail(ErrUnsupportedOpcode, errors.Errorf("%v", m.insn))
	}
}

var aluOps = map[asm.OpCode]nfpasm.ALUOp{
	asm.ALUOpAdd: nfpasm.ALUOpAdd,
	asm.ALUOpSub: nfpasm.ALUOpSub,
	asm.ALUOpAnd: nfpasm.ALUOpAnd,
	asm.ALUOpOr:  nfpasm.ALUOpOr,
	asm.ALUOpXOR: nfpasm.ALUOpXor,
}

// carryOps maps the low word operation of a 64-bit add or subtract to the high
// word one.
var carryOps = map[nfpasm.ALUOp]nfpasm.ALUOp{
	nfpasm.ALUOpAdd: nfpasm.ALUOpAddC,
	nfpasm.ALUOpSub: nfpasm.ALUOpSubC,
}

func splitImm(imm int32) (lo, hi uint32) {
	v := uint64(int64(imm))
	return uint32(v), uint32(v >> 32)
}

func (p *nfpProg) alu64Reg(m *insnMeta) {
	insn := m.insn
	dst, src := insn.Dst(), insn.Src()
	switch op := insn.OpCode().Op(); op {
	case asm.ALUOpMov:
		if src == asm.R10 {
			p.movFramePtr(dst)
			return
		}
		p.mov(regLo(dst), regLo(src))
		p.mov(regHi(dst), regHi(src))
	case asm.ALUOpAdd, asm.ALUOpSub:
		loOp := aluOps[op]
		p.alu(regLo(dst), regLo(dst), loOp, regLo(src))
		p.alu(regHi(dst), regHi(dst), carryOps[loOp], regHi(src))
	case asm.ALUOpAnd, asm.ALUOpOr, asm.ALUOpXOR:
		p.alu(regLo(dst), regLo(dst), aluOps[op], regLo(src))
		p.alu(regHi(dst), regHi(dst), aluOps[op], regHi(src))
	default:
		p.fail(ErrUnsupportedOpcode, errors.Errorf("%v", insn))
	}
}

func (p *nfpProg) alu64Imm(m *insnMeta) {
	insn := m.insn
	dst := insn.Dst()
	lo, hi := splitImm(insn.Imm())
	switch op := insn.OpCode().Op(); op {
	case asm.ALUOpMov:
		p.wrpImmed(regLo(dst), lo)
		p.wrpImmed(regHi(dst), hi)
	case asm.ALUOpAdd, asm.ALUOpSub:
		// Both operands are loaded before the pair so nothing separates the
		// carry from its consumer.
		loOp := p.regOrImm(lo, immA)
		hiOp := p.regOrImm(hi, immB)
		p.alu(regLo(dst), regLo(dst), aluOps[op], loOp)
		p.alu(regHi(dst), regHi(dst), carryOps[aluOps[op]], hiOp)
	case asm.ALUOpAnd, asm.ALUOpOr, asm.ALUOpXOR:
		p.alu(regLo(dst), regLo(dst), aluOps[op], p.regOrImm(lo, immA))
		p.bitwiseHi(dst, op, hi)
	case asm.ALUOpNeg:
		p.alu(regLo(dst), nfpasm.Imm(0), nfpasm.ALUOpSub, regLo(dst))
		p.alu(regHi(dst), nfpasm.Imm(0), nfpasm.ALUOpSubC, regHi(dst))
	case asm.ALUOpShiftL:
		p.shl64(dst, uint8(insn.Imm()))
	case asm.ALUOpShiftR:
		p.shr64(dst, uint8(insn.Imm()))
	default:
		p.fail(ErrUnsupportedOpcode, errors.Errorf("%v", insn))
	}
}

// bitwiseHi applies a sign-extended immediate to the high word, whose value is
// always all zeros or all ones.
func (p *nfpProg) bitwiseHi(dst asm.Reg, op asm.OpCode, hi uint32) {
	switch {
	case op == asm.ALUOpAnd && hi == 0:
		p.immed(regHi(dst), 0, nfpasm.ImmedShift0, false)
	case op == asm.ALUOpOr && hi == 0xffffffff:
		p.wrpImmed(regHi(dst), hi)
	case op == asm.ALUOpXOR && hi == 0xffffffff:
		p.alu(regHi(dst), none, nfpasm.ALUOpNot, regHi(dst))
	case hi != 0 && hi != 0xffffffff:
		p.alu(regHi(dst), regHi(dst), aluOps[op], p.regOrImm(hi, immB))
	}
}

func (p *nfpProg) shl64(dst asm.Reg, n uint8) {
	lo, hi := regLo(dst), regHi(dst)
	switch {
	case n < 32:
		p.shf(hi, hi, nfpasm.ShfSCRDShift, lo, 32-n)
		p.shf(lo, none, nfpasm.ShfSCLShift, lo, n)
	case n == 32:
		p.mov(hi, lo)
		p.immed(lo, 0, nfpasm.ImmedShift0, false)
	default:
		p.shf(hi, none, nfpasm.ShfSCLShift, lo, n-32)
		p.immed(lo, 0, nfpasm.ImmedShift0, false)
	}
}

func (p *nfpProg) shr64(dst asm.Reg, n uint8) {
	lo, hi := regLo(dst), regHi(dst)
	switch {
	case n < 32:
		p.shf(lo, hi, nfpasm.ShfSCRDShift, lo, n)
		p.shf(hi, none, nfpasm.ShfSCRShift, hi, n)
	case n == 32:
		p.mov(lo, hi)
		p.immed(hi, 0, nfpasm.ImmedShift0, false)
	default:
		p.shf(lo, none, nfpasm.ShfSCRShift, hi, n-32)
		p.immed(hi, 0, nfpasm.ImmedShift0, false)
	}
}

func (p *nfpProg) alu32(m *insnMeta) {
	insn := m.insn
	op := insn.OpCode()
	dst := insn.Dst()
	var srcOp nfpasm.SwReg
	if op.Src() == asm.OpSrcReg {
		srcOp = regLo(insn.Src())
	} else if op.Op() != asm.ALUOpMov {
		srcOp = p.regOrImm(uint32(insn.Imm()), immA)
	}
	switch op.Op() {
	case asm.ALUOpMov:
		if op.Src() == asm.OpSrcReg {
			p.mov(regLo(dst), srcOp)
		} else {
			p.wrpImmed(regLo(dst), uint32(insn.Imm()))
		}
	case asm.ALUOpAdd, asm.ALUOpSub, asm.ALUOpAnd, asm.ALUOpOr, asm.ALUOpXOR:
		p.alu(regLo(dst), regLo(dst), aluOps[op.Op()], srcOp)
	case asm.ALUOpShiftL:
		p.shf(regLo(dst), none, nfpasm.ShfSCLShift, regLo(dst), uint8(insn.Imm()))
	case asm.ALUOpShiftR:
		p.shf(regLo(dst), none, nfpasm.ShfSCRShift, regLo(dst), uint8(insn.Imm()))
	default:
		p.fail(ErrUnsupportedOpcode, errors.Errorf("%v", insn))
		return
	}
	p.zeroHi(dst)
}

func (p *nfpProg) ldImm64(m *insnMeta) {
	p.wrpImmed(regLo(m.insn.Dst()), uint32(m.insn.Imm()))
}

// ldImm64Hi encodes the companion slot of a 64-bit immediate load; its imm
// field is the upper word and the destination comes from the first slot.
func (p *nfpProg) ldImm64Hi(i int, m *insnMeta) {
	first := p.prev(i)
	if first == nil || first.insn.OpCode() != asm.LoadImm64 {
		p.fail(ErrUnsupportedOpcode, errors.New("64-bit immediate companion without a first half"))
		return
	}
	p.wrpImmed(regHi(first.insn.Dst()), uint32(m.insn.Imm()))
}

// movFramePtr materialises R10 as the local memory address of the frame top.
func (p *nfpProg) movFramePtr(dst asm.Reg) {
	p.alu(regLo(dst), stackReg, nfpasm.ALUOpAdd, p.regOrImm(uint32(p.stackDepth), immB))
	p.zeroHi(dst)
}

func (p *nfpProg) ldx(m *insnMeta) {
	switch m.ptr.Type {
	case verifier.PtrToCtx:
		p.ctxLoad(m)
	case verifier.PtrToStack:
		p.stackAccess(m)
	case verifier.PtrToPacket:
		p.pktLoadPtr(m)
	default:
		p.fail(ErrUnsupportedOpcode, errors.Errorf("load through %v", m.ptr.Type))
	}
}

func (p *nfpProg) st(m *insnMeta) {
	switch m.ptr.Type {
	case verifier.PtrToCtx:
		p.storeCtx(m)
	case verifier.PtrToStack:
		p.stackAccess(m)
	default:
		p.fail(ErrUnsupportedOpcode, errors.Errorf("store through %v", m.ptr.Type))
	}
}

func (p *nfpProg) ctxLoad(m *insnMeta) {
	dst := m.insn.Dst()
	field := m.ptr.Off + int32(m.insn.Off())
	switch field {
	case p.ctx.data:
		p.mov(regLo(dst), pktPtr)
	case p.ctx.dataEnd:
		p.alu(regLo(dst), pktPtr, nfpasm.ALUOpAdd, plenReg)
	case p.ctx.len:
		p.mov(regLo(dst), plenReg)
	case p.ctx.mark:
		p.alu(regLo(dst), markReg, nfpasm.ALUOpOr, nfpasm.Imm(0))
	default:
		p.fail(ErrUnsupportedOpcode, errors.Errorf("context field at %d", field))
		return
	}
	p.zeroHi(dst)
}

// storeCtx writes the packet mark and flags it in the ABI word so that the
// firmware applies it on exit.
func (p *nfpProg) storeCtx(m *insnMeta) {
	insn := m.insn
	if insn.OpCode().Class() == asm.OpClassStoreReg {
		p.mov(markReg, regLo(insn.Src()))
	} else {
		p.wrpImmed(markReg, uint32(insn.Imm()))
	}
	p.alu(abiFlags, abiFlags, nfpasm.ALUOpOr, nfpasm.Imm(abiFlagMark))
}

// stackAccess moves a word or a double word between registers and the stack,
// which lives in local memory and is reached through LM index 0.
func (p *nfpProg) stackAccess(m *insnMeta) {
	insn := m.insn
	op := insn.OpCode()
	isLoad := op.Class() == asm.OpClassLoadReg
	base := insn.Dst()
	if isLoad {
		base = insn.Src()
	}

	if !m.ptrNotConst {
		lmOff := int32(p.stackDepth) + m.ptr.Off + int32(insn.Off())
		p.alu(immA, stackReg, nfpasm.ALUOpAdd, p.regOrImm(uint32(lmOff), immB))
	} else {
		p.addrFromReg(immA, base, int32(insn.Off()))
	}
	p.lmAddr()

	wide := op.SizeBytes() == 8
	lm0, lm1 := nfpasm.LM(0, 0), nfpasm.LM(0, 1)
	switch op.Class() {
	case asm.OpClassLoadReg:
		p.mov(regLo(insn.Dst()), lm0)
		if wide {
			p.mov(regHi(insn.Dst()), lm1)
		} else {
			p.zeroHi(insn.Dst())
		}
	case asm.OpClassStoreReg:
		p.mov(lm0, regLo(insn.Src()))
		if wide {
			p.mov(lm1, regHi(insn.Src()))
		}
	default:
		lo, hi := splitImm(insn.Imm())
		p.wrpImmed(immB, lo)
		p.mov(lm0, immB)
		if wide {
			p.wrpImmed(immB, hi)
			p.mov(lm1, immB)
		}
	}
}

// addrFromReg computes base+off into dst, where base holds an absolute address.
func (p *nfpProg) addrFromReg(dst nfpasm.SwReg, base asm.Reg, off int32) {
	if off < 0 {
		p.alu(dst, regLo(base), nfpasm.ALUOpSub, p.regOrImm(uint32(-off), immB))
		return
	}
	p.alu(dst, regLo(base), nfpasm.ALUOpAdd, p.regOrImm(uint32(off), immB))
}

func (p *nfpProg) memRead(a, b nfpasm.SwReg, size int) {
	p.emitEnc(nfpasm.MemRead(0, a, b, uint8(size)))
}

func (p *nfpProg) memReadSwap(a, b nfpasm.SwReg, size int) {
	p.emitEnc(nfpasm.MemReadSwap(0, a, b, uint8(size)))
}

// pktLoadPtr loads through a packet pointer.  A constant offset is applied to
// the packet base directly; otherwise the register already holds the address.
// The load is a plain memory access, so the value comes back in host order.
func (p *nfpProg) pktLoadPtr(m *insnMeta) {
	insn := m.insn
	size := insn.OpCode().SizeBytes()
	switch off := int32(insn.Off()); {
	case !m.ptrNotConst:
		p.memReadSwap(pktPtr, p.regOrImm(uint32(m.ptr.Off+off), immB), size)
	case off >= 0:
		p.memReadSwap(regLo(insn.Src()), p.regOrImm(uint32(off), immB), size)
	default:
		p.addrFromReg(immA, insn.Src(), off)
		p.memReadSwap(immA, nfpasm.Imm(0), size)
	}
	p.pktResultHost(insn.Dst(), size)
}

// pktResultHost moves swapped packet data into dst.  The first byte read is
// the least significant; bytes past size are not defined.
func (p *nfpProg) pktResultHost(dst asm.Reg, size int) {
	xfer0, xfer1 := nfpasm.Xfer(0), nfpasm.Xfer(1)
	switch size {
	case 1, 2:
		p.alu(regLo(dst), xfer0, nfpasm.ALUOpAnd, p.regOrImm(uint32(1)<<(8*size)-1, immB))
	case 4:
		p.mov(regLo(dst), xfer0)
	case 8:
		p.mov(regLo(dst), xfer0)
		p.mov(regHi(dst), xfer1)
		return
	}
	p.zeroHi(dst)
}

// pktResult moves packet data from the transfer registers into dst.  The data
// arrives left aligned in network byte order.
func (p *nfpProg) pktResult(dst asm.Reg, size int) {
	xfer0, xfer1 := nfpasm.Xfer(0), nfpasm.Xfer(1)
	switch size {
	case 1, 2:
		p.shf(regLo(dst), none, nfpasm.ShfSCRShift, xfer0, uint8(32-8*size))
	case 4:
		p.mov(regLo(dst), xfer0)
	case 8:
		p.mov(regHi(dst), xfer0)
		p.mov(regLo(dst), xfer1)
		return
	}
	p.zeroHi(dst)
}

// ldPkt encodes the legacy absolute and indirect packet loads, which return
// network byte order.  A read that does not lie wholly inside the packet takes
// the abort exit.
func (p *nfpProg) ldPkt(m *insnMeta) {
	insn := m.insn
	op := insn.OpCode()
	size := op.SizeBytes()
	k := uint32(insn.Imm())
	if op.Mode() == asm.MemOpModeAbs {
		p.alu(none, plenReg, nfpasm.ALUOpSub, p.regOrImm(k+uint32(size), immA))
		p.brFixup(nfpasm.BrLO, brGoAbort, 0)
		p.memRead(pktPtr, p.regOrImm(k, immB), size)
	} else {
		// The offset wraps at 32 bits, so it is bounded by the packet length
		// before the size is.
		p.alu(immA, regLo(insn.Src()), nfpasm.ALUOpAdd, p.regOrImm(k, immB))
		p.alu(immB, plenReg, nfpasm.ALUOpSub, immA)
		p.brFixup(nfpasm.BrLO, brGoAbort, 0)
		p.alu(none, immB, nfpasm.ALUOpSub, nfpasm.Imm(uint16(size)))
		p.brFixup(nfpasm.BrLO, brGoAbort, 0)
		p.memRead(immA, pktPtr, size)
	}
	p.pktResult(asm.R0, size)
}

type cmpPlan struct {
	// srcMinusDst selects src-dst rather than dst-src.
	srcMinusDst bool
	cond        nfpasm.BrCond
}

var orderedCmps = map[asm.OpCode]cmpPlan{
	asm.JumpOpGT:  {srcMinusDst: true, cond: nfpasm.BrLO},
	asm.JumpOpGE:  {cond: nfpasm.BrHS},
	asm.JumpOpLT:  {cond: nfpasm.BrLO},
	asm.JumpOpLE:  {srcMinusDst: true, cond: nfpasm.BrHS},
	asm.JumpOpSGT: {srcMinusDst: true, cond: nfpasm.BrLT},
	asm.JumpOpSGE: {cond: nfpasm.BrGE},
	asm.JumpOpSLT: {cond: nfpasm.BrLT},
	asm.JumpOpSLE: {srcMinusDst: true, cond: nfpasm.BrGE},
}

func (p *nfpProg) jump(i int, m *insnMeta) {
	insn := m.insn
	op := insn.OpCode()
	target := i + 1 + int(insn.Off())
	switch op.Op() {
	case asm.JumpOpA:
		p.brFixup(nfpasm.BrUNC, brNormal, target)
		return
	case asm.JumpOpExit:
		p.brFixup(nfpasm.BrUNC, brGoOut, 0)
		return
	case asm.JumpOpEq:
		p.cmpEq(insn)
		p.brFixup(nfpasm.BrEQ, brNormal, target)
		return
	case asm.JumpOpNE:
		p.cmpEq(insn)
		p.brFixup(nfpasm.BrNE, brNormal, target)
		return
	case asm.JumpOpSet:
		p.cmpSet(insn)
		p.brFixup(nfpasm.BrNE, brNormal, target)
		return
	}
	plan, ok := orderedCmps[op.Op()]
	if !ok {
		p.fail(ErrUnsupportedOpcode, errors.Errorf("%v", insn))
		return
	}
	p.cmpOrdered(insn, plan.srcMinusDst)
	p.brFixup(plan.cond, brNormal, target)
}

// srcOperands returns the low and high source operands of a conditional jump.
// Immediates are loaded into scratch up front.
func (p *nfpProg) srcOperands(insn asm.Insn) (lo, hi nfpasm.SwReg, hiVal uint32, isImm bool) {
	if insn.OpCode().Src() == asm.OpSrcReg {
		return regLo(insn.Src()), regHi(insn.Src()), 0, false
	}
	l, h := splitImm(insn.Imm())
	lo = p.regOrImm(l, immA)
	if h != 0 {
		hi = p.regOrImm(h, immB)
	}
	return lo, hi, h, true
}

// cmpEq sets the zero flag iff dst equals the source.
func (p *nfpProg) cmpEq(insn asm.Insn) {
	dst := insn.Dst()
	lo, hi, hiVal, isImm := p.srcOperands(insn)
	p.alu(immA, regLo(dst), nfpasm.ALUOpXor, lo)
	if isImm && hiVal == 0 {
		p.alu(none, immA, nfpasm.ALUOpOr, regHi(dst))
		return
	}
	p.alu(immB, regHi(dst), nfpasm.ALUOpXor, hi)
	p.alu(none, immA, nfpasm.ALUOpOr, immB)
}

// cmpSet clears the zero flag iff dst and the source share a set bit.
func (p *nfpProg) cmpSet(insn asm.Insn) {
	dst := insn.Dst()
	if insn.OpCode().Src() == asm.OpSrcReg {
		p.alu(immA, regLo(dst), nfpasm.ALUOpAnd, regLo(insn.Src()))
		p.alu(immB, regHi(dst), nfpasm.ALUOpAnd, regHi(insn.Src()))
		p.alu(none, immA, nfpasm.ALUOpOr, immB)
		return
	}
	lo, hi := splitImm(insn.Imm())
	loOp := p.regOrImm(lo, immA)
	if hi == 0 {
		p.alu(none, regLo(dst), nfpasm.ALUOpAnd, loOp)
		return
	}
	// A negative mask keeps the whole high word.
	p.alu(immA, regLo(dst), nfpasm.ALUOpAnd, loOp)
	p.alu(none, immA, nfpasm.ALUOpOr, regHi(dst))
}

// cmpOrdered runs a 64-bit subtract for its flags only.
func (p *nfpProg) cmpOrdered(insn asm.Insn, srcMinusDst bool) {
	dst := insn.Dst()
	lo, hi, hiVal, isImm := p.srcOperands(insn)
	if isImm && hiVal == 0 {
		hi = nfpasm.Imm(0)
	}
	dLo, dHi := regLo(dst), regHi(dst)
	if srcMinusDst {
		p.alu(none, lo, nfpasm.ALUOpSub, dLo)
		p.alu(none, hi, nfpasm.ALUOpSubC, dHi)
		return
	}
	p.alu(none, dLo, nfpasm.ALUOpSub, lo)
	p.alu(none, dHi, nfpasm.ALUOpSubC, hi)
}
