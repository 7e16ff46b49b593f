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
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nfpbpf/offload/bpf/asm"
	"github.com/nfpbpf/offload/bpf/verifier"
)

// checkProgram runs the legality pass.  Conditions that make the whole program
// unusable fail the compile here; instructions that merely have no encoding are
// flagged and fail when the translator reaches them.  Proven no-ops are elided.
func (p *nfpProg) checkProgram() {
	if p.err != nil {
		return
	}
	n := len(p.meta)
	for i := 0; i < n; i++ {
		m := &p.meta[i]
		p.cur = i
		if !p.analysis.IsReached(i) {
			m.skip = true
			continue
		}
		if m.insn.OpCode() == asm.LoadImm64 {
			if next := p.next(i); next != nil {
				next.ldImmPt2 = true
				next.double = doubleLdImm64Hi
			} else {
				m.unsupported = "truncated 64-bit immediate"
			}
			if m.insn.Src() == asm.PseudoMapFD {
				m.unsupported = "map references"
			}
			if m.insn.Dst() == asm.R10 {
				m.unsupported = "frame pointer write"
			}
			i++
			continue
		}
		p.checkInsn(i, m)
		if p.err != nil {
			return
		}
		if m.unsupported != "" && log.IsLevelEnabled(log.DebugLevel) {
			log.WithFields(log.Fields{"insn": i, "op": m.insn.String()}).Debugf("No encoding: %s", m.unsupported)
		}
	}
	p.cur = -1
}

func (p *nfpProg) checkInsn(i int, m *insnMeta) {
	insn := m.insn
	op := insn.OpCode()
	switch op.Class() {
	case asm.OpClassALU64, asm.OpClassALU32:
		p.checkALU(m)
	case asm.OpClassLoadImm:
		p.checkPktLoad(m)
	case asm.OpClassLoadReg, asm.OpClassStoreImm, asm.OpClassStoreReg:
		p.checkMem(i, m)
	case asm.OpClassJump64:
		switch op.Op() {
		case asm.JumpOpCall:
			m.unsupported = fmt.Sprintf("call to %v", asm.Helper(insn.Imm()))
		case asm.JumpOpExit:
			// The out stub directly follows the last instruction.
			if i == len(p.meta)-1 {
				m.skip = true
			}
		case asm.JumpOpA:
		default:
			if insn.Dst() == asm.R10 || (op.Src() == asm.OpSrcReg && insn.Src() == asm.R10) {
				m.unsupported = "frame pointer comparison"
			}
		}
	default:
		m.unsupported = "32-bit jumps"
	}
}

func (p *nfpProg) checkALU(m *insnMeta) {
	insn := m.insn
	op := insn.OpCode()
	is64 := op.Class() == asm.OpClassALU64
	isReg := op.Src() == asm.OpSrcReg
	dst, src := insn.Dst(), insn.Src()

	if dst == asm.R10 {
		m.unsupported = "frame pointer write"
		return
	}
	if isReg && src == asm.R10 && !(is64 && op.Op() == asm.ALUOpMov) {
		m.unsupported = "frame pointer arithmetic"
		return
	}

	width := int32(32)
	if is64 {
		width = 64
	}
	switch op.Op() {
	case asm.ALUOpMov:
		if is64 && isReg && dst == src {
			m.skip = true
		}
	case asm.ALUOpAdd, asm.ALUOpSub, asm.ALUOpOr, asm.ALUOpXOR:
		if is64 && !isReg && insn.Imm() == 0 {
			m.skip = true
		}
	case asm.ALUOpAnd:
	case asm.ALUOpShiftL, asm.ALUOpShiftR:
		switch {
		case isReg:
			m.unsupported = "shift by register"
		case insn.Imm() < 0 || insn.Imm() >= width:
			m.unsupported = fmt.Sprintf("shift by %d", insn.Imm())
		case is64 && insn.Imm() == 0:
			m.skip = true
		}
	case asm.ALUOpNeg:
		if !is64 {
			m.unsupported = "32-bit negate"
		}
	default:
		m.unsupported = "ALU operation"
	}
}

func (p *nfpProg) checkPktLoad(m *insnMeta) {
	insn := m.insn
	op := insn.OpCode()
	switch op.Mode() {
	case asm.MemOpModeAbs, asm.MemOpModeInd:
	default:
		m.unsupported = "load mode"
		return
	}
	if p.act == ActionXDP {
		p.fail(ErrActionTypeUnsupported, errors.New("legacy packet loads need an skb"))
		return
	}
	switch {
	case op.Size() == asm.MemOpSize64:
		m.unsupported = "64-bit legacy packet load"
	case insn.Imm() < 0:
		m.unsupported = "negative packet offset"
	case op.Mode() == asm.MemOpModeInd && insn.Src() == asm.R10:
		m.unsupported = "frame pointer as packet offset"
	}
}

// checkMem validates the base pointer of a load or store against every path
// that reaches it.
func (p *nfpProg) checkMem(i int, m *insnMeta) {
	var visits []verifier.RegState
	if i < len(p.analysis.Visits) {
		visits = p.analysis.Visits[i]
	}
	if len(visits) == 0 {
		m.unsupported = "no pointer information"
		return
	}
	first := visits[0]
	notConst := first.VarOff
	for _, v := range visits[1:] {
		if v.Type != first.Type {
			p.fail(ErrPointerProvenance, errors.Errorf("base register is %v on one path and %v on another",
				first.Type, v.Type))
			return
		}
		if v != first {
			notConst = true
		}
	}

	insn := m.insn
	op := insn.OpCode()
	if op.Mode() == asm.MemOpModeXAdd {
		m.unsupported = "atomic add"
		return
	}

	switch first.Type {
	case verifier.PtrToCtx:
		if notConst {
			p.fail(ErrPointerProvenance, errors.New("context access at a variable offset"))
			return
		}
		p.checkCtxAccess(m)
		return
	case verifier.PtrToStack, verifier.PtrToPacket:
		if notConst {
			if p.opts.Policy.StrictProvenance {
				p.fail(ErrPointerProvenance, errors.Errorf("%v access at a variable offset", first.Type))
				return
			}
			m.ptrNotConst = true
		}
	default:
		m.unsupported = fmt.Sprintf("access through %v", first.Type)
		return
	}

	isLoad := op.Class() == asm.OpClassLoadReg
	if op.Class() == asm.OpClassStoreReg && insn.Src() == asm.R10 {
		m.unsupported = "storing the frame pointer"
		return
	}
	if first.Type == verifier.PtrToPacket {
		switch {
		case !isLoad:
			m.unsupported = "packet writes"
		case !m.ptrNotConst && first.Off+int32(insn.Off()) < 0:
			m.unsupported = "access before packet start"
		}
		return
	}
	p.checkStackAccess(m, visits)
}

// checkStackAccess checks that every offset the base can hold lies in the frame.
// A base whose offset is unknown on some path cannot be bounded, so it is
// rejected even when the run-time address fallback is allowed.
func (p *nfpProg) checkStackAccess(m *insnMeta, visits []verifier.RegState) {
	insn := m.insn
	size := int32(insn.OpCode().SizeBytes())
	if size != 4 && size != 8 {
		m.unsupported = "sub-word stack access"
		return
	}
	for _, v := range visits {
		if v.VarOff {
			p.fail(ErrPointerProvenance, errors.New("stack access at an unbounded offset"))
			return
		}
		lmOff := int32(p.stackDepth) + v.Off + int32(insn.Off())
		switch {
		case lmOff%4 != 0:
			m.unsupported = "unaligned stack access"
			return
		case lmOff < 0 || lmOff+size > int32(p.stackDepth):
			m.unsupported = "stack access out of frame"
			return
		}
	}
}

func (p *nfpProg) checkCtxAccess(m *insnMeta) {
	insn := m.insn
	op := insn.OpCode()
	field := m.ptr.Off + int32(insn.Off())
	if op.SizeBytes() != 4 {
		m.unsupported = "context access size"
		return
	}
	if op.Class() == asm.OpClassLoadReg {
		switch field {
		case p.ctx.data, p.ctx.dataEnd:
			return
		}
		if field >= 0 && (field == p.ctx.len || field == p.ctx.mark) {
			return
		}
		m.unsupported = fmt.Sprintf("context field at %d", field)
		return
	}
	if field < 0 || field != p.ctx.mark {
		m.unsupported = "context writes"
		return
	}
	if p.act != ActionDirect && p.act != ActionTCRedirect {
		p.fail(ErrActionTypeUnsupported, errors.Errorf("%v cannot carry the packet mark", p.act))
		return
	}
	if op.Class() == asm.OpClassStoreReg && insn.Src() == asm.R10 {
		m.unsupported = "storing the frame pointer"
		return
	}
	m.usesMark = true
	p.usesMark = true
}
