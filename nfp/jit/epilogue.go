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
	"github.com/nfpbpf/offload/nfp/nfpasm"
)

// Verdicts handed back to the firmware.
const (
	tcActOK       = 0
	tcActShot     = 2
	tcActRedirect = 7

	xdpAborted = 0
	xdpTX      = 3
)

// Flags in the ABI word.
const (
	abiFlagMark      = 1
	abiFlagDropStats = 2
)

// stubPlan gives the length in words of each exit stub.  The stubs are emitted
// in order out, abort, done directly after the program body.
type stubPlan struct {
	out, abort, done int
}

var stubPlans = map[ActionType]stubPlan{
	ActionDirect:     {out: 1, abort: 1, done: 1},
	ActionTCDrop:     {out: 2, abort: 2, done: 1},
	ActionTCRedirect: {out: 4, abort: 1, done: 1},
	ActionXDP:        {out: 2, abort: 1, done: 1},
}

// layoutStubs fixes the offsets of the exit stubs, before they are emitted, so
// that branches into them can be resolved.
func (p *nfpProg) layoutStubs() {
	if p.err != nil {
		return
	}
	plan, ok := stubPlans[p.act]
	if !ok {
		p.fail(ErrActionTypeUnsupported, errors.Errorf("no exit stubs for %v", p.act))
		return
	}
	p.tgtOut = len(p.prog)
	p.tgtAbort = p.tgtOut + plan.out
	p.tgtDone = p.tgtAbort + plan.abort
	if end := p.tgtDone + plan.done; end > p.progCap {
		p.fail(ErrBufferCapacityExceeded, errors.Errorf("program with exit stubs needs %d words, have %d",
			end, p.progCap))
	}
}

// outro appends the exit stubs.  On entry to the out stub R0 holds the
// program's return value; every path leaves through the done stub with the
// verdict in the low word of R0.
func (p *nfpProg) outro() {
	if p.err != nil {
		return
	}
	p.state = stateFinalizing
	r0 := regLo(asm.R0)

	p.checkStubPos("out", p.tgtOut)
	switch p.act {
	case ActionDirect:
		p.brAbs(nfpasm.BrUNC, p.tgtDone)
	case ActionTCDrop:
		// Zero passes; anything else is a match and is dropped and counted.
		p.mov(none, r0)
		p.brAbs(nfpasm.BrEQ, p.tgtDone)
	case ActionTCRedirect:
		p.mov(none, r0)
		p.brAbs(nfpasm.BrEQ, p.tgtDone)
		p.immed(r0, tcActRedirect, nfpasm.ImmedShift0, false)
		p.brAbs(nfpasm.BrUNC, p.tgtDone)
	case ActionXDP:
		// Actions above XDP_TX fall through to abort.
		p.alu(none, nfpasm.Imm(xdpTX), nfpasm.ALUOpSub, r0)
		p.brAbs(nfpasm.BrHS, p.tgtDone)
	}

	p.checkStubPos("abort", p.tgtAbort)
	switch p.act {
	case ActionXDP:
		p.immed(r0, xdpAborted, nfpasm.ImmedShift0, false)
	case ActionTCDrop:
		p.immed(r0, tcActShot, nfpasm.ImmedShift0, false)
		p.immed(abiFlags, abiFlagDropStats, nfpasm.ImmedShift0, false)
	default:
		p.immed(r0, tcActShot, nfpasm.ImmedShift0, false)
	}

	p.checkStubPos("done", p.tgtDone)
	p.emit(nfpasm.Br(nfpasm.BrUNC, uint16(p.doneOff), 0))
}

func (p *nfpProg) checkStubPos(name string, want int) {
	if p.err != nil {
		return
	}
	if len(p.prog) != want {
		log.WithFields(log.Fields{
			"stub": name,
			"at":   len(p.prog),
			"want": want,
		}).Error("Exit stub does not match its layout")
		p.fail(ErrUnresolvedBranchTarget, errors.Errorf("%s stub at %d, branches expect %d",
			name, len(p.prog), want))
	}
}
