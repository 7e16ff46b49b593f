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

	"github.com/nfpbpf/offload/nfp/nfpasm"
)

// resolveBranches patches every pending branch with its absolute target and
// empties the fixup table.  Exit stub offsets must already be laid out.
func (p *nfpProg) resolveBranches() {
	if p.err != nil {
		return
	}
	p.state = stateResolving
	for _, f := range p.fixups {
		p.cur = f.insn
		local, err := p.branchTarget(f)
		if err != nil {
			p.fail(ErrUnresolvedBranchTarget, err)
			return
		}
		w := p.prog[f.at]
		if w&nfpasm.BrSpecialMask != brTag(f.kind) {
			p.fail(ErrUnresolvedBranchTarget, errors.Errorf("word %d is not a pending branch", f.at))
			return
		}
		p.prog[f.at] = nfpasm.SetBrAddr(w&^nfpasm.BrSpecialMask, uint16(int(p.startOff)+local))
	}
	p.fixups = nil
	p.cur = -1
}

// branchTarget returns the local output offset a fixup resolves to.
func (p *nfpProg) branchTarget(f fixup) (int, error) {
	switch f.kind {
	case brGoOut:
		return p.tgtOut, nil
	case brGoAbort:
		return p.tgtAbort, nil
	case brNormal:
	default:
		return 0, errors.Errorf("unknown branch kind %d", f.kind)
	}
	if f.dest == len(p.meta) {
		return p.tgtOut, nil
	}
	if f.dest < 0 || f.dest > len(p.meta) {
		return 0, errors.Errorf("destination %d outside program", f.dest)
	}
	m := &p.meta[f.dest]
	if m.ldImmPt2 {
		return 0, errors.Errorf("destination %d is inside a 64-bit immediate load", f.dest)
	}
	if m.off < 0 {
		return 0, errors.Errorf("destination %d has no output offset", f.dest)
	}
	return m.off, nil
}
