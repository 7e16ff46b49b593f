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
)

// Error kinds.  A failed Compile returns a *CompileError that matches exactly one
// of these with errors.Is.
var (
	ErrUnsupportedOpcode      = errors.New("unsupported opcode")
	ErrPointerProvenance      = errors.New("pointer provenance violation")
	ErrStackDepthExceeded     = errors.New("stack depth exceeded")
	ErrBufferCapacityExceeded = errors.New("buffer capacity exceeded")
	// ErrRegisterBudgetExceeded means the output touches more GPRs than a
	// thread owns.
	ErrRegisterBudgetExceeded = errors.New("register budget exceeded")
	// ErrUnresolvedBranchTarget means the branch bookkeeping is inconsistent; it
	// points at a defect in the translator rather than at the input program.
	ErrUnresolvedBranchTarget = errors.New("unresolved branch target")
	ErrActionTypeUnsupported  = errors.New("action type unsupported for program")
)

var kindLabels = map[error]string{
	ErrUnsupportedOpcode:      "unsupported_opcode",
	ErrPointerProvenance:      "pointer_provenance",
	ErrStackDepthExceeded:     "stack_depth",
	ErrBufferCapacityExceeded: "buffer_capacity",
	ErrRegisterBudgetExceeded: "register_budget",
	ErrUnresolvedBranchTarget: "unresolved_branch",
	ErrActionTypeUnsupported:  "action_type",
}

// CompileError carries the error kind and how far translation got.
type CompileError struct {
	Kind error
	// Insn is the index of the input instruction being handled, or -1.
	Insn int
	// NTranslated counts the non-elided instructions encoded before the failure.
	NTranslated int

	cause error
}

func (e *CompileError) Error() string {
	msg := e.Kind.Error()
	if e.Insn >= 0 {
		msg = fmt.Sprintf("%s at insn %d", msg, e.Insn)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *CompileError) Is(target error) bool {
	return target == e.Kind
}

func (e *CompileError) Unwrap() error {
	return e.cause
}

func kindLabel(err error) string {
	var ce *CompileError
	if errors.As(err, &ce) {
		if l, ok := kindLabels[ce.Kind]; ok {
			return l
		}
	}
	return "other"
}
