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
	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nfpbpf/offload/bpf/asm"
	"github.com/nfpbpf/offload/bpf/verifier"
	"github.com/nfpbpf/offload/nfp/nfpasm"
)

type testProg struct {
	progType verifier.ProgType
	action   ActionType
	build    func(b *asm.Block)
}

// corpus covers every encoder at least once.
var corpus = map[string]testProg{
	"empty exit": {verifier.ProgTypeSchedCLS, ActionDirect, func(b *asm.Block) {
		b.MovImm64(asm.R0, 0)
		b.Exit()
	}},
	"alu": {verifier.ProgTypeSchedCLS, ActionTCDrop, func(b *asm.Block) {
		b.LoadImm64(asm.R2, 0x0123456789abcdef)
		b.AddImm64(asm.R2, 0x12345)
		b.Instr(asm.SubImm64, asm.R2, 0, 0, -1, "")
		b.AndImm64(asm.R2, -16)
		b.OrImm64(asm.R2, 0x100)
		b.Instr(asm.XORImm64, asm.R2, 0, 0, -1, "")
		b.ShiftLImm64(asm.R2, 12)
		b.ShiftRImm64(asm.R2, 40)
		b.Instr(asm.Negate64, asm.R2, 0, 0, 0, "")
		b.Mov64(asm.R3, asm.R2)
		b.Add64(asm.R3, asm.R2)
		b.Instr(asm.Sub64, asm.R3, asm.R2, 0, 0, "")
		b.MovImm32(asm.R4, 0x12345678)
		b.AndImm32(asm.R4, 0xff00)
		b.ShiftLImm32(asm.R4, 3)
		b.Mov32(asm.R0, asm.R4)
		b.Exit()
	}},
	"jumps": {verifier.ProgTypeSchedCLS, ActionTCRedirect, func(b *asm.Block) {
		b.Load32(asm.R2, asm.R1, asm.SkbuffOffsetLen)
		b.MovImm64(asm.R0, 0)
		b.JumpEqImm64(asm.R2, 0, "out")
		b.JumpLTImm64(asm.R2, 60, "out")
		b.JumpGEImm64(asm.R2, 0x10000, "out")
		b.InstrWithOffsetFixup(asm.JumpSGTImm64, asm.R2, 0, "set", -1)
		b.MovImm64(asm.R0, 2)
		b.LabelNextInsn("set")
		b.InstrWithOffsetFixup(asm.JumpSetImm64, asm.R2, 0, "out", 0x3)
		b.MovImm64(asm.R0, 1)
		b.LabelNextInsn("out")
		b.Exit()
	}},
	"stack": {verifier.ProgTypeSchedCLS, ActionDirect, func(b *asm.Block) {
		b.LoadImm64(asm.R2, -2)
		b.StoreStack64(asm.R2, -16)
		b.Instr(asm.StoreImm32, asm.R10, 0, -4, 7, "")
		b.LoadStack32(asm.R0, -4)
		b.LoadStack64(asm.R3, -16)
		b.Add64(asm.R0, asm.R3)
		b.Exit()
	}},
	"packet": {verifier.ProgTypeSchedCLS, ActionTCDrop, func(b *asm.Block) {
		b.Load32(asm.R2, asm.R1, asm.SkbuffOffsetData)
		b.Load32(asm.R3, asm.R1, asm.SkbuffOffsetDataEnd)
		b.Mov64(asm.R4, asm.R2)
		b.AddImm64(asm.R4, 34)
		b.MovImm64(asm.R0, 0)
		b.InstrWithOffsetFixup(asm.JumpGT64, asm.R4, asm.R3, "out", 0)
		b.Load16(asm.R5, asm.R2, asm.FieldOffset{Offset: 12, Field: "eth->proto"})
		b.JumpNEImm64(asm.R5, 0x0008, "out")
		b.Load8(asm.R5, asm.R2, asm.FieldOffset{Offset: 23, Field: "ip->proto"})
		b.JumpNEImm64(asm.R5, 17, "out")
		b.MovImm64(asm.R0, 1)
		b.LabelNextInsn("out")
		b.Exit()
	}},
	"legacy loads": {verifier.ProgTypeSchedCLS, ActionTCDrop, func(b *asm.Block) {
		b.Mov64(asm.R6, asm.R1)
		b.LoadAbs(2, 12)
		b.JumpNEImm64(asm.R0, 0x0800, "miss")
		b.MovImm64(asm.R7, 14)
		b.LoadInd(1, asm.R7, 9)
		b.JumpNEImm64(asm.R0, 17, "miss")
		b.MovImm64(asm.R0, 1)
		b.Exit()
		b.LabelNextInsn("miss")
		b.MovImm64(asm.R0, 0)
		b.Exit()
	}},
	"xdp": {verifier.ProgTypeXDP, ActionXDP, func(b *asm.Block) {
		b.Load32(asm.R2, asm.R1, asm.XDPOffsetData)
		b.Load32(asm.R3, asm.R1, asm.XDPOffsetDataEnd)
		b.Mov64(asm.R4, asm.R2)
		b.AddImm64(asm.R4, 14)
		b.MovImm64(asm.R0, 2)
		b.InstrWithOffsetFixup(asm.JumpGT64, asm.R4, asm.R3, "out", 0)
		b.Load16(asm.R5, asm.R2, asm.FieldOffset{Offset: 12, Field: "eth->proto"})
		b.JumpEqImm64(asm.R5, 0x0008, "out")
		b.MovImm64(asm.R0, 1)
		b.LabelNextInsn("out")
		b.Exit()
	}},
	"mark": {verifier.ProgTypeSchedCLS, ActionTCRedirect, func(b *asm.Block) {
		b.Load32(asm.R2, asm.R1, asm.SkbuffOffsetMark)
		b.OrImm64(asm.R2, 0x1000)
		b.Store32(asm.R1, asm.R2, asm.SkbuffOffsetMark)
		b.MovImm64(asm.R0, 1)
		b.Exit()
	}},
}

var _ = Describe("Compile", func() {
	Describe("exit stubs", func() {
		It("compiles an empty program to the three direct exit stubs", func() {
			out := make([]uint64, 16)
			res, err := Compile(&verifier.Analysis{}, out, testOptions(ActionDirect))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.NumInstr).To(Equal(3))
			Expect(res.DenseMode).To(BeTrue())

			dis, err := nfpasm.Disassemble(out[:res.NumInstr], testStart)
			Expect(err).NotTo(HaveOccurred())
			Expect(dis).To(Equal("  256: br[.258]\n" +
				"  257: immed[gpr0, 0x2]\n" +
				"  258: br[.12288]\n"))
		})

		DescribeTable("stub lengths",
			func(act ActionType, progType verifier.ProgType, words int) {
				out := make([]uint64, 16)
				res, err := Compile(&verifier.Analysis{ProgType: progType}, out, testOptions(act))
				Expect(err).NotTo(HaveOccurred())
				Expect(res.NumInstr).To(Equal(words))
			},
			Entry("direct", ActionDirect, verifier.ProgTypeSchedCLS, 3),
			Entry("tc drop", ActionTCDrop, verifier.ProgTypeSchedCLS, 5),
			Entry("tc redirect", ActionTCRedirect, verifier.ProgTypeSchedCLS, 6),
			Entry("xdp", ActionXDP, verifier.ProgTypeXDP, 4),
		)
	})

	Describe("branch resolution", func() {
		It("resolves a jump to an elided trailing exit to the out stub", func() {
			a := analyse(verifier.ProgTypeSchedCLS, func(b *asm.Block) {
				b.Jump("exit")
				b.LabelNextInsn("exit")
				b.Exit()
			})
			Expect(a.Insns).To(HaveLen(2))
			prog := mustCompile(a, testOptions(ActionDirect))
			Expect(prog).To(HaveLen(4))

			in, err := nfpasm.Decode(prog[0])
			Expect(err).NotTo(HaveOccurred())
			Expect(in.Cond).To(Equal(nfpasm.BrUNC))
			Expect(in.Addr).To(BeEquivalentTo(testStart + 1))
		})

		It("resolves a jump one past the end to the out stub", func() {
			a := &verifier.Analysis{Insns: asm.Insns{asm.MakeInsn(asm.JumpA, 0, 0, 0, 0)}}
			prog := mustCompile(a, testOptions(ActionDirect))
			in, err := nfpasm.Decode(prog[0])
			Expect(err).NotTo(HaveOccurred())
			Expect(in.Addr).To(BeEquivalentTo(testStart + 1))
		})

		DescribeTable("rejects inconsistent targets",
			func(insns asm.Insns) {
				ce := compileErr(&verifier.Analysis{Insns: insns}, testOptions(ActionDirect))
				Expect(errors.Is(ce, ErrUnresolvedBranchTarget)).To(BeTrue(), ce.Error())
				Expect(ce.Insn).To(Equal(0))
			},
			Entry("beyond the end", asm.Insns{
				asm.MakeInsn(asm.JumpA, 0, 0, 5, 0),
				asm.MakeInsn(asm.Exit, 0, 0, 0, 0),
			}),
			Entry("before the start", asm.Insns{
				asm.MakeInsn(asm.JumpA, 0, 0, -3, 0),
				asm.MakeInsn(asm.Exit, 0, 0, 0, 0),
			}),
			Entry("into a 64-bit immediate", asm.Insns{
				asm.MakeInsn(asm.JumpA, 0, 0, 1, 0),
				asm.MakeInsn(asm.LoadImm64, asm.R0, 0, 0, 1),
				asm.MakeInsn(asm.LoadImm64Pt2, 0, 0, 0, 0),
				asm.MakeInsn(asm.Exit, 0, 0, 0, 0),
			}),
		)
	})

	Describe("stack budget", func() {
		It("fails without touching the caller's buffer", func() {
			a := analyse(verifier.ProgTypeSchedCLS, func(b *asm.Block) {
				b.MovImm64(asm.R2, 1)
				b.StoreStack64(asm.R2, -72)
				b.MovImm64(asm.R0, 0)
				b.Exit()
			})
			Expect(a.StackDepth).To(Equal(72))

			out := make([]uint64, 64)
			for i := range out {
				out[i] = 0xdeadbeef
			}
			before := append([]uint64(nil), out...)
			_, err := Compile(a, out, testOptions(ActionDirect))
			Expect(errors.Is(err, ErrStackDepthExceeded)).To(BeTrue())
			Expect(cmp.Diff(before, out)).To(BeEmpty())
		})

		It("honours a larger device frame", func() {
			a := analyse(verifier.ProgTypeSchedCLS, func(b *asm.Block) {
				b.MovImm64(asm.R2, 1)
				b.StoreStack64(asm.R2, -72)
				b.LoadStack64(asm.R0, -72)
				b.Exit()
			})
			opts := testOptions(ActionDirect)
			opts.Caps.MaxStackDepth = 128
			out := make([]uint64, 64)
			res, err := Compile(a, out, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.StackDepth).To(Equal(72))
			Expect(res.DenseMode).To(BeFalse())
		})
	})

	Describe("unsupported instructions", func() {
		It("reports how many instructions were translated", func() {
			a := analyse(verifier.ProgTypeSchedCLS, func(b *asm.Block) {
				b.MovImm64(asm.R0, 0)
				b.MovImm64(asm.R2, 1)
				b.StoreStack64(asm.R2, -8)
				b.Instr(asm.XAdd64, asm.R10, asm.R2, -8, 0, "")
				b.Exit()
			})
			ce := compileErr(a, testOptions(ActionDirect))
			Expect(errors.Is(ce, ErrUnsupportedOpcode)).To(BeTrue())
			Expect(ce.Insn).To(Equal(3))
			Expect(ce.NTranslated).To(Equal(3))
		})

		It("does not count elided instructions", func() {
			a := analyse(verifier.ProgTypeSchedCLS, func(b *asm.Block) {
				b.MovImm64(asm.R0, 0)
				b.Mov64(asm.R0, asm.R0)
				b.AddImm64(asm.R0, 0)
				b.Call(asm.HelperKtimeGetNs)
				b.Exit()
			})
			ce := compileErr(a, testOptions(ActionDirect))
			Expect(errors.Is(ce, ErrUnsupportedOpcode)).To(BeTrue())
			Expect(ce.Insn).To(Equal(3))
			Expect(ce.NTranslated).To(Equal(1))
			Expect(ce.Error()).To(ContainSubstring("unsupported opcode at insn 3"))
		})

		DescribeTable("rejections",
			func(build func(b *asm.Block)) {
				a := analyse(verifier.ProgTypeSchedCLS, build)
				ce := compileErr(a, testOptions(ActionDirect))
				Expect(errors.Is(ce, ErrUnsupportedOpcode)).To(BeTrue(), ce.Error())
			},
			Entry("multiply", func(b *asm.Block) {
				b.Instr(asm.MulImm64, asm.R0, 0, 0, 3, "")
				b.Exit()
			}),
			Entry("shift by register", func(b *asm.Block) {
				b.Instr(asm.ShiftL64, asm.R0, asm.R2, 0, 0, "")
				b.Exit()
			}),
			Entry("32-bit negate", func(b *asm.Block) {
				b.Instr(asm.Negate32, asm.R0, 0, 0, 0, "")
				b.Exit()
			}),
			Entry("32-bit jump", func(b *asm.Block) {
				b.MovImm64(asm.R0, 0)
				b.JumpEq32(asm.R0, asm.R1, "out")
				b.LabelNextInsn("out")
				b.Exit()
			}),
			Entry("frame pointer arithmetic", func(b *asm.Block) {
				b.Add64(asm.R0, asm.R10)
				b.Exit()
			}),
			Entry("packet write", func(b *asm.Block) {
				b.Load32(asm.R2, asm.R1, asm.SkbuffOffsetData)
				b.Instr(asm.StoreImm32, asm.R2, 0, 0, 1, "")
				b.Exit()
			}),
			Entry("unknown context field", func(b *asm.Block) {
				b.Load32(asm.R0, asm.R1, asm.FieldOffset{Offset: 4, Field: "skb->pkt_type"})
				b.Exit()
			}),
			Entry("sub-word stack access", func(b *asm.Block) {
				b.Instr(asm.StoreImm8, asm.R10, 0, -1, 1, "")
				b.Exit()
			}),
			Entry("map reference", func(b *asm.Block) {
				b.Instr(asm.LoadImm64, asm.R1, asm.PseudoMapFD, 0, 3, "")
				b.Instr(asm.LoadImm64Pt2, 0, 0, 0, 0, "")
				b.Exit()
			}),
		)
	})

	Describe("pointer provenance", func() {
		It("rejects a base register that is a different pointer on each path", func() {
			a := analyse(verifier.ProgTypeSchedCLS, func(b *asm.Block) {
				b.Load32(asm.R3, asm.R1, asm.SkbuffOffsetLen)
				b.Mov64(asm.R2, asm.R1)
				b.JumpEqImm64(asm.R3, 0, "load")
				b.Mov64(asm.R2, asm.R10)
				b.AddImm64(asm.R2, -8)
				b.LabelNextInsn("load")
				b.Load32(asm.R0, asm.R2, asm.FieldOffset{Offset: 0})
				b.Exit()
			})
			ce := compileErr(a, testOptions(ActionDirect))
			Expect(errors.Is(ce, ErrPointerProvenance)).To(BeTrue(), ce.Error())
			Expect(ce.Insn).To(Equal(5))
		})

		It("rejects a context access at a variable offset", func() {
			a := analyse(verifier.ProgTypeSchedCLS, func(b *asm.Block) {
				b.Load32(asm.R3, asm.R1, asm.SkbuffOffsetLen)
				b.Add64(asm.R1, asm.R3)
				b.Load32(asm.R0, asm.R1, asm.FieldOffset{Offset: 0})
				b.Exit()
			})
			ce := compileErr(a, testOptions(ActionDirect))
			Expect(errors.Is(ce, ErrPointerProvenance)).To(BeTrue(), ce.Error())
		})

		It("rejects a stack access at an unbounded offset", func() {
			a := analyse(verifier.ProgTypeSchedCLS, func(b *asm.Block) {
				b.Load32(asm.R3, asm.R1, asm.SkbuffOffsetLen)
				b.Mov64(asm.R2, asm.R10)
				b.Add64(asm.R2, asm.R3)
				b.Instr(asm.StoreImm32, asm.R2, 0, -8, 1, "")
				b.MovImm64(asm.R0, 0)
				b.Exit()
			})
			Expect(a.StackDepth).To(BeZero())
			ce := compileErr(a, testOptions(ActionDirect))
			Expect(errors.Is(ce, ErrPointerProvenance)).To(BeTrue(), ce.Error())
			Expect(ce.Insn).To(Equal(3))
		})

		It("flags a variable stack offset that is unaligned on one path", func() {
			a := analyse(verifier.ProgTypeSchedCLS, func(b *asm.Block) {
				b.Load32(asm.R4, asm.R1, asm.SkbuffOffsetLen)
				b.Mov64(asm.R3, asm.R10)
				b.AddImm64(asm.R3, -8)
				b.JumpLTImm64(asm.R4, 100, "store")
				b.AddImm64(asm.R3, -6)
				b.LabelNextInsn("store")
				b.Instr(asm.StoreImm32, asm.R3, 0, 0, 1, "")
				b.MovImm64(asm.R0, 0)
				b.Exit()
			})
			ce := compileErr(a, testOptions(ActionDirect))
			Expect(errors.Is(ce, ErrUnsupportedOpcode)).To(BeTrue(), ce.Error())
			Expect(ce.Error()).To(ContainSubstring("unaligned stack access"))
		})

		It("rejects variable stack offsets under strict provenance", func() {
			a := analyse(verifier.ProgTypeSchedCLS, varStackProg)
			opts := testOptions(ActionDirect)
			opts.Policy.StrictProvenance = true
			ce := compileErr(a, opts)
			Expect(errors.Is(ce, ErrPointerProvenance)).To(BeTrue(), ce.Error())
		})
	})

	Describe("action types", func() {
		It("rejects a mark write for TC drop", func() {
			a := analyse(verifier.ProgTypeSchedCLS, corpus["mark"].build)
			ce := compileErr(a, testOptions(ActionTCDrop))
			Expect(errors.Is(ce, ErrActionTypeUnsupported)).To(BeTrue(), ce.Error())
		})

		It("rejects legacy packet loads under XDP", func() {
			a := analyse(verifier.ProgTypeXDP, func(b *asm.Block) {
				b.Mov64(asm.R6, asm.R1)
				b.LoadAbs(1, 0)
				b.Exit()
			})
			ce := compileErr(a, testOptions(ActionXDP))
			Expect(errors.Is(ce, ErrActionTypeUnsupported)).To(BeTrue(), ce.Error())
		})

		It("rejects an XDP action for a classifier", func() {
			a := analyse(verifier.ProgTypeSchedCLS, corpus["empty exit"].build)
			_, err := Compile(a, make([]uint64, 16), testOptions(ActionXDP))
			Expect(errors.Is(err, ErrActionTypeUnsupported)).To(BeTrue())
		})

		It("rejects an unknown action", func() {
			_, err := Compile(&verifier.Analysis{}, make([]uint64, 16), testOptions(ActionType(9)))
			Expect(errors.Is(err, ErrActionTypeUnsupported)).To(BeTrue())
		})

		It("round trips action names", func() {
			for act := ActionTCDrop; act <= ActionXDP; act++ {
				parsed, err := ParseActionType(act.String())
				Expect(err).NotTo(HaveOccurred())
				Expect(parsed).To(Equal(act))
			}
			_, err := ParseActionType("tc-mirror")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("output bounds", func() {
		It("rejects a zero capacity", func() {
			_, err := Compile(&verifier.Analysis{}, nil, testOptions(ActionDirect))
			Expect(errors.Is(err, ErrBufferCapacityExceeded)).To(BeTrue())
		})

		It("only uses the part of the buffer that fits in the code store", func() {
			opts := testOptions(ActionDirect)
			opts.StartOffset = nfpasm.MaxBrAddr - 4
			out := make([]uint64, 16)
			res, err := Compile(&verifier.Analysis{}, out, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.NumInstr).To(Equal(3))
			Expect(out[3:]).To(Equal(make([]uint64, 13)))
		})

		It("rejects a program that runs off the end of the code store", func() {
			a := analyse(verifier.ProgTypeSchedCLS, func(b *asm.Block) {
				b.MovImm64(asm.R0, 0)
				for i := 0; i < 8; i++ {
					b.AddImm64(asm.R0, 1)
				}
				b.Exit()
			})
			opts := testOptions(ActionDirect)
			opts.StartOffset = nfpasm.MaxBrAddr - 4
			_, err := Compile(a, make([]uint64, 64), opts)
			Expect(errors.Is(err, ErrBufferCapacityExceeded)).To(BeTrue())
		})

		It("rejects a start address outside the code store", func() {
			opts := testOptions(ActionDirect)
			opts.StartOffset = nfpasm.MaxBrAddr + 1
			_, err := Compile(&verifier.Analysis{}, make([]uint64, 16), opts)
			Expect(errors.Is(err, ErrBufferCapacityExceeded)).To(BeTrue())
		})

		It("rejects a done address outside the code store", func() {
			opts := testOptions(ActionDirect)
			opts.DoneOffset = nfpasm.MaxBrAddr + 1
			_, err := Compile(&verifier.Analysis{}, make([]uint64, 16), opts)
			Expect(errors.Is(err, ErrBufferCapacityExceeded)).To(BeTrue())
		})
	})

	Describe("register budget", func() {
		highReg := func(b *asm.Block) {
			b.MovImm64(asm.R9, 1)
			b.Mov64(asm.R0, asm.R9)
			b.Exit()
		}

		It("rejects a program that needs more registers than a thread owns", func() {
			a := analyse(verifier.ProgTypeSchedCLS, highReg)
			opts := testOptions(ActionDirect)
			opts.Caps.RegsPerThread = 8
			ce := compileErr(a, opts)
			Expect(errors.Is(ce, ErrRegisterBudgetExceeded)).To(BeTrue(), ce.Error())
			Expect(ce.Insn).To(Equal(-1))
			Expect(ce.Error()).To(ContainSubstring("uses 20 registers"))
		})

		It("accepts the same program with enough registers", func() {
			a := analyse(verifier.ProgTypeSchedCLS, highReg)
			opts := testOptions(ActionDirect)
			opts.Caps.RegsPerThread = 20
			res, err := Compile(a, make([]uint64, 64), opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.NumRegs).To(Equal(20))
			Expect(res.RegsPerThread).To(Equal(20))
		})

		It("fits a program that only uses R0 in a small budget", func() {
			a := analyse(verifier.ProgTypeSchedCLS, corpus["empty exit"].build)
			opts := testOptions(ActionDirect)
			opts.Caps.RegsPerThread = 2
			res, err := Compile(a, make([]uint64, 64), opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.NumRegs).To(BeNumerically("<=", 2))
		})
	})

	Describe("exit stub layout", func() {
		It("fails the compile when a stub lands away from its planned offset", func() {
			a := analyse(verifier.ProgTypeSchedCLS, corpus["empty exit"].build)
			p, err := newProg(a, make([]uint64, 64), testOptions(ActionDirect))
			Expect(err).NotTo(HaveOccurred())
			p.buildMeta()
			p.checkProgram()
			p.translate()
			p.layoutStubs()
			p.tgtAbort++
			p.tgtDone++
			p.resolveBranches()
			Expect(func() { p.outro() }).NotTo(Panic())
			Expect(p.state).To(Equal(stateFailed))
			Expect(errors.Is(p.err, ErrUnresolvedBranchTarget)).To(BeTrue(), "%v", p.err)
			Expect(p.err.Error()).To(ContainSubstring("abort stub"))
		})
	})

	It("counts outcomes", func() {
		okBefore := testutil.ToFloat64(compileCounter.WithLabelValues("xdp", "ok"))
		failBefore := testutil.ToFloat64(compileCounter.WithLabelValues("direct", "stack_depth"))

		_, err := Compile(&verifier.Analysis{ProgType: verifier.ProgTypeXDP}, make([]uint64, 8), testOptions(ActionXDP))
		Expect(err).NotTo(HaveOccurred())
		_, err = Compile(&verifier.Analysis{StackDepth: 512}, make([]uint64, 8), testOptions(ActionDirect))
		Expect(err).To(HaveOccurred())

		Expect(testutil.ToFloat64(compileCounter.WithLabelValues("xdp", "ok"))).To(Equal(okBefore + 1))
		Expect(testutil.ToFloat64(compileCounter.WithLabelValues("direct", "stack_depth"))).To(Equal(failBefore + 1))
	})
})

var _ = Describe("Compiled output", func() {
	for name, tp := range corpus {
		name, tp := name, tp
		Describe(name, func() {
			var a *verifier.Analysis
			var prog []uint64

			BeforeEach(func() {
				a = analyse(tp.progType, tp.build)
				prog = mustCompile(a, testOptions(tp.action))
			})

			It("is deterministic", func() {
				again := mustCompile(a, testOptions(tp.action))
				Expect(cmp.Diff(prog, again)).To(BeEmpty())
			})

			It("has no scratch bits set", func() {
				for i, w := range prog {
					Expect(w&nfpasm.BrSpecialMask).To(BeZero(), "word %d", i)
					Expect(w&^nfpasm.WordMask).To(BeZero(), "word %d", i)
				}
			})

			It("only branches inside the program or to the done address", func() {
				for i, w := range prog {
					in, err := nfpasm.Decode(w)
					Expect(err).NotTo(HaveOccurred())
					if !in.IsBranch() {
						continue
					}
					if i == len(prog)-1 {
						Expect(in.Addr).To(BeEquivalentTo(testDone))
						continue
					}
					Expect(int(in.Addr)).To(BeNumerically(">=", testStart), "word %d", i)
					Expect(int(in.Addr)).To(BeNumerically("<", testStart+len(prog)), "word %d", i)
				}
			})

			It("assigns non-decreasing offsets, shared only with elided instructions", func() {
				p, err := newProg(a, make([]uint64, 1024), testOptions(tp.action))
				Expect(err).NotTo(HaveOccurred())
				Expect(p.run()).To(Succeed())
				for i := 1; i < len(p.meta); i++ {
					prev, cur := p.meta[i-1], p.meta[i]
					Expect(cur.off).To(BeNumerically(">=", prev.off), "insn %d", i)
					if cur.off == prev.off {
						Expect(prev.skip).To(BeTrue(), "insn %d shares an offset with live insn %d", i, i-1)
					}
				}
				Expect(p.fixups).To(BeEmpty())
				Expect(p.state).To(Equal(stateDone))
			})

			It("keeps user registers out of reserved slots", func() {
				for i, w := range prog {
					in, err := nfpasm.Decode(w)
					Expect(err).NotTo(HaveOccurred())
					if in.Dst.Type == nfpasm.RegGPRBoth {
						Expect(in.Dst.Num).To(BeNumerically("<", staticRegMark), "word %d: %v", i, in)
					}
				}
			})

			It("respects the capacity", func() {
				n := len(prog)
				out := make([]uint64, n+8)
				opts := testOptions(tp.action)
				opts.Capacity = n - 1
				_, err := Compile(a, out, opts)
				Expect(errors.Is(err, ErrBufferCapacityExceeded)).To(BeTrue())
				Expect(out).To(Equal(make([]uint64, n+8)))

				opts.Capacity = n
				res, err := Compile(a, out, opts)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.NumInstr).To(Equal(n))
				Expect(out[n:]).To(Equal(make([]uint64, 8)))
			})
		})
	}
})

// varStackProg stores through a stack pointer whose offset depends on the
// packet length, then reads both candidate slots back.
func varStackProg(b *asm.Block) {
	b.Load32(asm.R4, asm.R1, asm.SkbuffOffsetLen)
	b.Mov64(asm.R3, asm.R10)
	b.AddImm64(asm.R3, -8)
	b.JumpLTImm64(asm.R4, 100, "store")
	b.AddImm64(asm.R3, -8)
	b.LabelNextInsn("store")
	b.LoadImm64(asm.R2, 0x42)
	b.Instr(asm.Store64, asm.R3, asm.R2, 0, 0, "")
	b.Instr(asm.StoreImm64, asm.R10, 0, -24, 0, "")
	b.LoadStack64(asm.R0, -8)
	b.LoadStack64(asm.R5, -16)
	b.ShiftLImm64(asm.R5, 8)
	b.Add64(asm.R0, asm.R5)
	b.Exit()
}
