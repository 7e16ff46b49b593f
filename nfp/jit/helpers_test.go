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
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	. "github.com/onsi/gomega"

	"github.com/nfpbpf/offload/bpf/asm"
	"github.com/nfpbpf/offload/bpf/verifier"
)

const (
	testStart = 0x100
	testDone  = 0x3000
)

func testOptions(act ActionType) Options {
	return Options{
		Action:      act,
		StartOffset: testStart,
		DoneOffset:  testDone,
	}
}

// analyse assembles the block built by build and runs the verifier over it.
func analyse(progType verifier.ProgType, build func(b *asm.Block)) *verifier.Analysis {
	b := asm.NewBlock(false)
	build(b)
	insns, err := b.Assemble()
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	a, err := verifier.Analyze(insns, progType)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	return a
}

func mustCompile(a *verifier.Analysis, opts Options) []uint64 {
	out := make([]uint64, 1024)
	res, err := Compile(a, out, opts)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	return out[:res.NumInstr]
}

// runProg compiles a program for act and runs it over pkt.
func runProg(act ActionType, pkt []byte, build func(b *asm.Block)) *machine {
	return runProgWithMark(act, pkt, 0, build)
}

func runProgWithMark(act ActionType, pkt []byte, mark uint32, build func(b *asm.Block)) *machine {
	progType := verifier.ProgTypeSchedCLS
	if act == ActionXDP {
		progType = verifier.ProgTypeXDP
	}
	prog := mustCompile(analyse(progType, build), testOptions(act))
	m := newMachine(pkt, mark)
	ExpectWithOffset(2, m.run(prog, testStart, testDone)).To(Succeed())
	return m
}

func compileErr(a *verifier.Analysis, opts Options) *CompileError {
	out := make([]uint64, 1024)
	_, err := Compile(a, out, opts)
	ExpectWithOffset(1, err).To(HaveOccurred())
	ce, ok := err.(*CompileError)
	ExpectWithOffset(1, ok).To(BeTrue(), "expected a *CompileError, got %T", err)
	return ce
}

// udpPacket returns a 64 byte Ethernet/IPv4/UDP frame from 10.0.0.1:1234 to
// 10.0.0.2:53.
func udpPacket() []byte {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	udp := &layers.UDP{SrcPort: 1234, DstPort: 53}
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		eth, ip, udp, gopacket.Payload(make([]byte, 22)))
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	ExpectWithOffset(1, buf.Bytes()).To(HaveLen(64))
	return buf.Bytes()
}
