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

package commands

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nfpbpf/offload/bpf/asm"
	"github.com/nfpbpf/offload/nfp/jit"
	"github.com/nfpbpf/offload/nfp/ports"
)

// resetFlags puts every flag back to its default so that runs don't leak into
// each other.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func runCmd(t *testing.T, args ...string) (string, string, error) {
	t.Setenv("NFP_LOG_SEVERITY_SCREEN", "error")
	var stdout, stderr bytes.Buffer
	resetFlags(rootCmd)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	t.Cleanup(func() {
		resetFlags(rootCmd)
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeProgram(t *testing.T, build func(b *asm.Block)) string {
	b := asm.NewBlock(false)
	build(b)
	insns, err := b.Assemble()
	Expect(err).NotTo(HaveOccurred())
	path := filepath.Join(t.TempDir(), "prog.o")
	Expect(os.WriteFile(path, insns.Bytes(), 0o644)).To(Succeed())
	return path
}

func returnTwo(b *asm.Block) {
	b.MovImm64(asm.R0, 2)
	b.Exit()
}

func TestCompileAndDisassemble(t *testing.T) {
	RegisterTestingT(t)
	prog := writeProgram(t, returnTwo)

	out, summary, err := runCmd(t, "compile", "--action", "direct", prog)
	Expect(err).NotTo(HaveOccurred())
	Expect(summary).To(ContainSubstring("2 eBPF instructions"))
	lines := strings.Split(strings.TrimSpace(out), "\n")
	Expect(lines).NotTo(BeEmpty())
	for _, l := range lines {
		Expect(l).To(HavePrefix("0x"))
		Expect(l).To(HaveLen(18))
	}

	image := filepath.Join(t.TempDir(), "prog.hex")
	Expect(os.WriteFile(image, []byte(out), 0o644)).To(Succeed())
	text, _, err := runCmd(t, "disasm", "--start-offset", "100", image)
	Expect(err).NotTo(HaveOccurred())
	Expect(strings.Split(strings.TrimSpace(text), "\n")).To(HaveLen(len(lines)))
	Expect(text).To(HavePrefix("  100: "))
}

func TestCompileBinaryImage(t *testing.T) {
	RegisterTestingT(t)
	prog := writeProgram(t, returnTwo)
	image := filepath.Join(t.TempDir(), "prog.bin")

	_, _, err := runCmd(t, "compile", "--format", "bin", "-o", image, prog)
	Expect(err).NotTo(HaveOccurred())
	raw, err := os.ReadFile(image)
	Expect(err).NotTo(HaveOccurred())
	Expect(raw).NotTo(BeEmpty())
	Expect(len(raw) % 8).To(BeZero())

	words, err := readWords(bytes.NewReader(raw), formatBin)
	Expect(err).NotTo(HaveOccurred())
	Expect(words).To(HaveLen(len(raw) / 8))
}

func TestCompileErrors(t *testing.T) {
	RegisterTestingT(t)
	prog := writeProgram(t, returnTwo)

	_, _, err := runCmd(t, "compile", "--capacity", "1", prog)
	Expect(errors.Is(err, jit.ErrBufferCapacityExceeded)).To(BeTrue(), "unexpected error: %v", err)

	_, _, err = runCmd(t, "compile", "--action", "xdp", "--prog-type", "sched_cls", prog)
	Expect(errors.Is(err, jit.ErrActionTypeUnsupported)).To(BeTrue(), "unexpected error: %v", err)

	_, _, err = runCmd(t, "compile", "--action", "bogus", prog)
	Expect(err).To(MatchError(ContainSubstring("unknown action type")))

	_, _, err = runCmd(t, "compile")
	Expect(err).To(MatchError(ContainSubstring("need a bytecode file")))

	_, _, err = runCmd(t, "compile", "--start-offset", "65530", prog)
	Expect(err).To(MatchError(ContainSubstring("overrun the code store")))
}

func TestCompileXDP(t *testing.T) {
	RegisterTestingT(t)
	prog := writeProgram(t, func(b *asm.Block) {
		b.MovImm64(asm.R0, 3)
		b.Exit()
	})
	out, _, err := runCmd(t, "compile", "--action", "xdp", "--format", "asm", prog)
	Expect(err).NotTo(HaveOccurred())
	Expect(out).To(HavePrefix("    0: "))
}

func TestReadHexWords(t *testing.T) {
	RegisterTestingT(t)
	in := "# program\n0x0000000000000001\n\n  0x00000000000000ff # tail\n"
	words, err := readWords(strings.NewReader(in), formatHex)
	Expect(err).NotTo(HaveOccurred())
	Expect(words).To(Equal([]uint64{1, 0xff}))

	_, err = readWords(strings.NewReader("0x1\nzzz\n"), formatHex)
	Expect(err).To(MatchError(ContainSubstring("line 2")))

	_, err = readWords(strings.NewReader("abc"), formatBin)
	Expect(err).To(HaveOccurred())
}

type fakePortManager struct {
	prefix  string
	table   *ports.Table
	enabled map[int]bool
	closed  bool
}

func (f *fakePortManager) ReadPorts() (*ports.Table, error) {
	return f.table, nil
}

func (f *fakePortManager) SetEnabled(ethIndex int, enable bool) error {
	if ethIndex >= len(f.table.Ports) {
		return errors.Errorf("no port %d", ethIndex)
	}
	f.enabled[ethIndex] = enable
	return nil
}

func (f *fakePortManager) Close() {
	f.closed = true
}

func installFakePorts(t *testing.T) *fakePortManager {
	mac, _ := net.ParseMAC("00:15:4d:00:00:01")
	fake := &fakePortManager{
		table: &ports.Table{Ports: []ports.Port{
			{EthIndex: 0, Index: 7, Lanes: 4, Speed: 40000, MAC: mac, Label: "0.0", Enabled: true},
			{EthIndex: 1, Index: 8, Base: 4, Lanes: 1, MAC: mac, Label: "0.4"},
		}},
		enabled: map[int]bool{},
	}
	orig := newPortManager
	newPortManager = func(prefix string) (portManager, error) {
		fake.prefix = prefix
		return fake, nil
	}
	t.Cleanup(func() { newPortManager = orig })
	return fake
}

func TestPortsList(t *testing.T) {
	RegisterTestingT(t)
	fake := installFakePorts(t)
	t.Setenv("NFP_PORT_PREFIX", "enp")

	out, _, err := runCmd(t, "ports", "list")
	Expect(err).NotTo(HaveOccurred())
	Expect(fake.prefix).To(Equal("enp"))
	Expect(fake.closed).To(BeTrue())
	Expect(out).To(ContainSubstring("40000M"))
	Expect(out).To(ContainSubstring("unknown"))
	Expect(out).To(ContainSubstring("00:15:4d:00:00:01"))
	Expect(out).To(ContainSubstring("2 ports."))
}

func TestPortsEnableDisable(t *testing.T) {
	RegisterTestingT(t)
	fake := installFakePorts(t)

	_, _, err := runCmd(t, "ports", "enable", "--prefix", "eth", "1")
	Expect(err).NotTo(HaveOccurred())
	Expect(fake.prefix).To(Equal("eth"))
	Expect(fake.enabled).To(Equal(map[int]bool{1: true}))

	_, _, err = runCmd(t, "ports", "disable", "0")
	Expect(err).NotTo(HaveOccurred())
	Expect(fake.enabled).To(Equal(map[int]bool{0: false, 1: true}))

	_, _, err = runCmd(t, "ports", "disable", "x")
	Expect(err).To(MatchError(ContainSubstring("bad port index")))

	_, _, err = runCmd(t, "ports", "enable", "5")
	Expect(err).To(MatchError(ContainSubstring("no port 5")))
}

func TestVersion(t *testing.T) {
	RegisterTestingT(t)
	out, _, err := runCmd(t, "version")
	Expect(err).NotTo(HaveOccurred())
	Expect(out).To(ContainSubstring("Version:            dev"))
}

func TestWriteImageReportsWriteErrors(t *testing.T) {
	RegisterTestingT(t)
	path := filepath.Join(t.TempDir(), "prog.hex")
	Expect(writeImage(path, []uint64{1, 2}, formatHex, 0)).To(Succeed())
	raw, err := os.ReadFile(path)
	Expect(err).NotTo(HaveOccurred())
	Expect(strings.Split(strings.TrimSpace(string(raw)), "\n")).To(HaveLen(2))

	err = writeImage(filepath.Join(t.TempDir(), "missing", "prog.hex"), []uint64{1}, formatHex, 0)
	Expect(err).To(MatchError(ContainSubstring("failed to create output file")))

	if _, err := os.Stat("/dev/full"); err != nil {
		t.Skip("no /dev/full")
	}
	Expect(writeImage("/dev/full", []uint64{1, 2, 3}, formatBin, 0)).NotTo(Succeed())
}
