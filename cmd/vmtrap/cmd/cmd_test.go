// Copyright 2026 The gVisor Authors.
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

package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/vmtrap/pkg/config"
	"gvisor.dev/vmtrap/pkg/ept"
	"gvisor.dev/vmtrap/pkg/mtrr"
	"gvisor.dev/vmtrap/pkg/vcpu"
	"gvisor.dev/vmtrap/pkg/vmx"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestParseAccess(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want hostarch.AccessType
		ok   bool
	}{
		{"r", hostarch.Read, true},
		{"rw", hostarch.ReadWrite, true},
		{"rwx", hostarch.AnyAccess, true},
		{"", hostarch.NoAccess, true},
		{"rwz", hostarch.NoAccess, false},
	} {
		got, err := parseAccess(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Errorf("parseAccess(%q) = (%v, %v), want (%v, ok=%t)", tc.in, got, err, tc.want, tc.ok)
		}
	}
}

func TestSizeString(t *testing.T) {
	for n, want := range map[uint64]string{
		0x1000:      "4K",
		0x200000:    "2M",
		0xc0000000:  "3G",
		1 << 40:     "1T",
		0x1800:      "6K",
		0x123:       "0x123",
		0x100000100: "0x100000100",
	} {
		if got := sizeString(n); got != want {
			t.Errorf("sizeString(%#x) = %q, want %q", n, got, want)
		}
	}
}

const mtrrsYAML = `
cap: 0x508
def_type: 0xc06
phys_bits: 36
variable:
  - base: 0x80000000
    mask: 0xf80000800
`

func TestLoadTable(t *testing.T) {
	tbl, err := loadTable(writeFile(t, "mtrrs.yaml", mtrrsYAML), 0)
	if err != nil {
		t.Fatalf("loadTable failed: %v", err)
	}
	var buf bytes.Buffer
	writeRanges(&buf, tbl)
	want := "0x0000000000000000-0x000000007fffffff WB 2G\n" +
		"0x0000000080000000-0x00000000ffffffff UC 2G\n" +
		"0x0000000100000000-0x0000000fffffffff WB 60G\n"
	if got := buf.String(); got != want {
		t.Errorf("ranges:\n%s\nwant:\n%s", got, want)
	}

	tbl, err = loadTable("", 32)
	if err != nil {
		t.Fatalf("loadTable failed: %v", err)
	}
	if got := tbl.Ranges(); len(got) != 1 || got[0] != (mtrr.Range{Type: mtrr.WriteBack, Base: 0, Size: 1 << 32}) {
		t.Errorf("default ranges = %v, want a single WB range", got)
	}
}

func TestIdentity(t *testing.T) {
	tbl, err := mtrr.NewTable(mtrr.WriteBack, 1<<32, mtrr.Range{Type: mtrr.Uncacheable, Base: 0xa0000, Size: 0x20000})
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	a := ept.NewRuntimeAllocator()
	var out, progress bytes.Buffer
	if err := identity(&out, &progress, a, tbl, 0, 0x400000, hostarch.ReadWrite); err != nil {
		t.Fatalf("identity failed: %v", err)
	}
	for _, want := range []string{
		"2M leaves: 1\n",
		"4K leaves: 512\n",
		"UC: 128K\n",
		"WB: 3968K\n",
		"table pages: 4\n",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
	if progress.Len() == 0 {
		t.Errorf("no progress drawn")
	}
	if n := a.InUse(); n != 0 {
		t.Errorf("%d table pages leaked", n)
	}
}

func TestIdentityOutOfRange(t *testing.T) {
	tbl, err := mtrr.NewTable(mtrr.WriteBack, 0x200000)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	err = identity(&bytes.Buffer{}, nil, ept.NewRuntimeAllocator(), tbl, 0, 0x400000, hostarch.ReadWrite)
	if !errors.Is(err, ept.ErrOutOfRange) {
		t.Errorf("identity: got %v, want %v", err, ept.ErrOutOfRange)
	}
}

const replayScript = `
host:
  cpuid:
    - {leaf: 0, eax: 0xd, ebx: 0x756e6547}
  port:
    - {port: 0x61, value: 0x20}
exit:
  - {reason: cpuid, rip: 0x7c00}
  - {reason: "I/O instruction", qualification: 0x610000, rax: 0x5}
  - {reason: wrmsr, rcx: 0x48, rax: 0x1}
`

const replayPolicy = `
[[io]]
port = 0x61
action = "trap"

[[msr]]
msr = 0x48
action = "trap"
`

func TestReplay(t *testing.T) {
	s, err := config.LoadScript(writeFile(t, "script.yaml", replayScript))
	if err != nil {
		t.Fatalf("LoadScript failed: %v", err)
	}
	p, err := config.LoadPolicy(writeFile(t, "policy.toml", replayPolicy))
	if err != nil {
		t.Fatalf("LoadPolicy failed: %v", err)
	}
	var out bytes.Buffer
	if err := replay(&out, 0, s, p); err != nil {
		t.Fatalf("replay failed: %v\n%s", err, out.String())
	}
	for _, want := range []string{
		"rip 0x7c00 -> 0x7c02 rax 0xd rbx 0x756e6547",
		"host port 0x61/1 <- 0x5\n",
		"host msr 0x48 <- 0x1\n",
		"CPUID exits: 1\n",
		"I/O instruction exits: 1\n",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestReplayUnhandled(t *testing.T) {
	s, err := config.LoadScript(writeFile(t, "script.toml", "[[exit]]\nreason = \"HLT\"\n"))
	if err != nil {
		t.Fatalf("LoadScript failed: %v", err)
	}
	var out bytes.Buffer
	err = replay(&out, 0, s, nil)
	var uerr *vcpu.UnhandledExitError
	if !errors.As(err, &uerr) || uerr.Reason != vmx.ExitHLT {
		t.Errorf("replay: got %v, want an unhandled HLT exit", err)
	}
}
