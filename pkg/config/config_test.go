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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmtrap/pkg/host"
	"gvisor.dev/vmtrap/pkg/vcpu"
	"gvisor.dev/vmtrap/pkg/vmx"
)

const policyTOML = `
trap_all_io = true

[[cpuid]]
leaf = 1
clear = { ecx = 0x0f }
set = { ecx = 0x100 }

[[cpuid]]
leaf = 0x40000000
emulate = true
value = { eax = 0x40000001, ebx = 0x4b4d564b }

[[io]]
port = 0x3f8
action = "emulate"
value = 0x41

[[io]]
port = 0x80
action = "passthrough"

[[msr]]
msr = 0x48
action = "emulate"
value = 7

[exits]
nmis = true
preemption_timer = 1000
cr4_mask = 0x2000
`

const policyYAML = `
trap_all_io: true
cpuid:
  - leaf: 1
    clear: {ecx: 0x0f}
    set: {ecx: 0x100}
  - leaf: 0x40000000
    emulate: true
    value: {eax: 0x40000001, ebx: 0x4b4d564b}
io:
  - port: 0x3f8
    action: emulate
    value: 0x41
  - port: 0x80
    action: passthrough
msr:
  - msr: 0x48
    action: emulate
    value: 7
exits:
  nmis: true
  preemption_timer: 1000
  cr4_mask: 0x2000
`

var wantPolicy = Policy{
	TrapAllIO: true,
	CPUID: []CPUIDRule{
		{Leaf: 1, Clear: Registers{ECX: 0x0f}, Set: Registers{ECX: 0x100}},
		{Leaf: 0x40000000, Emulate: true, Value: Registers{EAX: 0x40000001, EBX: 0x4b4d564b}},
	},
	IO: []PortRule{
		{Port: 0x3f8, Action: Emulate, Value: 0x41},
		{Port: 0x80, Action: PassThrough},
	},
	MSR: []MSRRule{
		{MSR: 0x48, Action: Emulate, Value: 7},
	},
	Exits: Exits{NMIs: true, PreemptionTimer: 1000, CR4Mask: 0x2000},
}

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestFormatOf(t *testing.T) {
	for _, tc := range []struct {
		path string
		want Format
		ok   bool
	}{
		{"policy.toml", TOML, true},
		{"policy.yaml", YAML, true},
		{"/etc/vmtrap/policy.yml", YAML, true},
		{"policy.json", 0, false},
		{"policy", 0, false},
	} {
		got, err := FormatOf(tc.path)
		if (err == nil) != tc.ok || got != tc.want {
			t.Errorf("FormatOf(%q) = (%v, %v), want (%v, ok=%t)", tc.path, got, err, tc.want, tc.ok)
		}
	}
}

func TestLoadPolicy(t *testing.T) {
	for _, tc := range []struct {
		name string
		data string
	}{
		{"policy.toml", policyTOML},
		{"policy.yaml", policyYAML},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p, err := LoadPolicy(writeFile(t, tc.name, tc.data))
			if err != nil {
				t.Fatalf("LoadPolicy failed: %v", err)
			}
			if diff := cmp.Diff(wantPolicy, *p); diff != "" {
				t.Errorf("policy mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUnknownKeys(t *testing.T) {
	for _, tc := range []struct {
		name string
		data string
	}{
		{"policy.toml", "trap_all_ports = true\n"},
		{"policy.yaml", "trap_all_ports: true\n"},
		{"nested.toml", "[exits]\nsmis = true\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadPolicy(writeFile(t, tc.name, tc.data)); err == nil {
				t.Errorf("LoadPolicy succeeded with an unknown key")
			}
		})
	}
}

func TestEmptyYAML(t *testing.T) {
	p, err := LoadPolicy(writeFile(t, "empty.yaml", ""))
	if err != nil {
		t.Fatalf("LoadPolicy failed: %v", err)
	}
	if diff := cmp.Diff(Policy{}, *p); diff != "" {
		t.Errorf("policy mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		p    Policy
		want string
	}{
		{"duplicate leaf", Policy{CPUID: []CPUIDRule{{Leaf: 1}, {Leaf: 1}}}, "duplicate"},
		{"duplicate subleaf", Policy{CPUID: []CPUIDRule{{Leaf: 7, Subleaf: subleaf(1)}, {Leaf: 7, Subleaf: subleaf(1)}}}, "subleaf 0x1: duplicate"},
		{"leaf and subleaf", Policy{CPUID: []CPUIDRule{{Leaf: 7, Subleaf: subleaf(1)}, {Leaf: 7}}}, "overlaps"},
		{"duplicate port", Policy{IO: []PortRule{{Port: 1, Action: Trap}, {Port: 1, Action: Emulate}}}, "duplicate"},
		{"bad port action", Policy{IO: []PortRule{{Port: 1, Action: "drop"}}}, "invalid action"},
		{"missing MSR action", Policy{MSR: []MSRRule{{MSR: 0x10}}}, "invalid action"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate() = %v, want an error containing %q", err, tc.want)
			}
		})
	}
}

func newVCPU(t *testing.T, c host.StaticConfig) (*vcpu.VCPU, *vmx.MemoryVMCS, *host.Static) {
	t.Helper()
	vmcs := vmx.NewMemoryVMCS()
	h := host.NewStatic(c)
	v, err := vcpu.New(0, vmcs, h)
	if err != nil {
		t.Fatalf("vcpu.New failed: %v", err)
	}
	return v, vmcs, h
}

func run(t *testing.T, v *vcpu.VCPU, e Exit) {
	t.Helper()
	r, err := vmx.ParseExitReason(e.Reason)
	if err != nil {
		t.Fatalf("ParseExitReason failed: %v", err)
	}
	e.reason = r
	e.Load(v)
	if err := v.HandleExit(); err != nil {
		t.Fatalf("HandleExit(%v) failed: %v", r, err)
	}
}

func TestApply(t *testing.T) {
	v, vmcs, h := newVCPU(t, host.StaticConfig{
		CPUID: []host.CPUIDLeaf{{Leaf: 1, EAX: 0x806c1, ECX: 0xff}},
	})
	p := wantPolicy
	if err := p.Apply(v); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if !v.IOTrapped(0x60) || !v.IOTrapped(0x3f8) || v.IOTrapped(0x80) {
		t.Errorf("IOTrapped(0x60, 0x3f8, 0x80) = (%t, %t, %t), want (true, true, false)", v.IOTrapped(0x60), v.IOTrapped(0x3f8), v.IOTrapped(0x80))
	}
	if !vmx.IsSet(vmcs, vmx.PinBasedControls, vmx.PinNMIExiting|vmx.PinPreemptionTimer) {
		t.Errorf("NMI exiting and the preemption timer are not enabled")
	}
	if got := v.PreemptionTimer(); got != 1000 {
		t.Errorf("PreemptionTimer = %d, want 1000", got)
	}
	if got := vmcs.Read(vmx.CR4GuestHostMask); got != 0x2000 {
		t.Errorf("CR4 guest/host mask = %#x, want 0x2000", got)
	}

	run(t, v, Exit{Reason: "cpuid", RAX: 1})
	if v.Regs.RAX != 0x806c1 || v.Regs.RCX != 0x1f0 {
		t.Errorf("CPUID(1) = (eax %#x, ecx %#x), want (0x806c1, 0x1f0)", v.Regs.RAX, v.Regs.RCX)
	}
	run(t, v, Exit{Reason: "cpuid", RAX: 0x40000000})
	if v.Regs.RAX != 0x40000001 || v.Regs.RBX != 0x4b4d564b {
		t.Errorf("CPUID(0x40000000) = (eax %#x, ebx %#x), want (0x40000001, 0x4b4d564b)", v.Regs.RAX, v.Regs.RBX)
	}

	run(t, v, Exit{Reason: "I/O instruction", Qualification: uint64(vmx.MakeIOQualification(0x3f8, 1, true, false, false)), RAX: 0xff00})
	if v.Regs.RAX != 0xff41 {
		t.Errorf("IN from an emulated port: RAX = %#x, want 0xff41", v.Regs.RAX)
	}
	run(t, v, Exit{Reason: "I/O instruction", Qualification: uint64(vmx.MakeIOQualification(0x3f8, 1, false, false, false)), RAX: 0x42})

	run(t, v, Exit{Reason: "rdmsr", RCX: 0x48})
	if v.Regs.RAX != 7 || v.Regs.RDX != 0 {
		t.Errorf("RDMSR(0x48) = %#x:%#x, want 0:0x7", v.Regs.RDX, v.Regs.RAX)
	}
	run(t, v, Exit{Reason: "wrmsr", RCX: 0x48, RAX: 3, RDX: 1})
	run(t, v, Exit{Reason: "rdmsr", RCX: 0x48})
	if v.Regs.RAX != 3 || v.Regs.RDX != 1 {
		t.Errorf("RDMSR(0x48) after WRMSR = %#x:%#x, want 0x1:0x3", v.Regs.RDX, v.Regs.RAX)
	}

	if w := h.Writes(); len(w) != 0 {
		t.Errorf("emulated accesses reached the host: %v", w)
	}
}

func subleaf(v uint32) *uint32 {
	return &v
}

const subleafTOML = `
[[cpuid]]
leaf = 7
subleaf = 0
clear = { ebx = 0x20 }

[[cpuid]]
leaf = 7
subleaf = 1
emulate = true
value = { eax = 0x10 }
`

const subleafYAML = `
cpuid:
  - leaf: 7
    subleaf: 0
    clear: {ebx: 0x20}
  - leaf: 7
    subleaf: 1
    emulate: true
    value: {eax: 0x10}
`

func TestApplySubleaf(t *testing.T) {
	want := Policy{CPUID: []CPUIDRule{
		{Leaf: 7, Subleaf: subleaf(0), Clear: Registers{EBX: 0x20}},
		{Leaf: 7, Subleaf: subleaf(1), Emulate: true, Value: Registers{EAX: 0x10}},
	}}
	for _, tc := range []struct {
		name string
		data string
	}{
		{"subleaf.toml", subleafTOML},
		{"subleaf.yaml", subleafYAML},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p, err := LoadPolicy(writeFile(t, tc.name, tc.data))
			if err != nil {
				t.Fatalf("LoadPolicy failed: %v", err)
			}
			if diff := cmp.Diff(want, *p); diff != "" {
				t.Errorf("policy mismatch (-want +got):\n%s", diff)
			}

			v, _, _ := newVCPU(t, host.StaticConfig{
				CPUID: []host.CPUIDLeaf{
					{Leaf: 7, Subleaf: 0, EAX: 2, EBX: 0x2fff},
					{Leaf: 7, Subleaf: 1, EAX: 0x33, EBX: 0x44},
					{Leaf: 7, Subleaf: 2, EDX: 0x55},
				},
			})
			if err := p.Apply(v); err != nil {
				t.Fatalf("Apply failed: %v", err)
			}

			run(t, v, Exit{Reason: "cpuid", RAX: 7, RCX: 0})
			if v.Regs.RAX != 2 || v.Regs.RBX != 0x2fdf {
				t.Errorf("CPUID(7, 0) = (eax %#x, ebx %#x), want (0x2, 0x2fdf)", v.Regs.RAX, v.Regs.RBX)
			}
			run(t, v, Exit{Reason: "cpuid", RAX: 7, RCX: 1})
			if v.Regs.RAX != 0x10 || v.Regs.RBX != 0 {
				t.Errorf("CPUID(7, 1) = (eax %#x, ebx %#x), want (0x10, 0)", v.Regs.RAX, v.Regs.RBX)
			}
			// No rule covers subleaf 2; the host result is returned.
			run(t, v, Exit{Reason: "cpuid", RAX: 7, RCX: 2})
			if v.Regs.RAX != 0 || v.Regs.RDX != 0x55 {
				t.Errorf("CPUID(7, 2) = (eax %#x, edx %#x), want (0, 0x55)", v.Regs.RAX, v.Regs.RDX)
			}
		})
	}
}

func TestApplyPassThroughOutOfRange(t *testing.T) {
	v, _, _ := newVCPU(t, host.StaticConfig{})
	p := Policy{MSR: []MSRRule{{MSR: 0x4000_0000, Action: PassThrough}}}
	if err := p.Apply(v); err == nil {
		t.Errorf("Apply succeeded passing through an MSR outside the bitmap")
	}
}

const scriptTOML = `
[host]
[[host.cpuid]]
leaf = 0
eax = 0xd
ebx = 0x756e6547

[[host.port]]
port = 0x61
value = 0x20

[[exit]]
reason = "CPUID"
rip = 0x7c00

[[exit]]
reason = "30"
qualification = 0x610008
`

func TestLoadScript(t *testing.T) {
	s, err := LoadScript(writeFile(t, "script.toml", scriptTOML))
	if err != nil {
		t.Fatalf("LoadScript failed: %v", err)
	}
	if len(s.Exits) != 2 {
		t.Fatalf("got %d exits, want 2", len(s.Exits))
	}
	if r := s.Exits[0].BasicReason(); r != vmx.ExitCPUID {
		t.Errorf("exit 0 reason = %v, want %v", r, vmx.ExitCPUID)
	}
	if r := s.Exits[1].BasicReason(); r != vmx.ExitIO {
		t.Errorf("exit 1 reason = %v, want %v", r, vmx.ExitIO)
	}

	v, vmcs, _ := newVCPU(t, s.Host)
	v.TrapOnIOAccess(0x61)
	for i := range s.Exits {
		s.Exits[i].Load(v)
		if err := v.HandleExit(); err != nil {
			t.Fatalf("exit %d failed: %v", i, err)
		}
		if i == 0 && v.Regs.RBX != 0x756e6547 {
			t.Errorf("CPUID(0): ebx = %#x, want 0x756e6547", v.Regs.RBX)
		}
	}
	if v.Regs.RAX&0xff != 0x20 {
		t.Errorf("IN from port 0x61: al = %#x, want 0x20", v.Regs.RAX&0xff)
	}
	if got := vmcs.Read(vmx.GuestRIP); got != 0x7c04 {
		t.Errorf("RIP = %#x, want 0x7c04", got)
	}
}

func TestLoadScriptBadReason(t *testing.T) {
	if _, err := LoadScript(writeFile(t, "script.yaml", "exit:\n  - reason: hypercall\n")); err == nil {
		t.Errorf("LoadScript succeeded with an unknown exit reason")
	}
}
