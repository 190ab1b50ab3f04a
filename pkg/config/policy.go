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
	"fmt"

	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/vmtrap/pkg/vcpu"
)

// Action is the policy for a port or an MSR.
type Action string

// Actions.
const (
	// Trap makes accesses exit and passes them through to the host.
	Trap Action = "trap"

	// PassThrough lets the guest access the hardware directly.
	PassThrough Action = "passthrough"

	// Emulate makes accesses exit and answers them without the host.
	Emulate Action = "emulate"
)

func (a Action) valid() bool {
	switch a {
	case Trap, PassThrough, Emulate:
		return true
	default:
		return false
	}
}

// Registers are CPUID result registers.
type Registers struct {
	EAX uint32 `toml:"eax" yaml:"eax"`
	EBX uint32 `toml:"ebx" yaml:"ebx"`
	ECX uint32 `toml:"ecx" yaml:"ecx"`
	EDX uint32 `toml:"edx" yaml:"edx"`
}

// CPUIDRule adjusts the results of one CPUID leaf.
type CPUIDRule struct {
	Leaf uint32 `toml:"leaf" yaml:"leaf"`

	// Subleaf limits the rule to executions with this value in ECX. A rule
	// without one applies to every subleaf of Leaf, and a leaf has either a
	// single such rule or only rules with a subleaf.
	Subleaf *uint32 `toml:"subleaf" yaml:"subleaf"`

	// Emulate returns Value without executing CPUID on the host. With a
	// subleaf the host still executes the leaf, so other subleaves keep
	// their host results, and the result is replaced when the subleaf
	// matches.
	Emulate bool      `toml:"emulate" yaml:"emulate"`
	Value   Registers `toml:"value" yaml:"value"`

	// Clear and Set adjust the host results of a leaf that is not
	// emulated: bits in Clear are cleared, then bits in Set are set.
	Clear Registers `toml:"clear" yaml:"clear"`
	Set   Registers `toml:"set" yaml:"set"`
}

// PortRule sets the policy for one port.
type PortRule struct {
	Port   uint16 `toml:"port" yaml:"port"`
	Action Action `toml:"action" yaml:"action"`

	// Value is returned by IN from an emulated port. Writes to an emulated
	// port are discarded.
	Value uint32 `toml:"value" yaml:"value"`
}

// MSRRule sets the policy for one MSR, for both reads and writes.
type MSRRule struct {
	MSR    uint32 `toml:"msr" yaml:"msr"`
	Action Action `toml:"action" yaml:"action"`

	// Value is the initial value of an emulated MSR. Writes update it.
	Value uint64 `toml:"value" yaml:"value"`
}

// Exits toggles exits not selected by a port or an MSR.
type Exits struct {
	ExternalInterrupts bool   `toml:"external_interrupts" yaml:"external_interrupts"`
	NMIs               bool   `toml:"nmis" yaml:"nmis"`
	MonitorTrap        bool   `toml:"monitor_trap" yaml:"monitor_trap"`
	PreemptionTimer    uint64 `toml:"preemption_timer" yaml:"preemption_timer"`
	CR0Mask            uint64 `toml:"cr0_mask" yaml:"cr0_mask"`
	CR4Mask            uint64 `toml:"cr4_mask" yaml:"cr4_mask"`
	CR3Load            bool   `toml:"cr3_load" yaml:"cr3_load"`
	CR3Store           bool   `toml:"cr3_store" yaml:"cr3_store"`
	CR8Load            bool   `toml:"cr8_load" yaml:"cr8_load"`
	CR8Store           bool   `toml:"cr8_store" yaml:"cr8_store"`
}

// Policy describes how a vCPU treats guest accesses to CPUID, ports and
// MSRs.
type Policy struct {
	// TrapAllIO and TrapAllMSRs trap every port and MSR before the rules
	// are applied.
	TrapAllIO   bool `toml:"trap_all_io" yaml:"trap_all_io"`
	TrapAllMSRs bool `toml:"trap_all_msrs" yaml:"trap_all_msrs"`

	CPUID []CPUIDRule `toml:"cpuid" yaml:"cpuid"`
	IO    []PortRule  `toml:"io" yaml:"io"`
	MSR   []MSRRule   `toml:"msr" yaml:"msr"`
	Exits Exits       `toml:"exits" yaml:"exits"`
}

// LoadPolicy loads and validates the policy at path.
func LoadPolicy(path string) (*Policy, error) {
	var p Policy
	if err := DecodeFile(path, &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &p, nil
}

// Validate checks that the rules are consistent.
func (p *Policy) Validate() error {
	type cpuidKey struct {
		leaf    uint32
		subleaf uint32
		all     bool
	}
	rules := make(map[cpuidKey]bool)
	wide := make(map[uint32]bool)
	narrow := make(map[uint32]bool)
	for _, r := range p.CPUID {
		k := cpuidKey{leaf: r.Leaf, all: r.Subleaf == nil}
		if r.Subleaf != nil {
			k.subleaf = *r.Subleaf
		}
		if rules[k] {
			if k.all {
				return fmt.Errorf("CPUID leaf %#x: duplicate rule", r.Leaf)
			}
			return fmt.Errorf("CPUID leaf %#x subleaf %#x: duplicate rule", r.Leaf, k.subleaf)
		}
		rules[k] = true
		if k.all {
			wide[r.Leaf] = true
		} else {
			narrow[r.Leaf] = true
		}
		if wide[r.Leaf] && narrow[r.Leaf] {
			return fmt.Errorf("CPUID leaf %#x: rule for every subleaf overlaps a subleaf rule", r.Leaf)
		}
	}
	ports := make(map[uint16]bool)
	for _, r := range p.IO {
		if !r.Action.valid() {
			return fmt.Errorf("port %#x: invalid action %q", r.Port, r.Action)
		}
		if ports[r.Port] {
			return fmt.Errorf("port %#x: duplicate rule", r.Port)
		}
		ports[r.Port] = true
	}
	msrs := make(map[uint32]bool)
	for _, r := range p.MSR {
		if !r.Action.valid() {
			return fmt.Errorf("MSR %#x: invalid action %q", r.MSR, r.Action)
		}
		if msrs[r.MSR] {
			return fmt.Errorf("MSR %#x: duplicate rule", r.MSR)
		}
		msrs[r.MSR] = true
	}
	return nil
}

// Apply installs the policy on v.
func (p *Policy) Apply(v *vcpu.VCPU) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.TrapAllIO {
		v.TrapOnAllIOAccesses()
	}
	if p.TrapAllMSRs {
		v.TrapOnAllRDMSRAccesses()
		v.TrapOnAllWRMSRAccesses()
	}
	for _, r := range p.CPUID {
		applyCPUID(v, r)
	}
	for _, r := range p.IO {
		applyPort(v, r)
	}
	for _, r := range p.MSR {
		if err := applyMSR(v, r); err != nil {
			return err
		}
	}
	p.Exits.apply(v)
	log.Infof("vCPU %d: policy applied: %d CPUID, %d port and %d MSR rules", v.ID(), len(p.CPUID), len(p.IO), len(p.MSR))
	return nil
}

func applyCPUID(v *vcpu.VCPU, r CPUIDRule) {
	all, sub := r.Subleaf == nil, uint32(0)
	if !all {
		sub = *r.Subleaf
	}
	// Handlers run before the results are written back, so RCX still
	// holds the subleaf the guest asked for.
	matches := func(v *vcpu.VCPU) bool {
		return all || uint32(v.Regs.RCX) == sub
	}

	if r.Emulate {
		if all {
			v.EmulateCPUID(uint64(r.Leaf))
		}
		val := r.Value
		v.AddCPUIDHandler(uint64(r.Leaf), vcpu.HandlerFunc[vcpu.CPUIDInfo](func(v *vcpu.VCPU, info *vcpu.CPUIDInfo) bool {
			if !matches(v) {
				return false
			}
			info.RAX, info.RBX, info.RCX, info.RDX = uint64(val.EAX), uint64(val.EBX), uint64(val.ECX), uint64(val.EDX)
			return true
		}))
		return
	}
	clr, set := r.Clear, r.Set
	v.AddCPUIDHandler(uint64(r.Leaf), vcpu.HandlerFunc[vcpu.CPUIDInfo](func(v *vcpu.VCPU, info *vcpu.CPUIDInfo) bool {
		if !matches(v) {
			return false
		}
		info.RAX = info.RAX&^uint64(clr.EAX) | uint64(set.EAX)
		info.RBX = info.RBX&^uint64(clr.EBX) | uint64(set.EBX)
		info.RCX = info.RCX&^uint64(clr.ECX) | uint64(set.ECX)
		info.RDX = info.RDX&^uint64(clr.EDX) | uint64(set.EDX)
		return true
	}))
}

func applyPort(v *vcpu.VCPU, r PortRule) {
	port := uint64(r.Port)
	switch r.Action {
	case Trap:
		v.TrapOnIOAccess(port)
	case PassThrough:
		v.PassThroughIOAccess(port)
	case Emulate:
		v.EmulateIOAccess(port)
		val := uint64(r.Value)
		v.AddIOHandler(port, true, true, vcpu.HandlerFunc[vcpu.IOInfo](func(_ *vcpu.VCPU, info *vcpu.IOInfo) bool {
			if info.String {
				return false
			}
			if info.In {
				info.Val = val
			}
			return true
		}))
	}
}

func applyMSR(v *vcpu.VCPU, r MSRRule) error {
	switch r.Action {
	case Trap:
		v.TrapOnRDMSRAccess(r.MSR)
		v.TrapOnWRMSRAccess(r.MSR)
	case PassThrough:
		if err := v.PassThroughRDMSRAccess(r.MSR); err != nil {
			return err
		}
		if err := v.PassThroughWRMSRAccess(r.MSR); err != nil {
			return err
		}
	case Emulate:
		v.EmulateRDMSR(r.MSR)
		v.EmulateWRMSR(r.MSR)
		val := r.Value
		v.AddRDMSRHandler(r.MSR, vcpu.HandlerFunc[vcpu.RDMSRInfo](func(_ *vcpu.VCPU, info *vcpu.RDMSRInfo) bool {
			info.Val = val
			return true
		}))
		v.AddWRMSRHandler(r.MSR, vcpu.HandlerFunc[vcpu.WRMSRInfo](func(_ *vcpu.VCPU, info *vcpu.WRMSRInfo) bool {
			val = info.Val
			return true
		}))
	}
	return nil
}

func (e *Exits) apply(v *vcpu.VCPU) {
	if e.ExternalInterrupts {
		v.EnableExternalInterruptExiting()
	}
	if e.NMIs {
		v.EnableNMIExiting()
	}
	if e.MonitorTrap {
		v.EnableMonitorTrapFlag()
	}
	if e.PreemptionTimer != 0 {
		v.EnablePreemptionTimer()
		v.SetPreemptionTimer(e.PreemptionTimer)
	}
	if e.CR0Mask != 0 {
		v.EnableWRCR0Exiting(e.CR0Mask)
	}
	if e.CR4Mask != 0 {
		v.EnableWRCR4Exiting(e.CR4Mask)
	}
	if e.CR3Load {
		v.EnableWRCR3Exiting()
	}
	if e.CR3Store {
		v.EnableRDCR3Exiting()
	}
	if e.CR8Load {
		v.EnableWRCR8Exiting()
	}
	if e.CR8Store {
		v.EnableRDCR8Exiting()
	}
}
