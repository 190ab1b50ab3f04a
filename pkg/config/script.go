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

	"gvisor.dev/vmtrap/pkg/host"
	"gvisor.dev/vmtrap/pkg/vcpu"
	"gvisor.dev/vmtrap/pkg/vmx"
)

// Exit describes one VM exit to replay.
type Exit struct {
	// Reason is an exit reason name, such as "cpuid", or number.
	Reason        string `toml:"reason" yaml:"reason"`
	Qualification uint64 `toml:"qualification" yaml:"qualification"`

	// Length is the instruction length. Zero defaults to 2.
	Length uint64 `toml:"length" yaml:"length"`

	RAX    uint64 `toml:"rax" yaml:"rax"`
	RBX    uint64 `toml:"rbx" yaml:"rbx"`
	RCX    uint64 `toml:"rcx" yaml:"rcx"`
	RDX    uint64 `toml:"rdx" yaml:"rdx"`
	RIP    uint64 `toml:"rip" yaml:"rip"`
	RFLAGS uint64 `toml:"rflags" yaml:"rflags"`

	InterruptionInfo uint64 `toml:"interruption_info" yaml:"interruption_info"`
	GPA              uint64 `toml:"gpa" yaml:"gpa"`
	GVA              uint64 `toml:"gva" yaml:"gva"`

	reason vmx.ExitReason
}

// BasicReason returns the parsed exit reason.
func (e *Exit) BasicReason() vmx.ExitReason {
	return e.reason
}

// Load writes the exit into the registers and the VMCS of v. RIP and RFLAGS
// are only written when set.
func (e *Exit) Load(v *vcpu.VCPU) {
	vmcs := v.VMCS()
	length := e.Length
	if length == 0 {
		length = 2
	}
	v.Regs.RAX, v.Regs.RBX, v.Regs.RCX, v.Regs.RDX = e.RAX, e.RBX, e.RCX, e.RDX
	if e.RIP != 0 {
		vmcs.Write(vmx.GuestRIP, e.RIP)
	}
	if e.RFLAGS != 0 {
		vmcs.Write(vmx.GuestRFLAGS, e.RFLAGS)
	}
	vmcs.Write(vmx.ExitReasonField, uint64(e.reason))
	vmcs.Write(vmx.ExitQualification, e.Qualification)
	vmcs.Write(vmx.ExitInstructionLength, length)
	vmcs.Write(vmx.ExitInterruptionInfo, e.InterruptionInfo)
	vmcs.Write(vmx.GuestPhysicalAddress, e.GPA)
	vmcs.Write(vmx.GuestLinearAddress, e.GVA)
}

// Script is a host description and a sequence of exits to replay against it.
type Script struct {
	Host  host.StaticConfig `toml:"host" yaml:"host"`
	Exits []Exit            `toml:"exit" yaml:"exit"`
}

// Parse resolves the exit reasons.
func (s *Script) Parse() error {
	for i := range s.Exits {
		e := &s.Exits[i]
		r, err := vmx.ParseExitReason(e.Reason)
		if err != nil {
			return fmt.Errorf("exit %d: %w", i, err)
		}
		e.reason = r
	}
	return nil
}

// LoadScript loads the script at path.
func LoadScript(path string) (*Script, error) {
	var s Script
	if err := DecodeFile(path, &s); err != nil {
		return nil, err
	}
	if err := s.Parse(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &s, nil
}
