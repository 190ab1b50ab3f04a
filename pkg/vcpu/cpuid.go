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

package vcpu

// CPUIDInfo describes a CPUID exit. Unless the leaf is emulated, the
// registers hold the hardware results when handlers run.
type CPUIDInfo struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64

	// IgnoreWrite suppresses writing the registers back to the guest.
	IgnoreWrite bool

	// IgnoreAdvance suppresses advancing the guest instruction pointer.
	IgnoreAdvance bool
}

type cpuidRegistry struct {
	handlers keyedChains[CPUIDInfo]
	def      fallback[CPUIDInfo]
	emulate  map[uint64]bool
}

func (r *cpuidRegistry) handle(v *VCPU) bool {
	leaf := v.Regs.RAX & 0xffffffff
	subleaf := v.Regs.RCX & 0xffffffff

	var info CPUIDInfo
	emulated := r.emulate[leaf]
	if !emulated {
		eax, ebx, ecx, edx := v.host.CPUID(uint32(leaf), uint32(subleaf))
		info = CPUIDInfo{RAX: uint64(eax), RBX: uint64(ebx), RCX: uint64(ecx), RDX: uint64(edx)}
	}

	if !r.handlers.run(leaf, v, &info) && !r.def.run(v, &info) && emulated {
		return false
	}

	if !info.IgnoreWrite {
		v.Regs.RAX = info.RAX & 0xffffffff
		v.Regs.RBX = info.RBX & 0xffffffff
		v.Regs.RCX = info.RCX & 0xffffffff
		v.Regs.RDX = info.RDX & 0xffffffff
	}
	if !info.IgnoreAdvance {
		v.Advance()
	}
	return true
}

// AddCPUIDHandler registers h for CPUID exits on leaf.
func (v *VCPU) AddCPUIDHandler(leaf uint64, h Handler[CPUIDInfo]) {
	v.cpuid.handlers.add(leaf&0xffffffff, h)
}

// AddDefaultCPUIDHandler sets the handler for CPUID exits no leaf handler
// claims.
func (v *VCPU) AddDefaultCPUIDHandler(h Handler[CPUIDInfo]) {
	v.cpuid.def.set(h)
}

// EmulateCPUID stops CPUID exits on leaf from ever executing CPUID on the
// host.
func (v *VCPU) EmulateCPUID(leaf uint64) {
	if v.cpuid.emulate == nil {
		v.cpuid.emulate = make(map[uint64]bool)
	}
	v.cpuid.emulate[leaf&0xffffffff] = true
}
