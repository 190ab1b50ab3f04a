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

import (
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/vmtrap/pkg/vmx"
)

// MSRs held in the VMCS guest-state area. Accesses to these never reach the
// host.
var vmcsMSRs = map[uint32]vmx.Field{
	0x174:      vmx.GuestSysenterCS,
	0x175:      vmx.GuestSysenterESP,
	0x176:      vmx.GuestSysenterEIP,
	0x1d9:      vmx.GuestDebugCtl,
	0x277:      vmx.GuestPAT,
	0x38f:      vmx.GuestPerfGlobalCtrl,
	0xc0000080: vmx.GuestEFER,
	0xc0000100: vmx.GuestFSBase,
	0xc0000101: vmx.GuestGSBase,
}

// RDMSRInfo describes an RDMSR exit. Unless the MSR is emulated, Val holds
// the current value when handlers run.
type RDMSRInfo struct {
	Val uint64

	// IgnoreWrite suppresses writing Val to EDX:EAX.
	IgnoreWrite bool

	// IgnoreAdvance suppresses advancing the guest instruction pointer.
	IgnoreAdvance bool
}

// WRMSRInfo describes a WRMSR exit. Val holds EDX:EAX.
type WRMSRInfo struct {
	Val uint64

	// IgnoreWrite suppresses writing Val to the MSR.
	IgnoreWrite bool

	// IgnoreAdvance suppresses advancing the guest instruction pointer.
	IgnoreAdvance bool
}

// msrSet is a set of MSR numbers.
type msrSet map[uint32]struct{}

func (s *msrSet) add(msr uint32) {
	if *s == nil {
		*s = make(msrSet)
	}
	(*s)[msr] = struct{}{}
}

func (s msrSet) contains(msr uint32) bool {
	_, ok := s[msr]
	return ok
}

type rdmsrRegistry struct {
	handlers keyedChains[RDMSRInfo]
	def      fallback[RDMSRInfo]
	emulate  msrSet
}

func (r *rdmsrRegistry) handle(v *VCPU) bool {
	msr := uint32(v.Regs.RCX)
	var info RDMSRInfo
	emulated := r.emulate.contains(msr)
	if !emulated {
		if f, ok := vmcsMSRs[msr]; ok {
			info.Val = v.vmcs.Read(f)
		} else {
			val, err := v.host.ReadMSR(msr)
			if err != nil {
				v.fail(err)
				return false
			}
			info.Val = val
		}
	}

	if !r.handlers.run(uint64(msr), v, &info) && !r.def.run(v, &info) && emulated {
		return false
	}

	if !info.IgnoreWrite {
		v.Regs.RAX = info.Val & 0xffffffff
		v.Regs.RDX = info.Val >> 32
	}
	if !info.IgnoreAdvance {
		v.Advance()
	}
	return true
}

type wrmsrRegistry struct {
	handlers keyedChains[WRMSRInfo]
	def      fallback[WRMSRInfo]
	emulate  msrSet
}

func (r *wrmsrRegistry) handle(v *VCPU) bool {
	msr := uint32(v.Regs.RCX)
	info := WRMSRInfo{Val: v.Regs.RDX<<32 | v.Regs.RAX&0xffffffff}
	emulated := r.emulate.contains(msr)

	if !r.handlers.run(uint64(msr), v, &info) && !r.def.run(v, &info) && emulated {
		return false
	}

	if !info.IgnoreWrite && !emulated {
		if f, ok := vmcsMSRs[msr]; ok {
			v.vmcs.Write(f, info.Val)
		} else if err := v.host.WriteMSR(msr, info.Val); err != nil {
			v.fail(err)
			return false
		}
	}
	if !info.IgnoreAdvance {
		v.Advance()
	}
	return true
}

// AddRDMSRHandler registers h for reads of msr and traps them.
func (v *VCPU) AddRDMSRHandler(msr uint32, h Handler[RDMSRInfo]) {
	v.rdmsr.handlers.add(uint64(msr), h)
	v.TrapOnRDMSRAccess(msr)
}

// AddDefaultRDMSRHandler sets the handler for RDMSR exits no MSR handler
// claims.
func (v *VCPU) AddDefaultRDMSRHandler(h Handler[RDMSRInfo]) {
	v.rdmsr.def.set(h)
}

// EmulateRDMSR traps reads of msr and stops them from ever reading the MSR.
func (v *VCPU) EmulateRDMSR(msr uint32) {
	v.rdmsr.emulate.add(msr)
	v.TrapOnRDMSRAccess(msr)
}

// TrapOnRDMSRAccess makes reads of msr exit. MSRs outside the bitmap always
// exit.
func (v *VCPU) TrapOnRDMSRAccess(msr uint32) {
	if !v.msrBitmap.trap(msr, false) {
		log.Debugf("RDMSR %#x is outside the MSR bitmap and always exits", msr)
	}
}

// PassThroughRDMSRAccess lets the guest read msr directly. It returns
// ErrMSROutOfRange for MSRs outside the bitmap.
func (v *VCPU) PassThroughRDMSRAccess(msr uint32) error {
	return v.msrBitmap.passThrough(msr, false)
}

// TrapOnAllRDMSRAccesses makes every read of an MSR exit.
func (v *VCPU) TrapOnAllRDMSRAccesses() {
	v.msrBitmap.fill(false, 0xff)
}

// PassThroughAllRDMSRAccesses lets the guest read every MSR in the bitmap
// directly.
func (v *VCPU) PassThroughAllRDMSRAccesses() {
	v.msrBitmap.fill(false, 0)
}

// RDMSRTrapped returns true iff reads of msr exit.
func (v *VCPU) RDMSRTrapped(msr uint32) bool {
	return v.msrBitmap.trapped(msr, false)
}

// AddWRMSRHandler registers h for writes to msr and traps them.
func (v *VCPU) AddWRMSRHandler(msr uint32, h Handler[WRMSRInfo]) {
	v.wrmsr.handlers.add(uint64(msr), h)
	v.TrapOnWRMSRAccess(msr)
}

// AddDefaultWRMSRHandler sets the handler for WRMSR exits no MSR handler
// claims.
func (v *VCPU) AddDefaultWRMSRHandler(h Handler[WRMSRInfo]) {
	v.wrmsr.def.set(h)
}

// EmulateWRMSR traps writes to msr and stops them from ever writing the MSR.
func (v *VCPU) EmulateWRMSR(msr uint32) {
	v.wrmsr.emulate.add(msr)
	v.TrapOnWRMSRAccess(msr)
}

// TrapOnWRMSRAccess makes writes to msr exit. MSRs outside the bitmap always
// exit.
func (v *VCPU) TrapOnWRMSRAccess(msr uint32) {
	if !v.msrBitmap.trap(msr, true) {
		log.Debugf("WRMSR %#x is outside the MSR bitmap and always exits", msr)
	}
}

// PassThroughWRMSRAccess lets the guest write msr directly. It returns
// ErrMSROutOfRange for MSRs outside the bitmap.
func (v *VCPU) PassThroughWRMSRAccess(msr uint32) error {
	return v.msrBitmap.passThrough(msr, true)
}

// TrapOnAllWRMSRAccesses makes every write to an MSR exit.
func (v *VCPU) TrapOnAllWRMSRAccesses() {
	v.msrBitmap.fill(true, 0xff)
}

// PassThroughAllWRMSRAccesses lets the guest write every MSR in the bitmap
// directly.
func (v *VCPU) PassThroughAllWRMSRAccesses() {
	v.msrBitmap.fill(true, 0)
}

// WRMSRTrapped returns true iff writes to msr exit.
func (v *VCPU) WRMSRTrapped(msr uint32) bool {
	return v.msrBitmap.trapped(msr, true)
}
