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

import "gvisor.dev/vmtrap/pkg/vmx"

const (
	cr0TS       = 1 << 3
	lmswMask    = 0xf
	cr3NoFlush  = 1 << 63
	cr8Priority = 0xf
)

// CRInfo describes a control register access.
//
// For writes Val is the value the guest wrote and, for CR0 and CR4, Shadow
// is the value the guest will read back. For reads Val is the value returned
// to the guest.
type CRInfo struct {
	Val    uint64
	Shadow uint64

	// IgnoreWrite suppresses applying Val (and Shadow).
	IgnoreWrite bool

	// IgnoreAdvance suppresses advancing the guest instruction pointer.
	IgnoreAdvance bool
}

// crRegistry handles control register accesses. The access is always
// emulated: handlers may only adjust the values, so the exit is claimed
// whether or not a handler claims it.
type crRegistry struct {
	wrcr0 chain[CRInfo]
	rdcr3 chain[CRInfo]
	wrcr3 chain[CRInfo]
	wrcr4 chain[CRInfo]
	rdcr8 chain[CRInfo]
	wrcr8 chain[CRInfo]
}

func (r *crRegistry) handle(v *VCPU) bool {
	q := vmx.CRQualification(v.vmcs.Read(vmx.ExitQualification))
	switch q.AccessType() {
	case vmx.MovToCR:
		val := v.Regs.GPR(v.vmcs, q.GPR())
		switch q.CR() {
		case 0:
			return r.write(v, &r.wrcr0, CRInfo{Val: val, Shadow: val}, applyCR0)
		case 3:
			return r.write(v, &r.wrcr3, CRInfo{Val: val &^ cr3NoFlush}, applyCR3)
		case 4:
			return r.write(v, &r.wrcr4, CRInfo{Val: val, Shadow: val}, applyCR4)
		case 8:
			return r.write(v, &r.wrcr8, CRInfo{Val: val & cr8Priority}, applyCR8)
		}
	case vmx.MovFromCR:
		switch q.CR() {
		case 3:
			return r.read(v, &r.rdcr3, v.vmcs.Read(vmx.GuestCR3), q.GPR())
		case 8:
			return r.read(v, &r.rdcr8, v.cr8, q.GPR())
		}
	case vmx.CLTS:
		info := CRInfo{
			Val:    v.vmcs.Read(vmx.GuestCR0) &^ cr0TS,
			Shadow: v.vmcs.Read(vmx.CR0ReadShadow) &^ cr0TS,
		}
		return r.write(v, &r.wrcr0, info, applyCR0)
	case vmx.LMSW:
		// LMSW loads CR0 bits 0 to 3 but cannot clear PE.
		src := uint64(q.LMSWSource()) & lmswMask
		info := CRInfo{
			Val:    v.vmcs.Read(vmx.GuestCR0)&^(lmswMask&^1) | src,
			Shadow: v.vmcs.Read(vmx.CR0ReadShadow)&^(lmswMask&^1) | src,
		}
		return r.write(v, &r.wrcr0, info, applyCR0)
	}
	return false
}

func (r *crRegistry) write(v *VCPU, c *chain[CRInfo], info CRInfo, apply func(*VCPU, *CRInfo)) bool {
	c.run(v, &info)
	if !info.IgnoreWrite {
		apply(v, &info)
	}
	if !info.IgnoreAdvance {
		v.Advance()
	}
	return true
}

func (r *crRegistry) read(v *VCPU, c *chain[CRInfo], val uint64, gpr int) bool {
	info := CRInfo{Val: val}
	c.run(v, &info)
	if !info.IgnoreWrite {
		v.Regs.SetGPR(v.vmcs, gpr, info.Val)
	}
	if !info.IgnoreAdvance {
		v.Advance()
	}
	return true
}

func applyCR0(v *VCPU, info *CRInfo) {
	v.vmcs.Write(vmx.GuestCR0, info.Val)
	v.vmcs.Write(vmx.CR0ReadShadow, info.Shadow)
}

func applyCR3(v *VCPU, info *CRInfo) {
	v.vmcs.Write(vmx.GuestCR3, info.Val)
}

func applyCR4(v *VCPU, info *CRInfo) {
	v.vmcs.Write(vmx.GuestCR4, info.Val)
	v.vmcs.Write(vmx.CR4ReadShadow, info.Shadow)
}

func applyCR8(v *VCPU, info *CRInfo) {
	v.cr8 = info.Val & cr8Priority
}

// CR8 returns the guest task priority.
func (v *VCPU) CR8() uint64 {
	return v.cr8
}

// AddWRCR0Handler registers h for writes to CR0, including CLTS and LMSW.
func (v *VCPU) AddWRCR0Handler(h Handler[CRInfo]) {
	v.cr.wrcr0.add(h)
}

// AddRDCR3Handler registers h for reads of CR3.
func (v *VCPU) AddRDCR3Handler(h Handler[CRInfo]) {
	v.cr.rdcr3.add(h)
}

// AddWRCR3Handler registers h for writes to CR3.
func (v *VCPU) AddWRCR3Handler(h Handler[CRInfo]) {
	v.cr.wrcr3.add(h)
}

// AddWRCR4Handler registers h for writes to CR4.
func (v *VCPU) AddWRCR4Handler(h Handler[CRInfo]) {
	v.cr.wrcr4.add(h)
}

// AddRDCR8Handler registers h for reads of CR8.
func (v *VCPU) AddRDCR8Handler(h Handler[CRInfo]) {
	v.cr.rdcr8.add(h)
}

// AddWRCR8Handler registers h for writes to CR8.
func (v *VCPU) AddWRCR8Handler(h Handler[CRInfo]) {
	v.cr.wrcr8.add(h)
}

// EnableWRCR0Exiting makes guest writes to the CR0 bits in mask exit. The
// read shadow is seeded with the current guest CR0.
func (v *VCPU) EnableWRCR0Exiting(mask uint64) {
	v.vmcs.Write(vmx.CR0GuestHostMask, mask)
	v.vmcs.Write(vmx.CR0ReadShadow, v.vmcs.Read(vmx.GuestCR0))
}

// DisableWRCR0Exiting stops CR0 writes from exiting.
func (v *VCPU) DisableWRCR0Exiting() {
	v.vmcs.Write(vmx.CR0GuestHostMask, 0)
}

// EnableWRCR4Exiting makes guest writes to the CR4 bits in mask exit. The
// read shadow is seeded with the current guest CR4.
func (v *VCPU) EnableWRCR4Exiting(mask uint64) {
	v.vmcs.Write(vmx.CR4GuestHostMask, mask)
	v.vmcs.Write(vmx.CR4ReadShadow, v.vmcs.Read(vmx.GuestCR4))
}

// DisableWRCR4Exiting stops CR4 writes from exiting.
func (v *VCPU) DisableWRCR4Exiting() {
	v.vmcs.Write(vmx.CR4GuestHostMask, 0)
}

// EnableRDCR3Exiting makes reads of CR3 exit.
func (v *VCPU) EnableRDCR3Exiting() {
	vmx.Set(v.vmcs, vmx.ProcBasedControls, vmx.ProcCR3StoreExiting)
}

// DisableRDCR3Exiting stops reads of CR3 from exiting.
func (v *VCPU) DisableRDCR3Exiting() {
	vmx.Clear(v.vmcs, vmx.ProcBasedControls, vmx.ProcCR3StoreExiting)
}

// EnableWRCR3Exiting makes every write to CR3 exit.
func (v *VCPU) EnableWRCR3Exiting() {
	v.vmcs.Write(vmx.CR3TargetCount, 0)
	vmx.Set(v.vmcs, vmx.ProcBasedControls, vmx.ProcCR3LoadExiting)
}

// DisableWRCR3Exiting stops writes to CR3 from exiting.
func (v *VCPU) DisableWRCR3Exiting() {
	vmx.Clear(v.vmcs, vmx.ProcBasedControls, vmx.ProcCR3LoadExiting)
}

// EnableRDCR8Exiting makes reads of CR8 exit.
func (v *VCPU) EnableRDCR8Exiting() {
	vmx.Set(v.vmcs, vmx.ProcBasedControls, vmx.ProcCR8StoreExiting)
}

// DisableRDCR8Exiting stops reads of CR8 from exiting.
func (v *VCPU) DisableRDCR8Exiting() {
	vmx.Clear(v.vmcs, vmx.ProcBasedControls, vmx.ProcCR8StoreExiting)
}

// EnableWRCR8Exiting makes writes to CR8 exit.
func (v *VCPU) EnableWRCR8Exiting() {
	vmx.Set(v.vmcs, vmx.ProcBasedControls, vmx.ProcCR8LoadExiting)
}

// DisableWRCR8Exiting stops writes to CR8 from exiting.
func (v *VCPU) DisableWRCR8Exiting() {
	vmx.Clear(v.vmcs, vmx.ProcBasedControls, vmx.ProcCR8LoadExiting)
}
