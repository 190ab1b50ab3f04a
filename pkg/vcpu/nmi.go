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

// NMIInfo describes an NMI exit.
type NMIInfo struct {
	// IgnoreReflect suppresses delivering the NMI to the guest when no
	// handler claims it.
	IgnoreReflect bool
}

// nmiRegistry handles exception or NMI exits of NMI type. Exceptions are
// left to handlers registered with AddExitHandler.
type nmiRegistry struct {
	handlers chain[NMIInfo]
	def      fallback[NMIInfo]
}

func (r *nmiRegistry) handle(v *VCPU) bool {
	ii := vmx.InterruptionInfo(v.vmcs.Read(vmx.ExitInterruptionInfo))
	if !ii.Valid() || ii.Type() != vmx.NMI {
		return false
	}
	var info NMIInfo
	if r.handlers.run(v, &info) || r.def.run(v, &info) {
		return true
	}
	if !info.IgnoreReflect {
		v.QueueNMI()
	}
	return true
}

// NMIWindowInfo describes an NMI window exit.
type NMIWindowInfo struct {
	// Pending is the number of queued NMIs.
	Pending int
}

type nmiWindowRegistry struct {
	handlers chain[NMIWindowInfo]
	pending  int
}

func (r *nmiWindowRegistry) handle(v *VCPU) bool {
	info := NMIWindowInfo{Pending: r.pending}
	r.handlers.run(v, &info)
	if r.pending != 0 {
		r.pending--
		v.InjectNMI()
	}
	if r.pending == 0 {
		vmx.Clear(v.vmcs, vmx.ProcBasedControls, vmx.ProcNMIWindowExiting)
	}
	return true
}

func (v *VCPU) nmiWindowOpen() bool {
	if v.vmcs.Read(vmx.GuestInterruptibility)&(vmx.BlockingBySTI|vmx.BlockingByMovSS|vmx.BlockingByNMI) != 0 {
		return false
	}
	return !v.entryPending()
}

// QueueNMI delivers an NMI to the guest as soon as it accepts one. If the
// guest accepts it now and no NMI is queued, it is injected on the next
// entry; otherwise it is queued and NMI window exiting is enabled.
func (v *VCPU) QueueNMI() {
	if v.nmiWindow.pending == 0 && v.nmiWindowOpen() {
		v.InjectNMI()
		return
	}
	v.nmiWindow.pending++
	vmx.Set(v.vmcs, vmx.ProcBasedControls, vmx.ProcNMIWindowExiting)
}

// NMIQueueLen returns the number of queued NMIs.
func (v *VCPU) NMIQueueLen() int {
	return v.nmiWindow.pending
}

// InjectNMI injects an NMI on the next entry, replacing any event already
// set up for injection.
func (v *VCPU) InjectNMI() {
	v.vmcs.Write(vmx.EntryInterruptionInfo, uint64(vmx.MakeInterruptionInfo(vmx.NMIVector, vmx.NMI, false)))
}

// AddNMIHandler registers h for NMI exits. An NMI no handler claims is
// reflected into the guest.
func (v *VCPU) AddNMIHandler(h Handler[NMIInfo]) {
	v.nmi.handlers.add(h)
}

// AddDefaultNMIHandler sets the handler for NMI exits no other handler
// claims.
func (v *VCPU) AddDefaultNMIHandler(h Handler[NMIInfo]) {
	v.nmi.def.set(h)
}

// AddNMIWindowHandler registers h for NMI window exits.
func (v *VCPU) AddNMIWindowHandler(h Handler[NMIWindowInfo]) {
	v.nmiWindow.handlers.add(h)
}

// EnableNMIExiting makes NMIs exit. Virtual NMIs are enabled as NMI window
// exiting requires them.
func (v *VCPU) EnableNMIExiting() {
	vmx.Set(v.vmcs, vmx.PinBasedControls, vmx.PinNMIExiting|vmx.PinVirtualNMIs)
}

// DisableNMIExiting delivers NMIs to the guest directly.
func (v *VCPU) DisableNMIExiting() {
	vmx.Clear(v.vmcs, vmx.PinBasedControls, vmx.PinNMIExiting|vmx.PinVirtualNMIs)
}
