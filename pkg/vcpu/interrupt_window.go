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

// InterruptWindowInfo describes an interrupt window exit.
type InterruptWindowInfo struct {
	// Pending is the number of queued vectors.
	Pending int
}

// interruptWindowRegistry holds the external interrupts waiting for the
// guest to accept them, oldest first.
type interruptWindowRegistry struct {
	handlers chain[InterruptWindowInfo]
	queue    []uint8
}

// handle runs the handlers, then injects the oldest queued vector. The
// window closes again after an injection, so one vector is delivered per
// exit.
func (r *interruptWindowRegistry) handle(v *VCPU) bool {
	info := InterruptWindowInfo{Pending: len(r.queue)}
	r.handlers.run(v, &info)
	if len(r.queue) != 0 {
		vector := r.queue[0]
		r.queue = r.queue[1:]
		v.InjectExternalInterrupt(vector)
	}
	if len(r.queue) == 0 {
		r.queue = nil
		vmx.Clear(v.vmcs, vmx.ProcBasedControls, vmx.ProcInterruptWindowExiting)
	}
	return true
}

// entryPending returns true iff an event is already set up for injection on
// the next entry.
func (v *VCPU) entryPending() bool {
	return vmx.InterruptionInfo(v.vmcs.Read(vmx.EntryInterruptionInfo)).Valid()
}

// interruptWindowOpen returns true iff an external interrupt can be injected
// on the next entry.
func (v *VCPU) interruptWindowOpen() bool {
	if v.vmcs.Read(vmx.GuestRFLAGS)&vmx.RFLAGSInterruptEnable == 0 {
		return false
	}
	if v.vmcs.Read(vmx.GuestInterruptibility)&(vmx.BlockingBySTI|vmx.BlockingByMovSS) != 0 {
		return false
	}
	return !v.entryPending()
}

// QueueExternalInterrupt delivers vector to the guest as soon as it accepts
// interrupts. If the guest accepts them now and nothing is queued, vector is
// injected on the next entry; otherwise it is queued and interrupt window
// exiting is enabled.
func (v *VCPU) QueueExternalInterrupt(vector uint8) {
	if len(v.interruptWindow.queue) == 0 && v.interruptWindowOpen() {
		v.InjectExternalInterrupt(vector)
		return
	}
	v.interruptWindow.queue = append(v.interruptWindow.queue, vector)
	vmx.Set(v.vmcs, vmx.ProcBasedControls, vmx.ProcInterruptWindowExiting)
}

// InterruptQueueLen returns the number of queued external interrupts.
func (v *VCPU) InterruptQueueLen() int {
	return len(v.interruptWindow.queue)
}

// InjectExternalInterrupt injects vector on the next entry, replacing any
// event already set up for injection.
func (v *VCPU) InjectExternalInterrupt(vector uint8) {
	v.vmcs.Write(vmx.EntryInterruptionInfo, uint64(vmx.MakeInterruptionInfo(vector, vmx.ExternalInterrupt, false)))
}

// InjectException injects the hardware exception vector on the next entry,
// replacing any event already set up for injection. ec is pushed only for
// exceptions that take an error code.
func (v *VCPU) InjectException(vector uint8, ec uint32) {
	hasEC := vmx.ExceptionHasErrorCode(vector)
	if hasEC {
		v.vmcs.Write(vmx.EntryExceptionErrorCode, uint64(ec))
	}
	v.vmcs.Write(vmx.EntryInterruptionInfo, uint64(vmx.MakeInterruptionInfo(vector, vmx.HardwareException, hasEC)))
}

// AddInterruptWindowHandler registers h for interrupt window exits. Queued
// vectors are injected after the handlers run.
func (v *VCPU) AddInterruptWindowHandler(h Handler[InterruptWindowInfo]) {
	v.interruptWindow.handlers.add(h)
}
