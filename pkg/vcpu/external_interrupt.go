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

// ExternalInterruptInfo describes an external interrupt exit.
type ExternalInterruptInfo struct {
	// Vector is the vector acknowledged on exit.
	Vector uint64
}

type externalInterruptRegistry struct {
	handlers chain[ExternalInterruptInfo]
	def      fallback[ExternalInterruptInfo]
}

func (r *externalInterruptRegistry) handle(v *VCPU) bool {
	ii := vmx.InterruptionInfo(v.vmcs.Read(vmx.ExitInterruptionInfo))
	info := ExternalInterruptInfo{Vector: uint64(ii.Vector())}
	return r.handlers.run(v, &info) || r.def.run(v, &info)
}

// AddExternalInterruptHandler registers h for external interrupt exits.
func (v *VCPU) AddExternalInterruptHandler(h Handler[ExternalInterruptInfo]) {
	v.externalInterrupt.handlers.add(h)
}

// AddDefaultExternalInterruptHandler sets the handler for external
// interrupt exits no other handler claims.
func (v *VCPU) AddDefaultExternalInterruptHandler(h Handler[ExternalInterruptInfo]) {
	v.externalInterrupt.def.set(h)
}

// EnableExternalInterruptExiting makes external interrupts exit. The
// interrupt is acknowledged on exit so that its vector is reported.
func (v *VCPU) EnableExternalInterruptExiting() {
	vmx.Set(v.vmcs, vmx.PinBasedControls, vmx.PinExternalInterruptExiting)
	vmx.Set(v.vmcs, vmx.ExitControls, vmx.ExitAcknowledgeInterrupt)
}

// DisableExternalInterruptExiting delivers external interrupts to the guest
// directly.
func (v *VCPU) DisableExternalInterruptExiting() {
	vmx.Clear(v.vmcs, vmx.PinBasedControls, vmx.PinExternalInterruptExiting)
	vmx.Clear(v.vmcs, vmx.ExitControls, vmx.ExitAcknowledgeInterrupt)
}
