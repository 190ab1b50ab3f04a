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

// PreemptionTimerInfo describes a preemption timer exit.
type PreemptionTimerInfo struct {
	// Reload, if non-zero, rearms the timer with this value.
	Reload uint64
}

type preemptionTimerRegistry struct {
	handlers chain[PreemptionTimerInfo]
	def      fallback[PreemptionTimerInfo]
}

func (r *preemptionTimerRegistry) handle(v *VCPU) bool {
	var info PreemptionTimerInfo
	if !r.handlers.run(v, &info) && !r.def.run(v, &info) {
		return false
	}
	if info.Reload != 0 {
		v.SetPreemptionTimer(info.Reload)
	}
	return true
}

// AddPreemptionTimerHandler registers h for preemption timer exits.
func (v *VCPU) AddPreemptionTimerHandler(h Handler[PreemptionTimerInfo]) {
	v.preemptionTimer.handlers.add(h)
}

// AddDefaultPreemptionTimerHandler sets the handler for preemption timer
// exits no other handler claims.
func (v *VCPU) AddDefaultPreemptionTimerHandler(h Handler[PreemptionTimerInfo]) {
	v.preemptionTimer.def.set(h)
}

// EnablePreemptionTimer arms the VMX preemption timer. The remaining value
// is saved on every exit.
func (v *VCPU) EnablePreemptionTimer() {
	vmx.Set(v.vmcs, vmx.PinBasedControls, vmx.PinPreemptionTimer)
	vmx.Set(v.vmcs, vmx.ExitControls, vmx.ExitSavePreemptionTimerValue)
}

// DisablePreemptionTimer disarms the VMX preemption timer.
func (v *VCPU) DisablePreemptionTimer() {
	vmx.Clear(v.vmcs, vmx.PinBasedControls, vmx.PinPreemptionTimer)
	vmx.Clear(v.vmcs, vmx.ExitControls, vmx.ExitSavePreemptionTimerValue)
}

// SetPreemptionTimer sets the preemption timer value.
func (v *VCPU) SetPreemptionTimer(val uint64) {
	v.vmcs.Write(vmx.PreemptionTimerValue, val&0xffffffff)
}

// PreemptionTimer returns the preemption timer value.
func (v *VCPU) PreemptionTimer() uint64 {
	return v.vmcs.Read(vmx.PreemptionTimerValue)
}
