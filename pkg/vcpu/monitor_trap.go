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

// MonitorTrapInfo describes a monitor trap flag exit.
type MonitorTrapInfo struct {
	// IgnoreClear keeps the monitor trap flag set, so the guest exits again
	// after the next instruction.
	IgnoreClear bool
}

type monitorTrapRegistry struct {
	handlers chain[MonitorTrapInfo]
	def      fallback[MonitorTrapInfo]
}

func (r *monitorTrapRegistry) handle(v *VCPU) bool {
	var info MonitorTrapInfo
	if !r.handlers.run(v, &info) && !r.def.run(v, &info) {
		return false
	}
	if !info.IgnoreClear {
		v.DisableMonitorTrapFlag()
	}
	return true
}

// AddMonitorTrapHandler registers h for monitor trap flag exits.
func (v *VCPU) AddMonitorTrapHandler(h Handler[MonitorTrapInfo]) {
	v.monitorTrap.handlers.add(h)
}

// AddDefaultMonitorTrapHandler sets the handler for monitor trap flag exits
// no other handler claims.
func (v *VCPU) AddDefaultMonitorTrapHandler(h Handler[MonitorTrapInfo]) {
	v.monitorTrap.def.set(h)
}

// EnableMonitorTrapFlag makes the guest exit after its next instruction.
func (v *VCPU) EnableMonitorTrapFlag() {
	vmx.Set(v.vmcs, vmx.ProcBasedControls, vmx.ProcMonitorTrapFlag)
}

// DisableMonitorTrapFlag clears the monitor trap flag.
func (v *VCPU) DisableMonitorTrapFlag() {
	vmx.Clear(v.vmcs, vmx.ProcBasedControls, vmx.ProcMonitorTrapFlag)
}
