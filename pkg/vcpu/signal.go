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

// Real mode code segment loaded on SIPI.
const (
	sipiCSLimit        = 0xffff
	sipiCSAccessRights = 0x9b
)

// InitSignalInfo describes an INIT signal exit.
type InitSignalInfo struct{}

type initRegistry struct {
	handlers chain[InitSignalInfo]
	def      fallback[InitSignalInfo]
}

// handle parks the vCPU in wait-for-SIPI unless a handler claims the signal.
func (r *initRegistry) handle(v *VCPU) bool {
	var info InitSignalInfo
	if r.handlers.run(v, &info) || r.def.run(v, &info) {
		return true
	}
	v.vmcs.Write(vmx.GuestActivityState, vmx.ActivityWaitForSIPI)
	return true
}

// SIPIInfo describes a start-up IPI exit.
type SIPIInfo struct {
	// Vector is the start-up vector.
	Vector uint64
}

type sipiRegistry struct {
	handlers chain[SIPIInfo]
	def      fallback[SIPIInfo]
}

// handle starts the vCPU in real mode at Vector<<12 unless a handler claims
// the signal.
func (r *sipiRegistry) handle(v *VCPU) bool {
	info := SIPIInfo{Vector: v.vmcs.Read(vmx.ExitQualification) & 0xff}
	if r.handlers.run(v, &info) || r.def.run(v, &info) {
		return true
	}
	v.vmcs.Write(vmx.GuestCSSelector, info.Vector<<8)
	v.vmcs.Write(vmx.GuestCSBase, info.Vector<<12)
	v.vmcs.Write(vmx.GuestCSLimit, sipiCSLimit)
	v.vmcs.Write(vmx.GuestCSAccessRights, sipiCSAccessRights)
	v.SetRIP(0)
	v.vmcs.Write(vmx.GuestActivityState, vmx.ActivityActive)
	return true
}

// AddInitSignalHandler registers h for INIT signal exits.
func (v *VCPU) AddInitSignalHandler(h Handler[InitSignalInfo]) {
	v.initSignal.handlers.add(h)
}

// AddDefaultInitSignalHandler sets the handler for INIT signal exits no
// other handler claims.
func (v *VCPU) AddDefaultInitSignalHandler(h Handler[InitSignalInfo]) {
	v.initSignal.def.set(h)
}

// AddSIPIHandler registers h for start-up IPI exits.
func (v *VCPU) AddSIPIHandler(h Handler[SIPIInfo]) {
	v.sipiSignal.handlers.add(h)
}

// AddDefaultSIPIHandler sets the handler for start-up IPI exits no other
// handler claims.
func (v *VCPU) AddDefaultSIPIHandler(h Handler[SIPIInfo]) {
	v.sipiSignal.def.set(h)
}
