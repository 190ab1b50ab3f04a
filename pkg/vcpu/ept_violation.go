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

// EPTViolationInfo describes an EPT violation.
type EPTViolationInfo struct {
	// GVA is the guest linear address, if the qualification reports one.
	GVA uint64

	// GPA is the guest physical address.
	GPA uint64

	// Qualification is the raw exit qualification.
	Qualification uint64

	// IgnoreAdvance suppresses advancing the guest instruction pointer. It
	// is set by default: the faulting instruction is normally restarted
	// once the mapping is fixed.
	IgnoreAdvance bool
}

// eptAccess classifies a violation.
type eptAccess int

const (
	eptRead eptAccess = iota
	eptWrite
	eptExecute
	numEPTAccesses
)

type eptViolationRegistry struct {
	handlers [numEPTAccesses]chain[EPTViolationInfo]
	def      [numEPTAccesses]fallback[EPTViolationInfo]
}

func classify(q vmx.EPTViolationQualification) eptAccess {
	switch {
	case q.Read():
		return eptRead
	case q.Write():
		return eptWrite
	default:
		return eptExecute
	}
}

func (r *eptViolationRegistry) handle(v *VCPU) bool {
	q := vmx.EPTViolationQualification(v.vmcs.Read(vmx.ExitQualification))
	info := EPTViolationInfo{
		GPA:           v.vmcs.Read(vmx.GuestPhysicalAddress),
		Qualification: uint64(q),
		IgnoreAdvance: true,
	}
	if q.LinearValid() {
		info.GVA = v.vmcs.Read(vmx.GuestLinearAddress)
	}
	a := classify(q)
	if !r.handlers[a].run(v, &info) && !r.def[a].run(v, &info) {
		return false
	}
	if !info.IgnoreAdvance {
		v.Advance()
	}
	return true
}

// AddEPTReadViolationHandler registers h for EPT violations caused by data
// reads.
func (v *VCPU) AddEPTReadViolationHandler(h Handler[EPTViolationInfo]) {
	v.eptViolation.handlers[eptRead].add(h)
}

// AddEPTWriteViolationHandler registers h for EPT violations caused by data
// writes.
func (v *VCPU) AddEPTWriteViolationHandler(h Handler[EPTViolationInfo]) {
	v.eptViolation.handlers[eptWrite].add(h)
}

// AddEPTExecuteViolationHandler registers h for EPT violations caused by
// instruction fetches.
func (v *VCPU) AddEPTExecuteViolationHandler(h Handler[EPTViolationInfo]) {
	v.eptViolation.handlers[eptExecute].add(h)
}

// AddDefaultEPTReadViolationHandler sets the handler for read violations no
// other handler claims.
func (v *VCPU) AddDefaultEPTReadViolationHandler(h Handler[EPTViolationInfo]) {
	v.eptViolation.def[eptRead].set(h)
}

// AddDefaultEPTWriteViolationHandler sets the handler for write violations
// no other handler claims.
func (v *VCPU) AddDefaultEPTWriteViolationHandler(h Handler[EPTViolationInfo]) {
	v.eptViolation.def[eptWrite].set(h)
}

// AddDefaultEPTExecuteViolationHandler sets the handler for execute
// violations no other handler claims.
func (v *VCPU) AddDefaultEPTExecuteViolationHandler(h Handler[EPTViolationInfo]) {
	v.eptViolation.def[eptExecute].set(h)
}
