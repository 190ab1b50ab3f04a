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

package vmx

// Field is a VMCS field encoding.
type Field uint32

// Control fields.
const (
	VirtualProcessorID      Field = 0x0000
	IOBitmapA               Field = 0x2000
	IOBitmapB               Field = 0x2002
	MSRBitmap               Field = 0x2004
	EPTPointer              Field = 0x201a
	PinBasedControls        Field = 0x4000
	ProcBasedControls       Field = 0x4002
	ExceptionBitmap         Field = 0x4004
	CR3TargetCount          Field = 0x400a
	ExitControls            Field = 0x400c
	EntryControls           Field = 0x4012
	EntryInterruptionInfo   Field = 0x4016
	EntryExceptionErrorCode Field = 0x4018
	EntryInstructionLength  Field = 0x401a
	TPRThreshold            Field = 0x401c
	SecondaryControls       Field = 0x401e
	CR0GuestHostMask        Field = 0x6000
	CR4GuestHostMask        Field = 0x6002
	CR0ReadShadow           Field = 0x6004
	CR4ReadShadow           Field = 0x6006
)

// Read-only exit information fields.
const (
	GuestPhysicalAddress      Field = 0x2400
	InstructionError          Field = 0x4400
	ExitReasonField           Field = 0x4402
	ExitInterruptionInfo      Field = 0x4404
	ExitInterruptionErrorCode Field = 0x4406
	IDTVectoringInfo          Field = 0x4408
	IDTVectoringErrorCode     Field = 0x440a
	ExitInstructionLength     Field = 0x440c
	ExitInstructionInfo       Field = 0x440e
	ExitQualification         Field = 0x6400
	GuestLinearAddress        Field = 0x640a
)

// Guest state fields.
const (
	GuestCSSelector            Field = 0x0802
	GuestDebugCtl              Field = 0x2802
	GuestPAT                   Field = 0x2804
	GuestEFER                  Field = 0x2806
	GuestPerfGlobalCtrl        Field = 0x2808
	GuestCSLimit               Field = 0x4802
	GuestCSAccessRights        Field = 0x4816
	GuestInterruptibility      Field = 0x4824
	GuestActivityState         Field = 0x4826
	GuestSysenterCS            Field = 0x482a
	PreemptionTimerValue       Field = 0x482e
	GuestCR0                   Field = 0x6800
	GuestCR3                   Field = 0x6802
	GuestCR4                   Field = 0x6804
	GuestCSBase                Field = 0x6808
	GuestFSBase                Field = 0x680e
	GuestGSBase                Field = 0x6810
	GuestRSP                   Field = 0x681c
	GuestRIP                   Field = 0x681e
	GuestRFLAGS                Field = 0x6820
	GuestPendingDebugException Field = 0x6822
	GuestSysenterESP           Field = 0x6824
	GuestSysenterEIP           Field = 0x6826
)

// VMCS is a virtual machine control structure.
//
// Accesses to a field that does not exist are programming errors; an
// implementation may panic.
type VMCS interface {
	// Read reads a field.
	Read(f Field) uint64

	// Write writes a field.
	Write(f Field, v uint64)
}

// Set sets bits in a field.
func Set(v VMCS, f Field, bits uint64) {
	v.Write(f, v.Read(f)|bits)
}

// Clear clears bits in a field.
func Clear(v VMCS, f Field, bits uint64) {
	v.Write(f, v.Read(f)&^bits)
}

// IsSet returns true iff all of the given bits are set in a field.
func IsSet(v VMCS, f Field, bits uint64) bool {
	return v.Read(f)&bits == bits
}

// MemoryVMCS is a VMCS held in ordinary memory. Fields not yet written read
// as zero.
type MemoryVMCS struct {
	fields map[Field]uint64
}

// NewMemoryVMCS returns an empty MemoryVMCS.
func NewMemoryVMCS() *MemoryVMCS {
	return &MemoryVMCS{fields: make(map[Field]uint64)}
}

// Read implements VMCS.Read.
func (m *MemoryVMCS) Read(f Field) uint64 {
	return m.fields[f]
}

// Write implements VMCS.Write.
func (m *MemoryVMCS) Write(f Field, v uint64) {
	m.fields[f] = v
}

// Fields returns a copy of every field written.
func (m *MemoryVMCS) Fields() map[Field]uint64 {
	c := make(map[Field]uint64, len(m.fields))
	for f, v := range m.fields {
		c[f] = v
	}
	return c
}
