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

import "fmt"

// IOQualification is the exit qualification of an I/O instruction exit.
type IOQualification uint64

// Size returns the access size in bytes: 1, 2 or 4.
func (q IOQualification) Size() int {
	return int(q&0x7) + 1
}

// In returns true for IN and INS.
func (q IOQualification) In() bool {
	return q&(1<<3) != 0
}

// StringOp returns true for INS and OUTS.
func (q IOQualification) StringOp() bool {
	return q&(1<<4) != 0
}

// Rep returns true iff the instruction has a REP prefix.
func (q IOQualification) Rep() bool {
	return q&(1<<5) != 0
}

// Immediate returns true iff the port was encoded as an immediate.
func (q IOQualification) Immediate() bool {
	return q&(1<<6) != 0
}

// Port returns the port number.
func (q IOQualification) Port() uint16 {
	return uint16(q >> 16)
}

// MakeIOQualification encodes an I/O exit qualification.
func MakeIOQualification(port uint16, size int, in, str, rep bool) IOQualification {
	q := IOQualification(size-1)&0x7 | IOQualification(port)<<16
	if in {
		q |= 1 << 3
	}
	if str {
		q |= 1 << 4
	}
	if rep {
		q |= 1 << 5
	}
	return q
}

// CRAccessType is the kind of control register access.
type CRAccessType int

// Control register access types.
const (
	MovToCR CRAccessType = iota
	MovFromCR
	CLTS
	LMSW
)

// String implements fmt.Stringer.String.
func (t CRAccessType) String() string {
	switch t {
	case MovToCR:
		return "mov to cr"
	case MovFromCR:
		return "mov from cr"
	case CLTS:
		return "clts"
	case LMSW:
		return "lmsw"
	default:
		return fmt.Sprintf("CRAccessType(%d)", int(t))
	}
}

// CRQualification is the exit qualification of a control register access.
type CRQualification uint64

// CR returns the control register number.
func (q CRQualification) CR() int {
	return int(q & 0xf)
}

// AccessType returns the access type.
func (q CRQualification) AccessType() CRAccessType {
	return CRAccessType((q >> 4) & 0x3)
}

// GPR returns the general purpose register operand, using the instruction
// encoding order (0 is RAX, 4 is RSP).
func (q CRQualification) GPR() int {
	return int((q >> 8) & 0xf)
}

// LMSWSource returns the LMSW source data.
func (q CRQualification) LMSWSource() uint16 {
	return uint16(q >> 16)
}

// MakeCRQualification encodes a control register exit qualification.
func MakeCRQualification(cr int, t CRAccessType, gpr int) CRQualification {
	return CRQualification(cr&0xf) | CRQualification(t&0x3)<<4 | CRQualification(gpr&0xf)<<8
}

// EPTViolationQualification is the exit qualification of an EPT violation.
type EPTViolationQualification uint64

// EPT violation qualification bits.
const (
	EPTViolationRead           EPTViolationQualification = 1 << 0
	EPTViolationWrite          EPTViolationQualification = 1 << 1
	EPTViolationFetch          EPTViolationQualification = 1 << 2
	EPTViolationReadable       EPTViolationQualification = 1 << 3
	EPTViolationWritable       EPTViolationQualification = 1 << 4
	EPTViolationExecutable     EPTViolationQualification = 1 << 5
	EPTViolationLinearValid    EPTViolationQualification = 1 << 7
	EPTViolationLinearAccess   EPTViolationQualification = 1 << 8
	EPTViolationNMIUnblockIRET EPTViolationQualification = 1 << 12
)

// Read returns true iff the access was a data read.
func (q EPTViolationQualification) Read() bool {
	return q&EPTViolationRead != 0
}

// Write returns true iff the access was a data write.
func (q EPTViolationQualification) Write() bool {
	return q&EPTViolationWrite != 0
}

// Fetch returns true iff the access was an instruction fetch.
func (q EPTViolationQualification) Fetch() bool {
	return q&EPTViolationFetch != 0
}

// LinearValid returns true iff the guest linear address field is valid.
func (q EPTViolationQualification) LinearValid() bool {
	return q&EPTViolationLinearValid != 0
}
