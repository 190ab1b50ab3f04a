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

// InterruptionType is the type of an event in an interruption information
// field.
type InterruptionType uint32

// Interruption types.
const (
	ExternalInterrupt        InterruptionType = 0
	NMI                      InterruptionType = 2
	HardwareException        InterruptionType = 3
	SoftwareInterrupt        InterruptionType = 4
	PrivilegedSoftwareExcept InterruptionType = 5
	SoftwareException        InterruptionType = 6
)

const (
	interruptionVectorMask = 0xff
	interruptionTypeShift  = 8
	interruptionTypeMask   = 0x7 << interruptionTypeShift
	deliverErrorCode       = 1 << 11
	interruptionValid      = 1 << 31
)

// InterruptionInfo is the layout shared by the VM-entry and VM-exit
// interruption information fields.
type InterruptionInfo uint32

// MakeInterruptionInfo returns a valid interruption information value.
func MakeInterruptionInfo(vector uint8, t InterruptionType, errorCode bool) InterruptionInfo {
	v := InterruptionInfo(vector) | InterruptionInfo(t)<<interruptionTypeShift | interruptionValid
	if errorCode {
		v |= deliverErrorCode
	}
	return v
}

// Valid returns the valid bit.
func (i InterruptionInfo) Valid() bool {
	return i&interruptionValid != 0
}

// Vector returns the vector.
func (i InterruptionInfo) Vector() uint8 {
	return uint8(i & interruptionVectorMask)
}

// Type returns the interruption type.
func (i InterruptionInfo) Type() InterruptionType {
	return InterruptionType((i & interruptionTypeMask) >> interruptionTypeShift)
}

// DeliverErrorCode returns true iff an error code is pushed.
func (i InterruptionInfo) DeliverErrorCode() bool {
	return i&deliverErrorCode != 0
}

// NMIVector is the NMI vector.
const NMIVector = 2

// ExceptionHasErrorCode returns true iff the exception with the given vector
// pushes an error code: #DF, #TS, #NP, #SS, #GP, #PF and #AC.
func ExceptionHasErrorCode(vector uint8) bool {
	switch vector {
	case 8, 10, 11, 12, 13, 14, 17:
		return true
	default:
		return false
	}
}
