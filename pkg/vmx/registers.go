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

// Registers are the guest general purpose registers not held in the VMCS.
//
// RSP lives in the VMCS; Registers.RSP is unused by GPR and SetGPR, which
// route index 4 through the VMCS instead.
type Registers struct {
	RAX uint64
	RCX uint64
	RDX uint64
	RBX uint64
	RSP uint64
	RBP uint64
	RSI uint64
	RDI uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// ptr returns the register with the given instruction encoding index.
func (r *Registers) ptr(i int) *uint64 {
	switch i {
	case 0:
		return &r.RAX
	case 1:
		return &r.RCX
	case 2:
		return &r.RDX
	case 3:
		return &r.RBX
	case 4:
		return &r.RSP
	case 5:
		return &r.RBP
	case 6:
		return &r.RSI
	case 7:
		return &r.RDI
	case 8:
		return &r.R8
	case 9:
		return &r.R9
	case 10:
		return &r.R10
	case 11:
		return &r.R11
	case 12:
		return &r.R12
	case 13:
		return &r.R13
	case 14:
		return &r.R14
	case 15:
		return &r.R15
	default:
		panic(fmt.Sprintf("invalid register index %d", i))
	}
}

// GPR returns the register with the given instruction encoding index. Index
// 4 reads RSP from v.
func (r *Registers) GPR(v VMCS, i int) uint64 {
	if i == 4 {
		return v.Read(GuestRSP)
	}
	return *r.ptr(i)
}

// SetGPR sets the register with the given instruction encoding index. Index
// 4 writes RSP to v.
func (r *Registers) SetGPR(v VMCS, i int, val uint64) {
	if i == 4 {
		v.Write(GuestRSP, val)
		return
	}
	*r.ptr(i) = val
}
