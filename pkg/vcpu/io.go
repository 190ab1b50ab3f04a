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

import (
	"gvisor.dev/gvisor/pkg/bitmap"
	"gvisor.dev/vmtrap/pkg/vmx"
)

const numPorts = 1 << 16

// IOInfo describes an I/O instruction exit.
type IOInfo struct {
	// Port is the port number.
	Port uint64

	// Size is the access size in bytes.
	Size uint64

	// Address is the guest linear address of the memory operand of a string
	// instruction.
	Address uint64

	// Val is the value read or written. For IN it holds the value read from
	// the real port, unless the port is emulated.
	Val uint64

	// Reps is the repeat count of a string instruction.
	Reps uint64

	// In is set for IN and INS.
	In bool

	// String is set for INS and OUTS. String instructions are never written
	// back; a handler must emulate them entirely.
	String bool

	// IgnoreWrite suppresses the write back of Val.
	IgnoreWrite bool

	// IgnoreAdvance suppresses advancing the guest instruction pointer.
	IgnoreAdvance bool
}

func sizeMask(size uint64) uint64 {
	return 1<<(8*size) - 1
}

type ioRegistry struct {
	in      keyedChains[IOInfo]
	out     keyedChains[IOInfo]
	def     fallback[IOInfo]
	emulate bitmap.Bitmap
}

func (r *ioRegistry) emulated(port uint64) bool {
	bit, err := r.emulate.FirstOne(uint32(port))
	return err == nil && uint64(bit) == port
}

func (r *ioRegistry) handle(v *VCPU) bool {
	q := vmx.IOQualification(v.vmcs.Read(vmx.ExitQualification))
	info := IOInfo{
		Port:   uint64(q.Port()),
		Size:   uint64(q.Size()),
		In:     q.In(),
		String: q.StringOp(),
	}
	emulated := r.emulated(info.Port)
	switch {
	case info.String:
		info.Address = v.vmcs.Read(vmx.GuestLinearAddress)
		info.Reps = 1
		if q.Rep() {
			info.Reps = v.Regs.RCX
		}
	case info.In:
		if !emulated {
			val, err := v.host.InPort(q.Port(), q.Size())
			if err != nil {
				v.fail(err)
				return false
			}
			info.Val = uint64(val)
		}
	default:
		info.Val = v.Regs.RAX & sizeMask(info.Size)
	}

	chains := &r.out
	if info.In {
		chains = &r.in
	}
	if !chains.run(info.Port, v, &info) && !r.def.run(v, &info) && (emulated || info.String) {
		return false
	}

	if !info.IgnoreWrite && !info.String {
		mask := sizeMask(info.Size)
		switch {
		case info.In && info.Size == 4:
			// A 32-bit load zero extends into RAX.
			v.Regs.RAX = info.Val & mask
		case info.In:
			v.Regs.RAX = v.Regs.RAX&^mask | info.Val&mask
		case !emulated:
			if err := v.host.OutPort(uint16(info.Port), int(info.Size), uint32(info.Val&mask)); err != nil {
				v.fail(err)
				return false
			}
		}
	}
	if !info.IgnoreAdvance {
		v.Advance()
	}
	return true
}

// AddIOHandler registers h for accesses to port. in and out select the
// directions h is registered for. The port is trapped.
func (v *VCPU) AddIOHandler(port uint64, in, out bool, h Handler[IOInfo]) {
	port &= numPorts - 1
	if in {
		v.io.in.add(port, h)
	}
	if out {
		v.io.out.add(port, h)
	}
	v.ioBitmaps.trap(uint16(port))
}

// AddDefaultIOHandler sets the handler for I/O exits no port handler claims.
func (v *VCPU) AddDefaultIOHandler(h Handler[IOInfo]) {
	v.io.def.set(h)
}

// EmulateIOAccess traps port and stops its accesses from ever reaching the
// real port.
func (v *VCPU) EmulateIOAccess(port uint64) {
	port &= numPorts - 1
	v.io.emulate.Add(uint32(port))
	v.ioBitmaps.trap(uint16(port))
}

// TrapOnIOAccess makes accesses to port exit.
func (v *VCPU) TrapOnIOAccess(port uint64) {
	v.ioBitmaps.trap(uint16(port))
}

// PassThroughIOAccess lets the guest access port directly.
func (v *VCPU) PassThroughIOAccess(port uint64) {
	v.ioBitmaps.passThrough(uint16(port))
}

// TrapOnAllIOAccesses makes every port access exit.
func (v *VCPU) TrapOnAllIOAccesses() {
	v.ioBitmaps.fill(0xff)
}

// PassThroughAllIOAccesses lets the guest access every port directly.
// Handlers and emulated ports stay registered but see no exits until
// their ports are trapped again.
func (v *VCPU) PassThroughAllIOAccesses() {
	v.ioBitmaps.fill(0)
}

// IOTrapped returns true iff accesses to port exit.
func (v *VCPU) IOTrapped(port uint64) bool {
	return v.ioBitmaps.trapped(uint16(port))
}
