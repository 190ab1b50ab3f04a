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

// XSETBVInfo describes an XSETBV exit.
type XSETBVInfo struct {
	// XCR is the extended control register index from ECX.
	XCR uint32

	// Val is the value from EDX:EAX.
	Val uint64

	// IgnoreWrite suppresses executing XSETBV with Val on the host.
	IgnoreWrite bool

	// IgnoreAdvance suppresses advancing the guest instruction pointer.
	IgnoreAdvance bool
}

type xsetbvRegistry struct {
	handlers chain[XSETBVInfo]
	def      fallback[XSETBVInfo]
}

func (r *xsetbvRegistry) handle(v *VCPU) bool {
	info := XSETBVInfo{
		XCR: uint32(v.Regs.RCX),
		Val: v.Regs.RDX<<32 | v.Regs.RAX&0xffffffff,
	}
	if !r.handlers.run(v, &info) {
		r.def.run(v, &info)
	}
	if !info.IgnoreWrite {
		if err := v.host.XSetBV(info.XCR, info.Val); err != nil {
			v.fail(err)
			return false
		}
	}
	if !info.IgnoreAdvance {
		v.Advance()
	}
	return true
}

// AddXSETBVHandler registers h for XSETBV exits.
func (v *VCPU) AddXSETBVHandler(h Handler[XSETBVInfo]) {
	v.xsetbv.handlers.add(h)
}

// AddDefaultXSETBVHandler sets the handler for XSETBV exits no other
// handler claims.
func (v *VCPU) AddDefaultXSETBVHandler(h Handler[XSETBVInfo]) {
	v.xsetbv.def.set(h)
}
