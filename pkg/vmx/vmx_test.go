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

import "testing"

func TestIOQualification(t *testing.T) {
	for _, tc := range []struct {
		q            IOQualification
		port         uint16
		size         int
		in, str, rep bool
	}{
		{0x3f80008, 0x3f8, 1, true, false, false},
		{0x3f80001, 0x3f8, 2, false, false, false},
		{0x0cf80003, 0xcf8, 4, false, false, false},
		{0x00600038, 0x60, 1, true, true, true},
	} {
		if got := tc.q.Port(); got != tc.port {
			t.Errorf("%#x: Port = %#x, want %#x", uint64(tc.q), got, tc.port)
		}
		if got := tc.q.Size(); got != tc.size {
			t.Errorf("%#x: Size = %d, want %d", uint64(tc.q), got, tc.size)
		}
		if tc.q.In() != tc.in || tc.q.StringOp() != tc.str || tc.q.Rep() != tc.rep {
			t.Errorf("%#x: In/StringOp/Rep = %v/%v/%v, want %v/%v/%v", uint64(tc.q), tc.q.In(), tc.q.StringOp(), tc.q.Rep(), tc.in, tc.str, tc.rep)
		}
		if got := MakeIOQualification(tc.port, tc.size, tc.in, tc.str, tc.rep); got != tc.q {
			t.Errorf("MakeIOQualification = %#x, want %#x", uint64(got), uint64(tc.q))
		}
	}
}

func TestCRQualification(t *testing.T) {
	// mov cr3, rbx
	q := CRQualification(0x303)
	if q.CR() != 3 || q.AccessType() != MovToCR || q.GPR() != 3 {
		t.Errorf("got cr%d %v gpr %d, want cr3 mov to cr gpr 3", q.CR(), q.AccessType(), q.GPR())
	}
	// mov rax, cr8
	q = MakeCRQualification(8, MovFromCR, 0)
	if q != 0x18 {
		t.Errorf("MakeCRQualification = %#x, want 0x18", uint64(q))
	}
}

func TestInterruptionInfo(t *testing.T) {
	i := MakeInterruptionInfo(14, HardwareException, true)
	if uint32(i) != 0x80000b0e {
		t.Errorf("info = %#x, want 0x80000b0e", uint32(i))
	}
	if !i.Valid() || i.Vector() != 14 || i.Type() != HardwareException || !i.DeliverErrorCode() {
		t.Errorf("decoded %#x incorrectly", uint32(i))
	}
	if got := MakeInterruptionInfo(0x20, ExternalInterrupt, false); uint32(got) != 0x80000020 {
		t.Errorf("external interrupt info = %#x, want 0x80000020", uint32(got))
	}
	if got := MakeInterruptionInfo(NMIVector, NMI, false); uint32(got) != 0x80000202 {
		t.Errorf("NMI info = %#x, want 0x80000202", uint32(got))
	}
}

func TestExceptionHasErrorCode(t *testing.T) {
	want := map[uint8]bool{8: true, 10: true, 11: true, 12: true, 13: true, 14: true, 17: true}
	for v := 0; v < 32; v++ {
		if got := ExceptionHasErrorCode(uint8(v)); got != want[uint8(v)] {
			t.Errorf("ExceptionHasErrorCode(%d) = %v, want %v", v, got, want[uint8(v)])
		}
	}
}

func TestRegisters(t *testing.T) {
	v := NewMemoryVMCS()
	var r Registers
	for i := 0; i < 16; i++ {
		r.SetGPR(v, i, uint64(i+100))
	}
	if r.RAX != 100 || r.RCX != 101 || r.RDX != 102 || r.RBX != 103 || r.R15 != 115 {
		t.Errorf("registers = %+v", r)
	}
	if r.RSP != 0 || v.Read(GuestRSP) != 104 {
		t.Errorf("RSP = %d, VMCS RSP = %d, want 0 and 104", r.RSP, v.Read(GuestRSP))
	}
	for i := 0; i < 16; i++ {
		if got := r.GPR(v, i); got != uint64(i+100) {
			t.Errorf("GPR(%d) = %d, want %d", i, got, i+100)
		}
	}
}

func TestBits(t *testing.T) {
	v := NewMemoryVMCS()
	Set(v, ProcBasedControls, ProcUseIOBitmaps|ProcUseMSRBitmaps)
	Clear(v, ProcBasedControls, ProcUseIOBitmaps)
	if !IsSet(v, ProcBasedControls, ProcUseMSRBitmaps) || IsSet(v, ProcBasedControls, ProcUseIOBitmaps) {
		t.Errorf("proc controls = %#x", v.Read(ProcBasedControls))
	}
	if got := BasicExitReason(ExitReasonEntryFailure | uint64(ExitInvalidGuestState)); got != ExitInvalidGuestState {
		t.Errorf("BasicExitReason = %v, want %v", got, ExitInvalidGuestState)
	}
}

func TestParseExitReason(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want ExitReason
	}{
		{"CPUID", ExitCPUID},
		{"cpuid", ExitCPUID},
		{"I/O instruction", ExitIO},
		{"ept violation", ExitEPTViolation},
		{"30", ExitIO},
		{"0x37", ExitXSETBV},
	} {
		got, err := ParseExitReason(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("ParseExitReason(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
	for _, in := range []string{"", "bogus", "128"} {
		if _, err := ParseExitReason(in); err == nil {
			t.Errorf("ParseExitReason(%q) succeeded", in)
		}
	}
}
