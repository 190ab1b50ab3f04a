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
	"testing"

	"gvisor.dev/vmtrap/pkg/vmx"
)

func entryInfo(vmcs *vmx.MemoryVMCS) vmx.InterruptionInfo {
	return vmx.InterruptionInfo(vmcs.Read(vmx.EntryInterruptionInfo))
}

// enter simulates a VM entry delivering the pending event.
func enter(vmcs *vmx.MemoryVMCS) {
	vmcs.Write(vmx.EntryInterruptionInfo, 0)
}

func TestQueueExternalInterruptOpenWindow(t *testing.T) {
	v, vmcs, _ := newTestVCPU(t)
	vmcs.Write(vmx.GuestRFLAGS, vmx.RFLAGSInterruptEnable)
	v.QueueExternalInterrupt(0x30)
	if ii := entryInfo(vmcs); !ii.Valid() || ii.Vector() != 0x30 || ii.Type() != vmx.ExternalInterrupt {
		t.Errorf("entry interruption info = %#x, want external interrupt 0x30", uint32(ii))
	}
	if v.InterruptQueueLen() != 0 || vmx.IsSet(vmcs, vmx.ProcBasedControls, vmx.ProcInterruptWindowExiting) {
		t.Errorf("vector queued although the window was open")
	}

	// An event is now pending, so the next vector waits.
	v.QueueExternalInterrupt(0x31)
	if v.InterruptQueueLen() != 1 || !vmx.IsSet(vmcs, vmx.ProcBasedControls, vmx.ProcInterruptWindowExiting) {
		t.Errorf("vector not queued behind a pending event")
	}
}

func TestQueueExternalInterruptDrain(t *testing.T) {
	v, vmcs, _ := newTestVCPU(t)
	vmcs.Write(vmx.GuestRFLAGS, 0)
	v.QueueExternalInterrupt(0x20)
	v.QueueExternalInterrupt(0x21)
	if got := v.InterruptQueueLen(); got != 2 {
		t.Fatalf("InterruptQueueLen = %d, want 2", got)
	}
	if !vmx.IsSet(vmcs, vmx.ProcBasedControls, vmx.ProcInterruptWindowExiting) {
		t.Fatalf("interrupt window exiting not enabled")
	}

	var pending []int
	v.AddInterruptWindowHandler(HandlerFunc[InterruptWindowInfo](func(_ *VCPU, info *InterruptWindowInfo) bool {
		pending = append(pending, info.Pending)
		return false
	}))
	vmcs.Write(vmx.GuestRFLAGS, vmx.RFLAGSInterruptEnable)
	for i, want := range []uint8{0x20, 0x21} {
		if err := exit(v, vmcs, vmx.ExitInterruptWindow, 0); err != nil {
			t.Fatalf("HandleExit failed: %v", err)
		}
		if ii := entryInfo(vmcs); !ii.Valid() || ii.Vector() != want {
			t.Errorf("exit %d injected %#x, want %#x", i, ii.Vector(), want)
		}
		if got := v.InterruptQueueLen(); got != 1-i {
			t.Errorf("exit %d: InterruptQueueLen = %d, want %d", i, got, 1-i)
		}
		enter(vmcs)
	}
	if vmx.IsSet(vmcs, vmx.ProcBasedControls, vmx.ProcInterruptWindowExiting) {
		t.Errorf("interrupt window exiting still enabled with an empty queue")
	}
	if len(pending) != 2 || pending[0] != 2 || pending[1] != 1 {
		t.Errorf("handler saw pending = %v, want [2 1]", pending)
	}
	checkAdvanced(t, v, false)
}

func TestQueueBlockedBySTI(t *testing.T) {
	v, vmcs, _ := newTestVCPU(t)
	vmcs.Write(vmx.GuestRFLAGS, vmx.RFLAGSInterruptEnable)
	vmcs.Write(vmx.GuestInterruptibility, vmx.BlockingBySTI)
	v.QueueExternalInterrupt(0x20)
	if entryInfo(vmcs).Valid() || v.InterruptQueueLen() != 1 {
		t.Errorf("vector injected inside an STI shadow")
	}
}

func TestInjectException(t *testing.T) {
	for _, tc := range []struct {
		vector  uint8
		hasCode bool
	}{
		{3, false},
		{6, false},
		{8, true},
		{13, true},
		{14, true},
		{17, true},
		{18, false},
	} {
		v, vmcs, _ := newTestVCPU(t)
		v.InjectException(tc.vector, 0x1234)
		ii := entryInfo(vmcs)
		if !ii.Valid() || ii.Vector() != tc.vector || ii.Type() != vmx.HardwareException {
			t.Errorf("vector %d: entry interruption info = %#x", tc.vector, uint32(ii))
		}
		if ii.DeliverErrorCode() != tc.hasCode {
			t.Errorf("vector %d: deliver error code = %v, want %v", tc.vector, ii.DeliverErrorCode(), tc.hasCode)
		}
		if code := vmcs.Read(vmx.EntryExceptionErrorCode); tc.hasCode && code != 0x1234 {
			t.Errorf("vector %d: error code = %#x, want 0x1234", tc.vector, code)
		}
	}
}

func TestInjectOverwrites(t *testing.T) {
	v, vmcs, _ := newTestVCPU(t)
	v.InjectExternalInterrupt(0x40)
	v.InjectNMI()
	if ii := entryInfo(vmcs); ii.Type() != vmx.NMI || ii.Vector() != vmx.NMIVector {
		t.Errorf("entry interruption info = %#x, want an NMI", uint32(ii))
	}
}

func TestNMIReflected(t *testing.T) {
	v, vmcs, _ := newTestVCPU(t)
	vmcs.Write(vmx.ExitInterruptionInfo, uint64(vmx.MakeInterruptionInfo(vmx.NMIVector, vmx.NMI, false)))
	if err := exit(v, vmcs, vmx.ExitExceptionOrNMI, 0); err != nil {
		t.Fatalf("HandleExit failed: %v", err)
	}
	if ii := entryInfo(vmcs); ii.Type() != vmx.NMI {
		t.Errorf("NMI not reflected: entry interruption info = %#x", uint32(ii))
	}
	checkAdvanced(t, v, false)

	// Blocked by NMI: the reflection waits for the NMI window.
	enter(vmcs)
	vmcs.Write(vmx.GuestInterruptibility, vmx.BlockingByNMI)
	if err := exit(v, vmcs, vmx.ExitExceptionOrNMI, 0); err != nil {
		t.Fatalf("HandleExit failed: %v", err)
	}
	if entryInfo(vmcs).Valid() || v.NMIQueueLen() != 1 || !vmx.IsSet(vmcs, vmx.ProcBasedControls, vmx.ProcNMIWindowExiting) {
		t.Errorf("NMI not queued while blocked")
	}
	vmcs.Write(vmx.GuestInterruptibility, 0)
	if err := exit(v, vmcs, vmx.ExitNMIWindow, 0); err != nil {
		t.Fatalf("HandleExit failed: %v", err)
	}
	if entryInfo(vmcs).Type() != vmx.NMI || v.NMIQueueLen() != 0 || vmx.IsSet(vmcs, vmx.ProcBasedControls, vmx.ProcNMIWindowExiting) {
		t.Errorf("NMI window did not drain the queued NMI")
	}
}

func TestNMIHandlerClaims(t *testing.T) {
	v, vmcs, _ := newTestVCPU(t)
	var count int
	v.AddNMIHandler(HandlerFunc[NMIInfo](func(*VCPU, *NMIInfo) bool {
		count++
		return true
	}))
	vmcs.Write(vmx.ExitInterruptionInfo, uint64(vmx.MakeInterruptionInfo(vmx.NMIVector, vmx.NMI, false)))
	if err := exit(v, vmcs, vmx.ExitExceptionOrNMI, 0); err != nil {
		t.Fatalf("HandleExit failed: %v", err)
	}
	if count != 1 || entryInfo(vmcs).Valid() {
		t.Errorf("count = %d, entry info valid = %v; want the handler to swallow the NMI", count, entryInfo(vmcs).Valid())
	}
}

func TestExceptionUnhandled(t *testing.T) {
	v, vmcs, _ := newTestVCPU(t)
	vmcs.Write(vmx.ExitInterruptionInfo, uint64(vmx.MakeInterruptionInfo(6, vmx.HardwareException, false)))
	err := exit(v, vmcs, vmx.ExitExceptionOrNMI, 0)
	checkUnhandled(t, v, err, vmx.ExitExceptionOrNMI)
}

func TestExternalInterrupt(t *testing.T) {
	v, vmcs, _ := newTestVCPU(t)
	v.EnableExternalInterruptExiting()
	if !vmx.IsSet(vmcs, vmx.PinBasedControls, vmx.PinExternalInterruptExiting) || !vmx.IsSet(vmcs, vmx.ExitControls, vmx.ExitAcknowledgeInterrupt) {
		t.Errorf("external interrupt exiting not enabled")
	}
	var vector uint64
	v.AddExternalInterruptHandler(HandlerFunc[ExternalInterruptInfo](func(v *VCPU, info *ExternalInterruptInfo) bool {
		vector = info.Vector
		v.QueueExternalInterrupt(uint8(info.Vector))
		return true
	}))
	vmcs.Write(vmx.ExitInterruptionInfo, uint64(vmx.MakeInterruptionInfo(0xec, vmx.ExternalInterrupt, false)))
	if err := exit(v, vmcs, vmx.ExitExternalInterrupt, 0); err != nil {
		t.Fatalf("HandleExit failed: %v", err)
	}
	if vector != 0xec {
		t.Errorf("vector = %#x, want 0xec", vector)
	}
	checkAdvanced(t, v, false)
	v.DisableExternalInterruptExiting()
	if vmx.IsSet(vmcs, vmx.PinBasedControls, vmx.PinExternalInterruptExiting) {
		t.Errorf("external interrupt exiting not disabled")
	}
}

func TestExternalInterruptUnclaimed(t *testing.T) {
	v, vmcs, _ := newTestVCPU(t)
	err := exit(v, vmcs, vmx.ExitExternalInterrupt, 0)
	checkUnhandled(t, v, err, vmx.ExitExternalInterrupt)
}

func TestMonitorTrap(t *testing.T) {
	v, vmcs, _ := newTestVCPU(t)
	steps := 0
	v.AddMonitorTrapHandler(HandlerFunc[MonitorTrapInfo](func(_ *VCPU, info *MonitorTrapInfo) bool {
		steps++
		info.IgnoreClear = steps < 2
		return true
	}))
	v.EnableMonitorTrapFlag()
	for i := 0; i < 2; i++ {
		if !vmx.IsSet(vmcs, vmx.ProcBasedControls, vmx.ProcMonitorTrapFlag) {
			t.Fatalf("step %d: monitor trap flag cleared early", i)
		}
		if err := exit(v, vmcs, vmx.ExitMonitorTrap, 0); err != nil {
			t.Fatalf("HandleExit failed: %v", err)
		}
	}
	if vmx.IsSet(vmcs, vmx.ProcBasedControls, vmx.ProcMonitorTrapFlag) {
		t.Errorf("monitor trap flag not cleared")
	}
}

func TestPreemptionTimer(t *testing.T) {
	v, vmcs, _ := newTestVCPU(t)
	v.EnablePreemptionTimer()
	v.SetPreemptionTimer(1000)
	if !vmx.IsSet(vmcs, vmx.PinBasedControls, vmx.PinPreemptionTimer) || v.PreemptionTimer() != 1000 {
		t.Errorf("preemption timer not armed")
	}
	err := exit(v, vmcs, vmx.ExitPreemptionTimer, 0)
	checkUnhandled(t, v, err, vmx.ExitPreemptionTimer)

	v, vmcs, _ = newTestVCPU(t)
	v.AddDefaultPreemptionTimerHandler(HandlerFunc[PreemptionTimerInfo](func(_ *VCPU, info *PreemptionTimerInfo) bool {
		info.Reload = 500
		return true
	}))
	vmcs.Write(vmx.PreemptionTimerValue, 0)
	if err := exit(v, vmcs, vmx.ExitPreemptionTimer, 0); err != nil {
		t.Fatalf("HandleExit failed: %v", err)
	}
	if v.PreemptionTimer() != 500 {
		t.Errorf("PreemptionTimer = %d, want 500", v.PreemptionTimer())
	}
	v.DisablePreemptionTimer()
	if vmx.IsSet(vmcs, vmx.PinBasedControls, vmx.PinPreemptionTimer) {
		t.Errorf("preemption timer not disarmed")
	}
}

func TestInitSIPI(t *testing.T) {
	v, vmcs, _ := newTestVCPU(t)
	if err := exit(v, vmcs, vmx.ExitInit, 0); err != nil {
		t.Fatalf("HandleExit(INIT) failed: %v", err)
	}
	if got := vmcs.Read(vmx.GuestActivityState); got != vmx.ActivityWaitForSIPI {
		t.Errorf("activity state = %d, want wait-for-SIPI", got)
	}
	if err := exit(v, vmcs, vmx.ExitSIPI, 0x9a); err != nil {
		t.Fatalf("HandleExit(SIPI) failed: %v", err)
	}
	for f, want := range map[vmx.Field]uint64{
		vmx.GuestCSSelector:     0x9a00,
		vmx.GuestCSBase:         0x9a000,
		vmx.GuestCSLimit:        0xffff,
		vmx.GuestCSAccessRights: 0x9b,
		vmx.GuestRIP:            0,
		vmx.GuestActivityState:  vmx.ActivityActive,
	} {
		if got := vmcs.Read(f); got != want {
			t.Errorf("field %#x = %#x, want %#x", f, got, want)
		}
	}
}

func TestInitClaimed(t *testing.T) {
	v, vmcs, _ := newTestVCPU(t)
	v.AddInitSignalHandler(HandlerFunc[InitSignalInfo](func(*VCPU, *InitSignalInfo) bool { return true }))
	if err := exit(v, vmcs, vmx.ExitInit, 0); err != nil {
		t.Fatalf("HandleExit failed: %v", err)
	}
	if got := vmcs.Read(vmx.GuestActivityState); got != vmx.ActivityActive {
		t.Errorf("activity state = %d, want active", got)
	}
}
