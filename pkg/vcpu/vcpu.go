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

// Package vcpu implements VM exit handling for a single virtual CPU.
//
// A VCPU owns one registry per exit reason. Each registry builds an info
// value describing the exit, walks the handlers registered for it (most
// recent first) and, once a handler claims the exit, writes the results back
// to guest state and advances the guest past the trapping instruction. Keys
// without a claiming handler fall back to a default handler, then to the
// hardware, unless the key is emulated, in which case the exit is unhandled
// and the vCPU halts.
//
// A VCPU is not safe for concurrent use. It is driven by the goroutine that
// runs the guest, one exit at a time.
package vcpu

import (
	"errors"
	"fmt"
	"time"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/vmtrap/pkg/ept"
	"gvisor.dev/vmtrap/pkg/vmx"
)

// Host executes operations on the real hardware for pass-through exits.
type Host interface {
	// CPUID executes CPUID.
	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

	// ReadMSR executes RDMSR.
	ReadMSR(msr uint32) (uint64, error)

	// WriteMSR executes WRMSR.
	WriteMSR(msr uint32, val uint64) error

	// InPort executes IN with an access size of 1, 2 or 4 bytes.
	InPort(port uint16, size int) (uint32, error)

	// OutPort executes OUT with an access size of 1, 2 or 4 bytes.
	OutPort(port uint16, size int, val uint32) error

	// XSetBV executes XSETBV.
	XSetBV(xcr uint32, val uint64) error
}

// Option configures a VCPU.
type Option func(*options)

type options struct {
	physical func(page []byte) uintptr
}

// WithPhysical sets the function used to translate the bitmap pages to the
// physical addresses written to the VMCS. The default uses the host virtual
// address.
func WithPhysical(fn func(page []byte) uintptr) Option {
	return func(o *options) {
		o.physical = fn
	}
}

// VCPU is a virtual CPU.
type VCPU struct {
	id   int
	vmcs vmx.VMCS
	host Host

	// Regs holds the guest registers not held in the VMCS. The caller
	// saves them on exit and restores them on entry.
	Regs vmx.Registers

	dispatcher Dispatcher
	msrBitmap  msrBitmap
	ioBitmaps  ioBitmaps

	cpuid             cpuidRegistry
	cr                crRegistry
	io                ioRegistry
	rdmsr             rdmsrRegistry
	wrmsr             wrmsrRegistry
	eptViolation      eptViolationRegistry
	externalInterrupt externalInterruptRegistry
	interruptWindow   interruptWindowRegistry
	nmi               nmiRegistry
	nmiWindow         nmiWindowRegistry
	monitorTrap       monitorTrapRegistry
	preemptionTimer   preemptionTimerRegistry
	xsetbv            xsetbvRegistry
	initSignal        initRegistry
	sipiSignal        sipiRegistry

	// as is the active address space, or nil if EPT is disabled. It is not
	// owned by the VCPU.
	as *ept.AddressSpace

	// cr8 is the guest task priority.
	cr8 uint64

	halted  bool
	haltErr error

	// exitErr is the host failure recorded while handling the current exit.
	exitErr error

	counts [vmx.MaxExitReason]atomicbitops.Uint64

	warn log.Logger
}

// New returns a VCPU driving vmcs. The bitmaps are installed and enabled;
// every MSR and port is passed through until trapped.
func New(id int, vmcs vmx.VMCS, host Host, opts ...Option) (*VCPU, error) {
	if vmcs == nil || host == nil {
		return nil, errors.New("vCPU requires a VMCS and a host")
	}
	o := options{physical: pagePhysical}
	for _, opt := range opts {
		opt(&o)
	}

	v := &VCPU{
		id:   id,
		vmcs: vmcs,
		host: host,
		warn: log.BasicRateLimitedLogger(time.Second),
	}
	v.msrBitmap.page = newPage()
	v.ioBitmaps.a = newPage()
	v.ioBitmaps.b = newPage()
	vmcs.Write(vmx.MSRBitmap, uint64(o.physical(v.msrBitmap.page)))
	vmcs.Write(vmx.IOBitmapA, uint64(o.physical(v.ioBitmaps.a)))
	vmcs.Write(vmx.IOBitmapB, uint64(o.physical(v.ioBitmaps.b)))
	vmx.Set(vmcs, vmx.ProcBasedControls, vmx.ProcUseMSRBitmaps|vmx.ProcUseIOBitmaps)
	vmx.Clear(vmcs, vmx.ProcBasedControls, vmx.ProcUnconditionalIOExiting)

	for _, r := range []struct {
		reason vmx.ExitReason
		fn     ExitHandlerFunc
	}{
		{vmx.ExitExceptionOrNMI, v.nmi.handle},
		{vmx.ExitExternalInterrupt, v.externalInterrupt.handle},
		{vmx.ExitInit, v.initSignal.handle},
		{vmx.ExitSIPI, v.sipiSignal.handle},
		{vmx.ExitInterruptWindow, v.interruptWindow.handle},
		{vmx.ExitNMIWindow, v.nmiWindow.handle},
		{vmx.ExitCPUID, v.cpuid.handle},
		{vmx.ExitCRAccess, v.cr.handle},
		{vmx.ExitIO, v.io.handle},
		{vmx.ExitRDMSR, v.rdmsr.handle},
		{vmx.ExitWRMSR, v.wrmsr.handle},
		{vmx.ExitMonitorTrap, v.monitorTrap.handle},
		{vmx.ExitEPTViolation, v.eptViolation.handle},
		{vmx.ExitPreemptionTimer, v.preemptionTimer.handle},
		{vmx.ExitXSETBV, v.xsetbv.handle},
	} {
		if err := v.dispatcher.AddHandler(r.reason, r.fn); err != nil {
			return nil, err
		}
	}
	v.dispatcher.AddPostExitHandler(ExitHandlerFunc(traceExit))
	return v, nil
}

// ID returns the vCPU identifier.
func (v *VCPU) ID() int {
	return v.id
}

// VMCS returns the VMCS.
func (v *VCPU) VMCS() vmx.VMCS {
	return v.vmcs
}

// RIP returns the guest instruction pointer.
func (v *VCPU) RIP() uint64 {
	return v.vmcs.Read(vmx.GuestRIP)
}

// SetRIP sets the guest instruction pointer.
func (v *VCPU) SetRIP(rip uint64) {
	v.vmcs.Write(vmx.GuestRIP, rip)
}

// Advance moves the guest past the instruction that caused the exit. It
// returns true so that handlers may end with "return v.Advance()".
func (v *VCPU) Advance() bool {
	v.SetRIP(v.RIP() + v.vmcs.Read(vmx.ExitInstructionLength))
	return true
}

// AddExitHandler registers a handler for every exit of the given reason,
// ahead of the built-in registry for that reason.
func (v *VCPU) AddExitHandler(reason vmx.ExitReason, h ExitHandler) error {
	return v.dispatcher.AddHandler(reason, h)
}

// AddPostExitHandler registers a handler run on every exit before dispatch.
func (v *VCPU) AddPostExitHandler(h ExitHandler) {
	v.dispatcher.AddPostExitHandler(h)
}

// fail records a host failure for the current exit.
func (v *VCPU) fail(err error) {
	if v.exitErr == nil {
		v.exitErr = err
	}
	v.warn.Warningf("vCPU %d: %v", v.id, err)
}

// HandleExit handles the VM exit described by the VMCS. An exit that nothing
// claims halts the vCPU; the guest must not be resumed.
func (v *VCPU) HandleExit() error {
	if v.halted {
		return fmt.Errorf("%w: %v", ErrHalted, v.haltErr)
	}
	raw := v.vmcs.Read(vmx.ExitReasonField)
	reason := vmx.BasicExitReason(raw)
	if int(reason) < vmx.MaxExitReason {
		v.counts[reason].Add(1)
	}

	v.exitErr = nil
	var err error
	if raw&vmx.ExitReasonEntryFailure != 0 {
		err = &UnhandledExitError{Reason: reason, Qualification: v.vmcs.Read(vmx.ExitQualification)}
	} else {
		err = v.dispatcher.Dispatch(v, reason)
	}
	if err != nil {
		var uerr *UnhandledExitError
		if errors.As(err, &uerr) && uerr.Cause == nil {
			uerr.Cause = v.exitErr
		}
		v.halt(err)
		return err
	}
	return nil
}

func (v *VCPU) halt(err error) {
	log.Warningf("vCPU %d halted at rip %#x: %v", v.id, v.RIP(), err)
	v.halted = true
	v.haltErr = err
}

// Halted returns whether the vCPU is halted, and why.
func (v *VCPU) Halted() (bool, error) {
	return v.halted, v.haltErr
}

// ExitCounts returns the number of exits seen for each reason that occurred
// at least once.
func (v *VCPU) ExitCounts() map[vmx.ExitReason]uint64 {
	m := make(map[vmx.ExitReason]uint64)
	for i := range v.counts {
		if n := v.counts[i].Load(); n != 0 {
			m[vmx.ExitReason(i)] = n
		}
	}
	return m
}

// SetEPTP installs as as the active guest address space. A nil address space
// disables EPT.
func (v *VCPU) SetEPTP(as *ept.AddressSpace) {
	v.as = as
	if as == nil {
		v.vmcs.Write(vmx.EPTPointer, 0)
		vmx.Clear(v.vmcs, vmx.SecondaryControls, vmx.SecondaryEnableEPT)
		return
	}
	v.vmcs.Write(vmx.EPTPointer, as.EPTP())
	vmx.Set(v.vmcs, vmx.ProcBasedControls, vmx.ProcSecondaryControls)
	vmx.Set(v.vmcs, vmx.SecondaryControls, vmx.SecondaryEnableEPT)
}

// AddressSpace returns the active address space, or nil.
func (v *VCPU) AddressSpace() *ept.AddressSpace {
	return v.as
}

// GPAToHPA translates a guest physical address. With EPT disabled guest
// physical addresses are host physical addresses.
func (v *VCPU) GPAToHPA(gpa uintptr) (uintptr, error) {
	if v.as == nil {
		return gpa, nil
	}
	hpa, _, err := v.as.VirtToPhys(gpa)
	return hpa, err
}

func traceExit(v *VCPU) bool {
	if log.IsLogging(log.Debug) {
		reason := vmx.BasicExitReason(v.vmcs.Read(vmx.ExitReasonField))
		log.Debugf("vCPU %d: exit %q at rip %#x, qualification %#x", v.id, reason, v.RIP(), v.vmcs.Read(vmx.ExitQualification))
	}
	return false
}
