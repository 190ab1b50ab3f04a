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

//go:build linux && amd64
// +build linux,amd64

package host

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/cpuid"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
)

// Linux executes pass-through operations on the host CPU it is bound to.
//
// MSRs are accessed through /dev/cpu/N/msr and ports through /dev/port; both
// require CAP_SYS_RAWIO. The caller must keep the goroutine on CPU N for
// CPUID results to be consistent.
type Linux struct {
	cpu    int
	native cpuid.Native
	msr    int
	port   int
}

// LinuxOptions configure NewLinux.
type LinuxOptions struct {
	// NoPorts skips opening /dev/port. Port accesses then fail with
	// ErrUnsupported.
	NoPorts bool
}

// NewLinux opens the devices for cpu.
func NewLinux(cpu int, opts LinuxOptions) (*Linux, error) {
	cpuid.Initialize()
	path := fmt.Sprintf("/dev/cpu/%d/msr", cpu)
	msr, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	cu := cleanup.Make(func() { unix.Close(msr) })
	defer cu.Clean()

	l := &Linux{cpu: cpu, msr: msr, port: -1}
	if !opts.NoPorts {
		port, err := unix.Open("/dev/port", unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			return nil, fmt.Errorf("opening /dev/port: %w", err)
		}
		l.port = port
	}
	cu.Release()
	log.Debugf("Host back end for CPU %d: msr fd %d, port fd %d", cpu, l.msr, l.port)
	return l, nil
}

// Close closes the devices.
func (l *Linux) Close() error {
	err := unix.Close(l.msr)
	if l.port >= 0 {
		if perr := unix.Close(l.port); err == nil {
			err = perr
		}
	}
	return err
}

// CPU returns the CPU the back end is bound to.
func (l *Linux) CPU() int {
	return l.cpu
}

// CPUID implements vcpu.Host.CPUID.
func (l *Linux) CPUID(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
	out := l.native.Query(cpuid.In{Eax: leaf, Ecx: subleaf})
	return out.Eax, out.Ebx, out.Ecx, out.Edx
}

// ReadMSR implements vcpu.Host.ReadMSR and mtrr.MSRReader.ReadMSR.
func (l *Linux) ReadMSR(msr uint32) (uint64, error) {
	var buf [8]byte
	n, err := unix.Pread(l.msr, buf[:], int64(msr))
	if err != nil {
		// The driver reports a #GP as EIO.
		if err == unix.EIO {
			return 0, fmt.Errorf("%w: %#x", ErrUnknownMSR, msr)
		}
		return 0, fmt.Errorf("reading MSR %#x: %w", msr, err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("reading MSR %#x: short read of %d bytes", msr, n)
	}
	return hostarch.ByteOrder.Uint64(buf[:]), nil
}

// WriteMSR implements vcpu.Host.WriteMSR.
func (l *Linux) WriteMSR(msr uint32, val uint64) error {
	var buf [8]byte
	hostarch.ByteOrder.PutUint64(buf[:], val)
	n, err := unix.Pwrite(l.msr, buf[:], int64(msr))
	if err != nil {
		return fmt.Errorf("writing MSR %#x: %w", msr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("writing MSR %#x: short write of %d bytes", msr, n)
	}
	return nil
}

// InPort implements vcpu.Host.InPort. The port driver performs byte
// accesses, so a wide access reads consecutive ports.
func (l *Linux) InPort(port uint16, size int) (uint32, error) {
	if l.port < 0 {
		return 0, ErrUnsupported
	}
	if !validSize(size) {
		return 0, fmt.Errorf("invalid access size %d", size)
	}
	var buf [4]byte
	n, err := unix.Pread(l.port, buf[:size], int64(port))
	if err != nil {
		return 0, fmt.Errorf("reading port %#x: %w", port, err)
	}
	if n != size {
		return 0, fmt.Errorf("reading port %#x: short read of %d bytes", port, n)
	}
	return hostarch.ByteOrder.Uint32(buf[:]), nil
}

// OutPort implements vcpu.Host.OutPort. As with InPort, wide accesses are
// split into byte accesses.
func (l *Linux) OutPort(port uint16, size int, val uint32) error {
	if l.port < 0 {
		return ErrUnsupported
	}
	if !validSize(size) {
		return fmt.Errorf("invalid access size %d", size)
	}
	var buf [4]byte
	hostarch.ByteOrder.PutUint32(buf[:], val)
	n, err := unix.Pwrite(l.port, buf[:size], int64(port))
	if err != nil {
		return fmt.Errorf("writing port %#x: %w", port, err)
	}
	if n != size {
		return fmt.Errorf("writing port %#x: short write of %d bytes", port, n)
	}
	return nil
}

// XSetBV implements vcpu.Host.XSetBV. XSETBV is privileged and cannot be
// executed from user space.
func (l *Linux) XSetBV(xcr uint32, val uint64) error {
	return fmt.Errorf("XSETBV %d, %#x: %w", xcr, val, ErrUnsupported)
}

// PhysicalAddressBits returns the host physical address width.
func PhysicalAddressBits() int {
	cpuid.Initialize()
	fs := cpuid.HostFeatureSet()
	return int(fs.PhysicalAddressBits())
}
