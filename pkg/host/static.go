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

package host

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/sync"
)

// CPUIDLeaf is a canned CPUID result.
type CPUIDLeaf struct {
	Leaf    uint32 `toml:"leaf" yaml:"leaf"`
	Subleaf uint32 `toml:"subleaf" yaml:"subleaf"`
	EAX     uint32 `toml:"eax" yaml:"eax"`
	EBX     uint32 `toml:"ebx" yaml:"ebx"`
	ECX     uint32 `toml:"ecx" yaml:"ecx"`
	EDX     uint32 `toml:"edx" yaml:"edx"`
}

// MSRValue is the initial value of an MSR.
type MSRValue struct {
	MSR   uint32 `toml:"msr" yaml:"msr"`
	Value uint64 `toml:"value" yaml:"value"`
}

// PortValue is the value read from a port.
type PortValue struct {
	Port  uint16 `toml:"port" yaml:"port"`
	Value uint32 `toml:"value" yaml:"value"`
}

// StaticConfig is the initial state of a Static host.
type StaticConfig struct {
	CPUID []CPUIDLeaf `toml:"cpuid" yaml:"cpuid"`
	MSRs  []MSRValue  `toml:"msr" yaml:"msr"`
	Ports []PortValue `toml:"port" yaml:"port"`
}

// WriteKind is the target of a recorded write.
type WriteKind int

// Write kinds.
const (
	WriteMSR WriteKind = iota
	WritePort
	WriteXCR
)

// String implements fmt.Stringer.String.
func (k WriteKind) String() string {
	switch k {
	case WriteMSR:
		return "msr"
	case WritePort:
		return "port"
	case WriteXCR:
		return "xcr"
	default:
		return fmt.Sprintf("WriteKind(%d)", int(k))
	}
}

// Write is a write performed on a Static host.
type Write struct {
	Kind  WriteKind
	Index uint32
	Size  int
	Value uint64
}

// String implements fmt.Stringer.String.
func (w Write) String() string {
	if w.Kind == WritePort {
		return fmt.Sprintf("%v %#x/%d <- %#x", w.Kind, w.Index, w.Size, w.Value)
	}
	return fmt.Sprintf("%v %#x <- %#x", w.Kind, w.Index, w.Value)
}

type cpuidKey struct {
	leaf, subleaf uint32
}

// Static is an in-memory host. Reads of unknown ports return all ones, as an
// unclaimed bus does; reads of unknown MSRs fail with ErrUnknownMSR. Written
// MSRs read back the written value.
type Static struct {
	mu     sync.Mutex
	cpuid  map[cpuidKey][4]uint32
	msrs   map[uint32]uint64
	ports  map[uint16]uint32
	xcrs   map[uint32]uint64
	writes []Write
}

// NewStatic returns a Static host initialized from c.
func NewStatic(c StaticConfig) *Static {
	s := &Static{
		cpuid: make(map[cpuidKey][4]uint32),
		msrs:  make(map[uint32]uint64),
		ports: make(map[uint16]uint32),
		xcrs:  make(map[uint32]uint64),
	}
	for _, l := range c.CPUID {
		s.cpuid[cpuidKey{l.Leaf, l.Subleaf}] = [4]uint32{l.EAX, l.EBX, l.ECX, l.EDX}
	}
	for _, m := range c.MSRs {
		s.msrs[m.MSR] = m.Value
	}
	for _, p := range c.Ports {
		s.ports[p.Port] = p.Value
	}
	return s
}

// CPUID implements vcpu.Host.CPUID. A subleaf without an entry of its own
// returns the subleaf 0 entry; unknown leaves return zeroes.
func (s *Static) CPUID(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.cpuid[cpuidKey{leaf, subleaf}]
	if !ok {
		r = s.cpuid[cpuidKey{leaf, 0}]
	}
	return r[0], r[1], r[2], r[3]
}

// ReadMSR implements vcpu.Host.ReadMSR and mtrr.MSRReader.ReadMSR.
func (s *Static) ReadMSR(msr uint32) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.msrs[msr]
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrUnknownMSR, msr)
	}
	return val, nil
}

// WriteMSR implements vcpu.Host.WriteMSR.
func (s *Static) WriteMSR(msr uint32, val uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msrs[msr] = val
	s.writes = append(s.writes, Write{Kind: WriteMSR, Index: msr, Value: val})
	return nil
}

// InPort implements vcpu.Host.InPort.
func (s *Static) InPort(port uint16, size int) (uint32, error) {
	if !validSize(size) {
		return 0, fmt.Errorf("invalid access size %d", size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mask := uint32(1<<(8*size) - 1)
	val, ok := s.ports[port]
	if !ok {
		return mask, nil
	}
	return val & mask, nil
}

// OutPort implements vcpu.Host.OutPort.
func (s *Static) OutPort(port uint16, size int, val uint32) error {
	if !validSize(size) {
		return fmt.Errorf("invalid access size %d", size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, Write{Kind: WritePort, Index: uint32(port), Size: size, Value: uint64(val)})
	return nil
}

// XSetBV implements vcpu.Host.XSetBV.
func (s *Static) XSetBV(xcr uint32, val uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.xcrs[xcr] = val
	s.writes = append(s.writes, Write{Kind: WriteXCR, Index: xcr, Value: val})
	return nil
}

// XCR returns the last value written to xcr.
func (s *Static) XCR(xcr uint32) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.xcrs[xcr]
}

// Writes returns the writes performed since the last call, oldest first.
func (s *Static) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.writes
	s.writes = nil
	return w
}
