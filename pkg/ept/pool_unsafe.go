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

//go:build linux

package ept

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// PoolAllocator hands out table pages from a fixed size arena.
//
// Pages are addressed by index: page i has physical address base+i*PageSize.
// The arena is mapped once and never grows, so exhaustion is reported as
// ErrNoMemory. This models a hypervisor carving its tables out of a
// physically contiguous region reserved at boot.
type PoolAllocator struct {
	mem  []byte
	base uintptr

	// free is a stack of free page indices.
	free []int

	// inUse tracks allocated pages.
	inUse []bool
}

// NewPoolAllocator maps an arena of the given number of pages whose first
// page has the given physical address.
func NewPoolAllocator(pages int, base uintptr) (*PoolAllocator, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("invalid pool size %d", pages)
	}
	if base&(hostarch.PageSize-1) != 0 {
		return nil, fmt.Errorf("pool base %#x: %w", base, ErrMisaligned)
	}
	mem, err := unix.Mmap(-1, 0, pages*hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping %d page pool: %w", pages, err)
	}
	p := &PoolAllocator{
		mem:   mem,
		base:  base,
		free:  make([]int, pages),
		inUse: make([]bool, pages),
	}
	// Hand out low pages first.
	for i := range p.free {
		p.free[i] = pages - 1 - i
	}
	return p, nil
}

// Close unmaps the arena. No pages may be in use.
func (p *PoolAllocator) Close() error {
	if n := p.InUse(); n != 0 {
		return fmt.Errorf("%d pages still in use", n)
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	return err
}

// Capacity returns the number of pages in the arena.
func (p *PoolAllocator) Capacity() int {
	return len(p.inUse)
}

// InUse returns the number of allocated pages.
func (p *PoolAllocator) InUse() int {
	return len(p.inUse) - len(p.free)
}

func (p *PoolAllocator) page(i int) *PTEs {
	return (*PTEs)(unsafe.Pointer(&p.mem[i*hostarch.PageSize]))
}

func (p *PoolAllocator) indexOf(ptes *PTEs) int {
	off := uintptr(unsafe.Pointer(ptes)) - uintptr(unsafe.Pointer(&p.mem[0]))
	return int(off / hostarch.PageSize)
}

// NewPTEs implements Allocator.NewPTEs.
func (p *PoolAllocator) NewPTEs() (*PTEs, error) {
	n := len(p.free)
	if n == 0 {
		return nil, fmt.Errorf("pool of %d pages exhausted: %w", len(p.inUse), ErrNoMemory)
	}
	i := p.free[n-1]
	p.free = p.free[:n-1]
	p.inUse[i] = true
	ptes := p.page(i)
	*ptes = PTEs{}
	return ptes, nil
}

// PhysicalFor implements Allocator.PhysicalFor.
func (p *PoolAllocator) PhysicalFor(ptes *PTEs) uintptr {
	return p.base + uintptr(p.indexOf(ptes))*hostarch.PageSize
}

// LookupPTEs implements Allocator.LookupPTEs.
func (p *PoolAllocator) LookupPTEs(physical uintptr) *PTEs {
	if physical < p.base {
		return nil
	}
	i := int((physical - p.base) / hostarch.PageSize)
	if i >= len(p.inUse) || !p.inUse[i] {
		return nil
	}
	return p.page(i)
}

// FreePTEs implements Allocator.FreePTEs.
func (p *PoolAllocator) FreePTEs(ptes *PTEs) {
	i := p.indexOf(ptes)
	if !p.inUse[i] {
		panic(fmt.Sprintf("double free of pool page %d", i))
	}
	p.inUse[i] = false
	p.free = append(p.free, i)
}
