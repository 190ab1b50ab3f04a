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

package ept

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/vmtrap/pkg/mtrr"
)

// checkRange validates a half open range for granularity g.
func checkRange(start, end uintptr, g Granularity) error {
	size := g.Size()
	if start&(size-1) != 0 || end&(size-1) != 0 {
		return fmt.Errorf("%v range [%#x, %#x): %w", g, start, end, ErrMisaligned)
	}
	if end < start {
		return fmt.Errorf("%v range [%#x, %#x): %w", g, start, end, ErrOutOfRange)
	}
	return nil
}

// identityMap maps [start, end) to itself with leaves of granularity g. On
// failure every leaf installed by the call is removed again.
func identityMap(as *AddressSpace, start, end uintptr, at hostarch.AccessType, mt MemoryType, g Granularity) error {
	if err := checkRange(start, end, g); err != nil {
		return err
	}
	size := g.Size()
	cu := cleanup.Cleanup{}
	defer cu.Clean()
	for addr := start; addr < end; addr += size {
		if err := as.mapLeaf(addr, addr, at, mt, g); err != nil {
			return err
		}
		mapped := addr
		cu.Add(func() {
			as.Unmap(mapped)
			as.Release(mapped)
		})
	}
	cu.Release()
	return nil
}

// identityUnmap removes the leaves of granularity g at each step of
// [start, end). Holes are skipped.
func identityUnmap(as *AddressSpace, start, end uintptr, g Granularity) error {
	if err := checkRange(start, end, g); err != nil {
		return err
	}
	for addr := start; addr < end; addr += g.Size() {
		if _, err := as.Unmap(addr); err != nil && !errors.Is(err, ErrNotMapped) {
			return err
		}
	}
	return nil
}

func identityRelease(as *AddressSpace, start, end uintptr, g Granularity) error {
	if err := checkRange(start, end, g); err != nil {
		return err
	}
	for addr := start; addr < end; addr += g.Size() {
		as.Release(addr)
	}
	return nil
}

// IdentityMap1G maps [start, end) to itself with 1G leaves.
func IdentityMap1G(as *AddressSpace, start, end uintptr, at hostarch.AccessType, mt MemoryType) error {
	return identityMap(as, start, end, at, mt, Page1G)
}

// IdentityMap2M maps [start, end) to itself with 2M leaves.
func IdentityMap2M(as *AddressSpace, start, end uintptr, at hostarch.AccessType, mt MemoryType) error {
	return identityMap(as, start, end, at, mt, Page2M)
}

// IdentityMap4K maps [start, end) to itself with 4K leaves.
func IdentityMap4K(as *AddressSpace, start, end uintptr, at hostarch.AccessType, mt MemoryType) error {
	return identityMap(as, start, end, at, mt, Page4K)
}

// IdentityUnmap1G unmaps [start, end) in 1G steps.
func IdentityUnmap1G(as *AddressSpace, start, end uintptr) error {
	return identityUnmap(as, start, end, Page1G)
}

// IdentityUnmap2M unmaps [start, end) in 2M steps.
func IdentityUnmap2M(as *AddressSpace, start, end uintptr) error {
	return identityUnmap(as, start, end, Page2M)
}

// IdentityUnmap4K unmaps [start, end) in 4K steps.
func IdentityUnmap4K(as *AddressSpace, start, end uintptr) error {
	return identityUnmap(as, start, end, Page4K)
}

// IdentityRelease1G releases the tables under [start, end) in 1G steps.
func IdentityRelease1G(as *AddressSpace, start, end uintptr) error {
	return identityRelease(as, start, end, Page1G)
}

// IdentityRelease2M releases the tables under [start, end) in 2M steps.
func IdentityRelease2M(as *AddressSpace, start, end uintptr) error {
	return identityRelease(as, start, end, Page2M)
}

// IdentityRelease4K releases the tables under [start, end) in 4K steps.
func IdentityRelease4K(as *AddressSpace, start, end uintptr) error {
	return identityRelease(as, start, end, Page4K)
}

// convert replaces the identity leaves of granularity from covering the
// region at addr with leaves of granularity to. The region is the larger of
// the two granularities and addr must be aligned to it.
func convert(as *AddressSpace, addr uintptr, at hostarch.AccessType, mt MemoryType, from, to Granularity) error {
	region := max(from.Size(), to.Size())
	if addr&(region-1) != 0 {
		return fmt.Errorf("converting %#x from %v to %v: %w", addr, from, to, ErrMisaligned)
	}
	end := addr + region
	if err := identityUnmap(as, addr, end, from); err != nil {
		return err
	}
	if err := identityRelease(as, addr, end, from); err != nil {
		return err
	}
	return identityMap(as, addr, end, at, mt, to)
}

// Convert1GTo2M replaces the 1G identity leaf at addr with 2M leaves.
func Convert1GTo2M(as *AddressSpace, addr uintptr, at hostarch.AccessType, mt MemoryType) error {
	return convert(as, addr, at, mt, Page1G, Page2M)
}

// Convert1GTo4K replaces the 1G identity leaf at addr with 4K leaves.
func Convert1GTo4K(as *AddressSpace, addr uintptr, at hostarch.AccessType, mt MemoryType) error {
	return convert(as, addr, at, mt, Page1G, Page4K)
}

// Convert2MTo1G replaces the 2M identity leaves of the 1G region at addr with
// a single 1G leaf.
func Convert2MTo1G(as *AddressSpace, addr uintptr, at hostarch.AccessType, mt MemoryType) error {
	return convert(as, addr, at, mt, Page2M, Page1G)
}

// Convert2MTo4K replaces the 2M identity leaf at addr with 4K leaves.
func Convert2MTo4K(as *AddressSpace, addr uintptr, at hostarch.AccessType, mt MemoryType) error {
	return convert(as, addr, at, mt, Page2M, Page4K)
}

// Convert4KTo1G replaces the 4K identity leaves of the 1G region at addr with
// a single 1G leaf.
func Convert4KTo1G(as *AddressSpace, addr uintptr, at hostarch.AccessType, mt MemoryType) error {
	return convert(as, addr, at, mt, Page4K, Page1G)
}

// Convert4KTo2M replaces the 4K identity leaves of the 2M region at addr with
// a single 2M leaf.
func Convert4KTo2M(as *AddressSpace, addr uintptr, at hostarch.AccessType, mt MemoryType) error {
	return convert(as, addr, at, mt, Page4K, Page2M)
}

// IdentityOption configures IdentityMap.
type IdentityOption func(*identityOptions)

type identityOptions struct {
	progress func(mapped uintptr)
}

// WithProgress reports the number of bytes mapped after every leaf.
func WithProgress(fn func(mapped uintptr)) IdentityOption {
	return func(o *identityOptions) {
		o.progress = fn
	}
}

// IdentityMap maps [start, end) to itself, taking each leaf's memory type
// from tbl.
//
// A 2M leaf is used wherever addr is 2M aligned, at least 2M remain and the
// memory type range containing addr extends at least 2M. Everywhere else 4K
// leaves are used, so no leaf straddles two memory types. On failure every
// leaf installed by the call is removed again.
func IdentityMap(as *AddressSpace, tbl *mtrr.Table, start, end uintptr, at hostarch.AccessType, opts ...IdentityOption) error {
	var o identityOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := checkRange(start, end, Page4K); err != nil {
		return err
	}

	cu := cleanup.Cleanup{}
	defer cu.Clean()
	var small, large int
	for addr := start; addr < end; {
		mt, ok := tbl.TypeOf(uint64(addr))
		if !ok {
			return fmt.Errorf("%#x is beyond the memory type table limit %#x: %w", addr, tbl.Limit(), ErrOutOfRange)
		}
		g := Page4K
		if addr&(page2MSize-1) == 0 && end-addr >= page2MSize && tbl.Distance(uint64(addr)) >= page2MSize {
			g = Page2M
		}
		if err := as.mapLeaf(addr, addr, at, mt, g); err != nil {
			return err
		}
		mapped := addr
		cu.Add(func() {
			as.Unmap(mapped)
			as.Release(mapped)
		})
		if g == Page2M {
			large++
		} else {
			small++
		}
		addr += g.Size()
		if o.progress != nil {
			o.progress(addr - start)
		}
	}
	cu.Release()
	log.Debugf("Identity mapped [%#x, %#x): %d 2M leaves, %d 4K leaves", start, end, large, small)
	return nil
}

// IdentityUnmap removes every leaf in [start, end), whatever its
// granularity, and releases the tables left empty.
func IdentityUnmap(as *AddressSpace, start, end uintptr) error {
	if err := checkRange(start, end, Page4K); err != nil {
		return err
	}
	for addr := start; addr < end; {
		g, err := as.Unmap(addr)
		switch {
		case errors.Is(err, ErrNotMapped):
			addr += pageSize
			continue
		case err != nil:
			return err
		}
		as.Release(addr)
		// Leaves are aligned; skip to the end of the one just removed.
		addr = (addr &^ (g.Size() - 1)) + g.Size()
	}
	return nil
}
