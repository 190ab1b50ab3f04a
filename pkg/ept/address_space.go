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
	"fmt"

	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// cachedTable is the most recently visited table at one level.
type cachedTable struct {
	valid    bool
	physical uintptr
	ptes     *PTEs
}

// AddressSpace is a guest physical address space.
//
// All methods are safe for concurrent use. Each public call holds mu for its
// whole duration, so a multi-level descent is atomic with respect to other
// callers.
type AddressSpace struct {
	mu sync.Mutex

	// allocator is the allocator passed at creation.
	allocator Allocator

	// root is the PML4. It is nil after Destroy.
	root *PTEs

	// rootPhysical is the physical address of root.
	rootPhysical uintptr

	// eptp is the cached EPT pointer, or zero if not yet computed.
	eptp uint64

	// cache holds the last table visited at each level below the root.
	cache [levelPML4]cachedTable

	// tables is the number of tables owned, including the root.
	tables int
}

// New returns a new, empty address space.
func New(a Allocator) (*AddressSpace, error) {
	root, err := a.NewPTEs()
	if err != nil {
		return nil, fmt.Errorf("allocating %v: %w", levelPML4, err)
	}
	return &AddressSpace{
		allocator:    a,
		root:         root,
		rootPhysical: a.PhysicalFor(root),
		tables:       1,
	}, nil
}

// EPTP returns the EPT pointer for this address space: the root physical
// address with a write-back paging structure memory type and a four level
// walk.
func (as *AddressSpace) EPTP() uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.eptp == 0 && as.root != nil {
		as.eptp = uint64(as.rootPhysical) | uint64(WriteBack) | (walkLength-1)<<3
	}
	return as.eptp
}

// TablePages returns the number of table pages currently owned.
func (as *AddressSpace) TablePages() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.tables
}

// table returns the child table referenced by pte, which lives at level l.
//
// Precondition: as.mu must be held.
func (as *AddressSpace) table(l level, pte PTE) *PTEs {
	physical := pte.Address()
	c := &as.cache[l]
	if c.valid && c.physical == physical {
		return c.ptes
	}
	ptes := as.allocator.LookupPTEs(physical)
	if ptes == nil {
		panic(fmt.Sprintf("%v entry %#x references unknown table", l+1, uint64(pte)))
	}
	*c = cachedTable{valid: true, physical: physical, ptes: ptes}
	return ptes
}

// newTable allocates a table at level l.
//
// Precondition: as.mu must be held.
func (as *AddressSpace) newTable(l level) (*PTEs, uintptr, error) {
	ptes, err := as.allocator.NewPTEs()
	if err != nil {
		return nil, 0, err
	}
	physical := as.allocator.PhysicalFor(ptes)
	as.cache[l] = cachedTable{valid: true, physical: physical, ptes: ptes}
	as.tables++
	return ptes, physical, nil
}

// freeTable returns a table at level l to the allocator.
//
// Precondition: as.mu must be held.
func (as *AddressSpace) freeTable(l level, ptes *PTEs) {
	if c := &as.cache[l]; c.valid && c.ptes == ptes {
		*c = cachedTable{}
	}
	as.allocator.FreePTEs(ptes)
	as.tables--
}

func (as *AddressSpace) checkLive() error {
	if as.root == nil {
		return ErrDestroyed
	}
	return nil
}

// Map1G installs a 1G leaf mapping gpa to hpa.
func (as *AddressSpace) Map1G(gpa, hpa uintptr, at hostarch.AccessType, mt MemoryType) error {
	return as.mapLeaf(gpa, hpa, at, mt, Page1G)
}

// Map2M installs a 2M leaf mapping gpa to hpa.
func (as *AddressSpace) Map2M(gpa, hpa uintptr, at hostarch.AccessType, mt MemoryType) error {
	return as.mapLeaf(gpa, hpa, at, mt, Page2M)
}

// Map4K installs a 4K leaf mapping gpa to hpa.
func (as *AddressSpace) Map4K(gpa, hpa uintptr, at hostarch.AccessType, mt MemoryType) error {
	return as.mapLeaf(gpa, hpa, at, mt, Page4K)
}

// mapLeaf installs a leaf of granularity g.
//
// Any table allocated along the way is freed again if the call fails, so a
// failed call leaves the address space exactly as it was.
func (as *AddressSpace) mapLeaf(gpa, hpa uintptr, at hostarch.AccessType, mt MemoryType, g Granularity) error {
	size := g.Size()
	switch {
	case gpa&(size-1) != 0 || hpa&(size-1) != 0:
		return fmt.Errorf("%v map of %#x to %#x: %w", g, gpa, hpa, ErrMisaligned)
	case gpa >= gpaLimit || uint64(hpa)&^addressMask != 0:
		return fmt.Errorf("%v map of %#x to %#x: %w", g, gpa, hpa, ErrOutOfRange)
	case !at.Any():
		return fmt.Errorf("%v map of %#x: %w", g, gpa, ErrNoAccess)
	case !mt.Valid():
		return fmt.Errorf("%v map of %#x with type %v: %w", g, gpa, mt, ErrInvalidMemoryType)
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	if err := as.checkLive(); err != nil {
		return err
	}

	cu := cleanup.Cleanup{}
	defer cu.Clean()

	ptes := as.root
	target := g.level()
	for l := levelPML4; l > target; l-- {
		pte := &ptes[l.index(gpa)]
		if !pte.Valid() {
			child, physical, err := as.newTable(l - 1)
			if err != nil {
				return fmt.Errorf("allocating %v for %#x: %w", l-1, gpa, err)
			}
			pte.setTable(physical)
			childLevel := l - 1
			cu.Add(func() {
				pte.Clear()
				as.freeTable(childLevel, child)
			})
			ptes = child
			continue
		}
		if l != levelPML4 && pte.Large() {
			return fmt.Errorf("%v map of %#x: covered by %v leaf: %w", g, gpa, l.granularity(), ErrAlreadyMapped)
		}
		ptes = as.table(l-1, *pte)
	}

	leaf := &ptes[target.index(gpa)]
	if *leaf != 0 {
		return fmt.Errorf("%v map of %#x: entry %v: %w", g, gpa, *leaf, ErrAlreadyMapped)
	}
	leaf.setLeaf(hpa, at, mt, g != Page4K)
	cu.Release()
	return nil
}

// walk returns the leaf covering gpa.
//
// Precondition: as.mu must be held.
func (as *AddressSpace) walk(gpa uintptr) (*PTE, Granularity) {
	if as.root == nil || gpa >= gpaLimit {
		return nil, Unmapped
	}
	ptes := as.root
	for l := levelPML4; ; l-- {
		pte := &ptes[l.index(gpa)]
		if !pte.Valid() {
			return nil, Unmapped
		}
		if l == levelPT || (l != levelPML4 && pte.Large()) {
			return pte, l.granularity()
		}
		ptes = as.table(l-1, *pte)
	}
}

// Unmap clears the leaf covering gpa and returns its granularity. Tables are
// not freed; see Release.
func (as *AddressSpace) Unmap(gpa uintptr) (Granularity, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, g := as.walk(gpa)
	if pte == nil {
		return Unmapped, fmt.Errorf("unmap of %#x: %w", gpa, ErrNotMapped)
	}
	pte.Clear()
	return g, nil
}

// Release frees every table on the path to gpa that is empty, from the
// bottom up. The root is never freed.
func (as *AddressSpace) Release(gpa uintptr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.root == nil || gpa >= gpaLimit {
		return
	}

	type step struct {
		parent *PTEs
		index  int
		level  level
	}
	var (
		path [levelPML4]step
		n    int
	)
	ptes := as.root
	for l := levelPML4; l > levelPT; l-- {
		i := l.index(gpa)
		pte := ptes[i]
		if !pte.Valid() || (l != levelPML4 && pte.Large()) {
			break
		}
		path[n] = step{parent: ptes, index: i, level: l - 1}
		n++
		ptes = as.table(l-1, pte)
	}

	for n > 0 {
		n--
		s := path[n]
		child := as.table(s.level, s.parent[s.index])
		if !empty(child) {
			return
		}
		s.parent[s.index].Clear()
		as.freeTable(s.level, child)
		log.Debugf("Released %v for %#x", s.level, gpa)
	}
}

func empty(ptes *PTEs) bool {
	for _, pte := range ptes {
		if pte != 0 {
			return false
		}
	}
	return true
}

// VirtToPhys translates gpa.
func (as *AddressSpace) VirtToPhys(gpa uintptr) (uintptr, Granularity, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, g := as.walk(gpa)
	if pte == nil {
		return 0, Unmapped, fmt.Errorf("translating %#x: %w", gpa, ErrNotMapped)
	}
	return pte.Address() | (gpa & (g.Size() - 1)), g, nil
}

// Entry returns the leaf covering gpa.
func (as *AddressSpace) Entry(gpa uintptr) (PTE, Granularity, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, g := as.walk(gpa)
	if pte == nil {
		return 0, Unmapped, fmt.Errorf("entry for %#x: %w", gpa, ErrNotMapped)
	}
	return *pte, g, nil
}

// From returns the granularity of the leaf covering gpa.
func (as *AddressSpace) From(gpa uintptr) (Granularity, error) {
	_, g, err := as.Entry(gpa)
	return g, err
}

// Is1G returns true iff gpa is covered by a 1G leaf.
func (as *AddressSpace) Is1G(gpa uintptr) bool {
	g, _ := as.From(gpa)
	return g == Page1G
}

// Is2M returns true iff gpa is covered by a 2M leaf.
func (as *AddressSpace) Is2M(gpa uintptr) bool {
	g, _ := as.From(gpa)
	return g == Page2M
}

// Is4K returns true iff gpa is covered by a 4K leaf.
func (as *AddressSpace) Is4K(gpa uintptr) bool {
	g, _ := as.From(gpa)
	return g == Page4K
}

// Mapping is a single leaf.
type Mapping struct {
	GPA         uintptr
	HPA         uintptr
	Granularity Granularity
	AccessType  hostarch.AccessType
	MemoryType  MemoryType
}

// Mappings calls fn for every leaf in address order until fn returns false.
//
// fn is called with the address space locked and must not call back into it.
func (as *AddressSpace) Mappings(fn func(Mapping) bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.root == nil {
		return
	}
	as.visit(as.root, levelPML4, 0, fn)
}

// visit walks ptes, a table at level l mapping addresses from base.
func (as *AddressSpace) visit(ptes *PTEs, l level, base uintptr, fn func(Mapping) bool) bool {
	for i, pte := range ptes {
		if !pte.Valid() {
			continue
		}
		gpa := base | uintptr(i)<<l.shift()
		if l == levelPT || (l != levelPML4 && pte.Large()) {
			m := Mapping{
				GPA:         gpa,
				HPA:         pte.Address(),
				Granularity: l.granularity(),
				AccessType:  pte.AccessType(),
				MemoryType:  pte.MemoryType(),
			}
			if !fn(m) {
				return false
			}
			continue
		}
		if !as.visit(as.table(l-1, pte), l-1, gpa, fn) {
			return false
		}
	}
	return true
}

// Destroy frees every table, including the root. The address space may not
// be used afterwards.
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.root == nil {
		return
	}

	type work struct {
		ptes  *PTEs
		level level
	}
	stack := []work{{as.root, levelPML4}}
	for len(stack) > 0 {
		w := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if w.level != levelPT {
			for _, pte := range w.ptes {
				if !pte.Valid() || (w.level != levelPML4 && pte.Large()) {
					continue
				}
				stack = append(stack, work{as.table(w.level-1, pte), w.level - 1})
			}
		}
		if w.level == levelPML4 {
			as.allocator.FreePTEs(w.ptes)
			as.tables--
		} else {
			as.freeTable(w.level, w.ptes)
		}
	}
	as.root = nil
	as.eptp = 0
	as.cache = [levelPML4]cachedTable{}
}
