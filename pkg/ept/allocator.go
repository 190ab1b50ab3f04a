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

// Allocator is used to allocate and map table pages.
type Allocator interface {
	// NewPTEs returns a new, zeroed and page aligned set of PTEs. When no
	// page is available the returned error wraps ErrNoMemory.
	NewPTEs() (*PTEs, error)

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) uintptr

	// LookupPTEs looks up PTEs by physical address.
	LookupPTEs(physical uintptr) *PTEs

	// FreePTEs marks a set of PTEs as freed. Its contents may be reused.
	FreePTEs(ptes *PTEs)
}

// RuntimeAllocator is a trivial allocator backed by the Go heap. Physical
// addresses are host virtual addresses.
type RuntimeAllocator struct {
	// used is the set of tables handed out, keyed by address.
	used map[uintptr]*PTEs

	// pool is the set of free-to-use PTEs.
	pool []*PTEs
}

// NewRuntimeAllocator returns an allocator that uses runtime allocation.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{
		used: make(map[uintptr]*PTEs),
	}
}

// Recycle returns freed pages to the Go heap.
func (r *RuntimeAllocator) Recycle() {
	r.pool = r.pool[:0]
}

// InUse returns the number of pages handed out and not yet freed.
func (r *RuntimeAllocator) InUse() int {
	return len(r.used)
}

// NewPTEs implements Allocator.NewPTEs.
func (r *RuntimeAllocator) NewPTEs() (*PTEs, error) {
	var ptes *PTEs
	if n := len(r.pool); n > 0 {
		ptes = r.pool[n-1]
		r.pool = r.pool[:n-1]
		*ptes = PTEs{}
	} else {
		ptes = newAlignedPTEs()
	}
	r.used[physicalFor(ptes)] = ptes
	return ptes, nil
}

// PhysicalFor implements Allocator.PhysicalFor.
func (r *RuntimeAllocator) PhysicalFor(ptes *PTEs) uintptr {
	return physicalFor(ptes)
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *RuntimeAllocator) LookupPTEs(physical uintptr) *PTEs {
	return r.used[physical]
}

// FreePTEs implements Allocator.FreePTEs.
func (r *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	delete(r.used, physicalFor(ptes))
	r.pool = append(r.pool, ptes)
}
