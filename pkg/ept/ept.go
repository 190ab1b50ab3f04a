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

// Package ept implements extended page tables: the second level translation
// from guest physical to host physical addresses.
//
// An AddressSpace is a four level radix tree of 512 entry tables. Leaves may
// be installed at the third level (1G), the second level (2M) or the first
// level (4K). Tables are allocated lazily by Map and are only ever returned
// to the Allocator by Release or Destroy.
package ept

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/vmtrap/pkg/mtrr"
)

// MemoryType is the memory type of a leaf entry.
type MemoryType = mtrr.Type

// Memory types.
const (
	Uncacheable    = mtrr.Uncacheable
	WriteCombining = mtrr.WriteCombining
	WriteThrough   = mtrr.WriteThrough
	WriteProtected = mtrr.WriteProtected
	WriteBack      = mtrr.WriteBack
)

const (
	pteShift   = 12
	pdShift    = 21
	pdptShift  = 30
	pml4Shift  = 39
	indexMask  = 0x1ff
	walkLength = 4

	pageSize    = 1 << pteShift
	page2MSize  = 1 << pdShift
	page1GSize  = 1 << pdptShift
	gpaLimit    = 1 << (pml4Shift + 9)
	addressMask = 0x000ffffffffff000

	entriesPerPage = 512
)

// Entry bits.
const (
	readable      = 1 << 0
	writable      = 1 << 1
	executable    = 1 << 2
	memTypeShift  = 3
	memTypeMask   = 0x7 << memTypeShift
	ignorePAT     = 1 << 6
	largePage     = 1 << 7
	accessed      = 1 << 8
	dirty         = 1 << 9
	accessBits    = readable | writable | executable
	tableEntryBit = readable | writable | executable
)

// PTE is an extended page table entry.
type PTE uint64

// PTEs is a single table page.
type PTEs [entriesPerPage]PTE

// Clear clears this PTE.
func (p *PTE) Clear() {
	*p = 0
}

// Valid returns true iff this entry is in use.
func (p PTE) Valid() bool {
	return p&accessBits != 0
}

// Large returns true iff this entry is a leaf above the PT level.
func (p PTE) Large() bool {
	return p&largePage != 0
}

// Address returns the physical address referenced by this entry.
func (p PTE) Address() uintptr {
	return uintptr(p & addressMask)
}

// AccessType returns the permissions of this entry.
func (p PTE) AccessType() hostarch.AccessType {
	return hostarch.AccessType{
		Read:    p&readable != 0,
		Write:   p&writable != 0,
		Execute: p&executable != 0,
	}
}

// MemoryType returns the memory type of a leaf entry.
func (p PTE) MemoryType() MemoryType {
	return MemoryType((p & memTypeMask) >> memTypeShift)
}

// IgnorePAT returns true iff the guest PAT is ignored for this leaf.
func (p PTE) IgnorePAT() bool {
	return p&ignorePAT != 0
}

// Accessed returns the accessed flag.
func (p PTE) Accessed() bool {
	return p&accessed != 0
}

// Dirty returns the dirty flag.
func (p PTE) Dirty() bool {
	return p&dirty != 0
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	if p == 0 {
		return "none"
	}
	return fmt.Sprintf("%#x %s %s", p.Address(), p.AccessType(), p.MemoryType())
}

// setTable points this entry at a child table.
func (p *PTE) setTable(physical uintptr) {
	*p = PTE(physical&addressMask) | tableEntryBit
}

// setLeaf installs a leaf entry.
func (p *PTE) setLeaf(physical uintptr, at hostarch.AccessType, mt MemoryType, large bool) {
	v := PTE(physical&addressMask) | PTE(mt)<<memTypeShift
	if at.Read {
		v |= readable
	}
	if at.Write {
		v |= writable
	}
	if at.Execute {
		v |= executable
	}
	if large {
		v |= largePage
	}
	*p = v
}

// Granularity is the size of a leaf.
type Granularity int

// Granularities.
const (
	// Unmapped is returned for an address not covered by any leaf.
	Unmapped Granularity = iota
	Page4K
	Page2M
	Page1G
)

// Size returns the number of bytes covered by a leaf of this granularity.
func (g Granularity) Size() uintptr {
	switch g {
	case Page4K:
		return pageSize
	case Page2M:
		return page2MSize
	case Page1G:
		return page1GSize
	default:
		return 0
	}
}

// String implements fmt.Stringer.String.
func (g Granularity) String() string {
	switch g {
	case Unmapped:
		return "unmapped"
	case Page4K:
		return "4K"
	case Page2M:
		return "2M"
	case Page1G:
		return "1G"
	default:
		return fmt.Sprintf("Granularity(%d)", int(g))
	}
}

// level returns the table level holding leaves of this granularity.
func (g Granularity) level() level {
	switch g {
	case Page2M:
		return levelPD
	case Page1G:
		return levelPDPT
	default:
		return levelPT
	}
}

// level is a table level. The PT holds 4K leaves.
type level int

const (
	levelPT level = iota
	levelPD
	levelPDPT
	levelPML4
)

func (l level) shift() uint {
	return pteShift + 9*uint(l)
}

func (l level) index(gpa uintptr) int {
	return int((gpa >> l.shift()) & indexMask)
}

func (l level) granularity() Granularity {
	switch l {
	case levelPT:
		return Page4K
	case levelPD:
		return Page2M
	case levelPDPT:
		return Page1G
	default:
		return Unmapped
	}
}

func (l level) String() string {
	switch l {
	case levelPT:
		return "PT"
	case levelPD:
		return "PD"
	case levelPDPT:
		return "PDPT"
	case levelPML4:
		return "PML4"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Errors.
var (
	// ErrContract is wrapped by every error reporting a caller bug.
	ErrContract = errors.New("contract violation")

	ErrMisaligned        = fmt.Errorf("%w: misaligned address", ErrContract)
	ErrAlreadyMapped     = fmt.Errorf("%w: already mapped", ErrContract)
	ErrOutOfRange        = fmt.Errorf("%w: address out of range", ErrContract)
	ErrNoAccess          = fmt.Errorf("%w: leaf without permissions", ErrContract)
	ErrInvalidMemoryType = fmt.Errorf("%w: invalid memory type", ErrContract)
	ErrDestroyed         = fmt.Errorf("%w: address space destroyed", ErrContract)

	// ErrNotMapped is returned for an address not covered by any leaf.
	ErrNotMapped = errors.New("not mapped")

	// ErrNoMemory is returned when a table could not be allocated.
	ErrNoMemory = errors.New("out of table memory")
)

// IsContractViolation returns true iff err reports a caller bug rather than
// a runtime condition.
func IsContractViolation(err error) bool {
	return errors.Is(err, ErrContract)
}
