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

// Package mtrr provides a normalized view of the host's memory type range
// registers.
//
// The hardware reports cache types as a default type, a set of fixed ranges
// covering the first megabyte and a set of (possibly overlapping) variable
// ranges. A Table flattens all of this into an ordered set of ranges that do
// not overlap and leave no gaps between zero and the physical address limit.
package mtrr

import (
	"fmt"
	"strings"

	"github.com/google/btree"
)

// Type is an architectural memory type, as encoded in the MTRRs and in EPT
// leaf entries.
type Type uint8

// Memory types.
const (
	Uncacheable    Type = 0
	WriteCombining Type = 1
	WriteThrough   Type = 4
	WriteProtected Type = 5
	WriteBack      Type = 6
)

// Valid returns true iff t is an architecturally defined memory type.
func (t Type) Valid() bool {
	switch t {
	case Uncacheable, WriteCombining, WriteThrough, WriteProtected, WriteBack:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.String.
func (t Type) String() string {
	switch t {
	case Uncacheable:
		return "UC"
	case WriteCombining:
		return "WC"
	case WriteThrough:
		return "WT"
	case WriteProtected:
		return "WP"
	case WriteBack:
		return "WB"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// ParseType parses the short form returned by Type.String.
func ParseType(s string) (Type, error) {
	switch strings.ToUpper(s) {
	case "UC":
		return Uncacheable, nil
	case "WC":
		return WriteCombining, nil
	case "WT":
		return WriteThrough, nil
	case "WP":
		return WriteProtected, nil
	case "WB":
		return WriteBack, nil
	}
	return 0, fmt.Errorf("unknown memory type %q", s)
}

// combine returns the effective type of memory covered by two overlapping
// variable ranges.
//
// UC always wins and WT wins over WB. Other overlaps are undefined by the
// architecture and are resolved to UC.
func combine(a, b Type) Type {
	switch {
	case a == b:
		return a
	case a == Uncacheable || b == Uncacheable:
		return Uncacheable
	case (a == WriteThrough && b == WriteBack) || (a == WriteBack && b == WriteThrough):
		return WriteThrough
	default:
		return Uncacheable
	}
}

// Range is a contiguous run of physical memory with a single memory type.
type Range struct {
	Type Type
	Base uint64
	Size uint64
}

// End returns the first address past the range.
func (r Range) End() uint64 {
	return r.Base + r.Size
}

// String implements fmt.Stringer.String.
func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x) %s", r.Base, r.End(), r.Type)
}

func rangeLess(a, b Range) bool {
	return a.Base < b.Base
}

// btreeDegree is the degree of the range tree. The tree rarely holds more
// than a few dozen ranges.
const btreeDegree = 8

// Table is a normalized set of memory type ranges.
//
// A Table is immutable once built and may be shared between goroutines.
type Table struct {
	ranges *btree.BTreeG[Range]
	limit  uint64
}

// NewTable returns a table covering [0, limit) with the given ranges laid
// out in order and type def wherever none of them apply. Where ranges
// overlap each other, the architectural precedence rules apply. The default
// type never takes part in those rules.
func NewTable(def Type, limit uint64, overlays ...Range) (*Table, error) {
	b, err := newBuilder(def, limit)
	if err != nil {
		return nil, err
	}
	for _, r := range overlays {
		if err := b.overlay(r); err != nil {
			return nil, err
		}
	}
	return b.table(), nil
}

// FromRanges builds a table from an already normalized set of ranges. The
// ranges must be ordered, start at zero and leave no gaps.
func FromRanges(ranges []Range) (*Table, error) {
	if len(ranges) == 0 {
		return nil, fmt.Errorf("no ranges")
	}
	t := &Table{ranges: btree.NewG(btreeDegree, rangeLess)}
	var next uint64
	for _, r := range ranges {
		if r.Base != next {
			return nil, fmt.Errorf("range %v does not start at %#x", r, next)
		}
		if r.Size == 0 {
			return nil, fmt.Errorf("range %v is empty", r)
		}
		if !r.Type.Valid() {
			return nil, fmt.Errorf("range %v has an invalid type", r)
		}
		t.ranges.ReplaceOrInsert(r)
		next = r.End()
	}
	t.limit = next
	return t, nil
}

// Limit returns the end of the physical address range covered by the table.
func (t *Table) Limit() uint64 {
	return t.limit
}

// Ranges returns the ranges in address order.
func (t *Table) Ranges() []Range {
	rs := make([]Range, 0, t.ranges.Len())
	t.ranges.Ascend(func(r Range) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// find returns the range containing addr.
func (t *Table) find(addr uint64) (Range, bool) {
	var (
		found Range
		ok    bool
	)
	t.ranges.DescendLessOrEqual(Range{Base: addr}, func(r Range) bool {
		found, ok = r, addr < r.End()
		return false
	})
	return found, ok
}

// Contains returns true iff addr is covered by the table.
func (t *Table) Contains(addr uint64) bool {
	_, ok := t.find(addr)
	return ok
}

// Distance returns the number of bytes from addr to the end of the range
// containing addr, or zero if addr is not covered.
func (t *Table) Distance(addr uint64) uint64 {
	r, ok := t.find(addr)
	if !ok {
		return 0
	}
	return r.End() - addr
}

// TypeOf returns the memory type of addr.
func (t *Table) TypeOf(addr uint64) (Type, bool) {
	r, ok := t.find(addr)
	return r.Type, ok
}

// String implements fmt.Stringer.String.
func (t *Table) String() string {
	var sb strings.Builder
	t.ranges.Ascend(func(r Range) bool {
		fmt.Fprintln(&sb, r.String())
		return true
	})
	return sb.String()
}

// unset marks memory that no range has been laid over yet.
const unset Type = 0xff

// builder accumulates overlays. Every address in [0, limit) is covered by
// exactly one range at all times. Memory still unset when the table is
// built takes the default type.
type builder struct {
	ranges *btree.BTreeG[Range]
	limit  uint64
	def    Type
}

func newBuilder(def Type, limit uint64) (*builder, error) {
	if limit == 0 {
		return nil, fmt.Errorf("empty physical address range")
	}
	if !def.Valid() {
		return nil, fmt.Errorf("invalid default type %v", def)
	}
	b := &builder{
		ranges: btree.NewG(btreeDegree, rangeLess),
		limit:  limit,
		def:    def,
	}
	b.ranges.ReplaceOrInsert(Range{Type: unset, Base: 0, Size: limit})
	return b, nil
}

// overlay lays r over the existing ranges, resolving overlaps with combine.
func (b *builder) overlay(r Range) error {
	return b.paint(r, func(old, t Type) Type {
		if old == unset {
			return t
		}
		return combine(old, t)
	})
}

// override lays r over the existing ranges, replacing their types.
func (b *builder) override(r Range) error {
	return b.paint(r, func(_, t Type) Type { return t })
}

func (b *builder) paint(r Range, merge func(old, new Type) Type) error {
	if !r.Type.Valid() {
		return fmt.Errorf("range %v has an invalid type", r)
	}
	if r.Size == 0 {
		return nil
	}
	if r.Base >= b.limit {
		return nil
	}
	if r.End() > b.limit || r.End() < r.Base {
		r.Size = b.limit - r.Base
	}

	// Collect the affected ranges first; the tree can't be mutated while
	// iterating.
	var hit []Range
	b.ranges.DescendLessOrEqual(Range{Base: r.Base}, func(o Range) bool {
		hit = append(hit, o)
		return false
	})
	b.ranges.AscendRange(Range{Base: r.Base + 1}, Range{Base: r.End()}, func(o Range) bool {
		hit = append(hit, o)
		return true
	})

	for _, o := range hit {
		b.ranges.Delete(o)
		if o.Base < r.Base {
			b.ranges.ReplaceOrInsert(Range{Type: o.Type, Base: o.Base, Size: r.Base - o.Base})
		}
		if o.End() > r.End() {
			b.ranges.ReplaceOrInsert(Range{Type: o.Type, Base: r.End(), Size: o.End() - r.End()})
		}
		start, end := max(o.Base, r.Base), min(o.End(), r.End())
		b.ranges.ReplaceOrInsert(Range{Type: merge(o.Type, r.Type), Base: start, Size: end - start})
	}
	return nil
}

// table coalesces adjacent ranges of the same type and returns the result.
func (b *builder) table() *Table {
	t := &Table{
		ranges: btree.NewG(btreeDegree, rangeLess),
		limit:  b.limit,
	}
	var (
		cur  Range
		have bool
	)
	b.ranges.Ascend(func(r Range) bool {
		if r.Type == unset {
			r.Type = b.def
		}
		switch {
		case !have:
			cur, have = r, true
		case cur.Type == r.Type && cur.End() == r.Base:
			cur.Size += r.Size
		default:
			t.ranges.ReplaceOrInsert(cur)
			cur = r
		}
		return true
	})
	if have {
		t.ranges.ReplaceOrInsert(cur)
	}
	return t
}
