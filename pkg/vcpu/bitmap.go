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
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/vmtrap/pkg/ept"
)

// ErrMSROutOfRange is returned for an MSR the MSR bitmap cannot express.
// Accesses to such MSRs always exit.
var ErrMSROutOfRange = fmt.Errorf("%w: MSR outside the bitmap range", ept.ErrContract)

const (
	msrLowEnd    = 0x2000
	msrHighStart = 0xc0000000
	msrHighEnd   = 0xc0002000

	msrReadLow   = 0x000
	msrReadHigh  = 0x400
	msrWriteLow  = 0x800
	msrWriteHigh = 0xc00

	ioPortsPerPage = hostarch.PageSize * 8
)

// msrBitmap is the one page MSR bitmap. A set bit causes the access to exit.
type msrBitmap struct {
	page []byte
}

// bit returns the byte offset and the bit of msr in the read or write half.
func (b *msrBitmap) bit(msr uint32, write bool) (int, byte, error) {
	var base, index int
	switch {
	case msr < msrLowEnd:
		base, index = msrReadLow, int(msr)
	case msr >= msrHighStart && msr < msrHighEnd:
		base, index = msrReadHigh, int(msr-msrHighStart)
	default:
		return 0, 0, fmt.Errorf("%w: %#x", ErrMSROutOfRange, msr)
	}
	if write {
		base += msrWriteLow
	}
	return base + index/8, 1 << (index % 8), nil
}

// trap sets the exit bit for msr. It returns false, leaving the page
// untouched, for an MSR outside the bitmap; accesses to those exit anyway.
func (b *msrBitmap) trap(msr uint32, write bool) bool {
	off, mask, err := b.bit(msr, write)
	if err != nil {
		return false
	}
	b.page[off] |= mask
	return true
}

func (b *msrBitmap) passThrough(msr uint32, write bool) error {
	off, mask, err := b.bit(msr, write)
	if err != nil {
		return err
	}
	b.page[off] &^= mask
	return nil
}

// trapped returns true iff an access to msr exits.
func (b *msrBitmap) trapped(msr uint32, write bool) bool {
	off, mask, err := b.bit(msr, write)
	if err != nil {
		return true
	}
	return b.page[off]&mask != 0
}

func (b *msrBitmap) fill(write bool, v byte) {
	for _, base := range []int{msrReadLow, msrReadHigh} {
		if write {
			base += msrWriteLow
		}
		for i := base; i < base+0x400; i++ {
			b.page[i] = v
		}
	}
}

// ioBitmaps are the two I/O bitmap pages: A for ports 0 to 0x7fff and B for
// ports 0x8000 to 0xffff. A set bit causes the access to exit.
type ioBitmaps struct {
	a []byte
	b []byte
}

func (b *ioBitmaps) bit(port uint16) ([]byte, int, byte) {
	page := b.a
	index := int(port)
	if index >= ioPortsPerPage {
		page = b.b
		index -= ioPortsPerPage
	}
	return page, index / 8, 1 << (index % 8)
}

func (b *ioBitmaps) trap(port uint16) {
	page, off, mask := b.bit(port)
	page[off] |= mask
}

func (b *ioBitmaps) passThrough(port uint16) {
	page, off, mask := b.bit(port)
	page[off] &^= mask
}

func (b *ioBitmaps) trapped(port uint16) bool {
	page, off, mask := b.bit(port)
	return page[off]&mask != 0
}

func (b *ioBitmaps) fill(v byte) {
	for i := range b.a {
		b.a[i] = v
		b.b[i] = v
	}
}
