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

package mtrr

import (
	"fmt"
	"math/bits"

	"gvisor.dev/gvisor/pkg/log"
)

// MTRR model specific registers.
const (
	MSRCap     = 0xfe
	MSRDefType = 0x2ff

	MSRPhysBase0 = 0x200
	MSRPhysMask0 = 0x201

	MSRFix64K00000 = 0x250
	MSRFix16K80000 = 0x258
	MSRFix16KA0000 = 0x259
	MSRFix4KC0000  = 0x268
	MSRFix4KF8000  = 0x26f
)

const (
	capVCNTMask  = 0xff
	capFixed     = 1 << 8
	defTypeMask  = 0xff
	defFixed     = 1 << 10
	defEnabled   = 1 << 11
	physMaskOn   = 1 << 11
	typeMask     = 0xff
	pageMask     = 0xfff
	fixedRegs    = 11
	defaultPhys  = 36
	maxPhysBits  = 52
	maxVariables = 64
)

// fixedMSRs lists the fixed range registers in address order.
var fixedMSRs = [fixedRegs]uint32{
	MSRFix64K00000,
	MSRFix16K80000,
	MSRFix16KA0000,
	MSRFix4KC0000, MSRFix4KC0000 + 1, MSRFix4KC0000 + 2, MSRFix4KC0000 + 3,
	MSRFix4KC0000 + 4, MSRFix4KC0000 + 5, MSRFix4KC0000 + 6, MSRFix4KF8000,
}

// fixedLayout returns the base and the size of each of the eight ranges
// encoded in fixed register i.
func fixedLayout(i int) (base, size uint64) {
	switch {
	case i == 0:
		return 0, 0x10000
	case i <= 2:
		return 0x80000 + uint64(i-1)*0x20000, 0x4000
	default:
		return 0xc0000 + uint64(i-3)*0x8000, 0x1000
	}
}

// Variable is a variable range register pair.
type Variable struct {
	Base uint64 `toml:"base" yaml:"base"`
	Mask uint64 `toml:"mask" yaml:"mask"`
}

// Config holds the raw register values describing the host memory types.
type Config struct {
	// Cap is the value of IA32_MTRRCAP.
	Cap uint64 `toml:"cap" yaml:"cap"`

	// DefType is the value of IA32_MTRR_DEF_TYPE.
	DefType uint64 `toml:"def_type" yaml:"def_type"`

	// Fixed holds the fixed range registers, in address order.
	Fixed []uint64 `toml:"fixed" yaml:"fixed"`

	// Variable holds the variable range register pairs.
	Variable []Variable `toml:"variable" yaml:"variable"`

	// PhysBits is the physical address width. Zero means 36.
	PhysBits int `toml:"phys_bits" yaml:"phys_bits"`
}

// MSRReader reads model specific registers.
type MSRReader interface {
	ReadMSR(msr uint32) (uint64, error)
}

// Read reads the memory type range registers from r.
func Read(r MSRReader, physBits int) (*Config, error) {
	c := &Config{PhysBits: physBits}
	var err error
	if c.Cap, err = r.ReadMSR(MSRCap); err != nil {
		return nil, fmt.Errorf("reading IA32_MTRRCAP: %w", err)
	}
	if c.DefType, err = r.ReadMSR(MSRDefType); err != nil {
		return nil, fmt.Errorf("reading IA32_MTRR_DEF_TYPE: %w", err)
	}
	if c.Cap&capFixed != 0 {
		c.Fixed = make([]uint64, fixedRegs)
		for i, msr := range fixedMSRs {
			if c.Fixed[i], err = r.ReadMSR(msr); err != nil {
				return nil, fmt.Errorf("reading fixed range MSR %#x: %w", msr, err)
			}
		}
	}
	n := int(c.Cap & capVCNTMask)
	for i := 0; i < n; i++ {
		var v Variable
		if v.Base, err = r.ReadMSR(MSRPhysBase0 + uint32(2*i)); err != nil {
			return nil, fmt.Errorf("reading IA32_MTRR_PHYSBASE%d: %w", i, err)
		}
		if v.Mask, err = r.ReadMSR(MSRPhysMask0 + uint32(2*i)); err != nil {
			return nil, fmt.Errorf("reading IA32_MTRR_PHYSMASK%d: %w", i, err)
		}
		c.Variable = append(c.Variable, v)
	}
	return c, nil
}

// Table normalizes the register values.
func (c *Config) Table() (*Table, error) {
	physBits := c.PhysBits
	if physBits == 0 {
		physBits = defaultPhys
	}
	if physBits < 20 || physBits > maxPhysBits {
		return nil, fmt.Errorf("invalid physical address width %d", physBits)
	}
	if len(c.Variable) > maxVariables {
		return nil, fmt.Errorf("%d variable ranges exceeds the maximum of %d", len(c.Variable), maxVariables)
	}
	limit := uint64(1) << physBits
	addrMask := limit - 1

	// With the MTRRs disabled all of memory is uncacheable.
	if c.DefType&defEnabled == 0 {
		return NewTable(Uncacheable, limit)
	}
	b, err := newBuilder(Type(c.DefType&defTypeMask), limit)
	if err != nil {
		return nil, err
	}

	for i, v := range c.Variable {
		if v.Mask&physMaskOn == 0 {
			continue
		}
		r, err := variableRange(v, addrMask)
		if err != nil {
			return nil, fmt.Errorf("variable range %d: %w", i, err)
		}
		if err := b.overlay(r); err != nil {
			return nil, fmt.Errorf("variable range %d: %w", i, err)
		}
	}

	// Fixed ranges take precedence over variable ranges in the first
	// megabyte.
	if c.DefType&defFixed != 0 && len(c.Fixed) > 0 {
		if len(c.Fixed) != fixedRegs {
			return nil, fmt.Errorf("got %d fixed range registers, want %d", len(c.Fixed), fixedRegs)
		}
		for i, val := range c.Fixed {
			base, size := fixedLayout(i)
			for j := 0; j < 8; j++ {
				t := Type(val >> (8 * j) & typeMask)
				r := Range{Type: t, Base: base + uint64(j)*size, Size: size}
				if err := b.override(r); err != nil {
					return nil, fmt.Errorf("fixed range MSR %#x: %w", fixedMSRs[i], err)
				}
			}
		}
	}
	return b.table(), nil
}

// variableRange decodes a variable range register pair.
//
// The architecture permits non-contiguous masks. These are not used in
// practice and are treated as if the mask were contiguous from its lowest
// set bit.
func variableRange(v Variable, addrMask uint64) (Range, error) {
	base := v.Base &^ pageMask & addrMask
	mask := v.Mask &^ pageMask & addrMask
	if mask == 0 {
		return Range{}, fmt.Errorf("empty mask %#x", v.Mask)
	}
	size := uint64(1) << bits.TrailingZeros64(mask)
	if contiguous := ^(size - 1) & addrMask; mask != contiguous {
		log.Warningf("MTRR mask %#x is not contiguous, treating as %#x", mask, contiguous)
	}
	if base&(size-1) != 0 {
		return Range{}, fmt.Errorf("base %#x is not aligned to size %#x", base, size)
	}
	return Range{Type: Type(v.Base & typeMask), Base: base, Size: size}, nil
}
