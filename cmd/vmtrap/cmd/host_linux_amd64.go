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

package cmd

import (
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/vmtrap/pkg/ept"
	"gvisor.dev/vmtrap/pkg/host"
	"gvisor.dev/vmtrap/pkg/mtrr"
)

func readHostMTRRs(cpu int) (*mtrr.Config, error) {
	h, err := host.NewLinux(cpu, host.LinuxOptions{NoPorts: true})
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return mtrr.Read(h, host.PhysicalAddressBits())
}

// hostPhysBits returns the host physical address width, or def if unknown.
func hostPhysBits(def int) int {
	if bits := host.PhysicalAddressBits(); bits != 0 {
		return bits
	}
	return def
}

func newPool(pages int) (ept.Allocator, func(), error) {
	p, err := ept.NewPoolAllocator(pages, 0)
	if err != nil {
		return nil, nil, err
	}
	return p, func() {
		if err := p.Close(); err != nil {
			log.Warningf("Closing page pool: %v", err)
		}
	}, nil
}
