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
	"unsafe"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// newAlignedPTEs returns a set of aligned PTEs.
//
// The slab is over-allocated by a page less one byte and the aligned portion
// is used. The interior pointer keeps the slab alive.
func newAlignedPTEs() *PTEs {
	size := unsafe.Sizeof(PTEs{})
	slab := make([]byte, size+hostarch.PageSize-1)
	offset := uintptr(unsafe.Pointer(&slab[0])) & (hostarch.PageSize - 1)
	if offset != 0 {
		offset = hostarch.PageSize - offset
	}
	return (*PTEs)(unsafe.Pointer(&slab[offset]))
}

// physicalFor returns the "physical" address for PTEs.
func physicalFor(ptes *PTEs) uintptr {
	return uintptr(unsafe.Pointer(ptes))
}
