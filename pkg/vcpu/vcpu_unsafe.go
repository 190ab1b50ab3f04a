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
	"unsafe"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// newPage returns a zeroed, page aligned page.
func newPage() []byte {
	slab := make([]byte, 2*hostarch.PageSize-1)
	offset := uintptr(unsafe.Pointer(&slab[0])) & (hostarch.PageSize - 1)
	if offset != 0 {
		offset = hostarch.PageSize - offset
	}
	return slab[offset : offset+hostarch.PageSize : offset+hostarch.PageSize]
}

// pagePhysical returns the host virtual address of page.
func pagePhysical(page []byte) uintptr {
	return uintptr(unsafe.Pointer(&page[0]))
}
