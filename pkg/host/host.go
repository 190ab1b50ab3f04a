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

// Package host provides back ends that execute pass-through VM exits.
//
// Linux reaches the hardware through the msr and port drivers. Static
// answers from tables and records every write; it backs tests and exit
// replay.
package host

import "errors"

var (
	// ErrUnsupported is returned for operations a back end cannot perform.
	ErrUnsupported = errors.New("operation not supported by host")

	// ErrUnknownMSR is returned when reading an MSR the host does not have.
	ErrUnknownMSR = errors.New("unknown MSR")
)

// validSize returns true iff size is a valid port access size.
func validSize(size int) bool {
	return size == 1 || size == 2 || size == 4
}
