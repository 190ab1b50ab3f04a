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
	"errors"
	"fmt"

	"gvisor.dev/vmtrap/pkg/vmx"
)

var (
	// ErrUnhandledExit is wrapped by every UnhandledExitError.
	ErrUnhandledExit = errors.New("unhandled VM exit")

	// ErrHalted is returned by HandleExit on a halted vCPU.
	ErrHalted = errors.New("vCPU is halted")

	// ErrInvalidExitReason is returned when registering a handler for an
	// exit reason outside the architectural range.
	ErrInvalidExitReason = errors.New("invalid exit reason")
)

// UnhandledExitError reports a VM exit that nothing claimed.
type UnhandledExitError struct {
	// Reason is the basic exit reason.
	Reason vmx.ExitReason

	// Qualification is the exit qualification.
	Qualification uint64

	// Cause is the host failure that kept the exit from being handled, if
	// any.
	Cause error
}

// Error implements error.Error.
func (e *UnhandledExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("unhandled VM exit: %v (qualification %#x): %v", e.Reason, e.Qualification, e.Cause)
	}
	return fmt.Sprintf("unhandled VM exit: %v (qualification %#x)", e.Reason, e.Qualification)
}

// Is supports errors.Is(err, ErrUnhandledExit).
func (e *UnhandledExitError) Is(target error) bool {
	return target == ErrUnhandledExit
}

// Unwrap returns the cause.
func (e *UnhandledExitError) Unwrap() error {
	return e.Cause
}

// ExitHandler handles VM exits of one reason. HandleExit returns true iff it
// claimed the exit.
type ExitHandler interface {
	HandleExit(v *VCPU) bool
}

// ExitHandlerFunc adapts a function to an ExitHandler.
type ExitHandlerFunc func(v *VCPU) bool

// HandleExit implements ExitHandler.HandleExit.
func (f ExitHandlerFunc) HandleExit(v *VCPU) bool {
	return f(v)
}

// Dispatcher routes VM exits by reason.
type Dispatcher struct {
	// handlers holds the delegates for each reason, run most recently added
	// first.
	handlers [vmx.MaxExitReason][]ExitHandler

	// post is run on every exit before the reason's delegates. Results are
	// ignored.
	post []ExitHandler
}

// AddHandler registers h for reason.
func (d *Dispatcher) AddHandler(reason vmx.ExitReason, h ExitHandler) error {
	if int(reason) >= vmx.MaxExitReason {
		return fmt.Errorf("%w: %d", ErrInvalidExitReason, reason)
	}
	d.handlers[reason] = append(d.handlers[reason], h)
	return nil
}

// AddPostExitHandler registers h to run on every exit.
func (d *Dispatcher) AddPostExitHandler(h ExitHandler) {
	d.post = append(d.post, h)
}

// Dispatch runs the delegates for reason. It returns an *UnhandledExitError
// if none claims the exit.
func (d *Dispatcher) Dispatch(v *VCPU, reason vmx.ExitReason) error {
	for _, h := range d.post {
		h.HandleExit(v)
	}
	if int(reason) < vmx.MaxExitReason {
		hs := d.handlers[reason]
		for i := len(hs) - 1; i >= 0; i-- {
			if hs[i].HandleExit(v) {
				return nil
			}
		}
	}
	return &UnhandledExitError{
		Reason:        reason,
		Qualification: v.vmcs.Read(vmx.ExitQualification),
	}
}
