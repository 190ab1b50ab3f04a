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

package vmx

// Pin-based VM-execution controls.
const (
	PinExternalInterruptExiting = 1 << 0
	PinNMIExiting               = 1 << 3
	PinVirtualNMIs              = 1 << 5
	PinPreemptionTimer          = 1 << 6
)

// Primary processor-based VM-execution controls.
const (
	ProcInterruptWindowExiting = 1 << 2
	ProcTSCOffsetting          = 1 << 3
	ProcHLTExiting             = 1 << 7
	ProcCR3LoadExiting         = 1 << 15
	ProcCR3StoreExiting        = 1 << 16
	ProcCR8LoadExiting         = 1 << 19
	ProcCR8StoreExiting        = 1 << 20
	ProcNMIWindowExiting       = 1 << 22
	ProcUnconditionalIOExiting = 1 << 24
	ProcUseIOBitmaps           = 1 << 25
	ProcMonitorTrapFlag        = 1 << 27
	ProcUseMSRBitmaps          = 1 << 28
	ProcSecondaryControls      = 1 << 31
)

// Secondary processor-based VM-execution controls.
const (
	SecondaryEnableEPT  = 1 << 1
	SecondaryEnableVPID = 1 << 5
)

// VM-exit controls.
const (
	ExitHostAddressSpaceSize     = 1 << 9
	ExitAcknowledgeInterrupt     = 1 << 15
	ExitSavePreemptionTimerValue = 1 << 22
)

// Guest interruptibility state bits.
const (
	BlockingBySTI   = 1 << 0
	BlockingByMovSS = 1 << 1
	BlockingBySMI   = 1 << 2
	BlockingByNMI   = 1 << 3
)

// Guest activity states.
const (
	ActivityActive      = 0
	ActivityHLT         = 1
	ActivityShutdown    = 2
	ActivityWaitForSIPI = 3
)

// RFLAGSInterruptEnable is RFLAGS.IF.
const RFLAGSInterruptEnable = 1 << 9
