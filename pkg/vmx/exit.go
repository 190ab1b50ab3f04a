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

// Package vmx contains architectural definitions for Intel VMX: exit reasons,
// VMCS field encodings, execution control bits and the layouts of exit
// qualifications and event injection fields.
package vmx

import (
	"fmt"
	"strconv"
	"strings"
)

// ExitReason is a basic VM exit reason.
type ExitReason uint16

// Exit reasons.
const (
	ExitExceptionOrNMI      ExitReason = 0
	ExitExternalInterrupt   ExitReason = 1
	ExitTripleFault         ExitReason = 2
	ExitInit                ExitReason = 3
	ExitSIPI                ExitReason = 4
	ExitIOSMI               ExitReason = 5
	ExitOtherSMI            ExitReason = 6
	ExitInterruptWindow     ExitReason = 7
	ExitNMIWindow           ExitReason = 8
	ExitTaskSwitch          ExitReason = 9
	ExitCPUID               ExitReason = 10
	ExitGetSec              ExitReason = 11
	ExitHLT                 ExitReason = 12
	ExitINVD                ExitReason = 13
	ExitINVLPG              ExitReason = 14
	ExitRDPMC               ExitReason = 15
	ExitRDTSC               ExitReason = 16
	ExitRSM                 ExitReason = 17
	ExitVMCALL              ExitReason = 18
	ExitCRAccess            ExitReason = 28
	ExitDRAccess            ExitReason = 29
	ExitIO                  ExitReason = 30
	ExitRDMSR               ExitReason = 31
	ExitWRMSR               ExitReason = 32
	ExitInvalidGuestState   ExitReason = 33
	ExitMSRLoading          ExitReason = 34
	ExitMWAIT               ExitReason = 36
	ExitMonitorTrap         ExitReason = 37
	ExitMONITOR             ExitReason = 39
	ExitPAUSE               ExitReason = 40
	ExitMachineCheck        ExitReason = 41
	ExitTPRBelowThreshold   ExitReason = 43
	ExitAPICAccess          ExitReason = 44
	ExitGDTRIDTRAccess      ExitReason = 46
	ExitLDTRTRAccess        ExitReason = 47
	ExitEPTViolation        ExitReason = 48
	ExitEPTMisconfiguration ExitReason = 49
	ExitINVEPT              ExitReason = 50
	ExitRDTSCP              ExitReason = 51
	ExitPreemptionTimer     ExitReason = 52
	ExitINVVPID             ExitReason = 53
	ExitWBINVD              ExitReason = 54
	ExitXSETBV              ExitReason = 55

	// MaxExitReason bounds the basic exit reasons.
	MaxExitReason = 128
)

var exitNames = map[ExitReason]string{
	ExitExceptionOrNMI:      "exception or NMI",
	ExitExternalInterrupt:   "external interrupt",
	ExitTripleFault:         "triple fault",
	ExitInit:                "INIT signal",
	ExitSIPI:                "SIPI",
	ExitIOSMI:               "I/O SMI",
	ExitOtherSMI:            "other SMI",
	ExitInterruptWindow:     "interrupt window",
	ExitNMIWindow:           "NMI window",
	ExitTaskSwitch:          "task switch",
	ExitCPUID:               "CPUID",
	ExitGetSec:              "GETSEC",
	ExitHLT:                 "HLT",
	ExitINVD:                "INVD",
	ExitINVLPG:              "INVLPG",
	ExitRDPMC:               "RDPMC",
	ExitRDTSC:               "RDTSC",
	ExitRSM:                 "RSM",
	ExitVMCALL:              "VMCALL",
	ExitCRAccess:            "control register access",
	ExitDRAccess:            "debug register access",
	ExitIO:                  "I/O instruction",
	ExitRDMSR:               "RDMSR",
	ExitWRMSR:               "WRMSR",
	ExitInvalidGuestState:   "invalid guest state",
	ExitMSRLoading:          "MSR loading",
	ExitMWAIT:               "MWAIT",
	ExitMonitorTrap:         "monitor trap flag",
	ExitMONITOR:             "MONITOR",
	ExitPAUSE:               "PAUSE",
	ExitMachineCheck:        "machine check",
	ExitTPRBelowThreshold:   "TPR below threshold",
	ExitAPICAccess:          "APIC access",
	ExitGDTRIDTRAccess:      "GDTR or IDTR access",
	ExitLDTRTRAccess:        "LDTR or TR access",
	ExitEPTViolation:        "EPT violation",
	ExitEPTMisconfiguration: "EPT misconfiguration",
	ExitINVEPT:              "INVEPT",
	ExitRDTSCP:              "RDTSCP",
	ExitPreemptionTimer:     "preemption timer",
	ExitINVVPID:             "INVVPID",
	ExitWBINVD:              "WBINVD",
	ExitXSETBV:              "XSETBV",
}

// String implements fmt.Stringer.String.
func (r ExitReason) String() string {
	if name, ok := exitNames[r]; ok {
		return name
	}
	return fmt.Sprintf("exit reason %d", uint16(r))
}

// BasicExitReason extracts the basic exit reason from the exit reason field.
func BasicExitReason(v uint64) ExitReason {
	return ExitReason(v & 0xffff)
}

// ExitReasonEntryFailure is set in the exit reason field when VM entry
// failed.
const ExitReasonEntryFailure = 1 << 31

// ParseExitReason parses an exit reason given by name, ignoring case, or by
// number.
func ParseExitReason(s string) (ExitReason, error) {
	for r, name := range exitNames {
		if strings.EqualFold(name, s) {
			return r, nil
		}
	}
	n, err := strconv.ParseUint(s, 0, 16)
	if err != nil || n >= MaxExitReason {
		return 0, fmt.Errorf("invalid exit reason %q", s)
	}
	return ExitReason(n), nil
}
