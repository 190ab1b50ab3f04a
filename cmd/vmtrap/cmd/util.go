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

// Package cmd holds implementations of the vmtrap commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/vmtrap/pkg/mtrr"
)

// Errorf logs an error, writes it to stderr and returns the failure status.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintln(os.Stderr, msg)
	return subcommands.ExitFailure
}

// parseAccess parses an access type such as "rw" or "rwx".
func parseAccess(s string) (hostarch.AccessType, error) {
	var at hostarch.AccessType
	for _, c := range s {
		switch c {
		case 'r':
			at.Read = true
		case 'w':
			at.Write = true
		case 'x':
			at.Execute = true
		default:
			return hostarch.NoAccess, fmt.Errorf("invalid access type %q", s)
		}
	}
	return at, nil
}

// loadTable returns the memory type table described by the MTRR file at
// path. An empty path maps all of physical memory write-back.
func loadTable(path string, physBits int) (*mtrr.Table, error) {
	if path == "" {
		c := mtrr.Config{DefType: mtrrEnabled | uint64(mtrr.WriteBack), PhysBits: physBits}
		return c.Table()
	}
	c, err := loadMTRRs(path)
	if err != nil {
		return nil, err
	}
	return c.Table()
}

// mtrrEnabled is IA32_MTRR_DEF_TYPE.E.
const mtrrEnabled = 1 << 11

func writeRanges(w io.Writer, tbl *mtrr.Table) {
	for _, r := range tbl.Ranges() {
		fmt.Fprintf(w, "%#016x-%#016x %s %s\n", r.Base, r.End()-1, r.Type, sizeString(r.Size))
	}
}

func sizeString(n uint64) string {
	for _, u := range []struct {
		shift uint
		name  string
	}{{40, "T"}, {30, "G"}, {20, "M"}, {10, "K"}} {
		if n >= 1<<u.shift && n&(1<<u.shift-1) == 0 {
			return fmt.Sprintf("%d%s", n>>u.shift, u.name)
		}
	}
	return fmt.Sprintf("%#x", n)
}
