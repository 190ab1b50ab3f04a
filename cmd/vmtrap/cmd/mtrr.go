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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/vmtrap/pkg/config"
	"gvisor.dev/vmtrap/pkg/mtrr"
)

// MTRR implements subcommands.Command for the "mtrr" command.
type MTRR struct {
	cpu  int
	conf string
}

// Name implements subcommands.Command.Name.
func (*MTRR) Name() string {
	return "mtrr"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*MTRR) Synopsis() string {
	return "print the memory type ranges of a CPU"
}

// Usage implements subcommands.Command.Usage.
func (*MTRR) Usage() string {
	return `mtrr [flags]

Reads the memory type range registers of a host CPU through /dev/cpu/N/msr, or
from a TOML or YAML file with --config, and prints the resulting memory type
of every range of physical memory.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *MTRR) SetFlags(f *flag.FlagSet) {
	f.IntVar(&m.cpu, "cpu", 0, "host CPU to read the registers of.")
	f.StringVar(&m.conf, "config", "", "file holding the register values, instead of the host.")
}

// Execute implements subcommands.Command.Execute.
func (m *MTRR) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	var (
		c   *mtrr.Config
		err error
	)
	if m.conf != "" {
		c, err = loadMTRRs(m.conf)
	} else {
		c, err = readHostMTRRs(m.cpu)
	}
	if err != nil {
		return Errorf("reading MTRRs: %v", err)
	}
	tbl, err := c.Table()
	if err != nil {
		return Errorf("decoding MTRRs: %v", err)
	}
	fmt.Fprintf(os.Stdout, "MTRRCAP %#x, DEF_TYPE %#x, %d variable ranges\n", c.Cap, c.DefType, len(c.Variable))
	writeRanges(os.Stdout, tbl)
	return subcommands.ExitSuccess
}

func loadMTRRs(path string) (*mtrr.Config, error) {
	var c mtrr.Config
	if err := config.DecodeFile(path, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
