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
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/schollz/progressbar/v3"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/vmtrap/pkg/ept"
	"gvisor.dev/vmtrap/pkg/mtrr"
)

// Identity implements subcommands.Command for the "identity" command.
type Identity struct {
	start    uint64
	end      uint64
	conf     string
	physBits int
	access   string
	pool     int
	progress bool
}

// Name implements subcommands.Command.Name.
func (*Identity) Name() string {
	return "identity"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Identity) Synopsis() string {
	return "build a cache aware EPT identity map"
}

// Usage implements subcommands.Command.Usage.
func (*Identity) Usage() string {
	return `identity [flags]

Builds an EPT identity map of [--start, --end), taking memory types from the
MTRR file given with --config, and prints the number of leaves of each size,
the number of table pages and the EPT pointer.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Identity) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&i.start, "start", 0, "first guest physical address to map.")
	f.Uint64Var(&i.end, "end", 1<<32, "guest physical address past the last one to map.")
	f.StringVar(&i.conf, "config", "", "MTRR file giving memory types. Without it all memory is write-back.")
	f.IntVar(&i.physBits, "phys-bits", 0, "physical address width used without --config. Zero uses the host's.")
	f.StringVar(&i.access, "access", "rwx", "access type of every leaf.")
	f.IntVar(&i.pool, "pool", 0, "allocate tables from a fixed pool of this many pages.")
	f.BoolVar(&i.progress, "progress", true, "show a progress bar.")
}

// Execute implements subcommands.Command.Execute.
func (i *Identity) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	at, err := parseAccess(i.access)
	if err != nil {
		return Errorf("%v", err)
	}
	physBits := i.physBits
	if physBits == 0 {
		physBits = hostPhysBits(39)
	}
	tbl, err := loadTable(i.conf, physBits)
	if err != nil {
		return Errorf("loading memory types: %v", err)
	}

	var a ept.Allocator = ept.NewRuntimeAllocator()
	if i.pool > 0 {
		p, release, err := newPool(i.pool)
		if err != nil {
			return Errorf("creating page pool: %v", err)
		}
		defer release()
		a = p
	}

	var progress io.Writer
	if i.progress {
		progress = os.Stderr
	}
	if err := identity(os.Stdout, progress, a, tbl, uintptr(i.start), uintptr(i.end), at); err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

// identity builds and describes the identity map of [start, end) on a. If
// progress is not nil a progress bar is drawn on it.
func identity(w, progress io.Writer, a ept.Allocator, tbl *mtrr.Table, start, end uintptr, at hostarch.AccessType) error {
	as, err := ept.New(a)
	if err != nil {
		return err
	}
	defer as.Destroy()

	var opts []ept.IdentityOption
	if progress != nil {
		bar := progressbar.NewOptions64(int64(end-start),
			progressbar.OptionSetWriter(progress),
			progressbar.OptionSetDescription("identity map"),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish()
		opts = append(opts, ept.WithProgress(func(n uintptr) {
			bar.Set64(int64(n))
		}))
	}
	if err := ept.IdentityMap(as, tbl, start, end, at, opts...); err != nil {
		return fmt.Errorf("identity mapping [%#x, %#x): %w", start, end, err)
	}

	counts := make(map[ept.Granularity]int)
	types := make(map[ept.MemoryType]uint64)
	as.Mappings(func(m ept.Mapping) bool {
		counts[m.Granularity]++
		types[m.MemoryType] += uint64(m.Granularity.Size())
		return true
	})
	fmt.Fprintf(w, "[%#x, %#x) mapped %s\n", start, end, at)
	for _, g := range []ept.Granularity{ept.Page1G, ept.Page2M, ept.Page4K} {
		fmt.Fprintf(w, "%v leaves: %d\n", g, counts[g])
	}
	for _, mt := range []ept.MemoryType{mtrr.Uncacheable, mtrr.WriteCombining, mtrr.WriteThrough, mtrr.WriteProtected, mtrr.WriteBack} {
		if n := types[mt]; n != 0 {
			fmt.Fprintf(w, "%v: %s\n", mt, sizeString(n))
		}
	}
	fmt.Fprintf(w, "table pages: %d\n", as.TablePages())
	fmt.Fprintf(w, "EPTP: %#x\n", as.EPTP())
	return nil
}
