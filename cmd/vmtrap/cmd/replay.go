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
	"sort"

	"github.com/google/subcommands"
	"gvisor.dev/vmtrap/pkg/config"
	"gvisor.dev/vmtrap/pkg/host"
	"gvisor.dev/vmtrap/pkg/vcpu"
	"gvisor.dev/vmtrap/pkg/vmx"
)

// Replay implements subcommands.Command for the "replay" command.
type Replay struct {
	policy string
	id     int
}

// Name implements subcommands.Command.Name.
func (*Replay) Name() string {
	return "replay"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Replay) Synopsis() string {
	return "replay VM exits through the exit handlers"
}

// Usage implements subcommands.Command.Usage.
func (*Replay) Usage() string {
	return `replay [flags] <script>

Replays the exits listed in a TOML or YAML script against a simulated vCPU
whose host is described by the script, applying the trap policy given with
--policy. Each exit is printed with the guest state after it was handled.
Replay stops at the first unhandled exit.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Replay) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.policy, "policy", "", "trap policy file.")
	f.IntVar(&r.id, "vcpu", 0, "vCPU identifier.")
}

// Execute implements subcommands.Command.Execute.
func (r *Replay) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	s, err := config.LoadScript(f.Arg(0))
	if err != nil {
		return Errorf("loading script: %v", err)
	}
	var p *config.Policy
	if r.policy != "" {
		if p, err = config.LoadPolicy(r.policy); err != nil {
			return Errorf("loading policy: %v", err)
		}
	}
	if err := replay(os.Stdout, r.id, s, p); err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

// replay runs the exits of s on a new vCPU governed by p, which may be nil.
func replay(w io.Writer, id int, s *config.Script, p *config.Policy) error {
	h := host.NewStatic(s.Host)
	v, err := vcpu.New(id, vmx.NewMemoryVMCS(), h)
	if err != nil {
		return err
	}
	if p != nil {
		if err := p.Apply(v); err != nil {
			return fmt.Errorf("applying policy: %w", err)
		}
	}

	for i := range s.Exits {
		e := &s.Exits[i]
		e.Load(v)
		rip := v.RIP()
		if err := v.HandleExit(); err != nil {
			fmt.Fprintf(w, "%3d %-24v rip %#x: %v\n", i, e.BasicReason(), rip, err)
			return fmt.Errorf("exit %d: %w", i, err)
		}
		fmt.Fprintf(w, "%3d %-24v rip %#x -> %#x rax %#x rbx %#x rcx %#x rdx %#x\n",
			i, e.BasicReason(), rip, v.RIP(), v.Regs.RAX, v.Regs.RBX, v.Regs.RCX, v.Regs.RDX)
	}

	for _, wr := range h.Writes() {
		fmt.Fprintf(w, "host %v\n", wr)
	}
	counts := v.ExitCounts()
	reasons := make([]vmx.ExitReason, 0, len(counts))
	for r := range counts {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })
	for _, r := range reasons {
		fmt.Fprintf(w, "%v exits: %d\n", r, counts[r])
	}
	return nil
}
