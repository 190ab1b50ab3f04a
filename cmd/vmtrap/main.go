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

// Binary vmtrap inspects memory type ranges, builds EPT identity maps and
// replays VM exits through the exit handlers.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/gvisor/pkg/cpuid"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/vmtrap/cmd/vmtrap/cmd"
)

var (
	debug   = flag.Bool("debug", false, "enable debug logging.")
	logJSON = flag.Bool("log-json", false, "log in JSON format.")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(new(cmd.MTRR), "")
	subcommands.Register(new(cmd.Identity), "")
	subcommands.Register(new(cmd.Replay), "")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *logJSON {
		log.SetTarget(log.JSONEmitter{Writer: &log.Writer{Next: os.Stderr}})
	} else {
		log.SetTarget(log.GoogleEmitter{Writer: &log.Writer{Next: os.Stderr}})
	}
	if *debug {
		log.SetLevel(log.Debug)
	}
	cpuid.Initialize()

	os.Exit(int(subcommands.Execute(context.Background())))
}
