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

//go:build !linux || !amd64

package cmd

import (
	"errors"

	"gvisor.dev/vmtrap/pkg/ept"
	"gvisor.dev/vmtrap/pkg/mtrr"
)

var errNoHost = errors.New("host access requires linux/amd64")

func readHostMTRRs(int) (*mtrr.Config, error) {
	return nil, errNoHost
}

func hostPhysBits(def int) int {
	return def
}

func newPool(int) (ept.Allocator, func(), error) {
	return nil, nil, errNoHost
}
