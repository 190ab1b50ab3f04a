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

// Handler handles one kind of VM exit. Handle returns true iff it claimed the
// exit; info may be modified in place.
type Handler[I any] interface {
	Handle(v *VCPU, info *I) bool
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc[I any] func(v *VCPU, info *I) bool

// Handle implements Handler.Handle.
func (f HandlerFunc[I]) Handle(v *VCPU, info *I) bool {
	return f(v, info)
}

// chain is an append-only list of handlers. The most recently added handler
// runs first and the first to claim the exit stops the walk.
type chain[I any] struct {
	handlers []Handler[I]
}

func (c *chain[I]) add(h Handler[I]) {
	c.handlers = append(c.handlers, h)
}

func (c *chain[I]) run(v *VCPU, info *I) bool {
	for i := len(c.handlers) - 1; i >= 0; i-- {
		if c.handlers[i].Handle(v, info) {
			return true
		}
	}
	return false
}

// keyedChains holds one chain per trigger key.
type keyedChains[I any] struct {
	chains map[uint64]*chain[I]
}

func (k *keyedChains[I]) add(key uint64, h Handler[I]) {
	if k.chains == nil {
		k.chains = make(map[uint64]*chain[I])
	}
	c, ok := k.chains[key]
	if !ok {
		c = &chain[I]{}
		k.chains[key] = c
	}
	c.add(h)
}

func (k *keyedChains[I]) run(key uint64, v *VCPU, info *I) bool {
	c, ok := k.chains[key]
	if !ok {
		return false
	}
	return c.run(v, info)
}

// fallback is an optional catch-all handler.
type fallback[I any] struct {
	h Handler[I]
}

func (f *fallback[I]) set(h Handler[I]) {
	f.h = h
}

func (f *fallback[I]) run(v *VCPU, info *I) bool {
	return f.h != nil && f.h.Handle(v, info)
}
