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

package scenario

import (
	"context"
	"fmt"
	"sort"

	"gvisor.dev/vmspace/pkg/cleanup"
	"gvisor.dev/vmspace/pkg/errors/vmerr"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/log"
	"gvisor.dev/vmspace/pkg/pgalloc"
	"gvisor.dev/vmspace/pkg/platform"
	"gvisor.dev/vmspace/pkg/vmmap"
	"gvisor.dev/vmspace/vmctl/config"
)

// Runner executes scenarios against a set of maps sharing one platform.
// Maps and bound addresses persist across calls to Run.
type Runner struct {
	conf     *config.Config
	platform *platform.Platform
	global   *vmmap.WireLimits
	maps     map[string]*vmmap.Map
	vars     map[string]hostarch.Addr
}

// NewRunner returns a Runner holding a single empty map called MainMap.
func NewRunner(conf *config.Config) (*Runner, error) {
	p := platform.New(pgalloc.MemoryFileOpts{})
	cu := cleanup.Make(func() { p.Release() })
	defer cu.Clean()

	r := &Runner{
		conf:     conf,
		platform: p,
		global:   conf.NewWireLimits(),
		maps:     make(map[string]*vmmap.Map),
		vars:     make(map[string]hostarch.Addr),
	}
	m, err := vmmap.New(conf.MapOptions(MainMap, p, r.global))
	if err != nil {
		return nil, err
	}
	r.maps[MainMap] = m
	cu.Release()
	return r, nil
}

// Names returns the names of the runner's maps in order.
func (r *Runner) Names() []string {
	names := make([]string, 0, len(r.maps))
	for name := range r.maps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Map returns the map called name, or nil.
func (r *Runner) Map(name string) *vmmap.Map {
	return r.maps[name]
}

// Addr returns the address bound to name.
func (r *Runner) Addr(name string) (hostarch.Addr, bool) {
	addr, ok := r.vars[name]
	return addr, ok
}

// Release drops the runner's maps and frees its memory.
func (r *Runner) Release() {
	for name, m := range r.maps {
		m.DecRef()
		delete(r.maps, name)
	}
	if err := r.platform.Release(); err != nil {
		log.Warningf("Releasing platform: %v", err)
	}
}

// CheckInvariants checks every map.
func (r *Runner) CheckInvariants() error {
	for _, name := range r.Names() {
		if err := r.maps[name].CheckInvariants(); err != nil {
			return fmt.Errorf("map %q: %w", name, err)
		}
	}
	return nil
}

// Run executes the steps of s in order. It stops at the first step whose
// outcome differs from the one the step expects, then checks every map's
// invariants.
func (r *Runner) Run(ctx context.Context, s *Scenario) error {
	for i := range s.Steps {
		step := &s.Steps[i]
		log.Debugf("Scenario %q step %d: %s on %q", s.Name, i, step.Op, step.mapName())
		err := r.step(ctx, step)
		switch {
		case step.Error == "" && err != nil:
			return fmt.Errorf("scenario %q step %d (%s): %w", s.Name, i, step.Op, err)
		case step.Error != "" && err == nil:
			return fmt.Errorf("scenario %q step %d (%s): succeeded, want %s", s.Name, i, step.Op, step.Error)
		case step.Error != "":
			if got := vmerr.KindOf(err).String(); got != step.Error {
				return fmt.Errorf("scenario %q step %d (%s): got %v, want %s", s.Name, i, step.Op, err, step.Error)
			}
		}
	}
	return r.CheckInvariants()
}

func (s *Step) mapName() string {
	if s.Map == "" {
		return MainMap
	}
	return s.Map
}

func (s *Step) intoName() string {
	if s.Into == "" {
		return s.mapName()
	}
	return s.Into
}

func (r *Runner) lookup(name string) (*vmmap.Map, error) {
	m, ok := r.maps[name]
	if !ok {
		return nil, fmt.Errorf("no map %q", name)
	}
	return m, nil
}

func (r *Runner) addr(s *Step) (hostarch.Addr, error) {
	if s.At == "" {
		return hostarch.Addr(s.Addr), nil
	}
	base, ok := r.vars[s.At]
	if !ok {
		return 0, fmt.Errorf("address %q is not bound", s.At)
	}
	return base + hostarch.Addr(s.Addr), nil
}

func (r *Runner) bind(s *Step, addr hostarch.Addr) {
	if s.As != "" {
		r.vars[s.As] = addr
	}
}

func (r *Runner) step(ctx context.Context, s *Step) error {
	m, err := r.lookup(s.mapName())
	if err != nil {
		return err
	}
	addr, err := r.addr(s)
	if err != nil {
		return err
	}
	length := s.Pages * m.PageSize()
	end := addr + hostarch.Addr(length)
	perms, _ := parsePerms(s.Perms)
	maxPerms, _ := parsePerms(s.MaxPerms)
	inh, _ := parseInheritance(s.Inherit)

	switch s.Op {
	case "enter":
		flags, err := parseFlags(s.Flags, enterFlags)
		if err != nil {
			return err
		}
		if flags&vmmap.EnterAnywhere != 0 && s.At == "" && addr == 0 {
			addr = m.Bounds().Start
		}
		if s.MaxPerms == "" {
			maxPerms = hostarch.AnyAccess
		}
		got, err := m.Enter(ctx, vmmap.EnterOpts{
			Addr:        addr,
			Length:      length,
			Flags:       flags,
			Perms:       perms,
			MaxPerms:    maxPerms,
			Inheritance: inh,
		})
		if err != nil {
			return err
		}
		r.bind(s, got)
		return nil

	case "delete":
		flags, err := parseFlags(s.Flags, deleteFlags)
		if err != nil {
			return err
		}
		return m.Delete(ctx, addr, end, flags)

	case "protect":
		if s.SetMax {
			perms = maxPerms
		}
		return m.Protect(ctx, addr, end, perms, s.SetMax)

	case "wire":
		if s.Perms == "" {
			perms = hostarch.Read
		}
		return m.Wire(ctx, addr, end, perms, s.User)

	case "unwire":
		return m.Unwire(ctx, addr, end, s.User)

	case "inherit":
		return m.SetInheritance(ctx, addr, end, inh)

	case "fork":
		if _, ok := r.maps[s.Into]; ok {
			return fmt.Errorf("map %q already exists", s.Into)
		}
		child, err := m.ForkNamed(ctx, s.Into)
		if err != nil {
			return err
		}
		r.maps[s.Into] = child
		return nil

	case "copy":
		dst, err := r.lookup(s.intoName())
		if err != nil {
			return err
		}
		bundle, err := vmmap.CopyIn(ctx, m, addr, length, vmmap.CopyInOpts{})
		if err != nil {
			return err
		}
		got, err := vmmap.CopyOut(ctx, dst, bundle, vmmap.CopyOutOpts{
			Addr:     dst.Bounds().Start,
			Anywhere: true,
		})
		if err != nil {
			bundle.Discard()
			return err
		}
		r.bind(s, got)
		return nil

	case "remap":
		dst, err := r.lookup(s.intoName())
		if err != nil {
			return err
		}
		got, err := vmmap.Remap(ctx, dst, m, vmmap.RemapOpts{
			SrcAddr:     addr,
			Length:      length,
			DstAddr:     dst.Bounds().Start,
			Anywhere:    true,
			Copy:        !s.Share,
			Inheritance: inh,
		})
		if err != nil {
			return err
		}
		r.bind(s, got)
		return nil

	case "write":
		_, err := m.WriteBytes(ctx, addr, []byte(s.Data))
		return err

	case "read":
		buf := make([]byte, len(s.Expect))
		if _, err := m.ReadBytes(ctx, addr, buf); err != nil {
			return err
		}
		if string(buf) != s.Expect {
			return fmt.Errorf("read %q at %#x, want %q", buf, addr, s.Expect)
		}
		return nil
	}
	return fmt.Errorf("unknown op %q", s.Op)
}
