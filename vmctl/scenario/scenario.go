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

// Package scenario runs scripted sequences of address space operations.
//
// A scenario is a YAML document:
//
//	name: cow
//	steps:
//	  - op: enter
//	    pages: 4
//	    flags: [anywhere]
//	    perms: rw-
//	    as: buf
//	  - op: write
//	    at: buf
//	    data: hello
//	  - op: fork
//	    into: child
//	  - op: read
//	    map: child
//	    at: buf
//	    expect: hello
//
// Every step operates on the map named by its map key, "main" by default.
// Addresses are given by addr, plus the address bound by a previous step's
// as key if at is set.
package scenario

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/vmmap"
)

// MainMap is the name of the map every scenario starts with.
const MainMap = "main"

// Scenario is a named list of steps.
type Scenario struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is one operation.
type Step struct {
	// Op is one of enter, delete, protect, wire, unwire, inherit, fork, copy,
	// write, read and remap.
	Op string `yaml:"op"`

	// Map is the map operated on. Empty means MainMap.
	Map string `yaml:"map"`

	// At names an address bound by an earlier step; Addr is added to it.
	At   string `yaml:"at"`
	Addr uint64 `yaml:"addr"`

	// Pages is the length of the range in the map's pages.
	Pages uint64 `yaml:"pages"`

	// Perms and MaxPerms are protections in rwx form, e.g. "rw-".
	Perms    string `yaml:"perms"`
	MaxPerms string `yaml:"max_perms"`

	// Flags are Enter or Delete flags by name.
	Flags []string `yaml:"flags"`

	// SetMax makes protect change maximum protections.
	SetMax bool `yaml:"set_max"`

	// User makes wire and unwire user requests.
	User bool `yaml:"user"`

	// Inherit is copy, share or none.
	Inherit string `yaml:"inherit"`

	// Into is the map created by fork, or the destination map of copy and
	// remap, which place their result anywhere. Empty means Map.
	Into string `yaml:"into"`

	// Share makes remap share memory instead of copying it.
	Share bool `yaml:"share"`

	// Data is the string written by write.
	Data string `yaml:"data"`

	// Expect is the string read should return.
	Expect string `yaml:"expect"`

	// As binds the step's resulting address to a name.
	As string `yaml:"as"`

	// Error is the expected error kind, e.g. NoSpace. Empty means success.
	Error string `yaml:"error"`
}

// Parse decodes a scenario.
func Parse(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("error parsing scenario: %w", err)
	}
	for i := range s.Steps {
		if err := s.Steps[i].check(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	return &s, nil
}

// Load reads and decodes the scenario in path.
func Load(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = path
	}
	return s, nil
}

func (s *Step) check() error {
	switch s.Op {
	case "enter", "delete", "protect", "wire", "unwire", "inherit", "copy", "remap":
		if s.Pages == 0 {
			return fmt.Errorf("%s needs pages", s.Op)
		}
	case "fork":
		if s.Into == "" {
			return fmt.Errorf("fork needs into")
		}
	case "write":
		if s.Data == "" {
			return fmt.Errorf("write needs data")
		}
	case "read":
		if s.Expect == "" {
			return fmt.Errorf("read needs expect")
		}
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
	for _, p := range []string{s.Perms, s.MaxPerms} {
		if _, err := parsePerms(p); err != nil {
			return err
		}
	}
	if _, err := parseInheritance(s.Inherit); err != nil {
		return err
	}
	return nil
}

func parsePerms(s string) (hostarch.AccessType, error) {
	var at hostarch.AccessType
	if s == "" {
		return at, nil
	}
	if len(s) != 3 {
		return at, fmt.Errorf("invalid protection %q", s)
	}
	for i, c := range s {
		switch {
		case c == '-':
		case i == 0 && c == 'r':
			at.Read = true
		case i == 1 && c == 'w':
			at.Write = true
		case i == 2 && c == 'x':
			at.Execute = true
		default:
			return at, fmt.Errorf("invalid protection %q", s)
		}
	}
	return at, nil
}

func parseInheritance(s string) (vmmap.Inheritance, error) {
	switch s {
	case "", "copy":
		return vmmap.InheritCopy, nil
	case "share":
		return vmmap.InheritShare, nil
	case "none":
		return vmmap.InheritNone, nil
	}
	return 0, fmt.Errorf("invalid inheritance %q", s)
}

var enterFlags = map[string]vmmap.EnterFlags{
	"anywhere":    vmmap.EnterAnywhere,
	"random":      vmmap.EnterRandom,
	"overwrite":   vmmap.EnterOverwrite,
	"already":     vmmap.EnterAlready,
	"purgeable":   vmmap.EnterPurgeable,
	"permanent":   vmmap.EnterPermanent,
	"jit":         vmmap.EnterJIT,
	"allow_wx":    vmmap.EnterAllowWX,
	"superpage":   vmmap.EnterSuperpage,
	"no_coalesce": vmmap.EnterNoCoalesce,
	"atomic":      vmmap.EnterAtomic,
	"map_aligned": vmmap.EnterMapAligned,
}

var deleteFlags = map[string]vmmap.DeleteFlags{
	"kernel_wait":      vmmap.DeleteKernelWait,
	"remove_immutable": vmmap.DeleteRemoveImmutable,
	"gaps_fail":        vmmap.DeleteGapsFail,
	"gaps_ok":          vmmap.DeleteGapsOK,
}

func parseFlags[F ~uint32](names []string, table map[string]F) (F, error) {
	var f F
	for _, n := range names {
		v, ok := table[strings.ToLower(n)]
		if !ok {
			return 0, fmt.Errorf("unknown flag %q", n)
		}
		f |= v
	}
	return f, nil
}
