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

// Package config provides basic infrastructure to set configuration settings
// for vmctl. Each setting is a field of Config, registered as a command line
// flag and loadable from a TOML or YAML file.
package config

import (
	"fmt"
	"math/bits"

	"github.com/mohae/deepcopy"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/log"
	"gvisor.dev/vmspace/pkg/memmap"
	"gvisor.dev/vmspace/pkg/refs"
	"gvisor.dev/vmspace/pkg/vmmap"
)

// Config holds configuration that is not part of scenario files.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name, and toml and yaml keys.
//  3. Register a new flag in flags.go, with the same name and add a
//     description.
//  4. Add any necessary validation into validate().
type Config struct {
	// ConfigFile is the TOML or YAML file settings were loaded from.
	ConfigFile string `flag:"config" toml:"-" yaml:"-"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log" yaml:"log"`

	// LogFormat is the log format: text, json or logrus.
	LogFormat string `flag:"log-format" toml:"log_format" yaml:"log_format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug" yaml:"debug"`

	// ReferenceLeak sets the reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode" toml:"ref_leak_mode" yaml:"ref_leak_mode"`

	// PageSize is the granularity of new maps. Zero means the host page
	// size.
	PageSize uint64 `flag:"page-size" toml:"page_size" yaml:"page_size"`

	// MinAddress and MaxAddress bound new maps.
	MinAddress uint64 `flag:"min-address" toml:"min_address" yaml:"min_address"`
	MaxAddress uint64 `flag:"max-address" toml:"max_address" yaml:"max_address"`

	// SizeLimit, DataLimit and WireLimit are per-map limits in bytes. Zero
	// means unlimited.
	SizeLimit uint64 `flag:"size-limit" toml:"size_limit" yaml:"size_limit"`
	DataLimit uint64 `flag:"data-limit" toml:"data_limit" yaml:"data_limit"`
	WireLimit uint64 `flag:"wire-limit" toml:"wire_limit" yaml:"wire_limit"`

	// GlobalWireLimit bounds the bytes wired by users across all maps.
	GlobalWireLimit uint64 `flag:"global-wire-limit" toml:"global_wire_limit" yaml:"global_wire_limit"`

	// ExecLockdown forbids new executable mappings.
	ExecLockdown bool `flag:"exec-lockdown" toml:"exec_lockdown" yaml:"exec_lockdown"`

	// RandomizeAnywhere randomizes anywhere placements.
	RandomizeAnywhere bool `flag:"randomize" toml:"randomize" yaml:"randomize"`

	// RandomSeed seeds randomized placement.
	RandomSeed int64 `flag:"random-seed" toml:"random_seed" yaml:"random_seed"`

	// AnonChunkSize, MaxCoalesceSize, SmallCopyThreshold and MaxShadowDepth
	// tune the map. Zero selects the default.
	AnonChunkSize      uint64 `flag:"anon-chunk-size" toml:"anon_chunk_size" yaml:"anon_chunk_size"`
	MaxCoalesceSize    uint64 `flag:"max-coalesce-size" toml:"max_coalesce_size" yaml:"max_coalesce_size"`
	SmallCopyThreshold uint64 `flag:"small-copy-threshold" toml:"small_copy_threshold" yaml:"small_copy_threshold"`
	MaxShadowDepth     int    `flag:"max-shadow-depth" toml:"max_shadow_depth" yaml:"max_shadow_depth"`
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json' or 'logrus'", c.LogFormat)
	}
	if c.PageSize != 0 && (bits.OnesCount64(c.PageSize) != 1 || c.PageSize < hostarch.PageSize || c.PageSize > 1<<hostarch.MaxPageShift) {
		return fmt.Errorf("invalid page size %#x", c.PageSize)
	}
	if c.MinAddress >= c.MaxAddress {
		return fmt.Errorf("address range [%#x, %#x) is empty", c.MinAddress, c.MaxAddress)
	}
	if c.MaxShadowDepth < 0 {
		return fmt.Errorf("invalid max shadow depth %d", c.MaxShadowDepth)
	}
	return nil
}

// MapOptions returns the options for a new map called name using platform p.
// Maps that should share user wire limits must be given the same global.
func (c *Config) MapOptions(name string, p memmap.Platform, global *vmmap.WireLimits) vmmap.Options {
	return vmmap.Options{
		Name:               name,
		Min:                hostarch.Addr(c.MinAddress),
		Max:                hostarch.Addr(c.MaxAddress),
		PageSize:           c.PageSize,
		Platform:           p,
		ExecLockdown:       c.ExecLockdown,
		SizeLimit:          c.SizeLimit,
		DataLimit:          c.DataLimit,
		WireLimit:          c.WireLimit,
		GlobalWire:         global,
		RandomizeAnywhere:  c.RandomizeAnywhere,
		RandomSeed:         c.RandomSeed,
		AnonChunkSize:      c.AnonChunkSize,
		MaxCoalesceSize:    c.MaxCoalesceSize,
		SmallCopyThreshold: c.SmallCopyThreshold,
		MaxShadowDepth:     c.MaxShadowDepth,
	}
}

// NewWireLimits returns the global wire limits configured by c, or nil if
// there are none.
func (c *Config) NewWireLimits() *vmmap.WireLimits {
	if c.GlobalWireLimit == 0 {
		return nil
	}
	return vmmap.NewWireLimits(c.GlobalWireLimit)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	for _, f := range c.ToFlags() {
		log.Infof("\t%s", f)
	}
}
