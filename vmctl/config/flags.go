// Copyright 2020 The gVisor Authors.
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

package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"gvisor.dev/vmspace/pkg/refs"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML (.toml) or YAML (.yaml, .yml) file to load settings from. Flags given on the command line take precedence.")

	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr. %PID% and %TIMESTAMP% are expanded.")
	flagSet.String("log-format", "text", "log format: text (default), json, or logrus.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.Var(leakModePtr(refs.NoLeakChecking), "ref-leak-mode", "sets reference leak check mode: disabled (default), log-names, panic.")

	// Flags that control new maps.
	flagSet.Uint64("page-size", 0, "page size of new maps, a power-of-two multiple of the host page size. 0 selects the host page size.")
	flagSet.Uint64("min-address", 0x10000, "lowest address of new maps.")
	flagSet.Uint64("max-address", 0x7ffffffff000, "end of the address range of new maps.")
	flagSet.Uint64("size-limit", 0, "maximum total size of a map's regions, in bytes. 0 means unlimited.")
	flagSet.Uint64("data-limit", 0, "maximum total size of a map's writable anonymous regions, in bytes. 0 means unlimited.")
	flagSet.Uint64("wire-limit", 0, "maximum bytes a map's users may wire. 0 means unlimited.")
	flagSet.Uint64("global-wire-limit", 0, "maximum bytes users may wire across all maps. 0 means unlimited.")
	flagSet.Bool("exec-lockdown", false, "forbid new executable mappings.")
	flagSet.Bool("randomize", false, "place anywhere mappings at random addresses.")
	flagSet.Int64("random-seed", 1, "seed for randomized placement.")
	flagSet.Uint64("anon-chunk-size", 0, "largest single anonymous region. 0 selects the default.")
	flagSet.Uint64("max-coalesce-size", 0, "largest region anonymous mappings are coalesced into. 0 selects the default.")
	flagSet.Uint64("small-copy-threshold", 0, "copies shorter than this are made through a buffer. 0 selects the default.")
	flagSet.Int("max-shadow-depth", 0, "shadow chain length beyond which copies are made physically. 0 selects the default.")
}

func leakModePtr(v refs.LeakMode) *refs.LeakMode {
	return &v
}

// NewFromFlags creates a new Config with values coming from command line flags
// and, if the config flag is set, from the file it names.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	flagSet.VisitAll(func(fl *flag.Flag) {
		conf.setFromFlag(fl)
	})
	if conf.ConfigFile != "" {
		if err := conf.loadFile(conf.ConfigFile); err != nil {
			return nil, err
		}
		// Flags given explicitly override the file.
		flagSet.Visit(func(fl *flag.Flag) {
			conf.setFromFlag(fl)
		})
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFromFlag copies the value of fl into the field tagged with its name, if
// any.
func (c *Config) setFromFlag(fl *flag.Flag) {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok && name == fl.Name {
			getter, ok := fl.Value.(flag.Getter)
			if !ok {
				panic(fmt.Sprintf("Flag %q has no getter", fl.Name))
			}
			obj.Field(i).Set(reflect.ValueOf(getter.Get()))
			return
		}
	}
}

// loadFile decodes the settings in path into c. Fields absent from the file
// are left unchanged.
func (c *Config) loadFile(path string) error {
	switch filepath.Ext(path) {
	case ".toml":
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return fmt.Errorf("error loading config file %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("config file %q has unknown keys %v", path, undecoded)
		}
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("error loading config file: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil {
			return fmt.Errorf("error loading config file %q: %w", path, err)
		}
	default:
		return fmt.Errorf("config file %q must end in .toml, .yaml or .yml", path)
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
