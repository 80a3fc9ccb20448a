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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmspace/pkg/refs"
)

func newConfig(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	flagSet := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		t.Fatalf("Parse(%v) got err %v want nil", args, err)
	}
	return NewFromFlags(flagSet)
}

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile got err %v want nil", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	c, err := newConfig(t)
	if err != nil {
		t.Fatalf("NewFromFlags got err %v want nil", err)
	}
	if c.LogFormat != "text" || c.MinAddress != 0x10000 || c.ReferenceLeak != refs.NoLeakChecking {
		t.Errorf("unexpected defaults %+v", c)
	}
	if got := c.ToFlags(); len(got) != 0 {
		t.Errorf("ToFlags of the defaults = %v, want none", got)
	}
}

func TestFlags(t *testing.T) {
	c, err := newConfig(t, "-debug", "-wire-limit=0x4000", "-ref-leak-mode=panic", "-log-format=logrus")
	if err != nil {
		t.Fatalf("NewFromFlags got err %v want nil", err)
	}
	if !c.Debug || c.WireLimit != 0x4000 || c.ReferenceLeak != refs.LeaksPanic || c.LogFormat != "logrus" {
		t.Errorf("flags not applied: %+v", c)
	}
	want := []string{"--log-format=logrus", "--debug=true", "--ref-leak-mode=panic", "--wire-limit=16384"}
	if diff := cmp.Diff(want, c.ToFlags()); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	for _, args := range [][]string{
		{"-log-format=xml"},
		{"-page-size=0x1800"},
		{"-min-address=0x2000", "-max-address=0x1000"},
		{"-max-shadow-depth=-1"},
	} {
		if _, err := newConfig(t, args...); err == nil {
			t.Errorf("NewFromFlags(%v) succeeded, want error", args)
		}
	}
}

func TestLoadFile(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
	}{
		{
			name: "settings.toml",
			contents: `
wire_limit = 8192
exec_lockdown = true
ref_leak_mode = "log-names"
size_limit = 1048576
`,
		},
		{
			name: "settings.yaml",
			contents: `
wire_limit: 0x2000
exec_lockdown: true
ref_leak_mode: log-names
size_limit: 1048576
`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, tc.name, tc.contents)
			c, err := newConfig(t, "-config="+path, "-size-limit=4096")
			if err != nil {
				t.Fatalf("NewFromFlags got err %v want nil", err)
			}
			if c.WireLimit != 8192 || !c.ExecLockdown || c.ReferenceLeak != refs.LeaksLogWarning {
				t.Errorf("file settings not applied: %+v", c)
			}
			if c.SizeLimit != 4096 {
				t.Errorf("SizeLimit = %d, want the command line's 4096", c.SizeLimit)
			}
			if c.LogFormat != "text" {
				t.Errorf("LogFormat = %q, want default %q", c.LogFormat, "text")
			}
		})
	}
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
	}{
		{"bad.toml", "no_such_key = 1\n"},
		{"bad.yaml", "no_such_key: 1\n"},
		{"bad.json", "{}"},
	} {
		path := writeFile(t, tc.name, tc.contents)
		if _, err := newConfig(t, "-config="+path); err == nil {
			t.Errorf("loading %s succeeded, want error", tc.name)
		} else if !strings.Contains(err.Error(), path) {
			t.Errorf("error %q does not name the file", err)
		}
	}
}

func TestClone(t *testing.T) {
	c, err := newConfig(t, "-wire-limit=4096")
	if err != nil {
		t.Fatalf("NewFromFlags got err %v want nil", err)
	}
	clone := c.Clone()
	if diff := cmp.Diff(c, clone); diff != "" {
		t.Errorf("Clone mismatch (-want +got):\n%s", diff)
	}
	clone.WireLimit = 0
	if c.WireLimit != 4096 {
		t.Errorf("modifying the clone changed the original")
	}
}
