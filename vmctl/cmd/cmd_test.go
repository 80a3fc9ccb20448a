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
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmspace/pkg/errors/vmerr"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/vmmap"
)

func TestParseLabels(t *testing.T) {
	got, err := parseLabels("host=a,run=7")
	if err != nil {
		t.Fatalf("parseLabels got err %v want nil", err)
	}
	if diff := cmp.Diff(map[string]string{"host": "a", "run": "7"}, got); diff != "" {
		t.Errorf("parseLabels mismatch (-want +got):\n%s", diff)
	}
	for _, bad := range []string{"host", "=a", "host=a,,"} {
		if _, err := parseLabels(bad); err == nil {
			t.Errorf("parseLabels(%q) succeeded, want error", bad)
		}
	}
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	regions := []vmmap.RegionInfo{
		{Start: 0x10000, End: 0x12000, Perms: hostarch.ReadWrite, MaxPerms: hostarch.AnyAccess, WiredCount: 2, UserWiredCount: 1},
		{Start: 0x20000, End: 0x21000, Perms: hostarch.Read, MaxPerms: hostarch.Read, Inheritance: vmmap.InheritShare, Shared: true, Permanent: true},
	}
	if err := writeTable(&buf, "main", regions); err != nil {
		t.Fatalf("writeTable got err %v want nil", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("writeTable wrote %d lines, want 4:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[2], "rw-") || !strings.Contains(lines[2], "2/1") || !strings.HasSuffix(lines[2], "-") {
		t.Errorf("first region line %q", lines[2])
	}
	if !strings.HasSuffix(lines[3], "shared,permanent") {
		t.Errorf("second region line %q", lines[3])
	}
}

func TestTolerate(t *testing.T) {
	if err := tolerate(vmerr.Wrapf(vmerr.ErrNoSpace, "full")); err != nil {
		t.Errorf("tolerate(NoSpace) = %v, want nil", err)
	}
	denied := vmerr.Wrapf(vmerr.ErrProtectionDenied, "denied")
	if err := tolerate(denied); err != denied {
		t.Errorf("tolerate(ProtectionDenied) = %v, want it returned", err)
	}
	other := errors.New("other")
	if err := tolerate(other); err != other {
		t.Errorf("tolerate(%v) = %v, want it returned", other, err)
	}
}
