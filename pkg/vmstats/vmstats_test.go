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

package vmstats

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/pgalloc"
	"gvisor.dev/vmspace/pkg/platform"
	"gvisor.dev/vmspace/pkg/vmmap"
)

func newMap(t *testing.T, p *platform.Platform, name string) *vmmap.Map {
	t.Helper()
	m, err := vmmap.New(vmmap.Options{
		Name:     name,
		Platform: p,
		Min:      0x100000,
		Max:      0x10000000,
	})
	if err != nil {
		t.Fatalf("vmmap.New got err %v want nil", err)
	}
	return m
}

// values parses text-format metrics into name -> map label -> value.
func values(t *testing.T, text string) map[string]map[string]float64 {
	t.Helper()
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(strings.NewReader(text))
	if err != nil {
		t.Fatalf("cannot parse exported metrics: %v\n%s", err, text)
	}
	out := make(map[string]map[string]float64)
	for name, mf := range parsed {
		out[name] = make(map[string]float64)
		for _, m := range mf.GetMetric() {
			var mapName string
			for _, l := range m.GetLabel() {
				if l.GetName() == MapLabel {
					mapName = l.GetValue()
				}
			}
			v := m.GetGauge().GetValue()
			if m.Counter != nil {
				v = m.GetCounter().GetValue()
			}
			out[name][mapName] = v
		}
	}
	return out
}

func TestRegistryExport(t *testing.T) {
	p := platform.New(pgalloc.MemoryFileOpts{})
	defer p.Release()
	ctx := context.Background()

	a := newMap(t, p, "a")
	b := newMap(t, p, "b")
	r := NewRegistry()
	for _, m := range []*vmmap.Map{a, b} {
		if err := r.Register(m); err != nil {
			t.Fatalf("Register got err %v want nil", err)
		}
		m.DecRef()
	}
	defer r.Release()
	if err := r.Register(a); err == nil {
		t.Errorf("registering %q twice succeeded", a.Name())
	}

	if _, err := a.Enter(ctx, vmmap.EnterOpts{
		Length:   3 * hostarch.PageSize,
		Flags:    vmmap.EnterAnywhere,
		Perms:    hostarch.ReadWrite,
		MaxPerms: hostarch.ReadWrite,
	}); err != nil {
		t.Fatalf("Enter got err %v want nil", err)
	}

	var buf bytes.Buffer
	if err := r.WriteTo(&buf, ExportOptions{CommentHeader: "test", ExporterPrefix: DefaultPrefix}); err != nil {
		t.Fatalf("WriteTo got err %v want nil", err)
	}
	if !strings.HasPrefix(buf.String(), "# test\n") {
		t.Errorf("export does not start with the comment header:\n%s", buf.String())
	}
	got := values(t, buf.String())
	if len(got) != len(Metrics) {
		t.Errorf("exported %d metric families, want %d", len(got), len(Metrics))
	}
	want := map[string]float64{"a": 3 * hostarch.PageSize, "b": 0}
	if diff := cmp.Diff(want, got[DefaultPrefix+"mapped_bytes"]); diff != "" {
		t.Errorf("mapped_bytes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]float64{"a": 1, "b": 0}, got[DefaultPrefix+"regions"]); diff != "" {
		t.Errorf("regions mismatch (-want +got):\n%s", diff)
	}

	r.Unregister("b")
	if n := len(r.Snapshot()); n != 1 {
		t.Errorf("Snapshot after Unregister has %d maps, want 1", n)
	}
}

func TestFamiliesRejectsBadLabels(t *testing.T) {
	snapshots := []vmmap.Stats{{Name: "x"}}
	if _, err := Families(snapshots, ExportOptions{ExtraLabels: map[string]string{MapLabel: "y"}}); err == nil {
		t.Errorf("Families accepted an extra %q label", MapLabel)
	}
	if _, err := Families(append(snapshots, vmmap.Stats{Name: "x"}), ExportOptions{}); err == nil {
		t.Errorf("Families accepted duplicate map names")
	}
	families, err := Families(snapshots, ExportOptions{ExtraLabels: map[string]string{"sandbox": "s1"}})
	if err != nil {
		t.Fatalf("Families got err %v want nil", err)
	}
	var names []string
	for _, l := range families[0].GetMetric()[0].GetLabel() {
		names = append(names, l.GetName())
	}
	if diff := cmp.Diff([]string{MapLabel, "sandbox"}, names); diff != "" {
		t.Errorf("label order mismatch (-want +got):\n%s", diff)
	}
}
