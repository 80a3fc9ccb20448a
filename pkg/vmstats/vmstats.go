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

// Package vmstats exports address-space statistics in the Prometheus text
// exposition format, documented at:
// https://prometheus.io/docs/instrumenting/exposition_formats/
package vmstats

import (
	"fmt"
	"io"
	"sort"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"gvisor.dev/vmspace/pkg/sync"
	"gvisor.dev/vmspace/pkg/vmmap"
)

// MapLabel is the label identifying the map a value belongs to.
const MapLabel = "map"

// Type is a Prometheus metric type.
type Type int

// List of supported Prometheus metric types.
const (
	TypeGauge = Type(iota)
	TypeCounter
)

func (t Type) dto() *dto.MetricType {
	if t == TypeCounter {
		return dto.MetricType_COUNTER.Enum()
	}
	return dto.MetricType_GAUGE.Enum()
}

// Metric is the metadata of one exported statistic.
type Metric struct {
	// Name is the Prometheus metric name, without the exporter prefix.
	Name string

	// Type is the type of the metric.
	Type Type

	// Help is an optional helpful string explaining what the metric is about.
	Help string

	value func(*vmmap.Stats) float64
}

// Metrics lists every exported statistic in export order.
var Metrics = []*Metric{
	{Name: "regions", Type: TypeGauge, Help: "Number of regions in the map.", value: func(s *vmmap.Stats) float64 { return float64(s.Regions) }},
	{Name: "holes", Type: TypeGauge, Help: "Number of unmapped ranges between regions.", value: func(s *vmmap.Stats) float64 { return float64(s.Holes) }},
	{Name: "mapped_bytes", Type: TypeGauge, Help: "Total size of all regions.", value: func(s *vmmap.Stats) float64 { return float64(s.Size) }},
	{Name: "user_wired_bytes", Type: TypeGauge, Help: "Bytes wired by users.", value: func(s *vmmap.Stats) float64 { return float64(s.UserWired) }},
	{Name: "wired_pages", Type: TypeGauge, Help: "Wired page table entries.", value: func(s *vmmap.Stats) float64 { return float64(s.WiredPages) }},
	{Name: "resident_pages", Type: TypeGauge, Help: "Page table entries present.", value: func(s *vmmap.Stats) float64 { return float64(s.Resident) }},
	{Name: "timestamp", Type: TypeCounter, Help: "Number of completed mutations.", value: func(s *vmmap.Stats) float64 { return float64(s.Timestamp) }},
	{Name: "faults_total", Type: TypeCounter, Help: "Page fault lookups.", value: func(s *vmmap.Stats) float64 { return float64(s.Faults) }},
	{Name: "cow_faults_total", Type: TypeCounter, Help: "Write faults that made a private copy.", value: func(s *vmmap.Stats) float64 { return float64(s.COWFaults) }},
	{Name: "transition_waits_total", Type: TypeCounter, Help: "Waits for in-transition regions.", value: func(s *vmmap.Stats) float64 { return float64(s.Waits) }},
	{Name: "transition_aborts_total", Type: TypeCounter, Help: "Interrupted waits for in-transition regions.", value: func(s *vmmap.Stats) float64 { return float64(s.Aborts) }},
	{Name: "delete_gaps_total", Type: TypeCounter, Help: "Unmapped ranges found by deletes.", value: func(s *vmmap.Stats) float64 { return float64(s.Gaps) }},
	{Name: "coalesced_total", Type: TypeCounter, Help: "Anonymous mappings absorbed by the preceding region.", value: func(s *vmmap.Stats) float64 { return float64(s.Coalesced) }},
	{Name: "quick_copies_total", Type: TypeCounter, Help: "Regions copied copy-on-write.", value: func(s *vmmap.Stats) float64 { return float64(s.QuickCopies) }},
	{Name: "slow_copies_total", Type: TypeCounter, Help: "Regions copied page by page.", value: func(s *vmmap.Stats) float64 { return float64(s.SlowCopies) }},
	{Name: "lock_restarts_total", Type: TypeCounter, Help: "Faults that lost their read lock while upgrading it.", value: func(s *vmmap.Stats) float64 { return float64(s.Restarts) }},
}

// ExportOptions control how statistics are exported.
type ExportOptions struct {
	// CommentHeader is prepended as a comment before any metric data is
	// exported.
	CommentHeader string

	// ExporterPrefix is prepended to all metric names.
	ExporterPrefix string

	// ExtraLabels is added as labels for all metric values. It may not
	// contain MapLabel.
	ExtraLabels map[string]string
}

// DefaultPrefix is the ExporterPrefix used by the command line tool.
const DefaultPrefix = "vmspace_"

// labels returns the label pairs for one map, sorted by name.
func labels(mapName string, extra map[string]string) ([]*dto.LabelPair, error) {
	if _, found := extra[MapLabel]; found {
		return nil, fmt.Errorf("duplicate label name %q", MapLabel)
	}
	pairs := []*dto.LabelPair{{Name: proto.String(MapLabel), Value: proto.String(mapName)}}
	for k, v := range extra {
		pairs = append(pairs, &dto.LabelPair{Name: proto.String(k), Value: proto.String(v)})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].GetName() < pairs[j].GetName() })
	return pairs, nil
}

// Families converts snapshots of several maps into metric families, one per
// entry of Metrics, with one value per map.
func Families(snapshots []vmmap.Stats, opts ExportOptions) ([]*dto.MetricFamily, error) {
	names := make(map[string]bool, len(snapshots))
	for _, s := range snapshots {
		if names[s.Name] {
			return nil, fmt.Errorf("duplicate map name %q", s.Name)
		}
		names[s.Name] = true
	}
	families := make([]*dto.MetricFamily, 0, len(Metrics))
	for _, m := range Metrics {
		mf := &dto.MetricFamily{
			Name: proto.String(opts.ExporterPrefix + m.Name),
			Type: m.Type.dto(),
		}
		if m.Help != "" {
			mf.Help = proto.String(m.Help)
		}
		for i := range snapshots {
			s := &snapshots[i]
			lp, err := labels(s.Name, opts.ExtraLabels)
			if err != nil {
				return nil, err
			}
			v := m.value(s)
			metric := &dto.Metric{Label: lp}
			if m.Type == TypeCounter {
				metric.Counter = &dto.Counter{Value: proto.Float64(v)}
			} else {
				metric.Gauge = &dto.Gauge{Value: proto.Float64(v)}
			}
			mf.Metric = append(mf.Metric, metric)
		}
		families = append(families, mf)
	}
	return families, nil
}

// Write writes snapshots of several maps to w in the Prometheus text format.
func Write(w io.Writer, snapshots []vmmap.Stats, opts ExportOptions) error {
	families, err := Families(snapshots, opts)
	if err != nil {
		return err
	}
	if opts.CommentHeader != "" {
		if _, err := fmt.Fprintf(w, "# %s\n", opts.CommentHeader); err != nil {
			return err
		}
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// Registry is a set of maps whose statistics are exported together.
type Registry struct {
	mu   sync.Mutex
	maps map[string]*vmmap.Map
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{maps: make(map[string]*vmmap.Map)}
}

// Register adds m under its name. It takes a reference on m.
func (r *Registry) Register(m *vmmap.Map) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.maps[m.Name()]; ok {
		return fmt.Errorf("map %q is already registered", m.Name())
	}
	m.IncRef()
	r.maps[m.Name()] = m
	return nil
}

// Unregister removes the map registered under name, if any, and drops the
// registry's reference on it.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	m, ok := r.maps[name]
	delete(r.maps, name)
	r.mu.Unlock()
	if ok {
		m.DecRef()
	}
}

// Release unregisters every map.
func (r *Registry) Release() {
	r.mu.Lock()
	maps := r.maps
	r.maps = make(map[string]*vmmap.Map)
	r.mu.Unlock()
	for _, m := range maps {
		m.DecRef()
	}
}

// Snapshot returns the statistics of every registered map, ordered by name.
func (r *Registry) Snapshot() []vmmap.Stats {
	r.mu.Lock()
	maps := make([]*vmmap.Map, 0, len(r.maps))
	for _, m := range r.maps {
		maps = append(maps, m)
	}
	r.mu.Unlock()
	sort.Slice(maps, func(i, j int) bool { return maps[i].Name() < maps[j].Name() })
	snapshots := make([]vmmap.Stats, 0, len(maps))
	for _, m := range maps {
		snapshots = append(snapshots, m.Stats())
	}
	return snapshots
}

// WriteTo writes the statistics of every registered map to w.
func (r *Registry) WriteTo(w io.Writer, opts ExportOptions) error {
	return Write(w, r.Snapshot(), opts)
}
