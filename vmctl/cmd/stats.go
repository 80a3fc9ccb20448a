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
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"
	"gvisor.dev/vmspace/pkg/vmstats"
	"gvisor.dev/vmspace/vmctl/scenario"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	prefix string
	labels string
}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "run scenario files and export map statistics in Prometheus format"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [flags] <scenario.yaml>... - export statistics of every map after the scenarios run.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.prefix, "exporter-prefix", vmstats.DefaultPrefix, "prefix for all metric names.")
	f.StringVar(&s.labels, "labels", "", "comma-separated key=value labels added to every metric.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	extra, err := parseLabels(s.labels)
	if err != nil {
		Fatalf("%v", err)
	}
	return scenarioCommand(ctx, f, args, os.Stdout, func(r *scenario.Runner) error {
		reg := vmstats.NewRegistry()
		defer reg.Release()
		for _, name := range r.Names() {
			if err := reg.Register(r.Map(name)); err != nil {
				return err
			}
		}
		return reg.WriteTo(os.Stdout, vmstats.ExportOptions{
			CommentHeader:  fmt.Sprintf("vmctl stats %s", strings.Join(f.Args(), " ")),
			ExporterPrefix: s.prefix,
			ExtraLabels:    extra,
		})
	})
}

func parseLabels(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	labels := make(map[string]string)
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid label %q, want key=value", kv)
		}
		labels[k] = v
	}
	return labels, nil
}
