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
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/vmspace/pkg/vmmap"
	"gvisor.dev/vmspace/vmctl/scenario"
)

// Maps implements subcommands.Command for the "maps" command.
type Maps struct {
	format string
}

// Name implements subcommands.Command.Name.
func (*Maps) Name() string {
	return "maps"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Maps) Synopsis() string {
	return "run scenario files and print the resulting regions"
}

// Usage implements subcommands.Command.Usage.
func (*Maps) Usage() string {
	return `maps [flags] <scenario.yaml>... - print every region of every map after the scenarios run.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Maps) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.format, "format", "table", "output format: table or json.")
}

// Execute implements subcommands.Command.Execute.
func (m *Maps) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if m.format != "table" && m.format != "json" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	return scenarioCommand(ctx, f, args, os.Stdout, func(r *scenario.Runner) error {
		all := make(map[string][]vmmap.RegionInfo)
		for _, name := range r.Names() {
			all[name] = r.Map(name).Regions()
		}
		if m.format == "json" {
			b, err := json.MarshalIndent(all, "", "  ")
			if err != nil {
				return fmt.Errorf("error marshaling regions: %w", err)
			}
			_, err = os.Stdout.Write(append(b, '\n'))
			return err
		}
		for _, name := range r.Names() {
			if err := writeTable(os.Stdout, name, all[name]); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeTable(out io.Writer, name string, regions []vmmap.RegionInfo) error {
	fmt.Fprintf(out, "map %q: %d regions\n", name, len(regions))
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "START\tEND\tPROT\tMAX\tINHERIT\tOBJECT\tOFFSET\tWIRED\tFLAGS")
	for _, ri := range regions {
		fmt.Fprintf(w, "%#x\t%#x\t%s\t%s\t%s\t%d\t%#x\t%d/%d\t%s\n",
			ri.Start, ri.End, ri.Perms, ri.MaxPerms, ri.Inheritance,
			ri.ObjectID, ri.Offset, ri.WiredCount, ri.UserWiredCount, regionFlags(ri))
	}
	return w.Flush()
}

func regionFlags(ri vmmap.RegionInfo) string {
	var flags []string
	for _, f := range []struct {
		set  bool
		name string
	}{
		{ri.Submap, "submap"},
		{ri.NeedsCopy, "cow"},
		{ri.Shared, "shared"},
		{ri.Permanent, "permanent"},
		{ri.Atomic, "atomic"},
		{ri.JIT, "jit"},
		{ri.UsePmap, "nested"},
	} {
		if f.set {
			flags = append(flags, f.name)
		}
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}
