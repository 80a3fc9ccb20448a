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

// Package cmd holds implementations of the vmctl commands.
package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/vmspace/pkg/log"
	"gvisor.dev/vmspace/vmctl/config"
	"gvisor.dev/vmspace/vmctl/scenario"
)

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	log.Warningf("FATAL ERROR: "+format, args...)
	os.Exit(128)
}

// runScenarios loads each file in paths and runs it on a new Runner, which
// the caller must release.
func runScenarios(ctx context.Context, conf *config.Config, paths []string) (*scenario.Runner, error) {
	r, err := scenario.NewRunner(conf)
	if err != nil {
		return nil, fmt.Errorf("creating runner: %w", err)
	}
	for _, path := range paths {
		s, err := scenario.Load(path)
		if err != nil {
			r.Release()
			return nil, err
		}
		if err := r.Run(ctx, s); err != nil {
			r.Release()
			return nil, err
		}
		log.Infof("Scenario %q passed", s.Name)
	}
	return r, nil
}

// scenarioCommand is the common part of commands that take scenario files.
func scenarioCommand(ctx context.Context, f *flag.FlagSet, args []any, out io.Writer, fn func(r *scenario.Runner) error) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	r, err := runScenarios(ctx, conf, f.Args())
	if err != nil {
		fmt.Fprintf(out, "FAIL: %v\n", err)
		return subcommands.ExitFailure
	}
	defer r.Release()
	if err := fn(r); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}
