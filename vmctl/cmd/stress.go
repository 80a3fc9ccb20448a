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
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/vmspace/pkg/errors/vmerr"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/log"
	"gvisor.dev/vmspace/pkg/vmmap"
	"gvisor.dev/vmspace/vmctl/config"
	"gvisor.dev/vmspace/vmctl/scenario"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers  int
	duration time.Duration
	maxPages uint64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run concurrent random operations on one map and check its invariants"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - run random enter, wire, protect, fork and delete operations concurrently.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 8, "number of concurrent workers.")
	f.DurationVar(&s.duration, "duration", 5*time.Second, "how long to run.")
	f.Uint64Var(&s.maxPages, "max-pages", 16, "largest mapping, in pages.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.workers <= 0 || s.maxPages == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	r, err := scenario.NewRunner(conf)
	if err != nil {
		Fatalf("creating runner: %v", err)
	}
	defer r.Release()
	m := r.Map(scenario.MainMap)

	ctx, cancel := context.WithTimeout(ctx, s.duration)
	defer cancel()

	var ops atomic.Uint64
	progress := log.BasicRateLimitedLogger(time.Second)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		w := &stressWorker{
			m:        m,
			rng:      rand.New(rand.NewSource(conf.RandomSeed + int64(i))),
			maxPages: s.maxPages,
		}
		g.Go(func() error {
			for ctx.Err() == nil {
				if err := w.step(ctx); err != nil {
					return err
				}
				progress.Infof("Stress: %d operations", ops.Add(1))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		Fatalf("stress worker failed: %v", err)
	}
	if err := m.CheckInvariants(); err != nil {
		Fatalf("invariants violated after stress: %v", err)
	}
	st := m.Stats()
	fmt.Printf("PASS: %d operations, %d regions, %d faults, %d transition waits\n", ops.Load(), st.Regions, st.Faults, st.Waits)
	return subcommands.ExitSuccess
}

// stressWorker performs random operations on its own mappings. Operations on
// ranges another worker may have replaced are allowed to fail with the
// errors those races produce.
type stressWorker struct {
	m        *vmmap.Map
	rng      *rand.Rand
	maxPages uint64
}

func (w *stressWorker) step(ctx context.Context) error {
	pageSize := w.m.PageSize()
	length := (1 + uint64(w.rng.Int63n(int64(w.maxPages)))) * pageSize
	addr, err := w.m.Enter(ctx, vmmap.EnterOpts{
		Addr:     w.m.Bounds().Start,
		Length:   length,
		Flags:    vmmap.EnterAnywhere | vmmap.EnterRandom,
		Perms:    hostarch.ReadWrite,
		MaxPerms: hostarch.ReadWrite,
	})
	if err != nil {
		return tolerate(err)
	}
	end := addr + hostarch.Addr(length)
	defer w.m.Delete(context.Background(), addr, end, vmmap.DeleteKernelWait)

	if _, err := w.m.WriteBytes(ctx, addr, []byte("stress")); err != nil {
		return tolerate(err)
	}
	switch w.rng.Intn(4) {
	case 0:
		if err := w.m.Wire(ctx, addr, end, hostarch.Read, false); err != nil {
			return tolerate(err)
		}
		return tolerate(w.m.Unwire(ctx, addr, end, false))
	case 1:
		return tolerate(w.m.Protect(ctx, addr, end, hostarch.Read, false))
	case 2:
		child, err := w.m.Fork(ctx)
		if err != nil {
			return tolerate(err)
		}
		child.DecRef()
		return nil
	default:
		return tolerate(w.m.SetInheritance(ctx, addr, end, vmmap.InheritShare))
	}
}

// tolerate filters out errors caused by running out of time or by another
// worker's concurrent changes.
func tolerate(err error) error {
	switch {
	case err == nil,
		vmerr.Is(err, vmerr.ErrAborted),
		vmerr.Is(err, vmerr.ErrNoSpace),
		vmerr.Is(err, vmerr.ErrAddressInvalid),
		vmerr.Is(err, vmerr.ErrResourceExhausted):
		return nil
	}
	return err
}
