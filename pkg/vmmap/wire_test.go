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

package vmmap

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/vmspace/pkg/errors/vmerr"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/pgalloc"
	"gvisor.dev/vmspace/pkg/platform"
)

// wiredCounts returns the wired count of every region.
func wiredCounts(m *Map) []int {
	var counts []int
	for _, ri := range m.Regions() {
		counts = append(counts, ri.WiredCount)
	}
	return counts
}

func TestWireUnwireBalance(t *testing.T) {
	m, _ := newTestMap(t, Options{})
	ctx := context.Background()
	addr := enterAnon(t, m, 0, 2, EnterAnywhere)
	const n = 3
	for i := 0; i < n; i++ {
		if err := m.Wire(ctx, addr, addr+2*page, hostarch.Read, false); err != nil {
			t.Fatalf("Wire #%d got err %v want nil", i, err)
		}
	}
	if diff := cmp.Diff([]int{n}, wiredCounts(m)); diff != "" {
		t.Errorf("wired counts mismatch (-want +got):\n%s", diff)
	}
	if got := m.PageTable().WiredCount(); got != 2 {
		t.Errorf("wired page table entries = %d, want 2", got)
	}
	for i := 0; i < n; i++ {
		if got := m.PageTable().WiredCount(); got != 2 {
			t.Errorf("wired page table entries before unwire #%d = %d, want 2", i, got)
		}
		if err := m.Unwire(ctx, addr, addr+2*page, false); err != nil {
			t.Fatalf("Unwire #%d got err %v want nil", i, err)
		}
	}
	if diff := cmp.Diff([]int{0}, wiredCounts(m)); diff != "" {
		t.Errorf("wired counts mismatch (-want +got):\n%s", diff)
	}
	if got := m.PageTable().WiredCount(); got != 0 {
		t.Errorf("wired page table entries after unwiring = %d, want 0", got)
	}
}

func TestUserWiresChargeOnce(t *testing.T) {
	m, _ := newTestMap(t, Options{})
	ctx := context.Background()
	addr := enterAnon(t, m, 0, 1, EnterAnywhere)
	for i := 0; i < 2; i++ {
		if err := m.Wire(ctx, addr, addr+page, hostarch.Read, true); err != nil {
			t.Fatalf("user Wire got err %v want nil", err)
		}
		// User wirings alone must keep wiredCount >= userWiredCount.
		if err := m.CheckInvariants(); err != nil {
			t.Fatalf("after user Wire %d: %v", i, err)
		}
	}
	ri, _ := m.RegionInfo(addr)
	if ri.WiredCount != 2 || ri.UserWiredCount != 2 {
		t.Errorf("counts = (%d, %d), want (2, 2)", ri.WiredCount, ri.UserWiredCount)
	}
	if err := m.Wire(ctx, addr, addr+page, hostarch.Read, false); err != nil {
		t.Fatalf("kernel Wire got err %v want nil", err)
	}
	ri, _ = m.RegionInfo(addr)
	if ri.WiredCount != 3 || ri.UserWiredCount != 2 {
		t.Errorf("counts = (%d, %d), want (3, 2)", ri.WiredCount, ri.UserWiredCount)
	}
	if got := m.Stats().UserWired; got != page {
		t.Errorf("UserWired = %#x, want %#x", got, page)
	}
	for i := 0; i < 2; i++ {
		if err := m.Unwire(ctx, addr, addr+page, true); err != nil {
			t.Fatalf("user Unwire got err %v want nil", err)
		}
		if err := m.CheckInvariants(); err != nil {
			t.Fatalf("after user Unwire %d: %v", i, err)
		}
	}
	if err := m.Unwire(ctx, addr, addr+page, true); !errors.Is(err, vmerr.ErrAddressInvalid) {
		t.Errorf("unbalanced user Unwire got err %v, want ErrAddressInvalid", err)
	}
	if got := m.Stats().UserWired; got != 0 {
		t.Errorf("UserWired = %#x, want 0", got)
	}
	ri, _ = m.RegionInfo(addr)
	if ri.WiredCount != 1 || ri.UserWiredCount != 0 {
		t.Errorf("counts = (%d, %d), want (1, 0)", ri.WiredCount, ri.UserWiredCount)
	}
	if got := m.PageTable().WiredCount(); got != 1 {
		t.Errorf("wired entries with a kernel wiring left = %d, want 1", got)
	}
	if err := m.Unwire(ctx, addr, addr+page, false); err != nil {
		t.Fatalf("kernel Unwire got err %v want nil", err)
	}
	if got := m.PageTable().WiredCount(); got != 0 {
		t.Errorf("wired entries after unwiring = %d, want 0", got)
	}
}

func TestKernelUnwireIgnoresUserWirings(t *testing.T) {
	p := platform.New(pgalloc.MemoryFileOpts{})
	defer p.Release()
	// The panic leaves the map locked, so it is never released.
	m, err := New(Options{Name: t.Name(), Platform: p, Min: testMin, Max: testMax})
	if err != nil {
		t.Fatalf("New got err %v want nil", err)
	}
	ctx := context.Background()
	addr := enterAnon(t, m, 0, 1, EnterAnywhere)
	for i := 0; i < 2; i++ {
		if err := m.Wire(ctx, addr, addr+page, hostarch.Read, true); err != nil {
			t.Fatalf("user Wire got err %v want nil", err)
		}
	}
	defer func() {
		if recover() == nil {
			t.Errorf("kernel Unwire of user-only wirings did not panic")
		}
	}()
	m.Unwire(ctx, addr, addr+page, false)
}

func TestWireLimits(t *testing.T) {
	global := NewWireLimits(3 * page)
	m, _ := newTestMap(t, Options{WireLimit: 2 * page, GlobalWire: global})
	other, _ := newTestMap(t, Options{GlobalWire: global})
	ctx := context.Background()
	addr := enterAnon(t, m, 0, 3, EnterAnywhere)
	if err := m.Wire(ctx, addr, addr+3*page, hostarch.Read, true); !errors.Is(err, vmerr.ErrResourceExhausted) {
		t.Errorf("Wire over the map limit got err %v, want ErrResourceExhausted", err)
	}
	if err := m.Wire(ctx, addr, addr+2*page, hostarch.Read, true); err != nil {
		t.Fatalf("Wire got err %v want nil", err)
	}
	oaddr := enterAnon(t, other, 0, 2, EnterAnywhere)
	if err := other.Wire(ctx, oaddr, oaddr+2*page, hostarch.Read, true); !errors.Is(err, vmerr.ErrResourceExhausted) {
		t.Errorf("Wire over the global limit got err %v, want ErrResourceExhausted", err)
	}
	if got := global.Wired(); got != 2*page {
		t.Errorf("global wired = %#x, want %#x", got, 2*page)
	}
	// Deleting a wired range releases its charge.
	if err := m.Delete(ctx, addr, addr+3*page, 0); err != nil {
		t.Fatalf("Delete got err %v want nil", err)
	}
	if got := global.Wired(); got != 0 {
		t.Errorf("global wired after Delete = %#x, want 0", got)
	}
	if err := other.Wire(ctx, oaddr, oaddr+2*page, hostarch.Read, true); err != nil {
		t.Errorf("Wire after release got err %v want nil", err)
	}
	if err := other.Unwire(ctx, oaddr, oaddr+2*page, true); err != nil {
		t.Errorf("Unwire got err %v want nil", err)
	}
}

func TestWireRequiresAccessAndMapping(t *testing.T) {
	m, _ := newTestMap(t, Options{})
	ctx := context.Background()
	addr := enterAnon(t, m, 0, 1, EnterAnywhere)
	if err := m.Wire(ctx, addr, addr+page, hostarch.Execute, false); !errors.Is(err, vmerr.ErrProtectionDenied) {
		t.Errorf("Wire(execute) got err %v, want ErrProtectionDenied", err)
	}
	if err := m.Wire(ctx, addr, addr+2*page, hostarch.Read, false); !errors.Is(err, vmerr.ErrAddressInvalid) {
		t.Errorf("Wire of unmapped range got err %v, want ErrAddressInvalid", err)
	}
	if got := m.PageTable().WiredCount(); got != 0 {
		t.Errorf("wired page table entries after failures = %d, want 0", got)
	}
}

func TestWirePrivatizesCopyOnWrite(t *testing.T) {
	m, _ := newTestMap(t, Options{})
	ctx := context.Background()
	addr := enterAnon(t, m, 0, 1, EnterAnywhere)
	writeString(t, m, addr, "orig")
	child, err := m.Fork(ctx)
	if err != nil {
		t.Fatalf("Fork got err %v want nil", err)
	}
	defer child.DecRef()
	before, _ := m.RegionInfo(addr)
	if !before.NeedsCopy {
		t.Fatalf("region is not copy-on-write after Fork")
	}

	if err := m.Wire(ctx, addr, addr+page, hostarch.ReadWrite, false); err != nil {
		t.Fatalf("Wire got err %v want nil", err)
	}
	after, _ := m.RegionInfo(addr)
	if after.NeedsCopy || after.ObjectID == before.ObjectID {
		t.Errorf("wired region still shares object %d copy-on-write", before.ObjectID)
	}
	writeString(t, m, addr, "new!")
	if got := readString(t, child, addr, 4); got != "orig" {
		t.Errorf("child reads %q after parent write to wired page, want %q", got, "orig")
	}
	if err := m.Unwire(ctx, addr, addr+page, false); err != nil {
		t.Fatalf("Unwire got err %v want nil", err)
	}
}

func TestConcurrentOverlappingWires(t *testing.T) {
	m, _ := newTestMap(t, Options{})
	ctx := context.Background()
	addr := enterAnon(t, m, 0, 4, EnterAnywhere)
	first := hostarch.AddrRange{Start: addr, End: addr + 3*page}
	second := hostarch.AddrRange{Start: addr + page, End: addr + 4*page}

	var g errgroup.Group
	for _, ar := range []hostarch.AddrRange{first, second} {
		g.Go(func() error {
			return m.Wire(ctx, ar.Start, ar.End, hostarch.ReadWrite, false)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Wire got err %v want nil", err)
	}
	if diff := cmp.Diff([]int{1, 2, 1}, wiredCounts(m)); diff != "" {
		t.Errorf("wired counts mismatch (-want +got):\n%s", diff)
	}

	if err := m.Unwire(ctx, first.Start, first.End, false); err != nil {
		t.Fatalf("Unwire got err %v want nil", err)
	}
	if got := m.PageTable().WiredCount(); got != 3 {
		t.Errorf("wired entries after first Unwire = %d, want 3", got)
	}
	if err := m.Unwire(ctx, second.Start, second.End, false); err != nil {
		t.Fatalf("Unwire got err %v want nil", err)
	}
	if got := m.PageTable().WiredCount(); got != 0 {
		t.Errorf("wired entries after second Unwire = %d, want 0", got)
	}
	// Each wire gave the unbacked pieces it covered their own object, so only
	// pieces sharing an object merge back together.
	if got := len(m.Regions()); got != 2 {
		t.Errorf("got %d regions after unwiring, want 2", got)
	}
}

func TestWireWaitsForTransition(t *testing.T) {
	m, _ := newTestMap(t, Options{})
	addr := enterAnon(t, m, 0, 1, EnterAnywhere)

	m.lock()
	r, _ := m.store.lookup(addr)
	r.state = Transitioning
	m.unlock()

	// A cancelled user wire gives up, leaving needsWakeup set.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Wire(ctx, addr, addr+page, hostarch.Read, true); !errors.Is(err, vmerr.ErrAborted) {
		t.Errorf("Wire during transition got err %v, want ErrAborted", err)
	}
	if !r.needsWakeup.Load() {
		t.Errorf("aborted wait cleared needsWakeup")
	}

	done := make(chan error)
	go func() {
		done <- m.Wire(context.Background(), addr, addr+page, hostarch.Read, false)
	}()
	m.lock()
	m.endTransitionLocked(r)
	m.unlock()
	if err := <-done; err != nil {
		t.Fatalf("Wire after transition got err %v want nil", err)
	}
	if err := m.Unwire(context.Background(), addr, addr+page, false); err != nil {
		t.Fatalf("Unwire got err %v want nil", err)
	}
	if got := m.Stats().Aborts; got != 1 {
		t.Errorf("Aborts = %d, want 1", got)
	}
}
