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

package pmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/memmap"
)

const page = hostarch.PageSize

func ar(start, end hostarch.Addr) hostarch.AddrRange {
	return hostarch.AddrRange{Start: start, End: end}
}

func TestEnterLookupRemove(t *testing.T) {
	p := New(page)
	defer p.Destroy()

	p.Enter(0x1000, 7, hostarch.ReadWrite, false)
	p.Enter(0x2000, 8, hostarch.Read, false)

	got, ok := p.Lookup(0x1234)
	if !ok {
		t.Fatalf("Lookup(0x1234) found nothing")
	}
	want := memmap.PTE{Frame: 7, Perms: hostarch.ReadWrite}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Lookup(0x1234) mismatch (-want +got):\n%s", diff)
	}

	p.Remove(ar(0x1000, 0x2000))
	if _, ok := p.Lookup(0x1000); ok {
		t.Errorf("Lookup(0x1000) found an entry after Remove")
	}
	if got := p.Resident(ar(0, 0x10000)); got != 1 {
		t.Errorf("Resident = %d, want 1", got)
	}
}

func TestProtectOnlyReduces(t *testing.T) {
	for _, test := range []struct {
		name  string
		perms hostarch.AccessType
		prot  hostarch.AccessType
		want  hostarch.AccessType
		gone  bool
	}{
		{name: "drop write", perms: hostarch.ReadWrite, prot: hostarch.Read, want: hostarch.Read},
		{name: "never adds", perms: hostarch.Read, prot: hostarch.AnyAccess, want: hostarch.Read},
		{name: "to none", perms: hostarch.ReadWrite, prot: hostarch.NoAccess, gone: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			p := New(page)
			p.Enter(0, 1, test.perms, false)
			p.Protect(ar(0, page), test.prot)
			pte, ok := p.Lookup(0)
			if ok == test.gone {
				t.Fatalf("Lookup found = %t, want %t", ok, !test.gone)
			}
			if ok && pte.Perms != test.want {
				t.Errorf("perms = %v, want %v", pte.Perms, test.want)
			}
		})
	}
}

func TestWiredAccounting(t *testing.T) {
	p := New(page)
	p.Enter(0, 1, hostarch.ReadWrite, true)
	p.Enter(page, 2, hostarch.ReadWrite, true)
	// Re-entering a wired page keeps a single wiring.
	p.Enter(0, 3, hostarch.Read, false)
	if got := p.WiredCount(); got != 2 {
		t.Fatalf("WiredCount = %d, want 2", got)
	}
	p.Unwire(ar(0, 2*page))
	if got := p.WiredCount(); got != 0 {
		t.Fatalf("WiredCount after Unwire = %d, want 0", got)
	}
	p.Destroy()
}

func TestDestroyWiredPanics(t *testing.T) {
	p := New(page)
	p.Enter(0, 1, hostarch.Read, true)
	defer func() {
		if recover() == nil {
			t.Errorf("Destroy with wired entries did not panic")
		}
	}()
	p.Destroy()
}

func TestNestUnnest(t *testing.T) {
	sub := New(page)
	sub.Enter(0x10000, 42, hostarch.Read, false)
	sub.Enter(0x11000, 43, hostarch.Read, false)

	p := New(page)
	p.Enter(0x5000, 9, hostarch.Read, false)
	if err := p.Nest(ar(0x4000, 0x6000), sub, 0x10000); err != nil {
		t.Fatalf("Nest got err %v want nil", err)
	}
	if err := p.Nest(ar(0x5000, 0x7000), sub, 0); err == nil {
		t.Errorf("overlapping Nest succeeded")
	}
	pte, ok := p.Lookup(0x5000)
	if !ok || pte.Frame != 43 {
		t.Fatalf("Lookup(0x5000) = %+v, %t; want frame 43", pte, ok)
	}

	// Unnesting the first page leaves the second nested.
	if err := p.Unnest(ar(0x4000, 0x5000)); err != nil {
		t.Fatalf("Unnest got err %v want nil", err)
	}
	if p.Nested(0x4000) {
		t.Errorf("0x4000 still nested after Unnest")
	}
	if !p.Nested(0x5000) {
		t.Errorf("0x5000 no longer nested")
	}
	if pte, ok := p.Lookup(0x5000); !ok || pte.Frame != 43 {
		t.Errorf("Lookup(0x5000) after partial Unnest = %+v, %t; want frame 43", pte, ok)
	}
	if err := p.Unnest(ar(0x8000, 0x9000)); err == nil {
		t.Errorf("Unnest of an unnested range succeeded")
	}
}
