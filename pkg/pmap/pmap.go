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

// Package pmap provides a software page table.
//
// A PageTable maps page-aligned addresses to frames. Ranges of a PageTable
// may be nested: lookups in a nested range are forwarded to another
// PageTable, which models shared page-table subtrees for submaps.
package pmap

import (
	"fmt"
	"sort"

	"gvisor.dev/vmspace/pkg/errors/vmerr"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/memmap"
	"gvisor.dev/vmspace/pkg/sync"
)

// nest is a range of a PageTable whose translations come from another
// PageTable.
type nest struct {
	ar       hostarch.AddrRange
	sub      memmap.PageTable
	subStart hostarch.Addr
}

// PageTable implements memmap.PageTable.
type PageTable struct {
	pageSize uint64

	// mu protects the fields below.
	mu sync.Mutex

	ptes  map[hostarch.Addr]memmap.PTE
	nests []nest
	wired int

	destroyed bool
}

var _ memmap.PageTable = (*PageTable)(nil)

// New returns an empty PageTable with the given page size.
func New(pageSize uint64) *PageTable {
	return &PageTable{
		pageSize: pageSize,
		ptes:     make(map[hostarch.Addr]memmap.PTE),
	}
}

func (p *PageTable) checkAligned(addr hostarch.Addr) {
	if uint64(addr)%p.pageSize != 0 {
		panic(fmt.Sprintf("pmap: address %#x not aligned to page size %#x", addr, p.pageSize))
	}
}

// Preconditions: p.mu must be locked.
func (p *PageTable) nestedLocked(addr hostarch.Addr) (nest, bool) {
	for _, n := range p.nests {
		if n.ar.Contains(addr) {
			return n, true
		}
	}
	return nest{}, false
}

// Enter implements memmap.PageTable.Enter.
func (p *PageTable) Enter(addr hostarch.Addr, frame memmap.FrameID, perms hostarch.AccessType, wired bool) {
	p.checkAligned(addr)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.nestedLocked(addr); ok {
		panic(fmt.Sprintf("pmap: entering %#x inside a nested range", addr))
	}
	if old, ok := p.ptes[addr]; ok && old.Wired {
		// Re-entering a wired page keeps it wired.
		wired = true
		p.wired--
	}
	if wired {
		p.wired++
	}
	p.ptes[addr] = memmap.PTE{Frame: frame, Perms: perms, Wired: wired}
}

// Lookup implements memmap.PageTable.Lookup.
func (p *PageTable) Lookup(addr hostarch.Addr) (memmap.PTE, bool) {
	addr = addr.AlignDown(p.pageSize)
	p.mu.Lock()
	if n, ok := p.nestedLocked(addr); ok {
		p.mu.Unlock()
		return n.sub.Lookup(n.subStart + (addr - n.ar.Start))
	}
	defer p.mu.Unlock()
	pte, ok := p.ptes[addr]
	return pte, ok
}

// Remove implements memmap.PageTable.Remove.
func (p *PageTable) Remove(ar hostarch.AddrRange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forEachLocked(ar, func(addr hostarch.Addr, pte memmap.PTE) {
		if pte.Wired {
			p.wired--
		}
		delete(p.ptes, addr)
	})
}

// Protect implements memmap.PageTable.Protect.
func (p *PageTable) Protect(ar hostarch.AddrRange, perms hostarch.AccessType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forEachLocked(ar, func(addr hostarch.Addr, pte memmap.PTE) {
		pte.Perms = pte.Perms.Intersect(perms)
		if !pte.Perms.Any() && !pte.Wired {
			delete(p.ptes, addr)
			return
		}
		p.ptes[addr] = pte
	})
}

// Unwire implements memmap.PageTable.Unwire.
func (p *PageTable) Unwire(ar hostarch.AddrRange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forEachLocked(ar, func(addr hostarch.Addr, pte memmap.PTE) {
		if pte.Wired {
			pte.Wired = false
			p.wired--
			p.ptes[addr] = pte
		}
	})
}

// forEachLocked calls fn for every translation in ar, iterating whichever of
// the range or the table is smaller.
//
// Preconditions: p.mu must be locked.
func (p *PageTable) forEachLocked(ar hostarch.AddrRange, fn func(hostarch.Addr, memmap.PTE)) {
	if ar.Length()/p.pageSize <= uint64(len(p.ptes)) {
		for addr := ar.Start; addr < ar.End; addr += hostarch.Addr(p.pageSize) {
			if pte, ok := p.ptes[addr]; ok {
				fn(addr, pte)
			}
		}
		return
	}
	for addr, pte := range p.ptes {
		if ar.Contains(addr) {
			fn(addr, pte)
		}
	}
}

// Nest implements memmap.PageTable.Nest.
func (p *PageTable) Nest(ar hostarch.AddrRange, sub memmap.PageTable, subStart hostarch.Addr) error {
	p.checkAligned(ar.Start)
	p.checkAligned(ar.End)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.nests {
		if n.ar.Overlaps(ar) {
			return vmerr.Wrapf(vmerr.ErrAddressInvalid, "pmap: nest %v overlaps nested range %v", ar, n.ar)
		}
	}
	// Translations shadowed by the nested table are discarded.
	p.forEachLocked(ar, func(addr hostarch.Addr, pte memmap.PTE) {
		if pte.Wired {
			p.wired--
		}
		delete(p.ptes, addr)
	})
	p.nests = append(p.nests, nest{ar: ar, sub: sub, subStart: subStart})
	sort.Slice(p.nests, func(i, j int) bool { return p.nests[i].ar.Start < p.nests[j].ar.Start })
	return nil
}

// Unnest implements memmap.PageTable.Unnest.
//
// A nested range that only partially overlaps ar is split; the parts outside
// ar remain nested.
func (p *PageTable) Unnest(ar hostarch.AddrRange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var kept []nest
	found := false
	for _, n := range p.nests {
		if !n.ar.Overlaps(ar) {
			kept = append(kept, n)
			continue
		}
		found = true
		if n.ar.Start < ar.Start {
			kept = append(kept, nest{
				ar:       hostarch.AddrRange{Start: n.ar.Start, End: ar.Start},
				sub:      n.sub,
				subStart: n.subStart,
			})
		}
		if ar.End < n.ar.End {
			kept = append(kept, nest{
				ar:       hostarch.AddrRange{Start: ar.End, End: n.ar.End},
				sub:      n.sub,
				subStart: n.subStart + (ar.End - n.ar.Start),
			})
		}
	}
	if !found {
		return vmerr.Wrapf(vmerr.ErrAddressInvalid, "pmap: no nested range in %v", ar)
	}
	p.nests = kept
	return nil
}

// Nested returns true if addr lies in a nested range.
func (p *PageTable) Nested(addr hostarch.Addr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.nestedLocked(addr)
	return ok
}

// Resident implements memmap.PageTable.Resident.
func (p *PageTable) Resident(ar hostarch.AddrRange) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	p.forEachLocked(ar, func(hostarch.Addr, memmap.PTE) { n++ })
	return n
}

// WiredCount implements memmap.PageTable.WiredCount.
func (p *PageTable) WiredCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wired
}

// Destroy implements memmap.PageTable.Destroy.
func (p *PageTable) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wired != 0 {
		panic(fmt.Sprintf("pmap: destroying page table with %d wired entries", p.wired))
	}
	p.ptes = nil
	p.nests = nil
	p.destroyed = true
}
