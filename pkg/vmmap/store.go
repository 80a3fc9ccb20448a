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
	"fmt"
	"math/rand"
	"sync/atomic"

	"github.com/google/btree"
	"gvisor.dev/vmspace/pkg/hostarch"
)

// btreeDegree is the degree of the region and hole trees.
const btreeDegree = 16

// store is the ordered collection of a Map's Regions, plus the set of holes
// between them.
//
// Invariants:
//   - Regions do not overlap and are ordered by start.
//   - Map-aligned regions start and end at multiples of pageSize.
//   - holes contains exactly the maximal unmapped ranges of [min, max).
//   - size is the sum of the lengths of all regions.
//
// All methods require the owning Map's mutex; mutating methods require it for
// writing.
type store struct {
	min hostarch.Addr
	max hostarch.Addr

	// pageSize is the owning Map's page size. Other regions may be clipped
	// at any platform page boundary.
	pageSize uint64

	regions *btree.BTreeG[*Region]
	holes   *btree.BTreeG[hostarch.AddrRange]

	// hint is the most recently looked-up region. It is nil or linked. It is
	// updated by lookups holding the map lock only for reading.
	hint atomic.Pointer[Region]

	size uint64
}

func regionLess(a, b *Region) bool {
	return a.start < b.start
}

func holeLess(a, b hostarch.AddrRange) bool {
	return a.Start < b.Start
}

func newStore(lo, hi hostarch.Addr, pageSize uint64) *store {
	s := &store{
		min:      lo,
		max:      hi,
		pageSize: pageSize,
		regions:  btree.NewG[*Region](btreeDegree, regionLess),
		holes:    btree.NewG[hostarch.AddrRange](btreeDegree, holeLess),
	}
	if lo < hi {
		s.holes.ReplaceOrInsert(hostarch.AddrRange{Start: lo, End: hi})
	}
	return s
}

// pivot returns a key for tree searches.
func pivot(addr hostarch.Addr) *Region {
	return &Region{start: addr}
}

// count returns the number of regions.
func (s *store) count() int {
	return s.regions.Len()
}

// lookup returns the region containing addr and true, or the last region
// before addr (possibly nil) and false.
func (s *store) lookup(addr hostarch.Addr) (*Region, bool) {
	if h := s.hint.Load(); h != nil && h.contains(addr) {
		return h, true
	}
	var found *Region
	s.regions.DescendLessOrEqual(pivot(addr), func(r *Region) bool {
		found = r
		return false
	})
	if found != nil && found.contains(addr) {
		s.hint.Store(found)
		return found, true
	}
	return found, false
}

// first returns the first region, or nil.
func (s *store) first() *Region {
	r, _ := s.regions.Min()
	return r
}

// next returns the region following r, or nil.
func (s *store) next(r *Region) *Region {
	return s.firstAtOrAfter(r.end)
}

// prev returns the region preceding r, or nil.
func (s *store) prev(r *Region) *Region {
	if r.start == 0 {
		return nil
	}
	var found *Region
	s.regions.DescendLessOrEqual(pivot(r.start-1), func(p *Region) bool {
		found = p
		return false
	})
	return found
}

// firstAtOrAfter returns the first region whose start is at least addr, or
// nil.
func (s *store) firstAtOrAfter(addr hostarch.Addr) *Region {
	var found *Region
	s.regions.AscendGreaterOrEqual(pivot(addr), func(r *Region) bool {
		found = r
		return false
	})
	return found
}

// firstOverlapping returns the first region overlapping [addr, ...), i.e. the
// region containing addr or the first one after it.
func (s *store) firstOverlapping(addr hostarch.Addr) *Region {
	if r, ok := s.lookup(addr); ok {
		return r
	}
	return s.firstAtOrAfter(addr)
}

// each calls fn for every region overlapping ar, in order, until fn returns
// false. fn must not modify the store.
func (s *store) each(ar hostarch.AddrRange, fn func(*Region) bool) {
	for r := s.firstOverlapping(ar.Start); r != nil && r.start < ar.End; r = s.next(r) {
		if !fn(r) {
			return
		}
	}
}

// snapshot returns all regions in order.
func (s *store) snapshot() []*Region {
	rs := make([]*Region, 0, s.regions.Len())
	s.regions.Ascend(func(r *Region) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// isFree returns true if no region overlaps ar and ar is within bounds.
func (s *store) isFree(ar hostarch.AddrRange) bool {
	h, ok := s.holeContaining(ar.Start)
	return ok && ar.End <= h.End
}

// covered returns true if every address in ar is mapped.
func (s *store) covered(ar hostarch.AddrRange) bool {
	covered := true
	s.holes.DescendLessOrEqual(hostarch.AddrRange{Start: ar.End - 1}, func(h hostarch.AddrRange) bool {
		if h.End > ar.Start && h.Start < ar.End {
			covered = false
		}
		return h.Start > ar.Start
	})
	return covered && ar.Start >= s.min && ar.End <= s.max
}

func (s *store) holeContaining(addr hostarch.Addr) (hostarch.AddrRange, bool) {
	var found hostarch.AddrRange
	ok := false
	s.holes.DescendLessOrEqual(hostarch.AddrRange{Start: addr}, func(h hostarch.AddrRange) bool {
		if h.Contains(addr) {
			found, ok = h, true
		}
		return false
	})
	return found, ok
}

// carve removes ar from the hole set.
//
// Preconditions: ar is entirely free.
func (s *store) carve(ar hostarch.AddrRange) {
	h, ok := s.holeContaining(ar.Start)
	if !ok || ar.End > h.End {
		panic(fmt.Sprintf("carving %v, which is not free", ar))
	}
	s.holes.Delete(h)
	if h.Start < ar.Start {
		s.holes.ReplaceOrInsert(hostarch.AddrRange{Start: h.Start, End: ar.Start})
	}
	if ar.End < h.End {
		s.holes.ReplaceOrInsert(hostarch.AddrRange{Start: ar.End, End: h.End})
	}
}

// free adds ar to the hole set, merging it with adjacent holes.
func (s *store) free(ar hostarch.AddrRange) {
	if before, ok := s.holeEndingAt(ar.Start); ok {
		s.holes.Delete(before)
		ar.Start = before.Start
	}
	if after, ok := s.holes.Get(hostarch.AddrRange{Start: ar.End}); ok {
		s.holes.Delete(after)
		ar.End = after.End
	}
	s.holes.ReplaceOrInsert(ar)
}

func (s *store) holeEndingAt(addr hostarch.Addr) (hostarch.AddrRange, bool) {
	var found hostarch.AddrRange
	ok := false
	if addr == 0 {
		return found, false
	}
	s.holes.DescendLessOrEqual(hostarch.AddrRange{Start: addr - 1}, func(h hostarch.AddrRange) bool {
		if h.End == addr {
			found, ok = h, true
		}
		return false
	})
	return found, ok
}

// link inserts r.
//
// Preconditions: r's range is free.
func (s *store) link(r *Region) {
	if checkInvariants && (r.start >= r.end || r.start < s.min || r.end > s.max) {
		panic(fmt.Sprintf("linking malformed region %v in [%#x, %#x)", r, s.min, s.max))
	}
	s.carve(r.Range())
	if _, dup := s.regions.ReplaceOrInsert(r); dup {
		panic(fmt.Sprintf("linking region %v over an existing region", r))
	}
	s.size += r.length()
	s.hint.Store(r)
}

// unlink removes r. The region is not released.
func (s *store) unlink(r *Region) {
	if _, ok := s.regions.Delete(r); !ok {
		panic(fmt.Sprintf("unlinking region %v, which is not linked", r))
	}
	s.free(r.Range())
	s.size -= r.length()
	s.hint.CompareAndSwap(r, nil)
}

// extend grows r to end at end.
//
// Preconditions: [r.end, end) is free.
func (s *store) extend(r *Region, end hostarch.Addr) {
	ar := hostarch.AddrRange{Start: r.end, End: end}
	s.carve(ar)
	r.end = end
	s.size += ar.Length()
}

// clipStart splits r at addr so that r begins at addr, linking a new region
// for [r.start, addr). It is a no-op if addr does not fall strictly inside r.
func (s *store) clipStart(r *Region, addr hostarch.Addr) {
	if addr <= r.start || addr >= r.end {
		return
	}
	s.checkSplit(r, addr)
	head := r.dup()
	head.end = addr
	s.regions.Delete(r)
	if r.backing != nil {
		r.backing = r.backing.withOffset(r.backing.offset() + uint64(addr-r.start))
	}
	r.start = addr
	s.regions.ReplaceOrInsert(head)
	s.regions.ReplaceOrInsert(r)
}

// clipEnd splits r at addr so that r ends at addr, linking a new region for
// [addr, r.end). It is a no-op if addr does not fall strictly inside r.
func (s *store) clipEnd(r *Region, addr hostarch.Addr) {
	if addr <= r.start || addr >= r.end {
		return
	}
	s.checkSplit(r, addr)
	tail := r.dup()
	tail.start = addr
	if tail.backing != nil {
		tail.backing = tail.backing.withOffset(r.backing.offset() + uint64(addr-r.start))
	}
	r.end = addr
	s.regions.ReplaceOrInsert(tail)
}

// clip restricts r to ar, splitting off the parts outside it.
func (s *store) clip(r *Region, ar hostarch.AddrRange) {
	s.clipStart(r, ar.Start)
	s.clipEnd(r, ar.End)
}

func (s *store) checkSplit(r *Region, addr hostarch.Addr) {
	if r.atomic {
		panic(fmt.Sprintf("splitting atomic region %v at %#x", r, addr))
	}
	if r.mapAligned && !addr.IsAligned(s.pageSize) {
		panic(fmt.Sprintf("splitting map-aligned region %v at %#x, not a multiple of %#x", r, addr, s.pageSize))
	}
	if r.state == Transitioning {
		panic(fmt.Sprintf("splitting transitioning region %v at %#x", r, addr))
	}
}

// simplify merges r with its neighbors where possible. It returns the region
// now covering r's range. Merged-away regions are appended to zap.
func (s *store) simplify(r *Region, zap *zapList) *Region {
	if p := s.prev(r); p != nil && canMerge(p, r) {
		s.regions.Delete(r)
		p.end = r.end
		s.hint.CompareAndSwap(r, p)
		zap.add(r)
		r = p
	}
	if n := s.next(r); n != nil && canMerge(r, n) {
		s.regions.Delete(n)
		r.end = n.end
		s.hint.CompareAndSwap(n, r)
		zap.add(n)
	}
	return r
}

// simplifyRange simplifies every region overlapping ar, extended by one page
// on either side to catch neighbors.
func (s *store) simplifyRange(ar hostarch.AddrRange, zap *zapList) {
	r := s.firstOverlapping(ar.Start)
	if r == nil {
		return
	}
	if p := s.prev(r); p != nil {
		r = p
	}
	for r != nil && r.start <= ar.End {
		r = s.simplify(r, zap)
		r = s.next(r)
	}
}

// window is a range of acceptable start addresses, inclusive at both ends.
type window struct {
	first hostarch.Addr
	last  hostarch.Addr
}

// findSpace returns the start of a free range of the given length within
// [lo, hi) aligned to align, avoiding reserved ranges. If rng is non-nil, a
// random candidate is chosen among all fits instead of the first one.
func (s *store) findSpace(length, align uint64, lo, hi hostarch.Addr, reserved []hostarch.AddrRange, rng *rand.Rand) (hostarch.Addr, bool) {
	lo = max(lo, s.min)
	hi = min(hi, s.max)
	if lo >= hi || length > uint64(hi-lo) {
		return 0, false
	}
	var fits []window
	s.holes.Ascend(func(h hostarch.AddrRange) bool {
		h = h.Intersect(hostarch.AddrRange{Start: lo, End: hi})
		if h.Length() < length {
			return true
		}
		fits = append(fits, fitsInHole(h, length, align, reserved)...)
		// First fit stops at the first hole that works.
		return rng != nil || len(fits) == 0
	})
	if len(fits) == 0 {
		return 0, false
	}
	if rng == nil {
		return fits[0].first, true
	}
	w := fits[rng.Intn(len(fits))]
	slots := uint64(w.last-w.first)/align + 1
	return w.first + hostarch.Addr(uint64(rng.Int63n(int64(min(slots, 1<<62))))*align), true
}

// fitsInHole returns the windows of aligned starts in h at which a range of
// the given length avoids every reserved range.
func fitsInHole(h hostarch.AddrRange, length, align uint64, reserved []hostarch.AddrRange) []window {
	free := []hostarch.AddrRange{h}
	for _, res := range reserved {
		var next []hostarch.AddrRange
		for _, f := range free {
			if !f.Overlaps(res) {
				next = append(next, f)
				continue
			}
			if f.Start < res.Start {
				next = append(next, hostarch.AddrRange{Start: f.Start, End: res.Start})
			}
			if res.End < f.End {
				next = append(next, hostarch.AddrRange{Start: res.End, End: f.End})
			}
		}
		free = next
	}
	var out []window
	for _, f := range free {
		first, ok := f.Start.AlignUp(align)
		if !ok || first >= f.End || uint64(f.End-first) < length {
			continue
		}
		last := (f.End - hostarch.Addr(length)).AlignDown(align)
		out = append(out, window{first: first, last: last})
	}
	return out
}

// checkConsistency verifies the store's invariants.
func (s *store) checkConsistency() error {
	var (
		err      error
		prevEnd  = s.min
		size     uint64
		holes    []hostarch.AddrRange
		numHoles int
	)
	s.regions.Ascend(func(r *Region) bool {
		switch {
		case r.start >= r.end:
			err = fmt.Errorf("region %v is empty", r)
		case r.start < prevEnd:
			err = fmt.Errorf("region %v overlaps or precedes previous region ending at %#x", r, prevEnd)
		case r.end > s.max:
			err = fmt.Errorf("region %v ends beyond map maximum %#x", r, s.max)
		case r.mapAligned && (!r.start.IsAligned(s.pageSize) || !r.end.IsAligned(s.pageSize)):
			err = fmt.Errorf("map-aligned region %v is not aligned to %#x", r, s.pageSize)
		case !r.maxProtection.SupersetOf(r.protection):
			err = fmt.Errorf("region %v protection exceeds maximum", r)
		case r.userWiredCount < 0 || r.wiredCount < r.userWiredCount || (r.userWiredCount > 0 && r.wiredCount == 0):
			err = fmt.Errorf("region %v has wired count %d, user wired count %d", r, r.wiredCount, r.userWiredCount)
		}
		if err != nil {
			return false
		}
		if r.start > prevEnd {
			holes = append(holes, hostarch.AddrRange{Start: prevEnd, End: r.start})
		}
		prevEnd = r.end
		size += r.length()
		return true
	})
	if err != nil {
		return err
	}
	if prevEnd < s.max {
		holes = append(holes, hostarch.AddrRange{Start: prevEnd, End: s.max})
	}
	if size != s.size {
		return fmt.Errorf("size is %#x, regions sum to %#x", s.size, size)
	}
	s.holes.Ascend(func(h hostarch.AddrRange) bool {
		if numHoles >= len(holes) || holes[numHoles] != h {
			err = fmt.Errorf("hole %v does not match the gaps between regions %v", h, holes)
			return false
		}
		numHoles++
		return true
	})
	if err == nil && numHoles != len(holes) {
		err = fmt.Errorf("hole set has %d holes, want %d", numHoles, len(holes))
	}
	return err
}
