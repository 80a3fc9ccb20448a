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
	"sync/atomic"

	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/memmap"
)

// Inheritance is the policy applied to a Region when its Map is forked.
type Inheritance int

const (
	// InheritCopy gives the child a copy-on-write copy of the region.
	InheritCopy Inheritance = iota

	// InheritShare gives the child a mapping of the same backing target.
	InheritShare

	// InheritNone omits the region from the child.
	InheritNone
)

// String implements fmt.Stringer.String.
func (i Inheritance) String() string {
	switch i {
	case InheritCopy:
		return "copy"
	case InheritShare:
		return "share"
	case InheritNone:
		return "none"
	default:
		return fmt.Sprintf("Inheritance(%d)", int(i))
	}
}

// Backing is the target a Region maps: either an ObjectBacking or a
// SubmapBacking. A nil Backing denotes anonymous memory whose object has not
// been allocated yet.
type Backing interface {
	// offset returns the offset into the target of the region's start.
	offset() uint64

	// withOffset returns the same target at a different offset.
	withOffset(off uint64) Backing

	incRef()
	decRef()
}

// ObjectBacking maps a range of a backing object.
type ObjectBacking struct {
	Object memmap.Object
	Offset uint64
}

func (b ObjectBacking) offset() uint64                { return b.Offset }
func (b ObjectBacking) withOffset(off uint64) Backing { b.Offset = off; return b }
func (b ObjectBacking) incRef()                       { b.Object.IncRef() }
func (b ObjectBacking) decRef()                       { b.Object.DecRef() }

// SubmapBacking maps a range of another Map.
type SubmapBacking struct {
	Map    *Map
	Offset uint64
}

func (b SubmapBacking) offset() uint64                { return b.Offset }
func (b SubmapBacking) withOffset(off uint64) Backing { b.Offset = off; return b }
func (b SubmapBacking) incRef()                       { b.Map.IncRef() }
func (b SubmapBacking) decRef()                       { b.Map.DecRef() }

// sameTarget returns true if a and b map the same object or submap.
func sameTarget(a, b Backing) bool {
	switch a := a.(type) {
	case nil:
		return b == nil
	case ObjectBacking:
		b, ok := b.(ObjectBacking)
		return ok && a.Object == b.Object
	case SubmapBacking:
		b, ok := b.(SubmapBacking)
		return ok && a.Map == b.Map
	}
	panic(fmt.Sprintf("unknown backing %T", a))
}

// RegionState tracks whether a Region is being operated on with the Map lock
// released.
type RegionState int

const (
	// Stable regions may be clipped, merged, modified or removed by any
	// holder of the Map's write lock.
	Stable RegionState = iota

	// Transitioning regions are owned by the thread that marked them, which
	// is doing page-level work with the Map lock released. Other threads must
	// wait for the region to become Stable and then look it up again.
	Transitioning
)

// String implements fmt.Stringer.String.
func (s RegionState) String() string {
	if s == Transitioning {
		return "transitioning"
	}
	return "stable"
}

// Region is one contiguous mapped range with uniform attributes.
//
// All fields except needsWakeup are protected by the owning Map's mutex.
type Region struct {
	start hostarch.Addr
	end   hostarch.Addr

	// backing is the mapped target. The Region holds one reference on it.
	backing Backing

	protection    hostarch.AccessType
	maxProtection hostarch.AccessType
	inheritance   Inheritance

	// needsCopy is set when backing is shared copy-on-write and must be
	// shadowed before it may be written.
	needsCopy bool

	// isShared is set when backing is intentionally mapped by more than one
	// Map.
	isShared bool

	// usePmap is set for submap regions whose translations are nested into
	// the parent's page table.
	usePmap bool

	// permanent regions cannot be removed without an explicit override.
	permanent bool

	// atomic regions cannot be split.
	atomic bool

	// mapAligned regions must be clipped only at multiples of the Map's page
	// size.
	mapAligned bool

	// jit marks the map's single JIT region.
	jit bool

	// wxAllowed permits protections combining write and execute.
	wxAllowed bool

	// wiredCount is the number of wirings, user and kernel.
	wiredCount int

	// userWiredCount is the number of user wirings. It never exceeds
	// wiredCount.
	userWiredCount int

	state RegionState

	// needsWakeup is set by threads waiting for the region to become
	// Stable. It may be set while holding the Map lock for reading.
	needsWakeup atomic.Bool
}

// Start returns the region's start address.
func (r *Region) Start() hostarch.Addr { return r.start }

// End returns the region's end address.
func (r *Region) End() hostarch.Addr { return r.end }

// Range returns the region's address range.
func (r *Region) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: r.start, End: r.end}
}

func (r *Region) length() uint64 {
	return uint64(r.end - r.start)
}

func (r *Region) contains(addr hostarch.Addr) bool {
	return r.start <= addr && addr < r.end
}

// offsetOf returns the backing offset corresponding to addr.
func (r *Region) offsetOf(addr hostarch.Addr) uint64 {
	var base uint64
	if r.backing != nil {
		base = r.backing.offset()
	}
	return base + uint64(addr-r.start)
}

func (r *Region) object() (memmap.Object, uint64, bool) {
	if b, ok := r.backing.(ObjectBacking); ok {
		return b.Object, b.Offset, true
	}
	return nil, 0, false
}

func (r *Region) submap() (*Map, uint64, bool) {
	if b, ok := r.backing.(SubmapBacking); ok {
		return b.Map, b.Offset, true
	}
	return nil, 0, false
}

// isAnonymous returns true if r maps private kernel-managed memory.
func (r *Region) isAnonymous() bool {
	switch b := r.backing.(type) {
	case nil:
		return true
	case ObjectBacking:
		return b.Object.Internal()
	}
	return false
}

// String implements fmt.Stringer.String.
func (r *Region) String() string {
	return fmt.Sprintf("[%#x, %#x) %v/%v", r.start, r.end, r.protection, r.maxProtection)
}

// dup returns a copy of r holding its own reference on r's backing target.
// Only clipping uses dup; everything else must use cloneRegion.
func (r *Region) dup() *Region {
	n := &Region{
		start:          r.start,
		end:            r.end,
		backing:        r.backing,
		protection:     r.protection,
		maxProtection:  r.maxProtection,
		inheritance:    r.inheritance,
		needsCopy:      r.needsCopy,
		isShared:       r.isShared,
		usePmap:        r.usePmap,
		permanent:      r.permanent,
		atomic:         r.atomic,
		mapAligned:     r.mapAligned,
		jit:            r.jit,
		wxAllowed:      r.wxAllowed,
		wiredCount:     r.wiredCount,
		userWiredCount: r.userWiredCount,
		state:          r.state,
	}
	if n.backing != nil {
		n.backing.incRef()
	}
	return n
}

// cloneRegion returns a detached copy of r's metadata for use in another Map
// or a CopyBundle. The copy holds a new reference on r's backing target and
// starts out unwired, unshared and Stable.
func cloneRegion(r *Region) *Region {
	n := r.dup()
	n.wiredCount = 0
	n.userWiredCount = 0
	n.isShared = false
	n.usePmap = false
	n.state = Stable
	return n
}

// setBacking replaces r's backing target with b, whose reference is
// transferred to r, and releases the old one.
//
// Preconditions: r.wiredCount == 0.
func (r *Region) setBacking(b Backing) {
	if r.wiredCount != 0 {
		panic(fmt.Sprintf("replacing backing of wired region %v", r))
	}
	old := r.backing
	r.backing = b
	if old != nil {
		old.decRef()
	}
}

// release drops r's reference on its backing target. It is the only way a
// Region is destroyed.
func (r *Region) release() {
	if r.wiredCount != 0 {
		panic(fmt.Sprintf("destroying wired region %v (wired %d)", r, r.wiredCount))
	}
	if r.backing != nil {
		r.backing.decRef()
		r.backing = nil
	}
}

// canMerge returns true if next directly follows prev and the two are
// indistinguishable apart from their bounds.
func canMerge(prev, next *Region) bool {
	if prev.end != next.start {
		return false
	}
	if prev.state != Stable || next.state != Stable || prev.needsWakeup.Load() || next.needsWakeup.Load() {
		return false
	}
	if prev.wiredCount != 0 || next.wiredCount != 0 || prev.userWiredCount != 0 || next.userWiredCount != 0 {
		return false
	}
	if prev.atomic || next.atomic || prev.jit || next.jit {
		return false
	}
	if prev.protection != next.protection ||
		prev.maxProtection != next.maxProtection ||
		prev.inheritance != next.inheritance ||
		prev.needsCopy != next.needsCopy ||
		prev.isShared != next.isShared ||
		prev.usePmap != next.usePmap ||
		prev.permanent != next.permanent ||
		prev.mapAligned != next.mapAligned ||
		prev.wxAllowed != next.wxAllowed {
		return false
	}
	if !sameTarget(prev.backing, next.backing) {
		return false
	}
	if prev.backing != nil && prev.backing.offset()+prev.length() != next.backing.offset() {
		return false
	}
	return true
}

// RegionInfo describes one Region.
type RegionInfo struct {
	Start          hostarch.Addr
	End            hostarch.Addr
	Perms          hostarch.AccessType
	MaxPerms       hostarch.AccessType
	Inheritance    Inheritance
	Offset         uint64
	ObjectID       uint64
	Submap         bool
	NeedsCopy      bool
	Shared         bool
	Permanent      bool
	Atomic         bool
	JIT            bool
	UsePmap        bool
	WiredCount     int
	UserWiredCount int
	Transitioning  bool
}

func (r *Region) info() RegionInfo {
	ri := RegionInfo{
		Start:          r.start,
		End:            r.end,
		Perms:          r.protection,
		MaxPerms:       r.maxProtection,
		Inheritance:    r.inheritance,
		NeedsCopy:      r.needsCopy,
		Shared:         r.isShared,
		Permanent:      r.permanent,
		Atomic:         r.atomic,
		JIT:            r.jit,
		UsePmap:        r.usePmap,
		WiredCount:     r.wiredCount,
		UserWiredCount: r.userWiredCount,
		Transitioning:  r.state == Transitioning,
	}
	switch b := r.backing.(type) {
	case ObjectBacking:
		ri.Offset = b.Offset
		ri.ObjectID = b.Object.ID()
	case SubmapBacking:
		ri.Offset = b.Offset
		ri.Submap = true
	}
	return ri
}
