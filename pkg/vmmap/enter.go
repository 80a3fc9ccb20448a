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
	"math/bits"

	"gvisor.dev/vmspace/pkg/cleanup"
	"gvisor.dev/vmspace/pkg/errors/vmerr"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/memmap"
)

// EnterFlags modify Enter.
type EnterFlags uint32

const (
	// EnterAnywhere places the mapping in any free range at or above Addr.
	// Without it, the mapping is placed exactly at Addr.
	EnterAnywhere EnterFlags = 1 << iota

	// EnterRandom picks a random free range instead of the first fit.
	EnterRandom

	// EnterOverwrite replaces existing mappings in a fixed range.
	EnterOverwrite

	// EnterAlready succeeds with ErrMemoryPresent if the fixed range is
	// already mapped identically.
	EnterAlready

	// EnterPurgeable creates a purgeable anonymous object.
	EnterPurgeable

	// EnterCopyOnWrite maps the given object copy-on-write.
	EnterCopyOnWrite

	// EnterPermanent makes the mapping immune to Delete.
	EnterPermanent

	// EnterJIT creates the map's single JIT region, which may be writable
	// and executable.
	EnterJIT

	// EnterAllowWX permits protections combining write and execute.
	EnterAllowWX

	// EnterSuperpage aligns the mapping to the huge page size.
	EnterSuperpage

	// EnterNoCoalesce prevents extending the preceding region.
	EnterNoCoalesce

	// EnterAtomic creates a region that may never be split.
	EnterAtomic

	// EnterMapAligned creates a region that may only be clipped at
	// multiples of the map's page size.
	EnterMapAligned
)

// EnterOpts are the arguments to Enter.
type EnterOpts struct {
	// Addr is the fixed address of the mapping, or the lowest acceptable
	// address for EnterAnywhere.
	Addr hostarch.Addr

	// Length is the mapping's size. It must be a multiple of the map's page
	// size.
	Length uint64

	// Mask is an alignment mask: the chosen address has none of Mask's bits
	// set. Mask+1 must be a power of two.
	Mask uint64

	Flags EnterFlags

	// Backing is the target to map. Nil maps anonymous zero-filled memory.
	// Enter takes its own references; the caller keeps its own.
	Backing Backing

	Perms       hostarch.AccessType
	MaxPerms    hostarch.AccessType
	Inheritance Inheritance
}

// Enter creates a mapping and returns its address.
func (m *Map) Enter(ctx context.Context, opts EnterOpts) (hostarch.Addr, error) {
	if err := m.validateEnter(&opts); err != nil {
		return 0, err
	}
	var zap zapList
	m.lock()
	addr, err := m.enterLocked(ctx, &opts, &zap)
	m.checkLocked()
	m.unlock()
	zap.dispose()
	if err != nil {
		return 0, err
	}
	m.logger.Debugf("map %q: entered [%#x, %#x) %v/%v", m.opts.Name, addr, addr+hostarch.Addr(opts.Length), opts.Perms, opts.MaxPerms)
	return addr, nil
}

// validateEnter checks opts against the map's configuration and security
// policy.
func (m *Map) validateEnter(opts *EnterOpts) error {
	if opts.Length == 0 || opts.Length%m.pageSize != 0 {
		return vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: bad length %#x", m.opts.Name, opts.Length)
	}
	if _, ok := opts.Addr.AddLength(opts.Length); !ok {
		return vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: %#x+%#x overflows", m.opts.Name, opts.Addr, opts.Length)
	}
	if !opts.Addr.IsAligned(m.pageSize) {
		return vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: address %#x not aligned to %#x", m.opts.Name, opts.Addr, m.pageSize)
	}
	if opts.Mask != 0 && bits.OnesCount64(opts.Mask+1) != 1 {
		return vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: bad alignment mask %#x", m.opts.Name, opts.Mask)
	}
	if opts.Flags&EnterAnywhere == 0 && opts.Flags&EnterRandom != 0 {
		return vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: random placement of a fixed mapping", m.opts.Name)
	}
	if !opts.MaxPerms.SupersetOf(opts.Perms) {
		return vmerr.Wrapf(vmerr.ErrProtectionDenied, "map %q: protection %v exceeds maximum %v", m.opts.Name, opts.Perms, opts.MaxPerms)
	}
	if opts.Backing != nil && opts.Backing.offset()%m.platform.PageSize() != 0 {
		return vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: unaligned backing offset %#x", m.opts.Name, opts.Backing.offset())
	}
	if b, ok := opts.Backing.(ObjectBacking); ok && b.Object == nil {
		return vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: nil object", m.opts.Name)
	}
	if b, ok := opts.Backing.(SubmapBacking); ok {
		if b.Map == nil || b.Map == m {
			return vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: bad submap", m.opts.Name)
		}
		if b.Map.pageSize != m.pageSize {
			return vmerr.Wrapf(vmerr.ErrNotSupported, "map %q: submap page size %#x differs from %#x", m.opts.Name, b.Map.pageSize, m.pageSize)
		}
	}
	anonOnly := EnterPurgeable | EnterJIT | EnterSuperpage
	if opts.Backing != nil && opts.Flags&anonOnly != 0 {
		return vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: flags %#x require anonymous memory", m.opts.Name, opts.Flags&anonOnly)
	}
	if opts.Flags&EnterSuperpage != 0 {
		if opts.Length%hostarch.HugePageSize != 0 || (opts.Flags&EnterAnywhere == 0 && !opts.Addr.IsAligned(hostarch.HugePageSize)) {
			return vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: superpage mapping %#x+%#x not huge page aligned", m.opts.Name, opts.Addr, opts.Length)
		}
	}

	wx := hostarch.AccessType{Write: true, Execute: true}
	if opts.Perms.SupersetOf(wx) && opts.Flags&(EnterAllowWX|EnterJIT) == 0 {
		return vmerr.Wrapf(vmerr.ErrProtectionDenied, "map %q: writable and executable mapping denied", m.opts.Name)
	}
	if m.opts.ExecLockdown {
		if opts.Perms.Execute {
			return vmerr.Wrapf(vmerr.ErrProtectionDenied, "map %q: new executable mappings are locked down", m.opts.Name)
		}
		opts.MaxPerms.Execute = false
	}
	return nil
}

// enterLocked implements Enter.
//
// Preconditions: m.mu must be locked for writing. opts has been validated.
func (m *Map) enterLocked(ctx context.Context, opts *EnterOpts, zap *zapList) (hostarch.Addr, error) {
	if m.terminated {
		return 0, vmerr.Wrapf(vmerr.ErrNotSupported, "map %q is terminated", m.opts.Name)
	}
	if opts.Flags&EnterJIT != 0 && m.jitEntered {
		return 0, vmerr.Wrapf(vmerr.ErrProtectionDenied, "map %q already has a JIT region", m.opts.Name)
	}

	// saved holds regions removed by EnterOverwrite, to be restored if the
	// mapping cannot be completed.
	var saved zapList
	ar, err := m.placeLocked(ctx, opts, &saved)
	if err != nil {
		return 0, err
	}
	cu := cleanup.Make(func() {
		m.restoreLocked(saved)
	})
	defer cu.Clean()

	if err := m.checkLimitsLocked(opts); err != nil {
		return 0, err
	}

	if m.coalesceLocked(ar, opts) {
		cu.Release()
		*zap = append(*zap, saved...)
		m.stats.coalesced.Add(1)
		return ar.Start, nil
	}

	var created []*Region
	cu.Add(func() {
		for _, r := range created {
			m.detachLocked(r)
			m.store.unlink(r)
			zap.add(r)
		}
	})
	backing := opts.Backing
	if opts.Flags&EnterPurgeable != 0 {
		obj, err := m.platform.NewObject(opts.Length, memmap.ObjectOpts{Purgeable: true})
		if err != nil {
			return 0, err
		}
		// The region takes its own reference.
		defer obj.DecRef()
		backing = ObjectBacking{Object: obj}
	}
	chunk := opts.Length
	if backing == nil {
		chunk = m.opts.AnonChunkSize
	}
	for start := ar.Start; start < ar.End; {
		end := start + hostarch.Addr(min(chunk, uint64(ar.End-start)))
		r := m.newRegionLocked(hostarch.AddrRange{Start: start, End: end}, backing, opts)
		if backing != nil {
			backing = backing.withOffset(backing.offset() + r.length())
		}
		m.store.link(r)
		created = append(created, r)
		if err := m.nestLocked(r); err != nil {
			return 0, err
		}
		start = end
	}
	if opts.Flags&EnterJIT != 0 {
		m.jitEntered = true
	}
	cu.Release()
	*zap = append(*zap, saved...)
	return ar.Start, nil
}

// newRegionLocked returns a region mapping ar with the attributes in opts. It
// takes a reference on backing.
func (m *Map) newRegionLocked(ar hostarch.AddrRange, backing Backing, opts *EnterOpts) *Region {
	r := &Region{
		start:         ar.Start,
		end:           ar.End,
		backing:       backing,
		protection:    opts.Perms,
		maxProtection: opts.MaxPerms,
		inheritance:   opts.Inheritance,
		needsCopy:     opts.Flags&EnterCopyOnWrite != 0 && backing != nil,
		permanent:     opts.Flags&EnterPermanent != 0,
		atomic:        opts.Flags&EnterAtomic != 0,
		mapAligned:    opts.Flags&EnterMapAligned != 0,
		jit:           opts.Flags&EnterJIT != 0,
		wxAllowed:     opts.Flags&(EnterAllowWX|EnterJIT) != 0,
	}
	if backing != nil {
		backing.incRef()
	}
	if _, _, ok := r.submap(); ok {
		r.usePmap = true
		// Submap inheritance is never copy.
		if r.inheritance == InheritCopy {
			r.inheritance = InheritShare
		}
	}
	return r
}

// nestLocked shares the submap's page table for a usePmap region.
//
// Preconditions: m.mu must be locked for writing.
func (m *Map) nestLocked(r *Region) error {
	if !r.usePmap {
		return nil
	}
	sub, off, _ := r.submap()
	if err := m.pt.Nest(r.Range(), sub.pt, hostarch.Addr(off)); err != nil {
		r.usePmap = false
		return err
	}
	return nil
}

// placeLocked chooses the range for a new mapping. For fixed mappings with
// EnterOverwrite, the regions previously in the range are removed and
// appended to saved.
//
// Preconditions: m.mu must be locked for writing.
func (m *Map) placeLocked(ctx context.Context, opts *EnterOpts, saved *zapList) (hostarch.AddrRange, error) {
	if opts.Flags&EnterAnywhere != 0 {
		align := m.pageSize
		if opts.Mask != 0 {
			align = max(align, opts.Mask+1)
		}
		if opts.Flags&EnterSuperpage != 0 {
			align = max(align, hostarch.HugePageSize)
		}
		lo := max(opts.Addr, m.opts.Min)
		rng := m.rng
		if opts.Flags&EnterRandom == 0 && !m.opts.RandomizeAnywhere {
			rng = nil
		}
		start, ok := m.store.findSpace(opts.Length, align, lo, m.opts.Max, m.opts.Reserved, rng)
		if !ok && lo > m.opts.Min {
			// Wrap around below the hint.
			start, ok = m.store.findSpace(opts.Length, align, m.opts.Min, m.opts.Max, m.opts.Reserved, rng)
		}
		if !ok {
			return hostarch.AddrRange{}, vmerr.Wrapf(vmerr.ErrNoSpace, "map %q: no free range of %#x bytes", m.opts.Name, opts.Length)
		}
		return hostarch.AddrRange{Start: start, End: start + hostarch.Addr(opts.Length)}, nil
	}

	ar := hostarch.AddrRange{Start: opts.Addr, End: opts.Addr + hostarch.Addr(opts.Length)}
	if ar.Start < m.opts.Min || ar.End > m.opts.Max {
		return ar, vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: fixed range %v outside [%#x, %#x)", m.opts.Name, ar, m.opts.Min, m.opts.Max)
	}
	if opts.Mask != 0 && uint64(ar.Start)&opts.Mask != 0 {
		return ar, vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: fixed address %#x violates mask %#x", m.opts.Name, ar.Start, opts.Mask)
	}
	if m.store.isFree(ar) {
		return ar, nil
	}
	if opts.Flags&EnterAlready != 0 {
		if m.mappedIdenticallyLocked(ar, opts) {
			return ar, vmerr.Wrapf(vmerr.ErrMemoryPresent, "map %q: %v already mapped", m.opts.Name, ar)
		}
		return ar, vmerr.Wrapf(vmerr.ErrNoSpace, "map %q: %v mapped differently", m.opts.Name, ar)
	}
	if opts.Flags&EnterOverwrite == 0 {
		return ar, vmerr.Wrapf(vmerr.ErrNoSpace, "map %q: %v is not free", m.opts.Name, ar)
	}
	// deleteLocked must not drop the lock once it starts removing regions.
	if err := m.waitRangeStableLocked(ctx, ar, true); err != nil {
		return ar, err
	}
	if m.store.isFree(ar) {
		return ar, nil
	}
	permanent := false
	m.store.each(ar, func(r *Region) bool {
		permanent = r.permanent
		return !permanent
	})
	if permanent {
		return ar, vmerr.Wrapf(vmerr.ErrProtectionDenied, "map %q: cannot overwrite permanent mapping in %v", m.opts.Name, ar)
	}
	if err := m.deleteLocked(ctx, ar, DeleteGapsOK, saved); err != nil {
		m.restoreLocked(*saved)
		*saved = nil
		return ar, err
	}
	return ar, nil
}

// mappedIdenticallyLocked returns true if ar is entirely mapped by regions
// whose attributes match opts.
//
// Preconditions: m.mu must be locked.
func (m *Map) mappedIdenticallyLocked(ar hostarch.AddrRange, opts *EnterOpts) bool {
	if !m.store.covered(ar) {
		return false
	}
	same := true
	m.store.each(ar, func(r *Region) bool {
		switch {
		case r.protection != opts.Perms, r.maxProtection != opts.MaxPerms, r.inheritance != opts.Inheritance:
			same = false
		case opts.Backing == nil:
			// Anonymous memory may have been given an object by a fault.
			same = r.isAnonymous() && !r.isShared
		default:
			start := max(ar.Start, r.start)
			same = sameTarget(r.backing, opts.Backing) &&
				r.offsetOf(start) == opts.Backing.offset()+uint64(start-ar.Start)
		}
		return same
	})
	return same
}

// restoreLocked links back regions removed by an overwriting Enter that
// failed. Restored regions come back unwired.
//
// Preconditions: m.mu must be locked for writing. The regions' ranges are
// free.
func (m *Map) restoreLocked(saved zapList) {
	for _, r := range saved {
		m.store.link(r)
		if err := m.nestLocked(r); err != nil {
			m.logger.Warningf("map %q: renesting restored region %v: %v", m.opts.Name, r, err)
		}
	}
}

// checkLimitsLocked enforces the map's size and data limits for a new
// mapping.
//
// Preconditions: m.mu must be locked.
func (m *Map) checkLimitsLocked(opts *EnterOpts) error {
	if l := m.opts.SizeLimit; l != 0 && m.store.size+opts.Length > l {
		return vmerr.Wrapf(vmerr.ErrNoSpace, "map %q: size limit %#x exceeded", m.opts.Name, l)
	}
	if l := m.opts.DataLimit; l != 0 && opts.MaxPerms.Write && (opts.Backing == nil || isInternal(opts.Backing)) {
		if m.dataSizeLocked()+opts.Length > l {
			return vmerr.Wrapf(vmerr.ErrNoSpace, "map %q: data limit %#x exceeded", m.opts.Name, l)
		}
	}
	return nil
}

func isInternal(b Backing) bool {
	ob, ok := b.(ObjectBacking)
	return ok && ob.Object.Internal()
}

// dataSizeLocked returns the total size of writable anonymous regions.
//
// Preconditions: m.mu must be locked.
func (m *Map) dataSizeLocked() uint64 {
	var n uint64
	m.store.regions.Ascend(func(r *Region) bool {
		if r.maxProtection.Write && r.isAnonymous() {
			n += r.length()
		}
		return true
	})
	return n
}

// coalesceLocked tries to satisfy an anonymous allocation by extending the
// region ending at ar.Start.
//
// Preconditions: m.mu must be locked for writing. ar is free.
func (m *Map) coalesceLocked(ar hostarch.AddrRange, opts *EnterOpts) bool {
	const noCoalesce = EnterNoCoalesce | EnterPurgeable | EnterPermanent | EnterJIT | EnterSuperpage | EnterAtomic | EnterMapAligned
	if opts.Backing != nil || opts.Flags&noCoalesce != 0 || ar.Start == m.opts.Min {
		return false
	}
	prev, ok := m.store.lookup(ar.Start - 1)
	if !ok || prev.end != ar.Start {
		return false
	}
	if prev.state != Stable || prev.wiredCount != 0 || prev.needsCopy || prev.isShared ||
		prev.permanent || prev.atomic || prev.jit || prev.usePmap || prev.mapAligned || prev.wxAllowed != (opts.Flags&EnterAllowWX != 0) ||
		prev.protection != opts.Perms || prev.maxProtection != opts.MaxPerms || prev.inheritance != opts.Inheritance {
		return false
	}
	if prev.length()+ar.Length() > m.opts.MaxCoalesceSize {
		return false
	}
	switch b := prev.backing.(type) {
	case nil:
	case ObjectBacking:
		if !b.Object.Internal() || !b.Object.Coalesce(b.Offset, prev.length(), ar.Length()) {
			return false
		}
	default:
		return false
	}
	m.store.extend(prev, ar.End)
	// Stale translations for the extension were removed with the previous
	// mapping; nothing to do for the page table.
	return true
}
