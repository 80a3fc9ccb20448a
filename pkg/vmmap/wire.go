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
	"fmt"

	"gvisor.dev/vmspace/pkg/errors/vmerr"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/memmap"
)

// wireRecord tracks one region touched by Wire.
type wireRecord struct {
	r *Region
	h RegionHandle

	// userCounted is set if userWiredCount was incremented.
	userCounted bool

	// pending is set if wiredCount went from 0 to 1, so the pages must be
	// wired.
	pending bool

	// Captured before the lock is dropped.
	backing Backing
	ar      hostarch.AddrRange
	perms   hostarch.AccessType

	// wiredTo is the end of the prefix of ar whose pages are wired.
	wiredTo hostarch.Addr
}

// Wire pins the pages of [start, end), which must be entirely mapped with at
// least the given access. Wirings nest: every Wire must be balanced by an
// Unwire with the same user value.
//
// Every wiring raises a region's wired count; a user wiring also raises its
// user wired count. User-wired bytes are charged against the map's and the
// global wire limits once, when a region's user wired count leaves zero.
// User wires wait interruptibly for in-transition regions; kernel wires do
// not. On failure nothing stays wired.
func (m *Map) Wire(ctx context.Context, start, end hostarch.Addr, access hostarch.AccessType, user bool) error {
	ar, err := m.alignRange(start, end)
	if err != nil {
		return err
	}
	if ar.Length() == 0 {
		return nil
	}
	var zap zapList
	m.lock()
	err = m.wireLocked(ctx, ar, access, user, &zap)
	m.checkLocked()
	m.unlock()
	zap.dispose()
	if err != nil {
		return err
	}
	m.logger.Debugf("map %q: wired %v user=%t", m.opts.Name, ar, user)
	return nil
}

// Preconditions: m.mu must be locked for writing.
func (m *Map) wireLocked(ctx context.Context, ar hostarch.AddrRange, access hostarch.AccessType, user bool, zap *zapList) error {
	if err := m.waitRangeStableLocked(ctx, ar, user); err != nil {
		return err
	}
	if !m.store.covered(ar) {
		return vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: wiring unmapped range in %v", m.opts.Name, ar)
	}
	if err := m.checkSplittableLocked(ar); err != nil {
		return err
	}
	var (
		err     error
		charge  uint64
		pending bool
	)
	m.store.each(ar, func(r *Region) bool {
		switch {
		case !r.protection.SupersetOf(access):
			err = vmerr.Wrapf(vmerr.ErrProtectionDenied, "map %q: wiring %v for %v", m.opts.Name, r, access)
		case user && r.userWiredCount >= maxWireCount, r.wiredCount >= maxWireCount:
			err = vmerr.Wrapf(vmerr.ErrResourceExhausted, "map %q: %v wired too many times", m.opts.Name, r)
		case user && r.userWiredCount == 0:
			charge += uint64(min(r.end, ar.End) - max(r.start, ar.Start))
		}
		return err == nil
	})
	if err != nil {
		return err
	}
	if user && !m.chargeUserWireLocked(charge) {
		return vmerr.Wrapf(vmerr.ErrResourceExhausted, "map %q: wiring %#x more bytes exceeds limits", m.opts.Name, charge)
	}

	var recs []*wireRecord
	for r := m.store.firstOverlapping(ar.Start); r != nil && r.start < ar.End; r = m.store.next(r) {
		m.store.clip(r, ar)
		rec := &wireRecord{r: r}
		if r.wiredCount == 0 {
			if err = m.prepareWireLocked(r); err != nil {
				break
			}
		}
		if user {
			rec.userCounted = true
			r.userWiredCount++
		}
		r.wiredCount++
		rec.pending = r.wiredCount == 1
		pending = pending || rec.pending
		rec.backing = r.backing
		rec.ar = r.Range()
		rec.wiredTo = r.start
		rec.perms = r.protection
		r.state = Transitioning
		rec.h = m.handleLocked(r, true)
		recs = append(recs, rec)
	}

	if err == nil && pending {
		m.unlock()
		for _, rec := range recs {
			if !rec.pending {
				continue
			}
			if err = m.wirePages(ctx, rec, access); err != nil {
				break
			}
		}
		if err != nil {
			for _, rec := range recs {
				if rec.pending {
					m.unwireRecordPages(rec)
				}
			}
		}
		m.lock()
	}

	for _, rec := range recs {
		r, status := rec.h.Revalidate()
		if status != HandleValid {
			panic(fmt.Sprintf("map %q: transitioning region %v changed while unlocked (%v)", m.opts.Name, rec.ar, status))
		}
		if err != nil {
			m.rollbackWireLocked(rec)
		}
		m.endTransitionLocked(r)
	}
	if err != nil {
		if charge != 0 {
			// Regions not reached before the failure were charged too.
			m.unchargeUserWireLocked(charge)
		}
		m.store.simplifyRange(ar, zap)
		return err
	}
	return nil
}

// prepareWireLocked gives r a private backing object before its first wiring,
// so that pinning its pages never affects another user of a shared object.
//
// Preconditions: m.mu must be locked for writing. r.wiredCount == 0.
func (m *Map) prepareWireLocked(r *Region) error {
	switch b := r.backing.(type) {
	case nil:
		obj, err := m.platform.NewObject(r.length(), memmap.ObjectOpts{})
		if err != nil {
			return err
		}
		r.setBacking(ObjectBacking{Object: obj})
	case ObjectBacking:
		if !r.needsCopy {
			return nil
		}
		// Shadow takes over this reference; setBacking drops the region's.
		b.Object.IncRef()
		shadow, err := b.Object.Shadow(b.Offset, r.length())
		if err != nil {
			b.Object.DecRef()
			return err
		}
		r.setBacking(ObjectBacking{Object: shadow})
		r.needsCopy = false
		// Translations of the old object may remain in the page table.
		m.pt.Remove(r.Range())
	}
	return nil
}

// wirePages faults in and pins every page of rec.
//
// Preconditions: m.mu must not be locked. The region is Transitioning.
func (m *Map) wirePages(ctx context.Context, rec *wireRecord, access hostarch.AccessType) error {
	switch b := rec.backing.(type) {
	case ObjectBacking:
		ps := m.platform.PageSize()
		at := hostarch.AccessType{Read: true, Write: rec.perms.Write}
		for addr := rec.ar.Start; addr < rec.ar.End; addr += hostarch.Addr(ps) {
			off := b.Offset + uint64(addr-rec.ar.Start)
			t, err := b.Object.Translate(ctx, off, at)
			if err != nil {
				return err
			}
			b.Object.Wire(memmap.FrameRange{Start: off, End: off + ps})
			perms := rec.perms
			if !t.Private {
				perms.Write = false
			}
			m.pt.Enter(addr, t.Frame, perms, true)
			rec.wiredTo = addr + hostarch.Addr(ps)
		}
	case SubmapBacking:
		if err := b.Map.Wire(ctx, hostarch.Addr(b.Offset), hostarch.Addr(b.Offset+rec.ar.Length()), access, false); err != nil {
			return err
		}
		rec.wiredTo = rec.ar.End
	default:
		panic(fmt.Sprintf("map %q: wiring %v with no backing object", m.opts.Name, rec.ar))
	}
	return nil
}

// unwireRecordPages undoes wirePages for the wired prefix of rec.
//
// Preconditions: m.mu must not be locked. The region is Transitioning.
func (m *Map) unwireRecordPages(rec *wireRecord) {
	done := hostarch.AddrRange{Start: rec.ar.Start, End: rec.wiredTo}
	if done.Length() == 0 {
		return
	}
	switch b := rec.backing.(type) {
	case ObjectBacking:
		b.Object.Unwire(memmap.FrameRange{Start: b.Offset, End: b.Offset + done.Length()})
		m.pt.Unwire(done)
	case SubmapBacking:
		if err := b.Map.Unwire(context.Background(), hostarch.Addr(b.Offset), hostarch.Addr(b.Offset+done.Length()), false); err != nil {
			panic(fmt.Sprintf("map %q: rolling back submap wiring of %v: %v", m.opts.Name, done, err))
		}
	}
	rec.wiredTo = rec.ar.Start
}

// rollbackWireLocked reverts the counts changed for rec.
//
// Preconditions: m.mu must be locked for writing.
func (m *Map) rollbackWireLocked(rec *wireRecord) {
	r := rec.r
	if rec.userCounted {
		r.userWiredCount--
	}
	r.wiredCount--
}

// Unwire drops one wiring of [start, end), which must be entirely mapped and
// wired. Pages are unpinned once a region's wired count reaches zero.
func (m *Map) Unwire(ctx context.Context, start, end hostarch.Addr, user bool) error {
	ar, err := m.alignRange(start, end)
	if err != nil {
		return err
	}
	if ar.Length() == 0 {
		return nil
	}
	var zap zapList
	m.lock()
	err = m.unwireLocked(ctx, ar, user, &zap)
	m.checkLocked()
	m.unlock()
	zap.dispose()
	if err != nil {
		return err
	}
	m.logger.Debugf("map %q: unwired %v user=%t", m.opts.Name, ar, user)
	return nil
}

// Preconditions: m.mu must be locked for writing.
func (m *Map) unwireLocked(ctx context.Context, ar hostarch.AddrRange, user bool, zap *zapList) error {
	if err := m.waitRangeStableLocked(ctx, ar, user); err != nil {
		return err
	}
	if !m.store.covered(ar) {
		return vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: unwiring unmapped range in %v", m.opts.Name, ar)
	}
	if err := m.checkSplittableLocked(ar); err != nil {
		return err
	}
	var err error
	m.store.each(ar, func(r *Region) bool {
		if user {
			if r.userWiredCount == 0 {
				err = vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: %v is not wired by the user", m.opts.Name, r)
			}
			return err == nil
		}
		if r.wiredCount-r.userWiredCount <= 0 {
			panic(fmt.Sprintf("map %q: kernel unwiring of %v, which has no kernel wirings", m.opts.Name, r))
		}
		return true
	})
	if err != nil {
		return err
	}
	for r := m.store.firstOverlapping(ar.Start); r != nil && r.start < ar.End; r = m.store.next(r) {
		m.store.clip(r, ar)
		if user {
			r.userWiredCount--
			if r.userWiredCount == 0 {
				m.unchargeUserWireLocked(r.length())
			}
		}
		r.wiredCount--
		if r.wiredCount == 0 {
			m.unwirePagesLocked(r, r.Range())
		}
	}
	m.store.simplifyRange(ar, zap)
	return nil
}

// unwirePagesLocked unpins the pages of ar, which lies within r, after r's
// wired count has dropped to zero.
//
// Preconditions: m.mu must be locked for writing.
func (m *Map) unwirePagesLocked(r *Region, ar hostarch.AddrRange) {
	switch b := r.backing.(type) {
	case ObjectBacking:
		off := r.offsetOf(ar.Start)
		b.Object.Unwire(memmap.FrameRange{Start: off, End: off + ar.Length()})
		m.pt.Unwire(ar)
	case SubmapBacking:
		off := r.offsetOf(ar.Start)
		if err := b.Map.Unwire(context.Background(), hostarch.Addr(off), hostarch.Addr(off+ar.Length()), false); err != nil {
			panic(fmt.Sprintf("map %q: unwiring submap range of %v: %v", m.opts.Name, r, err))
		}
	default:
		panic(fmt.Sprintf("map %q: wired region %v has no backing", m.opts.Name, r))
	}
}

// chargeUserWireLocked accounts n more user-wired bytes against the map's
// and the global limits.
//
// Preconditions: m.mu must be locked for writing.
func (m *Map) chargeUserWireLocked(n uint64) bool {
	if n == 0 {
		return true
	}
	if l := m.opts.WireLimit; l != 0 && m.userWired+n > l {
		return false
	}
	if !m.opts.GlobalWire.charge(n) {
		return false
	}
	m.userWired += n
	return true
}

// Preconditions: m.mu must be locked for writing.
func (m *Map) unchargeUserWireLocked(n uint64) {
	if n > m.userWired {
		panic(fmt.Sprintf("map %q: uncharging %#x wired bytes, only %#x charged", m.opts.Name, n, m.userWired))
	}
	m.userWired -= n
	m.opts.GlobalWire.uncharge(n)
}
