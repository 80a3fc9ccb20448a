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
)

// DeleteFlags modify Delete.
type DeleteFlags uint32

const (
	// DeleteKernelWait makes waits for in-transition regions
	// uninterruptible.
	DeleteKernelWait DeleteFlags = 1 << iota

	// DeleteRemoveImmutable allows permanent regions to be removed.
	DeleteRemoveImmutable

	// DeleteGapsFail makes Delete fail with ErrAddressInvalid, without
	// removing anything, if the range is not entirely mapped.
	DeleteGapsFail

	// DeleteGapsOK silently tolerates gaps, even in a kernel map.
	DeleteGapsOK

	// deleteTerminate marks the final teardown of a map. Translations are
	// dropped in one sweep after every region is gone instead of region by
	// region.
	deleteTerminate
)

// Delete unmaps [start, end).
//
// Permanent regions in the range are stripped of all access but left mapped
// unless DeleteRemoveImmutable is given. Unmapped parts of the range are
// reported to the map's GapHandler, or fail the call if DeleteGapsFail is
// given. If a wait for an in-transition region is interrupted, Delete returns
// ErrAborted; regions removed before the wait stay removed.
func (m *Map) Delete(ctx context.Context, start, end hostarch.Addr, flags DeleteFlags) error {
	ar, err := m.alignRange(start, end)
	if err != nil {
		return err
	}
	if ar.Length() == 0 {
		return nil
	}
	var zap zapList
	m.lock()
	err = m.deleteLocked(ctx, ar, flags, &zap)
	m.checkLocked()
	m.unlock()
	zap.dispose()
	if err != nil {
		return err
	}
	m.logger.Debugf("map %q: deleted %v", m.opts.Name, ar)
	return nil
}

// Remove unmaps [start, end), which must be entirely mapped. It is used for
// kernel-internal removals and never aborts.
func (m *Map) Remove(ctx context.Context, start, end hostarch.Addr) error {
	return m.Delete(ctx, start, end, DeleteKernelWait|DeleteGapsFail)
}

// deleteLocked unmaps every region overlapping ar. Removed regions are
// appended to zap, unwired and detached from the page table, but still hold
// their backing references.
//
// Preconditions: m.mu must be locked for writing. ar is aligned and within
// bounds.
func (m *Map) deleteLocked(ctx context.Context, ar hostarch.AddrRange, flags DeleteFlags, zap *zapList) error {
	interruptible := flags&DeleteKernelWait == 0
	if flags&DeleteGapsFail != 0 && !m.store.covered(ar) {
		if m.opts.Kernel && flags&DeleteGapsOK == 0 {
			// Panics.
			m.gapLocked(ar, flags)
		}
		return vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: %v is not entirely mapped", m.opts.Name, ar)
	}
	if err := m.checkSplittableLocked(ar); err != nil {
		return err
	}
	for addr := ar.Start; addr < ar.End; {
		r := m.store.firstOverlapping(addr)
		if r == nil || r.start >= ar.End {
			m.gapLocked(hostarch.AddrRange{Start: addr, End: ar.End}, flags)
			break
		}
		if r.start > addr {
			m.gapLocked(hostarch.AddrRange{Start: addr, End: r.start}, flags)
			addr = r.start
		}
		if r.state == Transitioning {
			if err := m.waitLocked(ctx, r, true, interruptible); err != nil {
				return err
			}
			// The store may have changed; look up addr again.
			continue
		}
		if r.atomic && (r.start < addr || r.end > ar.End) {
			return vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: deleting part of atomic region %v", m.opts.Name, r)
		}
		m.store.clip(r, hostarch.AddrRange{Start: addr, End: ar.End})
		addr = r.end

		if r.permanent && flags&DeleteRemoveImmutable == 0 && !m.submapRemovableLocked(r) {
			m.stripLocked(r)
			continue
		}
		m.unwireFullyLocked(r)
		if flags&deleteTerminate == 0 {
			m.detachLocked(r)
		}
		m.store.unlink(r)
		zap.add(r)
	}
	if flags&deleteTerminate != 0 {
		m.pt.Remove(ar)
		// Fails only if nothing was nested.
		_ = m.pt.Unnest(ar)
	}
	return nil
}

// checkSplittableLocked returns an error if deleting or modifying ar would
// split an atomic region.
//
// Preconditions: m.mu must be locked.
func (m *Map) checkSplittableLocked(ar hostarch.AddrRange) error {
	var err error
	m.store.each(ar, func(r *Region) bool {
		if r.atomic && (r.start < ar.Start || r.end > ar.End) {
			err = vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: %v splits atomic region %v", m.opts.Name, ar, r)
			return false
		}
		return true
	})
	return err
}

// gapLocked reports an unmapped range found while deleting.
//
// Preconditions: m.mu must be locked for writing.
func (m *Map) gapLocked(gap hostarch.AddrRange, flags DeleteFlags) {
	if flags&DeleteGapsOK != 0 {
		return
	}
	if m.opts.Kernel {
		panic(fmt.Sprintf("map %q: deleting unmapped kernel range %v", m.opts.Name, gap))
	}
	m.stats.gaps.Add(1)
	m.gapLog.Warningf("map %q: deleting unmapped range %v", m.opts.Name, gap)
	if m.opts.GapHandler != nil {
		m.opts.GapHandler(m, gap)
	}
}

// stripLocked removes all access rights from a permanent region, which stays
// mapped.
//
// Preconditions: m.mu must be locked for writing.
func (m *Map) stripLocked(r *Region) {
	m.logger.Infof("map %q: not removing permanent region %v, removing access instead", m.opts.Name, r)
	r.protection = hostarch.NoAccess
	r.maxProtection = hostarch.NoAccess
	if r.usePmap {
		m.unnestLocked(r)
	}
	m.pt.Protect(r.Range(), hostarch.NoAccess)
}

// submapRemovableLocked returns true if r maps a submap range containing no
// permanent regions, in which case r may be removed despite being permanent.
//
// Preconditions: m.mu must be locked.
func (m *Map) submapRemovableLocked(r *Region) bool {
	sub, off, ok := r.submap()
	if !ok {
		return false
	}
	return !sub.hasPermanent(hostarch.AddrRange{
		Start: hostarch.Addr(off),
		End:   hostarch.Addr(off + r.length()),
	})
}

// hasPermanent returns true if any region overlapping ar, or any region of a
// submap mapped there, is permanent.
func (m *Map) hasPermanent(ar hostarch.AddrRange) bool {
	m.rlock()
	defer m.runlock()
	found := false
	m.store.each(ar, func(r *Region) bool {
		if r.permanent {
			found = true
			return false
		}
		if sub, off, ok := r.submap(); ok {
			start := max(ar.Start, r.start)
			end := min(ar.End, r.end)
			found = sub.hasPermanent(hostarch.AddrRange{
				Start: hostarch.Addr(off + uint64(start-r.start)),
				End:   hostarch.Addr(off + uint64(end-r.start)),
			})
		}
		return !found
	})
	return found
}

// unwireFullyLocked drops every wiring of r.
//
// Preconditions: m.mu must be locked for writing. r is Stable.
func (m *Map) unwireFullyLocked(r *Region) {
	if r.wiredCount == 0 {
		return
	}
	if r.userWiredCount > 0 {
		m.unchargeUserWireLocked(r.length())
	}
	m.unwirePagesLocked(r, r.Range())
	r.wiredCount = 0
	r.userWiredCount = 0
}

// detachLocked removes r's translations from the page table.
//
// Preconditions: m.mu must be locked for writing.
func (m *Map) detachLocked(r *Region) {
	if r.usePmap {
		m.unnestLocked(r)
		return
	}
	m.pt.Remove(r.Range())
}

// unnestLocked stops sharing the submap's page table for r.
//
// Preconditions: m.mu must be locked for writing.
func (m *Map) unnestLocked(r *Region) {
	if err := m.pt.Unnest(r.Range()); err != nil {
		m.logger.Warningf("map %q: unnesting %v: %v", m.opts.Name, r, err)
	}
	r.usePmap = false
}
