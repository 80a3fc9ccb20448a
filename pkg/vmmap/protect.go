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

	"gvisor.dev/vmspace/pkg/errors/vmerr"
	"gvisor.dev/vmspace/pkg/hostarch"
)

// Protect sets the protection of [start, end) to perms. If setMax is true,
// the maximum protection is set instead, and the current protection is
// reduced to fit.
//
// The range must be entirely mapped. Maximum protections can only be
// reduced, and permanent regions can only lose access. Added permissions
// take effect on the next fault; removed ones take effect immediately.
func (m *Map) Protect(ctx context.Context, start, end hostarch.Addr, perms hostarch.AccessType, setMax bool) error {
	ar, err := m.alignRange(start, end)
	if err != nil {
		return err
	}
	if ar.Length() == 0 {
		return nil
	}
	var zap zapList
	m.lock()
	err = m.protectLocked(ctx, ar, perms, setMax, &zap)
	m.checkLocked()
	m.unlock()
	zap.dispose()
	return err
}

// Preconditions: m.mu must be locked for writing.
func (m *Map) protectLocked(ctx context.Context, ar hostarch.AddrRange, perms hostarch.AccessType, setMax bool, zap *zapList) error {
	if err := m.waitRangeStableLocked(ctx, ar, true); err != nil {
		return err
	}
	if !m.store.covered(ar) {
		return vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: %v is not entirely mapped", m.opts.Name, ar)
	}
	if err := m.checkSplittableLocked(ar); err != nil {
		return err
	}

	// Check every region before changing any of them.
	var err error
	m.store.each(ar, func(r *Region) bool {
		err = m.checkProtectLocked(r, perms, setMax)
		return err == nil
	})
	if err != nil {
		return err
	}

	for r := m.store.firstOverlapping(ar.Start); r != nil && r.start < ar.End; r = m.store.next(r) {
		m.store.clip(r, ar)
		old := r.protection
		if setMax {
			r.maxProtection = perms
			r.protection = r.protection.Intersect(perms)
		} else {
			r.protection = perms
		}
		if !r.protection.SupersetOf(old) && r.usePmap {
			// The nested table is shared with other users of the submap.
			m.unnestLocked(r)
		}
		pmapPerms := r.protection
		if r.needsCopy {
			pmapPerms.Write = false
		}
		m.pt.Protect(r.Range(), pmapPerms)
	}
	m.store.simplifyRange(ar, zap)
	return nil
}

// checkProtectLocked returns an error if r's protection may not be changed as
// requested.
//
// Preconditions: m.mu must be locked.
func (m *Map) checkProtectLocked(r *Region, perms hostarch.AccessType, setMax bool) error {
	newProt := perms
	if setMax {
		if !r.maxProtection.SupersetOf(perms) {
			return vmerr.Wrapf(vmerr.ErrProtectionDenied, "map %q: raising maximum protection of %v to %v", m.opts.Name, r, perms)
		}
		newProt = r.protection.Intersect(perms)
	} else if !r.maxProtection.SupersetOf(perms) {
		return vmerr.Wrapf(vmerr.ErrProtectionDenied, "map %q: protection %v exceeds maximum of %v", m.opts.Name, perms, r)
	}
	if r.permanent && !r.protection.SupersetOf(newProt) {
		return vmerr.Wrapf(vmerr.ErrProtectionDenied, "map %q: adding access to permanent region %v", m.opts.Name, r)
	}
	if newProt.Write && newProt.Execute && !r.wxAllowed {
		return vmerr.Wrapf(vmerr.ErrProtectionDenied, "map %q: writable and executable protection denied for %v", m.opts.Name, r)
	}
	if m.opts.ExecLockdown && newProt.Execute && !r.protection.Execute {
		return vmerr.Wrapf(vmerr.ErrProtectionDenied, "map %q: new executable mappings are locked down", m.opts.Name)
	}
	return nil
}

// SetInheritance sets the fork inheritance of [start, end), which must be
// entirely mapped. Submap regions cannot be inherited by copy.
func (m *Map) SetInheritance(ctx context.Context, start, end hostarch.Addr, inh Inheritance) error {
	ar, err := m.alignRange(start, end)
	if err != nil {
		return err
	}
	if inh < InheritCopy || inh > InheritNone {
		return vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: bad inheritance %d", m.opts.Name, inh)
	}
	if ar.Length() == 0 {
		return nil
	}
	var zap zapList
	defer zap.dispose()
	m.lock()
	defer m.unlock()
	if err := m.waitRangeStableLocked(ctx, ar, true); err != nil {
		return err
	}
	if !m.store.covered(ar) {
		return vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: %v is not entirely mapped", m.opts.Name, ar)
	}
	if err := m.checkSplittableLocked(ar); err != nil {
		return err
	}
	if inh == InheritCopy {
		submap := false
		m.store.each(ar, func(r *Region) bool {
			_, _, submap = r.submap()
			return !submap
		})
		if submap {
			return vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: copy inheritance of a submap in %v", m.opts.Name, ar)
		}
	}
	for r := m.store.firstOverlapping(ar.Start); r != nil && r.start < ar.End; r = m.store.next(r) {
		m.store.clip(r, ar)
		r.inheritance = inh
	}
	m.store.simplifyRange(ar, &zap)
	return nil
}

// CheckProtection returns true if [start, end) is entirely mapped with at
// least the given access.
func (m *Map) CheckProtection(start, end hostarch.Addr, access hostarch.AccessType) bool {
	ar, err := m.alignRange(start, end)
	if err != nil {
		return false
	}
	m.rlock()
	defer m.runlock()
	if !m.store.covered(ar) {
		return false
	}
	ok := true
	m.store.each(ar, func(r *Region) bool {
		ok = r.protection.SupersetOf(access)
		return ok
	})
	return ok
}

// waitRangeStableLocked waits until no region overlapping ar is
// Transitioning.
//
// Preconditions: m.mu must be locked for writing.
func (m *Map) waitRangeStableLocked(ctx context.Context, ar hostarch.AddrRange, interruptible bool) error {
	for {
		var busy *Region
		m.store.each(ar, func(r *Region) bool {
			if r.state == Transitioning {
				busy = r
				return false
			}
			return true
		})
		if busy == nil {
			return nil
		}
		if err := m.waitLocked(ctx, busy, true, interruptible); err != nil {
			return err
		}
	}
}
