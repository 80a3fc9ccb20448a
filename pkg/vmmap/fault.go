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
	"gvisor.dev/vmspace/pkg/memmap"
)

// FaultResult describes the translation installed by LookupForFault.
type FaultResult struct {
	// ObjectID and Offset identify the backing page.
	ObjectID uint64
	Offset   uint64

	// Frame holds the page's contents.
	Frame memmap.FrameID

	// Perms are the rights granted by the page table entry. They may lack
	// Write even if the region is writable, when the page is still shared
	// copy-on-write.
	Perms hostarch.AccessType

	// Private is true if the frame belongs to the mapped object itself.
	Private bool

	// Wired is true if the region is wired.
	Wired bool
}

// LookupForFault resolves a fault at addr for the given access: it finds the
// region mapping addr, descending into submaps, allocates anonymous memory
// or privatizes copy-on-write memory as required, and installs the resulting
// translation in the page table.
func (m *Map) LookupForFault(ctx context.Context, addr hostarch.Addr, access hostarch.AccessType) (FaultResult, error) {
	var res FaultResult
	err := m.resolve(ctx, addr, access, func(fr FaultResult) {
		res = fr
	})
	return res, err
}

// resolve implements LookupForFault. fn is called with the result while the
// map is still read-locked, so the frame cannot be freed under it.
func (m *Map) resolve(ctx context.Context, addr hostarch.Addr, access hostarch.AccessType, fn func(FaultResult)) error {
	m.stats.faults.Add(1)
	page := addr.AlignDown(m.platform.PageSize())
	m.rlock()
	for {
		r, ok := m.store.lookup(addr)
		if !ok {
			m.runlock()
			return vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: fault at unmapped address %#x", m.opts.Name, addr)
		}
		if !r.protection.SupersetOf(access) {
			m.runlock()
			return vmerr.Wrapf(vmerr.ErrProtectionDenied, "map %q: %v fault at %#x in %v", m.opts.Name, access, addr, r)
		}

		if sub, off, ok := r.submap(); ok {
			subAddr := hostarch.Addr(off) + (addr - r.start)
			prot, wired, nested := r.protection, r.wiredCount > 0, r.usePmap
			// The parent stays read-locked while the submap resolves.
			err := sub.resolve(ctx, subAddr, access, func(fr FaultResult) {
				fr.Perms = fr.Perms.Intersect(prot)
				fr.Wired = fr.Wired || wired
				if !nested {
					m.pt.Enter(page, fr.Frame, fr.Perms, wired)
				}
				fn(fr)
			})
			m.runlock()
			return err
		}

		if r.backing == nil || (access.Write && r.needsCopy) {
			if r.state == Transitioning {
				if err := m.waitLocked(ctx, r, false, true); err != nil {
					m.runlock()
					return err
				}
				continue
			}
			if !m.upgrade() {
				m.stats.restarts.Add(1)
			}
			err := m.prepareFaultLocked(addr, access)
			m.downgrade()
			if err != nil {
				m.runlock()
				return err
			}
			// Look the region up again under the read lock.
			continue
		}

		obj, off, _ := r.object()
		off += uint64(page - r.start)
		at := access
		if r.needsCopy {
			at.Write = false
		}
		t, err := obj.Translate(ctx, off, at)
		if err != nil {
			m.runlock()
			return err
		}
		perms := r.protection
		if r.needsCopy || !t.Private {
			perms.Write = false
		}
		wired := r.wiredCount > 0
		m.pt.Enter(page, t.Frame, perms, wired)
		fn(FaultResult{
			ObjectID: obj.ID(),
			Offset:   off,
			Frame:    t.Frame,
			Perms:    perms,
			Private:  t.Private,
			Wired:    wired,
		})
		m.runlock()
		return nil
	}
}

// prepareFaultLocked gives the region mapping addr the backing object a
// fault needs: a new anonymous object if it has none, or a private shadow if
// it is written while copy-on-write. It does nothing if the region has
// changed since the caller looked at it.
//
// Preconditions: m.mu must be locked for writing.
func (m *Map) prepareFaultLocked(addr hostarch.Addr, access hostarch.AccessType) error {
	r, ok := m.store.lookup(addr)
	if !ok || r.state == Transitioning {
		return nil
	}
	switch b := r.backing.(type) {
	case nil:
		obj, err := m.platform.NewObject(r.length(), memmap.ObjectOpts{})
		if err != nil {
			return err
		}
		r.setBacking(ObjectBacking{Object: obj})
	case ObjectBacking:
		if !access.Write || !r.needsCopy {
			return nil
		}
		m.stats.cowFaults.Add(1)
		b.Object.IncRef()
		shadow, err := b.Object.Shadow(b.Offset, r.length())
		if err != nil {
			b.Object.DecRef()
			return err
		}
		r.setBacking(ObjectBacking{Object: shadow})
		r.needsCopy = false
	}
	return nil
}

// ReadBytes copies len(dst) bytes starting at addr into dst, faulting pages
// in as needed. It returns the number of bytes copied.
func (m *Map) ReadBytes(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error) {
	return m.copyBytes(ctx, addr, len(dst), hostarch.Read, func(frame []byte, done int) int {
		return copy(dst[done:], frame)
	})
}

// WriteBytes copies src into the map starting at addr, faulting pages in and
// breaking copy-on-write sharing as needed. It returns the number of bytes
// copied.
func (m *Map) WriteBytes(ctx context.Context, addr hostarch.Addr, src []byte) (int, error) {
	return m.copyBytes(ctx, addr, len(src), hostarch.Write, func(frame []byte, done int) int {
		return copy(frame, src[done:])
	})
}

func (m *Map) copyBytes(ctx context.Context, addr hostarch.Addr, n int, access hostarch.AccessType, fn func(frame []byte, done int) int) (int, error) {
	ps := m.platform.PageSize()
	done := 0
	for done < n {
		cur := addr + hostarch.Addr(done)
		pageOff := uint64(cur) % ps
		var copied int
		err := m.resolve(ctx, cur, access, func(fr FaultResult) {
			if !fr.Perms.SupersetOf(access) {
				// Only possible through a submap that is still shared.
				return
			}
			copied = fn(m.platform.FrameBytes(fr.Frame)[pageOff:], done)
		})
		if err != nil {
			return done, err
		}
		if copied == 0 {
			return done, vmerr.Wrapf(vmerr.ErrProtectionDenied, "map %q: %v access at %#x", m.opts.Name, access, cur)
		}
		done += copied
	}
	return done, nil
}
