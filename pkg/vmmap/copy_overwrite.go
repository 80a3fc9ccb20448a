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

// dataRange is a range of offsets into a bundle's data.
type dataRange struct {
	start uint64
	end   uint64
}

// CopyOverwrite replaces the contents of [addr, addr+bundle.Size()) in dst,
// which must be entirely mapped and writable, with the bundle's data. The
// destination keeps its regions' protections and inheritance.
//
// Whole pages are replaced by reference where the bundle and the destination
// line up and the destination region can take a new backing object; the rest
// is copied byte by byte. On success the bundle is consumed.
func CopyOverwrite(ctx context.Context, dst *Map, addr hostarch.Addr, bundle *CopyBundle, interruptible bool) error {
	if bundle.size == 0 {
		return nil
	}
	dar, err := dst.roundRange(addr, bundle.size)
	if err != nil {
		return err
	}
	var (
		zap      zapList
		physical []dataRange
	)
	dst.lock()
	physical, err = dst.overwriteLocked(ctx, dar, addr, bundle, interruptible, &zap)
	dst.checkLocked()
	dst.unlock()
	zap.dispose()
	if err != nil {
		return err
	}

	for _, dr := range physical {
		data := make([]byte, dr.end-dr.start)
		if err := bundle.readAt(ctx, dr.start, data); err != nil {
			return err
		}
		if _, err := dst.WriteBytes(ctx, addr+hostarch.Addr(dr.start), data); err != nil {
			return err
		}
	}
	bundle.Discard()
	return nil
}

// overwriteLocked splices the bundle's pages into dar where possible and
// returns the data ranges that must be copied instead.
//
// Preconditions: m.mu must be locked for writing.
func (m *Map) overwriteLocked(ctx context.Context, dar hostarch.AddrRange, addr hostarch.Addr, bundle *CopyBundle, interruptible bool, zap *zapList) ([]dataRange, error) {
	if err := m.waitRangeStableLocked(ctx, dar, interruptible); err != nil {
		return nil, err
	}
	if !m.store.covered(dar) {
		return nil, vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: overwriting unmapped range in %v", m.opts.Name, dar)
	}
	var err error
	m.store.each(dar, func(r *Region) bool {
		if !r.protection.Write {
			err = vmerr.Wrapf(vmerr.ErrProtectionDenied, "map %q: overwriting read-only region %v", m.opts.Name, r)
		}
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.checkSplittableLocked(dar); err != nil {
		return nil, err
	}

	all := []dataRange{{0, bundle.size}}
	if bundle.buf != nil || bundle.pageSize%m.pageSize != 0 || uint64(addr) < bundle.offset {
		return all, nil
	}
	base := addr - hostarch.Addr(bundle.offset)
	if !base.IsAligned(m.pageSize) {
		return all, nil
	}
	innerStart, _ := addr.AlignUp(m.pageSize)
	innerEnd := (addr + hostarch.Addr(bundle.size)).AlignDown(m.pageSize)
	if innerStart >= innerEnd {
		return all, nil
	}

	toData := func(a hostarch.Addr) uint64 { return uint64(a - addr) }
	var physical []dataRange
	if innerStart > addr {
		physical = append(physical, dataRange{0, toData(innerStart)})
	}
	for _, n := range bundle.regions {
		seg := hostarch.AddrRange{Start: base + n.start, End: base + n.end}.Intersect(hostarch.AddrRange{Start: innerStart, End: innerEnd})
		if seg.Length() == 0 {
			continue
		}
		for r := m.store.firstOverlapping(seg.Start); r != nil && r.start < seg.End; r = m.store.next(r) {
			m.store.clip(r, seg)
			if !m.canReplaceBackingLocked(r, n) {
				physical = append(physical, dataRange{toData(r.start), toData(r.end)})
				continue
			}
			nb := n.backing
			if nb != nil {
				nb = nb.withOffset(n.offsetOf(r.start - base))
				nb.incRef()
			}
			m.pt.Remove(r.Range())
			r.setBacking(nb)
			r.needsCopy = nb != nil && n.needsCopy
			r.isShared = n.isShared
		}
	}
	if innerEnd < addr+hostarch.Addr(bundle.size) {
		physical = append(physical, dataRange{toData(innerEnd), bundle.size})
	}
	m.store.simplifyRange(dar, zap)
	return physical, nil
}

// canReplaceBackingLocked returns true if r's backing may be replaced by that
// of the bundle region n.
//
// Preconditions: m.mu must be locked.
func (m *Map) canReplaceBackingLocked(r, n *Region) bool {
	if r.wiredCount != 0 || r.isShared || r.permanent || r.usePmap {
		return false
	}
	if _, _, ok := n.submap(); ok {
		return false
	}
	return r.isAnonymous()
}
