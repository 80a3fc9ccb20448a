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

// CopyBundle is a detached range of memory extracted from a Map, to be
// installed in the same or another Map.
//
// A bundle holds either regions, whose addresses are relative to the start
// of the extracted page range, or, for small copies, a flat buffer.
type CopyBundle struct {
	// pageSize is the page size of the source map.
	pageSize uint64

	// offset is the offset of the extracted data into the first page.
	offset uint64

	// size is the number of bytes of data.
	size uint64

	regions []*Region
	buf     []byte

	platform memmap.Platform
}

// Size returns the number of bytes in the bundle.
func (b *CopyBundle) Size() uint64 {
	return b.size
}

// Offset returns the offset of the bundle's data into its first page.
func (b *CopyBundle) Offset() uint64 {
	return b.offset
}

// Empty returns true if the bundle holds nothing, either because it was
// created empty or because it has been consumed or discarded.
func (b *CopyBundle) Empty() bool {
	return b.regions == nil && b.buf == nil
}

// span returns the length of the bundle's page range.
func (b *CopyBundle) span() uint64 {
	if len(b.regions) == 0 {
		return 0
	}
	return uint64(b.regions[len(b.regions)-1].end)
}

// Discard releases everything held by the bundle.
func (b *CopyBundle) Discard() {
	for _, r := range b.regions {
		r.release()
	}
	b.regions = nil
	b.buf = nil
}

// readAt copies the bundle's data starting at data offset off into dst.
func (b *CopyBundle) readAt(ctx context.Context, off uint64, dst []byte) error {
	if b.buf != nil {
		copy(dst, b.buf[off:])
		return nil
	}
	ps := b.platform.PageSize()
	pos := hostarch.Addr(b.offset + off)
	done := 0
	ri := 0
	for done < len(dst) {
		for ri < len(b.regions) && b.regions[ri].end <= pos {
			ri++
		}
		if ri == len(b.regions) {
			return fmt.Errorf("reading past the end of a %#x byte bundle", b.size)
		}
		r := b.regions[ri]
		pageOff := uint64(pos) % ps
		n := min(uint64(len(dst)-done), ps-pageOff)
		chunk := dst[done : done+int(n)]
		switch bk := r.backing.(type) {
		case nil:
			clear(chunk)
		case ObjectBacking:
			objOff := r.offsetOf(pos.AlignDown(ps))
			t, err := bk.Object.Translate(ctx, objOff, hostarch.Read)
			if err != nil {
				return err
			}
			copy(chunk, b.platform.FrameBytes(t.Frame)[pageOff:])
		case SubmapBacking:
			if _, err := bk.Map.ReadBytes(ctx, hostarch.Addr(r.offsetOf(pos)), chunk); err != nil {
				return err
			}
		}
		done += int(n)
		pos += hostarch.Addr(n)
	}
	return nil
}

// CopyInOpts modify CopyIn.
type CopyInOpts struct {
	// Destroy removes the source range once it has been copied.
	Destroy bool

	// Kernel makes waits for in-transition regions uninterruptible.
	Kernel bool
}

// CopyIn returns a bundle holding a copy of [addr, addr+length) in src, as
// it is at the time of the call. Small ranges are copied into a buffer;
// larger ones are copied copy-on-write.
func CopyIn(ctx context.Context, src *Map, addr hostarch.Addr, length uint64, opts CopyInOpts) (*CopyBundle, error) {
	ar, err := src.roundRange(addr, length)
	if err != nil {
		return nil, err
	}
	b := &CopyBundle{
		pageSize: src.pageSize,
		offset:   uint64(addr - ar.Start),
		size:     length,
		platform: src.platform,
	}
	if length == 0 {
		return b, nil
	}
	if length < src.opts.SmallCopyThreshold {
		b.buf = make([]byte, length)
		if _, err := src.ReadBytes(ctx, addr, b.buf); err != nil {
			return nil, err
		}
	} else {
		var zap zapList
		src.lock()
		b.regions, err = src.extractLocked(ctx, ar, true, InheritCopy, !opts.Kernel, &zap)
		src.checkLocked()
		src.unlock()
		zap.dispose()
		if err != nil {
			return nil, err
		}
	}
	if opts.Destroy {
		flags := DeleteGapsOK
		if opts.Kernel {
			flags |= DeleteKernelWait
		}
		if err := src.Delete(ctx, ar.Start, ar.End, flags); err != nil {
			b.Discard()
			return nil, err
		}
	}
	return b, nil
}

// Extract returns a bundle holding the regions of [addr, addr+length) in src,
// which must be entirely mapped. If copy is false, the bundle shares the
// source's memory; otherwise it holds a copy as of the time of the call. The
// extracted regions take the given inheritance.
func Extract(ctx context.Context, src *Map, addr hostarch.Addr, length uint64, copy bool, inh Inheritance) (*CopyBundle, error) {
	ar, err := src.roundRange(addr, length)
	if err != nil {
		return nil, err
	}
	b := &CopyBundle{
		pageSize: src.pageSize,
		offset:   uint64(addr - ar.Start),
		size:     length,
		platform: src.platform,
	}
	if length == 0 {
		return b, nil
	}
	var zap zapList
	src.lock()
	b.regions, err = src.extractLocked(ctx, ar, copy, inh, true, &zap)
	src.checkLocked()
	src.unlock()
	zap.dispose()
	if err != nil {
		return nil, err
	}
	return b, nil
}

// extractLocked returns detached regions describing ar, relative to
// ar.Start. The map lock may be dropped while copying; regions already
// extracted are unaffected by later changes to the map.
//
// Preconditions: m.mu must be locked for writing.
func (m *Map) extractLocked(ctx context.Context, ar hostarch.AddrRange, copy bool, inh Inheritance, interruptible bool, zap *zapList) ([]*Region, error) {
	var out []*Region
	fail := func(err error) ([]*Region, error) {
		for _, n := range out {
			zap.add(n)
		}
		return nil, err
	}
	if err := m.checkSplittableLocked(ar); err != nil {
		return nil, err
	}
	for addr := ar.Start; addr < ar.End; {
		r, ok := m.store.lookup(addr)
		if !ok {
			return fail(vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: extracting unmapped address %#x", m.opts.Name, addr))
		}
		if r.state == Transitioning {
			if err := m.waitLocked(ctx, r, true, interruptible); err != nil {
				return fail(err)
			}
			continue
		}
		if r.atomic && (r.start < addr || r.end > ar.End) {
			return fail(vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: extracting part of atomic region %v", m.opts.Name, r))
		}
		m.store.clip(r, hostarch.AddrRange{Start: addr, End: ar.End})

		var (
			n   *Region
			err error
		)
		if sub, off, ok := r.submap(); ok && copy {
			// The submap's own regions are copied in r's place, so later
			// writes through the submap do not show through the copy.
			ns, err := m.copySubmapLocked(ctx, r, sub, off, interruptible, zap)
			if err != nil {
				return fail(err)
			}
			for _, n := range ns {
				n.start += r.start - ar.Start
				n.end += r.start - ar.Start
				n.inheritance = inh
				out = append(out, n)
			}
			addr = r.end
			continue
		}
		if copy {
			n, err = m.copyRegionLocked(ctx, r)
		} else {
			n, err = m.shareRegionLocked(r)
		}
		if err != nil {
			return fail(err)
		}
		// r may have been clipped by others if the lock was dropped, but
		// never while Transitioning, so its bounds are those of n.
		n.start -= ar.Start
		n.end -= ar.Start
		n.inheritance = inh
		if _, _, ok := n.submap(); ok && inh == InheritCopy {
			n.inheritance = InheritShare
		}
		n.permanent = false
		n.jit = false
		out = append(out, n)
		addr = r.end
	}
	m.store.simplifyRange(ar, zap)
	return out, nil
}

// shareRegionLocked returns a detached region mapping the same memory as r,
// making r's backing object suitable for sharing first.
//
// Preconditions: m.mu must be locked for writing. r is Stable.
func (m *Map) shareRegionLocked(r *Region) (*Region, error) {
	if err := m.makeShareableLocked(r); err != nil {
		return nil, err
	}
	n := cloneRegion(r)
	if _, _, ok := r.object(); ok {
		n.isShared = true
	}
	return n, nil
}

// makeShareableLocked gives r an object that writes through it and through
// every other mapping of it will observe: anonymous memory gets its object
// now and copy-on-write memory gets its private shadow.
//
// Preconditions: m.mu must be locked for writing. r is Stable.
func (m *Map) makeShareableLocked(r *Region) error {
	switch b := r.backing.(type) {
	case nil:
		obj, err := m.platform.NewObject(r.length(), memmap.ObjectOpts{})
		if err != nil {
			return err
		}
		r.setBacking(ObjectBacking{Object: obj})
	case ObjectBacking:
		if r.needsCopy {
			if r.wiredCount != 0 {
				panic(fmt.Sprintf("map %q: wired region %v is copy-on-write", m.opts.Name, r))
			}
			b.Object.IncRef()
			shadow, err := b.Object.Shadow(b.Offset, r.length())
			if err != nil {
				b.Object.DecRef()
				return err
			}
			r.setBacking(ObjectBacking{Object: shadow})
			r.needsCopy = false
			// Entries for the old object are read-only and stay correct
			// until the next write fault replaces them.
		}
	case SubmapBacking:
		return nil
	}
	obj, _, _ := r.object()
	obj.SetTrueShare()
	r.isShared = true
	return nil
}

// copyRegionLocked returns a detached region holding a copy of r's memory.
// Quick copies share r's object copy-on-write; others are made page by page
// with the map lock dropped.
//
// Preconditions: m.mu must be locked for writing. r is Stable.
func (m *Map) copyRegionLocked(ctx context.Context, r *Region) (*Region, error) {
	switch b := r.backing.(type) {
	case nil:
		// Nothing has been written; the copy is fresh anonymous memory.
		return cloneRegion(r), nil
	case SubmapBacking:
		// Submap regions are always inherited shared; extraction copies
		// their contents with copySubmapLocked.
		panic(fmt.Sprintf("map %q: copying submap region %v", m.opts.Name, r))
	case ObjectBacking:
		if r.wiredCount == 0 && !r.isShared && b.Object.ShadowDepth() < m.opts.MaxShadowDepth && b.Object.CopyQuickly(b.Offset, r.length()) {
			m.stats.quickCopies.Add(1)
			n := cloneRegion(r)
			n.needsCopy = true
			m.markCopyOnWriteLocked(r)
			return n, nil
		}
		m.stats.slowCopies.Add(1)
		obj, err := m.copySlowlyLocked(ctx, r, b)
		if err != nil {
			return nil, err
		}
		n := cloneRegion(r)
		n.setBacking(ObjectBacking{Object: obj})
		n.needsCopy = false
		n.isShared = false
		return n, nil
	}
	panic(fmt.Sprintf("map %q: unknown backing %T", m.opts.Name, r.backing))
}

// copySubmapLocked copies the range of sub mapped by r. The returned regions
// are relative to r.start and no more accessible than r.
//
// Preconditions: m.mu must be locked for writing. r is Stable.
func (m *Map) copySubmapLocked(ctx context.Context, r *Region, sub *Map, off uint64, interruptible bool, zap *zapList) ([]*Region, error) {
	subAr := hostarch.AddrRange{Start: hostarch.Addr(off), End: hostarch.Addr(off + r.length())}
	sub.lock()
	ns, err := sub.extractLocked(ctx, subAr, true, InheritCopy, interruptible, zap)
	sub.checkLocked()
	sub.unlock()
	if err != nil {
		return nil, err
	}
	for _, n := range ns {
		n.protection = n.protection.Intersect(r.protection)
		n.maxProtection = n.maxProtection.Intersect(r.maxProtection)
		n.permanent = false
		n.jit = false
	}
	return ns, nil
}

// markCopyOnWriteLocked makes r copy-on-write, revoking write access from
// its existing translations.
//
// Preconditions: m.mu must be locked for writing.
func (m *Map) markCopyOnWriteLocked(r *Region) {
	if r.needsCopy {
		return
	}
	r.needsCopy = true
	ro := r.protection
	ro.Write = false
	m.pt.Protect(r.Range(), ro)
}

// copySlowlyLocked copies r's memory page by page with the map lock
// released. r is Transitioning for the duration of the copy. The copy never
// shares pages with r's object, so r need not become copy-on-write.
//
// Preconditions: m.mu must be locked for writing. r is Stable.
func (m *Map) copySlowlyLocked(ctx context.Context, r *Region, b ObjectBacking) (memmap.Object, error) {
	if r.state != Stable {
		panic(fmt.Sprintf("map %q: slow copy of %v region %v", m.opts.Name, r.state, r))
	}
	r.state = Transitioning
	h := m.handleLocked(r, true)
	length := r.length()
	b.Object.IncRef()
	m.unlock()

	obj, err := b.Object.CopySlowly(ctx, b.Offset, length)
	b.Object.DecRef()

	m.lock()
	cur, status := h.Revalidate()
	if status != HandleValid {
		panic(fmt.Sprintf("map %q: transitioning region %v changed while unlocked (%v)", m.opts.Name, r, status))
	}
	m.endTransitionLocked(cur)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// CopyOutOpts modify CopyOut.
type CopyOutOpts struct {
	// Addr is the address at which to install the bundle's page range, or
	// the lowest acceptable address if Anywhere is set.
	Addr hostarch.Addr

	// Anywhere places the bundle in any free range at or above Addr.
	Anywhere bool

	// Overwrite replaces existing mappings at a fixed Addr.
	Overwrite bool
}

// CopyOut installs bundle in dst and returns the address of its data. On
// success the bundle is consumed. On failure dst is unchanged and the bundle
// still holds everything it did.
func CopyOut(ctx context.Context, dst *Map, bundle *CopyBundle, opts CopyOutOpts) (hostarch.Addr, error) {
	if bundle.size == 0 {
		return opts.Addr, nil
	}
	if bundle.buf != nil || bundle.pageSize%dst.pageSize != 0 {
		return copyOutPhysical(ctx, dst, bundle, opts)
	}
	var zap zapList
	dst.lock()
	addr, err := dst.spliceLocked(ctx, bundle, opts, &zap)
	dst.checkLocked()
	dst.unlock()
	zap.dispose()
	if err != nil {
		return 0, err
	}
	bundle.Discard()
	dst.logger.Debugf("map %q: copied out %#x bytes at %#x", dst.opts.Name, bundle.size, addr)
	return addr + hostarch.Addr(bundle.offset), nil
}

// spliceLocked links copies of the bundle's regions into m.
//
// Preconditions: m.mu must be locked for writing.
func (m *Map) spliceLocked(ctx context.Context, bundle *CopyBundle, opts CopyOutOpts, zap *zapList) (hostarch.Addr, error) {
	if m.terminated {
		return 0, vmerr.Wrapf(vmerr.ErrNotSupported, "map %q is terminated", m.opts.Name)
	}
	eo := &EnterOpts{
		Addr:     opts.Addr,
		Length:   bundle.span(),
		MaxPerms: hostarch.AnyAccess,
	}
	if opts.Anywhere {
		eo.Flags |= EnterAnywhere
	} else if opts.Overwrite {
		eo.Flags |= EnterOverwrite
	}
	if !eo.Addr.IsAligned(m.pageSize) {
		return 0, vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: copying out at unaligned address %#x", m.opts.Name, eo.Addr)
	}
	for _, n := range bundle.regions {
		if m.opts.ExecLockdown && n.protection.Execute {
			return 0, vmerr.Wrapf(vmerr.ErrProtectionDenied, "map %q: new executable mappings are locked down", m.opts.Name)
		}
	}

	var saved zapList
	ar, err := m.placeLocked(ctx, eo, &saved)
	if err != nil {
		return 0, err
	}
	if l := m.opts.SizeLimit; l != 0 && m.store.size+ar.Length() > l {
		m.restoreLocked(saved)
		return 0, vmerr.Wrapf(vmerr.ErrNoSpace, "map %q: size limit %#x exceeded", m.opts.Name, l)
	}

	var installed []*Region
	for _, n := range bundle.regions {
		r := cloneRegion(n)
		r.isShared = n.isShared
		r.start += ar.Start
		r.end += ar.Start
		if m.opts.ExecLockdown {
			r.maxProtection.Execute = false
		}
		m.store.link(r)
		installed = append(installed, r)
		if _, _, ok := r.submap(); ok {
			r.usePmap = true
			if err = m.nestLocked(r); err != nil {
				break
			}
		}
	}
	if err != nil {
		for _, r := range installed {
			m.detachLocked(r)
			m.store.unlink(r)
			zap.add(r)
		}
		m.restoreLocked(saved)
		return 0, err
	}
	*zap = append(*zap, saved...)
	m.store.simplifyRange(ar, zap)
	return ar.Start, nil
}

// copyOutPhysical installs a bundle by allocating anonymous memory in dst and
// copying the data into it.
func copyOutPhysical(ctx context.Context, dst *Map, bundle *CopyBundle, opts CopyOutOpts) (hostarch.Addr, error) {
	off := bundle.offset % dst.pageSize
	end, ok := hostarch.Addr(off + bundle.size).AlignUp(dst.pageSize)
	if !ok {
		return 0, vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: bundle of %#x bytes overflows", dst.opts.Name, bundle.size)
	}
	eo := EnterOpts{
		Addr:     opts.Addr,
		Length:   uint64(end),
		Perms:    hostarch.ReadWrite,
		MaxPerms: hostarch.AnyAccess,
	}
	if dst.opts.ExecLockdown {
		eo.MaxPerms.Execute = false
	}
	if opts.Anywhere {
		eo.Flags |= EnterAnywhere
	} else if opts.Overwrite {
		eo.Flags |= EnterOverwrite
	}
	addr, err := dst.Enter(ctx, eo)
	if err != nil {
		return 0, err
	}
	data := make([]byte, bundle.size)
	err = bundle.readAt(ctx, 0, data)
	if err == nil {
		_, err = dst.WriteBytes(ctx, addr+hostarch.Addr(off), data)
	}
	if err != nil {
		if derr := dst.Delete(ctx, addr, addr+end, DeleteKernelWait|DeleteGapsOK); derr != nil {
			dst.logger.Warningf("map %q: removing partial copy at %#x: %v", dst.opts.Name, addr, derr)
		}
		return 0, err
	}
	bundle.Discard()
	return addr + hostarch.Addr(off), nil
}
