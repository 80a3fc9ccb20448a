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

// Package vmobject implements anonymous backing objects with copy-on-write
// shadow chains.
//
// An Object owns the frames it has privately materialized. A shadow Object
// reads through to the Object it shadows for pages it does not own; writes
// always materialize a private copy in the Object being written.
//
// Lock order:
//
//	Object.mu (shadowing object)
//	  Object.mu (shadowed object)
package vmobject

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/vmspace/pkg/errors/vmerr"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/log"
	"gvisor.dev/vmspace/pkg/memmap"
	"gvisor.dev/vmspace/pkg/pgalloc"
	"gvisor.dev/vmspace/pkg/refs"
	"gvisor.dev/vmspace/pkg/sync"
)

// lastID is the last object ID handed out.
var lastID atomic.Uint64

// allocRetries is the number of times a frame allocation is retried in
// CopySlowly before giving up.
const allocRetries = 3

// Object is an anonymous, reference-counted backing object.
type Object struct {
	refs.AtomicRefCount

	id uint64
	mf *pgalloc.MemoryFile

	internal  bool
	purgeable bool

	// mu protects the fields below.
	mu sync.Mutex

	// size is the object's size in bytes. It only grows, via Coalesce.
	size uint64

	// pages maps page indices to privately owned frames.
	pages map[uint64]memmap.FrameID

	// wired maps page indices to pin counts.
	wired map[uint64]int

	// shadow is the object this one shadows, or nil. The Object holds a
	// reference on shadow.
	shadow *Object

	// shadowOffset is the offset into shadow corresponding to offset 0.
	shadowOffset uint64

	strategy  memmap.CopyStrategy
	trueShare bool
}

var _ memmap.Object = (*Object)(nil)

// New returns a new anonymous Object of the given size holding one
// reference.
func New(mf *pgalloc.MemoryFile, size uint64, opts memmap.ObjectOpts) *Object {
	o := &Object{
		id:        lastID.Add(1),
		mf:        mf,
		internal:  true,
		purgeable: opts.Purgeable,
		size:      size,
		pages:     make(map[uint64]memmap.FrameID),
		wired:     make(map[uint64]int),
		strategy:  opts.Strategy,
	}
	refs.Register(o)
	return o
}

// NewDevice returns an Object with CopyNone strategy, as used for device
// memory that can only be duplicated page by page.
func NewDevice(mf *pgalloc.MemoryFile, size uint64) *Object {
	o := New(mf, size, memmap.ObjectOpts{Strategy: memmap.CopyNone})
	o.internal = false
	return o
}

// RefType implements refs.CheckedObject.RefType.
func (o *Object) RefType() string {
	return "vmobject.Object"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (o *Object) LeakMessage() string {
	return fmt.Sprintf("[vmobject.Object %d] reference count of %d instead of 0", o.id, o.ReadRefs())
}

// DecRef implements memmap.Object.DecRef.
func (o *Object) DecRef() {
	o.DecRefWithDestructor(o.destroy)
}

func (o *Object) destroy() {
	o.mu.Lock()
	for _, fr := range o.pages {
		o.mf.Free(fr)
	}
	o.pages = nil
	shadow := o.shadow
	o.shadow = nil
	o.mu.Unlock()
	refs.Unregister(o)
	if shadow != nil {
		shadow.DecRef()
	}
}

// ID implements memmap.Object.ID.
func (o *Object) ID() uint64 {
	return o.id
}

// Size implements memmap.Object.Size.
func (o *Object) Size() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.size
}

// Strategy implements memmap.Object.Strategy.
func (o *Object) Strategy() memmap.CopyStrategy {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.trueShare && o.strategy == memmap.CopySymmetric {
		return memmap.CopyDelay
	}
	return o.strategy
}

// SetTrueShare implements memmap.Object.SetTrueShare.
func (o *Object) SetTrueShare() {
	o.mu.Lock()
	o.trueShare = true
	o.mu.Unlock()
}

// Internal implements memmap.Object.Internal.
func (o *Object) Internal() bool {
	return o.internal
}

// Purgeable implements memmap.Object.Purgeable.
func (o *Object) Purgeable() bool {
	return o.purgeable
}

// ShadowDepth implements memmap.Object.ShadowDepth.
func (o *Object) ShadowDepth() int {
	o.mu.Lock()
	s := o.shadow
	o.mu.Unlock()
	if s == nil {
		return 0
	}
	return 1 + s.ShadowDepth()
}

// Shadow implements memmap.Object.Shadow.
func (o *Object) Shadow(offset, length uint64) (memmap.Object, error) {
	s := New(o.mf, length, memmap.ObjectOpts{Purgeable: o.purgeable})
	s.shadow = o
	s.shadowOffset = offset
	return s, nil
}

// Resident returns the number of pages privately owned by o.
func (o *Object) Resident() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pages)
}

// CopyQuickly implements memmap.Object.CopyQuickly.
func (o *Object) CopyQuickly(offset, length uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.strategy != memmap.CopySymmetric || o.trueShare {
		return false
	}
	return !o.anyWiredLocked(offset, length)
}

// Preconditions: o.mu must be locked.
func (o *Object) anyWiredLocked(offset, length uint64) bool {
	first, last := offset/hostarch.PageSize, (offset+length)/hostarch.PageSize
	for idx := range o.wired {
		if idx >= first && idx < last {
			return true
		}
	}
	return false
}

// CopySlowly implements memmap.Object.CopySlowly.
func (o *Object) CopySlowly(ctx context.Context, offset, length uint64) (memmap.Object, error) {
	c := New(o.mf, length, memmap.ObjectOpts{Purgeable: o.purgeable})
	for off := uint64(0); off < length; off += hostarch.PageSize {
		if err := ctx.Err(); err != nil {
			c.DecRef()
			return nil, vmerr.Wrapf(vmerr.ErrAborted, "copying object %d: %v", o.id, err)
		}
		src, ok := o.find(offset + off)
		if !ok {
			continue
		}
		fr, err := allocateWithRetry(ctx, o.mf)
		if err != nil {
			c.DecRef()
			return nil, err
		}
		copy(o.mf.Bytes(fr), o.mf.Bytes(src))
		c.mu.Lock()
		c.pages[off/hostarch.PageSize] = fr
		c.mu.Unlock()
	}
	return c, nil
}

// allocateWithRetry allocates a frame, retrying briefly if the allocator is
// exhausted.
func allocateWithRetry(ctx context.Context, mf *pgalloc.MemoryFile) (memmap.FrameID, error) {
	var fr memmap.FrameID
	op := func() error {
		var err error
		fr, err = mf.Allocate()
		if err != nil && !vmerr.Is(err, vmerr.ErrResourceExhausted) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), allocRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		log.Debugf("frame allocation failed after %d retries: %v", allocRetries, err)
		return 0, err
	}
	return fr, nil
}

// CopyStrategically implements memmap.Object.CopyStrategically.
func (o *Object) CopyStrategically(ctx context.Context, offset, length uint64) (memmap.Object, uint64, bool, error) {
	if o.CopyQuickly(offset, length) {
		o.IncRef()
		return o, offset, true, nil
	}
	c, err := o.CopySlowly(ctx, offset, length)
	if err != nil {
		return nil, 0, false, err
	}
	return c, 0, false, nil
}

// Coalesce implements memmap.Object.Coalesce.
//
// Only an unshared, internal object that shadows nothing can be extended,
// since no other user can observe the pages being added.
func (o *Object) Coalesce(prevOffset, prevSize, nextSize uint64) bool {
	if o.ReadRefs() != 1 || !o.internal {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.shadow != nil || o.trueShare {
		return false
	}
	end := prevOffset + prevSize
	newEnd := end + nextSize
	if o.anyWiredLocked(end, o.size-min(end, o.size)) {
		return false
	}
	// Pages past the previous mapping are unreachable; drop them so the
	// extension reads as zero.
	for idx, fr := range o.pages {
		if idx*hostarch.PageSize >= end {
			o.mf.Free(fr)
			delete(o.pages, idx)
		}
	}
	if newEnd > o.size {
		o.size = newEnd
	}
	return true
}

// find returns the frame holding offset anywhere in the shadow chain.
func (o *Object) find(offset uint64) (memmap.FrameID, bool) {
	for cur := o; cur != nil; {
		cur.mu.Lock()
		if fr, ok := cur.pages[offset/hostarch.PageSize]; ok {
			cur.mu.Unlock()
			return fr, true
		}
		next, nextOff := cur.shadow, offset+cur.shadowOffset
		cur.mu.Unlock()
		cur, offset = next, nextOff
	}
	return 0, false
}

// Translate implements memmap.Object.Translate.
func (o *Object) Translate(ctx context.Context, offset uint64, at hostarch.AccessType) (memmap.Translation, error) {
	if offset >= o.Size() {
		return memmap.Translation{}, vmerr.Wrapf(vmerr.ErrAddressInvalid, "offset %#x beyond object %d of size %#x", offset, o.id, o.Size())
	}
	idx := offset / hostarch.PageSize
	o.mu.Lock()
	if fr, ok := o.pages[idx]; ok {
		o.mu.Unlock()
		return memmap.Translation{Frame: fr, Private: true}, nil
	}
	shadow, shadowOff := o.shadow, offset+o.shadowOffset
	o.mu.Unlock()

	var (
		src   memmap.FrameID
		found bool
	)
	if shadow != nil {
		src, found = shadow.find(shadowOff)
	}
	if found && !at.Write {
		return memmap.Translation{Frame: src}, nil
	}

	fr, err := allocateWithRetry(ctx, o.mf)
	if err != nil {
		return memmap.Translation{}, err
	}
	if found {
		copy(o.mf.Bytes(fr), o.mf.Bytes(src))
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.pages[idx]; ok {
		// Raced with another translation.
		o.mf.Free(fr)
		return memmap.Translation{Frame: existing, Private: true}, nil
	}
	o.pages[idx] = fr
	return memmap.Translation{Frame: fr, Private: true}, nil
}

// Wire implements memmap.Object.Wire.
func (o *Object) Wire(fr memmap.FrameRange) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for off := fr.Start; off < fr.End; off += hostarch.PageSize {
		o.wired[off/hostarch.PageSize]++
	}
}

// Unwire implements memmap.Object.Unwire.
func (o *Object) Unwire(fr memmap.FrameRange) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for off := fr.Start; off < fr.End; off += hostarch.PageSize {
		idx := off / hostarch.PageSize
		switch n := o.wired[idx]; {
		case n <= 0:
			panic(fmt.Sprintf("unwiring unwired page %#x of object %d", off, o.id))
		case n == 1:
			delete(o.wired, idx)
		default:
			o.wired[idx] = n - 1
		}
	}
}

// Purge discards every unwired page privately owned by a purgeable object.
// Subsequent reads of a purged page observe zeroes. It returns the number of
// pages discarded.
func (o *Object) Purge() int {
	if !o.purgeable {
		return 0
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for idx, fr := range o.pages {
		if o.wired[idx] > 0 {
			continue
		}
		o.mf.Free(fr)
		delete(o.pages, idx)
		n++
	}
	return n
}

// WiredPages implements memmap.Object.WiredPages.
func (o *Object) WiredPages() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.wired)
}
