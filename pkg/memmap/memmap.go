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

// Package memmap defines the narrow interfaces through which the address
// space manager reaches its external collaborators: the backing-object layer,
// the hardware page table and the physical page allocator.
package memmap

import (
	"context"
	"fmt"

	"gvisor.dev/vmspace/pkg/hostarch"
)

// FrameID identifies one physical page frame.
type FrameID uint64

// FrameRange represents a range of uint64 offsets into an Object.
type FrameRange struct {
	// Start is the inclusive start of the range.
	Start uint64

	// End is the exclusive end of the range.
	End uint64
}

// Length returns the length of the range.
func (fr FrameRange) Length() uint64 {
	return fr.End - fr.Start
}

// String implements fmt.Stringer.String.
func (fr FrameRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", fr.Start, fr.End)
}

// CopyStrategy describes how an Object may be copied.
type CopyStrategy int

const (
	// CopySymmetric objects may be shared copy-on-write by reference: both
	// the original and the copy are marked needs-copy and privatized on
	// first write.
	CopySymmetric CopyStrategy = iota

	// CopyDelay objects are shared by more than one map on purpose (true
	// sharing). They may still be copied by reference, but the original is
	// not marked needs-copy.
	CopyDelay

	// CopyNone objects (device memory, for example) can only be copied page
	// by page.
	CopyNone
)

// String implements fmt.Stringer.String.
func (s CopyStrategy) String() string {
	switch s {
	case CopySymmetric:
		return "symmetric"
	case CopyDelay:
		return "delay"
	case CopyNone:
		return "none"
	default:
		return fmt.Sprintf("CopyStrategy(%d)", int(s))
	}
}

// ObjectOpts configures a new anonymous Object.
type ObjectOpts struct {
	// Purgeable objects may have their contents discarded by the pager.
	Purgeable bool

	// Strategy is the object's copy strategy.
	Strategy CopyStrategy
}

// Translation is the result of Object.Translate.
type Translation struct {
	// Frame holds the page's contents.
	Frame FrameID

	// Private is true if the frame belongs to the translated Object itself
	// rather than to an object it shadows. Mappings of non-private frames
	// must not be writable.
	Private bool
}

// Object is a reference-counted backing object.
//
// All offsets and lengths are multiples of the platform's page size.
type Object interface {
	// IncRef increments the object's reference count.
	IncRef()

	// DecRef decrements the object's reference count, destroying it when the
	// last reference is dropped.
	DecRef()

	// ReadRefs returns the current number of references.
	ReadRefs() int64

	// ID returns a unique identifier for the object.
	ID() uint64

	// Size returns the object's size in bytes.
	Size() uint64

	// Strategy returns the object's copy strategy.
	Strategy() CopyStrategy

	// SetTrueShare marks the object as intentionally shared between maps.
	// True-shared objects use CopyDelay semantics from then on.
	SetTrueShare()

	// Internal returns true for anonymous (kernel-managed) memory.
	Internal() bool

	// Purgeable returns true if the object was created purgeable.
	Purgeable() bool

	// ShadowDepth returns the length of the object's shadow chain.
	ShadowDepth() int

	// Shadow returns a new object of the given length whose unwritten pages
	// read through to the receiver starting at offset. The new object takes
	// over the caller's reference on the receiver and is returned holding a
	// single reference.
	Shadow(offset, length uint64) (Object, error)

	// CopyQuickly returns true if the given range may be copied by taking a
	// new reference and marking both users needs-copy.
	CopyQuickly(offset, length uint64) bool

	// CopySlowly returns a new object holding a page-by-page copy of the
	// given range, starting at offset 0.
	CopySlowly(ctx context.Context, offset, length uint64) (Object, error)

	// CopyStrategically copies the given range using the cheapest method
	// available. It returns the object and offset to use for the copy, and
	// whether the copy must be marked needs-copy. The returned object holds
	// a reference owned by the caller.
	CopyStrategically(ctx context.Context, offset, length uint64) (Object, uint64, bool, error)

	// Coalesce attempts to make [prevOffset+prevSize, prevOffset+prevSize+nextSize)
	// available so that a mapping of prevSize bytes at prevOffset may be
	// extended by nextSize bytes.
	Coalesce(prevOffset, prevSize, nextSize uint64) bool

	// Translate returns the frame holding the page at offset, allocating a
	// zero-filled page if none exists. If at.Write is true, the page is
	// first copied into the receiver if it is only present in a shadowed
	// object.
	Translate(ctx context.Context, offset uint64, at hostarch.AccessType) (Translation, error)

	// Wire pins the pages in the given range.
	Wire(fr FrameRange)

	// Unwire unpins the pages in the given range.
	Unwire(fr FrameRange)

	// WiredPages returns the number of pinned pages.
	WiredPages() int
}

// PTE is a page table entry.
type PTE struct {
	// Frame is the mapped page.
	Frame FrameID

	// Perms are the access rights granted by the hardware.
	Perms hostarch.AccessType

	// Wired is true if the entry is pinned.
	Wired bool
}

// PageTable is the hardware page table of one map.
//
// Addresses passed to PageTable methods are aligned to the platform's page
// size.
type PageTable interface {
	// Enter installs a translation for addr.
	Enter(addr hostarch.Addr, frame FrameID, perms hostarch.AccessType, wired bool)

	// Lookup returns the translation for addr, following nested tables.
	Lookup(addr hostarch.Addr) (PTE, bool)

	// Remove removes all translations in ar. Nested ranges are unaffected.
	Remove(ar hostarch.AddrRange)

	// Protect reduces the permissions of every translation in ar to perms.
	// It never adds permissions.
	Protect(ar hostarch.AddrRange, perms hostarch.AccessType)

	// Unwire clears the wired bit of every translation in ar.
	Unwire(ar hostarch.AddrRange)

	// Nest shares sub's translations for [subStart, subStart+ar.Length())
	// at ar.
	Nest(ar hostarch.AddrRange, sub PageTable, subStart hostarch.Addr) error

	// Unnest stops sharing translations in ar.
	Unnest(ar hostarch.AddrRange) error

	// Resident returns the number of translations in ar, not counting
	// nested ranges.
	Resident(ar hostarch.AddrRange) int

	// WiredCount returns the number of wired translations.
	WiredCount() int

	// Destroy releases the page table.
	Destroy()
}

// Platform creates page tables and objects and provides access to frames.
type Platform interface {
	// PageSize returns the size of a frame.
	PageSize() uint64

	// NewPageTable returns a new, empty page table.
	NewPageTable() PageTable

	// NewObject returns a new anonymous object holding one reference.
	NewObject(size uint64, opts ObjectOpts) (Object, error)

	// FrameBytes returns the contents of a frame. The slice is valid until
	// the frame is freed.
	FrameBytes(frame FrameID) []byte
}
