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

// Package vmmap implements virtual address spaces.
//
// A Map tracks which ranges of an address space are mapped, to what backing
// target, and with what protection. It implements allocation, deletion,
// protection changes, wiring, copy-on-write transfer of ranges between Maps
// and fork.
//
// Lock order:
//
//	Map.mu (parent map)
//	  Map.mu (submap)
//	    Map.wakeMu
//	    vmobject.Object.mu
//	    pmap.PageTable.mu
package vmmap

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"gvisor.dev/vmspace/pkg/errors/vmerr"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/log"
	"gvisor.dev/vmspace/pkg/memmap"
	"gvisor.dev/vmspace/pkg/refs"
	"gvisor.dev/vmspace/pkg/sync"
)

// checkInvariants enables expensive consistency checks after mutations.
const checkInvariants = false

const (
	// DefaultAnonChunkSize is the largest region created for a single
	// anonymous allocation. Larger allocations are split into several
	// regions.
	DefaultAnonChunkSize = 1 << 32

	// DefaultMaxCoalesceSize bounds the size a region may reach by being
	// extended by Enter.
	DefaultMaxCoalesceSize = 1 << 30

	// DefaultSmallCopyThreshold is the size below which CopyIn copies data
	// into a buffer instead of extracting regions.
	DefaultSmallCopyThreshold = 2 * hostarch.PageSize

	// DefaultMaxShadowDepth is the shadow chain length beyond which copies
	// are made physically rather than by reference.
	DefaultMaxShadowDepth = 16

	// maxWireCount is the largest number of user wirings of one region.
	maxWireCount = 1 << 16
)

// GapHandler is called, with the Map lock held, for every unmapped range
// found by a Delete that tolerates gaps.
type GapHandler func(m *Map, gap hostarch.AddrRange)

// Options configures a Map.
type Options struct {
	// Name identifies the map in logs and metrics.
	Name string

	// Min and Max bound the addresses the map may contain.
	Min hostarch.Addr
	Max hostarch.Addr

	// PageSize is the map's page granularity. It must be a power-of-two
	// multiple of the platform page size no larger than 1<<MaxPageShift.
	// Zero means the platform page size.
	PageSize uint64

	// Platform supplies page tables, objects and frames. It is required.
	Platform memmap.Platform

	// Kernel marks the kernel's own address space. Gaps found while deleting
	// from a kernel map are fatal.
	Kernel bool

	// ExecLockdown forbids new executable mappings.
	ExecLockdown bool

	// SizeLimit bounds the total mapped size. Zero means unlimited.
	SizeLimit uint64

	// DataLimit bounds the total size of writable anonymous mappings. Zero
	// means unlimited.
	DataLimit uint64

	// WireLimit bounds the number of bytes wired by users. Zero means
	// unlimited.
	WireLimit uint64

	// GlobalWire, if not nil, is charged for user wirings in addition to
	// WireLimit. It may be shared among Maps.
	GlobalWire *WireLimits

	// Reserved ranges are never chosen for anywhere allocations.
	Reserved []hostarch.AddrRange

	// RandomizeAnywhere makes every anywhere allocation pick a random gap.
	RandomizeAnywhere bool

	// RandomSeed seeds randomized placement.
	RandomSeed int64

	// AnonChunkSize, MaxCoalesceSize, SmallCopyThreshold and MaxShadowDepth
	// override the defaults of the same name when non-zero.
	AnonChunkSize      uint64
	MaxCoalesceSize    uint64
	SmallCopyThreshold uint64
	MaxShadowDepth     int

	// GapHandler, if not nil, is called for gaps found by Delete.
	GapHandler GapHandler

	// Logger receives the map's log messages. Nil means the global logger.
	Logger log.Logger
}

// WireLimits tracks user-wired memory shared by several Maps.
type WireLimits struct {
	mu    sync.Mutex
	limit uint64
	wired uint64
}

// NewWireLimits returns a WireLimits allowing up to limit bytes to be wired.
func NewWireLimits(limit uint64) *WireLimits {
	return &WireLimits{limit: limit}
}

func (w *WireLimits) charge(n uint64) bool {
	if w == nil {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.limit != 0 && w.wired+n > w.limit {
		return false
	}
	w.wired += n
	return true
}

func (w *WireLimits) uncharge(n uint64) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > w.wired {
		panic(fmt.Sprintf("uncharging %d wired bytes, only %d charged", n, w.wired))
	}
	w.wired -= n
}

// Wired returns the number of bytes charged.
func (w *WireLimits) Wired() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wired
}

// Map is a virtual address space.
type Map struct {
	refs.AtomicRefCount

	opts     Options
	pageSize uint64
	platform memmap.Platform
	pt       memmap.PageTable
	logger   log.Logger
	gapLog   log.Logger

	// mu protects the fields below, and the fields of every linked Region
	// other than needsWakeup.
	mu sync.RWMutex

	store *store

	// userWired is the number of bytes wired by users.
	userWired uint64

	// jitEntered is set once the map's JIT region has been created.
	jitEntered bool

	// terminated is set once every region has been removed for good.
	terminated bool

	// rng drives randomized placement.
	rng *rand.Rand

	// timestamp is incremented every time the write lock is released or
	// downgraded. It is read without mu.
	timestamp atomic.Uint64

	// wakeMu protects wakeCh.
	wakeMu sync.Mutex

	// wakeCh is closed and replaced to wake threads waiting for some region
	// to become Stable.
	wakeCh chan struct{}

	stats mapCounters
}

// mapCounters are event counters read by Stats.
type mapCounters struct {
	faults      atomic.Uint64
	cowFaults   atomic.Uint64
	waits       atomic.Uint64
	aborts      atomic.Uint64
	gaps        atomic.Uint64
	coalesced   atomic.Uint64
	quickCopies atomic.Uint64
	slowCopies  atomic.Uint64
	restarts    atomic.Uint64
}

// New returns a new empty Map holding one reference.
func New(opts Options) (*Map, error) {
	if opts.Platform == nil {
		return nil, vmerr.Wrapf(vmerr.ErrNotSupported, "map %q has no platform", opts.Name)
	}
	ps := opts.PageSize
	if ps == 0 {
		ps = opts.Platform.PageSize()
	}
	if shift, ok := hostarch.PageShiftFor(ps); !ok || shift > hostarch.MaxPageShift || ps%opts.Platform.PageSize() != 0 {
		return nil, vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: bad page size %#x", opts.Name, ps)
	}
	if opts.Min >= opts.Max || !opts.Min.IsAligned(ps) || !opts.Max.IsAligned(ps) {
		return nil, vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: bad bounds [%#x, %#x)", opts.Name, opts.Min, opts.Max)
	}
	if opts.AnonChunkSize == 0 {
		opts.AnonChunkSize = DefaultAnonChunkSize
	}
	if opts.MaxCoalesceSize == 0 {
		opts.MaxCoalesceSize = DefaultMaxCoalesceSize
	}
	if opts.SmallCopyThreshold == 0 {
		opts.SmallCopyThreshold = DefaultSmallCopyThreshold
	}
	if opts.MaxShadowDepth == 0 {
		opts.MaxShadowDepth = DefaultMaxShadowDepth
	}
	opts.AnonChunkSize = uint64(hostarch.Addr(opts.AnonChunkSize).AlignDown(ps))
	if opts.AnonChunkSize == 0 {
		opts.AnonChunkSize = ps
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Log()
	}
	m := &Map{
		opts:     opts,
		pageSize: ps,
		platform: opts.Platform,
		pt:       opts.Platform.NewPageTable(),
		logger:   logger,
		gapLog:   log.RateLimitedLogger(logger, time.Second),
		store:    newStore(opts.Min, opts.Max, ps),
		rng:      rand.New(rand.NewSource(opts.RandomSeed)),
		wakeCh:   make(chan struct{}),
	}
	refs.Register(m)
	m.logger.Debugf("map %q: created [%#x, %#x) page size %#x", opts.Name, opts.Min, opts.Max, ps)
	return m, nil
}

// Name returns the map's name.
func (m *Map) Name() string {
	return m.opts.Name
}

// PageSize returns the map's page granularity.
func (m *Map) PageSize() uint64 {
	return m.pageSize
}

// Bounds returns the range of addresses the map may contain.
func (m *Map) Bounds() hostarch.AddrRange {
	return hostarch.AddrRange{Start: m.opts.Min, End: m.opts.Max}
}

// PageTable returns the map's page table.
func (m *Map) PageTable() memmap.PageTable {
	return m.pt
}

// Options returns a copy of the map's options.
func (m *Map) Options() Options {
	return m.opts
}

// RefType implements refs.CheckedObject.RefType.
func (m *Map) RefType() string {
	return "vmmap.Map"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (m *Map) LeakMessage() string {
	return fmt.Sprintf("[vmmap.Map %q] reference count of %d instead of 0", m.opts.Name, m.ReadRefs())
}

// DecRef drops a reference on m. Dropping the last reference removes every
// region, including permanent ones, and releases the page table.
func (m *Map) DecRef() {
	m.DecRefWithDestructor(func() {
		m.terminate(context.Background())
		m.pt.Destroy()
		refs.Unregister(m)
		m.logger.Debugf("map %q: destroyed", m.opts.Name)
	})
}

// Terminate removes every region from m, including permanent ones. The map
// remains usable afterwards but rejects new mappings.
func (m *Map) Terminate(ctx context.Context) {
	m.terminate(ctx)
}

func (m *Map) terminate(ctx context.Context) {
	var zap zapList
	m.lock()
	if err := m.deleteLocked(ctx, m.Bounds(), deleteTerminate|DeleteKernelWait|DeleteRemoveImmutable|DeleteGapsOK, &zap); err != nil {
		panic(fmt.Sprintf("map %q: teardown failed: %v", m.opts.Name, err))
	}
	m.terminated = true
	m.unlock()
	zap.dispose()
}

// lock acquires the write lock.
func (m *Map) lock() {
	m.mu.Lock()
}

// unlock releases the write lock, ending a mutation window.
func (m *Map) unlock() {
	m.timestamp.Add(1)
	m.mu.Unlock()
}

// downgrade converts the write lock into a read lock, ending a mutation
// window.
func (m *Map) downgrade() {
	m.timestamp.Add(1)
	m.mu.DowngradeLock()
}

// upgrade converts a read lock into the write lock. If it returns false, the
// read lock was released before the write lock was acquired and any state
// observed under the read lock must be looked up again.
func (m *Map) upgrade() bool {
	return m.mu.UpgradeLock()
}

func (m *Map) rlock() {
	m.mu.RLock()
}

func (m *Map) runlock() {
	m.mu.RUnlock()
}

// Timestamp returns the map's modification counter.
func (m *Map) Timestamp() uint64 {
	return m.timestamp.Load()
}

// alignRange validates [start, end) against the map's granularity and
// bounds.
func (m *Map) alignRange(start, end hostarch.Addr) (hostarch.AddrRange, error) {
	ar := hostarch.AddrRange{Start: start, End: end}
	if !ar.WellFormed() || !ar.IsAlignedTo(m.pageSize) {
		return ar, vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: range %v not aligned to %#x", m.opts.Name, ar, m.pageSize)
	}
	if start < m.opts.Min || end > m.opts.Max {
		return ar, vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: range %v outside [%#x, %#x)", m.opts.Name, ar, m.opts.Min, m.opts.Max)
	}
	return ar, nil
}

// roundRange returns the smallest page-aligned range containing
// [addr, addr+length).
func (m *Map) roundRange(addr hostarch.Addr, length uint64) (hostarch.AddrRange, error) {
	end, ok := addr.AddLength(length)
	if !ok {
		return hostarch.AddrRange{}, vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: range %#x+%#x overflows", m.opts.Name, addr, length)
	}
	rend, ok := end.AlignUp(m.pageSize)
	if !ok {
		return hostarch.AddrRange{}, vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: range %#x+%#x overflows", m.opts.Name, addr, length)
	}
	return m.alignRange(addr.AlignDown(m.pageSize), rend)
}

// zapList holds regions removed from a store whose references are released
// once the map lock is dropped.
type zapList []*Region

func (z *zapList) add(r *Region) {
	*z = append(*z, r)
}

// dispose releases every region in the list.
//
// Preconditions: No map lock is held.
func (z *zapList) dispose() {
	for _, r := range *z {
		r.release()
	}
	*z = nil
}

// checkLocked verifies the store's consistency if checkInvariants is set.
//
// Preconditions: m.mu must be locked.
func (m *Map) checkLocked() {
	if !checkInvariants {
		return
	}
	if err := m.store.checkConsistency(); err != nil {
		panic(fmt.Sprintf("map %q: %v", m.opts.Name, err))
	}
}
