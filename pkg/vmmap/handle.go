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

// HandleStatus is the result of revalidating a RegionHandle.
type HandleStatus int

const (
	// HandleValid means the region is still linked with the same bounds.
	HandleValid HandleStatus = iota

	// HandleMoved means the handle's start address is still mapped, but by
	// a different or resized region.
	HandleMoved

	// HandleGone means the handle's start address is no longer mapped.
	HandleGone
)

// String implements fmt.Stringer.String.
func (s HandleStatus) String() string {
	switch s {
	case HandleValid:
		return "valid"
	case HandleMoved:
		return "moved"
	case HandleGone:
		return "gone"
	default:
		return fmt.Sprintf("HandleStatus(%d)", int(s))
	}
}

// RegionHandle refers to a Region across a window in which the Map lock is
// released. A Region pointer must not be used after the lock is reacquired
// unless its handle revalidates.
type RegionHandle struct {
	m     *Map
	r     *Region
	start hostarch.Addr
	end   hostarch.Addr

	// timestamp is the map timestamp at which the handle is known valid
	// without a lookup.
	timestamp uint64
}

// handleLocked returns a handle to r. If the caller holds the write lock,
// write must be true: the handle then anticipates the timestamp increment of
// the caller's own unlock.
//
// Preconditions: m.mu must be locked.
func (m *Map) handleLocked(r *Region, write bool) RegionHandle {
	ts := m.timestamp.Load()
	if write {
		ts++
	}
	return RegionHandle{m: m, r: r, start: r.start, end: r.end, timestamp: ts}
}

// Revalidate checks whether the handle's region is still linked unchanged.
// It returns the region now mapping the handle's start address, if any.
//
// Preconditions: The handle's map must be locked.
func (h *RegionHandle) Revalidate() (*Region, HandleStatus) {
	if h.m.timestamp.Load() == h.timestamp {
		return h.r, HandleValid
	}
	r, ok := h.m.store.lookup(h.start)
	switch {
	case !ok:
		return nil, HandleGone
	case r == h.r && r.start == h.start && r.end == h.end:
		return r, HandleValid
	default:
		return r, HandleMoved
	}
}

// wakeChanLocked returns the channel closed by the next wakeup.
func (m *Map) wakeChanLocked() <-chan struct{} {
	m.wakeMu.Lock()
	defer m.wakeMu.Unlock()
	return m.wakeCh
}

// wakeup wakes every thread waiting for a region of m to become Stable.
func (m *Map) wakeup() {
	m.wakeMu.Lock()
	close(m.wakeCh)
	m.wakeCh = make(chan struct{})
	m.wakeMu.Unlock()
}

// endTransitionLocked marks r Stable and wakes waiters if any.
//
// Preconditions: m.mu must be locked for writing. r.state == Transitioning.
func (m *Map) endTransitionLocked(r *Region) {
	if r.state != Transitioning {
		panic(fmt.Sprintf("map %q: ending transition of stable region %v", m.opts.Name, r))
	}
	r.state = Stable
	if r.needsWakeup.Swap(false) {
		m.wakeup()
	}
}

// waitLocked blocks until r leaves the Transitioning state. The map lock, held
// for writing if write is true and for reading otherwise, is released while
// waiting and reacquired before returning. Because the store may have changed
// in the meantime, the caller must look up its regions again.
//
// If interruptible is true and ctx is cancelled first, waitLocked returns
// ErrAborted with r's needsWakeup left set.
//
// Preconditions: m.mu must be locked. r.state == Transitioning.
func (m *Map) waitLocked(ctx context.Context, r *Region, write, interruptible bool) error {
	m.stats.waits.Add(1)
	r.needsWakeup.Store(true)
	ar := r.Range()
	ch := m.wakeChanLocked()
	if write {
		m.unlock()
	} else {
		m.runlock()
	}
	var err error
	if interruptible {
		select {
		case <-ch:
		case <-ctx.Done():
			m.stats.aborts.Add(1)
			err = vmerr.Wrapf(vmerr.ErrAborted, "map %q: waiting for %v: %v", m.opts.Name, ar, ctx.Err())
		}
	} else {
		<-ch
	}
	if write {
		m.lock()
	} else {
		m.rlock()
	}
	return err
}
