// Copyright 2026 The gVisor Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd.

package sync

// RWMutex is a reader/writer mutual exclusion lock that additionally supports
// downgrading a write lock to a read lock and attempting to upgrade a read
// lock to a write lock. Waiting writers take priority over new readers.
//
// The zero value for a RWMutex is an unlocked mutex. A RWMutex must not be
// copied after first use, and read locks must not be acquired recursively.
type RWMutex struct {
	mu   Mutex
	cond Cond

	// readers is the number of read lock holders.
	readers int

	// writer is true if the write lock is held.
	writer bool

	// writersWaiting is the number of goroutines blocked in Lock.
	writersWaiting int
}

func (rw *RWMutex) init() {
	if rw.cond.L == nil {
		rw.cond.L = &rw.mu
	}
}

// Lock locks rw for writing.
func (rw *RWMutex) Lock() {
	rw.mu.Lock()
	rw.init()
	rw.writersWaiting++
	for rw.writer || rw.readers > 0 {
		rw.cond.Wait()
	}
	rw.writersWaiting--
	rw.writer = true
	rw.mu.Unlock()
}

// TryLock locks rw for writing if it is not held and returns true, or returns
// false without blocking.
func (rw *RWMutex) TryLock() bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.init()
	if rw.writer || rw.readers > 0 {
		return false
	}
	rw.writer = true
	return true
}

// Unlock unlocks rw for writing.
func (rw *RWMutex) Unlock() {
	rw.mu.Lock()
	if !rw.writer {
		rw.mu.Unlock()
		panic("Unlock of unlocked RWMutex")
	}
	rw.writer = false
	rw.cond.Broadcast()
	rw.mu.Unlock()
}

// RLock locks rw for reading.
func (rw *RWMutex) RLock() {
	rw.mu.Lock()
	rw.init()
	for rw.writer || rw.writersWaiting > 0 {
		rw.cond.Wait()
	}
	rw.readers++
	rw.mu.Unlock()
}

// TryRLock locks rw for reading if no writer holds or awaits it.
func (rw *RWMutex) TryRLock() bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.init()
	if rw.writer || rw.writersWaiting > 0 {
		return false
	}
	rw.readers++
	return true
}

// RUnlock undoes a single RLock call.
func (rw *RWMutex) RUnlock() {
	rw.mu.Lock()
	if rw.readers <= 0 {
		rw.mu.Unlock()
		panic("RUnlock of unlocked RWMutex")
	}
	rw.readers--
	if rw.readers == 0 {
		rw.cond.Broadcast()
	}
	rw.mu.Unlock()
}

// DowngradeLock atomically unlocks rw for writing and locks it for reading.
func (rw *RWMutex) DowngradeLock() {
	rw.mu.Lock()
	if !rw.writer {
		rw.mu.Unlock()
		panic("DowngradeLock of unlocked RWMutex")
	}
	rw.writer = false
	rw.readers++
	rw.cond.Broadcast()
	rw.mu.Unlock()
}

// UpgradeLock attempts to atomically convert the caller's read lock into a
// write lock. This succeeds only if the caller is the only reader and no
// writer is waiting; otherwise the read lock is released, the caller blocks
// until it holds the write lock, and UpgradeLock returns false. A false
// return means that state observed under the read lock may be stale and must
// be revalidated.
func (rw *RWMutex) UpgradeLock() bool {
	rw.mu.Lock()
	if rw.readers <= 0 {
		rw.mu.Unlock()
		panic("UpgradeLock of unlocked RWMutex")
	}
	if rw.readers == 1 && rw.writersWaiting == 0 {
		rw.readers = 0
		rw.writer = true
		rw.mu.Unlock()
		return true
	}
	rw.readers--
	if rw.readers == 0 {
		rw.cond.Broadcast()
	}
	rw.writersWaiting++
	for rw.writer || rw.readers > 0 {
		rw.cond.Wait()
	}
	rw.writersWaiting--
	rw.writer = true
	rw.mu.Unlock()
	return false
}
