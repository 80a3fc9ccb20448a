// Copyright 2026 The gVisor Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd.

package sync

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRWMutexExclusion(t *testing.T) {
	var rw RWMutex
	var shared int64
	var wg WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				rw.Lock()
				v := atomic.LoadInt64(&shared)
				atomic.StoreInt64(&shared, v+1)
				rw.Unlock()
			}
		}()
	}
	wg.Wait()
	if shared != 8000 {
		t.Errorf("shared = %d, want 8000", shared)
	}
}

func TestRWMutexDowngrade(t *testing.T) {
	var rw RWMutex
	rw.Lock()
	rw.DowngradeLock()
	// Other readers may now proceed concurrently.
	if !rw.TryRLock() {
		t.Fatalf("TryRLock failed after DowngradeLock")
	}
	rw.RUnlock()
	if rw.TryLock() {
		t.Fatalf("TryLock succeeded while read-locked")
	}
	rw.RUnlock()
	if !rw.TryLock() {
		t.Fatalf("TryLock failed on unlocked mutex")
	}
	rw.Unlock()
}

func TestRWMutexUpgradeSoleReader(t *testing.T) {
	var rw RWMutex
	rw.RLock()
	if !rw.UpgradeLock() {
		t.Fatalf("UpgradeLock failed for the only reader")
	}
	if rw.TryRLock() {
		t.Fatalf("TryRLock succeeded while write-locked")
	}
	rw.Unlock()
}

func TestRWMutexUpgradeContended(t *testing.T) {
	var rw RWMutex
	rw.RLock()
	rw.RLock() // A second, independent reader.
	done := make(chan bool)
	go func() {
		done <- rw.UpgradeLock()
	}()
	select {
	case <-done:
		t.Fatalf("UpgradeLock returned while another reader held the lock")
	case <-time.After(50 * time.Millisecond):
	}
	rw.RUnlock()
	if upgraded := <-done; upgraded {
		t.Errorf("UpgradeLock reported an atomic upgrade despite contention")
	}
	rw.Unlock()
}
