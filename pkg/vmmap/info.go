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
	"fmt"

	"gvisor.dev/vmspace/pkg/errors/vmerr"
	"gvisor.dev/vmspace/pkg/hostarch"
)

// RegionInfo returns a description of the region containing addr or, if
// addr is unmapped, of the first region after it.
func (m *Map) RegionInfo(addr hostarch.Addr) (RegionInfo, error) {
	m.rlock()
	defer m.runlock()
	r := m.store.firstOverlapping(addr)
	if r == nil {
		return RegionInfo{}, vmerr.Wrapf(vmerr.ErrAddressInvalid, "map %q: no region at or after %#x", m.opts.Name, addr)
	}
	return r.info(), nil
}

// Regions returns a description of every region in address order.
func (m *Map) Regions() []RegionInfo {
	m.rlock()
	defer m.runlock()
	infos := make([]RegionInfo, 0, m.store.count())
	m.store.regions.Ascend(func(r *Region) bool {
		infos = append(infos, r.info())
		return true
	})
	return infos
}

// Stats is a snapshot of a Map's state and event counters.
type Stats struct {
	Name       string
	Regions    int
	Holes      int
	Size       uint64
	UserWired  uint64
	WiredPages int
	Resident   int
	Timestamp  uint64

	Faults      uint64
	COWFaults   uint64
	Waits       uint64
	Aborts      uint64
	Gaps        uint64
	Coalesced   uint64
	QuickCopies uint64
	SlowCopies  uint64
	Restarts    uint64
}

// Stats returns a snapshot of m's statistics.
func (m *Map) Stats() Stats {
	m.rlock()
	s := Stats{
		Name:       m.opts.Name,
		Regions:    m.store.count(),
		Holes:      m.store.holes.Len(),
		Size:       m.store.size,
		UserWired:  m.userWired,
		WiredPages: m.pt.WiredCount(),
		Resident:   m.pt.Resident(m.Bounds()),
	}
	m.runlock()
	s.Timestamp = m.timestamp.Load()
	s.Faults = m.stats.faults.Load()
	s.COWFaults = m.stats.cowFaults.Load()
	s.Waits = m.stats.waits.Load()
	s.Aborts = m.stats.aborts.Load()
	s.Gaps = m.stats.gaps.Load()
	s.Coalesced = m.stats.coalesced.Load()
	s.QuickCopies = m.stats.quickCopies.Load()
	s.SlowCopies = m.stats.slowCopies.Load()
	s.Restarts = m.stats.restarts.Load()
	return s
}

// CheckInvariants verifies the consistency of m's regions and accounting.
func (m *Map) CheckInvariants() error {
	m.rlock()
	defer m.runlock()
	if err := m.store.checkConsistency(); err != nil {
		return fmt.Errorf("map %q: %w", m.opts.Name, err)
	}
	var userWired uint64
	m.store.regions.Ascend(func(r *Region) bool {
		if r.userWiredCount > 0 {
			userWired += r.length()
		}
		return true
	})
	if userWired != m.userWired {
		return fmt.Errorf("map %q: user wired bytes are %#x, regions sum to %#x", m.opts.Name, m.userWired, userWired)
	}
	if l := m.opts.WireLimit; l != 0 && m.userWired > l {
		return fmt.Errorf("map %q: user wired bytes %#x exceed limit %#x", m.opts.Name, m.userWired, l)
	}
	return nil
}
