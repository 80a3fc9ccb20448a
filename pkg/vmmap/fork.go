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
)

// Fork returns a new Map holding m's regions according to their
// inheritance. The new map has m's options, page size and limits. Wirings
// are not inherited.
func (m *Map) Fork(ctx context.Context) (*Map, error) {
	return m.ForkNamed(ctx, m.opts.Name+"-fork")
}

// ForkNamed is Fork with an explicit name for the new map.
func (m *Map) ForkNamed(ctx context.Context, name string) (*Map, error) {
	opts := m.opts
	opts.Name = name
	child, err := New(opts)
	if err != nil {
		return nil, err
	}

	var zap zapList
	m.lock()
	err = m.forkLocked(ctx, child, &zap)
	m.checkLocked()
	m.unlock()
	zap.dispose()
	if err != nil {
		child.DecRef()
		return nil, err
	}
	m.logger.Debugf("map %q: forked into %q with %d regions", m.opts.Name, child.opts.Name, child.store.count())
	return child, nil
}

// forkLocked populates child, which no other thread can see yet.
//
// Preconditions: m.mu must be locked for writing.
func (m *Map) forkLocked(ctx context.Context, child *Map, zap *zapList) error {
	if err := m.waitRangeStableLocked(ctx, m.Bounds(), true); err != nil {
		return err
	}
	child.lock()
	defer child.unlock()
	// Slow copies drop the lock, so every region is checked again as it is
	// reached.
	for addr := m.Bounds().Start; ; {
		r := m.store.firstOverlapping(addr)
		if r == nil {
			break
		}
		if r.state == Transitioning {
			if err := m.waitLocked(ctx, r, true, true); err != nil {
				return err
			}
			continue
		}
		if r.start < addr {
			// Entered behind the fork while the lock was dropped.
			addr = r.end
			continue
		}
		addr = r.end
		var (
			n   *Region
			err error
		)
		switch r.inheritance {
		case InheritNone:
			continue
		case InheritShare:
			n, err = m.shareRegionLocked(r)
		case InheritCopy:
			// r stays linked with the same bounds through a slow copy since
			// it is Transitioning meanwhile.
			n, err = m.copyRegionLocked(ctx, r)
		default:
			panic(fmt.Sprintf("map %q: region %v has bad inheritance %d", m.opts.Name, r, r.inheritance))
		}
		if err != nil {
			return err
		}
		if _, _, ok := n.submap(); ok {
			n.usePmap = true
		}
		child.store.link(n)
		if err := child.nestLocked(n); err != nil {
			return err
		}
		if n.jit {
			child.jitEntered = true
		}
	}
	m.store.simplifyRange(m.Bounds(), zap)
	return nil
}
