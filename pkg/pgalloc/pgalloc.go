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

// Package pgalloc contains the page allocator that supplies frames to
// backing objects.
package pgalloc

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmspace/pkg/errors/vmerr"
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/log"
	"gvisor.dev/vmspace/pkg/memmap"
	"gvisor.dev/vmspace/pkg/sync"
)

// chunkPages is the number of frames obtained from the host at a time.
const chunkPages = 256

// MemoryFileOpts configures a MemoryFile.
type MemoryFileOpts struct {
	// MaxFrames bounds the number of frames that may be allocated at once.
	// Zero means unlimited.
	MaxFrames uint64
}

// MemoryFile is a pool of page frames carved out of anonymous host memory.
//
// Frames are handed out zero-filled and are owned by exactly one backing
// object at a time.
type MemoryFile struct {
	opts MemoryFileOpts

	// mu protects the fields below.
	mu sync.Mutex

	// chunks are the host mappings backing frames. Frame f lives in
	// chunks[f/chunkPages].
	chunks [][]byte

	// free holds released frames available for reuse.
	free []memmap.FrameID

	// used is the number of allocated frames.
	used uint64

	// destroyed is set by Destroy.
	destroyed bool
}

// NewMemoryFile creates a MemoryFile.
func NewMemoryFile(opts MemoryFileOpts) *MemoryFile {
	return &MemoryFile{opts: opts}
}

// PageSize returns the size of a frame.
func (f *MemoryFile) PageSize() uint64 {
	return hostarch.PageSize
}

// Allocate returns a zero-filled frame. It fails with ErrResourceExhausted if
// MaxFrames frames are in use or the host refuses more memory.
func (f *MemoryFile) Allocate() (memmap.FrameID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		panic("MemoryFile.Allocate after Destroy")
	}
	if f.opts.MaxFrames != 0 && f.used >= f.opts.MaxFrames {
		return 0, vmerr.Wrapf(vmerr.ErrResourceExhausted, "memory file: %d frames in use", f.used)
	}
	if n := len(f.free); n > 0 {
		fr := f.free[n-1]
		f.free = f.free[:n-1]
		clear(f.bytesLocked(fr))
		f.used++
		return fr, nil
	}
	mem, err := unix.Mmap(-1, 0, chunkPages*hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		log.Warningf("memory file: failed to map chunk: %v", err)
		return 0, vmerr.Wrapf(vmerr.ErrResourceExhausted, "mmap: %v", err)
	}
	base := memmap.FrameID(len(f.chunks) * chunkPages)
	f.chunks = append(f.chunks, mem)
	// Frames in a new chunk are zero; queue all but the first in reverse so
	// that allocation proceeds in ascending order.
	for i := chunkPages - 1; i > 0; i-- {
		f.free = append(f.free, base+memmap.FrameID(i))
	}
	f.used++
	return base, nil
}

// Free returns a frame to the pool.
func (f *MemoryFile) Free(fr memmap.FrameID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if uint64(fr) >= uint64(len(f.chunks))*chunkPages {
		panic(fmt.Sprintf("freeing unknown frame %d", fr))
	}
	f.used--
	f.free = append(f.free, fr)
}

// Bytes returns the contents of fr.
func (f *MemoryFile) Bytes(fr memmap.FrameID) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bytesLocked(fr)
}

// Preconditions: f.mu must be locked.
func (f *MemoryFile) bytesLocked(fr memmap.FrameID) []byte {
	chunk := f.chunks[fr/chunkPages]
	off := uint64(fr%chunkPages) * hostarch.PageSize
	return chunk[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// Used returns the number of allocated frames.
func (f *MemoryFile) Used() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used
}

// Destroy returns all host memory. No frame may be used afterwards.
func (f *MemoryFile) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return nil
	}
	f.destroyed = true
	var firstErr error
	for _, c := range f.chunks {
		if err := unix.Munmap(c); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("munmap: %w", err)
		}
	}
	f.chunks = nil
	f.free = nil
	return firstErr
}
