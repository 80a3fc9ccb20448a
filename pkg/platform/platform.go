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

// Package platform assembles the page allocator, backing objects and
// software page tables into a memmap.Platform.
package platform

import (
	"gvisor.dev/vmspace/pkg/hostarch"
	"gvisor.dev/vmspace/pkg/memmap"
	"gvisor.dev/vmspace/pkg/pgalloc"
	"gvisor.dev/vmspace/pkg/pmap"
	"gvisor.dev/vmspace/pkg/vmobject"
)

// Platform implements memmap.Platform.
type Platform struct {
	mf *pgalloc.MemoryFile
}

var _ memmap.Platform = (*Platform)(nil)

// New returns a Platform whose frames come from a new MemoryFile.
func New(opts pgalloc.MemoryFileOpts) *Platform {
	return &Platform{mf: pgalloc.NewMemoryFile(opts)}
}

// MemoryFile returns the platform's page allocator.
func (p *Platform) MemoryFile() *pgalloc.MemoryFile {
	return p.mf
}

// PageSize implements memmap.Platform.PageSize.
func (p *Platform) PageSize() uint64 {
	return hostarch.PageSize
}

// NewPageTable implements memmap.Platform.NewPageTable.
func (p *Platform) NewPageTable() memmap.PageTable {
	return pmap.New(hostarch.PageSize)
}

// NewObject implements memmap.Platform.NewObject.
func (p *Platform) NewObject(size uint64, opts memmap.ObjectOpts) (memmap.Object, error) {
	return vmobject.New(p.mf, size, opts), nil
}

// NewDeviceObject returns an object that can only be copied page by page.
func (p *Platform) NewDeviceObject(size uint64) memmap.Object {
	return vmobject.NewDevice(p.mf, size)
}

// FrameBytes implements memmap.Platform.FrameBytes.
func (p *Platform) FrameBytes(frame memmap.FrameID) []byte {
	return p.mf.Bytes(frame)
}

// Release returns the platform's memory to the host.
func (p *Platform) Release() error {
	return p.mf.Destroy()
}
