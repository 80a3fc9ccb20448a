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

// Package hostarch contains host arch address operations for user memory.
package hostarch

import "golang.org/x/sys/unix"

const (
	// PageShift is the binary log of the default page size.
	PageShift = 12

	// PageSize is the default page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the huge (superpage) size.
	HugePageShift = 21

	// HugePageSize is the huge (superpage) size.
	HugePageSize = 1 << HugePageShift

	// MaxPageShift is the largest page granularity a map may use (64K).
	MaxPageShift = 16
)

// HostPageSize returns the page size of the host kernel.
func HostPageSize() uint64 {
	return uint64(unix.Getpagesize())
}

// PageShiftFor returns the binary log of size, which must be a power of two
// between PageSize and 1<<MaxPageShift. ok is false otherwise.
func PageShiftFor(size uint64) (shift uint, ok bool) {
	if size < PageSize || size&(size-1) != 0 {
		return 0, false
	}
	for shift = 0; uint64(1)<<shift != size; shift++ {
	}
	return shift, shift <= MaxPageShift
}
