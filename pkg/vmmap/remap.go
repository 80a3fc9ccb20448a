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

	"gvisor.dev/vmspace/pkg/hostarch"
)

// RemapOpts describe a Remap.
type RemapOpts struct {
	// SrcAddr and Length give the source range.
	SrcAddr hostarch.Addr
	Length  uint64

	// DstAddr, Anywhere and Overwrite place the new mapping as for CopyOut.
	DstAddr   hostarch.Addr
	Anywhere  bool
	Overwrite bool

	// Copy gives the destination a copy of the source memory instead of a
	// shared mapping of it.
	Copy bool

	// Inheritance applies to the new mapping.
	Inheritance Inheritance
}

// Remap maps the source range of src into dst, which may be the same map,
// and returns the address of the new mapping of SrcAddr. If the new mapping
// cannot be installed, dst is unchanged; a shared source range remains
// marked shared.
func Remap(ctx context.Context, dst, src *Map, opts RemapOpts) (hostarch.Addr, error) {
	bundle, err := Extract(ctx, src, opts.SrcAddr, opts.Length, opts.Copy, opts.Inheritance)
	if err != nil {
		return 0, err
	}
	addr, err := CopyOut(ctx, dst, bundle, CopyOutOpts{
		Addr:      opts.DstAddr,
		Anywhere:  opts.Anywhere,
		Overwrite: opts.Overwrite,
	})
	if err != nil {
		bundle.Discard()
		return 0, err
	}
	src.logger.Debugf("map %q: remapped %#x+%#x to map %q at %#x", src.opts.Name, opts.SrcAddr, opts.Length, dst.opts.Name, addr)
	return addr, nil
}
