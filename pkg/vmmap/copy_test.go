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
	"bytes"
	"context"
	"errors"
	"testing"

	"gvisor.dev/vmspace/pkg/errors/vmerr"
	"gvisor.dev/vmspace/pkg/hostarch"
)

func TestCopyInOutSnapshotsSource(t *testing.T) {
	src, _ := newTestMap(t, Options{})
	dst, _ := newTestMap(t, Options{})
	ctx := context.Background()
	addr := enterAnon(t, src, 0, 4, EnterAnywhere)
	writeString(t, src, addr+10, "hello")
	writeString(t, src, addr+3*page, "tail")

	bundle, err := CopyIn(ctx, src, addr+10, 4*page-10, CopyInOpts{})
	if err != nil {
		t.Fatalf("CopyIn got err %v want nil", err)
	}
	if got := src.Stats().QuickCopies; got == 0 {
		t.Errorf("QuickCopies = 0, want a copy-on-write copy")
	}
	// Later writes to the source must not show through the bundle.
	writeString(t, src, addr+10, "HELLO")
	writeString(t, src, addr+3*page, "TAIL")

	got, err := CopyOut(ctx, dst, bundle, CopyOutOpts{Anywhere: true})
	if err != nil {
		t.Fatalf("CopyOut got err %v want nil", err)
	}
	if got.PageOffset() != 10 {
		t.Errorf("CopyOut returned %#x, want page offset 10", got)
	}
	if s := readString(t, dst, got, 5); s != "hello" {
		t.Errorf("copy reads %q, want %q", s, "hello")
	}
	if s := readString(t, dst, got-10+3*page, 4); s != "tail" {
		t.Errorf("copy reads %q, want %q", s, "tail")
	}
	if s := readString(t, src, addr+10, 5); s != "HELLO" {
		t.Errorf("source reads %q, want %q", s, "HELLO")
	}
	if !bundle.Empty() {
		t.Errorf("bundle still holds regions after CopyOut")
	}
}

func TestCopyInSmallUsesBuffer(t *testing.T) {
	src, _ := newTestMap(t, Options{})
	ctx := context.Background()
	addr := enterAnon(t, src, 0, 1, EnterAnywhere)
	writeString(t, src, addr+100, "small")

	bundle, err := CopyIn(ctx, src, addr+100, 5, CopyInOpts{})
	if err != nil {
		t.Fatalf("CopyIn got err %v want nil", err)
	}
	if bundle.buf == nil || len(bundle.regions) != 0 {
		t.Fatalf("small CopyIn produced %d regions and buffer %v, want a buffer only", len(bundle.regions), bundle.buf)
	}
	writeString(t, src, addr+100, "SMALL")
	got, err := CopyOut(ctx, src, bundle, CopyOutOpts{Anywhere: true})
	if err != nil {
		t.Fatalf("CopyOut got err %v want nil", err)
	}
	if s := readString(t, src, got, 5); s != "small" {
		t.Errorf("copy reads %q, want %q", s, "small")
	}
	if got.PageOffset() != 100 {
		t.Errorf("CopyOut returned %#x, want page offset 100", got)
	}
}

func TestCopyInDestroy(t *testing.T) {
	src, _ := newTestMap(t, Options{})
	ctx := context.Background()
	addr := enterAnon(t, src, 0, 4, EnterAnywhere)
	writeString(t, src, addr, "moved")

	bundle, err := CopyIn(ctx, src, addr, 4*page, CopyInOpts{Destroy: true})
	if err != nil {
		t.Fatalf("CopyIn got err %v want nil", err)
	}
	if n := len(src.Regions()); n != 0 {
		t.Errorf("source has %d regions after a destroying CopyIn, want 0", n)
	}
	got, err := CopyOut(ctx, src, bundle, CopyOutOpts{Addr: addr})
	if err != nil {
		t.Fatalf("CopyOut got err %v want nil", err)
	}
	if s := readString(t, src, got, 5); s != "moved" {
		t.Errorf("copy reads %q, want %q", s, "moved")
	}
}

func TestCopyOutFailureKeepsBundle(t *testing.T) {
	src, _ := newTestMap(t, Options{})
	ctx := context.Background()
	addr := enterAnon(t, src, 0, 4, EnterAnywhere)
	writeString(t, src, addr, "keep")

	bundle, err := CopyIn(ctx, src, addr, 4*page, CopyInOpts{})
	if err != nil {
		t.Fatalf("CopyIn got err %v want nil", err)
	}
	if _, err := CopyOut(ctx, src, bundle, CopyOutOpts{Addr: addr}); err == nil {
		t.Fatalf("CopyOut over a mapped range without overwrite succeeded")
	}
	if bundle.Empty() {
		t.Fatalf("failed CopyOut consumed the bundle")
	}
	got, err := CopyOut(ctx, src, bundle, CopyOutOpts{Addr: addr, Overwrite: true})
	if err != nil {
		t.Fatalf("CopyOut with overwrite got err %v want nil", err)
	}
	if s := readString(t, src, got, 4); s != "keep" {
		t.Errorf("copy reads %q, want %q", s, "keep")
	}
}

func TestCopyInUnmappedFails(t *testing.T) {
	src, _ := newTestMap(t, Options{})
	ctx := context.Background()
	addr := enterAnon(t, src, 0, 2, EnterAnywhere)
	if _, err := CopyIn(ctx, src, addr, 4*page, CopyInOpts{}); !errors.Is(err, vmerr.ErrAddressInvalid) {
		t.Errorf("CopyIn across a hole got err %v, want ErrAddressInvalid", err)
	}
}

func TestCopyInThroughSubmapSnapshotsSubmap(t *testing.T) {
	parent, p := newTestMap(t, Options{})
	sub, _ := newTestMap(t, Options{Platform: p})
	ctx := context.Background()
	subAt := enterAnon(t, sub, testMin, 4, 0)
	writeString(t, sub, subAt, "orig")
	addr, err := parent.Enter(ctx, EnterOpts{
		Length:   4 * page,
		Flags:    EnterAnywhere,
		Backing:  SubmapBacking{Map: sub, Offset: uint64(subAt)},
		Perms:    hostarch.Read,
		MaxPerms: hostarch.ReadWrite,
	})
	if err != nil {
		t.Fatalf("Enter(submap) got err %v want nil", err)
	}

	bundle, err := CopyIn(ctx, parent, addr, 4*page, CopyInOpts{})
	if err != nil {
		t.Fatalf("CopyIn got err %v want nil", err)
	}
	writeString(t, sub, subAt, "NEW!")

	got, err := CopyOut(ctx, parent, bundle, CopyOutOpts{Anywhere: true})
	if err != nil {
		t.Fatalf("CopyOut got err %v want nil", err)
	}
	if s := readString(t, parent, got, 4); s != "orig" {
		t.Errorf("copy reads %q, want %q", s, "orig")
	}
	ri, err := parent.RegionInfo(got)
	if err != nil {
		t.Fatalf("RegionInfo got err %v want nil", err)
	}
	if ri.Submap || ri.Perms != hostarch.Read {
		t.Errorf("copied region is %+v, want private memory limited to read", ri)
	}
	if s := readString(t, parent, addr, 4); s != "NEW!" {
		t.Errorf("submap region reads %q, want %q", s, "NEW!")
	}
}

func TestCopyOverwrite(t *testing.T) {
	src, _ := newTestMap(t, Options{})
	dst, _ := newTestMap(t, Options{})
	ctx := context.Background()
	saddr := enterAnon(t, src, 0, 4, EnterAnywhere)
	daddr := enterAnon(t, dst, 0, 4, EnterAnywhere)
	want := bytes.Repeat([]byte("abcdefgh"), int(2*page/8))
	if _, err := src.WriteBytes(ctx, saddr+100, want); err != nil {
		t.Fatalf("WriteBytes got err %v want nil", err)
	}
	writeString(t, dst, daddr, "head")
	writeString(t, dst, daddr+3*page, "tail")

	bundle, err := CopyIn(ctx, src, saddr+100, uint64(len(want)), CopyInOpts{})
	if err != nil {
		t.Fatalf("CopyIn got err %v want nil", err)
	}
	if err := CopyOverwrite(ctx, dst, daddr+100, bundle, true); err != nil {
		t.Fatalf("CopyOverwrite got err %v want nil", err)
	}
	got := make([]byte, len(want))
	if _, err := dst.ReadBytes(ctx, daddr+100, got); err != nil {
		t.Fatalf("ReadBytes got err %v want nil", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("overwritten range does not hold the copied data")
	}
	if s := readString(t, dst, daddr, 4); s != "head" {
		t.Errorf("bytes before the overwrite read %q, want %q", s, "head")
	}
	if s := readString(t, dst, daddr+3*page, 4); s != "tail" {
		t.Errorf("bytes after the overwrite read %q, want %q", s, "tail")
	}
}

func TestCopyOverwriteRequiresWrite(t *testing.T) {
	src, _ := newTestMap(t, Options{})
	dst, _ := newTestMap(t, Options{})
	ctx := context.Background()
	saddr := enterAnon(t, src, 0, 2, EnterAnywhere)
	daddr := enterAnon(t, dst, 0, 2, EnterAnywhere)
	if err := dst.Protect(ctx, daddr, daddr+2*page, hostarch.Read, false); err != nil {
		t.Fatalf("Protect got err %v want nil", err)
	}
	bundle, err := CopyIn(ctx, src, saddr, 2*page, CopyInOpts{})
	if err != nil {
		t.Fatalf("CopyIn got err %v want nil", err)
	}
	defer bundle.Discard()
	if err := CopyOverwrite(ctx, dst, daddr, bundle, true); !errors.Is(err, vmerr.ErrProtectionDenied) {
		t.Errorf("CopyOverwrite of read-only memory got err %v, want ErrProtectionDenied", err)
	}
}

func TestRemapShareAndCopy(t *testing.T) {
	m, _ := newTestMap(t, Options{})
	ctx := context.Background()
	addr := enterAnon(t, m, 0, 2, EnterAnywhere)
	writeString(t, m, addr, "base")

	shared, err := Remap(ctx, m, m, RemapOpts{SrcAddr: addr, Length: 2 * page, Anywhere: true, Inheritance: InheritShare})
	if err != nil {
		t.Fatalf("Remap(share) got err %v want nil", err)
	}
	copied, err := Remap(ctx, m, m, RemapOpts{SrcAddr: addr, Length: 2 * page, Anywhere: true, Copy: true})
	if err != nil {
		t.Fatalf("Remap(copy) got err %v want nil", err)
	}
	if shared == addr || copied == addr || shared == copied {
		t.Fatalf("Remap returned overlapping addresses %#x, %#x for source %#x", shared, copied, addr)
	}

	writeString(t, m, shared, "SHRD")
	if s := readString(t, m, addr, 4); s != "SHRD" {
		t.Errorf("source reads %q after write to shared remap, want %q", s, "SHRD")
	}
	if s := readString(t, m, copied, 4); s != "base" {
		t.Errorf("copied remap reads %q, want %q", s, "base")
	}
	writeString(t, m, copied, "copy")
	if s := readString(t, m, addr, 4); s != "SHRD" {
		t.Errorf("source reads %q after write to copied remap, want %q", s, "SHRD")
	}
	ri, err := m.RegionInfo(shared)
	if err != nil {
		t.Fatalf("RegionInfo got err %v want nil", err)
	}
	if ri.Inheritance != InheritShare || !ri.Shared {
		t.Errorf("shared remap has inheritance %v, shared %t; want share, true", ri.Inheritance, ri.Shared)
	}
}

func TestRemapAcrossMaps(t *testing.T) {
	src, p := newTestMap(t, Options{})
	dst, _ := newTestMap(t, Options{Platform: p})
	ctx := context.Background()
	addr := enterAnon(t, src, 0, 1, EnterAnywhere)
	writeString(t, src, addr, "xmap")

	got, err := Remap(ctx, dst, src, RemapOpts{SrcAddr: addr, Length: page, DstAddr: testMin, Overwrite: true})
	if err != nil {
		t.Fatalf("Remap got err %v want nil", err)
	}
	if got != testMin {
		t.Errorf("Remap returned %#x, want %#x", got, testMin)
	}
	writeString(t, dst, got, "XMAP")
	if s := readString(t, src, addr, 4); s != "XMAP" {
		t.Errorf("source reads %q, want %q", s, "XMAP")
	}
}
