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

package vmerr

import (
	goerrors "errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmspace/pkg/errors"
)

func TestWrapfPreservesIdentity(t *testing.T) {
	err := Wrapf(ErrNoSpace, "no gap of %#x bytes", 0x3000)
	if !goerrors.Is(err, ErrNoSpace) {
		t.Errorf("errors.Is(%v, ErrNoSpace) = false, want true", err)
	}
	if got := KindOf(err); got != errors.KindNoSpace {
		t.Errorf("KindOf(%v) = %v, want %v", err, got, errors.KindNoSpace)
	}
	outer := fmt.Errorf("enter: %w", err)
	if !Is(outer, ErrNoSpace) {
		t.Errorf("Is(%v, ErrNoSpace) = false, want true", outer)
	}
}

func TestToErrno(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want unix.Errno
	}{
		{nil, 0},
		{ErrAddressInvalid, unix.EINVAL},
		{ErrNoSpace, unix.ENOMEM},
		{ErrProtectionDenied, unix.EACCES},
		{ErrResourceExhausted, unix.EAGAIN},
		{ErrAborted, unix.EINTR},
		{ErrNotSupported, unix.ENOTSUP},
		{ErrMemoryPresent, 0},
		{goerrors.New("something else"), unix.EFAULT},
	} {
		if got := ToErrno(tc.err); got != tc.want {
			t.Errorf("ToErrno(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
