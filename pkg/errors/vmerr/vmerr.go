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

// Package vmerr contains the address space manager's error values exported
// as error interface pointers. This allows for fast comparison and return
// operations comparable to unix.Errno constants.
package vmerr

import (
	goerrors "errors"
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmspace/pkg/errors"
)

// The following errors are the only values returned (possibly wrapped) by
// public operations. Wrapped errors must be compared with errors.Is.
var (
	ErrAddressInvalid    = errors.New(errors.KindAddressInvalid, "invalid address")
	ErrNoSpace           = errors.New(errors.KindNoSpace, "no space in address map")
	ErrProtectionDenied  = errors.New(errors.KindProtectionDenied, "protection failure")
	ErrResourceExhausted = errors.New(errors.KindResourceExhausted, "resource shortage")
	ErrAborted           = errors.New(errors.KindAborted, "operation aborted")
	ErrNotSupported      = errors.New(errors.KindNotSupported, "operation not supported")
	ErrMemoryPresent     = errors.New(errors.KindMemoryPresent, "memory already present")
)

// wrapped attaches context to a sentinel while preserving its identity under
// errors.Is and its Kind under KindOf.
type wrapped struct {
	err *errors.Error
	msg string
}

// Error implements error.Error.
func (w *wrapped) Error() string { return w.msg + ": " + w.err.Error() }

// Unwrap implements errors.Unwrap.
func (w *wrapped) Unwrap() error { return w.err }

// Wrapf returns err annotated with a formatted message.
func Wrapf(err *errors.Error, format string, v ...any) error {
	return &wrapped{err: err, msg: fmt.Sprintf(format, v...)}
}

// KindOf returns the Kind of err, or 0 if err is nil or not an address space
// error.
func KindOf(err error) errors.Kind {
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Kind()
	}
	return 0
}

// Is reports whether err has the same kind as target.
func Is(err error, target *errors.Error) bool {
	return KindOf(err) == target.Kind()
}

// ToErrno translates err into the errno returned at the syscall boundary.
// MemoryPresent translates to 0 since callers treat it as success.
func ToErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case errors.KindAddressInvalid:
		return unix.EINVAL
	case errors.KindNoSpace:
		return unix.ENOMEM
	case errors.KindProtectionDenied:
		return unix.EACCES
	case errors.KindResourceExhausted:
		return unix.EAGAIN
	case errors.KindAborted:
		return unix.EINTR
	case errors.KindNotSupported:
		return unix.ENOTSUP
	case errors.KindMemoryPresent:
		return 0
	default:
		return unix.EFAULT
	}
}
