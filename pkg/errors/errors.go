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

// Package errors holds the standardized error definition for the address
// space manager.
package errors

import "fmt"

// Kind classifies an Error. Every public operation of the address space
// manager fails with an error of one of these kinds.
type Kind int

const (
	// KindAddressInvalid is a misaligned, out-of-bounds, overflowing or
	// unmapped address or range.
	KindAddressInvalid Kind = iota + 1

	// KindNoSpace means that no free gap exists, or that a size limit was
	// reached.
	KindNoSpace

	// KindProtectionDenied means that the requested access exceeds policy or
	// maximum rights.
	KindProtectionDenied

	// KindResourceExhausted means that a wiring limit or an allocator was
	// exhausted.
	KindResourceExhausted

	// KindAborted means that an interruptible wait was cancelled.
	KindAborted

	// KindNotSupported means that the operation is unavailable for the map's
	// configuration.
	KindNotSupported

	// KindMemoryPresent is returned when a fixed mapping already exists with
	// identical attributes. Callers generally treat it as success.
	KindMemoryPresent
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case KindAddressInvalid:
		return "AddressInvalid"
	case KindNoSpace:
		return "NoSpace"
	case KindProtectionDenied:
		return "ProtectionDenied"
	case KindResourceExhausted:
		return "ResourceExhausted"
	case KindAborted:
		return "Aborted"
	case KindNotSupported:
		return "NotSupported"
	case KindMemoryPresent:
		return "MemoryPresent"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error represents an address space error with a descriptive message.
type Error struct {
	kind    Kind
	message string
}

// New creates a new *Error.
func New(kind Kind, message string) *Error {
	return &Error{
		kind:    kind,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Kind returns the error's kind.
func (e *Error) Kind() Kind { return e.kind }
