// Copyright 2024 The kmem Authors.
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

// Package memerr holds the standardized error definitions for the memory
// subsystem.
//
// Errors are singletons compared by identity; KindOf recovers the category
// from any error wrapping one of the sentinels below.
package memerr

import "fmt"

// Kind categorizes a memory subsystem error.
type Kind int

// Error kinds, one per failure class the subsystem can report.
const (
	KindNone Kind = iota

	// KindOutOfMemory: no frame, heap block, or swap slot available.
	KindOutOfMemory

	// KindInvalidArgument: bad alignment, zero size, misaligned or
	// out-of-range address.
	KindInvalidArgument

	// KindAlreadyMapped: mapping requested over a present entry.
	KindAlreadyMapped

	// KindNotMapped: lookup or unmap of an absent entry.
	KindNotMapped

	// KindConflict: VMA insertion overlapping an existing VMA.
	KindConflict

	// KindCorruption: heap check-tag mismatch, double free, or allocator
	// bookkeeping damage. Not recoverable; callers should halt.
	KindCorruption

	// KindAccessViolation: fault outside any VMA or against VMA
	// protections. The fault dispatcher decides the faulting context's
	// fate; the subsystem never does.
	KindAccessViolation

	// KindFatal: kernel-space fault or equivalent unrecoverable condition.
	KindFatal

	// KindIO: backing-store read or write failure.
	KindIO
)

// Error is a memory subsystem error with a fixed kind and message.
type Error struct {
	kind    Kind
	message string
}

// New creates a new *Error.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Kind returns the error's category.
func (e *Error) Kind() Kind { return e.kind }

// Canonical sentinels. Operations return exactly these (possibly wrapped via
// %w) so callers can branch on identity.
var (
	ErrOutOfMemory     = New(KindOutOfMemory, "out of memory")
	ErrInvalidArgument = New(KindInvalidArgument, "invalid argument")
	ErrAlreadyMapped   = New(KindAlreadyMapped, "address already mapped")
	ErrNotMapped       = New(KindNotMapped, "address not mapped")
	ErrConflict        = New(KindConflict, "region conflicts with existing mapping")
	ErrCorruption      = New(KindCorruption, "memory state corrupted")
	ErrAccessViolation = New(KindAccessViolation, "access violation")
	ErrFatal           = New(KindFatal, "unrecoverable fault")
	ErrIO              = New(KindIO, "backing store I/O error")
)

// KindOf returns the Kind of err, unwrapping as needed, or KindNone if err is
// nil or not a subsystem error.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return KindNone
		}
		err = u.Unwrap()
	}
	return KindNone
}

// Wrapf returns sentinel annotated with context, preserving identity for
// errors.Is and KindOf.
func Wrapf(sentinel *Error, format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, sentinel)...)
}
