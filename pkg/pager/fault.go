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

package pager

import "fmt"

// FaultCode is the page-fault error code pushed by the MMU.
type FaultCode uint32

const (
	// FaultPresent is set when the faulting entry was present (a
	// protection fault rather than a missing translation).
	FaultPresent FaultCode = 1 << 0

	// FaultWrite is set for write accesses.
	FaultWrite FaultCode = 1 << 1

	// FaultUser is set for faults taken in user mode.
	FaultUser FaultCode = 1 << 2

	// FaultReserved is set when a reserved bit was found set in a paging
	// structure entry.
	FaultReserved FaultCode = 1 << 3

	// FaultInstruction is set for instruction fetches.
	FaultInstruction FaultCode = 1 << 4
)

// Present returns true for protection faults on present entries.
func (c FaultCode) Present() bool { return c&FaultPresent != 0 }

// Write returns true for write accesses.
func (c FaultCode) Write() bool { return c&FaultWrite != 0 }

// User returns true for user-mode faults.
func (c FaultCode) User() bool { return c&FaultUser != 0 }

// Reserved returns true if a reserved bit was set in the walked entries.
func (c FaultCode) Reserved() bool { return c&FaultReserved != 0 }

// Instruction returns true for instruction fetches.
func (c FaultCode) Instruction() bool { return c&FaultInstruction != 0 }

// String returns a compact decode, e.g. "write|user".
func (c FaultCode) String() string {
	var s string
	add := func(name string) {
		if s != "" {
			s += "|"
		}
		s += name
	}
	if c.Present() {
		add("present")
	}
	if c.Write() {
		add("write")
	} else {
		add("read")
	}
	if c.User() {
		add("user")
	}
	if c.Reserved() {
		add("reserved")
	}
	if c.Instruction() {
		add("instruction")
	}
	return s
}

// Resolution says how a fault was resolved.
type Resolution int

const (
	// ResolvedNone: the fault was not resolved; an error accompanies it.
	ResolvedNone Resolution = iota

	// ResolvedSpurious: the mapping was already valid (e.g. another
	// thread resolved the same fault first).
	ResolvedSpurious

	// ResolvedDemandZero: a zero frame was allocated and mapped.
	ResolvedDemandZero

	// ResolvedSwapIn: the page was read back from the swap store.
	ResolvedSwapIn

	// ResolvedCOWCopy: a private copy of a shared frame was made.
	ResolvedCOWCopy

	// ResolvedCOWWrite: the faulting space was the frame's last owner,
	// so write access was restored in place with no copy.
	ResolvedCOWWrite
)

var resolutionNames = map[Resolution]string{
	ResolvedNone:       "none",
	ResolvedSpurious:   "spurious",
	ResolvedDemandZero: "demand-zero",
	ResolvedSwapIn:     "swap-in",
	ResolvedCOWCopy:    "cow-copy",
	ResolvedCOWWrite:   "cow-write",
}

func (r Resolution) String() string {
	if n, ok := resolutionNames[r]; ok {
		return n
	}
	return fmt.Sprintf("resolution(%d)", int(r))
}
