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

package ptables

import (
	"kmem.dev/kmem/pkg/memarch"
)

// PTE is one page-table entry: a physical frame address plus permission and
// bookkeeping bits, in the x86-64 long-mode layout.
//
// Two software-defined bits carry subsystem state the hardware ignores:
//
//   - cow marks a present, write-protected page whose write faults must be
//     resolved by copying (bit 9, available to software per the SDM).
//   - swapped marks a non-present entry whose address bits hold a swap slot
//     index instead of a frame address. This is how the swap-entry table is
//     stored: evicted pages keep their slot in the dead PTE.
type PTE uint64

const (
	ptePresent  PTE = 1 << 0
	pteWritable PTE = 1 << 1
	pteUser     PTE = 1 << 2
	pteAccessed PTE = 1 << 5
	pteDirty    PTE = 1 << 6
	pteCOW      PTE = 1 << 9
	pteSwapped  PTE = 1 << 10

	pteAddrMask PTE = 0x000ffffffffff000
)

// Present returns true if the entry maps a resident frame.
func (p PTE) Present() bool { return p&ptePresent != 0 }

// Writable returns true if the mapping permits writes.
func (p PTE) Writable() bool { return p&pteWritable != 0 }

// User returns true if the mapping permits userspace access.
func (p PTE) User() bool { return p&pteUser != 0 }

// COW returns true if the entry is write-protected for copy-on-write.
func (p PTE) COW() bool { return p.Present() && p&pteCOW != 0 }

// Swapped returns true if the entry records an evicted page's swap slot.
func (p PTE) Swapped() bool { return !p.Present() && p&pteSwapped != 0 }

// Address returns the frame (or next-level node) physical address.
func (p PTE) Address() memarch.PhysAddr {
	return memarch.PhysAddr(p & pteAddrMask)
}

// SwapSlot returns the swap slot index of a Swapped entry.
func (p PTE) SwapSlot() uint32 {
	return uint32(uint64(p&pteAddrMask) >> memarch.PageShift)
}

// Access returns the permissions encoded in the entry. Present entries are
// always readable.
func (p PTE) Access() memarch.AccessType {
	return memarch.AccessType{
		Read:  p.Present(),
		Write: p.Writable(),
		User:  p.User(),
	}
}

// makePTE builds a present leaf entry.
func makePTE(pa memarch.PhysAddr, at memarch.AccessType, cow bool) PTE {
	p := PTE(pa)&pteAddrMask | ptePresent
	if at.Write {
		p |= pteWritable
	}
	if at.User {
		p |= pteUser
	}
	if cow {
		// COW pages are never hardware-writable; the write fault is the
		// copy trigger.
		p = p&^pteWritable | pteCOW
	}
	return p
}

// makeSwapPTE builds a non-present entry recording a swap slot.
func makeSwapPTE(slot uint32) PTE {
	return PTE(uint64(slot)<<memarch.PageShift)&pteAddrMask | pteSwapped
}

// makeTablePTE builds an intermediate entry pointing at a child node. Table
// entries stay maximally permissive; enforcement happens at the leaf.
func makeTablePTE(pa memarch.PhysAddr) PTE {
	return PTE(pa)&pteAddrMask | ptePresent | pteWritable | pteUser
}
