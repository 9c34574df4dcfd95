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

// Package memarch defines the architectural memory layout shared by every
// component of the memory subsystem: page geometry, typed physical and
// virtual addresses, and the canonical kernel/user address split.
package memarch

// Page geometry. All allocators and page tables in this subsystem operate on
// 4 KiB pages exclusively.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

// Four-level paging constants. Each table node holds 512 8-byte entries.
const (
	EntriesPerNode = 512
	EntryBytes     = 8

	PTEShift = 12
	PMDShift = 21
	PUDShift = 30
	PGDShift = 39
)

// Canonical address layout. The upper half belongs to the kernel and is
// shared by reference into every address space.
const (
	// LowerTop is the highest canonical user address.
	LowerTop VirtAddr = 0x00007fffffffffff

	// KernelBase is the lowest canonical kernel address.
	KernelBase VirtAddr = 0xffff800000000000
)

// PhysAddr is a physical byte address.
type PhysAddr uintptr

// VirtAddr is a virtual byte address.
type VirtAddr uintptr

// NoPhysAddr is the sentinel returned by failed physical allocations. It is
// never a valid frame address.
const NoPhysAddr = ^PhysAddr(0)

// RoundDown returns the address rounded down to a page boundary.
func (pa PhysAddr) RoundDown() PhysAddr { return pa &^ PageMask }

// RoundUp returns the address rounded up to a page boundary.
func (pa PhysAddr) RoundUp() PhysAddr { return (pa + PageMask) &^ PageMask }

// IsPageAligned returns true if pa is page-aligned.
func (pa PhysAddr) IsPageAligned() bool { return pa&PageMask == 0 }

// Frame returns the frame index containing pa.
func (pa PhysAddr) Frame() uint64 { return uint64(pa) >> PageShift }

// RoundDown returns the address rounded down to a page boundary.
func (va VirtAddr) RoundDown() VirtAddr { return va &^ PageMask }

// RoundUp returns the address rounded up to a page boundary.
func (va VirtAddr) RoundUp() VirtAddr { return (va + PageMask) &^ PageMask }

// IsPageAligned returns true if va is page-aligned.
func (va VirtAddr) IsPageAligned() bool { return va&PageMask == 0 }

// IsKernel returns true if va lies in the shared kernel upper half.
func (va VirtAddr) IsKernel() bool { return va >= KernelBase }

// IsCanonical returns true if va does not fall in the unaddressable hole
// between the user lower half and the kernel upper half.
func (va VirtAddr) IsCanonical() bool { return va <= LowerTop || va >= KernelBase }

// TableIndex returns the entry index for va at the given table level; level 3
// is the root (PGD) and level 0 addresses leaf entries.
func (va VirtAddr) TableIndex(level int) int {
	shift := PTEShift + 9*level
	return int((uint64(va) >> shift) & (EntriesPerNode - 1))
}

// FrameAddr returns the physical address of the frame with the given index.
func FrameAddr(index uint64) PhysAddr { return PhysAddr(index << PageShift) }
