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

package vm

import (
	"fmt"

	"kmem.dev/kmem/pkg/memarch"
	"kmem.dev/kmem/pkg/memerr"
)

// VMAFlags are allocation flags on a virtual memory area.
type VMAFlags struct {
	// ZeroOnDemand allocates zero frames on first touch instead of at
	// reservation time.
	ZeroOnDemand bool

	// Stack and Heap tag the process stack and heap areas.
	Stack bool
	Heap  bool
}

// VMA is a contiguous, page-aligned virtual range [Start, End) with one
// protection mask. VMAs in one address space never overlap, and adjacent
// VMAs are never merged implicitly.
type VMA struct {
	Start memarch.VirtAddr
	End   memarch.VirtAddr

	// Access is the declared protection; faults against it are access
	// violations, not mapping requests.
	Access memarch.AccessType

	Flags VMAFlags
}

// Len returns the VMA length in bytes.
func (v *VMA) Len() uint64 { return uint64(v.End - v.Start) }

// Contains returns true if va falls inside the VMA.
func (v *VMA) Contains(va memarch.VirtAddr) bool { return va >= v.Start && va < v.End }

// String implements fmt.Stringer.
func (v *VMA) String() string {
	return fmt.Sprintf("[%#x, %#x) %s", v.Start, v.End, v.Access)
}

func (v *VMA) validate() error {
	if v.Start >= v.End {
		return memerr.Wrapf(memerr.ErrInvalidArgument, "empty VMA [%#x, %#x)", v.Start, v.End)
	}
	if !v.Start.IsPageAligned() || !v.End.IsPageAligned() {
		return memerr.Wrapf(memerr.ErrInvalidArgument, "unaligned VMA [%#x, %#x)", v.Start, v.End)
	}
	if !v.Start.IsCanonical() || !(v.End - 1).IsCanonical() {
		return memerr.Wrapf(memerr.ErrInvalidArgument, "non-canonical VMA [%#x, %#x)", v.Start, v.End)
	}
	return nil
}

// InsertVMA adds a VMA to the space. Overlap with any existing VMA fails
// with Conflict and leaves the set unchanged.
func (as *AddressSpace) InsertVMA(v *VMA) error {
	if err := v.validate(); err != nil {
		return err
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	// The only candidates for overlap are the nearest VMA at or below
	// Start and the nearest strictly above it.
	var conflict *VMA
	as.vmas.DescendLessOrEqual(v, func(existing *VMA) bool {
		if existing.End > v.Start {
			conflict = existing
		}
		return false
	})
	if conflict == nil {
		as.vmas.AscendGreaterOrEqual(v, func(existing *VMA) bool {
			if existing.Start < v.End {
				conflict = existing
			}
			return false
		})
	}
	if conflict != nil {
		return memerr.Wrapf(memerr.ErrConflict, "VMA %v overlaps %v", v, conflict)
	}
	as.vmas.ReplaceOrInsert(v)
	return nil
}

// RemoveVMA detaches a VMA from the space. The VMA's pages, if any are
// resident, remain mapped; unmap them first.
func (as *AddressSpace) RemoveVMA(v *VMA) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if _, ok := as.vmas.Delete(v); !ok {
		return memerr.Wrapf(memerr.ErrNotMapped, "VMA %v not in address space", v)
	}
	return nil
}

// ReleaseRange removes the VMA covering exactly [start, end) and clears
// every leaf entry under it in one critical section, so a concurrent fault
// cannot repopulate the range mid-teardown. releaseFrame is called for each
// resident frame and releaseSlot for each recorded swap slot; frame and slot
// ownership policy stays with the caller.
func (as *AddressSpace) ReleaseRange(start, end memarch.VirtAddr, releaseFrame func(memarch.PhysAddr), releaseSlot func(uint32)) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	v, ok := as.findVMALocked(start)
	if !ok {
		return memerr.Wrapf(memerr.ErrNotMapped, "no region at %#x", start)
	}
	if v.Start != start || v.End != end {
		return memerr.Wrapf(memerr.ErrInvalidArgument, "[%#x, %#x) does not match region %v", start, end, v)
	}

	for va := v.Start; va < v.End; va += memarch.PageSize {
		pte, ok := as.pt.Entry(va)
		if !ok {
			continue
		}
		switch {
		case pte.Present():
			pa := pte.Address()
			if err := as.pt.Unmap(va); err != nil {
				return err
			}
			releaseFrame(pa)
		case pte.Swapped():
			slot, err := as.pt.ClearSwapEntry(va)
			if err != nil {
				return err
			}
			releaseSlot(slot)
		}
	}
	as.vmas.Delete(v)
	return nil
}

// FindVMA returns the VMA whose range contains va.
func (as *AddressSpace) FindVMA(va memarch.VirtAddr) (*VMA, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.findVMALocked(va)
}

func (as *AddressSpace) findVMALocked(va memarch.VirtAddr) (*VMA, bool) {
	var found *VMA
	as.vmas.DescendLessOrEqual(&VMA{Start: va}, func(existing *VMA) bool {
		if existing.Contains(va) {
			found = existing
		}
		return false
	})
	return found, found != nil
}

// VMAs returns a snapshot of the space's VMAs in address order.
func (as *AddressSpace) VMAs() []*VMA {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make([]*VMA, 0, as.vmas.Len())
	as.vmas.Ascend(func(v *VMA) bool {
		out = append(out, v)
		return true
	})
	return out
}
