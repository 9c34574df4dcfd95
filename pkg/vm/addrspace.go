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
	"sync/atomic"

	"github.com/google/btree"

	"kmem.dev/kmem/pkg/memarch"
	"kmem.dev/kmem/pkg/memerr"
	"kmem.dev/kmem/pkg/ptables"
	"kmem.dev/kmem/pkg/sync"
)

// AddressSpace is one page-table tree plus the sorted set of VMAs describing
// what the tree is allowed to contain. It is reference counted: forked
// children and the owning process share it until the last reference drops.
type AddressSpace struct {
	vm *VM

	// refs counts owners. The space is destroyed when refs reaches zero.
	refs atomic.Int64

	// mu serializes map, unmap, and fault handling within this space
	// (they must not interleave), and guards vmas and the bounds below.
	mu sync.Mutex

	pt *ptables.PageTables

	// vmas is ordered by start address. Ranges never overlap.
	vmas *btree.BTreeG[*VMA]

	// kernel marks the distinguished kernel context.
	kernel bool

	// Heap and stack virtual bounds, maintained by ReserveHeap and
	// ReserveStack.
	heapBase, heapLimit memarch.VirtAddr
	stackTop            memarch.VirtAddr
}

func newAddressSpace(v *VM, pt *ptables.PageTables, kernel bool) *AddressSpace {
	as := &AddressSpace{
		vm:     v,
		pt:     pt,
		vmas:   btree.NewG(8, func(a, b *VMA) bool { return a.Start < b.Start }),
		kernel: kernel,
	}
	as.refs.Store(1)
	return as
}

// IsKernel returns true for the kernel context.
func (as *AddressSpace) IsKernel() bool { return as.kernel }

// Root returns the physical address of the space's root table node.
func (as *AddressSpace) Root() memarch.PhysAddr { return as.pt.Root() }

// IncRef adds a reference.
func (as *AddressSpace) IncRef() {
	if as.refs.Add(1) <= 1 {
		panic("vm: IncRef on destroyed address space")
	}
}

// DecRef drops a reference. At zero the space is destroyed: all VMAs are
// freed, then every non-shared table node and the root are returned to the
// frame allocator. Frames still mapped at leaf entries belong to whoever
// mapped them and must be released beforehand (the pager's teardown does
// this).
func (as *AddressSpace) DecRef() {
	switch refs := as.refs.Add(-1); {
	case refs > 0:
		return
	case refs < 0:
		panic("vm: DecRef on destroyed address space")
	}
	if as.kernel {
		panic("vm: kernel address space destroyed via DecRef; use Teardown")
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	as.vmas.Clear(false)
	as.pt.Release()
}

// Map installs va -> pa. It fails with AlreadyMapped if va is mapped;
// callers must unmap first.
func (as *AddressSpace) Map(va memarch.VirtAddr, pa memarch.PhysAddr, opts ptables.MapOpts) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.pt.Map(va, pa, opts)
}

// Unmap removes the mapping at va. The underlying frame is not freed; some
// mappings are shared and frame ownership is the caller's.
func (as *AddressSpace) Unmap(va memarch.VirtAddr) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.pt.Unmap(va)
}

// Physical returns the frame address and permissions mapped at va.
func (as *AddressSpace) Physical(va memarch.VirtAddr) (memarch.PhysAddr, memarch.AccessType, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.pt.Lookup(va)
}

// Protect rewrites the permissions of the mapping at va.
func (as *AddressSpace) Protect(va memarch.VirtAddr, at memarch.AccessType) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.pt.Protect(va, at)
}

// WithLocked runs fn with the space lock held, passing the raw page tables
// and a VMA finder. The pager uses this to make fault classification and the
// resulting mapping one critical section: a concurrent unmap of the same
// address cannot interleave.
func (as *AddressSpace) WithLocked(fn func(pt *ptables.PageTables, findVMA func(memarch.VirtAddr) (*VMA, bool)) error) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return fn(as.pt, as.findVMALocked)
}

// ReserveHeap inserts the heap VMA and records the heap bounds.
func (as *AddressSpace) ReserveHeap(base, limit memarch.VirtAddr, at memarch.AccessType) error {
	if err := as.InsertVMA(&VMA{Start: base, End: limit, Access: at, Flags: VMAFlags{ZeroOnDemand: true, Heap: true}}); err != nil {
		return err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	as.heapBase, as.heapLimit = base, limit
	return nil
}

// ReserveStack inserts the stack VMA and records the stack top.
func (as *AddressSpace) ReserveStack(top memarch.VirtAddr, size uint64, at memarch.AccessType) error {
	base := top - memarch.VirtAddr(size)
	if err := as.InsertVMA(&VMA{Start: base, End: top, Access: at, Flags: VMAFlags{ZeroOnDemand: true, Stack: true}}); err != nil {
		return err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	as.stackTop = top
	return nil
}

// HeapBounds returns the reserved heap range.
func (as *AddressSpace) HeapBounds() (base, limit memarch.VirtAddr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.heapBase, as.heapLimit
}

// Fork clones the address space for copy-on-write.
//
// The child receives copies of every VMA and shares every resident frame of
// the parent's lower half: writable pages are write-protected and tagged COW
// in both trees, read-only pages are shared as-is. share is called once per
// frame that becomes shared; the pager uses it to start reference counting.
// On failure every side effect is undone: unshare is called once per share
// call already made, and pages this fork write-protected get their write
// access back.
//
// Preconditions: no page of the parent's lower half is currently swapped out
// (the pager's Fork wrapper restores residency first).
func (as *AddressSpace) Fork(share, unshare func(pa memarch.PhysAddr)) (*AddressSpace, error) {
	child, err := as.vm.NewAddressSpace()
	if err != nil {
		return nil, err
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	as.vmas.Ascend(func(v *VMA) bool {
		c := *v
		child.vmas.ReplaceOrInsert(&c)
		return true
	})
	child.heapBase, child.heapLimit = as.heapBase, as.heapLimit
	child.stackTop = as.stackTop

	type protected struct {
		va memarch.VirtAddr
		at memarch.AccessType
	}
	var (
		ferr      error
		shared    []memarch.PhysAddr
		reprotect []protected
	)
	as.pt.VisitLower(func(va memarch.VirtAddr, pte ptables.PTE) bool {
		pa := pte.Address()
		opts := ptables.MapOpts{Access: pte.Access()}
		switch {
		case pte.COW():
			// Already shared from an earlier fork; the child joins.
			opts.COW = true
		case pte.Writable():
			at := pte.Access()
			if ferr = as.pt.WriteProtectForCOW(va); ferr != nil {
				return false
			}
			reprotect = append(reprotect, protected{va, at})
			opts.COW = true
		}
		if ferr = child.pt.Map(va, pa, opts); ferr != nil {
			return false
		}
		shared = append(shared, pa)
		share(pa)
		return true
	})
	if ferr != nil {
		// The parent must come out untouched: restore write access to
		// pages this fork protected and return the share references.
		// The child's leaf mappings all point at the parent's frames,
		// so destroying it releases only table nodes.
		for _, pr := range reprotect {
			as.pt.Protect(pr.va, pr.at)
		}
		for _, pa := range shared {
			unshare(pa)
		}
		child.DecRef()
		return nil, memerr.Wrapf(memerr.ErrOutOfMemory, "fork: %v", ferr)
	}
	return child, nil
}
