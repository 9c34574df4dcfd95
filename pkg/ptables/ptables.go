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

// Package ptables provides a generic implementation of 4-level page tables.
//
// Table nodes live inside physical frames obtained from an Allocator; this
// package never allocates node storage itself. Entries are stored
// little-endian in the node frame, 512 per node, so the in-memory layout is
// exactly what paging hardware would walk.
package ptables

import (
	"encoding/binary"
	"fmt"

	"kmem.dev/kmem/pkg/memarch"
	"kmem.dev/kmem/pkg/memerr"
)

// Allocator provides frames for table nodes. The frame allocator satisfies
// this directly.
type Allocator interface {
	// AllocFrame returns a zeroed frame.
	AllocFrame() (memarch.PhysAddr, error)

	// FreeFrame returns a frame.
	FreeFrame(pa memarch.PhysAddr) error

	// FrameBytes returns the contents window of a frame.
	FrameBytes(pa memarch.PhysAddr) ([]byte, error)
}

// Invalidator receives translation-cache invalidations for the current CPU.
type Invalidator interface {
	// InvalidatePage invalidates any cached translation for the page
	// containing va.
	InvalidatePage(va memarch.VirtAddr)
}

// MapOpts are options for Map.
type MapOpts struct {
	// Access is the mapping's permissions.
	Access memarch.AccessType

	// COW write-protects the mapping and marks it copy-on-write.
	COW bool
}

// PageTables is one 4-level page-table tree.
type PageTables struct {
	alloc Allocator
	inv   Invalidator

	// root is the frame holding the top-level node; its address is what an
	// address-space switch loads into the hardware root-table register.
	root memarch.PhysAddr
}

// New creates an empty set of page tables.
func New(alloc Allocator, inv Invalidator) (*PageTables, error) {
	root, err := alloc.AllocFrame()
	if err != nil {
		return nil, memerr.Wrapf(memerr.ErrOutOfMemory, "allocating page-table root")
	}
	return &PageTables{alloc: alloc, inv: inv, root: root}, nil
}

// Root returns the physical address of the root node.
func (p *PageTables) Root() memarch.PhysAddr { return p.root }

// ShareUpper installs references to from's kernel upper-half root entries.
// The shared subtree remains owned by from; Release on this table never
// frees it.
func (p *PageTables) ShareUpper(from *PageTables) {
	src := p.node(from.root)
	dst := p.node(p.root)
	half := memarch.EntriesPerNode / 2
	for i := half; i < memarch.EntriesPerNode; i++ {
		setEntry(dst, i, entry(src, i))
	}
}

// Map installs va -> pa with the given options.
//
// Preconditions: va and pa are page-aligned; va is canonical. Intermediate
// nodes are allocated on demand. Map fails with AlreadyMapped if the leaf
// entry is present; a swapped leaf entry must be cleared by its owner first.
func (p *PageTables) Map(va memarch.VirtAddr, pa memarch.PhysAddr, opts MapOpts) error {
	if err := checkVirt(va); err != nil {
		return err
	}
	if !pa.IsPageAligned() {
		return memerr.Wrapf(memerr.ErrInvalidArgument, "misaligned frame %#x", pa)
	}
	leaf, idx, err := p.walk(va, true)
	if err != nil {
		return err
	}
	if old := entry(leaf, idx); old.Present() {
		return memerr.Wrapf(memerr.ErrAlreadyMapped, "va %#x maps frame %#x", va, old.Address())
	}
	setEntry(leaf, idx, makePTE(pa, opts.Access, opts.COW))
	p.inv.InvalidatePage(va)
	return nil
}

// Unmap removes the mapping for va. The underlying frame is not freed; frame
// ownership stays with the caller since mappings may be shared.
func (p *PageTables) Unmap(va memarch.VirtAddr) error {
	leaf, idx, err := p.walk(va, false)
	if err != nil {
		return err
	}
	if leaf == nil || !entry(leaf, idx).Present() {
		return memerr.Wrapf(memerr.ErrNotMapped, "va %#x", va)
	}
	setEntry(leaf, idx, 0)
	p.inv.InvalidatePage(va)
	return nil
}

// Lookup returns the frame address and permissions mapped at va.
func (p *PageTables) Lookup(va memarch.VirtAddr) (memarch.PhysAddr, memarch.AccessType, error) {
	pte, ok := p.Entry(va)
	if !ok || !pte.Present() {
		return memarch.NoPhysAddr, memarch.NoAccess, memerr.Wrapf(memerr.ErrNotMapped, "va %#x", va)
	}
	return pte.Address(), pte.Access(), nil
}

// Protect rewrites the permissions of the present mapping at va.
func (p *PageTables) Protect(va memarch.VirtAddr, at memarch.AccessType) error {
	leaf, idx, err := p.walk(va, false)
	if err != nil {
		return err
	}
	if leaf == nil {
		return memerr.Wrapf(memerr.ErrNotMapped, "va %#x", va)
	}
	old := entry(leaf, idx)
	if !old.Present() {
		return memerr.Wrapf(memerr.ErrNotMapped, "va %#x", va)
	}
	setEntry(leaf, idx, makePTE(old.Address(), at, false))
	p.inv.InvalidatePage(va)
	return nil
}

// WriteProtectForCOW strips write permission from the present mapping at va
// and tags it copy-on-write.
func (p *PageTables) WriteProtectForCOW(va memarch.VirtAddr) error {
	leaf, idx, err := p.walk(va, false)
	if err != nil {
		return err
	}
	if leaf == nil {
		return memerr.Wrapf(memerr.ErrNotMapped, "va %#x", va)
	}
	old := entry(leaf, idx)
	if !old.Present() {
		return memerr.Wrapf(memerr.ErrNotMapped, "va %#x", va)
	}
	setEntry(leaf, idx, makePTE(old.Address(), old.Access(), true))
	p.inv.InvalidatePage(va)
	return nil
}

// Entry returns the raw leaf entry for va. ok is false if no leaf entry
// exists (an intermediate node is absent); a zero entry with ok true means
// the slot exists but is empty.
func (p *PageTables) Entry(va memarch.VirtAddr) (PTE, bool) {
	leaf, idx, err := p.walk(va, false)
	if err != nil || leaf == nil {
		return 0, false
	}
	return entry(leaf, idx), true
}

// SetSwapEntry records a swap slot in the dead leaf entry for va. The entry
// must not be present.
func (p *PageTables) SetSwapEntry(va memarch.VirtAddr, slot uint32) error {
	leaf, idx, err := p.walk(va, true)
	if err != nil {
		return err
	}
	if entry(leaf, idx).Present() {
		return memerr.Wrapf(memerr.ErrAlreadyMapped, "va %#x is resident", va)
	}
	setEntry(leaf, idx, makeSwapPTE(slot))
	return nil
}

// ClearSwapEntry removes and returns the swap slot recorded at va.
func (p *PageTables) ClearSwapEntry(va memarch.VirtAddr) (uint32, error) {
	leaf, idx, err := p.walk(va, false)
	if err != nil {
		return 0, err
	}
	if leaf == nil {
		return 0, memerr.Wrapf(memerr.ErrNotMapped, "va %#x", va)
	}
	pte := entry(leaf, idx)
	if !pte.Swapped() {
		return 0, memerr.Wrapf(memerr.ErrNotMapped, "va %#x has no swap entry", va)
	}
	setEntry(leaf, idx, 0)
	return pte.SwapSlot(), nil
}

// node returns the entries of the node frame at pa. Node frames are owned by
// this tree (or shared from the kernel tree); failure to resolve one means
// the tree structure itself is corrupt.
func (p *PageTables) node(pa memarch.PhysAddr) []byte {
	b, err := p.alloc.FrameBytes(pa)
	if err != nil {
		panic(fmt.Sprintf("ptables: lost node frame %#x: %v", pa, err))
	}
	return b
}

func entry(node []byte, idx int) PTE {
	return PTE(binary.LittleEndian.Uint64(node[idx*memarch.EntryBytes:]))
}

func setEntry(node []byte, idx int, pte PTE) {
	binary.LittleEndian.PutUint64(node[idx*memarch.EntryBytes:], uint64(pte))
}

func checkVirt(va memarch.VirtAddr) error {
	if !va.IsPageAligned() {
		return memerr.Wrapf(memerr.ErrInvalidArgument, "misaligned address %#x", va)
	}
	if !va.IsCanonical() {
		return memerr.Wrapf(memerr.ErrInvalidArgument, "non-canonical address %#x", va)
	}
	return nil
}
