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

// Package heap implements the kernel heap allocator.
//
// The heap is a fixed arena of physically contiguous frames mapped one-to-one
// into the kernel address space. Blocks carry intrusive headers in storage
// order with a positional check tag; free blocks additionally chain through a
// free list. The arena does not grow: exhaustion is reported, never deferred.
package heap

import (
	"encoding/binary"
	"math"

	"kmem.dev/kmem/pkg/frame"
	"kmem.dev/kmem/pkg/log"
	"kmem.dev/kmem/pkg/memarch"
	"kmem.dev/kmem/pkg/memerr"
	"kmem.dev/kmem/pkg/ptables"
	"kmem.dev/kmem/pkg/sync"
	"kmem.dev/kmem/pkg/vm"
)

const (
	// headerBytes is the size of a block header:
	// size(8) + tag(4) + flags(4) + prev(8) + next(8).
	headerBytes = 32

	// alignBytes is the payload alignment and size quantum.
	alignBytes = 16

	// minPayload is the smallest payload a split may leave behind; free
	// blocks store their list links there.
	minPayload = 16

	// minBlock is the smallest whole block.
	minBlock = headerBytes + minPayload

	// tagMagic seeds the positional check tag.
	tagMagic = 0x6b6d6865 // "kmhe"

	flagFree = 1

	// nilOff terminates both the storage chain and the free list.
	nilOff = ^uint64(0)
)

// le is the on-arena byte order.
var le = binary.LittleEndian

// AllocFlags modify an allocation.
type AllocFlags struct {
	// Zero clears the payload before returning it.
	Zero bool
}

// Stats is a point-in-time snapshot of heap state.
type Stats struct {
	ArenaBytes   uint64
	UsedBytes    uint64 // payload bytes of allocated blocks
	FreeBytes    uint64 // payload bytes of free blocks
	Blocks       uint64
	FreeBlocks   uint64
	LargestFree  uint64
	Allocations  uint64 // cumulative successful Allocs
	Frees        uint64 // cumulative successful Frees
	FailedAllocs uint64
}

// Heap is the kernel dynamic-allocation arena.
type Heap struct {
	// mu guards the block list, the free list, and counters; held for the
	// duration of any mutation (one global heap lock).
	mu sync.Mutex

	// arena aliases the contiguous frame run backing the heap.
	arena []byte

	// base is the kernel virtual address of arena[0]; Alloc results and
	// Free arguments are virtual addresses in [base, base+len(arena)).
	base memarch.VirtAddr

	// firstFrame is the start of the backing frame run.
	firstFrame memarch.PhysAddr

	// freeHead is the offset of the first free block, or nilOff.
	freeHead uint64

	stats Stats
	log   log.Logger
}

// header is the decoded form of a block header. off identifies the block.
type header struct {
	off   uint64
	size  uint64 // payload bytes
	tag   uint32
	flags uint32
	prev  uint64 // storage-order neighbors, nilOff at the ends
	next  uint64
}

func (h *header) free() bool { return h.flags&flagFree != 0 }

// end returns the offset one past the block's payload.
func (h *header) end() uint64 { return h.off + headerBytes + h.size }

// New reserves [base, base+size) in the kernel address space, backs it with a
// contiguous frame run, and installs one free block spanning the arena.
func New(fa *frame.Allocator, kernel *vm.AddressSpace, base memarch.VirtAddr, size uint64) (*Heap, error) {
	if size == 0 || size%memarch.PageSize != 0 || !base.IsPageAligned() {
		return nil, memerr.Wrapf(memerr.ErrInvalidArgument, "bad heap arena [%#x, +%#x)", base, size)
	}
	if !base.IsKernel() {
		return nil, memerr.Wrapf(memerr.ErrInvalidArgument, "heap arena %#x outside kernel half", base)
	}
	nframes := size >> memarch.PageShift
	first, err := fa.AllocContiguous(nframes)
	if err != nil {
		return nil, err
	}
	vma := &vm.VMA{
		Start:  base,
		End:    base + memarch.VirtAddr(size),
		Access: memarch.ReadWrite,
		Flags:  vm.VMAFlags{Heap: true},
	}
	if err := kernel.InsertVMA(vma); err != nil {
		fa.FreeContiguous(first, nframes)
		return nil, err
	}
	// Frames are returned only after every mapping to them is gone.
	unwind := func(mapped uint64) {
		for j := uint64(0); j < mapped; j++ {
			kernel.Unmap(base + memarch.VirtAddr(j<<memarch.PageShift))
		}
		kernel.RemoveVMA(vma)
		fa.FreeContiguous(first, nframes)
	}
	for i := uint64(0); i < nframes; i++ {
		va := base + memarch.VirtAddr(i<<memarch.PageShift)
		pa := first + memarch.PhysAddr(i<<memarch.PageShift)
		if err := kernel.Map(va, pa, ptables.MapOpts{Access: memarch.ReadWrite}); err != nil {
			unwind(i)
			return nil, err
		}
	}
	arena, err := fa.RangeBytes(first, nframes)
	if err != nil {
		unwind(nframes)
		return nil, err
	}

	h := &Heap{
		arena:      arena,
		base:       base,
		firstFrame: first,
		freeHead:   nilOff,
		log:        log.Prefixed("heap: ", log.Log()),
	}
	h.stats.ArenaBytes = size

	// One free block spanning everything.
	init := header{off: 0, size: size - headerBytes, flags: flagFree, prev: nilOff, next: nilOff}
	h.writeHeader(&init)
	h.pushFree(&init)
	h.stats.Blocks = 1
	h.stats.FreeBlocks = 1
	h.stats.FreeBytes = init.size
	h.log.Infof("arena [%#x, +%#x), %d frames at %#x", base, size, nframes, first)
	return h, nil
}

// Alloc returns the kernel virtual address of a payload of at least size
// bytes. Zero-size requests are rejected; exhaustion fails with OutOfMemory
// and never returns a partially valid address.
func (h *Heap) Alloc(size uint64, flags AllocFlags) (memarch.VirtAddr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocLocked(size, flags)
}

func (h *Heap) allocLocked(size uint64, flags AllocFlags) (memarch.VirtAddr, error) {
	if size == 0 {
		return 0, memerr.Wrapf(memerr.ErrInvalidArgument, "zero-size allocation")
	}
	// Anything past the arena can never fit; checked before roundUp so a
	// near-MaxUint64 size cannot wrap to a small one.
	if size > h.stats.ArenaBytes {
		h.stats.FailedAllocs++
		return 0, memerr.ErrOutOfMemory
	}
	size = roundUp(size, alignBytes)

	// First fit.
	for off := h.freeHead; off != nilOff; {
		blk, err := h.readHeader(off)
		if err != nil {
			return 0, err
		}
		next, _ := h.freeLinks(off)
		if blk.size >= size {
			h.carveLocked(&blk, size)
			va := h.base + memarch.VirtAddr(blk.off+headerBytes)
			if flags.Zero {
				clear(h.payload(&blk))
			}
			h.stats.Allocations++
			h.stats.UsedBytes += blk.size
			return va, nil
		}
		off = next
	}
	h.stats.FailedAllocs++
	h.log.Debugf("no free block for %d bytes (largest %d)", size, h.largestFreeLocked())
	return 0, memerr.ErrOutOfMemory
}

// AllocAligned is Alloc with a payload alignment guarantee. alignment must be
// a power of two.
func (h *Heap) AllocAligned(size, alignment uint64, flags AllocFlags) (memarch.VirtAddr, error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return 0, memerr.Wrapf(memerr.ErrInvalidArgument, "alignment %d is not a power of two", alignment)
	}
	if alignment <= alignBytes {
		return h.Alloc(size, flags)
	}
	if size == 0 {
		return 0, memerr.Wrapf(memerr.ErrInvalidArgument, "zero-size allocation")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if size > h.stats.ArenaBytes || alignment > h.stats.ArenaBytes {
		h.stats.FailedAllocs++
		return 0, memerr.ErrOutOfMemory
	}
	size = roundUp(size, alignBytes)
	// Over-allocate so an aligned payload slot exists even in the worst
	// placement, then give the misaligned front back as its own free
	// block.
	padded := size + alignment + minBlock
	for off := h.freeHead; off != nilOff; {
		blk, err := h.readHeader(off)
		if err != nil {
			return 0, err
		}
		next, _ := h.freeLinks(off)
		if blk.size >= padded || (blk.size >= size && h.payloadAligned(&blk, alignment)) {
			if !h.payloadAligned(&blk, alignment) {
				var serr error
				blk, serr = h.splitFrontLocked(&blk, alignment)
				if serr != nil {
					return 0, serr
				}
			}
			h.carveLocked(&blk, size)
			va := h.base + memarch.VirtAddr(blk.off+headerBytes)
			if flags.Zero {
				clear(h.payload(&blk))
			}
			h.stats.Allocations++
			h.stats.UsedBytes += blk.size
			return va, nil
		}
		off = next
	}
	h.stats.FailedAllocs++
	return 0, memerr.ErrOutOfMemory
}

// AllocArray allocates count elements of elemSize bytes, rejecting the
// request before count*elemSize can overflow.
func (h *Heap) AllocArray(count, elemSize uint64, flags AllocFlags) (memarch.VirtAddr, error) {
	if count == 0 || elemSize == 0 {
		return 0, memerr.Wrapf(memerr.ErrInvalidArgument, "zero-size array allocation")
	}
	if count > math.MaxUint64/elemSize {
		return 0, memerr.Wrapf(memerr.ErrInvalidArgument, "array of %d*%d bytes overflows", count, elemSize)
	}
	return h.Alloc(count*elemSize, flags)
}

// Free returns the block with payload at va. The header tag is validated
// first; a wrong tag or an already-free block fails with Corruption and
// changes nothing. Freeing always coalesces with free storage-order
// neighbors.
func (h *Heap) Free(va memarch.VirtAddr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.freeLocked(va)
}

func (h *Heap) freeLocked(va memarch.VirtAddr) error {
	blk, err := h.blockForPayload(va)
	if err != nil {
		h.log.Warningf("rejecting free of %#x: %v", va, err)
		return err
	}
	if blk.free() {
		h.log.Warningf("double free of %#x", va)
		return memerr.Wrapf(memerr.ErrCorruption, "double free of %#x", va)
	}

	h.stats.Frees++
	h.stats.UsedBytes -= blk.size
	h.stats.FreeBytes += blk.size
	blk.flags |= flagFree
	h.writeHeader(&blk)
	h.pushFree(&blk)
	h.stats.FreeBlocks++

	// Coalesce forward, then backward. This is the only defragmentation
	// path, so it runs on every free.
	if blk.next != nilOff {
		if nxt, err := h.readHeader(blk.next); err == nil && nxt.free() {
			h.absorbLocked(&blk, &nxt)
		}
	}
	if blk.prev != nilOff {
		if prv, err := h.readHeader(blk.prev); err == nil && prv.free() {
			h.absorbLocked(&prv, &blk)
		}
	}
	return nil
}

// Realloc resizes the allocation at va. If the existing block already
// satisfies newSize this is a no-op; otherwise a fresh block is allocated,
// the payload copied, and the original freed.
func (h *Heap) Realloc(va memarch.VirtAddr, newSize uint64) (memarch.VirtAddr, error) {
	if newSize == 0 {
		return 0, memerr.Wrapf(memerr.ErrInvalidArgument, "zero-size reallocation")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	blk, err := h.blockForPayload(va)
	if err != nil {
		return 0, err
	}
	if blk.free() {
		return 0, memerr.Wrapf(memerr.ErrCorruption, "realloc of free block %#x", va)
	}
	if blk.size >= newSize {
		return va, nil
	}
	nva, err := h.allocLocked(newSize, AllocFlags{})
	if err != nil {
		return 0, err
	}
	nblk, err := h.blockForPayload(nva)
	if err != nil {
		return 0, err
	}
	copy(h.payload(&nblk), h.payload(&blk))
	if err := h.freeLocked(va); err != nil {
		return 0, err
	}
	return nva, nil
}

// Stats returns a snapshot of heap state.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.LargestFree = h.largestFreeLocked()
	return s
}

// Base returns the arena's kernel virtual base address.
func (h *Heap) Base() memarch.VirtAddr { return h.base }

func roundUp(v, quantum uint64) uint64 {
	return (v + quantum - 1) &^ (quantum - 1)
}
