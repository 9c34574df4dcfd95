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

package heap

import (
	"kmem.dev/kmem/pkg/memarch"
	"kmem.dev/kmem/pkg/memerr"
)

// tagFor computes the positional check tag for the block at off. A block
// moved, overwritten, or fabricated at the wrong offset fails the check.
func tagFor(off uint64) uint32 {
	return tagMagic ^ uint32(off) ^ uint32(off>>32)
}

// readHeader decodes and validates the header at off.
func (h *Heap) readHeader(off uint64) (header, error) {
	if off+headerBytes > uint64(len(h.arena)) || off%alignBytes != 0 {
		return header{}, memerr.Wrapf(memerr.ErrInvalidArgument, "bad block offset %#x", off)
	}
	b := h.arena[off:]
	hdr := header{
		off:   off,
		size:  le.Uint64(b[0:]),
		tag:   le.Uint32(b[8:]),
		flags: le.Uint32(b[12:]),
		prev:  le.Uint64(b[16:]),
		next:  le.Uint64(b[24:]),
	}
	if hdr.tag != tagFor(off) {
		return header{}, memerr.Wrapf(memerr.ErrCorruption, "block %#x check tag %#x, want %#x", off, hdr.tag, tagFor(off))
	}
	if hdr.end() > uint64(len(h.arena)) {
		return header{}, memerr.Wrapf(memerr.ErrCorruption, "block %#x size %d escapes arena", off, hdr.size)
	}
	return hdr, nil
}

// writeHeader encodes hdr, stamping the correct tag.
func (h *Heap) writeHeader(hdr *header) {
	b := h.arena[hdr.off:]
	le.PutUint64(b[0:], hdr.size)
	le.PutUint32(b[8:], tagFor(hdr.off))
	le.PutUint32(b[12:], hdr.flags)
	le.PutUint64(b[16:], hdr.prev)
	le.PutUint64(b[24:], hdr.next)
}

// payload returns the payload bytes of a block.
func (h *Heap) payload(hdr *header) []byte {
	start := hdr.off + headerBytes
	return h.arena[start : start+hdr.size]
}

// payloadAligned returns true if the block's payload virtual address is
// aligned to alignment.
func (h *Heap) payloadAligned(hdr *header, alignment uint64) bool {
	return uint64(h.base+memarch.VirtAddr(hdr.off+headerBytes))%alignment == 0
}

// blockForPayload resolves the block whose payload starts at va.
func (h *Heap) blockForPayload(va memarch.VirtAddr) (header, error) {
	if va < h.base+headerBytes || va >= h.base+memarch.VirtAddr(len(h.arena)) {
		return header{}, memerr.Wrapf(memerr.ErrInvalidArgument, "address %#x outside heap arena", va)
	}
	return h.readHeader(uint64(va-h.base) - headerBytes)
}

// Free-list links live in the first 16 payload bytes of free blocks.

func (h *Heap) freeLinks(off uint64) (next, prev uint64) {
	b := h.arena[off+headerBytes:]
	return le.Uint64(b[0:]), le.Uint64(b[8:])
}

func (h *Heap) setFreeLinks(off, next, prev uint64) {
	b := h.arena[off+headerBytes:]
	le.PutUint64(b[0:], next)
	le.PutUint64(b[8:], prev)
}

// pushFree inserts a free block at the head of the free list.
func (h *Heap) pushFree(hdr *header) {
	h.setFreeLinks(hdr.off, h.freeHead, nilOff)
	if h.freeHead != nilOff {
		next, _ := h.freeLinks(h.freeHead)
		h.setFreeLinks(h.freeHead, next, hdr.off)
	}
	h.freeHead = hdr.off
}

// unlinkFree removes a block from the free list.
func (h *Heap) unlinkFree(off uint64) {
	next, prev := h.freeLinks(off)
	if prev == nilOff {
		h.freeHead = next
	} else {
		_, pp := h.freeLinks(prev)
		h.setFreeLinks(prev, next, pp)
	}
	if next != nilOff {
		nn, _ := h.freeLinks(next)
		h.setFreeLinks(next, nn, prev)
	}
}

// carveLocked converts the free block blk into an allocated block of exactly
// size payload bytes, splitting off the tail as a new free block when the
// remainder is big enough to be useful.
//
// Preconditions: blk is free, on the free list, and blk.size >= size.
func (h *Heap) carveLocked(blk *header, size uint64) {
	h.unlinkFree(blk.off)
	h.stats.FreeBlocks--
	h.stats.FreeBytes -= blk.size

	if blk.size-size >= minBlock {
		rem := header{
			off:   blk.off + headerBytes + size,
			size:  blk.size - size - headerBytes,
			flags: flagFree,
			prev:  blk.off,
			next:  blk.next,
		}
		if rem.next != nilOff {
			if nxt, err := h.readHeader(rem.next); err == nil {
				nxt.prev = rem.off
				h.writeHeader(&nxt)
			}
		}
		h.writeHeader(&rem)
		h.pushFree(&rem)
		blk.next = rem.off
		blk.size = size
		h.stats.Blocks++
		h.stats.FreeBlocks++
		h.stats.FreeBytes += rem.size
	}

	blk.flags &^= flagFree
	h.writeHeader(blk)
}

// splitFrontLocked splits blk so that the returned block's payload is
// alignment-aligned; the misaligned front becomes its own free block which
// stays on the free list.
//
// Preconditions: blk is free, on the free list, and large enough that the
// aligned remainder exists (the caller checked against the padded size).
func (h *Heap) splitFrontLocked(blk *header, alignment uint64) (header, error) {
	pOff := blk.off + headerBytes
	alignedVA := roundUp(uint64(h.base)+pOff+minBlock, alignment)
	q := alignedVA - uint64(h.base)
	if q+minPayload > blk.end() {
		return header{}, memerr.ErrOutOfMemory
	}

	newBlk := header{
		off:   q - headerBytes,
		size:  blk.end() - q,
		flags: flagFree,
		prev:  blk.off,
		next:  blk.next,
	}
	if newBlk.next != nilOff {
		if nxt, err := h.readHeader(newBlk.next); err == nil {
			nxt.prev = newBlk.off
			h.writeHeader(&nxt)
		}
	}

	// Shrink the front in place; it keeps its free-list position.
	blk.size = newBlk.off - blk.off - headerBytes
	blk.next = newBlk.off
	h.writeHeader(blk)
	h.writeHeader(&newBlk)
	h.pushFree(&newBlk)

	h.stats.Blocks++
	h.stats.FreeBlocks++
	h.stats.FreeBytes -= headerBytes
	return newBlk, nil
}

// absorbLocked merges free block b into its free storage predecessor a.
// Both are on the free list; b leaves it.
//
// Preconditions: a.next == b.off; both a and b are free.
func (h *Heap) absorbLocked(a, b *header) {
	h.unlinkFree(b.off)
	a.size += headerBytes + b.size
	a.next = b.next
	if b.next != nilOff {
		if nxt, err := h.readHeader(b.next); err == nil {
			nxt.prev = a.off
			h.writeHeader(&nxt)
		}
	}
	h.writeHeader(a)
	h.stats.Blocks--
	h.stats.FreeBlocks--
	h.stats.FreeBytes += headerBytes
}

func (h *Heap) largestFreeLocked() uint64 {
	var largest uint64
	for off := h.freeHead; off != nilOff; {
		blk, err := h.readHeader(off)
		if err != nil {
			break
		}
		if blk.size > largest {
			largest = blk.size
		}
		off, _ = h.freeLinks(off)
	}
	return largest
}
