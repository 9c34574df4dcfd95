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
	"kmem.dev/kmem/pkg/memerr"
)

// CheckIntegrity walks every block in storage order and cross-checks the
// free list, validating:
//
//   - every check tag,
//   - storage-order back links and exact adjacency (no gaps, no overlap),
//   - that headers plus payloads exactly cover the arena,
//   - that no two free blocks are storage-adjacent (coalescing invariant),
//   - that the free list and the free flags agree, and that block counts
//     match the running bookkeeping.
//
// It is a diagnostic: not called on allocation paths.
func (h *Heap) CheckIntegrity() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var (
		covered    uint64
		blocks     uint64
		freeBlocks uint64
		freeBytes  uint64
		usedBytes  uint64
		prev       = nilOff
		prevFree   bool
	)
	for off := uint64(0); off < uint64(len(h.arena)); {
		blk, err := h.readHeader(off)
		if err != nil {
			return err
		}
		if blk.prev != prev {
			return memerr.Wrapf(memerr.ErrCorruption, "block %#x back link %#x, want %#x", off, blk.prev, prev)
		}
		if prev != nilOff && prevFree && blk.free() {
			return memerr.Wrapf(memerr.ErrCorruption, "adjacent free blocks %#x and %#x", prev, off)
		}
		blocks++
		covered += headerBytes + blk.size
		if blk.free() {
			freeBlocks++
			freeBytes += blk.size
		} else {
			usedBytes += blk.size
		}
		prev, prevFree = off, blk.free()
		next := blk.end()
		if blk.next == nilOff {
			if next != uint64(len(h.arena)) {
				return memerr.Wrapf(memerr.ErrCorruption, "last block %#x ends at %#x, want arena end %#x", off, next, len(h.arena))
			}
			break
		}
		if blk.next != next {
			return memerr.Wrapf(memerr.ErrCorruption, "block %#x forward link %#x, want %#x", off, blk.next, next)
		}
		off = next
	}
	if covered != uint64(len(h.arena)) {
		return memerr.Wrapf(memerr.ErrCorruption, "blocks cover %d of %d arena bytes", covered, len(h.arena))
	}

	// The free list must contain exactly the free blocks.
	var listed uint64
	for off := h.freeHead; off != nilOff; {
		blk, err := h.readHeader(off)
		if err != nil {
			return err
		}
		if !blk.free() {
			return memerr.Wrapf(memerr.ErrCorruption, "allocated block %#x on free list", off)
		}
		listed++
		if listed > blocks {
			return memerr.Wrapf(memerr.ErrCorruption, "free list cycle")
		}
		off, _ = h.freeLinks(off)
	}
	if listed != freeBlocks {
		return memerr.Wrapf(memerr.ErrCorruption, "free list has %d blocks, %d are flagged free", listed, freeBlocks)
	}

	// Cross-check the running counters.
	if blocks != h.stats.Blocks || freeBlocks != h.stats.FreeBlocks ||
		freeBytes != h.stats.FreeBytes || usedBytes != h.stats.UsedBytes {
		return memerr.Wrapf(memerr.ErrCorruption,
			"bookkeeping drift: counted blocks=%d free=%d freeBytes=%d usedBytes=%d, stats blocks=%d free=%d freeBytes=%d usedBytes=%d",
			blocks, freeBlocks, freeBytes, usedBytes,
			h.stats.Blocks, h.stats.FreeBlocks, h.stats.FreeBytes, h.stats.UsedBytes)
	}
	return nil
}

// Layout returns (offset, size, free) triples for every block in storage
// order. Tests use it to compare exact arena layouts.
func (h *Heap) Layout() []BlockInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []BlockInfo
	for off := uint64(0); off < uint64(len(h.arena)); {
		blk, err := h.readHeader(off)
		if err != nil {
			return out
		}
		out = append(out, BlockInfo{Off: off, Size: blk.size, Free: blk.free()})
		if blk.next == nilOff {
			break
		}
		off = blk.next
	}
	return out
}

// BlockInfo describes one block for diagnostics.
type BlockInfo struct {
	Off  uint64
	Size uint64
	Free bool
}
