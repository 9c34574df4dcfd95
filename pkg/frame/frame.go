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

// Package frame implements the physical frame allocator.
//
// The allocator owns all physical memory. Frame state is exactly one bit in a
// bitmap; everything else about a frame (contents, mappings, sharing) belongs
// to whoever allocated it. Frames are zeroed both when handed out and when
// returned, so no owner ever observes another owner's data.
package frame

import (
	"kmem.dev/kmem/pkg/bitmap"
	"kmem.dev/kmem/pkg/log"
	"kmem.dev/kmem/pkg/memarch"
	"kmem.dev/kmem/pkg/memerr"
	"kmem.dev/kmem/pkg/memutil"
	"kmem.dev/kmem/pkg/sync"
)

// Allocator hands out fixed-size physical page frames.
//
// The backing "physical memory" is one anonymous host mapping covering every
// address reported by the boot memory map; frame contents live there and are
// reachable through FrameBytes.
type Allocator struct {
	// mu guards the bitmap and counters. Held only for the duration of the
	// bitmap mutation; frame zeroing happens outside any mapping concerns
	// but inside the lock so a concurrent allocation cannot observe stale
	// bytes.
	mu sync.Mutex

	// arena backs frame contents for [0, limit).
	arena []byte

	// used has one bit per frame; set means allocated or reserved.
	used *bitmap.Bitmap

	// totalFrames counts usable frames: frames inside available regions,
	// including those later reserved for the bitmap itself.
	totalFrames uint64

	// freeFrames counts currently allocatable frames.
	freeFrames uint64

	// hint is the frame after the last single-frame allocation. Scans
	// start here to spread allocations and limit long-lived fragmentation.
	hint uint32

	// bitmapFirst/bitmapFrames record the self-hosted bitmap reservation.
	bitmapFirst  uint64
	bitmapFrames uint64

	log log.Logger
}

// Stats is a point-in-time snapshot of allocator state.
type Stats struct {
	// TotalFrames is the number of usable frames.
	TotalFrames uint64

	// FreeFrames is the number of allocatable frames.
	FreeFrames uint64

	// LongestRun is the length in frames of the largest contiguous free
	// range.
	LongestRun uint64

	// Fragmentation estimates external fragmentation as
	// 1 - LongestRun/FreeFrames, in [0, 1]. Zero when nothing is free.
	Fragmentation float64
}

// New creates an Allocator from the boot-time memory map.
//
// Every frame starts reserved; frames inside available regions are then
// released, and finally the frames hosting the allocator's own bitmap are
// re-reserved. New fails with OutOfMemory if no available region can host the
// bitmap.
func New(regions []memarch.MemRegion) (*Allocator, error) {
	var limit memarch.PhysAddr
	for _, r := range regions {
		if end := r.End().RoundUp(); end > limit {
			limit = end
		}
	}
	if limit == 0 {
		return nil, memerr.Wrapf(memerr.ErrInvalidArgument, "empty memory map")
	}
	nframes := uint64(limit) >> memarch.PageShift
	if nframes > uint64(^uint32(0)) {
		return nil, memerr.Wrapf(memerr.ErrInvalidArgument, "memory map covers %d frames, beyond bitmap capacity", nframes)
	}

	arena, err := memutil.MapAnonymous(int(limit))
	if err != nil {
		return nil, memerr.Wrapf(memerr.ErrOutOfMemory, "cannot reserve physical arena")
	}

	a := &Allocator{
		arena: arena,
		used:  bitmap.New(uint32(nframes)),
		log:   log.Prefixed("frame: ", log.Log()),
	}

	// Reserve everything, then release the available regions. Reserved
	// regions that overlap available ones are re-reserved afterwards, so
	// the order of entries in the map does not matter.
	a.used.SetRange(0, uint32(nframes))
	for _, r := range regions {
		if !r.Available {
			continue
		}
		first, end := r.FrameSpan()
		a.used.ClearRange(uint32(first), uint32(end))
	}
	for _, r := range regions {
		if r.Available {
			continue
		}
		first := uint64(r.Base.RoundDown()) >> memarch.PageShift
		end := uint64(r.End().RoundUp()) >> memarch.PageShift
		a.used.SetRange(uint32(first), uint32(end))
	}
	a.totalFrames = uint64(a.used.ZerosCount())

	// Host the bitmap itself in the first free run large enough for it.
	bitmapBytes := (nframes + 7) / 8
	a.bitmapFrames = (bitmapBytes + memarch.PageSize - 1) >> memarch.PageShift
	first, ok := a.used.FindZeroRun(0, uint32(a.bitmapFrames))
	if !ok {
		memutil.Unmap(arena)
		return nil, memerr.Wrapf(memerr.ErrOutOfMemory, "no region can host a %d-frame bitmap", a.bitmapFrames)
	}
	a.bitmapFirst = uint64(first)
	a.used.SetRange(first, first+uint32(a.bitmapFrames))

	a.freeFrames = uint64(a.used.ZerosCount())
	a.totalFrames = a.freeFrames + a.bitmapFrames
	a.log.Infof("%d usable frames, %d free, bitmap at frame %d (%d frames)",
		a.totalFrames, a.freeFrames, a.bitmapFirst, a.bitmapFrames)
	return a, nil
}

// Destroy releases the physical arena. No frames may be in use.
func (a *Allocator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	memutil.Unmap(a.arena)
	a.arena = nil
}

// AllocFrame allocates one zeroed frame and returns its physical address.
// On failure it returns NoPhysAddr and OutOfMemory.
func (a *Allocator) AllocFrame() (memarch.PhysAddr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, ok := a.used.FindZeroRun(a.hint, 1)
	if !ok {
		a.log.Warningf("out of frames (%d total)", a.totalFrames)
		return memarch.NoPhysAddr, memerr.ErrOutOfMemory
	}
	a.used.Set(idx)
	a.hint = idx + 1
	a.freeFrames--
	pa := memarch.FrameAddr(uint64(idx))
	a.zeroLocked(pa, 1)
	return pa, nil
}

// AllocContiguous allocates n zeroed frames with consecutive physical
// addresses and returns the address of the first. On failure it returns
// NoPhysAddr and OutOfMemory; n == 0 is rejected.
func (a *Allocator) AllocContiguous(n uint64) (memarch.PhysAddr, error) {
	if n == 0 {
		return memarch.NoPhysAddr, memerr.Wrapf(memerr.ErrInvalidArgument, "zero-length contiguous allocation")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > uint64(a.used.Size()) {
		a.log.Warningf("contiguous request for %d frames exceeds physical memory (%d frames)", n, a.used.Size())
		return memarch.NoPhysAddr, memerr.ErrOutOfMemory
	}
	first, ok := a.used.FindZeroRun(0, uint32(n))
	if !ok {
		a.log.Warningf("no free run of %d frames (%d free)", n, a.freeFrames)
		return memarch.NoPhysAddr, memerr.ErrOutOfMemory
	}
	a.used.SetRange(first, first+uint32(n))
	a.freeFrames -= n
	pa := memarch.FrameAddr(uint64(first))
	a.zeroLocked(pa, n)
	return pa, nil
}

// FreeFrame returns one frame to the allocator. The frame is zeroed.
//
// Misaligned or out-of-range addresses fail with InvalidArgument; freeing a
// frame that is not allocated fails with Corruption. Neither modifies state.
func (a *Allocator) FreeFrame(pa memarch.PhysAddr) error {
	return a.FreeContiguous(pa, 1)
}

// FreeContiguous returns n consecutive frames starting at pa.
//
// The range is validated in full before any bit changes: a free failure never
// leaves the bitmap partially updated.
func (a *Allocator) FreeContiguous(pa memarch.PhysAddr, n uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkRangeLocked(pa, n); err != nil {
		a.log.Warningf("rejecting free of [%#x, +%d frames): %v", pa, n, err)
		return err
	}
	first := uint32(pa.Frame())
	for i := uint32(0); i < uint32(n); i++ {
		if !a.used.IsSet(first + i) {
			a.log.Warningf("double free of frame %d", first+i)
			return memerr.Wrapf(memerr.ErrCorruption, "frame %d is already free", first+i)
		}
	}
	a.zeroLocked(pa, n)
	a.used.ClearRange(first, first+uint32(n))
	a.freeFrames += n
	return nil
}

// MarkRegionUsed forces every frame intersecting [start, end) to the used
// state, regardless of current state. It is idempotent and is how boot code
// reserves the kernel image and the initial ramdisk. Regions extending past
// physical memory fail with InvalidArgument.
func (a *Allocator) MarkRegionUsed(start, end memarch.PhysAddr) error {
	if start >= end {
		return memerr.Wrapf(memerr.ErrInvalidArgument, "empty region [%#x, %#x)", start, end)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint64(start) >= uint64(len(a.arena)) || uint64(end) > uint64(len(a.arena)) {
		return memerr.Wrapf(memerr.ErrInvalidArgument, "region [%#x, %#x) outside physical memory", start, end)
	}
	first := uint32(start.RoundDown().Frame())
	last := uint32(end.RoundUp().Frame())
	for i := first; i < last; i++ {
		if a.used.Set(i) {
			a.freeFrames--
		}
	}
	return nil
}

// FrameBytes returns the contents window of the frame at pa. The slice
// aliases the physical arena; it is valid until the frame is freed.
func (a *Allocator) FrameBytes(pa memarch.PhysAddr) ([]byte, error) {
	if !pa.IsPageAligned() || uint64(pa)+memarch.PageSize > uint64(len(a.arena)) {
		return nil, memerr.Wrapf(memerr.ErrInvalidArgument, "bad frame address %#x", pa)
	}
	return a.arena[pa : pa+memarch.PageSize : pa+memarch.PageSize], nil
}

// RangeBytes returns the contents window of n physically contiguous frames
// starting at pa, for owners of runs from AllocContiguous.
func (a *Allocator) RangeBytes(pa memarch.PhysAddr, n uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkRangeLocked(pa, n); err != nil {
		return nil, err
	}
	end := uint64(pa) + n*memarch.PageSize
	return a.arena[pa:end:end], nil
}

// Stats returns a snapshot of allocator state.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Stats{
		TotalFrames: a.totalFrames,
		FreeFrames:  a.freeFrames,
		LongestRun:  uint64(a.used.LongestZeroRun()),
	}
	if s.FreeFrames > 0 {
		s.Fragmentation = 1 - float64(s.LongestRun)/float64(s.FreeFrames)
	}
	return s
}

// checkRangeLocked validates that [pa, pa+n pages) is aligned and inside the
// arena.
func (a *Allocator) checkRangeLocked(pa memarch.PhysAddr, n uint64) error {
	if !pa.IsPageAligned() {
		return memerr.Wrapf(memerr.ErrInvalidArgument, "misaligned address %#x", pa)
	}
	if n == 0 {
		return memerr.Wrapf(memerr.ErrInvalidArgument, "zero-length range")
	}
	end := uint64(pa) + n*memarch.PageSize
	if end > uint64(len(a.arena)) || end < uint64(pa) {
		return memerr.Wrapf(memerr.ErrInvalidArgument, "range [%#x, %#x) outside physical memory", pa, end)
	}
	return nil
}

// zeroLocked clears the contents of n frames starting at pa.
func (a *Allocator) zeroLocked(pa memarch.PhysAddr, n uint64) {
	clear(a.arena[pa : uint64(pa)+n*memarch.PageSize])
}
