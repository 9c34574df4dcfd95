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
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"kmem.dev/kmem/pkg/frame"
	"kmem.dev/kmem/pkg/memarch"
	"kmem.dev/kmem/pkg/memerr"
	"kmem.dev/kmem/pkg/vm"
)

const arenaSize = 256 << 10

func testHeap(t *testing.T) *Heap {
	t.Helper()
	fa, err := frame.New([]memarch.MemRegion{
		{Base: 0, Length: 8 << 20, Available: true},
	})
	if err != nil {
		t.Fatalf("frame.New: %v", err)
	}
	t.Cleanup(fa.Destroy)
	v, err := vm.New(fa, vm.HostArch{})
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	h, err := New(fa, v.Kernel(), memarch.KernelBase+0x10000000, arenaSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func mustAlloc(t *testing.T, h *Heap, size uint64, flags AllocFlags) memarch.VirtAddr {
	t.Helper()
	va, err := h.Alloc(size, flags)
	if err != nil {
		t.Fatalf("Alloc(%d): %v", size, err)
	}
	return va
}

func checked(t *testing.T, h *Heap, step string) {
	t.Helper()
	if err := h.CheckIntegrity(); err != nil {
		t.Fatalf("%s: CheckIntegrity: %v", step, err)
	}
}

func TestAllocFreeRestoresLayout(t *testing.T) {
	h := testHeap(t)
	checked(t, h, "initial")
	before := h.Layout()

	va := mustAlloc(t, h, 1000, AllocFlags{})
	checked(t, h, "after alloc")
	if err := h.Free(va); err != nil {
		t.Fatalf("Free: %v", err)
	}
	checked(t, h, "after free")

	if diff := cmp.Diff(before, h.Layout()); diff != "" {
		t.Errorf("layout not restored (-before +after):\n%s", diff)
	}
}

func TestCoalesceThreeBlocks(t *testing.T) {
	h := testHeap(t)
	before := h.Layout()

	a := mustAlloc(t, h, 512, AllocFlags{})
	b := mustAlloc(t, h, 512, AllocFlags{})
	c := mustAlloc(t, h, 512, AllocFlags{})
	// A tail guard keeps the trailing free block from merging in, so the
	// coalescing below is exactly a+b+c.
	guard := mustAlloc(t, h, 64, AllocFlags{})
	checked(t, h, "after allocs")

	if err := h.Free(b); err != nil {
		t.Fatalf("Free(middle): %v", err)
	}
	checked(t, h, "freed middle")
	if err := h.Free(a); err != nil {
		t.Fatalf("Free(neighbor): %v", err)
	}
	checked(t, h, "freed neighbor")
	if err := h.Free(c); err != nil {
		t.Fatalf("Free(last): %v", err)
	}
	checked(t, h, "freed last")

	// The three regions and their two interior headers must now be one
	// free block.
	layout := h.Layout()
	if !layout[0].Free {
		t.Fatalf("first block not free: %+v", layout[0])
	}
	want := uint64(3*512 + 2*headerBytes)
	if layout[0].Size != want {
		t.Errorf("coalesced block size %d, want %d", layout[0].Size, want)
	}

	if err := h.Free(guard); err != nil {
		t.Fatalf("Free(guard): %v", err)
	}
	checked(t, h, "freed guard")
	if diff := cmp.Diff(before, h.Layout()); diff != "" {
		t.Errorf("layout not restored (-before +after):\n%s", diff)
	}
}

func TestAllocEdgeCases(t *testing.T) {
	h := testHeap(t)

	if _, err := h.Alloc(0, AllocFlags{}); memerr.KindOf(err) != memerr.KindInvalidArgument {
		t.Errorf("Alloc(0) = %v, want InvalidArgument", err)
	}
	if _, err := h.Alloc(arenaSize*2, AllocFlags{}); memerr.KindOf(err) != memerr.KindOutOfMemory {
		t.Errorf("oversized Alloc = %v, want OutOfMemory", err)
	}
	if _, err := h.AllocArray(1<<33, 1<<33, AllocFlags{}); memerr.KindOf(err) != memerr.KindInvalidArgument {
		t.Errorf("overflowing AllocArray = %v, want InvalidArgument", err)
	}
	if _, err := h.AllocArray(0, 8, AllocFlags{}); memerr.KindOf(err) != memerr.KindInvalidArgument {
		t.Errorf("AllocArray(0, 8) = %v, want InvalidArgument", err)
	}
	if _, err := h.AllocAligned(64, 3, AllocFlags{}); memerr.KindOf(err) != memerr.KindInvalidArgument {
		t.Errorf("AllocAligned with non-power-of-two = %v, want InvalidArgument", err)
	}
	checked(t, h, "after rejections")
}

func TestWrappingSizesRejected(t *testing.T) {
	h := testHeap(t)
	free := h.Stats().FreeBytes

	// Sizes whose 16-byte round-up wraps past zero must fail, not succeed
	// as tiny allocations.
	for _, size := range []uint64{math.MaxUint64, math.MaxUint64 - 8, math.MaxUint64 - 15} {
		if va, err := h.Alloc(size, AllocFlags{}); memerr.KindOf(err) != memerr.KindOutOfMemory {
			t.Errorf("Alloc(%#x) = %#x, %v, want OutOfMemory", size, va, err)
		}
	}
	if va, err := h.AllocAligned(math.MaxUint64-64, 4096, AllocFlags{}); memerr.KindOf(err) != memerr.KindOutOfMemory {
		t.Errorf("AllocAligned(huge, 4096) = %#x, %v, want OutOfMemory", va, err)
	}
	if va, err := h.AllocAligned(64, 1<<63, AllocFlags{}); memerr.KindOf(err) != memerr.KindOutOfMemory {
		t.Errorf("AllocAligned(64, 1<<63) = %#x, %v, want OutOfMemory", va, err)
	}
	va := mustAlloc(t, h, 64, AllocFlags{})
	if nva, err := h.Realloc(va, math.MaxUint64); memerr.KindOf(err) != memerr.KindOutOfMemory {
		t.Errorf("Realloc(huge) = %#x, %v, want OutOfMemory", nva, err)
	}
	if err := h.Free(va); err != nil {
		t.Fatalf("Free: %v", err)
	}

	checked(t, h, "after rejections")
	if got := h.Stats().FreeBytes; got != free {
		t.Errorf("FreeBytes = %d after failed allocations, want %d", got, free)
	}
}

func TestAllocZeroed(t *testing.T) {
	h := testHeap(t)
	va := mustAlloc(t, h, 256, AllocFlags{})
	blk, err := h.blockForPayload(va)
	if err != nil {
		t.Fatalf("blockForPayload: %v", err)
	}
	p := h.payload(&blk)
	for i := range p {
		p[i] = 0xee
	}
	if err := h.Free(va); err != nil {
		t.Fatalf("Free: %v", err)
	}
	va2 := mustAlloc(t, h, 256, AllocFlags{Zero: true})
	blk2, err := h.blockForPayload(va2)
	if err != nil {
		t.Fatalf("blockForPayload: %v", err)
	}
	for i, c := range h.payload(&blk2)[:256] {
		if c != 0 {
			t.Fatalf("zeroed payload byte %d = %#x", i, c)
		}
	}
}

func TestDoubleFree(t *testing.T) {
	h := testHeap(t)
	va := mustAlloc(t, h, 128, AllocFlags{})
	other := mustAlloc(t, h, 128, AllocFlags{})
	if err := h.Free(va); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := h.Free(va); memerr.KindOf(err) != memerr.KindCorruption {
		t.Errorf("double free = %v, want Corruption", err)
	}
	checked(t, h, "after double free attempt")
	if err := h.Free(other); err != nil {
		t.Fatalf("Free(other): %v", err)
	}
}

func TestFreeBadPointer(t *testing.T) {
	h := testHeap(t)
	va := mustAlloc(t, h, 128, AllocFlags{})

	for _, tc := range []struct {
		name string
		va   memarch.VirtAddr
		kind memerr.Kind
	}{
		{name: "outside arena", va: h.Base() - memarch.PageSize, kind: memerr.KindInvalidArgument},
		{name: "misaligned interior", va: va + 3, kind: memerr.KindInvalidArgument},
		{name: "interior of payload", va: va + 16, kind: memerr.KindCorruption},
	} {
		if err := h.Free(tc.va); memerr.KindOf(err) != tc.kind {
			t.Errorf("%s: Free(%#x) = %v, want %v", tc.name, tc.va, err, tc.kind)
		}
	}
	checked(t, h, "after bad frees")
}

func TestTagCorruptionDetected(t *testing.T) {
	h := testHeap(t)
	va := mustAlloc(t, h, 128, AllocFlags{})
	// Smash the header tag.
	off := uint64(va-h.Base()) - headerBytes
	h.arena[off+8] ^= 0xff
	if err := h.Free(va); memerr.KindOf(err) != memerr.KindCorruption {
		t.Errorf("Free of smashed block = %v, want Corruption", err)
	}
	if err := h.CheckIntegrity(); memerr.KindOf(err) != memerr.KindCorruption {
		t.Errorf("CheckIntegrity of smashed arena = %v, want Corruption", err)
	}
}

func TestRealloc(t *testing.T) {
	h := testHeap(t)
	va := mustAlloc(t, h, 64, AllocFlags{})
	blk, _ := h.blockForPayload(va)
	copy(h.payload(&blk), "the quick brown fox")

	// Shrinking and same-size requests are no-ops.
	same, err := h.Realloc(va, 32)
	if err != nil || same != va {
		t.Fatalf("shrinking Realloc = (%#x, %v), want (%#x, nil)", same, err, va)
	}

	grown, err := h.Realloc(va, 4096)
	if err != nil {
		t.Fatalf("growing Realloc: %v", err)
	}
	if grown == va {
		t.Fatalf("growing Realloc returned the original block")
	}
	gblk, _ := h.blockForPayload(grown)
	if got := string(h.payload(&gblk)[:19]); got != "the quick brown fox" {
		t.Errorf("payload after Realloc = %q", got)
	}
	// The original must have been freed.
	if err := h.Free(va); memerr.KindOf(err) != memerr.KindCorruption {
		t.Errorf("Free of relocated block = %v, want Corruption (already free)", err)
	}
	checked(t, h, "after realloc")

	if _, err := h.Realloc(grown, 0); memerr.KindOf(err) != memerr.KindInvalidArgument {
		t.Errorf("Realloc to 0 = %v, want InvalidArgument", err)
	}
}

func TestAllocAligned(t *testing.T) {
	h := testHeap(t)
	for _, alignment := range []uint64{32, 256, 4096} {
		va, err := h.AllocAligned(100, alignment, AllocFlags{})
		if err != nil {
			t.Fatalf("AllocAligned(100, %d): %v", alignment, err)
		}
		if uint64(va)%alignment != 0 {
			t.Errorf("AllocAligned(%d) = %#x, not aligned", alignment, va)
		}
		checked(t, h, "after aligned alloc")
		if err := h.Free(va); err != nil {
			t.Fatalf("Free aligned: %v", err)
		}
		checked(t, h, "after aligned free")
	}
}

func TestNewUnwindsOnExhaustion(t *testing.T) {
	fa, err := frame.New([]memarch.MemRegion{
		{Base: 0, Length: 8 << 20, Available: true},
	})
	if err != nil {
		t.Fatalf("frame.New: %v", err)
	}
	t.Cleanup(fa.Destroy)
	v, err := vm.New(fa, vm.HostArch{})
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	kernel := v.Kernel()
	free := fa.Stats().FreeFrames

	// Demand every remaining frame for the arena: mapping it then needs
	// table nodes that no longer exist, so bring-up fails partway.
	base := memarch.KernelBase + memarch.VirtAddr(0x10000000)
	if _, err := New(fa, kernel, base, free*memarch.PageSize); memerr.KindOf(err) != memerr.KindOutOfMemory {
		t.Fatalf("New over all of memory = %v, want OutOfMemory", err)
	}
	if got := fa.Stats().FreeFrames; got != free {
		t.Errorf("FreeFrames = %d after failed bring-up, want %d", got, free)
	}
	if _, ok := kernel.FindVMA(base); ok {
		t.Error("heap region still reserved after failed bring-up")
	}

	// The same region must come up cleanly at a workable size.
	h, err := New(fa, kernel, base, arenaSize)
	if err != nil {
		t.Fatalf("New after failed bring-up: %v", err)
	}
	checked(t, h, "after retry")
}

func TestExhaustionThenRecovery(t *testing.T) {
	h := testHeap(t)
	var held []memarch.VirtAddr
	for {
		va, err := h.Alloc(4096, AllocFlags{})
		if err != nil {
			if memerr.KindOf(err) != memerr.KindOutOfMemory {
				t.Fatalf("Alloc during exhaustion = %v, want OutOfMemory", err)
			}
			break
		}
		held = append(held, va)
	}
	if len(held) == 0 {
		t.Fatal("no allocations succeeded")
	}
	checked(t, h, "exhausted")
	for _, va := range held {
		if err := h.Free(va); err != nil {
			t.Fatalf("Free(%#x): %v", va, err)
		}
	}
	checked(t, h, "recovered")
	s := h.Stats()
	if s.FreeBlocks != 1 || s.FreeBytes != arenaSize-headerBytes {
		t.Errorf("arena did not coalesce back to one block: %+v", s)
	}
}
