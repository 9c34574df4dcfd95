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

package frame

import (
	"testing"

	"kmem.dev/kmem/pkg/memarch"
	"kmem.dev/kmem/pkg/memerr"
)

// testAllocator builds an allocator over 4 MiB of RAM with a reserved hole,
// mirroring a small boot memory map.
func testAllocator(t *testing.T) *Allocator {
	t.Helper()
	a, err := New([]memarch.MemRegion{
		{Base: 0, Length: 2 << 20, Available: true},
		{Base: 2 << 20, Length: 1 << 20, Available: false},
		{Base: 3 << 20, Length: 1 << 20, Available: true},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Destroy)
	return a
}

func TestFrameConservation(t *testing.T) {
	a := testAllocator(t)
	base := a.Stats()
	allocated := []memarch.PhysAddr{}

	check := func(step string) {
		s := a.Stats()
		inUse := uint64(len(allocated)) + a.bitmapFrames
		if s.FreeFrames+inUse != s.TotalFrames {
			t.Fatalf("%s: free %d + in-use %d != total %d", step, s.FreeFrames, inUse, s.TotalFrames)
		}
	}

	check("initial")
	for i := 0; i < 100; i++ {
		pa, err := a.AllocFrame()
		if err != nil {
			t.Fatalf("AllocFrame %d: %v", i, err)
		}
		allocated = append(allocated, pa)
		check("alloc")
	}
	for len(allocated) > 2 {
		pa := allocated[len(allocated)-1]
		allocated = allocated[:len(allocated)-1]
		if err := a.FreeFrame(pa); err != nil {
			t.Fatalf("FreeFrame(%#x): %v", pa, err)
		}
		check("free")
	}
	s := a.Stats()
	if want := base.FreeFrames - 2; s.FreeFrames != want {
		t.Errorf("FreeFrames = %d, want %d", s.FreeFrames, want)
	}
}

func TestAllocContiguousDisjoint(t *testing.T) {
	a := testAllocator(t)
	busy := map[memarch.PhysAddr]bool{}
	for i := 0; i < 20; i++ {
		pa, err := a.AllocFrame()
		if err != nil {
			t.Fatalf("AllocFrame: %v", err)
		}
		busy[pa] = true
	}
	run, err := a.AllocContiguous(16)
	if err != nil {
		t.Fatalf("AllocContiguous(16): %v", err)
	}
	for i := 0; i < 16; i++ {
		pa := run + memarch.PhysAddr(i*memarch.PageSize)
		if busy[pa] {
			t.Errorf("contiguous run includes busy frame %#x", pa)
		}
		busy[pa] = true
	}
	// A second run must not intersect the first.
	run2, err := a.AllocContiguous(8)
	if err != nil {
		t.Fatalf("AllocContiguous(8): %v", err)
	}
	for i := 0; i < 8; i++ {
		pa := run2 + memarch.PhysAddr(i*memarch.PageSize)
		if busy[pa] {
			t.Errorf("second run includes busy frame %#x", pa)
		}
	}
}

func TestHugeContiguousRequestFails(t *testing.T) {
	a := testAllocator(t)
	before := a.Stats()
	// Requests beyond physical memory must fail cleanly, including counts
	// whose low 32 bits look small.
	for _, n := range []uint64{1 << 32, 1<<32 + 1, ^uint64(0)} {
		pa, err := a.AllocContiguous(n)
		if memerr.KindOf(err) != memerr.KindOutOfMemory {
			t.Errorf("AllocContiguous(%#x) = %#x, %v, want OutOfMemory", n, pa, err)
		}
	}
	if got := a.Stats(); got != before {
		t.Errorf("failed allocations changed stats: %+v -> %+v", before, got)
	}
}

func TestMarkRegionUsedOutOfRange(t *testing.T) {
	a := testAllocator(t)
	before := a.Stats().FreeFrames
	for _, tc := range []struct {
		name       string
		start, end memarch.PhysAddr
	}{
		{name: "far past memory", start: 1<<44 + 0x1000, end: 1<<44 + 0x3000},
		{name: "straddles the end", start: 4<<20 - memarch.PageSize, end: 4<<20 + memarch.PageSize},
		{name: "starts at the end", start: 4 << 20, end: 4<<20 + memarch.PageSize},
	} {
		err := a.MarkRegionUsed(tc.start, tc.end)
		if memerr.KindOf(err) != memerr.KindInvalidArgument {
			t.Errorf("%s: MarkRegionUsed(%#x, %#x) = %v, want InvalidArgument", tc.name, tc.start, tc.end, err)
		}
		if got := a.Stats().FreeFrames; got != before {
			t.Errorf("%s: rejected region changed free count: %d -> %d", tc.name, before, got)
		}
	}
}

func TestBadFreeRejected(t *testing.T) {
	a := testAllocator(t)
	pa, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	before := a.Stats().FreeFrames

	for _, tc := range []struct {
		name string
		pa   memarch.PhysAddr
		kind memerr.Kind
	}{
		{name: "misaligned", pa: pa + 1, kind: memerr.KindInvalidArgument},
		{name: "out of range", pa: memarch.PhysAddr(1 << 40), kind: memerr.KindInvalidArgument},
		{name: "not allocated", pa: pa + memarch.PageSize, kind: memerr.KindCorruption},
	} {
		err := a.FreeFrame(tc.pa)
		if memerr.KindOf(err) != tc.kind {
			t.Errorf("%s: FreeFrame(%#x) = %v, want kind %v", tc.name, tc.pa, err, tc.kind)
		}
		if got := a.Stats().FreeFrames; got != before {
			t.Errorf("%s: free count changed: %d -> %d", tc.name, before, got)
		}
	}

	if err := a.FreeFrame(pa); err != nil {
		t.Fatalf("FreeFrame: %v", err)
	}
	if err := a.FreeFrame(pa); memerr.KindOf(err) != memerr.KindCorruption {
		t.Errorf("double free = %v, want Corruption", err)
	}
}

func TestFramesZeroedOnAlloc(t *testing.T) {
	a := testAllocator(t)
	pa, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	b, err := a.FrameBytes(pa)
	if err != nil {
		t.Fatalf("FrameBytes: %v", err)
	}
	for i := range b {
		b[i] = 0xa5
	}
	if err := a.FreeFrame(pa); err != nil {
		t.Fatalf("FreeFrame: %v", err)
	}
	// Drain until the dirtied frame comes back.
	seen := false
	var held []memarch.PhysAddr
	for {
		got, err := a.AllocFrame()
		if err != nil {
			break
		}
		held = append(held, got)
		if got == pa {
			seen = true
			b, _ := a.FrameBytes(got)
			for i, c := range b {
				if c != 0 {
					t.Fatalf("frame %#x byte %d = %#x after realloc, want 0", got, i, c)
				}
			}
			break
		}
	}
	if !seen {
		t.Fatalf("dirtied frame %#x never reallocated", pa)
	}
	for _, h := range held {
		a.FreeFrame(h)
	}
}

func TestReservedRegionNeverAllocated(t *testing.T) {
	a := testAllocator(t)
	var held []memarch.PhysAddr
	for {
		pa, err := a.AllocFrame()
		if err != nil {
			break
		}
		if pa >= 2<<20 && pa < 3<<20 {
			t.Fatalf("allocated frame %#x inside reserved region", pa)
		}
		held = append(held, pa)
	}
	if len(held) == 0 {
		t.Fatal("no frames allocated")
	}
	for _, pa := range held {
		if err := a.FreeFrame(pa); err != nil {
			t.Fatalf("FreeFrame(%#x): %v", pa, err)
		}
	}
}

func TestMarkRegionUsed(t *testing.T) {
	a := testAllocator(t)
	before := a.Stats().FreeFrames
	// Reserve a 16-frame range twice; the second call must be a no-op.
	start := memarch.PhysAddr(3 << 20)
	end := start + 16*memarch.PageSize
	if err := a.MarkRegionUsed(start, end); err != nil {
		t.Fatalf("MarkRegionUsed: %v", err)
	}
	mid := a.Stats().FreeFrames
	if mid != before-16 {
		t.Errorf("free frames = %d after reservation, want %d", mid, before-16)
	}
	if err := a.MarkRegionUsed(start, end); err != nil {
		t.Fatalf("MarkRegionUsed (repeat): %v", err)
	}
	if got := a.Stats().FreeFrames; got != mid {
		t.Errorf("idempotent reservation changed free count: %d -> %d", mid, got)
	}
	var pa memarch.PhysAddr
	var err error
	for i := 0; i < 200; i++ {
		if pa, err = a.AllocFrame(); err != nil {
			t.Fatalf("AllocFrame: %v", err)
		}
		if pa >= start && pa < end {
			t.Fatalf("allocated frame %#x from reserved range", pa)
		}
		a.FreeFrame(pa)
	}
}

func TestFragmentationStats(t *testing.T) {
	a := testAllocator(t)
	s := a.Stats()
	if s.LongestRun == 0 || s.LongestRun > s.FreeFrames {
		t.Fatalf("implausible longest run %d (free %d)", s.LongestRun, s.FreeFrames)
	}
	if s.Fragmentation < 0 || s.Fragmentation > 1 {
		t.Errorf("fragmentation %v outside [0, 1]", s.Fragmentation)
	}
}
