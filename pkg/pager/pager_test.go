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

package pager

import (
	"bytes"
	"path/filepath"
	"testing"

	"kmem.dev/kmem/pkg/frame"
	"kmem.dev/kmem/pkg/memarch"
	"kmem.dev/kmem/pkg/memerr"
	"kmem.dev/kmem/pkg/swap"
	"kmem.dev/kmem/pkg/vm"
)

const (
	regionBase = memarch.VirtAddr(0x400000)
	regionEnd  = memarch.VirtAddr(0x410000) // 16 pages
)

type fixture struct {
	frames *frame.Allocator
	vm     *vm.VM
	store  *swap.Store
	pager  *Pager
}

func newFixture(t *testing.T, withSwap bool) *fixture {
	t.Helper()
	fa, err := frame.New([]memarch.MemRegion{
		{Base: 0, Length: 8 << 20, Available: true},
	})
	if err != nil {
		t.Fatalf("frame.New: %v", err)
	}
	t.Cleanup(fa.Destroy)
	machine, err := vm.New(fa, vm.HostArch{})
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	var store *swap.Store
	if withSwap {
		store, err = swap.Open(filepath.Join(t.TempDir(), "swapfile"), 64)
		if err != nil {
			t.Fatalf("swap.Open: %v", err)
		}
		t.Cleanup(func() { store.Close() })
	}
	return &fixture{
		frames: fa,
		vm:     machine,
		store:  store,
		pager:  New(machine, fa, store, Config{ReclaimBatch: 4}),
	}
}

// newSpace returns a registered process space with one user RW region.
func (f *fixture) newSpace(t *testing.T) *vm.AddressSpace {
	t.Helper()
	as, err := f.pager.NewProcessSpace()
	if err != nil {
		t.Fatalf("NewProcessSpace: %v", err)
	}
	if err := as.InsertVMA(&vm.VMA{
		Start:  regionBase,
		End:    regionEnd,
		Access: memarch.UserReadWrite,
		Flags:  vm.VMAFlags{ZeroOnDemand: true},
	}); err != nil {
		t.Fatalf("InsertVMA: %v", err)
	}
	return as
}

// pageBytes returns the frame contents backing va.
func (f *fixture) pageBytes(t *testing.T, as *vm.AddressSpace, va memarch.VirtAddr) []byte {
	t.Helper()
	pa, _, err := as.Physical(va)
	if err != nil {
		t.Fatalf("Physical(%#x): %v", va, err)
	}
	b, err := f.frames.FrameBytes(pa)
	if err != nil {
		t.Fatalf("FrameBytes(%#x): %v", pa, err)
	}
	return b
}

func TestDemandZero(t *testing.T) {
	f := newFixture(t, false)
	as := f.newSpace(t)
	defer f.pager.TeardownAddressSpace(as)

	res, err := f.pager.HandleFault(as, regionBase+123, FaultUser)
	if err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	if res != ResolvedDemandZero {
		t.Fatalf("resolution = %v, want %v", res, ResolvedDemandZero)
	}
	for i, c := range f.pageBytes(t, as, regionBase) {
		if c != 0 {
			t.Fatalf("demand-zero page byte %d = %#x", i, c)
		}
	}

	// A second fault on the now-resident page is spurious.
	res, err = f.pager.HandleFault(as, regionBase, FaultUser)
	if err != nil {
		t.Fatalf("repeat HandleFault: %v", err)
	}
	if res != ResolvedSpurious {
		t.Errorf("repeat resolution = %v, want %v", res, ResolvedSpurious)
	}
}

func TestViolations(t *testing.T) {
	f := newFixture(t, false)
	as := f.newSpace(t)
	defer f.pager.TeardownAddressSpace(as)

	roBase := regionEnd + 0x10000
	if err := as.InsertVMA(&vm.VMA{
		Start:  roBase,
		End:    roBase + memarch.PageSize,
		Access: memarch.UserRead,
		Flags:  vm.VMAFlags{ZeroOnDemand: true},
	}); err != nil {
		t.Fatalf("InsertVMA: %v", err)
	}

	for _, tc := range []struct {
		name string
		va   memarch.VirtAddr
		code FaultCode
		kind memerr.Kind
	}{
		{name: "unmapped address", va: 0x1000, code: FaultUser, kind: memerr.KindAccessViolation},
		{name: "write to read-only region", va: roBase, code: FaultUser | FaultWrite, kind: memerr.KindAccessViolation},
		{name: "user touch of kernel half", va: memarch.KernelBase, code: FaultUser, kind: memerr.KindAccessViolation},
		{name: "kernel fault in kernel half", va: memarch.KernelBase, code: 0, kind: memerr.KindFatal},
		{name: "reserved bit", va: regionBase, code: FaultUser | FaultReserved, kind: memerr.KindFatal},
	} {
		res, err := f.pager.HandleFault(as, tc.va, tc.code)
		if memerr.KindOf(err) != tc.kind {
			t.Errorf("%s: HandleFault = %v, want kind %v", tc.name, err, tc.kind)
		}
		if res != ResolvedNone {
			t.Errorf("%s: resolution = %v, want %v", tc.name, res, ResolvedNone)
		}
	}

	// A failed fault must not leave a mapping behind.
	if _, _, err := as.Physical(0x1000); memerr.KindOf(err) != memerr.KindNotMapped {
		t.Errorf("violation installed a mapping: %v", err)
	}
	if s := f.pager.Stats(); s.Violations != 3 || s.Fatal != 2 {
		t.Errorf("Stats = %+v, want 3 violations and 2 fatal", s)
	}
}

func TestSwapRoundTrip(t *testing.T) {
	f := newFixture(t, true)
	as := f.newSpace(t)
	defer f.pager.TeardownAddressSpace(as)

	va := regionBase + 2*memarch.PageSize
	if _, err := f.pager.HandleFault(as, va, FaultUser|FaultWrite); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	want := make([]byte, memarch.PageSize)
	for i := range want {
		want[i] = byte(i * 7)
	}
	copy(f.pageBytes(t, as, va), want)

	free := f.frames.Stats().FreeFrames
	if err := f.pager.Evict(as, va); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if got := f.frames.Stats().FreeFrames; got != free+1 {
		t.Errorf("FreeFrames after evict = %d, want %d", got, free+1)
	}
	if _, _, err := as.Physical(va); memerr.KindOf(err) != memerr.KindNotMapped {
		t.Fatalf("page still resident after evict: %v", err)
	}
	if st := f.store.Stats(); st.UsedPages != 1 {
		t.Fatalf("store UsedPages = %d, want 1", st.UsedPages)
	}

	res, err := f.pager.HandleFault(as, va, FaultUser)
	if err != nil {
		t.Fatalf("fault after evict: %v", err)
	}
	if res != ResolvedSwapIn {
		t.Fatalf("resolution = %v, want %v", res, ResolvedSwapIn)
	}
	if got := f.pageBytes(t, as, va); !bytes.Equal(got, want) {
		t.Errorf("page contents changed across the swap round trip")
	}
	if st := f.store.Stats(); st.UsedPages != 0 {
		t.Errorf("store UsedPages after swap-in = %d, want 0", st.UsedPages)
	}
}

func TestEvictRejectsNonResident(t *testing.T) {
	f := newFixture(t, true)
	as := f.newSpace(t)
	defer f.pager.TeardownAddressSpace(as)

	if err := f.pager.Evict(as, regionBase); memerr.KindOf(err) != memerr.KindNotMapped {
		t.Errorf("Evict of non-resident page = %v, want NotMapped", err)
	}
}

func TestCopyOnWrite(t *testing.T) {
	f := newFixture(t, true)
	parent := f.newSpace(t)
	defer f.pager.TeardownAddressSpace(parent)

	va := regionBase + memarch.PageSize
	if _, err := f.pager.HandleFault(parent, va, FaultUser|FaultWrite); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	copy(f.pageBytes(t, parent, va), "original contents")

	child, err := f.pager.Fork(parent)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	defer f.pager.TeardownAddressSpace(child)

	ppa, pat, err := parent.Physical(va)
	if err != nil {
		t.Fatalf("parent Physical: %v", err)
	}
	cpa, cat, err := child.Physical(va)
	if err != nil {
		t.Fatalf("child Physical: %v", err)
	}
	if ppa != cpa {
		t.Fatalf("fork did not share the frame: %#x vs %#x", ppa, cpa)
	}
	if pat.Write || cat.Write {
		t.Fatalf("shared frame still writable: parent %v, child %v", pat, cat)
	}

	// Child write: private copy, parent untouched.
	res, err := f.pager.HandleFault(child, va, FaultUser|FaultWrite)
	if err != nil {
		t.Fatalf("child write fault: %v", err)
	}
	if res != ResolvedCOWCopy {
		t.Fatalf("child resolution = %v, want %v", res, ResolvedCOWCopy)
	}
	childPage := f.pageBytes(t, child, va)
	if got := string(childPage[:17]); got != "original contents" {
		t.Fatalf("child copy = %q", got)
	}
	copy(childPage, "child wrote here!")
	if got := string(f.pageBytes(t, parent, va)[:17]); got != "original contents" {
		t.Errorf("parent page changed by child write: %q", got)
	}

	// Parent write: now sole owner, write re-enabled without a copy.
	res, err = f.pager.HandleFault(parent, va, FaultUser|FaultWrite)
	if err != nil {
		t.Fatalf("parent write fault: %v", err)
	}
	if res != ResolvedCOWWrite {
		t.Fatalf("parent resolution = %v, want %v", res, ResolvedCOWWrite)
	}
	if pa2, at, _ := parent.Physical(va); pa2 != ppa || !at.Write {
		t.Errorf("parent mapping after COW write: pa %#x (want %#x), access %v", pa2, ppa, at)
	}
}

func TestForkSwapsInFirst(t *testing.T) {
	f := newFixture(t, true)
	parent := f.newSpace(t)
	defer f.pager.TeardownAddressSpace(parent)

	va := regionBase
	if _, err := f.pager.HandleFault(parent, va, FaultUser|FaultWrite); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	copy(f.pageBytes(t, parent, va), "survives eviction")
	if err := f.pager.Evict(parent, va); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	child, err := f.pager.Fork(parent)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	defer f.pager.TeardownAddressSpace(child)

	// The child shares the restored frame and reads the same bytes.
	if got := string(f.pageBytes(t, child, va)[:17]); got != "survives eviction" {
		t.Errorf("child page = %q", got)
	}
	if st := f.store.Stats(); st.UsedPages != 0 {
		t.Errorf("store UsedPages after fork = %d, want 0", st.UsedPages)
	}
}

func TestReclaimUnderPressure(t *testing.T) {
	f := newFixture(t, true)
	as := f.newSpace(t)
	defer f.pager.TeardownAddressSpace(as)

	const pages = 6
	for i := 0; i < pages; i++ {
		va := regionBase + memarch.VirtAddr(i)*memarch.PageSize
		if _, err := f.pager.HandleFault(as, va, FaultUser|FaultWrite); err != nil {
			t.Fatalf("HandleFault %d: %v", i, err)
		}
	}
	free := f.frames.Stats().FreeFrames

	// Batch is 4: one sweep evicts 4 of the 6.
	n, err := f.pager.ReclaimUnderPressure()
	if err != nil {
		t.Fatalf("ReclaimUnderPressure: %v", err)
	}
	if n != 4 {
		t.Fatalf("reclaimed %d pages, want 4", n)
	}
	if got := f.frames.Stats().FreeFrames; got != free+4 {
		t.Errorf("FreeFrames = %d, want %d", got, free+4)
	}
	if st := f.store.Stats(); st.UsedPages != 4 {
		t.Errorf("store UsedPages = %d, want 4", st.UsedPages)
	}

	// Evicted pages fault back in on demand.
	res, err := f.pager.HandleFault(as, regionBase, FaultUser)
	if err != nil {
		t.Fatalf("fault after reclaim: %v", err)
	}
	if res != ResolvedSwapIn {
		t.Errorf("resolution = %v, want %v", res, ResolvedSwapIn)
	}
}

func TestForkFailureLeavesParentIntact(t *testing.T) {
	f := newFixture(t, false)
	as, err := f.pager.NewProcessSpace()
	if err != nil {
		t.Fatalf("NewProcessSpace: %v", err)
	}
	defer f.pager.TeardownAddressSpace(as)

	// Pages 2 MiB apart so the child needs a fresh leaf table for each.
	vas := []memarch.VirtAddr{0x400000, 0x600000, 0x800000}
	if err := as.InsertVMA(&vm.VMA{
		Start:  vas[0],
		End:    vas[2] + memarch.PageSize,
		Access: memarch.UserReadWrite,
		Flags:  vm.VMAFlags{ZeroOnDemand: true},
	}); err != nil {
		t.Fatalf("InsertVMA: %v", err)
	}
	for _, va := range vas {
		if _, err := f.pager.HandleFault(as, va, FaultUser|FaultWrite); err != nil {
			t.Fatalf("HandleFault(%#x): %v", va, err)
		}
	}

	// Leave just enough frames for the child's root and its first two
	// leaf tables; cloning the third page fails.
	var held []memarch.PhysAddr
	for f.frames.Stats().FreeFrames > 5 {
		pa, err := f.frames.AllocFrame()
		if err != nil {
			t.Fatalf("AllocFrame: %v", err)
		}
		held = append(held, pa)
	}
	if _, err := f.pager.Fork(as); memerr.KindOf(err) != memerr.KindOutOfMemory {
		t.Fatalf("Fork under exhaustion = %v, want OutOfMemory", err)
	}

	if n := len(f.pager.shared); n != 0 {
		t.Errorf("%d share counts leaked by failed fork", n)
	}
	// The parent keeps write access: a write is spurious, never a copy.
	for _, va := range vas {
		res, err := f.pager.HandleFault(as, va, FaultUser|FaultWrite)
		if err != nil || res != ResolvedSpurious {
			t.Errorf("write at %#x after failed fork = (%v, %v), want %v", va, res, err, ResolvedSpurious)
		}
	}
	for _, pa := range held {
		if err := f.frames.FreeFrame(pa); err != nil {
			t.Fatalf("FreeFrame: %v", err)
		}
	}
}

func TestReleaseRange(t *testing.T) {
	f := newFixture(t, true)
	as := f.newSpace(t)
	defer f.pager.TeardownAddressSpace(as)

	// Two resident pages, one of them then swapped out.
	for pg := 0; pg < 2; pg++ {
		va := regionBase + memarch.VirtAddr(pg)*memarch.PageSize
		if _, err := f.pager.HandleFault(as, va, FaultUser|FaultWrite); err != nil {
			t.Fatalf("HandleFault: %v", err)
		}
	}
	if err := f.pager.Evict(as, regionBase); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	free := f.frames.Stats().FreeFrames

	// A partial range is rejected.
	if err := f.pager.ReleaseRange(as, regionBase, regionBase+memarch.PageSize); memerr.KindOf(err) != memerr.KindInvalidArgument {
		t.Errorf("partial ReleaseRange = %v, want InvalidArgument", err)
	}

	if err := f.pager.ReleaseRange(as, regionBase, regionEnd); err != nil {
		t.Fatalf("ReleaseRange: %v", err)
	}
	if got := f.frames.Stats().FreeFrames; got != free+1 {
		t.Errorf("FreeFrames = %d, want %d", got, free+1)
	}
	if st := f.store.Stats(); st.UsedPages != 0 {
		t.Errorf("store UsedPages = %d, want 0", st.UsedPages)
	}
	// The region is gone: touching it again is a violation.
	if _, err := f.pager.HandleFault(as, regionBase, FaultUser); memerr.KindOf(err) != memerr.KindAccessViolation {
		t.Errorf("fault after release = %v, want AccessViolation", err)
	}
}

func TestTeardownReturnsEverything(t *testing.T) {
	f := newFixture(t, true)
	baseline := f.frames.Stats().FreeFrames

	parent := f.newSpace(t)
	for i := 0; i < 4; i++ {
		va := regionBase + memarch.VirtAddr(i)*memarch.PageSize
		if _, err := f.pager.HandleFault(parent, va, FaultUser|FaultWrite); err != nil {
			t.Fatalf("HandleFault %d: %v", i, err)
		}
	}
	if err := f.pager.Evict(parent, regionBase); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	child, err := f.pager.Fork(parent)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	// Child copies one page privately before dying.
	if _, err := f.pager.HandleFault(child, regionBase, FaultUser|FaultWrite); err != nil {
		t.Fatalf("child write fault: %v", err)
	}

	f.pager.TeardownAddressSpace(child)
	f.pager.TeardownAddressSpace(parent)

	if got := f.frames.Stats().FreeFrames; got != baseline {
		t.Errorf("FreeFrames after teardown = %d, want %d", got, baseline)
	}
	if st := f.store.Stats(); st.UsedPages != 0 {
		t.Errorf("store UsedPages after teardown = %d, want 0", st.UsedPages)
	}
}
