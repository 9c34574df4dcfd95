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

// Package pager implements demand paging on top of the address-space layer.
//
// The pager owns the policy side of memory management: which fault is a
// violation, when a zero frame is conjured, when a page travels to or from
// the swap store, and how copy-on-write frames are reference counted across
// forked address spaces. The mechanism (page-table edits, frame accounting)
// stays in the vm, ptables, and frame packages.
package pager

import (
	"time"

	"kmem.dev/kmem/pkg/frame"
	"kmem.dev/kmem/pkg/log"
	"kmem.dev/kmem/pkg/memarch"
	"kmem.dev/kmem/pkg/memerr"
	"kmem.dev/kmem/pkg/ptables"
	"kmem.dev/kmem/pkg/swap"
	"kmem.dev/kmem/pkg/sync"
	"kmem.dev/kmem/pkg/vm"
)

// Config tunes pager policy.
type Config struct {
	// ReclaimBatch bounds how many pages one ReclaimUnderPressure call
	// evicts. Zero means DefaultReclaimBatch.
	ReclaimBatch int
}

// DefaultReclaimBatch is the eviction bound used when Config leaves it zero.
const DefaultReclaimBatch = 16

// Stats counts pager activity since startup.
type Stats struct {
	Faults     uint64
	DemandZero uint64
	SwapIns    uint64
	SwapOuts   uint64
	COWCopies  uint64
	COWWrites  uint64 // in-place write restores for sole owners
	Violations uint64
	Fatal      uint64
}

// Pager resolves page faults and manages page residency.
type Pager struct {
	vm     *vm.VM
	frames *frame.Allocator
	store  *swap.Store
	batch  int

	// mu guards shared, spaces, and stats. Acquired, when needed, inside
	// an address space's own lock; never the other way around.
	mu sync.Mutex

	// shared counts address-space references to frames shared by fork.
	// Frames absent from the map belong to exactly one space.
	shared map[memarch.PhysAddr]int64

	// spaces is the set of live process address spaces, the reclaim
	// sweep's candidate list.
	spaces map[*vm.AddressSpace]struct{}

	stats Stats

	log log.Logger

	// violations is rate limited: a process hammering a bad address must
	// not flood the log.
	violations log.Logger
}

// New builds a pager over the given machine, frame allocator, and swap
// store. store may be nil, disabling eviction and swap-in.
func New(machine *vm.VM, frames *frame.Allocator, store *swap.Store, cfg Config) *Pager {
	batch := cfg.ReclaimBatch
	if batch <= 0 {
		batch = DefaultReclaimBatch
	}
	return &Pager{
		vm:         machine,
		frames:     frames,
		store:      store,
		batch:      batch,
		shared:     make(map[memarch.PhysAddr]int64),
		spaces:     make(map[*vm.AddressSpace]struct{}),
		log:        log.Prefixed("pager: ", log.Log()),
		violations: log.RateLimitedLogger(log.Prefixed("pager: ", log.Log()), 100*time.Millisecond),
	}
}

// NewProcessSpace creates and registers a fresh process address space.
func (p *Pager) NewProcessSpace() (*vm.AddressSpace, error) {
	as, err := p.vm.NewAddressSpace()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.spaces[as] = struct{}{}
	p.mu.Unlock()
	return as, nil
}

// HandleFault resolves the fault at va in as, described by code. A resolved
// fault returns how; an unresolvable one returns ResolvedNone and an error
// whose kind is AccessViolation for process bugs and Fatal for kernel ones.
//
// Classification and the resulting page-table edit are one critical section
// under the address-space lock: a concurrent unmap of va cannot interleave.
func (p *Pager) HandleFault(as *vm.AddressSpace, va memarch.VirtAddr, code FaultCode) (Resolution, error) {
	p.mu.Lock()
	p.stats.Faults++
	p.mu.Unlock()

	page := va.RoundDown()
	if code.Reserved() {
		return ResolvedNone, p.fatal("reserved bit set in walked entries for %#x (%v)", va, code)
	}
	if !page.IsCanonical() {
		if code.User() {
			return ResolvedNone, p.violation("non-canonical access to %#x (%v)", va, code)
		}
		return ResolvedNone, p.fatal("kernel access to non-canonical %#x (%v)", va, code)
	}
	if page.IsKernel() {
		// The kernel half never demand-pages. A user touch is the
		// process's problem; a kernel touch is ours.
		if code.User() {
			return ResolvedNone, p.violation("user access to kernel address %#x (%v)", va, code)
		}
		return ResolvedNone, p.fatal("kernel fault at %#x (%v)", va, code)
	}

	var res Resolution
	err := as.WithLocked(func(pt *ptables.PageTables, findVMA func(memarch.VirtAddr) (*vm.VMA, bool)) error {
		vma, ok := findVMA(page)
		if !ok {
			return p.violation("no mapping covers %#x (%v)", va, code)
		}
		if code.Write() && !vma.Access.Write {
			return p.violation("write to read-only region %v at %#x", vma, va)
		}
		if code.User() && !vma.Access.User {
			return p.violation("user access to supervisor region %v at %#x", vma, va)
		}

		pte, ok := pt.Entry(page)
		switch {
		case ok && pte.Swapped():
			r, err := p.swapInLocked(pt, page, vma)
			res = r
			return err
		case ok && pte.Present():
			if code.Write() && pte.COW() {
				r, err := p.copyOnWriteLocked(pt, page, pte, vma)
				res = r
				return err
			}
			if code.Write() && !pte.Writable() {
				// The VMA allows writes but the entry is
				// read-only and not COW: the tables are
				// inconsistent with the VMA set.
				return p.fatal("write fault on non-COW read-only entry at %#x", va)
			}
			res = ResolvedSpurious
			return nil
		default:
			r, err := p.demandZeroLocked(pt, page, vma)
			res = r
			return err
		}
	})
	if err != nil {
		return ResolvedNone, err
	}
	return res, nil
}

func (p *Pager) demandZeroLocked(pt *ptables.PageTables, page memarch.VirtAddr, vma *vm.VMA) (Resolution, error) {
	pa, err := p.frames.AllocFrame()
	if err != nil {
		return ResolvedNone, err
	}
	if err := pt.Map(page, pa, ptables.MapOpts{Access: vma.Access}); err != nil {
		p.frames.FreeFrame(pa)
		return ResolvedNone, err
	}
	p.mu.Lock()
	p.stats.DemandZero++
	p.mu.Unlock()
	return ResolvedDemandZero, nil
}

func (p *Pager) swapInLocked(pt *ptables.PageTables, page memarch.VirtAddr, vma *vm.VMA) (Resolution, error) {
	if p.store == nil {
		return ResolvedNone, p.fatal("swap entry at %#x with no swap store", page)
	}
	pa, err := p.frames.AllocFrame()
	if err != nil {
		return ResolvedNone, err
	}
	b, err := p.frames.FrameBytes(pa)
	if err != nil {
		p.frames.FreeFrame(pa)
		return ResolvedNone, err
	}
	slot, err := pt.ClearSwapEntry(page)
	if err != nil {
		p.frames.FreeFrame(pa)
		return ResolvedNone, err
	}
	if err := p.store.ReadSlot(slot, b); err != nil {
		pt.SetSwapEntry(page, slot)
		p.frames.FreeFrame(pa)
		return ResolvedNone, err
	}
	if err := pt.Map(page, pa, ptables.MapOpts{Access: vma.Access}); err != nil {
		pt.SetSwapEntry(page, slot)
		p.frames.FreeFrame(pa)
		return ResolvedNone, err
	}
	if err := p.store.Free(slot); err != nil {
		p.log.Warningf("leaking swap slot %d: %v", slot, err)
	}
	p.mu.Lock()
	p.stats.SwapIns++
	p.mu.Unlock()
	return ResolvedSwapIn, nil
}

func (p *Pager) copyOnWriteLocked(pt *ptables.PageTables, page memarch.VirtAddr, pte ptables.PTE, vma *vm.VMA) (Resolution, error) {
	pa := pte.Address()

	p.mu.Lock()
	refs := p.shared[pa]
	if refs <= 1 {
		// Sole owner: every other space has copied away or died.
		// Restore write access in place.
		delete(p.shared, pa)
		p.stats.COWWrites++
		p.mu.Unlock()
		if err := pt.Protect(page, vma.Access); err != nil {
			return ResolvedNone, err
		}
		return ResolvedCOWWrite, nil
	}
	p.mu.Unlock()

	npa, err := p.frames.AllocFrame()
	if err != nil {
		return ResolvedNone, err
	}
	src, err := p.frames.FrameBytes(pa)
	if err != nil {
		p.frames.FreeFrame(npa)
		return ResolvedNone, err
	}
	dst, err := p.frames.FrameBytes(npa)
	if err != nil {
		p.frames.FreeFrame(npa)
		return ResolvedNone, err
	}
	copy(dst, src)
	if err := pt.Unmap(page); err != nil {
		p.frames.FreeFrame(npa)
		return ResolvedNone, err
	}
	if err := pt.Map(page, npa, ptables.MapOpts{Access: vma.Access}); err != nil {
		p.frames.FreeFrame(npa)
		return ResolvedNone, err
	}

	p.mu.Lock()
	p.shared[pa]--
	p.stats.COWCopies++
	p.mu.Unlock()
	return ResolvedCOWCopy, nil
}

// Evict writes the page at va out to swap and drops its frame. Shared frames
// are not evictable; the call fails with Conflict.
func (p *Pager) Evict(as *vm.AddressSpace, va memarch.VirtAddr) error {
	if p.store == nil {
		return memerr.Wrapf(memerr.ErrInvalidArgument, "no swap store configured")
	}
	page := va.RoundDown()
	return as.WithLocked(func(pt *ptables.PageTables, _ func(memarch.VirtAddr) (*vm.VMA, bool)) error {
		pte, ok := pt.Entry(page)
		if !ok || !pte.Present() {
			return memerr.Wrapf(memerr.ErrNotMapped, "va %#x is not resident", page)
		}
		pa := pte.Address()
		p.mu.Lock()
		_, isShared := p.shared[pa]
		p.mu.Unlock()
		if isShared || pte.COW() {
			return memerr.Wrapf(memerr.ErrConflict, "frame %#x at %#x is shared", pa, page)
		}

		slot, err := p.store.Alloc()
		if err != nil {
			return err
		}
		b, err := p.frames.FrameBytes(pa)
		if err != nil {
			p.store.Free(slot)
			return err
		}
		if err := p.store.WriteSlot(slot, b); err != nil {
			p.store.Free(slot)
			return err
		}
		if err := pt.Unmap(page); err != nil {
			p.store.Free(slot)
			return err
		}
		if err := pt.SetSwapEntry(page, slot); err != nil {
			return err
		}
		p.frames.FreeFrame(pa)
		p.mu.Lock()
		p.stats.SwapOuts++
		p.mu.Unlock()
		return nil
	})
}

// ReclaimUnderPressure evicts up to the configured batch of resident,
// unshared pages across live process spaces, returning how many it evicted.
// The sweep is linear and bounded; it is a relief valve, not an LRU.
func (p *Pager) ReclaimUnderPressure() (int, error) {
	if p.store == nil {
		return 0, memerr.Wrapf(memerr.ErrInvalidArgument, "no swap store configured")
	}
	p.mu.Lock()
	spaces := make([]*vm.AddressSpace, 0, len(p.spaces))
	for as := range p.spaces {
		spaces = append(spaces, as)
	}
	p.mu.Unlock()

	evicted := 0
	for _, as := range spaces {
		if evicted >= p.batch {
			break
		}
		var candidates []memarch.VirtAddr
		as.WithLocked(func(pt *ptables.PageTables, _ func(memarch.VirtAddr) (*vm.VMA, bool)) error {
			pt.VisitLower(func(va memarch.VirtAddr, pte ptables.PTE) bool {
				if pte.COW() {
					return true
				}
				p.mu.Lock()
				_, isShared := p.shared[pte.Address()]
				p.mu.Unlock()
				if !isShared {
					candidates = append(candidates, va)
				}
				return len(candidates) < p.batch-evicted
			})
			return nil
		})
		for _, va := range candidates {
			// The page may have been unmapped since the scan;
			// Evict revalidates under the lock.
			switch err := p.Evict(as, va); memerr.KindOf(err) {
			case memerr.KindNone:
				evicted++
			case memerr.KindNotMapped, memerr.KindConflict:
				continue
			case memerr.KindOutOfMemory:
				// Swap store full; further sweeping is futile.
				return evicted, err
			default:
				return evicted, err
			}
		}
	}
	p.log.Infof("reclaimed %d pages", evicted)
	return evicted, nil
}

// Fork clones as for copy-on-write and registers the child. Swapped-out
// pages are brought resident first so every lower-half page is a sharable
// frame.
func (p *Pager) Fork(as *vm.AddressSpace) (*vm.AddressSpace, error) {
	for {
		var swapped []memarch.VirtAddr
		as.WithLocked(func(pt *ptables.PageTables, _ func(memarch.VirtAddr) (*vm.VMA, bool)) error {
			pt.VisitLowerSwapped(func(va memarch.VirtAddr, _ uint32) bool {
				swapped = append(swapped, va)
				return true
			})
			return nil
		})
		if len(swapped) == 0 {
			break
		}
		for _, va := range swapped {
			// A supervisor-mode read: permission checks against
			// the VMA do not apply to the pager's own restore.
			if _, err := p.HandleFault(as, va, 0); err != nil {
				return nil, err
			}
		}
	}

	child, err := as.Fork(p.sharePage, p.unsharePage)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.spaces[child] = struct{}{}
	p.mu.Unlock()
	return child, nil
}

// sharePage is called by Fork once per frame that becomes shared between
// parent and child.
func (p *Pager) sharePage(pa memarch.PhysAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.shared[pa]; !ok {
		p.shared[pa] = 2
		return
	}
	p.shared[pa]++
}

// unsharePage reverses one sharePage call when a fork fails partway. A count
// that falls back to one owner leaves the map entirely.
func (p *Pager) unsharePage(pa memarch.PhysAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shared[pa] > 2 {
		p.shared[pa]--
		return
	}
	delete(p.shared, pa)
}

// ReleaseRange unmaps the region [start, end) of as, which must exactly
// match a reserved VMA, returning its frames (or share references) and swap
// slots. The munmap path of the subsystem.
func (p *Pager) ReleaseRange(as *vm.AddressSpace, start, end memarch.VirtAddr) error {
	return as.ReleaseRange(start, end, p.releaseFrame, func(slot uint32) {
		if p.store == nil {
			return
		}
		if err := p.store.Free(slot); err != nil {
			p.log.Warningf("leaking swap slot %d: %v", slot, err)
		}
	})
}

// TeardownAddressSpace releases everything as holds: resident frames (or
// their share references), swap slots, and finally the space itself.
func (p *Pager) TeardownAddressSpace(as *vm.AddressSpace) {
	if as.IsKernel() {
		panic("pager: teardown of the kernel address space")
	}
	var (
		resident []memarch.PhysAddr
		slots    []uint32
	)
	as.WithLocked(func(pt *ptables.PageTables, _ func(memarch.VirtAddr) (*vm.VMA, bool)) error {
		pt.VisitLower(func(_ memarch.VirtAddr, pte ptables.PTE) bool {
			resident = append(resident, pte.Address())
			return true
		})
		pt.VisitLowerSwapped(func(_ memarch.VirtAddr, slot uint32) bool {
			slots = append(slots, slot)
			return true
		})
		return nil
	})

	for _, pa := range resident {
		p.releaseFrame(pa)
	}
	for _, slot := range slots {
		if p.store == nil {
			break
		}
		if err := p.store.Free(slot); err != nil {
			p.log.Warningf("leaking swap slot %d: %v", slot, err)
		}
	}

	p.mu.Lock()
	delete(p.spaces, as)
	p.mu.Unlock()
	as.DecRef()
}

// releaseFrame drops one reference to pa, freeing it when the last owner
// lets go.
func (p *Pager) releaseFrame(pa memarch.PhysAddr) {
	p.mu.Lock()
	refs, isShared := p.shared[pa]
	if isShared {
		refs--
		if refs > 0 {
			p.shared[pa] = refs
			p.mu.Unlock()
			return
		}
		delete(p.shared, pa)
	}
	p.mu.Unlock()
	if err := p.frames.FreeFrame(pa); err != nil {
		p.log.Warningf("leaking frame %#x: %v", pa, err)
	}
}

// Stats returns a snapshot of pager counters.
func (p *Pager) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Pager) violation(format string, v ...any) error {
	p.violations.Warningf(format, v...)
	p.mu.Lock()
	p.stats.Violations++
	p.mu.Unlock()
	return memerr.Wrapf(memerr.ErrAccessViolation, format, v...)
}

func (p *Pager) fatal(format string, v ...any) error {
	p.log.Warningf(format, v...)
	p.mu.Lock()
	p.stats.Fatal++
	p.mu.Unlock()
	return memerr.Wrapf(memerr.ErrFatal, format, v...)
}
