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

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"kmem.dev/kmem/pkg/config"
	"kmem.dev/kmem/pkg/frame"
	"kmem.dev/kmem/pkg/heap"
	"kmem.dev/kmem/pkg/memarch"
	"kmem.dev/kmem/pkg/pager"
	"kmem.dev/kmem/pkg/swap"
	"kmem.dev/kmem/pkg/vm"
)

// stressCmd implements subcommands.Command for the "stress" command.
type stressCmd struct {
	configPath string
	procs      int
	pages      int
	rounds     int
}

// Name implements subcommands.Command.Name.
func (*stressCmd) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*stressCmd) Synopsis() string {
	return "bring up the memory subsystem and run a paging workload"
}

// Usage implements subcommands.Command.Usage.
func (*stressCmd) Usage() string {
	return `stress [-config path] [-procs N] [-pages M] [-rounds R]

Brings up the frame allocator, kernel heap, swap store, and pager from the
configuration, then runs R rounds of a demand-paging and copy-on-write
workload across N simulated processes touching M pages each. Page contents
are stamped and verified across eviction and fork, and final statistics are
printed.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *stressCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "TOML configuration file (defaults apply if empty)")
	f.IntVar(&c.procs, "procs", 4, "simulated processes")
	f.IntVar(&c.pages, "pages", 32, "pages touched per process")
	f.IntVar(&c.rounds, "rounds", 2, "workload rounds")
}

// Execute implements subcommands.Command.Execute.
func (c *stressCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg := config.Default()
	if c.configPath != "" {
		var err error
		if cfg, err = config.Load(c.configPath); err != nil {
			fatalf("%v", err)
		}
	}

	frames, err := frame.New(cfg.Regions())
	if err != nil {
		fatalf("frame allocator: %v", err)
	}
	defer frames.Destroy()
	machine, err := vm.New(frames, vm.HostArch{})
	if err != nil {
		fatalf("vm: %v", err)
	}
	kheap, err := heap.New(frames, machine.Kernel(), memarch.VirtAddr(cfg.Heap.Base), cfg.Heap.Size)
	if err != nil {
		fatalf("heap: %v", err)
	}
	var store *swap.Store
	if cfg.Swap.Path != "" {
		if store, err = swap.Open(cfg.Swap.Path, cfg.Swap.Pages); err != nil {
			fatalf("swap store: %v", err)
		}
		defer store.Close()
	}
	p := pager.New(machine, frames, store, pager.Config{ReclaimBatch: cfg.Reclaim.Batch})

	for round := 0; round < c.rounds; round++ {
		if err := c.runRound(p, frames, kheap, store, round); err != nil {
			fatalf("round %d: %v", round, err)
		}
	}

	fs := frames.Stats()
	fmt.Printf("frames:     %d total, %d free, fragmentation %.2f\n", fs.TotalFrames, fs.FreeFrames, fs.Fragmentation)
	hs := kheap.Stats()
	fmt.Printf("heap:       %d/%d bytes used, %d allocs, %d frees, largest free %d\n",
		hs.UsedBytes, hs.ArenaBytes, hs.Allocations, hs.Frees, hs.LargestFree)
	ps := p.Stats()
	fmt.Printf("pager:      %d faults (%d zero, %d swap-in, %d cow-copy, %d cow-write), %d swap-outs\n",
		ps.Faults, ps.DemandZero, ps.SwapIns, ps.COWCopies, ps.COWWrites, ps.SwapOuts)
	if store != nil {
		ss := store.Stats()
		fmt.Printf("swap:       %d/%d slots used\n", ss.UsedPages, ss.TotalPages)
	}
	return subcommands.ExitSuccess
}

const workBase = memarch.VirtAddr(0x400000)

// runRound drives one full process lifecycle: demand paging, heap traffic,
// eviction pressure, fork with copy-on-write, verification, teardown.
func (c *stressCmd) runRound(p *pager.Pager, frames *frame.Allocator, kheap *heap.Heap, store *swap.Store, round int) error {
	// Kernel-side traffic: each round holds a few heap blocks across the
	// process work below.
	blocks := make([]memarch.VirtAddr, 0, 8)
	for i := 0; i < cap(blocks); i++ {
		va, err := kheap.Alloc(uint64(512+i*97), heap.AllocFlags{Zero: true})
		if err != nil {
			return err
		}
		blocks = append(blocks, va)
	}

	procs := make([]*vm.AddressSpace, 0, c.procs)
	for pi := 0; pi < c.procs; pi++ {
		as, err := p.NewProcessSpace()
		if err != nil {
			return err
		}
		limit := workBase + memarch.VirtAddr(c.pages)*memarch.PageSize
		if err := as.ReserveHeap(workBase, limit, memarch.UserReadWrite); err != nil {
			return err
		}
		procs = append(procs, as)

		for pg := 0; pg < c.pages; pg++ {
			va := workBase + memarch.VirtAddr(pg)*memarch.PageSize
			if _, err := p.HandleFault(as, va, pager.FaultUser|pager.FaultWrite); err != nil {
				return err
			}
			if err := stampPage(frames, as, va, byte(round+pi+pg)); err != nil {
				return err
			}
		}
	}

	if store != nil {
		if _, err := p.ReclaimUnderPressure(); err != nil {
			return err
		}
	}

	// Fork every process and let each child dirty half its pages.
	children := make([]*vm.AddressSpace, 0, len(procs))
	for pi, parent := range procs {
		child, err := p.Fork(parent)
		if err != nil {
			return err
		}
		children = append(children, child)
		for pg := 0; pg < c.pages; pg += 2 {
			va := workBase + memarch.VirtAddr(pg)*memarch.PageSize
			if _, err := p.HandleFault(child, va, pager.FaultUser|pager.FaultWrite); err != nil {
				return err
			}
			if err := stampPage(frames, child, va, byte(0xff-pi-pg)); err != nil {
				return err
			}
		}
	}

	// Parents keep their own bytes: fault everything resident and verify.
	for pi, as := range procs {
		for pg := 0; pg < c.pages; pg++ {
			va := workBase + memarch.VirtAddr(pg)*memarch.PageSize
			if _, err := p.HandleFault(as, va, pager.FaultUser); err != nil {
				return err
			}
			if err := verifyPage(frames, as, va, byte(round+pi+pg)); err != nil {
				return err
			}
		}
	}

	for _, child := range children {
		p.TeardownAddressSpace(child)
	}
	for _, as := range procs {
		p.TeardownAddressSpace(as)
	}
	for _, va := range blocks {
		if err := kheap.Free(va); err != nil {
			return err
		}
	}
	return kheap.CheckIntegrity()
}

func stampPage(frames *frame.Allocator, as *vm.AddressSpace, va memarch.VirtAddr, pattern byte) error {
	pa, _, err := as.Physical(va)
	if err != nil {
		return err
	}
	b, err := frames.FrameBytes(pa)
	if err != nil {
		return err
	}
	for i := range b {
		b[i] = pattern
	}
	return nil
}

func verifyPage(frames *frame.Allocator, as *vm.AddressSpace, va memarch.VirtAddr, pattern byte) error {
	pa, _, err := as.Physical(va)
	if err != nil {
		return err
	}
	b, err := frames.FrameBytes(pa)
	if err != nil {
		return err
	}
	for i, got := range b {
		if got != pattern {
			return fmt.Errorf("page %#x byte %d: got %#x, want %#x", va, i, got, pattern)
		}
	}
	return nil
}
