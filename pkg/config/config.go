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

// Package config loads the memory subsystem's TOML configuration.
package config

import (
	"strconv"

	"github.com/BurntSushi/toml"

	"kmem.dev/kmem/pkg/memarch"
	"kmem.dev/kmem/pkg/memerr"
)

// Addr is a 64-bit address encoded in TOML as a string ("0xffff800010000000"
// or decimal). TOML integers are signed, so kernel-half addresses cannot be
// written as bare integers.
type Addr uint64

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Addr) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(string(text), 0, 64)
	if err != nil {
		return memerr.Wrapf(memerr.ErrInvalidArgument, "bad address %q: %v", text, err)
	}
	*a = Addr(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (a Addr) MarshalText() ([]byte, error) {
	return []byte("0x" + strconv.FormatUint(uint64(a), 16)), nil
}

// Memory configures the physical arena.
type Memory struct {
	// TotalBytes is the size of physical memory. Page aligned.
	TotalBytes uint64 `toml:"total_bytes"`

	// Reserved lists address ranges withheld from the frame allocator
	// (firmware tables, device windows).
	Reserved []Region `toml:"reserved"`
}

// Region is one physical address range.
type Region struct {
	Base   uint64 `toml:"base"`
	Length uint64 `toml:"length"`
}

// Heap configures the kernel heap arena.
type Heap struct {
	// Base is the kernel virtual address of the arena. Must lie in the
	// kernel half.
	Base Addr `toml:"base"`

	// Size is the arena length in bytes. Page aligned; the heap does not
	// grow past it.
	Size uint64 `toml:"size"`
}

// Swap configures the backing store.
type Swap struct {
	// Path locates the swap file. Empty disables swapping.
	Path string `toml:"path"`

	// Pages is the store capacity in page slots.
	Pages uint32 `toml:"pages"`
}

// Reclaim tunes memory-pressure response.
type Reclaim struct {
	// Batch bounds pages evicted per reclaim pass.
	Batch int `toml:"batch"`
}

// Config is the root of the TOML document.
type Config struct {
	Memory  Memory  `toml:"memory"`
	Heap    Heap    `toml:"heap"`
	Swap    Swap    `toml:"swap"`
	Reclaim Reclaim `toml:"reclaim"`
}

// Default returns a runnable configuration: 64 MiB of memory with the first
// page reserved, a 4 MiB heap, no swap.
func Default() Config {
	return Config{
		Memory: Memory{
			TotalBytes: 64 << 20,
			Reserved:   []Region{{Base: 0, Length: memarch.PageSize}},
		},
		Heap: Heap{
			Base: Addr(memarch.KernelBase) + 0x10000000,
			Size: 4 << 20,
		},
		Reclaim: Reclaim{Batch: 16},
	}
}

// Load reads and validates the TOML file at path. Fields absent from the
// file keep their Default values.
func Load(path string) (Config, error) {
	c := Default()
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, memerr.Wrapf(memerr.ErrInvalidArgument, "config %s: %v", path, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Parse decodes TOML from data on top of the defaults.
func Parse(data string) (Config, error) {
	c := Default()
	if _, err := toml.Decode(data, &c); err != nil {
		return Config{}, memerr.Wrapf(memerr.ErrInvalidArgument, "config: %v", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects configurations the subsystem cannot bring up.
func (c *Config) Validate() error {
	if c.Memory.TotalBytes == 0 || c.Memory.TotalBytes%memarch.PageSize != 0 {
		return memerr.Wrapf(memerr.ErrInvalidArgument, "memory.total_bytes %#x is not a positive page multiple", c.Memory.TotalBytes)
	}
	for _, r := range c.Memory.Reserved {
		if r.Length == 0 {
			return memerr.Wrapf(memerr.ErrInvalidArgument, "empty reserved region at %#x", r.Base)
		}
		if r.Base+r.Length > c.Memory.TotalBytes {
			return memerr.Wrapf(memerr.ErrInvalidArgument, "reserved region [%#x, +%#x) outside memory", r.Base, r.Length)
		}
	}
	if c.Heap.Size == 0 || c.Heap.Size%memarch.PageSize != 0 {
		return memerr.Wrapf(memerr.ErrInvalidArgument, "heap.size %#x is not a positive page multiple", c.Heap.Size)
	}
	hb := memarch.VirtAddr(c.Heap.Base)
	if !hb.IsPageAligned() || !hb.IsKernel() {
		return memerr.Wrapf(memerr.ErrInvalidArgument, "heap.base %#x is not a page-aligned kernel address", c.Heap.Base)
	}
	if c.Swap.Path != "" && c.Swap.Pages == 0 {
		return memerr.Wrapf(memerr.ErrInvalidArgument, "swap.path set with swap.pages = 0")
	}
	if c.Reclaim.Batch < 0 {
		return memerr.Wrapf(memerr.ErrInvalidArgument, "reclaim.batch %d is negative", c.Reclaim.Batch)
	}
	return nil
}

// Regions converts the configuration into the boot memory map handed to the
// frame allocator: one available region covering all of memory, with the
// reserved ranges marked unavailable.
func (c *Config) Regions() []memarch.MemRegion {
	regions := []memarch.MemRegion{{
		Base:      0,
		Length:    c.Memory.TotalBytes,
		Available: true,
	}}
	for _, r := range c.Memory.Reserved {
		regions = append(regions, memarch.MemRegion{
			Base:      memarch.PhysAddr(r.Base),
			Length:    r.Length,
			Available: false,
		})
	}
	return regions
}
