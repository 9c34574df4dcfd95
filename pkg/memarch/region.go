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

package memarch

// MemRegion is one entry of the boot-time physical memory map. The boot
// collaborator translates whatever firmware format it parses into a list of
// these; the frame allocator consumes nothing else.
type MemRegion struct {
	// Base is the first physical address of the region. It need not be
	// page-aligned; consumers round inward.
	Base PhysAddr

	// Length is the region size in bytes.
	Length uint64

	// Available is true if the region is usable RAM, false for reserved
	// ranges (firmware tables, MMIO holes, the kernel image).
	Available bool
}

// End returns the first physical address past the region.
func (r MemRegion) End() PhysAddr { return r.Base + PhysAddr(r.Length) }

// FrameSpan returns the first and one-past-last frame indices fully contained
// in the region. Available regions round inward so partial pages at either
// edge are never handed out.
func (r MemRegion) FrameSpan() (first, end uint64) {
	first = uint64(r.Base.RoundUp()) >> PageShift
	end = uint64(r.End().RoundDown()) >> PageShift
	if end < first {
		end = first
	}
	return first, end
}
