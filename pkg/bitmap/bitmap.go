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

// Package bitmap provides the fixed-size bitmap underlying the frame
// allocator: set/clear with a maintained population count, first-zero search
// from a hint, and zero-run search for contiguous allocations.
package bitmap

import (
	"math/bits"
)

const wordBits = 64

// Bitmap is a fixed-size bitmap. The zero value is an empty bitmap of size
// zero; use New.
type Bitmap struct {
	// size is the number of valid bits.
	size uint32

	// numOnes is the number of set bits.
	numOnes uint32

	// words holds the bits, 64 per entry. Bits past size in the last word
	// are kept set so searches never return them.
	words []uint64
}

// New creates a Bitmap tracking size bits, all clear.
func New(size uint32) *Bitmap {
	b := &Bitmap{
		size:  size,
		words: make([]uint64, (size+wordBits-1)/wordBits),
	}
	b.padTail()
	return b
}

// padTail sets the unused bits of the final word.
func (b *Bitmap) padTail() {
	if rem := b.size % wordBits; rem != 0 {
		b.words[len(b.words)-1] |= ^uint64(0) << rem
	}
}

// Size returns the number of valid bits.
func (b *Bitmap) Size() uint32 { return b.size }

// OnesCount returns the number of set bits.
func (b *Bitmap) OnesCount() uint32 { return b.numOnes }

// ZerosCount returns the number of clear bits.
func (b *Bitmap) ZerosCount() uint32 { return b.size - b.numOnes }

// IsSet returns true if bit i is set.
//
// Precondition: i < Size().
func (b *Bitmap) IsSet(i uint32) bool {
	return b.words[i/wordBits]&(1<<(i%wordBits)) != 0
}

// Set sets bit i. It returns true if the bit changed.
//
// Precondition: i < Size().
func (b *Bitmap) Set(i uint32) bool {
	w, mask := i/wordBits, uint64(1)<<(i%wordBits)
	if b.words[w]&mask != 0 {
		return false
	}
	b.words[w] |= mask
	b.numOnes++
	return true
}

// Clear clears bit i. It returns true if the bit changed.
//
// Precondition: i < Size().
func (b *Bitmap) Clear(i uint32) bool {
	w, mask := i/wordBits, uint64(1)<<(i%wordBits)
	if b.words[w]&mask == 0 {
		return false
	}
	b.words[w] &^= mask
	b.numOnes--
	return true
}

// SetRange sets bits [begin, end).
//
// Precondition: begin <= end <= Size().
func (b *Bitmap) SetRange(begin, end uint32) {
	for i := begin; i < end; i++ {
		b.Set(i)
	}
}

// ClearRange clears bits [begin, end).
//
// Precondition: begin <= end <= Size().
func (b *Bitmap) ClearRange(begin, end uint32) {
	for i := begin; i < end; i++ {
		b.Clear(i)
	}
}

// FirstZero returns the first clear bit at or after start, and false if no
// clear bit exists in [start, Size()).
func (b *Bitmap) FirstZero(start uint32) (uint32, bool) {
	if start >= b.size {
		return 0, false
	}
	i, off := int(start/wordBits), start%wordBits
	w := b.words[i] | ((1 << off) - 1)
	for {
		if w != ^uint64(0) {
			bit := uint32(i*wordBits + bits.TrailingZeros64(^w))
			if bit >= b.size {
				return 0, false
			}
			return bit, true
		}
		i++
		if i == len(b.words) {
			return 0, false
		}
		w = b.words[i]
	}
}

// FindZeroRun returns the first index of a run of n consecutive clear bits,
// searching from hint and wrapping around to the beginning. It returns false
// if no such run exists.
func (b *Bitmap) FindZeroRun(hint, n uint32) (uint32, bool) {
	if n == 0 || n > b.size {
		return 0, false
	}
	if hint >= b.size {
		hint = 0
	}
	if idx, ok := b.findZeroRunIn(hint, b.size, n); ok {
		return idx, true
	}
	// Wrap. The overlap up to hint+n-1 catches runs straddling the hint.
	limit := hint + n - 1
	if limit > b.size {
		limit = b.size
	}
	return b.findZeroRunIn(0, limit, n)
}

// findZeroRunIn searches [begin, end) for n consecutive clear bits.
func (b *Bitmap) findZeroRunIn(begin, end, n uint32) (uint32, bool) {
	i := begin
	for i < end {
		runStart, ok := b.FirstZero(i)
		if !ok || runStart >= end {
			return 0, false
		}
		bit, runLen := runStart, uint32(0)
		for bit < end && !b.IsSet(bit) {
			runLen++
			if runLen == n {
				return runStart, true
			}
			bit++
		}
		i = bit + 1
	}
	return 0, false
}

// LongestZeroRun returns the length of the longest run of clear bits.
func (b *Bitmap) LongestZeroRun() uint32 {
	var longest, cur uint32
	for i := 0; i < len(b.words); i++ {
		w := b.words[i]
		if w == 0 {
			cur += wordBits
			if cur > longest {
				longest = cur
			}
			continue
		}
		// Walk the zero spans inside this word.
		for off := 0; off < wordBits; {
			if w&(1<<off) != 0 {
				if cur > longest {
					longest = cur
				}
				cur = 0
				off++
				continue
			}
			z := bits.TrailingZeros64(w >> off)
			if z > wordBits-off {
				z = wordBits - off
			}
			cur += uint32(z)
			off += z
		}
		if cur > longest {
			longest = cur
		}
	}
	if cur > longest {
		longest = cur
	}
	return longest
}
