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

package ptables

import (
	"kmem.dev/kmem/pkg/memarch"
	"kmem.dev/kmem/pkg/memerr"
)

// walk descends to the leaf node covering va. If allocate is set, absent
// intermediate nodes are created; otherwise walk returns a nil leaf when the
// path is incomplete. idx is the leaf entry index for va.
func (p *PageTables) walk(va memarch.VirtAddr, allocate bool) (leaf []byte, idx int, err error) {
	if !va.IsCanonical() {
		return nil, 0, memerr.Wrapf(memerr.ErrInvalidArgument, "non-canonical address %#x", va)
	}
	node := p.node(p.root)
	for level := 3; level >= 1; level-- {
		i := va.TableIndex(level)
		pte := entry(node, i)
		if !pte.Present() {
			if !allocate {
				return nil, 0, nil
			}
			child, aerr := p.alloc.AllocFrame()
			if aerr != nil {
				return nil, 0, memerr.Wrapf(memerr.ErrOutOfMemory, "allocating level-%d table node", level-1)
			}
			setEntry(node, i, makeTablePTE(child))
			node = p.node(child)
			continue
		}
		node = p.node(pte.Address())
	}
	return node, va.TableIndex(0), nil
}

// VisitLower calls fn for every present leaf mapping in the user lower half,
// in ascending address order, until fn returns false.
//
// fn must not map or unmap entries; Protect-style rewrites of the visited
// entry are safe.
func (p *PageTables) VisitLower(fn func(va memarch.VirtAddr, pte PTE) bool) {
	root := p.node(p.root)
	half := memarch.EntriesPerNode / 2
	for i3 := 0; i3 < half; i3++ {
		e3 := entry(root, i3)
		if !e3.Present() {
			continue
		}
		n2 := p.node(e3.Address())
		for i2 := 0; i2 < memarch.EntriesPerNode; i2++ {
			e2 := entry(n2, i2)
			if !e2.Present() {
				continue
			}
			n1 := p.node(e2.Address())
			for i1 := 0; i1 < memarch.EntriesPerNode; i1++ {
				e1 := entry(n1, i1)
				if !e1.Present() {
					continue
				}
				n0 := p.node(e1.Address())
				for i0 := 0; i0 < memarch.EntriesPerNode; i0++ {
					e0 := entry(n0, i0)
					if !e0.Present() {
						continue
					}
					va := memarch.VirtAddr(uint64(i3)<<memarch.PGDShift |
						uint64(i2)<<memarch.PUDShift |
						uint64(i1)<<memarch.PMDShift |
						uint64(i0)<<memarch.PTEShift)
					if !fn(va, e0) {
						return
					}
				}
			}
		}
	}
}

// VisitLowerSwapped calls fn for every swapped-out leaf entry in the user
// lower half, in ascending address order, until fn returns false. The same
// restrictions as VisitLower apply.
func (p *PageTables) VisitLowerSwapped(fn func(va memarch.VirtAddr, slot uint32) bool) {
	root := p.node(p.root)
	half := memarch.EntriesPerNode / 2
	for i3 := 0; i3 < half; i3++ {
		e3 := entry(root, i3)
		if !e3.Present() {
			continue
		}
		n2 := p.node(e3.Address())
		for i2 := 0; i2 < memarch.EntriesPerNode; i2++ {
			e2 := entry(n2, i2)
			if !e2.Present() {
				continue
			}
			n1 := p.node(e2.Address())
			for i1 := 0; i1 < memarch.EntriesPerNode; i1++ {
				e1 := entry(n1, i1)
				if !e1.Present() {
					continue
				}
				n0 := p.node(e1.Address())
				for i0 := 0; i0 < memarch.EntriesPerNode; i0++ {
					e0 := entry(n0, i0)
					if !e0.Swapped() {
						continue
					}
					va := memarch.VirtAddr(uint64(i3)<<memarch.PGDShift |
						uint64(i2)<<memarch.PUDShift |
						uint64(i1)<<memarch.PMDShift |
						uint64(i0)<<memarch.PTEShift)
					if !fn(va, e0.SwapSlot()) {
						return
					}
				}
			}
		}
	}
}

// Release frees every intermediate node of the user lower half and then the
// root node. The shared kernel upper half is left untouched; leaf-mapped
// frames are never freed here, their ownership is the mapper's.
func (p *PageTables) Release() {
	p.releaseHalf(0, memarch.EntriesPerNode/2)
	p.alloc.FreeFrame(p.root)
	p.root = memarch.NoPhysAddr
}

// ReleaseFull frees the entire tree including the kernel upper half. Only the
// kernel context's own tables may be released this way, and only at final
// teardown.
func (p *PageTables) ReleaseFull() {
	p.releaseHalf(0, memarch.EntriesPerNode)
	p.alloc.FreeFrame(p.root)
	p.root = memarch.NoPhysAddr
}

func (p *PageTables) releaseHalf(begin, end int) {
	root := p.node(p.root)
	for i := begin; i < end; i++ {
		pte := entry(root, i)
		if !pte.Present() {
			continue
		}
		p.releaseNode(pte.Address(), 2)
		setEntry(root, i, 0)
	}
}

// releaseNode frees the subtree rooted at the node frame pa. level is the
// table level of pa's children; at level 0 the children are leaf mappings and
// are not freed.
func (p *PageTables) releaseNode(pa memarch.PhysAddr, level int) {
	if level > 0 {
		node := p.node(pa)
		for i := 0; i < memarch.EntriesPerNode; i++ {
			pte := entry(node, i)
			if pte.Present() {
				p.releaseNode(pte.Address(), level-1)
			}
		}
	}
	p.alloc.FreeFrame(pa)
}
