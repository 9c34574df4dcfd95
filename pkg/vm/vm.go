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

// Package vm implements the address space manager.
//
// A VM owns the distinguished kernel address space and creates process
// address spaces from it. Every address space shares the kernel's upper-half
// page-table entries by reference; everything below KernelBase is private to
// the space that mapped it.
package vm

import (
	"kmem.dev/kmem/pkg/frame"
	"kmem.dev/kmem/pkg/log"
	"kmem.dev/kmem/pkg/memarch"
	"kmem.dev/kmem/pkg/ptables"
	"kmem.dev/kmem/pkg/sync"
)

// Arch abstracts the hardware operations an address-space switch needs. The
// trap/arch collaborator supplies the real implementation; HostArch is a
// no-op stand-in for tests and tooling.
type Arch interface {
	// LoadRoot points the hardware root-table register at pa.
	LoadRoot(pa memarch.PhysAddr)

	// InvalidatePage invalidates the cached translation for va on the
	// current CPU.
	InvalidatePage(va memarch.VirtAddr)

	// DisableInterrupts masks interrupts and returns the function that
	// restores the previous state.
	DisableInterrupts() (restore func())
}

// HostArch is the no-op Arch used when no paging hardware is being driven.
type HostArch struct{}

// LoadRoot implements Arch.LoadRoot.
func (HostArch) LoadRoot(memarch.PhysAddr) {}

// InvalidatePage implements Arch.InvalidatePage.
func (HostArch) InvalidatePage(memarch.VirtAddr) {}

// DisableInterrupts implements Arch.DisableInterrupts.
func (HostArch) DisableInterrupts() (restore func()) { return func() {} }

// VM is the address space manager.
type VM struct {
	arch   Arch
	frames *frame.Allocator
	log    log.Logger

	// kernel is the distinguished kernel address space. Its upper half is
	// shared by reference into every other space and owned here.
	kernel *AddressSpace

	// mu guards active.
	mu     sync.Mutex
	active *AddressSpace
}

// archInvalidator adapts Arch to ptables.Invalidator.
type archInvalidator struct{ arch Arch }

func (a archInvalidator) InvalidatePage(va memarch.VirtAddr) { a.arch.InvalidatePage(va) }

// New creates a VM and its kernel address space.
func New(frames *frame.Allocator, arch Arch) (*VM, error) {
	v := &VM{
		arch:   arch,
		frames: frames,
		log:    log.Prefixed("vm: ", log.Log()),
	}
	pt, err := ptables.New(frames, archInvalidator{arch})
	if err != nil {
		return nil, err
	}
	v.kernel = newAddressSpace(v, pt, true)
	v.active = v.kernel
	return v, nil
}

// Kernel returns the kernel address space.
func (v *VM) Kernel() *AddressSpace { return v.kernel }

// Active returns the currently active address space.
func (v *VM) Active() *AddressSpace {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.active
}

// NewAddressSpace creates a process address space sharing the kernel upper
// half. The returned space holds one reference.
func (v *VM) NewAddressSpace() (*AddressSpace, error) {
	pt, err := ptables.New(v.frames, archInvalidator{v.arch})
	if err != nil {
		return nil, err
	}
	pt.ShareUpper(v.kernel.pt)
	return newAddressSpace(v, pt, false), nil
}

// Activate switches the hardware context to as. Interrupts stay disabled for
// the duration so no fault can be serviced against a half-installed root.
func (v *VM) Activate(as *AddressSpace) {
	restore := v.arch.DisableInterrupts()
	defer restore()
	v.mu.Lock()
	defer v.mu.Unlock()
	v.arch.LoadRoot(as.pt.Root())
	v.active = as
}

// Teardown destroys the kernel context, including the shared upper half.
// Every other address space must already be destroyed.
func (v *VM) Teardown() {
	v.kernel.mu.Lock()
	defer v.kernel.mu.Unlock()
	v.kernel.vmas.Clear(false)
	v.kernel.pt.ReleaseFull()
}
