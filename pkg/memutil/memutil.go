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

// Package memutil provides host memory mapping utilities.
package memutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MapAnonymous maps size bytes of zeroed anonymous host memory. The frame
// allocator uses this for the physical arena, so mappings are expected to be
// large and long-lived.
func MapAnonymous(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid mapping size %d", size)
	}
	m, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("anonymous mmap of %d bytes failed: %w", size, err)
	}
	return m, nil
}

// Unmap releases a mapping returned by MapAnonymous.
func Unmap(m []byte) error {
	if m == nil {
		return nil
	}
	return unix.Munmap(m)
}
