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

// AccessType specifies memory access permissions.
type AccessType struct {
	// Read is read access.
	Read bool

	// Write is write access.
	Write bool

	// User is userspace access.
	User bool
}

// String returns a rwu representation of the AccessType.
func (a AccessType) String() string {
	bits := [3]byte{'-', '-', '-'}
	if a.Read {
		bits[0] = 'r'
	}
	if a.Write {
		bits[1] = 'w'
	}
	if a.User {
		bits[2] = 'u'
	}
	return string(bits[:])
}

// Any returns true if at least one access is permitted.
func (a AccessType) Any() bool { return a.Read || a.Write || a.User }

// SupersetOf returns true if a permits every access that other permits.
func (a AccessType) SupersetOf(other AccessType) bool {
	if other.Read && !a.Read {
		return false
	}
	if other.Write && !a.Write {
		return false
	}
	if other.User && !a.User {
		return false
	}
	return true
}

// Common access types.
var (
	NoAccess      = AccessType{}
	Read          = AccessType{Read: true}
	ReadWrite     = AccessType{Read: true, Write: true}
	UserRead      = AccessType{Read: true, User: true}
	UserReadWrite = AccessType{Read: true, Write: true, User: true}
)
