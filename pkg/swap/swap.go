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

// Package swap implements the backing store for evicted pages.
//
// A store is a flat file: a header page, a slot table, then page-sized data
// slots. Free slots chain through the slot table; allocated slots are marked
// in it, so a stale or double free is detectable. The header is rewritten on
// every Sync and on Close; a torn header is caught by its checksum on the
// next Open and the store is rebuilt rather than trusted.
package swap

import (
	"encoding/binary"
	"io"
	"os"

	"kmem.dev/kmem/pkg/log"
	"kmem.dev/kmem/pkg/memarch"
	"kmem.dev/kmem/pkg/memerr"
	"kmem.dev/kmem/pkg/sync"
)

const (
	// signature identifies a swap store file ("KSWP", little endian).
	signature = uint32(0x5057534b)

	version = 1

	// headerBytes is the encoded header: signature, version, page_size,
	// total_pages, used_pages, free_list_head, checksum, 4 bytes each.
	headerBytes = 28

	// slotNil terminates the free chain; slotUsed marks an allocated
	// slot's table entry.
	slotNil  = uint32(0xffffffff)
	slotUsed = uint32(0xfffffffe)
)

var le = binary.LittleEndian

// Stats is a point-in-time snapshot of store occupancy.
type Stats struct {
	TotalPages uint32
	UsedPages  uint32
}

// Store is an open swap file.
type Store struct {
	// mu guards the slot table, the free chain, and used. File data reads
	// and writes of distinct slots do not contend.
	mu sync.Mutex

	f    *os.File
	path string

	totalPages uint32
	usedPages  uint32
	freeHead   uint32

	// table holds the free chain: table[i] is the next free slot after i,
	// slotUsed for allocated slots. Persisted after the header.
	table []uint32

	// dataOff is the file offset of slot 0, page aligned past the header
	// and table.
	dataOff int64

	log log.Logger
}

func dataOffset(totalPages uint32) int64 {
	meta := uint64(headerBytes) + 4*uint64(totalPages)
	return int64((meta + memarch.PageMask) &^ uint64(memarch.PageMask))
}

func checksum(sig, ver, pageSize, total, used, freeHead uint32) uint32 {
	return sig + ver + pageSize + total + used + freeHead
}

// Header is the decoded store header, for inspection tools.
type Header struct {
	Version    uint32
	PageSize   uint32
	TotalPages uint32
	UsedPages  uint32
	FreeHead   uint32
}

// ReadHeader decodes and validates the header of the swap file at path
// without opening the store for use.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, memerr.Wrapf(memerr.ErrIO, "open %s: %v", path, err)
	}
	defer f.Close()
	var hdr [headerBytes]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return Header{}, memerr.Wrapf(memerr.ErrCorruption, "%s: short header", path)
	}
	h := Header{
		Version:    le.Uint32(hdr[4:]),
		PageSize:   le.Uint32(hdr[8:]),
		TotalPages: le.Uint32(hdr[12:]),
		UsedPages:  le.Uint32(hdr[16:]),
		FreeHead:   le.Uint32(hdr[20:]),
	}
	if sig := le.Uint32(hdr[0:]); sig != signature {
		return Header{}, memerr.Wrapf(memerr.ErrCorruption, "%s: bad signature %#x", path, sig)
	}
	if sum := le.Uint32(hdr[24:]); sum != checksum(signature, h.Version, h.PageSize, h.TotalPages, h.UsedPages, h.FreeHead) {
		return Header{}, memerr.Wrapf(memerr.ErrCorruption, "%s: header checksum %#x", path, sum)
	}
	return h, nil
}

// Open opens the swap store at path with capacity for pages slots, creating
// or rebuilding the file as needed. An existing valid store is preserved,
// including its allocated slots, and extended if pages exceeds its capacity.
func Open(path string, pages uint32) (*Store, error) {
	if pages == 0 {
		return nil, memerr.Wrapf(memerr.ErrInvalidArgument, "swap store needs at least one page")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, memerr.Wrapf(memerr.ErrIO, "open %s: %v", path, err)
	}
	s := &Store{
		f:    f,
		path: path,
		log:  log.Prefixed("swap: ", log.Log()),
	}
	if err := s.load(); err != nil {
		if memerr.KindOf(err) == memerr.KindIO {
			f.Close()
			return nil, err
		}
		s.log.Warningf("rebuilding %s: %v", path, err)
		if err := s.format(pages); err != nil {
			f.Close()
			return nil, err
		}
	} else if pages > s.totalPages {
		if err := s.extend(pages); err != nil {
			f.Close()
			return nil, err
		}
	}
	s.log.Infof("%s: %d pages, %d used", path, s.totalPages, s.usedPages)
	return s, nil
}

// load reads and validates the header and slot table.
func (s *Store) load() error {
	var hdr [headerBytes]byte
	if _, err := s.f.ReadAt(hdr[:], 0); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return memerr.Wrapf(memerr.ErrCorruption, "short header")
		}
		return memerr.Wrapf(memerr.ErrIO, "read header: %v", err)
	}
	var (
		sig      = le.Uint32(hdr[0:])
		ver      = le.Uint32(hdr[4:])
		pageSize = le.Uint32(hdr[8:])
		total    = le.Uint32(hdr[12:])
		used     = le.Uint32(hdr[16:])
		freeHead = le.Uint32(hdr[20:])
		sum      = le.Uint32(hdr[24:])
	)
	if sig != signature {
		return memerr.Wrapf(memerr.ErrCorruption, "bad signature %#x", sig)
	}
	if ver != version {
		return memerr.Wrapf(memerr.ErrCorruption, "unsupported version %d", ver)
	}
	if pageSize != memarch.PageSize {
		return memerr.Wrapf(memerr.ErrCorruption, "page size %d, want %d", pageSize, memarch.PageSize)
	}
	if sum != checksum(sig, ver, pageSize, total, used, freeHead) {
		return memerr.Wrapf(memerr.ErrCorruption, "header checksum %#x", sum)
	}
	if total == 0 || used > total || (freeHead != slotNil && freeHead >= total) {
		return memerr.Wrapf(memerr.ErrCorruption, "inconsistent header: total=%d used=%d free_head=%#x", total, used, freeHead)
	}

	table := make([]uint32, total)
	raw := make([]byte, 4*total)
	if _, err := s.f.ReadAt(raw, headerBytes); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return memerr.Wrapf(memerr.ErrCorruption, "short slot table")
		}
		return memerr.Wrapf(memerr.ErrIO, "read slot table: %v", err)
	}
	var free, inUse uint32
	for i := range table {
		table[i] = le.Uint32(raw[4*i:])
		switch {
		case table[i] == slotUsed:
			inUse++
		case table[i] == slotNil || table[i] < total:
			free++
		default:
			return memerr.Wrapf(memerr.ErrCorruption, "slot %d links to %#x", i, table[i])
		}
	}
	if inUse != used || free != total-used {
		return memerr.Wrapf(memerr.ErrCorruption, "slot table counts %d used, header says %d", inUse, used)
	}

	s.totalPages = total
	s.usedPages = used
	s.freeHead = freeHead
	s.table = table
	s.dataOff = dataOffset(total)
	return nil
}

// format initializes an empty store of pages slots, truncating whatever the
// file held before.
func (s *Store) format(pages uint32) error {
	s.totalPages = pages
	s.usedPages = 0
	s.table = make([]uint32, pages)
	for i := range s.table {
		s.table[i] = uint32(i) + 1
	}
	s.table[pages-1] = slotNil
	s.freeHead = 0
	s.dataOff = dataOffset(pages)

	size := s.dataOff + int64(pages)*memarch.PageSize
	if err := s.f.Truncate(0); err != nil {
		return memerr.Wrapf(memerr.ErrIO, "truncate %s: %v", s.path, err)
	}
	if err := s.f.Truncate(size); err != nil {
		return memerr.Wrapf(memerr.ErrIO, "size %s to %d: %v", s.path, size, err)
	}
	return s.flushLocked()
}

// extend grows the store to pages slots, chaining the new slots onto the
// free list. Slot data does not move: the metadata area is sized for the
// final capacity only if it still fits the reserved pages, otherwise the
// store is rebuilt at the larger size.
func (s *Store) extend(pages uint32) error {
	if dataOffset(pages) != s.dataOff {
		if s.usedPages != 0 {
			return memerr.Wrapf(memerr.ErrConflict, "cannot extend %s to %d pages with %d slots in use", s.path, pages, s.usedPages)
		}
		return s.format(pages)
	}
	old := s.totalPages
	grown := make([]uint32, pages)
	copy(grown, s.table)
	for i := old; i < pages; i++ {
		grown[i] = i + 1
	}
	grown[pages-1] = s.freeHead
	s.freeHead = old
	s.table = grown
	s.totalPages = pages

	size := s.dataOff + int64(pages)*memarch.PageSize
	if err := s.f.Truncate(size); err != nil {
		return memerr.Wrapf(memerr.ErrIO, "size %s to %d: %v", s.path, size, err)
	}
	return s.flushLocked()
}

// flushLocked persists the header and slot table.
func (s *Store) flushLocked() error {
	var hdr [headerBytes]byte
	le.PutUint32(hdr[0:], signature)
	le.PutUint32(hdr[4:], version)
	le.PutUint32(hdr[8:], memarch.PageSize)
	le.PutUint32(hdr[12:], s.totalPages)
	le.PutUint32(hdr[16:], s.usedPages)
	le.PutUint32(hdr[20:], s.freeHead)
	le.PutUint32(hdr[24:], checksum(signature, version, memarch.PageSize, s.totalPages, s.usedPages, s.freeHead))

	raw := make([]byte, 4*len(s.table))
	for i, v := range s.table {
		le.PutUint32(raw[4*i:], v)
	}
	if _, err := s.f.WriteAt(hdr[:], 0); err != nil {
		return memerr.Wrapf(memerr.ErrIO, "write header: %v", err)
	}
	if _, err := s.f.WriteAt(raw, headerBytes); err != nil {
		return memerr.Wrapf(memerr.ErrIO, "write slot table: %v", err)
	}
	return nil
}

// Alloc reserves a slot.
func (s *Store) Alloc() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freeHead == slotNil {
		return 0, memerr.Wrapf(memerr.ErrOutOfMemory, "swap store full (%d pages)", s.totalPages)
	}
	slot := s.freeHead
	s.freeHead = s.table[slot]
	s.table[slot] = slotUsed
	s.usedPages++
	return slot, nil
}

// Free releases a slot. The slot's stored contents are not cleared.
func (s *Store) Free(slot uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot >= s.totalPages {
		return memerr.Wrapf(memerr.ErrInvalidArgument, "slot %d out of range", slot)
	}
	if s.table[slot] != slotUsed {
		return memerr.Wrapf(memerr.ErrCorruption, "freeing unallocated slot %d", slot)
	}
	s.table[slot] = s.freeHead
	s.freeHead = slot
	s.usedPages--
	return nil
}

// checkSlot validates that slot is allocated.
func (s *Store) checkSlot(slot uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot >= s.totalPages {
		return memerr.Wrapf(memerr.ErrInvalidArgument, "slot %d out of range", slot)
	}
	if s.table[slot] != slotUsed {
		return memerr.Wrapf(memerr.ErrInvalidArgument, "slot %d not allocated", slot)
	}
	return nil
}

func (s *Store) slotOffset(slot uint32) int64 {
	return s.dataOff + int64(slot)*memarch.PageSize
}

// WriteSlot stores one page of data into slot.
func (s *Store) WriteSlot(slot uint32, data []byte) error {
	if len(data) != memarch.PageSize {
		return memerr.Wrapf(memerr.ErrInvalidArgument, "slot write of %d bytes", len(data))
	}
	if err := s.checkSlot(slot); err != nil {
		return err
	}
	if _, err := s.f.WriteAt(data, s.slotOffset(slot)); err != nil {
		return memerr.Wrapf(memerr.ErrIO, "write slot %d: %v", slot, err)
	}
	return nil
}

// ReadSlot fills data with the page stored in slot.
func (s *Store) ReadSlot(slot uint32, data []byte) error {
	if len(data) != memarch.PageSize {
		return memerr.Wrapf(memerr.ErrInvalidArgument, "slot read of %d bytes", len(data))
	}
	if err := s.checkSlot(slot); err != nil {
		return err
	}
	if _, err := s.f.ReadAt(data, s.slotOffset(slot)); err != nil {
		return memerr.Wrapf(memerr.ErrIO, "read slot %d: %v", slot, err)
	}
	return nil
}

// Sync persists metadata and flushes file data.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flushLocked(); err != nil {
		return err
	}
	if err := s.f.Sync(); err != nil {
		return memerr.Wrapf(memerr.ErrIO, "sync %s: %v", s.path, err)
	}
	return nil
}

// Stats returns a snapshot of store occupancy.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{TotalPages: s.totalPages, UsedPages: s.usedPages}
}

// Path returns the backing file's path.
func (s *Store) Path() string { return s.path }

// Close persists metadata and closes the file.
func (s *Store) Close() error {
	s.mu.Lock()
	ferr := s.flushLocked()
	s.mu.Unlock()
	if err := s.f.Close(); err != nil && ferr == nil {
		ferr = memerr.Wrapf(memerr.ErrIO, "close %s: %v", s.path, err)
	}
	return ferr
}
