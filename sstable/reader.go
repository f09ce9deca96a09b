// Package sstable
//
// (C) Copyright FernKV
//
// Original Author: Alex Gaetano Padula
//
// Licensed under the Mozilla Public License, v. 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.mozilla.org/en-US/MPL/2.0/
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package sstable

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/exp/mmap"

	"github.com/fernkv-io/fernkv/bloomfilter"
)

// Reader serves point lookups against one finalized table file. The file is
// memory mapped; the footer, sparse index and bloom filter are decoded once
// at open. Lookups are safe for concurrent use.
type Reader struct {
	path        string
	ra          *mmap.ReaderAt
	index       SparseIndex
	filter      *bloomfilter.BloomFilter
	compression Compression
	entryCount  int64
}

// Open maps the table at path and validates its trailer and footer. A file
// whose flush never completed has no valid trailer and is rejected with
// ErrCorruption.
func Open(path string) (*Reader, error) {
	ra, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: failed to open table file: %w", err)
	}

	r, err := readFooter(path, ra)
	if err != nil {
		_ = ra.Close()
		return nil, err
	}
	return r, nil
}

func readFooter(path string, ra *mmap.ReaderAt) (*Reader, error) {
	size := int64(ra.Len())
	if size < trailerSize {
		return nil, fmt.Errorf("%w: table %s shorter than trailer", ErrCorruption, path)
	}

	trailer := make([]byte, trailerSize)
	if _, err := ra.ReadAt(trailer, size-trailerSize); err != nil {
		return nil, fmt.Errorf("sstable: failed to read trailer: %w", err)
	}
	footerLen := int64(binary.LittleEndian.Uint32(trailer[0:]))
	footerCrc := binary.LittleEndian.Uint32(trailer[4:])
	magic := binary.LittleEndian.Uint32(trailer[8:])

	if magic != tableMagic {
		return nil, fmt.Errorf("%w: table %s has bad magic", ErrCorruption, path)
	}
	if footerLen <= 0 || footerLen > size-trailerSize {
		return nil, fmt.Errorf("%w: table %s has implausible footer length %d", ErrCorruption, path, footerLen)
	}

	payload := make([]byte, footerLen)
	if _, err := ra.ReadAt(payload, size-trailerSize-footerLen); err != nil {
		return nil, fmt.Errorf("sstable: failed to read footer: %w", err)
	}
	if crc32.ChecksumIEEE(payload) != footerCrc {
		return nil, fmt.Errorf("%w: table %s footer checksum mismatch", ErrCorruption, path)
	}

	var ft footer
	if err := bson.Unmarshal(payload, &ft); err != nil {
		return nil, fmt.Errorf("%w: table %s footer: %v", ErrCorruption, path, err)
	}

	filter, err := bloomfilter.Deserialize(ft.Filter)
	if err != nil {
		return nil, fmt.Errorf("%w: table %s bloom filter: %v", ErrCorruption, path, err)
	}

	r := &Reader{
		path:        path,
		ra:          ra,
		filter:      filter,
		compression: Compression(ft.Compression),
		entryCount:  ft.EntryCount,
	}
	blocks := size - trailerSize - footerLen
	for _, slot := range ft.Index {
		if slot.Offset < 0 || slot.Length <= 0 || slot.Offset+blockHeaderSize+slot.Length > blocks {
			return nil, fmt.Errorf("%w: table %s index entry out of bounds", ErrCorruption, path)
		}
		r.index.Put(slot.Key, slot.Offset, slot.Length)
	}
	return r, nil
}

// Lookup searches the table for key. found reports whether the table holds
// an entry for the key at all; tombstone reports that the entry records a
// deletion. The returned value does not alias the mapped file.
func (r *Reader) Lookup(key []byte) (value []byte, tombstone bool, found bool, err error) {
	if r.entryCount == 0 || !r.filter.Contains(key) {
		return nil, false, false, nil
	}
	ie, ok := r.index.Search(key)
	if !ok {
		return nil, false, false, nil
	}
	block, err := r.readBlock(ie)
	if err != nil {
		return nil, false, false, err
	}
	return scanBlock(block, key)
}

// readBlock reads and validates one block frame, returning the decompressed
// entry bytes.
func (r *Reader) readBlock(ie IndexEntry) ([]byte, error) {
	frame := make([]byte, blockHeaderSize+ie.Length)
	if _, err := r.ra.ReadAt(frame, ie.Offset); err != nil {
		return nil, fmt.Errorf("sstable: failed to read block: %w", err)
	}
	crc := binary.LittleEndian.Uint32(frame[0:])
	length := binary.LittleEndian.Uint32(frame[4:])
	if int64(length) != ie.Length {
		return nil, fmt.Errorf("%w: table %s block length mismatch", ErrCorruption, r.path)
	}
	stored := frame[blockHeaderSize:]
	if crc32.ChecksumIEEE(stored) != crc {
		return nil, fmt.Errorf("%w: table %s block checksum mismatch", ErrCorruption, r.path)
	}
	return decompressBlock(r.compression, stored)
}

// Entries returns the number of entries recorded in the footer.
func (r *Reader) Entries() int64 {
	return r.entryCount
}

// Path returns the table file path.
func (r *Reader) Path() string {
	return r.path
}

// Close unmaps the table file.
func (r *Reader) Close() error {
	return r.ra.Close()
}
