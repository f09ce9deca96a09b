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
	"bytes"
	"sort"
)

// IndexEntry locates one block inside a table file. Key is the first key of
// the block, Offset the file position of the block frame and Length the
// stored (possibly compressed) payload length without the frame header.
type IndexEntry struct {
	Key    []byte
	Offset int64
	Length int64
}

// SparseIndex holds one IndexEntry per block, ordered by Key. The writer
// appends entries in key order; the reader binary searches them.
type SparseIndex struct {
	entries []IndexEntry
}

// Put appends a block entry. Callers must append in increasing key order.
func (si *SparseIndex) Put(key []byte, offset, length int64) {
	si.entries = append(si.entries, IndexEntry{Key: key, Offset: offset, Length: length})
}

// Search returns the entry of the block that may contain key, which is the
// last block whose first key is <= key. The second return is false when key
// sorts before the first block.
func (si *SparseIndex) Search(key []byte) (IndexEntry, bool) {
	i := sort.Search(len(si.entries), func(i int) bool {
		return bytes.Compare(si.entries[i].Key, key) > 0
	})
	if i == 0 {
		return IndexEntry{}, false
	}
	return si.entries[i-1], true
}

// Len returns the number of indexed blocks.
func (si *SparseIndex) Len() int {
	return len(si.entries)
}

// At returns the i'th block entry in key order.
func (si *SparseIndex) At(i int) IndexEntry {
	return si.entries[i]
}
