// Package fptree
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
package fptree

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fernkv-io/fernkv/leafstore"
)

// errRestartRead tells the read path to go back to the root. It never
// escapes the tree.
var errRestartRead = errors.New("fptree: restart read from root")

// extPage is the in-memory view of one extension page lending its data area
// to a leaf. The tail is tracked here only; it is recomputed from the slot
// directory when a tree is reopened.
type extPage struct {
	id   uint32
	tail uint32
	hdr  *leafstore.Header
}

// Leaf is the volatile wrapper around one persistent leaf page.
//
// Readers never take the mutex. They load the published header snapshot and
// the version word around their page reads; a version change since the
// snapshot means a writer got in between and the read is retried. Writers
// serialize on the mutex, prepare a new header copy, make it durable and
// only then publish it and bump the version.
//
// high is the exclusive upper bound of the keys this leaf may hold. It is
// nil for the rightmost leaf and becomes the split key once the leaf has
// split. A reader or writer that descended with a stale root and holds a key
// at or above high moves right through next.
type Leaf struct {
	id uint32

	mu      sync.Mutex
	version atomic.Uint64
	hdr     atomic.Pointer[leafstore.Header]
	next    atomic.Pointer[Leaf]
	high    atomic.Pointer[[]byte]

	// exts is writer-side state, guarded by mu.
	exts []extPage
}

func (l *Leaf) fptreeNode() {}

func newLeaf(id uint32, hdr *leafstore.Header) *Leaf {
	l := &Leaf{id: id}
	l.hdr.Store(hdr)
	return l
}

// search runs the optimistic read protocol against this leaf, following
// sibling links to the right when the key is outside the leaf bounds.
// A read that keeps losing races against writers gives up with
// errRestartRead; corruption errors are returned as they are.
func (l *Leaf) search(store *leafstore.Store, key []byte, fp byte, maxRetries int) (value []byte, tombstone, found bool, err error) {
	retries := 0
	for {
		v1 := l.version.Load()
		hdr := l.hdr.Load()
		if hk := l.high.Load(); hk != nil && bytes.Compare(key, *hk) >= 0 {
			nl := l.next.Load()
			if nl == nil {
				return nil, false, false, errRestartRead
			}
			l = nl
			retries = 0
			continue
		}
		value, tombstone, found, err = scanSnapshot(store, hdr, key, fp)
		if err != nil {
			return nil, false, false, err
		}
		if l.version.Load() == v1 {
			return value, tombstone, found, nil
		}
		retries++
		if retries > maxRetries {
			return nil, false, false, errRestartRead
		}
	}
}

// scanSnapshot looks key up in one immutable header snapshot. Fingerprints
// keep the scan to a single key read for almost every probe.
func scanSnapshot(store *leafstore.Store, hdr *leafstore.Header, key []byte, fp byte) (value []byte, tombstone, found bool, err error) {
	for i := 0; i < int(hdr.Count); i++ {
		if hdr.Fingerprints[i] != fp {
			continue
		}
		info := hdr.Slots[i]
		k, err := store.ReadKeyAt(info.DataPage, info.Offset, info.KeySize)
		if err != nil {
			return nil, false, false, err
		}
		if !bytes.Equal(k, key) {
			continue
		}
		if info.ValueSize == 0 {
			return nil, true, true, nil
		}
		v, err := store.ReadValueAt(info.DataPage, info.Offset, info.KeySize, info.ValueSize)
		if err != nil {
			return nil, false, false, err
		}
		return v, false, true, nil
	}
	return nil, false, false, nil
}

// findSlot locates the sorted position of key among the live slots. The
// second result reports whether the slot at that position already holds the
// key.
func (l *Leaf) findSlot(store *leafstore.Store, hdr *leafstore.Header, key []byte, fp byte) (int, bool, error) {
	var searchErr error
	n := int(hdr.Count)
	idx := sort.Search(n, func(i int) bool {
		if searchErr != nil {
			return true
		}
		info := hdr.Slots[i]
		k, err := store.ReadKeyAt(info.DataPage, info.Offset, info.KeySize)
		if err != nil {
			searchErr = err
			return true
		}
		return bytes.Compare(k, key) >= 0
	})
	if searchErr != nil {
		return 0, false, searchErr
	}
	if idx < n && hdr.Fingerprints[idx] == fp {
		info := hdr.Slots[idx]
		k, err := store.ReadKeyAt(info.DataPage, info.Offset, info.KeySize)
		if err != nil {
			return 0, false, err
		}
		if bytes.Equal(k, key) {
			return idx, true, nil
		}
	}
	return idx, false, nil
}

// appendData writes the framed entry into the first data area with room,
// extending the extension chain when none has. It updates hdr (tail or
// extension link) but does not commit it; the caller's header commit carries
// those changes.
func (l *Leaf) appendData(store *leafstore.Store, hdr *leafstore.Header, key, value []byte) (page, off uint32, err error) {
	stride := leafstore.EntryStride(len(key), len(value))
	if stride > store.MaxEntrySize() {
		return 0, 0, fmt.Errorf("%w: entry of %d bytes exceeds the page capacity %d",
			leafstore.ErrCapacity, stride, store.MaxEntrySize())
	}

	if hdr.Tail+stride <= store.DataEnd() {
		off = hdr.Tail
		if err := store.WriteEntryAt(l.id, off, key, value); err != nil {
			return 0, 0, err
		}
		hdr.Tail += stride
		return l.id, off, nil
	}

	for i := range l.exts {
		e := &l.exts[i]
		if e.tail+stride <= store.DataEnd() {
			off = e.tail
			if err := store.WriteEntryAt(e.id, off, key, value); err != nil {
				return 0, 0, err
			}
			e.tail += stride
			return e.id, off, nil
		}
	}

	// Every area is full, grow the chain. The new extension header goes to
	// disk before anything links to it.
	id, err := store.Allocate()
	if err != nil {
		return 0, 0, err
	}
	eh := store.NewHeader(leafstore.PageExt)
	if err := store.CommitHeader(id, eh); err != nil {
		return 0, 0, err
	}
	if len(l.exts) == 0 {
		// The link rides on the caller's header commit.
		hdr.Ext = id
	} else {
		last := &l.exts[len(l.exts)-1]
		last.hdr.Ext = id
		if err := store.CommitHeader(last.id, last.hdr); err != nil {
			return 0, 0, err
		}
	}

	off = store.DataStart()
	if err := store.WriteEntryAt(id, off, key, value); err != nil {
		return 0, 0, err
	}
	l.exts = append(l.exts, extPage{id: id, tail: off + stride, hdr: eh})
	return id, off, nil
}

// upsert inserts or overwrites key under the leaf mutex. hdr must be the
// currently published header. The new header is committed to the page and
// then published; overwrites reuse the slot position since the key, and with
// it the sort order, does not change.
func (l *Leaf) upsert(store *leafstore.Store, hdr *leafstore.Header, idx int, existing bool, key, value []byte, fp byte) error {
	h2 := hdr.Clone()
	page, off, err := l.appendData(store, h2, key, value)
	if err != nil {
		return err
	}
	info := leafstore.KVInfo{
		DataPage:  page,
		Offset:    off,
		KeySize:   uint32(len(key)),
		ValueSize: uint32(len(value)),
	}
	if existing {
		h2.Slots[idx] = info
	} else {
		n := int(h2.Count)
		copy(h2.Fingerprints[idx+1:n+1], h2.Fingerprints[idx:n])
		copy(h2.Slots[idx+1:n+1], h2.Slots[idx:n])
		h2.Fingerprints[idx] = fp
		h2.Slots[idx] = info
		h2.Count++
	}
	if err := store.CommitHeader(l.id, h2); err != nil {
		return err
	}
	l.hdr.Store(h2)
	l.version.Add(1)
	return nil
}

// readEntry returns the key and value blobs of one live slot.
func readEntry(store *leafstore.Store, info leafstore.KVInfo) (key, value []byte, err error) {
	key, err = store.ReadKeyAt(info.DataPage, info.Offset, info.KeySize)
	if err != nil {
		return nil, nil, err
	}
	if info.ValueSize == 0 {
		return key, nil, nil
	}
	value, err = store.ReadValueAt(info.DataPage, info.Offset, info.KeySize, info.ValueSize)
	if err != nil {
		return nil, nil, err
	}
	return key, value, nil
}
