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

// A fingerprinted persistent B+ tree. Leaf pages live in a leafstore and
// survive restarts; the inner nodes indexing them are volatile and rebuilt
// from the leaf chain on open.
//
// Readers descend the immutable inner structure without locks and run an
// optimistic versioned read against the leaf. Writers lock only the leaf
// they touch. Structural changes copy the affected inner path and install
// it with a compare and swap of the root, so the only globally serialized
// moments are those root swaps.

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/fernkv-io/fernkv/leafstore"
)

// ErrRetryExhausted is returned when a read keeps colliding with writers
// beyond every retry budget.
var ErrRetryExhausted = errors.New("fptree: too many read retries under concurrent writes")

// node is either an *inner or a *Leaf.
type node interface{ fptreeNode() }

// rootRef boxes the root so it can be swapped atomically together with the
// tree height.
type rootRef struct {
	top    node
	height int
}

// Params tune a tree. Zero values fall back to the defaults.
type Params struct {
	// Fanout is the maximum number of separators per inner node.
	Fanout int

	// MaxLeafRetries bounds how often one leaf read is retried after a
	// version collision before the read restarts from the root.
	MaxLeafRetries int

	// MaxRootRestarts bounds those restarts before ErrRetryExhausted.
	MaxRootRestarts int
}

func (p Params) withDefaults() Params {
	if p.Fanout < 2 {
		p.Fanout = 64
	}
	if p.MaxLeafRetries < 1 {
		p.MaxLeafRetries = 8
	}
	if p.MaxRootRestarts < 1 {
		p.MaxRootRestarts = 32
	}
	return p
}

// Fingerprint is the one byte key digest stored beside each slot. It is the
// low byte of the key hash.
func Fingerprint(key []byte) byte {
	return byte(xxhash.Sum64(key))
}

// Tree is one generation of the in-memory index over a leafstore chain.
// All methods are safe for concurrent use unless noted otherwise.
type Tree struct {
	store  *leafstore.Store
	params Params

	root atomic.Pointer[rootRef]
	head *Leaf

	rootSplits atomic.Uint64
	entryCount atomic.Int64
	leafCount  atomic.Int64

	readers atomic.Int64
	writers atomic.Int64

	// OnRootSplit, when set before the tree is shared, is called after
	// every root split with no locks held.
	OnRootSplit func()
}

// NewTree creates an empty tree with a fresh head page.
func NewTree(store *leafstore.Store, params Params) (*Tree, error) {
	if store.SlotCount() < 2 {
		return nil, fmt.Errorf("fptree: need at least 2 slots per leaf, store has %d", store.SlotCount())
	}
	id, err := store.Allocate()
	if err != nil {
		return nil, err
	}
	hdr := store.NewHeader(leafstore.PageLeaf)
	if err := store.CommitHeader(id, hdr); err != nil {
		return nil, err
	}

	t := &Tree{store: store, params: params.withDefaults(), head: newLeaf(id, hdr)}
	t.root.Store(&rootRef{top: t.head, height: 1})
	t.leafCount.Store(1)
	return t, nil
}

// OpenTree rebuilds a tree from the committed leaf chain starting at head.
// Damage found along the way is logged, cut out of the chain and the
// patched links committed back; only an unreadable head page is fatal.
// OpenTree must not run concurrently with anything else using the store.
func OpenTree(store *leafstore.Store, head uint32, params Params) (*Tree, error) {
	if store.SlotCount() < 2 {
		return nil, fmt.Errorf("fptree: need at least 2 slots per leaf, store has %d", store.SlotCount())
	}
	if head == leafstore.InvalidPage {
		return nil, fmt.Errorf("fptree: no head page to open")
	}

	var (
		leaves []*Leaf
		seen   = make(map[uint32]bool)
	)
	id := head
	for id != leafstore.InvalidPage {
		if seen[id] {
			log.Printf("WARNING: fptree: leaf chain cycles back to page %d, truncating", id)
			if err := truncateChain(store, leaves[len(leaves)-1]); err != nil {
				return nil, err
			}
			break
		}
		seen[id] = true

		hdr, err := store.ReadHeader(id)
		if err == nil && hdr.Kind != leafstore.PageLeaf {
			err = fmt.Errorf("page %d is not a leaf", id)
		}
		if err != nil {
			if len(leaves) == 0 {
				return nil, fmt.Errorf("fptree: head page %d unreadable: %w", id, err)
			}
			log.Printf("WARNING: fptree: truncating leaf chain at page %d: %v", id, err)
			if err := truncateChain(store, leaves[len(leaves)-1]); err != nil {
				return nil, err
			}
			break
		}

		l, err := rebuildLeaf(store, id, hdr)
		if err != nil {
			return nil, err
		}

		next := hdr.Next
		if hdr.Count == 0 && len(leaves) > 0 {
			// An empty leaf in the middle of the chain carries nothing and
			// has no first key to index it by. Link past it.
			prev := leaves[len(leaves)-1]
			ph := prev.hdr.Load()
			ph.Next = next
			if err := store.CommitHeader(prev.id, ph); err != nil {
				return nil, err
			}
			unused := []uint32{id}
			for _, e := range l.exts {
				unused = append(unused, e.id)
			}
			store.Reclaim(unused)
			id = next
			continue
		}

		leaves = append(leaves, l)
		id = next
	}

	// Sibling links and fence keys. The fence of each leaf is the first key
	// of its right neighbor.
	firsts := make([][]byte, len(leaves))
	for i := 1; i < len(leaves); i++ {
		hdr := leaves[i].hdr.Load()
		k, err := store.ReadKeyAt(hdr.Slots[0].DataPage, hdr.Slots[0].Offset, hdr.Slots[0].KeySize)
		if err != nil {
			return nil, fmt.Errorf("fptree: first key of page %d: %w", leaves[i].id, err)
		}
		firsts[i] = k
	}
	var entries, count int64
	for i, l := range leaves {
		entries += int64(l.hdr.Load().Count)
		count++
		if i+1 < len(leaves) {
			l.next.Store(leaves[i+1])
			l.high.Store(&firsts[i+1])
		}
	}

	top, height := bulkLoad(leaves, firsts, params.withDefaults().Fanout)
	t := &Tree{store: store, params: params.withDefaults(), head: leaves[0]}
	t.root.Store(&rootRef{top: top, height: height})
	t.entryCount.Store(entries)
	t.leafCount.Store(count)
	return t, nil
}

// truncateChain ends the chain after the given leaf and commits the patched
// link so the next open does not walk into the damage again.
func truncateChain(store *leafstore.Store, last *Leaf) error {
	hdr := last.hdr.Load()
	hdr.Next = leafstore.InvalidPage
	return store.CommitHeader(last.id, hdr)
}

// rebuildLeaf wraps one committed leaf page, walking its extension chain
// and recomputing the extension tails from the slot directory. A broken
// extension link is cut and every slot stranded behind it dropped.
func rebuildLeaf(store *leafstore.Store, id uint32, hdr *leafstore.Header) (*Leaf, error) {
	l := newLeaf(id, hdr)
	valid := map[uint32]bool{id: true}
	seen := make(map[uint32]bool)
	truncated := false

	eid := hdr.Ext
	for eid != leafstore.InvalidPage {
		eh, err := store.ReadHeader(eid)
		if err == nil && eh.Kind != leafstore.PageExt {
			err = fmt.Errorf("page %d is not an extension page", eid)
		}
		if err != nil || seen[eid] {
			log.Printf("WARNING: fptree: truncating extension chain of page %d at %d: %v", id, eid, err)
			if len(l.exts) == 0 {
				hdr.Ext = leafstore.InvalidPage
			} else {
				last := &l.exts[len(l.exts)-1]
				last.hdr.Ext = leafstore.InvalidPage
				if err := store.CommitHeader(last.id, last.hdr); err != nil {
					return nil, err
				}
			}
			truncated = true
			break
		}
		seen[eid] = true
		valid[eid] = true
		l.exts = append(l.exts, extPage{id: eid, tail: store.DataStart(), hdr: eh})
		eid = eh.Ext
	}

	if truncated {
		keep := 0
		for i := 0; i < int(hdr.Count); i++ {
			if valid[hdr.Slots[i].DataPage] {
				hdr.Slots[keep] = hdr.Slots[i]
				hdr.Fingerprints[keep] = hdr.Fingerprints[i]
				keep++
			}
		}
		if dropped := int(hdr.Count) - keep; dropped > 0 {
			log.Printf("WARNING: fptree: dropped %d entries of page %d stranded on lost extension pages", dropped, id)
		}
		hdr.Count = uint16(keep)
		if err := store.CommitHeader(id, hdr); err != nil {
			return nil, err
		}
	}

	for i := 0; i < int(hdr.Count); i++ {
		info := hdr.Slots[i]
		if info.DataPage == id {
			continue
		}
		for j := range l.exts {
			if l.exts[j].id == info.DataPage {
				end := info.Offset + leafstore.EntryStride(int(info.KeySize), int(info.ValueSize))
				if end > l.exts[j].tail {
					l.exts[j].tail = end
				}
				break
			}
		}
	}
	return l, nil
}

// bulkLoad stacks inner levels over the leaves until a single node remains.
func bulkLoad(leaves []*Leaf, firsts [][]byte, fanout int) (node, int) {
	level := make([]node, len(leaves))
	for i := range leaves {
		level[i] = leaves[i]
	}
	seps := firsts
	height := 1
	for len(level) > 1 {
		group := fanout + 1
		var nextLevel []node
		var nextSeps [][]byte
		for i := 0; i < len(level); i += group {
			j := i + group
			if j > len(level) {
				j = len(level)
			}
			in := &inner{
				keys:     append([][]byte(nil), seps[i+1:j]...),
				children: append([]node(nil), level[i:j]...),
			}
			nextLevel = append(nextLevel, in)
			nextSeps = append(nextSeps, seps[i])
		}
		level, seps = nextLevel, nextSeps
		height++
	}
	return level[0], height
}

// descendLeaf walks the inner structure down to the leaf covering key.
func descendLeaf(n node, key []byte) *Leaf {
	for {
		in, ok := n.(*inner)
		if !ok {
			return n.(*Leaf)
		}
		n = in.children[in.childIndex(key)]
	}
}

// lockCovering locks the leaf actually covering key, chasing sibling links
// right when the descent used a root that predates a split.
func lockCovering(l *Leaf, key []byte) *Leaf {
	l.mu.Lock()
	for {
		hk := l.high.Load()
		if hk == nil || bytes.Compare(key, *hk) < 0 {
			return l
		}
		nl := l.next.Load()
		l.mu.Unlock()
		l = nl
		l.mu.Lock()
	}
}

// Put inserts or overwrites key. A nil or empty value records a tombstone,
// which occupies a slot like any entry and shadows older tables until the
// tree is flushed.
func (t *Tree) Put(key, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("fptree: empty key")
	}
	fp := Fingerprint(key)
	for {
		rr := t.root.Load()
		l := lockCovering(descendLeaf(rr.top, key), key)
		hdr := l.hdr.Load()

		idx, existing, err := l.findSlot(t.store, hdr, key, fp)
		if err != nil {
			l.mu.Unlock()
			return err
		}
		if existing || int(hdr.Count) < t.store.SlotCount() {
			err := l.upsert(t.store, hdr, idx, existing, key, value, fp)
			l.mu.Unlock()
			if err == nil && !existing {
				t.entryCount.Add(1)
			}
			return err
		}

		// Full leaf and a new key. Split, then take the insert from the top
		// since either half may now be the home of the key.
		grew, err := t.splitLeaf(l, hdr)
		l.mu.Unlock()
		if err != nil {
			return err
		}
		if grew {
			t.rootSplits.Add(1)
			if t.OnRootSplit != nil {
				t.OnRootSplit()
			}
		}
	}
}

// Delete records a tombstone for key.
func (t *Tree) Delete(key []byte) error {
	return t.Put(key, nil)
}

// Get looks key up. found reports whether the tree holds an entry for the
// key at all, tombstone whether that entry is a deletion marker.
func (t *Tree) Get(key []byte) (value []byte, tombstone, found bool, err error) {
	fp := Fingerprint(key)
	for restarts := 0; restarts <= t.params.MaxRootRestarts; restarts++ {
		rr := t.root.Load()
		l := descendLeaf(rr.top, key)
		value, tombstone, found, err = l.search(t.store, key, fp, t.params.MaxLeafRetries)
		if errors.Is(err, errRestartRead) {
			continue
		}
		return value, tombstone, found, err
	}
	return nil, false, false, ErrRetryExhausted
}

// splitLeaf moves the upper half of a full leaf onto a fresh page. Called
// with l.mu held and hdr the published header. On disk the new leaf exists
// before the old one shrinks, so a crash between the two commits only leaks
// the new page. In memory the sibling link and fence key are published
// before the shrunken header, so a reader can never miss a moved entry.
func (t *Tree) splitLeaf(l *Leaf, hdr *leafstore.Header) (bool, error) {
	store := t.store
	count := int(hdr.Count)
	mid := count / 2

	newID, err := store.Allocate()
	if err != nil {
		return false, err
	}
	nh := store.NewHeader(leafstore.PageLeaf)
	nh.Next = hdr.Next
	nl := newLeaf(newID, nh)

	var splitKey []byte
	for i := mid; i < count; i++ {
		key, value, err := readEntry(store, hdr.Slots[i])
		if err != nil {
			return false, err
		}
		if i == mid {
			splitKey = key
		}
		page, off, err := nl.appendData(store, nh, key, value)
		if err != nil {
			return false, err
		}
		j := i - mid
		nh.Fingerprints[j] = hdr.Fingerprints[i]
		nh.Slots[j] = leafstore.KVInfo{
			DataPage:  page,
			Offset:    off,
			KeySize:   uint32(len(key)),
			ValueSize: uint32(len(value)),
		}
	}
	nh.Count = uint16(count - mid)
	if err := store.CommitHeader(newID, nh); err != nil {
		return false, err
	}

	if nx := l.next.Load(); nx != nil {
		nl.next.Store(nx)
	}
	if hk := l.high.Load(); hk != nil {
		nl.high.Store(hk)
	}

	oh := hdr.Clone()
	oh.Count = uint16(mid)
	oh.Next = newID
	if err := store.CommitHeader(l.id, oh); err != nil {
		return false, err
	}

	l.next.Store(nl)
	fence := splitKey
	l.high.Store(&fence)
	l.hdr.Store(oh)
	l.version.Add(1)

	t.leafCount.Add(1)
	return t.addSeparator(splitKey, nl), nil
}

// addSeparator installs a new separator by rebuilding the inner path and
// swapping the root. A lost swap means another split got there first; the
// rebuild then starts over from the new root. Returns whether the tree grew
// a level.
func (t *Tree) addSeparator(sep []byte, right *Leaf) bool {
	for {
		rr := t.root.Load()
		top, up := rebuiltWithSep(rr.top, sep, right, t.params.Fanout)
		grew := false
		if up != nil {
			left := top
			if left == nil {
				left = rr.top
			}
			top = &inner{keys: [][]byte{up.sep}, children: []node{left, up.right}}
			grew = true
		}
		height := rr.height
		if grew {
			height++
		}
		if t.root.CompareAndSwap(rr, &rootRef{top: top, height: height}) {
			return grew
		}
	}
}

// rebuiltWithSep rebuilds the path from n down to the split leaf with sep
// and right inserted. A nil node with a non nil splitUp means the separator
// belongs directly above n.
func rebuiltWithSep(n node, sep []byte, right *Leaf, fanout int) (node, *splitUp) {
	in, ok := n.(*inner)
	if !ok {
		return nil, &splitUp{sep: sep, right: right}
	}
	idx := in.childIndex(sep)
	child, up := rebuiltWithSep(in.children[idx], sep, right, fanout)
	if up == nil {
		return in.withChild(idx, child), nil
	}
	return in.withSeparator(idx, child, up.sep, up.right, fanout)
}

// BeginRead takes a read reference on the tree. References gate page
// reclamation after a flush swap, not visibility.
func (t *Tree) BeginRead() { t.readers.Add(1) }

// EndRead drops a read reference.
func (t *Tree) EndRead() { t.readers.Add(-1) }

// BeginWrite takes a write reference on the tree.
func (t *Tree) BeginWrite() { t.writers.Add(1) }

// EndWrite drops a write reference.
func (t *Tree) EndWrite() { t.writers.Add(-1) }

// WaitWriters blocks until every write reference is gone.
func (t *Tree) WaitWriters() {
	for t.writers.Load() != 0 {
		time.Sleep(50 * time.Microsecond)
	}
}

// WaitReaders blocks until every read reference is gone.
func (t *Tree) WaitReaders() {
	for t.readers.Load() != 0 {
		time.Sleep(50 * time.Microsecond)
	}
}

// Entry is one key-value pair yielded by an Iterator. Value is nil when
// Tombstone is set.
type Entry struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// Iterator walks every entry of the tree in key order, tombstones included.
// It reads published headers only and must not run concurrently with
// writers; drain the tree first.
type Iterator struct {
	store    *leafstore.Store
	leaf     *Leaf
	hdr      *leafstore.Header
	position int
}

// NewIterator returns an iterator positioned on the first entry.
func (t *Tree) NewIterator() *Iterator {
	it := &Iterator{store: t.store, leaf: t.head, hdr: t.head.hdr.Load()}
	it.skipEmpty()
	return it
}

func (it *Iterator) skipEmpty() {
	for it.leaf != nil && it.position >= int(it.hdr.Count) {
		it.leaf = it.leaf.next.Load()
		if it.leaf != nil {
			it.hdr = it.leaf.hdr.Load()
			it.position = 0
		}
	}
}

// Valid returns true while the iterator points at an entry.
func (it *Iterator) Valid() bool {
	return it.leaf != nil && it.position < int(it.hdr.Count)
}

// Current returns the entry under the iterator.
func (it *Iterator) Current() (*Entry, error) {
	if !it.Valid() {
		return nil, fmt.Errorf("fptree: iterator exhausted")
	}
	info := it.hdr.Slots[it.position]
	key, value, err := readEntry(it.store, info)
	if err != nil {
		return nil, err
	}
	if info.ValueSize == 0 {
		return &Entry{Key: key, Tombstone: true}, nil
	}
	return &Entry{Key: key, Value: value}, nil
}

// Next advances the iterator and reports whether it still points at an
// entry.
func (it *Iterator) Next() bool {
	if it.leaf == nil {
		return false
	}
	it.position++
	it.skipEmpty()
	return it.Valid()
}

// HeadPage returns the page id of the leftmost leaf. It never changes for
// the lifetime of a tree and is what the store meta records as a chain
// head.
func (t *Tree) HeadPage() uint32 {
	return t.head.id
}

// PageIDs returns every page the tree owns, leaves and extension pages
// both. Only call it on a detached, drained tree.
func (t *Tree) PageIDs() []uint32 {
	var ids []uint32
	for l := t.head; l != nil; l = l.next.Load() {
		ids = append(ids, l.id)
		for _, e := range l.exts {
			ids = append(ids, e.id)
		}
	}
	return ids
}

// Entries returns the number of live slots, tombstones included.
func (t *Tree) Entries() int64 {
	return t.entryCount.Load()
}

// LeafCount returns the number of leaves in the chain.
func (t *Tree) LeafCount() int64 {
	return t.leafCount.Load()
}

// Height returns the current tree height in levels.
func (t *Tree) Height() int {
	return t.root.Load().height
}

// RootSplits returns how often the root has split since the tree was
// created. The flush controller uses this as its trigger.
func (t *Tree) RootSplits() uint64 {
	return t.rootSplits.Load()
}
