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
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fernkv-io/fernkv/leafstore"
)

func openTestStore(t *testing.T, dir string, slotCount int, syncEnabled bool) *leafstore.Store {
	t.Helper()
	store, _, err := leafstore.Open(filepath.Join(dir, "leaves.fern"), leafstore.Options{
		PageSize:    8192,
		SlotCount:   slotCount,
		Permission:  0750,
		SyncEnabled: syncEnabled,
	})
	if err != nil {
		t.Fatalf("Failed to open leaf store: %v", err)
	}
	return store
}

func testParams() Params {
	return Params{Fanout: 4, MaxLeafRetries: 8, MaxRootRestarts: 32}
}

func TestPutGetOverwrite(t *testing.T) {
	dir, err := os.MkdirTemp("", "fptree_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer func(path string) {
		_ = os.RemoveAll(path)
	}(dir)

	store := openTestStore(t, dir, 8, true)
	defer func(store *leafstore.Store) {
		_ = store.Close()
	}(store)

	tree, err := NewTree(store, testParams())
	if err != nil {
		t.Fatalf("Failed to create tree: %v", err)
	}

	if err := tree.Put([]byte("alpha"), []byte("one")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	value, tombstone, found, err := tree.Get([]byte("alpha"))
	if err != nil {
		t.Fatalf("Failed to get: %v", err)
	}
	if !found || tombstone || !bytes.Equal(value, []byte("one")) {
		t.Fatalf("Expected value one, got %s (tombstone=%v found=%v)", value, tombstone, found)
	}

	if err := tree.Put([]byte("alpha"), []byte("two")); err != nil {
		t.Fatalf("Failed to overwrite: %v", err)
	}
	value, _, _, err = tree.Get([]byte("alpha"))
	if err != nil {
		t.Fatalf("Failed to get after overwrite: %v", err)
	}
	if !bytes.Equal(value, []byte("two")) {
		t.Fatalf("Expected value two after overwrite, got %s", value)
	}
	if tree.Entries() != 1 {
		t.Fatalf("Expected 1 entry after overwrite, got %d", tree.Entries())
	}

	_, _, found, err = tree.Get([]byte("missing"))
	if err != nil {
		t.Fatalf("Failed to get missing key: %v", err)
	}
	if found {
		t.Fatalf("Did not expect to find a missing key")
	}
}

func TestDeleteRecordsTombstone(t *testing.T) {
	dir, err := os.MkdirTemp("", "fptree_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer func(path string) {
		_ = os.RemoveAll(path)
	}(dir)

	store := openTestStore(t, dir, 8, true)
	defer func(store *leafstore.Store) {
		_ = store.Close()
	}(store)

	tree, err := NewTree(store, testParams())
	if err != nil {
		t.Fatalf("Failed to create tree: %v", err)
	}

	if err := tree.Put([]byte("alpha"), []byte("one")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	if err := tree.Delete([]byte("alpha")); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	value, tombstone, found, err := tree.Get([]byte("alpha"))
	if err != nil {
		t.Fatalf("Failed to get deleted key: %v", err)
	}
	if !found || !tombstone || value != nil {
		t.Fatalf("Expected a tombstone, got %s (tombstone=%v found=%v)", value, tombstone, found)
	}

	// Deleting a key the tree never saw still records a tombstone so older
	// tables stay shadowed.
	if err := tree.Delete([]byte("ghost")); err != nil {
		t.Fatalf("Failed to delete absent key: %v", err)
	}
	_, tombstone, found, err = tree.Get([]byte("ghost"))
	if err != nil {
		t.Fatalf("Failed to get ghost key: %v", err)
	}
	if !found || !tombstone {
		t.Fatalf("Expected a tombstone for the ghost key")
	}
}

func TestSplitsKeepEverythingReadable(t *testing.T) {
	dir, err := os.MkdirTemp("", "fptree_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer func(path string) {
		_ = os.RemoveAll(path)
	}(dir)

	store := openTestStore(t, dir, 8, true)
	defer func(store *leafstore.Store) {
		_ = store.Close()
	}(store)

	tree, err := NewTree(store, testParams())
	if err != nil {
		t.Fatalf("Failed to create tree: %v", err)
	}

	const n = 500
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%05d", i*7919%n))
		if err := tree.Put(key, []byte(fmt.Sprintf("value%05d", i*7919%n))); err != nil {
			t.Fatalf("Failed to put %s: %v", key, err)
		}
	}

	if tree.Height() < 3 {
		t.Fatalf("Expected the tree to have grown, height is %d", tree.Height())
	}
	if tree.RootSplits() == 0 {
		t.Fatalf("Expected root splits to be counted")
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%05d", i))
		value, _, found, err := tree.Get(key)
		if err != nil {
			t.Fatalf("Failed to get %s: %v", key, err)
		}
		want := []byte(fmt.Sprintf("value%05d", i))
		if !found || !bytes.Equal(value, want) {
			t.Fatalf("Expected %s for %s, got %s (found=%v)", want, key, value, found)
		}
	}
}

func TestIteratorYieldsSortedEntries(t *testing.T) {
	dir, err := os.MkdirTemp("", "fptree_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer func(path string) {
		_ = os.RemoveAll(path)
	}(dir)

	store := openTestStore(t, dir, 8, true)
	defer func(store *leafstore.Store) {
		_ = store.Close()
	}(store)

	tree, err := NewTree(store, testParams())
	if err != nil {
		t.Fatalf("Failed to create tree: %v", err)
	}

	const n = 200
	for i := n - 1; i >= 0; i-- {
		if err := tree.Put([]byte(fmt.Sprintf("key%04d", i)), []byte(fmt.Sprintf("value%04d", i))); err != nil {
			t.Fatalf("Failed to put: %v", err)
		}
	}
	if err := tree.Delete([]byte("key0042")); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}

	var (
		got       int
		prev      []byte
		sawMarker bool
	)
	for it := tree.NewIterator(); it.Valid(); it.Next() {
		entry, err := it.Current()
		if err != nil {
			t.Fatalf("Failed to read entry: %v", err)
		}
		if prev != nil && bytes.Compare(entry.Key, prev) <= 0 {
			t.Fatalf("Iterator out of order: %s after %s", entry.Key, prev)
		}
		prev = append(prev[:0], entry.Key...)
		if bytes.Equal(entry.Key, []byte("key0042")) {
			if !entry.Tombstone {
				t.Fatalf("Expected the deleted key to show as a tombstone")
			}
			sawMarker = true
		}
		got++
	}
	if got != n {
		t.Fatalf("Expected %d entries from the iterator, got %d", n, got)
	}
	if !sawMarker {
		t.Fatalf("Expected the iterator to yield the tombstone")
	}
}

func TestEntriesSpillIntoExtensionPages(t *testing.T) {
	dir, err := os.MkdirTemp("", "fptree_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer func(path string) {
		_ = os.RemoveAll(path)
	}(dir)

	store := openTestStore(t, dir, 32, true)
	defer func(store *leafstore.Store) {
		_ = store.Close()
	}(store)

	tree, err := NewTree(store, testParams())
	if err != nil {
		t.Fatalf("Failed to create tree: %v", err)
	}

	// 32 slots but the 8KB data area only fits a handful of these, so the
	// leaf has to grow extension pages before it ever splits.
	value := bytes.Repeat([]byte("v"), 1500)
	for i := 0; i < 32; i++ {
		if err := tree.Put([]byte(fmt.Sprintf("key%02d", i)), value); err != nil {
			t.Fatalf("Failed to put entry %d: %v", i, err)
		}
	}
	if tree.LeafCount() != 1 {
		t.Fatalf("Expected a single leaf, got %d", tree.LeafCount())
	}
	if len(tree.PageIDs()) < 2 {
		t.Fatalf("Expected extension pages to have been allocated")
	}

	for i := 0; i < 32; i++ {
		key := []byte(fmt.Sprintf("key%02d", i))
		got, _, found, err := tree.Get(key)
		if err != nil {
			t.Fatalf("Failed to get %s: %v", key, err)
		}
		if !found || !bytes.Equal(got, value) {
			t.Fatalf("Wrong value for %s (found=%v)", key, found)
		}
	}
}

func TestOversizedEntryIsRejected(t *testing.T) {
	dir, err := os.MkdirTemp("", "fptree_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer func(path string) {
		_ = os.RemoveAll(path)
	}(dir)

	store := openTestStore(t, dir, 8, true)
	defer func(store *leafstore.Store) {
		_ = store.Close()
	}(store)

	tree, err := NewTree(store, testParams())
	if err != nil {
		t.Fatalf("Failed to create tree: %v", err)
	}

	huge := bytes.Repeat([]byte("x"), 9000)
	if err := tree.Put([]byte("big"), huge); !errors.Is(err, leafstore.ErrCapacity) {
		t.Fatalf("Expected ErrCapacity for an oversized entry, got %v", err)
	}
}

func TestOpenTreeRebuildsFromChain(t *testing.T) {
	dir, err := os.MkdirTemp("", "fptree_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer func(path string) {
		_ = os.RemoveAll(path)
	}(dir)

	store := openTestStore(t, dir, 8, true)
	tree, err := NewTree(store, testParams())
	if err != nil {
		t.Fatalf("Failed to create tree: %v", err)
	}
	meta := leafstore.Meta{Generation: 1, CurrentHead: tree.HeadPage(), BuildingHead: leafstore.InvalidPage}
	if err := store.CommitMeta(meta); err != nil {
		t.Fatalf("Failed to commit meta: %v", err)
	}

	const n = 300
	for i := 0; i < n; i++ {
		if err := tree.Put([]byte(fmt.Sprintf("key%04d", i)), []byte(fmt.Sprintf("value%04d", i))); err != nil {
			t.Fatalf("Failed to put: %v", err)
		}
	}
	if err := tree.Delete([]byte("key0100")); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	head := tree.HeadPage()
	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}

	store = openTestStore(t, dir, 8, true)
	defer func(store *leafstore.Store) {
		_ = store.Close()
	}(store)

	reopened, err := OpenTree(store, head, testParams())
	if err != nil {
		t.Fatalf("Failed to reopen tree: %v", err)
	}
	if reopened.Entries() != n {
		t.Fatalf("Expected %d entries after reopen, got %d", n, reopened.Entries())
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%04d", i))
		value, tombstone, found, err := reopened.Get(key)
		if err != nil {
			t.Fatalf("Failed to get %s after reopen: %v", key, err)
		}
		if !found {
			t.Fatalf("Expected to find %s after reopen", key)
		}
		if i == 100 {
			if !tombstone {
				t.Fatalf("Expected tombstone for key0100 after reopen")
			}
			continue
		}
		if !bytes.Equal(value, []byte(fmt.Sprintf("value%04d", i))) {
			t.Fatalf("Wrong value for %s after reopen: %s", key, value)
		}
	}

	// Inserts must still work against the rebuilt structure.
	if err := reopened.Put([]byte("key9999"), []byte("late")); err != nil {
		t.Fatalf("Failed to put after reopen: %v", err)
	}
	value, _, found, err := reopened.Get([]byte("key9999"))
	if err != nil || !found || !bytes.Equal(value, []byte("late")) {
		t.Fatalf("Late insert not readable after reopen: %s (found=%v err=%v)", value, found, err)
	}
}

func TestOpenTreeTruncatesBrokenChain(t *testing.T) {
	dir, err := os.MkdirTemp("", "fptree_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer func(path string) {
		_ = os.RemoveAll(path)
	}(dir)

	store := openTestStore(t, dir, 8, true)
	tree, err := NewTree(store, testParams())
	if err != nil {
		t.Fatalf("Failed to create tree: %v", err)
	}
	meta := leafstore.Meta{Generation: 1, CurrentHead: tree.HeadPage(), BuildingHead: leafstore.InvalidPage}
	if err := store.CommitMeta(meta); err != nil {
		t.Fatalf("Failed to commit meta: %v", err)
	}
	for i := 0; i < 60; i++ {
		if err := tree.Put([]byte(fmt.Sprintf("key%04d", i)), []byte("v")); err != nil {
			t.Fatalf("Failed to put: %v", err)
		}
	}
	head := tree.HeadPage()
	if tree.LeafCount() < 3 {
		t.Fatalf("Expected several leaves, got %d", tree.LeafCount())
	}
	secondLeaf := tree.head.next.Load()
	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}

	// Corrupt the second leaf's header on disk. The chain must survive up
	// to the damage. Pages start behind the 4KB meta block.
	path := filepath.Join(dir, "leaves.fern")
	file, err := os.OpenFile(path, os.O_RDWR, 0750)
	if err != nil {
		t.Fatalf("Failed to open leaf file: %v", err)
	}
	offset := int64(4096) + int64(secondLeaf.id)*8192 + 8
	if _, err := file.WriteAt([]byte{0xFF, 0xFF, 0xFF, 0xFF}, offset); err != nil {
		t.Fatalf("Failed to corrupt leaf header: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("Failed to close leaf file: %v", err)
	}

	store = openTestStore(t, dir, 8, true)
	defer func(store *leafstore.Store) {
		_ = store.Close()
	}(store)

	reopened, err := OpenTree(store, head, testParams())
	if err != nil {
		t.Fatalf("Expected the tree to survive a broken chain, got %v", err)
	}
	if reopened.LeafCount() != 1 {
		t.Fatalf("Expected the chain to be truncated to 1 leaf, got %d", reopened.LeafCount())
	}

	// The keys of the first leaf are intact, the rest are gone.
	hdr := reopened.head.hdr.Load()
	if hdr.Count == 0 {
		t.Fatalf("Expected the surviving leaf to keep its entries")
	}
	if hdr.Next != leafstore.InvalidPage {
		t.Fatalf("Expected the truncation to be committed")
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	dir, err := os.MkdirTemp("", "fptree_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer func(path string) {
		_ = os.RemoveAll(path)
	}(dir)

	store := openTestStore(t, dir, 32, false)
	defer func(store *leafstore.Store) {
		_ = store.Close()
	}(store)

	tree, err := NewTree(store, Params{Fanout: 8, MaxLeafRetries: 8, MaxRootRestarts: 64})
	if err != nil {
		t.Fatalf("Failed to create tree: %v", err)
	}

	const (
		writerCount   = 4
		keysPerWriter = 400
	)

	var wg sync.WaitGroup
	errCh := make(chan error, writerCount*2)

	for w := 0; w < writerCount; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < keysPerWriter; i++ {
				key := []byte(fmt.Sprintf("w%d-key%05d", w, i))
				if err := tree.Put(key, []byte(fmt.Sprintf("w%d-value%05d", w, i))); err != nil {
					errCh <- fmt.Errorf("put %s: %w", key, err)
					return
				}
			}
		}(w)
	}

	// Readers probe keys their writer may or may not have written yet. Any
	// hit must carry the right value.
	for w := 0; w < writerCount; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < keysPerWriter; i++ {
				key := []byte(fmt.Sprintf("w%d-key%05d", w, i))
				value, tombstone, found, err := tree.Get(key)
				if err != nil {
					errCh <- fmt.Errorf("get %s: %w", key, err)
					return
				}
				if found && !tombstone && !bytes.Equal(value, []byte(fmt.Sprintf("w%d-value%05d", w, i))) {
					errCh <- fmt.Errorf("get %s returned wrong value %s", key, value)
					return
				}
			}
		}(w)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("Concurrent workload failed: %v", err)
	}

	for w := 0; w < writerCount; w++ {
		for i := 0; i < keysPerWriter; i++ {
			key := []byte(fmt.Sprintf("w%d-key%05d", w, i))
			value, _, found, err := tree.Get(key)
			if err != nil {
				t.Fatalf("Failed to get %s after workload: %v", key, err)
			}
			if !found || !bytes.Equal(value, []byte(fmt.Sprintf("w%d-value%05d", w, i))) {
				t.Fatalf("Lost or wrong entry for %s (found=%v)", key, found)
			}
		}
	}
	if tree.Entries() != int64(writerCount*keysPerWriter) {
		t.Fatalf("Expected %d entries, got %d", writerCount*keysPerWriter, tree.Entries())
	}
}

func TestFingerprintIsLowHashByte(t *testing.T) {
	if Fingerprint([]byte("alpha")) != Fingerprint([]byte("alpha")) {
		t.Fatalf("Fingerprint must be deterministic")
	}
	// 256 keys land on a healthy spread of fingerprints.
	seenValues := make(map[byte]bool)
	for i := 0; i < 256; i++ {
		seenValues[Fingerprint([]byte(fmt.Sprintf("key%d", i)))] = true
	}
	if len(seenValues) < 100 {
		t.Fatalf("Fingerprints are badly distributed: %d distinct of 256", len(seenValues))
	}
}
