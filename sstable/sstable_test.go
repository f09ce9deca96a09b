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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func testWriterOptions() WriterOptions {
	return WriterOptions{
		Permission:       0750,
		BlockSize:        256,
		ExpectedEntries:  2048,
		BloomProbability: 0.01,
		Compression:      NoCompression,
	}
}

func buildTable(t *testing.T, dir string, opts WriterOptions, n int) string {
	t.Helper()
	path := filepath.Join(dir, "test.sst")
	w, err := NewWriter(path, opts)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%05d", i))
		if i%7 == 0 {
			if err := w.Add(key, nil, true); err != nil {
				t.Fatalf("Failed to add tombstone: %v", err)
			}
			continue
		}
		value := []byte(fmt.Sprintf("value%05d", i))
		if err := w.Add(key, value, false); err != nil {
			t.Fatalf("Failed to add entry: %v", err)
		}
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Failed to finalize table: %v", err)
	}
	return path
}

func TestWriterReaderRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "sstable_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer func(path string) {
		_ = os.RemoveAll(path)
	}(dir)

	path := buildTable(t, dir, testWriterOptions(), 1000)

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open table: %v", err)
	}
	defer func(r *Reader) {
		_ = r.Close()
	}(r)

	if r.Entries() != 1000 {
		t.Fatalf("Expected 1000 entries, got %d", r.Entries())
	}

	for i := 0; i < 1000; i++ {
		key := []byte(fmt.Sprintf("key%05d", i))
		value, tombstone, found, err := r.Lookup(key)
		if err != nil {
			t.Fatalf("Lookup failed for %s: %v", key, err)
		}
		if !found {
			t.Fatalf("Expected to find %s", key)
		}
		if i%7 == 0 {
			if !tombstone {
				t.Fatalf("Expected tombstone for %s", key)
			}
			continue
		}
		want := []byte(fmt.Sprintf("value%05d", i))
		if tombstone || !bytes.Equal(value, want) {
			t.Fatalf("Expected value %s for %s, got %s", want, key, value)
		}
	}
}

func TestLookupMissingKeys(t *testing.T) {
	dir, err := os.MkdirTemp("", "sstable_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer func(path string) {
		_ = os.RemoveAll(path)
	}(dir)

	path := buildTable(t, dir, testWriterOptions(), 100)

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open table: %v", err)
	}
	defer func(r *Reader) {
		_ = r.Close()
	}(r)

	// Before the first key, between keys and past the last key.
	for _, probe := range []string{"key00000a", "aaa", "key00050x", "zzz"} {
		_, _, found, err := r.Lookup([]byte(probe))
		if err != nil {
			t.Fatalf("Lookup failed for %s: %v", probe, err)
		}
		if found {
			t.Fatalf("Did not expect to find %s", probe)
		}
	}
}

func TestWriterRejectsOutOfOrderKeys(t *testing.T) {
	dir, err := os.MkdirTemp("", "sstable_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer func(path string) {
		_ = os.RemoveAll(path)
	}(dir)

	w, err := NewWriter(filepath.Join(dir, "test.sst"), testWriterOptions())
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer func(w *Writer) {
		_ = w.Abort()
	}(w)

	if err := w.Add([]byte("bbb"), []byte("1"), false); err != nil {
		t.Fatalf("Failed to add entry: %v", err)
	}
	if err := w.Add([]byte("aaa"), []byte("2"), false); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("Expected ErrOutOfOrder, got %v", err)
	}
	if err := w.Add([]byte("bbb"), []byte("3"), false); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("Expected ErrOutOfOrder for duplicate key, got %v", err)
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	for _, compression := range []Compression{SnappyCompression, S2Compression} {
		dir, err := os.MkdirTemp("", "sstable_test")
		if err != nil {
			t.Fatalf("Failed to create temp dir: %v", err)
		}

		opts := testWriterOptions()
		opts.Compression = compression
		path := buildTable(t, dir, opts, 500)

		r, err := Open(path)
		if err != nil {
			t.Fatalf("Failed to open table with compression %d: %v", compression, err)
		}

		for _, i := range []int{1, 250, 499} {
			key := []byte(fmt.Sprintf("key%05d", i))
			value, _, found, err := r.Lookup(key)
			if err != nil {
				t.Fatalf("Lookup failed for %s: %v", key, err)
			}
			want := []byte(fmt.Sprintf("value%05d", i))
			if !found || !bytes.Equal(value, want) {
				t.Fatalf("Expected %s for %s, got %s", want, key, value)
			}
		}

		_ = r.Close()
		_ = os.RemoveAll(dir)
	}
}

func TestEmptyTable(t *testing.T) {
	dir, err := os.MkdirTemp("", "sstable_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer func(path string) {
		_ = os.RemoveAll(path)
	}(dir)

	path := buildTable(t, dir, testWriterOptions(), 0)

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open empty table: %v", err)
	}
	defer func(r *Reader) {
		_ = r.Close()
	}(r)

	if r.Entries() != 0 {
		t.Fatalf("Expected 0 entries, got %d", r.Entries())
	}
	_, _, found, err := r.Lookup([]byte("anything"))
	if err != nil {
		t.Fatalf("Lookup on empty table failed: %v", err)
	}
	if found {
		t.Fatalf("Did not expect to find a key in an empty table")
	}
}

func TestOpenRejectsUnfinalizedFile(t *testing.T) {
	dir, err := os.MkdirTemp("", "sstable_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer func(path string) {
		_ = os.RemoveAll(path)
	}(dir)

	path := filepath.Join(dir, "partial.sst")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xAB}, 4096), 0750); err != nil {
		t.Fatalf("Failed to write partial file: %v", err)
	}

	if _, err := Open(path); !errors.Is(err, ErrCorruption) {
		t.Fatalf("Expected ErrCorruption for unfinalized file, got %v", err)
	}
}

func TestOpenRejectsTruncatedFooter(t *testing.T) {
	dir, err := os.MkdirTemp("", "sstable_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer func(path string) {
		_ = os.RemoveAll(path)
	}(dir)

	path := buildTable(t, dir, testWriterOptions(), 100)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Failed to stat table: %v", err)
	}
	if err := os.Truncate(path, info.Size()-1); err != nil {
		t.Fatalf("Failed to truncate table: %v", err)
	}

	if _, err := Open(path); !errors.Is(err, ErrCorruption) {
		t.Fatalf("Expected ErrCorruption for truncated table, got %v", err)
	}
}

func TestBlockChecksumDetectsCorruption(t *testing.T) {
	dir, err := os.MkdirTemp("", "sstable_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer func(path string) {
		_ = os.RemoveAll(path)
	}(dir)

	path := buildTable(t, dir, testWriterOptions(), 100)

	// Flip one byte of the first entry's key. The frame header is 8 bytes
	// and the entry header another 8, so the key starts at offset 16.
	file, err := os.OpenFile(path, os.O_RDWR, 0750)
	if err != nil {
		t.Fatalf("Failed to open table for corruption: %v", err)
	}
	if _, err := file.WriteAt([]byte{0xFF}, 16); err != nil {
		t.Fatalf("Failed to corrupt block: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("Failed to close corrupted file: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open table: %v", err)
	}
	defer func(r *Reader) {
		_ = r.Close()
	}(r)

	if _, _, _, err := r.Lookup([]byte("key00001")); !errors.Is(err, ErrCorruption) {
		t.Fatalf("Expected ErrCorruption from corrupted block, got %v", err)
	}
}

func TestAbortRemovesFile(t *testing.T) {
	dir, err := os.MkdirTemp("", "sstable_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer func(path string) {
		_ = os.RemoveAll(path)
	}(dir)

	path := filepath.Join(dir, "aborted.sst")
	w, err := NewWriter(path, testWriterOptions())
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	if err := w.Add([]byte("aaa"), []byte("1"), false); err != nil {
		t.Fatalf("Failed to add entry: %v", err)
	}
	if err := w.Abort(); err != nil {
		t.Fatalf("Failed to abort writer: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("Expected aborted file to be removed, got %v", err)
	}
}

func TestSparseIndexSearch(t *testing.T) {
	var si SparseIndex
	si.Put([]byte("d"), 0, 10)
	si.Put([]byte("m"), 10, 10)
	si.Put([]byte("t"), 20, 10)

	if _, ok := si.Search([]byte("a")); ok {
		t.Fatalf("Expected no block for key before the first block")
	}
	for probe, wantOffset := range map[string]int64{
		"d": 0, "f": 0, "m": 10, "p": 10, "t": 20, "z": 20,
	} {
		ie, ok := si.Search([]byte(probe))
		if !ok {
			t.Fatalf("Expected a block for %s", probe)
		}
		if ie.Offset != wantOffset {
			t.Fatalf("Expected offset %d for %s, got %d", wantOffset, probe, ie.Offset)
		}
	}
}
