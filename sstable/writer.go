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
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/fernkv-io/fernkv/bloomfilter"
)

// WriterOptions configure a table build.
type WriterOptions struct {
	// Permission for the created file.
	Permission os.FileMode

	// BlockSize is the uncompressed threshold at which a block is cut.
	BlockSize int

	// ExpectedEntries sizes the bloom filter.
	ExpectedEntries uint

	// BloomProbability is the target false positive rate.
	BloomProbability float64

	// Compression applied per block.
	Compression Compression
}

// Writer builds one immutable table file. Add keys in strictly increasing
// order, then Finalize. Nothing in the file is meaningful until Finalize has
// returned nil; a crash before that leaves a file with no valid trailer,
// which Open rejects and recovery removes.
type Writer struct {
	path string
	file *os.File
	opts WriterOptions

	block      []byte
	blockFirst []byte
	index      SparseIndex
	filter     *bloomfilter.BloomFilter

	offset     int64
	entryCount int64
	lastKey    []byte
	finalized  bool
}

// NewWriter creates the table file at path and returns a writer for it.
func NewWriter(path string, opts WriterOptions) (*Writer, error) {
	if opts.BlockSize <= 0 {
		return nil, fmt.Errorf("sstable: block size must be positive, got %d", opts.BlockSize)
	}
	if opts.ExpectedEntries == 0 {
		opts.ExpectedEntries = 1
	}

	filter, err := bloomfilter.New(opts.ExpectedEntries, opts.BloomProbability)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, opts.Permission)
	if err != nil {
		return nil, fmt.Errorf("sstable: failed to create table file: %w", err)
	}

	return &Writer{
		path:   path,
		file:   file,
		opts:   opts,
		filter: filter,
	}, nil
}

// Add appends one entry. Keys must arrive in strictly increasing order; a
// tombstone records a deletion with no value bytes.
func (w *Writer) Add(key, value []byte, tombstone bool) error {
	if w.finalized {
		return fmt.Errorf("sstable: add after finalize")
	}
	if len(key) == 0 {
		return fmt.Errorf("sstable: empty key")
	}
	if w.lastKey != nil && bytes.Compare(key, w.lastKey) <= 0 {
		return fmt.Errorf("%w: %q after %q", ErrOutOfOrder, key, w.lastKey)
	}

	if len(w.block) == 0 {
		w.blockFirst = append([]byte(nil), key...)
	}
	w.block = appendEntry(w.block, key, value, tombstone)
	w.filter.Add(key)
	w.lastKey = append(w.lastKey[:0], key...)
	w.entryCount++

	if len(w.block) >= w.opts.BlockSize {
		return w.flushBlock()
	}
	return nil
}

// flushBlock frames, optionally compresses and writes the buffered block,
// then records it in the sparse index.
func (w *Writer) flushBlock() error {
	if len(w.block) == 0 {
		return nil
	}

	stored, err := compressBlock(w.opts.Compression, w.block)
	if err != nil {
		return err
	}

	frame := make([]byte, blockHeaderSize+len(stored))
	binary.LittleEndian.PutUint32(frame[0:], crc32.ChecksumIEEE(stored))
	binary.LittleEndian.PutUint32(frame[4:], uint32(len(stored)))
	copy(frame[blockHeaderSize:], stored)

	if _, err := w.file.Write(frame); err != nil {
		return fmt.Errorf("sstable: failed to write block: %w", err)
	}

	w.index.Put(w.blockFirst, w.offset, int64(len(stored)))
	w.offset += int64(len(frame))
	w.block = w.block[:0]
	w.blockFirst = nil
	return nil
}

// Finalize flushes the pending block, writes the footer and trailer and
// syncs the file to stable storage. The table is durable once it returns.
func (w *Writer) Finalize() error {
	if w.finalized {
		return nil
	}
	if err := w.flushBlock(); err != nil {
		return err
	}

	filterBytes, err := w.filter.Serialize()
	if err != nil {
		return err
	}

	ft := footer{
		EntryCount:  w.entryCount,
		BlockCount:  int64(w.index.Len()),
		Compression: int32(w.opts.Compression),
		Filter:      filterBytes,
	}
	for i := 0; i < w.index.Len(); i++ {
		ie := w.index.At(i)
		ft.Index = append(ft.Index, footerSlot{Key: ie.Key, Offset: ie.Offset, Length: ie.Length})
	}

	payload, err := bson.Marshal(ft)
	if err != nil {
		return fmt.Errorf("sstable: failed to serialize footer: %w", err)
	}

	trailer := make([]byte, trailerSize)
	binary.LittleEndian.PutUint32(trailer[0:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(trailer[4:], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(trailer[8:], tableMagic)

	if _, err := w.file.Write(payload); err != nil {
		return fmt.Errorf("sstable: failed to write footer: %w", err)
	}
	if _, err := w.file.Write(trailer); err != nil {
		return fmt.Errorf("sstable: failed to write trailer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sstable: failed to sync table file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("sstable: failed to close table file: %w", err)
	}

	w.finalized = true
	return nil
}

// Abort discards a partially built table and removes its file. The file may
// already be closed when a failed Finalize hands off to Abort.
func (w *Writer) Abort() error {
	if w.finalized {
		return nil
	}
	w.finalized = true
	_ = w.file.Close()
	return os.Remove(w.path)
}

// Count returns the number of entries added so far.
func (w *Writer) Count() int64 {
	return w.entryCount
}

// Path returns the table file path.
func (w *Writer) Path() string {
	return w.path
}
