// Package fernkv
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
package fernkv

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fernkv-io/fernkv/sstable"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

// The catalog file is a sequence of framed records, appended only.
//
//	+----------+------------+-----------+----------+
//	| kind u8  | length u32 | bson doc  | crc32 u32 |
//	+----------+------------+-----------+----------+
//
// The first record identifies the store. Every later record registers one
// immutable table. A torn tail is truncated on open; a failed checksum in
// the middle of the file stops the scan at the last good record.
const (
	catalogFormatVersion = int32(1)
	catalogRecordStore   = byte(1)
	catalogRecordTable   = byte(2)
	catalogFrameOverhead = 9
	catalogMaxRecordSize = uint32(1 << 20)
)

// catalogIdentity is the first record of every catalog file.
type catalogIdentity struct {
	StoreID       string `bson:"storeid"`
	FormatVersion int32  `bson:"formatversion"`
	CreatedUnix   int64  `bson:"createdunix"`
}

// tableRecord registers one flushed table.
type tableRecord struct {
	TableID     uint64 `bson:"tableid"`
	FileName    string `bson:"filename"`
	Generation  uint64 `bson:"generation"`
	EntryCount  int64  `bson:"entrycount"`
	CreatedUnix int64  `bson:"createdunix"`
}

// catalog tracks the immutable tables of a store, newest first. Appends are
// synced to disk before the table becomes visible to readers.
type catalog struct {
	directory string
	file      *os.File
	storeID   uuid.UUID

	mu          sync.RWMutex
	tables      []*sstable.Reader
	names       map[string]bool
	nextTableID uint64
	excluded    int
}

// encodeCatalogFrame frames a marshalled record for appending.
func encodeCatalogFrame(kind byte, payload []byte) []byte {
	frame := make([]byte, catalogFrameOverhead+len(payload))
	frame[0] = kind
	binary.LittleEndian.PutUint32(frame[1:5], uint32(len(payload)))
	copy(frame[5:], payload)
	binary.LittleEndian.PutUint32(frame[5+len(payload):], crc32.ChecksumIEEE(payload))
	return frame
}

// openCatalog opens or creates the catalog file in directory and opens a
// reader for every table it registers. Records whose table file is missing
// or fails validation are excluded with a warning; they never fail the open.
func openCatalog(directory string, perm os.FileMode) (*catalog, error) {
	c := &catalog{
		directory:   directory,
		names:       make(map[string]bool),
		nextTableID: 2,
	}

	path := directory + CatalogFileName

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, perm.Perm())
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog file: %w", err)
	}
	c.file = file

	if len(data) == 0 {
		if err := c.writeIdentity(); err != nil {
			_ = file.Close()
			return nil, err
		}
		return c, nil
	}

	goodEnd, err := c.load(data)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	if goodEnd < int64(len(data)) {
		log.Printf("WARNING: catalog has %d trailing bytes after last valid record, truncating", int64(len(data))-goodEnd)
		if err := file.Truncate(goodEnd); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to truncate catalog file: %w", err)
		}
	}

	// Records are appended oldest first; readers resolve newest first.
	for i, j := 0, len(c.tables)-1; i < j; i, j = i+1, j-1 {
		c.tables[i], c.tables[j] = c.tables[j], c.tables[i]
	}

	return c, nil
}

// writeIdentity seeds a fresh catalog with the store identity record.
func (c *catalog) writeIdentity() error {
	c.storeID = uuid.New()

	payload, err := bson.Marshal(&catalogIdentity{
		StoreID:       c.storeID.String(),
		FormatVersion: catalogFormatVersion,
		CreatedUnix:   time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode catalog identity: %w", err)
	}

	if _, err := c.file.Write(encodeCatalogFrame(catalogRecordStore, payload)); err != nil {
		return fmt.Errorf("failed to write catalog identity: %w", err)
	}

	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync catalog file: %w", err)
	}

	return nil
}

// load replays every record in data and returns the offset just past the
// last valid one. The first record must be a readable identity record; a
// catalog that cannot say which store it belongs to is corrupt.
func (c *catalog) load(data []byte) (int64, error) {
	offset := 0
	first := true

	for offset < len(data) {
		if len(data)-offset < catalogFrameOverhead {
			break
		}

		kind := data[offset]
		length := binary.LittleEndian.Uint32(data[offset+1 : offset+5])
		if length > catalogMaxRecordSize || offset+catalogFrameOverhead+int(length) > len(data) {
			break
		}

		payload := data[offset+5 : offset+5+int(length)]
		sum := binary.LittleEndian.Uint32(data[offset+5+int(length) : offset+catalogFrameOverhead+int(length)])
		if crc32.ChecksumIEEE(payload) != sum {
			break
		}

		if first {
			if kind != catalogRecordStore {
				return 0, fmt.Errorf("catalog does not start with an identity record: %w", sstable.ErrCorruption)
			}

			var ident catalogIdentity
			if err := bson.Unmarshal(payload, &ident); err != nil {
				return 0, fmt.Errorf("failed to decode catalog identity: %w", err)
			}

			id, err := uuid.Parse(ident.StoreID)
			if err != nil {
				return 0, fmt.Errorf("catalog identity is not a valid uuid: %w", err)
			}

			if ident.FormatVersion != catalogFormatVersion {
				return 0, fmt.Errorf("unsupported catalog format version %d", ident.FormatVersion)
			}

			c.storeID = id
			first = false
			offset += catalogFrameOverhead + int(length)
			continue
		}

		if kind == catalogRecordTable {
			var rec tableRecord
			if err := bson.Unmarshal(payload, &rec); err != nil {
				log.Printf("WARNING: skipping undecodable catalog record at offset %d: %v", offset, err)
			} else {
				c.admit(rec)
			}
		} else {
			log.Printf("WARNING: skipping catalog record of unknown kind %d at offset %d", kind, offset)
		}

		offset += catalogFrameOverhead + int(length)
	}

	if first {
		return 0, fmt.Errorf("catalog has no readable identity record: %w", sstable.ErrCorruption)
	}

	return int64(offset), nil
}

// admit opens the reader for a registered table. Tables that cannot be
// opened are excluded from reads and reported, never fatal.
func (c *catalog) admit(rec tableRecord) {
	if rec.TableID >= c.nextTableID {
		c.nextTableID = rec.TableID + 2
	}
	c.names[rec.FileName] = true

	reader, err := sstable.Open(c.directory + rec.FileName)
	if err != nil {
		log.Printf("WARNING: excluding table %s from reads: %v", rec.FileName, err)
		c.excluded++
		return
	}

	c.tables = append(c.tables, reader)
}

// nextID reserves the identifier for the next table. Identifiers are even
// and strictly increasing, odd identifiers stay reserved.
func (c *catalog) nextID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextTableID
	c.nextTableID += 2
	return id
}

// register durably appends a table record and then publishes its reader at
// the front of the lookup order.
func (c *catalog) register(rec tableRecord, reader *sstable.Reader) error {
	payload, err := bson.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to encode table record: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.file.Write(encodeCatalogFrame(catalogRecordTable, payload)); err != nil {
		return fmt.Errorf("failed to append table record: %w", err)
	}

	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync catalog file: %w", err)
	}

	c.names[rec.FileName] = true
	c.tables = append([]*sstable.Reader{reader}, c.tables...)
	return nil
}

// shadowLookup searches the tables newest first and returns the first
// version of key found, which shadows every older one.
func (c *catalog) shadowLookup(key []byte) ([]byte, bool, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, reader := range c.tables {
		value, tombstone, found, err := reader.Lookup(key)
		if err != nil {
			return nil, false, false, err
		}
		if found {
			return value, tombstone, true, nil
		}
	}

	return nil, false, false, nil
}

// count reports how many tables serve reads.
func (c *catalog) count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tables)
}

// excludedCount reports how many catalogued tables were excluded for
// corruption or a missing file.
func (c *catalog) excludedCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.excluded
}

// registered reports whether name belongs to a catalogued table.
func (c *catalog) registered(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.names[name]
}

// close releases every table reader and the catalog file.
func (c *catalog) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for _, reader := range c.tables {
		if err := reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.tables = nil

	if err := c.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}
