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
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fernkv-io/fernkv/fptree"
	"github.com/fernkv-io/fernkv/leafstore"
	"github.com/fernkv-io/fernkv/sstable"
)

// flushState tracks where the flush worker is in its cycle.
type flushState int32

const (
	flushActive flushState = iota
	flushDraining
	flushSwapping
	flushReclaiming
)

func (s flushState) String() string {
	switch s {
	case flushActive:
		return "active"
	case flushDraining:
		return "draining"
	case flushSwapping:
		return "swapping"
	case flushReclaiming:
		return "reclaiming"
	}
	return "unknown"
}

// flushController runs flushes on a single background worker so they never
// overlap. Triggers collapse; at most one flush is ever pending.
type flushController struct {
	store   *Store
	state   atomic.Int32
	trigger chan struct{}
	quit    chan struct{}
	wg      sync.WaitGroup
}

func newFlushController(store *Store) *flushController {
	return &flushController{
		store:   store,
		trigger: make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
}

func (fc *flushController) start() {
	fc.wg.Add(1)
	go fc.worker()
}

// signal schedules a flush unless one is already pending.
func (fc *flushController) signal() {
	select {
	case fc.trigger <- struct{}{}:
	default:
	}
}

func (fc *flushController) setState(s flushState) {
	fc.state.Store(int32(s))
}

func (fc *flushController) stateName() string {
	return flushState(fc.state.Load()).String()
}

// stop finishes any running flush and stops the worker. A flush that is
// merely scheduled is dropped; the tree it would have written stays durable
// in its leaf chain and is rebuilt on the next open.
func (fc *flushController) stop() {
	close(fc.quit)
	fc.wg.Wait()
}

func (fc *flushController) worker() {
	defer fc.wg.Done()

	for {
		select {
		case <-fc.quit:
			return
		case <-fc.trigger:
			if err := fc.store.flush(); err != nil {
				fc.store.counters.flushFailures.Add(1)
				log.Println("flush failed, retrying:", err)

				select {
				case <-fc.quit:
					return
				case <-time.After(FlushRetryInterval):
				}
				fc.signal()
			}
		}
	}
}

// flush moves the active tree into an immutable table and hands writes to a
// fresh successor tree.
//
// The ordering makes a crash at any point recoverable. The successor head
// is recorded in the meta as the building chain before any write is
// redirected to it. The table is finalized and catalogued before the old
// tree leaves the read path. The old pages return to the free list only
// after the meta stopped referencing their chain and every reader let go.
//
// A failed flush leaves the old tree draining and returns; the retry
// resumes from the drain without redirecting again.
func (s *Store) flush() error {
	s.mu.RLock()
	old := s.draining
	s.mu.RUnlock()

	s.fc.setState(flushDraining)

	if old != nil {
		log.Println("Resuming interrupted flush")
	} else {
		meta := s.pages.Meta()
		log.Println("Flushing active tree, generation", meta.Generation)

		successor, err := fptree.NewTree(s.pages, s.treeParams())
		if err != nil {
			s.fc.setState(flushActive)
			return fmt.Errorf("failed to create successor tree: %w", err)
		}
		successor.OnRootSplit = s.rootSplitHook

		if err := s.pages.CommitMeta(leafstore.Meta{
			Generation:   meta.Generation,
			CurrentHead:  meta.CurrentHead,
			BuildingHead: successor.HeadPage(),
		}); err != nil {
			s.pages.Reclaim(successor.PageIDs())
			s.fc.setState(flushActive)
			return fmt.Errorf("failed to record building chain: %w", err)
		}

		s.mu.Lock()
		old = s.tree
		s.tree = successor
		s.draining = old
		s.mu.Unlock()
	}

	// Writers that captured the old tree before the redirect finish first.
	old.WaitWriters()

	if old.Entries() > 0 {
		if err := s.writeTable(old); err != nil {
			return err
		}
	}

	s.fc.setState(flushSwapping)

	// The table is catalogued, the old chain is no longer needed. Promote
	// the successor chain to current and drop the building mark.
	meta := s.pages.Meta()
	s.mu.RLock()
	successorHead := s.tree.HeadPage()
	s.mu.RUnlock()

	if err := s.pages.CommitMeta(leafstore.Meta{
		Generation:   meta.Generation + 1,
		CurrentHead:  successorHead,
		BuildingHead: leafstore.InvalidPage,
	}); err != nil {
		return fmt.Errorf("failed to promote successor chain: %w", err)
	}

	s.mu.Lock()
	s.draining = nil
	s.mu.Unlock()

	s.fc.setState(flushReclaiming)

	// Readers that captured the old tree finish before its pages recycle.
	old.WaitReaders()
	s.pages.Reclaim(old.PageIDs())

	s.fc.setState(flushActive)
	s.counters.flushes.Add(1)
	log.Println("Flush complete, generation", meta.Generation+1)
	return nil
}

// writeTable drains tree into a fresh immutable table, then durably
// registers it with the catalog.
func (s *Store) writeTable(tree *fptree.Tree) error {
	id := s.catalog.nextID()
	name := fmt.Sprintf("%s%d%s", TablePrefix, id, TableExtension)
	path := s.config.Directory + name

	writer, err := sstable.NewWriter(path, sstable.WriterOptions{
		Permission:       s.config.Permission,
		BlockSize:        s.config.BlockSize,
		ExpectedEntries:  uint(tree.Entries()),
		BloomProbability: s.config.BloomFilterProbability,
		Compression:      s.config.tableCompression(),
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", name, err)
	}

	// Tombstones are carried into the table; they shadow older tables.
	for it := tree.NewIterator(); it.Valid(); it.Next() {
		entry, err := it.Current()
		if err != nil {
			_ = writer.Abort()
			return fmt.Errorf("failed to read entry while draining: %w", err)
		}
		if err := writer.Add(entry.Key, entry.Value, entry.Tombstone); err != nil {
			_ = writer.Abort()
			return fmt.Errorf("failed to add entry to table %s: %w", name, err)
		}
	}

	count := writer.Count()
	if err := writer.Finalize(); err != nil {
		_ = writer.Abort()
		return fmt.Errorf("failed to finalize table %s: %w", name, err)
	}

	reader, err := sstable.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open finalized table %s: %w", name, err)
	}

	rec := tableRecord{
		TableID:     id,
		FileName:    name,
		Generation:  s.pages.Meta().Generation,
		EntryCount:  count,
		CreatedUnix: time.Now().Unix(),
	}
	if err := s.catalog.register(rec, reader); err != nil {
		_ = reader.Close()
		return fmt.Errorf("failed to register table %s: %w", name, err)
	}

	log.Println("Wrote immutable table", name, "with", count, "entries")
	return nil
}
