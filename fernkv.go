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

// An embedded key-value store. Writes land in a fingerprinted tree whose
// leaves live in a page file; a background worker flushes filled trees into
// immutable sorted tables. Reads consult the active tree, then a tree being
// drained if a flush is running, then the tables newest first.

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fernkv-io/fernkv/fptree"
	"github.com/fernkv-io/fernkv/leafstore"
)

// Store is a single instance of a fernkv key-value store. All methods are
// safe for concurrent use.
type Store struct {
	config  *Config
	logFile *os.File

	pages   *leafstore.Store
	catalog *catalog
	fc      *flushController

	mu       sync.RWMutex
	tree     *fptree.Tree
	draining *fptree.Tree

	counters counters
	closed   atomic.Bool
}

// Open opens an existing fernkv instance at the configured directory or
// creates a new one.
func Open(config *Config) (*Store, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	if config.Directory == "" {
		return nil, errors.New("directory cannot be empty")
	}

	// We check if configured directory ends with os path separator
	if !strings.HasSuffix(config.Directory, string(os.PathSeparator)) {
		config.Directory += string(os.PathSeparator)
	}

	if config.Permission == 0 {
		config.Permission = DefaultPermission
	}

	if err := os.MkdirAll(config.Directory, config.Permission.Perm()); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", config.Directory, err)
	}

	var logFile *os.File
	if config.Logging {
		lf, err := os.OpenFile(config.Directory+LogFileName+LogExtension, os.O_CREATE|os.O_APPEND|os.O_WRONLY, config.Permission.Perm())
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		log.SetOutput(lf)
		logFile = lf
	}

	if config.FlushThreshold == 0 {
		config.FlushThreshold = DefaultFlushThreshold
	}

	if config.PageSize == 0 {
		config.PageSize = DefaultPageSize
	}

	if config.LeafSlotCount == 0 {
		config.LeafSlotCount = DefaultLeafSlotCount
	}
	if config.LeafSlotCount < 2 {
		return nil, errors.New("leaf slot count must be at least 2")
	}

	if config.BlockSize == 0 {
		config.BlockSize = DefaultBlockSize
	}
	if config.BlockSize < 0 {
		return nil, errors.New("block size must be positive")
	}

	if config.BloomFilterProbability == 0 {
		config.BloomFilterProbability = DefaultBloomFpr
	}
	if config.BloomFilterProbability <= 0 || config.BloomFilterProbability >= 1 {
		return nil, errors.New("bloom filter probability must be between 0 and 1")
	}

	if config.Compression {
		switch config.CompressionOption {
		case SnappyCompression, S2Compression:
		default:
			return nil, errors.New("invalid compression option")
		}
	}

	if config.Optional == nil {
		config.Optional = &OptionalConfig{
			BackgroundFSync:         false,
			BackgroundFSyncInterval: DefaultFSyncInterval,
			InnerFanout:             DefaultInnerFanout,
			MaxLeafRetries:          DefaultMaxLeafRetries,
			MaxRootRestarts:         DefaultMaxRootRestarts,
		}
	} else {
		if config.Optional.BackgroundFSyncInterval <= 0 {
			config.Optional.BackgroundFSyncInterval = DefaultFSyncInterval
		}
		if config.Optional.InnerFanout <= 0 {
			config.Optional.InnerFanout = DefaultInnerFanout
		}
		if config.Optional.MaxLeafRetries <= 0 {
			config.Optional.MaxLeafRetries = DefaultMaxLeafRetries
		}
		if config.Optional.MaxRootRestarts <= 0 {
			config.Optional.MaxRootRestarts = DefaultMaxRootRestarts
		}
	}

	log.Println("Opening fernkv store with config:")
	log.Println("Directory:              ", config.Directory)
	log.Println("Permission:             ", config.Permission)
	log.Println("FlushThreshold:         ", config.FlushThreshold)
	log.Println("PageSize:               ", config.PageSize)
	log.Println("LeafSlotCount:          ", config.LeafSlotCount)
	log.Println("BlockSize:              ", config.BlockSize)
	log.Println("BloomFilterProbability: ", config.BloomFilterProbability)
	log.Println("Logging:                ", config.Logging)
	log.Println("Compression:            ", config.Compression)
	log.Println("CompressionOption:      ", config.CompressionOption)
	log.Println("BackgroundFSync:        ", config.Optional.BackgroundFSync)
	log.Println("BackgroundFSyncInterval:", config.Optional.BackgroundFSyncInterval)
	log.Println("InnerFanout:            ", config.Optional.InnerFanout)

	pages, _, err := leafstore.Open(config.Directory+LeafFileName, leafstore.Options{
		PageSize:     config.PageSize,
		SlotCount:    config.LeafSlotCount,
		Permission:   config.Permission,
		SyncEnabled:  !config.Optional.BackgroundFSync,
		SyncInterval: config.Optional.BackgroundFSyncInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open leaf file: %w", err)
	}

	cat, err := openCatalog(config.Directory, config.Permission)
	if err != nil {
		_ = pages.Close()
		return nil, err
	}

	log.Println("Store", cat.storeID, "serving", cat.count(), "immutable tables")

	params := fptree.Params{
		Fanout:          config.Optional.InnerFanout,
		MaxLeafRetries:  config.Optional.MaxLeafRetries,
		MaxRootRestarts: config.Optional.MaxRootRestarts,
	}

	tree, err := recoverTree(pages, params)
	if err != nil {
		_ = pages.Close()
		_ = cat.close()
		return nil, err
	}

	store := &Store{
		config:  config,
		logFile: logFile,
		pages:   pages,
		catalog: cat,
		tree:    tree,
	}
	store.fc = newFlushController(store)
	tree.OnRootSplit = store.rootSplitHook

	store.reportOrphans()
	store.fc.start()

	log.Println("fernkv store opened successfully")
	return store, nil
}

// recoverTree rebuilds the active tree from the meta. A fresh store gets an
// empty tree; a building chain left behind by an interrupted flush is
// merged back into the current one before the store serves anything.
func recoverTree(pages *leafstore.Store, params fptree.Params) (*fptree.Tree, error) {
	meta := pages.Meta()

	if meta.CurrentHead == leafstore.InvalidPage {
		tree, err := fptree.NewTree(pages, params)
		if err != nil {
			return nil, classify(err)
		}
		if err := pages.CommitMeta(leafstore.Meta{
			Generation:   meta.Generation + 1,
			CurrentHead:  tree.HeadPage(),
			BuildingHead: leafstore.InvalidPage,
		}); err != nil {
			return nil, err
		}
		log.Println("Created fresh tree, generation", meta.Generation+1)
		return tree, nil
	}

	tree, err := fptree.OpenTree(pages, meta.CurrentHead, params)
	if err != nil {
		return nil, classify(err)
	}
	log.Println("Rebuilt tree with", tree.Entries(), "entries across", tree.LeafCount(), "leaves")

	if meta.BuildingHead == leafstore.InvalidPage {
		return tree, nil
	}

	log.Println("Found interrupted flush, merging building chain at page", meta.BuildingHead)

	building, err := fptree.OpenTree(pages, meta.BuildingHead, params)
	if err != nil {
		log.Println("WARNING: building chain unreadable, dropping it:", err)
	} else {
		merged := 0
		for it := building.NewIterator(); it.Valid(); it.Next() {
			entry, err := it.Current()
			if err != nil {
				return nil, classify(err)
			}
			if entry.Tombstone {
				err = tree.Delete(entry.Key)
			} else {
				err = tree.Put(entry.Key, entry.Value)
			}
			if err != nil {
				return nil, classify(err)
			}
			merged++
		}
		log.Println("Merged", merged, "entries from the building chain")
	}

	// The mark is dropped only after the merge is fully in the current
	// chain; crashing before this point replays the merge.
	if err := pages.CommitMeta(leafstore.Meta{
		Generation:   meta.Generation,
		CurrentHead:  meta.CurrentHead,
		BuildingHead: leafstore.InvalidPage,
	}); err != nil {
		return nil, err
	}

	if building != nil {
		pages.Reclaim(building.PageIDs())
	}

	return tree, nil
}

// reportOrphans warns about table files the catalog does not register.
// They are left by flushes that finalized a table but crashed before the
// catalog append; their entries were merged back from the building chain,
// so the files are dead weight and never read.
func (s *Store) reportOrphans() {
	entries, err := os.ReadDir(s.config.Directory)
	if err != nil {
		log.Println("WARNING: cannot scan directory for orphan tables:", err)
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, TablePrefix) || !strings.HasSuffix(name, TableExtension) {
			continue
		}
		if !s.catalog.registered(name) {
			log.Println("WARNING: ignoring orphan table file", name)
		}
	}
}

// treeParams returns the tree tuning derived from the configuration.
func (s *Store) treeParams() fptree.Params {
	return fptree.Params{
		Fanout:          s.config.Optional.InnerFanout,
		MaxLeafRetries:  s.config.Optional.MaxLeafRetries,
		MaxRootRestarts: s.config.Optional.MaxRootRestarts,
	}
}

// rootSplitHook runs after every root split of whichever tree is active and
// schedules a flush once the tree has grown past the threshold.
func (s *Store) rootSplitHook() {
	s.counters.rootSplits.Add(1)

	s.mu.RLock()
	tree := s.tree
	s.mu.RUnlock()

	if tree.RootSplits() >= s.config.FlushThreshold {
		s.fc.signal()
	}
}

// Put writes a key-value pair. Overwriting is an upsert; the previous value
// is gone from the tree the moment the new one is committed.
func (s *Store) Put(key, value []byte) error {
	if len(key) == 0 {
		return ErrKeyRequired
	}
	if len(value) == 0 {
		return ErrValueRequired
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.RLock()
	tree := s.tree
	tree.BeginWrite()
	s.mu.RUnlock()
	defer tree.EndWrite()

	if err := tree.Put(key, value); err != nil {
		return s.fail(err)
	}

	s.counters.puts.Add(1)
	return nil
}

// Delete removes a key by writing a tombstone. Deleting a key that was
// never written is valid; the tombstone still shadows any table version.
func (s *Store) Delete(key []byte) error {
	if len(key) == 0 {
		return ErrKeyRequired
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.RLock()
	tree := s.tree
	tree.BeginWrite()
	s.mu.RUnlock()
	defer tree.EndWrite()

	if err := tree.Delete(key); err != nil {
		return s.fail(err)
	}

	s.counters.deletes.Add(1)
	return nil
}

// Get returns the value for key, or nil if the key does not exist or is
// deleted. The newest version wins: the active tree first, then a draining
// tree if a flush is running, then the immutable tables newest first.
func (s *Store) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrKeyRequired
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	tree := s.tree
	draining := s.draining
	tree.BeginRead()
	if draining != nil {
		draining.BeginRead()
	}
	s.mu.RUnlock()

	defer func() {
		tree.EndRead()
		if draining != nil {
			draining.EndRead()
		}
	}()

	s.counters.gets.Add(1)

	value, tombstone, found, err := tree.Get(key)
	if err != nil {
		return nil, s.fail(err)
	}
	if found {
		s.counters.treeHits.Add(1)
		if tombstone {
			return nil, nil
		}
		return value, nil
	}

	if draining != nil {
		value, tombstone, found, err = draining.Get(key)
		if err != nil {
			return nil, s.fail(err)
		}
		if found {
			s.counters.treeHits.Add(1)
			if tombstone {
				return nil, nil
			}
			return value, nil
		}
	}

	value, tombstone, found, err = s.catalog.shadowLookup(key)
	if err != nil {
		return nil, s.fail(err)
	}
	if found {
		s.counters.tableHits.Add(1)
		if tombstone {
			return nil, nil
		}
		return value, nil
	}

	s.counters.misses.Add(1)
	return nil, nil
}

// Close finishes any running flush, syncs and closes the underlying files.
// The store is unusable afterwards.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	log.Println("Closing fernkv store")

	s.fc.stop()

	var firstErr error
	if err := s.pages.Close(); err != nil {
		firstErr = err
	}
	if err := s.catalog.close(); err != nil && firstErr == nil {
		firstErr = err
	}

	log.Println("fernkv store closed")

	if s.logFile != nil {
		log.SetOutput(os.Stderr)
		if err := s.logFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
