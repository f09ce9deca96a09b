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
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// counters accumulate across the store lifetime, surviving tree swaps.
type counters struct {
	puts          atomic.Uint64
	gets          atomic.Uint64
	deletes       atomic.Uint64
	flushes       atomic.Uint64
	flushFailures atomic.Uint64
	rootSplits    atomic.Uint64
	treeHits      atomic.Uint64
	tableHits     atomic.Uint64
	misses        atomic.Uint64
	corruptions   atomic.Uint64
}

// Stats is a point in time view of the store.
type Stats struct {
	Puts          uint64 // Completed Put operations
	Gets          uint64 // Completed Get operations
	Deletes       uint64 // Completed Delete operations
	Flushes       uint64 // Trees flushed to immutable tables
	FlushFailures uint64 // Flush attempts that will be retried
	RootSplits    uint64 // Root splits across every tree the store has had
	TreeHits      uint64 // Gets resolved by an in-tree entry
	TableHits     uint64 // Gets resolved by an immutable table
	Misses        uint64 // Gets that found nothing anywhere
	Corruptions   uint64 // Operations that surfaced a checksum failure

	TreeEntries    int64  // Entries in the active tree, tombstones included
	TreeHeight     int    // Height of the active tree
	TreeLeaves     int64  // Leaf pages of the active tree
	Tables         int    // Immutable tables serving reads
	ExcludedTables int    // Catalogued tables excluded for corruption
	LeafPages      uint32 // Pages in the leaf file
	FreeLeafPages  int    // Pages on the free list
	ExcludedPages  int    // Pages excluded for corruption
	Generation     uint64 // Flush generation
	FlushState     string // Current state of the flush worker
}

// Stats returns a consistent snapshot of the counters combined with the
// live shape of the active tree, the catalog and the page file.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	tree := s.tree
	s.mu.RUnlock()

	meta := s.pages.Meta()

	st := Stats{
		Puts:          s.counters.puts.Load(),
		Gets:          s.counters.gets.Load(),
		Deletes:       s.counters.deletes.Load(),
		Flushes:       s.counters.flushes.Load(),
		FlushFailures: s.counters.flushFailures.Load(),
		RootSplits:    s.counters.rootSplits.Load(),
		TreeHits:      s.counters.treeHits.Load(),
		TableHits:     s.counters.tableHits.Load(),
		Misses:        s.counters.misses.Load(),
		Corruptions:   s.counters.corruptions.Load(),

		Tables:         s.catalog.count(),
		ExcludedTables: s.catalog.excludedCount(),
		LeafPages:      s.pages.PageCount(),
		FreeLeafPages:  s.pages.FreeCount(),
		ExcludedPages:  s.pages.ExcludedPages(),
		Generation:     meta.Generation,
		FlushState:     s.fc.stateName(),
	}

	if tree != nil {
		st.TreeEntries = tree.Entries()
		st.TreeHeight = tree.Height()
		st.TreeLeaves = tree.LeafCount()
	}

	return st
}

// storeCollector exposes Stats as Prometheus metrics. Values are gathered
// on scrape so gauges always reflect the live store.
type storeCollector struct {
	store *Store

	puts          *prometheus.Desc
	gets          *prometheus.Desc
	deletes       *prometheus.Desc
	flushes       *prometheus.Desc
	flushFailures *prometheus.Desc
	rootSplits    *prometheus.Desc
	treeHits      *prometheus.Desc
	tableHits     *prometheus.Desc
	misses        *prometheus.Desc
	corruptions   *prometheus.Desc

	treeEntries *prometheus.Desc
	treeHeight  *prometheus.Desc
	treeLeaves  *prometheus.Desc
	tables      *prometheus.Desc
	leafPages   *prometheus.Desc
	freePages   *prometheus.Desc
	generation  *prometheus.Desc
}

// Collector returns a prometheus.Collector for the store, suitable for
// prometheus.Registry.MustRegister.
func (s *Store) Collector() prometheus.Collector {
	return &storeCollector{
		store: s,

		puts:          prometheus.NewDesc("fernkv_puts_total", "Completed Put operations", nil, nil),
		gets:          prometheus.NewDesc("fernkv_gets_total", "Completed Get operations", nil, nil),
		deletes:       prometheus.NewDesc("fernkv_deletes_total", "Completed Delete operations", nil, nil),
		flushes:       prometheus.NewDesc("fernkv_flushes_total", "Trees flushed to immutable tables", nil, nil),
		flushFailures: prometheus.NewDesc("fernkv_flush_failures_total", "Flush attempts that will be retried", nil, nil),
		rootSplits:    prometheus.NewDesc("fernkv_root_splits_total", "Root splits across every tree", nil, nil),
		treeHits:      prometheus.NewDesc("fernkv_tree_hits_total", "Gets resolved by an in-tree entry", nil, nil),
		tableHits:     prometheus.NewDesc("fernkv_table_hits_total", "Gets resolved by an immutable table", nil, nil),
		misses:        prometheus.NewDesc("fernkv_misses_total", "Gets that found nothing", nil, nil),
		corruptions:   prometheus.NewDesc("fernkv_corruptions_total", "Operations that surfaced a checksum failure", nil, nil),

		treeEntries: prometheus.NewDesc("fernkv_tree_entries", "Entries in the active tree", nil, nil),
		treeHeight:  prometheus.NewDesc("fernkv_tree_height", "Height of the active tree", nil, nil),
		treeLeaves:  prometheus.NewDesc("fernkv_tree_leaf_pages", "Leaf pages of the active tree", nil, nil),
		tables:      prometheus.NewDesc("fernkv_tables", "Immutable tables serving reads", nil, nil),
		leafPages:   prometheus.NewDesc("fernkv_leaf_pages", "Pages in the leaf file", nil, nil),
		freePages:   prometheus.NewDesc("fernkv_leaf_pages_free", "Pages on the free list", nil, nil),
		generation:  prometheus.NewDesc("fernkv_generation", "Flush generation", nil, nil),
	}
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.puts
	ch <- c.gets
	ch <- c.deletes
	ch <- c.flushes
	ch <- c.flushFailures
	ch <- c.rootSplits
	ch <- c.treeHits
	ch <- c.tableHits
	ch <- c.misses
	ch <- c.corruptions
	ch <- c.treeEntries
	ch <- c.treeHeight
	ch <- c.treeLeaves
	ch <- c.tables
	ch <- c.leafPages
	ch <- c.freePages
	ch <- c.generation
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.store.Stats()

	ch <- prometheus.MustNewConstMetric(c.puts, prometheus.CounterValue, float64(st.Puts))
	ch <- prometheus.MustNewConstMetric(c.gets, prometheus.CounterValue, float64(st.Gets))
	ch <- prometheus.MustNewConstMetric(c.deletes, prometheus.CounterValue, float64(st.Deletes))
	ch <- prometheus.MustNewConstMetric(c.flushes, prometheus.CounterValue, float64(st.Flushes))
	ch <- prometheus.MustNewConstMetric(c.flushFailures, prometheus.CounterValue, float64(st.FlushFailures))
	ch <- prometheus.MustNewConstMetric(c.rootSplits, prometheus.CounterValue, float64(st.RootSplits))
	ch <- prometheus.MustNewConstMetric(c.treeHits, prometheus.CounterValue, float64(st.TreeHits))
	ch <- prometheus.MustNewConstMetric(c.tableHits, prometheus.CounterValue, float64(st.TableHits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(st.Misses))
	ch <- prometheus.MustNewConstMetric(c.corruptions, prometheus.CounterValue, float64(st.Corruptions))

	ch <- prometheus.MustNewConstMetric(c.treeEntries, prometheus.GaugeValue, float64(st.TreeEntries))
	ch <- prometheus.MustNewConstMetric(c.treeHeight, prometheus.GaugeValue, float64(st.TreeHeight))
	ch <- prometheus.MustNewConstMetric(c.treeLeaves, prometheus.GaugeValue, float64(st.TreeLeaves))
	ch <- prometheus.MustNewConstMetric(c.tables, prometheus.GaugeValue, float64(st.Tables))
	ch <- prometheus.MustNewConstMetric(c.leafPages, prometheus.GaugeValue, float64(st.LeafPages))
	ch <- prometheus.MustNewConstMetric(c.freePages, prometheus.GaugeValue, float64(st.FreeLeafPages))
	ch <- prometheus.MustNewConstMetric(c.generation, prometheus.CounterValue, float64(st.Generation))
}
