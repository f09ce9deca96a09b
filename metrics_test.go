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
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsCounters(t *testing.T) {
	os.RemoveAll("test_stats")
	defer os.RemoveAll("test_stats")

	store, err := Open(smallConfig("test_stats"))
	require.NoError(t, err)
	defer store.Close()

	for i := 0; i < 50; i++ {
		require.NoError(t, store.Put([]byte(fmt.Sprintf("key%05d", i)), []byte("v")))
	}
	require.NoError(t, store.Delete([]byte("key00000")))

	for i := 0; i < 50; i++ {
		_, err := store.Get([]byte(fmt.Sprintf("key%05d", i)))
		require.NoError(t, err)
	}
	_, err = store.Get([]byte("absent"))
	require.NoError(t, err)

	st := store.Stats()
	assert.Equal(t, uint64(50), st.Puts)
	assert.Equal(t, uint64(1), st.Deletes)
	assert.Equal(t, uint64(51), st.Gets)
	assert.Equal(t, st.Gets, st.TreeHits+st.TableHits+st.Misses, "every get resolves in exactly one layer")
	assert.GreaterOrEqual(t, st.Misses, uint64(1))
	assert.Greater(t, st.RootSplits, uint64(0))
	assert.Greater(t, st.LeafPages, uint32(0))
	assert.Greater(t, st.Generation, uint64(0))
	assert.NotEmpty(t, st.FlushState)
	assert.Zero(t, st.Corruptions)
}

func TestCollector(t *testing.T) {
	os.RemoveAll("test_collector")
	defer os.RemoveAll("test_collector")

	store, err := Open(smallConfig("test_collector"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put([]byte("k"), []byte("v")))
	val, err := store.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)

	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(store.Collector()))

	families, err := registry.Gather()
	require.NoError(t, err)
	require.Len(t, families, 17)

	values := map[string]float64{}
	for _, mf := range families {
		require.Len(t, mf.GetMetric(), 1)
		m := mf.GetMetric()[0]
		switch {
		case m.GetCounter() != nil:
			values[mf.GetName()] = m.GetCounter().GetValue()
		case m.GetGauge() != nil:
			values[mf.GetName()] = m.GetGauge().GetValue()
		}
	}

	assert.Equal(t, float64(1), values["fernkv_puts_total"])
	assert.Equal(t, float64(1), values["fernkv_gets_total"])
	assert.Equal(t, float64(1), values["fernkv_tree_entries"])
	assert.Contains(t, values, "fernkv_generation")
	assert.Contains(t, values, "fernkv_leaf_pages")
	assert.Contains(t, values, "fernkv_tables")
}
