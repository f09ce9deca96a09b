// Package bloomfilter
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
package bloomfilter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/xxh3"
	"go.mongodb.org/mongo-driver/bson"
)

// BloomFilter struct represents a Bloom filter
type BloomFilter struct {
	Bitset    []uint64 // Bit array packed into 64 bit words
	Size      uint64   // Number of bits in the filter
	HashCount uint64   // Number of hash functions
}

// serializedFilter is the on-disk form. The bitset travels as raw bytes so
// no word ever has to squeeze through a signed integer encoding.
type serializedFilter struct {
	Bits      []byte `bson:"bits"`
	Size      int64  `bson:"size"`
	HashCount int64  `bson:"hashes"`
}

// New creates a BloomFilter sized for the expected number of items and the
// desired false positive probability.
func New(expectedItems uint, probability float64) (*BloomFilter, error) {
	if probability <= 0 || probability >= 1 {
		return nil, fmt.Errorf("bloomfilter: probability %f must be between 0 and 1", probability)
	}
	if expectedItems == 0 {
		expectedItems = 1
	}

	// Optimal bit count and hash count for the requested rate
	m := uint64(math.Ceil(-float64(expectedItems) * math.Log(probability) / (math.Ln2 * math.Ln2)))
	if m == 0 {
		m = 1
	}
	k := uint64(math.Round(float64(m) / float64(expectedItems) * math.Ln2))
	if k == 0 {
		k = 1
	}

	return &BloomFilter{
		Bitset:    make([]uint64, (m+63)/64),
		Size:      m,
		HashCount: k,
	}, nil
}

// probe derives the i-th bit index for a key with double hashing over two
// independent 64 bit hashes.
func (bf *BloomFilter) probe(h1, h2, i uint64) uint64 {
	return (h1 + i*h2) % bf.Size
}

func hashes(key []byte) (uint64, uint64) {
	h1 := xxhash.Sum64(key)
	h2 := xxh3.Hash(key) | 1
	return h1, h2
}

// Add inserts a key into the filter
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := hashes(key)
	for i := uint64(0); i < bf.HashCount; i++ {
		idx := bf.probe(h1, h2, i)
		bf.Bitset[idx>>6] |= 1 << (idx & 63)
	}
}

// Contains checks if a key could be in the filter. A false result is
// authoritative, a true result may be a false positive.
func (bf *BloomFilter) Contains(key []byte) bool {
	h1, h2 := hashes(key)
	for i := uint64(0); i < bf.HashCount; i++ {
		idx := bf.probe(h1, h2, i)
		if bf.Bitset[idx>>6]&(1<<(idx&63)) == 0 {
			return false
		}
	}
	return true
}

// Serialize encodes the filter for storage
func (bf *BloomFilter) Serialize() ([]byte, error) {
	bits := make([]byte, len(bf.Bitset)*8)
	for i, word := range bf.Bitset {
		binary.LittleEndian.PutUint64(bits[i*8:], word)
	}
	return bson.Marshal(serializedFilter{
		Bits:      bits,
		Size:      int64(bf.Size),
		HashCount: int64(bf.HashCount),
	})
}

// Deserialize decodes a filter produced by Serialize
func Deserialize(data []byte) (*BloomFilter, error) {
	var sf serializedFilter
	if err := bson.Unmarshal(data, &sf); err != nil {
		return nil, err
	}
	if sf.Size <= 0 || sf.HashCount <= 0 || len(sf.Bits)%8 != 0 {
		return nil, errors.New("bloomfilter: serialized filter is malformed")
	}
	words := len(sf.Bits) / 8
	if uint64(words)*64 < uint64(sf.Size) {
		return nil, errors.New("bloomfilter: serialized bitset shorter than declared size")
	}
	bf := &BloomFilter{
		Bitset:    make([]uint64, words),
		Size:      uint64(sf.Size),
		HashCount: uint64(sf.HashCount),
	}
	for i := range bf.Bitset {
		bf.Bitset[i] = binary.LittleEndian.Uint64(sf.Bits[i*8:])
	}
	return bf, nil
}
