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
	"errors"

	"github.com/fernkv-io/fernkv/fptree"
	"github.com/fernkv-io/fernkv/leafstore"
	"github.com/fernkv-io/fernkv/sstable"
)

// Errors returned by the public API. Lookups for keys that do not exist are
// not errors; Get returns nil for those.
var (
	// ErrKeyRequired rejects an empty key.
	ErrKeyRequired = errors.New("key cannot be empty")

	// ErrValueRequired rejects an empty value. Zero-length values are how
	// tombstones are stored, so the public surface never accepts one.
	ErrValueRequired = errors.New("value cannot be empty")

	// ErrClosed is returned when the store is used after Close.
	ErrClosed = errors.New("store is closed")

	// ErrCorruption is returned when a page, block, footer or catalog record
	// fails its checksum or magic validation.
	ErrCorruption = errors.New("corruption detected")

	// ErrCapacity is returned when an entry cannot fit a page data area or
	// the store cannot grow its files.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrRetryExhausted is returned when an optimistic read keeps losing
	// races against writers beyond every retry bound. It is transient; the
	// operation can simply be retried.
	ErrRetryExhausted = errors.New("too many optimistic read retries")
)

// classify maps subsystem errors onto the public taxonomy at the API
// boundary. The original error stays in the chain for errors.Is.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, leafstore.ErrCorruption), errors.Is(err, sstable.ErrCorruption):
		return errors.Join(ErrCorruption, err)
	case errors.Is(err, leafstore.ErrCapacity):
		return errors.Join(ErrCapacity, err)
	case errors.Is(err, fptree.ErrRetryExhausted):
		return errors.Join(ErrRetryExhausted, err)
	case errors.Is(err, leafstore.ErrClosed):
		return errors.Join(ErrClosed, err)
	default:
		return err
	}
}

// fail classifies an operation error and keeps the corruption counter
// honest on the way out.
func (s *Store) fail(err error) error {
	err = classify(err)
	if errors.Is(err, ErrCorruption) {
		s.counters.corruptions.Add(1)
	}
	return err
}
