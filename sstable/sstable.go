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

// Immutable sorted table files. A table is a run of CRC framed entry blocks
// followed by a BSON footer carrying the sparse index, the bloom filter and
// the entry count, and a fixed trailer validating the footer. The footer is
// written last; a file without a valid footer never completed its flush.
//
//	+---------+---------+ ... +---------+--------------+---------+
//	| block 0 | block 1 |     | block N | footer(BSON) | trailer |
//	+---------+---------+ ... +---------+--------------+---------+
//
// Block:   | crc32 u32 | length u32 | entries... |
// Entry:   | keyLen u32 | valueLen i32 | key | value |   (-1 = tombstone)
// Trailer: | footerLen u32 | footerCrc u32 | magic u32 |

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
)

var (
	// ErrCorruption is returned when a block, footer or trailer fails
	// validation.
	ErrCorruption = errors.New("sstable: corruption detected")

	// ErrOutOfOrder is returned when keys are added in non increasing order.
	ErrOutOfOrder = errors.New("sstable: keys must be added in strictly increasing order")
)

const (
	tableMagic uint32 = 0x46535354 // "FSST"

	trailerSize     = 12 // footer length, footer crc, magic
	blockHeaderSize = 8  // block crc, block length
	entryHeaderSize = 8  // key length, value length
)

// Compression selects the per block compression applied by the writer and
// expected by the reader. It is recorded in the footer.
type Compression int

const (
	NoCompression Compression = iota
	SnappyCompression
	S2Compression
)

// footer is the BSON encoded tail of a table file.
type footer struct {
	EntryCount  int64        `bson:"entrycount"`
	BlockCount  int64        `bson:"blockcount"`
	Compression int32        `bson:"compression"`
	Index       []footerSlot `bson:"index"`
	Filter      []byte       `bson:"filter"`
}

// footerSlot is one sparse index entry in the footer.
type footerSlot struct {
	Key    []byte `bson:"key"`
	Offset int64  `bson:"offset"`
	Length int64  `bson:"length"`
}

// appendEntry encodes an entry onto dst. A tombstone is encoded as value
// length -1 with no value bytes behind it.
func appendEntry(dst []byte, key, value []byte, tombstone bool) []byte {
	var hdr [entryHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(key)))
	if tombstone {
		binary.LittleEndian.PutUint32(hdr[4:], ^uint32(0))
	} else {
		binary.LittleEndian.PutUint32(hdr[4:], uint32(len(value)))
	}
	dst = append(dst, hdr[:]...)
	dst = append(dst, key...)
	if !tombstone {
		dst = append(dst, value...)
	}
	return dst
}

// compressBlock applies the configured compression to raw block bytes.
func compressBlock(option Compression, raw []byte) ([]byte, error) {
	switch option {
	case NoCompression:
		return raw, nil
	case SnappyCompression:
		return snappy.Encode(nil, raw), nil
	case S2Compression:
		return s2.Encode(nil, raw), nil
	default:
		return nil, fmt.Errorf("sstable: unknown compression option %d", option)
	}
}

// decompressBlock reverses compressBlock.
func decompressBlock(option Compression, stored []byte) ([]byte, error) {
	switch option {
	case NoCompression:
		return stored, nil
	case SnappyCompression:
		raw, err := snappy.Decode(nil, stored)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy block: %v", ErrCorruption, err)
		}
		return raw, nil
	case S2Compression:
		raw, err := s2.Decode(nil, stored)
		if err != nil {
			return nil, fmt.Errorf("%w: s2 block: %v", ErrCorruption, err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression option %d", ErrCorruption, option)
	}
}

// scanBlock walks the entries of a decompressed block looking for key.
// Blocks are sorted, so the scan stops early once it passes the key.
func scanBlock(data []byte, key []byte) (value []byte, tombstone bool, found bool, err error) {
	pos := 0
	for pos < len(data) {
		if pos+entryHeaderSize > len(data) {
			return nil, false, false, fmt.Errorf("%w: truncated entry header", ErrCorruption)
		}
		keyLen := int(binary.LittleEndian.Uint32(data[pos:]))
		rawValLen := binary.LittleEndian.Uint32(data[pos+4:])
		pos += entryHeaderSize

		if pos+keyLen > len(data) {
			return nil, false, false, fmt.Errorf("%w: truncated entry key", ErrCorruption)
		}
		entryKey := data[pos : pos+keyLen]
		pos += keyLen

		dead := rawValLen == ^uint32(0)
		valLen := 0
		if !dead {
			valLen = int(rawValLen)
			if pos+valLen > len(data) {
				return nil, false, false, fmt.Errorf("%w: truncated entry value", ErrCorruption)
			}
		}

		switch bytes.Compare(entryKey, key) {
		case 0:
			if dead {
				return nil, true, true, nil
			}
			return data[pos : pos+valLen], false, true, nil
		case 1:
			return nil, false, false, nil
		}
		pos += valLen
	}
	return nil, false, false, nil
}
