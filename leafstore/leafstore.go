// Package leafstore
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
package leafstore

// Page addressed leaf file with a free list.  Pages hold a committed header
// (slot directory, sibling link, extension link) followed by an append only
// data area of CRC framed key and value blobs.  A double slot meta block at
// the start of the file records the live chain heads so a torn meta write
// always leaves one valid slot behind.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrCorruption is returned when a page header, meta slot or data frame
	// fails its magic or checksum validation.
	ErrCorruption = errors.New("leafstore: corruption detected")

	// ErrCapacity is returned when the file cannot grow or a write does not
	// fit inside a page data area.
	ErrCapacity = errors.New("leafstore: capacity exceeded")

	// ErrClosed is returned when the store is used after Close.
	ErrClosed = errors.New("leafstore: store is closed")
)

const (
	// InvalidPage marks an absent page reference (chain terminators).
	InvalidPage = ^uint32(0)

	// Page kinds. Leaf pages carry the slot directory, extension pages only
	// lend their data area to the leaf that owns them.
	PageLeaf byte = 0
	PageExt  byte = 1

	// DataAlignment is the stride data blobs are rounded up to inside a
	// page data area.
	DataAlignment = 512

	pageMagic     uint32 = 0x4C454146 // "LEAF"
	metaMagic     uint32 = 0x4645524E // "FERN"
	formatVersion uint32 = 1

	metaBlockSize = 4096 // reserved region before the first page
	metaSlotSize  = 512  // two slots, written alternately
	metaEncSize   = 44

	allocationGroup = 16 // pages added per file extension

	kvInfoSize      = 16
	headerFixedSize = 20 // magic, kind, reserved, count, next, ext, tail
	frameOverhead   = 8  // length prefix plus checksum per blob
)

// Options configures a store at open time. Geometry options only apply when
// the file is created; reopening validates them against what is on disk.
type Options struct {
	PageSize     int         // Full page size in bytes, multiple of DataAlignment
	SlotCount    int         // Slots per leaf page
	Permission   os.FileMode // File permission used on create
	SyncEnabled  bool        // Fsync on every header and meta commit
	SyncInterval time.Duration
}

// Meta is the durable root of the file. CurrentHead is the first page of the
// live leaf chain, BuildingHead the first page of a successor chain while a
// flush is in progress (InvalidPage otherwise).
type Meta struct {
	Generation   uint64
	CurrentHead  uint32
	BuildingHead uint32
}

// KVInfo locates one entry's data blobs. DataPage may be the leaf page
// itself or one of its extension pages.
type KVInfo struct {
	DataPage  uint32
	Offset    uint32
	KeySize   uint32
	ValueSize uint32
}

// Header is the committed state of a page. Fingerprints and Slots always
// have SlotCount elements; the first Count of them are live.
type Header struct {
	Kind         byte
	Count        uint16
	Next         uint32
	Ext          uint32
	Tail         uint32
	Fingerprints []byte
	Slots        []KVInfo
}

// Clone returns a deep copy of the header. Mutating the copy leaves the
// original untouched, which is what lets readers keep using a published
// header while a writer prepares the next one.
func (h *Header) Clone() *Header {
	h2 := *h
	h2.Fingerprints = append([]byte(nil), h.Fingerprints...)
	h2.Slots = append([]KVInfo(nil), h.Slots...)
	return &h2
}

// Store is a page file shared by every tree generation of one key-value
// store. All methods are safe for concurrent use.
type Store struct {
	path       string
	file       *os.File
	opts       Options
	headerSize int
	dataStart  uint32

	mu        sync.Mutex // guards free list, growth and meta commits
	free      []uint32
	pageCount atomic.Uint32
	meta      Meta
	metaSeq   uint64
	excluded  int

	closed atomic.Bool
	quit   chan struct{}
	wg     sync.WaitGroup
}

// Open opens or creates a leaf store at path. The boolean result reports
// whether the file was created by this call.
func Open(path string, opts Options) (*Store, bool, error) {
	if opts.PageSize <= 0 || opts.PageSize%DataAlignment != 0 {
		return nil, false, fmt.Errorf("leafstore: page size %d is not a positive multiple of %d", opts.PageSize, DataAlignment)
	}
	if opts.SlotCount < 1 || opts.SlotCount > 4096 {
		return nil, false, fmt.Errorf("leafstore: slot count %d out of range", opts.SlotCount)
	}
	if opts.Permission == 0 {
		opts.Permission = 0750
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = time.Millisecond * 256
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, opts.Permission)
	if err != nil {
		return nil, false, err
	}

	s := &Store{
		path:       path,
		file:       file,
		opts:       opts,
		headerSize: headerFixedSize + opts.SlotCount*(1+kvInfoSize) + 4,
	}
	s.dataStart = uint32(roundUp(s.headerSize, DataAlignment))
	if int(s.dataStart)+DataAlignment > opts.PageSize {
		_ = file.Close()
		return nil, false, fmt.Errorf("leafstore: page size %d too small for %d slots", opts.PageSize, opts.SlotCount)
	}

	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, false, err
	}

	created := stat.Size() == 0
	if created {
		s.meta = Meta{Generation: 0, CurrentHead: InvalidPage, BuildingHead: InvalidPage}
		if err := s.commitMetaLocked(s.meta); err != nil {
			_ = file.Close()
			return nil, false, err
		}
	} else {
		if err := s.loadMeta(); err != nil {
			_ = file.Close()
			return nil, false, err
		}
		if stat.Size() > metaBlockSize {
			s.pageCount.Store(uint32((stat.Size() - metaBlockSize) / int64(opts.PageSize)))
		}
		s.scanLive()
	}

	if !opts.SyncEnabled {
		s.quit = make(chan struct{})
		s.wg.Add(1)
		go s.backgroundSync()
	}
	return s, created, nil
}

// backgroundSync periodically fsyncs the underlying file when per commit
// syncing is disabled.
func (s *Store) backgroundSync() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			// Final escalated sync before shutdown
			_ = s.file.Sync()
			return
		case <-ticker.C:
			if err := s.file.Sync(); err != nil {
				log.Println("leafstore: background fsync failure:", err)
			}
		}
	}
}

// Meta returns the meta recorded by the last commit, or by recovery.
func (s *Store) Meta() Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// CommitMeta durably replaces the meta record. Meta commits always sync
// regardless of the sync option; they are rare and anchor recovery.
func (s *Store) CommitMeta(m Meta) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitMetaLocked(m)
}

func (s *Store) commitMetaLocked(m Meta) error {
	s.metaSeq++
	buf := make([]byte, metaEncSize)
	binary.LittleEndian.PutUint32(buf[0:], metaMagic)
	binary.LittleEndian.PutUint32(buf[4:], formatVersion)
	binary.LittleEndian.PutUint64(buf[8:], s.metaSeq)
	binary.LittleEndian.PutUint32(buf[16:], uint32(s.opts.PageSize))
	binary.LittleEndian.PutUint32(buf[20:], uint32(s.opts.SlotCount))
	binary.LittleEndian.PutUint64(buf[24:], m.Generation)
	binary.LittleEndian.PutUint32(buf[32:], m.CurrentHead)
	binary.LittleEndian.PutUint32(buf[36:], m.BuildingHead)
	binary.LittleEndian.PutUint32(buf[40:], crc32.ChecksumIEEE(buf[:40]))

	slot := int64(s.metaSeq%2) * metaSlotSize
	if _, err := s.file.WriteAt(buf, slot); err != nil {
		s.metaSeq--
		return err
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	s.meta = m
	return nil
}

// loadMeta parses both meta slots and keeps the valid one with the highest
// sequence number. A file with no valid slot cannot be recovered.
func (s *Store) loadMeta() error {
	var (
		best    Meta
		bestSeq uint64
		found   bool
	)
	for i := int64(0); i < 2; i++ {
		buf := make([]byte, metaEncSize)
		if _, err := s.file.ReadAt(buf, i*metaSlotSize); err != nil {
			continue
		}
		if binary.LittleEndian.Uint32(buf[0:]) != metaMagic {
			continue
		}
		if binary.LittleEndian.Uint32(buf[40:]) != crc32.ChecksumIEEE(buf[:40]) {
			continue
		}
		if v := binary.LittleEndian.Uint32(buf[4:]); v != formatVersion {
			return fmt.Errorf("leafstore: unsupported format version %d", v)
		}
		if ps := int(binary.LittleEndian.Uint32(buf[16:])); ps != s.opts.PageSize {
			return fmt.Errorf("leafstore: file has page size %d, configured %d", ps, s.opts.PageSize)
		}
		if sc := int(binary.LittleEndian.Uint32(buf[20:])); sc != s.opts.SlotCount {
			return fmt.Errorf("leafstore: file has %d slots per page, configured %d", sc, s.opts.SlotCount)
		}
		seq := binary.LittleEndian.Uint64(buf[8:])
		if !found || seq > bestSeq {
			best = Meta{
				Generation:   binary.LittleEndian.Uint64(buf[24:]),
				CurrentHead:  binary.LittleEndian.Uint32(buf[32:]),
				BuildingHead: binary.LittleEndian.Uint32(buf[36:]),
			}
			bestSeq = seq
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: no valid meta slot in %s", ErrCorruption, s.path)
	}
	s.meta = best
	s.metaSeq = bestSeq
	return nil
}

// scanLive walks the chains reachable from the recorded heads, validating
// every header. Pages that are unreachable or fail validation go to the
// free list; a broken link truncates the rest of that chain.
func (s *Store) scanLive() {
	count := s.pageCount.Load()
	reachable := make([]bool, count)

	for _, head := range []uint32{s.meta.CurrentHead, s.meta.BuildingHead} {
		id := head
		for id != InvalidPage {
			if id >= count || reachable[id] {
				log.Printf("WARNING: leafstore: leaf chain link to page %d is invalid, truncating chain", id)
				s.excluded++
				break
			}
			h, err := s.readHeaderRaw(id)
			if err != nil || h.Kind != PageLeaf {
				if err == nil || !errors.Is(err, errUnusedPage) {
					log.Printf("WARNING: leafstore: excluding leaf page %d: %v", id, err)
					s.excluded++
				}
				break
			}
			reachable[id] = true

			// Extension pages hang off the leaf in their own chain.
			ext := h.Ext
			for ext != InvalidPage {
				if ext >= count || reachable[ext] {
					log.Printf("WARNING: leafstore: extension chain link to page %d is invalid", ext)
					s.excluded++
					break
				}
				eh, err := s.readHeaderRaw(ext)
				if err != nil || eh.Kind != PageExt {
					log.Printf("WARNING: leafstore: excluding extension page %d: %v", ext, err)
					s.excluded++
					break
				}
				reachable[ext] = true
				ext = eh.Ext
			}
			id = h.Next
		}
	}

	for i := uint32(0); i < count; i++ {
		if !reachable[i] {
			s.free = append(s.free, i)
		}
	}
}

// ExcludedPages reports how many pages the open time scan had to exclude.
func (s *Store) ExcludedPages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.excluded
}

// Allocate returns a page id ready to be written. Free listed pages are
// reused before the file grows; growth extends the file by a whole group of
// pages at a time.
func (s *Store) Allocate() (uint32, error) {
	if s.closed.Load() {
		return InvalidPage, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.free) == 0 {
		count := s.pageCount.Load()
		newCount := count + allocationGroup
		size := metaBlockSize + int64(newCount)*int64(s.opts.PageSize)
		if err := s.file.Truncate(size); err != nil {
			return InvalidPage, fmt.Errorf("%w: cannot grow leaf file to %d bytes: %v", ErrCapacity, size, err)
		}
		for id := count; id < newCount; id++ {
			s.free = append(s.free, id)
		}
		s.pageCount.Store(newCount)
	}

	id := s.free[0]
	s.free = s.free[1:]
	return id, nil
}

// Reclaim returns pages to the free list. The caller must guarantee nothing
// can still reach them, neither through the meta heads nor through any
// in-flight reader.
func (s *Store) Reclaim(ids []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free = append(s.free, ids...)
}

// FreeCount reports the number of free listed pages.
func (s *Store) FreeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.free)
}

// PageCount reports the total number of pages in the file.
func (s *Store) PageCount() uint32 {
	return s.pageCount.Load()
}

// DataStart is the first usable data offset within any page.
func (s *Store) DataStart() uint32 {
	return s.dataStart
}

// DataEnd is the exclusive upper bound of a page data area.
func (s *Store) DataEnd() uint32 {
	return uint32(s.opts.PageSize)
}

// MaxEntrySize is the largest framed entry a single page can hold.
func (s *Store) MaxEntrySize() uint32 {
	return uint32(s.opts.PageSize) - s.dataStart
}

// SlotCount is the number of slots per leaf page.
func (s *Store) SlotCount() int {
	return s.opts.SlotCount
}

// NewHeader returns an empty header of the given kind with chain links unset
// and the tail at the start of the data area.
func (s *Store) NewHeader(kind byte) *Header {
	return &Header{
		Kind:         kind,
		Next:         InvalidPage,
		Ext:          InvalidPage,
		Tail:         s.dataStart,
		Fingerprints: make([]byte, s.opts.SlotCount),
		Slots:        make([]KVInfo, s.opts.SlotCount),
	}
}

// errUnusedPage distinguishes a never written page from a corrupt one.
var errUnusedPage = errors.New("leafstore: page never committed")

func (s *Store) pageOffset(id uint32) int64 {
	return metaBlockSize + int64(id)*int64(s.opts.PageSize)
}

// ReadHeader reads and validates the committed header of a page.
func (s *Store) ReadHeader(id uint32) (*Header, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	h, err := s.readHeaderRaw(id)
	if err != nil && errors.Is(err, errUnusedPage) {
		return nil, fmt.Errorf("%w: page %d has no committed header", ErrCorruption, id)
	}
	return h, err
}

func (s *Store) readHeaderRaw(id uint32) (*Header, error) {
	if id >= s.pageCount.Load() {
		return nil, fmt.Errorf("%w: page %d out of range", ErrCorruption, id)
	}
	buf := make([]byte, s.headerSize)
	if _, err := s.file.ReadAt(buf, s.pageOffset(id)); err != nil {
		return nil, fmt.Errorf("%w: reading header of page %d: %v", ErrCorruption, id, err)
	}
	magic := binary.LittleEndian.Uint32(buf[0:])
	if magic == 0 {
		return nil, errUnusedPage
	}
	if magic != pageMagic {
		return nil, fmt.Errorf("%w: page %d has bad magic %#x", ErrCorruption, id, magic)
	}
	stored := binary.LittleEndian.Uint32(buf[s.headerSize-4:])
	if stored != crc32.ChecksumIEEE(buf[:s.headerSize-4]) {
		return nil, fmt.Errorf("%w: page %d header checksum mismatch", ErrCorruption, id)
	}

	h := &Header{
		Kind:         buf[4],
		Count:        binary.LittleEndian.Uint16(buf[6:]),
		Next:         binary.LittleEndian.Uint32(buf[8:]),
		Ext:          binary.LittleEndian.Uint32(buf[12:]),
		Tail:         binary.LittleEndian.Uint32(buf[16:]),
		Fingerprints: make([]byte, s.opts.SlotCount),
		Slots:        make([]KVInfo, s.opts.SlotCount),
	}
	if int(h.Count) > s.opts.SlotCount {
		return nil, fmt.Errorf("%w: page %d header has %d live slots", ErrCorruption, id, h.Count)
	}
	copy(h.Fingerprints, buf[headerFixedSize:headerFixedSize+s.opts.SlotCount])
	base := headerFixedSize + s.opts.SlotCount
	for i := 0; i < s.opts.SlotCount; i++ {
		off := base + i*kvInfoSize
		h.Slots[i] = KVInfo{
			DataPage:  binary.LittleEndian.Uint32(buf[off:]),
			Offset:    binary.LittleEndian.Uint32(buf[off+4:]),
			KeySize:   binary.LittleEndian.Uint32(buf[off+8:]),
			ValueSize: binary.LittleEndian.Uint32(buf[off+12:]),
		}
	}
	return h, nil
}

// CommitHeader durably writes a page header. With per commit syncing
// enabled the data and header bytes hit disk before this returns.
func (s *Store) CommitHeader(id uint32, h *Header) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if id >= s.pageCount.Load() {
		return fmt.Errorf("leafstore: commit to page %d out of range", id)
	}
	if len(h.Fingerprints) != s.opts.SlotCount || len(h.Slots) != s.opts.SlotCount {
		return fmt.Errorf("leafstore: header slot arrays sized %d/%d, want %d", len(h.Fingerprints), len(h.Slots), s.opts.SlotCount)
	}

	buf := make([]byte, s.headerSize)
	binary.LittleEndian.PutUint32(buf[0:], pageMagic)
	buf[4] = h.Kind
	binary.LittleEndian.PutUint16(buf[6:], h.Count)
	binary.LittleEndian.PutUint32(buf[8:], h.Next)
	binary.LittleEndian.PutUint32(buf[12:], h.Ext)
	binary.LittleEndian.PutUint32(buf[16:], h.Tail)
	copy(buf[headerFixedSize:], h.Fingerprints)
	base := headerFixedSize + s.opts.SlotCount
	for i, info := range h.Slots {
		off := base + i*kvInfoSize
		binary.LittleEndian.PutUint32(buf[off:], info.DataPage)
		binary.LittleEndian.PutUint32(buf[off+4:], info.Offset)
		binary.LittleEndian.PutUint32(buf[off+8:], info.KeySize)
		binary.LittleEndian.PutUint32(buf[off+12:], info.ValueSize)
	}
	binary.LittleEndian.PutUint32(buf[s.headerSize-4:], crc32.ChecksumIEEE(buf[:s.headerSize-4]))

	if _, err := s.file.WriteAt(buf, s.pageOffset(id)); err != nil {
		return err
	}
	if s.opts.SyncEnabled {
		return s.file.Sync()
	}
	return nil
}

// EntryStride is the aligned space an entry occupies in a data area.
func EntryStride(keyLen, valueLen int) uint32 {
	return uint32(roundUp(frameOverhead+keyLen+frameOverhead+valueLen, DataAlignment))
}

// WriteEntryAt writes the framed key and value blobs at off inside page id.
// The bytes are not synced on their own; the following CommitHeader is.
func (s *Store) WriteEntryAt(id uint32, off uint32, key, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	need := frameOverhead + len(key) + frameOverhead + len(value)
	if off < s.dataStart || int(off)+need > s.opts.PageSize {
		return fmt.Errorf("%w: entry of %d bytes does not fit page %d at offset %d", ErrCapacity, need, id, off)
	}

	buf := make([]byte, need)
	writeFrame(buf, key)
	writeFrame(buf[frameOverhead+len(key):], value)
	if _, err := s.file.WriteAt(buf, s.pageOffset(id)+int64(off)); err != nil {
		return err
	}
	return nil
}

func writeFrame(dst, blob []byte) {
	binary.LittleEndian.PutUint32(dst[0:], uint32(len(blob)))
	copy(dst[4:], blob)
	binary.LittleEndian.PutUint32(dst[4+len(blob):], crc32.ChecksumIEEE(blob))
}

func (s *Store) readFrame(id uint32, off uint32, size uint32) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if int(off)+frameOverhead+int(size) > s.opts.PageSize {
		return nil, fmt.Errorf("%w: frame on page %d at %d overruns the page", ErrCorruption, id, off)
	}
	buf := make([]byte, frameOverhead+size)
	if _, err := s.file.ReadAt(buf, s.pageOffset(id)+int64(off)); err != nil {
		return nil, fmt.Errorf("%w: reading page %d at %d: %v", ErrCorruption, id, off, err)
	}
	if binary.LittleEndian.Uint32(buf[0:]) != size {
		return nil, fmt.Errorf("%w: frame on page %d at %d has unexpected length", ErrCorruption, id, off)
	}
	blob := buf[4 : 4+size]
	if binary.LittleEndian.Uint32(buf[4+size:]) != crc32.ChecksumIEEE(blob) {
		return nil, fmt.Errorf("%w: frame on page %d at %d checksum mismatch", ErrCorruption, id, off)
	}
	return blob, nil
}

// ReadKeyAt reads the key blob of the entry recorded at off.
func (s *Store) ReadKeyAt(id uint32, off uint32, keySize uint32) ([]byte, error) {
	return s.readFrame(id, off, keySize)
}

// ReadValueAt reads the value blob of the entry recorded at off. The value
// frame sits directly behind the key frame.
func (s *Store) ReadValueAt(id uint32, off uint32, keySize, valueSize uint32) ([]byte, error) {
	return s.readFrame(id, off+frameOverhead+keySize, valueSize)
}

// Sync forces all written bytes to disk.
func (s *Store) Sync() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.file.Sync()
}

// Close stops the background sync, performs a final sync and closes the
// file. The store is unusable afterwards.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.quit != nil {
		close(s.quit)
		s.wg.Wait()
	}
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}

func roundUp(n, align int) int {
	return (n + align - 1) / align * align
}
