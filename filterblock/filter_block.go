// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package filterblock implements the multi-unit filter block of a table: the
// builder that emits several independent filter bitmaps over the same keys,
// and the reader that pages those units in and out of memory at runtime.
//
// On disk a filter block is all_units consecutive regions of unit_size bytes,
// each followed by a 5-byte trailer (unit type and checksum). The header kept
// in the table's meta index maps data-block offsets to filter regions within
// a unit and records where the units live:
//
//	[offsets: u32 per data block stripe, little-endian]
//	[disk offset of unit 0: u64]
//	[unit size: u32]
//	[units resident at open: u32]
//	[units persisted: u32]
//	[base lg: u8]
package filterblock

import (
	"encoding/binary"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/elasticbf/internal/base"
	"github.com/cockroachdb/errors"
)

const (
	// FilterBaseLg is the log2 of the data-byte granularity at which filter
	// regions are generated: one region per 2KB of data-block space.
	FilterBaseLg = 11
	filterBase   = 1 << FilterBaseLg

	// DefaultAllUnits is the number of filter units built and persisted per
	// filter block.
	DefaultAllUnits = 6
	// DefaultInitUnits is the number of filter units memory-resident when a
	// reader is opened.
	DefaultInitUnits = 2

	// LifeTime is the number of sequence ticks without an access after which
	// a reader is considered cold.
	LifeTime = 10000

	// headerTailLen is the fixed-size tail of the header: disk offset (8),
	// unit size (4), init units (4), all units (4), base lg (1).
	headerTailLen = 21
)

// Handle identifies the on-disk location of the persisted filter units: the
// offset of unit 0 and the size of a single unit (excluding its trailer).
type Handle struct {
	Offset uint64
	Size   uint64
}

// Builder constructs the filter block for a table. It generates, for every
// stripe of data-block space, one filter region per unit, with all units
// covering the identical key sequence.
//
// The sequence of calls to Builder must match the regexp:
//
//	(StartBlock AddKey*)* Filters Finish
type Builder struct {
	policy    base.FilterPolicy
	allUnits  int
	initUnits int

	keys    []byte // flattened key contents
	start   []int  // starting index in keys of each key
	tmpKeys [][]byte

	units         [][]byte // per-unit filter data accumulated so far
	filterOffsets []uint32
}

// NewBuilder returns a Builder producing allUnits bitmaps per region, of
// which initUnits will be loaded when the block is opened.
func NewBuilder(policy base.FilterPolicy, allUnits, initUnits int) *Builder {
	if allUnits < 1 || initUnits < 0 || initUnits > allUnits {
		panic(errors.AssertionFailedf(
			"filterblock: invalid unit counts %d/%d", initUnits, allUnits))
	}
	return &Builder{
		policy:    policy,
		allUnits:  allUnits,
		initUnits: initUnits,
		units:     make([][]byte, allUnits),
	}
}

// StartBlock is called for each data block, with the block's file offset.
// Stripes between the previously generated region and this offset get their
// own (possibly empty) regions so that the offset array stays addressable by
// blockOffset >> FilterBaseLg at read time.
func (b *Builder) StartBlock(blockOffset uint64) {
	filterIndex := blockOffset / filterBase
	if filterIndex < uint64(len(b.filterOffsets)) {
		panic(errors.AssertionFailedf("filterblock: blocks started out of order"))
	}
	for filterIndex > uint64(len(b.filterOffsets)) {
		b.generateFilter()
	}
}

// AddKey adds a key to the current filter region.
func (b *Builder) AddKey(key []byte) {
	b.start = append(b.start, len(b.keys))
	b.keys = append(b.keys, key...)
}

// Filters generates any pending region and returns the accumulated per-unit
// filter data, ready to be persisted. Every returned slice has the same
// length.
func (b *Builder) Filters() [][]byte {
	if len(b.start) > 0 {
		b.generateFilter()
		// Record the limit of the last region. LevelDB derives it from the
		// filter block length instead; with the units persisted separately
		// the offset array has to carry it.
		b.filterOffsets = append(b.filterOffsets, uint32(len(b.units[0])))
	}
	return b.units
}

// Finish emits the header to be stored in the table's meta index, given the
// handle returned by the persister that wrote the unit data. It must be
// called after Filters.
func (b *Builder) Finish(handle Handle) []byte {
	buf := make([]byte, 0, 4*len(b.filterOffsets)+headerTailLen)
	for _, off := range b.filterOffsets {
		buf = binary.LittleEndian.AppendUint32(buf, off)
	}
	buf = binary.LittleEndian.AppendUint64(buf, handle.Offset)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(handle.Size))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(b.initUnits))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(b.allUnits))
	buf = append(buf, FilterBaseLg)
	return buf
}

func (b *Builder) generateFilter() {
	numKeys := len(b.start)
	if numKeys == 0 {
		// Fast path if there are no keys for this region. All units have the
		// same structure, so unit 0 supplies the offset.
		b.filterOffsets = append(b.filterOffsets, uint32(len(b.units[0])))
		return
	}

	// Make list of keys from flattened key structure.
	b.start = append(b.start, len(b.keys))
	if cap(b.tmpKeys) < numKeys {
		b.tmpKeys = make([][]byte, numKeys)
	}
	b.tmpKeys = b.tmpKeys[:numKeys]
	for i := 0; i < numKeys; i++ {
		b.tmpKeys[i] = b.keys[b.start[i]:b.start[i+1]]
	}

	b.filterOffsets = append(b.filterOffsets, uint32(len(b.units[0])))
	for u := range b.units {
		b.units[u] = b.policy.AppendFilter(b.tmpKeys, b.units[u], u)
	}

	b.tmpKeys = b.tmpKeys[:0]
	b.keys = b.keys[:0]
	b.start = b.start[:0]
}

// Reader answers KeyMayMatch queries against the filter block of one table,
// holding between zero and all of the block's units in memory. Units are
// always resident as a prefix [0, k) of the persisted unit sequence: loads
// and evictions happen at the high end only, which keeps the probe a simple
// loop over the resident slice.
//
// A Reader is created with no resident units; the initial loads run on a
// Scheduler goroutine, and queries block until they complete. If an initial
// load fails the reader is corrupt: queries conservatively return true and
// the resident set is pinned at the units loaded before the failure.
type Reader struct {
	policy  base.FilterPolicy
	data    []byte // header contents; the offset array is at the start
	numOffs int    // number of entries in the offset array

	diskOffset uint64
	unitSize   uint32
	initUnits  int
	allUnits   int
	baseLg     uint

	checksumType ChecksumType

	// accessTime is the sequence number of the last observed access, the
	// access-frequency proxy of the adjustment cost model. sequence mirrors
	// it for cold checks. Both are read without the mutex by the MultiQueue.
	accessTime atomic.Uint64
	sequence   atomic.Uint64

	mu       sync.Mutex
	initCond sync.Cond
	initDone bool
	initErr  error // sticky; a corrupt reader never leaves that state
	closed   bool
	file     io.ReaderAt
	units    [][]byte
}

// ReaderOptions configure a Reader beyond its header.
type ReaderOptions struct {
	// Scheduler runs the initial unit loads. Defaults to DefaultScheduler.
	Scheduler *Scheduler
	// Checksum is the checksum type the persisted unit trailers carry.
	// Defaults to crc32c.
	Checksum ChecksumType
}

func (o ReaderOptions) withDefaults() ReaderOptions {
	if o.Scheduler == nil {
		o.Scheduler = DefaultScheduler()
	}
	if o.Checksum == ChecksumTypeNone {
		o.Checksum = ChecksumTypeCRC32c
	}
	return o
}

// NewReader constructs a Reader from the header contents stored in the meta
// index and the table's file. The header must stay live while the reader is
// live. NewReader returns immediately; the initial unit loads are posted to
// the scheduler and the first query waits for them.
func NewReader(
	policy base.FilterPolicy, contents []byte, file io.ReaderAt, opts ReaderOptions,
) (*Reader, error) {
	opts = opts.withDefaults()
	n := len(contents)
	if n < headerTailLen {
		return nil, base.CorruptionErrorf(
			"filterblock: header too short (%d bytes)", errors.Safe(n))
	}

	r := &Reader{
		policy:       policy,
		data:         contents,
		numOffs:      (n - headerTailLen) / 4,
		diskOffset:   binary.LittleEndian.Uint64(contents[n-21:]),
		unitSize:     binary.LittleEndian.Uint32(contents[n-13:]),
		initUnits:    int(binary.LittleEndian.Uint32(contents[n-9:])),
		allUnits:     int(binary.LittleEndian.Uint32(contents[n-5:])),
		baseLg:       uint(contents[n-1]),
		checksumType: opts.Checksum,
		file:         file,
	}
	if r.allUnits < 1 || r.initUnits < 0 || r.initUnits > r.allUnits {
		return nil, base.CorruptionErrorf(
			"filterblock: invalid unit counts %d/%d in header",
			errors.Safe(r.initUnits), errors.Safe(r.allUnits))
	}
	r.initCond.L = &r.mu
	opts.Scheduler.Schedule(r.backgroundInit)
	return r, nil
}

// backgroundInit loads the initial units. It runs on the scheduler goroutine.
func (r *Reader) backgroundInit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.initUnits; i++ {
		if err := r.loadLocked(); err != nil {
			r.initErr = err
			break
		}
	}
	r.initDone = true
	r.initCond.Broadcast()
}

// waitForInitLocked blocks until the background init completed. Callers on
// the query path may be here before the scheduler got to this reader.
func (r *Reader) waitForInitLocked() {
	for !r.initDone {
		r.initCond.Wait()
	}
}

// KeyMayMatch returns whether the data block at blockOffset may contain key.
// False is definitive: the key is in none of the keys added for that block.
// Every resident unit gets a veto. A block whose filter region is empty
// matches no key; otherwise a reader with no resident units cannot rule
// anything out. If key is an internal key, its sequence number is
// recorded as the reader's latest access.
func (r *Reader) KeyMayMatch(blockOffset uint64, key []byte) bool {
	if _, seqNum, _, ok := base.ParseInternalKey(key); ok {
		r.UpdateState(seqNum)
	}

	index := blockOffset >> r.baseLg
	if index >= uint64(r.numOffs) {
		// Out of range of the offset array: errors are treated as potential
		// matches.
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.waitForInitLocked()
	if r.initErr != nil {
		return true
	}

	start := binary.LittleEndian.Uint32(r.data[index*4:])
	limit := r.unitSize
	if index+1 < uint64(r.numOffs) {
		limit = binary.LittleEndian.Uint32(r.data[(index+1)*4:])
	}
	if start == limit {
		// Empty regions do not match any keys.
		return false
	}
	if start > limit || limit > r.unitSize {
		return true
	}
	// Any single unit ruling the key out is definitive: Bloom filters have
	// no false negatives.
	for u, unit := range r.units {
		if !r.policy.MayContain(key, unit[start:limit], u) {
			return false
		}
	}
	return true
}

// LoadFilter makes one more unit resident, reading and verifying it from the
// file. It fails with an invalid-state error when all units are already
// resident, and with a corruption or I/O error (leaving the resident set
// unchanged) when the read fails.
func (r *Reader) LoadFilter() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waitForInitLocked()
	if r.initErr != nil {
		return r.initErr
	}
	return r.loadLocked()
}

func (r *Reader) loadLocked() error {
	k := len(r.units)
	if k >= r.allUnits {
		return base.InvalidStateErrorf(
			"filterblock: all %d filter units are resident", errors.Safe(r.allUnits))
	}
	if r.closed {
		return base.InvalidStateErrorf("filterblock: reader is closed")
	}

	stride := uint64(r.unitSize) + unitTrailerLen
	buf := make([]byte, int(r.unitSize)+unitTrailerLen)
	if _, err := r.file.ReadAt(buf, int64(r.diskOffset+uint64(k)*stride)); err != nil {
		return errors.Wrapf(err, "filterblock: reading filter unit %d", k)
	}
	unit, err := validateUnit(r.checksumType, buf)
	if err != nil {
		return err
	}
	r.units = append(r.units, unit)
	return nil
}

// EvictFilter drops the highest resident unit. It fails with an
// invalid-state error when no units are resident.
func (r *Reader) EvictFilter() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waitForInitLocked()
	if r.initErr != nil {
		return r.initErr
	}
	return r.evictLocked()
}

func (r *Reader) evictLocked() error {
	if len(r.units) == 0 {
		return base.InvalidStateErrorf("filterblock: no filter units are resident")
	}
	r.units[len(r.units)-1] = nil
	r.units = r.units[:len(r.units)-1]
	return nil
}

// GoBackToInit returns the reader to its freshly opened state against a new
// file handle: all units are dropped and the initial units are reloaded,
// synchronously. Used when a table is reopened.
func (r *Reader) GoBackToInit(file io.ReaderAt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waitForInitLocked()

	for len(r.units) > 0 {
		if err := r.evictLocked(); err != nil {
			return err
		}
	}
	r.file = file
	r.initErr = nil
	for i := 0; i < r.initUnits; i++ {
		if err := r.loadLocked(); err != nil {
			r.initErr = err
			return err
		}
	}
	return nil
}

// Close drops all resident units and detaches the reader from its file.
// Further loads fail; queries answer conservatively.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waitForInitLocked()
	r.units = nil
	r.closed = true
	r.file = nil
	return nil
}

// UpdateState records an observed access at the given sequence number. It is
// a pure observer: last writer wins, which is acceptable because hotness only
// needs to be approximately monotone.
func (r *Reader) UpdateState(seqNum base.SeqNum) {
	r.accessTime.Store(uint64(seqNum))
	r.sequence.Store(uint64(seqNum))
}

// AccessTime returns the sequence number of the last observed access.
func (r *Reader) AccessTime() uint64 {
	return r.accessTime.Load()
}

// IsCold reports whether the reader has not been accessed within LifeTime
// sequence ticks of nowSeqNum. Lock-free; callable under the MultiQueue
// mutex.
func (r *Reader) IsCold(nowSeqNum base.SeqNum) bool {
	return uint64(nowSeqNum) >= r.sequence.Load()+LifeTime
}

// FilterUnitsNumber returns the number of resident units, waiting for the
// background init to finish first.
func (r *Reader) FilterUnitsNumber() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waitForInitLocked()
	return len(r.units)
}

// InitUnits returns the number of units the reader makes resident at open.
func (r *Reader) InitUnits() int { return r.initUnits }

// AllUnits returns the number of units persisted for this reader.
func (r *Reader) AllUnits() int { return r.allUnits }

// OneUnitSize returns the byte size of a single unit.
func (r *Reader) OneUnitSize() uint32 { return r.unitSize }

// Size returns the memory charge of the reader: resident units times unit
// size.
func (r *Reader) Size() uint64 {
	return uint64(r.FilterUnitsNumber()) * uint64(r.unitSize)
}

// CanBeLoaded reports whether a further unit could be made resident.
func (r *Reader) CanBeLoaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waitForInitLocked()
	if r.initErr != nil || r.closed {
		return false
	}
	return len(r.units) < r.allUnits
}

// CanBeEvicted reports whether the reader has a unit to give up.
func (r *Reader) CanBeEvicted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waitForInitLocked()
	if r.initErr != nil {
		return false
	}
	return len(r.units) > 0
}

// IOs returns the expected number of unfiltered disk reads this reader's
// table draws at its current access frequency: fpr^k scaled by the access
// time, for k resident units.
func (r *Reader) IOs() float64 {
	return r.projectedIOs(0)
}

// LoadIOs is IOs with one more unit resident.
func (r *Reader) LoadIOs() float64 {
	return r.projectedIOs(+1)
}

// EvictIOs is IOs with one fewer unit resident.
func (r *Reader) EvictIOs() float64 {
	return r.projectedIOs(-1)
}

func (r *Reader) projectedIOs(delta int) float64 {
	k := r.FilterUnitsNumber() + delta
	fpr := math.Pow(r.policy.FalsePositiveRate(), float64(k))
	return fpr * float64(r.accessTime.Load())
}
