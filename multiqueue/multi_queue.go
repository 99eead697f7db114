// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package multiqueue implements the cache of filter readers that drives
// adaptive filter-unit placement.
//
// Readers are classified into single queues by how many filter units they
// currently hold in memory: an entry living in queue k has exactly k resident
// units. Each single queue is an approximate LRU, so the cold readers of any
// class are found at its tail without scanning the whole cache. On every
// probe of a hot reader, the MultiQueue considers an adjustment: evicting
// units from cold readers to fund loading one more unit for the hot one,
// applied only when the projected total I/O goes down.
package multiqueue

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/elasticbf/filterblock"
	"github.com/cockroachdb/elasticbf/internal/base"
	"github.com/cockroachdb/elasticbf/internal/invariants"
	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/swiss"
	"github.com/prometheus/client_golang/prometheus"
)

// Options tune a MultiQueue. The zero value is usable.
type Options struct {
	// MaxUnits is the highest resident unit count the queue array is sized
	// for up front. The array grows on demand if a reader with more
	// persisted units is inserted. Defaults to filterblock.DefaultAllUnits.
	MaxUnits int

	// Logger receives best-effort adjustment log lines. May be changed later
	// with SetLogger; nil disables logging.
	Logger base.Logger

	// AdjustmentLatency, if set, is fed the wall-clock duration of every
	// applied adjustment.
	AdjustmentLatency prometheus.Histogram
}

// MultiQueue is safe for concurrent use.
type MultiQueue struct {
	adjustments  atomic.Int64
	abortedLoads atomic.Int64

	adjustmentLatency prometheus.Histogram

	mu struct {
		sync.Mutex
		queues []singleQueue
		index  swiss.Map[string, *Handle]
		usage  int64
		logger base.Logger
		// adjusting counts adjustments mid-apply. The apply step drops the
		// mutex around reader calls, so the count⇄queue invariant only holds
		// when this is zero.
		adjusting int
	}
}

// Metrics holds a snapshot of MultiQueue counters.
type Metrics struct {
	// Adjustments is the number of adjustments applied.
	Adjustments int64
	// AbortedLoads is the number of adjustments whose hot-side unit load
	// failed after the cold units were already given up.
	AbortedLoads int64
	// Usage is the combined memory charge of all resident units, in bytes.
	Usage int64
}

// New returns an empty MultiQueue.
func New(opts Options) *MultiQueue {
	if opts.MaxUnits <= 0 {
		opts.MaxUnits = filterblock.DefaultAllUnits
	}
	m := &MultiQueue{}
	m.adjustmentLatency = opts.AdjustmentLatency
	m.mu.queues = make([]singleQueue, opts.MaxUnits+1)
	for i := range m.mu.queues {
		m.mu.queues[i].init()
	}
	m.mu.index.Init(16)
	m.mu.logger = opts.Logger
	return m
}

// Insert registers a reader under the given cache key, homing it in the queue
// matching its resident unit count, and returns its handle. Insert waits for
// the reader's background init so the count is settled. The MultiQueue takes
// ownership of the reader: it is closed when the entry is erased.
func (m *MultiQueue) Insert(key []byte, reader *filterblock.Reader) *Handle {
	units := reader.FilterUnitsNumber()

	m.mu.Lock()
	defer m.mu.Unlock()
	h := &Handle{
		reader:  reader,
		key:     append([]byte(nil), key...),
		units:   units,
		inCache: true,
	}
	m.ensureQueuesLocked(reader.AllUnits())
	m.mu.queues[units].pushFront(h)
	m.mu.index.Put(string(h.key), h)
	m.mu.usage += int64(units) * int64(reader.OneUnitSize())
	return h
}

// Lookup returns the handle registered under key, or nil. The entry is not
// touched: recency and hotness move in UpdateHandle.
func (m *MultiQueue) Lookup(key []byte) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.mu.index.Get(string(key))
	if !ok {
		return nil
	}
	return h
}

// Value returns the reader held by a handle.
func (m *MultiQueue) Value(h *Handle) *filterblock.Reader {
	if h == nil {
		return nil
	}
	return h.reader
}

// UpdateHandle records an access to the handle at the sequence number carried
// by the internal key: the handle moves to the MRU end of its queue, the
// reader's hotness advances, and an adjustment is attempted.
func (m *MultiQueue) UpdateHandle(h *Handle, ikey []byte) {
	_, seqNum, _, ok := base.ParseInternalKey(ikey)

	m.mu.Lock()
	if h.inCache {
		m.mu.queues[h.units].moveToFront(h)
	}
	if ok {
		h.reader.UpdateState(seqNum)
		m.adjustmentLocked(h, seqNum)
	}
	m.mu.Unlock()
}

// KeyMayMatch is the per-lookup fast path: UpdateHandle followed by the
// reader's probe. A nil handle cannot rule anything out.
func (m *MultiQueue) KeyMayMatch(h *Handle, blockOffset uint64, ikey []byte) bool {
	if h == nil {
		return true
	}
	m.UpdateHandle(h, ikey)
	return h.reader.KeyMayMatch(blockOffset, ikey)
}

// Release drains all resident units of the handle's reader and re-homes it in
// queue 0, keeping the entry for a later reopen. Release is best-effort and
// never fails; a reader that cannot evict (corrupt or already empty) is
// simply re-homed at its actual count.
func (m *MultiQueue) Release(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !h.inCache {
		return
	}
	for h.reader.CanBeEvicted() {
		if err := h.reader.EvictFilter(); err != nil {
			break
		}
	}
	m.rehomeLocked(h)
}

// Erase removes the entry registered under key, destroying its reader. It is
// a no-op if no such entry exists.
func (m *MultiQueue) Erase(key []byte) {
	m.mu.Lock()
	h, ok := m.mu.index.Get(string(key))
	if !ok {
		m.mu.Unlock()
		return
	}
	m.mu.index.Delete(string(key))
	m.mu.queues[h.units].remove(h)
	m.mu.usage -= int64(h.units) * int64(h.reader.OneUnitSize())
	h.inCache = false
	m.mu.Unlock()

	// Closing waits for the reader's background init; do it outside the
	// global lock.
	_ = h.reader.Close()
}

// GoBackToInit drives the handle's reader back to its freshly opened state
// against a new file (table reopen) and re-homes it accordingly.
func (m *MultiQueue) GoBackToInit(h *Handle, file io.ReaderAt) error {
	err := h.reader.GoBackToInit(file)
	m.mu.Lock()
	if h.inCache {
		m.rehomeLocked(h)
	}
	m.mu.Unlock()
	return err
}

// TotalCharge returns the combined memory charge of all resident units.
func (m *MultiQueue) TotalCharge() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mu.usage
}

// Metrics returns a snapshot of the queue's counters.
func (m *MultiQueue) Metrics() Metrics {
	return Metrics{
		Adjustments:  m.adjustments.Load(),
		AbortedLoads: m.abortedLoads.Load(),
		Usage:        m.TotalCharge(),
	}
}

// SetLogger installs the sink for adjustment log lines.
func (m *MultiQueue) SetLogger(logger base.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mu.logger = logger
}

// Close erases every entry, closing all readers.
func (m *MultiQueue) Close() error {
	m.mu.Lock()
	var handles []*Handle
	for i := range m.mu.queues {
		q := &m.mu.queues[i]
		for !q.empty() {
			h := q.back()
			q.remove(h)
			h.inCache = false
			handles = append(handles, h)
		}
	}
	m.mu.index.Init(16)
	m.mu.usage = 0
	m.mu.Unlock()

	for _, h := range handles {
		_ = h.reader.Close()
	}
	return nil
}

// ensureQueuesLocked grows the queue array so index n is addressable.
func (m *MultiQueue) ensureQueuesLocked(n int) {
	for len(m.mu.queues) <= n {
		m.mu.queues = append(m.mu.queues, singleQueue{})
		m.mu.queues[len(m.mu.queues)-1].init()
	}
}

// rehomeLocked moves the handle into the queue matching its reader's actual
// resident count and settles the usage charge for the difference.
func (m *MultiQueue) rehomeLocked(h *Handle) {
	units := h.reader.FilterUnitsNumber()
	if units == h.units {
		return
	}
	m.mu.usage += int64(units-h.units) * int64(h.reader.OneUnitSize())
	m.mu.queues[h.units].remove(h)
	h.units = units
	m.ensureQueuesLocked(units)
	m.mu.queues[units].pushFront(h)
}

// adjustmentLocked decides whether shifting one unit of memory toward the
// freshly touched hot handle lowers the projected total I/O, and applies the
// shift if so. Called with the MultiQueue mutex held; the mutex is dropped
// around reader I/O during the apply step.
//
// The cost model: a reader with k resident units and access frequency f draws
// fpr^k * f unfiltered disk reads. Evicting a unit from a cold reader raises
// its projection a little (it is cold, f is stale and small) while loading a
// unit into the hot reader lowers its projection a lot. The adjustment is a
// local gradient step; strictly beneficial moves only.
func (m *MultiQueue) adjustmentLocked(hot *Handle, seqNum base.SeqNum) {
	if !hot.reader.CanBeLoaded() {
		return
	}

	budget := int64(hot.reader.OneUnitSize())
	var cold []*Handle
	for k := len(m.mu.queues) - 1; k >= 1 && budget > 0; k-- {
		budget, cold = m.mu.queues[k].findCold(budget, seqNum, cold)
	}
	if budget > 0 {
		// Not enough cold memory anywhere.
		return
	}

	start := crtime.NowMono()
	var original, adjusted float64
	for _, c := range cold {
		if !c.reader.CanBeEvicted() {
			// A victim changed under us between findCold and here; the
			// batch's arithmetic no longer holds.
			return
		}
		original += c.reader.IOs()
		adjusted += c.reader.EvictIOs()
	}
	original += hot.reader.IOs()
	adjusted += hot.reader.LoadIOs()
	if adjusted >= original {
		return
	}

	m.applyAdjustmentLocked(cold, hot, original, adjusted, start)
}

// applyAdjustmentLocked performs the unit moves decided by adjustmentLocked.
// The MultiQueue mutex is released around every reader call so the global
// lock is never held across reader I/O; each victim is re-validated after the
// mutex is reacquired. A hot-side load failure leaves the evictions in place:
// usage already tracks the new state and the system stays consistent, just
// less filtered.
func (m *MultiQueue) applyAdjustmentLocked(
	cold []*Handle, hot *Handle, original, adjusted float64, start crtime.Mono,
) {
	m.adjustments.Add(1)
	m.mu.adjusting++
	defer func() {
		m.mu.adjusting--
		if invariants.Enabled && m.mu.adjusting == 0 {
			m.checkInvariantsLocked()
		}
	}()

	for _, c := range cold {
		m.mu.Unlock()
		if c.reader.CanBeEvicted() {
			_ = c.reader.EvictFilter()
		}
		m.mu.Lock()
		if c.inCache {
			m.rehomeLocked(c)
		}
	}

	m.mu.Unlock()
	err := hot.reader.LoadFilter()
	m.mu.Lock()
	if err != nil {
		m.adjustments.Add(-1)
		m.abortedLoads.Add(1)
		if logger := m.mu.logger; logger != nil {
			logger.Infof("multiqueue: adjustment load failed for %s: %v",
				redact.Sprintf("%q", hot.key), err)
		}
		return
	}
	if hot.inCache {
		m.rehomeLocked(hot)
	}

	if m.adjustmentLatency != nil {
		m.adjustmentLatency.Observe(start.Elapsed().Seconds())
	}
	if logger := m.mu.logger; logger != nil {
		logger.Infof("multiqueue: adjusted %d cold unit(s) toward %s (projected IOs %.2f -> %.2f)",
			len(cold), redact.Sprintf("%q", hot.key), original, adjusted)
	}
}

// checkInvariantsLocked validates the cross-structure invariants: every
// handle lives in the queue matching its reader's resident count, and usage
// equals the summed charge.
func (m *MultiQueue) checkInvariantsLocked() {
	var usage int64
	for k := range m.mu.queues {
		q := &m.mu.queues[k]
		for h := q.root.next; h != &q.root; h = h.next {
			invariants.Assertf(h.units == k,
				"handle homed in queue %d carries units=%d", k, h.units)
			invariants.Assertf(h.reader.FilterUnitsNumber() == k,
				"handle homed in queue %d has %d resident units", k, h.reader.FilterUnitsNumber())
			usage += int64(k) * int64(h.reader.OneUnitSize())
		}
	}
	invariants.Assertf(usage == m.mu.usage, "usage %d != recomputed %d", m.mu.usage, usage)
}
