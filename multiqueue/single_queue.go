// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package multiqueue

import (
	"github.com/cockroachdb/elasticbf/filterblock"
	"github.com/cockroachdb/elasticbf/internal/base"
)

// Handle is an entry of the MultiQueue: one filter reader, its cache key, and
// its links in the single queue currently homing it. Handles are owned by the
// MultiQueue; callers hold them only as opaque references.
type Handle struct {
	reader *filterblock.Reader
	key    []byte

	// units is the index of the queue homing this handle. It mirrors the
	// reader's resident unit count whenever the MultiQueue mutex is not held
	// and no adjustment is mid-apply.
	units int
	// inCache is false once the handle has been erased; a concurrent
	// adjustment that kept a pointer across an unlock must not touch it.
	inCache bool

	prev, next *Handle
}

// Key returns the cache key the handle was inserted under.
func (h *Handle) Key() []byte { return h.key }

// singleQueue is a doubly-linked circular list of handles that share a
// resident unit count, with an embedded root sentinel. The code is derived
// from the stdlib container/list but customized to Handle in order to avoid a
// separate allocation for every element. The node adjacent to root on the
// next side is the most recently used; root.prev is the least recently used.
type singleQueue struct {
	root Handle
}

func (q *singleQueue) init() {
	q.root.next = &q.root
	q.root.prev = &q.root
}

func (q *singleQueue) empty() bool {
	return q.root.next == &q.root
}

func (q *singleQueue) back() *Handle {
	return q.root.prev
}

func (q *singleQueue) insertAfter(h, at *Handle) {
	n := at.next
	at.next = h
	h.prev = at
	h.next = n
	n.prev = h
}

func (q *singleQueue) remove(h *Handle) *Handle {
	if h == &q.root {
		panic("multiqueue: cannot remove root list node")
	}
	h.prev.next = h.next
	h.next.prev = h.prev
	h.next = nil // avoid memory leaks
	h.prev = nil // avoid memory leaks
	return h
}

func (q *singleQueue) pushFront(h *Handle) {
	q.insertAfter(h, &q.root)
}

func (q *singleQueue) moveToFront(h *Handle) {
	if q.root.next == h {
		return
	}
	q.insertAfter(q.remove(h), &q.root)
}

// findCold walks from the LRU end toward the MRU end collecting handles whose
// readers are cold and have a unit to give up, charging one unit size against
// budget per victim. It stops as soon as the budget is covered or the list is
// exhausted, returning the remaining budget and the extended victim slice.
func (q *singleQueue) findCold(
	budget int64, nowSeqNum base.SeqNum, out []*Handle,
) (int64, []*Handle) {
	for h := q.root.prev; h != &q.root && budget > 0; h = h.prev {
		if h.reader.IsCold(nowSeqNum) && h.reader.CanBeEvicted() {
			budget -= int64(h.reader.OneUnitSize())
			out = append(out, h)
		}
	}
	return budget, out
}
