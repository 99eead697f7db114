// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package table is the surface the table-reader layer uses to consult filter
// blocks. On open it constructs a filter reader and registers it with the
// MultiQueue; on a point lookup it asks KeyMayMatch before touching the data
// block; on drop it erases the registration. With a nil MultiQueue the reader
// lives inline on the handle with identical probe semantics, just without
// queue membership or adjustment.
package table

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/elasticbf/filterblock"
	"github.com/cockroachdb/elasticbf/internal/base"
	"github.com/cockroachdb/elasticbf/multiqueue"
)

// FileNum identifies an on-disk table. It tags the cache key so two tables
// sharing a filter policy do not collide.
type FileNum uint64

const cacheKeyPrefix = "filter."

// CacheKey returns the MultiQueue key for the filter block of the given
// table: the meta-index key of the filter block plus the table number. The
// same construction keys the filter header in the table's meta index (minus
// the number suffix).
func CacheKey(policyName string, fileNum FileNum) []byte {
	key := make([]byte, 0, len(cacheKeyPrefix)+len(policyName)+8)
	key = append(key, cacheKeyPrefix...)
	key = append(key, policyName...)
	return binary.LittleEndian.AppendUint64(key, uint64(fileNum))
}

// FilterCache hands out filter handles for open tables.
type FilterCache struct {
	policy     base.FilterPolicy
	mq         *multiqueue.MultiQueue
	readerOpts filterblock.ReaderOptions
}

// NewFilterCache wraps userPolicy for internal keys and serves handles backed
// by mq. A nil mq disables the MultiQueue: readers are owned by their handles
// and no adjustment runs.
func NewFilterCache(
	userPolicy base.FilterPolicy, mq *multiqueue.MultiQueue, readerOpts filterblock.ReaderOptions,
) *FilterCache {
	return &FilterCache{
		policy:     base.NewInternalFilterPolicy(userPolicy),
		mq:         mq,
		readerOpts: readerOpts,
	}
}

// FilterHandle ties one open table to its filter reader.
type FilterHandle struct {
	cache  *FilterCache
	key    []byte
	queued *multiqueue.Handle
	inline *filterblock.Reader
}

// Open returns the filter handle for a table, given the header bytes read
// from the table's meta index and the table's file. If the table was opened
// before and its entry survived (Release without Drop), the existing reader
// is driven back to its initial state against the new file.
func (c *FilterCache) Open(
	fileNum FileNum, header []byte, file io.ReaderAt,
) (*FilterHandle, error) {
	if c.mq == nil {
		r, err := filterblock.NewReader(c.policy, header, file, c.readerOpts)
		if err != nil {
			return nil, err
		}
		return &FilterHandle{cache: c, inline: r}, nil
	}

	key := CacheKey(c.policy.Name(), fileNum)
	if h := c.mq.Lookup(key); h != nil {
		if err := c.mq.GoBackToInit(h, file); err != nil {
			return nil, err
		}
		return &FilterHandle{cache: c, key: key, queued: h}, nil
	}
	r, err := filterblock.NewReader(c.policy, header, file, c.readerOpts)
	if err != nil {
		return nil, err
	}
	return &FilterHandle{cache: c, key: key, queued: c.mq.Insert(key, r)}, nil
}

// KeyMayMatch returns whether the data block at blockOffset may contain the
// internal key. A nil handle (table without a filter block) cannot rule
// anything out.
func (h *FilterHandle) KeyMayMatch(blockOffset uint64, ikey []byte) bool {
	if h == nil {
		return true
	}
	if h.queued != nil {
		return h.cache.mq.KeyMayMatch(h.queued, blockOffset, ikey)
	}
	if _, seqNum, _, ok := base.ParseInternalKey(ikey); ok {
		h.inline.UpdateState(seqNum)
	}
	return h.inline.KeyMayMatch(blockOffset, ikey)
}

// Reader returns the underlying filter reader.
func (h *FilterHandle) Reader() *filterblock.Reader {
	if h == nil {
		return nil
	}
	if h.queued != nil {
		return h.cache.mq.Value(h.queued)
	}
	return h.inline
}

// Release gives up the reader's memory but keeps the registration so a later
// Open of the same table can reuse it. Never fails.
func (h *FilterHandle) Release() {
	if h == nil {
		return
	}
	if h.queued != nil {
		h.cache.mq.Release(h.queued)
		return
	}
	for {
		if err := h.inline.EvictFilter(); err != nil {
			return
		}
	}
}

// Drop erases the table's registration and destroys the reader. Called when
// the table is deleted or compacted away.
func (h *FilterHandle) Drop() {
	if h == nil {
		return
	}
	if h.queued != nil {
		h.cache.mq.Erase(h.key)
		return
	}
	_ = h.inline.Close()
}
