// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package filtertest provides test doubles for exercising filter blocks: an
// in-memory file, a raw-unit persister, and a deterministic hash "filter"
// policy whose unit contents are trivially predictable.
package filtertest

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/elasticbf/filterblock"
	"github.com/cockroachdb/elasticbf/internal/base"
)

// MemFile is an in-memory file. The zero value is an empty file.
type MemFile struct {
	buf []byte
}

var _ io.ReaderAt = (*MemFile)(nil)

// ReadAt implements io.ReaderAt.
func (f *MemFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(f.buf)) {
		return 0, io.EOF
	}
	n := copy(p, f.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Bytes returns the file contents.
func (f *MemFile) Bytes() []byte { return f.buf }

// Corrupt flips one bit at the given offset.
func (f *MemFile) Corrupt(off int64) {
	f.buf[off] ^= 0x80
}

// WriteRawFilters appends each filter unit followed by its checksum trailer,
// returning the handle describing where the units live. All units must have
// equal lengths.
func WriteRawFilters(
	f *MemFile, units [][]byte, checksumType filterblock.ChecksumType,
) filterblock.Handle {
	handle := filterblock.Handle{
		Offset: uint64(len(f.buf)),
	}
	if len(units) > 0 {
		handle.Size = uint64(len(units[0]))
	}
	c := filterblock.Checksummer{Type: checksumType}
	for _, unit := range units {
		f.buf = append(f.buf, unit...)
		f.buf = c.AppendTrailer(f.buf, unit)
	}
	return handle
}

// HashPolicy is a base.FilterPolicy for tests: each unit stores one 4-byte
// hash per key, seeded by the unit index. A probe matches if any stored hash
// equals the probe key's hash. No false negatives, easily forced positives.
type HashPolicy struct {
	// FPR is returned from FalsePositiveRate; 0 means 0.1.
	FPR float64
}

var _ base.FilterPolicy = HashPolicy{}

// Name implements base.FilterPolicy.
func (HashPolicy) Name() string { return "filtertest.HashPolicy" }

// FalsePositiveRate implements base.FilterPolicy.
func (p HashPolicy) FalsePositiveRate() float64 {
	if p.FPR == 0 {
		return 0.1
	}
	return p.FPR
}

// AppendFilter implements base.FilterPolicy.
func (HashPolicy) AppendFilter(keys [][]byte, dst []byte, unit int) []byte {
	for _, k := range keys {
		dst = binary.LittleEndian.AppendUint32(dst, Hash(k, uint32(unit)))
	}
	return dst
}

// MayContain implements base.FilterPolicy.
func (HashPolicy) MayContain(key, filter []byte, unit int) bool {
	h := Hash(key, uint32(unit))
	for i := 0; i+4 <= len(filter); i += 4 {
		if h == binary.LittleEndian.Uint32(filter[i:]) {
			return true
		}
	}
	return false
}

// Hash is a seeded hash similar to the Murmur hash; the seed distinguishes
// filter units.
func Hash(b []byte, seed uint32) uint32 {
	const m = 0xc6a4a793
	h := seed ^ (uint32(len(b)) * m)
	for ; len(b) >= 4; b = b[4:] {
		h += binary.LittleEndian.Uint32(b)
		h *= m
		h ^= h >> 16
	}
	switch len(b) {
	case 3:
		h += uint32(int8(b[2])) << 16
		fallthrough
	case 2:
		h += uint32(int8(b[1])) << 8
		fallthrough
	case 1:
		h += uint32(int8(b[0]))
		h *= m
		h ^= h >> 24
	}
	return h
}
