// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package filterblock

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/elasticbf/internal/base"
	"github.com/cockroachdb/elasticbf/internal/crc"
	"github.com/cockroachdb/errors"
)

// ChecksumType specifies the checksum used for persisted filter units.
type ChecksumType byte

// The available checksum types. These values are part of the durable format
// and should not be changed.
const (
	ChecksumTypeNone     ChecksumType = 0
	ChecksumTypeCRC32c   ChecksumType = 1
	ChecksumTypeXXHash   ChecksumType = 2
	ChecksumTypeXXHash64 ChecksumType = 3
)

// String implements fmt.Stringer.
func (t ChecksumType) String() string {
	switch t {
	case ChecksumTypeCRC32c:
		return "crc32c"
	case ChecksumTypeNone:
		return "none"
	case ChecksumTypeXXHash:
		return "xxhash"
	case ChecksumTypeXXHash64:
		return "xxhash64"
	default:
		panic(errors.Newf("filterblock: unknown checksum type: %d", t))
	}
}

// Each persisted filter unit is followed by a trailer holding the unit type
// and a checksum covering the unit contents and the type byte.
const (
	unitTrailerLen = 5

	// unitTypeRaw marks an uncompressed unit. The value matches the LevelDB
	// block-type convention (kNoCompression); the layout reserves other
	// values, but the fixed unit stride requires units to be stored raw, so
	// any other value is treated as corruption.
	unitTypeRaw byte = 0
)

// A Checksummer calculates checksums for filter units.
type Checksummer struct {
	Type        ChecksumType
	xxHasher    *xxhash.Digest
	unitTypeBuf [1]byte
}

// Checksum computes a checksum over the provided unit and unit type.
func (c *Checksummer) Checksum(unit []byte, unitType byte) (checksum uint32) {
	c.unitTypeBuf[0] = unitType
	switch c.Type {
	case ChecksumTypeCRC32c:
		checksum = crc.New(unit).Update(c.unitTypeBuf[:]).Value()
	case ChecksumTypeXXHash64:
		if c.xxHasher == nil {
			c.xxHasher = xxhash.New()
		} else {
			c.xxHasher.Reset()
		}
		c.xxHasher.Write(unit)
		c.xxHasher.Write(c.unitTypeBuf[:])
		checksum = uint32(c.xxHasher.Sum64())
	default:
		panic(errors.Newf("filterblock: unsupported checksum type: %d", c.Type))
	}
	return checksum
}

// AppendTrailer appends the unit trailer (type byte plus checksum) for the
// given unit to dst, returning the extended buffer.
func (c *Checksummer) AppendTrailer(dst, unit []byte) []byte {
	checksum := c.Checksum(unit, unitTypeRaw)
	dst = append(dst, unitTypeRaw)
	return binary.LittleEndian.AppendUint32(dst, checksum)
}

// validateUnit verifies the trailer of a unit read from disk. b holds the
// unit contents followed by the trailer. It returns the unit contents on
// success.
func validateUnit(checksumType ChecksumType, b []byte) ([]byte, error) {
	n := len(b) - unitTrailerLen
	expectedChecksum := binary.LittleEndian.Uint32(b[n+1:])
	var computedChecksum uint32
	switch checksumType {
	case ChecksumTypeCRC32c:
		computedChecksum = crc.New(b[:n+1]).Value()
	case ChecksumTypeXXHash64:
		computedChecksum = uint32(xxhash.Sum64(b[:n+1]))
	default:
		return nil, errors.Errorf("filterblock: unsupported checksum type: %d", checksumType)
	}
	if expectedChecksum != computedChecksum {
		return nil, base.CorruptionErrorf(
			"filterblock: %s checksum mismatch %x != %x",
			errors.Safe(checksumType), expectedChecksum, computedChecksum)
	}
	if typ := b[n]; typ != unitTypeRaw {
		return nil, base.CorruptionErrorf("filterblock: unknown unit type %d", typ)
	}
	return b[:n:n], nil
}
