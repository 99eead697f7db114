// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/redact"
)

// SeqNum is a sequence number defining precedence among identical keys. A key
// with a higher sequence number takes precedence over a key with an equal user
// key of a lower sequence number.
type SeqNum uint64

// String implements fmt.Stringer.
func (s SeqNum) String() string {
	return fmt.Sprintf("%d", uint64(s))
}

// SafeFormat implements redact.SafeFormatter.
func (s SeqNum) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%d", redact.SafeUint(s))
}

// InternalKeyKind enumerates the kind of key: a deletion tombstone, a set
// value, a merged value, etc.
type InternalKeyKind uint8

// Internal key kinds referenced by this package. The values match the on-disk
// trailer encoding and must not be changed.
const (
	InternalKeyKindDelete InternalKeyKind = 0
	InternalKeyKindSet    InternalKeyKind = 1
	InternalKeyKindMax    InternalKeyKind = 1
)

// InternalKeyTrailer encodes a SeqNum and an InternalKeyKind.
type InternalKeyTrailer uint64

// MakeTrailer constructs an internal key trailer from the specified sequence
// number and kind.
func MakeTrailer(seqNum SeqNum, kind InternalKeyKind) InternalKeyTrailer {
	return (InternalKeyTrailer(seqNum) << 8) | InternalKeyTrailer(kind)
}

// SeqNum returns the sequence number component of the trailer.
func (t InternalKeyTrailer) SeqNum() SeqNum {
	return SeqNum(t >> 8)
}

// Kind returns the key kind component of the trailer.
func (t InternalKeyTrailer) Kind() InternalKeyKind {
	return InternalKeyKind(t & 0xff)
}

// InternalKeyTrailerLen is the number of bytes the encoded trailer occupies at
// the end of an internal key.
const InternalKeyTrailerLen = 8

// AppendInternalKey appends the encoding of the internal key (userKey,
// seqNum, kind) to dst, returning the extended buffer.
func AppendInternalKey(dst, userKey []byte, seqNum SeqNum, kind InternalKeyKind) []byte {
	dst = append(dst, userKey...)
	return binary.LittleEndian.AppendUint64(dst, uint64(MakeTrailer(seqNum, kind)))
}

// ParseInternalKey splits an encoded internal key into its user key and
// trailer components. ok is false if the key is too short to hold a trailer
// or the kind is unknown, in which case the key should be treated as a bare
// user key.
func ParseInternalKey(key []byte) (userKey []byte, seqNum SeqNum, kind InternalKeyKind, ok bool) {
	if len(key) < InternalKeyTrailerLen {
		return nil, 0, 0, false
	}
	t := InternalKeyTrailer(binary.LittleEndian.Uint64(key[len(key)-InternalKeyTrailerLen:]))
	if t.Kind() > InternalKeyKindMax {
		return nil, 0, 0, false
	}
	return key[:len(key)-InternalKeyTrailerLen], t.SeqNum(), t.Kind(), true
}
