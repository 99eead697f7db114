// Copyright 2013 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package bloom implements multi-unit Bloom filters.
//
// A filter unit is an ordinary Bloom filter bitmap over a set of keys. Units
// are distinguished by a unit index which perturbs the hash seed, so the
// false-positive events of distinct units over the same keys are independent:
// testing a key against k resident units yields a combined false-positive
// rate of fpr^k.
package bloom

import (
	"fmt"
	"math"

	"github.com/cockroachdb/elasticbf/internal/base"
)

const (
	// hashSeed is the base seed of the unit-0 hash. The value is written into
	// .sst files indirectly (via the bit placements of every persisted
	// filter) and must not be changed.
	hashSeed = 0xbc9f1d34
	// unitSeedDelta separates the hash seeds of adjacent units. An odd
	// constant with high bit entropy so that unit seeds do not collide.
	unitSeedDelta = 0x9e3779b9
)

// hash implements a hashing algorithm similar to the Murmur hash. The seed
// selects the filter unit; every unit hashes the same key to an unrelated
// value.
func hash(b []byte, seed uint32) uint32 {
	const m = 0xc6a4a793
	h := seed ^ (uint32(len(b)) * m)
	for ; len(b) >= 4; b = b[4:] {
		h += uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
		h *= m
		h ^= h >> 16
	}

	// The code below first casts each byte to a signed 8-bit integer. This is
	// necessary to match the behavior of the C++ code, which left the
	// signedness of char up to the compiler. See the corresponding comment in
	// the original LevelDB-derived hash for the details.
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

func unitSeed(unit int) uint32 {
	return hashSeed + uint32(unit)*unitSeedDelta
}

// FilterPolicy returns a base.FilterPolicy that creates Bloom filter units
// with the given number of bits per key (approximately). A good value is 10,
// which yields a per-unit filter with ~1% false positive rate.
func FilterPolicy(bitsPerKey int) base.FilterPolicy {
	if bitsPerKey < 1 {
		panic(fmt.Sprintf("bloom: invalid bitsPerKey %d", bitsPerKey))
	}
	return filterPolicyImpl{bitsPerKey: bitsPerKey, numProbes: calculateProbes(bitsPerKey)}
}

// calculateProbes returns the number of probes for the given bits-per-key,
// rounding down ln(2)*bitsPerKey to intentionally reduce probing cost a
// little.
func calculateProbes(bitsPerKey int) int {
	k := int(float64(bitsPerKey) * 0.69)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return k
}

type filterPolicyImpl struct {
	bitsPerKey int
	numProbes  int
}

var _ base.FilterPolicy = filterPolicyImpl{}

// Family name for the default bloom filter. This string looks arbitrary, but
// its value is written to .sst files and should be this exact value to be
// compatible with those files and with the C++ LevelDB code.
const familyName = "leveldb.BuiltinBloomFilter"

// Name is part of the base.FilterPolicy interface.
func (p filterPolicyImpl) Name() string {
	if p.bitsPerKey == 10 {
		return familyName
	}
	return fmt.Sprintf("bloom(%d)", p.bitsPerKey)
}

// FalsePositiveRate is part of the base.FilterPolicy interface. The value is
// the standard approximation fpr ≈ 0.6185^bitsPerKey for a Bloom filter with
// the optimal number of probes.
func (p filterPolicyImpl) FalsePositiveRate() float64 {
	return math.Pow(0.6185, float64(p.bitsPerKey))
}

// AppendFilter is part of the base.FilterPolicy interface. The appended unit
// has the same length for every unit index: a bitmap of
// max(64, numKeys*bitsPerKey) bits rounded up to a whole byte, followed by a
// byte holding the probe count.
func (p filterPolicyImpl) AppendFilter(keys [][]byte, dst []byte, unit int) []byte {
	bits := len(keys) * p.bitsPerKey
	// For small numbers of keys, we can see a very high false positive rate.
	// Fix it by enforcing a minimum bloom filter length.
	if bits < 64 {
		bits = 64
	}
	nBytes := (bits + 7) / 8
	bits = nBytes * 8

	offset := len(dst)
	dst = append(dst, make([]byte, nBytes+1)...)
	dst[len(dst)-1] = byte(p.numProbes)

	filter := dst[offset : offset+nBytes]
	seed := unitSeed(unit)
	for _, key := range keys {
		h := hash(key, seed)
		delta := h>>17 | h<<15
		for j := 0; j < p.numProbes; j++ {
			bitPos := h % uint32(bits)
			filter[bitPos/8] |= 1 << (bitPos % 8)
			h += delta
		}
	}
	return dst
}

// MayContain is part of the base.FilterPolicy interface.
func (p filterPolicyImpl) MayContain(key, filter []byte, unit int) bool {
	if len(filter) < 2 {
		return false
	}
	bits := uint32(len(filter)-1) * 8

	// Use the probe count encoded in the filter rather than the policy's own,
	// so filters written by a policy configured differently remain readable.
	k := filter[len(filter)-1]
	if k > 30 {
		// Reserved for potentially new encodings. Consider it a match.
		return true
	}

	h := hash(key, unitSeed(unit))
	delta := h>>17 | h<<15
	for j := byte(0); j < k; j++ {
		bitPos := h % bits
		if filter[bitPos/8]&(1<<(bitPos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}

// PolicyFromName returns the FilterPolicy corresponding to the given name
// (i.e. for which FilterPolicy.Name() == name), or false if the string is not
// recognized as a bloom filter policy.
func PolicyFromName(name string) (_ base.FilterPolicy, ok bool) {
	if name == familyName {
		return FilterPolicy(10), true
	}
	var bitsPerKey int
	if n, err := fmt.Sscanf(name, "bloom(%d)", &bitsPerKey); err == nil && n == 1 && bitsPerKey >= 1 {
		return FilterPolicy(bitsPerKey), true
	}
	return nil, false
}
