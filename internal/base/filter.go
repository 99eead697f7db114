// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

// FilterPolicy is an algorithm for probabilistically encoding a set of keys.
// The canonical implementation is a Bloom filter.
//
// A policy produces several independent filter units over the same key set,
// distinguished by a unit index. Every unit built from the same keys has the
// same byte length, and each unit places bits independently of the others, so
// testing a key against k units multiplies their false-positive rates.
//
// Implementations must be safe for concurrent use.
type FilterPolicy interface {
	// Name names the filter policy. The name is written to disk alongside the
	// filter metadata, and a filter created under one name must not be
	// interpreted by a policy with a different name.
	Name() string

	// FalsePositiveRate returns the expected false-positive rate of a single
	// filter unit. The adjustment cost model assumes this is constant for the
	// lifetime of the policy.
	FalsePositiveRate() float64

	// AppendFilter appends a filter unit summarizing keys to dst, returning
	// the extended buffer. The unit index perturbs the hash placements so
	// distinct units are statistically independent. Units built over the same
	// keys must have equal lengths regardless of unit index.
	AppendFilter(keys [][]byte, dst []byte, unit int) []byte

	// MayContain returns whether the filter unit (built with the same unit
	// index) may contain key. False means the key is definitely absent.
	MayContain(key, filter []byte, unit int) bool
}

type internalFilterPolicy struct {
	userPolicy FilterPolicy
}

// NewInternalFilterPolicy wraps a user-key policy so that it can be applied
// to internal keys: the 8-byte trailer is stripped before keys are added to
// or tested against a filter. Keys too short to carry a trailer pass through
// unchanged.
func NewInternalFilterPolicy(p FilterPolicy) FilterPolicy {
	return internalFilterPolicy{userPolicy: p}
}

func (p internalFilterPolicy) Name() string { return p.userPolicy.Name() }

func (p internalFilterPolicy) FalsePositiveRate() float64 {
	return p.userPolicy.FalsePositiveRate()
}

func (p internalFilterPolicy) AppendFilter(keys [][]byte, dst []byte, unit int) []byte {
	userKeys := make([][]byte, len(keys))
	for i, k := range keys {
		if uk, _, _, ok := ParseInternalKey(k); ok {
			userKeys[i] = uk
		} else {
			userKeys[i] = k
		}
	}
	return p.userPolicy.AppendFilter(userKeys, dst, unit)
}

func (p internalFilterPolicy) MayContain(key, filter []byte, unit int) bool {
	if uk, _, _, ok := ParseInternalKey(key); ok {
		key = uk
	}
	return p.userPolicy.MayContain(key, filter, unit)
}
