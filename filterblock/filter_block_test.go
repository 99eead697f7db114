// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package filterblock_test

import (
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/elasticbf/filterblock"
	"github.com/cockroachdb/elasticbf/internal/base"
	"github.com/cockroachdb/elasticbf/internal/filtertest"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// The tests pin the header layout of the original filter-block format with
// the test-build unit counts: one unit resident at open, four persisted.
const (
	testAllUnits  = 4
	testInitUnits = 1
)

func buildReader(
	t *testing.T, policy base.FilterPolicy, build func(b *filterblock.Builder),
) (*filterblock.Reader, *filtertest.MemFile, filterblock.Handle) {
	b := filterblock.NewBuilder(policy, testAllUnits, testInitUnits)
	build(b)
	f := &filtertest.MemFile{}
	handle := filtertest.WriteRawFilters(f, b.Filters(), filterblock.ChecksumTypeCRC32c)
	block := b.Finish(handle)
	r, err := filterblock.NewReader(policy, block, f, filterblock.ReaderOptions{})
	require.NoError(t, err)
	return r, f, handle
}

func TestEmptyBuilder(t *testing.T) {
	policy := filtertest.HashPolicy{}
	b := filterblock.NewBuilder(policy, testAllUnits, testInitUnits)
	f := &filtertest.MemFile{}
	handle := filtertest.WriteRawFilters(f, b.Filters(), filterblock.ChecksumTypeCRC32c)
	block := b.Finish(handle)

	require.Equal(t, []byte{
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // disk offset
		0x00, 0x00, 0x00, 0x00, // unit size
		0x01, 0x00, 0x00, 0x00, // init units
		0x04, 0x00, 0x00, 0x00, // all units
		0x0b, // base lg
	}, block)

	r, err := filterblock.NewReader(policy, block, f, filterblock.ReaderOptions{})
	require.NoError(t, err)
	require.True(t, r.KeyMayMatch(0, []byte("foo")))
	require.True(t, r.KeyMayMatch(100000, []byte("foo")))
}

func TestSingleChunk(t *testing.T) {
	policy := filtertest.HashPolicy{}
	b := filterblock.NewBuilder(policy, testAllUnits, testInitUnits)
	b.StartBlock(100)
	b.AddKey([]byte("foo"))
	b.AddKey([]byte("bar"))
	b.AddKey([]byte("box"))
	b.StartBlock(200)
	b.AddKey([]byte("box"))
	b.StartBlock(300)
	b.AddKey([]byte("hello"))

	f := &filtertest.MemFile{}
	handle := filtertest.WriteRawFilters(f, b.Filters(), filterblock.ChecksumTypeCRC32c)
	block := b.Finish(handle)

	require.Equal(t, []byte{
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // disk offset
		0x14, 0x00, 0x00, 0x00, // unit size: 5 keys, 4 bytes each
		0x01, 0x00, 0x00, 0x00, // init units
		0x04, 0x00, 0x00, 0x00, // all units
		0x0b, // base lg
	}, block[len(block)-21:])

	r, err := filterblock.NewReader(policy, block, f, filterblock.ReaderOptions{})
	require.NoError(t, err)

	require.True(t, r.KeyMayMatch(100, []byte("foo")))
	require.True(t, r.KeyMayMatch(100, []byte("bar")))
	require.True(t, r.KeyMayMatch(100, []byte("box")))
	require.True(t, r.KeyMayMatch(100, []byte("hello")))
	require.True(t, r.KeyMayMatch(100, []byte("foo")))
	require.False(t, r.KeyMayMatch(100, []byte("missing")))
	require.False(t, r.KeyMayMatch(100, []byte("other")))
}

func multiChunkBuild(b *filterblock.Builder) {
	// First filter.
	b.StartBlock(0)
	b.AddKey([]byte("foo"))
	b.StartBlock(2000)
	b.AddKey([]byte("bar"))

	// Second filter.
	b.StartBlock(3100)
	b.AddKey([]byte("box"))

	// Third filter is empty.

	// Last filter.
	b.StartBlock(9000)
	b.AddKey([]byte("box"))
	b.AddKey([]byte("hello"))
}

func TestMultiChunk(t *testing.T) {
	r, _, _ := buildReader(t, filtertest.HashPolicy{}, multiChunkBuild)

	// Check first filter.
	require.True(t, r.KeyMayMatch(0, []byte("foo")))
	require.True(t, r.KeyMayMatch(2000, []byte("bar")))
	require.False(t, r.KeyMayMatch(0, []byte("box")))
	require.False(t, r.KeyMayMatch(0, []byte("hello")))

	// Check second filter.
	require.True(t, r.KeyMayMatch(3100, []byte("box")))
	require.False(t, r.KeyMayMatch(3100, []byte("foo")))
	require.False(t, r.KeyMayMatch(3100, []byte("bar")))
	require.False(t, r.KeyMayMatch(3100, []byte("hello")))

	// Check third filter (empty).
	require.False(t, r.KeyMayMatch(4100, []byte("foo")))
	require.False(t, r.KeyMayMatch(4100, []byte("bar")))
	require.False(t, r.KeyMayMatch(4100, []byte("box")))
	require.False(t, r.KeyMayMatch(4100, []byte("hello")))

	// Check last filter.
	require.True(t, r.KeyMayMatch(9000, []byte("box")))
	require.True(t, r.KeyMayMatch(9000, []byte("hello")))
	require.False(t, r.KeyMayMatch(9000, []byte("foo")))
	require.False(t, r.KeyMayMatch(9000, []byte("bar")))
}

func TestLoadAndEvict(t *testing.T) {
	r, _, _ := buildReader(t, filtertest.HashPolicy{}, multiChunkBuild)

	require.Equal(t, 1, r.FilterUnitsNumber())
	require.NoError(t, r.EvictFilter())
	require.Equal(t, 0, r.FilterUnitsNumber())
	err := r.EvictFilter()
	require.True(t, errors.Is(err, base.ErrInvalidState))

	for i := 1; i <= testAllUnits; i++ {
		require.NoError(t, r.LoadFilter())
		require.Equal(t, i, r.FilterUnitsNumber())
	}
	err = r.LoadFilter()
	require.True(t, errors.Is(err, base.ErrInvalidState))
}

// TestLoadEvictRoundTrip verifies that paging units out and back in leaves
// the probe results and the memory charge unchanged.
func TestLoadEvictRoundTrip(t *testing.T) {
	r, _, _ := buildReader(t, filtertest.HashPolicy{}, multiChunkBuild)

	require.NoError(t, r.LoadFilter())
	require.NoError(t, r.LoadFilter())
	size := r.Size()

	require.NoError(t, r.EvictFilter())
	require.NoError(t, r.EvictFilter())
	require.NoError(t, r.LoadFilter())
	require.NoError(t, r.LoadFilter())

	require.Equal(t, size, r.Size())
	require.True(t, r.KeyMayMatch(0, []byte("foo")))
	require.True(t, r.KeyMayMatch(9000, []byte("hello")))
	require.False(t, r.KeyMayMatch(0, []byte("box")))
}

func TestHotness(t *testing.T) {
	policy := base.NewInternalFilterPolicy(filtertest.HashPolicy{})
	r, _, _ := buildReader(t, policy, func(b *filterblock.Builder) {
		b.StartBlock(0)
		b.AddKey(base.AppendInternalKey(nil, []byte("foo"), 1, base.InternalKeyKindSet))
	})

	var ikey []byte
	for sn := base.SeqNum(1); sn < 30000; sn++ {
		ikey = base.AppendInternalKey(ikey[:0], []byte("foo"), sn, base.InternalKeyKindSet)
		require.True(t, r.KeyMayMatch(0, ikey))
		require.Equal(t, uint64(sn), r.AccessTime())

		// The reader goes cold exactly LifeTime ticks after its last access.
		require.False(t, r.IsCold(sn+filterblock.LifeTime-1))
		require.True(t, r.IsCold(sn+filterblock.LifeTime))
	}
}

func TestSize(t *testing.T) {
	r, _, handle := buildReader(t, filtertest.HashPolicy{}, func(b *filterblock.Builder) {
		b.StartBlock(100)
		b.AddKey([]byte("foo"))
		b.AddKey([]byte("bar"))
		b.AddKey([]byte("box"))
		b.StartBlock(200)
		b.AddKey([]byte("box"))
		b.StartBlock(300)
		b.AddKey([]byte("hello"))
	})

	// Evict all filter units.
	for r.CanBeEvicted() {
		require.NoError(t, r.EvictFilter())
	}
	require.Equal(t, 0, r.FilterUnitsNumber())
	require.Equal(t, uint64(0), r.Size())

	// Load the units back one by one, checking the memory charge.
	for i := 1; r.CanBeLoaded(); i++ {
		require.NoError(t, r.LoadFilter())
		require.Equal(t, i, r.FilterUnitsNumber())
		require.Equal(t, handle.Size*uint64(i), r.Size())
	}
}

func TestLoadCorruptUnit(t *testing.T) {
	r, f, handle := buildReader(t, filtertest.HashPolicy{}, multiChunkBuild)
	require.Equal(t, 1, r.FilterUnitsNumber())

	// Flip a bit inside the second persisted unit; the first load past the
	// initial unit must fail and leave the resident set unchanged.
	f.Corrupt(int64(handle.Size) + 5 + 1)
	err := r.LoadFilter()
	require.True(t, errors.Is(err, base.ErrCorruption))
	require.Equal(t, 1, r.FilterUnitsNumber())
}

func TestCorruptInit(t *testing.T) {
	policy := filtertest.HashPolicy{}
	b := filterblock.NewBuilder(policy, testAllUnits, testInitUnits)
	multiChunkBuild(b)
	f := &filtertest.MemFile{}
	handle := filtertest.WriteRawFilters(f, b.Filters(), filterblock.ChecksumTypeCRC32c)
	block := b.Finish(handle)

	// Corrupt the first unit before the reader's background init reads it.
	f.Corrupt(1)
	r, err := filterblock.NewReader(policy, block, f, filterblock.ReaderOptions{})
	require.NoError(t, err)

	// A corrupt reader answers conservatively and refuses paging.
	require.True(t, r.KeyMayMatch(0, []byte("foo")))
	require.True(t, r.KeyMayMatch(0, []byte("not-there")))
	require.False(t, r.CanBeLoaded())
	require.False(t, r.CanBeEvicted())
	require.Equal(t, 0, r.FilterUnitsNumber())
	require.True(t, errors.Is(r.LoadFilter(), base.ErrCorruption))
}

func TestShortHeader(t *testing.T) {
	_, err := filterblock.NewReader(
		filtertest.HashPolicy{}, []byte("tiny"), &filtertest.MemFile{}, filterblock.ReaderOptions{})
	require.True(t, errors.Is(err, base.ErrCorruption))
}

func TestGoBackToInit(t *testing.T) {
	r, f, _ := buildReader(t, filtertest.HashPolicy{}, multiChunkBuild)
	require.NoError(t, r.LoadFilter())
	require.NoError(t, r.LoadFilter())
	require.Equal(t, 3, r.FilterUnitsNumber())

	require.NoError(t, r.GoBackToInit(f))
	require.Equal(t, testInitUnits, r.FilterUnitsNumber())
	require.True(t, r.KeyMayMatch(0, []byte("foo")))
	require.False(t, r.KeyMayMatch(0, []byte("box")))
}

func TestXXHash64Units(t *testing.T) {
	policy := filtertest.HashPolicy{}
	b := filterblock.NewBuilder(policy, testAllUnits, testInitUnits)
	multiChunkBuild(b)
	f := &filtertest.MemFile{}
	handle := filtertest.WriteRawFilters(f, b.Filters(), filterblock.ChecksumTypeXXHash64)
	block := b.Finish(handle)

	r, err := filterblock.NewReader(policy, block, f, filterblock.ReaderOptions{
		Checksum: filterblock.ChecksumTypeXXHash64,
	})
	require.NoError(t, err)
	for r.CanBeLoaded() {
		require.NoError(t, r.LoadFilter())
	}
	require.Equal(t, testAllUnits, r.FilterUnitsNumber())
	require.True(t, r.KeyMayMatch(9000, []byte("hello")))
}

// TestConcurrentProbes races queries against paging. A key that was added is
// never ruled out, whatever subset of units is resident at the moment of the
// probe.
func TestConcurrentProbes(t *testing.T) {
	r, _, _ := buildReader(t, filtertest.HashPolicy{}, multiChunkBuild)

	var g errgroup.Group
	var stop atomic.Bool
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			for j := 0; j < 5000; j++ {
				if !r.KeyMayMatch(0, []byte("foo")) {
					return errors.New("false negative for resident key")
				}
				if !r.KeyMayMatch(9000, []byte("hello")) {
					return errors.New("false negative for resident key")
				}
			}
			stop.Store(true)
			return nil
		})
	}
	g.Go(func() error {
		for !stop.Load() {
			_ = r.LoadFilter()
			_ = r.EvictFilter()
		}
		return nil
	})
	require.NoError(t, g.Wait())
}
