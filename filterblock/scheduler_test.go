// Copyright 2023 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package filterblock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsAllWork(t *testing.T) {
	s := NewScheduler()
	const n = 100

	var mu sync.Mutex
	var wg sync.WaitGroup
	ran := make([]bool, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		s.Schedule(func() {
			mu.Lock()
			ran[i] = true
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	for i := range ran {
		require.True(t, ran[i], "job %d did not run", i)
	}
}

func TestSchedulerSerializesWork(t *testing.T) {
	s := NewScheduler()

	var wg sync.WaitGroup
	var inFlight, maxInFlight int
	var mu sync.Mutex
	wg.Add(50)
	for i := 0; i < 50; i++ {
		s.Schedule(func() {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			mu.Lock()
			inFlight--
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	require.Equal(t, 1, maxInFlight)
}

func TestDefaultSchedulerSingleton(t *testing.T) {
	require.Same(t, DefaultScheduler(), DefaultScheduler())
}
