// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolStartIfAvailable(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(1)

	// Fill every slot with blocked tasks, then check the pool refuses more.
	numSlots := goroutineToParallelismRatio
	release := make(chan struct{})
	var wg sync.WaitGroup
	for range numSlots {
		wg.Add(1)
		ok := pool.StartIfAvailable(func() {
			defer wg.Done()
			<-release
		})
		require.True(t, ok)
	}
	assert.False(t, pool.StartIfAvailable(func() {}))

	// A sleeping worker frees one slot.
	pool.WorkerIsAsleep()
	wg.Add(1)
	ok := pool.StartIfAvailable(func() {
		defer wg.Done()
		<-release
	})
	assert.True(t, ok)
	assert.False(t, pool.StartIfAvailable(func() {}))
	pool.WorkerRestarted()

	close(release)
	wg.Wait()
}

func TestPoolDisabledRunsInline(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(0)
	assert.False(t, pool.IsEnabled())

	ran := false
	pool.WaitToStart(func() { ran = true })
	assert.True(t, ran, "disabled pool must run the task inline")
}

func TestParallelFor(t *testing.T) {
	pool := New()

	// Small range runs inline as a single chunk.
	var calls atomic.Int32
	pool.ParallelFor(10, 100, func(start, end int) {
		calls.Add(1)
		assert.Equal(t, 0, start)
		assert.Equal(t, 10, end)
	})
	assert.Equal(t, int32(1), calls.Load())

	// Every element of a large range is visited exactly once.
	const n = 100_000
	counts := make([]int32, n)
	pool.ParallelFor(n, 1024, func(start, end int) {
		for i := start; i < end; i++ {
			atomic.AddInt32(&counts[i], 1)
		}
	})
	for i, c := range counts {
		if c != 1 {
			t.Fatalf("element %d visited %d times, want 1", i, c)
		}
	}
}

func TestParallelForDisabled(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(0)

	var chunks [][2]int
	pool.ParallelFor(5000, 10, func(start, end int) {
		chunks = append(chunks, [2]int{start, end})
	})
	require.Len(t, chunks, 1)
	assert.Equal(t, [2]int{0, 5000}, chunks[0])
}
