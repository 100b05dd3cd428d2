// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool bounds the number of goroutines used by compute
// kernels. A Pool caps concurrent tasks at a soft parallelism target and
// offers ParallelFor to split flat loops into chunks run on the pool.
package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool limits how many tasks run concurrently. The zero value is not usable,
// construct with New.
type Pool struct {
	// maxParallelism is a soft target: the number of live goroutines can
	// exceed it while some of them are parked in waits.
	maxParallelism int

	mu     sync.Mutex
	cond   sync.Cond // Signaled whenever active is decreased.
	active int

	// parked counts workers that declared themselves asleep, temporarily
	// raising the effective limit.
	parked atomic.Int32
}

// New returns a Pool with parallelism set to runtime.NumCPU().
func New() *Pool {
	p := &Pool{maxParallelism: runtime.NumCPU()}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// IsEnabled reports whether parallelism is enabled (MaxParallelism != 0).
func (p *Pool) IsEnabled() bool { return p.maxParallelism != 0 }

// IsUnlimited reports whether parallelism is unbounded (MaxParallelism < 0).
func (p *Pool) IsUnlimited() bool { return p.maxParallelism < 0 }

// MaxParallelism returns the soft parallelism target.
// 0 disables parallelism and -1 means unlimited.
func (p *Pool) MaxParallelism() int { return p.maxParallelism }

// SetMaxParallelism changes the soft parallelism target. Only call it while
// no tasks are running, changing it mid-flight is undefined.
func (p *Pool) SetMaxParallelism(maxParallelism int) {
	p.maxParallelism = maxParallelism
}

// Tasks blocked in waits don't burn CPU, so the goroutine cap sits above the
// parallelism target.
const goroutineToParallelismRatio = 2

// lockedIsFull reports whether every slot is taken. Callers must hold p.mu.
func (p *Pool) lockedIsFull() bool {
	if p.maxParallelism == 0 {
		return true
	}
	if p.maxParallelism < 0 {
		return false
	}
	return p.active >= goroutineToParallelismRatio*p.maxParallelism+int(p.parked.Load())
}

// lockedStart launches task in a goroutine and tracks it in p.active.
// Callers must hold p.mu.
func (p *Pool) lockedStart(task func()) {
	p.active++
	go func() {
		task()
		p.mu.Lock()
		p.active--
		p.cond.Signal()
		p.mu.Unlock()
	}()
}

// WaitToStart blocks until a slot frees up, then runs task in a goroutine.
//
// If parallelism is disabled it runs the task inline and only returns once
// it finished. Callers relying on the task running concurrently should check
// IsEnabled first.
func (p *Pool) WaitToStart(task func()) {
	if p.IsUnlimited() {
		go task()
		return
	}
	if p.maxParallelism == 0 {
		task()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.lockedIsFull() {
		p.cond.Wait()
	}
	p.lockedStart(task)
}

// StartIfAvailable runs task in a goroutine if a slot is free, returning
// whether it did. Synchronizing with the task's completion is up to the
// caller.
func (p *Pool) StartIfAvailable(task func()) bool {
	if p.IsUnlimited() {
		go task()
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lockedIsFull() {
		return false
	}
	p.lockedStart(task)
	return true
}

// WorkerIsAsleep tells the pool the calling worker is about to block waiting
// on other workers, freeing its slot until WorkerRestarted is called.
func (p *Pool) WorkerIsAsleep() { p.parked.Add(1) }

// WorkerRestarted reclaims the slot released by WorkerIsAsleep.
func (p *Pool) WorkerRestarted() { p.parked.Add(-1) }

// ParallelFor splits the range [0, n) into contiguous chunks of at least
// minChunk elements and runs fn over each chunk on the pool, returning once
// every chunk completed. Short ranges, or a pool with parallelism disabled,
// run fn inline over the whole range.
func (p *Pool) ParallelFor(n, minChunk int, fn func(start, end int)) {
	maxP := p.maxParallelism
	if maxP < 0 {
		maxP = runtime.NumCPU()
	}
	numChunks := min(n/minChunk, maxP)
	if numChunks <= 1 {
		fn(0, n)
		return
	}
	chunkSize := (n + numChunks - 1) / numChunks
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		p.WaitToStart(func() {
			defer wg.Done()
			fn(start, end)
		})
	}
	p.WorkerIsAsleep()
	wg.Wait()
	p.WorkerRestarted()
}
