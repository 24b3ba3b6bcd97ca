// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs CPU bound host tasks, like decoding and augmenting the images of a batch,
// with bounded parallelism.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool limits the number of tasks running in parallel.
type Pool struct {
	// maxParallelism is the limit of tasks running at the same time.
	// If 0 tasks run inline, if negative there is no limit.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning is decreased.
	numRunning     int
}

// New returns a Pool with the given parallelism. If maxParallelism is 0, tasks are run inline, and if it is
// negative there is no limit.
func New(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// NewDefault returns a Pool with one task per CPU.
func NewDefault() *Pool {
	return New(runtime.NumCPU())
}

// MaxParallelism returns the limit of tasks running at the same time.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// IsEnabled returns whether tasks run in goroutines. A nil Pool is disabled.
func (w *Pool) IsEnabled() bool {
	return w != nil && w.maxParallelism != 0
}

// WaitToStart waits until a worker is available and runs the task in a goroutine.
//
// If the pool is disabled, the task is run inline and WaitToStart returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if !w.IsEnabled() {
		task()
		return
	}
	if w.maxParallelism < 0 {
		go task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.numRunning >= w.maxParallelism {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// ForEach calls fn(ii) for ii from 0 to n-1, using the pool, and returns when all calls are finished.
// It returns the first error returned by fn, by index order.
func (w *Pool) ForEach(n int, fn func(ii int) error) error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	for ii := range n {
		wg.Add(1)
		w.WaitToStart(func() {
			defer wg.Done()
			errs[ii] = fn(ii)
		})
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
