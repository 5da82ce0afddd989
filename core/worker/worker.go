// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// worker.go - managed background goroutines.

// Package worker provides lifecycle management for background goroutines.
package worker

import (
	"sync"
)

// Worker manages a set of background goroutines that share a halt signal.
type Worker struct {
	sync.WaitGroup
	initOnce sync.Once

	haltCh chan struct{}
}

// Go runs fn in a new goroutine tracked by the Worker. fn must monitor
// the channel returned by HaltCh and return when it is closed.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt signals all goroutines started under the Worker to terminate and
// waits until they have all returned.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	close(w.haltCh)
	w.Wait()
}

// HaltCh returns the channel that is closed by Halt.
func (w *Worker) HaltCh() <-chan struct{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

func (w *Worker) init() {
	w.haltCh = make(chan struct{})
}
