// Package halt provides the cooperative-shutdown embeddable the
// teacher's worker goroutines use throughout client2 and stream
// (a Halt channel plus a WaitGroup), generalized here since the
// concrete katzenpost/core/worker package it is imported from is not
// itself part of this module's dependency surface.
package halt

import "sync"

// Worker is embeddable in any type that runs one or more background
// goroutines needing a cooperative stop signal.
type Worker struct {
	haltOnce sync.Once
	haltCh   chan struct{}
	wg       sync.WaitGroup

	initOnce sync.Once
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.haltCh = make(chan struct{})
	})
}

// HaltCh returns the channel closed by Halt, for use in a select
// alongside other blocking operations.
func (w *Worker) HaltCh() <-chan struct{} {
	w.init()
	return w.haltCh
}

// Go starts fn in a tracked goroutine; Wait blocks until every such
// goroutine has returned.
func (w *Worker) Go(fn func()) {
	w.init()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// Halt closes the halt channel, signaling every goroutine started via
// Go to observe HaltCh() and return. Safe to call more than once.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() { close(w.haltCh) })
}

// Wait blocks until every goroutine started via Go has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}
