// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package watcher

import (
	"sync"

	"gopkg.in/tomb.v2"
)

// QueueWatcher is a Watcher fed by a producer calling Push. Each watcher
// owns a goroutine and a queue, so a slow reader only ever delays itself:
// Push never blocks on the reader.
type QueueWatcher[T any] struct {
	tomb    tomb.Tomb
	changes chan T
	notify  chan struct{}

	// coalesce keeps only the newest undelivered value.
	coalesce bool

	mu       sync.Mutex
	pending  []T
	pushed   uint64
	finished bool
	err      error

	release     func()
	releaseOnce sync.Once
}

// NewQueueWatcher returns a watcher that delivers every pushed value, in
// push order. release, if not nil, is called exactly once when the watcher
// is killed.
func NewQueueWatcher[T any](release func()) *QueueWatcher[T] {
	return newQueueWatcher[T](false, release)
}

// NewLatestWatcher returns a watcher that delivers only the most recent
// value pushed since the reader last received. release, if not nil, is
// called exactly once when the watcher is killed.
func NewLatestWatcher[T any](release func()) *QueueWatcher[T] {
	return newQueueWatcher[T](true, release)
}

func newQueueWatcher[T any](coalesce bool, release func()) *QueueWatcher[T] {
	w := &QueueWatcher[T]{
		changes:  make(chan T),
		notify:   make(chan struct{}, 1),
		coalesce: coalesce,
		release:  release,
	}
	w.tomb.Go(w.loop)
	return w
}

// Push queues value for delivery. It returns false if the watcher no
// longer accepts values because it has been killed or finished.
func (w *QueueWatcher[T]) Push(value T) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finished || !w.tomb.Alive() {
		return false
	}
	if w.coalesce && len(w.pending) > 0 {
		w.pending[0] = value
	} else {
		w.pending = append(w.pending, value)
	}
	w.pushed++
	w.signal()
	return true
}

// Finish stops the watcher accepting values. Values already queued are
// still delivered, after which the watcher stops with err, which is nil
// for normal completion.
func (w *QueueWatcher[T]) Finish(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finished {
		return
	}
	w.finished = true
	w.err = err
	w.signal()
}

// signal must be called with mu held.
func (w *QueueWatcher[T]) signal() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Changes is part of the Watcher interface.
func (w *QueueWatcher[T]) Changes() <-chan T {
	return w.changes
}

// Kill is part of the worker.Worker interface. It unsubscribes the
// watcher: the release func has run by the time Kill returns.
func (w *QueueWatcher[T]) Kill() {
	w.tomb.Kill(nil)
	w.releaseOnce.Do(func() {
		if w.release != nil {
			w.release()
		}
	})
}

// Wait is part of the worker.Worker interface.
func (w *QueueWatcher[T]) Wait() error {
	return w.tomb.Wait()
}

// Stop kills the watcher and waits for it to finish.
func (w *QueueWatcher[T]) Stop() error {
	w.Kill()
	return w.Wait()
}

func (w *QueueWatcher[T]) loop() error {
	defer close(w.changes)

	for {
		w.mu.Lock()
		var (
			next T
			have = len(w.pending) > 0
		)
		if have {
			next = w.pending[0]
		}
		seen := w.pushed
		finished, err := w.finished, w.err
		w.mu.Unlock()

		if !have {
			if finished {
				return err
			}
			select {
			case <-w.tomb.Dying():
				return tomb.ErrDying
			case <-w.notify:
			}
			continue
		}

		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case w.changes <- next:
			w.mu.Lock()
			// A coalescing watcher may have had the value we just sent
			// replaced while we were blocked; the replacement stays queued.
			if !w.coalesce || w.pushed == seen {
				var zero T
				w.pending[0] = zero
				w.pending = w.pending[1:]
			}
			w.mu.Unlock()
		}
	}
}
