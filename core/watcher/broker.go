// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package watcher

import (
	"sync"
)

// BrokerConfig describes how a Broker treats its watchers.
type BrokerConfig struct {
	// Coalesce makes every watcher a latest-value watcher: a slow reader
	// skips intermediate values instead of queueing them.
	Coalesce bool

	// ReplayLatest primes each new watcher with the most recently
	// published value, if there is one. Nothing older is replayed.
	ReplayLatest bool
}

// Broker multiplexes a single producer onto any number of watchers. Values
// published to the broker are delivered to every watcher attached at the
// time of publishing, in publish order.
type Broker[T any] struct {
	config BrokerConfig

	mu        sync.Mutex
	watchers  map[*QueueWatcher[T]]struct{}
	latest    T
	hasLatest bool
	done      bool
	err       error
}

// NewBroker returns a new broker with no watchers.
func NewBroker[T any](config BrokerConfig) *Broker[T] {
	return &Broker[T]{
		config:   config,
		watchers: make(map[*QueueWatcher[T]]struct{}),
	}
}

// Subscribe attaches a new watcher, primed with initial, and returns it
// along with the number of watchers now attached. When the subscriber
// kills the watcher it is detached and release, if not nil, is called
// with the number of watchers remaining.
//
// Subscribing to a broker that has already failed or completed returns a
// watcher that delivers initial and then stops the same way.
func (b *Broker[T]) Subscribe(release ReleaseFunc, initial ...T) (*QueueWatcher[T], int) {
	var w *QueueWatcher[T]
	w = newQueueWatcher[T](b.config.Coalesce, func() {
		b.remove(w, release)
	})

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, value := range initial {
		w.Push(value)
	}
	if b.done {
		w.Finish(b.err)
		return w, len(b.watchers)
	}
	if b.config.ReplayLatest && b.hasLatest {
		w.Push(b.latest)
	}
	b.watchers[w] = struct{}{}
	return w, len(b.watchers)
}

// Watch is part of the Stream interface. It subscribes with no release
// callback and no initial values.
func (b *Broker[T]) Watch() (Watcher[T], error) {
	w, _ := b.Subscribe(nil)
	return w, nil
}

func (b *Broker[T]) remove(w *QueueWatcher[T], release ReleaseFunc) {
	b.mu.Lock()
	if _, ok := b.watchers[w]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.watchers, w)
	remaining := len(b.watchers)
	b.mu.Unlock()

	if release != nil {
		release(remaining)
	}
}

// Publish delivers value to every attached watcher. It returns false if
// the broker has already failed or completed.
func (b *Broker[T]) Publish(value T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return false
	}
	b.latest, b.hasLatest = value, true
	for w := range b.watchers {
		w.Push(value)
	}
	return true
}

// Fail ends every attached watcher with err once it has drained, and
// makes later subscriptions fail the same way. It returns the number of
// watchers that were attached.
func (b *Broker[T]) Fail(err error) int {
	return b.finish(err)
}

// Complete ends every attached watcher normally once it has drained, and
// makes later subscriptions complete immediately. It returns the number of
// watchers that were attached.
func (b *Broker[T]) Complete() int {
	return b.finish(nil)
}

func (b *Broker[T]) finish(err error) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return 0
	}
	b.done, b.err = true, err
	attached := len(b.watchers)
	for w := range b.watchers {
		w.Finish(err)
	}
	b.watchers = make(map[*QueueWatcher[T]]struct{})
	return attached
}

// Len returns the number of attached watchers.
func (b *Broker[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.watchers)
}

// Latest returns the most recently published value, if any.
func (b *Broker[T]) Latest() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.hasLatest
}

// Done reports whether the broker has failed or completed, and with what.
func (b *Broker[T]) Done() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done, b.err
}
