// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package watcher

import (
	"github.com/juju/worker/v4"
)

// Watcher delivers a sequence of values on its Changes channel.
//
// Killing a watcher unsubscribes it. The Changes channel is closed once the
// watcher has stopped; Wait then returns nil if the sequence completed
// normally, or the terminal error that ended it.
type Watcher[T any] interface {
	worker.Worker

	// Changes returns the channel values are delivered on. Each receive
	// requests exactly one more value from the watcher's queue.
	Changes() <-chan T
}

// Stream is a source of values that any number of watchers can observe.
// Every call to Watch is a new, independent subscription.
type Stream[T any] interface {
	Watch() (Watcher[T], error)
}

// ReleaseFunc is called when a subscriber kills its watcher, after the
// watcher has been removed from its broker. It is passed the number of
// watchers the broker still has.
type ReleaseFunc func(remaining int)
