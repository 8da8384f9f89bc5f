// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package faultcache

import (
	"github.com/juju/listcache/core/watcher"
)

// Stream is the stream of values for one key of a Cache.
type Stream[K comparable, V any] struct {
	cache *Cache[K, V]
	key   K
}

// Key returns the key the stream is for.
func (s *Stream[K, V]) Key() K {
	return s.key
}

// Watch is part of the watcher.Stream interface. The watcher receives the
// latest value published for the key, if there is one, and every value
// published after that, skipping values it was too slow to receive. If
// the key is cold, a fault is raised for it.
//
// Killing the watcher detaches it; the key's entry is evicted when its
// last watcher is killed.
func (s *Stream[K, V]) Watch() (watcher.Watcher[V], error) {
	return s.cache.watch(s), nil
}
