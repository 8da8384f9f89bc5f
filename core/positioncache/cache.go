// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package positioncache memoizes an expensive per-element transform of a
// list by index, and keeps the memoized values valid as the list is
// edited by remapping their indices instead of recomputing them.
package positioncache

import (
	"sync"
	"sync/atomic"

	"github.com/juju/errors"

	"github.com/juju/listcache/core/changes"
)

// Config holds the sizes of the two tiers of a Cache. A size of zero
// disables that tier.
type Config struct {
	// Strong is the size of the small hot tier, checked first.
	Strong int

	// Weak is the size of the larger warm tier. A warm hit is promoted
	// into the hot tier.
	Weak int
}

// Validate returns an error if the config cannot be used to create a
// Cache.
func (config Config) Validate() error {
	if config.Strong < 0 {
		return errors.NotValidf("negative Strong size %d", config.Strong)
	}
	if config.Weak < 0 {
		return errors.NotValidf("negative Weak size %d", config.Weak)
	}
	return nil
}

// Cache holds transformed values of one list, keyed by index. Each tier
// evicts its oldest insertion once full.
type Cache[T, R any] struct {
	transform func(T) R

	// mu guards items and generation. Tiers have their own locks, so
	// readers holding mu for reading do not contend on each other except
	// per tier.
	mu         sync.RWMutex
	items      []T
	generation uint64

	hot  *tier[R]
	warm *tier[R]

	hits     atomic.Uint64
	computes atomic.Uint64
}

// New returns an empty cache of transform's results.
func New[T, R any](transform func(T) R, config Config) (*Cache[T, R], error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	hot, err := newTier[R](config.Strong)
	if err != nil {
		return nil, errors.Annotate(err, "creating hot tier")
	}
	warm, err := newTier[R](config.Weak)
	if err != nil {
		return nil, errors.Annotate(err, "creating warm tier")
	}
	return &Cache[T, R]{
		transform: transform,
		hot:       hot,
		warm:      warm,
	}, nil
}

// Apply moves the cache on to update.List. Cached values follow their
// elements through update.Changes; values of removed elements are
// dropped, and a reload drops everything. Views returned by earlier calls
// stop using the cache.
func (c *Cache[T, R]) Apply(update changes.Update[T]) *View[T, R] {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = update.List
	c.generation++
	if update.HasReload() {
		c.hot.purge()
		c.warm.purge()
	} else if len(update.Changes) > 0 {
		c.hot.remap(update.Changes)
		c.warm.remap(update.Changes)
	}
	return &View[T, R]{
		cache:      c,
		items:      update.List,
		generation: c.generation,
	}
}

// Stats holds the counters of a cache.
type Stats struct {
	Hits     uint64
	Computes uint64
	Hot      int
	Warm     int
}

// Stats returns a snapshot of the cache's counters and tier occupancy.
func (c *Cache[T, R]) Stats() Stats {
	return Stats{
		Hits:     c.hits.Load(),
		Computes: c.computes.Load(),
		Hot:      c.hot.len(),
		Warm:     c.warm.len(),
	}
}

func (c *Cache[T, R]) lookup(index int, generation uint64) (R, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var zero R
	if c.generation != generation {
		return zero, false
	}
	if value, ok := c.hot.get(index); ok {
		return value, true
	}
	if value, ok := c.warm.get(index); ok {
		c.hot.add(index, value)
		return value, true
	}
	return zero, false
}

func (c *Cache[T, R]) store(index int, generation uint64, value R) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.generation != generation {
		return
	}
	c.hot.add(index, value)
	c.warm.add(index, value)
}

// View is the list as of one update, with cached access to transformed
// elements.
type View[T, R any] struct {
	cache      *Cache[T, R]
	items      []T
	generation uint64
}

// Len returns the length of the list.
func (v *View[T, R]) Len() int {
	return len(v.items)
}

// Items returns the list. It must not be modified.
func (v *View[T, R]) Items() []T {
	return v.items
}

// Get returns the transformed element at index, computing it only if it
// is not cached. A view that is no longer the cache's latest computes
// every time. Get panics if index is out of range.
func (v *View[T, R]) Get(index int) R {
	item := v.items[index]
	if value, ok := v.cache.lookup(index, v.generation); ok {
		v.cache.hits.Add(1)
		return value
	}
	value := v.cache.transform(item)
	v.cache.computes.Add(1)
	v.cache.store(index, v.generation, value)
	return value
}
