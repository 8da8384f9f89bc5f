// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package faultcache provides a keyed cache of value streams that are
// populated on demand. The first watcher of a cold key raises a fault,
// and whoever satisfies faults publishes values for the key. Every
// watcher of a key shares one broker, and the entry is dropped as soon as
// its last watcher goes away.
package faultcache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/pubsub/v2"

	"github.com/juju/listcache/core/watcher"
)

const (
	// ErrValueProvider types the error that ends a key's watchers when the
	// provider passed to PublishFunc fails.
	ErrValueProvider = errors.ConstError("value provider failed")

	// ErrFaultHandler types the error that ends a key's watchers when the
	// code satisfying its fault fails.
	ErrFaultHandler = errors.ConstError("fault handler failed")
)

const faultTopic = "fault"

var logger = loggo.GetLogger("listcache.faultcache")

// Logger represents the logging methods called.
type Logger interface {
	Warningf(message string, args ...interface{})
	Debugf(message string, args ...interface{})
	Tracef(message string, args ...interface{})
}

// Config holds the configuration of a Cache.
type Config struct {
	// Name identifies the cache in reports and metrics.
	Name string

	// Logger is used for faults, evictions and handler failures.
	Logger Logger
}

// Validate returns an error if the config cannot be used to create a
// Cache.
func (config Config) Validate() error {
	if config.Name == "" {
		return errors.NotValidf("missing Name")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Cache maps keys to shared, lazily populated value streams.
type Cache[K comparable, V any] struct {
	config Config
	hub    *pubsub.SimpleHub

	mu      sync.RWMutex
	entries map[K]*entry[K, V]
	lastID  uint64

	faults    atomic.Uint64
	hits      atomic.Uint64
	misses    atomic.Uint64
	publishes atomic.Uint64
	evictions atomic.Uint64
}

// entry is the live state of a key with at least one watcher. Once dead
// it is no longer in the cache's map and its broker has finished.
type entry[K comparable, V any] struct {
	id     uint64
	key    K
	stream *Stream[K, V]
	broker *watcher.Broker[V]

	// dead is guarded by the cache's mu.
	dead bool
}

// New returns a new, empty cache.
func New[K comparable, V any](config Config) (*Cache[K, V], error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Cache[K, V]{
		config: config,
		hub: pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
			Logger: loggo.GetLogger("listcache.faultcache.hub"),
		}),
		entries: make(map[K]*entry[K, V]),
	}, nil
}

// Get returns the stream of values for key. While key has watchers, every
// call returns the same stream; otherwise a new one is returned, and
// watching it starts the fault protocol afresh.
func (c *Cache[K, V]) Get(key K) *Stream[K, V] {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if e, ok := c.entries[key]; ok {
		return e.stream
	}
	return &Stream[K, V]{cache: c, key: key}
}

// watch attaches a new watcher to the entry for s.key, creating the entry
// and raising a fault if there is none.
func (c *Cache[K, V]) watch(s *Stream[K, V]) watcher.Watcher[V] {
	c.mu.RLock()
	if e, ok := c.entries[s.key]; ok {
		w, _ := e.broker.Subscribe(c.releaser(e))
		c.mu.RUnlock()
		c.hits.Add(1)
		return w
	}
	c.mu.RUnlock()

	c.mu.Lock()
	if e, ok := c.entries[s.key]; ok {
		w, _ := e.broker.Subscribe(c.releaser(e))
		c.mu.Unlock()
		c.hits.Add(1)
		return w
	}
	c.lastID++
	e := &entry[K, V]{
		id:     c.lastID,
		key:    s.key,
		stream: s,
		broker: watcher.NewBroker[V](watcher.BrokerConfig{
			Coalesce:     true,
			ReplayLatest: true,
		}),
	}
	c.entries[s.key] = e
	w, _ := e.broker.Subscribe(c.releaser(e))
	c.mu.Unlock()

	c.misses.Add(1)
	c.fault(e)
	return w
}

// releaser returns the callback run when a watcher of e is killed. The
// entry is evicted once its last watcher has gone.
func (c *Cache[K, V]) releaser(e *entry[K, V]) watcher.ReleaseFunc {
	return func(remaining int) {
		if remaining > 0 {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()

		// Someone may have attached since the broker counted.
		if e.dead || e.broker.Len() > 0 {
			return
		}
		c.evictLocked(e)
		e.broker.Complete()
		c.config.Logger.Tracef("%s: evicted %v with no watchers", c.config.Name, e.key)
	}
}

// evictLocked must be called with mu held for writing.
func (c *Cache[K, V]) evictLocked(e *entry[K, V]) {
	e.dead = true
	if c.entries[e.key] == e {
		delete(c.entries, e.key)
	}
	c.evictions.Add(1)
}

func (c *Cache[K, V]) lookup(key K) (*entry[K, V], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// Publish delivers value to the watchers of key. It returns false if key
// has no watchers, in which case the value is dropped.
func (c *Cache[K, V]) Publish(key K, value V) bool {
	e, ok := c.lookup(key)
	if !ok || !e.broker.Publish(value) {
		return false
	}
	c.publishes.Add(1)
	return true
}

// PublishFunc delivers the value returned by provider to the watchers of
// key. provider is only called if key has watchers; otherwise onMiss, if
// not nil, is called instead. If provider returns an error or panics, the
// watchers of key end with an error satisfying
// errors.Is(err, ErrValueProvider) and the entry is evicted.
func (c *Cache[K, V]) PublishFunc(key K, provider func() (V, error), onMiss func()) {
	e, ok := c.lookup(key)
	if !ok {
		if onMiss != nil {
			onMiss()
		}
		return
	}
	value, err := callProvider(provider)
	if err != nil {
		c.failEntry(e, errors.WithType(err, ErrValueProvider))
		return
	}
	if !e.broker.Publish(value) {
		if onMiss != nil {
			onMiss()
		}
		return
	}
	c.publishes.Add(1)
}

func callProvider[V any](provider func() (V, error)) (value V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("value provider panicked: %v", r)
		}
	}()
	value, err = provider()
	return value, errors.Trace(err)
}

// Fail ends the watchers of key with err, once they have received any
// values already published, and evicts the entry so that the next watcher
// raises a new fault. It returns false if key had no entry.
func (c *Cache[K, V]) Fail(key K, err error) bool {
	e, ok := c.lookup(key)
	if !ok {
		return false
	}
	return c.failEntry(e, err)
}

// FailFault is like Fail, but only fails the entry f was raised for. It
// returns false if that entry has already gone, even if key has a newer
// one.
func (c *Cache[K, V]) FailFault(f Fault[K], err error) bool {
	e, ok := c.lookup(f.Key)
	if !ok || e.id != f.entry {
		c.config.Logger.Debugf("%s: dropping failure of stale fault for %v: %v", c.config.Name, f.Key, err)
		return false
	}
	return c.failEntry(e, err)
}

func (c *Cache[K, V]) failEntry(e *entry[K, V], err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.dead {
		return false
	}
	c.evictLocked(e)
	e.broker.Fail(err)
	c.config.Logger.Debugf("%s: failed %v: %v", c.config.Name, e.key, err)
	return true
}

// FaultIfBound raises a fault for key if it has at least one watcher, and
// reports whether it did.
func (c *Cache[K, V]) FaultIfBound(key K) bool {
	e, ok := c.lookup(key)
	if !ok || e.broker.Len() == 0 {
		return false
	}
	c.fault(e)
	return true
}

// FaultAllBound raises a fault for every key that has at least one
// watcher, and returns how many it raised.
func (c *Cache[K, V]) FaultAllBound() int {
	c.mu.RLock()
	bound := make([]*entry[K, V], 0, len(c.entries))
	for _, e := range c.entries {
		if e.broker.Len() > 0 {
			bound = append(bound, e)
		}
	}
	c.mu.RUnlock()

	for _, e := range bound {
		c.fault(e)
	}
	return len(bound)
}

// Clear drops every entry. Current watchers receive any values already
// published and then end normally, with a nil error; to keep following a
// key, watch its stream again. The next watcher of any key, through any
// stream, raises a new fault.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		e.dead = true
		e.broker.Complete()
		c.evictions.Add(1)
	}
	c.config.Logger.Debugf("%s: cleared %d entries", c.config.Name, len(c.entries))
	c.entries = make(map[K]*entry[K, V])
}

// Len returns the number of live entries.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats holds the counters of a cache.
type Stats struct {
	Entries   int
	Faults    uint64
	Hits      uint64
	Misses    uint64
	Publishes uint64
	Evictions uint64
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Entries:   c.Len(),
		Faults:    c.faults.Load(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Publishes: c.publishes.Load(),
		Evictions: c.evictions.Load(),
	}
}

// Report returns information about the cache for introspection.
func (c *Cache[K, V]) Report() map[string]interface{} {
	c.mu.RLock()
	keys := set.NewStrings()
	for key := range c.entries {
		keys.Add(fmt.Sprint(key))
	}
	c.mu.RUnlock()

	stats := c.Stats()
	return map[string]interface{}{
		"name":      c.config.Name,
		"keys":      keys.SortedValues(),
		"faults":    stats.Faults,
		"hits":      stats.Hits,
		"misses":    stats.Misses,
		"publishes": stats.Publishes,
		"evictions": stats.Evictions,
	}
}
