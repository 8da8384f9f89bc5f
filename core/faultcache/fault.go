// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package faultcache

import (
	"github.com/juju/errors"

	"github.com/juju/listcache/core/watcher"
)

// Fault is a fault raised for a key. It records which of the key's
// entries it was raised for, so that a failure to satisfy it can be kept
// away from any entry created for the key later.
type Fault[K comparable] struct {
	Key   K
	entry uint64
}

func (c *Cache[K, V]) fault(e *entry[K, V]) {
	c.faults.Add(1)
	c.config.Logger.Tracef("%s: fault %v", c.config.Name, e.key)
	_ = c.hub.Publish(faultTopic, Fault[K]{Key: e.key, entry: e.id})
}

// SubscribeFaults calls handler for every fault raised from now on, one at
// a time and in the order they were raised. If handler returns an error
// or panics, the watchers of that key end with an error satisfying
// errors.Is(err, ErrFaultHandler); other keys, later faults and any entry
// created for the key after the fault are not affected. The returned func
// unsubscribes.
func (c *Cache[K, V]) SubscribeFaults(handler func(key K) error) func() {
	return c.hub.Subscribe(faultTopic, func(_ string, data interface{}) {
		f, ok := data.(Fault[K])
		if !ok {
			logger.Criticalf("%s: unexpected fault %T", c.config.Name, data)
			return
		}
		if err := callHandler(handler, f.Key); err != nil {
			c.config.Logger.Warningf("%s: handling fault for %v: %v", c.config.Name, f.Key, err)
			c.FailFault(f, errors.WithType(err, ErrFaultHandler))
		}
	})
}

func callHandler[K any](handler func(K) error, key K) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("fault handler panicked: %v", r)
		}
	}()
	return errors.Trace(handler(key))
}

// WatchFaults returns a watcher of the faults raised from now on, in the
// order they were raised. Killing the watcher unsubscribes it. Failures
// to satisfy a fault should be reported with FailFault.
func (c *Cache[K, V]) WatchFaults() (watcher.Watcher[Fault[K]], error) {
	var unsubscribe func()
	w := watcher.NewQueueWatcher[Fault[K]](func() {
		unsubscribe()
	})
	unsubscribe = c.hub.Subscribe(faultTopic, func(_ string, data interface{}) {
		if f, ok := data.(Fault[K]); ok {
			w.Push(f)
		}
	})
	return w, nil
}
