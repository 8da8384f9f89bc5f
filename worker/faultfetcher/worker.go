// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package faultfetcher provides a worker that satisfies the faults of a
// fault cache by fetching values from a Fetcher.
package faultfetcher

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"golang.org/x/sync/semaphore"

	"github.com/juju/listcache/core/faultcache"
	"github.com/juju/listcache/core/watcher"
)

// Fetcher fetches the value for a key.
type Fetcher[K comparable, V any] interface {
	Fetch(ctx context.Context, key K) (V, error)
}

// Cache is the part of a fault cache the worker uses.
type Cache[K comparable, V any] interface {
	WatchFaults() (watcher.Watcher[faultcache.Fault[K]], error)
	Publish(key K, value V) bool
	FailFault(f faultcache.Fault[K], err error) bool
}

// Logger represents the logging methods called.
type Logger interface {
	Warningf(message string, args ...interface{})
	Debugf(message string, args ...interface{})
	Tracef(message string, args ...interface{})
}

// Config holds the dependencies and settings of a fault fetcher.
type Config[K comparable, V any] struct {
	Cache   Cache[K, V]
	Fetcher Fetcher[K, V]
	Clock   clock.Clock
	Logger  Logger

	// Metrics is optional.
	Metrics *Collector

	// RetryAttempts is the number of times a fetch is tried before the
	// key is failed.
	RetryAttempts int

	// RetryDelay is the delay between fetch attempts.
	RetryDelay time.Duration

	// MaxConcurrent bounds the number of fetches in flight.
	MaxConcurrent int64
}

// Validate returns an error if the config cannot be used to start a
// Worker.
func (config Config[K, V]) Validate() error {
	if config.Cache == nil {
		return errors.NotValidf("nil Cache")
	}
	if config.Fetcher == nil {
		return errors.NotValidf("nil Fetcher")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.RetryAttempts < 1 {
		return errors.NotValidf("RetryAttempts %d", config.RetryAttempts)
	}
	if config.RetryDelay <= 0 {
		return errors.NotValidf("RetryDelay %v", config.RetryDelay)
	}
	if config.MaxConcurrent < 1 {
		return errors.NotValidf("MaxConcurrent %d", config.MaxConcurrent)
	}
	return nil
}

// Worker fetches a value for every fault raised by its cache. Each fault
// is fetched on its own goroutine, with retries. A key whose fetch keeps
// failing is failed in the cache, unless the entry that faulted has been
// replaced meanwhile; the worker itself only stops when killed or when it
// can no longer watch faults.
type Worker[K comparable, V any] struct {
	catacomb catacomb.Catacomb
	config   Config[K, V]
	metrics  *Collector
	sem      *semaphore.Weighted
	fetches  sync.WaitGroup
}

// NewWorker starts a fault fetcher.
func NewWorker[K comparable, V any](config Config[K, V]) (*Worker[K, V], error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	faults, err := config.Cache.WatchFaults()
	if err != nil {
		return nil, errors.Annotate(err, "watching faults")
	}

	w := &Worker[K, V]{
		config:  config,
		metrics: config.Metrics,
		sem:     semaphore.NewWeighted(config.MaxConcurrent),
	}
	if w.metrics == nil {
		w.metrics = NewMetricsCollector()
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: func() error {
			return w.loop(faults)
		},
		Init: []worker.Worker{faults},
	}); err != nil {
		_ = worker.Stop(faults)
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker[K, V]) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker[K, V]) Wait() error {
	return w.catacomb.Wait()
}

// Report returns information about the worker for introspection.
func (w *Worker[K, V]) Report() map[string]interface{} {
	return w.metrics.report()
}

func (w *Worker[K, V]) loop(faults watcher.Watcher[faultcache.Fault[K]]) error {
	ctx, cancel := w.scopedContext()
	defer func() {
		cancel()
		w.fetches.Wait()
	}()

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case fault, ok := <-faults.Changes():
			if !ok {
				return errors.New("fault watcher closed")
			}
			if err := w.sem.Acquire(ctx, 1); err != nil {
				return w.catacomb.ErrDying()
			}
			w.fetches.Add(1)
			go func() {
				defer w.fetches.Done()
				defer w.sem.Release(1)
				w.fetch(ctx, fault)
			}()
		}
	}
}

// scopedContext returns a context that is cancelled when the worker
// starts dying.
func (w *Worker[K, V]) scopedContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-w.catacomb.Dying():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (w *Worker[K, V]) fetch(ctx context.Context, fault faultcache.Fault[K]) {
	key := fault.Key
	w.metrics.inflight.Inc()
	defer w.metrics.inflight.Dec()

	var value V
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			w.metrics.fetches.Inc()
			v, err := w.config.Fetcher.Fetch(ctx, key)
			if err != nil {
				return errors.Trace(err)
			}
			value = v
			return nil
		},
		NotifyFunc: func(err error, attempt int) {
			w.metrics.retries.Inc()
			w.config.Logger.Debugf("fetching %v: attempt %d: %v", key, attempt, err)
		},
		Attempts: w.config.RetryAttempts,
		Delay:    w.config.RetryDelay,
		Clock:    w.config.Clock,
		Stop:     ctx.Done(),
	})
	if ctx.Err() != nil {
		w.config.Logger.Tracef("abandoned fetch of %v", key)
		return
	}
	if err != nil {
		if retry.IsAttemptsExceeded(err) {
			err = retry.LastError(err)
		}
		w.metrics.failures.Inc()
		w.config.Logger.Warningf("cannot fetch %v: %v", key, err)
		w.config.Cache.FailFault(fault, errors.WithType(
			errors.Annotatef(err, "fetching %v", key), faultcache.ErrFaultHandler,
		))
		return
	}
	if !w.config.Cache.Publish(key, value) {
		w.config.Logger.Debugf("fetched %v with no watchers left", key)
	}
}
