// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/tomb.v2"

	"github.com/juju/listcache/core/changes"
	"github.com/juju/listcache/core/faultcache"
	"github.com/juju/listcache/core/list"
	"github.com/juju/listcache/core/positioncache"
	"github.com/juju/listcache/worker/faultfetcher"
)

const maxListLen = 200

// Report summarises a soak run.
type Report struct {
	Mutations    int64                  `yaml:"mutations"`
	Updates      int64                  `yaml:"updates"`
	Mismatches   int64                  `yaml:"mismatches"`
	Attachments  int64                  `yaml:"attachments"`
	Values       int64                  `yaml:"values"`
	KeyFailures  int64                  `yaml:"key-failures"`
	ListLength   int                    `yaml:"list-length"`
	FaultCache   map[string]interface{} `yaml:"fault-cache"`
	FaultFetcher map[string]interface{} `yaml:"fault-fetcher"`
}

type counters struct {
	mutations   atomic.Int64
	updates     atomic.Int64
	mismatches  atomic.Int64
	attachments atomic.Int64
	values      atomic.Int64
	keyFailures atomic.Int64
}

func soak(ctx context.Context, cfg Config) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	var stats counters
	items := list.NewWithItems(list.Config{
		OnAttach: func() {
			stats.attachments.Add(1)
			logger.Debugf("list attached")
		},
		OnDetach: func() {
			logger.Debugf("list detached")
		},
	}, []int{})
	views, err := positioncache.Wrap[int, string](items, strconv.Itoa, positioncache.Config{
		Strong: cfg.Strong,
		Weak:   cfg.Weak,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	cache, err := faultcache.New[string, string](faultcache.Config{
		Name:   "soak",
		Logger: loggo.GetLogger("listcache.soak.faultcache"),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	fetcherMetrics := faultfetcher.NewMetricsCollector()
	fetcher, err := faultfetcher.NewWorker(faultfetcher.Config[string, string]{
		Cache: cache,
		Fetcher: &simulatedFetcher{
			clock:       clock.WallClock,
			delay:       cfg.FetchDelay,
			failureRate: cfg.FailureRate,
		},
		Clock:         clock.WallClock,
		Logger:        loggo.GetLogger("listcache.soak.faultfetcher"),
		Metrics:       fetcherMetrics,
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    cfg.RetryDelay,
		MaxConcurrent: cfg.MaxConcurrent,
	})
	if err != nil {
		return nil, errors.Annotate(err, "starting fault fetcher")
	}
	defer func() { _ = worker.Stop(fetcher) }()

	t, ctx := tomb.WithContext(ctx)
	if cfg.MetricsAddress != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(faultcache.NewMetricsCollector("soak", cache))
		registry.MustRegister(fetcherMetrics)
		t.Go(func() error {
			return serveMetrics(ctx, cfg.MetricsAddress, registry)
		})
	}
	for i := 0; i < cfg.Writers; i++ {
		seed := int64(i)
		t.Go(func() error {
			return write(ctx, items, rand.New(rand.NewSource(seed)), &stats)
		})
	}
	for i := 0; i < cfg.Readers; i++ {
		seed := int64(1000 + i)
		t.Go(func() error {
			return read(ctx, views, rand.New(rand.NewSource(seed)), &stats)
		})
	}
	for i := 0; i < cfg.Subscribers; i++ {
		seed := int64(2000 + i)
		t.Go(func() error {
			return subscribe(ctx, cache, cfg.Keys, rand.New(rand.NewSource(seed)), &stats)
		})
	}

	// Deadline expiry and interrupts both end the run cleanly.
	if err := t.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, errors.Trace(err)
	}
	if err := items.Err(); err != nil {
		return nil, errors.Annotate(err, "list failed")
	}

	snapshot, _ := items.Snapshot()
	return &Report{
		Mutations:    stats.mutations.Load(),
		Updates:      stats.updates.Load(),
		Mismatches:   stats.mismatches.Load(),
		Attachments:  stats.attachments.Load(),
		Values:       stats.values.Load(),
		KeyFailures:  stats.keyFailures.Load(),
		ListLength:   len(snapshot),
		FaultCache:   cache.Report(),
		FaultFetcher: fetcher.Report(),
	}, nil
}

// write applies random edits to the list until ctx is done. The edit is
// chosen inside the mutation so that it is always valid for the items it
// is applied to. Mutations run on the calling goroutine, so they may use r.
func write(ctx context.Context, items *list.List[int], r *rand.Rand, stats *counters) error {
	next := 0
	for ctx.Err() == nil {
		op, a, b, value := r.Intn(10), r.Int(), r.Int(), next
		next++
		items.Apply(func(current []int, initialised bool) (*changes.Update[int], error) {
			n := len(current)
			switch {
			case n == 0 || (op < 4 && n < maxListLen):
				return list.Insert(a%(n+1), value)(current, initialised)
			case op < 6:
				return list.Remove[int](a%n)(current, initialised)
			case op < 8:
				return list.Move[int](a%n, b%n)(current, initialised)
			case op < 9:
				return list.Set(a%n, value)(current, initialised)
			default:
				shuffled := append([]int(nil), current...)
				r.Shuffle(len(shuffled), func(i, j int) {
					shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
				})
				return list.Replace(shuffled, true, sameInt)(current, initialised)
			}
		})
		stats.mutations.Add(1)
	}
	return ctx.Err()
}

func sameInt(a, b int) bool {
	return a == b
}

// read watches the list through a position cache and checks every
// element it reads against the update's items.
func read(
	ctx context.Context,
	views *positioncache.Wrapped[int, string],
	r *rand.Rand,
	stats *counters,
) error {
	w, err := views.Watch()
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = worker.Stop(w) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-w.Changes():
			if !ok {
				return errors.Annotate(w.Wait(), "list watcher stopped")
			}
			stats.updates.Add(1)
			items := update.View.Items()
			for i := 0; i < 4 && len(items) > 0; i++ {
				index := r.Intn(len(items))
				if got, want := update.View.Get(index), strconv.Itoa(items[index]); got != want {
					stats.mismatches.Add(1)
					logger.Warningf("index %d: got %q, want %q", index, got, want)
				}
			}
		}
	}
}

// subscribe repeatedly watches a random key for its first value.
func subscribe(ctx context.Context, cache *faultcache.Cache[string, string], keys int, r *rand.Rand, stats *counters) error {
	for ctx.Err() == nil {
		key := fmt.Sprintf("key-%d", r.Intn(keys))
		w, err := cache.Get(key).Watch()
		if err != nil {
			return errors.Trace(err)
		}
		select {
		case <-ctx.Done():
		case _, ok := <-w.Changes():
			if ok {
				stats.values.Add(1)
			} else {
				stats.keyFailures.Add(1)
				logger.Debugf("%s: %v", key, w.Wait())
			}
		}
		// Stopping a failed watcher returns its error, which was
		// counted above.
		_ = worker.Stop(w)
	}
	return ctx.Err()
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}

	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe()
	}()
	select {
	case err := <-errs:
		return errors.Annotate(err, "serving metrics")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return errors.Trace(server.Shutdown(shutdownCtx))
}

// simulatedFetcher fetches values after a delay, failing a fraction of
// attempts.
type simulatedFetcher struct {
	clock       clock.Clock
	delay       time.Duration
	failureRate float64
	calls       atomic.Int64
}

func (f *simulatedFetcher) Fetch(ctx context.Context, key string) (string, error) {
	call := f.calls.Add(1)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-f.clock.After(f.delay):
	}
	// Deterministic per call so concurrent fetches need no shared rand.
	if float64(call%1000)/1000 < f.failureRate {
		return "", errors.Errorf("simulated failure fetching %q", key)
	}
	return fmt.Sprintf("%s@%d", key, call), nil
}
