// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package faultfetcher_test

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/mock/gomock"
	gc "gopkg.in/check.v1"

	"github.com/juju/listcache/core/faultcache"
	"github.com/juju/listcache/core/watcher"
	"github.com/juju/listcache/worker/faultfetcher"
)

const retryDelay = time.Second

type workerSuite struct {
	clock   *testclock.Clock
	cache   *faultcache.Cache[string, int]
	fetcher *MockFetcher[string, int]
	metrics *faultfetcher.Collector
}

var _ = gc.Suite(&workerSuite{})

func (s *workerSuite) SetUpTest(c *gc.C) {
	s.clock = testclock.NewClock(time.Now())
	s.metrics = faultfetcher.NewMetricsCollector()

	var err error
	s.cache, err = faultcache.New[string, int](faultcache.Config{
		Name:   "test",
		Logger: loggo.GetLogger("listcache.faultfetcher.test"),
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *workerSuite) setupMocks(c *gc.C) *gomock.Controller {
	ctrl := gomock.NewController(c)
	s.fetcher = NewMockFetcher[string, int](ctrl)
	return ctrl
}

func (s *workerSuite) config() faultfetcher.Config[string, int] {
	return faultfetcher.Config[string, int]{
		Cache:         s.cache,
		Fetcher:       s.fetcher,
		Clock:         s.clock,
		Logger:        loggo.GetLogger("listcache.faultfetcher.test"),
		Metrics:       s.metrics,
		RetryAttempts: 3,
		RetryDelay:    retryDelay,
		MaxConcurrent: 4,
	}
}

func (s *workerSuite) newWorker(c *gc.C, config faultfetcher.Config[string, int]) *faultfetcher.Worker[string, int] {
	w, err := faultfetcher.NewWorker(config)
	c.Assert(err, jc.ErrorIsNil)
	return w
}

func (s *workerSuite) TestValidate(c *gc.C) {
	defer s.setupMocks(c).Finish()

	for _, test := range []struct {
		mutate func(*faultfetcher.Config[string, int])
		err    string
	}{{
		func(cfg *faultfetcher.Config[string, int]) { cfg.Cache = nil },
		"nil Cache not valid",
	}, {
		func(cfg *faultfetcher.Config[string, int]) { cfg.Fetcher = nil },
		"nil Fetcher not valid",
	}, {
		func(cfg *faultfetcher.Config[string, int]) { cfg.Clock = nil },
		"nil Clock not valid",
	}, {
		func(cfg *faultfetcher.Config[string, int]) { cfg.Logger = nil },
		"nil Logger not valid",
	}, {
		func(cfg *faultfetcher.Config[string, int]) { cfg.RetryAttempts = 0 },
		"RetryAttempts 0 not valid",
	}, {
		func(cfg *faultfetcher.Config[string, int]) { cfg.RetryDelay = 0 },
		"RetryDelay 0s not valid",
	}, {
		func(cfg *faultfetcher.Config[string, int]) { cfg.MaxConcurrent = 0 },
		"MaxConcurrent 0 not valid",
	}} {
		cfg := s.config()
		test.mutate(&cfg)
		err := cfg.Validate()
		c.Check(err, jc.Satisfies, errors.IsNotValid)
		c.Check(err, gc.ErrorMatches, test.err)

		_, err = faultfetcher.NewWorker(cfg)
		c.Check(err, gc.ErrorMatches, test.err)
	}
}

func (s *workerSuite) TestFetchPublishes(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.fetcher.EXPECT().Fetch(gomock.Any(), "a").Return(1, nil)

	w := s.newWorker(c, s.config())
	defer workertest.CleanKill(c, w)

	values := s.watch(c, "a")
	defer workertest.CleanKill(c, values)
	c.Check(receive(c, values), gc.Equals, 1)
}

func (s *workerSuite) TestRetriesTransientFailure(c *gc.C) {
	defer s.setupMocks(c).Finish()

	gomock.InOrder(
		s.fetcher.EXPECT().Fetch(gomock.Any(), "a").Return(0, errors.New("flaky")),
		s.fetcher.EXPECT().Fetch(gomock.Any(), "a").Return(2, nil),
	)

	w := s.newWorker(c, s.config())
	defer workertest.CleanKill(c, w)

	values := s.watch(c, "a")
	defer workertest.CleanKill(c, values)

	c.Assert(s.clock.WaitAdvance(retryDelay, testing.LongWait, 1), jc.ErrorIsNil)
	c.Check(receive(c, values), gc.Equals, 2)
	c.Check(w.Report()["fetches"], gc.Equals, float64(2))
	c.Check(testutil.CollectAndCount(s.metrics), gc.Equals, 4)
}

func (s *workerSuite) TestFailsKeyAfterLastAttempt(c *gc.C) {
	defer s.setupMocks(c).Finish()

	cfg := s.config()
	cfg.RetryAttempts = 2
	s.fetcher.EXPECT().Fetch(gomock.Any(), "bad").Return(0, errors.New("gone")).Times(2)
	s.fetcher.EXPECT().Fetch(gomock.Any(), "good").Return(5, nil)

	w := s.newWorker(c, cfg)
	defer workertest.CleanKill(c, w)

	bad := s.watch(c, "bad")
	c.Assert(s.clock.WaitAdvance(retryDelay, testing.LongWait, 1), jc.ErrorIsNil)
	assertClosed(c, bad)
	err := bad.Wait()
	c.Check(err, gc.ErrorMatches, "fetching bad: gone")
	c.Check(errors.Is(err, faultcache.ErrFaultHandler), jc.IsTrue)

	// The worker keeps going for other keys.
	workertest.CheckAlive(c, w)
	good := s.watch(c, "good")
	defer workertest.CleanKill(c, good)
	c.Check(receive(c, good), gc.Equals, 5)

	report := w.Report()
	c.Check(report["failures"], gc.Equals, float64(1))
}

func (s *workerSuite) TestLateFailureLeavesNewEntry(c *gc.C) {
	defer s.setupMocks(c).Finish()

	started := make(chan struct{})
	release := make(chan struct{})
	gomock.InOrder(
		s.fetcher.EXPECT().Fetch(gomock.Any(), "a").DoAndReturn(func(context.Context, string) (int, error) {
			close(started)
			<-release
			return 0, errors.New("gone")
		}),
		s.fetcher.EXPECT().Fetch(gomock.Any(), "a").Return(9, nil),
	)

	cfg := s.config()
	cfg.RetryAttempts = 1
	w := s.newWorker(c, cfg)
	defer workertest.CleanKill(c, w)

	first := s.watch(c, "a")
	select {
	case <-started:
	case <-time.After(testing.LongWait):
		c.Fatalf("fetch not started")
	}
	workertest.CleanKill(c, first)

	second := s.watch(c, "a")
	defer workertest.CleanKill(c, second)
	c.Check(receive(c, second), gc.Equals, 9)

	close(release)
	deadline := time.After(testing.LongWait)
	for w.Report()["failures"] != float64(1) {
		select {
		case <-deadline:
			c.Fatalf("timed out waiting for the first fetch to fail")
		case <-time.After(10 * time.Millisecond):
		}
	}
	c.Check(s.cache.Publish("a", 10), jc.IsTrue)
	c.Check(receive(c, second), gc.Equals, 10)
}

func (s *workerSuite) TestKillCancelsFetch(c *gc.C) {
	defer s.setupMocks(c).Finish()

	started := make(chan struct{})
	s.fetcher.EXPECT().Fetch(gomock.Any(), "slow").DoAndReturn(func(ctx context.Context, _ string) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})

	w := s.newWorker(c, s.config())
	values := s.watch(c, "slow")
	defer workertest.CleanKill(c, values)

	select {
	case <-started:
	case <-time.After(testing.LongWait):
		c.Fatalf("fetch not started")
	}
	workertest.CleanKill(c, w)

	// The key was abandoned, not failed.
	c.Check(s.cache.Len(), gc.Equals, 1)
}

func (s *workerSuite) TestBoundsConcurrency(c *gc.C) {
	defer s.setupMocks(c).Finish()

	const keys = 6
	var (
		mu       sync.Mutex
		inflight int
		peak     int
		release  = make(chan struct{})
	)
	s.fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, key string) (int, error) {
		mu.Lock()
		inflight++
		peak = max(peak, inflight)
		mu.Unlock()

		<-release

		mu.Lock()
		inflight--
		mu.Unlock()
		return len(key), nil
	}).Times(keys)

	cfg := s.config()
	cfg.MaxConcurrent = 2
	w := s.newWorker(c, cfg)
	defer workertest.CleanKill(c, w)

	var ws []watcher.Watcher[int]
	for _, key := range []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff"} {
		ws = append(ws, s.watch(c, key))
	}
	close(release)
	for i, values := range ws {
		c.Check(receive(c, values), gc.Equals, i+1)
		workertest.CleanKill(c, values)
	}

	mu.Lock()
	defer mu.Unlock()
	c.Check(peak <= 2, jc.IsTrue, gc.Commentf("peak %d", peak))
}

func (s *workerSuite) watch(c *gc.C, key string) watcher.Watcher[int] {
	w, err := s.cache.Get(key).Watch()
	c.Assert(err, jc.ErrorIsNil)
	return w
}

func receive[T any](c *gc.C, w watcher.Watcher[T]) T {
	select {
	case v, ok := <-w.Changes():
		if !ok {
			c.Fatalf("watcher stopped: %v", w.Wait())
		}
		return v
	case <-time.After(testing.LongWait):
		c.Fatalf("timed out waiting for change")
	}
	panic("unreachable")
}

func assertClosed[T any](c *gc.C, w watcher.Watcher[T]) {
	select {
	case _, ok := <-w.Changes():
		c.Assert(ok, jc.IsFalse)
	case <-time.After(testing.LongWait):
		c.Fatalf("timed out waiting for close")
	}
}
