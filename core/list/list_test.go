// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package list_test

import (
	"sync"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/juju/listcache/core/changes"
	"github.com/juju/listcache/core/list"
	"github.com/juju/listcache/core/watcher"
)

type listSuite struct{}

var _ = gc.Suite(&listSuite{})

func intEq(a, b int) bool { return a == b }

func (s *listSuite) TestAddFromEmpty(c *gc.C) {
	l := list.NewWithItems(list.Config{}, []int{})
	w := watchList(c, l)
	defer workertest.CleanKill(c, w)

	l.Apply(list.Add(1))
	l.Apply(list.Add(2))

	c.Check(nextUpdate(c, w), jc.DeepEquals, changes.ReloadOf([]int{}))
	c.Check(nextUpdate(c, w), jc.DeepEquals, changes.Update[int]{
		List:    []int{1},
		Changes: []changes.Change{changes.InsertAt(0)},
	})
	c.Check(nextUpdate(c, w), jc.DeepEquals, changes.Update[int]{
		List:    []int{1, 2},
		Changes: []changes.Change{changes.InsertAt(1)},
	})
}

func (s *listSuite) TestNoStateEmitsNothing(c *gc.C) {
	l := list.New[string](list.Config{})
	w := watchList(c, l)
	defer workertest.CleanKill(c, w)
	assertNoUpdate(c, w)

	_, initialised := l.Snapshot()
	c.Check(initialised, jc.IsFalse)

	l.Apply(list.Add("a"))
	c.Check(nextUpdate(c, w), jc.DeepEquals, changes.Update[string]{
		List:    []string{"a"},
		Changes: []changes.Change{changes.InsertAt(0)},
	})
}

func (s *listSuite) TestLateWatcherGetsReload(c *gc.C) {
	l := list.NewWithItems(list.Config{}, []int{1})
	l.Apply(list.Add(2))
	l.Apply(list.Move[int](1, 0))

	w := watchList(c, l)
	defer workertest.CleanKill(c, w)
	c.Check(nextUpdate(c, w), jc.DeepEquals, changes.ReloadOf([]int{2, 1}))
	assertNoUpdate(c, w)
}

func (s *listSuite) TestMoveToSamePositionIsNoop(c *gc.C) {
	l := list.NewWithItems(list.Config{}, []int{1, 2, 3})
	w := watchList(c, l)
	defer workertest.CleanKill(c, w)
	nextUpdate(c, w)

	l.Apply(list.Move[int](1, 1))
	l.Apply(list.Remove[int](0))
	c.Check(nextUpdate(c, w), jc.DeepEquals, changes.Update[int]{
		List:    []int{2, 3},
		Changes: []changes.Change{changes.RemoveAt(0)},
	})
}

func (s *listSuite) TestEditHelpers(c *gc.C) {
	l := list.NewWithItems(list.Config{}, []int{1, 2, 3, 4})
	w := watchList(c, l)
	defer workertest.CleanKill(c, w)

	prev := nextUpdate(c, w).List
	for _, m := range []list.Mutation[int]{
		list.Insert(2, 10),
		list.Move[int](0, 4),
		list.Move[int](3, 1),
		list.Set(0, 20),
		list.Remove[int](4),
		list.Replace([]int{3, 20, 10, 5}, true, intEq),
		list.Clear[int](),
	} {
		l.Apply(m)
		update := nextUpdate(c, w)
		c.Assert(changes.Verify(prev, update, intEq), jc.ErrorIsNil, gc.Commentf("%v", update))
		prev = update.List
	}
	c.Check(prev, gc.HasLen, 0)

	l.Apply(list.Clear[int]())
	l.Apply(list.Reset([]int{7, 8}))
	c.Check(nextUpdate(c, w), jc.DeepEquals, changes.ReloadOf([]int{7, 8}))
}

func (s *listSuite) TestBatchPublishesOnce(c *gc.C) {
	l := list.NewWithItems(list.Config{}, []int{})
	w := watchList(c, l)
	defer workertest.CleanKill(c, w)
	nextUpdate(c, w)

	l.Batch(func(b *list.Batch[int]) error {
		c.Assert(b.Apply(list.Add(1)), jc.ErrorIsNil)
		c.Assert(b.Apply(list.Add(2)), jc.ErrorIsNil)
		c.Assert(b.Apply(list.Move[int](1, 0)), jc.ErrorIsNil)
		c.Check(b.Items(), jc.DeepEquals, []int{2, 1})
		return nil
	})

	c.Check(nextUpdate(c, w), jc.DeepEquals, changes.Update[int]{
		List: []int{2, 1},
		Changes: []changes.Change{
			changes.InsertAt(0),
			changes.InsertAt(1),
			changes.MoveTo(1, 0),
		},
	})
	assertNoUpdate(c, w)
}

func (s *listSuite) TestBatchRejectedMutationKeepsWorkingCopy(c *gc.C) {
	l := list.NewWithItems(list.Config{}, []int{1})
	w := watchList(c, l)
	defer workertest.CleanKill(c, w)
	nextUpdate(c, w)

	l.Batch(func(b *list.Batch[int]) error {
		err := b.Apply(list.Remove[int](5))
		c.Check(errors.Is(err, errors.NotValid), jc.IsTrue)
		return b.Apply(list.Add(2))
	})
	c.Check(nextUpdate(c, w).List, jc.DeepEquals, []int{1, 2})
}

func (s *listSuite) TestEmptyBatchPublishesNothing(c *gc.C) {
	l := list.NewWithItems(list.Config{}, []int{1})
	w := watchList(c, l)
	defer workertest.CleanKill(c, w)
	nextUpdate(c, w)

	l.Batch(func(*list.Batch[int]) error { return nil })
	assertNoUpdate(c, w)
}

func (s *listSuite) TestMutationErrorFailsList(c *gc.C) {
	l := list.NewWithItems(list.Config{}, []int{1})
	w := watchList(c, l)
	nextUpdate(c, w)

	l.Apply(list.Remove[int](3))
	assertClosed(c, w)
	err := w.Wait()
	c.Check(err, gc.ErrorMatches, `remove index 3 for length 1 not valid`)
	c.Check(errors.Is(err, list.ErrMutationFailed), jc.IsTrue)

	// Later mutations are dropped and the items kept.
	l.Apply(list.Add(2))
	items, _ := l.Snapshot()
	c.Check(items, jc.DeepEquals, []int{1})
	c.Check(errors.Is(l.Err(), list.ErrMutationFailed), jc.IsTrue)

	// Later watchers fail straight away.
	w2 := watchList(c, l)
	assertClosed(c, w2)
	c.Check(errors.Is(w2.Wait(), list.ErrMutationFailed), jc.IsTrue)
}

func (s *listSuite) TestMutationPanicFailsList(c *gc.C) {
	l := list.NewWithItems(list.Config{}, []int{1})
	w := watchList(c, l)
	nextUpdate(c, w)

	l.Apply(func([]int, bool) (*changes.Update[int], error) {
		panic("boom")
	})
	assertClosed(c, w)
	err := w.Wait()
	c.Check(err, gc.ErrorMatches, `mutation panicked: boom`)
	c.Check(errors.Is(err, list.ErrMutationFailed), jc.IsTrue)
}

func (s *listSuite) TestBatchErrorDiscardsBatch(c *gc.C) {
	l := list.NewWithItems(list.Config{}, []int{1})
	w := watchList(c, l)
	nextUpdate(c, w)

	l.Batch(func(b *list.Batch[int]) error {
		c.Assert(b.Apply(list.Add(2)), jc.ErrorIsNil)
		return errors.New("abandoned")
	})
	assertClosed(c, w)
	c.Check(w.Wait(), gc.ErrorMatches, `abandoned`)

	items, _ := l.Snapshot()
	c.Check(items, jc.DeepEquals, []int{1})
}

func (s *listSuite) TestAttachDetachHooks(c *gc.C) {
	var (
		mu     sync.Mutex
		events []string
	)
	record := func(event string) func() {
		return func() {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, event)
		}
	}
	l := list.NewWithItems(list.Config{
		OnAttach: record("attach"),
		OnDetach: record("detach"),
	}, []int{})

	w1 := watchList(c, l)
	w2 := watchList(c, l)
	workertest.CleanKill(c, w1)
	workertest.CleanKill(c, w2)
	w3 := watchList(c, l)
	workertest.CleanKill(c, w3)

	mu.Lock()
	defer mu.Unlock()
	c.Check(events, jc.DeepEquals, []string{"attach", "detach", "attach", "detach"})
}

func (s *listSuite) TestFailureDetaches(c *gc.C) {
	detached := 0
	l := list.NewWithItems(list.Config{
		OnDetach: func() { detached++ },
	}, []int{})
	w := watchList(c, l)

	l.Apply(list.Remove[int](0))
	c.Check(detached, gc.Equals, 1)

	// The list already let go of the watcher.
	workertest.DirtyKill(c, w)
	c.Check(detached, gc.Equals, 1)
}

func (s *listSuite) TestAttachHookFailingMutation(c *gc.C) {
	var (
		l        *list.List[int]
		detached int
	)
	l = list.NewWithItems(list.Config{
		OnAttach: func() {
			l.Apply(list.Remove[int](0))
		},
		OnDetach: func() { detached++ },
	}, []int{})

	watched := make(chan watcher.Watcher[changes.Update[int]], 1)
	go func() {
		w, err := l.Watch()
		c.Check(err, jc.ErrorIsNil)
		watched <- w
	}()
	var w watcher.Watcher[changes.Update[int]]
	select {
	case w = <-watched:
	case <-time.After(testing.LongWait):
		c.Fatalf("timed out watching list")
	}

	c.Check(detached, gc.Equals, 1)
	nextUpdate(c, w)
	assertClosed(c, w)
	c.Check(errors.Is(w.Wait(), list.ErrMutationFailed), jc.IsTrue)
}

func (s *listSuite) TestAttachHookActivatesList(c *gc.C) {
	var l *list.List[int]
	l = list.New[int](list.Config{
		OnAttach: func() {
			l.Apply(list.Reset([]int{1, 2}))
		},
		OnDetach: func() {
			l.Apply(list.Clear[int]())
		},
	})

	w := watchList(c, l)
	c.Check(nextUpdate(c, w), jc.DeepEquals, changes.ReloadOf([]int{1, 2}))
	workertest.CleanKill(c, w)

	items, initialised := l.Snapshot()
	c.Check(initialised, jc.IsTrue)
	c.Check(items, gc.HasLen, 0)
}

func (s *listSuite) TestPanickingHookKeepsHooksRunning(c *gc.C) {
	detached := 0
	l := list.NewWithItems(list.Config{
		OnAttach: func() { panic("attach") },
		OnDetach: func() { detached++ },
	}, []int{})

	w := watchList(c, l)
	w.Kill()
	c.Check(detached, gc.Equals, 1)
	c.Check(w.Wait(), jc.ErrorIsNil)
}

// TestConcurrentAppends appends unique values from many goroutines and
// checks that every update replays cleanly over the one before it.
func (s *listSuite) TestConcurrentAppends(c *gc.C) {
	const (
		writers   = 8
		perWriter = 25
		total     = writers * perWriter
	)
	l := list.NewWithItems(list.Config{}, []int{})
	w := watchList(c, l)
	defer workertest.CleanKill(c, w)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				l.Apply(list.Add(writer*perWriter + j))
			}
		}(i)
	}

	prev := nextUpdate(c, w).List
	for len(prev) < total {
		update := nextUpdate(c, w)
		c.Assert(update.Changes, jc.DeepEquals, []changes.Change{changes.InsertAt(len(prev))})
		c.Assert(changes.Verify(prev, update, intEq), jc.ErrorIsNil)
		prev = update.List
	}
	wg.Wait()

	seen := set.NewInts(prev...)
	c.Check(seen.Size(), gc.Equals, total)
	for i := 0; i < total; i++ {
		c.Check(seen.Contains(i), jc.IsTrue)
	}
	items, _ := l.Snapshot()
	c.Check(items, jc.DeepEquals, prev)
}

func watchList[T any](c *gc.C, l *list.List[T]) watcher.Watcher[changes.Update[T]] {
	w, err := l.Watch()
	c.Assert(err, jc.ErrorIsNil)
	return w
}

func nextUpdate[T any](c *gc.C, w watcher.Watcher[changes.Update[T]]) changes.Update[T] {
	select {
	case update, ok := <-w.Changes():
		if !ok {
			c.Fatalf("watcher stopped: %v", w.Wait())
		}
		return update
	case <-time.After(testing.LongWait):
		c.Fatalf("timed out waiting for update")
	}
	panic("unreachable")
}

func assertNoUpdate[T any](c *gc.C, w watcher.Watcher[changes.Update[T]]) {
	select {
	case update, ok := <-w.Changes():
		c.Fatalf("unexpected update %v (open: %v)", update, ok)
	case <-time.After(50 * time.Millisecond):
	}
}

func assertClosed[T any](c *gc.C, w watcher.Watcher[T]) {
	select {
	case _, ok := <-w.Changes():
		c.Assert(ok, jc.IsFalse)
	case <-time.After(testing.LongWait):
		c.Fatalf("timed out waiting for close")
	}
}
