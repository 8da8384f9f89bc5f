// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package list provides a shared list that many goroutines can edit and
// many watchers can observe. Edits are applied one at a time in a single
// total order, and each is published as a changes.Update describing just
// that edit.
package list

import (
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/juju/listcache/core/changes"
	"github.com/juju/listcache/core/watcher"
)

var logger = loggo.GetLogger("listcache.list")

// ErrMutationFailed types the terminal error of a list whose mutation
// returned an error or panicked.
const ErrMutationFailed = errors.ConstError("list mutation failed")

// Logger represents the logging methods called.
type Logger interface {
	Warningf(message string, args ...interface{})
	Debugf(message string, args ...interface{})
}

// Mutation computes the next state of a list. It is passed the current
// items, which it must not modify, and whether the list has any state
// yet. It returns the update to publish, or nil to publish nothing.
type Mutation[T any] func(current []T, initialised bool) (*changes.Update[T], error)

// Config holds the optional hooks and logger of a List. Hooks are called
// once per transition, in transition order, and never with the list
// locked. A hook may mutate or watch the list; any hook that triggers
// runs as soon as the running hook returns.
type Config struct {
	// OnAttach is called when the list gains its first watcher.
	OnAttach func()

	// OnDetach is called when the list loses its last watcher.
	OnDetach func()

	// Logger is used for dropped mutations and panicking hooks. It
	// defaults to the package logger.
	Logger Logger
}

// List is a list of T edited through mutations. It is safe for
// concurrent use.
type List[T any] struct {
	config Config
	logger Logger

	mu          sync.Mutex
	turn        *sync.Cond
	nextTicket  uint64
	serving     uint64
	items       []T
	initialised bool
	err         error
	subscribers int
	broker      *watcher.Broker[changes.Update[T]]

	// hooks queues attach and detach hooks in transition order. Only the
	// caller that set draining runs them.
	hooks    []func()
	draining bool
}

// New returns a list with no state. Watchers see nothing until the first
// mutation publishes an update.
func New[T any](config Config) *List[T] {
	l := &List[T]{
		config: config,
		logger: config.Logger,
		broker: watcher.NewBroker[changes.Update[T]](watcher.BrokerConfig{}),
	}
	if l.logger == nil {
		l.logger = logger
	}
	l.turn = sync.NewCond(&l.mu)
	return l
}

// NewWithItems returns a list holding items. It takes ownership of items.
func NewWithItems[T any](config Config, items []T) *List[T] {
	l := New[T](config)
	l.items = items
	l.initialised = true
	return l
}

// Snapshot returns the current items and whether the list has any state.
// The returned slice must not be modified.
func (l *List[T]) Snapshot() ([]T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.items, l.initialised
}

// Err returns the error that failed the list, if any.
func (l *List[T]) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Apply runs m once every mutation applied before it has finished, and
// publishes the update it returns. Mutations are applied in the order
// their Apply calls began.
//
// An error or panic from m fails the list: watchers end with an error
// satisfying errors.Is(err, ErrMutationFailed), the items stay as they
// were, and later mutations are dropped.
//
// Calling Apply from inside a mutation deadlocks; use Batch to combine
// mutations.
func (l *List[T]) Apply(m Mutation[T]) {
	l.mu.Lock()
	ticket := l.nextTicket
	l.nextTicket++
	for l.serving != ticket {
		l.turn.Wait()
	}
	current, initialised, failed := l.items, l.initialised, l.err != nil
	l.mu.Unlock()

	var (
		update *changes.Update[T]
		err    error
	)
	if failed {
		l.logger.Warningf("dropping mutation %d on failed list", ticket)
	} else {
		update, err = run(m, current, initialised)
	}

	l.mu.Lock()
	l.serving++
	l.turn.Broadcast()
	switch {
	case failed:
	case err != nil:
		l.fail(err)
		return
	case update != nil:
		l.items = update.List
		l.initialised = true
		l.broker.Publish(*update)
	}
	l.mu.Unlock()
}

// fail must be called with mu held, and releases it.
func (l *List[T]) fail(err error) {
	l.err = errors.WithType(err, ErrMutationFailed)
	l.logger.Debugf("list failed: %v", err)
	l.broker.Fail(l.err)

	attached := l.subscribers > 0
	l.subscribers = 0
	l.runHook(attached, l.config.OnDetach)
}

// runHook must be called with mu held, and releases it. When fire is true
// it queues hook, if any, then runs queued hooks outside mu unless another
// call is already running them. That call may be further up this
// goroutine's stack, when a hook mutates or watches the list; it runs the
// queued hook before returning.
func (l *List[T]) runHook(fire bool, hook func()) {
	if fire && hook != nil {
		l.hooks = append(l.hooks, hook)
	}
	if l.draining {
		l.mu.Unlock()
		return
	}
	l.draining = true
	for len(l.hooks) > 0 {
		next := l.hooks[0]
		l.hooks[0] = nil
		l.hooks = l.hooks[1:]
		l.mu.Unlock()
		l.callHook(next)
		l.mu.Lock()
	}
	l.draining = false
	l.mu.Unlock()
}

func (l *List[T]) callHook(hook func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warningf("list hook panicked: %v", r)
		}
	}()
	hook()
}

func run[T any](m Mutation[T], current []T, initialised bool) (update *changes.Update[T], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("mutation panicked: %v", r)
		}
	}()
	update, err = m(current, initialised)
	return update, errors.Trace(err)
}

// Batch runs body as a single mutation. Mutations applied through the
// handle passed to body take effect on a working copy and are published
// together as one update when body returns. If body returns an error,
// nothing from the batch is kept and the list fails.
func (l *List[T]) Batch(body func(b *Batch[T]) error) {
	l.Apply(func(current []T, initialised bool) (*changes.Update[T], error) {
		b := &Batch[T]{
			items:       current,
			initialised: initialised,
		}
		if err := body(b); err != nil {
			return nil, errors.Trace(err)
		}
		return b.update(), nil
	})
}

// Watch returns a watcher of the list's updates. If the list has state,
// the first update is a reload of the current items. If the list has
// failed, the watcher ends straight away with the failure.
func (l *List[T]) Watch() (watcher.Watcher[changes.Update[T]], error) {
	l.mu.Lock()
	var initial []changes.Update[T]
	if l.initialised && l.err == nil {
		initial = append(initial, changes.ReloadOf(l.items))
	}
	w, _ := l.broker.Subscribe(l.release, initial...)
	if l.err != nil {
		l.mu.Unlock()
		return w, nil
	}
	l.subscribers++
	l.runHook(l.subscribers == 1, l.config.OnAttach)
	return w, nil
}

func (l *List[T]) release(int) {
	l.mu.Lock()
	if l.subscribers == 0 {
		l.mu.Unlock()
		return
	}
	l.subscribers--
	l.runHook(l.subscribers == 0, l.config.OnDetach)
}
