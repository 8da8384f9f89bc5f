// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package positioncache

import (
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"

	"github.com/juju/listcache/core/changes"
	"github.com/juju/listcache/core/watcher"
)

// Update is a list update delivered with a cached view of the list.
type Update[T, R any] struct {
	View    *View[T, R]
	Changes []changes.Change
}

// Wrapped is a stream of list updates with cached element access. Each
// watcher has its own cache.
type Wrapped[T, R any] struct {
	source    watcher.Stream[changes.Update[T]]
	transform func(T) R
	config    Config
}

// Wrap returns a stream of source's updates, each carrying a view whose
// Get memoizes transform.
func Wrap[T, R any](
	source watcher.Stream[changes.Update[T]], transform func(T) R, config Config,
) (*Wrapped[T, R], error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Wrapped[T, R]{
		source:    source,
		transform: transform,
		config:    config,
	}, nil
}

// Watch is part of the watcher.Stream interface.
func (s *Wrapped[T, R]) Watch() (watcher.Watcher[Update[T, R]], error) {
	cache, err := New(s.transform, s.config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	source, err := s.source.Watch()
	if err != nil {
		return nil, errors.Annotate(err, "watching list")
	}
	w := &cachingWatcher[T, R]{
		source: source,
		cache:  cache,
		out:    make(chan Update[T, R]),
	}
	w.tomb.Go(w.loop)
	return w, nil
}

type cachingWatcher[T, R any] struct {
	tomb   tomb.Tomb
	source watcher.Watcher[changes.Update[T]]
	cache  *Cache[T, R]
	out    chan Update[T, R]
}

// Changes is part of the watcher.Watcher interface.
func (w *cachingWatcher[T, R]) Changes() <-chan Update[T, R] {
	return w.out
}

// Kill is part of the worker.Worker interface. The source watcher is
// killed before Kill returns, so it has already detached.
func (w *cachingWatcher[T, R]) Kill() {
	w.tomb.Kill(nil)
	w.source.Kill()
}

// Wait is part of the worker.Worker interface.
func (w *cachingWatcher[T, R]) Wait() error {
	return w.tomb.Wait()
}

func (w *cachingWatcher[T, R]) loop() error {
	defer close(w.out)
	defer func() {
		_ = worker.Stop(w.source)
	}()

	for {
		var update changes.Update[T]
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case u, ok := <-w.source.Changes():
			if !ok {
				return errors.Trace(w.source.Wait())
			}
			update = u
		}

		out := Update[T, R]{
			View:    w.cache.Apply(update),
			Changes: update.Changes,
		}
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case w.out <- out:
		}
	}
}
