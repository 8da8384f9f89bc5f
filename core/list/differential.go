// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package list

import (
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"

	"github.com/juju/listcache/core/changes"
	"github.com/juju/listcache/core/diff"
	"github.com/juju/listcache/core/watcher"
)

// Differential turns a stream of whole snapshots into a stream of
// updates. Each watcher diffs consecutive snapshots from its own watcher
// of the source: the first snapshot is delivered as a reload, and each
// later one as the changes from the snapshot before it. Snapshots equal
// to the previous one are skipped.
type Differential[T any] struct {
	source      watcher.Stream[[]T]
	detectMoves bool
	eq          func(a, b T) bool
}

// NewDifferential returns a Differential over source.
func NewDifferential[T any](source watcher.Stream[[]T], detectMoves bool, eq func(a, b T) bool) *Differential[T] {
	return &Differential[T]{
		source:      source,
		detectMoves: detectMoves,
		eq:          eq,
	}
}

// Watch is part of the watcher.Stream interface.
func (d *Differential[T]) Watch() (watcher.Watcher[changes.Update[T]], error) {
	source, err := d.source.Watch()
	if err != nil {
		return nil, errors.Annotate(err, "watching snapshots")
	}
	w := &differentialWatcher[T]{
		source:      source,
		detectMoves: d.detectMoves,
		eq:          d.eq,
		out:         make(chan changes.Update[T]),
	}
	w.tomb.Go(w.loop)
	return w, nil
}

type differentialWatcher[T any] struct {
	tomb        tomb.Tomb
	source      watcher.Watcher[[]T]
	detectMoves bool
	eq          func(a, b T) bool
	out         chan changes.Update[T]
}

// Changes is part of the watcher.Watcher interface.
func (w *differentialWatcher[T]) Changes() <-chan changes.Update[T] {
	return w.out
}

// Kill is part of the worker.Worker interface. The source watcher is
// killed before Kill returns, so it has already detached.
func (w *differentialWatcher[T]) Kill() {
	w.tomb.Kill(nil)
	w.source.Kill()
}

// Wait is part of the worker.Worker interface.
func (w *differentialWatcher[T]) Wait() error {
	return w.tomb.Wait()
}

func (w *differentialWatcher[T]) loop() error {
	defer close(w.out)
	defer func() {
		_ = worker.Stop(w.source)
	}()

	var (
		prev  []T
		first = true
	)
	for {
		var snapshot []T
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case s, ok := <-w.source.Changes():
			if !ok {
				return errors.Trace(w.source.Wait())
			}
			snapshot = s
		}

		var update changes.Update[T]
		if first {
			update = changes.ReloadOf(snapshot)
		} else {
			update = diff.Update(prev, snapshot, w.detectMoves, w.eq)
			if len(update.Changes) == 0 {
				continue
			}
		}
		prev, first = snapshot, false

		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case w.out <- update:
		}
	}
}
