// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package list

import (
	"github.com/juju/errors"

	"github.com/juju/listcache/core/changes"
)

// Batch is the handle passed to the body of List.Batch. Mutations applied
// through it run inline, in call order, against the batch's working copy.
type Batch[T any] struct {
	items       []T
	initialised bool
	changes     []changes.Change
	dirty       bool
}

// Apply runs m against the working copy. An error or panic from m is
// returned and leaves the working copy as it was.
func (b *Batch[T]) Apply(m Mutation[T]) error {
	update, err := run(m, b.items, b.initialised)
	if err != nil {
		return errors.Trace(err)
	}
	if update == nil {
		return nil
	}
	b.items = update.List
	b.initialised = true
	b.changes = append(b.changes, update.Changes...)
	b.dirty = true
	return nil
}

// Items returns the working copy. It must not be modified.
func (b *Batch[T]) Items() []T {
	return b.items
}

func (b *Batch[T]) update() *changes.Update[T] {
	if !b.dirty {
		return nil
	}
	return &changes.Update[T]{
		List:    b.items,
		Changes: b.changes,
	}
}
