// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package list

import (
	"github.com/juju/errors"

	"github.com/juju/listcache/core/changes"
	"github.com/juju/listcache/core/diff"
)

// Add appends item.
func Add[T any](item T) Mutation[T] {
	return func(current []T, _ bool) (*changes.Update[T], error) {
		return Insert(len(current), item)(current, true)
	}
}

// Insert inserts item so that it ends up at index.
func Insert[T any](index int, item T) Mutation[T] {
	return func(current []T, _ bool) (*changes.Update[T], error) {
		if index < 0 || index > len(current) {
			return nil, errors.NotValidf("insert index %d for length %d", index, len(current))
		}
		next := make([]T, 0, len(current)+1)
		next = append(next, current[:index]...)
		next = append(next, item)
		next = append(next, current[index:]...)
		return &changes.Update[T]{
			List:    next,
			Changes: []changes.Change{changes.InsertAt(index)},
		}, nil
	}
}

// Remove removes the item at index.
func Remove[T any](index int) Mutation[T] {
	return func(current []T, _ bool) (*changes.Update[T], error) {
		if index < 0 || index >= len(current) {
			return nil, errors.NotValidf("remove index %d for length %d", index, len(current))
		}
		next := make([]T, 0, len(current)-1)
		next = append(next, current[:index]...)
		next = append(next, current[index+1:]...)
		return &changes.Update[T]{
			List:    next,
			Changes: []changes.Change{changes.RemoveAt(index)},
		}, nil
	}
}

// Move moves the item at from so that it ends up at to. Moving an item to
// where it already is publishes nothing.
func Move[T any](from, to int) Mutation[T] {
	return func(current []T, _ bool) (*changes.Update[T], error) {
		if from < 0 || from >= len(current) || to < 0 || to >= len(current) {
			return nil, errors.NotValidf("move %d to %d for length %d", from, to, len(current))
		}
		if from == to {
			return nil, nil
		}
		next := make([]T, len(current))
		copy(next, current)
		item := next[from]
		if from < to {
			copy(next[from:to], next[from+1:to+1])
		} else {
			copy(next[to+1:from+1], next[to:from])
		}
		next[to] = item
		return &changes.Update[T]{
			List:    next,
			Changes: []changes.Change{changes.MoveTo(from, to)},
		}, nil
	}
}

// Set replaces the item at index. It is published as a removal followed
// by an insertion at the same index, so position caches drop the old
// value.
func Set[T any](index int, item T) Mutation[T] {
	return func(current []T, _ bool) (*changes.Update[T], error) {
		if index < 0 || index >= len(current) {
			return nil, errors.NotValidf("set index %d for length %d", index, len(current))
		}
		next := make([]T, len(current))
		copy(next, current)
		next[index] = item
		return &changes.Update[T]{
			List: next,
			Changes: []changes.Change{
				changes.RemoveAt(index),
				changes.InsertAt(index),
			},
		}, nil
	}
}

// Clear removes every item, last first. Clearing an empty list publishes
// nothing, unless the list had no state, in which case it becomes an
// empty list.
func Clear[T any]() Mutation[T] {
	return func(current []T, initialised bool) (*changes.Update[T], error) {
		if initialised && len(current) == 0 {
			return nil, nil
		}
		chs := make([]changes.Change, len(current))
		for i := range chs {
			chs[i] = changes.RemoveAt(len(current) - 1 - i)
		}
		return &changes.Update[T]{
			List:    []T{},
			Changes: chs,
		}, nil
	}
}

// Reset replaces the whole list with items and publishes a reload. It
// takes ownership of items.
func Reset[T any](items []T) Mutation[T] {
	return func([]T, bool) (*changes.Update[T], error) {
		if items == nil {
			items = []T{}
		}
		update := changes.ReloadOf(items)
		return &update, nil
	}
}

// Replace replaces the whole list with items and publishes the minimal
// changes between the old and new contents, found with the diff engine.
// It takes ownership of items. A list with no state gets a reload.
func Replace[T any](items []T, detectMoves bool, eq func(a, b T) bool) Mutation[T] {
	return func(current []T, initialised bool) (*changes.Update[T], error) {
		if !initialised {
			return Reset(items)(current, initialised)
		}
		update := diff.Update(current, items, detectMoves, eq)
		if len(update.Changes) == 0 {
			return nil, nil
		}
		return &update, nil
	}
}
