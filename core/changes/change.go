// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package changes

import "fmt"

// Kind represents the type of a structural change to a list.
type Kind int

const (
	// Insert represents a new element appearing at a position.
	Insert Kind = iota + 1
	// Remove represents an element leaving the list.
	Remove
	// Move represents an element changing position.
	Move
	// Reload represents a wholesale replacement of the list. It carries
	// no positions and invalidates any positional state held by a
	// consumer.
	Reload
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Remove:
		return "remove"
	case Move:
		return "move"
	case Reload:
		return "reload"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Change is a single structural edit. Changes are applied in order, each
// against the state left by the previous one:
//
//   - Remove(from) removes the element at From.
//   - Insert(to) inserts an element so that it sits at To.
//   - Move(from, to) removes the element at From and reinserts it so that
//     it sits at To.
//   - Reload replaces everything.
//
// Change is a value type; two changes are equal when their fields are.
type Change struct {
	Kind Kind
	From int
	To   int
}

// InsertAt returns an insert change landing at index to.
func InsertAt(to int) Change {
	return Change{Kind: Insert, From: -1, To: to}
}

// RemoveAt returns a remove change for the element at index from.
func RemoveAt(from int) Change {
	return Change{Kind: Remove, From: from, To: -1}
}

// MoveTo returns a change that moves the element at from to to.
func MoveTo(from, to int) Change {
	return Change{Kind: Move, From: from, To: to}
}

// ReloadAll returns a reload change.
func ReloadAll() Change {
	return Change{Kind: Reload, From: -1, To: -1}
}

// String returns a compact description of the change, used in logs and
// test failures.
func (c Change) String() string {
	switch c.Kind {
	case Insert:
		return fmt.Sprintf("insert(%d)", c.To)
	case Remove:
		return fmt.Sprintf("remove(%d)", c.From)
	case Move:
		return fmt.Sprintf("move(%d->%d)", c.From, c.To)
	case Reload:
		return "reload"
	default:
		return fmt.Sprintf("%s(%d->%d)", c.Kind, c.From, c.To)
	}
}

// Update is what every list source emits: the complete list after an edit
// and the changes that produced it from the previously emitted list (or
// from empty for the first update).
//
// List must be treated as immutable by producers once emitted and by every
// consumer. Consumers must not rely on the identity of List being stable
// between updates.
type Update[T any] struct {
	List    []T
	Changes []Change
}

// ReloadOf returns an update that replaces any previous state with list.
func ReloadOf[T any](list []T) Update[T] {
	return Update[T]{
		List:    list,
		Changes: []Change{ReloadAll()},
	}
}

// HasReload reports whether any of the update's changes is a reload.
func (u Update[T]) HasReload() bool {
	for _, c := range u.Changes {
		if c.Kind == Reload {
			return true
		}
	}
	return false
}
