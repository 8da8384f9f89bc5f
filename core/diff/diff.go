// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package diff computes the edit script that turns one list snapshot into
// another, as a sequence of changes.Change values.
//
// The search is Myers' O(ND) algorithm, bisected on the middle snake so that
// working memory stays linear in the combined length of the inputs. Ranges
// still to be searched are kept on an explicit stack, so input size never
// affects goroutine stack depth.
package diff

import (
	"sort"

	"github.com/juju/errors"

	"github.com/juju/listcache/core/changes"
)

// ErrInvariantViolation is the panic value raised when the search cannot
// find a middle snake within the maximum possible edit distance. It only
// happens when the equality function is not deterministic or an input is
// mutated while it is being diffed.
const ErrInvariantViolation = errors.ConstError("diff invariant violation")

// Diff returns the changes that, replayed in order over before, produce
// after. Elements are matched with eq.
//
// When detectMoves is false the result holds only Insert and Remove
// changes. When it is true, a removal and an addition of equal elements
// that are not part of a common run are emitted as a single Move.
//
// The result is emitted walking from the end of both lists to the start,
// one change per element.
func Diff[T any](before, after []T, detectMoves bool, eq func(a, b T) bool) []changes.Change {
	n, m := len(before), len(after)
	switch {
	case n == 0:
		result := make([]changes.Change, m)
		for i := range result {
			result[i] = changes.InsertAt(i)
		}
		return result
	case m == 0:
		result := make([]changes.Change, n)
		for i := range result {
			result[i] = changes.RemoveAt(n - 1 - i)
		}
		return result
	}

	d := differ[T]{
		before: before,
		after:  after,
		eq:     eq,
	}
	diagonals := d.search()
	result := newResult(n, m, diagonals)
	if detectMoves {
		result.matchMoves(d.same)
	}
	return result.dispatch()
}

// Comparable is Diff for element types that can be compared with ==.
func Comparable[T comparable](before, after []T, detectMoves bool) []changes.Change {
	return Diff(before, after, detectMoves, func(a, b T) bool {
		return a == b
	})
}

// Update returns the update that takes a consumer holding before to
// after.
func Update[T any](before, after []T, detectMoves bool, eq func(a, b T) bool) changes.Update[T] {
	return changes.Update[T]{
		List:    after,
		Changes: Diff(before, after, detectMoves, eq),
	}
}

// span is a rectangle of the edit graph still to be searched. Ends are
// exclusive.
type span struct {
	oldStart, oldEnd int
	newStart, newEnd int
}

func (s span) oldSize() int { return s.oldEnd - s.oldStart }
func (s span) newSize() int { return s.newEnd - s.newStart }

// snake is the path found by one step of the search: at most one
// insertion or removal at one of its ends, plus a run of matches.
type snake struct {
	startX, startY int
	endX, endY     int
	// reverse is set when the snake was found by the backward pass, so
	// its insertion or removal is at the end rather than the start.
	reverse bool
}

func (s snake) diagonalSize() int {
	return min(s.endX-s.startX, s.endY-s.startY)
}

func (s snake) hasAdditionOrRemoval() bool {
	return s.endY-s.startY != s.endX-s.startX
}

func (s snake) isAddition() bool {
	return s.endY-s.startY > s.endX-s.startX
}

func (s snake) toDiagonal() diagonal {
	if !s.hasAdditionOrRemoval() {
		return diagonal{x: s.startX, y: s.startY, size: s.endX - s.startX}
	}
	switch {
	case s.reverse:
		return diagonal{x: s.startX, y: s.startY, size: s.diagonalSize()}
	case s.isAddition():
		return diagonal{x: s.startX, y: s.startY + 1, size: s.diagonalSize()}
	default:
		return diagonal{x: s.startX + 1, y: s.startY, size: s.diagonalSize()}
	}
}

// diagonal is a run of size matching elements starting at before[x] and
// after[y].
type diagonal struct {
	x, y, size int
}

func (d diagonal) endX() int { return d.x + d.size }
func (d diagonal) endY() int { return d.y + d.size }

// centered is an array indexed from -n-1 to n+1.
type centered struct {
	data []int
	mid  int
}

func newCentered(n int) centered {
	return centered{data: make([]int, 2*n+3), mid: n + 1}
}

func (c centered) get(k int) int    { return c.data[k+c.mid] }
func (c centered) set(k int, v int) { c.data[k+c.mid] = v }

type differ[T any] struct {
	before, after []T
	eq            func(a, b T) bool
}

func (d *differ[T]) same(x, y int) bool {
	return d.eq(d.before[x], d.after[y])
}

// search returns the matching runs between before and after, sorted by
// position.
func (d *differ[T]) search() []diagonal {
	n, m := len(d.before), len(d.after)
	maxD := (n + m + 1) / 2
	forward, backward := newCentered(maxD), newCentered(maxD)

	var diagonals []diagonal
	stack := []span{{oldEnd: n, newEnd: m}}
	for len(stack) > 0 {
		r := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		s, ok := d.midPoint(r, forward, backward)
		if !ok {
			continue
		}
		if s.diagonalSize() > 0 {
			diagonals = append(diagonals, s.toDiagonal())
		}
		stack = append(stack,
			span{
				oldStart: r.oldStart, oldEnd: s.startX,
				newStart: r.newStart, newEnd: s.startY,
			},
			span{
				oldStart: s.endX, oldEnd: r.oldEnd,
				newStart: s.endY, newEnd: r.newEnd,
			},
		)
	}
	sort.Slice(diagonals, func(i, j int) bool {
		return diagonals[i].x < diagonals[j].x
	})
	return diagonals
}

// midPoint finds the middle snake of r. It reports false only when one
// side of r is empty, in which case the whole range is additions or
// removals.
func (d *differ[T]) midPoint(r span, forward, backward centered) (snake, bool) {
	if r.oldSize() < 1 || r.newSize() < 1 {
		return snake{}, false
	}
	maxD := (r.oldSize() + r.newSize() + 1) / 2
	forward.set(1, r.oldStart)
	backward.set(1, r.oldEnd)
	for step := 0; step <= maxD; step++ {
		if s, ok := d.forward(r, forward, backward, step); ok {
			return s, true
		}
		if s, ok := d.backward(r, forward, backward, step); ok {
			return s, true
		}
	}
	panic(errors.Annotatef(ErrInvariantViolation,
		"no middle snake in [%d,%d)x[%d,%d)", r.oldStart, r.oldEnd, r.newStart, r.newEnd))
}

func (d *differ[T]) forward(r span, forward, backward centered, step int) (snake, bool) {
	delta := r.oldSize() - r.newSize()
	overlaps := abs(delta)%2 == 1
	for k := -step; k <= step; k += 2 {
		var x, startX int
		if k == -step || (k != step && forward.get(k+1) > forward.get(k-1)) {
			// Down: an insertion.
			x = forward.get(k + 1)
			startX = x
		} else {
			// Right: a removal.
			startX = forward.get(k - 1)
			x = startX + 1
		}
		y := r.newStart + (x - r.oldStart) - k
		startY := y
		if step != 0 && x == startX {
			startY = y - 1
		}
		for x < r.oldEnd && y < r.newEnd && d.same(x, y) {
			x++
			y++
		}
		forward.set(k, x)
		if !overlaps {
			continue
		}
		backwardK := delta - k
		if backwardK >= -step+1 && backwardK <= step-1 && backward.get(backwardK) <= x {
			return snake{
				startX: startX, startY: startY,
				endX: x, endY: y,
			}, true
		}
	}
	return snake{}, false
}

func (d *differ[T]) backward(r span, forward, backward centered, step int) (snake, bool) {
	delta := r.oldSize() - r.newSize()
	overlaps := abs(delta)%2 == 0
	for k := -step; k <= step; k += 2 {
		var x, startX int
		if k == -step || (k != step && backward.get(k+1) < backward.get(k-1)) {
			// Up: an insertion.
			x = backward.get(k + 1)
			startX = x
		} else {
			// Left: a removal.
			startX = backward.get(k - 1)
			x = startX - 1
		}
		y := r.newEnd - ((r.oldEnd - x) - k)
		startY := y
		if step != 0 && x == startX {
			startY = y + 1
		}
		for x > r.oldStart && y > r.newStart && d.same(x-1, y-1) {
			x--
			y--
		}
		backward.set(k, x)
		if !overlaps {
			continue
		}
		forwardK := delta - k
		if forwardK >= -step && forwardK <= step && forward.get(forwardK) >= x {
			return snake{
				startX: x, startY: y,
				endX: startX, endY: startY,
				reverse: true,
			}, true
		}
	}
	return snake{}, false
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
