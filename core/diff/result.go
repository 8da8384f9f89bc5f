// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package diff

import (
	"github.com/juju/listcache/core/changes"
)

const (
	// unmatched marks an element that is a plain removal or addition.
	unmatched = -1
	// onDiagonal marks an element that is part of a common run.
	onDiagonal = -2
)

// result holds the matching state of every element. A non-negative status
// is the index of the element on the other side that it moved from or to.
type result struct {
	oldSize, newSize int
	diagonals        []diagonal
	oldStatus        []int
	newStatus        []int
}

func newResult(oldSize, newSize int, diagonals []diagonal) *result {
	if len(diagonals) == 0 || diagonals[0].x != 0 || diagonals[0].y != 0 {
		diagonals = append([]diagonal{{}}, diagonals...)
	}
	diagonals = append(diagonals, diagonal{x: oldSize, y: newSize})

	r := &result{
		oldSize:   oldSize,
		newSize:   newSize,
		diagonals: diagonals,
		oldStatus: make([]int, oldSize),
		newStatus: make([]int, newSize),
	}
	for i := range r.oldStatus {
		r.oldStatus[i] = unmatched
	}
	for i := range r.newStatus {
		r.newStatus[i] = unmatched
	}
	for _, d := range diagonals {
		for offset := 0; offset < d.size; offset++ {
			r.oldStatus[d.x+offset] = onDiagonal
			r.newStatus[d.y+offset] = onDiagonal
		}
	}
	return r
}

// matchMoves pairs unmatched removals with equal unmatched additions.
// Gaps are visited from the end. A removal looks for an addition in its
// own gap and then in earlier gaps, nearest first; an addition left over
// looks for a removal in earlier gaps. The first match wins.
func (r *result) matchMoves(same func(x, y int) bool) {
	posX, posY := r.oldSize, r.newSize
	for i := len(r.diagonals) - 1; i >= 0; i-- {
		d := r.diagonals[i]
		for posX > d.endX() {
			posX--
			if r.oldStatus[posX] == unmatched {
				r.matchRemoval(posX, posY, i, same)
			}
		}
		for posY > d.endY() {
			posY--
			if r.newStatus[posY] == unmatched {
				r.matchAddition(posY, posX, i, same)
			}
		}
		posX, posY = d.x, d.y
	}
}

// matchRemoval searches additions before newPos, gap by gap, starting in
// the gap that follows diagonal i.
func (r *result) matchRemoval(oldPos, newPos, i int, same func(x, y int) bool) {
	for ; i >= 0; i-- {
		d := r.diagonals[i]
		for y := newPos - 1; y >= d.endY(); y-- {
			if r.newStatus[y] == unmatched && same(oldPos, y) {
				r.oldStatus[oldPos] = y
				r.newStatus[y] = oldPos
				return
			}
		}
		newPos = d.y
	}
}

// matchAddition searches removals before oldPos, gap by gap, starting in
// the gap that follows diagonal i.
func (r *result) matchAddition(newPos, oldPos, i int, same func(x, y int) bool) {
	for ; i >= 0; i-- {
		d := r.diagonals[i]
		for x := oldPos - 1; x >= d.endX(); x-- {
			if r.oldStatus[x] == unmatched && same(x, newPos) {
				r.oldStatus[x] = newPos
				r.newStatus[newPos] = x
				return
			}
		}
		oldPos = d.x
	}
}

// postponed is one half of a move whose other half has not been reached
// yet. fromEnd is its position counted from the end of the list being
// edited, which stays valid while edits happen closer to the start.
type postponed struct {
	ownerPos int
	fromEnd  int
	removal  bool
}

type postponedList []*postponed

// take removes and returns the entry for ownerPos, re-offsetting every
// entry recorded after it. It returns nil if there is none.
func (p *postponedList) take(ownerPos int, removal bool) *postponed {
	entries := *p
	for i, entry := range entries {
		if entry.ownerPos != ownerPos || entry.removal != removal {
			continue
		}
		for _, later := range entries[i+1:] {
			if removal {
				later.fromEnd--
			} else {
				later.fromEnd++
			}
		}
		*p = append(entries[:i], entries[i+1:]...)
		return entry
	}
	return nil
}

// dispatch emits the changes walking from the end of both lists to the
// start. Within each gap removals come before additions, so an addition
// lands at the position the removals left behind.
func (r *result) dispatch() []changes.Change {
	var (
		out     []changes.Change
		pending postponedList
		size    = r.oldSize
	)
	posX, posY := r.oldSize, r.newSize
	for i := len(r.diagonals) - 1; i >= 0; i-- {
		d := r.diagonals[i]
		for posX > d.endX() {
			posX--
			status := r.oldStatus[posX]
			if status < 0 {
				out = append(out, changes.RemoveAt(posX))
				size--
				continue
			}
			if addition := pending.take(status, false); addition != nil {
				to := size - addition.fromEnd - 1
				if to != posX {
					out = append(out, changes.MoveTo(posX, to))
				}
				continue
			}
			pending = append(pending, &postponed{
				ownerPos: posX,
				fromEnd:  size - posX - 1,
				removal:  true,
			})
		}
		for posY > d.endY() {
			posY--
			status := r.newStatus[posY]
			if status < 0 {
				out = append(out, changes.InsertAt(posX))
				size++
				continue
			}
			if removal := pending.take(status, true); removal != nil {
				from := size - removal.fromEnd - 1
				if from != posX {
					out = append(out, changes.MoveTo(from, posX))
				}
				continue
			}
			pending = append(pending, &postponed{
				ownerPos: posY,
				fromEnd:  size - posX,
				removal:  false,
			})
		}
		posX, posY = d.x, d.y
	}
	return out
}
