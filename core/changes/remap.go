// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package changes

import (
	"github.com/juju/errors"
)

// Remap walks index through changes in order and returns where the element
// that was at index ends up. The second result is false if the element did
// not survive: it was removed, or a reload discarded all positions.
//
// Remap is a pure function. Position-keyed state can be carried across an
// update by remapping each key instead of recomputing its value.
func Remap(index int, changes []Change) (int, bool) {
	for _, c := range changes {
		switch c.Kind {
		case Reload:
			return -1, false
		case Remove:
			if index == c.From {
				return -1, false
			}
			if index > c.From {
				index--
			}
		case Insert:
			if index >= c.To {
				index++
			}
		case Move:
			switch {
			case index == c.From:
				index = c.To
			case c.From < c.To && index > c.From && index <= c.To:
				index--
			case c.From > c.To && index >= c.To && index < c.From:
				index++
			}
		}
	}
	return index, true
}

// Verify replays changes over prev and checks that the result is
// consistent with next: the lengths must agree and every element that was
// carried over (not inserted) must be equal, according to eq, to the
// element of next.List at the position it was carried to. Values of
// inserted elements are taken from next.List and are not checked.
//
// If the changes contain a reload, changes before the last reload are
// ignored. The changes after it are replayed over a list of unknown
// values, whose length is what next.List implies, and checked for bounds.
func Verify[T any](prev []T, next Update[T], eq func(a, b T) bool) error {
	const (
		inserted = -1
		unknown  = -2
	)

	replay, first := next.Changes, 0
	var slots []int
	if last := lastReload(replay); last >= 0 {
		first = last + 1
		size := len(next.List)
		for _, c := range replay[first:] {
			switch c.Kind {
			case Insert:
				size--
			case Remove:
				size++
			}
		}
		if size < 0 {
			return errors.Errorf("changes after reload insert more than the %d elements of the update", len(next.List))
		}
		slots = make([]int, size)
		for i := range slots {
			slots[i] = unknown
		}
	} else {
		slots = make([]int, len(prev))
		for i := range slots {
			slots[i] = i
		}
	}

	for i := first; i < len(replay); i++ {
		c := replay[i]
		switch c.Kind {
		case Insert:
			if c.To < 0 || c.To > len(slots) {
				return errors.Errorf("change %d: %v out of range for length %d", i, c, len(slots))
			}
			slots = insertAt(slots, c.To, inserted)
		case Remove:
			if c.From < 0 || c.From >= len(slots) {
				return errors.Errorf("change %d: %v out of range for length %d", i, c, len(slots))
			}
			slots = append(slots[:c.From], slots[c.From+1:]...)
		case Move:
			if c.From < 0 || c.From >= len(slots) || c.To < 0 || c.To >= len(slots) {
				return errors.Errorf("change %d: %v out of range for length %d", i, c, len(slots))
			}
			moved := slots[c.From]
			slots = append(slots[:c.From], slots[c.From+1:]...)
			slots = insertAt(slots, c.To, moved)
		default:
			return errors.NotValidf("change %d kind %v", i, c.Kind)
		}
	}
	if len(slots) != len(next.List) {
		return errors.Errorf("replay produced %d elements, update has %d", len(slots), len(next.List))
	}
	for i, origin := range slots {
		if origin < 0 {
			continue
		}
		if !eq(prev[origin], next.List[i]) {
			return errors.Errorf("element %d: replay carried %v, update has %v", i, prev[origin], next.List[i])
		}
	}
	return nil
}

func lastReload(chs []Change) int {
	for i := len(chs) - 1; i >= 0; i-- {
		if chs[i].Kind == Reload {
			return i
		}
	}
	return -1
}

func insertAt(s []int, at, v int) []int {
	s = append(s, 0)
	copy(s[at+1:], s[at:])
	s[at] = v
	return s
}
