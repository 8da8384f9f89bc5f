// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package positioncache

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/juju/errors"

	"github.com/juju/listcache/core/changes"
)

// tier is a bounded index to value map that evicts in insertion order.
// Lookups use Peek so that reads never reorder entries. A tier of size
// zero holds nothing.
type tier[R any] struct {
	mu    sync.Mutex
	items *simplelru.LRU[int, R]
}

func newTier[R any](size int) (*tier[R], error) {
	t := &tier[R]{}
	if size == 0 {
		return t, nil
	}
	items, err := simplelru.NewLRU[int, R](size, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	t.items = items
	return t, nil
}

func (t *tier[R]) get(index int) (R, bool) {
	if t.items == nil {
		var zero R
		return zero, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.items.Peek(index)
}

func (t *tier[R]) add(index int, value R) {
	if t.items == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.items.Contains(index) {
		return
	}
	t.items.Add(index, value)
}

func (t *tier[R]) len() int {
	if t.items == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.items.Len()
}

func (t *tier[R]) purge() {
	if t.items == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items.Purge()
}

// remap moves every entry to the index its element has after chs, and
// drops entries whose element did not survive. Entries are re-added
// oldest first, so insertion order is kept.
func (t *tier[R]) remap(chs []changes.Change) {
	if t.items == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	indices := t.items.Keys()
	values := make([]R, len(indices))
	for i, index := range indices {
		values[i], _ = t.items.Peek(index)
	}
	t.items.Purge()
	for i, index := range indices {
		if next, ok := changes.Remap(index, chs); ok {
			t.items.Add(next, values[i])
		}
	}
}
