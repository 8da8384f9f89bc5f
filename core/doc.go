// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

/*
Package core holds the in-memory data structures of listcache: the change
vocabulary, streams and their watchers, the diff engine, the mutation
list, and the caches layered over them.

When adding to core:

  - it's fine to import from any subpackage of
    "github.com/juju/listcache/core"
  - but never import from worker or cmd
  - nothing here starts goroutines it does not own through a watcher or
    tomb that its caller can kill
  - nothing here keeps mutable package state beyond its logger

The layering, bottom up:

  - changes: Change, Update and index remapping
  - watcher: Watcher, Stream, QueueWatcher and Broker
  - diff: minimal edit scripts between two lists, with move detection
  - list: a list edited by ordered mutations, published as updates
  - faultcache: keyed streams that raise a fault when first watched
  - positioncache: memoized per-index transforms over list updates

Code that drives these structures from outside, such as fetching values
for faults, lives under worker.
*/
package core
