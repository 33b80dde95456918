// Package lru implements a bounded, recently-seen-key set with MRU-on-hit
// promotion. It is the dedup cache backing a single epoch's in-memory view
// of which blocks have already been snapshotted (spec.md §4.1, C1).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package lru

import "container/list"

// Set is a bounded set of comparable keys with O(1) Contains/Insert and
// automatic eviction of the least-recently-used key once the capacity is
// reached.
//
// Set is NOT safe for concurrent use: callers are expected to serialize
// access the way the engine does, through a single device's work queue
// (spec.md §4.1, "a given epoch's cache is touched only by that device's
// single-threaded work queue").
type Set[K comparable] struct {
	cap   int
	ll    *list.List
	index map[K]*list.Element
}

// New returns an empty Set with the given capacity. A non-positive
// capacity is treated as 1, since a zero-capacity cache would mean every
// key is immediately evicted, defeating the purpose of the dedup cache.
func New[K comparable](capacity int) *Set[K] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Set[K]{
		cap:   capacity,
		ll:    list.New(),
		index: make(map[K]*list.Element, capacity),
	}
}

// ContainsMRU reports whether k is present; if so it promotes k to
// most-recently-used position. Returns false, with no promotion, if k is
// absent.
func (s *Set[K]) ContainsMRU(k K) bool {
	el, ok := s.index[k]
	if !ok {
		return false
	}
	s.ll.MoveToFront(el)
	return true
}

// Insert adds k as most-recently-used. If k is already present it is only
// promoted (no-op otherwise). If adding k would exceed the capacity, the
// least-recently-used key is evicted first.
//
// False negatives in a dedup cache are acceptable (spec.md §4.1: "do
// redundant work"); eviction here can never produce a false positive since
// eviction only removes keys, never invents them.
func (s *Set[K]) Insert(k K) {
	if el, ok := s.index[k]; ok {
		s.ll.MoveToFront(el)
		return
	}
	if s.ll.Len() >= s.cap {
		s.evictOldest()
	}
	el := s.ll.PushFront(k)
	s.index[k] = el
}

func (s *Set[K]) evictOldest() {
	oldest := s.ll.Back()
	if oldest == nil {
		return
	}
	s.ll.Remove(oldest)
	delete(s.index, oldest.Value.(K))
}

// Len reports the number of keys currently held.
func (s *Set[K]) Len() int { return s.ll.Len() }

// Drop releases all entries, leaving the Set ready for reuse.
func (s *Set[K]) Drop() {
	s.ll.Init()
	for k := range s.index {
		delete(s.index, k)
	}
}
