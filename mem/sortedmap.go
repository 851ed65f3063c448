// Copyright 2026 the framegraph contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package mem

import (
	"cmp"
	"iter"
	"sort"

	"golang.org/x/exp/constraints"
)

// SortedMap is a small map backed by a sorted arena slice. It beats a real
// map for the handful of entries a frame's bind tables hold, and its storage
// is reclaimed by the arena instead of the GC.
//
// The zero value is ready for use.
type SortedMap[K constraints.Ordered, V any] struct {
	entries []sortedMapEntry[K, V]
}

type sortedMapEntry[K constraints.Ordered, V any] struct {
	key     K
	value   V
	deleted bool
}

func (m *SortedMap[K, V]) find(key K) (*sortedMapEntry[K, V], bool) {
	idx, ok := sort.Find(len(m.entries), func(i int) int {
		return cmp.Compare(key, m.entries[i].key)
	})
	if !ok {
		return nil, false
	}
	return &m.entries[idx], true
}

func (m *SortedMap[K, V]) Insert(a *Arena, key K, value V) {
	idx := sort.Search(len(m.entries), func(i int) bool {
		return key <= m.entries[i].key
	})
	if idx < len(m.entries) && m.entries[idx].key == key {
		e := &m.entries[idx]
		e.value = value
		e.deleted = false
		return
	}
	m.entries = Append(a, m.entries, sortedMapEntry[K, V]{})
	copy(m.entries[idx+1:], m.entries[idx:])
	m.entries[idx] = sortedMapEntry[K, V]{key: key, value: value}
}

func (m *SortedMap[K, V]) Get(key K) (V, bool) {
	if e, ok := m.find(key); ok && !e.deleted {
		return e.value, true
	}
	var zero V
	return zero, false
}

// Delete removes key and reports whether it was present.
func (m *SortedMap[K, V]) Delete(key K) bool {
	if e, ok := m.find(key); ok {
		was := e.deleted
		e.deleted = true
		return !was
	}
	return false
}

func (m *SortedMap[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for i := range m.entries {
			e := &m.entries[i]
			if e.deleted {
				continue
			}
			if !yield(e.key, e.value) {
				return
			}
		}
	}
}

func (m *SortedMap[K, V]) Keys() iter.Seq[K] {
	return func(yield func(K) bool) {
		for i := range m.entries {
			if m.entries[i].deleted {
				continue
			}
			if !yield(m.entries[i].key) {
				return
			}
		}
	}
}
