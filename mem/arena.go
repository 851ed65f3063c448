// Copyright 2026 the framegraph contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package mem provides a frame-scoped arena allocator. A frame builds its
// graph, queues and draw items out of one arena and resets it wholesale once
// the frame has been submitted, instead of paying per-object GC cost every
// frame.
package mem

import (
	"reflect"
)

// blockLen is the number of elements in one typed block. Blocks are retained
// across Reset so steady-state frames allocate nothing.
const blockLen = 1024

type Arena struct {
	slabs map[reflect.Type]resetter
}

type resetter interface {
	reset()
}

func NewArena() *Arena {
	return &Arena{
		slabs: make(map[reflect.Type]resetter),
	}
}

type slab[T any] struct {
	blocks [][]T
	// index of the block currently being filled
	cur int
	// number of elements used in blocks[cur]
	off int
}

func (s *slab[T]) reset() {
	var zero T
	for _, b := range s.blocks {
		for i := range b {
			b[i] = zero
		}
	}
	s.cur = 0
	s.off = 0
}

func slabFor[T any](a *Arena) *slab[T] {
	typ := reflect.TypeFor[T]()
	if s, ok := a.slabs[typ]; ok {
		return s.(*slab[T])
	}
	s := &slab[T]{}
	a.slabs[typ] = s
	return s
}

// New allocates a zeroed T from the arena. The pointer is valid until the
// next Reset.
func New[T any](a *Arena) *T {
	s := slabFor[T](a)
	if len(s.blocks) == 0 {
		s.blocks = append(s.blocks, make([]T, blockLen))
	}
	if s.off == len(s.blocks[s.cur]) {
		s.cur++
		if s.cur == len(s.blocks) {
			s.blocks = append(s.blocks, make([]T, blockLen))
		}
		s.off = 0
	}
	p := &s.blocks[s.cur][s.off]
	s.off++
	return p
}

// Make allocates a T from the arena and initializes it with v.
func Make[T any](a *Arena, v T) *T {
	p := New[T](a)
	*p = v
	return p
}

// NewSlice allocates a slice of the given length and capacity. Slices with a
// capacity of at most blockLen are carved out of arena blocks; larger ones
// fall back to ordinary allocation, since a frame rarely produces them.
func NewSlice[T any](a *Arena, length, capacity int) []T {
	if capacity == 0 {
		return nil
	}
	if capacity > blockLen {
		return make([]T, length, capacity)
	}
	s := slabFor[T](a)
	if len(s.blocks) == 0 {
		s.blocks = append(s.blocks, make([]T, blockLen))
	}
	if s.off+capacity > len(s.blocks[s.cur]) {
		s.cur++
		if s.cur == len(s.blocks) {
			s.blocks = append(s.blocks, make([]T, blockLen))
		}
		s.off = 0
	}
	out := s.blocks[s.cur][s.off : s.off+capacity : s.off+capacity]
	s.off += capacity
	return out[:length]
}

// MakeSlice copies values into a freshly allocated arena slice.
func MakeSlice[T any](a *Arena, values []T) []T {
	out := NewSlice[T](a, len(values), len(values))
	copy(out, values)
	return out
}

// Append appends data to s, growing through the arena when capacity runs
// out. The input slice must not be appended to again afterwards; use the
// returned slice, as with the built-in append.
func Append[T any](a *Arena, s []T, data ...T) []T {
	if n := len(s) + len(data); n > cap(s) {
		s2 := NewSlice[T](a, len(s), grownCap(cap(s), n))
		copy(s2, s)
		s = s2
	}
	return append(s, data...)
}

func grownCap(old, need int) int {
	const growThreshold = 256
	if old == 0 {
		return need
	}
	c := old
	for c < need {
		if c < growThreshold {
			c *= 2
		} else {
			c += c / 4
		}
	}
	return c
}

// Reset recycles all allocations. Blocks are zeroed so they don't keep
// pointers from the previous frame alive.
func (a *Arena) Reset() {
	if a.slabs == nil {
		a.slabs = make(map[reflect.Type]resetter)
	}
	for _, s := range a.slabs {
		s.reset()
	}
}
