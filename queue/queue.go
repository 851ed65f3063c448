// Copyright 2026 the framegraph contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package queue accumulates draw and dispatch work for a single pass and
// merges compatible draws into instanced batches.
package queue

import (
	"github.com/xlab/linmath"

	"github.com/HaiBooLang/framegraph/mem"
)

// MeshID identifies a mesh owned by an external asset collaborator.
type MeshID uint32

// MaterialID identifies a material owned by an external asset collaborator.
type MaterialID uint32

// VariantKey names a compiled shader variant, as produced by the external
// shader-variant resolver.
type VariantKey string

// DrawItem is one frame-ephemeral draw submission. Items are merged into
// instanced batches when they agree on mesh, material and variant; see
// RenderDrawQueue.Flush.
type DrawItem struct {
	Mesh     MeshID
	Material MaterialID
	Variant  VariantKey

	Transform linmath.Mat4x4

	// InstanceData carries additional per-instance attributes appended after
	// the transform in the instance buffer. All items of a batch must carry
	// the same amount; the length is part of the batch key.
	InstanceData []byte

	SortKey uint64

	// OrderSensitive items (e.g. transparency) keep their submission order
	// relative to each other and are never merged across one another.
	OrderSensitive bool
}

// DispatchItem is one compute dispatch submission.
type DispatchItem struct {
	Variant VariantKey
	Groups  [3]uint32

	// PushData is uploaded as the dispatch's uniform payload.
	PushData []byte
}

// RenderDrawQueue collects draw items for one pass. Logical order of
// order-insensitive items is unspecified; the queue reorders them freely
// when batching.
type RenderDrawQueue struct {
	items []DrawItem
}

func (q *RenderDrawQueue) AddDraw(a *mem.Arena, item DrawItem) {
	q.items = mem.Append(a, q.items, item)
}

func (q *RenderDrawQueue) Len() int {
	return len(q.items)
}

// Items exposes the accumulated submissions in submission order.
func (q *RenderDrawQueue) Items() []DrawItem {
	return q.items
}

// ComputeQueue collects dispatch items for one compute pass. Dispatches are
// executed in submission order.
type ComputeQueue struct {
	items []DispatchItem
}

func (q *ComputeQueue) AddDispatch(a *mem.Arena, item DispatchItem) {
	q.items = mem.Append(a, q.items, item)
}

func (q *ComputeQueue) Items() []DispatchItem {
	return q.items
}
