// Copyright 2026 the framegraph contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package queue

import (
	"slices"

	"honnef.co/go/safeish"

	"github.com/HaiBooLang/framegraph/mem"
)

// TransformSize is the size of the per-instance transform at the front of
// every instance record.
const TransformSize = 64

// BatchKey groups draw items that can share one instanced draw call.
// DataLen keeps the instance stride uniform within a batch.
type BatchKey struct {
	Mesh     MeshID
	Material MaterialID
	Variant  VariantKey
	DataLen  int
}

// InstancingBatch is one GPU draw call standing in for Count draw items.
// InstanceData is the concatenation of each member's transform followed by
// its custom attributes, in submission order.
type InstancingBatch struct {
	Key          BatchKey
	Count        int
	Stride       int
	InstanceData []byte

	// SortKey is the smallest sort key among the merged items and orders
	// batches against each other.
	SortKey uint64
}

// RenderInstancingQueue is the result of flushing a draw queue: merged
// batches for the order-insensitive items, and the order-sensitive tail in
// exact submission order.
type RenderInstancingQueue struct {
	Batches []InstancingBatch
	Ordered []DrawItem
}

// DrawCalls returns how many backend draw calls the queue will issue.
func (q *RenderInstancingQueue) DrawCalls() int {
	return len(q.Batches) + len(q.Ordered)
}

// Flush merges the queue's order-insensitive items into instanced batches.
// Grouping is stable: batches appear in first-seen order before being sorted
// by sort key, and instance data within a batch is concatenated in
// submission order. Order-sensitive items are returned unmerged, preserving
// their submission order exactly.
//
// The set of rendered instances (mesh, transform, material) is identical
// whether or not Flush merged anything; batching is observationally
// transparent.
func (q *RenderDrawQueue) Flush(a *mem.Arena) RenderInstancingQueue {
	var out RenderInstancingQueue
	groups := make(map[BatchKey]int, len(q.items))

	for i := range q.items {
		item := &q.items[i]
		if item.OrderSensitive {
			out.Ordered = mem.Append(a, out.Ordered, *item)
			continue
		}
		key := BatchKey{
			Mesh:     item.Mesh,
			Material: item.Material,
			Variant:  item.Variant,
			DataLen:  len(item.InstanceData),
		}
		idx, ok := groups[key]
		if !ok {
			idx = len(out.Batches)
			groups[key] = idx
			out.Batches = mem.Append(a, out.Batches, InstancingBatch{
				Key:     key,
				Stride:  TransformSize + key.DataLen,
				SortKey: item.SortKey,
			})
		}
		b := &out.Batches[idx]
		b.Count++
		b.InstanceData = mem.Append(a, b.InstanceData, safeish.AsBytes(&item.Transform)...)
		b.InstanceData = mem.Append(a, b.InstanceData, item.InstanceData...)
		if item.SortKey < b.SortKey {
			b.SortKey = item.SortKey
		}
	}

	slices.SortStableFunc(out.Batches, func(x, y InstancingBatch) int {
		switch {
		case x.SortKey < y.SortKey:
			return -1
		case x.SortKey > y.SortKey:
			return 1
		default:
			return 0
		}
	})

	return out
}

// InstanceRecord returns the i'th instance record of a batch.
func (b *InstancingBatch) InstanceRecord(i int) []byte {
	return b.InstanceData[i*b.Stride : (i+1)*b.Stride]
}
