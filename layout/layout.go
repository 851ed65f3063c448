// Copyright 2026 the framegraph contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package layout describes shader-resource binding layouts as a graph of
// frequency tiers: what a program binds once per frame, once per pass, once
// per material and once per draw. The program library combines a layout
// node with a shader variant and fixed-function state into a pipeline.
package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/HaiBooLang/framegraph/graph"
)

// Frequency is a binding tier ordered from least to most frequently
// updated. A node's tier must not update less often than its parent's.
type Frequency int

const (
	PerFrame Frequency = iota
	PerPass
	PerMaterial
	PerDraw
)

func (f Frequency) String() string {
	switch f {
	case PerFrame:
		return "per-frame"
	case PerPass:
		return "per-pass"
	case PerMaterial:
		return "per-material"
	case PerDraw:
		return "per-draw"
	default:
		return fmt.Sprintf("Frequency(%d)", int(f))
	}
}

type Visibility uint32

const (
	VisibleVertex Visibility = 1 << iota
	VisibleFragment
	VisibleCompute
)

type BindKind int

const (
	UniformBuffer BindKind = iota + 1
	StorageBuffer
	StorageBufferReadOnly
	SampledTexture
	StorageTexture
	Sampler
)

// Slot is one binding within a node's descriptor set.
type Slot struct {
	Name       string
	Binding    uint32
	Kind       BindKind
	Visibility Visibility

	// Format is required for StorageTexture slots.
	Format graph.Format
}

// Node is one binding layout in the graph. Its position in the hierarchy
// determines its descriptor set index: a program built against a node binds
// the node's set plus the sets of all its ancestors.
type Node struct {
	Name      string
	Frequency Frequency
	Slots     []Slot

	parent   *Node
	children []*Node
	set      uint32
	key      string
}

func (n *Node) Parent() *Node {
	return n.parent
}

func (n *Node) Children() []*Node {
	return n.children
}

// Set is the descriptor set index assigned to this node.
func (n *Node) Set() uint32 {
	return n.set
}

// Chain returns the nodes from the root tier down to n, in set order.
// These are the bind group layouts a program compiled against n uses.
func (n *Node) Chain() []*Node {
	var depth int
	for p := n; p != nil; p = p.parent {
		depth++
	}
	out := make([]*Node, depth)
	for p := n; p != nil; p = p.parent {
		depth--
		out[depth] = p
	}
	return out
}

// Key is a stable structural hash of the node and its ancestry, suitable as
// a cache-key component. Two nodes with identical structure share a key.
func (n *Node) Key() string {
	return n.key
}

func (n *Node) appendKey(b []byte) []byte {
	if n.parent != nil {
		b = n.parent.appendKey(b)
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(n.Frequency))
	b = binary.LittleEndian.AppendUint32(b, n.set)
	b = binary.LittleEndian.AppendUint64(b, uint64(len(n.Slots)))
	for _, s := range n.Slots {
		b = binary.LittleEndian.AppendUint32(b, s.Binding)
		b = binary.LittleEndian.AppendUint32(b, uint32(s.Kind))
		b = binary.LittleEndian.AppendUint32(b, uint32(s.Visibility))
		b = binary.LittleEndian.AppendUint32(b, uint32(s.Format))
	}
	return b
}

// Graph is an immutable set of layout nodes, built once per configuration
// and shared by every frame.
type Graph struct {
	nodes  []*Node
	byName map[string]*Node
}

// Node looks up a node by name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.byName[name]
	return n, ok
}

// Nodes returns all nodes in registration order.
func (g *Graph) Nodes() []*Node {
	return g.nodes
}
