// Copyright 2026 the framegraph contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package layout

import (
	"fmt"
	"strings"

	"honnef.co/go/safeish"
)

// Builder assembles a layout graph. Unlike the per-frame graph builder it
// runs once, at configuration time.
type Builder struct {
	nodes  []*Node
	byName map[string]*Node
	errs   []error
}

func NewBuilder() *Builder {
	return &Builder{byName: make(map[string]*Node)}
}

// AddNode registers a layout node. parent is the name of an existing node,
// or "" for a root tier.
func (b *Builder) AddNode(name string, freq Frequency, parent string) *NodeBuilder {
	n := &Node{Name: name, Frequency: freq}
	if _, dup := b.byName[name]; dup {
		b.errs = append(b.errs, fmt.Errorf("layout: duplicate node %q", name))
		return &NodeBuilder{node: n}
	}
	if parent != "" {
		p, ok := b.byName[parent]
		if !ok {
			b.errs = append(b.errs, fmt.Errorf("layout: node %q references unknown parent %q", name, parent))
			return &NodeBuilder{node: n}
		}
		n.parent = p
		p.children = append(p.children, n)
		n.set = p.set + 1
	}
	b.nodes = append(b.nodes, n)
	b.byName[name] = n
	return &NodeBuilder{node: n}
}

type NodeBuilder struct {
	node *Node
}

// AddSlot appends a binding slot to the node.
func (nb *NodeBuilder) AddSlot(s Slot) *NodeBuilder {
	nb.node.Slots = append(nb.node.Slots, s)
	return nb
}

// Build validates the accumulated nodes and freezes them into a Graph.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	for _, n := range b.nodes {
		if n.parent != nil && n.Frequency < n.parent.Frequency {
			return nil, fmt.Errorf("layout: node %q (%v) updates less often than its parent %q (%v)",
				n.Name, n.Frequency, n.parent.Name, n.parent.Frequency)
		}
		seen := make(map[uint32]string, len(n.Slots))
		for _, s := range n.Slots {
			if prev, dup := seen[s.Binding]; dup {
				return nil, fmt.Errorf("layout: node %q binds %q and %q to binding %d",
					n.Name, prev, s.Name, s.Binding)
			}
			seen[s.Binding] = s.Name
			if s.Kind == StorageTexture && s.Format == 0 {
				return nil, fmt.Errorf("layout: node %q slot %q: storage texture needs a format", n.Name, s.Name)
			}
		}
	}
	for _, n := range b.nodes {
		n.key = strings.Clone(safeish.Cast[string](n.appendKey(nil)))
	}
	return &Graph{nodes: b.nodes, byName: b.byName}, nil
}
