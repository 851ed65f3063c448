// Copyright 2026 the framegraph contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package graph

import (
	"fmt"

	"github.com/HaiBooLang/framegraph/mem"
)

// ValidationError reports a graph that cannot be executed: a dangling
// resource reference, a read with no writer, or a dependency cycle. The
// whole frame is dropped; no backend commands are issued for it.
type ValidationError struct {
	Pass     string
	Resource string
	Reason   string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Pass != "" && e.Resource != "":
		return fmt.Sprintf("render graph validation: pass %q, resource %q: %s", e.Pass, e.Resource, e.Reason)
	case e.Pass != "":
		return fmt.Sprintf("render graph validation: pass %q: %s", e.Pass, e.Reason)
	default:
		return fmt.Sprintf("render graph validation: %s", e.Reason)
	}
}

// Lifetime is a resource's span within the compiled order: the position of
// its first write (or first access, for imported resources) through the
// position of its last access. Aliasing decisions over non-overlapping
// spans are delegated to the resource pool.
type Lifetime struct {
	First int
	Last  int
}

// Barrier marks a resource's access-stage transition between two dependent
// passes. It must be issued before the pass at position Before.
type Barrier struct {
	Resource   ResourceID
	Before     int
	FromStage  Stage
	ToStage    Stage
	FromAccess Access
	ToAccess   Access
}

// CompiledGraph is the immutable result of compiling a frame's builder
// state: passes in a deterministic topological order, per-resource lifetime
// spans and the barriers separating dependent accesses.
type CompiledGraph struct {
	Passes    []*Pass
	Resources []*Resource
	Lifetimes []Lifetime // parallel to Resources

	barriers []Barrier // sorted by Before
	resIndex mem.SortedMap[ResourceID, int]
}

// ResourceIndex maps an ID to its index in Resources.
func (g *CompiledGraph) ResourceIndex(id ResourceID) (int, bool) {
	return g.resIndex.Get(id)
}

// Barriers returns all barriers in issue order.
func (g *CompiledGraph) Barriers() []Barrier {
	return g.barriers
}

// BarriersBefore returns the barriers that must be issued before the pass
// at position pos.
func (g *CompiledGraph) BarriersBefore(pos int) []Barrier {
	lo := 0
	for lo < len(g.barriers) && g.barriers[lo].Before < pos {
		lo++
	}
	hi := lo
	for hi < len(g.barriers) && g.barriers[hi].Before == pos {
		hi++
	}
	return g.barriers[lo:hi]
}

// access is one pass's access to one resource, in declaration terms.
type access struct {
	pass int // declaration index, later rewritten to topo position
	view View
}

// Compile validates the builder's state and derives the execution schedule.
//
// Dependencies follow from resource usage: a pass reading a resource depends
// on the pass that last wrote it; a pass overwriting a resource depends on
// the readers of the previous contents. Ties in the resulting topological
// order are broken by declaration order so identical graphs always execute
// identically.
func (b *Builder) Compile() (*CompiledGraph, error) {
	n := len(b.passes)

	// Gather per-resource access lists in declaration order and validate
	// view references.
	accesses := map[ResourceID][]access{}
	for i, p := range b.passes {
		for _, v := range p.Views {
			res, ok := b.byID.Get(v.Resource)
			if !ok {
				return nil, &ValidationError{
					Pass:   p.Name,
					Reason: fmt.Sprintf("view references undeclared resource %d", v.Resource),
				}
			}
			if v.Access == 0 {
				return nil, &ValidationError{
					Pass:     p.Name,
					Resource: res.Name,
					Reason:   "view declares no access",
				}
			}
			accesses[v.Resource] = append(accesses[v.Resource], access{pass: i, view: v})
		}
	}

	// Derive dependency edges.
	succs := make([][]int, n)
	indegree := make([]int, n)
	addEdge := func(from, to int) {
		if from == to {
			return
		}
		for _, s := range succs[from] {
			if s == to {
				return
			}
		}
		succs[from] = append(succs[from], to)
		indegree[to]++
	}

	for _, r := range b.resources {
		accs := accesses[r.ID]

		writers := make([]int, 0, len(accs)) // indices into accs
		for i, a := range accs {
			if a.view.Access&AccessWrite != 0 {
				writers = append(writers, i)
			}
		}

		// Bind each read to a writer version: the last writer declared
		// before the reader, or the first writer overall when the read
		// precedes every write (which usually indicates a mistake and
		// surfaces as a cycle). bound[i] indexes into writers; -1 means the
		// initial contents of an imported resource.
		bound := make([]int, len(accs))
		for i, a := range accs {
			bound[i] = -1
			if a.view.Access&AccessRead == 0 {
				continue
			}
			writer := -1
			for wi, w := range writers {
				if w == i {
					continue
				}
				if accs[w].pass < a.pass {
					writer = wi
				}
			}
			if writer == -1 && !r.Imported {
				// not a read of imported initial contents; reading ahead of
				// every declared write binds to the first write, which
				// either orders the graph or reveals a cycle
				for wi, w := range writers {
					if w != i {
						writer = wi
						break
					}
				}
			}
			if writer == -1 {
				if !r.Imported {
					return nil, &ValidationError{
						Pass:     b.passes[a.pass].Name,
						Resource: r.Name,
						Reason:   "read of a resource that is never written and not imported",
					}
				}
				continue
			}
			bound[i] = writer
			// read-after-write
			addEdge(accs[writers[writer]].pass, a.pass)
		}

		// write-after-write: writers are ordered by declaration.
		for i := 1; i < len(writers); i++ {
			addEdge(accs[writers[i-1]].pass, accs[writers[i]].pass)
		}

		// write-after-read: overwriting version wi-1 must wait for every
		// reader of version wi-1.
		for wi, w := range writers {
			for i, a := range accs {
				if i == w || a.view.Access&AccessRead == 0 {
					continue
				}
				if bound[i] == wi-1 {
					addEdge(a.pass, accs[w].pass)
				}
			}
		}
	}

	// Kahn's algorithm; among ready passes, always pick the smallest
	// declaration index.
	order := make([]int, 0, n)
	done := make([]bool, n)
	for len(order) < n {
		next := -1
		for i := range n {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next == -1 {
			// every remaining pass has a predecessor: cycle
			first := 0
			for first < n && done[first] {
				first++
			}
			return nil, &ValidationError{
				Pass:   b.passes[first].Name,
				Reason: "dependency cycle",
			}
		}
		done[next] = true
		order = append(order, next)
		for _, s := range succs[next] {
			indegree[s]--
		}
	}

	g := &CompiledGraph{
		Passes:    mem.NewSlice[*Pass](b.arena, n, n),
		Resources: b.resources,
		Lifetimes: mem.NewSlice[Lifetime](b.arena, len(b.resources), len(b.resources)),
	}
	pos := make([]int, n) // declaration index -> topo position
	for topoPos, decl := range order {
		g.Passes[topoPos] = b.passes[decl]
		pos[decl] = topoPos
	}
	for i, r := range b.resources {
		g.resIndex.Insert(b.arena, r.ID, i)
	}

	// Lifetime spans and barriers, walking each resource's accesses in topo
	// order.
	for ri, r := range b.resources {
		accs := accesses[r.ID]
		if len(accs) == 0 {
			g.Lifetimes[ri] = Lifetime{First: -1, Last: -1}
			continue
		}

		ordered := mem.MakeSlice(b.arena, accs)
		for i := range ordered {
			ordered[i].pass = pos[ordered[i].pass]
		}
		sortAccesses(ordered)

		lt := Lifetime{First: -1, Last: -1}
		for _, a := range ordered {
			if lt.First == -1 && (r.Imported || a.view.Access&AccessWrite != 0) {
				lt.First = a.pass
			}
			lt.Last = a.pass
		}
		if lt.First == -1 {
			lt.First = ordered[0].pass
		}
		g.Lifetimes[ri] = lt

		prevStage := StageNone
		prevAccess := Access(0)
		if r.Imported {
			prevStage = r.InitialStage
			prevAccess = AccessRead
		}
		for _, a := range ordered {
			if prevStage != StageNone && (a.view.Stage != prevStage || a.view.Access != prevAccess) {
				g.barriers = append(g.barriers, Barrier{
					Resource:   r.ID,
					Before:     a.pass,
					FromStage:  prevStage,
					ToStage:    a.view.Stage,
					FromAccess: prevAccess,
					ToAccess:   a.view.Access,
				})
			}
			prevStage = a.view.Stage
			prevAccess = a.view.Access
		}
	}

	sortBarriers(g.barriers)
	return g, nil
}

func sortAccesses(s []access) {
	// insertion sort; access lists are short
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].pass < s[j-1].pass; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func sortBarriers(s []Barrier) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].Before < s[j-1].Before; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
