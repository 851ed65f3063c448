// Copyright 2026 the framegraph contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package pool recycles GPU-side render targets and buffers across frames.
// Entries are keyed by their descriptor and handed out again only once the
// fence of their last frame has signaled.
package pool

import (
	"fmt"
	"math"
	"math/bits"
	"sync"

	"github.com/HaiBooLang/framegraph/graph"
)

// Fence reports completion of the GPU work that last used a resource.
type Fence interface {
	Done() bool
}

type signaled struct{}

func (signaled) Done() bool { return true }

// Signaled returns a fence that is already complete, for resources that
// were never submitted.
func Signaled() Fence {
	return signaled{}
}

// Descriptor identifies a class of interchangeable pooled resources.
type Descriptor struct {
	Kind    graph.ResourceKind
	Format  graph.Format
	Width   uint32
	Height  uint32
	Size    uint64
	Samples uint32
	Usage   graph.Usage
}

// DescriptorFor derives the pooling descriptor of a declared resource.
func DescriptorFor(r *graph.Resource) Descriptor {
	d := Descriptor{
		Kind:   r.Kind,
		Format: r.Format,
		Width:  r.Width,
		Height: r.Height,
		Size:   r.Size,
		Usage:  r.Usage,
	}
	if d.Samples == 0 {
		d.Samples = 1
	}
	return d.normalized()
}

// normalized rounds buffer sizes up to their pool size class so nearby
// sizes share entries.
func (d Descriptor) normalized() Descriptor {
	if d.Kind == graph.ResourceBuffer {
		d.Size = sizeClass(d.Size, 1)
	}
	return d
}

func sizeClass(x uint64, numBits uint32) uint64 {
	if x > 1<<numBits {
		a := bits.LeadingZeros64(x - 1)
		b := (x - 1) | (((math.MaxUint64 / 2) >> numBits) >> a)
		return b + 1
	}
	return 1 << numBits
}

// AllocationError reports backend exhaustion. The affected pass is skipped;
// independent passes still execute.
type AllocationError struct {
	Desc Descriptor
	Err  error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocating pooled resource %+v: %v", e.Desc, e.Err)
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}

// Backend allocates and destroys the actual GPU objects.
type Backend interface {
	AllocResource(Descriptor) (any, error)
	FreeResource(Descriptor, any)
}

type Config struct {
	// MaxIdle bounds the idle pool; beyond it the least-recently-used
	// completed entry is destroyed. Zero means DefaultMaxIdle.
	MaxIdle int
}

const DefaultMaxIdle = 64

// Group is the pooled resource cache. It is shared across frames and, when
// execution is multi-threaded, across concurrent pass executions.
type Group struct {
	backend Backend
	maxIdle int

	mu    sync.Mutex
	idle  map[Descriptor][]idleEntry
	count int
	clock uint64
}

type idleEntry struct {
	res   any
	fence Fence
	last  uint64
}

func NewGroup(backend Backend, cfg Config) *Group {
	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	return &Group{
		backend: backend,
		maxIdle: maxIdle,
		idle:    make(map[Descriptor][]idleEntry),
	}
}

// Acquire returns an idle resource matching desc whose fence has signaled,
// or allocates a new one. It never returns a resource whose previous
// frame's GPU work is still pending.
func (g *Group) Acquire(desc Descriptor) (any, error) {
	desc = desc.normalized()

	g.mu.Lock()
	list := g.idle[desc]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].fence.Done() {
			res := list[i].res
			g.idle[desc] = append(list[:i], list[i+1:]...)
			g.count--
			g.mu.Unlock()
			return res, nil
		}
	}
	g.mu.Unlock()

	res, err := g.backend.AllocResource(desc)
	if err != nil {
		return nil, &AllocationError{Desc: desc, Err: err}
	}
	return res, nil
}

// Release returns a resource to the idle pool, tagged with the fence of the
// frame that last used it. If the idle pool overflows, the least-recently
// used completed entries are destroyed.
func (g *Group) Release(desc Descriptor, res any, fence Fence) {
	desc = desc.normalized()
	if fence == nil {
		fence = Signaled()
	}

	g.mu.Lock()
	g.clock++
	g.idle[desc] = append(g.idle[desc], idleEntry{res: res, fence: fence, last: g.clock})
	g.count++

	type victim struct {
		desc Descriptor
		res  any
	}
	var victims []victim
	for g.count > g.maxIdle {
		// globally least-recently-used entry whose fence has signaled;
		// in-flight entries are never destroyed
		var (
			bestDesc Descriptor
			bestIdx  = -1
			bestLast uint64 = math.MaxUint64
		)
		for d, list := range g.idle {
			for i, e := range list {
				if e.last < bestLast && e.fence.Done() {
					bestDesc, bestIdx, bestLast = d, i, e.last
				}
			}
		}
		if bestIdx == -1 {
			break
		}
		list := g.idle[bestDesc]
		victims = append(victims, victim{bestDesc, list[bestIdx].res})
		g.idle[bestDesc] = append(list[:bestIdx], list[bestIdx+1:]...)
		g.count--
	}
	g.mu.Unlock()

	for _, v := range victims {
		g.backend.FreeResource(v.desc, v.res)
	}
}

// IdleCount reports the number of pooled idle resources.
func (g *Group) IdleCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// Reset destroys every idle entry. Used on device loss, where fences will
// never signal again.
func (g *Group) Reset() {
	g.mu.Lock()
	idle := g.idle
	g.idle = make(map[Descriptor][]idleEntry)
	g.count = 0
	g.mu.Unlock()

	for d, list := range idle {
		for _, e := range list {
			g.backend.FreeResource(d, e.res)
		}
	}
}
