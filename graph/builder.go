// Copyright 2026 the framegraph contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package graph

import (
	"honnef.co/go/color"

	"github.com/HaiBooLang/framegraph/mem"
	"github.com/HaiBooLang/framegraph/queue"
)

// Builder accumulates one frame's graph. It is append-only and owned by a
// single frame-building context; it must not be shared across goroutines.
// Compile converts the accumulated state into an immutable CompiledGraph.
type Builder struct {
	arena     *mem.Arena
	resources []*Resource
	byID      mem.SortedMap[ResourceID, *Resource]
	passes    []*Pass
}

func NewBuilder(a *mem.Arena) *Builder {
	return &Builder{arena: a}
}

func (b *Builder) declare(res Resource) ResourceID {
	res.ID = nextResourceID()
	r := mem.Make(b.arena, res)
	b.resources = mem.Append(b.arena, b.resources, r)
	b.byID.Insert(b.arena, r.ID, r)
	return r.ID
}

// DeclareTexture declares a frame-owned texture. Backing memory is acquired
// from the pool when the compiled graph executes.
func (b *Builder) DeclareTexture(name string, format Format, width, height uint32, usage Usage) ResourceID {
	return b.declare(Resource{
		Name:   name,
		Kind:   ResourceTexture,
		Format: format,
		Width:  width,
		Height: height,
		Usage:  usage,
	})
}

// DeclareBuffer declares a frame-owned buffer of the given byte size.
func (b *Builder) DeclareBuffer(name string, size uint64, usage Usage) ResourceID {
	return b.declare(Resource{
		Name:  name,
		Kind:  ResourceBuffer,
		Size:  size,
		Usage: usage,
	})
}

// ImportTexture registers an externally owned texture, e.g. the swapchain
// image. Imported resources may be read without a writer in the graph; their
// content is whatever the importer left in them, in initialStage.
func (b *Builder) ImportTexture(name string, format Format, width, height uint32, initialStage Stage) ResourceID {
	return b.declare(Resource{
		Name:         name,
		Kind:         ResourceTexture,
		Format:       format,
		Width:        width,
		Height:       height,
		Imported:     true,
		InitialStage: initialStage,
	})
}

func (b *Builder) addPass(p Pass) *Pass {
	p.decl = len(b.passes)
	pass := mem.Make(b.arena, p)
	b.passes = mem.Append(b.arena, b.passes, pass)
	return pass
}

// AddRasterPass appends a raster pass with the given resource views.
func (b *Builder) AddRasterPass(name string, views ...View) *RasterPassBuilder {
	pass := b.addPass(Pass{
		Kind:  PassRaster,
		Name:  name,
		Views: mem.MakeSlice(b.arena, views),
	})
	return &RasterPassBuilder{arena: b.arena, pass: pass}
}

// AddComputePass appends a compute pass with the given resource views.
func (b *Builder) AddComputePass(name string, views ...View) *ComputePassBuilder {
	pass := b.addPass(Pass{
		Kind:  PassCompute,
		Name:  name,
		Views: mem.MakeSlice(b.arena, views),
	})
	return &ComputePassBuilder{arena: b.arena, pass: pass}
}

// AddMovePass appends a pass transferring ownership of src's contents to
// dst. The source must not be accessed afterwards.
func (b *Builder) AddMovePass(name string, src, dst ResourceID) {
	b.addPass(Pass{
		Kind: PassMove,
		Name: name,
		Src:  src,
		Dst:  dst,
		Views: mem.MakeSlice(b.arena, []View{
			Read(src, StageTransfer),
			Write(dst, StageTransfer),
		}),
	})
}

// AddCopyPass appends a pass copying src's contents into dst.
func (b *Builder) AddCopyPass(name string, src, dst ResourceID) {
	b.addPass(Pass{
		Kind: PassCopy,
		Name: name,
		Src:  src,
		Dst:  dst,
		Views: mem.MakeSlice(b.arena, []View{
			Read(src, StageTransfer),
			Write(dst, StageTransfer),
		}),
	})
}

type RasterPassBuilder struct {
	arena *mem.Arena
	pass  *Pass
}

// AddView appends an additional resource view to the pass.
func (pb *RasterPassBuilder) AddView(v View) *RasterPassBuilder {
	pb.pass.Views = mem.Append(pb.arena, pb.pass.Views, v)
	return pb
}

// SetLayout selects the layout-graph node used for draws in this pass.
func (pb *RasterPassBuilder) SetLayout(name string) *RasterPassBuilder {
	pb.pass.Layout = name
	return pb
}

// SetClear makes the pass clear its color attachments to c before drawing.
func (pb *RasterPassBuilder) SetClear(c color.Color) *RasterPassBuilder {
	pb.pass.Clear = mem.Make(pb.arena, c)
	return pb
}

// AddQueue attaches a draw queue to the pass.
func (pb *RasterPassBuilder) AddQueue(hint QueueHint) *RasterQueueBuilder {
	q := mem.Make(pb.arena, RasterQueue{Hint: hint})
	pb.pass.Queues = mem.Append(pb.arena, pb.pass.Queues, q)
	return &RasterQueueBuilder{arena: pb.arena, queue: q}
}

type RasterQueueBuilder struct {
	arena *mem.Arena
	queue *RasterQueue
}

// AddDraw submits one draw item. Items submitted into a HintBlend queue are
// always order-sensitive.
func (qb *RasterQueueBuilder) AddDraw(item queue.DrawItem) {
	if qb.queue.Hint == HintBlend {
		item.OrderSensitive = true
	}
	qb.queue.Draw.AddDraw(qb.arena, item)
}

// AddSceneTransversal schedules t to fill this queue when the frame is
// compiled.
func (qb *RasterQueueBuilder) AddSceneTransversal(t Transversal) {
	qb.queue.transversals = mem.Append(qb.arena, qb.queue.transversals, t)
}

type ComputePassBuilder struct {
	arena *mem.Arena
	pass  *Pass
}

// SetLayout selects the layout-graph node used for dispatches in this pass.
func (pb *ComputePassBuilder) SetLayout(name string) *ComputePassBuilder {
	pb.pass.Layout = name
	return pb
}

// AddQueue attaches a dispatch queue to the pass.
func (pb *ComputePassBuilder) AddQueue() *ComputeQueueBuilder {
	q := mem.New[queue.ComputeQueue](pb.arena)
	pb.pass.Dispatches = mem.Append(pb.arena, pb.pass.Dispatches, q)
	return &ComputeQueueBuilder{arena: pb.arena, queue: q}
}

type ComputeQueueBuilder struct {
	arena *mem.Arena
	queue *queue.ComputeQueue
}

func (qb *ComputeQueueBuilder) AddDispatch(item queue.DispatchItem) {
	qb.queue.AddDispatch(qb.arena, item)
}

// RunTransversals executes all scheduled scene transversals, emitting draw
// items into their queues. Called once, before Compile.
func (b *Builder) RunTransversals() error {
	for _, p := range b.passes {
		for _, q := range p.Queues {
			for _, t := range q.transversals {
				if err := t.Visit(b.arena, &q.Draw); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Resource looks up a declared resource.
func (b *Builder) Resource(id ResourceID) (*Resource, bool) {
	return b.byID.Get(id)
}
