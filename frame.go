// Copyright 2026 the framegraph contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package framegraph

import (
	"github.com/HaiBooLang/framegraph/graph"
)

// Frame accumulates one frame's resource declarations and passes. All graph
// state lives in the context's arena and is recycled when the frame ends.
type Frame struct {
	ctx     *RenderContext
	builder *graph.Builder
	imports map[graph.ResourceID]any
	done    bool
}

func newFrame(ctx *RenderContext) *Frame {
	return &Frame{
		ctx:     ctx,
		builder: graph.NewBuilder(ctx.arena),
		imports: map[graph.ResourceID]any{},
	}
}

func (f *Frame) DeclareTexture(name string, format graph.Format, width, height uint32, usage graph.Usage) graph.ResourceID {
	return f.builder.DeclareTexture(name, format, width, height, usage)
}

func (f *Frame) DeclareBuffer(name string, size uint64, usage graph.Usage) graph.ResourceID {
	return f.builder.DeclareBuffer(name, size, usage)
}

// ImportTexture registers an externally owned texture, e.g. the swapchain
// image, together with the backend object backing it.
func (f *Frame) ImportTexture(name string, format graph.Format, width, height uint32, initialStage graph.Stage, backing any) graph.ResourceID {
	id := f.builder.ImportTexture(name, format, width, height, initialStage)
	f.imports[id] = backing
	return id
}

func (f *Frame) AddRasterPass(name string, views ...graph.View) *graph.RasterPassBuilder {
	return f.builder.AddRasterPass(name, views...)
}

func (f *Frame) AddComputePass(name string, views ...graph.View) *graph.ComputePassBuilder {
	return f.builder.AddComputePass(name, views...)
}

func (f *Frame) AddMovePass(name string, src, dst graph.ResourceID) {
	f.builder.AddMovePass(name, src, dst)
}

func (f *Frame) AddCopyPass(name string, src, dst graph.ResourceID) {
	f.builder.AddCopyPass(name, src, dst)
}

// Abandon discards the frame without issuing any commands.
func (f *Frame) Abandon() {
	f.finish()
}

func (f *Frame) finish() {
	if f.done {
		return
	}
	f.done = true
	f.ctx.arena.Reset()
	f.ctx.frameActive.Store(false)
}
