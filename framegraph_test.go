// Copyright 2026 the framegraph contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package framegraph

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HaiBooLang/framegraph/graph"
	"github.com/HaiBooLang/framegraph/layout"
	"github.com/HaiBooLang/framegraph/pool"
	"github.com/HaiBooLang/framegraph/program"
	"github.com/HaiBooLang/framegraph/queue"
)

type fakeBackend struct {
	failVariants map[queue.VariantKey]bool
	failAlloc    func(pool.Descriptor) bool
	allocs       int
}

func (b *fakeBackend) CompileProgram(node *layout.Node, variant queue.VariantKey, fixed program.FixedState) (any, error) {
	if b.failVariants[variant] {
		return nil, errors.New("wgsl parse error")
	}
	return fmt.Sprintf("%s/%s", node.Name, variant), nil
}

func (b *fakeBackend) AllocResource(d pool.Descriptor) (any, error) {
	if b.failAlloc != nil && b.failAlloc(d) {
		return nil, errors.New("out of device memory")
	}
	b.allocs++
	return new(int), nil
}

func (b *fakeBackend) FreeResource(pool.Descriptor, any) {}

type sinkEvent struct {
	kind    string // "begin-raster", "draw", "end-raster", "begin-compute", "dispatch", "end-compute", "barrier", "copy", "move"
	pass    string
	draw    DrawPacket
	barrier BarrierPacket
}

type fakeSink struct {
	events    []sinkEvent
	submitted bool
}

func (s *fakeSink) BeginRasterPass(desc *RasterPassDesc) {
	s.events = append(s.events, sinkEvent{kind: "begin-raster", pass: desc.Name})
}

func (s *fakeSink) Draw(p *DrawPacket) {
	s.events = append(s.events, sinkEvent{kind: "draw", draw: *p})
}

func (s *fakeSink) EndRasterPass() {
	s.events = append(s.events, sinkEvent{kind: "end-raster"})
}

func (s *fakeSink) BeginComputePass(name string) {
	s.events = append(s.events, sinkEvent{kind: "begin-compute", pass: name})
}

func (s *fakeSink) Dispatch(p *DispatchPacket) {
	s.events = append(s.events, sinkEvent{kind: "dispatch"})
}

func (s *fakeSink) EndComputePass() {
	s.events = append(s.events, sinkEvent{kind: "end-compute"})
}

func (s *fakeSink) Barrier(b *BarrierPacket) {
	s.events = append(s.events, sinkEvent{kind: "barrier", barrier: *b})
}

func (s *fakeSink) Copy(t *TransferPacket) {
	s.events = append(s.events, sinkEvent{kind: "copy", pass: t.Name})
}

func (s *fakeSink) Move(t *TransferPacket) {
	s.events = append(s.events, sinkEvent{kind: "move", pass: t.Name})
}

func (s *fakeSink) Submit() pool.Fence {
	s.submitted = true
	return pool.Signaled()
}

func (s *fakeSink) kinds() []string {
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.kind
	}
	return out
}

func (s *fakeSink) passOrder() []string {
	var out []string
	for _, ev := range s.events {
		if ev.kind == "begin-raster" || ev.kind == "begin-compute" {
			out = append(out, ev.pass)
		}
	}
	return out
}

func (s *fakeSink) draws() []DrawPacket {
	var out []DrawPacket
	for _, ev := range s.events {
		if ev.kind == "draw" {
			out = append(out, ev.draw)
		}
	}
	return out
}

func (s *fakeSink) barriers() []BarrierPacket {
	var out []BarrierPacket
	for _, ev := range s.events {
		if ev.kind == "barrier" {
			out = append(out, ev.barrier)
		}
	}
	return out
}

func testLayouts(t *testing.T) *layout.Graph {
	t.Helper()
	b := layout.NewBuilder()
	b.AddNode("global", layout.PerFrame, "").
		AddSlot(layout.Slot{Name: "camera", Binding: 0, Kind: layout.UniformBuffer, Visibility: layout.VisibleVertex | layout.VisibleFragment})
	b.AddNode("forward", layout.PerPass, "global").
		AddSlot(layout.Slot{Name: "lights", Binding: 0, Kind: layout.StorageBufferReadOnly, Visibility: layout.VisibleFragment})
	g, err := b.Build()
	require.NoError(t, err)
	return g
}

func testContext(t *testing.T, backend *fakeBackend, opts Options) *RenderContext {
	t.Helper()
	if opts.DefaultLayout == "" {
		opts.DefaultLayout = "forward"
	}
	return NewContext(backend, testLayouts(t), opts)
}

func opaqueDraw(mesh queue.MeshID, variant queue.VariantKey) queue.DrawItem {
	return queue.DrawItem{Mesh: mesh, Material: 1, Variant: variant}
}

func TestFrameTwoPassExecution(t *testing.T) {
	backend := &fakeBackend{}
	ctx := testContext(t, backend, Options{})
	p := NewPipeline(ctx)

	frame, err := p.BeginFrame()
	require.NoError(t, err)

	color := frame.DeclareTexture("scene-color", graph.Rgba16Float, 1920, 1080, graph.UsageColor|graph.UsageSampled)
	swapchain := frame.ImportTexture("swapchain", graph.Bgra8, 1920, 1080, graph.StageColorOutput, "swapchain-view")

	gq := frame.AddRasterPass("geometry", graph.Write(color, graph.StageColorOutput)).
		AddQueue(graph.HintOpaque)
	for range 1000 {
		gq.AddDraw(opaqueDraw(7, "lit"))
	}

	frame.AddRasterPass("present",
		graph.Read(color, graph.StageFragment),
		graph.Write(swapchain, graph.StageColorOutput)).
		AddQueue(graph.HintOpaque).
		AddDraw(opaqueDraw(8, "blit"))

	sink := &fakeSink{}
	require.NoError(t, frame.CompileAndExecute(sink))

	assert.True(t, sink.submitted)
	assert.Equal(t, []string{"geometry", "present"}, sink.passOrder())

	// 1000 identical draws collapse into a single instanced call.
	draws := sink.draws()
	require.Len(t, draws, 2)
	assert.Equal(t, 1000, draws[0].Count)
	assert.Equal(t, queue.TransformSize, draws[0].Stride)
	assert.Equal(t, 1000*queue.TransformSize, len(draws[0].InstanceData))
	assert.Equal(t, "forward/lit", draws[0].Program.Handle)
	assert.Equal(t, 1, draws[1].Count)

	// exactly one transition on scene-color, from color output to sampling
	var colorBarriers []BarrierPacket
	for _, b := range sink.barriers() {
		if b.Barrier.Resource == color {
			colorBarriers = append(colorBarriers, b)
		}
	}
	require.Len(t, colorBarriers, 1)
	assert.Equal(t, graph.StageColorOutput, colorBarriers[0].Barrier.FromStage)
	assert.Equal(t, graph.StageFragment, colorBarriers[0].Barrier.ToStage)

	// the pooled attachment went back to the group
	assert.Equal(t, 1, backend.allocs)
	assert.Equal(t, 1, ctx.Targets.IdleCount())
}

func TestFrameValidationAbortsWithoutCommands(t *testing.T) {
	ctx := testContext(t, &fakeBackend{}, Options{})
	p := NewPipeline(ctx)

	frame, err := p.BeginFrame()
	require.NoError(t, err)

	r1 := frame.DeclareTexture("a", graph.Rgba8, 4, 4, graph.UsageColor)
	r2 := frame.DeclareTexture("b", graph.Rgba8, 4, 4, graph.UsageColor)
	frame.AddRasterPass("p1",
		graph.Read(r2, graph.StageFragment),
		graph.Write(r1, graph.StageColorOutput))
	frame.AddRasterPass("p2",
		graph.Read(r1, graph.StageFragment),
		graph.Write(r2, graph.StageColorOutput))

	sink := &fakeSink{}
	err = frame.CompileAndExecute(sink)
	var verr *graph.ValidationError
	require.ErrorAs(t, err, &verr)

	assert.Empty(t, sink.events)
	assert.False(t, sink.submitted)
	assert.Equal(t, 0, ctx.Targets.IdleCount())

	// the frame slot is free again
	frame2, err := p.BeginFrame()
	require.NoError(t, err)
	frame2.Abandon()
}

func TestFrameFallbackVariant(t *testing.T) {
	backend := &fakeBackend{failVariants: map[queue.VariantKey]bool{"broken": true}}
	ctx := testContext(t, backend, Options{FallbackVariant: "error-shader"})
	p := NewPipeline(ctx)

	frame, err := p.BeginFrame()
	require.NoError(t, err)

	out := frame.DeclareTexture("out", graph.Rgba8, 4, 4, graph.UsageColor)
	frame.AddRasterPass("main", graph.Write(out, graph.StageColorOutput)).
		AddQueue(graph.HintOpaque).
		AddDraw(opaqueDraw(1, "broken"))

	sink := &fakeSink{}
	require.NoError(t, frame.CompileAndExecute(sink))

	draws := sink.draws()
	require.Len(t, draws, 1)
	assert.Equal(t, queue.VariantKey("error-shader"), draws[0].Program.Variant)
}

func TestFrameSkipsDrawWithoutFallback(t *testing.T) {
	backend := &fakeBackend{failVariants: map[queue.VariantKey]bool{"broken": true}}
	ctx := testContext(t, backend, Options{})
	p := NewPipeline(ctx)

	frame, err := p.BeginFrame()
	require.NoError(t, err)

	out := frame.DeclareTexture("out", graph.Rgba8, 4, 4, graph.UsageColor)
	frame.AddRasterPass("main", graph.Write(out, graph.StageColorOutput)).
		AddQueue(graph.HintOpaque).
		AddDraw(opaqueDraw(1, "broken"))

	sink := &fakeSink{}
	require.NoError(t, frame.CompileAndExecute(sink))

	assert.Empty(t, sink.draws())
	assert.Equal(t, []string{"begin-raster", "end-raster"}, sink.kinds())
	assert.True(t, sink.submitted)
}

func TestFrameAllocationFailureSkipsDependents(t *testing.T) {
	backend := &fakeBackend{
		failAlloc: func(d pool.Descriptor) bool { return d.Format == graph.Rgba16Float },
	}
	ctx := testContext(t, backend, Options{})
	p := NewPipeline(ctx)

	frame, err := p.BeginFrame()
	require.NoError(t, err)

	hdr := frame.DeclareTexture("hdr", graph.Rgba16Float, 16, 16, graph.UsageColor|graph.UsageSampled)
	ldr := frame.DeclareTexture("ldr", graph.Rgba8, 16, 16, graph.UsageColor)
	frame.AddRasterPass("scene", graph.Write(hdr, graph.StageColorOutput)).
		AddQueue(graph.HintOpaque).
		AddDraw(opaqueDraw(1, "lit"))
	frame.AddRasterPass("tonemap",
		graph.Read(hdr, graph.StageFragment),
		graph.Write(ldr, graph.StageColorOutput))

	sink := &fakeSink{}
	require.NoError(t, frame.CompileAndExecute(sink))

	// both passes skip: scene lost its attachment, tonemap its input
	assert.Empty(t, sink.passOrder())
	assert.Empty(t, sink.draws())
	assert.True(t, sink.submitted)
	assert.Equal(t, 0, backend.allocs)
}

func TestFrameBlendQueueStaysOrdered(t *testing.T) {
	ctx := testContext(t, &fakeBackend{}, Options{})
	p := NewPipeline(ctx)

	frame, err := p.BeginFrame()
	require.NoError(t, err)

	out := frame.DeclareTexture("out", graph.Rgba8, 4, 4, graph.UsageColor)
	bq := frame.AddRasterPass("transparent", graph.Write(out, graph.StageColorOutput)).
		AddQueue(graph.HintBlend)
	bq.AddDraw(opaqueDraw(10, "glass"))
	bq.AddDraw(opaqueDraw(11, "glass"))
	bq.AddDraw(opaqueDraw(12, "glass"))

	sink := &fakeSink{}
	require.NoError(t, frame.CompileAndExecute(sink))

	draws := sink.draws()
	require.Len(t, draws, 3)
	assert.Equal(t, queue.MeshID(10), draws[0].Mesh)
	assert.Equal(t, queue.MeshID(11), draws[1].Mesh)
	assert.Equal(t, queue.MeshID(12), draws[2].Mesh)
	for _, d := range draws {
		assert.Equal(t, 1, d.Count)
	}
}

func TestFrameComputeAndCopy(t *testing.T) {
	ctx := testContext(t, &fakeBackend{}, Options{})
	p := NewPipeline(ctx)

	frame, err := p.BeginFrame()
	require.NoError(t, err)

	src := frame.DeclareBuffer("histogram", 1024, graph.UsageStorage|graph.UsageCopySrc)
	dst := frame.DeclareBuffer("readback", 1024, graph.UsageCopyDst)
	frame.AddComputePass("reduce", graph.ReadWrite(src, graph.StageCompute)).
		AddQueue().
		AddDispatch(queue.DispatchItem{Variant: "reduce", Groups: [3]uint32{16, 1, 1}})
	frame.AddCopyPass("readback", src, dst)

	sink := &fakeSink{}
	require.NoError(t, frame.CompileAndExecute(sink))

	assert.Equal(t, []string{"begin-compute", "dispatch", "end-compute", "barrier", "copy"}, sink.kinds())
}

func TestDeviceLost(t *testing.T) {
	ctx := testContext(t, &fakeBackend{}, Options{})
	p := NewPipeline(ctx)

	frame, err := p.BeginFrame()
	require.NoError(t, err)
	frame.Abandon()

	ctx.DeviceLost()
	_, err = p.BeginFrame()
	var lost DeviceLostError
	require.ErrorAs(t, err, &lost)

	ctx.Recover()
	frame, err = p.BeginFrame()
	require.NoError(t, err)
	frame.Abandon()
}

func TestSingleFrameInFlight(t *testing.T) {
	ctx := testContext(t, &fakeBackend{}, Options{})
	p := NewPipeline(ctx)

	frame, err := p.BeginFrame()
	require.NoError(t, err)
	_, err = p.BeginFrame()
	require.Error(t, err)

	frame.Abandon()
	frame2, err := p.BeginFrame()
	require.NoError(t, err)
	frame2.Abandon()
}
