// Copyright 2026 the framegraph contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package framegraph

import (
	"fmt"

	"honnef.co/go/safeish"

	"github.com/HaiBooLang/framegraph/graph"
	"github.com/HaiBooLang/framegraph/layout"
	"github.com/HaiBooLang/framegraph/mem"
	"github.com/HaiBooLang/framegraph/pool"
	"github.com/HaiBooLang/framegraph/program"
	"github.com/HaiBooLang/framegraph/queue"
)

// CompileAndExecute compiles the frame's graph and lowers it into sink in
// execution order. Validation failures drop the whole frame with zero sink
// calls; per-pass allocation failures and per-draw program failures degrade
// the frame instead, skipping the affected work and everything downstream of
// it. Resources borrowed from the pool are returned gated on the fence
// Submit hands back. The frame is finished either way and its arena state
// recycled.
func (f *Frame) CompileAndExecute(sink CommandSink) error {
	if f.done {
		return fmt.Errorf("frame already finished")
	}
	defer f.finish()

	if f.ctx.lost.Load() {
		return DeviceLostError{}
	}

	prof := f.ctx.prof.Start("CompileAndExecute")
	defer prof.End()

	tprof := prof.Start("transversals")
	err := f.builder.RunTransversals()
	tprof.End()
	if err != nil {
		f.ctx.log.Error("scene transversal failed; frame dropped", "err", err)
		return err
	}

	cprof := prof.Start("compile")
	g, err := f.builder.Compile()
	cprof.End()
	if err != nil {
		f.ctx.log.Error("graph validation failed; frame dropped", "err", err)
		return err
	}

	ex := &executor{
		frame:    f,
		graph:    g,
		sink:     sink,
		backings: mem.NewSlice[any](f.ctx.arena, len(g.Resources), len(g.Resources)),
		resolved: mem.NewSlice[bool](f.ctx.arena, len(g.Resources), len(g.Resources)),
		failed:   mem.NewSlice[bool](f.ctx.arena, len(g.Resources), len(g.Resources)),
	}

	iprof := prof.Start("issue")
	for pos := range g.Passes {
		ex.issuePass(pos)
	}
	iprof.End()

	fence := sink.Submit()
	for _, acq := range ex.acquired {
		f.ctx.Targets.Release(acq.desc, acq.res, fence)
	}
	return nil
}

type acquisition struct {
	desc pool.Descriptor
	res  any
}

// executor walks a compiled graph once, materializing resource backings on
// first use and translating passes into sink calls.
type executor struct {
	frame *Frame
	graph *graph.CompiledGraph
	sink  CommandSink

	// indexed like graph.Resources
	backings []any
	resolved []bool
	failed   []bool

	acquired []acquisition
}

// resolveBacking returns the backend object backing the resource, acquiring
// it from the pool on first use. A false result means the resource is
// unusable this frame, either because allocation failed or because the pass
// that would have produced its contents was skipped.
func (ex *executor) resolveBacking(ri int) (any, bool) {
	if ex.resolved[ri] {
		return ex.backings[ri], !ex.failed[ri]
	}
	ex.resolved[ri] = true

	res := ex.graph.Resources[ri]
	if res.Imported {
		backing, ok := ex.frame.imports[res.ID]
		if !ok {
			ex.frame.ctx.log.Warn("imported resource has no backing", "resource", res.Name)
			ex.failed[ri] = true
			return nil, false
		}
		ex.backings[ri] = backing
		return backing, true
	}

	desc := pool.DescriptorFor(res)
	backing, err := ex.frame.ctx.Targets.Acquire(desc)
	if err != nil {
		ex.frame.ctx.log.Warn("resource allocation failed", "resource", res.Name, "err", err)
		ex.failed[ri] = true
		return nil, false
	}
	ex.backings[ri] = backing
	ex.acquired = append(ex.acquired, acquisition{desc: desc, res: backing})
	return backing, true
}

func (ex *executor) issuePass(pos int) {
	p := ex.graph.Passes[pos]

	// A pass whose inputs are unusable is skipped, and its outputs become
	// unusable in turn so downstream passes skip as well.
	usable := true
	for _, v := range p.Views {
		ri, ok := ex.graph.ResourceIndex(v.Resource)
		if !ok {
			continue
		}
		if _, ok := ex.resolveBacking(ri); !ok {
			usable = false
			break
		}
	}
	if !usable {
		for _, v := range p.Views {
			if v.Access&graph.AccessWrite == 0 {
				continue
			}
			if ri, ok := ex.graph.ResourceIndex(v.Resource); ok {
				ex.resolved[ri] = true
				ex.failed[ri] = true
			}
		}
		ex.frame.ctx.log.Warn("pass skipped", "pass", p.Name)
		return
	}

	for _, b := range ex.graph.BarriersBefore(pos) {
		ri, ok := ex.graph.ResourceIndex(b.Resource)
		if !ok || ex.failed[ri] {
			continue
		}
		ex.sink.Barrier(&BarrierPacket{Barrier: b, Backing: ex.backings[ri]})
	}

	switch p.Kind {
	case graph.PassRaster:
		ex.issueRaster(p)
	case graph.PassCompute:
		ex.issueCompute(p)
	case graph.PassMove, graph.PassCopy:
		ex.issueTransfer(p)
	default:
		panic(fmt.Sprintf("unhandled pass kind %d", p.Kind))
	}
}

func (ex *executor) attachment(v graph.View) Attachment {
	ri, _ := ex.graph.ResourceIndex(v.Resource)
	res := ex.graph.Resources[ri]
	return Attachment{
		Resource: res.ID,
		Format:   res.Format,
		Backing:  ex.backings[ri],
	}
}

func (ex *executor) issueRaster(p *graph.Pass) {
	desc := RasterPassDesc{
		Name:  p.Name,
		Clear: p.Clear,
	}
	for _, v := range p.Views {
		att := ex.attachment(v)
		switch {
		case v.Stage == graph.StageColorOutput && v.Access&graph.AccessWrite != 0:
			desc.Color = append(desc.Color, att)
		case v.Stage == graph.StageDepthOutput:
			d := att
			desc.Depth = &d
		case v.Access&graph.AccessRead != 0:
			desc.Inputs = append(desc.Inputs, att)
		}
	}

	node := ex.layoutNode(p)

	ex.sink.BeginRasterPass(&desc)
	for _, q := range p.Queues {
		flushed := q.Draw.Flush(ex.frame.ctx.arena)
		fixed := rasterFixedState(&desc, q.Hint)

		for i := range flushed.Batches {
			b := &flushed.Batches[i]
			prog := ex.resolveProgram(node, b.Key.Variant, fixed)
			if prog == nil {
				continue
			}
			ex.sink.Draw(&DrawPacket{
				Program:      prog,
				Mesh:         b.Key.Mesh,
				Material:     b.Key.Material,
				Count:        b.Count,
				Stride:       b.Stride,
				InstanceData: b.InstanceData,
			})
		}
		for _, item := range flushed.Ordered {
			prog := ex.resolveProgram(node, item.Variant, fixed)
			if prog == nil {
				continue
			}
			stride := queue.TransformSize + len(item.InstanceData)
			data := mem.NewSlice[byte](ex.frame.ctx.arena, 0, stride)
			data = mem.Append(ex.frame.ctx.arena, data, safeish.AsBytes(&item.Transform)...)
			data = mem.Append(ex.frame.ctx.arena, data, item.InstanceData...)
			ex.sink.Draw(&DrawPacket{
				Program:      prog,
				Mesh:         item.Mesh,
				Material:     item.Material,
				Count:        1,
				Stride:       stride,
				InstanceData: data,
			})
		}
	}
	ex.sink.EndRasterPass()
}

func (ex *executor) issueCompute(p *graph.Pass) {
	node := ex.layoutNode(p)

	ex.sink.BeginComputePass(p.Name)
	for _, dq := range p.Dispatches {
		for _, item := range dq.Items() {
			prog := ex.resolveProgram(node, item.Variant, program.FixedState{})
			if prog == nil {
				continue
			}
			ex.sink.Dispatch(&DispatchPacket{
				Program:  prog,
				Groups:   item.Groups,
				PushData: item.PushData,
			})
		}
	}
	ex.sink.EndComputePass()
}

func (ex *executor) issueTransfer(p *graph.Pass) {
	srcIdx, _ := ex.graph.ResourceIndex(p.Src)
	dstIdx, _ := ex.graph.ResourceIndex(p.Dst)
	t := TransferPacket{
		Name:       p.Name,
		Src:        p.Src,
		Dst:        p.Dst,
		SrcBacking: ex.backings[srcIdx],
		DstBacking: ex.backings[dstIdx],
	}
	if p.Kind == graph.PassMove {
		ex.sink.Move(&t)
	} else {
		ex.sink.Copy(&t)
	}
}

// layoutNode resolves the layout node draws in p compile against. Returns
// nil if no layout is configured, in which case all draws of the pass are
// skipped.
func (ex *executor) layoutNode(p *graph.Pass) *layout.Node {
	name := p.Layout
	if name == "" {
		name = ex.frame.ctx.opts.DefaultLayout
	}
	if name == "" || ex.frame.ctx.Layouts == nil {
		return nil
	}
	node, ok := ex.frame.ctx.Layouts.Node(name)
	if !ok {
		ex.frame.ctx.log.Warn("unknown layout node", "pass", p.Name, "layout", name)
		return nil
	}
	return node
}

// resolveProgram resolves variant against the library, falling back to the
// configured fallback variant when compilation fails. Returns nil when the
// draw should be skipped.
func (ex *executor) resolveProgram(node *layout.Node, variant queue.VariantKey, fixed program.FixedState) *program.Program {
	if node == nil {
		return nil
	}
	prog, err := ex.frame.ctx.Programs.Resolve(node, variant, fixed)
	if err == nil {
		return prog
	}
	fallback := ex.frame.ctx.opts.FallbackVariant
	if fallback != "" && fallback != variant {
		ex.frame.ctx.log.Warn("program compile failed, using fallback",
			"variant", string(variant), "fallback", string(fallback), "err", err)
		prog, ferr := ex.frame.ctx.Programs.Resolve(node, fallback, fixed)
		if ferr == nil {
			return prog
		}
		err = ferr
	}
	ex.frame.ctx.log.Warn("program compile failed, draw skipped", "variant", string(variant), "err", err)
	return nil
}

func rasterFixedState(desc *RasterPassDesc, hint graph.QueueHint) program.FixedState {
	fixed := program.FixedState{
		Cull:     program.CullBack,
		Topology: program.Triangles,
		Samples:  1,
	}
	if len(desc.Color) > 0 {
		fixed.ColorFormat = desc.Color[0].Format
	}
	if desc.Depth != nil {
		fixed.DepthFormat = desc.Depth.Format
		fixed.DepthTest = true
		fixed.DepthWrite = true
	}
	if hint == graph.HintBlend {
		fixed.Blend = program.BlendAlpha
		fixed.DepthWrite = false
	}
	return fixed
}
