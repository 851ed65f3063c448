// Copyright 2026 the framegraph contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package wgpu_engine

import (
	"fmt"

	"honnef.co/go/color"
	"honnef.co/go/wgpu"

	"github.com/HaiBooLang/framegraph"
	"github.com/HaiBooLang/framegraph/pool"
)

// Engine implements framegraph.CommandSink. One frame's worth of calls
// shares a single command encoder; Submit finishes and submits it and hands
// back a fence.

func (eng *Engine) ensureEncoder() *wgpu.CommandEncoder {
	if eng.encoder == nil {
		eng.encoder = eng.Device.CreateCommandEncoder(&wgpu.CommandEncoderDescriptor{Label: "frame"})
	}
	return eng.encoder
}

func textureView(backing any) *wgpu.TextureView {
	switch b := backing.(type) {
	case *Texture:
		return b.View
	case *wgpu.TextureView:
		return b
	default:
		panic(fmt.Sprintf("unhandled backing type %T", b))
	}
}

func clearColor(c *color.Color) wgpu.Color {
	cc := c.Convert(color.LinearSRGB)
	return wgpu.Color{
		R: cc.Values[0],
		G: cc.Values[1],
		B: cc.Values[2],
		A: cc.Values[3],
	}
}

func (eng *Engine) BeginRasterPass(desc *framegraph.RasterPassDesc) {
	enc := eng.ensureEncoder()

	colors := make([]wgpu.RenderPassColorAttachment, len(desc.Color))
	for i, att := range desc.Color {
		colors[i] = wgpu.RenderPassColorAttachment{
			View:    textureView(att.Backing),
			LoadOp:  wgpu.LoadOpLoad,
			StoreOp: wgpu.StoreOpStore,
		}
		if desc.Clear != nil {
			colors[i].LoadOp = wgpu.LoadOpClear
			colors[i].ClearValue = clearColor(desc.Clear)
		}
	}

	rdesc := wgpu.RenderPassDescriptor{
		Label:            desc.Name,
		ColorAttachments: colors,
		TimestampWrites:  eng.prof.Render(desc.Name),
	}
	if desc.Depth != nil {
		rdesc.DepthStencilAttachment = &wgpu.RenderPassDepthStencilAttachment{
			View:            textureView(desc.Depth.Backing),
			DepthLoadOp:     wgpu.LoadOpClear,
			DepthStoreOp:    wgpu.StoreOpStore,
			DepthClearValue: 1,
		}
	}

	eng.rpass = enc.BeginRenderPass(&rdesc)
}

func (eng *Engine) Draw(p *framegraph.DrawPacket) {
	mesh, ok := eng.meshes.Mesh(p.Mesh)
	if !ok {
		return
	}
	prog := p.Program.Handle.(*renderProgram)
	eng.rpass.SetPipeline(prog.pipeline)

	chain := p.Program.Node.Chain()
	if eng.bindings != nil {
		for i, ln := range chain {
			if bg := eng.bindings.BindGroup(ln, uint32(i)); bg != nil {
				eng.rpass.SetBindGroup(uint32(i), bg, nil)
			}
		}
	}

	// instance records live in a storage buffer one set past the chain
	instBuf := eng.pool.getBuf(uint64(len(p.InstanceData)), "instances",
		wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst, eng.Device)
	eng.Queue.WriteBuffer(instBuf, 0, p.InstanceData)
	eng.frameBufs = append(eng.frameBufs, instBuf)
	instGroup := eng.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Layout: eng.instanceLayout,
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: instBuf, Size: ^uint64(0)},
		},
	})
	eng.passGroups = append(eng.passGroups, instGroup)
	eng.rpass.SetBindGroup(uint32(len(chain)), instGroup, nil)

	eng.rpass.SetVertexBuffer(0, mesh.Vertex, 0, ^uint64(0))
	if mesh.Index != nil {
		eng.rpass.SetIndexBuffer(mesh.Index, mesh.IndexFormat, 0, ^uint64(0))
		eng.rpass.DrawIndexed(mesh.Count, uint32(p.Count), 0, 0, 0)
	} else {
		eng.rpass.Draw(mesh.Count, uint32(p.Count), 0, 0)
	}
}

func (eng *Engine) EndRasterPass() {
	eng.rpass.End()
	eng.rpass.Release()
	eng.rpass = nil
	eng.releasePassGroups()
}

func (eng *Engine) BeginComputePass(name string) {
	enc := eng.ensureEncoder()
	eng.cpass = enc.BeginComputePass(&wgpu.ComputePassDescriptor{
		Label:           name,
		TimestampWrites: eng.prof.Compute(name),
	})
}

func (eng *Engine) Dispatch(p *framegraph.DispatchPacket) {
	prog := p.Program.Handle.(*computeProgram)
	eng.cpass.SetPipeline(prog.pipeline)

	chain := p.Program.Node.Chain()
	if eng.bindings != nil {
		for i, ln := range chain {
			if bg := eng.bindings.BindGroup(ln, uint32(i)); bg != nil {
				eng.cpass.SetBindGroup(uint32(i), bg, nil)
			}
		}
	}

	if len(p.PushData) > 0 {
		pushBuf := eng.pool.getBuf(uint64(len(p.PushData)), "push data",
			wgpu.BufferUsageUniform|wgpu.BufferUsageCopyDst, eng.Device)
		eng.Queue.WriteBuffer(pushBuf, 0, p.PushData)
		eng.frameBufs = append(eng.frameBufs, pushBuf)
		pushGroup := eng.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
			Layout: eng.pushLayout,
			Entries: []wgpu.BindGroupEntry{
				{Binding: 0, Buffer: pushBuf, Size: ^uint64(0)},
			},
		})
		eng.passGroups = append(eng.passGroups, pushGroup)
		eng.cpass.SetBindGroup(uint32(len(chain)), pushGroup, nil)
	}

	eng.cpass.DispatchWorkgroups(p.Groups[0], p.Groups[1], p.Groups[2])
}

func (eng *Engine) EndComputePass() {
	eng.cpass.End()
	eng.cpass.Release()
	eng.cpass = nil
	eng.releasePassGroups()
}

func (eng *Engine) releasePassGroups() {
	for _, bg := range eng.passGroups {
		bg.Release()
	}
	eng.passGroups = eng.passGroups[:0]
}

// Barrier is a no-op: wgpu derives hazards from usage and synchronizes
// internally.
func (eng *Engine) Barrier(b *framegraph.BarrierPacket) {}

func (eng *Engine) Copy(t *framegraph.TransferPacket) {
	eng.transfer(t)
}

// Move lowers to a copy; the graph guarantees the source is not accessed
// afterwards.
func (eng *Engine) Move(t *framegraph.TransferPacket) {
	eng.transfer(t)
}

func (eng *Engine) transfer(t *framegraph.TransferPacket) {
	enc := eng.ensureEncoder()
	switch src := t.SrcBacking.(type) {
	case *Buffer:
		dst := t.DstBacking.(*Buffer)
		enc.CopyBufferToBuffer(src.Buffer, 0, dst.Buffer, 0, min(src.Size, dst.Size))
	case *Texture:
		dst := t.DstBacking.(*Texture)
		enc.CopyTextureToTexture(
			&wgpu.ImageCopyTexture{
				Texture:  src.Texture,
				MipLevel: 0,
				Origin:   wgpu.Origin3D{},
				Aspect:   wgpu.TextureAspectAll,
			},
			&wgpu.ImageCopyTexture{
				Texture:  dst.Texture,
				MipLevel: 0,
				Origin:   wgpu.Origin3D{},
				Aspect:   wgpu.TextureAspectAll,
			},
			&wgpu.Extent3D{
				Width:              min(src.Width, dst.Width),
				Height:             min(src.Height, dst.Height),
				DepthOrArrayLayers: 1,
			},
		)
	default:
		panic(fmt.Sprintf("unhandled backing type %T", src))
	}
}

// Submit finishes the frame's encoder and submits it. The returned fence
// signals once the device has executed the frame: a 4-byte copy is encoded
// after all other commands and its destination mapped for reading, which
// completes only after the copy has run on the queue.
func (eng *Engine) Submit() pool.Fence {
	enc := eng.ensureEncoder()

	fenceBuf := eng.getFenceBuf()
	enc.CopyBufferToBuffer(eng.fenceSrc, 0, fenceBuf, 0, 4)
	eng.prof.Resolve(enc)

	cmd := enc.Finish(nil)
	enc.Release()
	eng.encoder = nil
	eng.Queue.Submit(cmd)
	cmd.Release()

	eng.prof.Map()

	// uploads are consumed at submission, the buffers can go straight back
	for _, buf := range eng.frameBufs {
		eng.pool.putBuf(buf)
	}
	eng.frameBufs = eng.frameBufs[:0]

	return &submitFence{
		eng: eng,
		buf: fenceBuf,
		ch:  fenceBuf.Map(eng.Device, wgpu.MapModeRead, 0, 4),
	}
}

func (eng *Engine) getFenceBuf() *wgpu.Buffer {
	if len(eng.fenceFree) > 0 {
		buf := eng.fenceFree[len(eng.fenceFree)-1]
		eng.fenceFree = eng.fenceFree[:len(eng.fenceFree)-1]
		return buf
	}
	return eng.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "fence",
		Size:  4,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
}

type submitFence struct {
	eng  *Engine
	buf  *wgpu.Buffer
	ch   <-chan error
	done bool
}

func (f *submitFence) Done() bool {
	if f.done {
		return true
	}
	select {
	case <-f.ch:
		f.buf.Unmap()
		f.eng.fenceFree = append(f.eng.fenceFree, f.buf)
		f.buf = nil
		f.done = true
		return true
	default:
		return false
	}
}

var _ framegraph.CommandSink = (*Engine)(nil)
var _ framegraph.Backend = (*Engine)(nil)
