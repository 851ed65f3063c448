// Copyright 2026 the framegraph contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package wgpu_engine lowers compiled frames onto a wgpu device. It
// implements the framegraph command sink as well as the program and pool
// backends, so one Engine value wires a RenderContext to actual hardware.
package wgpu_engine

import (
	"fmt"
	"math"
	"math/bits"

	"honnef.co/go/wgpu"

	"github.com/HaiBooLang/framegraph/graph"
	"github.com/HaiBooLang/framegraph/layout"
	"github.com/HaiBooLang/framegraph/pool"
	"github.com/HaiBooLang/framegraph/program"
	"github.com/HaiBooLang/framegraph/queue"
)

// ShaderSource provides the WGSL for a program variant, compiled against the
// slots of a layout chain.
type ShaderSource interface {
	WGSL(node *layout.Node, variant queue.VariantKey) ([]byte, error)
}

// Mesh is GPU geometry resolved from a mesh ID. Index may be nil for
// non-indexed meshes; Count is then a vertex count.
type Mesh struct {
	Vertex      *wgpu.Buffer
	Index       *wgpu.Buffer
	IndexFormat wgpu.IndexFormat
	Count       uint32
}

type MeshSource interface {
	Mesh(id queue.MeshID) (Mesh, bool)
}

// BindingSource supplies the bind groups for a draw's layout chain. Set
// indices follow layout.Node.Set. A nil group leaves the set unbound.
type BindingSource interface {
	BindGroup(node *layout.Node, set uint32) *wgpu.BindGroup
}

type Options struct {
	Shaders  ShaderSource
	Meshes   MeshSource
	Bindings BindingSource
	Profiler *Profiler
}

// Engine drives one wgpu device and queue. It is not safe for concurrent
// use; frames are encoded and submitted from a single goroutine.
type Engine struct {
	Device *wgpu.Device
	Queue  *wgpu.Queue

	shaders  ShaderSource
	meshes   MeshSource
	bindings BindingSource
	prof     *Profiler

	pool resourcePool

	// 4 bytes copied into every frame's fence buffer; mapping the fence
	// buffer completes once the copy, and with it the frame, has executed.
	fenceSrc  *wgpu.Buffer
	fenceFree []*wgpu.Buffer

	// in-flight frame state, valid between the first sink call and Submit
	encoder    *wgpu.CommandEncoder
	rpass      *wgpu.RenderPassEncoder
	cpass      *wgpu.ComputePassEncoder
	passGroups []*wgpu.BindGroup
	frameBufs  []*wgpu.Buffer

	// one extra descriptor set past the layout chain, holding per-draw
	// instance records resp. per-dispatch push data
	instanceLayout *wgpu.BindGroupLayout
	pushLayout     *wgpu.BindGroupLayout
}

func New(dev *wgpu.Device, q *wgpu.Queue, options Options) *Engine {
	eng := &Engine{
		Device:   dev,
		Queue:    q,
		shaders:  options.Shaders,
		meshes:   options.Meshes,
		bindings: options.Bindings,
		prof:     options.Profiler,
		pool: resourcePool{
			bufs: make(map[bufferProperties][]*wgpu.Buffer),
		},
	}
	eng.fenceSrc = dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "fence source",
		Size:  4,
		Usage: wgpu.BufferUsageCopySrc,
	})
	eng.instanceLayout = dev.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Entries: []wgpu.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: wgpu.ShaderStageVertex | wgpu.ShaderStageFragment,
				Buffer: &wgpu.BufferBindingLayout{
					Type: wgpu.BufferBindingTypeReadOnlyStorage,
				},
			},
		},
	})
	eng.pushLayout = dev.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Entries: []wgpu.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: wgpu.ShaderStageCompute,
				Buffer: &wgpu.BufferBindingLayout{
					Type: wgpu.BufferBindingTypeUniform,
				},
			},
		},
	})
	return eng
}

// Texture is the backing of a pooled or imported texture resource.
type Texture struct {
	Texture *wgpu.Texture
	View    *wgpu.TextureView
	Width   uint32
	Height  uint32
}

// Buffer is the backing of a pooled buffer resource.
type Buffer struct {
	Buffer *wgpu.Buffer
	Size   uint64
}

func (eng *Engine) AllocResource(desc pool.Descriptor) (any, error) {
	switch desc.Kind {
	case graph.ResourceTexture:
		tex := eng.Device.CreateTexture(&wgpu.TextureDescriptor{
			Size: wgpu.Extent3D{
				Width:              desc.Width,
				Height:             desc.Height,
				DepthOrArrayLayers: 1,
			},
			MipLevelCount: 1,
			SampleCount:   desc.Samples,
			Dimension:     wgpu.TextureDimension2D,
			Usage:         textureUsageToWGPU(desc.Usage),
			Format:        formatToWGPU(desc.Format),
		})
		view := tex.CreateView(nil)
		return &Texture{Texture: tex, View: view, Width: desc.Width, Height: desc.Height}, nil
	case graph.ResourceBuffer:
		buf := eng.Device.CreateBuffer(&wgpu.BufferDescriptor{
			Size:  desc.Size,
			Usage: bufferUsageToWGPU(desc.Usage),
		})
		return &Buffer{Buffer: buf, Size: desc.Size}, nil
	default:
		return nil, fmt.Errorf("unhandled resource kind %d", desc.Kind)
	}
}

func (eng *Engine) FreeResource(desc pool.Descriptor, res any) {
	switch res := res.(type) {
	case *Texture:
		res.View.Release()
		res.Texture.Release()
	case *Buffer:
		res.Buffer.Release()
	default:
		panic(fmt.Sprintf("unhandled backing type %T", res))
	}
}

// renderProgram and computeProgram are the handle types stored in
// program.Program.Handle.
type renderProgram struct {
	pipeline *wgpu.RenderPipeline
}

type computeProgram struct {
	pipeline *wgpu.ComputePipeline
}

// CompileProgram builds a pipeline for one variant. Raster and compute are
// told apart by the fixed state: a dispatch-only program carries neither a
// color nor a depth format.
func (eng *Engine) CompileProgram(node *layout.Node, variant queue.VariantKey, fixed program.FixedState) (any, error) {
	wgsl, err := eng.shaders.WGSL(node, variant)
	if err != nil {
		return nil, err
	}

	chain := node.Chain()
	compute := fixed.ColorFormat == graph.FormatUnknown && fixed.DepthFormat == graph.FormatUnknown

	groupLayouts := make([]*wgpu.BindGroupLayout, 0, len(chain)+1)
	for _, ln := range chain {
		groupLayouts = append(groupLayouts, eng.createBindGroupLayout(ln, compute))
	}
	if compute {
		groupLayouts = append(groupLayouts, eng.pushLayout)
	} else {
		groupLayouts = append(groupLayouts, eng.instanceLayout)
	}

	shaderModule := eng.Device.CreateShaderModule(wgpu.ShaderModuleDescriptor{
		Label:  string(variant),
		Source: wgpu.ShaderSourceWGSL(wgsl),
	})
	pipelineLayout := eng.Device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            string(variant),
		BindGroupLayouts: groupLayouts,
	})
	defer pipelineLayout.Release()

	if compute {
		pipeline := eng.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
			Label:  string(variant),
			Layout: pipelineLayout,
			Compute: wgpu.ProgrammableStageDescriptor{
				Module:     shaderModule,
				EntryPoint: "main",
			},
		})
		return &computeProgram{pipeline: pipeline}, nil
	}

	pipeline := eng.Device.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label:  string(variant),
		Layout: pipelineLayout,
		Vertex: &wgpu.VertexState{
			Module:     shaderModule,
			EntryPoint: "vs_main",
			Buffers:    []wgpu.VertexBufferLayout{vertexLayout},
		},
		Fragment:     fragmentState(shaderModule, &fixed),
		DepthStencil: depthState(&fixed),
		Primitive: &wgpu.PrimitiveState{
			Topology:         topologyToWGPU(fixed.Topology),
			StripIndexFormat: ^wgpu.IndexFormat(0),
			FrontFace:        wgpu.FrontFaceCCW,
			CullMode:         cullToWGPU(fixed.Cull),
		},
		Multisample: &wgpu.MultisampleState{
			Count:                  max(fixed.Samples, 1),
			Mask:                   ^uint32(0),
			AlphaToCoverageEnabled: false,
		},
	})
	return &renderProgram{pipeline: pipeline}, nil
}

// vertexLayout is the per-vertex stream every mesh provides: position,
// normal, uv. Instance records come in through a storage buffer instead of a
// second vertex stream, so variable per-draw payloads need no extra pipeline
// permutations.
var vertexLayout = wgpu.VertexBufferLayout{
	ArrayStride: 32,
	StepMode:    wgpu.VertexStepModeVertex,
	Attributes: []wgpu.VertexAttribute{
		{Format: wgpu.VertexFormatFloat32x3, Offset: 0, ShaderLocation: 0},
		{Format: wgpu.VertexFormatFloat32x3, Offset: 12, ShaderLocation: 1},
		{Format: wgpu.VertexFormatFloat32x2, Offset: 24, ShaderLocation: 2},
	},
}

func fragmentState(module *wgpu.ShaderModule, fixed *program.FixedState) *wgpu.FragmentState {
	if fixed.ColorFormat == graph.FormatUnknown {
		return nil
	}
	target := wgpu.ColorTargetState{
		Format:    formatToWGPU(fixed.ColorFormat),
		WriteMask: wgpu.ColorWriteMaskAll,
	}
	switch fixed.Blend {
	case program.BlendOpaque:
	case program.BlendAlpha:
		target.Blend = &wgpu.BlendState{
			Color: wgpu.BlendComponent{
				SrcFactor: wgpu.BlendFactorSrcAlpha,
				DstFactor: wgpu.BlendFactorOneMinusSrcAlpha,
				Operation: wgpu.BlendOperationAdd,
			},
			Alpha: wgpu.BlendComponent{
				SrcFactor: wgpu.BlendFactorOne,
				DstFactor: wgpu.BlendFactorOneMinusSrcAlpha,
				Operation: wgpu.BlendOperationAdd,
			},
		}
	case program.BlendAdditive:
		target.Blend = &wgpu.BlendState{
			Color: wgpu.BlendComponent{
				SrcFactor: wgpu.BlendFactorOne,
				DstFactor: wgpu.BlendFactorOne,
				Operation: wgpu.BlendOperationAdd,
			},
			Alpha: wgpu.BlendComponent{
				SrcFactor: wgpu.BlendFactorOne,
				DstFactor: wgpu.BlendFactorOne,
				Operation: wgpu.BlendOperationAdd,
			},
		}
	default:
		panic(fmt.Sprintf("unhandled blend mode %d", fixed.Blend))
	}
	return &wgpu.FragmentState{
		Module:     module,
		EntryPoint: "fs_main",
		Targets:    []wgpu.ColorTargetState{target},
	}
}

func depthState(fixed *program.FixedState) *wgpu.DepthStencilState {
	if fixed.DepthFormat == graph.FormatUnknown {
		return nil
	}
	compare := wgpu.CompareFunctionAlways
	if fixed.DepthTest {
		compare = wgpu.CompareFunctionLess
	}
	return &wgpu.DepthStencilState{
		Format:            formatToWGPU(fixed.DepthFormat),
		DepthWriteEnabled: fixed.DepthWrite,
		DepthCompare:      compare,
	}
}

func (eng *Engine) createBindGroupLayout(node *layout.Node, compute bool) *wgpu.BindGroupLayout {
	entries := make([]wgpu.BindGroupLayoutEntry, len(node.Slots))
	for i, slot := range node.Slots {
		entry := wgpu.BindGroupLayoutEntry{
			Binding:    slot.Binding,
			Visibility: visibilityToWGPU(slot.Visibility, compute),
		}
		switch slot.Kind {
		case layout.UniformBuffer:
			entry.Buffer = &wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform}
		case layout.StorageBuffer:
			entry.Buffer = &wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage}
		case layout.StorageBufferReadOnly:
			entry.Buffer = &wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}
		case layout.SampledTexture:
			entry.Texture = &wgpu.TextureBindingLayout{
				SampleType:    wgpu.TextureSampleTypeFloat,
				ViewDimension: wgpu.TextureViewDimension2D,
				Multisampled:  false,
			}
		case layout.StorageTexture:
			entry.StorageTexture = &wgpu.StorageTextureBindingLayout{
				Access:        wgpu.StorageTextureAccessWriteOnly,
				Format:        formatToWGPU(slot.Format),
				ViewDimension: wgpu.TextureViewDimension2D,
			}
		case layout.Sampler:
			entry.Sampler = &wgpu.SamplerBindingLayout{Type: wgpu.SamplerBindingTypeFiltering}
		default:
			panic(fmt.Sprintf("unhandled bind kind %d", slot.Kind))
		}
		entries[i] = entry
	}
	return eng.Device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   node.Name,
		Entries: entries,
	})
}

func visibilityToWGPU(v layout.Visibility, compute bool) wgpu.ShaderStage {
	if compute {
		return wgpu.ShaderStageCompute
	}
	var out wgpu.ShaderStage
	if v&layout.VisibleVertex != 0 {
		out |= wgpu.ShaderStageVertex
	}
	if v&layout.VisibleFragment != 0 {
		out |= wgpu.ShaderStageFragment
	}
	if v&layout.VisibleCompute != 0 {
		out |= wgpu.ShaderStageCompute
	}
	return out
}

func formatToWGPU(f graph.Format) wgpu.TextureFormat {
	switch f {
	case graph.Rgba8:
		return wgpu.TextureFormatRGBA8Unorm
	case graph.Rgba8Srgb:
		return wgpu.TextureFormatRGBA8UnormSrgb
	case graph.Bgra8:
		return wgpu.TextureFormatBGRA8Unorm
	case graph.Rgba16Float:
		return wgpu.TextureFormatRGBA16Float
	case graph.R32Uint:
		return wgpu.TextureFormatR32Uint
	case graph.Depth32Float:
		return wgpu.TextureFormatDepth32Float
	default:
		panic(fmt.Sprintf("unhandled value %d", f))
	}
}

func topologyToWGPU(t program.Topology) wgpu.PrimitiveTopology {
	switch t {
	case program.Triangles:
		return wgpu.PrimitiveTopologyTriangleList
	case program.Lines:
		return wgpu.PrimitiveTopologyLineList
	case program.Points:
		return wgpu.PrimitiveTopologyPointList
	default:
		panic(fmt.Sprintf("unhandled value %d", t))
	}
}

func cullToWGPU(c program.CullMode) wgpu.CullMode {
	switch c {
	case program.CullNone:
		return wgpu.CullModeNone
	case program.CullBack:
		return wgpu.CullModeBack
	case program.CullFront:
		return wgpu.CullModeFront
	default:
		panic(fmt.Sprintf("unhandled value %d", c))
	}
}

func textureUsageToWGPU(u graph.Usage) wgpu.TextureUsage {
	var out wgpu.TextureUsage
	if u&(graph.UsageColor|graph.UsageDepthStencil) != 0 {
		out |= wgpu.TextureUsageRenderAttachment
	}
	if u&graph.UsageSampled != 0 {
		out |= wgpu.TextureUsageTextureBinding
	}
	if u&graph.UsageStorage != 0 {
		out |= wgpu.TextureUsageStorageBinding
	}
	if u&graph.UsageCopySrc != 0 {
		out |= wgpu.TextureUsageCopySrc
	}
	if u&graph.UsageCopyDst != 0 {
		out |= wgpu.TextureUsageCopyDst
	}
	return out
}

func bufferUsageToWGPU(u graph.Usage) wgpu.BufferUsage {
	// every pooled buffer is writable from the host
	out := wgpu.BufferUsageCopyDst
	if u&graph.UsageUniform != 0 {
		out |= wgpu.BufferUsageUniform
	}
	if u&graph.UsageStorage != 0 {
		out |= wgpu.BufferUsageStorage
	}
	if u&graph.UsageCopySrc != 0 {
		out |= wgpu.BufferUsageCopySrc
	}
	if u&graph.UsageIndirect != 0 {
		out |= wgpu.BufferUsageIndirect
	}
	return out
}

type bufferProperties struct {
	size   uint64
	usages wgpu.BufferUsage
}

// resourcePool recycles the transient upload buffers the sink creates for
// instance records and push data.
type resourcePool struct {
	bufs map[bufferProperties][]*wgpu.Buffer
}

func (pool *resourcePool) getBuf(
	size uint64,
	name string,
	usage wgpu.BufferUsage,
	dev *wgpu.Device,
) *wgpu.Buffer {
	const sizeClassBits = 1

	roundedSize := poolSizeClass(size, sizeClassBits)
	props := bufferProperties{
		size:   roundedSize,
		usages: usage,
	}
	if bufVec, ok := pool.bufs[props]; ok {
		if len(bufVec) > 0 {
			buf := bufVec[len(bufVec)-1]
			pool.bufs[props] = bufVec[:len(bufVec)-1]
			return buf
		}
	}
	return dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: name,
		Size:  roundedSize,
		Usage: usage,
	})
}

func (pool *resourcePool) putBuf(buf *wgpu.Buffer) {
	props := bufferProperties{
		size:   buf.Size(),
		usages: buf.Usage(),
	}
	pool.bufs[props] = append(pool.bufs[props], buf)
}

func poolSizeClass(x uint64, numBits uint32) uint64 {
	if x > 1<<numBits {
		a := bits.LeadingZeros64(x - 1)
		b := (x - 1) | (((math.MaxUint64 / 2) >> numBits) >> a)
		return b + 1
	} else {
		return 1 << numBits
	}
}
