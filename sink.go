// Copyright 2026 the framegraph contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package framegraph

import (
	"honnef.co/go/color"

	"github.com/HaiBooLang/framegraph/graph"
	"github.com/HaiBooLang/framegraph/pool"
	"github.com/HaiBooLang/framegraph/program"
	"github.com/HaiBooLang/framegraph/queue"
)

// Attachment pairs a graph resource with the backend object backing it for
// this frame. Backing is whatever the pool or importer handed out; sinks
// cast it to their own resource type.
type Attachment struct {
	Resource graph.ResourceID
	Format   graph.Format
	Backing  any
}

// RasterPassDesc describes one raster pass to a sink. Color and Depth carry
// the attachments written by the pass; Inputs carries the resources it
// samples or reads.
type RasterPassDesc struct {
	Name   string
	Color  []Attachment
	Depth  *Attachment
	Inputs []Attachment
	Clear  *color.Color
}

// DrawPacket is one instanced draw call. InstanceData holds Count packed
// per-instance records of Stride bytes each.
type DrawPacket struct {
	Program      *program.Program
	Mesh         queue.MeshID
	Material     queue.MaterialID
	Count        int
	Stride       int
	InstanceData []byte
}

type DispatchPacket struct {
	Program  *program.Program
	Groups   [3]uint32
	PushData []byte
}

// BarrierPacket mirrors a compiled barrier with the resource's backing
// resolved. Sinks whose API tracks hazards implicitly may ignore these.
type BarrierPacket struct {
	Barrier graph.Barrier
	Backing any
}

type TransferPacket struct {
	Name       string
	Src, Dst   graph.ResourceID
	SrcBacking any
	DstBacking any
}

// CommandSink receives the lowered frame in execution order. Calls arrive
// from a single goroutine; Submit is called exactly once, last, and returns
// a fence that signals when the device has finished the frame's work.
type CommandSink interface {
	BeginRasterPass(desc *RasterPassDesc)
	Draw(p *DrawPacket)
	EndRasterPass()

	BeginComputePass(name string)
	Dispatch(p *DispatchPacket)
	EndComputePass()

	Barrier(b *BarrierPacket)
	Copy(t *TransferPacket)
	Move(t *TransferPacket)

	Submit() pool.Fence
}
