// Copyright 2026 the framegraph contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package graph models one frame's render graph: the resources a frame
// declares, the raster/compute/move/copy passes operating on them, and the
// compiled execution order derived from their read/write sets.
package graph

import (
	"sync/atomic"

	"honnef.co/go/color"

	"github.com/HaiBooLang/framegraph/mem"
	"github.com/HaiBooLang/framegraph/queue"
)

var resourceID atomic.Uint64

func nextResourceID() ResourceID {
	return ResourceID(resourceID.Add(1))
}

// ResourceID identifies a logical frame resource. IDs are unique for the
// lifetime of the process so imported resources can be correlated across
// frames.
type ResourceID uint64

type ResourceKind int

const (
	ResourceTexture ResourceKind = iota + 1
	ResourceBuffer
)

type Format int

const (
	FormatUnknown Format = iota
	Rgba8
	Rgba8Srgb
	Bgra8
	Rgba16Float
	R32Uint
	Depth32Float
)

// Usage flags describe how a resource's backing memory may be used.
type Usage uint32

const (
	UsageColor Usage = 1 << iota
	UsageDepthStencil
	UsageSampled
	UsageStorage
	UsageUniform
	UsageCopySrc
	UsageCopyDst
	UsageIndirect
)

// Stage is the pipeline stage at which a pass accesses a resource. Stage
// transitions between dependent passes become barriers.
type Stage uint8

const (
	StageNone Stage = iota
	StageVertex
	StageFragment
	StageColorOutput
	StageDepthOutput
	StageCompute
	StageTransfer
)

type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite

	AccessReadWrite = AccessRead | AccessWrite
)

// Resource is a logical render target or buffer declared for one frame.
// Backing GPU memory is borrowed from the resource pool for the resource's
// lifetime span only; imported resources bring their own backing and a known
// initial state.
type Resource struct {
	ID     ResourceID
	Name   string
	Kind   ResourceKind
	Format Format
	Width  uint32
	Height uint32
	Size   uint64
	Usage  Usage

	Imported     bool
	InitialStage Stage
}

// View is one pass's declared access to a resource.
type View struct {
	Resource ResourceID
	Access   Access
	Stage    Stage
}

// Read declares a read-only view.
func Read(r ResourceID, stage Stage) View {
	return View{Resource: r, Access: AccessRead, Stage: stage}
}

// Write declares a write-only view.
func Write(r ResourceID, stage Stage) View {
	return View{Resource: r, Access: AccessWrite, Stage: stage}
}

// ReadWrite declares a view both read and written in place.
func ReadWrite(r ResourceID, stage Stage) View {
	return View{Resource: r, Access: AccessReadWrite, Stage: stage}
}

type PassKind int

const (
	PassRaster PassKind = iota + 1
	PassCompute
	PassMove
	PassCopy
)

// QueueHint declares the reordering semantics of a raster queue.
type QueueHint int

const (
	// HintOpaque queues may be reordered and batched freely.
	HintOpaque QueueHint = iota
	// HintBlend queues contain order-sensitive work by default.
	HintBlend
)

// Transversal fills a draw queue from an external scene representation. It
// is satisfied by scene.Transversal; the graph only needs the emission step.
type Transversal interface {
	Visit(a *mem.Arena, q *queue.RenderDrawQueue) error
}

// RasterQueue is one draw queue attached to a raster pass, together with the
// scene transversals that will fill it at compile time.
type RasterQueue struct {
	Hint QueueHint
	Draw queue.RenderDrawQueue

	transversals []Transversal
}

// Pass is a tagged variant over raster, compute, move and copy work.
// Passes are immutable once the graph is compiled and exist for one frame.
type Pass struct {
	Kind  PassKind
	Name  string
	Views []View

	// Layout names the layout-graph node draws in this pass compile
	// against; empty means the pipeline's default.
	Layout string

	// raster only
	Queues []*RasterQueue
	Clear  *color.Color

	// compute only
	Dispatches []*queue.ComputeQueue

	// move/copy only
	Src ResourceID
	Dst ResourceID

	// declaration index; ties in the topological order are broken by it
	decl int
}
