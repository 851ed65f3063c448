// Copyright 2026 the framegraph contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package framegraph builds and executes per-frame render graphs. A frame
// declares transient resources and passes, the compiler validates the graph
// and derives an execution order from the declared reads and writes, and the
// executor lowers the ordered passes into backend commands.
package framegraph

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/HaiBooLang/framegraph/layout"
	"github.com/HaiBooLang/framegraph/mem"
	"github.com/HaiBooLang/framegraph/pool"
	"github.com/HaiBooLang/framegraph/profiler"
	"github.com/HaiBooLang/framegraph/program"
	"github.com/HaiBooLang/framegraph/queue"
)

// Backend is the device-facing half of a render context. The wgpu_engine
// package provides the canonical implementation.
type Backend interface {
	program.Backend
	pool.Backend
}

type Options struct {
	// DefaultLayout names the layout-graph node used for passes that don't
	// select one explicitly.
	DefaultLayout string

	// FallbackVariant is resolved in place of a variant whose program fails
	// to compile. Empty disables the fallback; affected draws are skipped.
	FallbackVariant queue.VariantKey

	// MaxIdle bounds the number of idle pooled resources. Zero means
	// pool.DefaultMaxIdle.
	MaxIdle int

	Logger   *slog.Logger
	Profiler profiler.ProfilerGroup
}

// RenderContext owns the state that outlives individual frames: the program
// cache, the transient resource pool, and the layout graph the programs
// compile against.
type RenderContext struct {
	Programs *program.Library
	Targets  *pool.Group
	Layouts  *layout.Graph

	opts  Options
	log   *slog.Logger
	prof  profiler.ProfilerGroup
	arena *mem.Arena

	frameActive atomic.Bool
	lost        atomic.Bool
}

func NewContext(backend Backend, layouts *layout.Graph, opts Options) *RenderContext {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	prof := opts.Profiler
	if prof == nil {
		prof = profiler.Nop{}
	}
	return &RenderContext{
		Programs: program.NewLibrary(backend),
		Targets:  pool.NewGroup(backend, pool.Config{MaxIdle: opts.MaxIdle}),
		Layouts:  layouts,
		opts:     opts,
		log:      log,
		prof:     prof,
		arena:    mem.NewArena(),
	}
}

// DeviceLost transitions the context into the lost state. Cached programs
// and pooled resources reference the dead device and are discarded; frames
// begun afterwards fail with DeviceLostError until Recover is called.
func (ctx *RenderContext) DeviceLost() {
	ctx.lost.Store(true)
	ctx.Programs.Invalidate()
	ctx.Targets.Reset()
}

// Recover clears the lost state after the caller has reestablished a device.
func (ctx *RenderContext) Recover() {
	ctx.lost.Store(false)
}

type DeviceLostError struct{}

func (DeviceLostError) Error() string {
	return "render device lost; context must be recovered before use"
}

// Pipeline hands out frames against a context, one at a time.
type Pipeline struct {
	ctx *RenderContext
}

func NewPipeline(ctx *RenderContext) *Pipeline {
	return &Pipeline{ctx: ctx}
}

// BeginFrame starts a new frame. Only one frame may be in flight per
// context; the returned frame must be finished with CompileAndExecute or
// Abandon before the next call.
func (p *Pipeline) BeginFrame() (*Frame, error) {
	if p.ctx.lost.Load() {
		return nil, DeviceLostError{}
	}
	if !p.ctx.frameActive.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("frame already in progress")
	}
	return newFrame(p.ctx), nil
}
