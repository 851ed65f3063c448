// Copyright 2026 the framegraph contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package wgpu_engine

import (
	"time"

	"honnef.co/go/safeish"
	"honnef.co/go/wgpu"
)

const maxProfilerTimestamps = 1024

// Profiler records per-pass GPU timestamps. Pass begin/end writes go into a
// per-frame query set; Resolve copies the set into a mappable buffer at the
// end of the frame and Collect reads finished frames back. A nil Profiler
// disables all of it.
type Profiler struct {
	dev *wgpu.Device

	// current frame
	set     *wgpu.QuerySet
	id      uint32
	queries []profilerQuery
	start   time.Time

	// frames submitted but not read back yet, in submission order
	pending []*profilerFrame

	// free lists
	querySets      []*wgpu.QuerySet
	resolveBuffers []*wgpu.Buffer
	mapBuffers     []*wgpu.Buffer
	spare          []*profilerFrame
	results        []FrameTiming
}

type profilerQuery struct {
	label   string
	startID uint32
	endID   uint32
}

type profilerFrame struct {
	set        *wgpu.QuerySet
	id         uint32
	queries    []profilerQuery
	start      time.Time
	resolveBuf *wgpu.Buffer
	mapBuf     *wgpu.Buffer
	ch         <-chan error
}

type PassTiming struct {
	Label string
	Start uint64
	End   uint64
}

type FrameTiming struct {
	CPUStart time.Time
	Passes   []PassTiming
}

func NewProfiler(dev *wgpu.Device) *Profiler {
	return &Profiler{dev: dev}
}

func (p *Profiler) nextID() (uint32, uint32) {
	if p.set == nil {
		p.set = p.getQuerySet()
		p.start = time.Now()
	}
	start := p.id
	p.id += 2
	return start, start + 1
}

// Render returns the timestamp writes for one render pass, or nil when
// profiling is disabled.
func (p *Profiler) Render(label string) *wgpu.RenderPassTimestampWrites {
	if p == nil {
		return nil
	}
	startID, endID := p.nextID()
	p.queries = append(p.queries, profilerQuery{label: label, startID: startID, endID: endID})
	return &wgpu.RenderPassTimestampWrites{
		QuerySet:                  p.set,
		BeginningOfPassWriteIndex: startID,
		EndOfPassWriteIndex:       endID,
	}
}

// Compute returns the timestamp writes for one compute pass, or nil when
// profiling is disabled.
func (p *Profiler) Compute(label string) *wgpu.ComputePassTimestampWrites {
	if p == nil {
		return nil
	}
	startID, endID := p.nextID()
	p.queries = append(p.queries, profilerQuery{label: label, startID: startID, endID: endID})
	return &wgpu.ComputePassTimestampWrites{
		QuerySet:                  p.set,
		BeginningOfPassWriteIndex: startID,
		EndOfPassWriteIndex:       endID,
	}
}

func (p *Profiler) getQuerySet() *wgpu.QuerySet {
	if len(p.querySets) == 0 {
		return p.dev.CreateQuerySet(&wgpu.QuerySetDescriptor{
			Type:  wgpu.QueryTypeTimestamp,
			Count: maxProfilerTimestamps,
		})
	}
	q := p.querySets[len(p.querySets)-1]
	p.querySets = p.querySets[:len(p.querySets)-1]
	return q
}

func (p *Profiler) getResolveBuffer() *wgpu.Buffer {
	if len(p.resolveBuffers) == 0 {
		return p.dev.CreateBuffer(&wgpu.BufferDescriptor{
			Usage: wgpu.BufferUsageQueryResolve | wgpu.BufferUsageCopySrc,
			Size:  maxProfilerTimestamps * 16,
		})
	}
	buf := p.resolveBuffers[len(p.resolveBuffers)-1]
	p.resolveBuffers = p.resolveBuffers[:len(p.resolveBuffers)-1]
	return buf
}

func (p *Profiler) getMapBuffer() *wgpu.Buffer {
	if len(p.mapBuffers) == 0 {
		return p.dev.CreateBuffer(&wgpu.BufferDescriptor{
			Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
			Size:  maxProfilerTimestamps * 16,
		})
	}
	buf := p.mapBuffers[len(p.mapBuffers)-1]
	p.mapBuffers = p.mapBuffers[:len(p.mapBuffers)-1]
	return buf
}

func (p *Profiler) getFrame() *profilerFrame {
	if len(p.spare) > 0 {
		f := p.spare[len(p.spare)-1]
		p.spare = p.spare[:len(p.spare)-1]
		f.queries = f.queries[:0]
		f.ch = nil
		return f
	}
	return &profilerFrame{}
}

// Resolve encodes the current frame's query resolution into enc. Must run
// inside the frame's encoder, after all passes.
func (p *Profiler) Resolve(enc *wgpu.CommandEncoder) {
	if p == nil || p.set == nil {
		return
	}
	f := p.getFrame()
	f.set = p.set
	f.id = p.id
	f.queries = append(f.queries, p.queries...)
	f.start = p.start
	f.resolveBuf = p.getResolveBuffer()
	f.mapBuf = p.getMapBuffer()

	enc.ResolveQuerySet(f.set, 0, f.id, f.resolveBuf, 0)
	enc.CopyBufferToBuffer(f.resolveBuf, 0, f.mapBuf, 0, uint64(f.id)*16)

	p.pending = append(p.pending, f)
	p.set = nil
	p.id = 0
	p.queries = p.queries[:0]
}

// Map starts the readback of the most recently resolved frame. Must run
// after the frame has been submitted.
func (p *Profiler) Map() {
	if p == nil {
		return
	}
	for _, f := range p.pending {
		if f.ch == nil {
			f.ch = f.mapBuf.Map(p.dev, wgpu.MapModeRead, 0, int(f.id)*16)
		}
	}
}

// Collect returns timings of all frames whose readback has finished, in
// submission order. The return value is only valid until the next call.
func (p *Profiler) Collect() []FrameTiming {
	if p == nil {
		return nil
	}
	out := p.results[:0]
	for i, f := range p.pending {
		select {
		case err := <-f.ch:
			if err != nil {
				panic(err)
			}
			data := safeish.SliceCast[[]uint64](f.mapBuf.ReadOnlyMappedRange(0, int(f.id)*16))
			timing := FrameTiming{CPUStart: f.start}
			for _, q := range f.queries {
				timing.Passes = append(timing.Passes, PassTiming{
					Label: q.label,
					Start: data[q.startID],
					End:   data[q.endID],
				})
			}
			out = append(out, timing)
			f.mapBuf.Unmap()
			p.querySets = append(p.querySets, f.set)
			p.mapBuffers = append(p.mapBuffers, f.mapBuf)
			p.resolveBuffers = append(p.resolveBuffers, f.resolveBuf)
			p.spare = append(p.spare, f)
		default:
			// stop at the first unfinished frame so results stay in order
			copy(p.pending, p.pending[i:])
			p.pending = p.pending[:len(p.pending)-i]
			p.results = out[:0]
			return out
		}
	}
	p.pending = p.pending[:0]
	p.results = out[:0]
	return out
}
