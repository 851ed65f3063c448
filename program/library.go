// Copyright 2026 the framegraph contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package program caches compiled pipeline-state objects keyed by layout
// node, shader variant and fixed-function state. Compilation itself is the
// backend's business; the library guarantees each key is compiled at most
// once, even under concurrent resolves from parallel pass execution.
package program

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"honnef.co/go/safeish"

	"github.com/HaiBooLang/framegraph/graph"
	"github.com/HaiBooLang/framegraph/layout"
	"github.com/HaiBooLang/framegraph/queue"
)

type BlendMode int

const (
	BlendOpaque BlendMode = iota
	BlendAlpha
	BlendAdditive
)

type CullMode int

const (
	CullNone CullMode = iota
	CullBack
	CullFront
)

type Topology int

const (
	Triangles Topology = iota
	Lines
	Points
)

// FixedState is the fixed-function half of a pipeline key.
type FixedState struct {
	Blend       BlendMode
	DepthTest   bool
	DepthWrite  bool
	Cull        CullMode
	Topology    Topology
	ColorFormat graph.Format
	DepthFormat graph.Format
	Samples     uint32
}

func (fs *FixedState) appendKey(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(fs.Blend))
	var depth uint32
	if fs.DepthTest {
		depth |= 1
	}
	if fs.DepthWrite {
		depth |= 2
	}
	b = binary.LittleEndian.AppendUint32(b, depth)
	b = binary.LittleEndian.AppendUint32(b, uint32(fs.Cull))
	b = binary.LittleEndian.AppendUint32(b, uint32(fs.Topology))
	b = binary.LittleEndian.AppendUint32(b, uint32(fs.ColorFormat))
	b = binary.LittleEndian.AppendUint32(b, uint32(fs.DepthFormat))
	b = binary.LittleEndian.AppendUint32(b, fs.Samples)
	return b
}

// Program is a compiled pipeline-state object. Handle is whatever the
// backend compiled; the wgpu backend stores its pipeline here.
type Program struct {
	Node    *layout.Node
	Variant queue.VariantKey
	Fixed   FixedState
	Handle  any
}

// Backend compiles pipelines. Implementations must be safe for concurrent
// use; the library never issues two compiles for the same key.
type Backend interface {
	CompileProgram(node *layout.Node, variant queue.VariantKey, fixed FixedState) (any, error)
}

// CompileError reports a shader/layout mismatch or an unregistered variant.
// The caller may substitute a fallback pipeline or skip the affected draw;
// the frame continues.
type CompileError struct {
	Variant queue.VariantKey
	Node    string
	Err     error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compiling program %q against layout %q: %v", e.Variant, e.Node, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// Library is the program cache. It lives as long as the render context and
// is only invalidated on shader source change or device loss.
type Library struct {
	backend Backend

	mu      sync.Mutex
	entries map[string]*entry
	key     []byte // scratch for key building, guarded by mu
}

type entry struct {
	ready chan struct{} // closed once prog/err are set
	prog  *Program
	err   error
}

func NewLibrary(backend Backend) *Library {
	return &Library{
		backend: backend,
		entries: make(map[string]*entry),
	}
}

// Resolve returns the cached program for (node, variant, fixed) or compiles
// it. Concurrent resolves of the same key share one compilation; the losers
// wait for the winner. A failed compilation is never stored: a later
// Resolve with the same key tries again.
func (l *Library) Resolve(node *layout.Node, variant queue.VariantKey, fixed FixedState) (*Program, error) {
	l.mu.Lock()
	key := l.key[:0]
	key = append(key, node.Key()...)
	key = binary.LittleEndian.AppendUint64(key, uint64(len(variant)))
	key = append(key, variant...)
	key = fixed.appendKey(key)
	l.key = key[:0]

	keyStr := safeish.Cast[string](key)
	e, ok := l.entries[keyStr]
	var owner bool
	if !ok {
		e = &entry{ready: make(chan struct{})}
		// copy the key out of the scratch slice
		keyStr = strings.Clone(keyStr)
		l.entries[keyStr] = e
		owner = true
	}
	l.mu.Unlock()

	if !owner {
		<-e.ready
		return e.prog, e.err
	}

	handle, err := l.backend.CompileProgram(node, variant, fixed)
	if err != nil {
		e.err = &CompileError{Variant: variant, Node: node.Name, Err: err}
		close(e.ready)
		l.mu.Lock()
		if l.entries[keyStr] == e {
			delete(l.entries, keyStr)
		}
		l.mu.Unlock()
		return nil, e.err
	}
	e.prog = &Program{
		Node:    node,
		Variant: variant,
		Fixed:   fixed,
		Handle:  handle,
	}
	close(e.ready)
	return e.prog, nil
}

// Len reports the number of cached programs.
func (l *Library) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Invalidate drops every cached program. Called on device loss and when
// shader sources change underneath the cache.
func (l *Library) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*entry)
}
