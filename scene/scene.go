// Copyright 2026 the framegraph contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package scene walks an externally owned scene representation and emits
// draw items into a pass's queue, applying frustum culling and a light
// assignment policy on the way. The scene itself is never mutated.
package scene

import (
	"iter"

	"github.com/chewxy/math32"
	"github.com/xlab/linmath"

	"github.com/HaiBooLang/framegraph/queue"
)

// Renderable is one visible object as supplied by the scene collaborator.
type Renderable struct {
	Mesh     queue.MeshID
	Material queue.MaterialID
	Variant  queue.VariantKey

	Transform linmath.Mat4x4

	// bounding sphere, world space
	Center linmath.Vec3
	Radius float32

	// InstanceData is the renderable's custom per-instance payload; the
	// traversal appends its light assignment to it.
	InstanceData []byte

	OrderSensitive bool
}

// Light is a point light considered by the default forward policy.
type Light struct {
	Position  linmath.Vec3
	Radius    float32
	Intensity float32
}

// Provider enumerates a scene. Renderables must be re-iterable: every call
// to the returned sequence restarts the enumeration.
type Provider interface {
	Renderables() iter.Seq[Renderable]
	Lights() []Light
}

// Camera is the view descriptor a traversal culls against.
type Camera struct {
	ViewProj linmath.Mat4x4
	Position linmath.Vec3
}

type plane struct {
	normal linmath.Vec3
	d      float32
}

func (p *plane) distance(v linmath.Vec3) float32 {
	return p.normal[0]*v[0] + p.normal[1]*v[1] + p.normal[2]*v[2] + p.d
}

// Frustum is the six clip planes of a camera, normals pointing inwards.
type Frustum [6]plane

// FrustumFrom extracts clip planes from a view-projection matrix
// (Gribb/Hartmann). The matrix is column-major: m[col][row].
func FrustumFrom(m *linmath.Mat4x4) Frustum {
	row := func(r int) [4]float32 {
		return [4]float32{m[0][r], m[1][r], m[2][r], m[3][r]}
	}
	r0, r1, r2, r3 := row(0), row(1), row(2), row(3)

	var f Frustum
	set := func(i int, a, b [4]float32, sub bool) {
		var p [4]float32
		for k := range 4 {
			if sub {
				p[k] = a[k] - b[k]
			} else {
				p[k] = a[k] + b[k]
			}
		}
		n := math32.Sqrt(p[0]*p[0] + p[1]*p[1] + p[2]*p[2])
		if n > 0 {
			for k := range 4 {
				p[k] /= n
			}
		}
		f[i] = plane{normal: linmath.Vec3{p[0], p[1], p[2]}, d: p[3]}
	}
	set(0, r3, r0, false) // left
	set(1, r3, r0, true)  // right
	set(2, r3, r1, false) // bottom
	set(3, r3, r1, true)  // top
	set(4, r3, r2, false) // near
	set(5, r3, r2, true)  // far
	return f
}

// ContainsSphere reports whether a bounding sphere intersects the frustum.
func (f *Frustum) ContainsSphere(center linmath.Vec3, radius float32) bool {
	for i := range f {
		if f[i].distance(center) < -radius {
			return false
		}
	}
	return true
}

func distance(a, b linmath.Vec3) float32 {
	dx := a[0] - b[0]
	dy := a[1] - b[1]
	dz := a[2] - b[2]
	return math32.Sqrt(dx*dx + dy*dy + dz*dz)
}
