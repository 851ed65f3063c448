// Copyright 2026 the framegraph contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package scene

import (
	"encoding/binary"
	"math"
	"slices"

	"github.com/HaiBooLang/framegraph/mem"
	"github.com/HaiBooLang/framegraph/queue"
)

// NoLight marks an unused light slot in a draw item's instance payload.
const NoLight = ^uint32(0)

type PolicyKind int

const (
	// DefaultForward culls against the camera frustum and assigns the
	// nearest MaxLights lights to each renderable.
	DefaultForward PolicyKind = iota + 1
	// Custom delegates per-renderable emission to a handler; culling still
	// applies.
	Custom
)

// Policy selects the traversal strategy. It is a closed variant chosen at
// configuration time.
type Policy struct {
	Kind PolicyKind

	// MaxLights is the light budget per renderable for DefaultForward.
	MaxLights int

	// Handler runs for each visible renderable under the Custom policy.
	Handler func(r Renderable, cam Camera, emit func(queue.DrawItem))
}

// ForwardPolicy is the default policy with a light budget of maxLights.
func ForwardPolicy(maxLights int) Policy {
	return Policy{Kind: DefaultForward, MaxLights: maxLights}
}

// CustomPolicy wraps a caller-supplied emission handler.
func CustomPolicy(handler func(r Renderable, cam Camera, emit func(queue.DrawItem))) Policy {
	return Policy{Kind: Custom, Handler: handler}
}

// Transversal walks a scene provider for one camera and emits the visible
// renderables into a draw queue. It satisfies the graph builder's
// Transversal interface and may be re-run; each Visit restarts the
// enumeration.
type Transversal struct {
	provider Provider
	camera   Camera
	policy   Policy
}

func NewTransversal(provider Provider, camera Camera, policy Policy) *Transversal {
	return &Transversal{provider: provider, camera: camera, policy: policy}
}

// Visit culls the provider's renderables against the camera and emits one
// draw item per visible renderable. The provider is only read.
func (t *Transversal) Visit(a *mem.Arena, q *queue.RenderDrawQueue) error {
	frustum := FrustumFrom(&t.camera.ViewProj)
	lights := t.provider.Lights()

	emit := func(item queue.DrawItem) {
		q.AddDraw(a, item)
	}

	for r := range t.provider.Renderables() {
		if !frustum.ContainsSphere(r.Center, r.Radius) {
			continue
		}

		if t.policy.Kind == Custom {
			t.policy.Handler(r, t.camera, emit)
			continue
		}

		item := queue.DrawItem{
			Mesh:           r.Mesh,
			Material:       r.Material,
			Variant:        r.Variant,
			Transform:      r.Transform,
			OrderSensitive: r.OrderSensitive,
			SortKey:        depthKey(t.camera, r),
		}
		item.InstanceData = t.assignLights(a, r, lights)
		emit(item)
	}
	return nil
}

// depthKey orders draws front to back by camera distance.
func depthKey(cam Camera, r Renderable) uint64 {
	return uint64(math.Float32bits(distance(cam.Position, r.Center)))
}

// assignLights appends the nearest-N light indices to the renderable's
// custom payload. Ties break by distance, then declaration order, so runs
// over the same scene are deterministic. Unused slots hold NoLight to keep
// the instance stride uniform.
func (t *Transversal) assignLights(a *mem.Arena, r Renderable, lights []Light) []byte {
	n := t.policy.MaxLights
	if n <= 0 {
		return r.InstanceData
	}

	type scored struct {
		index int
		dist  float32
	}
	ranked := mem.NewSlice[scored](a, 0, len(lights))
	for i := range lights {
		d := distance(lights[i].Position, r.Center) - lights[i].Radius
		ranked = append(ranked, scored{index: i, dist: d})
	}
	slices.SortStableFunc(ranked, func(x, y scored) int {
		switch {
		case x.dist < y.dist:
			return -1
		case x.dist > y.dist:
			return 1
		default:
			return x.index - y.index
		}
	})

	data := mem.NewSlice[byte](a, 0, len(r.InstanceData)+4*n)
	data = append(data, r.InstanceData...)
	for i := range n {
		idx := NoLight
		if i < len(ranked) {
			idx = uint32(ranked[i].index)
		}
		data = binary.LittleEndian.AppendUint32(data, idx)
	}
	return data
}
