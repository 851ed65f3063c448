package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HaiBooLang/framegraph/graph"
)

func buildForward(t *testing.T) *Graph {
	t.Helper()
	b := NewBuilder()
	b.AddNode("global", PerFrame, "").
		AddSlot(Slot{Name: "camera", Binding: 0, Kind: UniformBuffer, Visibility: VisibleVertex | VisibleFragment})
	b.AddNode("forward", PerPass, "global").
		AddSlot(Slot{Name: "lights", Binding: 0, Kind: StorageBufferReadOnly, Visibility: VisibleFragment})
	b.AddNode("lit-material", PerMaterial, "forward").
		AddSlot(Slot{Name: "albedo", Binding: 0, Kind: SampledTexture, Visibility: VisibleFragment}).
		AddSlot(Slot{Name: "sampler", Binding: 1, Kind: Sampler, Visibility: VisibleFragment})
	b.AddNode("draw", PerDraw, "lit-material").
		AddSlot(Slot{Name: "object", Binding: 0, Kind: UniformBuffer, Visibility: VisibleVertex})
	g, err := b.Build()
	require.NoError(t, err)
	return g
}

func TestLayoutSets(t *testing.T) {
	g := buildForward(t)

	draw, ok := g.Node("draw")
	require.True(t, ok)
	assert.Equal(t, uint32(3), draw.Set())

	chain := draw.Chain()
	require.Len(t, chain, 4)
	assert.Equal(t, "global", chain[0].Name)
	assert.Equal(t, "forward", chain[1].Name)
	assert.Equal(t, "lit-material", chain[2].Name)
	assert.Equal(t, "draw", chain[3].Name)
	for i, n := range chain {
		assert.Equal(t, uint32(i), n.Set())
	}
}

func TestLayoutKeyStable(t *testing.T) {
	g1 := buildForward(t)
	g2 := buildForward(t)

	n1, _ := g1.Node("lit-material")
	n2, _ := g2.Node("lit-material")
	// same structure, same key, across independent builds
	assert.Equal(t, n1.Key(), n2.Key())

	other, _ := g1.Node("forward")
	assert.NotEqual(t, n1.Key(), other.Key())
}

func TestLayoutFrequencyInversion(t *testing.T) {
	b := NewBuilder()
	b.AddNode("draw", PerDraw, "")
	b.AddNode("pass", PerPass, "draw")
	_, err := b.Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "updates less often")
}

func TestLayoutDuplicateBinding(t *testing.T) {
	b := NewBuilder()
	b.AddNode("n", PerPass, "").
		AddSlot(Slot{Name: "a", Binding: 0, Kind: UniformBuffer}).
		AddSlot(Slot{Name: "b", Binding: 0, Kind: SampledTexture})
	_, err := b.Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binding 0")
}

func TestLayoutUnknownParent(t *testing.T) {
	b := NewBuilder()
	b.AddNode("n", PerPass, "nope")
	_, err := b.Build()
	assert.Error(t, err)
}

func TestLayoutStorageTextureFormat(t *testing.T) {
	b := NewBuilder()
	b.AddNode("post", PerPass, "").
		AddSlot(Slot{Name: "out", Binding: 0, Kind: StorageTexture, Visibility: VisibleCompute})
	_, err := b.Build()
	require.Error(t, err)

	b = NewBuilder()
	b.AddNode("post", PerPass, "").
		AddSlot(Slot{Name: "out", Binding: 0, Kind: StorageTexture, Visibility: VisibleCompute, Format: graph.Rgba8})
	_, err = b.Build()
	assert.NoError(t, err)
}
