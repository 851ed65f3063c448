package program

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HaiBooLang/framegraph/layout"
	"github.com/HaiBooLang/framegraph/queue"
)

type fakeBackend struct {
	compiles atomic.Int64
	delay    time.Duration
	fail     map[queue.VariantKey]error
}

func (b *fakeBackend) CompileProgram(node *layout.Node, variant queue.VariantKey, fixed FixedState) (any, error) {
	b.compiles.Add(1)
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	if err, ok := b.fail[variant]; ok {
		return nil, err
	}
	return fmt.Sprintf("%s/%s", node.Name, variant), nil
}

func testNode(t *testing.T) *layout.Node {
	t.Helper()
	b := layout.NewBuilder()
	b.AddNode("material", layout.PerMaterial, "").
		AddSlot(layout.Slot{Name: "albedo", Binding: 0, Kind: layout.SampledTexture, Visibility: layout.VisibleFragment})
	g, err := b.Build()
	require.NoError(t, err)
	n, _ := g.Node("material")
	return n
}

func TestResolveIdempotent(t *testing.T) {
	be := &fakeBackend{}
	lib := NewLibrary(be)
	node := testNode(t)
	fixed := FixedState{DepthTest: true, Samples: 1}

	p1, err := lib.Resolve(node, "lit", fixed)
	require.NoError(t, err)
	p2, err := lib.Resolve(node, "lit", fixed)
	require.NoError(t, err)

	assert.Same(t, p1, p2)
	assert.EqualValues(t, 1, be.compiles.Load())
	assert.Equal(t, 1, lib.Len())
}

func TestResolveDistinctKeys(t *testing.T) {
	be := &fakeBackend{}
	lib := NewLibrary(be)
	node := testNode(t)

	_, err := lib.Resolve(node, "lit", FixedState{Samples: 1})
	require.NoError(t, err)
	_, err = lib.Resolve(node, "lit", FixedState{Samples: 4})
	require.NoError(t, err)
	_, err = lib.Resolve(node, "unlit", FixedState{Samples: 1})
	require.NoError(t, err)

	assert.EqualValues(t, 3, be.compiles.Load())
	assert.Equal(t, 3, lib.Len())
}

func TestResolveConcurrentSingleCompile(t *testing.T) {
	be := &fakeBackend{delay: 5 * time.Millisecond}
	lib := NewLibrary(be)
	node := testNode(t)
	fixed := FixedState{Samples: 1}

	const n = 32
	var wg sync.WaitGroup
	progs := make([]*Program, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			progs[i], errs[i] = lib.Resolve(node, "lit", fixed)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, be.compiles.Load())
	for _, p := range progs {
		assert.Same(t, progs[0], p)
	}
}

func TestResolveErrorNotCached(t *testing.T) {
	missing := errors.New("no such variant")
	be := &fakeBackend{fail: map[queue.VariantKey]error{"typo": missing}}
	lib := NewLibrary(be)
	node := testNode(t)
	fixed := FixedState{Samples: 1}

	_, err := lib.Resolve(node, "typo", fixed)
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, missing)
	assert.Equal(t, queue.VariantKey("typo"), cerr.Variant)

	// the failure is not stored
	assert.Equal(t, 0, lib.Len())

	// a valid variant at the same layout still succeeds
	p, err := lib.Resolve(node, "lit", fixed)
	require.NoError(t, err)
	assert.Equal(t, "material/lit", p.Handle)

	// and the failed key retries rather than returning a poisoned entry
	_, err = lib.Resolve(node, "typo", fixed)
	assert.Error(t, err)
	assert.EqualValues(t, 3, be.compiles.Load())
}

func TestInvalidate(t *testing.T) {
	be := &fakeBackend{}
	lib := NewLibrary(be)
	node := testNode(t)

	_, err := lib.Resolve(node, "lit", FixedState{})
	require.NoError(t, err)
	lib.Invalidate()
	assert.Equal(t, 0, lib.Len())

	_, err = lib.Resolve(node, "lit", FixedState{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, be.compiles.Load())
}
