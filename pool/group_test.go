package pool

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HaiBooLang/framegraph/graph"
)

type fakeFence struct {
	done bool
}

func (f *fakeFence) Done() bool { return f.done }

type fakeBackend struct {
	allocs int
	frees  int
	freed  []any
	fail   error
}

func (b *fakeBackend) AllocResource(d Descriptor) (any, error) {
	if b.fail != nil {
		return nil, b.fail
	}
	b.allocs++
	return fmt.Sprintf("res-%d", b.allocs), nil
}

func (b *fakeBackend) FreeResource(d Descriptor, res any) {
	b.frees++
	b.freed = append(b.freed, res)
}

func texDesc(w uint32) Descriptor {
	return Descriptor{Kind: graph.ResourceTexture, Format: graph.Rgba8, Width: w, Height: w, Samples: 1, Usage: graph.UsageColor}
}

func TestAcquireReusesIdle(t *testing.T) {
	be := &fakeBackend{}
	g := NewGroup(be, Config{})

	r1, err := g.Acquire(texDesc(256))
	require.NoError(t, err)
	g.Release(texDesc(256), r1, Signaled())

	r2, err := g.Acquire(texDesc(256))
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
	assert.Equal(t, 1, be.allocs)
}

func TestAcquireRespectsFence(t *testing.T) {
	be := &fakeBackend{}
	g := NewGroup(be, Config{})

	fence := &fakeFence{}
	r1, err := g.Acquire(texDesc(256))
	require.NoError(t, err)
	g.Release(texDesc(256), r1, fence)

	// pending fence: must not be handed out
	r2, err := g.Acquire(texDesc(256))
	require.NoError(t, err)
	assert.NotEqual(t, r1, r2)
	assert.Equal(t, 2, be.allocs)

	fence.done = true
	r3, err := g.Acquire(texDesc(256))
	require.NoError(t, err)
	assert.Equal(t, r1, r3)
}

func TestAcquireDistinguishesDescriptors(t *testing.T) {
	be := &fakeBackend{}
	g := NewGroup(be, Config{})

	r1, _ := g.Acquire(texDesc(256))
	g.Release(texDesc(256), r1, Signaled())

	_, err := g.Acquire(texDesc(512))
	require.NoError(t, err)
	assert.Equal(t, 2, be.allocs)
}

func TestBufferSizeClasses(t *testing.T) {
	be := &fakeBackend{}
	g := NewGroup(be, Config{})

	small := Descriptor{Kind: graph.ResourceBuffer, Size: 1000, Usage: graph.UsageStorage}
	nearby := Descriptor{Kind: graph.ResourceBuffer, Size: 1020, Usage: graph.UsageStorage}

	r1, err := g.Acquire(small)
	require.NoError(t, err)
	g.Release(small, r1, Signaled())

	// rounds into the same size class, so the buffer is reused
	r2, err := g.Acquire(nearby)
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
	assert.Equal(t, 1, be.allocs)
}

func TestLRUEviction(t *testing.T) {
	be := &fakeBackend{}
	g := NewGroup(be, Config{MaxIdle: 2})

	r1, _ := g.Acquire(texDesc(64))
	r2, _ := g.Acquire(texDesc(64))
	r3, _ := g.Acquire(texDesc(64))

	g.Release(texDesc(64), r1, Signaled())
	g.Release(texDesc(64), r2, Signaled())
	assert.Equal(t, 0, be.frees)

	g.Release(texDesc(64), r3, Signaled())
	// r1 was released first, so it is the LRU victim
	assert.Equal(t, 1, be.frees)
	assert.Equal(t, []any{r1}, be.freed)
	assert.Equal(t, 2, g.IdleCount())
}

func TestEvictionSkipsPendingFences(t *testing.T) {
	be := &fakeBackend{}
	g := NewGroup(be, Config{MaxIdle: 1})

	pending := &fakeFence{}
	r1, _ := g.Acquire(texDesc(64))
	r2, _ := g.Acquire(texDesc(64))

	g.Release(texDesc(64), r1, pending)
	g.Release(texDesc(64), r2, Signaled())

	// the LRU entry is still in flight; the completed one is destroyed
	// instead
	assert.Equal(t, []any{r2}, be.freed)
}

func TestAllocationError(t *testing.T) {
	cause := errors.New("out of device memory")
	be := &fakeBackend{fail: cause}
	g := NewGroup(be, Config{})

	_, err := g.Acquire(texDesc(64))
	var aerr *AllocationError
	require.ErrorAs(t, err, &aerr)
	assert.ErrorIs(t, err, cause)
}

func TestReset(t *testing.T) {
	be := &fakeBackend{}
	g := NewGroup(be, Config{})

	r1, _ := g.Acquire(texDesc(64))
	g.Release(texDesc(64), r1, &fakeFence{}) // never signals

	g.Reset()
	assert.Equal(t, 1, be.frees)
	assert.Equal(t, 0, g.IdleCount())
}

func TestSizeClassRounding(t *testing.T) {
	assert.EqualValues(t, 2, sizeClass(1, 1))
	assert.EqualValues(t, 2, sizeClass(2, 1))
	assert.EqualValues(t, 3, sizeClass(3, 1))
	assert.EqualValues(t, 1024, sizeClass(1000, 1))
	assert.EqualValues(t, 1536, sizeClass(1100, 1))
}
