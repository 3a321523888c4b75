package kheap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thor-os/thor/pkg/pagetables"
	"github.com/thor-os/thor/pkg/platform"
	"github.com/thor-os/thor/pkg/pmm"
)

func newTestHeap(t *testing.T, heapPages uintptr) (*Heap, *platform.SimBackend) {
	t.Helper()
	backend := platform.NewSimBackend()
	// A handful of extra pages for the page-table bookkeeping itself
	// plus the heap's own backing frames.
	alloc, err := pmm.New(backend, (heapPages+64)*platform.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, backend.Close()) })

	space, err := pagetables.New(backend, alloc)
	require.NoError(t, err)

	h, err := New(alloc, space, heapPages*platform.PageSize)
	require.NoError(t, err)
	return h, backend
}

func TestAllocateReadWriteRoundTrip(t *testing.T) {
	h, backend := newTestHeap(t, 16)
	virt, err := h.Allocate(platform.PageSize)
	require.NoError(t, err)

	phys, _, ok, err := h.space.Translate(virt)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, backend.Write(phys, []byte("kernel heap")))
	buf := make([]byte, len("kernel heap"))
	require.NoError(t, backend.Read(phys, buf))
	require.Equal(t, "kernel heap", string(buf))
}

func TestAllocateDistinctRunsDoNotOverlap(t *testing.T) {
	h, _ := newTestHeap(t, 16)
	a, err := h.Allocate(platform.PageSize)
	require.NoError(t, err)
	b, err := h.Allocate(platform.PageSize)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestFreeThenReallocateReusesSpace(t *testing.T) {
	h, _ := newTestHeap(t, 8)
	a, err := h.Allocate(2 * platform.PageSize)
	require.NoError(t, err)
	require.NoError(t, h.Free(a))

	b, err := h.Allocate(2 * platform.PageSize)
	require.NoError(t, err)
	require.Equal(t, a, b, "buddy merge should let the freed block be reused")
}

func TestDoubleFreeErrors(t *testing.T) {
	h, _ := newTestHeap(t, 4)
	a, err := h.Allocate(platform.PageSize)
	require.NoError(t, err)
	require.NoError(t, h.Free(a))
	require.Error(t, h.Free(a))
}

func TestAllocateBeyondCapacityFails(t *testing.T) {
	h, _ := newTestHeap(t, 4)
	_, err := h.Allocate(64 * platform.PageSize)
	require.Error(t, err)
}

func TestUnmappedAfterFree(t *testing.T) {
	h, _ := newTestHeap(t, 4)
	virt, err := h.Allocate(platform.PageSize)
	require.NoError(t, err)
	require.NoError(t, h.Free(virt))

	_, _, ok, err := h.space.Translate(virt)
	require.NoError(t, err)
	require.False(t, ok)
}
