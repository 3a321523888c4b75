package capability

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAttachReturnsDistinctNonzeroMonotonicHandles(t *testing.T) {
	u := NewUniverse()
	var prev Handle
	for i := 0; i < 100; i++ {
		h := u.Attach(NewDescriptor(KindIo, i))
		require.NotZero(t, h)
		require.Greater(t, h, prev)
		prev = h
	}
}

func TestGetReturnsAttachedDescriptorIffLive(t *testing.T) {
	u := NewUniverse()
	h := u.Attach(NewDescriptor(KindMemoryAccess, "payload"))

	d, ok := u.Get(h)
	require.True(t, ok)
	require.Equal(t, KindMemoryAccess, d.Kind())
	require.Equal(t, "payload", d.Payload())

	_, ok = u.Get(h + 1)
	require.False(t, ok)

	_, ok = u.Get(0)
	require.False(t, ok)
}

func TestDetachRemovesAndReturnsDescriptorOnce(t *testing.T) {
	u := NewUniverse()
	h := u.Attach(NewDescriptor(KindThread, 42))

	d, ok := u.Detach(h)
	require.True(t, ok)
	require.Equal(t, KindThread, d.Kind())

	_, ok = u.Detach(h)
	require.False(t, ok, "a handle must not be detachable twice")

	_, ok = u.Get(h)
	require.False(t, ok, "after CloseDescriptor the handle must no longer resolve")
}

func TestDetachOfNullHandleFails(t *testing.T) {
	u := NewUniverse()
	_, ok := u.Detach(0)
	require.False(t, ok)
}

func TestConcurrentAttachProducesUniqueHandles(t *testing.T) {
	u := NewUniverse()
	const workers = 32
	const perWorker = 200

	results := make([][]Handle, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		results[w] = make([]Handle, perWorker)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				results[w][i] = u.Attach(NewDescriptor(KindIo, nil))
			}
		}()
	}
	wg.Wait()

	seen := make(map[Handle]bool, workers*perWorker)
	for _, rs := range results {
		for _, h := range rs {
			require.NotZero(t, h)
			require.False(t, seen[h], "handle %d issued twice", h)
			seen[h] = true
		}
	}
	require.Equal(t, workers*perWorker, u.Len())
}

func TestReusingAHandleAfterDetachNeverReattachesTheOldOne(t *testing.T) {
	u := NewUniverse()
	h1 := u.Attach(NewDescriptor(KindEventHub, 1))
	_, ok := u.Detach(h1)
	require.True(t, ok)

	h2 := u.Attach(NewDescriptor(KindEventHub, 2))
	require.NotEqual(t, h1, h2, "handles are never reused once issued")
}

type releaseCounter struct{ n *int }

func (r releaseCounter) Release() { *r.n++ }

func TestUniverseReleaseCascadesToRemainingDescriptors(t *testing.T) {
	u := NewUniverse()
	var released int
	u.Attach(NewDescriptor(KindMemoryAccess, releaseCounter{n: &released}))
	u.Attach(NewDescriptor(KindMemoryAccess, releaseCounter{n: &released}))
	// A plain int payload (e.g. KindIo) has no Release method and must
	// be skipped rather than panicking the cascade.
	u.Attach(NewDescriptor(KindIo, 7))

	u.Release()
	require.Equal(t, 2, released)
	require.Zero(t, u.Len())
}

func TestUniverseReleaseIsNoopWhileOtherReferencesRemain(t *testing.T) {
	u := NewUniverse()
	u.Retain()
	var released int
	u.Attach(NewDescriptor(KindMemoryAccess, releaseCounter{n: &released}))

	u.Release()
	require.Zero(t, released, "a second reference must keep the table alive")
	require.Equal(t, 1, u.Len())

	u.Release()
	require.Equal(t, 1, released)
}
