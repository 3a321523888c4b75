package thorsync

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAsyncIDAllocatorMonotonic(t *testing.T) {
	var alloc AsyncIDAllocator
	const goroutines = 32
	const perGoroutine = 200

	seen := make(chan uint64, goroutines*perGoroutine)
	var nonIncreasing int32
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			var last uint64
			for j := 0; j < perGoroutine; j++ {
				id := alloc.Next()
				if id <= last {
					atomic.AddInt32(&nonIncreasing, 1)
				}
				last = id
				seen <- id
			}
		}()
	}
	wg.Wait()
	close(seen)
	require.Zero(t, atomic.LoadInt32(&nonIncreasing), "ids seen by one caller must strictly increase")

	ids := make(map[uint64]struct{}, goroutines*perGoroutine)
	for id := range seen {
		require.NotZero(t, id)
		_, dup := ids[id]
		require.False(t, dup, "async id %d issued twice", id)
		ids[id] = struct{}{}
	}
	require.Len(t, ids, goroutines*perGoroutine)
}

func TestTicketSpinlockMutualExclusion(t *testing.T) {
	var lock TicketSpinlock
	counter := 0
	const goroutines = 16
	const iterations = 500

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				lock.Lock()
				counter++
				lock.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, goroutines*iterations, counter)
}

func TestIrqMutexNesting(t *testing.T) {
	disables, enables := 0, 0
	m := NewIrqMutex(func() { disables++ }, func() { enables++ })

	m.Acquire()
	m.Acquire()
	require.Equal(t, 1, disables)
	require.Equal(t, 0, enables)
	m.Release()
	require.Equal(t, 0, enables)
	m.Release()
	require.Equal(t, 1, enables)
}
