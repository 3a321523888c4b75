package thorsync

import "sync/atomic"

// AsyncIDAllocator hands out globally unique, strictly increasing
// async ids, shared by every event hub in the kernel. The zero value
// is ready to use; the first id returned is 1.
type AsyncIDAllocator struct {
	next uint64
}

// Next returns the next async id. Safe for concurrent callers.
func (a *AsyncIDAllocator) Next() uint64 {
	return atomic.AddUint64(&a.next, 1)
}
