package thorsync

import "sync/atomic"

// RefCount is the shared-ownership primitive backing every object the
// data model calls "shared-owned" (Memory, AddressSpace, Universe,
// BiDirectionPipe, Server, EventHub): lifetime equals the
// longest holder's. It starts at one reference, representing the
// caller that constructs the object.
type RefCount struct {
	n int32
}

// NewRefCount returns a RefCount already holding the first reference.
func NewRefCount() RefCount {
	return RefCount{n: 1}
}

// Retain adds a reference.
func (r *RefCount) Retain() {
	atomic.AddInt32(&r.n, 1)
}

// Release drops a reference and reports whether this was the last
// one, i.e. whether the caller must now tear down the underlying
// object.
func (r *RefCount) Release() bool {
	return atomic.AddInt32(&r.n, -1) == 0
}

// Count returns the current reference count. Exposed for tests only.
func (r *RefCount) Count() int32 {
	return atomic.LoadInt32(&r.n)
}
