// Package capability implements the per-process capability table
// (spec.md §4.5): Handle, the tagged AnyDescriptor variant, and
// Universe, the handle → descriptor map every syscall resolves its
// handle arguments through.
//
// Design notes §9 call for an explicit discriminant plus payload
// rather than an inheritance hierarchy. Descriptor's payload is typed
// as any rather than a concrete union of *vm.Memory / *ipc.Channel /
// *sched.Thread / ... so that capability has no import-time
// dependency on vm, ipc, irqrelay or sched — several of which (sched,
// in particular, since a Thread holds a *Universe) would otherwise
// close an import cycle back into this package. Kind still pins down
// which concrete type a payload holds; callers resolving a Handle
// type-assert accordingly.
package capability

import (
	"fmt"
	"sync"

	"github.com/thor-os/thor/pkg/thorsync"
)

// Handle is an opaque per-Universe capability name. The zero Handle
// is never issued; it is reserved to mean "no handle".
type Handle uint64

// Kind discriminates the variants AnyDescriptor may hold.
type Kind int

// The capability kinds spec.md §3 enumerates.
const (
	KindMemoryAccess Kind = iota
	KindBiDirFirst
	KindBiDirSecond
	KindServer
	KindClient
	KindEventHub
	KindIrq
	KindIo
	KindThread
)

func (k Kind) String() string {
	switch k {
	case KindMemoryAccess:
		return "MemoryAccess"
	case KindBiDirFirst:
		return "BiDirFirst"
	case KindBiDirSecond:
		return "BiDirSecond"
	case KindServer:
		return "Server"
	case KindClient:
		return "Client"
	case KindEventHub:
		return "EventHub"
	case KindIrq:
		return "Irq"
	case KindIo:
		return "Io"
	case KindThread:
		return "Thread"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// AnyDescriptor is the tagged variant every Universe entry holds. Its
// Kind never changes after construction: moving a descriptor transfers
// ownership, not identity.
type AnyDescriptor struct {
	kind    Kind
	payload any
}

// NewDescriptor constructs a descriptor of the given kind wrapping
// payload. pkg/ipc and pkg/irqrelay expose typed helpers (e.g.
// ipc.NewClientDescriptor) that call this with the right Kind; other
// descriptor kinds (MemoryAccess, EventHub, Io, Thread) are built by
// calling it directly.
func NewDescriptor(kind Kind, payload any) AnyDescriptor {
	return AnyDescriptor{kind: kind, payload: payload}
}

// Kind reports the descriptor's discriminant.
func (d AnyDescriptor) Kind() Kind { return d.kind }

// Payload returns the underlying object. Callers type-assert against
// the concrete type their Kind implies.
func (d AnyDescriptor) Payload() any { return d.payload }

// Universe is a process's capability table: a handle → descriptor map
// with a strictly monotonic handle counter. It is itself shared-owned
// (spec.md §3): every Thread created in a process retains the same
// Universe, and the last release tears down whatever it still holds.
type Universe struct {
	mu         sync.Mutex
	ref        thorsync.RefCount
	entries    map[Handle]AnyDescriptor
	nextHandle uint64
}

// NewUniverse returns an empty Universe with one reference. The first
// handle it issues is 1; 0 is never issued.
func NewUniverse() *Universe {
	return &Universe{ref: thorsync.NewRefCount(), entries: make(map[Handle]AnyDescriptor), nextHandle: 1}
}

// Retain adds a reference, taken once per Thread sharing this Universe.
func (u *Universe) Retain() { u.ref.Retain() }

// releasable is implemented by descriptor payloads that own a
// shared-owned object (Memory, AddressSpace, BiDirectionPipe endpoints,
// Server/Client, EventHub): Universe.Release calls it on whatever is
// still attached when the last reference drops. Payloads with nothing
// to release (Io, Irq) simply don't implement it.
type releasable interface{ Release() }

// Release drops a reference; on the last one every still-attached
// descriptor's underlying object is released too, exactly as if the
// owning thread had called CloseDescriptor on each handle itself.
func (u *Universe) Release() {
	if !u.ref.Release() {
		return
	}
	u.mu.Lock()
	entries := u.entries
	u.entries = nil
	u.mu.Unlock()

	for _, d := range entries {
		if r, ok := d.Payload().(releasable); ok {
			r.Release()
		}
	}
}

// Attach inserts descriptor at the next handle value and returns it.
func (u *Universe) Attach(descriptor AnyDescriptor) Handle {
	u.mu.Lock()
	defer u.mu.Unlock()
	h := Handle(u.nextHandle)
	u.nextHandle++
	u.entries[h] = descriptor
	return h
}

// Get looks up handle, returning ok=false if it is not live.
func (u *Universe) Get(handle Handle) (AnyDescriptor, bool) {
	if handle == 0 {
		return AnyDescriptor{}, false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	d, ok := u.entries[handle]
	return d, ok
}

// Detach removes and returns handle's descriptor, or ok=false if it
// was not live.
func (u *Universe) Detach(handle Handle) (AnyDescriptor, bool) {
	if handle == 0 {
		return AnyDescriptor{}, false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	d, ok := u.entries[handle]
	if ok {
		delete(u.entries, handle)
	}
	return d, ok
}

// Len reports the number of live handles, for tests and diagnostics.
func (u *Universe) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.entries)
}
