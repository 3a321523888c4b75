// Package vm implements the Memory, Mapping and AddressSpace objects
// of spec.md §3–§4.4: an owned vector of physical frames (Memory), a
// virtual range within a process optionally backed by one (Mapping),
// and the per-process page table plus mapping list (AddressSpace).
//
// The region-lookup-by-base-address discipline and the single
// address-space-wide lock guarding both the mapping list and the page
// tables follow Oichkatzelesfrettschen-biscuit's biscuit/src/vm/as.go
// (Vm_t embeds a sync.Mutex protecting Vmregion, Pmap and P_pmap
// together; Vmregion.Lookup resolves a virtual address to its
// covering region). Shared ownership and release-on-last-drop follow
// the teacher's own mm/lifecycle.go convention of tearing down backing
// resources only once every reference is gone.
package vm

import (
	"fmt"
	"sort"

	"github.com/thor-os/thor/pkg/platform"
	"github.com/thor-os/thor/pkg/pmm"
	"github.com/thor-os/thor/pkg/thorsync"
)

// Memory is a kernel-owned, shared-owned vector of physical 4 KiB
// frames, exposed to user space only through Mappings.
type Memory struct {
	mu    thorsync.TicketSpinlock
	ref   thorsync.RefCount
	alloc *pmm.Allocator
	pages []platform.PhysicalAddr
}

// NewMemory creates an empty Memory with one reference, held by the
// caller (normally the AllocateMemory syscall handler, which attaches
// it into a Universe immediately).
func NewMemory(alloc *pmm.Allocator) *Memory {
	return &Memory{ref: thorsync.NewRefCount(), alloc: alloc}
}

// Retain adds a reference, e.g. when a Mapping is installed that backs
// onto this Memory in addition to its owning descriptor.
func (m *Memory) Retain() {
	m.ref.Retain()
}

// Release drops a reference; once the last one is gone every frame is
// returned to the physical allocator.
func (m *Memory) Release() {
	if !m.ref.Release() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pages {
		m.alloc.Free(p, platform.PageSize)
	}
	m.pages = nil
}

// Length returns the byte length of the Memory: frames × page size.
func (m *Memory) Length() uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uintptr(len(m.pages)) * platform.PageSize
}

// PageCount returns the number of frames currently backing this
// Memory.
func (m *Memory) PageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages)
}

// Resize grows the Memory so that its length covers at least length
// bytes, allocating whatever additional frames are needed. Shrinking
// is not supported: spec.md only calls for growth via resize plus
// explicit frees on the whole object.
func (m *Memory) Resize(length uintptr) error {
	wantPages := (length + platform.PageSize - 1) / platform.PageSize

	m.mu.Lock()
	defer m.mu.Unlock()
	for uintptr(len(m.pages)) < wantPages {
		frame, err := m.alloc.Allocate(platform.PageSize)
		if err != nil {
			return fmt.Errorf("vm: resize memory: %w", err)
		}
		m.pages = append(m.pages, frame)
	}
	return nil
}

// AddPage appends a caller-supplied physical frame. kernel.Boot uses it
// to build module 1's program image, and the AllocateMemory syscall
// uses it for frames it has just allocated.
func (m *Memory) AddPage(phys platform.PhysicalAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = append(m.pages, phys)
}

// GetPage returns the i-th frame, or ok=false if i is out of range.
func (m *Memory) GetPage(i int) (platform.PhysicalAddr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.pages) {
		return 0, false
	}
	return m.pages[i], true
}

// pagesSnapshot returns a copy of the frame list, used by
// AddressSpace when installing a mapping so it doesn't hold Memory's
// lock while also taking the AddressSpace lock (fixed lock order:
// platform → allocator → universe → channel → hub; Memory's own lock
// is below all of those and must never be held across a call into
// another subsystem's lock).
func (m *Memory) pagesSnapshot() []platform.PhysicalAddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]platform.PhysicalAddr, len(m.pages))
	copy(out, m.pages)
	return out
}

// MappingKind distinguishes an unbacked hole from a Memory-backed
// range.
type MappingKind int

const (
	// KindHole is virtual address space reserved but not backed by
	// any Memory.
	KindHole MappingKind = iota
	// KindMemory is backed by a Memory, one frame per page in order.
	KindMemory
)

// Mapping is a half-open virtual range [Base, Base+Size) within one
// AddressSpace, exclusively owned by it.
type Mapping struct {
	Base uintptr
	Size uintptr
	Kind MappingKind
	Mem  *Memory // nil unless Kind == KindMemory
}

func (mp *Mapping) end() uintptr { return mp.Base + mp.Size }

func (mp *Mapping) overlaps(base, size uintptr) bool {
	return mp.Base < base+size && base < mp.end()
}

// byBase sorts a Mapping slice by base address, matching biscuit's
// Vmregion ordering used for Lookup.
type byBase []*Mapping

func (b byBase) Len() int           { return len(b) }
func (b byBase) Less(i, j int) bool { return b[i].Base < b[j].Base }
func (b byBase) Swap(i, j int)      { b[i], b[j] = b[j], b[i] }

var _ sort.Interface = byBase(nil)
