package vm

import (
	"fmt"
	"sort"

	"github.com/thor-os/thor/pkg/pagetables"
	"github.com/thor-os/thor/pkg/platform"
	"github.com/thor-os/thor/pkg/pmm"
	"github.com/thor-os/thor/pkg/thorsync"
)

// AddressSpace is a user page table plus its ordered list of
// Mappings, shared-owned by every thread that runs inside it.
type AddressSpace struct {
	mu       thorsync.TicketSpinlock
	ref      thorsync.RefCount
	alloc    *pmm.Allocator
	space    *pagetables.Space
	mappings []*Mapping // kept sorted by Base
}

// New creates an AddressSpace whose page tables are a fresh clone of
// the kernel master space (sharing its kernel half, empty user half),
// with one reference held by the caller.
func New(alloc *pmm.Allocator, kernelMaster *pagetables.Space) (*AddressSpace, error) {
	space, err := kernelMaster.Clone()
	if err != nil {
		return nil, fmt.Errorf("vm: clone page tables: %w", err)
	}
	return &AddressSpace{ref: thorsync.NewRefCount(), alloc: alloc, space: space}, nil
}

// Retain adds a reference, e.g. when a new thread joins the process.
func (as *AddressSpace) Retain() { as.ref.Retain() }

// Release drops a reference; on the last one, every Memory-backed
// mapping is unmapped and its Memory released. The page-table frames
// themselves (the root and any leaf tables) are not returned to the
// allocator.
func (as *AddressSpace) Release() {
	if !as.ref.Release() {
		return
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, mp := range as.mappings {
		if mp.Kind == KindMemory {
			for page := uintptr(0); page*platform.PageSize < mp.Size; page++ {
				as.space.UnmapSingle4K(mp.Base + page*platform.PageSize)
			}
			mp.Mem.Release()
		}
	}
	as.mappings = nil
}

// PageTables exposes the underlying page-table wrapper, e.g. for the
// scheduler to call SwitchTo on a context switch.
func (as *AddressSpace) PageTables() *pagetables.Space { return as.space }

func (as *AddressSpace) findHoleLocked(size uintptr) (uintptr, error) {
	limit := pagetables.UserHalfLimit()
	candidate := uintptr(platform.PageSize) // page 0 stays reserved, like a real null-deref guard page
	for _, mp := range as.mappings {
		if candidate+size <= mp.Base {
			return candidate, nil
		}
		if mp.end() > candidate {
			candidate = mp.end()
		}
	}
	if candidate+size <= limit {
		return candidate, nil
	}
	return 0, fmt.Errorf("vm: no hole of size %d in user half", size)
}

func (as *AddressSpace) insertLocked(mp *Mapping) {
	as.mappings = append(as.mappings, mp)
	sort.Sort(byBase(as.mappings))
}

// Allocate finds a hole in the user half (ordered by base address)
// and returns a new Hole Mapping reserving it.
func (as *AddressSpace) Allocate(size uintptr) (*Mapping, error) {
	if size == 0 || size%platform.PageSize != 0 {
		return nil, fmt.Errorf("vm: size %d is not a nonzero multiple of the page size", size)
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	base, err := as.findHoleLocked(size)
	if err != nil {
		return nil, err
	}
	mp := &Mapping{Base: base, Size: size, Kind: KindHole}
	as.insertLocked(mp)
	return mp, nil
}

// AllocateAt reserves [addr, addr+size) as a Hole Mapping, failing if
// it overlaps any existing mapping.
func (as *AddressSpace) AllocateAt(addr, size uintptr) (*Mapping, error) {
	if size == 0 || size%platform.PageSize != 0 || addr%platform.PageSize != 0 {
		return nil, fmt.Errorf("vm: addr/size must be nonzero page multiples")
	}
	if addr+size > pagetables.UserHalfLimit() {
		return nil, fmt.Errorf("vm: range [%#x,%#x) exceeds the user half", addr, addr+size)
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	for _, mp := range as.mappings {
		if mp.overlaps(addr, size) {
			return nil, fmt.Errorf("vm: range [%#x,%#x) overlaps existing mapping [%#x,%#x)", addr, addr+size, mp.Base, mp.end())
		}
	}
	mp := &Mapping{Base: addr, Size: size, Kind: KindHole}
	as.insertLocked(mp)
	return mp, nil
}

// InstallMemory converts a Hole Mapping into a Memory-backed one,
// mapping each page of mem at the
// matching offset with user read/write access, per the data-model
// invariant that every page of a Memory Mapping is present in the
// owning AddressSpace's page tables.
func (as *AddressSpace) InstallMemory(mp *Mapping, mem *Memory) error {
	pages := mem.pagesSnapshot()

	as.mu.Lock()
	defer as.mu.Unlock()
	if mp.Kind != KindHole {
		return fmt.Errorf("vm: mapping is not a hole")
	}
	for i, frame := range pages {
		virt := mp.Base + uintptr(i)*platform.PageSize
		if err := as.space.MapSingle4K(virt, frame, pagetables.FlagWritable|pagetables.FlagUser); err != nil {
			// Roll back whatever was installed before this failure.
			for j := 0; j < i; j++ {
				as.space.UnmapSingle4K(mp.Base + uintptr(j)*platform.PageSize)
			}
			return fmt.Errorf("vm: install memory mapping: %w", err)
		}
	}
	mem.Retain()
	mp.Kind = KindMemory
	mp.Mem = mem
	return nil
}

// Lookup returns the Mapping covering virt, if any.
func (as *AddressSpace) Lookup(virt uintptr) (*Mapping, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, mp := range as.mappings {
		if virt >= mp.Base && virt < mp.end() {
			return mp, true
		}
	}
	return nil, false
}

// Translate resolves a user virtual address to its physical frame and
// access bits, consulting the page tables directly. It is the
// primitive CopyIn/CopyOut-style helpers build on to satisfy spec.md
// §7's "buffer copies to/from user space must tolerate faults".
func (as *AddressSpace) Translate(virt uintptr) (platform.PhysicalAddr, pagetables.Access, bool, error) {
	return as.space.Translate(virt)
}
