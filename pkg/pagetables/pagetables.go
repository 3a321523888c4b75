// Package pagetables is the architecture-agnostic wrapper spec.md
// §4.3 describes over a hierarchical page-table format: callers only
// ever see MapSingle4K, UnmapSingle4K, Clone and SwitchTo. Underneath
// it walks and, on demand, creates a two-level radix tree of
// physical-memory-backed tables through a platform.Backend and a
// pmm.Allocator, the same division of labour kvm.go's
// pagetables.NewWithUpper/addressSpace split shows between the
// generic page-table code and the platform that actually loads CR3.
//
// The tree covers a 1 GiB range per table (512 top-level entries ×
// 512 leaf entries × 4 KiB pages), split so that the top half of the
// top-level table (entries [256,512)) is the shared kernel half and
// the bottom half ([0,256)) is the private user half — a smaller but
// structurally identical split to a real amd64 page table's
// canonical kernel/user boundary.
package pagetables

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/thor-os/thor/pkg/platform"
	"github.com/thor-os/thor/pkg/pmm"
)

// Access describes the permissions installed on a leaf entry.
type Access uint8

// Access flag bits. FlagPresent is implicit in every installed leaf;
// it also appears explicitly so a zeroed, uninstalled entry reads as
// "not present" for free.
const (
	FlagPresent Access = 1 << iota
	FlagWritable
	FlagUser
)

const (
	entriesPerTable = 512
	entrySize       = 8 // bytes, a raw uint64 per slot
	tableBytes      = entriesPerTable * entrySize

	// l1Shift/l2Shift split a virtual address into a top-level index,
	// a leaf index, and a page offset.
	l2Shift         = platform.PageShift // 12
	l1Shift         = l2Shift + 9        // 21: each leaf table covers 2MiB
	kernelHalfStart = entriesPerTable / 2 // index 256
)

// entry is the on-"disk" (in physical memory) representation of one
// table slot: the physical address of the next level (or the final
// page), access bits packed into the low byte below the 4 KiB-aligned
// address.
type entry uint64

func makeEntry(addr platform.PhysicalAddr, access Access) entry {
	return entry(uint64(addr) | uint64(access))
}

func (e entry) present() bool { return e&entry(FlagPresent) != 0 }
func (e entry) addr() platform.PhysicalAddr {
	return platform.PhysicalAddr(uint64(e) &^ (platform.PageSize - 1))
}
func (e entry) access() Access { return Access(uint64(e) & (platform.PageSize - 1)) }

// Space is one address space's page tables: a root table plus however
// many leaf tables have been faulted in by MapSingle4K so far.
type Space struct {
	mu      sync.Mutex
	backend platform.Backend
	alloc   *pmm.Allocator
	root    platform.PhysicalAddr
}

// New allocates a fresh, empty root table.
func New(backend platform.Backend, alloc *pmm.Allocator) (*Space, error) {
	root, err := alloc.Allocate(tableBytes)
	if err != nil {
		return nil, fmt.Errorf("pagetables: allocate root: %w", err)
	}
	return &Space{backend: backend, alloc: alloc, root: root}, nil
}

func (s *Space) readEntry(table platform.PhysicalAddr, index int) (entry, error) {
	var buf [entrySize]byte
	if err := s.backend.Read(table+platform.PhysicalAddr(index*entrySize), buf[:]); err != nil {
		return 0, err
	}
	return entry(binary.LittleEndian.Uint64(buf[:])), nil
}

func (s *Space) writeEntry(table platform.PhysicalAddr, index int, e entry) error {
	var buf [entrySize]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(e))
	return s.backend.Write(table+platform.PhysicalAddr(index*entrySize), buf[:])
}

func split(virt uintptr) (l1, l2 int, offset uintptr) {
	l1 = int((virt >> l1Shift) & (entriesPerTable - 1))
	l2 = int((virt >> l2Shift) & (entriesPerTable - 1))
	offset = virt & (platform.PageSize - 1)
	return
}

// leafTableFor returns the leaf table covering virt's 2 MiB region,
// allocating and zeroing a fresh one (per spec.md: "missing interior
// tables are allocated from the physical allocator and zeroed") if
// create is true and none exists yet.
func (s *Space) leafTableFor(l1 int, create bool) (platform.PhysicalAddr, bool, error) {
	e, err := s.readEntry(s.root, l1)
	if err != nil {
		return 0, false, err
	}
	if e.present() {
		return e.addr(), true, nil
	}
	if !create {
		return 0, false, nil
	}
	leaf, err := s.alloc.Allocate(tableBytes)
	if err != nil {
		return 0, false, fmt.Errorf("pagetables: allocate leaf table: %w", err)
	}
	if err := s.writeEntry(s.root, l1, makeEntry(leaf, FlagPresent|FlagWritable)); err != nil {
		return 0, false, err
	}
	return leaf, true, nil
}

// MapSingle4K installs a single 4 KiB leaf mapping, walking (and, if
// necessary, creating) the interior table that covers virt.
func (s *Space) MapSingle4K(virt uintptr, phys platform.PhysicalAddr, access Access) error {
	if virt%platform.PageSize != 0 {
		return fmt.Errorf("pagetables: virt %#x is not page aligned", virt)
	}
	l1, l2, _ := split(virt)

	s.mu.Lock()
	defer s.mu.Unlock()

	leaf, _, err := s.leafTableFor(l1, true)
	if err != nil {
		return err
	}
	if err := s.writeEntry(leaf, l2, makeEntry(phys, access|FlagPresent)); err != nil {
		return err
	}
	s.backend.InvalidateTLB(virt, platform.PageSize)
	return nil
}

// UnmapSingle4K clears a leaf entry and returns the physical frame
// that was mapped there, or ok=false if nothing was mapped.
func (s *Space) UnmapSingle4K(virt uintptr) (phys platform.PhysicalAddr, ok bool, err error) {
	l1, l2, _ := split(virt)

	s.mu.Lock()
	defer s.mu.Unlock()

	leaf, present, err := s.leafTableFor(l1, false)
	if err != nil || !present {
		return 0, false, err
	}
	e, err := s.readEntry(leaf, l2)
	if err != nil {
		return 0, false, err
	}
	if !e.present() {
		return 0, false, nil
	}
	if err := s.writeEntry(leaf, l2, entry(0)); err != nil {
		return 0, false, err
	}
	s.backend.InvalidateTLB(virt, platform.PageSize)
	return e.addr(), true, nil
}

// Translate walks the tables read-only, returning the physical frame
// and access bits mapped at virt. Used by CopyIn/CopyOut-style buffer
// helpers above this package.
func (s *Space) Translate(virt uintptr) (phys platform.PhysicalAddr, access Access, ok bool, err error) {
	l1, l2, _ := split(virt)

	s.mu.Lock()
	defer s.mu.Unlock()

	leaf, present, err := s.leafTableFor(l1, false)
	if err != nil || !present {
		return 0, 0, false, err
	}
	e, err := s.readEntry(leaf, l2)
	if err != nil {
		return 0, 0, false, err
	}
	if !e.present() {
		return 0, 0, false, nil
	}
	return e.addr(), e.access(), true, nil
}

// Clone produces a new Space sharing this one's kernel-half entries
// (indices [256,512)) by reference, with an empty user half.
func (s *Space) Clone() (*Space, error) {
	child, err := New(s.backend, s.alloc)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for l1 := kernelHalfStart; l1 < entriesPerTable; l1++ {
		e, err := s.readEntry(s.root, l1)
		if err != nil {
			return nil, err
		}
		if !e.present() {
			continue
		}
		if err := child.writeEntry(child.root, l1, e); err != nil {
			return nil, err
		}
	}
	return child, nil
}

// SwitchTo loads this space's root into the platform's page-table
// root register.
func (s *Space) SwitchTo() {
	s.backend.WriteCR3(s.root)
}

// Root returns the physical address of the root table, primarily so
// tests can assert SwitchTo loaded the expected value.
func (s *Space) Root() platform.PhysicalAddr {
	return s.root
}

// KernelHalfBase returns the lowest virtual address belonging to the
// shared kernel half of every Space (the half Clone copies by
// reference). pkg/kheap anchors the kernel heap's virtual range here.
func KernelHalfBase() uintptr {
	return uintptr(kernelHalfStart) << l1Shift
}

// UserHalfLimit returns the first virtual address that belongs to the
// kernel half, i.e. the exclusive upper bound of the user-mappable
// range.
func UserHalfLimit() uintptr {
	return KernelHalfBase()
}
