// Package kheap implements the kernel heap: a buddy allocator over a
// fixed kernel virtual range (spec.md §4.2). Allocate reserves a
// virtual run, then lazily backs each 4 KiB page of it with a
// physical frame from pmm and installs a writable kernel mapping
// through pagetables; Free reverses both steps.
//
// The order/size-class indexing — round a request up to the nearest
// power-of-two-sized class, and free lists keyed by that class —
// follows the same shape as cloudwego-gopkg's cache/mempool.go
// (bits2idx/poolIndex classing a request into one of a fixed ladder of
// pool sizes), generalized from pooling same-process []byte objects
// to buddy-splitting a virtual address range.
package kheap

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/thor-os/thor/pkg/pagetables"
	"github.com/thor-os/thor/pkg/platform"
	"github.com/thor-os/thor/pkg/pmm"
)

// Heap is a buddy allocator over [base, base+size) of kernel virtual
// address space.
type Heap struct {
	mu sync.Mutex

	alloc *pmm.Allocator
	space *pagetables.Space

	base     uintptr
	maxOrder int
	// freeLists[order] holds the offsets (from base) of free blocks
	// of size (pageSize << order), used as a stack.
	freeLists [][]uintptr
	// allocated tracks the order of every live allocation, keyed by
	// its base offset, so Free knows how far to walk back up merging
	// buddies.
	allocated map[uintptr]int
}

// New creates a heap of virtSize bytes (rounded up to a power-of-two
// number of pages) anchored at pagetables.KernelHalfBase. virtSize is
// only a reservation of virtual address space: no physical memory is
// consumed until Allocate is called.
func New(alloc *pmm.Allocator, space *pagetables.Space, virtSize uintptr) (*Heap, error) {
	pages := (virtSize + platform.PageSize - 1) / platform.PageSize
	if pages == 0 {
		return nil, fmt.Errorf("kheap: size must be positive")
	}
	maxOrder := bits.Len64(uint64(pages) - 1)
	if pages&(pages-1) != 0 {
		// Round up to the next power of two so the whole range is
		// exactly one top-level buddy block.
		maxOrder = bits.Len64(uint64(pages))
	}

	h := &Heap{
		alloc:     alloc,
		space:     space,
		base:      pagetables.KernelHalfBase(),
		maxOrder:  maxOrder,
		freeLists: make([][]uintptr, maxOrder+1),
		allocated: make(map[uintptr]int),
	}
	h.freeLists[maxOrder] = []uintptr{0}
	return h, nil
}

func orderFor(pages uintptr) int {
	if pages <= 1 {
		return 0
	}
	return bits.Len64(uint64(pages) - 1)
}

// Allocate reserves len bytes, backs each page with a fresh physical
// frame, and maps the range writable in the kernel's page tables.
func (h *Heap) Allocate(length uintptr) (uintptr, error) {
	if length == 0 {
		return 0, fmt.Errorf("kheap: length must be positive")
	}
	pages := (length + platform.PageSize - 1) / platform.PageSize
	order := orderFor(pages)

	h.mu.Lock()
	offset, err := h.reserveLocked(order)
	h.mu.Unlock()
	if err != nil {
		return 0, err
	}

	virt := h.base + offset
	size := uintptr(1) << order * platform.PageSize
	if err := h.backPages(virt, size); err != nil {
		h.mu.Lock()
		h.releaseLocked(offset, order)
		h.mu.Unlock()
		return 0, err
	}

	h.mu.Lock()
	h.allocated[offset] = order
	h.mu.Unlock()
	return virt, nil
}

// Free unmaps and returns to pmm every page in the allocation
// starting at virt, then returns the virtual run to the buddy free
// lists, merging with its buddy where possible.
func (h *Heap) Free(virt uintptr) error {
	offset := virt - h.base

	h.mu.Lock()
	order, ok := h.allocated[offset]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("kheap: free of unknown allocation at %#x", virt)
	}
	delete(h.allocated, offset)
	h.mu.Unlock()

	size := uintptr(1) << order * platform.PageSize
	if err := h.unbackPages(virt, size); err != nil {
		return err
	}

	h.mu.Lock()
	h.releaseLocked(offset, order)
	h.mu.Unlock()
	return nil
}

func (h *Heap) backPages(virt, size uintptr) error {
	backed := uintptr(0)
	for off := uintptr(0); off < size; off += platform.PageSize {
		frame, err := h.alloc.Allocate(platform.PageSize)
		if err != nil {
			h.unbackPages(virt, backed)
			return fmt.Errorf("kheap: back page: %w", err)
		}
		if err := h.space.MapSingle4K(virt+off, frame, pagetables.FlagWritable); err != nil {
			h.alloc.Free(frame, platform.PageSize)
			h.unbackPages(virt, backed)
			return fmt.Errorf("kheap: map page: %w", err)
		}
		backed += platform.PageSize
	}
	return nil
}

func (h *Heap) unbackPages(virt, size uintptr) error {
	for off := uintptr(0); off < size; off += platform.PageSize {
		frame, ok, err := h.space.UnmapSingle4K(virt + off)
		if err != nil {
			return err
		}
		if ok {
			h.alloc.Free(frame, platform.PageSize)
		}
	}
	return nil
}

// reserveLocked pops a free block of the requested order, splitting a
// larger block if none is free at that order yet.
func (h *Heap) reserveLocked(order int) (uintptr, error) {
	if order > h.maxOrder {
		return 0, fmt.Errorf("kheap: request exceeds heap capacity")
	}
	if n := len(h.freeLists[order]); n > 0 {
		offset := h.freeLists[order][n-1]
		h.freeLists[order] = h.freeLists[order][:n-1]
		return offset, nil
	}
	parent, err := h.reserveLocked(order + 1)
	if err != nil {
		return 0, err
	}
	buddySize := uintptr(1) << order * platform.PageSize
	buddy := parent + buddySize
	h.freeLists[order] = append(h.freeLists[order], buddy)
	return parent, nil
}

// releaseLocked returns a block to its free list, merging upward with
// its buddy as long as the buddy is also free.
func (h *Heap) releaseLocked(offset uintptr, order int) {
	for order < h.maxOrder {
		blockSize := uintptr(1) << order * platform.PageSize
		buddy := offset ^ blockSize
		list := h.freeLists[order]
		idx := -1
		for i, o := range list {
			if o == buddy {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		h.freeLists[order] = append(list[:idx], list[idx+1:]...)
		if buddy < offset {
			offset = buddy
		}
		order++
	}
	h.freeLists[order] = append(h.freeLists[order], offset)
}
