// Package pmm implements the kernel's physical page allocator: a
// single-chunk, page-granular, first-fit allocator over a bootstrap
// arena supplied by a platform.Backend.
//
// The design — a free bitmap with one bit per page, scanned for the
// first run long enough to satisfy a request — follows
// gopher-os's kernel/mem/pmm/allocator/bitmap_allocator.go, collapsed
// from gopher-os's multi-pool-per-memory-region layout to the single
// pool spec.md calls for ("a single bootstrap chunk").
package pmm

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/thor-os/thor/pkg/platform"
)

// Allocator serves 4 KiB physical pages, and small contiguous runs of
// them, out of one bootstrap arena.
type Allocator struct {
	mu sync.Mutex

	backend    platform.Backend
	base       platform.PhysicalAddr
	totalPages uint32

	// freeBitmap has one bit per page; a set bit means the page is
	// free. Indexed big-endian within each word, matching the
	// convention gopher-os's bitmap_allocator.go uses.
	freeBitmap []uint64
	freePages  uint32
}

// New reserves size bytes (rounded up to a page) from backend and
// returns an Allocator ready to serve pages out of it. This is the
// kernel's one-shot physical-memory bootstrap step.
func New(backend platform.Backend, size uintptr) (*Allocator, error) {
	pages := uint32((size + platform.PageSize - 1) / platform.PageSize)
	arenaSize := uintptr(pages) * platform.PageSize

	base, err := backend.AllocateArena(arenaSize)
	if err != nil {
		return nil, fmt.Errorf("pmm: reserve arena: %w", err)
	}

	words := (pages + 63) / 64
	a := &Allocator{
		backend:    backend,
		base:       base,
		totalPages: pages,
		freeBitmap: make([]uint64, words),
		freePages:  pages,
	}
	// All bits start at zero (reserved); mark every in-range page
	// free. The tail bits beyond `pages` in the last word are left
	// zero (reserved) so a scan never returns them.
	for frame := uint32(0); frame < pages; frame++ {
		a.setBit(frame, true)
	}
	return a, nil
}

func (a *Allocator) setBit(frame uint32, free bool) {
	word, bit := frame/64, frame%64
	mask := uint64(1) << (63 - bit)
	if free {
		a.freeBitmap[word] |= mask
	} else {
		a.freeBitmap[word] &^= mask
	}
}

func (a *Allocator) testBit(frame uint32) bool {
	word, bit := frame/64, frame%64
	mask := uint64(1) << (63 - bit)
	return a.freeBitmap[word]&mask != 0
}

// Allocate returns a naturally aligned run of size bytes (a multiple
// of the page size) of zero-filled physical memory. First-fit: it
// scans from the start of the bitmap for the first run of free pages
// long enough.
func (a *Allocator) Allocate(size uintptr) (platform.PhysicalAddr, error) {
	if size == 0 || size%platform.PageSize != 0 {
		return 0, fmt.Errorf("pmm: size %d is not a nonzero multiple of the page size", size)
	}
	runLen := uint32(size / platform.PageSize)

	a.mu.Lock()
	defer a.mu.Unlock()

	start, ok := a.findFreeRun(runLen)
	if !ok {
		return 0, fmt.Errorf("pmm: out of memory: no free run of %d pages", runLen)
	}
	for frame := start; frame < start+runLen; frame++ {
		a.setBit(frame, false)
	}
	a.freePages -= runLen

	addr := a.base + platform.PhysicalAddr(uint64(start)*platform.PageSize)
	zero := make([]byte, size)
	if err := a.backend.Write(addr, zero); err != nil {
		// Roll back the reservation; the caller gets a clean error
		// rather than a half-allocated run.
		for frame := start; frame < start+runLen; frame++ {
			a.setBit(frame, true)
		}
		a.freePages += runLen
		return 0, fmt.Errorf("pmm: zero-fill new allocation: %w", err)
	}
	return addr, nil
}

// findFreeRun scans the bitmap for the first run of n consecutive free
// bits whose physical address is aligned to n pages rounded up to a
// power of two. A word with no free bit is skipped in one step; the
// run itself is checked bit by bit since it may straddle a word
// boundary.
func (a *Allocator) findFreeRun(n uint32) (uint32, bool) {
	align := uint64(1) << bits.Len32(n-1)
	baseFrame := uint64(a.base) / platform.PageSize
	run := uint32(0)
	runStart := uint32(0)
	for frame := uint32(0); frame < a.totalPages; frame++ {
		word := a.freeBitmap[frame/64]
		if word == 0 {
			// Entire word reserved; skip to its end in one step.
			skip := 64 - frame%64
			frame += skip - 1
			run = 0
			continue
		}
		if a.testBit(frame) {
			if run == 0 {
				if (baseFrame+uint64(frame))%align != 0 {
					continue
				}
				runStart = frame
			}
			run++
			if run == n {
				return runStart, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// Free returns a previously allocated run to the pool. addr and size
// must exactly match a prior Allocate call (or a subset of the run
// boundaries); the caller is responsible for not double-freeing.
func (a *Allocator) Free(addr platform.PhysicalAddr, size uintptr) error {
	if size == 0 || size%platform.PageSize != 0 {
		return fmt.Errorf("pmm: size %d is not a nonzero multiple of the page size", size)
	}
	if addr < a.base {
		return fmt.Errorf("pmm: address %#x precedes arena base %#x", addr, a.base)
	}
	startFrame := uint32((uint64(addr-a.base))/platform.PageSize)
	runLen := uint32(size / platform.PageSize)

	a.mu.Lock()
	defer a.mu.Unlock()
	if startFrame+runLen > a.totalPages {
		return fmt.Errorf("pmm: run [%d,%d) exceeds arena of %d pages", startFrame, startFrame+runLen, a.totalPages)
	}
	for frame := startFrame; frame < startFrame+runLen; frame++ {
		if a.testBit(frame) {
			return fmt.Errorf("pmm: double free at frame %d", frame)
		}
		a.setBit(frame, true)
	}
	a.freePages += runLen
	return nil
}

// Stats reports total and free page counts, mirroring gopher-os's
// bitmap_allocator.go printStats.
func (a *Allocator) Stats() (total, free uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalPages, a.freePages
}

// popcountFree is a debug helper used only by tests to cross-check
// freePages bookkeeping against the bitmap itself.
func (a *Allocator) popcountFree() uint32 {
	var n uint32
	for i, word := range a.freeBitmap {
		if uint32(i) == a.totalPages/64 {
			// Last partial word: mask off the out-of-range tail bits
			// before counting.
			valid := a.totalPages % 64
			if valid != 0 {
				word &= ^uint64(0) << (64 - valid)
			}
		}
		n += uint32(bits.OnesCount64(word))
	}
	return n
}
