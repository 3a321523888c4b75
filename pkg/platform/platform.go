// Package platform narrows down everything in the kernel that would,
// on real hardware, require architecture-specific assembly: masking
// interrupts, halting the CPU, invalidating TLB entries, reading and
// writing the page-table root register, and moving bytes to and from
// physical memory. Every other package in this module talks to
// physical memory only through a Backend.
//
// Backend mirrors the role platform.Platform plays for gVisor's kvm
// and ptrace implementations: the kernel core is written once against
// the interface, and a concrete backend supplies the architecture (or,
// here, simulation) specifics.
package platform

import "fmt"

// PhysicalAddr is an opaque 64-bit physical address. It carries no
// semantics of its own beyond identifying a byte offset into the
// backend's physical memory.
type PhysicalAddr uint64

// PageSize is the only page granularity this kernel core supports.
const PageSize = 4096

// PageShift is log2(PageSize), used for fast page-index arithmetic.
const PageShift = 12

// Backend is the narrow interface every architecture-specific concern
// is routed through. The kernel core never performs a raw memory
// access, masks interrupts, or halts the CPU except via a Backend.
type Backend interface {
	// DisableIRQs masks interrupts on the calling CPU. Must nest
	// correctly with EnableIRQs.
	DisableIRQs()

	// EnableIRQs unmasks interrupts on the calling CPU.
	EnableIRQs()

	// Halt parks the CPU in an interrupt-enabled idle state until
	// any wake-up source fires, then returns. The fatal paths
	// (hel.Dispatcher's fatal handler and Kernel.Fault) call it in a
	// loop; the scheduler does not, it waits on its own wake channel
	// when the ready queue is empty.
	Halt()

	// InvalidateTLB invalidates cached translations for the given
	// virtual range. Every page-table mutation must be followed by
	// a call at the appropriate granularity.
	InvalidateTLB(virt uintptr, length uintptr)

	// ReadCR3 returns the physical address of the currently loaded
	// page-table root.
	ReadCR3() PhysicalAddr

	// WriteCR3 loads a new page-table root, switching address
	// spaces. Callers must invalidate the TLB as needed.
	WriteCR3(root PhysicalAddr)

	// AllocateArena reserves size bytes of zero-filled physical
	// memory and returns its base address. Called once, at boot, by
	// pmm to obtain the bootstrap chunk spec.md §4.1 describes.
	AllocateArena(size uintptr) (PhysicalAddr, error)

	// Read copies len(buf) bytes starting at addr out of physical
	// memory.
	Read(addr PhysicalAddr, buf []byte) error

	// Write copies buf into physical memory starting at addr.
	Write(addr PhysicalAddr, buf []byte) error
}

// ErrOutOfRange is returned by Read/Write when addr..addr+len(buf)
// falls outside the backend's arena.
type ErrOutOfRange struct {
	Addr PhysicalAddr
	Len  int
}

func (e *ErrOutOfRange) Error() string {
	return fmt.Sprintf("platform: physical access out of range: addr=%#x len=%d", e.Addr, e.Len)
}
