package platform

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// SimBackend is the one concrete Backend this tree ships, the
// simulation analogue of gVisor's kvm backend: instead of opening
// /dev/kvm and running guest instructions, it backs "physical memory"
// with a single real anonymous mmap (golang.org/x/sys/unix.Mmap) and
// tracks interrupt-mask state and the page-table root in plain Go
// fields. Every other kernel package is written only against the
// Backend interface, so a future ring0/ptrace/kvm backend would slot
// in without touching pmm, pagetables, vm, or above.
type SimBackend struct {
	mu sync.Mutex

	arena    []byte
	arenaLen uintptr
	reserved bool

	irqDepth int32 // >0 while interrupts are masked (nesting handled by thorsync.IrqMutex)
	cr3      uint64

	haltCh chan struct{}
}

// NewSimBackend constructs a backend with no arena reserved yet; call
// AllocateArena once at boot, mirroring Eir handing the bootstrap
// range to the physical allocator.
func NewSimBackend() *SimBackend {
	return &SimBackend{haltCh: make(chan struct{}, 1)}
}

// DisableIRQs implements Backend.
func (s *SimBackend) DisableIRQs() {
	atomic.AddInt32(&s.irqDepth, 1)
}

// EnableIRQs implements Backend.
func (s *SimBackend) EnableIRQs() {
	atomic.AddInt32(&s.irqDepth, -1)
}

// IRQsMasked reports whether interrupts are currently masked on this
// backend. Exposed for assertions in tests and in kernel fault paths.
func (s *SimBackend) IRQsMasked() bool {
	return atomic.LoadInt32(&s.irqDepth) > 0
}

// Halt parks until Wake is called, simulating an interrupt-enabled
// idle loop.
func (s *SimBackend) Halt() {
	<-s.haltCh
}

// Wake is the simulation-only counterpart to a hardware interrupt
// arriving while halted: it lets one goroutine parked in Halt return.
func (s *SimBackend) Wake() {
	select {
	case s.haltCh <- struct{}{}:
	default:
	}
}

// InvalidateTLB implements Backend. The simulation's page tables are
// consulted fresh on every access, so there is nothing to flush; the
// call exists so pagetables.Space exercises the same call sequence a
// real architecture backend would require.
func (s *SimBackend) InvalidateTLB(uintptr, uintptr) {}

// ReadCR3 implements Backend.
func (s *SimBackend) ReadCR3() PhysicalAddr {
	return PhysicalAddr(atomic.LoadUint64(&s.cr3))
}

// WriteCR3 implements Backend.
func (s *SimBackend) WriteCR3(root PhysicalAddr) {
	atomic.StoreUint64(&s.cr3, uint64(root))
}

// AllocateArena implements Backend by reserving a single anonymous
// mmap region to stand in for the bootstrap physical range Eir would
// otherwise hand off.
func (s *SimBackend) AllocateArena(size uintptr) (PhysicalAddr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserved {
		return 0, fmt.Errorf("platform: arena already reserved")
	}
	if size == 0 || size%PageSize != 0 {
		return 0, fmt.Errorf("platform: arena size must be a nonzero multiple of %d", PageSize)
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, fmt.Errorf("platform: mmap arena: %w", err)
	}
	s.arena = mem
	s.arenaLen = size
	s.reserved = true
	return 0, nil
}

// Close releases the arena. Only used by tests to avoid leaking
// mappings across table-driven runs.
func (s *SimBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reserved {
		return nil
	}
	err := unix.Munmap(s.arena)
	s.arena = nil
	s.reserved = false
	return err
}

func (s *SimBackend) bounds(addr PhysicalAddr, n int) error {
	if !s.reserved || uintptr(addr)+uintptr(n) > s.arenaLen {
		return &ErrOutOfRange{Addr: addr, Len: n}
	}
	return nil
}

// Read implements Backend.
func (s *SimBackend) Read(addr PhysicalAddr, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.bounds(addr, len(buf)); err != nil {
		return err
	}
	copy(buf, s.arena[addr:uintptr(addr)+uintptr(len(buf))])
	return nil
}

// Write implements Backend.
func (s *SimBackend) Write(addr PhysicalAddr, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.bounds(addr, len(buf)); err != nil {
		return err
	}
	copy(s.arena[addr:uintptr(addr)+uintptr(len(buf))], buf)
	return nil
}
