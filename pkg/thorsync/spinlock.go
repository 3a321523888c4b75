// Package thorsync provides the kernel's locking primitives: a ticket
// spinlock, an IRQ-aware wrapper around it, and the per-CPU IRQ mutex
// that the wrapper composes with. Lock acquisition order across the
// kernel follows a single fixed chain: platform, allocator, universe,
// channel, hub.
package thorsync

import (
	"runtime"
	"sync/atomic"
)

// TicketSpinlock is a FIFO spinlock: waiters are served in arrival
// order, which keeps interrupt handlers from starving a long-waiting
// thread.
type TicketSpinlock struct {
	nextTicket uint64
	nowServing uint64
}

// Lock spins until this caller's ticket is being served.
func (s *TicketSpinlock) Lock() {
	ticket := atomic.AddUint64(&s.nextTicket, 1) - 1
	for atomic.LoadUint64(&s.nowServing) != ticket {
		// Kernel code never blocks here; on real hardware this is a
		// bare spin. Running as goroutines, yield the P so a ticket
		// holder on another goroutine actually gets to run.
		runtime.Gosched()
	}
}

// Unlock admits the next ticket holder.
func (s *TicketSpinlock) Unlock() {
	atomic.AddUint64(&s.nowServing, 1)
}

// IrqMutex masks interrupts on the current CPU while held. Platform
// backends implement the actual disable/enable; thorsync only tracks
// nesting so IrqSpinlock can compose on top of it.
type IrqMutex struct {
	disable func()
	enable  func()
	depth   uint32
	saved   bool
}

// NewIrqMutex builds an IrqMutex bound to a platform's IRQ control
// functions.
func NewIrqMutex(disable, enable func()) *IrqMutex {
	return &IrqMutex{disable: disable, enable: enable}
}

// Acquire raises the IRQ mask. Nested acquires are allowed: only the
// outermost Acquire/Release pair actually toggles the mask.
func (m *IrqMutex) Acquire() {
	if m.depth == 0 {
		m.disable()
		m.saved = true
	}
	m.depth++
}

// Release lowers the IRQ mask once the outermost acquirer releases.
func (m *IrqMutex) Release() {
	m.depth--
	if m.depth == 0 && m.saved {
		m.saved = false
		m.enable()
	}
}

// IrqSpinlock is a spinlock that may be acquired from interrupt
// context: acquiring it raises the IRQ mutex first so an interrupt
// can never re-enter and deadlock against itself.
type IrqSpinlock struct {
	mutex *IrqMutex
	inner TicketSpinlock
}

// NewIrqSpinlock binds a spinlock to the CPU's IrqMutex.
func NewIrqSpinlock(mutex *IrqMutex) *IrqSpinlock {
	return &IrqSpinlock{mutex: mutex}
}

// Lock raises the IRQ mutex then takes the inner ticket lock.
func (s *IrqSpinlock) Lock() {
	s.mutex.Acquire()
	s.inner.Lock()
}

// Unlock reverses Lock: inner lock first, then the IRQ mutex.
func (s *IrqSpinlock) Unlock() {
	s.inner.Unlock()
	s.mutex.Release()
}
