package sched

import (
	"sync"

	"github.com/thor-os/thor/pkg/capability"
	"github.com/thor-os/thor/pkg/vm"
)

// Scheduler is the single global ready queue plus dispatcher of
// spec.md §4.9. There is exactly one instance per (simulated) CPU, per
// the Non-goals' single-run-queue assumption.
type Scheduler struct {
	mu      sync.Mutex
	ready   []*Thread
	current *Thread
	nextID  uint64
	wake    chan struct{}
	preempt chan struct{}
}

// New returns an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{wake: make(chan struct{}), preempt: make(chan struct{}, 1)}
}

func (s *Scheduler) wakeupLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// CreateThread implements helCreateThread(entry, arg, stack): it
// allocates a Thread sharing universe and addrSpace, starts its
// goroutine (which immediately blocks in CheckIn until scheduled), and
// enqueues it Ready.
func (s *Scheduler) CreateThread(entry func(t *Thread), arg uintptr, universe *capability.Universe, addrSpace *vm.AddressSpace) *Thread {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	t := &Thread{
		id: id, entry: entry, arg: arg,
		universe: universe, addrSpace: addrSpace,
		state: StateReady, token: make(chan struct{}),
	}
	universe.Retain()
	addrSpace.Retain()

	go func() {
		t.CheckIn()
		entry(t)
		t.Exit()
	}()

	s.mu.Lock()
	s.ready = append(s.ready, t)
	s.wakeupLocked()
	s.mu.Unlock()
	return t
}

// Wake transitions a Blocked thread back to Ready and enqueues it,
// e.g. once the event it was waiting for has posted. It is a no-op if
// the thread is not currently Blocked (already running again, or
// exited).
func (s *Scheduler) Wake(t *Thread) {
	t.mu.Lock()
	if t.state != StateBlocked {
		t.mu.Unlock()
		return
	}
	t.state = StateReady
	t.mu.Unlock()

	s.mu.Lock()
	s.ready = append(s.ready, t)
	s.wakeupLocked()
	s.mu.Unlock()
}

// Tick implements IRQ 0 entering schedule() (spec.md §4.9
// Preemption): if a thread is Running, it is preempted — placed back
// on the ready queue — before the next dispatch round picks a new
// head. It is a no-op if no thread is currently running (e.g. the CPU
// is halted waiting for the ready queue to become non-empty).
func (s *Scheduler) Tick() {
	s.mu.Lock()
	hasCurrent := s.current != nil
	s.mu.Unlock()
	if !hasCurrent {
		return
	}
	select {
	case s.preempt <- struct{}{}:
	default:
	}
}

func (s *Scheduler) doPreempt(t *Thread) {
	t.mu.Lock()
	if t.state == StateRunning {
		t.state = StateReady
	}
	requeue := t.state == StateReady
	t.mu.Unlock()

	s.mu.Lock()
	if s.current == t {
		s.current = nil
	}
	if requeue {
		s.ready = append(s.ready, t)
	}
	s.wakeupLocked()
	s.mu.Unlock()
}

func (s *Scheduler) clearCurrentIfSelf(t *Thread) {
	s.mu.Lock()
	if s.current == t {
		s.current = nil
	}
	s.mu.Unlock()
}

// runCurrent grants t the CPU — answering every CheckIn — until t
// voluntarily retires (Blocked or Exited), a timer preemption arrives,
// or stop fires.
func (s *Scheduler) runCurrent(t *Thread, retire <-chan struct{}, stop <-chan struct{}) {
	for {
		select {
		case t.token <- struct{}{}:
		case <-retire:
			return
		case <-s.preempt:
			s.doPreempt(t)
			return
		case <-stop:
			return
		}
	}
}

// Run is schedule()'s dispatch loop, run for the lifetime of the
// (simulated) CPU: pick the ready queue's head, grant it the CPU until
// it retires or is preempted, then repeat; halt (block on wake) when
// the ready queue is empty. It returns when stop is closed.
func (s *Scheduler) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		s.mu.Lock()
		if len(s.ready) == 0 {
			wake := s.wake
			s.mu.Unlock()
			select {
			case <-wake:
			case <-stop:
				return
			}
			continue
		}
		next := s.ready[0]
		s.ready = s.ready[1:]
		next.mu.Lock()
		next.state = StateRunning
		next.retire = make(chan struct{})
		retire := next.retire
		next.mu.Unlock()
		s.current = next
		s.mu.Unlock()

		s.runCurrent(next, retire, stop)
		s.clearCurrentIfSelf(next)
	}
}

// Current returns the Running thread, or nil if the CPU is idle
// (ready queue empty, halted). Safe to call from any goroutine; it is
// a momentary snapshot, matching spec.md §5's "read-only snapshots...
// may be taken with IRQs masked" allowance.
func (s *Scheduler) Current() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// ReadyLen reports the number of Ready threads, for tests and
// diagnostics.
func (s *Scheduler) ReadyLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready)
}
