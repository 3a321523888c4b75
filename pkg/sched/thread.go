// Package sched implements the thread state machine and single-CPU
// round-robin scheduler of spec.md §4.9: a FIFO ready queue, a
// schedule() dispatcher, and the Ready/Running/Blocked/Exited
// lifecycle.
//
// There is no real trap/return to drive preemption at arbitrary
// instruction boundaries, so each Thread's entry runs in its own
// goroutine and calls CheckIn at its own loop boundaries — the
// simulated equivalent of the periodic points at which a real CPU's
// trap handler could interrupt it. The scheduler grants or withholds
// the CPU by deciding whether to answer that CheckIn, so a Thread
// preempted mid-loop resumes exactly where it left off (the
// goroutine's stack is its saved register state) the next time it is
// scheduled — mirroring a real context switch without needing one.
package sched

import (
	"runtime"
	"sync"

	"github.com/thor-os/thor/pkg/capability"
	"github.com/thor-os/thor/pkg/vm"
)

// State is a Thread's position in spec.md §4.9's lifecycle.
type State int

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateExited
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateBlocked:
		return "Blocked"
	case StateExited:
		return "Exited"
	default:
		return "State(?)"
	}
}

// Thread is a schedulable unit of execution sharing a Universe and
// AddressSpace with every other thread in its process.
type Thread struct {
	id        uint64
	entry     func(t *Thread)
	arg       uintptr
	universe  *capability.Universe
	addrSpace *vm.AddressSpace

	mu     sync.Mutex
	state  State
	token  chan struct{}
	retire chan struct{}
}

// ID returns the thread's stable identity, e.g. for log lines.
func (t *Thread) ID() uint64 { return t.id }

// Arg returns the argument CreateThread was given, the simulated
// equivalent of its value having been placed in the first argument
// register before the initial trap-return to user mode.
func (t *Thread) Arg() uintptr { return t.arg }

// Universe returns the capability table this thread shares with its
// process siblings.
func (t *Thread) Universe() *capability.Universe { return t.universe }

// AddressSpace returns the address space this thread shares with its
// process siblings.
func (t *Thread) AddressSpace() *vm.AddressSpace { return t.addrSpace }

// State returns the thread's current lifecycle state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// CheckIn is the cooperative yield point a Thread's entry function
// must call at every loop iteration (or other natural boundary): it
// blocks until the scheduler grants this thread the CPU for another
// slice. Kernel-side blocking primitives (EventHub.WaitForEvents, an
// unmatched submit) are called directly by entry — real blocking Go
// calls — after first calling Block, so the scheduler does not try to
// grant a token nobody is waiting for.
func (t *Thread) CheckIn() {
	<-t.token
}

// Block transitions the thread from Running to Blocked and hands the
// CPU back to the scheduler immediately, before entry makes whatever
// real blocking call (e.g. EventHub.WaitForEvents) follows.
func (t *Thread) Block() {
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return
	}
	t.state = StateBlocked
	retire := t.retire
	t.mu.Unlock()
	close(retire)
}

// Exit transitions the thread to Exited, hands the CPU back, drops
// this thread's references to its Universe and AddressSpace
// (underlying objects are torn down once no other thread in the
// process still holds them), and never returns to its caller —
// implementing helExitThisThread (spec.md §4.9) down to its "never
// returns" contract via runtime.Goexit.
func (t *Thread) Exit() {
	t.mu.Lock()
	if t.state == StateExited {
		t.mu.Unlock()
		runtime.Goexit()
	}
	t.state = StateExited
	retire := t.retire
	t.mu.Unlock()
	close(retire)

	t.universe.Release()
	t.addrSpace.Release()
	runtime.Goexit()
}
