package hel

import (
	"github.com/thor-os/thor/pkg/capability"
	"github.com/thor-os/thor/pkg/sched"
)

// sysCreateThread implements CreateThread(entry, arg, stack): spawns a
// new thread sharing the caller's Universe and AddressSpace, Ready on
// the scheduler, and attaches a Thread descriptor for it.
//
// entry is looked up in the Dispatcher's registered-entry table rather
// than jumped to directly — see RegisterEntry's doc comment. stack is
// accepted for ABI compatibility with spec.md §6 but unused: each
// thread already runs on its own goroutine stack, so there is nothing
// for the kernel to carve a stack out of.
func sysCreateThread(d *Dispatcher, t *sched.Thread, args Args) (Errno, uintptr, uintptr) {
	d.mu.Lock()
	entry, ok := d.entries[args[0]]
	d.mu.Unlock()
	if !ok {
		return BadDescriptor, 0, 0
	}

	arg := args[1]
	universe := t.Universe()
	as := t.AddressSpace()
	child := d.Scheduler.CreateThread(func(ct *sched.Thread) {
		entry(ct)
	}, arg, universe, as)

	h := universe.Attach(capability.NewDescriptor(capability.KindThread, child))
	return Ok, uintptr(h), 0
}

// sysExitThisThread implements ExitThisThread(): never returns, per
// spec.md §4.9.
func sysExitThisThread(d *Dispatcher, t *sched.Thread, args Args) (Errno, uintptr, uintptr) {
	t.Exit()
	return Ok, 0, 0 // unreachable: Exit calls runtime.Goexit
}
