package hel

import (
	"github.com/thor-os/thor/pkg/capability"
	"github.com/thor-os/thor/pkg/platform"
	"github.com/thor-os/thor/pkg/sched"
	"github.com/thor-os/thor/pkg/vm"
)

// sysLog implements Log(ptr, len): copies the user buffer in and
// writes it to the kernel log sink.
func sysLog(d *Dispatcher, t *sched.Thread, args Args) (Errno, uintptr, uintptr) {
	buf, err := copyIn(t.AddressSpace(), d.Backend, args[0], int(args[1]))
	if err != Ok {
		return err, 0, 0
	}
	d.Log.Info("user log", "thread", t.ID(), "msg", string(buf))
	return Ok, 0, 0
}

// sysPanic implements Panic(ptr, len): logs the message at fatal
// severity and never returns, per spec.md §6.
func sysPanic(d *Dispatcher, t *sched.Thread, args Args) (Errno, uintptr, uintptr) {
	buf, cerr := copyIn(t.AddressSpace(), d.Backend, args[0], int(args[1]))
	msg := "user panic"
	if cerr == Ok {
		msg = string(buf)
	}
	d.fatal(msg, "thread", t.ID())
	return Ok, 0, 0 // unreachable
}

// sysCloseDescriptor implements CloseDescriptor(h): detaches the
// handle and, if its payload owns a releasable resource, releases it —
// the single-handle analogue of Universe.Release's full-table
// cascade.
func sysCloseDescriptor(d *Dispatcher, t *sched.Thread, args Args) (Errno, uintptr, uintptr) {
	h := capability.Handle(args[0])
	desc, ok := t.Universe().Detach(h)
	if !ok {
		return IllegalHandle, 0, 0
	}
	if r, ok := desc.Payload().(releasable); ok {
		r.Release()
	}
	return Ok, 0, 0
}

// sysAllocateMemory implements AllocateMemory(size): rounds size up
// to whole pages, backs them from the physical allocator, and attaches
// a MemoryAccess descriptor.
func sysAllocateMemory(d *Dispatcher, t *sched.Thread, args Args) (Errno, uintptr, uintptr) {
	size := uintptr(args[0])
	if size == 0 {
		return BadDescriptor, 0, 0
	}
	pages := (size + platform.PageSize - 1) / platform.PageSize

	mem := vm.NewMemory(d.Alloc)
	for i := uintptr(0); i < pages; i++ {
		phys, err := d.Alloc.Allocate(platform.PageSize)
		if err != nil {
			mem.Release()
			return NoMemory, 0, 0
		}
		mem.AddPage(phys)
	}

	h := t.Universe().Attach(capability.NewDescriptor(capability.KindMemoryAccess, mem))
	return Ok, uintptr(h), 0
}

// sysMapMemory implements MapMemory(mem_h, addr, size): installs the
// Memory's pages into the calling thread's AddressSpace, at addr if
// nonzero or at a kernel-chosen hole otherwise, and returns the
// mapping's actual base.
func sysMapMemory(d *Dispatcher, t *sched.Thread, args Args) (Errno, uintptr, uintptr) {
	desc, ok := t.Universe().Get(capability.Handle(args[0]))
	if !ok || desc.Kind() != capability.KindMemoryAccess {
		return IllegalHandle, 0, 0
	}
	mem := desc.Payload().(*vm.Memory)

	addr := uintptr(args[1])
	size := uintptr(args[2])
	if size == 0 {
		size = mem.Length()
	}
	if size == 0 {
		return BadDescriptor, 0, 0
	}

	as := t.AddressSpace()
	var mp *vm.Mapping
	var err error
	if addr == 0 {
		mp, err = as.Allocate(size)
	} else {
		mp, err = as.AllocateAt(addr, size)
	}
	if err != nil {
		return NoMemory, 0, 0
	}
	if err := as.InstallMemory(mp, mem); err != nil {
		return Fault, 0, 0
	}
	return Ok, mp.Base, 0
}

// sysMemoryInfo implements MemoryInfo(h): returns the Memory's byte
// length.
func sysMemoryInfo(d *Dispatcher, t *sched.Thread, args Args) (Errno, uintptr, uintptr) {
	desc, ok := t.Universe().Get(capability.Handle(args[0]))
	if !ok || desc.Kind() != capability.KindMemoryAccess {
		return IllegalHandle, 0, 0
	}
	mem := desc.Payload().(*vm.Memory)
	return Ok, mem.Length(), 0
}
