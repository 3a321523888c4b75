// Package hel is the syscall dispatcher of spec.md §4.10 and §6: the
// single entry point every user thread's trap funnels through, one
// index plus up to nine word-sized arguments in, one to three result
// words out.
//
// There is no real trap instruction in this tree — a user thread's
// entry function is a Go closure running in its own goroutine (see
// pkg/sched) — so "trapping into the dispatcher" is modeled as an
// ordinary call to Dispatcher.Syscall, the same shape
// sys_tls_amd64.go's per-syscall handlers take relative to gVisor's
// kernel.Task.doSyscall loop, narrowed from
// func(*kernel.Task, uintptr, arch.SyscallArguments) (uintptr,
// *kernel.SyscallControl, error) to func(*Dispatcher, *sched.Thread,
// Args) (Errno, uintptr, uintptr).
package hel

import (
	"log/slog"
	"sync"

	"github.com/thor-os/thor/pkg/irqrelay"
	"github.com/thor-os/thor/pkg/platform"
	"github.com/thor-os/thor/pkg/pmm"
	"github.com/thor-os/thor/pkg/sched"
	"github.com/thor-os/thor/pkg/thorsync"
	"github.com/thor-os/thor/pkg/vm"
)

// Sysno identifies a syscall operation (spec.md §6 surface).
type Sysno uintptr

const (
	SysLog Sysno = iota
	SysPanic
	SysCloseDescriptor
	SysAllocateMemory
	SysMapMemory
	SysMemoryInfo
	SysCreateThread
	SysExitThisThread
	SysCreateEventHub
	SysWaitForEvents
	SysCreateBiDirectionPipe
	SysSendString
	SysSubmitRecvString
	SysCreateServer
	SysSubmitAccept
	SysSubmitConnect
	SysAccessIrq
	SysSubmitWaitForIrq
	SysAccessIo
	SysEnableIo
)

// Args is the fixed nine-word argument vector every syscall receives,
// regardless of how many words it actually uses.
type Args [9]uintptr

// handler is the shape every syscall arm takes: the error goes out as
// a dedicated return so the table can't forget to set it, and up to
// two further result words ride alongside it.
type handler func(d *Dispatcher, t *sched.Thread, args Args) (err Errno, r1, r2 uintptr)

// releasable lets CloseDescriptor cascade into whatever the handle's
// payload actually is without pkg/hel importing every concrete
// descriptor package — the same duck-typed trick pkg/capability's own
// Universe.Release uses internally.
type releasable interface{ Release() }

// Dispatcher holds the kernel-wide singletons spec.md §9's design
// notes call out (physical_allocator, irq_relays, schedule_queue) plus
// the logging sink and physical-memory backend every handler needs to
// copy bytes to and from user address spaces. pkg/kernel constructs
// exactly one of these at boot and threads it through.
type Dispatcher struct {
	Alloc     *pmm.Allocator
	Scheduler *sched.Scheduler
	Relay     *irqrelay.Relay
	Backend   platform.Backend
	Log       *slog.Logger

	asyncIDs thorsync.AsyncIDAllocator

	mu      thorsync.TicketSpinlock
	entries map[uintptr]func(*sched.Thread)

	pendingMu sync.Mutex
	pending   map[uint64]pendingRecvBuffer
}

// pendingRecvBuffer remembers where a SubmitRecvString's payload must
// land in user memory once its completion event is drained, since
// pkg/ipc's Channel deals only in kernel-private []byte payloads and
// has no notion of a user address space.
type pendingRecvBuffer struct {
	as  *vm.AddressSpace
	ptr uintptr
}

var table = map[Sysno]handler{
	SysLog:                   sysLog,
	SysPanic:                 sysPanic,
	SysCloseDescriptor:       sysCloseDescriptor,
	SysAllocateMemory:        sysAllocateMemory,
	SysMapMemory:             sysMapMemory,
	SysMemoryInfo:            sysMemoryInfo,
	SysCreateThread:          sysCreateThread,
	SysExitThisThread:        sysExitThisThread,
	SysCreateEventHub:        sysCreateEventHub,
	SysWaitForEvents:         sysWaitForEvents,
	SysCreateBiDirectionPipe: sysCreateBiDirectionPipe,
	SysSendString:            sysSendString,
	SysSubmitRecvString:      sysSubmitRecvString,
	SysCreateServer:          sysCreateServer,
	SysSubmitAccept:          sysSubmitAccept,
	SysSubmitConnect:         sysSubmitConnect,
	SysAccessIrq:             sysAccessIrq,
	SysSubmitWaitForIrq:      sysSubmitWaitForIrq,
	SysAccessIo:              sysAccessIo,
	SysEnableIo:              sysEnableIo,
}

// New returns a Dispatcher ready to serve syscalls against the given
// kernel singletons.
func New(alloc *pmm.Allocator, scheduler *sched.Scheduler, relay *irqrelay.Relay, backend platform.Backend, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		Alloc: alloc, Scheduler: scheduler, Relay: relay, Backend: backend, Log: log,
		entries: make(map[uintptr]func(*sched.Thread)),
		pending: make(map[uint64]pendingRecvBuffer),
	}
}

// RegisterEntry associates an opaque "function pointer" word with an
// actual Go entry function, standing in for a loader having mapped
// executable user code at that address. CreateThread's entry argument
// is looked up here; the real kernel would instead trap-return into
// user code at that address.
func (d *Dispatcher) RegisterEntry(addr uintptr, fn func(t *sched.Thread)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[addr] = fn
}

// AllocAsyncID hands out the next globally monotonic async id
// (spec.md §5 "async_id is globally monotonic"). It is not itself a
// syscall — user-space IPC runtimes call it before issuing a
// submit_* syscall, the same way a libc wrapper might precompute a
// request id, rather than the kernel inventing the concept of an
// "alloc_async_id" trap that §6's surface never lists.
func (d *Dispatcher) AllocAsyncID() uint64 {
	return d.asyncIDs.Next()
}

// Syscall is the single trap entry point: it resolves sysno against
// the dispatch table and returns (errno, r1, r2). An out-of-range
// sysno is fatal per spec.md §4.10 ("unknown indices are fatal") and
// never returns to the caller, exactly like Panic.
func (d *Dispatcher) Syscall(t *sched.Thread, sysno uintptr, args Args) (uintptr, uintptr, uintptr) {
	h, ok := table[Sysno(sysno)]
	if !ok {
		d.fatal("illegal syscall index", "sysno", sysno, "thread", t.ID())
		return 0, 0, 0 // unreachable: fatal halts forever
	}
	err, r1, r2 := h(d, t, args)
	return uintptr(err), r1, r2
}

// rememberPendingBuffer records where a SubmitRecvString's payload
// must eventually be copied to, keyed by the async id its completion
// will carry.
func (d *Dispatcher) rememberPendingBuffer(asyncID uint64, as *vm.AddressSpace, ptr uintptr) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	d.pending[asyncID] = pendingRecvBuffer{as: as, ptr: ptr}
}

// takePendingBuffer looks up and removes a remembered recv buffer.
func (d *Dispatcher) takePendingBuffer(asyncID uint64) (pendingRecvBuffer, bool) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	pb, ok := d.pending[asyncID]
	if ok {
		delete(d.pending, asyncID)
	}
	return pb, ok
}

// discardPendingBuffer drops a remembered recv buffer without copying
// into it, e.g. for a Dismissed completion that carries no payload.
func (d *Dispatcher) discardPendingBuffer(asyncID uint64) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	delete(d.pending, asyncID)
}

// fatal logs a kernel-fatal diagnostic with the faulting context §7
// requires (address, instruction pointer, error code — approximated
// here by whatever key/value pairs the caller has on hand) and halts.
// It never returns.
func (d *Dispatcher) fatal(msg string, args ...any) {
	d.Log.Error(msg, args...)
	for {
		d.Backend.Halt()
	}
}
