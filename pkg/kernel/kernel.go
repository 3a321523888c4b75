// Package kernel wires the process-wide singletons spec.md §9's Design
// Notes call out — physical_allocator, kernel_virtual_alloc,
// kernel_alloc, irq_relays, current_thread, schedule_queue — into one
// Kernel struct built by a single one-shot Boot call, the centralizing
// alternative the design notes offer over bare module-scope globals.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/thor-os/thor/pkg/capability"
	"github.com/thor-os/thor/pkg/hel"
	"github.com/thor-os/thor/pkg/irqrelay"
	"github.com/thor-os/thor/pkg/kheap"
	"github.com/thor-os/thor/pkg/pagetables"
	"github.com/thor-os/thor/pkg/platform"
	"github.com/thor-os/thor/pkg/pmm"
	"github.com/thor-os/thor/pkg/sched"
	"github.com/thor-os/thor/pkg/vm"
)

// Options is the kernel's only configuration surface: there is no
// on-disk config at this layer (no filesystem exists yet), so these
// fields are populated from Go struct literals in cmd/thor/main.go
// rather than parsed from a file.
type Options struct {
	// KernelHeapSize bounds kernel_alloc's backing virtual range.
	KernelHeapSize uintptr
	// TickPeriod is the simulated IRQ 0 interval driving preemption
	// (spec.md §4.9).
	TickPeriod time.Duration
}

// Fault is a kernel-internal invariant violation (spec.md §7: "Kernel
// invariants are checked with assertions that, if violated, log
// diagnostics ... and halt the CPU"). Unlike hel.Errno, a Fault is
// never returned to user space — only logged and converted into a
// halt.
type Fault struct {
	Addr uintptr
	IP   uintptr
	Code string
}

func (f Fault) Error() string {
	return fmt.Sprintf("kernel fault: %s (addr=%#x ip=%#x)", f.Code, f.Addr, f.IP)
}

// Kernel holds the singletons every thread's syscalls and the boot
// loop need: the physical allocator, the kernel's master page tables
// and heap, the IRQ fan-out relay, and the single-CPU scheduler and
// its syscall dispatcher.
type Kernel struct {
	Alloc       *pmm.Allocator
	KernelSpace *pagetables.Space
	Heap        *kheap.Heap
	Relay       *irqrelay.Relay
	Scheduler   *sched.Scheduler
	Dispatcher  *hel.Dispatcher
	Backend     platform.Backend
	Log         *slog.Logger

	opts Options
}

// Boot performs the kernel's one-shot singleton init in the order
// spec.md §9 implies (physical allocator before anything that
// allocates frames through it; kernel page tables before any
// AddressSpace clones them; heap, relay and scheduler before the init
// thread that will use them), then constructs init's process (a fresh
// Universe and AddressSpace) and its first thread.
//
// Module 0 (the init ELF) must be present — a handoff naming none has
// nothing for the kernel to run, so Boot rejects it before touching
// anything else. Its bytes are not interpreted — there is no ELF
// loader in this tree — initEntry stands in for the code a real
// loader would have mapped at InitLoadAddr, the same simulation device
// hel.Dispatcher.RegisterEntry uses for every later CreateThread.
//
// Module 1, if present, is copied into a MemoryAccess Memory and
// attached to init's Universe before the thread is created, so its
// handle is already live by the time init's entry runs.
func Boot(handoff Handoff, opts Options, backend platform.Backend, log *slog.Logger, initEntry func(t *sched.Thread)) (*Kernel, *sched.Thread, error) {
	if log == nil {
		log = slog.Default()
	}

	initModule, ok := handoff.InitModule()
	if !ok {
		return nil, nil, fmt.Errorf("kernel: boot handoff names no init module (module 0)")
	}

	alloc, err := pmm.New(backend, handoff.BootstrapSize)
	if err != nil {
		return nil, nil, fmt.Errorf("kernel: boot physical allocator: %w", err)
	}

	kernelSpace, err := pagetables.New(backend, alloc)
	if err != nil {
		return nil, nil, fmt.Errorf("kernel: boot kernel page tables: %w", err)
	}

	heap, err := kheap.New(alloc, kernelSpace, opts.KernelHeapSize)
	if err != nil {
		return nil, nil, fmt.Errorf("kernel: boot kernel heap: %w", err)
	}

	relay := irqrelay.New()
	scheduler := sched.New()
	dispatcher := hel.New(alloc, scheduler, relay, backend, log)
	dispatcher.RegisterEntry(InitLoadAddr, initEntry)

	universe := capability.NewUniverse()
	addrSpace, err := vm.New(alloc, kernelSpace)
	if err != nil {
		return nil, nil, fmt.Errorf("kernel: boot init address space: %w", err)
	}

	if img, ok := handoff.ProgramImage(); ok {
		mem := vm.NewMemory(alloc)
		pages := (len(img.Data) + int(platform.PageSize) - 1) / int(platform.PageSize)
		for i := 0; i < pages; i++ {
			phys, err := alloc.Allocate(platform.PageSize)
			if err != nil {
				return nil, nil, fmt.Errorf("kernel: boot program image: %w", err)
			}
			mem.AddPage(phys)
			start := i * int(platform.PageSize)
			end := start + int(platform.PageSize)
			if end > len(img.Data) {
				end = len(img.Data)
			}
			var page [platform.PageSize]byte
			copy(page[:], img.Data[start:end])
			if err := backend.Write(phys, page[:]); err != nil {
				return nil, nil, fmt.Errorf("kernel: boot program image: %w", err)
			}
		}
		universe.Attach(capability.NewDescriptor(capability.KindMemoryAccess, mem))
	}

	log.Info("kernel boot", "bootstrap_size", handoff.BootstrapSize, "kernel_heap_size", opts.KernelHeapSize, "init_module_size", len(initModule.Data))

	th := scheduler.CreateThread(initEntry, 0, universe, addrSpace)

	k := &Kernel{
		Alloc: alloc, KernelSpace: kernelSpace, Heap: heap,
		Relay: relay, Scheduler: scheduler, Dispatcher: dispatcher,
		Backend: backend, Log: log, opts: opts,
	}
	return k, th, nil
}

// Fault logs a kernel-fatal diagnostic (spec.md §7's "faulting
// address, instruction pointer, error code" triad) and halts the CPU.
// It never returns, matching hel.Dispatcher's own fatal path for
// unknown syscall indices.
func (k *Kernel) Fault(f Fault) {
	k.Log.Error("kernel fault", "code", f.Code, "addr", f.Addr, "ip", f.IP)
	for {
		k.Backend.Halt()
	}
}

// Run drives the scheduler's dispatch loop and a ticker simulating
// IRQ 0 (spec.md §4.9 Preemption) until ctx is canceled.
func (k *Kernel) Run(ctx context.Context) {
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	if k.opts.TickPeriod > 0 {
		go func() {
			ticker := time.NewTicker(k.opts.TickPeriod)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					k.Scheduler.Tick()
				case <-stop:
					return
				}
			}
		}()
	}

	k.Scheduler.Run(stop)
}
