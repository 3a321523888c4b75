package kernel

import (
	"github.com/thor-os/thor/pkg/platform"
)

// ModuleKind discriminates the two handoff module slots spec.md §6's
// Boot protocol names.
type ModuleKind int

const (
	// ModuleInitELF is module 0: the init ET_DYN ELF, loaded at
	// InitLoadAddr and run as the first thread.
	ModuleInitELF ModuleKind = iota
	// ModuleProgramImage is module 1: an opaque program image handed
	// to init as a MemoryAccess handle, not executed directly.
	ModuleProgramImage
)

// InitLoadAddr is the fixed virtual address spec.md §6 assigns the
// init ELF ("Module 0 is the init ELF (ET_DYN), loaded at
// 0x4000_0000").
const InitLoadAddr uintptr = 0x4000_0000

// Module is one entry of the handoff record's module array.
type Module struct {
	Kind ModuleKind
	Data []byte
}

// Handoff is the bootloader (Eir) handoff record: a bootstrap physical
// range and the module array spec.md §6's Boot protocol describes.
// Real Eir hands the kernel a physical address to this record; this
// tree has no real bootloader, so cmd/thor builds one directly from
// Go struct literals instead of parsing it out of memory.
type Handoff struct {
	BootstrapBase platform.PhysicalAddr
	BootstrapSize uintptr
	Modules       []Module
}

// InitModule returns the handoff's module 0 (the init ELF), or false
// if none was supplied.
func (h Handoff) InitModule() (Module, bool) {
	for _, m := range h.Modules {
		if m.Kind == ModuleInitELF {
			return m, true
		}
	}
	return Module{}, false
}

// ProgramImage returns the handoff's module 1 (the opaque program
// image handed to init as a MemoryAccess handle), or false if none was
// supplied.
func (h Handoff) ProgramImage() (Module, bool) {
	for _, m := range h.Modules {
		if m.Kind == ModuleProgramImage {
			return m, true
		}
	}
	return Module{}, false
}
