package hel

import (
	"github.com/thor-os/thor/pkg/pagetables"
	"github.com/thor-os/thor/pkg/platform"
	"github.com/thor-os/thor/pkg/vm"
)

// copyIn walks ptr..ptr+n one page at a time, translating each
// virtual page through as and reading the backing physical frame
// through backend, the simulated equivalent of a user-memory copy
// that must tolerate faults (spec.md §7) rather than dereferencing a
// host pointer directly.
func copyIn(as *vm.AddressSpace, backend platform.Backend, ptr uintptr, n int) ([]byte, Errno) {
	out := make([]byte, n)
	if n == 0 {
		return out, Ok
	}
	for done := 0; done < n; {
		virt := ptr + uintptr(done)
		phys, access, ok, err := as.Translate(virt)
		if err != nil || !ok || access&pagetables.FlagUser == 0 {
			return nil, Fault
		}
		offset := int(virt % platform.PageSize)
		chunk := int(platform.PageSize) - offset
		if remaining := n - done; chunk > remaining {
			chunk = remaining
		}
		if err := backend.Read(phys+platform.PhysicalAddr(offset), out[done:done+chunk]); err != nil {
			return nil, Fault
		}
		done += chunk
	}
	return out, Ok
}

// copyOut is copyIn's mirror: it writes data into the user address
// space starting at ptr, page by page.
func copyOut(as *vm.AddressSpace, backend platform.Backend, ptr uintptr, data []byte) Errno {
	n := len(data)
	for done := 0; done < n; {
		virt := ptr + uintptr(done)
		phys, access, ok, err := as.Translate(virt)
		if err != nil || !ok || access&pagetables.FlagUser == 0 || access&pagetables.FlagWritable == 0 {
			return Fault
		}
		offset := int(virt % platform.PageSize)
		chunk := int(platform.PageSize) - offset
		if remaining := n - done; chunk > remaining {
			chunk = remaining
		}
		if err := backend.Write(phys+platform.PhysicalAddr(offset), data[done:done+chunk]); err != nil {
			return Fault
		}
		done += chunk
	}
	return Ok
}
