package hel

import (
	"sync"

	"github.com/thor-os/thor/pkg/capability"
	"github.com/thor-os/thor/pkg/sched"
)

// ioCapability is the AccessIo/EnableIo port-I/O capability. There is
// no real port space behind the simulation backend (see spec.md §9's
// framing of Io as "port-I/O capability" and SPEC_FULL.md §11's
// supplemented-feature note): it is a capability-gated no-op that
// still exercises the full handle/Universe lifecycle a real port-space
// grant would.
type ioCapability struct {
	mu      sync.Mutex
	ports   []uint16
	enabled map[uint64]bool // thread id -> enabled
}

func newIoCapability(ports []uint16) *ioCapability {
	return &ioCapability{ports: ports, enabled: make(map[uint64]bool)}
}

func (c *ioCapability) enableFor(threadID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled[threadID] = true
}

// sysAccessIo implements AccessIo(ports_ptr, count): copies in the
// requested port list and attaches an Io capability naming them.
func sysAccessIo(d *Dispatcher, t *sched.Thread, args Args) (Errno, uintptr, uintptr) {
	count := int(args[1])
	if count == 0 {
		return BadDescriptor, 0, 0
	}
	raw, cerr := copyIn(t.AddressSpace(), d.Backend, args[0], count*2)
	if cerr != Ok {
		return cerr, 0, 0
	}
	ports := make([]uint16, count)
	for i := range ports {
		ports[i] = uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
	}

	h := t.Universe().Attach(capability.NewDescriptor(capability.KindIo, newIoCapability(ports)))
	return Ok, uintptr(h), 0
}

// sysEnableIo implements EnableIo(h): enables the named ports on the
// calling thread.
func sysEnableIo(d *Dispatcher, t *sched.Thread, args Args) (Errno, uintptr, uintptr) {
	desc, ok := t.Universe().Get(capability.Handle(args[0]))
	if !ok || desc.Kind() != capability.KindIo {
		return IllegalHandle, 0, 0
	}
	desc.Payload().(*ioCapability).enableFor(t.ID())
	return Ok, 0, 0
}
