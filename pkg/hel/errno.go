package hel

import "github.com/thor-os/thor/pkg/ipc"

// Errno is the syscall error taxonomy of spec.md §6, returned as the
// first result word of every syscall. It plays the role
// errors/linuxerr plays for sys_tls_amd64.go: a small sentinel-value
// type with an Error method, returned instead of panicking.
type Errno uintptr

const (
	Ok Errno = iota
	IllegalSyscall
	IllegalHandle
	NoSuchObject
	NoMemory
	BufferTooSmall
	BadDescriptor
	Timeout
	Dismissed
	Fault
)

func (e Errno) Error() string {
	switch e {
	case Ok:
		return "ok"
	case IllegalSyscall:
		return "illegal syscall"
	case IllegalHandle:
		return "illegal handle"
	case NoSuchObject:
		return "no such object"
	case NoMemory:
		return "no memory"
	case BufferTooSmall:
		return "buffer too small"
	case BadDescriptor:
		return "bad descriptor"
	case Timeout:
		return "timeout"
	case Dismissed:
		return "dismissed"
	case Fault:
		return "fault"
	default:
		return "errno(?)"
	}
}

// errnoFromStatus translates a pkg/ipc completion Status into the
// syscall-facing Errno taxonomy; it is the only seam between the two
// enumerations, since ipc.Status covers only the outcomes a Channel,
// Server or EventHub can itself produce.
func errnoFromStatus(s ipc.Status) Errno {
	switch s {
	case ipc.StatusOK:
		return Ok
	case ipc.StatusBufferTooSmall:
		return BufferTooSmall
	case ipc.StatusDismissed:
		return Dismissed
	default:
		return Fault
	}
}
