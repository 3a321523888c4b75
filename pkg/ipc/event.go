// Package ipc implements the message-passing objects of spec.md
// §4.6–4.8: Channel (FIFO send/receive matching), BiDirectionPipe (the
// asymmetric two-channel pair), Server (accept/connect rendezvous) and
// EventHub (asynchronous completion delivery).
//
// The in-flight request/completion split follows
// df9a71de_jacobsa-fuse__connection.go's Connection (a mutex-guarded
// map keyed by request id, completions delivered out of band from
// submission) and the teacher's own
// pkg/sentry/fsimpl/fuse/fusefs.go InitSend (submit now, completion
// delivered later). Channel's FIFO-pair-of-queues shape and its
// wildcard-or-equal matching rule are spec.md §4.6's own design, not
// borrowed from either source.
package ipc

import "github.com/thor-os/thor/pkg/capability"

// AnyTag is the wildcard value for a message's request/sequence filter:
// a submit_recv filter of AnyTag matches any send tag in that slot.
const AnyTag int64 = -1

// Status is the outcome recorded in a posted completion Event.
type Status uint32

// The completion statuses pkg/ipc itself ever posts. The full syscall
// error taxonomy (spec.md §6) lives in pkg/hel; these are the subset
// that originate inside a Channel, Server or EventHub rather than at
// syscall-argument validation time.
const (
	StatusOK Status = iota
	StatusBufferTooSmall
	StatusDismissed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBufferTooSmall:
		return "BufferTooSmall"
	case StatusDismissed:
		return "Dismissed"
	default:
		return "Status(?)"
	}
}

// Event is the record delivered to user space on a hub drain, matching
// spec.md §6's event layout: (type, error, async_id, submit_function,
// submit_object, length, msg_request, msg_seq, handle). "type" is
// implicit in which syscall submitted it and is not modeled here;
// unused fields are left zero, matching the source layout.
type Event struct {
	AsyncID        uint64
	Status         Status
	SubmitFunction uintptr
	SubmitObject   uintptr
	Length         int
	MsgRequest     int64
	MsgSeq         int64
	// Handle carries a freshly attached capability for completions that
	// produce one (SubmitAccept/SubmitConnect); zero otherwise.
	Handle capability.Handle
	// Payload holds the bytes copied into the receiver's buffer for a
	// matched SubmitRecvString completion; nil otherwise.
	Payload []byte
}
