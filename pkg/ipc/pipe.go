package ipc

import (
	"github.com/thor-os/thor/pkg/capability"
	"github.com/thor-os/thor/pkg/thorsync"
)

// BiDirectionPipe is the shared-owned pair of Channels backing a
// connected pipe (spec.md §3, §4.6). Its two Channels are addressed
// "first" and "second" from the BiDirFirstDescriptor's point of view;
// the asymmetric send/recv wiring lives on the endpoint wrappers
// below, not on the pipe itself.
type BiDirectionPipe struct {
	ref    thorsync.RefCount
	first  *Channel
	second *Channel
}

// NewBiDirectionPipe creates a pipe with one reference, each Channel
// bounded by maxPending pending messages.
func NewBiDirectionPipe(maxPending int) *BiDirectionPipe {
	return &BiDirectionPipe{ref: thorsync.NewRefCount(), first: NewChannel(maxPending), second: NewChannel(maxPending)}
}

// Retain adds a reference, taken once per descriptor attached to it.
func (p *BiDirectionPipe) Retain() { p.ref.Retain() }

// Release drops a reference; on the last one both channels are closed,
// dismissing any submits still in flight.
func (p *BiDirectionPipe) Release() {
	if !p.ref.Release() {
		return
	}
	p.first.Close()
	p.second.Close()
}

// BiDirFirstEndpoint is the "first" side of a pipe: send targets the
// pipe's second channel, recv reads from the first.
type BiDirFirstEndpoint struct{ Pipe *BiDirectionPipe }

func (e BiDirFirstEndpoint) Send(payload []byte, request, msgSeq int64) error {
	return e.Pipe.second.Send(payload, request, msgSeq)
}

func (e BiDirFirstEndpoint) SubmitRecv(capacity int, request, msgSeq int64, hub *EventHub, asyncID uint64, submitFn, submitObj uintptr) {
	e.Pipe.first.SubmitRecv(capacity, request, msgSeq, hub, asyncID, submitFn, submitObj)
}

// Release drops this endpoint's reference on the shared pipe, so a
// Universe can release a BiDirFirst descriptor generically (see
// capability.Universe.Release).
func (e BiDirFirstEndpoint) Release() { e.Pipe.Release() }

// BiDirSecondEndpoint mirrors BiDirFirstEndpoint: send targets first,
// recv reads from second.
type BiDirSecondEndpoint struct{ Pipe *BiDirectionPipe }

func (e BiDirSecondEndpoint) Send(payload []byte, request, msgSeq int64) error {
	return e.Pipe.first.Send(payload, request, msgSeq)
}

func (e BiDirSecondEndpoint) SubmitRecv(capacity int, request, msgSeq int64, hub *EventHub, asyncID uint64, submitFn, submitObj uintptr) {
	e.Pipe.second.SubmitRecv(capacity, request, msgSeq, hub, asyncID, submitFn, submitObj)
}

// Release mirrors BiDirFirstEndpoint.Release.
func (e BiDirSecondEndpoint) Release() { e.Pipe.Release() }

// NewBiDirFirstDescriptor wraps e as the capability-table payload for
// a BiDirFirst handle.
func NewBiDirFirstDescriptor(e BiDirFirstEndpoint) capability.AnyDescriptor {
	return capability.NewDescriptor(capability.KindBiDirFirst, e)
}

// NewBiDirSecondDescriptor wraps e as the capability-table payload for
// a BiDirSecond handle.
func NewBiDirSecondDescriptor(e BiDirSecondEndpoint) capability.AnyDescriptor {
	return capability.NewDescriptor(capability.KindBiDirSecond, e)
}
