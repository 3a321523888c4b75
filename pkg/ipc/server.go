package ipc

import (
	"github.com/thor-os/thor/pkg/capability"
	"github.com/thor-os/thor/pkg/thorsync"
)

type pendingAccept struct {
	universe  *capability.Universe
	hub       *EventHub
	asyncID   uint64
	submitFn  uintptr
	submitObj uintptr
}

type pendingConnect struct {
	universe  *capability.Universe
	hub       *EventHub
	asyncID   uint64
	submitFn  uintptr
	submitObj uintptr
}

// Server is the rendezvous point of spec.md §4.6: a pending-accept
// FIFO and a pending-connect FIFO, cross-matched in submit order.
type Server struct {
	mu                 thorsync.TicketSpinlock
	ref                thorsync.RefCount
	pipeMaxPending     int
	accepts            []pendingAccept
	connects           []pendingConnect
}

// NewServer returns an empty Server with one reference; pipes it
// produces bound their channels by pipeMaxPending.
func NewServer(pipeMaxPending int) *Server {
	return &Server{ref: thorsync.NewRefCount(), pipeMaxPending: pipeMaxPending}
}

// Retain adds a reference, taken once per descriptor (Server, Client)
// attached to it.
func (s *Server) Retain() { s.ref.Retain() }

// Release drops a reference; on the last one every still-pending
// accept/connect is dismissed.
func (s *Server) Release() {
	if !s.ref.Release() {
		return
	}
	s.mu.Lock()
	accepts := s.accepts
	connects := s.connects
	s.accepts, s.connects = nil, nil
	s.mu.Unlock()

	for _, a := range accepts {
		a.hub.Post(Event{AsyncID: a.asyncID, Status: StatusDismissed, SubmitFunction: a.submitFn, SubmitObject: a.submitObj})
	}
	for _, c := range connects {
		c.hub.Post(Event{AsyncID: c.asyncID, Status: StatusDismissed, SubmitFunction: c.submitFn, SubmitObject: c.submitObj})
	}
}

// SubmitAccept implements submit_accept(server_h, hub_h, async_id,
// submit_fn, submit_obj). If a connect is already waiting, a fresh
// pipe is created immediately and both sides' handles are attached and
// posted; otherwise the accept waits its turn.
func (s *Server) SubmitAccept(universe *capability.Universe, hub *EventHub, asyncID uint64, submitFn, submitObj uintptr) {
	s.mu.Lock()
	if len(s.connects) > 0 {
		c := s.connects[0]
		s.connects = s.connects[1:]
		s.mu.Unlock()
		s.rendezvous(universe, hub, asyncID, submitFn, submitObj, c.universe, c.hub, c.asyncID, c.submitFn, c.submitObj)
		return
	}
	s.accepts = append(s.accepts, pendingAccept{universe: universe, hub: hub, asyncID: asyncID, submitFn: submitFn, submitObj: submitObj})
	s.mu.Unlock()
}

// SubmitConnect implements submit_connect(client_h, hub_h, async_id,
// submit_fn, submit_obj), mirroring SubmitAccept.
func (s *Server) SubmitConnect(universe *capability.Universe, hub *EventHub, asyncID uint64, submitFn, submitObj uintptr) {
	s.mu.Lock()
	if len(s.accepts) > 0 {
		a := s.accepts[0]
		s.accepts = s.accepts[1:]
		s.mu.Unlock()
		s.rendezvous(a.universe, a.hub, a.asyncID, a.submitFn, a.submitObj, universe, hub, asyncID, submitFn, submitObj)
		return
	}
	s.connects = append(s.connects, pendingConnect{universe: universe, hub: hub, asyncID: asyncID, submitFn: submitFn, submitObj: submitObj})
	s.mu.Unlock()
}

// rendezvous creates a fresh pipe, attaches its first descriptor into
// the accepting side's Universe and its second into the connecting
// side's, and posts each side a completion carrying its new handle.
func (s *Server) rendezvous(
	acceptUniverse *capability.Universe, acceptHub *EventHub, acceptID uint64, acceptFn, acceptObj uintptr,
	connectUniverse *capability.Universe, connectHub *EventHub, connectID uint64, connectFn, connectObj uintptr,
) {
	pipe := NewBiDirectionPipe(s.pipeMaxPending)
	// One reference for each of the two descriptors about to be
	// attached; the pipe's constructor reference was only ever a local
	// scaffold for this function.
	pipe.Retain()

	firstHandle := acceptUniverse.Attach(NewBiDirFirstDescriptor(BiDirFirstEndpoint{Pipe: pipe}))
	secondHandle := connectUniverse.Attach(NewBiDirSecondDescriptor(BiDirSecondEndpoint{Pipe: pipe}))

	acceptHub.Post(Event{AsyncID: acceptID, Status: StatusOK, SubmitFunction: acceptFn, SubmitObject: acceptObj, Handle: firstHandle})
	connectHub.Post(Event{AsyncID: connectID, Status: StatusOK, SubmitFunction: connectFn, SubmitObject: connectObj, Handle: secondHandle})
}

// NewServerDescriptor wraps s as the capability-table payload for a
// CreateServer server_h, the accepting side.
func NewServerDescriptor(s *Server) capability.AnyDescriptor {
	return capability.NewDescriptor(capability.KindServer, s)
}

// NewClientDescriptor wraps s as the capability-table payload for a
// CreateServer client_h, the connecting side. Both descriptors name
// the same *Server; only the syscall handler's choice of SubmitAccept
// vs. SubmitConnect distinguishes their role.
func NewClientDescriptor(s *Server) capability.AnyDescriptor {
	return capability.NewDescriptor(capability.KindClient, s)
}
