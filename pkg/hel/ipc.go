package hel

import (
	"time"

	"github.com/thor-os/thor/pkg/capability"
	"github.com/thor-os/thor/pkg/ipc"
	"github.com/thor-os/thor/pkg/sched"
)

// sendEndpoint and recvEndpoint are the shapes BiDirFirstEndpoint and
// BiDirSecondEndpoint both satisfy; asserting against them rather than
// the concrete types lets sysSendString/sysSubmitRecvString treat
// either side of a pipe identically.
type sendEndpoint interface {
	Send(payload []byte, request, msgSeq int64) error
}

type recvEndpoint interface {
	SubmitRecv(capacity int, request, msgSeq int64, hub *ipc.EventHub, asyncID uint64, submitFn, submitObj uintptr)
}

func sysCreateEventHub(d *Dispatcher, t *sched.Thread, args Args) (Errno, uintptr, uintptr) {
	hub := ipc.NewEventHub()
	h := t.Universe().Attach(capability.NewDescriptor(capability.KindEventHub, hub))
	return Ok, uintptr(h), 0
}

// eventWords is the word count of one user-space event record (spec.md
// §6 event layout): type, error, async_id, submit_function,
// submit_object, length, msg_request, msg_seq, handle.
const eventWords = 9

// sysWaitForEvents implements WaitForEvents(hub_h, evbuf, cap, ns):
// drains up to cap completions (blocking up to ns, or indefinitely if
// ns < 0), copies each one's fixed-size record into evbuf, and copies
// any recv payload into the buffer its SubmitRecvString remembered.
func sysWaitForEvents(d *Dispatcher, t *sched.Thread, args Args) (Errno, uintptr, uintptr) {
	desc, ok := t.Universe().Get(capability.Handle(args[0]))
	if !ok || desc.Kind() != capability.KindEventHub {
		return IllegalHandle, 0, 0
	}
	hub := desc.Payload().(*ipc.EventHub)

	maxEvents := int(args[2])
	ns := int64(args[3])
	timeout := time.Duration(ns)
	if ns < 0 {
		timeout = -1
	}

	events := hub.WaitForEvents(maxEvents, timeout)
	if len(events) > maxEvents {
		events = events[:maxEvents]
	}

	as := t.AddressSpace()
	for i, ev := range events {
		if len(ev.Payload) > 0 {
			if pb, ok := d.takePendingBuffer(ev.AsyncID); ok {
				if cerr := copyOut(pb.as, d.Backend, pb.ptr, ev.Payload); cerr != Ok {
					return cerr, 0, 0
				}
			}
		} else {
			d.discardPendingBuffer(ev.AsyncID)
		}

		rec := encodeEvent(ev)
		if cerr := copyOut(as, d.Backend, args[1]+uintptr(i*eventWords*8), rec); cerr != Ok {
			return cerr, 0, 0
		}
	}
	return Ok, uintptr(len(events)), 0
}

func encodeEvent(ev ipc.Event) []byte {
	buf := make([]byte, eventWords*8)
	putWord(buf, 0, 0) // type: not modeled, always zero (see pkg/ipc's Event doc)
	putWord(buf, 1, uint64(errnoFromStatus(ev.Status)))
	putWord(buf, 2, ev.AsyncID)
	putWord(buf, 3, uint64(ev.SubmitFunction))
	putWord(buf, 4, uint64(ev.SubmitObject))
	putWord(buf, 5, uint64(ev.Length))
	putWord(buf, 6, uint64(ev.MsgRequest))
	putWord(buf, 7, uint64(ev.MsgSeq))
	putWord(buf, 8, uint64(ev.Handle))
	return buf
}

func putWord(buf []byte, slot int, v uint64) {
	off := slot * 8
	for i := 0; i < 8; i++ {
		buf[off+i] = byte(v >> (8 * i))
	}
}

// sysCreateBiDirectionPipe implements CreateBiDirectionPipe(): a fresh
// pipe with both endpoint descriptors attached to the caller, one
// reference apiece.
func sysCreateBiDirectionPipe(d *Dispatcher, t *sched.Thread, args Args) (Errno, uintptr, uintptr) {
	pipe := ipc.NewBiDirectionPipe(ipc.DefaultMaxPendingMessages)
	pipe.Retain()

	u := t.Universe()
	first := u.Attach(ipc.NewBiDirFirstDescriptor(ipc.BiDirFirstEndpoint{Pipe: pipe}))
	second := u.Attach(ipc.NewBiDirSecondDescriptor(ipc.BiDirSecondEndpoint{Pipe: pipe}))
	return Ok, uintptr(first), uintptr(second)
}

// sysSendString implements SendString(h, buf, len, msg_req, msg_seq).
func sysSendString(d *Dispatcher, t *sched.Thread, args Args) (Errno, uintptr, uintptr) {
	desc, ok := t.Universe().Get(capability.Handle(args[0]))
	if !ok {
		return IllegalHandle, 0, 0
	}
	sender, ok := desc.Payload().(sendEndpoint)
	if !ok {
		return BadDescriptor, 0, 0
	}
	payload, cerr := copyIn(t.AddressSpace(), d.Backend, args[1], int(args[2]))
	if cerr != Ok {
		return cerr, 0, 0
	}
	if err := sender.Send(payload, int64(args[3]), int64(args[4])); err != nil {
		return NoMemory, 0, 0
	}
	return Ok, 0, 0
}

// sysSubmitRecvString implements SubmitRecvString(h, hub_h, buf, len,
// filter_req, filter_seq, async_id, sub_fn, sub_obj). The recv buffer
// pointer is remembered under async_id so the eventual completion's
// payload can be copied into it (see Dispatcher.pending's doc
// comment).
func sysSubmitRecvString(d *Dispatcher, t *sched.Thread, args Args) (Errno, uintptr, uintptr) {
	endpointDesc, ok := t.Universe().Get(capability.Handle(args[0]))
	if !ok {
		return IllegalHandle, 0, 0
	}
	receiver, ok := endpointDesc.Payload().(recvEndpoint)
	if !ok {
		return BadDescriptor, 0, 0
	}
	hubDesc, ok := t.Universe().Get(capability.Handle(args[1]))
	if !ok || hubDesc.Kind() != capability.KindEventHub {
		return IllegalHandle, 0, 0
	}
	hub := hubDesc.Payload().(*ipc.EventHub)

	asyncID := uint64(args[6])
	d.rememberPendingBuffer(asyncID, t.AddressSpace(), args[2])
	receiver.SubmitRecv(int(args[3]), int64(args[4]), int64(args[5]), hub, asyncID, args[7], args[8])
	return Ok, 0, 0
}

func sysCreateServer(d *Dispatcher, t *sched.Thread, args Args) (Errno, uintptr, uintptr) {
	srv := ipc.NewServer(ipc.DefaultMaxPendingMessages)
	srv.Retain() // one reference per descriptor attached below

	u := t.Universe()
	serverH := u.Attach(ipc.NewServerDescriptor(srv))
	clientH := u.Attach(ipc.NewClientDescriptor(srv))
	return Ok, uintptr(serverH), uintptr(clientH)
}

func sysSubmitAccept(d *Dispatcher, t *sched.Thread, args Args) (Errno, uintptr, uintptr) {
	desc, ok := t.Universe().Get(capability.Handle(args[0]))
	if !ok || desc.Kind() != capability.KindServer {
		return IllegalHandle, 0, 0
	}
	hubDesc, ok := t.Universe().Get(capability.Handle(args[1]))
	if !ok || hubDesc.Kind() != capability.KindEventHub {
		return IllegalHandle, 0, 0
	}
	srv := desc.Payload().(*ipc.Server)
	hub := hubDesc.Payload().(*ipc.EventHub)
	srv.SubmitAccept(t.Universe(), hub, uint64(args[2]), args[3], args[4])
	return Ok, 0, 0
}

func sysSubmitConnect(d *Dispatcher, t *sched.Thread, args Args) (Errno, uintptr, uintptr) {
	desc, ok := t.Universe().Get(capability.Handle(args[0]))
	if !ok || desc.Kind() != capability.KindClient {
		return IllegalHandle, 0, 0
	}
	hubDesc, ok := t.Universe().Get(capability.Handle(args[1]))
	if !ok || hubDesc.Kind() != capability.KindEventHub {
		return IllegalHandle, 0, 0
	}
	srv := desc.Payload().(*ipc.Server)
	hub := hubDesc.Payload().(*ipc.EventHub)
	srv.SubmitConnect(t.Universe(), hub, uint64(args[2]), args[3], args[4])
	return Ok, 0, 0
}
