package ipc

import (
	"errors"

	"github.com/thor-os/thor/pkg/thorsync"
)

// ErrNoMemory is returned by Send when the channel's pending-message
// backlog is already at its bound. spec.md §9 Open Question (b) notes
// the source has no backpressure on SendString and recommends
// imposing one; DefaultMaxPendingMessages is that bound.
var ErrNoMemory = errors.New("ipc: channel pending-message backlog is full")

// DefaultMaxPendingMessages bounds how many sent-but-unmatched
// messages a Channel queues before Send starts failing with
// ErrNoMemory.
const DefaultMaxPendingMessages = 256

type pendingMessage struct {
	seq     uint64
	payload []byte
	request int64
	msgSeq  int64
}

type pendingReceive struct {
	seq         uint64
	request     int64
	msgSeq      int64
	capacity    int
	hub         *EventHub
	asyncID     uint64
	submitFn    uintptr
	submitObj   uintptr
}

// Channel is the half-duplex ordered message queue of spec.md §4.6: a
// FIFO of pending messages and a FIFO of pending receives, matched by
// tag.
type Channel struct {
	mu         thorsync.TicketSpinlock
	nextSeq    uint64
	maxPending int
	messages   []pendingMessage
	receives   []pendingReceive
}

// NewChannel returns an empty Channel whose pending-message backlog is
// bounded by maxPending (use DefaultMaxPendingMessages unless the
// caller has a specific reason to differ).
func NewChannel(maxPending int) *Channel {
	return &Channel{maxPending: maxPending}
}

// matches implements spec.md §4.6's matching rule: both filter values
// must be either wildcard (AnyTag) or equal to the corresponding send
// tag.
func matches(sendRequest, sendSeq, filterRequest, filterSeq int64) bool {
	if filterRequest != AnyTag && filterRequest != sendRequest {
		return false
	}
	if filterSeq != AnyTag && filterSeq != sendSeq {
		return false
	}
	return true
}

// Send implements send(buf, len, msg_request, msg_seq). If a queued
// receive matches, its completion is posted immediately; otherwise the
// payload is copied into a new pending-message record.
func (c *Channel) Send(payload []byte, request, msgSeq int64) error {
	c.mu.Lock()
	for i, r := range c.receives {
		if !matches(request, msgSeq, r.request, r.msgSeq) {
			continue
		}
		c.receives = append(c.receives[:i:i], c.receives[i+1:]...)
		c.mu.Unlock()
		deliver(r, payload, request, msgSeq)
		return nil
	}
	if len(c.messages) >= c.maxPending {
		c.mu.Unlock()
		return ErrNoMemory
	}
	c.nextSeq++
	buf := append([]byte(nil), payload...)
	c.messages = append(c.messages, pendingMessage{seq: c.nextSeq, payload: buf, request: request, msgSeq: msgSeq})
	c.mu.Unlock()
	return nil
}

// SubmitRecv implements submit_recv(buf, len, filter_request,
// filter_seq, async_id, submit_info). If a queued message matches, its
// completion is posted immediately; otherwise the receive is queued.
func (c *Channel) SubmitRecv(capacity int, request, msgSeq int64, hub *EventHub, asyncID uint64, submitFn, submitObj uintptr) {
	c.mu.Lock()
	for i, m := range c.messages {
		if !matches(m.request, m.msgSeq, request, msgSeq) {
			continue
		}
		c.messages = append(c.messages[:i:i], c.messages[i+1:]...)
		c.mu.Unlock()
		r := pendingReceive{request: request, msgSeq: msgSeq, capacity: capacity, hub: hub, asyncID: asyncID, submitFn: submitFn, submitObj: submitObj}
		deliverMessage(r, m)
		return
	}
	c.nextSeq++
	c.receives = append(c.receives, pendingReceive{
		seq: c.nextSeq, request: request, msgSeq: msgSeq, capacity: capacity,
		hub: hub, asyncID: asyncID, submitFn: submitFn, submitObj: submitObj,
	})
	c.mu.Unlock()
}

// deliver posts a matched send's payload to a pending receive's hub.
func deliver(r pendingReceive, payload []byte, request, msgSeq int64) {
	deliverMessage(r, pendingMessage{payload: payload, request: request, msgSeq: msgSeq})
}

func deliverMessage(r pendingReceive, m pendingMessage) {
	n := len(m.payload)
	status := StatusOK
	if n > r.capacity {
		n = r.capacity
		status = StatusBufferTooSmall
	}
	r.hub.Post(Event{
		AsyncID:        r.asyncID,
		Status:         status,
		SubmitFunction: r.submitFn,
		SubmitObject:   r.submitObj,
		Length:         len(m.payload),
		MsgRequest:     m.request,
		MsgSeq:         m.msgSeq,
		Payload:        append([]byte(nil), m.payload[:n]...),
	})
}

// Close discards every pending message and dismisses every pending
// receive (spec.md §9 Open Question (c)): each gets a Dismissed
// completion so no submit is ever silently forgotten.
func (c *Channel) Close() {
	c.mu.Lock()
	receives := c.receives
	c.receives = nil
	c.messages = nil
	c.mu.Unlock()

	for _, r := range receives {
		r.hub.Post(Event{
			AsyncID:        r.asyncID,
			Status:         StatusDismissed,
			SubmitFunction: r.submitFn,
			SubmitObject:   r.submitObj,
		})
	}
}
