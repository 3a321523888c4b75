// Package irqrelay implements the IRQ relay of spec.md §4.8: a static
// array of 256 per-vector publishers, each fanning a single hardware
// fire out to every thread that has submitted a wait on it, then
// clearing its subscriber list.
//
// The per-key, mutex-guarded registration/fan-out shape follows
// transport_demuxer.go's transportEndpoints (register under a lock,
// iterate and deliver to every match under the same lock), narrowed
// here from "one registration survives many deliveries" to "deliver
// once, then the registration is gone" — the relay's one-shot
// contract, not the demuxer's.
package irqrelay

import (
	"fmt"
	"sync"

	"github.com/thor-os/thor/pkg/capability"
	"github.com/thor-os/thor/pkg/ipc"
)

// VectorCount is the number of IRQ vectors the relay indexes, spanning
// every vector a narrow platform interface can report (spec.md §4.8).
const VectorCount = 256

type subscriber struct {
	hub       *ipc.EventHub
	asyncID   uint64
	submitFn  uintptr
	submitObj uintptr
}

type vector struct {
	mu          sync.Mutex
	subscribers []subscriber
}

// Relay owns all 256 per-vector subscriber lists.
type Relay struct {
	vectors [VectorCount]vector
}

// New returns an empty Relay.
func New() *Relay {
	return &Relay{}
}

// Irq is the per-vector capability payload AccessIrq(vector) attaches
// into a Universe: it closes over which vector SubmitWaitForIrq
// subscribes on.
type Irq struct {
	relay  *Relay
	vector int
}

// AccessIrq implements access_irq(vector) → Handle. vector must be in
// [0, VectorCount).
func (r *Relay) AccessIrq(vector int) (Irq, error) {
	if vector < 0 || vector >= VectorCount {
		return Irq{}, fmt.Errorf("irqrelay: vector %d out of range [0,%d)", vector, VectorCount)
	}
	return Irq{relay: r, vector: vector}, nil
}

// NewIrqDescriptor wraps irq as the capability-table payload for an
// AccessIrq handle.
func NewIrqDescriptor(irq Irq) capability.AnyDescriptor {
	return capability.NewDescriptor(capability.KindIrq, irq)
}

// SubmitWaitForIrq implements submit_wait_for_irq(irq_handle, hub_handle,
// async_id, submit_fn, submit_obj): subscribes hub for the vector's
// next fire, one-shot.
func (irq Irq) SubmitWaitForIrq(hub *ipc.EventHub, asyncID uint64, submitFn, submitObj uintptr) {
	v := &irq.relay.vectors[irq.vector]
	v.mu.Lock()
	v.subscribers = append(v.subscribers, subscriber{hub: hub, asyncID: asyncID, submitFn: submitFn, submitObj: submitObj})
	v.mu.Unlock()
}

// Fire delivers a hardware interrupt for vector; the caller invokes it
// directly, as no platform backend path calls it. Every current subscriber is
// posted an OK completion exactly once, and the subscriber list is
// then cleared — re-arming for the next fire requires a fresh
// SubmitWaitForIrq, resolving spec.md §9 Open Question (a) in favor of
// explicit per-subscriber re-arming rather than an implicit persistent
// subscription.
func (r *Relay) Fire(vectorNum int) {
	if vectorNum < 0 || vectorNum >= VectorCount {
		return
	}
	v := &r.vectors[vectorNum]
	v.mu.Lock()
	subs := v.subscribers
	v.subscribers = nil
	v.mu.Unlock()

	for _, s := range subs {
		s.hub.Post(ipc.Event{AsyncID: s.asyncID, Status: ipc.StatusOK, SubmitFunction: s.submitFn, SubmitObject: s.submitObj})
	}
}
