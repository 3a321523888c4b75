package hel

import (
	"github.com/thor-os/thor/pkg/capability"
	"github.com/thor-os/thor/pkg/ipc"
	"github.com/thor-os/thor/pkg/irqrelay"
	"github.com/thor-os/thor/pkg/sched"
)

// sysAccessIrq implements AccessIrq(vector): validates the vector
// range and attaches an Irq capability for it.
func sysAccessIrq(d *Dispatcher, t *sched.Thread, args Args) (Errno, uintptr, uintptr) {
	irq, err := d.Relay.AccessIrq(int(args[0]))
	if err != nil {
		return BadDescriptor, 0, 0
	}
	h := t.Universe().Attach(irqrelay.NewIrqDescriptor(irq))
	return Ok, uintptr(h), 0
}

// sysSubmitWaitForIrq implements SubmitWaitForIrq(irq_h, hub_h,
// async_id, sub_fn, sub_obj): a one-shot subscription, consumed on the
// vector's next Fire (spec.md §9 Open Question (a)).
func sysSubmitWaitForIrq(d *Dispatcher, t *sched.Thread, args Args) (Errno, uintptr, uintptr) {
	desc, ok := t.Universe().Get(capability.Handle(args[0]))
	if !ok || desc.Kind() != capability.KindIrq {
		return IllegalHandle, 0, 0
	}
	hubDesc, ok := t.Universe().Get(capability.Handle(args[1]))
	if !ok || hubDesc.Kind() != capability.KindEventHub {
		return IllegalHandle, 0, 0
	}
	irq := desc.Payload().(irqrelay.Irq)
	hub := hubDesc.Payload().(*ipc.EventHub)
	irq.SubmitWaitForIrq(hub, uint64(args[2]), args[3], args[4])
	return Ok, 0, 0
}
