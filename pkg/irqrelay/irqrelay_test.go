package irqrelay

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thor-os/thor/pkg/ipc"
)

func TestAccessIrqRejectsOutOfRangeVector(t *testing.T) {
	r := New()
	_, err := r.AccessIrq(-1)
	require.Error(t, err)
	_, err = r.AccessIrq(VectorCount)
	require.Error(t, err)
}

func TestFireDeliversToSingleSubscriber(t *testing.T) {
	r := New()
	irq, err := r.AccessIrq(1)
	require.NoError(t, err)
	hub := ipc.NewEventHub()

	irq.SubmitWaitForIrq(hub, 42, 0, 0)
	r.Fire(1)

	evs := hub.WaitForEvents(1, -1)
	require.Len(t, evs, 1)
	require.Equal(t, uint64(42), evs[0].AsyncID)
	require.Equal(t, ipc.StatusOK, evs[0].Status)
}

func TestFireDeliversToAllSubscribersExactlyOnce(t *testing.T) {
	r := New()
	irq, err := r.AccessIrq(3)
	require.NoError(t, err)
	hubA := ipc.NewEventHub()
	hubB := ipc.NewEventHub()

	irq.SubmitWaitForIrq(hubA, 1, 0, 0)
	irq.SubmitWaitForIrq(hubB, 2, 0, 0)
	r.Fire(3)

	require.Len(t, hubA.WaitForEvents(1, -1), 1)
	require.Len(t, hubB.WaitForEvents(1, -1), 1)

	r.Fire(3)
	require.Empty(t, hubA.WaitForEvents(1, 0))
	require.Empty(t, hubB.WaitForEvents(1, 0))
}

func TestFireRequiresResubmissionPerFire(t *testing.T) {
	r := New()
	irq, err := r.AccessIrq(7)
	require.NoError(t, err)
	hub := ipc.NewEventHub()

	irq.SubmitWaitForIrq(hub, 1, 0, 0)
	r.Fire(7)
	require.Len(t, hub.WaitForEvents(1, -1), 1)

	r.Fire(7)
	require.Empty(t, hub.WaitForEvents(1, 0))

	irq.SubmitWaitForIrq(hub, 2, 0, 0)
	r.Fire(7)
	evs := hub.WaitForEvents(1, -1)
	require.Len(t, evs, 1)
	require.Equal(t, uint64(2), evs[0].AsyncID)
}

func TestFireOnVectorWithNoSubscribersIsNoop(t *testing.T) {
	r := New()
	require.NotPanics(t, func() { r.Fire(200) })
}

func TestFiresOnDistinctVectorsDoNotCrossDeliver(t *testing.T) {
	r := New()
	irqA, err := r.AccessIrq(1)
	require.NoError(t, err)
	irqB, err := r.AccessIrq(2)
	require.NoError(t, err)
	hub := ipc.NewEventHub()

	irqA.SubmitWaitForIrq(hub, 1, 0, 0)
	irqB.SubmitWaitForIrq(hub, 2, 0, 0)
	r.Fire(1)

	evs := hub.WaitForEvents(1, -1)
	require.Len(t, evs, 1)
	require.Equal(t, uint64(1), evs[0].AsyncID)
}
