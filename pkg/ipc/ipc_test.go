package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thor-os/thor/pkg/capability"
)

func TestChannelSendThenMatchingRecvDeliversImmediately(t *testing.T) {
	c := NewChannel(DefaultMaxPendingMessages)
	hub := NewEventHub()

	require.NoError(t, c.Send([]byte("hello"), 0, 0))
	c.SubmitRecv(16, AnyTag, AnyTag, hub, 7, 0, 0)

	evs := hub.WaitForEvents(1, -1)
	require.Len(t, evs, 1)
	require.Equal(t, uint64(7), evs[0].AsyncID)
	require.Equal(t, StatusOK, evs[0].Status)
	require.Equal(t, "hello", string(evs[0].Payload))
}

func TestChannelRecvThenMatchingSendDeliversImmediately(t *testing.T) {
	c := NewChannel(DefaultMaxPendingMessages)
	hub := NewEventHub()

	c.SubmitRecv(16, AnyTag, AnyTag, hub, 7, 0, 0)
	require.NoError(t, c.Send([]byte("hello"), 0, 0))

	evs := hub.WaitForEvents(1, -1)
	require.Len(t, evs, 1)
	require.Equal(t, uint64(7), evs[0].AsyncID)
	require.Equal(t, 5, evs[0].Length)
	require.Equal(t, "hello", string(evs[0].Payload))
}

func TestChannelMatchingRespectsRequestAndSeqFilters(t *testing.T) {
	c := NewChannel(DefaultMaxPendingMessages)
	hub := NewEventHub()

	c.SubmitRecv(16, 5, AnyTag, hub, 1, 0, 0)
	require.NoError(t, c.Send([]byte("nope"), 9, 0))
	require.Empty(t, hub.WaitForEvents(1, 0))

	require.NoError(t, c.Send([]byte("yep"), 5, 0))
	evs := hub.WaitForEvents(1, -1)
	require.Len(t, evs, 1)
	require.Equal(t, "yep", string(evs[0].Payload))
}

func TestChannelPreservesSendOrderAmongMultipleMatches(t *testing.T) {
	c := NewChannel(DefaultMaxPendingMessages)
	hub := NewEventHub()

	require.NoError(t, c.Send([]byte("first"), 0, 0))
	require.NoError(t, c.Send([]byte("second"), 0, 0))
	require.NoError(t, c.Send([]byte("third"), 0, 0))

	for i, want := range []string{"first", "second", "third"} {
		c.SubmitRecv(16, AnyTag, AnyTag, hub, uint64(i), 0, 0)
		evs := hub.WaitForEvents(1, -1)
		require.Len(t, evs, 1)
		require.Equal(t, want, string(evs[0].Payload))
	}
}

func TestChannelTruncatesIntoUndersizedBufferAndReportsFullLength(t *testing.T) {
	c := NewChannel(DefaultMaxPendingMessages)
	hub := NewEventHub()

	require.NoError(t, c.Send([]byte("hello world"), 0, 0))
	c.SubmitRecv(5, AnyTag, AnyTag, hub, 1, 0, 0)

	evs := hub.WaitForEvents(1, -1)
	require.Len(t, evs, 1)
	require.Equal(t, StatusBufferTooSmall, evs[0].Status)
	require.Equal(t, 11, evs[0].Length)
	require.Equal(t, "hello", string(evs[0].Payload))
}

func TestChannelSendBackpressureReturnsNoMemory(t *testing.T) {
	c := NewChannel(2)
	require.NoError(t, c.Send([]byte("a"), 0, 0))
	require.NoError(t, c.Send([]byte("b"), 0, 0))
	require.ErrorIs(t, c.Send([]byte("c"), 0, 0), ErrNoMemory)
}

func TestChannelCloseDismissesPendingReceives(t *testing.T) {
	c := NewChannel(DefaultMaxPendingMessages)
	hub := NewEventHub()
	c.SubmitRecv(16, AnyTag, AnyTag, hub, 3, 0, 0)

	c.Close()

	evs := hub.WaitForEvents(1, -1)
	require.Len(t, evs, 1)
	require.Equal(t, StatusDismissed, evs[0].Status)
	require.Equal(t, uint64(3), evs[0].AsyncID)
}

func TestEventHubWaitForEventsTimesOutEmpty(t *testing.T) {
	hub := NewEventHub()
	start := time.Now()
	evs := hub.WaitForEvents(1, 10*time.Millisecond)
	require.Empty(t, evs)
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestEventHubWaitForEventsZeroTimeoutReturnsImmediately(t *testing.T) {
	hub := NewEventHub()
	require.Empty(t, hub.WaitForEvents(1, 0))
}

// TestPipeEcho is the spec's pipe-echo scenario: a SubmitRecvString on
// the second endpoint is satisfied by a SendString on the first.
func TestPipeEcho(t *testing.T) {
	pipe := NewBiDirectionPipe(DefaultMaxPendingMessages)
	first := BiDirFirstEndpoint{Pipe: pipe}
	second := BiDirSecondEndpoint{Pipe: pipe}
	hub := NewEventHub()

	second.SubmitRecv(5, AnyTag, AnyTag, hub, 7, 0, 0)
	require.NoError(t, first.Send([]byte("hello"), 0, 0))

	evs := hub.WaitForEvents(1, -1)
	require.Len(t, evs, 1)
	require.Equal(t, uint64(7), evs[0].AsyncID)
	require.Equal(t, 5, evs[0].Length)
	require.Equal(t, "hello", string(evs[0].Payload))
}

func TestPipeIsFullDuplex(t *testing.T) {
	pipe := NewBiDirectionPipe(DefaultMaxPendingMessages)
	first := BiDirFirstEndpoint{Pipe: pipe}
	second := BiDirSecondEndpoint{Pipe: pipe}
	hub := NewEventHub()

	first.SubmitRecv(5, AnyTag, AnyTag, hub, 1, 0, 0)
	require.NoError(t, second.Send([]byte("reply"), 0, 0))
	evs := hub.WaitForEvents(1, -1)
	require.Len(t, evs, 1)
	require.Equal(t, "reply", string(evs[0].Payload))
}

func TestPipeReleaseDismissesInFlightSubmits(t *testing.T) {
	pipe := NewBiDirectionPipe(DefaultMaxPendingMessages)
	first := BiDirFirstEndpoint{Pipe: pipe}
	hub := NewEventHub()
	first.SubmitRecv(5, AnyTag, AnyTag, hub, 9, 0, 0)

	pipe.Release()

	evs := hub.WaitForEvents(1, -1)
	require.Len(t, evs, 1)
	require.Equal(t, StatusDismissed, evs[0].Status)
}

// TestServerRendezvous is the spec's server-rendezvous scenario: a
// SubmitAccept and a SubmitConnect cross-match into a fresh pipe, and
// both sides observe each other's traffic on it.
func TestServerRendezvous(t *testing.T) {
	srv := NewServer(DefaultMaxPendingMessages)
	acceptUniverse := capability.NewUniverse()
	connectUniverse := capability.NewUniverse()
	hub := NewEventHub()

	srv.SubmitAccept(acceptUniverse, hub, 1, 0, 0)
	srv.SubmitConnect(connectUniverse, hub, 2, 0, 0)

	evs := hub.WaitForEvents(2, -1)
	require.Len(t, evs, 2)

	var acceptHandle, connectHandle capability.Handle
	for _, ev := range evs {
		switch ev.AsyncID {
		case 1:
			acceptHandle = ev.Handle
		case 2:
			connectHandle = ev.Handle
		default:
			t.Fatalf("unexpected async id %d", ev.AsyncID)
		}
	}
	require.NotZero(t, acceptHandle)
	require.NotZero(t, connectHandle)

	acceptDesc, ok := acceptUniverse.Get(acceptHandle)
	require.True(t, ok)
	require.Equal(t, capability.KindBiDirFirst, acceptDesc.Kind())
	firstEnd := acceptDesc.Payload().(BiDirFirstEndpoint)

	connectDesc, ok := connectUniverse.Get(connectHandle)
	require.True(t, ok)
	require.Equal(t, capability.KindBiDirSecond, connectDesc.Kind())
	secondEnd := connectDesc.Payload().(BiDirSecondEndpoint)

	echoHub := NewEventHub()
	secondEnd.SubmitRecv(16, AnyTag, AnyTag, echoHub, 99, 0, 0)
	require.NoError(t, firstEnd.Send([]byte("ping"), 0, 0))
	echoed := echoHub.WaitForEvents(1, -1)
	require.Len(t, echoed, 1)
	require.Equal(t, "ping", string(echoed[0].Payload))
}

func TestServerUnmatchedSubmitsWaitForTheirCounterpart(t *testing.T) {
	srv := NewServer(DefaultMaxPendingMessages)
	acceptUniverse := capability.NewUniverse()
	hub := NewEventHub()

	srv.SubmitAccept(acceptUniverse, hub, 1, 0, 0)
	require.Empty(t, hub.WaitForEvents(1, 0))
}

func TestServerReleaseDismissesPendingSubmits(t *testing.T) {
	srv := NewServer(DefaultMaxPendingMessages)
	acceptUniverse := capability.NewUniverse()
	hub := NewEventHub()
	srv.SubmitAccept(acceptUniverse, hub, 5, 0, 0)

	srv.Release()

	evs := hub.WaitForEvents(1, -1)
	require.Len(t, evs, 1)
	require.Equal(t, StatusDismissed, evs[0].Status)
}
