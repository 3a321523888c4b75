package hel

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thor-os/thor/pkg/capability"
	"github.com/thor-os/thor/pkg/irqrelay"
	"github.com/thor-os/thor/pkg/pagetables"
	"github.com/thor-os/thor/pkg/platform"
	"github.com/thor-os/thor/pkg/pmm"
	"github.com/thor-os/thor/pkg/sched"
	"github.com/thor-os/thor/pkg/vm"
)

type env struct {
	d         *Dispatcher
	universe  *capability.Universe
	as        *vm.AddressSpace
	scheduler *sched.Scheduler
	alloc     *pmm.Allocator
	backend   *platform.SimBackend
	th        *sched.Thread
}

// newEnv builds one simulated process (Universe + AddressSpace) with a
// Dispatcher wired against it, plus a Thread whose entry blocks itself
// on its first slice and then parks forever, so it is safe to call
// d.Syscall(e.th, ...) directly from the test goroutine, and a test
// that starts the Scheduler's Run loop gets the CPU back from it right
// away.
func newEnv(t *testing.T) *env {
	t.Helper()
	backend := platform.NewSimBackend()
	t.Cleanup(func() { require.NoError(t, backend.Close()) })

	alloc, err := pmm.New(backend, 256*platform.PageSize)
	require.NoError(t, err)
	master, err := pagetables.New(backend, alloc)
	require.NoError(t, err)
	as, err := vm.New(alloc, master)
	require.NoError(t, err)
	universe := capability.NewUniverse()

	s := sched.New()
	relay := irqrelay.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(alloc, s, relay, backend, logger)

	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	th := s.CreateThread(func(ct *sched.Thread) {
		ct.CheckIn()
		ct.Block()
		<-stop
	}, 0, universe, as)

	return &env{d: d, universe: universe, as: as, scheduler: s, alloc: alloc, backend: backend, th: th}
}

// scratch maps a fresh, zeroed n-byte buffer into e's AddressSpace and
// returns its base virtual address, for use as a syscall buffer
// argument.
func (e *env) scratch(t *testing.T, n uintptr) uintptr {
	t.Helper()
	pages := (n + platform.PageSize - 1) / platform.PageSize
	if pages == 0 {
		pages = 1
	}
	mem := vm.NewMemory(e.alloc)
	for i := uintptr(0); i < pages; i++ {
		phys, err := e.alloc.Allocate(platform.PageSize)
		require.NoError(t, err)
		mem.AddPage(phys)
	}
	mp, err := e.as.Allocate(pages * platform.PageSize)
	require.NoError(t, err)
	require.NoError(t, e.as.InstallMemory(mp, mem))
	return mp.Base
}

func (e *env) write(t *testing.T, ptr uintptr, data []byte) {
	t.Helper()
	require.Equal(t, Ok, copyOut(e.as, e.backend, ptr, data))
}

func (e *env) read(t *testing.T, ptr uintptr, n int) []byte {
	t.Helper()
	buf, err := copyIn(e.as, e.backend, ptr, n)
	require.Equal(t, Ok, err)
	return buf
}

func decodeEventAt(e *env, t *testing.T, evbuf uintptr, index int) (asyncID uint64, errno Errno, length int, msgReq, msgSeq int64, handle capability.Handle) {
	t.Helper()
	rec := e.read(t, evbuf+uintptr(index*eventWords*8), eventWords*8)
	word := func(slot int) uint64 {
		var v uint64
		for i := 0; i < 8; i++ {
			v |= uint64(rec[slot*8+i]) << (8 * i)
		}
		return v
	}
	errno = Errno(word(1))
	asyncID = word(2)
	length = int(word(5))
	msgReq = int64(word(6))
	msgSeq = int64(word(7))
	handle = capability.Handle(word(8))
	return
}

func TestPipeEchoViaSyscalls(t *testing.T) {
	e := newEnv(t)

	errno, first, second := e.d.Syscall(e.th, uintptr(SysCreateBiDirectionPipe), Args{})
	require.Equal(t, uintptr(Ok), errno)

	errno, hub, _ := e.d.Syscall(e.th, uintptr(SysCreateEventHub), Args{})
	require.Equal(t, uintptr(Ok), errno)

	recvBuf := e.scratch(t, 5)
	errno, _, _ = e.d.Syscall(e.th, uintptr(SysSubmitRecvString), Args{second, hub, recvBuf, 5, ^uintptr(0), ^uintptr(0), 7})
	require.Equal(t, uintptr(Ok), errno)

	sendBuf := e.scratch(t, 5)
	e.write(t, sendBuf, []byte("hello"))
	errno, _, _ = e.d.Syscall(e.th, uintptr(SysSendString), Args{first, sendBuf, 5, 0, 0})
	require.Equal(t, uintptr(Ok), errno)

	evbuf := e.scratch(t, eventWords*8)
	errno, count, _ := e.d.Syscall(e.th, uintptr(SysWaitForEvents), Args{hub, evbuf, 1, ^uintptr(0)})
	require.Equal(t, uintptr(Ok), errno)
	require.EqualValues(t, 1, count)

	asyncID, evErrno, length, msgReq, msgSeq, _ := decodeEventAt(e, t, evbuf, 0)
	require.EqualValues(t, 7, asyncID)
	require.Equal(t, Ok, evErrno)
	require.Equal(t, 5, length)
	require.Zero(t, msgReq)
	require.Zero(t, msgSeq)
	require.Equal(t, []byte("hello"), e.read(t, recvBuf, 5))
}

func TestServerRendezvousViaSyscalls(t *testing.T) {
	e := newEnv(t)

	errno, srv, clt := e.d.Syscall(e.th, uintptr(SysCreateServer), Args{})
	require.Equal(t, uintptr(Ok), errno)
	errno, hub, _ := e.d.Syscall(e.th, uintptr(SysCreateEventHub), Args{})
	require.Equal(t, uintptr(Ok), errno)

	errno, _, _ = e.d.Syscall(e.th, uintptr(SysSubmitAccept), Args{srv, hub, 1})
	require.Equal(t, uintptr(Ok), errno)
	errno, _, _ = e.d.Syscall(e.th, uintptr(SysSubmitConnect), Args{clt, hub, 2})
	require.Equal(t, uintptr(Ok), errno)

	evbuf := e.scratch(t, 2*eventWords*8)
	errno, count, _ := e.d.Syscall(e.th, uintptr(SysWaitForEvents), Args{hub, evbuf, 2, ^uintptr(0)})
	require.Equal(t, uintptr(Ok), errno)
	require.EqualValues(t, 2, count)

	id0, _, _, _, _, h0 := decodeEventAt(e, t, evbuf, 0)
	id1, _, _, _, _, h1 := decodeEventAt(e, t, evbuf, 1)
	ids := map[uint64]capability.Handle{id0: h0, id1: h1}
	require.Contains(t, ids, uint64(1))
	require.Contains(t, ids, uint64(2))
	acceptSideHandle := ids[1]
	connectSideHandle := ids[2]

	recvBuf := e.scratch(t, 3)
	errno, _, _ = e.d.Syscall(e.th, uintptr(SysSubmitRecvString), Args{uintptr(connectSideHandle), hub, recvBuf, 3, ^uintptr(0), ^uintptr(0), 99})
	require.Equal(t, uintptr(Ok), errno)

	sendBuf := e.scratch(t, 3)
	e.write(t, sendBuf, []byte("hey"))
	errno, _, _ = e.d.Syscall(e.th, uintptr(SysSendString), Args{uintptr(acceptSideHandle), sendBuf, 3, 0, 0})
	require.Equal(t, uintptr(Ok), errno)

	errno, count, _ = e.d.Syscall(e.th, uintptr(SysWaitForEvents), Args{hub, evbuf, 1, ^uintptr(0)})
	require.Equal(t, uintptr(Ok), errno)
	require.EqualValues(t, 1, count)
	echoID, _, echoLen, _, _, _ := decodeEventAt(e, t, evbuf, 0)
	require.EqualValues(t, 99, echoID)
	require.Equal(t, 3, echoLen)
	require.Equal(t, []byte("hey"), e.read(t, recvBuf, 3))
}

func TestCloseDescriptorThenAnyOperationReturnsIllegalHandle(t *testing.T) {
	e := newEnv(t)

	errno, h, _ := e.d.Syscall(e.th, uintptr(SysAllocateMemory), Args{uintptr(platform.PageSize)})
	require.Equal(t, uintptr(Ok), errno)

	errno, _, _ = e.d.Syscall(e.th, uintptr(SysCloseDescriptor), Args{h})
	require.Equal(t, uintptr(Ok), errno)

	errno, _, _ = e.d.Syscall(e.th, uintptr(SysMemoryInfo), Args{h})
	require.Equal(t, uintptr(IllegalHandle), errno)

	errno, _, _ = e.d.Syscall(e.th, uintptr(SysCloseDescriptor), Args{h})
	require.Equal(t, uintptr(IllegalHandle), errno, "a handle must not be closable twice")
}

func TestHandleMonotonicityAcrossAttachCloseReattach(t *testing.T) {
	e := newEnv(t)

	var handles []uintptr
	for i := 0; i < 5; i++ {
		errno, h, _ := e.d.Syscall(e.th, uintptr(SysAllocateMemory), Args{uintptr(platform.PageSize)})
		require.Equal(t, uintptr(Ok), errno)
		handles = append(handles, h)
	}
	for i := 0; i < len(handles); i += 2 {
		errno, _, _ := e.d.Syscall(e.th, uintptr(SysCloseDescriptor), Args{handles[i]})
		require.Equal(t, uintptr(Ok), errno)
	}

	errno, fresh, _ := e.d.Syscall(e.th, uintptr(SysAllocateMemory), Args{uintptr(platform.PageSize)})
	require.Equal(t, uintptr(Ok), errno)
	for _, h := range handles {
		require.Greater(t, fresh, h)
	}
}

func TestWaitForEventsTimesOutEmpty(t *testing.T) {
	e := newEnv(t)
	errno, hub, _ := e.d.Syscall(e.th, uintptr(SysCreateEventHub), Args{})
	require.Equal(t, uintptr(Ok), errno)

	evbuf := e.scratch(t, eventWords*8)
	start := time.Now()
	errno, count, _ := e.d.Syscall(e.th, uintptr(SysWaitForEvents), Args{hub, evbuf, 1, uintptr(int64(time.Millisecond))})
	elapsed := time.Since(start)

	require.Equal(t, uintptr(Ok), errno)
	require.Zero(t, count)
	require.Less(t, elapsed, 500*time.Millisecond)
}

func TestIrqDeliveryViaSyscalls(t *testing.T) {
	e := newEnv(t)
	errno, irqH, _ := e.d.Syscall(e.th, uintptr(SysAccessIrq), Args{1})
	require.Equal(t, uintptr(Ok), errno)
	errno, hub, _ := e.d.Syscall(e.th, uintptr(SysCreateEventHub), Args{})
	require.Equal(t, uintptr(Ok), errno)
	errno, _, _ = e.d.Syscall(e.th, uintptr(SysSubmitWaitForIrq), Args{irqH, hub, 42})
	require.Equal(t, uintptr(Ok), errno)

	e.d.Relay.Fire(1)

	evbuf := e.scratch(t, eventWords*8)
	errno, count, _ := e.d.Syscall(e.th, uintptr(SysWaitForEvents), Args{hub, evbuf, 1, ^uintptr(0)})
	require.Equal(t, uintptr(Ok), errno)
	require.EqualValues(t, 1, count)
	asyncID, evErrno, _, _, _, _ := decodeEventAt(e, t, evbuf, 0)
	require.EqualValues(t, 42, asyncID)
	require.Equal(t, Ok, evErrno)
}

func TestAllocateMapAndRoundTripMemory(t *testing.T) {
	e := newEnv(t)
	errno, memH, _ := e.d.Syscall(e.th, uintptr(SysAllocateMemory), Args{8192})
	require.Equal(t, uintptr(Ok), errno)

	errno, size, _ := e.d.Syscall(e.th, uintptr(SysMemoryInfo), Args{memH})
	require.Equal(t, uintptr(Ok), errno)
	require.EqualValues(t, 8192, size)

	errno, ptr, _ := e.d.Syscall(e.th, uintptr(SysMapMemory), Args{memH, 0, 8192})
	require.Equal(t, uintptr(Ok), errno)
	require.NotZero(t, ptr)

	e.write(t, ptr, []byte("roundtrip"))
	require.Equal(t, []byte("roundtrip"), e.read(t, ptr, len("roundtrip")))
}

func TestCreateThreadDispatchesRegisteredEntry(t *testing.T) {
	e := newEnv(t)
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go e.scheduler.Run(stop)

	done := make(chan struct{})
	const entryAddr = 0x4000_0000
	e.d.RegisterEntry(entryAddr, func(ct *sched.Thread) {
		ct.CheckIn()
		close(done)
	})

	errno, childH, _ := e.d.Syscall(e.th, uintptr(SysCreateThread), Args{entryAddr, 0, 0})
	require.Equal(t, uintptr(Ok), errno)
	require.NotZero(t, childH)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("registered entry never ran")
	}
}

func TestSendStringBackpressureReturnsNoMemory(t *testing.T) {
	e := newEnv(t)
	errno, first, _ := e.d.Syscall(e.th, uintptr(SysCreateBiDirectionPipe), Args{})
	require.Equal(t, uintptr(Ok), errno)

	sendBuf := e.scratch(t, 1)
	e.write(t, sendBuf, []byte{'x'})

	var last uintptr
	for i := 0; i < 300; i++ {
		last, _, _ = e.d.Syscall(e.th, uintptr(SysSendString), Args{first, sendBuf, 1, uintptr(int64(i)), 0})
		if last == uintptr(NoMemory) {
			break
		}
	}
	require.Equal(t, uintptr(NoMemory), last, "unmatched sends must eventually exhaust the channel's pending bound")
}
