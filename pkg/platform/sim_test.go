package platform

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *SimBackend {
	t.Helper()
	b := NewSimBackend()
	_, err := b.AllocateArena(64 * PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })
	return b
}

func TestSimBackendReadWriteRoundTrip(t *testing.T) {
	b := newTestBackend(t)

	in := []byte("hello, thor")
	require.NoError(t, b.Write(PageSize*3, in))

	out := make([]byte, len(in))
	require.NoError(t, b.Read(PageSize*3, out))
	require.Equal(t, in, out)
}

func TestSimBackendOutOfRange(t *testing.T) {
	b := newTestBackend(t)
	buf := make([]byte, 8)
	err := b.Read(64*PageSize, buf)
	require.Error(t, err)
	var oor *ErrOutOfRange
	require.ErrorAs(t, err, &oor)
}

func TestSimBackendCR3RoundTrip(t *testing.T) {
	b := newTestBackend(t)
	require.Equal(t, PhysicalAddr(0), b.ReadCR3())
	b.WriteCR3(0xdeadb000)
	require.Equal(t, PhysicalAddr(0xdeadb000), b.ReadCR3())
}

func TestSimBackendIrqMaskNesting(t *testing.T) {
	b := newTestBackend(t)
	require.False(t, b.IRQsMasked())
	b.DisableIRQs()
	b.DisableIRQs()
	require.True(t, b.IRQsMasked())
	b.EnableIRQs()
	require.True(t, b.IRQsMasked())
	b.EnableIRQs()
	require.False(t, b.IRQsMasked())
}

func TestSimBackendHaltWake(t *testing.T) {
	b := newTestBackend(t)
	done := make(chan struct{})
	go func() {
		b.Halt()
		close(done)
	}()
	b.Wake()
	<-done
}
