package tcp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecvBufInOrderDelivery(t *testing.T) {
	r := NewRecvBuf()
	r.SetInitSeq(100) // peer ISN was 99, so first byte is at seq 100

	next := r.Add(100, []byte("hello"))
	require.Equal(t, uint32(105), next)
	require.True(t, r.Ready())

	got := r.Read(5)
	require.Equal(t, []byte("hello"), got)
	require.False(t, r.Ready())
}

func TestRecvBufEarlyArrivalBuffersUntilGapCloses(t *testing.T) {
	r := NewRecvBuf()
	r.SetInitSeq(100)

	// "world" arrives before "hello".
	next := r.Add(105, []byte("world"))
	require.Equal(t, uint32(100), next) // still waiting on seq 100
	require.False(t, r.Ready())

	next = r.Add(100, []byte("hello"))
	require.Equal(t, uint32(110), next)
	require.True(t, r.Ready())

	got := r.Read(10)
	require.Equal(t, []byte("helloworld"), got)
}

func TestRecvBufDropsStaleData(t *testing.T) {
	r := NewRecvBuf()
	r.SetInitSeq(100)

	r.Add(100, []byte("hello"))
	r.Read(5)

	// Re-delivery of already-consumed bytes must be dropped, not re-queued.
	next := r.Add(100, []byte("hello"))
	require.Equal(t, uint32(105), next)
	require.False(t, r.Ready())
}

func TestRecvBufWindowShrinksWithBufferedAndEarlyData(t *testing.T) {
	r := NewRecvBuf()
	r.SetInitSeq(100)

	full := r.Window()
	require.Equal(t, uint16(BufferCapacity), full)

	r.Add(100, []byte("hello"))
	require.Equal(t, uint16(BufferCapacity-5), r.Window())

	r.Add(200, []byte("stray"))
	require.Equal(t, uint16(BufferCapacity-10), r.Window())
}

func TestRecvBufReadPartial(t *testing.T) {
	r := NewRecvBuf()
	r.SetInitSeq(100)
	r.Add(100, []byte("hello world"))

	first := r.Read(5)
	require.Equal(t, []byte("hello"), first)
	require.True(t, r.Ready())

	rest := r.Read(100)
	require.Equal(t, []byte(" world"), rest)
}
