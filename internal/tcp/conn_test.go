package tcp

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/netlab-go/vnet/internal/tcpwire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeIPSender records every segment Conn hands to Originate, parsing it
// back into a tcpwire.Segment so assertions can read seq/ack/flags/payload
// the way a peer's Deliver would.
type fakeIPSender struct {
	mu   sync.Mutex
	sent []tcpwire.Segment
}

func (f *fakeIPSender) Originate(src, dst net.IP, protocol uint8, payload []byte) error {
	seg, err := tcpwire.Parse(src, dst, payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, seg)
	return nil
}

func (f *fakeIPSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeIPSender) last() tcpwire.Segment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

var (
	testLocal  = Address{IP: net.ParseIP("10.0.0.1"), Port: 1000}
	testRemote = Address{IP: net.ParseIP("10.0.0.2"), Port: 2000}
)

func newTestConn(t *testing.T) (*Conn, *fakeIPSender, clockwork.FakeClock) {
	t.Helper()
	sender := &fakeIPSender{}
	clock := clockwork.NewFakeClock()
	c := NewConn(testLocal, testRemote, sender, clock, discardLogger())
	return c, sender, clock
}

// establish drives c from AwaitingRun to Established via the client side of
// the handshake (spec §4.5's AwaitingRun -> SynSent -> Established row) and
// returns the peer's ISN, for building further inbound segments.
func establish(t *testing.T, c *Conn, sender *fakeIPSender) uint32 {
	t.Helper()
	require.NoError(t, c.Connect())
	require.Equal(t, StateSynSent, c.State())
	syn := sender.last()
	require.True(t, syn.Has(tcpwire.FlagSYN))

	const peerISS = uint32(5000)
	c.HandlePacket(tcpwire.Segment{
		Seq:   peerISS,
		Ack:   syn.Seq + 1,
		Flags: tcpwire.FlagSYN | tcpwire.FlagACK,
	})
	require.Equal(t, StateEstablished, c.State())
	return peerISS
}

func TestConnClientHandshake(t *testing.T) {
	c, sender, _ := newTestConn(t)
	peerISS := establish(t, c, sender)

	ack := sender.last()
	require.True(t, ack.Has(tcpwire.FlagACK))
	require.Equal(t, peerISS+1, ack.Ack)
}

func TestConnServerHandshake(t *testing.T) {
	c, sender, _ := newTestConn(t)

	const peerSeq = uint32(9000)
	c.AcceptSYN(peerSeq)
	require.Equal(t, StateSynRecvd, c.State())

	synAck := sender.last()
	require.True(t, synAck.Has(tcpwire.FlagSYN) && synAck.Has(tcpwire.FlagACK))
	require.Equal(t, peerSeq+1, synAck.Ack)

	c.HandlePacket(tcpwire.Segment{Seq: peerSeq + 1, Ack: synAck.Seq + 1, Flags: tcpwire.FlagACK})
	require.Equal(t, StateEstablished, c.State())
}

func TestConnSynSentIgnoresAckWithWrongNumber(t *testing.T) {
	c, sender, _ := newTestConn(t)
	require.NoError(t, c.Connect())
	syn := sender.last()

	// Ack one higher than our SYN actually consumed: must not establish.
	c.HandlePacket(tcpwire.Segment{Seq: 1, Ack: syn.Seq + 2, Flags: tcpwire.FlagSYN | tcpwire.FlagACK})
	require.Equal(t, StateSynSent, c.State())
}

func TestConnDataTransferAdvancesSendBuffer(t *testing.T) {
	c, sender, _ := newTestConn(t)
	peerISS := establish(t, c, sender)

	// The peer must advertise a non-zero window before data moves; a real
	// peer does this on its first data-bearing or pure-ack segment. Our
	// handshake-completing ACK's own Seq is snd.nxt, which is exactly what
	// the peer should be acking back since no data has gone out yet.
	c.HandlePacket(tcpwire.Segment{Seq: peerISS + 1, Ack: sender.last().Seq, Flags: tcpwire.FlagACK, Window: 65535})

	n, err := c.Send([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	data := sender.last()
	require.Equal(t, []byte("hello"), data.Payload)
	require.Equal(t, 1, c.sendBuf.RetrQueue().Len())

	// Peer acks all five bytes.
	c.HandlePacket(tcpwire.Segment{Seq: peerISS + 1, Ack: data.Seq + 5, Flags: tcpwire.FlagACK, Window: 65535})
	require.Equal(t, 0, c.sendBuf.RetrQueue().Len())
}

func TestConnInboundDataIsDeliveredInOrder(t *testing.T) {
	c, sender, _ := newTestConn(t)
	peerISS := establish(t, c, sender)

	c.HandlePacket(tcpwire.Segment{Seq: peerISS + 1, Payload: []byte("hi"), Flags: tcpwire.FlagACK})

	got, err := c.Read(10)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), got)

	ack := sender.last()
	require.True(t, ack.Has(tcpwire.FlagACK))
	require.Equal(t, peerISS+1+2, ack.Ack)
}

func TestConnZeroWindowProbeThenProgress(t *testing.T) {
	c, sender, _ := newTestConn(t)
	_ = establish(t, c, sender)

	// No window has been advertised yet (remWindow starts at zero), so the
	// first Send produces a one-byte probe rather than the full payload.
	_, err := c.Send([]byte("hello"))
	require.NoError(t, err)

	probe := sender.last()
	require.Equal(t, []byte("h"), probe.Payload)
	require.True(t, c.sendBuf.Probing())

	expectedProbeSeq := c.sendBuf.Una()
	require.Equal(t, expectedProbeSeq, probe.Seq)

	// Peer opens the window and acks the probe byte: probing stops and the
	// remaining buffered bytes go out.
	c.HandlePacket(tcpwire.Segment{Ack: probe.Seq + 1, Flags: tcpwire.FlagACK, Window: 65535})
	require.False(t, c.sendBuf.Probing())

	rest := sender.last()
	require.Equal(t, []byte("ello"), rest.Payload)
}

func TestConnCloseTimeWaitToClosed(t *testing.T) {
	c, sender, clock := newTestConn(t)
	peerISS := establish(t, c, sender)

	require.NoError(t, c.Close())
	require.Equal(t, StateFinWait1, c.State())
	fin := sender.last()
	require.True(t, fin.Has(tcpwire.FlagFIN))

	// Peer acks our FIN: FinWait1 -> FinWait2.
	c.HandlePacket(tcpwire.Segment{Seq: peerISS + 1, Ack: fin.Seq + 1, Flags: tcpwire.FlagACK})
	require.Equal(t, StateFinWait2, c.State())

	// Peer's own FIN arrives: FinWait2 -> TimeWait.
	c.HandlePacket(tcpwire.Segment{Seq: peerISS + 1, Flags: tcpwire.FlagFIN})
	require.Equal(t, StateTimeWait, c.State())

	clock.Advance(TimeWaitDuration)
	require.Eventually(t, func() bool {
		return c.State() == StateClosed
	}, time.Second, time.Millisecond)
}

func TestConnSimultaneousCloseViaClosing(t *testing.T) {
	c, sender, clock := newTestConn(t)
	peerISS := establish(t, c, sender)

	require.NoError(t, c.Close())
	require.Equal(t, StateFinWait1, c.State())
	fin := sender.last()

	// Peer's FIN arrives before it has acked ours: simultaneous close.
	c.HandlePacket(tcpwire.Segment{Seq: peerISS + 1, Flags: tcpwire.FlagFIN})
	require.Equal(t, StateClosing, c.State())

	// Now the peer acks our FIN.
	c.HandlePacket(tcpwire.Segment{Seq: peerISS + 2, Ack: fin.Seq + 1, Flags: tcpwire.FlagACK})
	require.Equal(t, StateTimeWait, c.State())

	clock.Advance(TimeWaitDuration)
	require.Eventually(t, func() bool {
		return c.State() == StateClosed
	}, time.Second, time.Millisecond)
}

func TestConnPassiveCloseViaCloseWaitAndLastAck(t *testing.T) {
	c, sender, _ := newTestConn(t)
	peerISS := establish(t, c, sender)

	// Peer closes first.
	c.HandlePacket(tcpwire.Segment{Seq: peerISS + 1, Flags: tcpwire.FlagFIN})
	require.Equal(t, StateCloseWait, c.State())

	got, err := c.Read(10)
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, c.Close())
	require.Equal(t, StateLastAck, c.State())
	fin := sender.last()
	require.True(t, fin.Has(tcpwire.FlagFIN))

	c.HandlePacket(tcpwire.Segment{Seq: peerISS + 2, Ack: fin.Seq + 1, Flags: tcpwire.FlagACK})
	require.Equal(t, StateClosed, c.State())
}

func TestConnAbortsAfterRetransmissionLimit(t *testing.T) {
	c, sender, clock := newTestConn(t)
	establish(t, c, sender)

	// Close so the FIN's retransmission queue entry is the only thing
	// outstanding (the SYN was acked during establish), then fail to ack it
	// at all.
	require.NoError(t, c.Close())
	require.Equal(t, StateFinWait1, c.State())

	for i := 0; i <= MaxRetransmissions; i++ {
		clock.Advance(2 * time.Second)
		if c.tick() {
			break
		}
	}

	require.Equal(t, StateClosed, c.State())
}
