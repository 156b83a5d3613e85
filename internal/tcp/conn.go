package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/netlab-go/vnet/internal/ipwire"
	"github.com/netlab-go/vnet/internal/tcpwire"
)

// MaxRetransmissions is the retry budget before a connection aborts (spec
// §9's Open Question, decided in DESIGN.md: 5).
const MaxRetransmissions = 5

// TimeWaitDuration is 2*MSL for this UDP emulation (spec §9: 250ms).
const TimeWaitDuration = 250 * time.Millisecond

// State is a Connection Socket's position in the handshake/teardown machine
// (spec §3).
type State int

const (
	StateAwaitingRun State = iota
	StateSynSent
	StateSynRecvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingRun:
		return "AWAITING_RUN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRecvd:
		return "SYN_RECVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateClosing:
		return "CLOSING"
	case StateTimeWait:
		return "TIME_WAIT"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ErrConnectionReset is returned from blocked Read/Send calls when the peer
// aborts the connection or the retransmission retry budget is exhausted.
var ErrConnectionReset = errors.New("tcp: connection reset")

// ErrConnectionClosed is returned from Send once local output has been
// shut down.
var ErrConnectionClosed = errors.New("tcp: connection closed")

// IPSender is the narrow surface Conn needs to hand an outbound segment to
// the forwarding engine (spec §4.2's Originate path).
type IPSender interface {
	Originate(src, dst net.IP, protocol uint8, payload []byte) error
}

// Conn is one Connection Socket (spec §3-§4.5). All state is guarded by mu;
// readReady/writeReady are condition variables: readReady is broadcast
// whenever rcv.nxt advances or the connection ends, writeReady on every
// inbound ACK and on state changes that unblock a writer.
type Conn struct {
	log      *slog.Logger
	clock    clockwork.Clock
	ipSender IPSender

	Local  Address
	Remote Address

	mu         sync.Mutex
	readReady  *sync.Cond
	writeReady *sync.Cond
	probeAck   *sync.Cond

	state   State
	rcvIRS  uint32
	rcvNxt  uint32
	eof     bool
	reset   bool
	finSent bool // our FIN has gone out; one extra sequence number is reserved for it

	sendBuf *SendBuf
	recvBuf *RecvBuf
	rto     *RTOEstimator

	stopTimer context.CancelFunc
	onClosed  func()
}

// NewConn constructs a Connection Socket in AwaitingRun, grounded on
// tcp-imp/library/src/conn_socket.rs's ConnectionSocket::new (random ISN,
// fresh send/recv buffers).
func NewConn(local, remote Address, ipSender IPSender, clock clockwork.Clock, log *slog.Logger) *Conn {
	iss := rand.Uint32() / 2
	c := &Conn{
		log:      log.With("local", local, "remote", remote),
		clock:    clock,
		ipSender: ipSender,
		Local:    local,
		Remote:   remote,
		state:    StateAwaitingRun,
		sendBuf:  NewSendBuf(iss, clock),
		recvBuf:  NewRecvBuf(),
		rto:      NewRTOEstimator(),
	}
	c.readReady = sync.NewCond(&c.mu)
	c.writeReady = sync.NewCond(&c.mu)
	c.probeAck = sync.NewCond(&c.mu)
	return c
}

// State returns the connection's current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetOnClosed registers a callback the Socket Manager uses to evict this
// connection from the socket table once it reaches Closed.
func (c *Conn) SetOnClosed(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = f
}

// Run starts the retransmission timer loop (spec §5: "one per Connection
// Socket for the retransmission timer"). It returns once the connection
// reaches Closed or ctx is canceled.
func (c *Conn) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.stopTimer = cancel
	c.mu.Unlock()

	ticker := c.clock.NewTicker(minRTO)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if c.tick() {
				return
			}
		}
	}
}

// tick resends any timed-out segments and sends a zero-window probe when
// one is due (TIME_WAIT expiry runs on its own AfterFunc timer). It
// returns true once the connection is fully Closed and the timer loop
// should exit.
func (c *Conn) tick() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return true
	}

	timedOut := c.sendBuf.RetrQueue().TimedOutSegments(c.rto.RTO())
	for _, seg := range timedOut {
		if c.rto.Retries() >= MaxRetransmissions {
			c.abortLocked()
			return true
		}
		c.rto.Backoff()
		c.sendSegment(seg.Seq, seg.Payload, seg.Flags)
		c.log.Debug("retransmitting segment", "seq", seg.Seq, "retry", c.rto.Retries())
	}

	if c.state == StateEstablished && c.sendBuf.Probing() && c.sendBuf.Unsent() {
		data, kind := c.sendBuf.NextData()
		if kind == NextDataZeroWindowProbe {
			c.transmitProbe(data)
		}
	}

	return false
}

func (c *Conn) abortLocked() {
	c.log.Warn("retransmission retries exhausted, aborting connection")
	c.reset = true
	c.eof = true
	c.state = StateClosed
	c.readReady.Broadcast()
	c.writeReady.Broadcast()
	c.probeAck.Broadcast()
	if c.onClosed != nil {
		c.onClosed()
	}
}

// Connect sends the initial SYN and moves AwaitingRun -> SynSent (spec
// §4.5's transition table).
func (c *Conn) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAwaitingRun {
		return fmt.Errorf("tcp: connect: invalid state %s", c.state)
	}
	seq := c.sendBuf.ISS()
	c.transmit(seq, nil, tcpwire.FlagSYN)
	c.state = StateSynSent
	return nil
}

// AcceptSYN is called by the Socket Manager when a listener spawns a new
// connection for an inbound SYN: sends SYN|ACK and moves to SynRecvd.
func (c *Conn) AcceptSYN(peerSeq uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rcvIRS = peerSeq
	c.rcvNxt = peerSeq + 1
	c.recvBuf.SetInitSeq(peerSeq + 1)
	seq := c.sendBuf.ISS()
	c.transmit(seq, nil, tcpwire.FlagSYN|tcpwire.FlagACK)
	c.state = StateSynRecvd
}

// HandlePacket dispatches an inbound, already 4-tuple-matched segment to
// the state-specific handler (spec §4.5's transition table). The caller
// (Socket Manager) has already verified the packet passed tcpwire.Parse's
// checksum check.
func (c *Conn) HandlePacket(seg tcpwire.Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateClosed && !c.validLocked(seg) {
		c.log.Debug("dropping out-of-window segment", "seq", seg.Seq)
		if c.state != StateSynSent && c.state != StateAwaitingRun {
			c.sendAckLocked()
		}
		return
	}

	switch c.state {
	case StateSynSent:
		c.handleSynSentLocked(seg)
	case StateSynRecvd:
		c.handleSynRecvdLocked(seg)
	case StateEstablished:
		c.handleEstablishedLocked(seg)
	case StateFinWait1:
		c.handleFinWait1Locked(seg)
	case StateFinWait2:
		c.handleFinWait2Locked(seg)
	case StateClosing:
		c.handleClosingLocked(seg)
	case StateCloseWait:
		// Data already drained; peer may still ACK our eventual FIN via LastAck.
	case StateLastAck:
		c.handleLastAckLocked(seg)
	default:
		c.log.Debug("dropping segment in terminal state", "state", c.state)
	}
}

// validLocked checks the 4-tuple's sequence-number validity window (spec
// §4.5): rcv.nxt - window <= seq < rcv.nxt + window, wrap-aware, with a
// zero receive window treated as 1. Segments without payload are always
// accepted.
func (c *Conn) validLocked(seg tcpwire.Segment) bool {
	if c.state == StateSynSent || c.state == StateAwaitingRun {
		return true // no rcv.nxt established yet
	}
	window := uint32(c.recvBuf.Window())
	if window == 0 {
		window = 1
	}
	lo := c.rcvNxt - window
	return seqInWindow(seg.Seq, lo, 2*window) || len(seg.Payload) == 0
}

func (c *Conn) handleSynSentLocked(seg tcpwire.Segment) {
	if !seg.Has(tcpwire.FlagSYN) {
		return
	}
	c.rcvIRS = seg.Seq
	c.rcvNxt = seg.Seq + 1
	c.recvBuf.SetInitSeq(seg.Seq + 1)
	if seg.Has(tcpwire.FlagACK) && seg.Ack == c.sndNext() {
		c.sendBuf.RetrQueue().RemoveAcked(seg.Ack)
		c.sendAckLocked()
		c.state = StateEstablished
		c.writeReady.Broadcast()
	}
}

func (c *Conn) handleSynRecvdLocked(seg tcpwire.Segment) {
	if seg.Has(tcpwire.FlagACK) && seg.Ack == c.sndNext() {
		c.sendBuf.RetrQueue().RemoveAcked(seg.Ack)
		c.state = StateEstablished
		c.writeReady.Broadcast()
	}
}

func (c *Conn) handleEstablishedLocked(seg tcpwire.Segment) {
	c.processAckLocked(seg)

	if len(seg.Payload) > 0 {
		newExpected := c.recvBuf.Add(seg.Seq, seg.Payload)
		if newExpected != c.rcvNxt {
			c.rcvNxt = newExpected
			c.readReady.Broadcast()
		}
		c.sendAckLocked()
	}

	if seg.Has(tcpwire.FlagFIN) {
		c.rcvNxt = seg.Seq + uint32(len(seg.Payload)) + 1
		c.eof = true
		c.readReady.Broadcast()
		c.sendAckLocked()
		c.state = StateCloseWait
	}
}

func (c *Conn) handleFinWait1Locked(seg tcpwire.Segment) {
	finAcked := seg.Has(tcpwire.FlagACK) && seg.Ack == c.sndNext()
	c.processAckLocked(seg)
	if finAcked {
		c.sendBuf.RetrQueue().RemoveAcked(seg.Ack)
	}

	if seg.Has(tcpwire.FlagFIN) {
		c.rcvNxt = seg.Seq + uint32(len(seg.Payload)) + 1
		c.eof = true
		c.readReady.Broadcast()
		c.sendAckLocked()
		if finAcked {
			c.enterTimeWaitLocked()
		} else {
			c.state = StateClosing
		}
		return
	}
	if finAcked {
		c.state = StateFinWait2
	}
}

func (c *Conn) handleFinWait2Locked(seg tcpwire.Segment) {
	c.processAckLocked(seg)
	if seg.Has(tcpwire.FlagFIN) {
		c.rcvNxt = seg.Seq + uint32(len(seg.Payload)) + 1
		c.eof = true
		c.readReady.Broadcast()
		c.sendAckLocked()
		c.enterTimeWaitLocked()
	}
}

func (c *Conn) handleClosingLocked(seg tcpwire.Segment) {
	if seg.Has(tcpwire.FlagACK) && seg.Ack == c.sndNext() {
		c.sendBuf.RetrQueue().RemoveAcked(seg.Ack)
		c.enterTimeWaitLocked()
	}
}

func (c *Conn) handleLastAckLocked(seg tcpwire.Segment) {
	if seg.Has(tcpwire.FlagACK) && seg.Ack == c.sndNext() {
		c.closeLocked()
	}
}

func (c *Conn) enterTimeWaitLocked() {
	c.state = StateTimeWait
	c.clock.AfterFunc(TimeWaitDuration, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == StateTimeWait {
			c.closeLocked()
		}
	})
}

func (c *Conn) closeLocked() {
	c.state = StateClosed
	if c.stopTimer != nil {
		c.stopTimer()
	}
	c.readReady.Broadcast()
	c.writeReady.Broadcast()
	c.probeAck.Broadcast()
	if c.onClosed != nil {
		c.onClosed()
	}
}

// processAckLocked applies an inbound ACK to the send side (spec §4.5:
// "ACK advancing snd.una": drop acked segments; update RTO; if window
// reopened from 0, notify sender).
func (c *Conn) processAckLocked(seg tcpwire.Segment) {
	if !seg.Has(tcpwire.FlagACK) {
		return
	}
	wasZeroWindow := c.sendBuf.Probing()
	if rtt, ok := c.sendBuf.RetrQueue().CalculateRTT(seg.Ack); ok && c.rto.Retries() == 0 {
		c.rto.Sample(rtt)
	}
	c.sendBuf.AckData(seg.Ack)
	c.sendBuf.UpdateWindow(seg.Window)
	if wasZeroWindow && seg.Window > 0 {
		c.probeAck.Broadcast()
	}
	c.writeReady.Broadcast()
	c.pumpLocked()
}

// pumpLocked drains whatever NextData offers into fresh outbound segments,
// the state-machine side of spec §4.4's sender loop.
func (c *Conn) pumpLocked() {
	if c.state != StateEstablished && c.state != StateCloseWait {
		return
	}
	for {
		data, kind := c.sendBuf.NextData()
		switch kind {
		case NextDataNone:
			return
		case NextDataZeroWindowProbe:
			c.transmitProbe(data)
			return
		case NextDataNormal:
			c.transmitData(data, tcpwire.FlagACK)
		}
	}
}

func (c *Conn) transmitData(data []byte, extraFlags uint8) {
	seq := c.sendBuf.SeqNxt() - uint32(len(data))
	c.transmit(seq, data, tcpwire.FlagACK|extraFlags)
}

// transmitProbe sends a zero-window probe. Unlike a normal data segment,
// NextData does not advance SendBuf's nxt pointer for a probe (the same
// byte must be re-offered until the window reopens), so the probe's
// sequence number is simply the current snd.nxt rather than snd.nxt minus
// the payload length.
func (c *Conn) transmitProbe(data []byte) {
	c.transmit(c.sendBuf.SeqNxt(), data, tcpwire.FlagACK)
}

// transmit builds, sends, and (for anything a peer must ACK) enqueues a
// segment for retransmission.
func (c *Conn) transmit(seq uint32, payload []byte, flags uint8) {
	if !c.sendSegment(seq, payload, flags) {
		return
	}
	if flags&(tcpwire.FlagSYN|tcpwire.FlagFIN) != 0 || len(payload) > 0 {
		c.sendBuf.RetrQueue().AddSegment(seq, payload, flags)
	}
}

// sendSegment builds and sends one segment without touching the
// retransmission queue; tick uses it to resend a segment that is already
// queued. It reports whether the segment went out.
func (c *Conn) sendSegment(seq uint32, payload []byte, flags uint8) bool {
	seg := tcpwire.Segment{
		SrcPort: c.Local.Port,
		DstPort: c.Remote.Port,
		Seq:     seq,
		Ack:     c.rcvNxt,
		Flags:   flags,
		Window:  c.recvBuf.Window(),
		Payload: payload,
	}
	wire, err := tcpwire.Build(c.Local.IP, c.Remote.IP, seg)
	if err != nil {
		c.log.Error("failed to build tcp segment", "error", err)
		return false
	}
	if err := c.ipSender.Originate(c.Local.IP, c.Remote.IP, ipwire.ProtoTCP, wire); err != nil {
		c.log.Warn("failed to originate tcp segment", "error", err)
		return false
	}
	return true
}

func (c *Conn) sendAckLocked() {
	c.transmit(c.sndNext(), nil, tcpwire.FlagACK)
}

// sndNext returns snd.nxt as an absolute sequence number, accounting for a
// FIN already sent (which reserves one more sequence number than the data
// pointer SendBuf itself knows about).
func (c *Conn) sndNext() uint32 {
	n := c.sendBuf.SeqNxt()
	if c.finSent {
		n++
	}
	return n
}

// Send blocks, copying b into the send buffer (spec §4.4's fill_with
// backpressure), until every byte is accepted or the connection resets.
func (c *Conn) Send(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for len(b) > 0 {
		if c.reset {
			return total, ErrConnectionReset
		}
		if c.state != StateEstablished && c.state != StateCloseWait {
			return total, ErrConnectionClosed
		}
		leftover := c.sendBuf.FillWith(b)
		written := len(b) - len(leftover)
		total += written
		b = leftover
		c.pumpLocked()
		if len(b) > 0 {
			c.writeReady.Wait()
		}
	}
	return total, nil
}

// Read blocks until at least one byte is available or the peer's FIN has
// been processed (spec §5: "read blocks until any data is available or
// EOF").
func (c *Conn) Read(n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for !c.recvBuf.Ready() {
		if c.reset {
			return nil, ErrConnectionReset
		}
		if c.eof {
			return nil, nil
		}
		c.readReady.Wait()
	}
	return c.recvBuf.Read(n), nil
}

// Close initiates teardown per spec §4.5's FinWait1/LastAck transitions.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateEstablished:
		seq := c.sndNext()
		c.transmit(seq, nil, tcpwire.FlagFIN|tcpwire.FlagACK)
		c.finSent = true
		c.state = StateFinWait1
	case StateCloseWait:
		seq := c.sndNext()
		c.transmit(seq, nil, tcpwire.FlagFIN|tcpwire.FlagACK)
		c.finSent = true
		c.state = StateLastAck
	case StateClosed:
		return nil
	default:
		return fmt.Errorf("tcp: close: invalid state %s", c.state)
	}
	return nil
}
