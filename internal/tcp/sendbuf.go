package tcp

import (
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// BufferCapacity is the fixed send/receive buffer size (spec §4.4).
	BufferCapacity = 65535
	// MaxSegmentSize bounds a single outbound payload so the resulting
	// packet (with headers) stays under the 1500-byte link MTU.
	MaxSegmentSize = 1460
)

// NextDataKind distinguishes a normal data segment from a one-byte
// zero-window probe, so the caller knows which flags/retry policy apply.
type NextDataKind int

const (
	NextDataNone NextDataKind = iota
	NextDataNormal
	NextDataZeroWindowProbe
)

// SendBuf is the outbound per-connection buffer (spec §4.4), grounded on
// send_recv_utils.rs's SendBuf: a fixed ring buffer holding unacknowledged
// and not-yet-sent bytes, an nxt pointer marking the boundary between
// them, and the receiver's last-advertised window.
type SendBuf struct {
	buf        *ringBuffer
	nxt        int // offset from head: bytes before nxt have been sent, not yet acked
	remWindow  uint16
	numAcked   uint32
	ourInitSeq uint32
	probing    bool
	retrQueue  *RetransmissionQueue
}

func NewSendBuf(ourInitSeq uint32, clock clockwork.Clock) *SendBuf {
	return &SendBuf{
		buf:        newRingBuffer(BufferCapacity),
		ourInitSeq: ourInitSeq,
		retrQueue:  NewRetransmissionQueue(clock),
	}
}

// Ready reports whether the buffer has room for more application data.
func (s *SendBuf) Ready() bool { return s.buf.Free() > 0 }

// FillWith appends as much of filler as fits, returning the unwritten
// remainder (spec §4.4: writers block/retry on what's returned).
func (s *SendBuf) FillWith(filler []byte) []byte {
	n := s.buf.Write(filler)
	return filler[n:]
}

// NextData returns the next chunk to place in an outbound segment,
// honoring the receiver's advertised window. When the window is zero it
// switches to one-byte zero-window probing (spec §4.4) until the window
// reopens.
func (s *SendBuf) NextData() ([]byte, NextDataKind) {
	unsent := s.buf.size - s.nxt
	if unsent < 0 {
		unsent = 0
	}

	if s.remWindow == 0 {
		if unsent == 0 {
			return nil, NextDataNone
		}
		s.probing = true
		data := s.buf.Peek(s.nxt, 1)
		if len(data) == 0 {
			return nil, NextDataNone
		}
		return data, NextDataZeroWindowProbe
	}

	take := unsent
	if int(s.remWindow) < take {
		take = int(s.remWindow)
	}
	if take > MaxSegmentSize {
		take = MaxSegmentSize
	}
	if take == 0 {
		return nil, NextDataNone
	}
	data := s.buf.Peek(s.nxt, take)
	s.nxt += len(data)
	s.remWindow -= uint16(len(data))
	return data, NextDataNormal
}

// AckData drops every byte acknowledged by mostRecentAck, grounded on
// send_recv_utils.rs's relative-ack arithmetic (there is no una pointer;
// una is always implicitly the buffer head).
func (s *SendBuf) AckData(mostRecentAck uint32) {
	relativeAck := mostRecentAck - (s.numAcked + s.ourInitSeq + 1)
	if relativeAck == 0 || int(relativeAck) > s.buf.size {
		return
	}

	if s.probing && int(relativeAck) > s.nxt {
		s.probing = false
		s.nxt++
	}

	s.nxt -= int(relativeAck)
	if s.nxt < 0 {
		s.nxt = 0
	}
	s.buf.Drain(int(relativeAck))
	s.numAcked += relativeAck
	s.retrQueue.RemoveAcked(mostRecentAck)
}

// RetrQueue exposes the retransmission queue so conn.go can enqueue
// segments immediately after sending them.
func (s *SendBuf) RetrQueue() *RetransmissionQueue { return s.retrQueue }

// Probing reports whether the buffer is currently zero-window probing.
func (s *SendBuf) Probing() bool { return s.probing }

// ISS returns our initial sequence number, the seq value the SYN itself is
// sent with (data always starts one past it).
func (s *SendBuf) ISS() uint32 { return s.ourInitSeq }

// Una returns snd.una: the sequence number of the oldest unacknowledged
// byte, i.e. one past the last byte actually acknowledged.
func (s *SendBuf) Una() uint32 { return s.numAcked + s.ourInitSeq + 1 }

// SeqNxt returns snd.nxt as an absolute sequence number.
func (s *SendBuf) SeqNxt() uint32 { return s.Una() + uint32(s.nxt) }

// Unsent reports whether there is data written but not yet handed out by
// NextData.
func (s *SendBuf) Unsent() bool { return s.buf.size > s.nxt }

// UpdateWindow records the receiver's most recently advertised window.
func (s *SendBuf) UpdateWindow(window uint16) {
	s.remWindow = window
}

// CheckTimeouts returns segments whose RTO has elapsed and need resending.
func (s *SendBuf) CheckTimeouts(currentRTO time.Duration) []RetrSegment {
	return s.retrQueue.TimedOutSegments(currentRTO)
}
