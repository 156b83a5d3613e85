package tcp

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/netlab-go/vnet/internal/tcpwire"
)

// RFC 6298 constants (spec §4.4).
const (
	minRTO  = time.Millisecond
	maxRTO  = 100 * time.Millisecond
	alpha   = 1.0 / 8.0
	beta    = 1.0 / 4.0
	kFactor = 4.0
)

// RTOEstimator tracks the smoothed RTT and its variance per RFC 6298,
// grounded on the original prototype's RetransmissionTimer
// (tcp-imp/library/src/retransmission.rs).
type RTOEstimator struct {
	mu      sync.Mutex
	rto     time.Duration
	srtt    time.Duration
	rttvar  time.Duration
	hasSRTT bool
	retries uint32
}

func NewRTOEstimator() *RTOEstimator {
	return &RTOEstimator{rto: minRTO}
}

// RTO returns the current retransmission timeout.
func (e *RTOEstimator) RTO() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rto
}

// Retries returns the number of consecutive retransmissions since the last
// fresh measurement or reset.
func (e *RTOEstimator) Retries() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retries
}

// Sample feeds a fresh RTT measurement in (an ACK for a segment that was
// never retransmitted, per Karn's algorithm) and recomputes rto.
func (e *RTOEstimator) Sample(r time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasSRTT {
		e.srtt = r
		e.rttvar = r / 2
		e.hasSRTT = true
	} else {
		diff := e.srtt - r
		if diff < 0 {
			diff = -diff
		}
		e.rttvar = time.Duration((1-beta)*float64(e.rttvar) + beta*float64(diff))
		e.srtt = time.Duration((1-alpha)*float64(e.srtt) + alpha*float64(r))
	}

	e.rto = clampRTO(e.srtt + time.Duration(kFactor*float64(e.rttvar)))
	e.retries = 0
}

// Backoff doubles rto on a retransmission (RFC 6298 §5.5) and counts the
// attempt.
func (e *RTOEstimator) Backoff() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retries++
	e.rto = clampRTO(e.rto * 2)
}

func clampRTO(d time.Duration) time.Duration {
	if d < minRTO {
		return minRTO
	}
	if d > maxRTO {
		return maxRTO
	}
	return d
}

// RetrSegment is one outstanding, possibly-unacknowledged segment sitting in
// a RetransmissionQueue.
type RetrSegment struct {
	Seq     uint32
	Payload []byte
	Flags   uint8
	sentAt  time.Time
}

// RetransmissionQueue is a FIFO of outstanding segments (spec §4.4),
// grounded on RetransmissionQueue/RetrSegment in
// tcp-imp/library/src/retransmission.rs.
type RetransmissionQueue struct {
	mu    sync.Mutex
	clock clockwork.Clock
	queue []RetrSegment
}

func NewRetransmissionQueue(clock clockwork.Clock) *RetransmissionQueue {
	return &RetransmissionQueue{clock: clock}
}

// AddSegment records a newly-sent segment as outstanding.
func (q *RetransmissionQueue) AddSegment(seq uint32, payload []byte, flags uint8) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = append(q.queue, RetrSegment{Seq: seq, Payload: payload, Flags: flags, sentAt: q.clock.Now()})
}

// MarkSent refreshes a segment's send time, e.g. immediately after the
// initial transmit that AddSegment recorded at enqueue time.
func (q *RetransmissionQueue) MarkSent(seq uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.queue {
		if q.queue[i].Seq == seq {
			q.queue[i].sentAt = q.clock.Now()
			return
		}
	}
}

// TimedOutSegments returns every segment whose RTO has elapsed, refreshing
// their sentAt so a caller that immediately resends them doesn't see the
// same segment again next tick.
func (q *RetransmissionQueue) TimedOutSegments(currentRTO time.Duration) []RetrSegment {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	var out []RetrSegment
	for i := range q.queue {
		if now.Sub(q.queue[i].sentAt) >= currentRTO {
			q.queue[i].sentAt = now
			out = append(out, q.queue[i])
		}
	}
	return out
}

// effectiveLen is the number of sequence numbers a segment consumes: its
// payload length, plus one more if it carries SYN or FIN (each of which
// consumes a sequence number of its own, spec §4.5).
func effectiveLen(seg RetrSegment) uint32 {
	n := uint32(len(seg.Payload))
	if seg.Flags&(tcpwire.FlagSYN|tcpwire.FlagFIN) != 0 {
		n++
	}
	return n
}

// RemoveAcked drops every segment fully covered by ackNum, the
// next-expected byte the peer's ACK advertises: a segment occupying
// [seq, seq+effectiveLen) is acknowledged once that range ends at or
// before ackNum.
func (q *RetransmissionQueue) RemoveAcked(ackNum uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.queue[:0]
	for _, seg := range q.queue {
		if seqLessEq(seg.Seq+effectiveLen(seg), ackNum) {
			continue // fully covered by ackNum, drop it
		}
		kept = append(kept, seg)
	}
	q.queue = kept
}

// CalculateRTT returns the elapsed time since the segment that ackNum
// exactly completes was last sent, for feeding RTOEstimator.Sample. The
// bool is false if no outstanding segment's sequence range ends exactly at
// ackNum. Retransmitted segments are not told apart here (their sentAt is
// the time of the latest resend); Conn.processAckLocked applies Karn's
// rule by sampling only while RTOEstimator.Retries is zero.
func (q *RetransmissionQueue) CalculateRTT(ackNum uint32) (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, seg := range q.queue {
		if seg.Seq+effectiveLen(seg) == ackNum {
			return q.clock.Now().Sub(seg.sentAt), true
		}
	}
	return 0, false
}

// Len reports the number of outstanding segments.
func (q *RetransmissionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}
