// Package tcp implements the TCP subset (spec §4.4-4.6): fixed-capacity
// send/receive buffers with retransmission, the per-connection state
// machine, and the socket/listener tables that back the backend facade's
// c/a/s/r/cl/sf/rf operations.
//
// The buffer and retransmission shapes are hand-rolled rather than reached
// for a library (e.g. container/ring) because the semantics are pinned
// exactly by the relative-sequence-number bookkeeping the state machine
// depends on (ack_data's una-less relative ack arithmetic, early-arrival
// reassembly keyed by absolute sequence number) — no generic ring buffer
// exposes that directly, so wrapping one would not remove code, only hide
// it behind an adapter.
package tcp

// ringBuffer is a fixed-capacity FIFO byte buffer, grounded on the
// original prototype's CircularBuffer<BUFFER_CAPACITY, u8> usage in
// SendBuf/RecvBuf: bytes are appended at the tail and drained from the
// head, and length/capacity are always known without scanning.
type ringBuffer struct {
	data  []byte
	head  int // index of the oldest byte
	size  int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{data: make([]byte, capacity)}
}

func (r *ringBuffer) Len() int      { return r.size }
func (r *ringBuffer) Capacity() int { return len(r.data) }
func (r *ringBuffer) Free() int     { return len(r.data) - r.size }

// Write appends as much of p as fits, returning the number of bytes
// actually written.
func (r *ringBuffer) Write(p []byte) int {
	n := len(p)
	if n > r.Free() {
		n = r.Free()
	}
	tail := (r.head + r.size) % len(r.data)
	for i := 0; i < n; i++ {
		r.data[(tail+i)%len(r.data)] = p[i]
	}
	r.size += n
	return n
}

// Peek returns up to n bytes starting at offset from the head, without
// draining them.
func (r *ringBuffer) Peek(offset, n int) []byte {
	if offset >= r.size {
		return nil
	}
	if offset+n > r.size {
		n = r.size - offset
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = r.data[(r.head+offset+i)%len(r.data)]
	}
	return out
}

// Drain removes the first n bytes from the buffer.
func (r *ringBuffer) Drain(n int) {
	if n > r.size {
		n = r.size
	}
	r.head = (r.head + n) % len(r.data)
	r.size -= n
}
