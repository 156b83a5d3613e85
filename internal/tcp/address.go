package tcp

import (
	"fmt"
	"net"
)

// Address is a TCP endpoint (spec §3's TcpAddress).
type Address struct {
	IP   net.IP
	Port uint16
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

func (a Address) Equal(o Address) bool {
	return a.IP.Equal(o.IP) && a.Port == o.Port
}

// FourTuple uniquely identifies a Connection (spec §3: at most one
// Connection Socket per 4-tuple).
type FourTuple struct {
	Local  Address
	Remote Address
}

func (f FourTuple) String() string {
	return fmt.Sprintf("%s<->%s", f.Local, f.Remote)
}

// seqLess reports whether a precedes b using 32-bit wrap-aware comparison
// (spec §3: "sequence numbers are modulo 2^32; arithmetic uses
// wrap-aware comparison").
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

func seqLessEq(a, b uint32) bool {
	return a == b || seqLess(a, b)
}

func seqInWindow(seq, lo, window uint32) bool {
	if window == 0 {
		return seq == lo
	}
	return seqLessEq(lo, seq) && seqLess(seq, lo+window)
}
