// Package ipwire builds and parses the IPv4 headers that travel over the
// emulated links in internal/iface. No options and no fragmentation are
// supported; every packet fits in one UDP datagram (spec §4.1 MTU 1500).
package ipwire

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Protocol numbers carried in the IPv4 header's Protocol field.
const (
	ProtoTest = 0
	ProtoTCP  = 6
	ProtoRIP  = 200
)

// DefaultTTL is used by Engine.Originate for locally-sourced packets.
const DefaultTTL = 16

// ErrTruncated is returned when a datagram is too short to hold a full
// IPv4 header.
var ErrTruncated = errors.New("ipwire: truncated header")

// ErrChecksum is returned by Parse when the header checksum does not match
// the computed value.
var ErrChecksum = errors.New("ipwire: checksum mismatch")

// ErrTTLExpired is returned by Parse when TTL is zero.
var ErrTTLExpired = errors.New("ipwire: ttl expired")

// Header is the subset of IPv4 header fields the forwarding engine cares
// about. It is deliberately smaller than layers.IPv4 — callers that need
// the full parsed layer can keep using gopacket directly.
type Header struct {
	Src      net.IP
	Dst      net.IP
	TTL      uint8
	Protocol uint8
}

// Packet is a parsed IPv4 datagram: header plus payload.
type Packet struct {
	Header  Header
	Payload []byte
}

// Build serializes an IPv4 header (no options) followed by payload,
// computing the header checksum. It uses gopacket's layers.IPv4 so the
// on-wire checksum algorithm matches a real IPv4 stack rather than a
// hand-rolled one.
func Build(h Header, payload []byte) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      h.TTL,
		Protocol: layers.IPProtocol(h.Protocol),
		SrcIP:    h.Src.To4(),
		DstIP:    h.Dst.To4(),
	}
	if ip.SrcIP == nil || ip.DstIP == nil {
		return nil, fmt.Errorf("ipwire: build: src/dst must be IPv4")
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("ipwire: build: %w", err)
	}
	return buf.Bytes(), nil
}

// Parse decodes an IPv4 header and validates it per spec §4.2: TTL must be
// non-zero and the header checksum must match. Truncated datagrams return
// ErrTruncated before any other check.
func Parse(data []byte) (Packet, error) {
	if len(data) < 20 {
		return Packet{}, ErrTruncated
	}

	ip := &layers.IPv4{}
	if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return Packet{}, fmt.Errorf("ipwire: parse: %w", err)
	}

	if ip.TTL == 0 {
		return Packet{}, ErrTTLExpired
	}
	if !validChecksum(ip) {
		return Packet{}, ErrChecksum
	}

	return Packet{
		Header: Header{
			Src:      ip.SrcIP,
			Dst:      ip.DstIP,
			TTL:      ip.TTL,
			Protocol: uint8(ip.Protocol),
		},
		Payload: ip.LayerPayload(),
	}, nil
}

// validChecksum re-serializes the header with the wire checksum zeroed and
// recomputed, and compares against the value that was actually on the wire.
// gopacket only computes checksums on serialize, so this is the verification
// counterpart used on the receive path.
func validChecksum(ip *layers.IPv4) bool {
	want := ip.Checksum
	clone := *ip
	clone.Checksum = 0
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &clone, gopacket.Payload(ip.LayerPayload())); err != nil {
		return false
	}
	reparsed := &layers.IPv4{}
	if err := reparsed.DecodeFromBytes(buf.Bytes(), gopacket.NilDecodeFeedback); err != nil {
		return false
	}
	return reparsed.Checksum == want
}

// DecrementAndReseal decrements TTL by one and recomputes the checksum, for
// packets the engine is about to forward rather than deliver locally. It
// returns an error (rather than silently clamping) if TTL is already zero —
// callers must have validated the packet via Parse first.
func DecrementAndReseal(h Header, payload []byte) (Header, []byte, error) {
	if h.TTL == 0 {
		return Header{}, nil, ErrTTLExpired
	}
	h.TTL--
	wire, err := Build(h, payload)
	if err != nil {
		return Header{}, nil, err
	}
	return h, wire, nil
}
