// Package tcpwire builds and parses the TCP segments exchanged by
// internal/tcp connections. Options are never emitted or expected (spec §6:
// "TCP header (20 bytes, no options)").
package tcpwire

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Flag bits, matching the wire layout used throughout internal/tcp.
const (
	FlagFIN uint8 = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

// ErrTruncated is returned when a datagram is too short to hold a TCP header.
var ErrTruncated = errors.New("tcpwire: truncated segment")

// ErrChecksum is returned when the pseudo-header checksum does not match.
var ErrChecksum = errors.New("tcpwire: checksum mismatch")

// Segment is a parsed TCP segment.
type Segment struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Window  uint16
	Payload []byte
}

func (s Segment) Has(flag uint8) bool { return s.Flags&flag != 0 }

// Build serializes a TCP segment with a checksum computed over the IPv4
// pseudo-header, the TCP header, and the payload, using gopacket's
// layers.TCP/layers.IPv4 so the checksum math matches a real TCP/IP stack.
func Build(srcIP, dstIP net.IP, s Segment) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    srcIP.To4(),
		DstIP:    dstIP.To4(),
	}
	if ip.SrcIP == nil || ip.DstIP == nil {
		return nil, fmt.Errorf("tcpwire: build: src/dst must be IPv4")
	}

	tcp := &layers.TCP{
		SrcPort:    layers.TCPPort(s.SrcPort),
		DstPort:    layers.TCPPort(s.DstPort),
		Seq:        s.Seq,
		Ack:        s.Ack,
		DataOffset: 5,
		Window:     s.Window,
		FIN:        s.Has(FlagFIN),
		SYN:        s.Has(FlagSYN),
		RST:        s.Has(FlagRST),
		PSH:        s.Has(FlagPSH),
		ACK:        s.Has(FlagACK),
		URG:        s.Has(FlagURG),
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("tcpwire: build: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, tcp, gopacket.Payload(s.Payload)); err != nil {
		return nil, fmt.Errorf("tcpwire: build: %w", err)
	}
	return buf.Bytes(), nil
}

// Parse decodes a TCP segment and validates its checksum against the given
// IP addresses (taken from the enclosing IPv4 header, already validated by
// ipwire.Parse by the time this is called).
func Parse(srcIP, dstIP net.IP, data []byte) (Segment, error) {
	if len(data) < 20 {
		return Segment{}, ErrTruncated
	}

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    srcIP.To4(),
		DstIP:    dstIP.To4(),
	}

	tcp := &layers.TCP{}
	if err := tcp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return Segment{}, fmt.Errorf("tcpwire: parse: %w", err)
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return Segment{}, fmt.Errorf("tcpwire: parse: %w", err)
	}
	want := tcp.Checksum
	if got, err := computeChecksum(ip, tcp); err != nil || got != want {
		return Segment{}, ErrChecksum
	}

	var flags uint8
	if tcp.FIN {
		flags |= FlagFIN
	}
	if tcp.SYN {
		flags |= FlagSYN
	}
	if tcp.RST {
		flags |= FlagRST
	}
	if tcp.PSH {
		flags |= FlagPSH
	}
	if tcp.ACK {
		flags |= FlagACK
	}
	if tcp.URG {
		flags |= FlagURG
	}

	return Segment{
		SrcPort: uint16(tcp.SrcPort),
		DstPort: uint16(tcp.DstPort),
		Seq:     tcp.Seq,
		Ack:     tcp.Ack,
		Flags:   flags,
		Window:  tcp.Window,
		Payload: tcp.LayerPayload(),
	}, nil
}

// computeChecksum re-serializes the already-decoded segment with a zeroed
// checksum field and reports what gopacket computes for it, mirroring
// ipwire.validChecksum's re-derivation approach since gopacket does not
// expose a standalone "verify" entry point — only "compute on serialize".
func computeChecksum(ip *layers.IPv4, tcp *layers.TCP) (uint16, error) {
	clone := *tcp
	clone.Checksum = 0
	if err := clone.SetNetworkLayerForChecksum(ip); err != nil {
		return 0, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &clone, gopacket.Payload(tcp.LayerPayload())); err != nil {
		return 0, err
	}
	reparsed := &layers.TCP{}
	if err := reparsed.DecodeFromBytes(buf.Bytes(), gopacket.NilDecodeFeedback); err != nil {
		return 0, err
	}
	return reparsed.Checksum, nil
}
