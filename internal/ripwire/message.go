// Package ripwire encodes and decodes the RIPv2-like payload carried over
// protocol 200 (spec §4.3). No ecosystem library implements this bespoke
// 64-entry-max record format, so it is hand-rolled with encoding/binary,
// the same way the teacher pack hand-rolls its own bespoke control-message
// wire format (see malbeclabs-doublezero's BFD ControlPacket.Marshal).
package ripwire

import (
	"encoding/binary"
	"fmt"
)

// Command values for the u16 command field.
const (
	CommandRequest  uint16 = 1
	CommandResponse uint16 = 2
)

// MaxEntries bounds the number of route entries in a single message.
const MaxEntries = 64

// Infinity is the poison cost: a route at this cost is unreachable.
const Infinity uint32 = 16

// Entry is one advertised route: (address, mask, cost).
type Entry struct {
	Cost    uint32
	Address uint32
	Mask    uint32
}

// Message is a full RIP request or response.
type Message struct {
	Command uint16
	Entries []Entry
}

// entrySize is the wire size of one Entry: 3 x u32.
const entrySize = 12

// headerSize is the wire size of the command + num_entries fields.
const headerSize = 4

// Marshal serializes m into its wire format: u16 command, u16 num_entries,
// followed by num_entries x (u32 cost, u32 address, u32 mask), all network
// byte order.
func Marshal(m Message) ([]byte, error) {
	if len(m.Entries) > MaxEntries {
		return nil, fmt.Errorf("ripwire: marshal: %d entries exceeds max %d", len(m.Entries), MaxEntries)
	}

	buf := make([]byte, headerSize+entrySize*len(m.Entries))
	binary.BigEndian.PutUint16(buf[0:2], m.Command)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(m.Entries)))

	off := headerSize
	for _, e := range m.Entries {
		binary.BigEndian.PutUint32(buf[off:off+4], e.Cost)
		binary.BigEndian.PutUint32(buf[off+4:off+8], e.Address)
		binary.BigEndian.PutUint32(buf[off+8:off+12], e.Mask)
		off += entrySize
	}
	return buf, nil
}

// Unmarshal parses the wire format produced by Marshal.
func Unmarshal(data []byte) (Message, error) {
	if len(data) < headerSize {
		return Message{}, fmt.Errorf("ripwire: unmarshal: short message (%d bytes)", len(data))
	}

	command := binary.BigEndian.Uint16(data[0:2])
	numEntries := binary.BigEndian.Uint16(data[2:4])
	if numEntries > MaxEntries {
		return Message{}, fmt.Errorf("ripwire: unmarshal: %d entries exceeds max %d", numEntries, MaxEntries)
	}

	want := headerSize + entrySize*int(numEntries)
	if len(data) < want {
		return Message{}, fmt.Errorf("ripwire: unmarshal: short message, want %d bytes have %d", want, len(data))
	}

	entries := make([]Entry, numEntries)
	off := headerSize
	for i := range entries {
		entries[i] = Entry{
			Cost:    binary.BigEndian.Uint32(data[off : off+4]),
			Address: binary.BigEndian.Uint32(data[off+4 : off+8]),
			Mask:    binary.BigEndian.Uint32(data[off+8 : off+12]),
		}
		off += entrySize
	}

	return Message{Command: command, Entries: entries}, nil
}
