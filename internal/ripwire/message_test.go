package ripwire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	msg := Message{
		Command: CommandResponse,
		Entries: []Entry{
			{Cost: 1, Address: 0x0A000000, Mask: 0xFFFFFF00},
			{Cost: 16, Address: 0x0A010000, Mask: 0xFFFFFF00},
		},
	}

	wire, err := Marshal(msg)
	require.NoError(t, err)
	require.Len(t, wire, headerSize+2*entrySize)

	got, err := Unmarshal(wire)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func TestMarshalRequestHasNoEntries(t *testing.T) {
	wire, err := Marshal(Message{Command: CommandRequest})
	require.NoError(t, err)
	require.Len(t, wire, headerSize)

	got, err := Unmarshal(wire)
	require.NoError(t, err)
	require.Equal(t, CommandRequest, got.Command)
	require.Empty(t, got.Entries)
}

func TestMarshalRejectsTooManyEntries(t *testing.T) {
	entries := make([]Entry, MaxEntries+1)
	_, err := Marshal(Message{Command: CommandResponse, Entries: entries})
	require.Error(t, err)
}

func TestUnmarshalRejectsShortMessage(t *testing.T) {
	_, err := Unmarshal([]byte{0, 2})
	require.Error(t, err)
}

func TestUnmarshalRejectsTruncatedEntries(t *testing.T) {
	wire, err := Marshal(Message{Command: CommandResponse, Entries: []Entry{{Cost: 1, Address: 1, Mask: 1}}})
	require.NoError(t, err)

	_, err = Unmarshal(wire[:len(wire)-4])
	require.Error(t, err)
}
