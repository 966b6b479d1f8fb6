package rendergrid

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		pkt  *Packet
	}{
		{"node", NewNodePacket(CmdStop, nil)},
		{"node with payload", NewNodePacket(CmdMapSession, []byte("session\x00"))},
		{"session", NewSessionPacket(CmdFrameStart, 7, []byte{1, 2, 3, 4})},
		{"object", NewObjectPacket(CmdDelta, 7, 42, []byte{0xde, 0xad})},
		{"object empty payload", NewObjectPacket(CmdSync, 1, 1, nil)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			n, err := tc.pkt.WriteTo(&buf)
			require.NoError(t, err)
			require.Equal(t, tc.pkt.EncodedSize(), uint64(n))

			got, err := ReadPacket(&buf)
			require.NoError(t, err)
			require.Equal(t, tc.pkt.Datatype, got.Datatype)
			require.Equal(t, tc.pkt.Command, got.Command)
			require.Equal(t, tc.pkt.SessionID, got.SessionID)
			require.Equal(t, tc.pkt.HasObject, got.HasObject)
			require.Equal(t, tc.pkt.ObjectID, got.ObjectID)
			require.Equal(t, len(tc.pkt.Payload), len(got.Payload))
			if len(tc.pkt.Payload) > 0 {
				require.Equal(t, tc.pkt.Payload, got.Payload)
			}
		})
	}
}

func TestPacketBackToBack(t *testing.T) {
	var buf bytes.Buffer
	first := NewSessionPacket(CmdFrameStart, 1, []byte{1})
	second := NewNodePacket(CmdStop, nil)
	_, err := first.WriteTo(&buf)
	require.NoError(t, err)
	_, err = second.WriteTo(&buf)
	require.NoError(t, err)

	got1, err := ReadPacket(&buf)
	require.NoError(t, err)
	require.Equal(t, CmdFrameStart, got1.Command)
	got2, err := ReadPacket(&buf)
	require.NoError(t, err)
	require.Equal(t, CmdStop, got2.Command)
}

func TestReadPacketMalformed(t *testing.T) {
	// Header claiming a size smaller than the header itself.
	pkt := NewNodePacket(CmdStop, nil)
	var buf bytes.Buffer
	_, err := pkt.WriteTo(&buf)
	require.NoError(t, err)
	raw := buf.Bytes()
	for i := 0; i < 8; i++ {
		raw[i] = 0
	}
	raw[0] = 1

	_, err = ReadPacket(bytes.NewReader(raw))
	require.ErrorIs(t, err, ErrMalformedPacket)
}

func TestReadPacketTruncatedIDs(t *testing.T) {
	pkt := NewObjectPacket(CmdDelta, 1, 2, nil)
	var buf bytes.Buffer
	_, err := pkt.WriteTo(&buf)
	require.NoError(t, err)

	// Cut the stream inside the object ids.
	raw := buf.Bytes()[:HeaderSize+2]
	_, err = ReadPacket(bytes.NewReader(raw))
	require.Error(t, err)
}

func TestCommandStrings(t *testing.T) {
	require.Equal(t, "FRAME_START", CmdFrameStart.String())
	require.Equal(t, "BARRIER_ENTER_REPLY", CmdBarrierEnterReply.String())
	require.Contains(t, Command(9999).String(), "UNKNOWN")
}
