package rendergrid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPipeConnection(t *testing.T) {
	pl, err := ListenPipe("conn-test-basic")
	require.NoError(t, err)
	defer pl.Close()

	acceptCh := make(chan Connection, 1)
	go func() {
		conn, err := pl.Accept()
		if err != nil {
			return
		}
		acceptCh <- AcceptTCP(conn)
	}()

	client, err := DialPipe("conn-test-basic")
	require.NoError(t, err)
	defer client.Close()
	server := <-acceptCh
	defer server.Close()

	go func() {
		require.NoError(t, client.Send([]byte("hello")))
	}()

	buf := make([]byte, 5)
	require.NoError(t, server.Recv(buf))
	require.Equal(t, "hello", string(buf))
}

func TestDialPipeUnknownName(t *testing.T) {
	_, err := DialPipe("conn-test-nobody-listens")
	require.ErrorIs(t, err, ErrNotListening)
}

func TestSendWithStringAlignment(t *testing.T) {
	pl, err := ListenPipe("conn-test-string")
	require.NoError(t, err)
	defer pl.Close()

	acceptCh := make(chan Connection, 1)
	go func() {
		conn, err := pl.Accept()
		if err != nil {
			return
		}
		acceptCh <- AcceptTCP(conn)
	}()

	client, err := DialPipe("conn-test-string")
	require.NoError(t, err)
	defer client.Close()
	server := <-acceptCh
	defer server.Close()

	go func() {
		require.NoError(t, client.SendWithString(CmdMapSession, "scene"))
	}()

	pkt, err := server.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, CmdMapSession, pkt.Command)
	// NUL-terminated, padded to 8 bytes.
	require.Equal(t, 0, len(pkt.Payload)%8)
	require.Equal(t, "scene", decodeInlineString(pkt.Payload))
}

func TestSortDescriptionsByBandwidth(t *testing.T) {
	descs := []ConnectionDescription{
		{Hostname: "slow", Bandwidth: 100},
		{Hostname: "fast", Bandwidth: 10000},
		{Hostname: "mid", Bandwidth: 1000},
	}
	sorted := SortDescriptionsByBandwidth(descs)
	require.Equal(t, "fast", sorted[0].Hostname)
	require.Equal(t, "mid", sorted[1].Hostname)
	require.Equal(t, "slow", sorted[2].Hostname)
	// Input untouched.
	require.Equal(t, "slow", descs[0].Hostname)
}

func TestKeepAliveTraffic(t *testing.T) {
	pl, err := ListenPipe("conn-test-keepalive")
	require.NoError(t, err)
	defer pl.Close()

	acceptCh := make(chan Connection, 1)
	go func() {
		conn, err := pl.Accept()
		if err != nil {
			return
		}
		acceptCh <- AcceptTCP(conn)
	}()

	client, err := DialPipe("conn-test-keepalive")
	require.NoError(t, err)
	defer client.Close()
	server := <-acceptCh
	defer server.Close()

	client.SetKeepAlive(10 * time.Millisecond)
	pkt, err := server.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, CmdKeepAlive, pkt.Command)
	client.SetKeepAlive(0)
}
