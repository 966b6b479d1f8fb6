package rendergrid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T, name string) (client, server Connection) {
	t.Helper()
	pl, err := ListenPipe(name)
	require.NoError(t, err)
	t.Cleanup(func() { pl.Close() })

	acceptCh := make(chan Connection, 1)
	go func() {
		conn, err := pl.Accept()
		if err != nil {
			return
		}
		acceptCh <- AcceptTCP(conn)
	}()

	client, err = DialPipe(name)
	require.NoError(t, err)
	server = <-acceptCh
	t.Cleanup(func() { client.Close(); server.Close() })
	return client, server
}

func TestConnectionSetDataEvent(t *testing.T) {
	client, server := pipePair(t, "cs-test-data")

	cs := NewConnectionSet()
	defer cs.Close()
	cs.Add(server)

	ev := cs.Select(time.Second)
	require.Equal(t, EventConnect, ev.Type)

	go client.SendPacket(NewNodePacket(CmdStop, nil))

	ev = cs.Select(time.Second)
	require.Equal(t, EventData, ev.Type)
	require.NotNil(t, ev.Packet)
	require.Equal(t, CmdStop, ev.Packet.Command)
}

func TestConnectionSetTimeout(t *testing.T) {
	cs := NewConnectionSet()
	defer cs.Close()
	ev := cs.Select(20 * time.Millisecond)
	require.Equal(t, EventTimeout, ev.Type)
}

func TestConnectionSetInterrupt(t *testing.T) {
	cs := NewConnectionSet()
	defer cs.Close()
	go cs.Interrupt()
	ev := cs.Select(time.Second)
	require.Equal(t, EventInterrupt, ev.Type)
}

func TestConnectionSetDisconnect(t *testing.T) {
	client, server := pipePair(t, "cs-test-disc")

	cs := NewConnectionSet()
	defer cs.Close()
	cs.Add(server)
	require.Equal(t, EventConnect, cs.Select(time.Second).Type)

	client.Close()
	ev := cs.Select(time.Second)
	require.Equal(t, EventDisconnect, ev.Type)
	require.Error(t, ev.Err)
}

func TestConnectionSetAddFromOtherGoroutine(t *testing.T) {
	cs := NewConnectionSet()
	defer cs.Close()

	client, server := pipePair(t, "cs-test-concurrent-add")

	// The selector is already blocked when the add happens; the new
	// member's first event must still be observed.
	evCh := make(chan Event, 2)
	go func() {
		evCh <- cs.Select(time.Second)
		evCh <- cs.Select(time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	cs.Add(server)
	go client.SendPacket(NewNodePacket(CmdKeepAlive, nil))

	ev := <-evCh
	require.Equal(t, EventConnect, ev.Type)
	ev = <-evCh
	require.Equal(t, EventData, ev.Type)
}

func TestConnectionSetRemove(t *testing.T) {
	client, server := pipePair(t, "cs-test-remove")

	cs := NewConnectionSet()
	defer cs.Close()
	cs.Add(server)
	require.Equal(t, EventConnect, cs.Select(time.Second).Type)

	cs.Remove(server)
	go client.SendPacket(NewNodePacket(CmdStop, nil))
	ev := cs.Select(50 * time.Millisecond)
	require.Equal(t, EventTimeout, ev.Type)
}
