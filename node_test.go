package rendergrid

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// startNodePair brings up a listening "server" node and a "client" node
// connected to it over a local pipe.
func startNodePair(t *testing.T, pipeName string) (server, client *Node, serverID NodeID) {
	t.Helper()

	server, err := NewNode()
	require.NoError(t, err)
	require.NoError(t, server.Listen(ConnectionDescription{Type: ConnPipe, Hostname: pipeName}))
	t.Cleanup(func() { server.Shutdown() })

	client, err = NewNode()
	require.NoError(t, err)
	t.Cleanup(func() { client.Shutdown() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	serverID, err = client.Connect(ctx, ConnectionDescription{Type: ConnPipe, Hostname: pipeName})
	require.NoError(t, err)
	require.Equal(t, server.ID(), serverID)
	return server, client, serverID
}

func TestNodeHandshake(t *testing.T) {
	server, client, _ := startNodePair(t, "node-test-handshake")

	require.Equal(t, StateListening, server.State())
	require.Equal(t, StateConnected, client.State())

	// Both sides learn the peer's identity.
	require.Eventually(t, func() bool {
		return len(server.Peers()) == 1 && server.Peers()[0] == client.ID()
	}, time.Second, 10*time.Millisecond)
}

func TestNodeMapSessionResolvesSameID(t *testing.T) {
	_, client, serverID := startNodePair(t, "node-test-mapsession")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s1, err := client.MapSession(ctx, serverID, "scene")
	require.NoError(t, err)
	s2, err := client.MapSession(ctx, serverID, "scene")
	require.NoError(t, err)
	require.Equal(t, s1.ID(), s2.ID())

	s3, err := client.MapSession(ctx, serverID, "other")
	require.NoError(t, err)
	require.NotEqual(t, s1.ID(), s3.ID())
}

func TestNodeObjectReplication(t *testing.T) {
	server, client, serverID := startNodePair(t, "node-test-replication")

	sess := server.OpenSession("scene")
	master := NewMasterObject([]byte{0, 0, 0, 0})
	oid := sess.RegisterObject(master)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clientSess, err := client.MapSession(ctx, serverID, "scene")
	require.NoError(t, err)

	slave := NewSlaveObject()
	clientSess.MapObject(oid, slave)
	require.NoError(t, client.SendToPeer(serverID, NewObjectPacket(CmdSync, clientSess.ID(), oid, nil)))

	// The initial snapshot arrives.
	require.NoError(t, slave.WaitForVersion(ctx, 1))
	require.Equal(t, []byte{0, 0, 0, 0}, slave.InstanceData())

	// One hundred commits; every version is observed in order with no
	// skips, and the slave never runs ahead of the master.
	waitErr := make(chan error, 1)
	go func() {
		waitErr <- slave.WaitForVersion(ctx, 101)
	}()
	for i := 1; i <= 100; i++ {
		payload := make([]byte, 4)
		binary.NativeEndian.PutUint32(payload, uint32(i))
		v, err := server.CommitObject(master, payload)
		require.NoError(t, err)
		require.Equal(t, Version(i+1), v)
		require.LessOrEqual(t, slave.Version(), master.Version())
	}
	require.NoError(t, <-waitErr)
	require.Equal(t, Version(101), slave.Version())
	require.Equal(t, uint32(100), binary.NativeEndian.Uint32(slave.InstanceData()))
}

func TestNodeSessionPacketParksUntilMapped(t *testing.T) {
	server, client, serverID := startNodePair(t, "node-test-park")

	handled := make(chan FrameNumber, 1)
	sess := server.OpenSession("late", func(s *Session) {
		s.Handle(CmdFrameStart, func(from NodeID, conn Connection, pkt *Packet) error {
			handled <- FrameNumber(binary.NativeEndian.Uint32(pkt.Payload))
			return nil
		})
	})

	// A packet into a session the receiver has mapped dispatches to the
	// registered handler.
	payload := make([]byte, 4)
	binary.NativeEndian.PutUint32(payload, 7)
	require.NoError(t, client.SendToPeer(serverID, NewSessionPacket(CmdFrameStart, sess.ID(), payload)))
	select {
	case f := <-handled:
		require.Equal(t, FrameNumber(7), f)
	case <-time.After(time.Second):
		t.Fatal("session handler never ran")
	}

	// Server pushes a packet for a session id the client has not mapped
	// yet; it parks, then drains once the session appears.
	clientHandled := make(chan struct{}, 1)
	require.Eventually(t, func() bool { return len(server.Peers()) == 1 }, time.Second, 5*time.Millisecond)
	clientID := server.Peers()[0]
	require.NoError(t, server.SendToPeer(clientID, NewSessionPacket(CmdFrameStart, sess.ID(), payload)))

	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.MapSession(ctx, serverID, "late", func(s *Session) {
		s.Handle(CmdFrameStart, func(from NodeID, conn Connection, pkt *Packet) error {
			clientHandled <- struct{}{}
			return nil
		})
	})
	require.NoError(t, err)

	select {
	case <-clientHandled:
	case <-time.After(time.Second):
		t.Fatal("parked packet never redispatched")
	}
}

func TestNodeStopHandler(t *testing.T) {
	server, client, _ := startNodePair(t, "node-test-stop")

	stopped := make(chan bool, 1)
	client.SetStopHandler(func(graceful bool) { stopped <- graceful })

	require.Eventually(t, func() bool { return len(server.Peers()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, server.Stop(client.ID(), true))

	select {
	case graceful := <-stopped:
		require.True(t, graceful)
	case <-time.After(time.Second):
		t.Fatal("stop handler never ran")
	}
}

func TestNodePeerDeathByGossip(t *testing.T) {
	server, err := NewNode()
	require.NoError(t, err)
	require.NoError(t, server.Listen(ConnectionDescription{Type: ConnPipe, Hostname: "node-test-gossip-death"}))
	defer server.Shutdown()

	// The client advertises the hostname gossip will later report dead.
	client, err := NewNode(WithAdvertise(ConnectionDescription{
		Type:     ConnTCPIP,
		Hostname: "render-9",
		Port:     7000,
	}))
	require.NoError(t, err)
	defer client.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = client.Connect(ctx, ConnectionDescription{Type: ConnPipe, Hostname: "node-test-gossip-death"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(server.Peers()) == 1 }, time.Second, 5*time.Millisecond)

	lost := make(chan error, 1)
	server.SetDisconnectHandler(func(id NodeID, cause error) { lost <- cause })

	// A gossip-confirmed death drops the peer without waiting for its
	// connection to fail.
	server.handlePeerDeath("render-9")

	select {
	case cause := <-lost:
		require.ErrorIs(t, cause, ErrUnreachableHost)
	case <-time.After(time.Second):
		t.Fatal("disconnect handler never ran")
	}
	require.Empty(t, server.Peers())

	// An unknown hostname is a no-op.
	server.handlePeerDeath("someone-else")
}

func TestNodeLaunchIDServesPendingRequest(t *testing.T) {
	server, err := NewNode()
	require.NoError(t, err)
	require.NoError(t, server.Listen(ConnectionDescription{Type: ConnPipe, Hostname: "node-test-launchid"}))
	defer server.Shutdown()

	reqID, err := server.Requests().Register()
	require.NoError(t, err)

	// A "launched" child connecting back with the request id resolves
	// the pending launch.
	child, err := NewNode(WithLaunchID(reqID))
	require.NoError(t, err)
	defer child.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = child.Connect(ctx, ConnectionDescription{Type: ConnPipe, Hostname: "node-test-launchid"})
	require.NoError(t, err)

	v, err := server.Requests().Wait(ctx, reqID)
	require.NoError(t, err)
	require.Equal(t, child.ID(), v)
}

func TestNodeGetConnectionDescription(t *testing.T) {
	advertised := ConnectionDescription{
		Type:      ConnTCPIP,
		Hostname:  "render-7",
		Port:      9001,
		Bandwidth: 10000,
	}
	server, err := NewNode(WithAdvertise(advertised))
	require.NoError(t, err)
	require.NoError(t, server.Listen(ConnectionDescription{Type: ConnPipe, Hostname: "node-test-getdesc"}))
	defer server.Shutdown()

	client, err := NewNode()
	require.NoError(t, err)
	defer client.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	serverID, err := client.Connect(ctx, ConnectionDescription{Type: ConnPipe, Hostname: "node-test-getdesc"})
	require.NoError(t, err)

	desc, err := client.GetConnectionDescription(ctx, serverID, 0)
	require.NoError(t, err)
	require.Equal(t, advertised.Hostname, desc.Hostname)
	require.Equal(t, advertised.Port, desc.Port)

	_, err = client.GetConnectionDescription(ctx, serverID, 5)
	require.ErrorIs(t, err, ErrNoRoute)
}
