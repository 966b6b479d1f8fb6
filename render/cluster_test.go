package render

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shugraphics/rendergrid"
	"github.com/shugraphics/rendergrid/hierarchy"
)

// recordingFactory hands out headless windows and remembers them, so
// tests can inspect swap counts afterwards.
type recordingFactory struct {
	mu      sync.Mutex
	windows map[string]*HeadlessWindow
}

func newRecordingFactory() *recordingFactory {
	return &recordingFactory{windows: make(map[string]*HeadlessWindow)}
}

func (f *recordingFactory) make(branch hierarchy.WindowBranch) OSWindow {
	w := &HeadlessWindow{}
	f.mu.Lock()
	f.windows[branch.Name] = w
	f.mu.Unlock()
	return w
}

func (f *recordingFactory) window(name string) *HeadlessWindow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.windows[name]
}

// testCluster wires a server and n in-process render clients over local
// pipes, the same topology a launched cluster has minus the processes.
type testCluster struct {
	t       *testing.T
	server  *rendergrid.Node
	config  *hierarchy.Config
	clients []*Client
	runErr  chan error
}

func startCluster(t *testing.T, nClients int, opts ClientOptions, cfgOpts ...hierarchy.ConfigOption) *testCluster {
	t.Helper()
	pipeName := fmt.Sprintf("cluster-%s", t.Name())

	server, err := rendergrid.NewNode()
	require.NoError(t, err)
	require.NoError(t, server.Listen(rendergrid.ConnectionDescription{Type: rendergrid.ConnPipe, Hostname: pipeName}))
	t.Cleanup(func() { server.Shutdown() })

	tc := &testCluster{
		t:      t,
		server: server,
		config: hierarchy.NewConfig(server, t.Name(), cfgOpts...),
		runErr: make(chan error, nClients),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < nClients; i++ {
		node, err := rendergrid.NewNode()
		require.NoError(t, err)
		t.Cleanup(func() { node.Shutdown() })

		serverID, err := node.Connect(ctx, rendergrid.ConnectionDescription{Type: rendergrid.ConnPipe, Hostname: pipeName})
		require.NoError(t, err)

		client := NewClient(node, serverID, opts)
		_, err = node.MapSession(ctx, serverID, t.Name(), client.BindSession)
		require.NoError(t, err)
		go func() { tc.runErr <- client.Run() }()

		tc.clients = append(tc.clients, client)
	}
	return tc
}

func (tc *testCluster) stopClients() {
	for _, c := range tc.clients {
		c.Stop(true)
	}
	for range tc.clients {
		select {
		case err := <-tc.runErr:
			require.NoError(tc.t, err)
		case <-time.After(5 * time.Second):
			tc.t.Fatal("client never stopped")
		}
	}
}

func TestSingleChannelTenFrames(t *testing.T) {
	factory := newRecordingFactory()
	tc := startCluster(t, 1, ClientOptions{WindowFactory: factory.make})

	n := tc.config.NewNode("local")
	n.AttachPeer(tc.clients[0].node.ID())
	pipe := n.NewPipe(0)
	win := pipe.NewWindow("solo", hierarchy.PixelViewport{W: 64, H: 64})
	ch := win.NewChannel("all")
	require.True(t, ch.Range().IsFull())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, tc.config.Init(ctx))

	fd := hierarchy.NewFrameData()
	var issued []rendergrid.FrameNumber
	for i := 0; i < 10; i++ {
		frame, err := tc.config.StartFrame(ctx, fd)
		require.NoError(t, err)
		issued = append(issued, frame)
	}
	require.NoError(t, tc.config.FinishAllFrames(ctx))

	// Frame numbers are strictly monotonic from 1 and all completed.
	for i, f := range issued {
		require.Equal(t, rendergrid.FrameNumber(i+1), f)
	}
	require.Equal(t, rendergrid.FrameNumber(10), tc.config.FinishedFrame())
	require.Equal(t, 10, factory.window("solo").SwapCount())

	require.NoError(t, tc.config.Exit(ctx))
	tc.stopClients()
}

func TestTwoNodeSortFirstSwapLock(t *testing.T) {
	factory := newRecordingFactory()
	tc := startCluster(t, 2, ClientOptions{WindowFactory: factory.make})

	for i, name := range []string{"host1", "host2"} {
		n := tc.config.NewNode(name)
		n.AttachPeer(tc.clients[i].node.ID())
		win := n.NewPipe(0).NewWindow(name+"-win", hierarchy.PixelViewport{W: 64, H: 64})
		win.JoinSwapGroup("wall")
		ch := win.NewChannel(name + "-chan")
		if i == 0 {
			ch.SetRange(hierarchy.Range{Lo: 0, Hi: 0.5})
		} else {
			ch.SetRange(hierarchy.Range{Lo: 0.5, Hi: 1})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, tc.config.Init(ctx))

	fd := hierarchy.NewFrameData()
	for i := 0; i < 5; i++ {
		_, err := tc.config.StartFrame(ctx, fd)
		require.NoError(t, err)
	}
	require.NoError(t, tc.config.FinishAllFrames(ctx))
	require.Equal(t, rendergrid.FrameNumber(5), tc.config.FinishedFrame())

	// Swap-locked windows never drift: both swapped exactly once per
	// frame.
	require.Equal(t, 5, factory.window("host1-win").SwapCount())
	require.Equal(t, 5, factory.window("host2-win").SwapCount())

	require.NoError(t, tc.config.Exit(ctx))
	tc.stopClients()
}

// slowDrawCallbacks delays every draw, making pipeline lag observable.
type slowDrawCallbacks struct {
	BaseCallbacks
	delay time.Duration
}

func (s slowDrawCallbacks) ChannelFrameDraw(c *Channel, fc FrameContext) error {
	time.Sleep(s.delay)
	return nil
}

func TestLatencyBoundsInFlightFrames(t *testing.T) {
	factory := newRecordingFactory()
	tc := startCluster(t, 1,
		ClientOptions{
			WindowFactory: factory.make,
			Callbacks:     slowDrawCallbacks{delay: 30 * time.Millisecond},
		},
		hierarchy.WithLatency(2),
	)

	n := tc.config.NewNode("local")
	n.AttachPeer(tc.clients[0].node.ID())
	n.SetThreadModel(hierarchy.Async)
	n.NewPipe(0).NewWindow("w", hierarchy.PixelViewport{W: 16, H: 16}).NewChannel("c")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, tc.config.Init(ctx))

	fd := hierarchy.NewFrameData()
	for i := 0; i < 6; i++ {
		frame, err := tc.config.StartFrame(ctx, fd)
		require.NoError(t, err)
		// The issued frame never runs more than latency+1 ahead of the
		// completed one.
		lag := uint32(frame) - uint32(tc.config.FinishedFrame())
		require.LessOrEqual(t, lag, uint32(tc.config.Latency()+1))
	}
	require.NoError(t, tc.config.FinishAllFrames(ctx))
	require.Equal(t, rendergrid.FrameNumber(6), tc.config.FinishedFrame())

	require.NoError(t, tc.config.Exit(ctx))
	tc.stopClients()
}

func TestNodeLossFailsFrame(t *testing.T) {
	factory := newRecordingFactory()
	tc := startCluster(t, 1,
		ClientOptions{WindowFactory: factory.make},
		hierarchy.WithFrameTimeout(300*time.Millisecond),
	)

	n := tc.config.NewNode("doomed")
	n.AttachPeer(tc.clients[0].node.ID())
	n.NewPipe(0).NewWindow("w", hierarchy.PixelViewport{W: 16, H: 16}).NewChannel("c")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, tc.config.Init(ctx))

	// Kill the render node mid-run: its pending frame fails and the
	// subtree transitions to stopping.
	tc.clients[0].Stop(false)
	tc.clients[0].node.Shutdown()

	fd := hierarchy.NewFrameData()
	_, err := tc.config.StartFrame(ctx, fd)
	require.NoError(t, err)
	tc.config.FinishAllFrames(ctx)

	require.Eventually(t, func() bool {
		return n.State() == hierarchy.Stopping
	}, 5*time.Second, 20*time.Millisecond)
	require.NotEmpty(t, n.ErrorMessage())
}

func TestRuntimeChannelAddRemove(t *testing.T) {
	factory := newRecordingFactory()
	tc := startCluster(t, 1, ClientOptions{WindowFactory: factory.make})

	n := tc.config.NewNode("local")
	n.AttachPeer(tc.clients[0].node.ID())
	win := n.NewPipe(0).NewWindow("w", hierarchy.PixelViewport{W: 16, H: 16})
	win.NewChannel("base")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, tc.config.Init(ctx))

	fd := hierarchy.NewFrameData()
	_, err := tc.config.StartFrame(ctx, fd)
	require.NoError(t, err)
	require.NoError(t, tc.config.FinishAllFrames(ctx))

	// Grow the window by one channel mid-run, render, then shrink it
	// back.
	extra, err := tc.config.AddChannel(win, "extra",
		hierarchy.Range{Lo: 0.5, Hi: 1}, hierarchy.Viewport{X: 0.5, Y: 0, W: 0.5, H: 1})
	require.NoError(t, err)

	_, err = tc.config.StartFrame(ctx, fd)
	require.NoError(t, err)
	require.NoError(t, tc.config.FinishAllFrames(ctx))

	require.NoError(t, tc.config.RemoveChannel(extra))
	_, err = tc.config.StartFrame(ctx, fd)
	require.NoError(t, err)
	require.NoError(t, tc.config.FinishAllFrames(ctx))

	require.Equal(t, rendergrid.FrameNumber(3), tc.config.FinishedFrame())
	require.Equal(t, 3, factory.window("w").SwapCount())

	require.NoError(t, tc.config.Exit(ctx))
	tc.stopClients()
}
