// Package render is the render-node side of the cluster: one process
// per configured host, driven entirely by packets from the server. The
// receiver goroutine enqueues work onto the node's command queue; the
// node goroutine fans frames out to per-pipe goroutines owning the GL
// contexts; no user callback ever runs on the receiver.
package render

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shugraphics/rendergrid"
	"github.com/shugraphics/rendergrid/dataplane"
	"github.com/shugraphics/rendergrid/hierarchy"
)

// EnvTaintChannels tints per-channel clears when set, a debugging aid
// for telling channels apart in a composited image.
const EnvTaintChannels = "RENDERGRID_TAINT_CHANNELS"

// ClientOptions configures a render node process.
type ClientOptions struct {
	// Args is the launch rendezvous string, "listenerAddress#requestID",
	// normally taken verbatim from the --client flag.
	Args string

	// SessionName must match the session the server's config masters.
	SessionName string

	Callbacks     Callbacks
	WindowFactory WindowFactory

	// FrameTimeout bounds one frame's execution on a pipe, including
	// the frame data wait and the swap barrier.
	FrameTimeout time.Duration

	// TaintChannels tints channel clears; defaults from the
	// environment.
	TaintChannels bool

	// NodeOptions are passed through to the underlying net node.
	NodeOptions []rendergrid.Option
}

// frameSync joins one frame's pipes: draw completion releases the node
// thread under DRAW_SYNC, full completion under LOCAL_SYNC and always
// gates the finish reply.
type frameSync struct {
	frame rendergrid.FrameNumber

	drawRemaining atomic.Int32
	drawCh        chan struct{}

	doneRemaining atomic.Int32
	doneCh        chan struct{}

	mu   sync.Mutex
	errs []string
}

func newFrameSync(frame rendergrid.FrameNumber, pipes int) *frameSync {
	fs := &frameSync{
		frame:  frame,
		drawCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	fs.drawRemaining.Store(int32(pipes))
	fs.doneRemaining.Store(int32(pipes))
	return fs
}

// drawDone records one pipe's draw completion; the last pipe notifies
// the server.
func (fs *frameSync) drawDone(c *Client, frame rendergrid.FrameNumber) {
	if fs.drawRemaining.Add(-1) == 0 {
		close(fs.drawCh)
		c.notifyDrawFinish(frame)
	}
}

func (fs *frameSync) done() {
	if fs.doneRemaining.Add(-1) == 0 {
		close(fs.doneCh)
	}
}

func (fs *frameSync) fail(msg string) {
	fs.mu.Lock()
	fs.errs = append(fs.errs, msg)
	fs.mu.Unlock()
}

func (fs *frameSync) errMsg() string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return strings.Join(fs.errs, "; ")
}

func (fs *frameSync) waitDraw() { <-fs.drawCh }
func (fs *frameSync) waitDone() { <-fs.doneCh }

// Client is the render-side node: the executor counterpart of the
// server's node entity.
type Client struct {
	node     *rendergrid.Node
	serverID rendergrid.NodeID
	session  *rendergrid.Session

	callbacks    Callbacks
	winFactory   WindowFactory
	taint        bool
	frameTimeout time.Duration

	logger *slog.Logger

	queue *commandQueue

	branch    *hierarchy.NodeBranch
	frameData *rendergrid.Object
	pipes     []*Pipe
	xmit      *Transmitter

	framesMu sync.Mutex
	frames   map[rendergrid.FrameNumber]*frameSync

	stopOnce sync.Once
}

// NewClient wraps an already-connected net node as a render client;
// RunClient is the usual entry point, this exists for same-process
// configurations and tests.
func NewClient(node *rendergrid.Node, serverID rendergrid.NodeID, opts ClientOptions) *Client {
	c := &Client{
		node:         node,
		serverID:     serverID,
		callbacks:    opts.Callbacks,
		winFactory:   opts.WindowFactory,
		taint:        opts.TaintChannels || os.Getenv(EnvTaintChannels) != "",
		frameTimeout: opts.FrameTimeout,
		logger:       node.Logger(),
		queue:        newCommandQueue(),
		frames:       make(map[rendergrid.FrameNumber]*frameSync),
	}
	if c.callbacks == nil {
		c.callbacks = BaseCallbacks{}
	}
	if c.winFactory == nil {
		c.winFactory = NewHeadlessWindow
	}
	if c.frameTimeout <= 0 {
		c.frameTimeout = 10 * time.Second
	}

	node.SetStopHandler(func(graceful bool) { c.Stop(graceful) })
	return c
}

// BindSession extends the session's command table with the render-side
// handlers. Must run before the session dispatches its first packet,
// i.e. as a MapSession setup hook.
func (c *Client) BindSession(s *rendergrid.Session) {
	c.session = s

	s.Handle(rendergrid.CmdConfigInit, func(from rendergrid.NodeID, conn rendergrid.Connection, pkt *rendergrid.Packet) error {
		reqID, body, err := hierarchy.DecodeRequestPayload(pkt.Payload)
		if err != nil {
			return err
		}
		branch, err := hierarchy.UnmarshalNodeBranch(body)
		if err != nil {
			return err
		}
		c.queue.push(func() { c.taskConfigInit(reqID, branch) })
		return nil
	})

	s.Handle(rendergrid.CmdConfigExit, func(from rendergrid.NodeID, conn rendergrid.Connection, pkt *rendergrid.Packet) error {
		reqID, _, err := hierarchy.DecodeRequestPayload(pkt.Payload)
		if err != nil {
			return err
		}
		c.queue.push(func() { c.taskConfigExit(reqID) })
		return nil
	})

	s.Handle(rendergrid.CmdFrameStart, func(from rendergrid.NodeID, conn rendergrid.Connection, pkt *rendergrid.Packet) error {
		frame, version, err := hierarchy.DecodeFrameStartPayload(pkt.Payload)
		if err != nil {
			return err
		}
		c.queue.push(func() { c.taskFrameStart(frame, version) })
		return nil
	})

	s.Handle(rendergrid.CmdFrameFinish, func(from rendergrid.NodeID, conn rendergrid.Connection, pkt *rendergrid.Packet) error {
		reqID, frame, err := hierarchy.DecodeFrameFinishPayload(pkt.Payload)
		if err != nil {
			return err
		}
		c.queue.push(func() { c.taskFrameFinish(reqID, frame) })
		return nil
	})

	s.Handle(rendergrid.CmdWindowBarrier, func(from rendergrid.NodeID, conn rendergrid.Connection, pkt *rendergrid.Packet) error {
		windowID, barrierID, version, err := hierarchy.DecodeWindowBarrierPayload(pkt.Payload)
		if err != nil {
			return err
		}
		c.queue.push(func() { c.taskWindowBarrier(windowID, barrierID, version) })
		return nil
	})

	s.Handle(rendergrid.CmdWindowCreateChannel, func(from rendergrid.NodeID, conn rendergrid.Connection, pkt *rendergrid.Packet) error {
		windowID, branch, err := hierarchy.DecodeWindowCreateChannelPayload(pkt.Payload)
		if err != nil {
			return err
		}
		c.queue.push(func() { c.taskCreateChannel(windowID, branch) })
		return nil
	})

	s.Handle(rendergrid.CmdWindowDestroyChannel, func(from rendergrid.NodeID, conn rendergrid.Connection, pkt *rendergrid.Packet) error {
		windowID, channelID, err := hierarchy.DecodeWindowDestroyChannelPayload(pkt.Payload)
		if err != nil {
			return err
		}
		c.queue.push(func() { c.taskDestroyChannel(windowID, channelID) })
		return nil
	})

	s.Handle(rendergrid.CmdBarrierEnterReply, func(from rendergrid.NodeID, conn rendergrid.Connection, pkt *rendergrid.Packet) error {
		reqID, ok, msg, err := hierarchy.DecodeReplyPayload(pkt.Payload)
		if err != nil {
			return err
		}
		if ok {
			msg = ""
		}
		return c.node.Requests().Serve(reqID, msg, nil)
	})
}

// Run drains the node command queue until Stop; the node-thread
// counterpart of the pipe goroutines. A nil return is a clean shutdown.
func (c *Client) Run() error {
	for {
		task, ok := c.queue.pop()
		if !ok {
			return nil
		}
		task()
	}
}

// Stop ends the client. A graceful stop drains queued work first; a
// hard stop abandons it.
func (c *Client) Stop(graceful bool) {
	c.stopOnce.Do(func() {
		if graceful {
			c.queue.push(func() { c.queue.close() })
			return
		}
		c.queue.mu.Lock()
		c.queue.tasks = nil
		c.queue.mu.Unlock()
		c.queue.close()
	})
}

func (c *Client) taskConfigInit(reqID uint64, branch *hierarchy.NodeBranch) {
	c.branch = branch

	// Map the frame data replica and ask the server for its snapshot;
	// deltas follow automatically with every server-side commit.
	obj := rendergrid.NewSlaveObject()
	c.session.MapObject(branch.FrameDataID, obj)
	c.frameData = obj
	syncPkt := rendergrid.NewObjectPacket(rendergrid.CmdSync, c.session.ID(), branch.FrameDataID, nil)
	if err := c.node.SendToPeer(c.serverID, syncPkt); err != nil {
		c.replyInit(reqID, err.Error())
		return
	}

	if branch.FrameSinkAddr != "" {
		transport, err := dataplane.NewTransport(dataplane.TransportConfig{})
		if err != nil {
			c.replyInit(reqID, err.Error())
			return
		}
		c.xmit = newTransmitter(transport, branch.FrameSinkAddr, c.logger)
	}

	for _, pb := range branch.Pipes {
		c.pipes = append(c.pipes, newPipe(c, pb))
	}

	// Init every pipe in parallel on its own goroutine, then join.
	errCh := make(chan error, len(c.pipes))
	for _, p := range c.pipes {
		p := p
		p.post(func() { errCh <- p.configInit() })
	}
	var msgs []string
	for range c.pipes {
		if err := <-errCh; err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	c.replyInit(reqID, strings.Join(msgs, "; "))
}

func (c *Client) replyInit(reqID uint64, msg string) {
	pkt := rendergrid.NewSessionPacket(
		rendergrid.CmdConfigInitReply,
		c.session.ID(),
		hierarchy.EncodeReplyPayload(reqID, msg == "", msg),
	)
	if err := c.node.SendToPeer(c.serverID, pkt); err != nil {
		c.logger.Error("config init reply failed", rendergrid.LabelError.L(err))
	}
}

func (c *Client) taskConfigExit(reqID uint64) {
	errCh := make(chan error, len(c.pipes))
	for _, p := range c.pipes {
		p := p
		p.post(func() { errCh <- p.configExit() })
	}
	var msgs []string
	for range c.pipes {
		if err := <-errCh; err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	for _, p := range c.pipes {
		p.stop()
	}
	c.pipes = nil

	if c.xmit != nil {
		c.xmit.stop()
		c.xmit = nil
	}

	msg := strings.Join(msgs, "; ")
	pkt := rendergrid.NewSessionPacket(
		rendergrid.CmdConfigExitReply,
		c.session.ID(),
		hierarchy.EncodeReplyPayload(reqID, msg == "", msg),
	)
	if err := c.node.SendToPeer(c.serverID, pkt); err != nil {
		c.logger.Error("config exit reply failed", rendergrid.LabelError.L(err))
	}
}

func (c *Client) taskFrameStart(frame rendergrid.FrameNumber, fdVersion rendergrid.Version) {
	fs := newFrameSync(frame, len(c.pipes))
	c.framesMu.Lock()
	c.frames[frame] = fs
	c.framesMu.Unlock()

	for _, p := range c.pipes {
		p := p
		p.post(func() { p.frame(frame, fdVersion, fs) })
	}

	// The thread model decides when the node thread moves on to the
	// next queued command, which is what throttles how far the server
	// can run ahead of the pipes.
	var model hierarchy.ThreadModel
	if c.branch != nil {
		model = c.branch.ThreadModel
	}
	switch model {
	case hierarchy.Async:
	case hierarchy.LocalSync:
		fs.waitDone()
	default: // DrawSync
		fs.waitDraw()
	}
}

// taskFrameFinish hands the finish wait to its own goroutine: the node
// queue must stay free to accept the next FRAME_START, or the latency
// window could never fill. Per-pipe queues keep frames ordered, so
// frame f's completion never trails f+1's.
func (c *Client) taskFrameFinish(reqID uint64, frame rendergrid.FrameNumber) {
	c.framesMu.Lock()
	fs := c.frames[frame]
	delete(c.frames, frame)
	c.framesMu.Unlock()

	go func() {
		msg := ""
		if fs == nil {
			msg = fmt.Sprintf("frame %d never started", frame)
		} else {
			fs.waitDone()
			msg = fs.errMsg()
		}

		pkt := rendergrid.NewSessionPacket(
			rendergrid.CmdFrameFinishReply,
			c.session.ID(),
			hierarchy.EncodeReplyPayload(reqID, msg == "", msg),
		)
		if err := c.node.SendToPeer(c.serverID, pkt); err != nil {
			c.logger.Error("frame finish reply failed",
				rendergrid.LabelFrameNumber.L(uint32(frame)),
				rendergrid.LabelError.L(err),
			)
		}
	}()
}

func (c *Client) taskWindowBarrier(windowID uint32, barrierID rendergrid.ObjectID, version rendergrid.Version) {
	for _, p := range c.pipes {
		for _, w := range p.windows {
			if w.branch.ID == windowID {
				w.rebindBarrier(barrierID, version)
				return
			}
		}
	}
}

func (c *Client) taskCreateChannel(windowID uint32, branch hierarchy.ChannelBranch) {
	for _, p := range c.pipes {
		for _, w := range p.windows {
			if w.branch.ID != windowID {
				continue
			}
			ch := &Channel{window: w, branch: branch}
			if err := c.callbacks.ChannelConfigInit(ch); err != nil {
				c.logger.Error("runtime channel init failed",
					rendergrid.LabelError.L(err))
				return
			}
			w.channels = append(w.channels, ch)
			return
		}
	}
}

func (c *Client) taskDestroyChannel(windowID, channelID uint32) {
	for _, p := range c.pipes {
		for _, w := range p.windows {
			if w.branch.ID != windowID {
				continue
			}
			for i, ch := range w.channels {
				if ch.branch.ID == channelID {
					c.callbacks.ChannelConfigExit(ch)
					w.channels = append(w.channels[:i], w.channels[i+1:]...)
					return
				}
			}
			return
		}
	}
}

func (c *Client) notifyDrawFinish(frame rendergrid.FrameNumber) {
	pkt := rendergrid.NewSessionPacket(
		rendergrid.CmdFrameDrawFinish,
		c.session.ID(),
		hierarchy.EncodeFrameNumberPayload(frame),
	)
	if err := c.node.SendToPeer(c.serverID, pkt); err != nil {
		c.logger.Warn("draw finish notification failed", rendergrid.LabelError.L(err))
	}
}

// enterBarrier blocks the calling pipe goroutine in the window's swap
// barrier until the server releases the round or ctx expires.
func (c *Client) enterBarrier(ctx context.Context, id rendergrid.ObjectID, version rendergrid.Version) error {
	reqID, err := c.node.Requests().Register()
	if err != nil {
		return err
	}
	pkt := rendergrid.NewObjectPacket(
		rendergrid.CmdBarrierEnter,
		c.session.ID(),
		id,
		hierarchy.EncodeBarrierEnterPayload(reqID, version),
	)
	if err := c.node.SendToPeer(c.serverID, pkt); err != nil {
		c.node.Requests().Serve(reqID, "", err)
		return err
	}

	v, err := c.node.Requests().Wait(ctx, reqID)
	if err != nil {
		if ctx.Err() != nil {
			c.node.Requests().Serve(reqID, "", rendergrid.ErrBarrierTimeout)
			return rendergrid.ErrBarrierTimeout
		}
		return err
	}
	if msg, _ := v.(string); msg != "" {
		return fmt.Errorf("%w: %s", rendergrid.ErrBarrierReleased, msg)
	}
	return nil
}

// parseListenerAddr resolves the rendezvous address a launched client
// dials back: "host:port" is TCP, an address without a colon a local
// pipe name; a colon followed by a non-numeric port is an error.
func parseListenerAddr(addr string) (rendergrid.ConnectionDescription, error) {
	idx := strings.LastIndexByte(addr, ':')
	if idx < 0 {
		return rendergrid.ConnectionDescription{Type: rendergrid.ConnPipe, Hostname: addr}, nil
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return rendergrid.ConnectionDescription{}, fmt.Errorf("%w: listener address %q", rendergrid.ErrInvalidCfg, addr)
	}
	return rendergrid.ConnectionDescription{
		Type:     rendergrid.ConnTCPIP,
		Hostname: addr[:idx],
		Port:     port,
	}, nil
}

// RunClient is the render process entry point: dial the server named in
// the launch args, map the session, then serve commands until stopped.
// The exit error is nil on a clean shutdown.
func RunClient(ctx context.Context, opts ClientOptions) error {
	listenAddr, launchID, err := rendergrid.ParseClientArgs(opts.Args)
	if err != nil {
		return err
	}
	desc, err := parseListenerAddr(listenAddr)
	if err != nil {
		return err
	}

	nodeOpts := append([]rendergrid.Option{rendergrid.WithLaunchID(launchID)}, opts.NodeOptions...)
	node, err := rendergrid.NewNode(nodeOpts...)
	if err != nil {
		return err
	}
	defer node.Shutdown()

	serverID, err := node.Connect(ctx, desc)
	if err != nil {
		return err
	}

	client := NewClient(node, serverID, opts)
	if _, err := node.MapSession(ctx, serverID, opts.SessionName, client.BindSession); err != nil {
		return err
	}
	return client.Run()
}
