// Package hierarchy is the server side of the cluster: the Config owns
// the node → pipe → window → channel tree, connects (or launches) every
// render process, replicates per-frame data to them and drives frames
// through the latency pipeline, swap-locking windows through the
// barrier planner.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/shugraphics/rendergrid"
)

// Config is the root of the server-side hierarchy, one per session.
type Config struct {
	entity

	name string

	net     *rendergrid.Node
	session *rendergrid.Session

	nodes []*Node

	frameData *rendergrid.Object
	planner   *SwapPlanner
	pipeline  *pipelineController

	launcher      *rendergrid.Launcher
	frameSinkAddr string

	logger *slog.Logger
	msink  metrics.MetricSink
}

// ConfigOption customises a Config at construction.
type ConfigOption func(*Config)

// WithLatency sets the frame latency window: up to latency+1 frames in
// flight. Default 1.
func WithLatency(latency uint32) ConfigOption {
	return func(c *Config) { c.pipeline.latency = latency }
}

// WithFrameTimeout bounds how long the pipeline waits for a frame's
// finish replies.
func WithFrameTimeout(d time.Duration) ConfigOption {
	return func(c *Config) { c.pipeline.frameTimeout = d }
}

// WithLauncher installs the launcher used for nodes with auto-launch.
func WithLauncher(l *rendergrid.Launcher) ConfigOption {
	return func(c *Config) { c.launcher = l }
}

// WithFrameSink advertises the data-plane address render nodes ship
// readback images to.
func WithFrameSink(addr string) ConfigOption {
	return func(c *Config) { c.frameSinkAddr = addr }
}

// NewConfig builds a config mastering the named session on net. The
// frame data object is registered immediately; render nodes map it when
// they join the session.
func NewConfig(net *rendergrid.Node, sessionName string, opts ...ConfigOption) *Config {
	c := &Config{
		name:    sessionName,
		net:     net,
		session: net.OpenSession(sessionName),
		logger:  net.Logger(),
		msink:   net.MetricSink(),
	}
	c.planner = newSwapPlanner(c)
	c.pipeline = newPipelineController(c, 1, 0)

	c.frameData = rendergrid.NewMasterObject(NewFrameData().Marshal())
	c.session.RegisterObject(c.frameData)

	for _, opt := range opts {
		opt(c)
	}

	c.registerHandlers()
	return c
}

func (c *Config) Session() *rendergrid.Session { return c.session }

// Latency returns the configured frame latency window.
func (c *Config) Latency() uint32 { return c.pipeline.latency }

// FinishedFrame returns the newest frame known complete on all nodes.
func (c *Config) FinishedFrame() rendergrid.FrameNumber {
	return c.pipeline.finishedFrame
}

// CurrentFrame returns the newest frame started.
func (c *Config) CurrentFrame() rendergrid.FrameNumber {
	return c.pipeline.frameNumber
}

// NewNode adds a render node to the configuration.
func (c *Config) NewNode(name string) *Node {
	n := &Node{
		config:      c,
		name:        name,
		threadModel: DrawSync,
	}
	c.nodes = append(c.nodes, n)
	return n
}

func (c *Config) Nodes() []*Node { return c.nodes }

// registerHandlers installs the session command table entries serving
// the replies and notifications render nodes send. All handlers run on
// receiver goroutines and only serve requests or fold counters, never
// block.
func (c *Config) registerHandlers() {
	serveReply := func(from rendergrid.NodeID, conn rendergrid.Connection, pkt *rendergrid.Packet) error {
		reqID, ok, msg, err := DecodeReplyPayload(pkt.Payload)
		if err != nil {
			return err
		}
		if !ok && msg == "" {
			msg = "remote reported failure"
		}
		if ok {
			msg = ""
		}
		return c.net.Requests().Serve(reqID, msg, nil)
	}

	c.session.Handle(rendergrid.CmdConfigInitReply, serveReply)
	c.session.Handle(rendergrid.CmdConfigExitReply, serveReply)

	c.session.Handle(rendergrid.CmdFrameFinishReply, func(from rendergrid.NodeID, conn rendergrid.Connection, pkt *rendergrid.Packet) error {
		reqID, ok, msg, err := DecodeReplyPayload(pkt.Payload)
		if err != nil {
			return err
		}
		if ok {
			msg = ""
		} else if msg == "" {
			msg = "frame failed remotely"
		}
		return c.net.Requests().Serve(reqID, msg, nil)
	})

	c.session.Handle(rendergrid.CmdFrameDrawFinish, func(from rendergrid.NodeID, conn rendergrid.Connection, pkt *rendergrid.Packet) error {
		frame, err := DecodeFrameNumberPayload(pkt.Payload)
		if err != nil {
			return err
		}
		c.msink.IncrCounterWithLabels(
			rendergrid.MetricFrameDrawDone,
			1,
			[]metrics.Label{rendergrid.LabelFrameNumber.M(fmt.Sprint(frame))},
		)
		return nil
	})

	c.session.Handle(rendergrid.CmdFrameTasksFinish, func(from rendergrid.NodeID, conn rendergrid.Connection, pkt *rendergrid.Packet) error {
		_, err := DecodeFrameNumberPayload(pkt.Payload)
		return err
	})

	c.session.Handle(rendergrid.CmdBarrierEnter, func(from rendergrid.NodeID, conn rendergrid.Connection, pkt *rendergrid.Packet) error {
		return c.planner.HandleEnter(from, pkt)
	})

	c.net.SetDisconnectHandler(func(id rendergrid.NodeID, cause error) {
		c.handleNodeLoss(id, cause)
	})
}

// handleNodeLoss marks a disconnected node's subtree stopping and
// re-plans swap groups without it, so surviving participants do not
// block on a dead peer.
func (c *Config) handleNodeLoss(id rendergrid.NodeID, cause error) {
	for _, n := range c.nodes {
		if n.peerID != id {
			continue
		}
		n.setState(Stopping)
		n.setErrorMessage(fmt.Sprintf("connection lost: %s", cause))
		c.planner.RemoveNode(n)
		c.logger.Error("render node lost",
			rendergrid.LabelNodeID.L(id.String()),
			rendergrid.LabelError.L(cause),
		)
	}
}

// Init brings the whole cluster up: connect (or launch) every used
// node in parallel, plan swap barriers, then run the split-phase
// config-init across all nodes — every start before any sync, so
// siblings initialise concurrently. Top-down: a node's reply covers its
// pipes, windows and channels.
func (c *Config) Init(ctx context.Context) error {
	c.setState(Initializing)

	// Default activation: every channel takes part until a compound
	// says otherwise.
	for _, n := range c.nodes {
		for _, p := range n.pipes {
			for _, w := range p.windows {
				for _, ch := range w.channels {
					if !ch.isUsed() {
						ch.Activate()
					}
				}
			}
		}
	}

	var used []*Node
	for _, n := range c.nodes {
		if n.isUsed() {
			used = append(used, n)
		}
	}
	if len(used) == 0 {
		c.setState(Stopped)
		return errors.New("hierarchy: config has no used nodes")
	}

	var connectErrs []error
	done := make(chan error, len(used))
	for _, n := range used {
		n := n
		go func() { done <- n.connect(ctx, c.launcher) }()
	}
	for range used {
		if err := <-done; err != nil {
			connectErrs = append(connectErrs, err)
		}
	}
	if len(connectErrs) > 0 {
		c.setState(Stopped)
		return c.failInit(errors.Join(connectErrs...))
	}

	c.planner.Plan()

	for _, n := range used {
		if err := n.startConfigInit(); err != nil {
			connectErrs = append(connectErrs, err)
		}
	}
	for _, n := range used {
		if err := n.syncConfigInit(ctx); err != nil {
			connectErrs = append(connectErrs, err)
		}
	}
	if len(connectErrs) > 0 {
		c.exitStarted(ctx)
		c.setState(Stopped)
		return c.failInit(errors.Join(connectErrs...))
	}

	c.setState(Running)
	return nil
}

// failInit aggregates the entity error messages below the config onto
// the returned error, the presentation the application sees.
func (c *Config) failInit(err error) error {
	var msgs []string
	for _, n := range c.nodes {
		if m := n.ErrorMessage(); m != "" {
			msgs = append(msgs, m)
		}
		for _, p := range n.pipes {
			if m := p.ErrorMessage(); m != "" {
				msgs = append(msgs, m)
			}
			for _, w := range p.windows {
				if m := w.ErrorMessage(); m != "" {
					msgs = append(msgs, m)
				}
			}
		}
	}
	if len(msgs) == 0 {
		return err
	}
	c.setErrorMessage(strings.Join(msgs, "; "))
	return fmt.Errorf("%w (%s)", err, c.ErrorMessage())
}

// exitStarted tears down whatever part of the tree reached Running
// after a partial init failure, bottom-up per node.
func (c *Config) exitStarted(ctx context.Context) {
	for _, n := range c.nodes {
		if n.State() != Running {
			continue
		}
		if err := n.startConfigExit(); err != nil {
			continue
		}
	}
	for _, n := range c.nodes {
		n.syncConfigExit(ctx)
	}
}

// StartFrame begins the next frame with fd as its parameters,
// returning the issued frame number. Blocks when the latency window is
// full, until the oldest in-flight frame finishes.
func (c *Config) StartFrame(ctx context.Context, fd *FrameData) (rendergrid.FrameNumber, error) {
	if c.State() != Running {
		return 0, rendergrid.ErrSubtreeStopping
	}
	if changed := c.planner.Plan(); len(changed) > 0 {
		c.pushBarrierUpdates(changed)
	}
	frame, err := c.pipeline.startFrame(ctx, fd)
	if err != nil && errors.Is(err, rendergrid.ErrTwoFrameFailures) {
		c.setState(Stopping)
	}
	return frame, err
}

// FinishFrame blocks until the oldest in-flight frame completes.
func (c *Config) FinishFrame(ctx context.Context) error {
	err := c.pipeline.finishFrame(ctx)
	if err != nil && errors.Is(err, rendergrid.ErrTwoFrameFailures) {
		c.setState(Stopping)
	}
	return err
}

// FinishAllFrames drains the pipeline.
func (c *Config) FinishAllFrames(ctx context.Context) error {
	return c.pipeline.finishAllFrames(ctx)
}

// AddChannel adds a channel to a window after init, pushing
// WINDOW_CREATE_CHANNEL to the owning render node when it is running.
func (c *Config) AddChannel(w *Window, name string, rng Range, vp Viewport) (*Channel, error) {
	ch := w.NewChannel(name)
	ch.SetRange(rng)
	ch.SetViewport(vp)
	ch.Activate()

	node := w.pipe.node
	if node.State() != Running {
		return ch, nil
	}
	pkt := rendergrid.NewSessionPacket(
		rendergrid.CmdWindowCreateChannel,
		c.session.ID(),
		EncodeWindowCreateChannelPayload(w.id, ch.branch()),
	)
	if err := c.net.SendToPeer(node.peerID, pkt); err != nil {
		return nil, err
	}
	return ch, nil
}

// RemoveChannel deactivates a channel and, when the node is running,
// pushes WINDOW_DESTROY_CHANNEL.
func (c *Config) RemoveChannel(ch *Channel) error {
	ch.Deactivate()
	w := ch.window
	for i, existing := range w.channels {
		if existing == ch {
			w.channels = append(w.channels[:i], w.channels[i+1:]...)
			break
		}
	}

	node := w.pipe.node
	if node.State() != Running {
		return nil
	}
	pkt := rendergrid.NewSessionPacket(
		rendergrid.CmdWindowDestroyChannel,
		c.session.ID(),
		EncodeWindowDestroyChannelPayload(w.id, ch.id),
	)
	return c.net.SendToPeer(node.peerID, pkt)
}

// pushBarrierUpdates rebinds re-planned windows on their render nodes.
func (c *Config) pushBarrierUpdates(windows []*Window) {
	for _, w := range windows {
		node := w.pipe.node
		if node.peerID.IsZero() || node.State() != Running {
			continue
		}
		version := rendergrid.Version(1)
		if g, ok := c.planner.groups[w.swapGroup]; ok {
			version = g.barrier.Version()
		}
		pkt := rendergrid.NewSessionPacket(
			rendergrid.CmdWindowBarrier,
			c.session.ID(),
			EncodeWindowBarrierPayload(w.id, w.barrierID, version),
		)
		if err := c.net.SendToPeer(node.peerID, pkt); err != nil {
			c.logger.Warn("barrier rebind failed",
				rendergrid.LabelNodeID.L(node.peerID.String()),
				rendergrid.LabelError.L(err),
			)
		}
	}
}

// Exit drains in-flight frames and runs the split-phase config-exit
// over every running node.
func (c *Config) Exit(ctx context.Context) error {
	c.setState(Stopping)
	finishErr := c.pipeline.finishAllFrames(ctx)

	var errs []error
	if finishErr != nil {
		errs = append(errs, finishErr)
	}
	var exiting []*Node
	for _, n := range c.nodes {
		if n.State() != Running && n.State() != Stopping {
			continue
		}
		if err := n.startConfigExit(); err != nil {
			errs = append(errs, err)
			continue
		}
		exiting = append(exiting, n)
	}
	for _, n := range exiting {
		if err := n.syncConfigExit(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	c.setState(Stopped)
	return errors.Join(errs...)
}
