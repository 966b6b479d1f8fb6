package hierarchy

import (
	"context"
	"fmt"

	"github.com/shugraphics/rendergrid"
)

// Node is the server-side mirror of one render process. It holds the
// connection descriptions to reach (or launch) the process, drives its
// config-init/exit and per-frame commands, and awaits the replies.
//
// Control follows a uniform split-phase pattern: startX transmits the
// command and registers a pending request, syncX blocks on it. Siblings
// start before any syncs, so the whole cluster initialises in parallel.
type Node struct {
	entity

	config *Config
	name   string

	descs       []rendergrid.ConnectionDescription
	threadModel ThreadModel
	autoLaunch  bool

	peerID rendergrid.NodeID

	pipes []*Pipe
}

func (n *Node) Name() string { return n.name }

func (n *Node) Pipes() []*Pipe { return n.pipes }

// PeerID identifies the connected render process; zero until connect.
func (n *Node) PeerID() rendergrid.NodeID { return n.peerID }

// SetThreadModel selects when the render node releases local frame
// sync.
func (n *Node) SetThreadModel(m ThreadModel) { n.threadModel = m }

func (n *Node) ThreadModel() ThreadModel { return n.threadModel }

// SetAutoLaunch lets connect fall back to spawning the render process
// through the launcher when no description is reachable.
func (n *Node) SetAutoLaunch(v bool) { n.autoLaunch = v }

// AddConnectionDescription registers one way to reach this node.
func (n *Node) AddConnectionDescription(d rendergrid.ConnectionDescription) {
	n.descs = append(n.descs, d)
}

// NewPipe adds a pipe bound to device.
func (n *Node) NewPipe(device uint32) *Pipe {
	p := &Pipe{
		node:   n,
		id:     uint32(len(n.pipes) + 1),
		device: device,
	}
	n.pipes = append(n.pipes, p)
	return p
}

func (n *Node) activate()   { n.ref() }
func (n *Node) deactivate() { n.unref() }

// AttachPeer binds an already-connected render process (same-process
// clients and tests connect on their own instead of being launched).
func (n *Node) AttachPeer(id rendergrid.NodeID) {
	n.peerID = id
}

// connect makes the render process reachable: descriptions are tried
// fastest first; when none answers and auto-launch is on, the launcher
// spawns the process and waits for its connect-back.
func (n *Node) connect(ctx context.Context, launcher *rendergrid.Launcher) error {
	if !n.peerID.IsZero() {
		return nil
	}

	var lastErr error
	for _, d := range rendergrid.SortDescriptionsByBandwidth(n.descs) {
		if d.Hostname == "" {
			continue
		}
		id, err := n.config.net.Connect(ctx, d)
		if err == nil {
			n.peerID = id
			return nil
		}
		lastErr = err
	}

	if n.autoLaunch && launcher != nil {
		for _, d := range n.descs {
			if d.LaunchCommand == "" {
				continue
			}
			id, err := launcher.Launch(ctx, d)
			if err == nil {
				n.peerID = id
				return nil
			}
			lastErr = err
		}
	}

	if lastErr == nil {
		lastErr = rendergrid.ErrNoRoute
	}
	n.setErrorMessage(lastErr.Error())
	return fmt.Errorf("node %q: %w", n.name, lastErr)
}

// branch flattens this node's used subtree for its CONFIG_INIT payload.
func (n *Node) branch() *NodeBranch {
	b := &NodeBranch{
		Name:          n.name,
		ThreadModel:   n.threadModel,
		FrameDataID:   n.config.frameData.ID(),
		FrameSinkAddr: n.config.frameSinkAddr,
	}
	for _, p := range n.pipes {
		if p.isUsed() {
			b.Pipes = append(b.Pipes, p.branch())
		}
	}
	return b
}

func (n *Node) validate() error {
	for _, p := range n.pipes {
		if err := p.validate(); err != nil {
			n.setErrorMessage(err.Error())
			return err
		}
	}
	return nil
}

// startConfigInit transmits CONFIG_INIT and registers the pending
// request syncConfigInit joins.
func (n *Node) startConfigInit() error {
	if err := n.validate(); err != nil {
		return err
	}
	n.setState(Initializing)

	reqID, err := n.config.net.Requests().Register()
	if err != nil {
		return err
	}
	n.setPending(reqID)

	pkt := rendergrid.NewSessionPacket(
		rendergrid.CmdConfigInit,
		n.config.session.ID(),
		EncodeRequestPayload(reqID, n.branch().Marshal()),
	)
	if err := n.config.net.SendToPeer(n.peerID, pkt); err != nil {
		n.setState(Stopped)
		n.setErrorMessage(err.Error())
		return err
	}
	return nil
}

// syncConfigInit blocks until the render process reports init success
// or failure.
func (n *Node) syncConfigInit(ctx context.Context) error {
	reqID := n.takePending()
	if reqID == 0 {
		return nil
	}
	v, err := n.config.net.Requests().Wait(ctx, reqID)
	if err != nil {
		n.setState(Stopped)
		n.setErrorMessage(err.Error())
		return err
	}
	if msg, failed := v.(string); failed && msg != "" {
		n.setState(Stopped)
		n.setErrorMessage(msg)
		return fmt.Errorf("node %q: %w: %s", n.name, rendergrid.ErrUserCallback, msg)
	}
	n.setState(Running)
	return nil
}

func (n *Node) startConfigExit() error {
	n.setState(Stopping)

	reqID, err := n.config.net.Requests().Register()
	if err != nil {
		return err
	}
	n.setPending(reqID)

	pkt := rendergrid.NewSessionPacket(
		rendergrid.CmdConfigExit,
		n.config.session.ID(),
		EncodeRequestPayload(reqID, nil),
	)
	return n.config.net.SendToPeer(n.peerID, pkt)
}

func (n *Node) syncConfigExit(ctx context.Context) error {
	reqID := n.takePending()
	if reqID == 0 {
		return nil
	}
	v, err := n.config.net.Requests().Wait(ctx, reqID)
	n.setState(Stopped)
	if err != nil {
		n.setErrorMessage(err.Error())
		return err
	}
	if msg, failed := v.(string); failed && msg != "" {
		n.setErrorMessage(msg)
		return fmt.Errorf("node %q: %w: %s", n.name, rendergrid.ErrUserCallback, msg)
	}
	return nil
}

// startFrame sends FRAME_START and the FRAME_FINISH request for one
// frame, returning the request id the node's FRAME_FINISH_REPLY will
// serve.
func (n *Node) startFrame(frame rendergrid.FrameNumber, fdVersion rendergrid.Version) (uint64, error) {
	sid := n.config.session.ID()

	start := rendergrid.NewSessionPacket(
		rendergrid.CmdFrameStart, sid,
		EncodeFrameStartPayload(frame, fdVersion),
	)
	if err := n.config.net.SendToPeer(n.peerID, start); err != nil {
		return 0, err
	}

	reqID, err := n.config.net.Requests().Register()
	if err != nil {
		return 0, err
	}
	finish := rendergrid.NewSessionPacket(
		rendergrid.CmdFrameFinish, sid,
		EncodeFrameFinishPayload(reqID, frame),
	)
	if err := n.config.net.SendToPeer(n.peerID, finish); err != nil {
		n.config.net.Requests().Serve(reqID, "", nil)
		return 0, err
	}
	return reqID, nil
}
