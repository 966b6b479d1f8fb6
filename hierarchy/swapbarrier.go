package hierarchy

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/shugraphics/rendergrid"
)

// SwapPlanner groups windows into swap-locked equivalence classes, one
// barrier per named swap group with participant count = class size. The
// barriers are session objects mastered on the server; render windows
// enter them with BARRIER_ENTER packets and block until the release
// reply.
//
// Group membership may change across frames: a re-plan re-sizes the
// affected barrier, which bumps its version so stale entrants never
// block a new round.
type SwapPlanner struct {
	config *Config

	groups map[string]*swapGroup
}

type swapGroup struct {
	name    string
	obj     *rendergrid.Object
	barrier *rendergrid.Barrier
	size    int

	// entrants records, per entered version, who to release once the
	// N-th arrival lands.
	mu       sync.Mutex
	entrants map[rendergrid.Version][]swapEntrant
}

type swapEntrant struct {
	peer  rendergrid.NodeID
	reqID uint64
}

func newSwapPlanner(c *Config) *SwapPlanner {
	return &SwapPlanner{config: c, groups: make(map[string]*swapGroup)}
}

func encodeParticipantCount(n int) []byte {
	buf := make([]byte, 4)
	binary.NativeEndian.PutUint32(buf, uint32(n))
	return buf
}

// Plan rebuilds the equivalence classes from current window membership,
// creating barriers for new groups and re-sizing changed ones. Every
// window's barrier reference is refreshed; windows without a group
// carry none. Returns the set of windows whose binding changed, so the
// config can push WINDOW_BARRIER updates mid-run.
func (sp *SwapPlanner) Plan() []*Window {
	classes := make(map[string][]*Window)
	for _, n := range sp.config.nodes {
		for _, p := range n.pipes {
			for _, w := range p.windows {
				if !w.isUsed() || w.swapGroup == "" {
					continue
				}
				classes[w.swapGroup] = append(classes[w.swapGroup], w)
			}
		}
	}

	var changed []*Window
	for name, windows := range classes {
		g, ok := sp.groups[name]
		if !ok {
			g = &swapGroup{
				name:     name,
				size:     len(windows),
				entrants: make(map[rendergrid.Version][]swapEntrant),
			}
			g.obj = rendergrid.NewMasterObject(encodeParticipantCount(len(windows)))
			sp.config.session.RegisterObject(g.obj)
			g.barrier = rendergrid.NewMasterBarrier(len(windows), func(v rendergrid.Version) {
				sp.release(g, v)
			})
			sp.groups[name] = g
			changed = append(changed, windows...)
		} else if g.size != len(windows) {
			g.size = len(windows)
			g.barrier.SetRequired(len(windows))
			sp.config.net.CommitObject(g.obj, encodeParticipantCount(len(windows)))
			changed = append(changed, windows...)
		}

		for _, w := range windows {
			if w.barrierID != g.obj.ID() {
				w.barrierID = g.obj.ID()
				changed = append(changed, w)
			}
		}
	}

	// Windows that left their group drop the stale reference.
	for _, n := range sp.config.nodes {
		for _, p := range n.pipes {
			for _, w := range p.windows {
				if w.swapGroup == "" && w.barrierID != 0 {
					w.barrierID = 0
					changed = append(changed, w)
				}
			}
		}
	}
	return dedupWindows(changed)
}

func dedupWindows(ws []*Window) []*Window {
	seen := make(map[*Window]bool, len(ws))
	out := ws[:0]
	for _, w := range ws {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

// RemoveNode drops a dead node's windows from every group and re-plans,
// so the remaining participants are not stuck waiting on a peer that
// will never enter.
func (sp *SwapPlanner) RemoveNode(n *Node) []*Window {
	for _, p := range n.pipes {
		for _, w := range p.windows {
			w.swapGroup = ""
			w.barrierID = 0
		}
	}
	return sp.Plan()
}

// groupByObject resolves the barrier addressed by an inbound enter.
func (sp *SwapPlanner) groupByObject(id rendergrid.ObjectID) (*swapGroup, bool) {
	for _, g := range sp.groups {
		if g.obj.ID() == id {
			return g, true
		}
	}
	return nil, false
}

// HandleEnter folds a remote window's BARRIER_ENTER into the group's
// barrier. Runs on the receiver goroutine; the actual release fan-out
// happens on the barrier's release callback.
func (sp *SwapPlanner) HandleEnter(from rendergrid.NodeID, pkt *rendergrid.Packet) error {
	reqID, version, err := DecodeBarrierEnterPayload(pkt.Payload)
	if err != nil {
		return err
	}
	g, ok := sp.groupByObject(pkt.ObjectID)
	if !ok {
		return rendergrid.ErrObjectUnknown
	}

	start := time.Now()
	g.mu.Lock()
	g.entrants[version] = append(g.entrants[version], swapEntrant{peer: from, reqID: reqID})
	g.mu.Unlock()

	if err := g.barrier.HandleRemoteEnter(version); err != nil {
		// Stale version: release the entrant immediately with failure
		// rather than letting it block a round that already passed.
		sp.replyEnter(g, swapEntrant{peer: from, reqID: reqID}, false, err.Error())
		return nil
	}
	sp.config.msink.AddSample(rendergrid.MetricBarrierWaitMillis, float32(time.Since(start).Milliseconds()))
	return nil
}

// release fans BARRIER_ENTER_REPLY out to every entrant of version.
func (sp *SwapPlanner) release(g *swapGroup, version rendergrid.Version) {
	g.mu.Lock()
	entrants := g.entrants[version]
	delete(g.entrants, version)
	g.mu.Unlock()

	for _, e := range entrants {
		sp.replyEnter(g, e, true, "")
	}
}

func (sp *SwapPlanner) replyEnter(g *swapGroup, e swapEntrant, ok bool, msg string) {
	pkt := rendergrid.NewObjectPacket(
		rendergrid.CmdBarrierEnterReply,
		sp.config.session.ID(),
		g.obj.ID(),
		EncodeReplyPayload(e.reqID, ok, msg),
	)
	if err := sp.config.net.SendToPeer(e.peer, pkt); err != nil {
		sp.config.logger.Warn("barrier release reply failed",
			rendergrid.LabelNodeID.L(e.peer.String()),
			rendergrid.LabelError.L(err),
		)
	}
}
