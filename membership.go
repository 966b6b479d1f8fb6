package rendergrid

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

// Membership is the SWIM gossip liveness layer running alongside the
// control connections. It gives a second, faster signal of peer death
// than a blocked recv: the failure detector suspects and confirms a
// dead host in a few probe intervals, while a TCP read can stall for
// minutes. Cluster topology stays config-driven; gossip only reports
// who is alive.
type Membership struct {
	ml     *memberlist.Memberlist
	logger *slog.Logger

	mu    sync.Mutex
	alive map[string]bool

	deathMu sync.Mutex
	onDeath func(hostname string)
}

// memberEvents feeds join/leave notifications into the alive set.
type memberEvents struct {
	ms *Membership
}

func (e *memberEvents) NotifyJoin(node *memberlist.Node) {
	e.ms.logger.Info("peer joined cluster", LabelPeerName.L(node.Name), LabelPeerAddr.L(node.Address()))
	e.ms.mu.Lock()
	e.ms.alive[node.Name] = true
	e.ms.mu.Unlock()
}

func (e *memberEvents) NotifyLeave(node *memberlist.Node) {
	e.ms.logger.Info("peer left cluster", LabelPeerName.L(node.Name), LabelPeerAddr.L(node.Address()))
	e.ms.mu.Lock()
	// Recorded as dead, not forgotten: an unknown host is assumed
	// alive, a departed one is not.
	e.ms.alive[node.Name] = false
	e.ms.mu.Unlock()

	e.ms.deathMu.Lock()
	h := e.ms.onDeath
	e.ms.deathMu.Unlock()
	if h != nil {
		h(node.Name)
	}
}

func (e *memberEvents) NotifyUpdate(node *memberlist.Node) {
	e.ms.logger.Info("peer updated", LabelPeerName.L(node.Name), LabelPeerAddr.L(node.Address()))
}

func newMembership(cfg *memberlist.Config, neighbours []string, logger *slog.Logger, msink metrics.MetricSink) (*Membership, error) {
	ms := &Membership{
		logger: logger,
		alive:  make(map[string]bool),
	}
	cfg.Events = &memberEvents{ms: ms}

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return nil, err
	}
	ms.ml = ml

	if len(neighbours) > 0 {
		joined, err := ml.Join(neighbours)
		if err != nil {
			logger.Warn("gossip join incomplete", LabelError.L(err))
		}
		msink.AddSample(MetricMembershipJoined, float32(joined))
	}
	return ms, nil
}

// Alive reports whether gossip currently believes hostname is up. An
// unknown hostname is assumed alive: gossip is an accelerator, not the
// authority, and a node outside the gossip mesh must still be dialable.
func (ms *Membership) Alive(hostname string) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	up, known := ms.alive[hostname]
	if !known {
		return true
	}
	return up
}

// Members lists hostnames gossip currently believes are up.
func (ms *Membership) Members() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]string, 0, len(ms.alive))
	for name, up := range ms.alive {
		if up {
			out = append(out, name)
		}
	}
	return out
}

// SetDeathHandler installs a callback invoked when gossip confirms a
// host is dead, letting the control plane fail that host's pending
// frames before its TCP connection times out.
func (ms *Membership) SetDeathHandler(h func(hostname string)) {
	ms.deathMu.Lock()
	ms.onDeath = h
	ms.deathMu.Unlock()
}

// Leave broadcasts a graceful departure, waiting at most timeout for it
// to propagate, then shuts the gossip layer down.
func (ms *Membership) Leave(timeout time.Duration) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if err := ms.ml.Leave(timeout); err != nil {
		ms.logger.Warn("gossip leave failed", LabelError.L(err))
	}
	ms.ml.Shutdown()
}
