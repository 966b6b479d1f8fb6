package rendergrid

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

// config accumulates Option settings before NewNode constructs the
// immutable pieces (logger, metric sink, membership layer) that depend
// on it.
type config struct {
	nodeID NodeID

	dialTimeout time.Duration
	keepAlive   time.Duration
	gracePeriod time.Duration

	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label

	// advertise is cloned into the NodeConnectPacket every handshake
	// sends, so peers learn how else they could reach this node.
	advertise []ConnectionDescription

	// membership configures the optional SWIM gossip layer used as a
	// liveness signal feeding Node.handleDisconnect and the launcher's
	// pre-flight reachability check; topology itself stays config-driven.
	mlCfg      *memberlist.Config
	neighbours []string

	// launchID is carried in the connect handshake by a node that was
	// spawned by a remote Launcher, so the launcher can match the
	// connect-back to its pending request.
	launchID uint64
}

// Option to pass to NewNode.
type Option func(*config) error

// WithNodeID pins the node's identity instead of generating a random
// one; useful for tests and for a launched node that must match the id
// its launcher already recorded.
func WithNodeID(id NodeID) Option {
	return func(c *config) error {
		c.nodeID = id
		return nil
	}
}

// WithLog specifies which slog.Handler to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink chooses how metrics emitted by the node are collected.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithMetricLabels records static metric labels on the node's config.
// The node does not attach them to the metrics it emits.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithAdvertise registers the connection descriptions this node offers
// peers during the connect handshake, ordered fastest first.
func WithAdvertise(descs ...ConnectionDescription) Option {
	return func(c *config) error {
		c.advertise = SortDescriptionsByBandwidth(descs)
		return nil
	}
}

// WithDialTimeout controls how long Connect waits for a peer to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		c.dialTimeout = timeout
		return nil
	}
}

// WithKeepAlive enables a periodic idle keep-alive write on every peer
// connection, so a dead peer is detected even on an otherwise quiet
// control connection.
func WithKeepAlive(interval time.Duration) Option {
	return func(c *config) error {
		c.keepAlive = interval
		return nil
	}
}

// WithGracePeriod controls how long Shutdown lets the gossip layer
// announce this node's departure; it has no effect without
// WithMembership. Shutdown does not wait for outbound STOP notifications
// to flush.
func WithGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		if period == 0 {
			period = 5 * time.Second
		}
		c.gracePeriod = period
		return nil
	}
}

// WithLaunchID marks this node as one spawned by a remote Launcher;
// the id is echoed in the connect handshake so the launching node can
// resolve its pending launch request.
func WithLaunchID(id uint64) Option {
	return func(c *config) error {
		c.launchID = id
		return nil
	}
}

// WithMembership enables the SWIM gossip liveness layer and seeds it
// with neighbours to join on startup.
func WithMembership(mlCfg *memberlist.Config, neighbours ...string) Option {
	return func(c *config) error {
		if mlCfg == nil {
			mlCfg = memberlist.DefaultLANConfig()
		}
		c.mlCfg = mlCfg
		c.neighbours = neighbours
		return nil
	}
}
