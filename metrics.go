package rendergrid

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricConnBytesIn       = []string{"rendergrid", "connection", "in", "bytes"}
	MetricConnBytesOut      = []string{"rendergrid", "connection", "out", "bytes"}
	MetricConnErrorCount    = []string{"rendergrid", "connection", "error", "count"}
	MetricDispatchReschedule = []string{"rendergrid", "dispatch", "reschedule", "count"}
	MetricHandshakeCount    = []string{"rendergrid", "node", "handshake", "count"}
	MetricHandshakeErrCount = []string{"rendergrid", "node", "handshake", "error", "count"}
	MetricLauncherSpawnCount = []string{"rendergrid", "launcher", "spawn", "count"}
	MetricLauncherSpawnErr   = []string{"rendergrid", "launcher", "spawn", "error", "count"}
	MetricBarrierWaitMillis = []string{"rendergrid", "barrier", "wait", "ms"}
	MetricFrameRoundTripMillis = []string{"rendergrid", "frame", "roundtrip", "ms"}
	MetricFramesInFlight    = []string{"rendergrid", "frame", "inflight", "count"}
	MetricObjectCommitCount = []string{"rendergrid", "object", "commit", "count"}
	MetricMembershipJoined  = []string{"rendergrid", "membership", "joined", "count"}
	MetricFrameDrawDone     = []string{"rendergrid", "frame", "drawdone", "count"}
)

// TelemetryLabel names a structured log attribute / metrics label, so both
// backends stay in sync without duplicating key literals.
type TelemetryLabel string

var (
	LabelError       TelemetryLabel = "error"
	LabelPeerName    TelemetryLabel = "peer_name"
	LabelPeerAddr    TelemetryLabel = "peer_addr"
	LabelNodeID      TelemetryLabel = "node_id"
	LabelSessionID   TelemetryLabel = "session_id"
	LabelObjectID    TelemetryLabel = "object_id"
	LabelVersion     TelemetryLabel = "version"
	LabelFrameNumber TelemetryLabel = "frame_number"
	LabelCommand     TelemetryLabel = "command"
	LabelDuration    TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{Key: string(lab), Value: slog.AnyValue(val)}
}

// durationMillis converts a latency measurement into the float32 unit
// go-metrics observers expect.
func durationMillis(d time.Duration) float32 {
	return float32(d.Milliseconds())
}
