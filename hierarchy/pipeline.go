package hierarchy

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/shugraphics/rendergrid"
)

// pipelineController drives the per-frame update across the hierarchy
// with latency pipelining: up to latency+1 frames may be in flight
// before the oldest must complete. A frame is in flight from the moment
// its FRAME_START packets go out until every used node's
// FRAME_FINISH_REPLY has been collected.
//
// Frame failure handling: a failed frame is recorded and skipped, the
// next frame proceeds; two consecutive failures are fatal for the
// subtree.
type pipelineController struct {
	config *Config

	latency      uint32
	frameTimeout time.Duration

	frameNumber   rendergrid.FrameNumber
	finishedFrame rendergrid.FrameNumber

	inflight []*frameRecord

	consecutiveFailures int
}

// frameRecord tracks one in-flight frame: which nodes took part and the
// request each node's finish reply serves.
type frameRecord struct {
	number  rendergrid.FrameNumber
	started time.Time
	nodes   []*Node
	reqIDs  []uint64
}

func newPipelineController(c *Config, latency uint32, frameTimeout time.Duration) *pipelineController {
	if frameTimeout <= 0 {
		frameTimeout = 10 * time.Second
	}
	return &pipelineController{
		config:       c,
		latency:      latency,
		frameTimeout: frameTimeout,
	}
}

// startFrame commits fd as the next frame's data and transmits
// FRAME_START/FRAME_FINISH to every used node. It blocks (finishing the
// oldest frame) once more than latency frames are in flight.
func (pc *pipelineController) startFrame(ctx context.Context, fd *FrameData) (rendergrid.FrameNumber, error) {
	pc.frameNumber++
	frame := pc.frameNumber
	fd.FrameNumber = frame

	version, err := pc.config.net.CommitObject(pc.config.frameData, fd.Marshal())
	if err != nil {
		return 0, err
	}

	rec := &frameRecord{number: frame, started: time.Now()}
	for _, n := range pc.config.nodes {
		if !n.isUsed() || n.State() != Running {
			continue
		}
		reqID, err := n.startFrame(frame, version)
		if err != nil {
			n.setErrorMessage(err.Error())
			n.setState(Stopping)
			continue
		}
		rec.nodes = append(rec.nodes, n)
		rec.reqIDs = append(rec.reqIDs, reqID)
	}
	pc.inflight = append(pc.inflight, rec)
	pc.config.msink.SetGauge(rendergrid.MetricFramesInFlight, float32(len(pc.inflight)))

	// Latency window: frame f may start only once frame f-latency-1 has
	// finished, so at most latency+1 frames are ever in flight.
	for uint32(len(pc.inflight)) > pc.latency {
		if err := pc.finishOldest(ctx); err != nil {
			return frame, err
		}
	}
	return frame, nil
}

// finishFrame completes the oldest in-flight frame, if any.
func (pc *pipelineController) finishFrame(ctx context.Context) error {
	if len(pc.inflight) == 0 {
		return nil
	}
	return pc.finishOldest(ctx)
}

// finishAllFrames drains the pipeline.
func (pc *pipelineController) finishAllFrames(ctx context.Context) error {
	var firstErr error
	for len(pc.inflight) > 0 {
		if err := pc.finishOldest(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (pc *pipelineController) finishOldest(ctx context.Context) error {
	rec := pc.inflight[0]
	pc.inflight = pc.inflight[1:]
	pc.config.msink.SetGauge(rendergrid.MetricFramesInFlight, float32(len(pc.inflight)))

	waitCtx, cancel := context.WithTimeout(ctx, pc.frameTimeout)
	defer cancel()

	var frameErr error
	for i, reqID := range rec.reqIDs {
		v, err := pc.config.net.Requests().Wait(waitCtx, reqID)
		node := rec.nodes[i]
		if err != nil {
			if waitCtx.Err() != nil {
				err = fmt.Errorf("%w: frame %d on node %q", rendergrid.ErrFrameDeadline, rec.number, node.name)
				// Retire the request; a late reply is then reported as
				// unsolicited instead of leaking.
				pc.config.net.Requests().Serve(reqID, "", rendergrid.ErrFrameDeadline)
			}
			node.setErrorMessage(err.Error())
			if frameErr == nil {
				frameErr = err
			}
			continue
		}
		if msg, ok := v.(string); ok && msg != "" {
			node.setErrorMessage(msg)
			if frameErr == nil {
				frameErr = fmt.Errorf("frame %d on node %q: %s", rec.number, node.name, msg)
			}
		}
	}

	pc.finishedFrame = rec.number
	pc.config.msink.AddSampleWithLabels(
		rendergrid.MetricFrameRoundTripMillis,
		float32(time.Since(rec.started).Milliseconds()),
		[]metrics.Label{rendergrid.LabelFrameNumber.M(fmt.Sprint(rec.number))},
	)

	if frameErr != nil {
		pc.consecutiveFailures++
		if pc.consecutiveFailures >= 2 {
			return fmt.Errorf("%w: last at frame %d", rendergrid.ErrTwoFrameFailures, rec.number)
		}
		// One failure skips the frame and resumes with the next.
		pc.config.logger.Warn("frame failed, skipping",
			rendergrid.LabelFrameNumber.L(uint32(rec.number)),
			rendergrid.LabelError.L(frameErr),
		)
		return nil
	}
	pc.consecutiveFailures = 0
	return nil
}
