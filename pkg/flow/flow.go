// Package flow provides typed, one-directional message flows between a
// producer and a consumer that may live in the same process (a native
// channel) or on different nodes (a QUIC stream). The render data-plane
// uses flows to move readback frames from source channels to their
// destination without touching the control connections.
package flow

import "errors"

var (
	ErrFlowClosed = errors.New("flow closed")
)

// Raw is a bidirectional raw flow.
//
// Most users should not use it directly but wrap it in a [Sender] and
// [Receiver] for type safety.
type Raw struct {
	RawReceiver
	RawSender
}

func (r Raw) Close() error {
	return errors.Join(r.RawReceiver.Close(), r.RawSender.Close())
}
