package rendergrid

import "errors"

var (
	ErrInvalidCfg      = errors.New("rendergrid: invalid options")
	ErrClosed          = errors.New("rendergrid: node is shutting down")
	ErrNotListening    = errors.New("rendergrid: node has no listener")
	ErrAlreadyListener = errors.New("rendergrid: node is already listening")

	ErrHandshakeFailed   = errors.New("connect: handshake failed")
	ErrLaunchTimeout     = errors.New("connect: launch timed out waiting for a connect-back")
	ErrNoRoute           = errors.New("connect: no reachable connection description")
	ErrUnreachableHost   = errors.New("connect: host reported unreachable by the membership layer")
	ErrPeerUnknown       = errors.New("connect: unknown peer node id")
	ErrPartialWrite      = errors.New("connection: partial write, connection poisoned")
	ErrConnectionClosed  = errors.New("connection: closed")
	ErrSelectInterrupted = errors.New("connectionset: select interrupted")

	ErrMalformedPacket   = errors.New("protocol: malformed packet")
	ErrUnknownCommand    = errors.New("protocol: unknown command")
	ErrVersionSkew       = errors.New("protocol: version skew on a mapped object")
	ErrProtocolViolation = errors.New("protocol: violation")

	ErrSessionExists     = errors.New("session: name already mapped to a different id")
	ErrSessionUnknown    = errors.New("session: unknown session id")
	ErrNameResolution    = errors.New("session: name does not resolve")
	ErrObjectUnknown     = errors.New("object: unknown object id")
	ErrObjectNotMaster   = errors.New("object: local instance is not the master")
	ErrObjectNotMapped   = errors.New("object: not mapped on this node")
	ErrCommitWhileSlave  = errors.New("object: only the master may commit a delta")
	ErrWaitCancelled     = errors.New("object: version wait cancelled")

	ErrBarrierTimeout  = errors.New("barrier: timed out waiting for all participants")
	ErrBarrierReleased = errors.New("barrier: already released for this version")

	ErrRequestUnknown = errors.New("requestcache: unknown request id")
	ErrRequestPending = errors.New("requestcache: request already has a pending waiter")

	ErrGLContextFailed  = errors.New("render: GL context creation failed")
	ErrWindowRefused    = errors.New("render: window system refused window creation")
	ErrFBOUnsupported   = errors.New("render: framebuffer object unsupported")
	ErrNoChannelsOnUse  = errors.New("hierarchy: used window declares zero channels")
	ErrUserCallback     = errors.New("hierarchy: user callback returned failure")
	ErrFrameDeadline    = errors.New("pipeline: frame deadline exceeded")
	ErrSubtreeStopping  = errors.New("hierarchy: subtree is stopping, request abandoned")
	ErrTwoFrameFailures = errors.New("pipeline: two consecutive frame failures, subtree fatal")
)

// RescheduleErr wraps a precondition a dispatched command is waiting on
// (e.g. an object not yet mapped). A command returning this is not a
// failure: the packet is parked on the precondition's waiter list and
// redelivered once satisfied.
type RescheduleErr struct {
	Reason string
}

func (r *RescheduleErr) Error() string {
	return "dispatch: reschedule pending on " + r.Reason
}
