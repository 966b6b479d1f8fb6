package rendergrid

import (
	"context"
	"sync"
)

// Barrier is a distributed object whose instance data is the participant
// count N. One designated master node collects enter calls;
// the N-th arrival releases every participant for that version. Bumping
// the required count (re-planning the group) advances the version so late
// entrants for a stale version never block a new round; a new frame
// reuses the current version, since each release re-arms the barrier.
type Barrier struct {
	mu        sync.Mutex
	version   Version
	required  int
	entered   int
	releaseCh chan struct{}

	isMaster bool

	// enterRemote performs a network round-trip BARRIER_ENTER/REPLY with
	// the master, set only on a slave-role Barrier. Injected rather than
	// holding a Node reference directly, per the explicit-context-passing
	// design note.
	enterRemote func(ctx context.Context, version Version) error

	// onRelease notifies the owner (swap-barrier planner) that version
	// was released, so it can fan out BARRIER_ENTER_REPLY to remote
	// participants that entered through HandleRemoteEnter.
	onRelease func(version Version)
}

// NewMasterBarrier constructs a barrier mastered locally with an initial
// participant count.
func NewMasterBarrier(required int, onRelease func(version Version)) *Barrier {
	return &Barrier{
		isMaster:  true,
		required:  required,
		version:   1,
		releaseCh: make(chan struct{}),
		onRelease: onRelease,
	}
}

// NewSlaveBarrier constructs a barrier whose master lives on another
// node; Enter round-trips through enterRemote.
func NewSlaveBarrier(enterRemote func(ctx context.Context, version Version) error) *Barrier {
	return &Barrier{enterRemote: enterRemote}
}

// SetRequired bumps the participant count for a new version, as the
// swap-barrier planner does when group membership changes across frames
// A barrier with N==1 releases immediately on first Enter.
func (b *Barrier) SetRequired(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.version++
	b.required = n
	b.entered = 0
	b.releaseCh = make(chan struct{})
}

func (b *Barrier) Version() Version {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// Enter blocks until all N participants for the current version have
// entered, or ctx is cancelled. Timeout at the barrier is fatal and
// propagates to the caller.
func (b *Barrier) Enter(ctx context.Context) error {
	if !b.isMaster {
		b.mu.Lock()
		version := b.version
		b.mu.Unlock()
		return b.enterRemote(ctx, version)
	}

	b.mu.Lock()
	ch := b.releaseCh
	released := b.enterLocked()
	b.mu.Unlock()

	if released {
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ErrBarrierTimeout
	}
}

// enterLocked must be called with b.mu held; it records one arrival and,
// if this is the N-th, releases the round and reports true. The barrier
// is cyclic: release re-arms it, so the group can re-enter every frame
// without a version bump.
func (b *Barrier) enterLocked() bool {
	b.entered++
	if b.entered < b.required {
		return false
	}
	close(b.releaseCh)
	b.entered = 0
	b.releaseCh = make(chan struct{})
	version := b.version
	if b.onRelease != nil {
		go b.onRelease(version)
	}
	return true
}

// HandleRemoteEnter is invoked by the node dispatch loop when a
// BARRIER_ENTER packet arrives from a remote participant for this
// barrier's master. It folds the remote arrival into the same counter
// Enter uses locally.
func (b *Barrier) HandleRemoteEnter(version Version) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.isMaster {
		return ErrObjectNotMaster
	}
	if version != b.version {
		return ErrBarrierReleased
	}
	b.enterLocked()
	return nil
}
