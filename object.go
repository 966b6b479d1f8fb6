package rendergrid

import (
	"context"
	"sync"
)

// ObjectRole describes where an Object stands with respect to
// replication: unmapped objects are local-only, a master is
// authoritative, a slave receives deltas from the master.
type ObjectRole int

const (
	RoleUnmapped ObjectRole = iota
	RoleMaster
	RoleSlave
)

// Object is a versioned distributed object grouped by session.
// Delta application here is a full-replace of InstanceData rather than a
// binary diff: nothing downstream needs incremental patching, and the
// payloads this system replicates (FrameData, Barrier participant
// counts) are small enough that shipping the new value each commit is
// the simplest correct choice.
type Object struct {
	id      ObjectID
	session *Session

	mu           sync.Mutex
	cond         *sync.Cond
	role         ObjectRole
	version      Version
	instanceData []byte
	refcount     int

	// master-side: known slaves to broadcast deltas to.
	slaves map[NodeID]Connection

	errMsg string
}

// NewMasterObject constructs an Object that is authoritative for its own
// data, starting at version 1 with initial as its instance data.
func NewMasterObject(initial []byte) *Object {
	o := &Object{
		role:         RoleMaster,
		version:      1,
		instanceData: append([]byte(nil), initial...),
		slaves:       make(map[NodeID]Connection),
		refcount:     1,
	}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// NewSlaveObject constructs an Object that will receive its instance
// data from a master via ApplyInstanceData/ApplyDelta.
func NewSlaveObject() *Object {
	o := &Object{role: RoleSlave}
	o.cond = sync.NewCond(&o.mu)
	return o
}

func (o *Object) ID() ObjectID      { return o.id }
func (o *Object) Role() ObjectRole  { return o.role }
func (o *Object) setErrorMessage(msg string) {
	o.mu.Lock()
	o.errMsg = msg
	o.mu.Unlock()
}
func (o *Object) ErrorMessage() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errMsg
}

func (o *Object) Version() Version {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.version
}

func (o *Object) InstanceData() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]byte(nil), o.instanceData...)
}

func (o *Object) addRef() {
	o.mu.Lock()
	o.refcount++
	o.mu.Unlock()
}

// release decrements the refcount and reports whether it reached zero.
func (o *Object) release() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refcount--
	return o.refcount <= 0
}

// AddSlave registers a remote node as a replica. The caller is
// responsible for shipping the returned snapshot to it as an
// INSTANCE_DATA packet (Node owns the transport, the Object only owns
// the data, per the explicit-context-passing design note).
func (o *Object) AddSlave(id NodeID, conn Connection) (version Version, snapshot []byte, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.role != RoleMaster {
		return 0, nil, ErrObjectNotMaster
	}
	o.slaves[id] = conn
	return o.version, append([]byte(nil), o.instanceData...), nil
}

// RemoveSlave drops a slave, called on peer disconnect.
func (o *Object) RemoveSlave(id NodeID) {
	o.mu.Lock()
	delete(o.slaves, id)
	o.mu.Unlock()
}

// Commit assigns the next version to delta and returns the set of
// slave connections the caller must broadcast a COMMIT packet to. Commit
// itself only advances local state; Node performs the actual send so the
// object has no transport dependency beyond the Connection handles it
// was handed via AddSlave.
func (o *Object) Commit(delta []byte) (Version, map[NodeID]Connection, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.role != RoleMaster {
		return 0, nil, ErrCommitWhileSlave
	}
	o.version++
	o.instanceData = append([]byte(nil), delta...)

	targets := make(map[NodeID]Connection, len(o.slaves))
	for id, conn := range o.slaves {
		targets[id] = conn
	}
	return o.version, targets, nil
}

// ApplyInstanceData installs the initial snapshot received from a
// master, transitioning an unmapped object to RoleSlave. A snapshot
// older than the local version is dropped: a delta committed between
// the master taking the snapshot and the snapshot arriving may outrun
// it, and the newer state wins.
func (o *Object) ApplyInstanceData(version Version, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.role == RoleMaster {
		return ErrObjectNotMapped
	}
	o.role = RoleSlave
	if version <= o.version {
		return nil
	}
	o.version = version
	o.instanceData = append([]byte(nil), data...)
	o.cond.Broadcast()
	return nil
}

// ApplyDelta applies a master-originated delta. A version older than the
// current one is a protocol violation (ErrVersionSkew); a repeat of the
// current version is dropped; any newer version is applied, including
// one that skips ahead of the current version, since a commit racing the
// snapshot can reach the slave before the snapshot does.
func (o *Object) ApplyDelta(version Version, delta []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.role == RoleMaster {
		return ErrCommitWhileSlave
	}
	if version == o.version {
		// The commit racing the snapshot can deliver one version both
		// ways; the copy already applied wins.
		return nil
	}
	if version < o.version {
		return ErrVersionSkew
	}
	o.version = version
	o.instanceData = append([]byte(nil), delta...)
	o.cond.Broadcast()
	return nil
}

// WaitForVersion suspends the caller until the local version is at least
// v, or ctx is done.
func (o *Object) WaitForVersion(ctx context.Context, v Version) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			o.mu.Lock()
			o.cond.Broadcast()
			o.mu.Unlock()
		case <-done:
		}
	}()

	o.mu.Lock()
	defer o.mu.Unlock()
	for o.version < v {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.cond.Wait()
	}
	return nil
}

// SyncToHeadVersion returns the version currently held locally without
// blocking.
func (o *Object) SyncToHeadVersion() Version {
	return o.Version()
}
