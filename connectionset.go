package rendergrid

import (
	"sync"
	"time"
)

// EventType classifies a ConnectionSet.Select result.
type EventType int

const (
	EventTimeout EventType = iota
	EventData
	EventConnect
	EventDisconnect
	EventInterrupt
)

// Event is one readiness notification from a ConnectionSet.
type Event struct {
	Type   EventType
	Conn   Connection
	Packet *Packet
	Err    error
}

// ConnectionSet multiplexes wait-for-any-event over a dynamic set of
// connections. Mutating the set from a different goroutine than
// the one calling Select is safe and observed immediately: unlike the
// classic self-pipe trick needed with blocking select(2) loops, Add
// starts a goroutine that feeds the same fan-in channel Select reads
// from, so a newly added connection's first event is never missed.
type ConnectionSet struct {
	mu       sync.Mutex
	members  map[Connection]chan struct{}
	eventCh  chan Event
	closedCh chan struct{}
	closed   bool
}

// NewConnectionSet returns an empty set.
func NewConnectionSet() *ConnectionSet {
	return &ConnectionSet{
		members:  make(map[Connection]chan struct{}),
		eventCh:  make(chan Event, 64),
		closedCh: make(chan struct{}),
	}
}

// Add registers a connection and starts reading packets from it, so its
// readiness is reported to Select. Reports a synthetic EventConnect
// immediately.
func (cs *ConnectionSet) Add(conn Connection) {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	cs.members[conn] = stop
	cs.mu.Unlock()

	cs.emit(Event{Type: EventConnect, Conn: conn})
	go cs.pump(conn, stop)
}

// Remove stops reading from a connection and evicts it from the set.
// It does not close the underlying Connection.
func (cs *ConnectionSet) Remove(conn Connection) {
	cs.mu.Lock()
	stop, ok := cs.members[conn]
	if ok {
		delete(cs.members, conn)
	}
	cs.mu.Unlock()
	if ok {
		close(stop)
	}
}

func (cs *ConnectionSet) pump(conn Connection, stop chan struct{}) {
	for {
		pkt, err := conn.ReadPacket()
		select {
		case <-stop:
			return
		default:
		}

		if err != nil {
			cs.mu.Lock()
			_, stillMember := cs.members[conn]
			if stillMember {
				delete(cs.members, conn)
			}
			cs.mu.Unlock()
			if stillMember {
				cs.emit(Event{Type: EventDisconnect, Conn: conn, Err: err})
			}
			return
		}

		cs.emit(Event{Type: EventData, Conn: conn, Packet: pkt})
	}
}

func (cs *ConnectionSet) emit(ev Event) {
	// A pump blocked on a full event channel must still unblock when
	// the set closes, or it leaks past shutdown.
	select {
	case cs.eventCh <- ev:
	case <-cs.closedCh:
	}
}

// Select blocks for one event, arriving in the order connections became
// ready (round-robin across equally-ready connections is acceptable and
// falls naturally out of Go's channel scheduling), or returns
// EventTimeout after timeout elapses. timeout <= 0 means wait forever.
func (cs *ConnectionSet) Select(timeout time.Duration) Event {
	if timeout <= 0 {
		return <-cs.eventCh
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-cs.eventCh:
		return ev
	case <-timer.C:
		return Event{Type: EventTimeout}
	}
}

// Interrupt unblocks a pending or future Select call with EventInterrupt,
// without affecting any member connection.
func (cs *ConnectionSet) Interrupt() {
	cs.emit(Event{Type: EventInterrupt})
}

// Close stops all member pumps and releases the set. It does not close
// the underlying connections.
func (cs *ConnectionSet) Close() {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return
	}
	cs.closed = true
	members := cs.members
	cs.members = nil
	cs.mu.Unlock()

	close(cs.closedCh)
	for _, stop := range members {
		close(stop)
	}
}
