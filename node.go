package rendergrid

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
)

// NodeState is the net-substrate lifecycle state: a Node starts
// STOPPED, becomes LISTENING once it has a bound listener and/or
// CONNECTED once it has at least one peer. LAUNCHED marks a node spawned
// remotely by a Launcher that has not yet connected back.
type NodeState int32

const (
	StateStopped NodeState = iota
	StateLaunched
	StateConnected
	StateListening
)

func (s NodeState) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateLaunched:
		return "LAUNCHED"
	case StateConnected:
		return "CONNECTED"
	case StateListening:
		return "LISTENING"
	default:
		return "UNKNOWN"
	}
}

// listener abstracts net.Listener and *PipeListener, the two transports
// Node.Listen can bind.
type listener interface {
	Accept() (net.Conn, error)
	Close() error
}

type peer struct {
	id   NodeID
	conn Connection

	// hostnames the peer advertised during the connect handshake, the
	// key the gossip liveness layer reports deaths by.
	hostnames []string

	pendingMu sync.Mutex
	pending   []uint64 // FIFO of RequestCache ids awaiting this peer's next reply
}

func (p *peer) pushPending(id uint64) {
	p.pendingMu.Lock()
	p.pending = append(p.pending, id)
	p.pendingMu.Unlock()
}

func (p *peer) popPending() (uint64, bool) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	if len(p.pending) == 0 {
		return 0, false
	}
	id := p.pending[0]
	p.pending = p.pending[1:]
	return id, true
}

// parkedPacket is a packet a command handler returned RescheduleErr for,
// held until the precondition it named is satisfied.
type parkedPacket struct {
	peer *peer
	pkt  *Packet
}

// PacketHandler extends a command table with an application-level
// handler. Handlers run on the receiver goroutine, so they must not
// block; long work is enqueued onto the owning entity's command queue.
type PacketHandler func(from NodeID, conn Connection, pkt *Packet) error

// Node is the net substrate: listener, peer connections, the session and
// object tables reachable through them, and the dispatch loop routing
// inbound packets to their command handlers. It plays both the
// server and render-node roles described in the wire protocol; which
// role a given process takes is a matter of which Sessions it masters
// and which hierarchy it drives, layered on top in package hierarchy.
type Node struct {
	id     NodeID
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink

	mu       sync.Mutex
	state     NodeState
	listener  listener
	peers     map[NodeID]*peer
	connPeers map[Connection]*peer

	sessMu     sync.Mutex
	sessions   map[SessionID]*Session
	sessionDir *sessionDirectory
	reqCache   *RequestCache

	pendingMu sync.Mutex
	pending   map[string][]parkedPacket

	// handlers extend the node command table; registered before Listen
	// or Connect, read-only afterwards.
	handlers map[Command]PacketHandler

	// launchID correlates this node's connect-back with the pending
	// launch request on the node that spawned it; zero when this node
	// was not launched.
	launchID uint64

	stopMu      sync.Mutex
	stopHandler func(graceful bool)
	onDisc      func(id NodeID, cause error)

	membership *Membership

	// cset multiplexes every peer connection; one receiver goroutine
	// per process selects on it and dispatches.
	cset     *ConnectionSet
	recvOnce sync.Once

	shutdownCh chan struct{}
	dropCh     chan struct{}
	wg         sync.WaitGroup
	shutdown   bool
}

// NewNode constructs a Node from options but does not listen or connect
// anywhere yet; call Listen and/or Connect to bring it up.
func NewNode(opts ...Option) (*Node, error) {
	cfg := config{dialTimeout: 10 * time.Second}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	n := &Node{
		id:         cfg.nodeID,
		cfg:        cfg,
		peers:      make(map[NodeID]*peer),
		connPeers:  make(map[Connection]*peer),
		cset:       NewConnectionSet(),
		sessions:   make(map[SessionID]*Session),
		sessionDir: newSessionDirectory(),
		reqCache:   NewRequestCache(),
		pending:    make(map[string][]parkedPacket),
		handlers:   make(map[Command]PacketHandler),
		launchID:   cfg.launchID,
		shutdownCh: make(chan struct{}),
		dropCh:     make(chan struct{}),
	}
	if n.id.IsZero() {
		n.id = NewNodeID()
	}
	if cfg.logHandler != nil {
		n.logger = slog.New(cfg.logHandler)
	} else {
		n.logger = slog.Default()
	}
	if cfg.metricSink != nil {
		n.msink = cfg.metricSink
	} else {
		n.msink = metrics.Default()
	}
	if cfg.mlCfg != nil {
		ms, err := newMembership(cfg.mlCfg, cfg.neighbours, n.logger, n.msink)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		// Gossip-confirmed deaths drop the peer immediately instead of
		// waiting for a blocked recv to notice the connection is gone.
		ms.SetDeathHandler(n.handlePeerDeath)
		n.membership = ms
	}
	return n, nil
}

// handlePeerDeath fails every peer that advertised the dead hostname
// during its handshake. The gossip failure detector confirms a dead
// host within a few probe intervals, long before a quiet TCP connection
// times out, so in-flight requests against that peer fail fast.
func (n *Node) handlePeerDeath(hostname string) {
	n.mu.Lock()
	var victims []*peer
	for _, p := range n.peers {
		for _, h := range p.hostnames {
			if h == hostname {
				victims = append(victims, p)
				break
			}
		}
	}
	n.mu.Unlock()

	for _, p := range victims {
		n.logger.Warn("gossip confirmed peer dead, dropping connection",
			LabelNodeID.L(p.id.String()),
			LabelPeerName.L(hostname),
		)
		n.handleDisconnect(p, fmt.Errorf("%w: %s", ErrUnreachableHost, hostname))
		// Closing the connection makes its pump exit; the receiver then
		// sees a disconnect for a peer already purged and ignores it.
		p.conn.Close()
	}
}

// Handle extends the node command table with an application handler,
// consulted for commands the built-in table does not claim. Must be
// called before Listen or Connect.
func (n *Node) Handle(cmd Command, h PacketHandler) {
	n.handlers[cmd] = h
}

// SetStopHandler installs the callback invoked when a peer sends STOP.
func (n *Node) SetStopHandler(h func(graceful bool)) {
	n.stopMu.Lock()
	n.stopHandler = h
	n.stopMu.Unlock()
}

// SetDisconnectHandler installs a callback invoked after a peer's
// connection drops and its slave objects have been purged.
func (n *Node) SetDisconnectHandler(h func(id NodeID, cause error)) {
	n.stopMu.Lock()
	n.onDisc = h
	n.stopMu.Unlock()
}

// Requests exposes the node's request cache, shared with the layers
// (hierarchy, launcher) that correlate their own reply packets.
func (n *Node) Requests() *RequestCache { return n.reqCache }

// Membership returns the gossip liveness layer, or nil when the node
// runs without one.
func (n *Node) Membership() *Membership { return n.membership }

func (n *Node) Logger() *slog.Logger { return n.logger }

func (n *Node) MetricSink() metrics.MetricSink { return n.msink }

func (n *Node) ID() NodeID { return n.id }

func (n *Node) State() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Listen binds desc and starts accepting inbound peers.
func (n *Node) Listen(desc ConnectionDescription) error {
	n.mu.Lock()
	if n.listener != nil {
		n.mu.Unlock()
		return ErrAlreadyListener
	}
	n.mu.Unlock()

	var l listener
	var err error
	switch desc.Type {
	case ConnPipe:
		l, err = ListenPipe(desc.Hostname)
	default:
		l, err = ListenTCP(desc)
	}
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.listener = l
	n.state = StateListening
	n.mu.Unlock()

	n.wg.Add(1)
	go n.acceptLoop(l)
	return nil
}

func (n *Node) acceptLoop(l listener) {
	defer n.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-n.dropCh:
				return
			default:
				n.logger.Error("listener accept failed", LabelError.L(err))
				return
			}
		}
		go n.acceptPeer(AcceptTCP(conn))
	}
}

func (n *Node) acceptPeer(conn Connection) {
	peerID, launchID, descs, err := n.syncConnect(conn)
	if err != nil {
		n.msink.IncrCounterWithLabels(MetricHandshakeErrCount, 1, []metrics.Label{LabelError.M(err.Error())})
		n.logger.Error("inbound handshake failed", LabelError.L(err))
		conn.Close()
		return
	}
	n.msink.IncrCounter(MetricHandshakeCount, 1)
	n.registerPeer(peerID, conn, descs)
	if launchID != 0 {
		if err := n.reqCache.Serve(launchID, peerID, nil); err != nil {
			n.logger.Warn("connect-back named an unknown launch request",
				LabelNodeID.L(peerID.String()), LabelError.L(err))
		}
	}
}

// Connect dials desc and performs the outbound half of the connect
// handshake. Used for a priori configured peers and for nodes the
// Launcher spawned connecting back to the node that launched them.
func (n *Node) Connect(ctx context.Context, desc ConnectionDescription) (NodeID, error) {
	conn, err := n.dial(ctx, desc)
	if err != nil {
		return NodeID{}, err
	}

	peerID, descs, err := n.initConnect(conn)
	if err != nil {
		n.msink.IncrCounterWithLabels(MetricHandshakeErrCount, 1, []metrics.Label{LabelError.M(err.Error())})
		conn.Close()
		return NodeID{}, err
	}

	n.msink.IncrCounter(MetricHandshakeCount, 1)
	n.registerPeer(peerID, conn, descs)
	return peerID, nil
}

func (n *Node) dial(ctx context.Context, desc ConnectionDescription) (Connection, error) {
	timeout := n.cfg.dialTimeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}
	switch desc.Type {
	case ConnPipe:
		return DialPipe(desc.Hostname)
	default:
		return DialTCP(desc, timeout)
	}
}

func (n *Node) registerPeer(id NodeID, conn Connection, descs []ConnectionDescription) {
	if dur := n.cfg.keepAlive; dur > 0 {
		conn.SetKeepAlive(dur)
	}

	p := &peer{id: id, conn: conn}
	for _, d := range descs {
		if d.Hostname != "" {
			p.hostnames = append(p.hostnames, d.Hostname)
		}
	}
	n.mu.Lock()
	n.peers[id] = p
	n.connPeers[conn] = p
	// The listening node keeps LISTENING; only a pure client node
	// transitions to CONNECTED.
	if n.state != StateListening {
		n.state = StateConnected
	}
	n.mu.Unlock()

	n.startReceiver()
	n.cset.Add(conn)
}

// startReceiver brings up the per-process receiver goroutine on first
// use: it selects over every peer connection and dispatches, so no
// packet handler ever needs its own reader.
func (n *Node) startReceiver() {
	n.recvOnce.Do(func() {
		n.wg.Add(1)
		go n.receiverLoop()
	})
}

func (n *Node) receiverLoop() {
	defer n.wg.Done()
	for {
		ev := n.cset.Select(-1)
		switch ev.Type {
		case EventData:
			if p := n.peerByConn(ev.Conn); p != nil {
				n.dispatch(p, ev.Packet)
			}
		case EventDisconnect:
			if p := n.peerByConn(ev.Conn); p != nil {
				n.handleDisconnect(p, ev.Err)
			}
		case EventConnect:
			// Membership was recorded by registerPeer before the Add.
		case EventInterrupt, EventTimeout:
			n.mu.Lock()
			stopping := n.shutdown
			n.mu.Unlock()
			if stopping {
				return
			}
		}
	}
}

func (n *Node) peerByConn(conn Connection) *peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connPeers[conn]
}

// connect handshake payload: NodeID || uint64(launchID) || uint32(count)
// || count * {uint32 type, uint32 port, uint32 bandwidth,
// uint32 hostnameLen, hostname}. A non-zero launchID tells the accepting
// side this peer was spawned by its Launcher and which pending launch
// request the connect-back resolves.
func encodeConnectPayload(id NodeID, launchID uint64, descs []ConnectionDescription) []byte {
	buf := make([]byte, 16+8+4)
	copy(buf[0:16], id[:])
	binary.NativeEndian.PutUint64(buf[16:24], launchID)
	binary.NativeEndian.PutUint32(buf[24:28], uint32(len(descs)))
	for _, d := range descs {
		buf = appendDescription(buf, d)
	}
	return buf
}

func appendDescription(buf []byte, d ConnectionDescription) []byte {
	entry := make([]byte, 16+len(d.Hostname))
	binary.NativeEndian.PutUint32(entry[0:4], uint32(d.Type))
	binary.NativeEndian.PutUint32(entry[4:8], uint32(d.Port))
	binary.NativeEndian.PutUint32(entry[8:12], d.Bandwidth)
	binary.NativeEndian.PutUint32(entry[12:16], uint32(len(d.Hostname)))
	copy(entry[16:], d.Hostname)
	return append(buf, entry...)
}

func consumeDescription(rest []byte) (ConnectionDescription, []byte, error) {
	if len(rest) < 16 {
		return ConnectionDescription{}, nil, ErrMalformedPacket
	}
	typ := ConnectionType(binary.NativeEndian.Uint32(rest[0:4]))
	port := int(binary.NativeEndian.Uint32(rest[4:8]))
	bw := binary.NativeEndian.Uint32(rest[8:12])
	hlen := int(binary.NativeEndian.Uint32(rest[12:16]))
	rest = rest[16:]
	if len(rest) < hlen {
		return ConnectionDescription{}, nil, ErrMalformedPacket
	}
	host := string(rest[:hlen])
	return ConnectionDescription{Type: typ, Hostname: host, Port: port, Bandwidth: bw}, rest[hlen:], nil
}

func decodeConnectPayload(payload []byte) (NodeID, uint64, []ConnectionDescription, error) {
	var id NodeID
	if len(payload) < 28 {
		return id, 0, nil, ErrMalformedPacket
	}
	copy(id[:], payload[0:16])
	launchID := binary.NativeEndian.Uint64(payload[16:24])
	count := binary.NativeEndian.Uint32(payload[24:28])
	rest := payload[28:]

	descs := make([]ConnectionDescription, 0, count)
	for i := uint32(0); i < count; i++ {
		var d ConnectionDescription
		var err error
		d, rest, err = consumeDescription(rest)
		if err != nil {
			return id, 0, nil, err
		}
		descs = append(descs, d)
	}
	return id, launchID, descs, nil
}

// initConnect is the dialing side of the symmetric handshake: send our
// identity first, then read the peer's.
func (n *Node) initConnect(conn Connection) (NodeID, []ConnectionDescription, error) {
	if err := conn.SendPacket(NewNodePacket(CmdConnect, encodeConnectPayload(n.id, n.launchID, n.cfg.advertise))); err != nil {
		return NodeID{}, nil, err
	}
	reply, err := conn.ReadPacket()
	if err != nil {
		return NodeID{}, nil, err
	}
	if reply.Command != CmdConnect {
		return NodeID{}, nil, fmt.Errorf("%w: expected CONNECT, got %s", ErrHandshakeFailed, reply.Command)
	}
	peerID, _, descs, err := decodeConnectPayload(reply.Payload)
	if err != nil {
		return NodeID{}, nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	return peerID, descs, nil
}

// syncConnect is the accepting side: read the peer's identity first,
// then reply with our own. A non-zero launchID in the peer's hello means
// it connected back after a Launch; the pending launch request is served
// with the peer's identity once the peer map holds it.
func (n *Node) syncConnect(conn Connection) (NodeID, uint64, []ConnectionDescription, error) {
	pkt, err := conn.ReadPacket()
	if err != nil {
		return NodeID{}, 0, nil, err
	}
	if pkt.Command != CmdConnect {
		return NodeID{}, 0, nil, fmt.Errorf("%w: expected CONNECT, got %s", ErrHandshakeFailed, pkt.Command)
	}
	peerID, launchID, descs, err := decodeConnectPayload(pkt.Payload)
	if err != nil {
		return NodeID{}, 0, nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	if err := conn.SendPacket(NewNodePacket(CmdConnect, encodeConnectPayload(n.id, 0, n.cfg.advertise))); err != nil {
		return NodeID{}, 0, nil, err
	}
	return peerID, launchID, descs, nil
}

// ConnectOp is an in-flight asynchronous Connect, so many peers can be
// dialed in parallel and joined later.
type ConnectOp struct {
	doneCh chan struct{}
	id     NodeID
	err    error
}

// Sync joins the asynchronous connect, returning the peer's identity.
func (op *ConnectOp) Sync() (NodeID, error) {
	<-op.doneCh
	return op.id, op.err
}

// ConnectStart begins a Connect without waiting for the handshake to
// finish; call Sync on the returned op to join it.
func (n *Node) ConnectStart(ctx context.Context, desc ConnectionDescription) *ConnectOp {
	op := &ConnectOp{doneCh: make(chan struct{})}
	go func() {
		op.id, op.err = n.Connect(ctx, desc)
		close(op.doneCh)
	}()
	return op
}

func (n *Node) handleDisconnect(p *peer, cause error) {
	n.mu.Lock()
	delete(n.peers, p.id)
	delete(n.connPeers, p.conn)
	n.mu.Unlock()

	n.logger.Info("peer disconnected", LabelNodeID.L(p.id.String()), LabelError.L(cause))

	n.sessMu.Lock()
	sessions := make([]*Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.sessMu.Unlock()

	for _, s := range sessions {
		for _, obj := range s.Objects() {
			obj.RemoveSlave(p.id)
		}
	}

	n.stopMu.Lock()
	onDisc := n.onDisc
	n.stopMu.Unlock()
	if onDisc != nil {
		onDisc(p.id, cause)
	}
}

// dispatch routes one inbound packet to its command table: sessionID set
// selects the session's table, objectID (within a session) narrows
// further to the object's table, otherwise the node's own table handles
// it. A handler returning a *RescheduleErr parks the packet on
// the precondition it names instead of treating it as a failure.
func (n *Node) dispatch(p *peer, pkt *Packet) {
	var err error
	switch pkt.Datatype {
	case DatatypeNode:
		err = n.dispatchNode(p, pkt)
	case DatatypeSession, DatatypeObject:
		err = n.dispatchSession(p, pkt)
	default:
		err = fmt.Errorf("%w: datatype %d", ErrMalformedPacket, pkt.Datatype)
	}

	if err == nil {
		return
	}

	if resched, ok := err.(*RescheduleErr); ok {
		n.park(resched.Reason, p, pkt)
		n.msink.IncrCounter(MetricDispatchReschedule, 1)
		return
	}

	n.logger.Error("dispatch failed",
		LabelCommand.L(pkt.Command.String()),
		LabelError.L(err),
	)
}

func (n *Node) park(key string, p *peer, pkt *Packet) {
	n.pendingMu.Lock()
	n.pending[key] = append(n.pending[key], parkedPacket{peer: p, pkt: pkt})
	n.pendingMu.Unlock()
}

// drain redispatches every packet parked on key, called once a command
// handler satisfies the precondition the key names (a session gets
// mapped, an object gets registered).
func (n *Node) drain(key string) {
	n.pendingMu.Lock()
	waiters := n.pending[key]
	delete(n.pending, key)
	n.pendingMu.Unlock()

	for _, w := range waiters {
		n.dispatch(w.peer, w.pkt)
	}
}

func (n *Node) dispatchNode(p *peer, pkt *Packet) error {
	switch pkt.Command {
	case CmdKeepAlive:
		return nil
	case CmdStop:
		return n.handleStop(pkt)
	case CmdMapSession:
		return n.handleMapSession(p, pkt)
	case CmdMapSessionReply:
		return n.handleMapSessionReply(p, pkt)
	case CmdUnmapSession:
		return n.handleUnmapSession(p, pkt)
	case CmdUnmapSessionReply:
		return n.handleUnmapSessionReply(p, pkt)
	case CmdGetConnectionDescription:
		return n.handleGetConnectionDescription(p, pkt)
	case CmdGetConnectionDescriptionReply:
		return n.handleGetConnectionDescriptionReply(p, pkt)
	case CmdConnect:
		// A CONNECT after the handshake is a stray hello; drop it.
		return nil
	default:
		if h, ok := n.handlers[pkt.Command]; ok {
			return h(p.id, p.conn, pkt)
		}
		return fmt.Errorf("%w: %s on node table", ErrUnknownCommand, pkt.Command)
	}
}

func (n *Node) handleStop(pkt *Packet) error {
	graceful := len(pkt.Payload) >= 4 && binary.NativeEndian.Uint32(pkt.Payload[0:4]) != 0
	n.stopMu.Lock()
	h := n.stopHandler
	n.stopMu.Unlock()
	if h != nil {
		h(graceful)
	}
	return nil
}

// Stop asks peerID to shut down. graceful lets the peer flush its
// in-flight frame before tearing down; otherwise teardown is immediate.
func (n *Node) Stop(peerID NodeID, graceful bool) error {
	payload := make([]byte, 4)
	if graceful {
		binary.NativeEndian.PutUint32(payload, 1)
	}
	return n.SendToPeer(peerID, NewNodePacket(CmdStop, payload))
}

func decodeInlineString(payload []byte) string {
	end := len(payload)
	for i, b := range payload {
		if b == 0 {
			end = i
			break
		}
	}
	return string(payload[:end])
}

func (n *Node) handleMapSession(p *peer, pkt *Packet) error {
	name := decodeInlineString(pkt.Payload)
	id := n.sessionDir.resolveOrAllocate(name)

	n.sessMu.Lock()
	if _, ok := n.sessions[id]; !ok {
		n.sessions[id] = NewSession(id, name)
	}
	n.sessMu.Unlock()

	reply := make([]byte, 4)
	binary.NativeEndian.PutUint32(reply, uint32(id))
	n.drain(fmt.Sprintf("session:%d", id))
	return p.conn.SendPacket(NewNodePacket(CmdMapSessionReply, reply))
}

func (n *Node) handleMapSessionReply(p *peer, pkt *Packet) error {
	if len(pkt.Payload) < 4 {
		return ErrMalformedPacket
	}
	id, ok := p.popPending()
	if !ok {
		return fmt.Errorf("%w: unsolicited MAP_SESSION_REPLY", ErrProtocolViolation)
	}
	sid := SessionID(binary.NativeEndian.Uint32(pkt.Payload[0:4]))
	return n.reqCache.Serve(id, sid, nil)
}

func (n *Node) handleUnmapSession(p *peer, pkt *Packet) error {
	if len(pkt.Payload) < 4 {
		return ErrMalformedPacket
	}
	sid := SessionID(binary.NativeEndian.Uint32(pkt.Payload[0:4]))

	n.sessMu.Lock()
	sess, ok := n.sessions[sid]
	if ok {
		for _, obj := range sess.Objects() {
			obj.RemoveSlave(p.id)
		}
	}
	n.sessMu.Unlock()

	return p.conn.SendPacket(NewNodePacket(CmdUnmapSessionReply, pkt.Payload[:4]))
}

func (n *Node) handleUnmapSessionReply(p *peer, pkt *Packet) error {
	id, ok := p.popPending()
	if !ok {
		return fmt.Errorf("%w: unsolicited UNMAP_SESSION_REPLY", ErrProtocolViolation)
	}
	return n.reqCache.Serve(id, nil, nil)
}

// handleGetConnectionDescription serves one of this node's advertised
// descriptions by index, so a peer can learn a third node's address
// through the node that already knows it.
func (n *Node) handleGetConnectionDescription(p *peer, pkt *Packet) error {
	if len(pkt.Payload) < 4 {
		return ErrMalformedPacket
	}
	idx := int(binary.NativeEndian.Uint32(pkt.Payload[0:4]))
	if idx >= len(n.cfg.advertise) {
		return p.conn.SendPacket(NewNodePacket(CmdGetConnectionDescriptionReply, nil))
	}
	return p.conn.SendPacket(NewNodePacket(
		CmdGetConnectionDescriptionReply,
		appendDescription(nil, n.cfg.advertise[idx]),
	))
}

func (n *Node) handleGetConnectionDescriptionReply(p *peer, pkt *Packet) error {
	id, ok := p.popPending()
	if !ok {
		return fmt.Errorf("%w: unsolicited GET_CONNECTION_DESCRIPTION_REPLY", ErrProtocolViolation)
	}
	if len(pkt.Payload) == 0 {
		return n.reqCache.Serve(id, nil, ErrNoRoute)
	}
	desc, _, err := consumeDescription(pkt.Payload)
	if err != nil {
		return n.reqCache.Serve(id, nil, err)
	}
	return n.reqCache.Serve(id, desc, nil)
}

// GetConnectionDescription asks peerID for its idx-th advertised
// description.
func (n *Node) GetConnectionDescription(ctx context.Context, peerID NodeID, idx int) (ConnectionDescription, error) {
	n.mu.Lock()
	p, ok := n.peers[peerID]
	n.mu.Unlock()
	if !ok {
		return ConnectionDescription{}, ErrPeerUnknown
	}

	id, err := n.reqCache.Register()
	if err != nil {
		return ConnectionDescription{}, err
	}
	p.pushPending(id)

	payload := make([]byte, 4)
	binary.NativeEndian.PutUint32(payload, uint32(idx))
	if err := p.conn.SendPacket(NewNodePacket(CmdGetConnectionDescription, payload)); err != nil {
		return ConnectionDescription{}, err
	}

	v, err := n.reqCache.Wait(ctx, id)
	if err != nil {
		return ConnectionDescription{}, err
	}
	return v.(ConnectionDescription), nil
}

// dispatchSession routes a session- or object-scoped packet. An
// unknown session parks the packet until MapSession resolves
// it locally.
func (n *Node) dispatchSession(p *peer, pkt *Packet) error {
	n.sessMu.Lock()
	sess, ok := n.sessions[pkt.SessionID]
	n.sessMu.Unlock()
	if !ok {
		return &RescheduleErr{Reason: fmt.Sprintf("session:%d", pkt.SessionID)}
	}

	if pkt.HasObject {
		return n.dispatchObject(p, sess, pkt)
	}

	if h, ok := sess.handler(pkt.Command); ok {
		return h(p.id, p.conn, pkt)
	}
	return fmt.Errorf("%w: %s on session table", ErrUnknownCommand, pkt.Command)
}

// encodeInstanceData/decodeInstanceData frame an object's version and
// full replacement payload for INSTANCE_DATA, DELTA and COMMIT, which
// all share the same wire shape: uint32 version, then raw bytes.
func encodeInstanceData(v Version, data []byte) []byte {
	buf := make([]byte, 4+len(data))
	binary.NativeEndian.PutUint32(buf[0:4], uint32(v))
	copy(buf[4:], data)
	return buf
}

func decodeInstanceData(payload []byte) (Version, []byte, error) {
	if len(payload) < 4 {
		return 0, nil, ErrMalformedPacket
	}
	return Version(binary.NativeEndian.Uint32(payload[0:4])), payload[4:], nil
}

func (n *Node) dispatchObject(p *peer, sess *Session, pkt *Packet) error {
	obj, ok := sess.Object(pkt.ObjectID)

	switch pkt.Command {
	case CmdSync:
		if !ok {
			return &RescheduleErr{Reason: fmt.Sprintf("object:%d:%d", pkt.SessionID, pkt.ObjectID)}
		}
		version, snapshot, err := obj.AddSlave(p.id, p.conn)
		if err != nil {
			return err
		}
		return p.conn.SendPacket(NewObjectPacket(CmdInstanceData, pkt.SessionID, pkt.ObjectID, encodeInstanceData(version, snapshot)))

	case CmdInstanceData:
		if !ok {
			return &RescheduleErr{Reason: fmt.Sprintf("object:%d:%d", pkt.SessionID, pkt.ObjectID)}
		}
		version, data, err := decodeInstanceData(pkt.Payload)
		if err != nil {
			return err
		}
		return obj.ApplyInstanceData(version, data)

	// DELTA and COMMIT carry an identical payload (new version plus
	// replacement instance data); COMMIT denotes a master-originated
	// broadcast, DELTA is accepted as a synonym.
	case CmdDelta, CmdCommit:
		if !ok {
			return &RescheduleErr{Reason: fmt.Sprintf("object:%d:%d", pkt.SessionID, pkt.ObjectID)}
		}
		version, delta, err := decodeInstanceData(pkt.Payload)
		if err != nil {
			return err
		}
		if err := obj.ApplyDelta(version, delta); err != nil {
			return err
		}
		n.drain(fmt.Sprintf("object-version:%d:%d:%d", pkt.SessionID, pkt.ObjectID, version))
		return nil

	default:
		// Object-addressed commands the built-in table does not claim
		// (barrier enters and their replies) go to the session's
		// application handlers.
		if h, handled := sess.handler(pkt.Command); handled {
			return h(p.id, p.conn, pkt)
		}
		return fmt.Errorf("%w: %s on object table", ErrUnknownCommand, pkt.Command)
	}
}

// MapSession resolves name against the node addressed by peerID,
// blocking until the reply arrives or ctx is done. The node hosting the
// session's directory (normally the server) allocates on first use. The
// session is registered locally, so packets addressed to it dispatch
// from then on; setup hooks run on the fresh session before any parked
// packet is redelivered, which is the only safe point to extend its
// command table.
func (n *Node) MapSession(ctx context.Context, peerID NodeID, name string, setup ...func(*Session)) (*Session, error) {
	n.mu.Lock()
	p, ok := n.peers[peerID]
	n.mu.Unlock()
	if !ok {
		return nil, ErrPeerUnknown
	}

	id, err := n.reqCache.Register()
	if err != nil {
		return nil, err
	}
	p.pushPending(id)

	if err := p.conn.SendWithString(CmdMapSession, name); err != nil {
		return nil, err
	}

	v, err := n.reqCache.Wait(ctx, id)
	if err != nil {
		return nil, err
	}
	sid := v.(SessionID)

	n.sessMu.Lock()
	sess, ok := n.sessions[sid]
	if !ok {
		sess = NewSession(sid, name)
		n.sessions[sid] = sess
	}
	n.sessMu.Unlock()
	for _, fn := range setup {
		fn(sess)
	}
	n.drain(fmt.Sprintf("session:%d", sid))
	return sess, nil
}

// UnmapSession tells peerID this node no longer participates in sid and
// forgets the session locally once the peer acknowledges.
func (n *Node) UnmapSession(ctx context.Context, peerID NodeID, sid SessionID) error {
	n.mu.Lock()
	p, ok := n.peers[peerID]
	n.mu.Unlock()
	if !ok {
		return ErrPeerUnknown
	}

	id, err := n.reqCache.Register()
	if err != nil {
		return err
	}
	p.pushPending(id)

	payload := make([]byte, 4)
	binary.NativeEndian.PutUint32(payload, uint32(sid))
	if err := p.conn.SendPacket(NewNodePacket(CmdUnmapSession, payload)); err != nil {
		return err
	}
	if _, err := n.reqCache.Wait(ctx, id); err != nil {
		return err
	}

	n.sessMu.Lock()
	delete(n.sessions, sid)
	n.sessMu.Unlock()
	return nil
}

// OpenSession allocates (or resolves) name in the local directory and
// registers the session, making this node its authoritative home. The
// server side of a cluster opens sessions; render nodes map them.
func (n *Node) OpenSession(name string, setup ...func(*Session)) *Session {
	sid := n.sessionDir.resolveOrAllocate(name)

	n.sessMu.Lock()
	sess, ok := n.sessions[sid]
	if !ok {
		sess = NewSession(sid, name)
		n.sessions[sid] = sess
	}
	n.sessMu.Unlock()
	for _, fn := range setup {
		fn(sess)
	}
	n.drain(fmt.Sprintf("session:%d", sid))
	return sess
}

// Session looks up a locally registered session by id.
func (n *Node) Session(sid SessionID) (*Session, bool) {
	n.sessMu.Lock()
	defer n.sessMu.Unlock()
	s, ok := n.sessions[sid]
	return s, ok
}

// SendToPeer transmits one packet to a connected peer.
func (n *Node) SendToPeer(peerID NodeID, pkt *Packet) error {
	n.mu.Lock()
	p, ok := n.peers[peerID]
	n.mu.Unlock()
	if !ok {
		return ErrPeerUnknown
	}
	return p.conn.SendPacket(pkt)
}

// PeerConnection returns the Connection in use for peerID.
func (n *Node) PeerConnection(peerID NodeID) (Connection, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.peers[peerID]
	if !ok {
		return nil, false
	}
	return p.conn, true
}

// Peers snapshots the ids of every connected peer.
func (n *Node) Peers() []NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]NodeID, 0, len(n.peers))
	for id := range n.peers {
		out = append(out, id)
	}
	return out
}

// CommitObject broadcasts a new version of obj to every known slave,
// routed through whichever peer Connections AddSlave recorded.
func (n *Node) CommitObject(obj *Object, delta []byte) (Version, error) {
	version, targets, err := obj.Commit(delta)
	if err != nil {
		return 0, err
	}
	payload := encodeInstanceData(version, delta)
	for id, conn := range targets {
		pkt := NewObjectPacket(CmdCommit, obj.session.ID(), obj.ID(), payload)
		if err := conn.SendPacket(pkt); err != nil {
			n.logger.Warn("commit broadcast failed", LabelNodeID.L(id.String()), LabelError.L(err))
		}
	}
	n.msink.IncrCounter(MetricObjectCommitCount, 1)
	return version, nil
}

// Shutdown performs the same notify-then-drop two-phase teardown used
// throughout this package: peers are told first, local resources are
// only released once every dispatch goroutine has observed the signal.
func (n *Node) Shutdown() error {
	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		return nil
	}
	n.shutdown = true
	close(n.shutdownCh)
	peers := make([]*peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.Unlock()

	for _, p := range peers {
		p.conn.SendWithPayload(CmdStop, nil)
	}

	close(n.dropCh)
	if n.listener != nil {
		n.listener.Close()
	}
	for _, p := range peers {
		p.conn.Close()
	}
	if n.membership != nil {
		n.membership.Leave(n.cfg.gracePeriod)
	}
	n.reqCache.Shutdown()
	n.cset.Interrupt()
	n.wg.Wait()
	n.cset.Close()
	return nil
}
