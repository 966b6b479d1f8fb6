package rendergrid

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Command identifies the handler a dispatched Packet is routed to. The
// families mirror the node, object and hierarchy command tables; each
// table owns a disjoint numeric range so a single byte on the wire is
// enough to tell them apart once Datatype has narrowed the table.
type Command uint32

const (
	CmdUnspecified Command = iota

	// Node command table.
	CmdStop
	CmdMapSession
	CmdMapSessionReply
	CmdUnmapSession
	CmdUnmapSessionReply
	CmdGetConnectionDescription
	CmdGetConnectionDescriptionReply
	CmdConnect
	CmdKeepAlive

	// Object command table.
	CmdInstanceData
	CmdDelta
	CmdCommit
	CmdSync

	// Hierarchy command table.
	CmdConfigInit
	CmdConfigInitReply
	CmdConfigExit
	CmdConfigExitReply
	CmdFrameStart
	CmdFrameFinish
	CmdFrameFinishReply
	CmdFrameDrawFinish
	CmdFrameTasksFinish
	CmdWindowCreateChannel
	CmdWindowDestroyChannel
	CmdWindowStartFrame
	CmdWindowEndFrame
	CmdWindowBarrier
	CmdWindowFinish
	CmdWindowSwap
	CmdBarrierEnter
	CmdBarrierEnterReply
)

func (c Command) String() string {
	switch c {
	case CmdStop:
		return "STOP"
	case CmdMapSession:
		return "MAP_SESSION"
	case CmdMapSessionReply:
		return "MAP_SESSION_REPLY"
	case CmdUnmapSession:
		return "UNMAP_SESSION"
	case CmdUnmapSessionReply:
		return "UNMAP_SESSION_REPLY"
	case CmdGetConnectionDescription:
		return "GET_CONNECTION_DESCRIPTION"
	case CmdGetConnectionDescriptionReply:
		return "GET_CONNECTION_DESCRIPTION_REPLY"
	case CmdConnect:
		return "CONNECT"
	case CmdKeepAlive:
		return "KEEP_ALIVE"
	case CmdInstanceData:
		return "INSTANCE_DATA"
	case CmdDelta:
		return "DELTA"
	case CmdCommit:
		return "COMMIT"
	case CmdSync:
		return "SYNC"
	case CmdConfigInit:
		return "CONFIG_INIT"
	case CmdConfigInitReply:
		return "CONFIG_INIT_REPLY"
	case CmdConfigExit:
		return "CONFIG_EXIT"
	case CmdConfigExitReply:
		return "CONFIG_EXIT_REPLY"
	case CmdFrameStart:
		return "FRAME_START"
	case CmdFrameFinish:
		return "FRAME_FINISH"
	case CmdFrameFinishReply:
		return "FRAME_FINISH_REPLY"
	case CmdFrameDrawFinish:
		return "FRAME_DRAW_FINISH"
	case CmdFrameTasksFinish:
		return "FRAME_TASKS_FINISH"
	case CmdWindowCreateChannel:
		return "WINDOW_CREATE_CHANNEL"
	case CmdWindowDestroyChannel:
		return "WINDOW_DESTROY_CHANNEL"
	case CmdWindowStartFrame:
		return "WINDOW_START_FRAME"
	case CmdWindowEndFrame:
		return "WINDOW_END_FRAME"
	case CmdWindowBarrier:
		return "WINDOW_BARRIER"
	case CmdWindowFinish:
		return "WINDOW_FINISH"
	case CmdWindowSwap:
		return "WINDOW_SWAP"
	case CmdBarrierEnter:
		return "BARRIER_ENTER"
	case CmdBarrierEnterReply:
		return "BARRIER_ENTER_REPLY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(c))
	}
}

// Datatype tells the receiver which optional identifiers follow the fixed
// header, which in turn decides the dispatch route: node, session
// or object command table.
type Datatype uint32

const (
	DatatypeNode Datatype = iota
	DatatypeSession
	DatatypeObject
)

// HeaderSize is the size in bytes of the fixed packet header: u64 size,
// u32 datatype, u32 command. Multi-byte integers use the host's native
// byte order; cross-endianness is explicitly unsupported.
const HeaderSize = 8 + 4 + 4

// optIDSize is the encoded size of one optional uint32 identifier
// (SessionID or ObjectID) following the fixed header.
const optIDSize = 4

// Packet is a decoded wire message: fixed header, optional routing
// identifiers, and an opaque payload.
type Packet struct {
	Datatype  Datatype
	Command   Command
	SessionID SessionID
	HasObject bool
	ObjectID  ObjectID
	Payload   []byte
}

// EncodedSize returns the exact number of bytes WriteTo will write for
// this packet.
func (p *Packet) EncodedSize() uint64 {
	size := uint64(HeaderSize)
	switch p.Datatype {
	case DatatypeSession:
		size += optIDSize
	case DatatypeObject:
		size += optIDSize * 2
	}
	return size + uint64(len(p.Payload))
}

// WriteTo serialises the packet using the host's native byte order;
// peers of mixed endianness are unsupported.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	size := p.EncodedSize()
	buf := make([]byte, HeaderSize)
	binary.NativeEndian.PutUint64(buf[0:8], size)
	binary.NativeEndian.PutUint32(buf[8:12], uint32(p.Datatype))
	binary.NativeEndian.PutUint32(buf[12:16], uint32(p.Command))

	switch p.Datatype {
	case DatatypeSession:
		idBuf := make([]byte, optIDSize)
		binary.NativeEndian.PutUint32(idBuf, uint32(p.SessionID))
		buf = append(buf, idBuf...)
	case DatatypeObject:
		idBuf := make([]byte, optIDSize*2)
		binary.NativeEndian.PutUint32(idBuf[0:4], uint32(p.SessionID))
		binary.NativeEndian.PutUint32(idBuf[4:8], uint32(p.ObjectID))
		buf = append(buf, idBuf...)
	}

	buf = append(buf, p.Payload...)
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadPacket reads one full packet from r: the fixed header, then its
// optional ids and payload, as indicated by the header's Datatype. It
// blocks until the full packet is available or r returns an error,
// matching the Connection.Recv contract.
func ReadPacket(r io.Reader) (*Packet, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	size := binary.NativeEndian.Uint64(header[0:8])
	datatype := Datatype(binary.NativeEndian.Uint32(header[8:12]))
	command := Command(binary.NativeEndian.Uint32(header[12:16]))

	if size < uint64(HeaderSize) {
		return nil, fmt.Errorf("%w: size %d smaller than header", ErrMalformedPacket, size)
	}

	rest := size - uint64(HeaderSize)
	p := &Packet{Datatype: datatype, Command: command}

	switch datatype {
	case DatatypeNode:
	case DatatypeSession:
		if rest < optIDSize {
			return nil, fmt.Errorf("%w: truncated session id", ErrMalformedPacket)
		}
		idBuf := make([]byte, optIDSize)
		if _, err := io.ReadFull(r, idBuf); err != nil {
			return nil, err
		}
		p.SessionID = SessionID(binary.NativeEndian.Uint32(idBuf))
		rest -= optIDSize
	case DatatypeObject:
		if rest < optIDSize*2 {
			return nil, fmt.Errorf("%w: truncated object ids", ErrMalformedPacket)
		}
		idBuf := make([]byte, optIDSize*2)
		if _, err := io.ReadFull(r, idBuf); err != nil {
			return nil, err
		}
		p.SessionID = SessionID(binary.NativeEndian.Uint32(idBuf[0:4]))
		p.ObjectID = ObjectID(binary.NativeEndian.Uint32(idBuf[4:8]))
		p.HasObject = true
		rest -= optIDSize * 2
	default:
		return nil, fmt.Errorf("%w: unknown datatype %d", ErrMalformedPacket, datatype)
	}

	if rest > 0 {
		p.Payload = make([]byte, rest)
		if _, err := io.ReadFull(r, p.Payload); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// NewNodePacket builds a packet routed to the node's own command table
// (no session or object id).
func NewNodePacket(cmd Command, payload []byte) *Packet {
	return &Packet{Datatype: DatatypeNode, Command: cmd, Payload: payload}
}

// NewSessionPacket builds a packet routed to a session's command table.
func NewSessionPacket(cmd Command, sid SessionID, payload []byte) *Packet {
	return &Packet{Datatype: DatatypeSession, Command: cmd, SessionID: sid, Payload: payload}
}

// NewObjectPacket builds a packet routed to an object's command table.
func NewObjectPacket(cmd Command, sid SessionID, oid ObjectID, payload []byte) *Packet {
	return &Packet{
		Datatype:  DatatypeObject,
		Command:   cmd,
		SessionID: sid,
		ObjectID:  oid,
		HasObject: true,
		Payload:   payload,
	}
}
