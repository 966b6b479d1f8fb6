package hierarchy

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/shugraphics/rendergrid"
)


// ThreadModel governs when a render node releases its local frame sync.
type ThreadModel int32

const (
	// DrawSync waits for all pipes to complete draw before the node
	// accepts the next frame. The default.
	DrawSync ThreadModel = iota

	// Async releases local sync as soon as frame start returns; pipes
	// run unthrottled up to the config's latency window.
	Async

	// LocalSync waits for all pipes to complete the entire frame,
	// including readback, before the node accepts the next frame.
	LocalSync
)

func (m ThreadModel) String() string {
	switch m {
	case Async:
		return "ASYNC"
	case DrawSync:
		return "DRAW_SYNC"
	case LocalSync:
		return "LOCAL_SYNC"
	default:
		return "UNKNOWN"
	}
}

// Range is a channel's share [Lo,Hi) of a sort-last workload, a
// half-open interval within [0,1].
type Range struct {
	Lo, Hi float32
}

// FullRange covers the whole database.
var FullRange = Range{0, 1}

// IsFull reports whether the range covers everything.
func (r Range) IsFull() bool { return r.Lo == 0 && r.Hi == 1 }

// IsEmpty reports whether the range selects nothing.
func (r Range) IsEmpty() bool { return r.Hi <= r.Lo }

// Viewport is a channel's fractional viewport within its window.
type Viewport struct {
	X, Y, W, H float32
}

// FullViewport covers the whole window.
var FullViewport = Viewport{0, 0, 1, 1}

// PixelViewport is a window's pixel rectangle on its pipe.
type PixelViewport struct {
	X, Y, W, H int32
}

// Apply resolves a fractional viewport against a pixel viewport.
func (pvp PixelViewport) Apply(vp Viewport) PixelViewport {
	return PixelViewport{
		X: pvp.X + int32(vp.X*float32(pvp.W)),
		Y: pvp.Y + int32(vp.Y*float32(pvp.H)),
		W: int32(vp.W * float32(pvp.W)),
		H: int32(vp.H * float32(pvp.H)),
	}
}

// ChannelBranch describes one channel to the render side.
type ChannelBranch struct {
	ID   uint32
	Name string

	Range    Range
	Viewport Viewport

	// OutputFrames names the readback frames this channel produces;
	// InputFrames the ones it assembles.
	OutputFrames []string
	InputFrames  []string
}

// WindowBranch describes one window to the render side.
type WindowBranch struct {
	ID   uint32
	Name string

	PVP PixelViewport

	// SwapGroup names the swap-locked equivalence class; empty means
	// the window swaps unbarriered. BarrierID addresses the group's
	// barrier object within the session (zero when ungrouped).
	SwapGroup string
	BarrierID rendergrid.ObjectID

	Channels []ChannelBranch
}

// PipeBranch describes one pipe to the render side.
type PipeBranch struct {
	ID     uint32
	Device uint32

	Windows []WindowBranch
}

// NodeBranch is the per-node slice of the config a render process needs
// to build its local hierarchy: its pipes, windows and channels, the
// session-scoped id of the frame data object, and where readback images
// go.
type NodeBranch struct {
	Name        string
	ThreadModel ThreadModel

	FrameDataID rendergrid.ObjectID

	// FrameSinkAddr is the data-plane address readback images are
	// shipped to; empty disables readback transport.
	FrameSinkAddr string

	Pipes []PipeBranch
}

// wireWriter accumulates the native-endian encoding all hierarchy
// payloads share.
type wireWriter struct {
	buf []byte
}

func (w *wireWriter) u32(v uint32) {
	var scratch [4]byte
	binary.NativeEndian.PutUint32(scratch[:], v)
	w.buf = append(w.buf, scratch[:]...)
}

func (w *wireWriter) u64(v uint64) {
	var scratch [8]byte
	binary.NativeEndian.PutUint64(scratch[:], v)
	w.buf = append(w.buf, scratch[:]...)
}

func (w *wireWriter) f32(v float32) {
	w.u32(math.Float32bits(v))
}

func (w *wireWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *wireWriter) strs(ss []string) {
	w.u32(uint32(len(ss)))
	for _, s := range ss {
		w.str(s)
	}
}

type wireReader struct {
	buf []byte
	err error
}

func (r *wireReader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 4 {
		r.err = rendergrid.ErrMalformedPacket
		return 0
	}
	v := binary.NativeEndian.Uint32(r.buf[0:4])
	r.buf = r.buf[4:]
	return v
}

func (r *wireReader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 8 {
		r.err = rendergrid.ErrMalformedPacket
		return 0
	}
	v := binary.NativeEndian.Uint64(r.buf[0:8])
	r.buf = r.buf[8:]
	return v
}

func (r *wireReader) f32() float32 {
	return math.Float32frombits(r.u32())
}

func (r *wireReader) str() string {
	n := int(r.u32())
	if r.err != nil {
		return ""
	}
	if len(r.buf) < n {
		r.err = rendergrid.ErrMalformedPacket
		return ""
	}
	s := string(r.buf[:n])
	r.buf = r.buf[n:]
	return s
}

func (r *wireReader) strs() []string {
	n := int(r.u32())
	if r.err != nil || n == 0 {
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.str())
	}
	return out
}

func encodeChannelBranch(w *wireWriter, ch ChannelBranch) {
	w.u32(ch.ID)
	w.str(ch.Name)
	w.f32(ch.Range.Lo)
	w.f32(ch.Range.Hi)
	w.f32(ch.Viewport.X)
	w.f32(ch.Viewport.Y)
	w.f32(ch.Viewport.W)
	w.f32(ch.Viewport.H)
	w.strs(ch.OutputFrames)
	w.strs(ch.InputFrames)
}

func decodeChannelBranch(r *wireReader) ChannelBranch {
	ch := ChannelBranch{ID: r.u32(), Name: r.str()}
	ch.Range = Range{Lo: r.f32(), Hi: r.f32()}
	ch.Viewport = Viewport{X: r.f32(), Y: r.f32(), W: r.f32(), H: r.f32()}
	ch.OutputFrames = r.strs()
	ch.InputFrames = r.strs()
	return ch
}

// Marshal flattens the branch for the CONFIG_INIT payload.
func (b *NodeBranch) Marshal() []byte {
	w := &wireWriter{}
	w.str(b.Name)
	w.u32(uint32(b.ThreadModel))
	w.u32(uint32(b.FrameDataID))
	w.str(b.FrameSinkAddr)
	w.u32(uint32(len(b.Pipes)))
	for _, p := range b.Pipes {
		w.u32(p.ID)
		w.u32(p.Device)
		w.u32(uint32(len(p.Windows)))
		for _, win := range p.Windows {
			w.u32(win.ID)
			w.str(win.Name)
			w.u32(uint32(win.PVP.X))
			w.u32(uint32(win.PVP.Y))
			w.u32(uint32(win.PVP.W))
			w.u32(uint32(win.PVP.H))
			w.str(win.SwapGroup)
			w.u32(uint32(win.BarrierID))
			w.u32(uint32(len(win.Channels)))
			for _, ch := range win.Channels {
				encodeChannelBranch(w, ch)
			}
		}
	}
	return w.buf
}

// UnmarshalNodeBranch is the inverse of NodeBranch.Marshal.
func UnmarshalNodeBranch(buf []byte) (*NodeBranch, error) {
	r := &wireReader{buf: buf}
	b := &NodeBranch{}
	b.Name = r.str()
	b.ThreadModel = ThreadModel(r.u32())
	b.FrameDataID = rendergrid.ObjectID(r.u32())
	b.FrameSinkAddr = r.str()

	nPipes := int(r.u32())
	for i := 0; i < nPipes && r.err == nil; i++ {
		p := PipeBranch{ID: r.u32(), Device: r.u32()}
		nWins := int(r.u32())
		for j := 0; j < nWins && r.err == nil; j++ {
			win := WindowBranch{ID: r.u32(), Name: r.str()}
			win.PVP = PixelViewport{
				X: int32(r.u32()), Y: int32(r.u32()),
				W: int32(r.u32()), H: int32(r.u32()),
			}
			win.SwapGroup = r.str()
			win.BarrierID = rendergrid.ObjectID(r.u32())
			nChans := int(r.u32())
			for k := 0; k < nChans && r.err == nil; k++ {
				win.Channels = append(win.Channels, decodeChannelBranch(r))
			}
			p.Windows = append(p.Windows, win)
		}
		b.Pipes = append(b.Pipes, p)
	}
	if r.err != nil {
		return nil, fmt.Errorf("node branch: %w", r.err)
	}
	return b, nil
}

// Control payload shapes shared by both sides of the session.

// EncodeRequestPayload prefixes body with the request id a reply must
// echo.
func EncodeRequestPayload(reqID uint64, body []byte) []byte {
	w := &wireWriter{}
	w.u64(reqID)
	w.buf = append(w.buf, body...)
	return w.buf
}

func DecodeRequestPayload(payload []byte) (reqID uint64, body []byte, err error) {
	r := &wireReader{buf: payload}
	reqID = r.u64()
	if r.err != nil {
		return 0, nil, r.err
	}
	return reqID, r.buf, nil
}

// EncodeReplyPayload carries a request id, a success flag and an error
// message for the failing case.
func EncodeReplyPayload(reqID uint64, ok bool, msg string) []byte {
	w := &wireWriter{}
	w.u64(reqID)
	if ok {
		w.u32(1)
	} else {
		w.u32(0)
	}
	w.str(msg)
	return w.buf
}

func DecodeReplyPayload(payload []byte) (reqID uint64, ok bool, msg string, err error) {
	r := &wireReader{buf: payload}
	reqID = r.u64()
	ok = r.u32() != 0
	msg = r.str()
	return reqID, ok, msg, r.err
}

// EncodeFrameStartPayload names the frame to start and the frame data
// version the render pipes must wait for before drawing.
func EncodeFrameStartPayload(frame rendergrid.FrameNumber, fdVersion rendergrid.Version) []byte {
	w := &wireWriter{}
	w.u32(uint32(frame))
	w.u32(uint32(fdVersion))
	return w.buf
}

func DecodeFrameStartPayload(payload []byte) (rendergrid.FrameNumber, rendergrid.Version, error) {
	r := &wireReader{buf: payload}
	frame := rendergrid.FrameNumber(r.u32())
	version := rendergrid.Version(r.u32())
	return frame, version, r.err
}

// EncodeFrameFinishPayload asks a node to report completion of frame.
func EncodeFrameFinishPayload(reqID uint64, frame rendergrid.FrameNumber) []byte {
	w := &wireWriter{}
	w.u64(reqID)
	w.u32(uint32(frame))
	return w.buf
}

func DecodeFrameFinishPayload(payload []byte) (uint64, rendergrid.FrameNumber, error) {
	r := &wireReader{buf: payload}
	reqID := r.u64()
	frame := rendergrid.FrameNumber(r.u32())
	return reqID, frame, r.err
}

// EncodeFrameNumberPayload carries a bare frame number (draw-finish and
// tasks-finish notifications).
func EncodeFrameNumberPayload(frame rendergrid.FrameNumber) []byte {
	w := &wireWriter{}
	w.u32(uint32(frame))
	return w.buf
}

func DecodeFrameNumberPayload(payload []byte) (rendergrid.FrameNumber, error) {
	r := &wireReader{buf: payload}
	frame := rendergrid.FrameNumber(r.u32())
	return frame, r.err
}

// EncodeBarrierEnterPayload is sent by a window entering its swap
// barrier: the request id its release reply must echo and the barrier
// version it is entering.
func EncodeBarrierEnterPayload(reqID uint64, version rendergrid.Version) []byte {
	w := &wireWriter{}
	w.u64(reqID)
	w.u32(uint32(version))
	return w.buf
}

func DecodeBarrierEnterPayload(payload []byte) (uint64, rendergrid.Version, error) {
	r := &wireReader{buf: payload}
	reqID := r.u64()
	version := rendergrid.Version(r.u32())
	return reqID, version, r.err
}

// EncodeWindowCreateChannelPayload adds a channel to a running window.
func EncodeWindowCreateChannelPayload(windowID uint32, ch ChannelBranch) []byte {
	w := &wireWriter{}
	w.u32(windowID)
	encodeChannelBranch(w, ch)
	return w.buf
}

func DecodeWindowCreateChannelPayload(payload []byte) (uint32, ChannelBranch, error) {
	r := &wireReader{buf: payload}
	windowID := r.u32()
	ch := decodeChannelBranch(r)
	return windowID, ch, r.err
}

// EncodeWindowDestroyChannelPayload removes a runtime channel.
func EncodeWindowDestroyChannelPayload(windowID, channelID uint32) []byte {
	w := &wireWriter{}
	w.u32(windowID)
	w.u32(channelID)
	return w.buf
}

func DecodeWindowDestroyChannelPayload(payload []byte) (uint32, uint32, error) {
	r := &wireReader{buf: payload}
	windowID := r.u32()
	channelID := r.u32()
	return windowID, channelID, r.err
}

// EncodeWindowBarrierPayload re-binds a window to its (possibly new)
// barrier after a re-plan: the window, the barrier object and the
// version entering starts at.
func EncodeWindowBarrierPayload(windowID uint32, barrierID rendergrid.ObjectID, version rendergrid.Version) []byte {
	w := &wireWriter{}
	w.u32(windowID)
	w.u32(uint32(barrierID))
	w.u32(uint32(version))
	return w.buf
}

func DecodeWindowBarrierPayload(payload []byte) (uint32, rendergrid.ObjectID, rendergrid.Version, error) {
	r := &wireReader{buf: payload}
	windowID := r.u32()
	barrierID := rendergrid.ObjectID(r.u32())
	version := rendergrid.Version(r.u32())
	return windowID, barrierID, version, r.err
}
