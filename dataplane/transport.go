// Package dataplane moves readback pixels between render nodes over
// QUIC, keeping bulk image traffic off the control connections. One
// QUIC connection is held per node pair; each channel-to-channel
// transfer runs on its own stream, so a large frame never head-of-line
// blocks a small one.
package dataplane

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"

	"github.com/shugraphics/rendergrid/pkg/flow"
)

// TransportConfig configures a data-plane endpoint.
type TransportConfig struct {
	// BindAddr, e.g. "0.0.0.0:0", where the endpoint listens for
	// inbound image streams. Empty disables listening (a pure sender).
	BindAddr string

	// DialTimeout bounds connection establishment to a peer.
	DialTimeout time.Duration

	// IncomingBuffer is the per-endpoint buffer of decoded images not
	// yet consumed by the destination.
	IncomingBuffer uint

	// MaxImageBytes bounds one image frame on the wire; a peer
	// announcing more is cut off rather than allocated for. Default
	// 64 MiB, comfortably above any single readback viewport.
	MaxImageBytes uint64

	LogHandler slog.Handler

	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

// Transport is one node's data-plane endpoint: a QUIC listener for
// inbound images plus cached outbound connections per peer.
type Transport struct {
	cfg    TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	listener *quic.Listener

	cxMu  sync.Mutex
	conns map[string]quic.Connection

	imageCh chan *ImageFrame

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// NewTransport brings up the endpoint, listening on cfg.BindAddr when
// set.
func NewTransport(cfg TransportConfig) (*Transport, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.IncomingBuffer == 0 {
		cfg.IncomingBuffer = 16
	}
	if cfg.MaxImageBytes == 0 {
		cfg.MaxImageBytes = 64 << 20
	}

	t := &Transport{
		cfg:     cfg,
		conns:   make(map[string]quic.Connection),
		imageCh: make(chan *ImageFrame, cfg.IncomingBuffer),
		closeCh: make(chan struct{}),
	}
	if cfg.LogHandler != nil {
		t.logger = slog.New(cfg.LogHandler)
	} else {
		t.logger = slog.Default()
	}
	if cfg.MetricSink != nil {
		t.msink = cfg.MetricSink
	} else {
		t.msink = metrics.Default()
	}

	if cfg.BindAddr != "" {
		tlsConf, err := ephemeralTLS()
		if err != nil {
			return nil, err
		}
		ln, err := quic.ListenAddr(cfg.BindAddr, tlsConf, nil)
		if err != nil {
			return nil, err
		}
		t.listener = ln
		t.wg.Add(1)
		go t.acceptLoop()
	}
	return t, nil
}

// Addr returns the bound listener address, or "" for a pure sender.
func (t *Transport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Images delivers every inbound readback image, across all peers and
// streams, in arrival order.
func (t *Transport) Images() <-chan *ImageFrame {
	return t.imageCh
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept(context.Background())
		if err != nil {
			select {
			case <-t.closeCh:
			default:
				t.logger.Error("data-plane accept failed", slog.Any("error", err))
			}
			return
		}
		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

func (t *Transport) handleConn(conn quic.Connection) {
	defer t.wg.Done()
	for {
		stream, err := conn.AcceptUniStream(context.Background())
		if err != nil {
			return
		}
		t.wg.Add(1)
		go t.handleStream(stream)
	}
}

func (t *Transport) handleStream(stream quic.ReceiveStream) {
	defer t.wg.Done()
	codec := flow.NewBoundedFrameCodec(false, t.cfg.MaxImageBytes)
	recv := flow.NewReceiver[[]byte](flow.RemoteReceiver{ReceiveStream: stream}, codec, 4)
	defer recv.Close()

	for {
		raw, err := recv.Recv(context.Background())
		if err != nil {
			return
		}
		img, err := UnmarshalImageFrame(raw)
		if err != nil {
			t.logger.Warn("dropping malformed image frame", slog.Any("error", err))
			continue
		}
		t.msink.AddSample(MetricImageBytesIn, float32(len(img.Pixels)))
		select {
		case t.imageCh <- img:
		case <-t.closeCh:
			return
		}
	}
}

func (t *Transport) getConn(ctx context.Context, addr string) (quic.Connection, error) {
	t.cxMu.Lock()
	conn, ok := t.conns[addr]
	t.cxMu.Unlock()
	if ok {
		select {
		case <-conn.Context().Done():
			// stale, re-dial below
		default:
			return conn, nil
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(dialCtx, addr, clientTLS(), nil)
	if err != nil {
		return nil, err
	}

	t.cxMu.Lock()
	t.conns[addr] = conn
	t.cxMu.Unlock()
	return conn, nil
}

// ImageSender is an open outbound stream shipping images to one peer.
type ImageSender struct {
	sender *flow.Sender[[]byte]
}

// Send enqueues one image; the flow's goroutine serialises and writes.
func (s *ImageSender) Send(ctx context.Context, img *ImageFrame) error {
	return s.sender.Send(ctx, img.Marshal())
}

func (s *ImageSender) Close() error {
	return s.sender.Close()
}

// OpenSender dials (or reuses the connection to) addr and opens a fresh
// stream for one source channel's image traffic.
func (t *Transport) OpenSender(ctx context.Context, addr string) (*ImageSender, error) {
	conn, err := t.getConn(ctx, addr)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	codec := flow.NewBoundedFrameCodec(false, t.cfg.MaxImageBytes)
	return &ImageSender{
		sender: flow.NewSender[[]byte](flow.RemoteSender{SendStream: stream}, codec, 4),
	}, nil
}

// Close tears the endpoint down: listener first so no new streams
// arrive, then every cached connection.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closeCh)
		if t.listener != nil {
			t.listener.Close()
		}
		t.cxMu.Lock()
		for _, conn := range t.conns {
			conn.CloseWithError(0, "shutdown")
		}
		t.conns = nil
		t.cxMu.Unlock()
	})
	t.wg.Wait()
	return nil
}

var MetricImageBytesIn = []string{"rendergrid", "dataplane", "in", "bytes"}
