package render

import (
	"context"
	"log/slog"

	"github.com/shugraphics/rendergrid"
	"github.com/shugraphics/rendergrid/dataplane"
)

// Transmitter is the node's dedicated readback shipper: pipe goroutines
// enqueue captured images onto a bounded queue and one worker streams
// them to the frame sink, so a slow network never stalls a draw for
// longer than the queue bound.
type Transmitter struct {
	transport *dataplane.Transport
	sinkAddr  string
	logger    *slog.Logger

	tasks  chan *dataplane.ImageFrame
	stopCh chan struct{}
	done   chan struct{}
}

func newTransmitter(transport *dataplane.Transport, sinkAddr string, logger *slog.Logger) *Transmitter {
	t := &Transmitter{
		transport: transport,
		sinkAddr:  sinkAddr,
		logger:    logger,
		tasks:     make(chan *dataplane.ImageFrame, 32),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go t.run()
	return t
}

// Enqueue hands one captured image to the transmitter, blocking when
// the queue is full (back-pressure onto the capturing pipe).
func (t *Transmitter) Enqueue(img *dataplane.ImageFrame) error {
	select {
	case t.tasks <- img:
		return nil
	case <-t.stopCh:
		return rendergrid.ErrSubtreeStopping
	}
}

func (t *Transmitter) run() {
	defer close(t.done)

	var sender *dataplane.ImageSender
	defer func() {
		if sender != nil {
			sender.Close()
		}
	}()

	for {
		select {
		case <-t.stopCh:
			return
		case img := <-t.tasks:
			if sender == nil {
				s, err := t.transport.OpenSender(context.Background(), t.sinkAddr)
				if err != nil {
					t.logger.Warn("frame sink unreachable, dropping image",
						rendergrid.LabelPeerAddr.L(t.sinkAddr),
						rendergrid.LabelError.L(err),
					)
					continue
				}
				sender = s
			}
			if err := sender.Send(context.Background(), img); err != nil {
				t.logger.Warn("image transmit failed",
					rendergrid.LabelError.L(err),
				)
				sender.Close()
				sender = nil
			}
		}
	}
}

func (t *Transmitter) stop() {
	close(t.stopCh)
	<-t.done
	t.transport.Close()
}
