package render

import (
	"context"
	"fmt"

	"github.com/shugraphics/rendergrid"
	"github.com/shugraphics/rendergrid/hierarchy"
)

// Pipe is the render-side executor of one GPU: a dedicated goroutine
// owning the GL context group. Every window and channel callback of
// this pipe runs on that goroutine, which is what serialises draws
// within the pipe; across pipes only barriers impose order.
type Pipe struct {
	client *Client
	branch hierarchy.PipeBranch

	windows []*Window

	queue *commandQueue
	done  chan struct{}
}

func (p *Pipe) Windows() []*Window { return p.windows }
func (p *Pipe) Device() uint32     { return p.branch.Device }

func newPipe(c *Client, branch hierarchy.PipeBranch) *Pipe {
	p := &Pipe{
		client: c,
		branch: branch,
		queue:  newCommandQueue(),
		done:   make(chan struct{}),
	}
	for _, wb := range branch.Windows {
		p.windows = append(p.windows, newWindow(p, wb, c.winFactory))
	}
	go p.run()
	return p
}

// run is the pipe goroutine: it drains the command queue until the
// queue closes at config-exit.
func (p *Pipe) run() {
	defer close(p.done)
	for {
		task, ok := p.queue.pop()
		if !ok {
			return
		}
		task()
	}
}

// post enqueues a task onto the pipe goroutine.
func (p *Pipe) post(task func()) bool {
	return p.queue.push(task)
}

// stop closes the queue and waits for the goroutine to drain.
func (p *Pipe) stop() {
	p.queue.close()
	<-p.done
}

// configInit runs on the pipe goroutine: create windows, init channels.
func (p *Pipe) configInit() error {
	if err := p.client.callbacks.PipeConfigInit(p); err != nil {
		return err
	}
	for _, w := range p.windows {
		if err := w.configInit(); err != nil {
			return fmt.Errorf("window %q: %w", w.branch.Name, err)
		}
	}
	return nil
}

func (p *Pipe) configExit() error {
	var firstErr error
	for _, w := range p.windows {
		if err := w.configExit(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := p.client.callbacks.PipeConfigExit(p); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// frame executes one frame on the pipe goroutine: wait for the frame
// data version, draw every window, signal draw completion, then
// readback, swap-barrier and swap.
func (p *Pipe) frame(frame rendergrid.FrameNumber, fdVersion rendergrid.Version, fs *frameSync) {
	ctx, cancel := context.WithTimeout(context.Background(), p.client.frameTimeout)
	defer cancel()

	fail := func(err error) {
		fs.fail(fmt.Sprintf("pipe %d frame %d: %s", p.branch.ID, frame, err))
		fs.drawDone(p.client, frame)
		fs.done()
	}

	if err := p.client.frameData.WaitForVersion(ctx, fdVersion); err != nil {
		fail(err)
		return
	}
	fd, err := hierarchy.UnmarshalFrameData(p.client.frameData.InstanceData())
	if err != nil {
		fail(err)
		return
	}
	fc := FrameContext{Number: frame, Data: fd}

	p.client.callbacks.PipeFrameStart(p, fc)

	for _, w := range p.windows {
		if err := w.frameDraw(fc); err != nil {
			fail(err)
			return
		}
	}
	fs.drawDone(p.client, frame)

	for _, w := range p.windows {
		if err := w.frameReadback(fc); err != nil {
			fs.fail(fmt.Sprintf("pipe %d frame %d readback: %s", p.branch.ID, frame, err))
			break
		}
	}
	for _, w := range p.windows {
		if err := w.frameSwap(ctx); err != nil {
			fs.fail(fmt.Sprintf("pipe %d frame %d swap: %s", p.branch.ID, frame, err))
			break
		}
	}

	p.client.callbacks.PipeFrameFinish(p, fc)
	fs.done()
}
