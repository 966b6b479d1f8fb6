package render

import (
	"context"
	"sync"

	"github.com/shugraphics/rendergrid"
	"github.com/shugraphics/rendergrid/hierarchy"
)

// Window is the render-side executor of one OS window: it owns the
// platform window, its channels, and the swap-barrier reference its
// swap group assigned. All methods run on the owning pipe's goroutine,
// except the barrier rebind which only swaps ids under a lock.
type Window struct {
	pipe   *Pipe
	branch hierarchy.WindowBranch
	os     OSWindow

	channels []*Channel

	barrierMu      sync.Mutex
	barrierID      rendergrid.ObjectID
	barrierVersion rendergrid.Version
}

func (w *Window) Name() string         { return w.branch.Name }
func (w *Window) Pipe() *Pipe          { return w.pipe }
func (w *Window) Channels() []*Channel { return w.channels }

// OS exposes the platform window to application callbacks.
func (w *Window) OS() OSWindow { return w.os }

func newWindow(p *Pipe, branch hierarchy.WindowBranch, factory WindowFactory) *Window {
	w := &Window{
		pipe:           p,
		branch:         branch,
		os:             factory(branch),
		barrierID:      branch.BarrierID,
		barrierVersion: 1,
	}
	for _, cb := range branch.Channels {
		w.channels = append(w.channels, &Channel{window: w, branch: cb})
	}
	return w
}

// configInit creates the platform window and runs channel init
// callbacks.
func (w *Window) configInit() error {
	if err := w.os.Create(w.branch.PVP); err != nil {
		return err
	}
	if err := w.os.MakeCurrent(); err != nil {
		return err
	}
	for _, c := range w.channels {
		if err := w.pipe.client.callbacks.ChannelConfigInit(c); err != nil {
			return err
		}
	}
	return nil
}

func (w *Window) configExit() error {
	var firstErr error
	for _, c := range w.channels {
		if err := w.pipe.client.callbacks.ChannelConfigExit(c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.os.Destroy()
	return firstErr
}

// rebindBarrier atomically swaps the window's barrier reference after a
// re-plan.
func (w *Window) rebindBarrier(id rendergrid.ObjectID, version rendergrid.Version) {
	w.barrierMu.Lock()
	w.barrierID = id
	w.barrierVersion = version
	w.barrierMu.Unlock()
}

// swapBarrier returns the current barrier binding.
func (w *Window) swapBarrier() (rendergrid.ObjectID, rendergrid.Version) {
	w.barrierMu.Lock()
	defer w.barrierMu.Unlock()
	return w.barrierID, w.barrierVersion
}

// frameDraw runs clear and draw for every channel.
func (w *Window) frameDraw(fc FrameContext) error {
	if err := w.os.MakeCurrent(); err != nil {
		return err
	}
	cb := w.pipe.client.callbacks
	for _, c := range w.channels {
		cb.ChannelFrameClear(c, fc)
		if err := cb.ChannelFrameDraw(c, fc); err != nil {
			return err
		}
	}
	return nil
}

// frameReadback captures every channel's output frames.
func (w *Window) frameReadback(fc FrameContext) error {
	cb := w.pipe.client.callbacks
	for _, c := range w.channels {
		if err := cb.ChannelFrameReadback(c, fc); err != nil {
			return err
		}
		cb.ChannelFrameViewFinish(c, fc)
	}
	return nil
}

// frameSwap enters the window's swap barrier (when grouped) and then
// swaps buffers. No window in the group returns from here until every
// member has entered the barrier for this frame.
func (w *Window) frameSwap(ctx context.Context) error {
	id, version := w.swapBarrier()
	if id != 0 {
		if err := w.pipe.client.enterBarrier(ctx, id, version); err != nil {
			return err
		}
	}
	return w.os.SwapBuffers()
}
