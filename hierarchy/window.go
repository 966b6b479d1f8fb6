package hierarchy

import (
	"fmt"

	"github.com/shugraphics/rendergrid"
)

// Window is the server-side mirror of one OS window with a GL context.
// It owns channels and, when swap-locked, a reference to its swap
// group's barrier.
type Window struct {
	entity

	pipe *Pipe
	id   uint32
	name string

	pvp      PixelViewport
	channels []*Channel

	swapGroup string
	barrierID rendergrid.ObjectID
}

func (w *Window) Name() string         { return w.name }
func (w *Window) Pipe() *Pipe          { return w.pipe }
func (w *Window) Channels() []*Channel { return w.channels }

// SetPixelViewport positions the window on its pipe.
func (w *Window) SetPixelViewport(pvp PixelViewport) { w.pvp = pvp }

// JoinSwapGroup swap-locks this window with every other window naming
// the same group. The planner resolves groups to barriers at init and
// whenever membership changes.
func (w *Window) JoinSwapGroup(group string) { w.swapGroup = group }

// LeaveSwapGroup removes the window from its swap group; the next plan
// re-sizes the group's barrier.
func (w *Window) LeaveSwapGroup() { w.swapGroup = "" }

func (w *Window) SwapGroup() string { return w.swapGroup }

// NewChannel adds a channel covering the full viewport and range.
func (w *Window) NewChannel(name string) *Channel {
	c := &Channel{
		window:   w,
		id:       uint32(len(w.channels) + 1),
		name:     name,
		rng:      FullRange,
		viewport: FullViewport,
	}
	w.channels = append(w.channels, c)
	return c
}

func (w *Window) activate() {
	if w.ref() {
		w.pipe.activate()
	}
}

func (w *Window) deactivate() {
	if w.unref() {
		w.pipe.deactivate()
	}
}

// validate rejects configurations the render side cannot execute: a
// used window with no channels has nothing to draw and nothing to swap
// for.
func (w *Window) validate() error {
	if !w.isUsed() {
		return nil
	}
	if len(w.channels) == 0 {
		err := fmt.Errorf("%w: window %q", rendergrid.ErrNoChannelsOnUse, w.name)
		w.setErrorMessage(err.Error())
		return err
	}
	return nil
}

func (w *Window) branch() WindowBranch {
	b := WindowBranch{
		ID:        w.id,
		Name:      w.name,
		PVP:       w.pvp,
		SwapGroup: w.swapGroup,
		BarrierID: w.barrierID,
	}
	for _, c := range w.channels {
		if c.isUsed() {
			b.Channels = append(b.Channels, c.branch())
		}
	}
	return b
}
