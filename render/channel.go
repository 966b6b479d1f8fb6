package render

import (
	"math"

	"github.com/shugraphics/rendergrid/dataplane"
	"github.com/shugraphics/rendergrid/hierarchy"
)

// Channel is the render-side executor of one viewport: it resolves its
// fractional viewport against the window, derives the frustum and runs
// the application draw with the channel's range of the workload.
type Channel struct {
	window *Window
	branch hierarchy.ChannelBranch

	near, far float32
}

func (c *Channel) Name() string            { return c.branch.Name }
func (c *Channel) Window() *Window         { return c.window }
func (c *Channel) Range() hierarchy.Range  { return c.branch.Range }

// PixelViewport resolves the channel's fractional viewport against its
// window.
func (c *Channel) PixelViewport() hierarchy.PixelViewport {
	return c.window.branch.PVP.Apply(c.branch.Viewport)
}

// SetNearFar adjusts the channel's depth planes; the next frustum
// derivation uses them.
func (c *Channel) SetNearFar(near, far float32) {
	c.near, c.far = near, far
}

// Frustum derives the symmetric view frustum for the channel's current
// pixel viewport and depth planes.
func (c *Channel) Frustum() Frustum {
	near, far := c.near, c.far
	if near <= 0 {
		near = 0.1
	}
	if far <= near {
		far = 10
	}
	pvp := c.PixelViewport()
	aspect := float32(1)
	if pvp.H > 0 {
		aspect = float32(pvp.W) / float32(pvp.H)
	}
	top := near * float32(math.Tan(math.Pi/8))
	right := top * aspect
	return Frustum{
		Left: -right, Right: right,
		Bottom: -top, Top: top,
		Near: near, Far: far,
	}
}

// taintColor derives a deterministic per-channel tint from the channel
// id, an aid for telling channels apart in a composited image.
func (c *Channel) taintColor() (r, g, b float32) {
	h := float64(c.branch.ID%6) / 6
	switch int(h * 6) {
	case 0:
		return 1, 0.3, 0.3
	case 1:
		return 0.3, 1, 0.3
	case 2:
		return 0.3, 0.3, 1
	case 3:
		return 1, 1, 0.3
	case 4:
		return 0.3, 1, 1
	default:
		return 1, 0.3, 1
	}
}

// DefaultClear clears the channel's viewport, tinted per channel when
// taint mode is on.
func (c *Channel) DefaultClear() {
	os := c.window.os
	os.SetPixelViewport(c.PixelViewport())
	if c.window.pipe.client.taint {
		r, g, b := c.taintColor()
		os.Clear(r, g, b, 1)
		return
	}
	os.Clear(0, 0, 0, 1)
}

// DefaultReadback captures the channel's viewport and enqueues one
// image per declared output frame on the node's transmitter.
func (c *Channel) DefaultReadback(fc FrameContext) error {
	if len(c.branch.OutputFrames) == 0 {
		return nil
	}
	xmit := c.window.pipe.client.xmit
	if xmit == nil {
		return nil
	}

	if err := c.window.os.BindFrameBuffer(); err != nil {
		return err
	}
	pvp := c.PixelViewport()
	pixels, err := c.window.os.ReadPixels(pvp)
	if err != nil {
		return err
	}

	for _, name := range c.branch.OutputFrames {
		img := &dataplane.ImageFrame{
			FrameName:     name,
			SourceChannel: c.branch.ID,
			FrameNumber:   uint32(fc.Number),
			X:             pvp.X,
			Y:             pvp.Y,
			W:             pvp.W,
			H:             pvp.H,
			Pixels:        pixels,
		}
		if err := xmit.Enqueue(img); err != nil {
			return err
		}
	}
	return nil
}

// Assemble composites an input image into the channel's back buffer,
// when the platform window supports direct pixel writes.
func (c *Channel) Assemble(img *dataplane.ImageFrame) error {
	w, ok := c.window.os.(PixelWriter)
	if !ok {
		return nil
	}
	return w.WritePixels(hierarchy.PixelViewport{X: img.X, Y: img.Y, W: img.W, H: img.H}, img.Pixels)
}
