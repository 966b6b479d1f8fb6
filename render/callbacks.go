package render

import (
	"github.com/shugraphics/rendergrid"
	"github.com/shugraphics/rendergrid/hierarchy"
)

// FrameContext is handed to every frame callback: the frame number and
// the frame data the pipe synchronised to before drawing.
type FrameContext struct {
	Number rendergrid.FrameNumber
	Data   *hierarchy.FrameData
}

// Frustum is the symmetric view frustum a channel draws with, derived
// from its resolved pixel viewport's aspect ratio and its near/far
// planes.
type Frustum struct {
	Left, Right, Bottom, Top float32
	Near, Far                float32
}

// Callbacks are the application hooks the framework invokes on pipe
// goroutines as frames progress. Embed BaseCallbacks and override what
// the application needs; the draw itself happens in ChannelFrameDraw.
type Callbacks interface {
	PipeConfigInit(p *Pipe) error
	PipeConfigExit(p *Pipe) error
	PipeFrameStart(p *Pipe, fc FrameContext)
	PipeFrameFinish(p *Pipe, fc FrameContext)

	ChannelConfigInit(c *Channel) error
	ChannelConfigExit(c *Channel) error
	ChannelFrameClear(c *Channel, fc FrameContext)
	ChannelFrameDraw(c *Channel, fc FrameContext) error
	ChannelFrameReadback(c *Channel, fc FrameContext) error
	ChannelFrameViewFinish(c *Channel, fc FrameContext)
}

// BaseCallbacks implements Callbacks with the framework defaults:
// clear clears, readback captures and enqueues output frames,
// everything else is a no-op.
type BaseCallbacks struct{}

var _ Callbacks = BaseCallbacks{}

func (BaseCallbacks) PipeConfigInit(p *Pipe) error              { return nil }
func (BaseCallbacks) PipeConfigExit(p *Pipe) error              { return nil }
func (BaseCallbacks) PipeFrameStart(p *Pipe, fc FrameContext)   {}
func (BaseCallbacks) PipeFrameFinish(p *Pipe, fc FrameContext)  {}
func (BaseCallbacks) ChannelConfigInit(c *Channel) error        { return nil }
func (BaseCallbacks) ChannelConfigExit(c *Channel) error        { return nil }

func (BaseCallbacks) ChannelFrameClear(c *Channel, fc FrameContext) {
	c.DefaultClear()
}

func (BaseCallbacks) ChannelFrameDraw(c *Channel, fc FrameContext) error { return nil }

func (BaseCallbacks) ChannelFrameReadback(c *Channel, fc FrameContext) error {
	return c.DefaultReadback(fc)
}

func (BaseCallbacks) ChannelFrameViewFinish(c *Channel, fc FrameContext) {}
