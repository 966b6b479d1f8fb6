package hierarchy

// Channel is the server-side mirror of one render viewport, the unit of
// draw. It holds the static decomposition parameters; the render-side
// executor does the actual drawing.
type Channel struct {
	entity

	window *Window
	id     uint32
	name   string

	rng      Range
	viewport Viewport

	outputFrames []string
	inputFrames  []string
}

func (c *Channel) Name() string    { return c.name }
func (c *Channel) Window() *Window { return c.window }
func (c *Channel) Range() Range    { return c.rng }

// SetRange assigns the channel's share of a sort-last workload.
func (c *Channel) SetRange(r Range) { c.rng = r }

// SetViewport assigns the channel's fractional viewport within its
// window.
func (c *Channel) SetViewport(vp Viewport) { c.viewport = vp }

// AddOutputFrame declares a named readback frame this channel produces.
func (c *Channel) AddOutputFrame(name string) {
	c.outputFrames = append(c.outputFrames, name)
}

// AddInputFrame declares a named frame this channel assembles.
func (c *Channel) AddInputFrame(name string) {
	c.inputFrames = append(c.inputFrames, name)
}

// Activate marks the channel (and transitively its window, pipe and
// node) as participating in upcoming frames.
func (c *Channel) Activate() {
	if c.ref() {
		c.window.activate()
	}
}

// Deactivate releases one activation.
func (c *Channel) Deactivate() {
	if c.unref() {
		c.window.deactivate()
	}
}

func (c *Channel) branch() ChannelBranch {
	return ChannelBranch{
		ID:           c.id,
		Name:         c.name,
		Range:        c.rng,
		Viewport:     c.viewport,
		OutputFrames: c.outputFrames,
		InputFrames:  c.inputFrames,
	}
}
