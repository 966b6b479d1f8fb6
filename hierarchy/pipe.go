package hierarchy

// Pipe is the server-side mirror of one GPU (or display connection).
// Its render-side executor runs every window and channel callback on a
// dedicated thread owning the GL context group.
type Pipe struct {
	entity

	node   *Node
	id     uint32
	device uint32

	windows []*Window
}

func (p *Pipe) Node() *Node        { return p.node }
func (p *Pipe) Windows() []*Window { return p.windows }

// SetDevice selects which GPU the render-side pipe binds.
func (p *Pipe) SetDevice(device uint32) { p.device = device }

// NewWindow adds a window with the given pixel viewport.
func (p *Pipe) NewWindow(name string, pvp PixelViewport) *Window {
	w := &Window{
		pipe: p,
		id:   uint32(len(p.windows) + 1),
		name: name,
		pvp:  pvp,
	}
	p.windows = append(p.windows, w)
	return w
}

func (p *Pipe) activate() {
	if p.ref() {
		p.node.activate()
	}
}

func (p *Pipe) deactivate() {
	if p.unref() {
		p.node.deactivate()
	}
}

func (p *Pipe) validate() error {
	for _, w := range p.windows {
		if err := w.validate(); err != nil {
			p.setErrorMessage(err.Error())
			return err
		}
	}
	return nil
}

func (p *Pipe) branch() PipeBranch {
	b := PipeBranch{ID: p.id, Device: p.device}
	for _, w := range p.windows {
		if w.isUsed() {
			b.Windows = append(b.Windows, w.branch())
		}
	}
	return b
}
