package hierarchy

import (
	"github.com/shugraphics/rendergrid"
)

// FrameData carries the per-frame parameters every channel draws from:
// camera and model transforms plus application option flags. It is
// mastered on the server and mapped on every render node; a pipe waits
// for the version named in FRAME_START before invoking frame callbacks.
type FrameData struct {
	FrameNumber rendergrid.FrameNumber

	// Camera and Model are column-major 4x4 transforms.
	Camera [16]float32
	Model  [16]float32

	Flags uint32
}

var identity = [16]float32{
	1, 0, 0, 0,
	0, 1, 0, 0,
	0, 0, 1, 0,
	0, 0, 0, 1,
}

// NewFrameData returns frame data with identity transforms.
func NewFrameData() *FrameData {
	return &FrameData{Camera: identity, Model: identity}
}

// Marshal flattens the frame data into the object's instance data.
func (fd *FrameData) Marshal() []byte {
	w := &wireWriter{}
	w.u32(uint32(fd.FrameNumber))
	for _, v := range fd.Camera {
		w.f32(v)
	}
	for _, v := range fd.Model {
		w.f32(v)
	}
	w.u32(fd.Flags)
	return w.buf
}

// UnmarshalFrameData is the inverse of Marshal.
func UnmarshalFrameData(buf []byte) (*FrameData, error) {
	r := &wireReader{buf: buf}
	fd := &FrameData{}
	fd.FrameNumber = rendergrid.FrameNumber(r.u32())
	for i := range fd.Camera {
		fd.Camera[i] = r.f32()
	}
	for i := range fd.Model {
		fd.Model[i] = r.f32()
	}
	fd.Flags = r.u32()
	if r.err != nil {
		return nil, r.err
	}
	return fd, nil
}
