package dataplane

import (
	"encoding/binary"
	"errors"
)

var ErrMalformedImage = errors.New("dataplane: malformed image frame")

// ImageFrame is one readback result in flight: the pixels a source
// channel captured for one frame number, tagged with where they belong.
type ImageFrame struct {
	FrameName     string
	SourceChannel uint32
	FrameNumber   uint32

	// Pixel viewport of the capture within the destination.
	X, Y int32
	W, H int32

	Pixels []byte
}

// Marshal flattens the image into the data-plane's native-endian wire
// shape: name (u32 length + bytes), source channel, frame number,
// viewport, then the raw pixels.
func (f *ImageFrame) Marshal() []byte {
	buf := make([]byte, 0, 4+len(f.FrameName)+6*4+len(f.Pixels))
	var scratch [4]byte

	u32 := func(v uint32) {
		binary.NativeEndian.PutUint32(scratch[:], v)
		buf = append(buf, scratch[:]...)
	}

	u32(uint32(len(f.FrameName)))
	buf = append(buf, f.FrameName...)
	u32(f.SourceChannel)
	u32(f.FrameNumber)
	u32(uint32(f.X))
	u32(uint32(f.Y))
	u32(uint32(f.W))
	u32(uint32(f.H))
	buf = append(buf, f.Pixels...)
	return buf
}

// UnmarshalImageFrame is the inverse of Marshal.
func UnmarshalImageFrame(buf []byte) (*ImageFrame, error) {
	if len(buf) < 4 {
		return nil, ErrMalformedImage
	}
	nameLen := int(binary.NativeEndian.Uint32(buf[0:4]))
	buf = buf[4:]
	if len(buf) < nameLen+6*4 {
		return nil, ErrMalformedImage
	}

	f := &ImageFrame{FrameName: string(buf[:nameLen])}
	buf = buf[nameLen:]

	u32 := func() uint32 {
		v := binary.NativeEndian.Uint32(buf[0:4])
		buf = buf[4:]
		return v
	}
	f.SourceChannel = u32()
	f.FrameNumber = u32()
	f.X = int32(u32())
	f.Y = int32(u32())
	f.W = int32(u32())
	f.H = int32(u32())
	f.Pixels = append([]byte(nil), buf...)
	return f, nil
}
