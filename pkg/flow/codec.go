package flow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"

	"github.com/quic-go/quic-go"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrFrameTooLarge is a final error: a peer announcing a frame beyond
// the bound is either misconfigured or corrupt, and the flow closes.
var ErrFrameTooLarge = errors.New("flow: frame exceeds the codec's size bound")

// FrameCodec frames []byte messages with a varint length prefix,
// derived from the generic length-prefixed bytes codec this package
// started from, specialised for readback pixel transfers: a readback
// frame's size is bounded by its viewport, so the codec enforces an
// upper bound instead of trusting the peer's prefix, and a stray or
// corrupt length can never make the receiver allocate unbounded
// memory. The payload itself stays opaque; the pixel layout travels in
// the message built by the transmitter.
type FrameCodec struct {
	// copyBuffers clones every locally delivered buffer, needed when
	// the producer recycles its readback buffer per frame.
	copyBuffers bool

	// maxSize bounds one frame's payload; zero means unbounded.
	maxSize uint64
}

func NewFrameCodec(localCopy bool) FrameCodec {
	return FrameCodec{
		copyBuffers: localCopy,
	}
}

// NewBoundedFrameCodec also rejects frames larger than maxSize, on both
// the sending and the receiving side.
func NewBoundedFrameCodec(localCopy bool, maxSize uint64) FrameCodec {
	return FrameCodec{
		copyBuffers: localCopy,
		maxSize:     maxSize,
	}
}

func asBytes(msg interface{}) []byte {
	buf, ok := msg.([]byte)
	if !ok {
		panic(
			fmt.Sprintf(
				"frame codec handed wrong type %s instead of []byte",
				reflect.TypeOf(msg).String(),
			),
		)
	}
	return buf
}

func (enc FrameCodec) Encode(stream quic.SendStream, msg interface{}) error {
	buf := asBytes(msg)
	if enc.maxSize > 0 && uint64(len(buf)) > enc.maxSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(buf), enc.maxSize)
	}
	prefixed := protowire.AppendVarint(nil, uint64(len(buf)))
	prefixed = append(prefixed, buf...)
	_, err := stream.Write(prefixed)
	return err
}

func (enc FrameCodec) ProcessLocal(msg interface{}) (interface{}, error) {
	buf := asBytes(msg)
	if enc.maxSize > 0 && uint64(len(buf)) > enc.maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(buf), enc.maxSize)
	}
	if !enc.copyBuffers {
		return msg, nil
	}
	cloned := make([]byte, len(buf))
	copy(cloned, buf)
	return cloned, nil
}

func (enc FrameCodec) Decode(stream quic.ReceiveStream) (interface{}, error) {
	// Varint bytes arrive one at a time until the continuation bit
	// clears; the stream gives no other way to know where the prefix
	// ends.
	buf := make([]byte, binary.MaxVarintLen64)
	n := 0
	for n < len(buf) {
		m, err := stream.Read(buf[n : n+1])
		if err != nil {
			return nil, err
		}
		if m != 0 {
			byteRead := buf[n]
			n += m
			if byteRead < 0x80 {
				break
			}
		}
	}

	prefix, prefixSize := protowire.ConsumeVarint(buf[:n])
	if err := protowire.ParseError(prefixSize); err != nil {
		return nil, err
	}
	if enc.maxSize > 0 && prefix > enc.maxSize {
		return nil, fmt.Errorf("%w: announced %d > %d", ErrFrameTooLarge, prefix, enc.maxSize)
	}

	buf = make([]byte, prefix)
	n = 0
	for n < len(buf) {
		m, err := stream.Read(buf[n:])
		if err != nil {
			return nil, err
		}
		n += m
	}

	return buf, nil
}
