package dataplane

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestImageFrameRoundTrip(t *testing.T) {
	img := &ImageFrame{
		FrameName:     "frame.left",
		SourceChannel: 3,
		FrameNumber:   7,
		X:             10, Y: 20, W: 4, H: 2,
		Pixels: []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	got, err := UnmarshalImageFrame(img.Marshal())
	require.NoError(t, err)
	require.Equal(t, img, got)
}

func TestImageFrameMalformed(t *testing.T) {
	_, err := UnmarshalImageFrame([]byte{1})
	require.ErrorIs(t, err, ErrMalformedImage)

	// Name length pointing past the buffer.
	_, err = UnmarshalImageFrame([]byte{255, 255, 0, 0, 1, 2, 3})
	require.ErrorIs(t, err, ErrMalformedImage)
}

func TestTransportLoopback(t *testing.T) {
	sink, err := NewTransport(TransportConfig{BindAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer sink.Close()
	require.NotEmpty(t, sink.Addr())

	source, err := NewTransport(TransportConfig{})
	require.NoError(t, err)
	defer source.Close()
	require.Empty(t, source.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sender, err := source.OpenSender(ctx, sink.Addr())
	require.NoError(t, err)
	defer sender.Close()

	want := []*ImageFrame{
		{FrameName: "a", FrameNumber: 1, W: 2, H: 1, Pixels: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{FrameName: "b", FrameNumber: 2, W: 1, H: 1, Pixels: []byte{9, 9, 9, 9}},
	}
	for _, img := range want {
		require.NoError(t, sender.Send(ctx, img))
	}

	for _, expect := range want {
		select {
		case got := <-sink.Images():
			require.Equal(t, expect.FrameName, got.FrameName)
			require.Equal(t, expect.FrameNumber, got.FrameNumber)
			require.Equal(t, expect.Pixels, got.Pixels)
		case <-ctx.Done():
			t.Fatal("image never arrived")
		}
	}
}

func TestTransportTwoStreams(t *testing.T) {
	sink, err := NewTransport(TransportConfig{BindAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer sink.Close()

	source, err := NewTransport(TransportConfig{})
	require.NoError(t, err)
	defer source.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Two streams multiplex over the one cached connection.
	s1, err := source.OpenSender(ctx, sink.Addr())
	require.NoError(t, err)
	defer s1.Close()
	s2, err := source.OpenSender(ctx, sink.Addr())
	require.NoError(t, err)
	defer s2.Close()

	require.NoError(t, s1.Send(ctx, &ImageFrame{FrameName: "s1", Pixels: []byte{1}}))
	require.NoError(t, s2.Send(ctx, &ImageFrame{FrameName: "s2", Pixels: []byte{2}}))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case got := <-sink.Images():
			seen[got.FrameName] = true
		case <-ctx.Done():
			t.Fatal("images never arrived")
		}
	}
	require.True(t, seen["s1"] && seen["s2"])
}
