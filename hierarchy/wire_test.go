package hierarchy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shugraphics/rendergrid"
)

func TestNodeBranchRoundTrip(t *testing.T) {
	b := &NodeBranch{
		Name:          "render-1",
		ThreadModel:   LocalSync,
		FrameDataID:   3,
		FrameSinkAddr: "127.0.0.1:5000",
		Pipes: []PipeBranch{
			{
				ID: 1, Device: 0,
				Windows: []WindowBranch{
					{
						ID:        1,
						Name:      "left",
						PVP:       PixelViewport{X: 0, Y: 0, W: 640, H: 480},
						SwapGroup: "wall",
						BarrierID: 9,
						Channels: []ChannelBranch{
							{
								ID: 1, Name: "front",
								Range:        Range{0, 0.5},
								Viewport:     FullViewport,
								OutputFrames: []string{"frame.left"},
							},
							{
								ID: 2, Name: "back",
								Range:       Range{0.5, 1},
								Viewport:    Viewport{0, 0, 0.5, 1},
								InputFrames: []string{"frame.left", "frame.right"},
							},
						},
					},
				},
			},
			{ID: 2, Device: 1},
		},
	}

	got, err := UnmarshalNodeBranch(b.Marshal())
	require.NoError(t, err)
	require.Equal(t, b, got)
}

func TestNodeBranchTruncated(t *testing.T) {
	b := &NodeBranch{Name: "n", Pipes: []PipeBranch{{ID: 1}}}
	raw := b.Marshal()
	_, err := UnmarshalNodeBranch(raw[:len(raw)-3])
	require.Error(t, err)
}

func TestFrameDataRoundTrip(t *testing.T) {
	fd := NewFrameData()
	fd.FrameNumber = 42
	fd.Camera[12] = -3.5
	fd.Model[0] = 2
	fd.Flags = 0xF00D

	got, err := UnmarshalFrameData(fd.Marshal())
	require.NoError(t, err)
	require.Equal(t, fd, got)
}

func TestReplyPayloadRoundTrip(t *testing.T) {
	reqID, ok, msg, err := DecodeReplyPayload(EncodeReplyPayload(99, false, "window refused"))
	require.NoError(t, err)
	require.Equal(t, uint64(99), reqID)
	require.False(t, ok)
	require.Equal(t, "window refused", msg)

	reqID, ok, msg, err = DecodeReplyPayload(EncodeReplyPayload(1, true, ""))
	require.NoError(t, err)
	require.Equal(t, uint64(1), reqID)
	require.True(t, ok)
	require.Empty(t, msg)
}

func TestFramePayloadRoundTrips(t *testing.T) {
	frame, version, err := DecodeFrameStartPayload(EncodeFrameStartPayload(7, 8))
	require.NoError(t, err)
	require.Equal(t, rendergrid.FrameNumber(7), frame)
	require.Equal(t, rendergrid.Version(8), version)

	reqID, frame, err := DecodeFrameFinishPayload(EncodeFrameFinishPayload(5, 7))
	require.NoError(t, err)
	require.Equal(t, uint64(5), reqID)
	require.Equal(t, rendergrid.FrameNumber(7), frame)

	reqID, version, err = DecodeBarrierEnterPayload(EncodeBarrierEnterPayload(11, 2))
	require.NoError(t, err)
	require.Equal(t, uint64(11), reqID)
	require.Equal(t, rendergrid.Version(2), version)

	windowID, barrierID, version, err := DecodeWindowBarrierPayload(EncodeWindowBarrierPayload(3, 9, 2))
	require.NoError(t, err)
	require.Equal(t, uint32(3), windowID)
	require.Equal(t, rendergrid.ObjectID(9), barrierID)
	require.Equal(t, rendergrid.Version(2), version)
}

func TestChannelCreatePayloadRoundTrip(t *testing.T) {
	ch := ChannelBranch{
		ID: 5, Name: "extra",
		Range:    Range{0.25, 0.75},
		Viewport: Viewport{0.5, 0, 0.5, 1},
	}
	windowID, got, err := DecodeWindowCreateChannelPayload(EncodeWindowCreateChannelPayload(2, ch))
	require.NoError(t, err)
	require.Equal(t, uint32(2), windowID)
	require.Equal(t, ch, got)

	winID, chID, err := DecodeWindowDestroyChannelPayload(EncodeWindowDestroyChannelPayload(2, 5))
	require.NoError(t, err)
	require.Equal(t, uint32(2), winID)
	require.Equal(t, uint32(5), chID)
}

func TestRangeBoundaries(t *testing.T) {
	require.True(t, FullRange.IsFull())
	require.False(t, FullRange.IsEmpty())
	require.True(t, Range{0.3, 0.3}.IsEmpty())
	require.False(t, Range{0.3, 0.3}.IsFull())
}

func TestPixelViewportApply(t *testing.T) {
	pvp := PixelViewport{X: 0, Y: 0, W: 640, H: 480}
	half := pvp.Apply(Viewport{0.5, 0, 0.5, 1})
	require.Equal(t, PixelViewport{X: 320, Y: 0, W: 320, H: 480}, half)
	full := pvp.Apply(FullViewport)
	require.Equal(t, pvp, full)
}
