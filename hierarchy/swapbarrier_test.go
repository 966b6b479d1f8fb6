package hierarchy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shugraphics/rendergrid"
)

func planTestConfig(t *testing.T) *Config {
	t.Helper()
	node, err := rendergrid.NewNode()
	require.NoError(t, err)
	t.Cleanup(func() { node.Shutdown() })
	return NewConfig(node, t.Name())
}

func TestSwapPlannerGroupsWindows(t *testing.T) {
	c := planTestConfig(t)

	n1 := c.NewNode("n1")
	n2 := c.NewNode("n2")
	w1 := n1.NewPipe(0).NewWindow("w1", PixelViewport{W: 100, H: 100})
	w2 := n2.NewPipe(0).NewWindow("w2", PixelViewport{W: 100, H: 100})
	w3 := n2.pipes[0].NewWindow("w3", PixelViewport{W: 100, H: 100})

	w1.NewChannel("c1").Activate()
	w2.NewChannel("c2").Activate()
	w3.NewChannel("c3").Activate()

	w1.JoinSwapGroup("wall")
	w2.JoinSwapGroup("wall")
	// w3 stays ungrouped.

	changed := c.planner.Plan()
	require.Len(t, changed, 2)

	require.Equal(t, w1.barrierID, w2.barrierID)
	require.NotZero(t, w1.barrierID)
	require.Zero(t, w3.barrierID)

	g := c.planner.groups["wall"]
	require.Equal(t, 2, g.size)
	require.Equal(t, rendergrid.Version(1), g.barrier.Version())

	// A second plan with unchanged membership is a no-op.
	require.Empty(t, c.planner.Plan())
}

func TestSwapPlannerResizeBumpsVersion(t *testing.T) {
	c := planTestConfig(t)

	n := c.NewNode("n")
	p := n.NewPipe(0)
	w1 := p.NewWindow("w1", PixelViewport{W: 10, H: 10})
	w2 := p.NewWindow("w2", PixelViewport{W: 10, H: 10})
	w3 := p.NewWindow("w3", PixelViewport{W: 10, H: 10})
	for _, w := range []*Window{w1, w2, w3} {
		w.NewChannel("c").Activate()
		w.JoinSwapGroup("g")
	}
	c.planner.Plan()
	g := c.planner.groups["g"]
	require.Equal(t, 3, g.size)

	// One window leaves; the group re-sizes and the barrier version
	// bumps so stale entrants are rejected.
	w3.LeaveSwapGroup()
	changed := c.planner.Plan()
	require.NotEmpty(t, changed)
	require.Equal(t, 2, g.size)
	require.Equal(t, rendergrid.Version(2), g.barrier.Version())
	require.Zero(t, w3.barrierID)

	// The object's replicated participant count followed.
	require.Equal(t, []byte{2, 0, 0, 0}, g.obj.InstanceData()[:4])
}

func TestSwapPlannerRemoveNode(t *testing.T) {
	c := planTestConfig(t)

	n1 := c.NewNode("n1")
	n2 := c.NewNode("n2")
	w1 := n1.NewPipe(0).NewWindow("w1", PixelViewport{W: 10, H: 10})
	w2 := n2.NewPipe(0).NewWindow("w2", PixelViewport{W: 10, H: 10})
	w1.NewChannel("c").Activate()
	w2.NewChannel("c").Activate()
	w1.JoinSwapGroup("g")
	w2.JoinSwapGroup("g")
	c.planner.Plan()
	g := c.planner.groups["g"]
	require.Equal(t, 2, g.size)

	// Losing n2 re-plans the group down to one participant.
	c.planner.RemoveNode(n2)
	require.Equal(t, 1, g.size)
	require.Zero(t, w2.barrierID)
	require.NotZero(t, w1.barrierID)
}

func TestWindowValidation(t *testing.T) {
	c := planTestConfig(t)
	n := c.NewNode("n")
	w := n.NewPipe(0).NewWindow("empty", PixelViewport{W: 10, H: 10})

	// Unused windows validate trivially.
	require.NoError(t, w.validate())

	// A used window with no channels is a configuration error with a
	// clear diagnostic.
	w.activate()
	err := w.validate()
	require.ErrorIs(t, err, rendergrid.ErrNoChannelsOnUse)
	require.Contains(t, w.ErrorMessage(), "empty")
}

func TestUsedRefcountPropagates(t *testing.T) {
	c := planTestConfig(t)
	n := c.NewNode("n")
	p := n.NewPipe(0)
	w := p.NewWindow("w", PixelViewport{W: 10, H: 10})
	ch1 := w.NewChannel("c1")
	ch2 := w.NewChannel("c2")

	require.False(t, n.isUsed())
	ch1.Activate()
	ch2.Activate()
	require.True(t, n.isUsed())
	require.True(t, p.isUsed())
	require.True(t, w.isUsed())

	// The node stays used until the last channel deactivates.
	ch1.Deactivate()
	require.True(t, n.isUsed())
	ch2.Deactivate()
	require.False(t, n.isUsed())
	require.False(t, p.isUsed())
	require.False(t, w.isUsed())
}
