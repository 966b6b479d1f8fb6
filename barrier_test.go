package rendergrid

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBarrierSingleParticipant(t *testing.T) {
	b := NewMasterBarrier(1, nil)
	// N == 1 releases immediately on first enter.
	require.NoError(t, b.Enter(context.Background()))
}

func TestBarrierThreeParticipants(t *testing.T) {
	b := NewMasterBarrier(3, nil)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			require.NoError(t, b.Enter(context.Background()))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}()
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()
	require.Len(t, order, 3)
}

func TestBarrierIsCyclic(t *testing.T) {
	b := NewMasterBarrier(2, nil)

	for round := 0; round < 3; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				require.NoError(t, b.Enter(context.Background()))
			}()
		}
		wg.Wait()
	}
}

func TestBarrierTimeout(t *testing.T) {
	b := NewMasterBarrier(2, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Enter(ctx), ErrBarrierTimeout)
}

func TestBarrierSetRequiredBumpsVersion(t *testing.T) {
	released := make(chan Version, 1)
	b := NewMasterBarrier(3, func(v Version) { released <- v })
	require.Equal(t, Version(1), b.Version())

	b.SetRequired(2)
	require.Equal(t, Version(2), b.Version())

	// A stale-version remote enter is rejected after the bump.
	require.ErrorIs(t, b.HandleRemoteEnter(1), ErrBarrierReleased)

	// Two current-version enters release and fire the callback.
	require.NoError(t, b.HandleRemoteEnter(2))
	require.NoError(t, b.HandleRemoteEnter(2))
	select {
	case v := <-released:
		require.Equal(t, Version(2), v)
	case <-time.After(time.Second):
		t.Fatal("release callback never fired")
	}
}

func TestBarrierRemoteEnterOnSlave(t *testing.T) {
	b := NewSlaveBarrier(func(ctx context.Context, v Version) error { return nil })
	require.ErrorIs(t, b.HandleRemoteEnter(1), ErrObjectNotMaster)
	require.NoError(t, b.Enter(context.Background()))
}
