package rendergrid

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequestCacheServeExactlyOnce(t *testing.T) {
	rc := NewRequestCache()
	id, err := rc.Register()
	require.NoError(t, err)

	go func() {
		require.NoError(t, rc.Serve(id, 42, nil))
	}()

	v, err := rc.Wait(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 42, v)

	// Second serve of the same id is rejected.
	require.ErrorIs(t, rc.Serve(id, 43, nil), ErrRequestUnknown)
}

func TestRequestCacheServeError(t *testing.T) {
	rc := NewRequestCache()
	id, err := rc.Register()
	require.NoError(t, err)

	require.NoError(t, rc.Serve(id, nil, ErrBarrierTimeout))
	_, err = rc.Wait(context.Background(), id)
	require.ErrorIs(t, err, ErrBarrierTimeout)
}

func TestRequestCacheWaitCancelled(t *testing.T) {
	rc := NewRequestCache()
	id, err := rc.Register()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = rc.Wait(ctx, id)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestCacheUnknownID(t *testing.T) {
	rc := NewRequestCache()
	_, err := rc.Wait(context.Background(), 999)
	require.ErrorIs(t, err, ErrRequestUnknown)
	require.ErrorIs(t, rc.Serve(999, nil, nil), ErrRequestUnknown)
}

func TestRequestCacheShutdownFailsPending(t *testing.T) {
	rc := NewRequestCache()
	id, err := rc.Register()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := rc.Wait(context.Background(), id)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	rc.Shutdown()
	require.ErrorIs(t, <-done, ErrSubtreeStopping)

	_, err = rc.Register()
	require.ErrorIs(t, err, ErrClosed)
}
