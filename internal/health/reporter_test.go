package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"podamp/internal/domain"
	"podamp/internal/queue"
)

type stubQueue struct {
	queue.Queue
	snap domain.QueueSnapshot
	err  error
}

func (s stubQueue) Counts(context.Context) (domain.QueueSnapshot, error) {
	return s.snap, s.err
}

type stubPool struct{ running, paused bool }

func (s stubPool) Status() (bool, bool) { return s.running, s.paused }

func TestSnapshotHealthy(t *testing.T) {
	r := New(stubQueue{snap: domain.QueueSnapshot{
		Waiting: 2, Delayed: 5, Completed: 9,
		AvgProcessing: 40 * time.Millisecond, Healthy: true,
	}}, stubPool{running: true})

	snap := r.Snapshot(context.Background())
	require.True(t, snap.Healthy)
	require.True(t, snap.Running)
	require.False(t, snap.Paused)
	require.Equal(t, 2, snap.Waiting)
	require.Equal(t, 5, snap.Delayed)
}

func TestSnapshotDegradesOnBackendFailure(t *testing.T) {
	r := New(stubQueue{err: errors.New("backend down")}, stubPool{running: true, paused: true})

	snap := r.Snapshot(context.Background())
	require.False(t, snap.Healthy, "unavailable backend reports unhealthy, not an error")
	require.Zero(t, snap.Waiting)
	require.Zero(t, snap.Active)
	require.Zero(t, snap.Completed)
	require.True(t, snap.Running)
	require.True(t, snap.Paused)
}

func TestSnapshotWithoutPool(t *testing.T) {
	r := New(stubQueue{snap: domain.QueueSnapshot{Healthy: true}}, nil)
	snap := r.Snapshot(context.Background())
	require.True(t, snap.Healthy)
	require.False(t, snap.Running)
}
