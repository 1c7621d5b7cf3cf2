package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/block/shardmove/pkg/realm"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return New(Config{
		CollectionName:  "accounts",
		ShardKey:        7,
		NewLocation:     "cluster-2/appdb",
		InsertThrottle:  time.Millisecond,
		DeleteThrottle:  time.Millisecond,
		InsertBatchSize: 1000,
		DeleteBatchSize: 1000,
	}, nil)
}

func TestCountersAccumulate(t *testing.T) {
	m := newTestManager()
	m.IncInserted(5)
	m.IncInserted(3)
	m.IncDeleted(2)
	require.EqualValues(t, 8, m.Inserted())
	require.EqualValues(t, 2, m.Deleted())
}

func TestThrottleIsLiveTunable(t *testing.T) {
	m := newTestManager()
	require.Equal(t, time.Millisecond, m.InsertThrottle())
	m.SetInsertThrottle(50 * time.Millisecond)
	require.Equal(t, 50*time.Millisecond, m.InsertThrottle())
}

func TestBatchSizeIsLiveTunable(t *testing.T) {
	m := newTestManager()
	require.Equal(t, 1000, m.InsertBatchSize())
	m.SetInsertBatchSize(250)
	require.Equal(t, 250, m.InsertBatchSize())
}

func TestFinishUnblocksWaiters(t *testing.T) {
	m := newTestManager()
	done, errc := false, make(chan error, 1)
	go func() {
		errc <- m.BlockUntilFinished(context.Background(), 0)
	}()

	finished, _ := m.IsFinished()
	require.False(t, finished)

	m.Finish(nil)
	select {
	case err := <-errc:
		require.NoError(t, err)
		done = true
	case <-time.After(time.Second):
		t.Fatal("BlockUntilFinished did not return after Finish")
	}
	require.True(t, done)

	finished, err := m.IsFinished()
	require.True(t, finished)
	require.NoError(t, err)
}

func TestFinishWithErrorIsReturnedToWaiters(t *testing.T) {
	m := newTestManager()
	boom := errors.New("boom")
	m.Finish(boom)

	finished, err := m.IsFinished()
	require.True(t, finished)
	require.ErrorIs(t, err, boom)
}

func TestFinishIsIdempotent(t *testing.T) {
	m := newTestManager()
	m.Finish(errors.New("first"))
	m.Finish(errors.New("second"))

	_, err := m.IsFinished()
	require.EqualError(t, err, "first")
}

func TestSetPhaseReflectsRealmStatus(t *testing.T) {
	m := newTestManager()
	require.Equal(t, "", m.Phase())
	m.SetPhase(realm.StatusMigratingCopy)
	require.Equal(t, "MIGRATING_COPY", m.Phase())
}

func TestBlockUntilFinishedRespectsContextCancel(t *testing.T) {
	m := newTestManager()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := m.BlockUntilFinished(ctx, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
