package distclient

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sccached/sccached/internal/dist"
)

type fakeScheduler struct{ dist.Scheduler }

func TestLifecycleDisabledWithoutSchedulerURL(t *testing.T) {
	l := New(Config{}, func(ctx context.Context, cfg Config) (dist.Scheduler, error) {
		t.Fatal("create should never be called when disabled")
		return nil, nil
	})
	client, err := l.GetClient(context.Background())
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestLifecycleCreatesClientOnFirstUse(t *testing.T) {
	sched := &fakeScheduler{}
	l := New(Config{SchedulerURL: "http://scheduler"}, func(ctx context.Context, cfg Config) (dist.Scheduler, error) {
		return sched, nil
	})
	client, err := l.GetClient(context.Background())
	require.NoError(t, err)
	assert.Same(t, dist.Scheduler(sched), client)

	// Once Live, subsequent calls return the same client without recreating.
	client2, err := l.GetClient(context.Background())
	require.NoError(t, err)
	assert.Same(t, client, client2)
}

func TestLifecyclePermanentErrorSurfacesOnceThenRetries(t *testing.T) {
	calls := 0
	l := New(Config{SchedulerURL: "http://scheduler"}, func(ctx context.Context, cfg Config) (dist.Scheduler, error) {
		calls++
		return nil, NewPermanentError(errors.New("bad auth token"))
	})

	client, err := l.GetClient(context.Background())
	assert.Nil(t, client)
	require.Error(t, err)

	// Retry deadline was set to "now", so the very next call attempts
	// creation again rather than silently waiting out a cooldown.
	_, err2 := l.GetClient(context.Background())
	require.Error(t, err2)
	assert.Equal(t, 2, calls)
}

func TestLifecycleTransientFailureRetriesLocalCompileMeanwhile(t *testing.T) {
	l := New(Config{SchedulerURL: "http://scheduler"}, func(ctx context.Context, cfg Config) (dist.Scheduler, error) {
		return nil, errors.New("status probe: connection refused")
	})

	client, err := l.GetClient(context.Background())
	assert.Nil(t, client)
	assert.NoError(t, err, "a transient status-probe failure should not surface as an error, just no client")

	// Immediately afterward, still within the 30s retry window: no client,
	// no error, no recreation attempt.
	client2, err2 := l.GetClient(context.Background())
	assert.Nil(t, client2)
	assert.NoError(t, err2)
}

func TestLifecycleResetStateForcesImmediateRetry(t *testing.T) {
	sched := &fakeScheduler{}
	calls := 0
	l := New(Config{SchedulerURL: "http://scheduler"}, func(ctx context.Context, cfg Config) (dist.Scheduler, error) {
		calls++
		return sched, nil
	})
	_, err := l.GetClient(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	l.ResetState()
	_, err = l.GetClient(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "ResetState should force recreation on the next GetClient")
}
