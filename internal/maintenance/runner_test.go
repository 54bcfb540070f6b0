package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"campusnotify/internal/offline"
	"campusnotify/internal/subscription"
	logx "campusnotify/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeValidator struct{ calls atomic.Int32 }

func (f *fakeValidator) ValidateAll(context.Context) subscription.ValidationReport {
	f.calls.Add(1)
	return subscription.ValidationReport{Checked: 2, Valid: 1, Revoked: 1}
}

type fakeDrainer struct {
	calls atomic.Int32
	force atomic.Bool
}

func (f *fakeDrainer) Drain(_ context.Context, force bool) offline.DrainReport {
	f.calls.Add(1)
	f.force.Store(force)
	return offline.DrainReport{Attempted: 1, Completed: 1}
}

type fakeCleaner struct{ calls atomic.Int32 }

func (f *fakeCleaner) Cleanup() int {
	f.calls.Add(1)
	return 3
}

func TestRegisterAndTrigger(t *testing.T) {
	r := New(time.UTC, logx.Nop())
	v, d, c := &fakeValidator{}, &fakeDrainer{}, &fakeCleaner{}
	require.NoError(t, Register(r, Schedules{}, Targets{Subscriptions: v, Offline: d, Limiter: c}))

	ctx := context.Background()
	require.NoError(t, r.Trigger(ctx, JobValidateSubscriptions))
	require.NoError(t, r.Trigger(ctx, JobOfflineSweep))
	require.NoError(t, r.Trigger(ctx, JobLimiterCleanup))

	assert.EqualValues(t, 1, v.calls.Load())
	assert.EqualValues(t, 1, d.calls.Load())
	assert.False(t, d.force.Load(), "the sweep honors backoff")
	assert.EqualValues(t, 1, c.calls.Load())

	stats := r.Stats()
	require.Len(t, stats, 3)
	assert.Equal(t, JobLimiterCleanup, stats[0].Name)
	assert.Equal(t, DefaultCleanupEvery, stats[0].Spec)
	assert.EqualValues(t, 1, stats[0].Runs)

	assert.ErrorIs(t, r.Trigger(ctx, "nope"), ErrUnknownJob)
}

func TestAddValidation(t *testing.T) {
	r := New(nil, logx.Nop())
	noop := func(context.Context) error { return nil }

	assert.Error(t, r.Add(Job{Name: "", Spec: "@every 1m", Run: noop}))
	assert.Error(t, r.Add(Job{Name: "a", Spec: "@every nope", Run: noop}))
	assert.Error(t, r.Add(Job{Name: "a", Spec: "not a cron", Run: noop}))
	require.NoError(t, r.Add(Job{Name: "a", Spec: "*/5 * * * *", Run: noop}))
	assert.Error(t, r.Add(Job{Name: "a", Spec: "@hourly", Run: noop}))
}

func TestFailuresAndPanicsAreCounted(t *testing.T) {
	r := New(time.UTC, logx.Nop())
	require.NoError(t, r.Add(Job{Name: "bad", Spec: "@hourly", Run: func(context.Context) error { return errors.New("boom") }}))
	require.NoError(t, r.Add(Job{Name: "panics", Spec: "@hourly", Run: func(context.Context) error { panic("oops") }}))

	ctx := context.Background()
	assert.Error(t, r.Trigger(ctx, "bad"))
	assert.Error(t, r.Trigger(ctx, "panics"))

	for _, st := range r.Stats() {
		assert.EqualValues(t, 1, st.Failures, st.Name)
		assert.NotEmpty(t, st.LastErr)
	}
}

func TestRunFiresIntervalJobs(t *testing.T) {
	r := New(time.UTC, logx.Nop())
	var runs atomic.Int32
	require.NoError(t, r.Add(Job{Name: "tick", Spec: "@every 1s", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 4*time.Second, 20*time.Millisecond)
	cancel()
	<-done
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	r := New(time.UTC, logx.Nop())
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, r.Add(Job{Name: "slow", Spec: "@hourly", Run: func(context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}}))

	go func() { _ = r.Trigger(context.Background(), "slow") }()
	<-started
	require.NoError(t, r.Trigger(context.Background(), "slow"))
	close(release)
	assert.EqualValues(t, 1, runs.Load())
}
