package maintenance

import (
	"context"
	"time"

	"campusnotify/internal/offline"
	"campusnotify/internal/subscription"
	logx "campusnotify/pkg/logx"
)

const (
	JobValidateSubscriptions = "validate_subscriptions"
	JobOfflineSweep          = "offline_sweep"
	JobLimiterCleanup        = "limiter_cleanup"

	DefaultValidateEvery = "@every 6h"
	DefaultRetryEvery    = "@every 1m"
	DefaultCleanupEvery  = "@every 10m"
)

type SubscriptionValidator interface {
	ValidateAll(ctx context.Context) subscription.ValidationReport
}

type OfflineDrainer interface {
	Drain(ctx context.Context, force bool) offline.DrainReport
}

type LimiterCleaner interface {
	Cleanup() int
}

type Schedules struct {
	ValidateEvery string
	RetryEvery    string
	CleanupEvery  string
}

type Targets struct {
	Subscriptions SubscriptionValidator
	Offline       OfflineDrainer
	Limiter       LimiterCleaner
}

// Register adds the standard jobs for every non-nil target.
func Register(r *Runner, s Schedules, t Targets) error {
	if s.ValidateEvery == "" {
		s.ValidateEvery = DefaultValidateEvery
	}
	if s.RetryEvery == "" {
		s.RetryEvery = DefaultRetryEvery
	}
	if s.CleanupEvery == "" {
		s.CleanupEvery = DefaultCleanupEvery
	}

	if t.Subscriptions != nil {
		if err := r.Add(Job{
			Name:    JobValidateSubscriptions,
			Spec:    s.ValidateEvery,
			Timeout: 10 * time.Minute,
			Run: func(ctx context.Context) error {
				rep := t.Subscriptions.ValidateAll(ctx)
				r.log.Info("subscriptions validated",
					logx.Int("checked", rep.Checked),
					logx.Int("valid", rep.Valid),
					logx.Int("renewed", rep.Renewed),
					logx.Int("revoked", rep.Revoked),
				)
				return ctx.Err()
			},
		}); err != nil {
			return err
		}
	}
	if t.Offline != nil {
		if err := r.Add(Job{
			Name:    JobOfflineSweep,
			Spec:    s.RetryEvery,
			Timeout: 5 * time.Minute,
			Run: func(ctx context.Context) error {
				rep := t.Offline.Drain(ctx, false)
				if rep.Attempted > 0 {
					r.log.Debug("offline sweep",
						logx.Int("attempted", rep.Attempted),
						logx.Int("completed", rep.Completed),
						logx.Int("requeued", rep.Requeued),
						logx.Int("failed", rep.Failed),
					)
				}
				return nil
			},
		}); err != nil {
			return err
		}
	}
	if t.Limiter != nil {
		if err := r.Add(Job{
			Name: JobLimiterCleanup,
			Spec: s.CleanupEvery,
			Run: func(context.Context) error {
				if n := t.Limiter.Cleanup(); n > 0 {
					r.log.Debug("rate limiter cleanup", logx.Int("removed", n))
				}
				return nil
			},
		}); err != nil {
			return err
		}
	}
	return nil
}
