package dispatch

import (
	"context"
	"time"

	"campusnotify/internal/batch"
	kit "campusnotify/internal/transport"
)

const (
	DefaultBatchSize       = 10
	DefaultInterBatchDelay = 100 * time.Millisecond
)

type BulkItem struct {
	Notification kit.Notification `json:"notification"`
	UserID       string           `json:"user_id"`
}

// BulkOptions overrides the configured batching; zero values use the config.
type BulkOptions struct {
	BatchSize       int
	InterBatchDelay time.Duration
}

type BulkResult struct {
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Batches    []int        `json:"batches"`
	Results    []kit.Result `json:"results"`
}

// SendBulk sends items in sequential batches; items within a batch are sent
// concurrently. A failing batch does not abort the following ones. Delivered and
// Scheduled count as successful.
func (d *Dispatcher) SendBulk(ctx context.Context, items []BulkItem, opts BulkOptions) BulkResult {
	size := opts.BatchSize
	if size <= 0 {
		size = d.cfg.BatchSize
	}
	delay := opts.InterBatchDelay
	if delay <= 0 {
		delay = d.cfg.InterBatchDelay
	}
	return d.bulk(ctx, items, size, delay, func(ctx context.Context, it BulkItem) kit.Result {
		return d.Send(ctx, it.Notification, it.UserID)
	})
}

func (d *Dispatcher) bulk(ctx context.Context, items []BulkItem, size int, delay time.Duration, send func(context.Context, BulkItem) kit.Result) BulkResult {
	out := BulkResult{Results: make([]kit.Result, len(items))}

	batches, done, err := batch.Run(ctx, len(items), size, delay, func(ctx context.Context, i int) {
		out.Results[i] = send(ctx, items[i])
	})
	out.Batches = batches
	for i := done; i < len(items); i++ {
		out.Results[i] = kit.Result{Status: kit.StatusDropped, NotificationID: items[i].Notification.ID, Err: err}
	}

	for _, r := range out.Results {
		if r.Accepted() {
			out.Successful++
		} else {
			out.Failed++
		}
	}
	return out
}
