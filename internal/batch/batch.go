// Package batch runs work in sequential batches with bounded concurrency.
package batch

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Run calls fn for every index in [0,n) in sequential batches of size; calls within
// a batch run concurrently. Between batches it waits delay. When ctx ends before a
// batch starts, Run stops and returns done, the number of indexes attempted, along
// with ctx's error; indexes from done onward were never passed to fn.
func Run(ctx context.Context, n, size int, delay time.Duration, fn func(ctx context.Context, i int)) (batches []int, done int, err error) {
	if size <= 0 {
		size = n
	}
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		if start > 0 && delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return batches, start, err
		}

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				fn(ctx, i)
				return nil
			})
		}
		_ = g.Wait()
		batches = append(batches, end-start)
	}
	return batches, n, nil
}
