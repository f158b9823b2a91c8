package jobs

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Result summarizes a batch.
type Result struct {
	Processed int
	Failed    int

	// Err joins the per-item errors, nil when every item succeeded.
	Err error
}

// ForEach calls fn for each item with at most limit calls in flight.
//
// A failing item does not stop the batch: its error is collected and the
// next item runs. With limit 1 items run strictly in slice order. Items not
// yet started when ctx is cancelled are skipped.
func ForEach[T any](ctx context.Context, items []T, limit int, fn func(context.Context, T) error) Result {
	if limit < 1 {
		limit = 1
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		res  Result
		errs []error
	)
	g.SetLimit(limit)

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			err := fn(ctx, item)
			mu.Lock()
			defer mu.Unlock()
			res.Processed++
			if err != nil {
				res.Failed++
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Err = errors.Join(errs...)
	return res
}
