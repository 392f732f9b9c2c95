package snapshot

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// WorkFunc processes one FetchItem; a non-nil error cancels every other
// in-flight item via the group's shared context (spec.md §5: "the first
// fatal error ... cancels the rest of the plan").
type WorkFunc func(ctx context.Context, item FetchItem) error

// RunPool fans items out across a bounded number of goroutines, grounded
// on the host repo's fs/mpather.JoggerGroup (errgroup.WithContext plus a
// fixed worker count) generalized from one-jogger-per-mountpath to
// one-worker-per-download-slot.
func RunPool(ctx context.Context, concurrency int, items []FetchItem, fn WorkFunc) error {
	if concurrency <= 0 {
		concurrency = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, concurrency)

	for _, item := range items {
		item := item
		select {
		case sem <- struct{}{}:
		case <-gctx.Done():
			return g.Wait()
		}
		g.Go(func() error {
			defer func() { <-sem }()
			return fn(gctx, item)
		})
	}
	return g.Wait()
}
