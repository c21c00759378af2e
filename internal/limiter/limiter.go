// Package limiter runs a per-item operation over a slice with a ceiling on
// how many run at once.
package limiter

import (
	"context"

	"golang.org/x/sync/errgroup"
)

const DefaultLimit = 5

// ForEach calls fn for every item with at most limit calls in flight and
// waits for all of them. A failing item never cancels the others; its error
// is returned at the item's index. Items not started before ctx is done get
// ctx.Err().
func ForEach[T any](ctx context.Context, items []T, limit int, fn func(context.Context, T) error) []error {
	if limit <= 0 {
		limit = DefaultLimit
	}
	errs := make([]error, len(items))

	// Plain errgroup.Group: WithContext would cancel siblings on the first error.
	var g errgroup.Group
	g.SetLimit(min(len(items), limit))

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		g.Go(func() error {
			errs[i] = fn(ctx, item)
			return nil
		})
	}
	_ = g.Wait()

	return errs
}

// Failed counts the non-nil errors returned by ForEach.
func Failed(errs []error) int {
	var n int
	for _, err := range errs {
		if err != nil {
			n++
		}
	}
	return n
}
