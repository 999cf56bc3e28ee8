package parallel

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Map applies mapFunc to every element of in, running at most limit calls at
// once. Results keep the order of in. The first error cancels the context
// passed to the calls still running and is returned.
//
//	exists, err := parallel.Map(ctx, 8, paths, stat)
func Map[E, D any](ctx context.Context, limit int, in []E, mapFunc func(context.Context, E) (D, error)) ([]D, error) {
	out := make([]D, len(in))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(limit, 1))
	for i, e := range in {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, err := mapFunc(gctx, e)
			if err != nil {
				return err
			}
			out[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Each calls f for every element of in, at most limit at once. Unlike Map a
// failure doesn't stop the other calls; all errors are joined.
func Each[E any](ctx context.Context, limit int, in []E, f func(context.Context, E) error) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(max(limit, 1))
	for _, e := range in {
		g.Go(func() error {
			if err := f(ctx, e); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
