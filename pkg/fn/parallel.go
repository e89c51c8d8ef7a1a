package fn

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ParMapResult runs f over items on at most workers goroutines and returns
// the results in input order. workers <= 0 means one goroutine per item.
// Items not yet started when ctx ends resolve to ctx.Err() without calling f.
func ParMapResult[T, U any](ctx context.Context, items []T, workers int, f func(context.Context, T) Result[U]) []Result[U] {
	out := make([]Result[U], len(items))
	var g errgroup.Group
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(items); j++ {
				out[j] = Err[U](err)
			}
			break
		}
		g.Go(func() error {
			out[i] = f(ctx, item)
			return nil
		})
	}
	g.Wait()
	return out
}
