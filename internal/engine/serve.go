package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/mlscore/internal/worker"
)

// Serve runs the engine and the given workers until ctx is cancelled or the
// engine stops. Workers are cancelled when the engine returns.
func Serve(ctx context.Context, e *Engine, runners ...*worker.Runner) error {
	g, gctx := errgroup.WithContext(ctx)
	wctx, cancelWorkers := context.WithCancel(gctx)
	g.Go(func() error {
		defer cancelWorkers()
		return e.Run(gctx)
	})
	for _, r := range runners {
		g.Go(func() error {
			r.Run(wctx)
			return nil
		})
	}
	return g.Wait()
}
