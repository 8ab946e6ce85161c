package nn

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// EvaluateBatch evaluates Evaluate(xs[i], ts[i]) for every i on up to
// workers goroutines (GOMAXPROCS when workers <= 0). Results keep input
// order. The first error stops the remaining points; ctx is checked between
// points only.
func (k *Kernel) EvaluateBatch(ctx context.Context, xs [][]float64, ts []float64, workers int) ([]FlowState, error) {
	states, _, err := k.evaluateBatch(ctx, xs, ts, workers, false)
	return states, err
}

// EvaluateBatchWithPotential is EvaluateBatch that also returns Φ for every
// point, taken from the same forward pass as its flow state
func (k *Kernel) EvaluateBatchWithPotential(ctx context.Context, xs [][]float64, ts []float64, workers int) ([]FlowState, []float64, error) {
	return k.evaluateBatch(ctx, xs, ts, workers, true)
}

func (k *Kernel) evaluateBatch(ctx context.Context, xs [][]float64, ts []float64, workers int, withPotential bool) ([]FlowState, []float64, error) {
	if len(xs) != len(ts) {
		return nil, nil, &ShapeError{Field: "batch", Want: fmt.Sprintf("%d times", len(xs)), Got: fmt.Sprintf("%d times", len(ts))}
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	out := make([]FlowState, len(xs))
	var phis []float64
	if withPotential {
		phis = make([]float64, len(xs))
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range xs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			state, phi, err := k.evaluate(xs[i], ts[i], withPotential)
			if err != nil {
				return fmt.Errorf("point %d: %w", i, err)
			}
			out[i] = state
			if withPotential {
				phis[i] = phi
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	// errgroup only reports errors returned by Go funcs
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return out, phis, nil
}
