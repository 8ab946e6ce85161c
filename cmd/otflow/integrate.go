package main

import (
	"context"
	"fmt"

	"github.com/openfluke/otflow/nn"
)

type batchEvaluator interface {
	evaluate(ctx context.Context, xs [][]float64, ts []float64) ([]nn.FlowState, error)
}

type cpuBatch struct {
	kernel  *nn.Kernel
	workers int
}

func (c cpuBatch) evaluate(ctx context.Context, xs [][]float64, ts []float64) ([]nn.FlowState, error) {
	return c.kernel.EvaluateBatch(ctx, xs, ts, c.workers)
}

type gpuBatch struct {
	evaluator *nn.GPUEvaluator
}

func (g gpuBatch) evaluate(ctx context.Context, xs [][]float64, ts []float64) ([]nn.FlowState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.evaluator.EvaluateBatch(xs, ts)
}

// flowResult is the end state of every sample
type flowResult struct {
	Points [][]float64
	LogDet []float64 // ∫ divergence dt
	Cost   []float64 // ∫ ½‖v‖² dt
}

// integrate applies forward Euler to
//
//	dx/dt = v(x,t),  dl/dt = div(x,t),  dc/dt = ½‖v(x,t)‖²
//
// for every start point. It is a reference driver, not an adaptive solver.
func integrate(ctx context.Context, eval batchEvaluator, start [][]float64, t0, t1 float64, steps int) (flowResult, error) {
	n := len(start)
	res := flowResult{
		Points: make([][]float64, n),
		LogDet: make([]float64, n),
		Cost:   make([]float64, n),
	}
	for i, p := range start {
		res.Points[i] = append([]float64(nil), p...)
	}

	h := (t1 - t0) / float64(steps)
	ts := make([]float64, n)
	for step := 0; step < steps; step++ {
		t := t0 + float64(step)*h
		for i := range ts {
			ts[i] = t
		}
		states, err := eval.evaluate(ctx, res.Points, ts)
		if err != nil {
			return flowResult{}, fmt.Errorf("step %d (t=%g): %w", step, t, err)
		}
		for i, s := range states {
			var speed float64
			for j, v := range s.Velocity {
				res.Points[i][j] += h * v
				speed += v * v
			}
			res.LogDet[i] += h * s.Divergence
			res.Cost[i] += h * 0.5 * speed
		}
	}
	return res, nil
}
