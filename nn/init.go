package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// InitParams returns a small random bundle for dims from a fixed seed.
// Layers use scaled normal weights (1/sqrt(fan-in)), biases start at zero,
// w and A are small so the potential starts close to its quadratic part.
// It is meant for demos and tests, not as a training initializer.
func InitParams(dims Dims, seed int64) (*Params, error) {
	if err := dims.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	n := dims.Augmented()

	normal := func(count int, stddev float64) []float64 {
		out := make([]float64, count)
		for i := range out {
			out[i] = rng.NormFloat64() * stddev
		}
		return out
	}

	p := &Params{
		W:  mat.NewVecDense(dims.M, normal(dims.M, 0.1)),
		A:  mat.NewDense(dims.R, n, normal(dims.R*n, 0.1)),
		B:  mat.NewVecDense(n, nil),
		K0: mat.NewDense(dims.M, n, normal(dims.M*n, 1/math.Sqrt(float64(n)))),
		K1: mat.NewDense(dims.M, dims.M, normal(dims.M*dims.M, 1/math.Sqrt(float64(dims.M)))),
		B0: mat.NewVecDense(dims.M, nil),
		B1: mat.NewVecDense(dims.M, nil),
	}
	return p, nil
}
