package nn

import (
	"math"
)

// activate computes σ(z) = log(e^z + e^-z).
// Written as |z| + log1p(e^(-2|z|)) so large |z| does not overflow.
func activate(z float64) float64 {
	a := math.Abs(z)
	return a + math.Log1p(math.Exp(-2*a))
}

// activateDerivative computes σ'(z) = tanh(z)
func activateDerivative(z float64) float64 {
	return math.Tanh(z)
}

// activateSecondDerivative computes σ''(z) = 1 - tanh²(z)
func activateSecondDerivative(z float64) float64 {
	t := math.Tanh(z)
	return 1 - t*t
}

// applyActivation returns a new slice with fn applied elementwise
func applyActivation(v []float64, fn func(float64) float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = fn(x)
	}
	return out
}
