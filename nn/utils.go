package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// MaxAbsDiff calculates the maximum absolute difference between two slices
// of equal length
func MaxAbsDiff(a, b []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	return floats.Distance(a, b, math.Inf(1))
}

// Negate returns -v in a new slice
func Negate(v []float64) []float64 {
	out := make([]float64, len(v))
	floats.ScaleTo(out, -1, v)
	return out
}
