package nn

import (
	"math"
	"testing"
)

// TestActivateMatchesDefinition compares the stable form with log(e^z + e^-z)
func TestActivateMatchesDefinition(t *testing.T) {
	for _, z := range []float64{-20, -3, -0.5, 0, 0.1, 1, 7.5, 20} {
		want := math.Log(math.Exp(z) + math.Exp(-z))
		if got := activate(z); math.Abs(got-want) > 1e-12 {
			t.Errorf("σ(%v): expected %v, got %v", z, want, got)
		}
	}
}

// TestActivateLargeInputs checks σ stays finite where exp overflows
func TestActivateLargeInputs(t *testing.T) {
	for _, z := range []float64{800, -800, 1e10} {
		got := activate(z)
		if math.IsInf(got, 0) || math.IsNaN(got) {
			t.Errorf("σ(%v) is not finite: %v", z, got)
		}
		if math.Abs(got-math.Abs(z)) > 1e-9*math.Abs(z) {
			t.Errorf("σ(%v): expected ≈|z|, got %v", z, got)
		}
	}
}

// TestActivateDerivatives checks σ' and σ'' against central differences
func TestActivateDerivatives(t *testing.T) {
	const h = 1e-5
	for _, z := range []float64{-2, -0.3, 0, 0.7, 3} {
		d1 := (activate(z+h) - activate(z-h)) / (2 * h)
		if math.Abs(activateDerivative(z)-d1) > 1e-8 {
			t.Errorf("σ'(%v): expected %v, got %v", z, d1, activateDerivative(z))
		}
		d2 := (activateDerivative(z+h) - activateDerivative(z-h)) / (2 * h)
		if math.Abs(activateSecondDerivative(z)-d2) > 1e-8 {
			t.Errorf("σ''(%v): expected %v, got %v", z, d2, activateSecondDerivative(z))
		}
	}
}
