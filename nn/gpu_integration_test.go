package nn

import (
	"errors"
	"math"
	"math/rand"
	"os"
	"testing"
)

// TestGPUSpecLayout checks the float32 export without touching a device
func TestGPUSpecLayout(t *testing.T) {
	k := scenarioKernel(t)
	spec := k.GPUSpec()
	if err := spec.Validate(); err != nil {
		t.Fatalf("GPUSpec invalid: %v", err)
	}
	if spec.D != 2 || spec.M != 3 || spec.R != 1 {
		t.Errorf("dims: got d=%d m=%d r=%d", spec.D, spec.M, spec.R)
	}
	// Row-major: K0[1][0] is the fourth entry
	if spec.K0[3] != -0.2 {
		t.Errorf("K0[1][0]: expected -0.2, got %v", spec.K0[3])
	}
}

// TestGPUMatchesCPU compares the WebGPU evaluator with Evaluate.
// It needs an adapter, so it only runs with OTFLOW_GPU_TESTS=1.
func TestGPUMatchesCPU(t *testing.T) {
	if os.Getenv("OTFLOW_GPU_TESTS") != "1" {
		t.Skip("set OTFLOW_GPU_TESTS=1 to run GPU tests")
	}

	k := randomKernel(t, Dims{D: 3, M: 8, R: 3}, 17)
	g, err := k.NewGPUEvaluator(64)
	if err != nil {
		t.Fatalf("NewGPUEvaluator: %v", err)
	}
	defer g.Release()

	rng := rand.New(rand.NewSource(3))
	xs := make([][]float64, 100)
	ts := make([]float64, len(xs))
	for i := range xs {
		xs[i], ts[i] = randomPoint(rng, 3)
	}

	states, err := g.EvaluateBatch(xs, ts)
	if err != nil {
		t.Fatalf("EvaluateBatch: %v", err)
	}
	if len(states) != len(xs) {
		t.Fatalf("expected %d states, got %d", len(xs), len(states))
	}
	for i := range xs {
		want, _ := k.Evaluate(xs[i], ts[i])
		if d := MaxAbsDiff(states[i].Velocity, want.Velocity); d > 1e-4 {
			t.Errorf("point %d: velocity differs by %g", i, d)
		}
		if d := math.Abs(states[i].Divergence - want.Divergence); d > 1e-4 {
			t.Errorf("point %d: divergence differs by %g", i, d)
		}
	}

	// New coefficients for the same dims are uploaded in place
	next := randomKernel(t, Dims{D: 3, M: 8, R: 3}, 18)
	if err := g.SetKernel(next); err != nil {
		t.Fatalf("SetKernel: %v", err)
	}
	states, err = g.EvaluateBatch(xs[:1], ts[:1])
	if err != nil {
		t.Fatal(err)
	}
	want, _ := next.Evaluate(xs[0], ts[0])
	if d := math.Abs(states[0].Divergence - want.Divergence); d > 1e-4 {
		t.Errorf("after SetKernel: divergence differs by %g", d)
	}

	if err := g.SetKernel(scenarioKernel(t)); !errors.Is(err, ErrShape) {
		t.Errorf("SetKernel with other dims: expected ErrShape, got %v", err)
	}
}
