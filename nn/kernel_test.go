package nn

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// scenarioKernel is the d=2, m=3, r=1 bundle used as a regression fixture
func scenarioKernel(t *testing.T) *Kernel {
	t.Helper()
	dims := Dims{D: 2, M: 3, R: 1}
	p := ZeroParams(dims)
	p.W = mat.NewVecDense(3, []float64{0.1, 0.1, 0.1})
	p.K0 = mat.NewDense(3, 3, []float64{
		0.1, 0.2, 0.3,
		-0.2, 0.1, 0.0,
		0.3, -0.1, 0.2,
	})
	p.K1 = mat.NewDense(3, 3, []float64{
		0.1, -0.1, 0.2,
		0.0, 0.2, 0.1,
		-0.3, 0.1, 0.1,
	})
	p.A = mat.NewDense(1, 3, []float64{0.1, 0.1, 0.1})
	k, err := NewKernel(dims, p)
	if err != nil {
		t.Fatalf("NewKernel: %v", err)
	}
	return k
}

// randomKernel draws a bundle with non-zero biases so every term is exercised
func randomKernel(t *testing.T, dims Dims, seed int64) *Kernel {
	t.Helper()
	p, err := InitParams(dims, seed)
	if err != nil {
		t.Fatalf("InitParams: %v", err)
	}
	rng := rand.New(rand.NewSource(seed + 1))
	for i := 0; i < dims.M; i++ {
		p.B0.SetVec(i, rng.NormFloat64()*0.5)
		p.B1.SetVec(i, rng.NormFloat64()*0.5)
		p.W.SetVec(i, rng.NormFloat64())
	}
	for i := 0; i < dims.Augmented(); i++ {
		p.B.SetVec(i, rng.NormFloat64()*0.1)
	}
	p.C = rng.NormFloat64()
	k, err := NewKernel(dims, p)
	if err != nil {
		t.Fatalf("NewKernel: %v", err)
	}
	return k
}

func randomPoint(rng *rand.Rand, d int) ([]float64, float64) {
	x := make([]float64, d)
	for i := range x {
		x[i] = rng.Float64()*2 - 1
	}
	return x, rng.Float64()
}

// TestScenarioRegression pins the d=2, m=3, r=1 fixture
func TestScenarioRegression(t *testing.T) {
	k := scenarioKernel(t)

	tests := []struct {
		name       string
		x          []float64
		t          float64
		potential  float64
		velocity   []float64
		divergence float64
	}{
		{
			name:       "origin",
			x:          []float64{0, 0},
			t:          0,
			potential:  0.41923282116914173,
			velocity:   []float64{0, 0},
			divergence: -0.04068549205186059,
		},
		{
			name:       "interior",
			x:          []float64{0.5, -0.3},
			t:          0.7,
			potential:  0.43144832268385963,
			velocity:   []float64{-0.023375935620844647, -0.008537935806196268},
			divergence: -0.039517671935400026,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, phi, err := k.EvaluateWithPotential(tt.x, tt.t)
			if err != nil {
				t.Fatalf("EvaluateWithPotential: %v", err)
			}
			if math.Abs(phi-tt.potential) > 1e-12 {
				t.Errorf("potential: expected %.17g, got %.17g", tt.potential, phi)
			}
			if d := MaxAbsDiff(state.Velocity, tt.velocity); d > 1e-12 {
				t.Errorf("velocity: expected %v, got %v (diff %g)", tt.velocity, state.Velocity, d)
			}
			if math.Abs(state.Divergence-tt.divergence) > 1e-12 {
				t.Errorf("divergence: expected %.17g, got %.17g", tt.divergence, state.Divergence)
			}
		})
	}
}

// TestGradientMatchesFiniteDifferences checks ∇ₓΦ against central differences
func TestGradientMatchesFiniteDifferences(t *testing.T) {
	for _, dims := range []Dims{{D: 1, M: 1, R: 1}, {D: 2, M: 3, R: 1}, {D: 3, M: 8, R: 3}, {D: 5, M: 16, R: 5}} {
		k := randomKernel(t, dims, 7)
		rng := rand.New(rand.NewSource(11))
		for i := 0; i < 5; i++ {
			x, tm := randomPoint(rng, dims.D)
			report, err := k.CheckGradient(x, tm, DefaultGradientStep)
			if err != nil {
				t.Fatalf("dims %+v: CheckGradient: %v", dims, err)
			}
			if report.MaxAbsErr > 1e-6 {
				t.Errorf("dims %+v point %v t=%v: %s", dims, x, tm, report)
			}
		}
	}
}

// TestTraceMatchesFiniteDifferences checks tr(∇²ₓΦ) against second differences
func TestTraceMatchesFiniteDifferences(t *testing.T) {
	for _, dims := range []Dims{{D: 1, M: 1, R: 1}, {D: 2, M: 3, R: 1}, {D: 3, M: 8, R: 3}, {D: 5, M: 16, R: 5}} {
		k := randomKernel(t, dims, 3)
		rng := rand.New(rand.NewSource(5))
		for i := 0; i < 5; i++ {
			x, tm := randomPoint(rng, dims.D)
			report, err := k.CheckTrace(x, tm, DefaultTraceStep)
			if err != nil {
				t.Fatalf("dims %+v: CheckTrace: %v", dims, err)
			}
			if report.MaxAbsErr > 2e-5 {
				t.Errorf("dims %+v point %v t=%v: %s", dims, x, tm, report)
			}
		}
	}
}

// TestZeroParams verifies Φ = c with zero gradient and trace
func TestZeroParams(t *testing.T) {
	dims := Dims{D: 4, M: 6, R: 2}
	p := ZeroParams(dims)
	p.C = 1.25
	// Biases are not part of the zero boundary but must not matter either
	p.B0.SetVec(0, 0.3)
	p.B1.SetVec(2, -0.7)
	k, err := NewKernel(dims, p)
	if err != nil {
		t.Fatalf("NewKernel: %v", err)
	}

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 4; i++ {
		x, tm := randomPoint(rng, dims.D)
		phi, err := k.Potential(x, tm)
		if err != nil {
			t.Fatal(err)
		}
		if phi != 1.25 {
			t.Errorf("potential: expected 1.25, got %v", phi)
		}
		grad, err := k.Gradient(x, tm)
		if err != nil {
			t.Fatal(err)
		}
		for j, g := range grad {
			if g != 0 {
				t.Errorf("gradient[%d]: expected 0, got %v", j, g)
			}
		}
		tr, err := k.Trace(x, tm)
		if err != nil {
			t.Fatal(err)
		}
		if tr != 0 {
			t.Errorf("trace: expected 0, got %v", tr)
		}
	}
}

// TestTraceARankInvariant compares TraceA with column norms of A's spatial block
func TestTraceARankInvariant(t *testing.T) {
	for _, dims := range []Dims{{D: 1, M: 2, R: 1}, {D: 4, M: 3, R: 2}, {D: 12, M: 3, R: 10}} {
		k := randomKernel(t, dims, 21)
		a := k.Params().A
		var want float64
		for j := 0; j < dims.D; j++ {
			col := mat.Col(nil, j, a)
			for _, v := range col {
				want += v * v
			}
		}
		if got := k.TraceA(); math.Abs(got-want) > 1e-12 {
			t.Errorf("dims %+v: TraceA expected %v, got %v", dims, want, got)
		}
	}
}

// TestTraceAIgnoresTimeColumn makes sure the time column of A never reaches the trace
func TestTraceAIgnoresTimeColumn(t *testing.T) {
	dims := Dims{D: 2, M: 1, R: 1}
	p := ZeroParams(dims)
	p.A = mat.NewDense(1, 3, []float64{0, 0, 5})
	k, err := NewKernel(dims, p)
	if err != nil {
		t.Fatal(err)
	}
	if got := k.TraceA(); got != 0 {
		t.Errorf("TraceA: expected 0, got %v", got)
	}
}

// TestShapeRejection verifies mismatched bundles fail with ShapeError
func TestShapeRejection(t *testing.T) {
	dims := Dims{D: 3, M: 5, R: 3}

	tests := []struct {
		name  string
		field string
		edit  func(p *Params)
	}{
		{"K0 missing time column", "K0", func(p *Params) { p.K0 = mat.NewDense(5, 3, nil) }},
		{"K1 not square", "K1", func(p *Params) { p.K1 = mat.NewDense(5, 4, nil) }},
		{"A wrong rank", "A", func(p *Params) { p.A = mat.NewDense(2, 4, nil) }},
		{"w too long", "w", func(p *Params) { p.W = mat.NewVecDense(6, nil) }},
		{"b spatial only", "b", func(p *Params) { p.B = mat.NewVecDense(3, nil) }},
		{"b0 nil", "b0", func(p *Params) { p.B0 = nil }},
		{"b1 short", "b1", func(p *Params) { p.B1 = mat.NewVecDense(4, nil) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ZeroParams(dims)
			tt.edit(p)
			_, err := NewKernel(dims, p)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			var se *ShapeError
			if !errors.As(err, &se) {
				t.Fatalf("expected *ShapeError, got %T: %v", err, err)
			}
			if se.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, se.Field)
			}
			if !errors.Is(err, ErrShape) {
				t.Errorf("errors.Is(err, ErrShape) = false")
			}
		})
	}
}

// TestDimsValidation rejects non-positive dimensions
func TestDimsValidation(t *testing.T) {
	for _, dims := range []Dims{{D: 0, M: 1, R: 1}, {D: 1, M: 0, R: 1}, {D: 1, M: 1, R: 0}, {D: -2, M: 3, R: 1}} {
		if _, err := NewKernel(dims, ZeroParams(Dims{D: 1, M: 1, R: 1})); !errors.Is(err, ErrShape) {
			t.Errorf("dims %+v: expected ErrShape, got %v", dims, err)
		}
	}

	if _, err := NewDims(0, 4); !errors.Is(err, ErrShape) {
		t.Errorf("NewDims(0, 4): expected ErrShape, got %v", err)
	}
}

// TestDefaultRank checks r = min(10, d)
func TestDefaultRank(t *testing.T) {
	for d, want := range map[int]int{1: 1, 3: 3, 10: 10, 11: 10, 64: 10} {
		dims, err := NewDims(d, 4)
		if err != nil {
			t.Fatalf("NewDims(%d, 4): %v", d, err)
		}
		if dims.R != want {
			t.Errorf("d=%d: expected rank %d, got %d", d, want, dims.R)
		}
	}
}

// TestInputShapeError rejects x of the wrong length
func TestInputShapeError(t *testing.T) {
	k := scenarioKernel(t)
	_, err := k.Evaluate([]float64{1, 2, 3}, 0)
	var se *ShapeError
	if !errors.As(err, &se) {
		t.Fatalf("expected *ShapeError, got %v", err)
	}
	if se.Field != "x" {
		t.Errorf("expected field x, got %s", se.Field)
	}
}

// TestNumericErrors surfaces non-finite inputs and overflowing results
func TestNumericErrors(t *testing.T) {
	k := scenarioKernel(t)

	if _, err := k.Evaluate([]float64{math.NaN(), 0}, 0); !errors.Is(err, ErrNumeric) {
		t.Errorf("NaN input: expected ErrNumeric, got %v", err)
	}
	if _, err := k.Gradient([]float64{0, 0}, math.Inf(1)); !errors.Is(err, ErrNumeric) {
		t.Errorf("Inf time: expected ErrNumeric, got %v", err)
	}

	// ½‖A·s‖² overflows long before σ does
	_, err := k.Potential([]float64{1e200, 1e200}, 0)
	var ne *NumericError
	if !errors.As(err, &ne) {
		t.Fatalf("overflow: expected *NumericError, got %v", err)
	}
	if ne.Op != "potential" {
		t.Errorf("expected op potential, got %s", ne.Op)
	}

	p := k.Params().Clone()
	p.K1.Set(0, 0, math.Inf(-1))
	if _, err := k.WithParams(p); !errors.Is(err, ErrNumeric) {
		t.Errorf("Inf parameter: expected ErrNumeric, got %v", err)
	}
}

// TestDeterminism checks bit-identical repeated evaluations
func TestDeterminism(t *testing.T) {
	k := randomKernel(t, Dims{D: 3, M: 8, R: 3}, 99)
	x := []float64{0.3, -0.2, 0.9}

	first, err := k.Evaluate(x, 0.4)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := k.Evaluate(x, 0.4)
		if err != nil {
			t.Fatal(err)
		}
		if again.Divergence != first.Divergence {
			t.Fatalf("divergence changed: %v vs %v", first.Divergence, again.Divergence)
		}
		for j := range first.Velocity {
			if again.Velocity[j] != first.Velocity[j] {
				t.Fatalf("velocity[%d] changed: %v vs %v", j, first.Velocity[j], again.Velocity[j])
			}
		}
	}

	// Non-monotonic times must not leave state behind
	if _, err := k.Evaluate(x, 5); err != nil {
		t.Fatal(err)
	}
	if _, err := k.Evaluate(x, -3); err != nil {
		t.Fatal(err)
	}
	again, _ := k.Evaluate(x, 0.4)
	if again.Divergence != first.Divergence {
		t.Errorf("divergence depends on call history")
	}
}

// TestEvaluateMatchesParts compares Evaluate with Gradient and Trace
func TestEvaluateMatchesParts(t *testing.T) {
	k := randomKernel(t, Dims{D: 4, M: 6, R: 2}, 5)
	x := []float64{0.1, 0.2, -0.3, 0.4}

	state, err := k.Evaluate(x, 0.25)
	if err != nil {
		t.Fatal(err)
	}
	grad, _ := k.Gradient(x, 0.25)
	tr, _ := k.Trace(x, 0.25)

	for i := range grad {
		if state.Velocity[i] != -grad[i] {
			t.Errorf("velocity[%d]: expected %v, got %v", i, -grad[i], state.Velocity[i])
		}
	}
	if state.Divergence != -tr {
		t.Errorf("divergence: expected %v, got %v", -tr, state.Divergence)
	}
}

// TestFullGradientTimeEntry checks ∂Φ/∂t against a central difference in t
func TestFullGradientTimeEntry(t *testing.T) {
	k := randomKernel(t, Dims{D: 2, M: 5, R: 2}, 8)
	x := []float64{0.2, -0.6}
	full, err := k.FullGradient(x, 0.3)
	if err != nil {
		t.Fatal(err)
	}
	if len(full) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(full))
	}

	const h = 1e-5
	fp, _ := k.Potential(x, 0.3+h)
	fm, _ := k.Potential(x, 0.3-h)
	if want := (fp - fm) / (2 * h); math.Abs(full[2]-want) > 1e-6 {
		t.Errorf("dΦ/dt: expected %v, got %v", want, full[2])
	}

	grad, _ := k.Gradient(x, 0.3)
	if MaxAbsDiff(full[:2], grad) != 0 {
		t.Errorf("spatial part of FullGradient differs from Gradient")
	}
}

// TestTraceReuse evaluates everything from a single caller-owned trace
func TestTraceReuse(t *testing.T) {
	k := scenarioKernel(t)
	tr, err := k.Forward([]float64{0.5, -0.3}, 0.7)
	if err != nil {
		t.Fatal(err)
	}

	phi, err := k.PotentialFromTrace(tr)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(phi-0.43144832268385963) > 1e-12 {
		t.Errorf("PotentialFromTrace: got %v", phi)
	}
	grad, err := k.GradientFromTrace(tr)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(grad[0]-0.023375935620844647) > 1e-12 {
		t.Errorf("GradientFromTrace: got %v", grad)
	}
	h, err := k.TraceFromTrace(tr)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(h-0.039517671935400026) > 1e-12 {
		t.Errorf("TraceFromTrace: got %v", h)
	}

	// A trace from another architecture is rejected
	other := randomKernel(t, Dims{D: 3, M: 3, R: 1}, 1)
	foreign, _ := other.Forward([]float64{0, 0, 0}, 0)
	if _, err := k.TraceFromTrace(foreign); !errors.Is(err, ErrShape) {
		t.Errorf("foreign trace: expected ErrShape, got %v", err)
	}
}

// TestResNetForward checks u1 = u0 + σ(K1·u0 + b1) at the origin
func TestResNetForward(t *testing.T) {
	k := scenarioKernel(t)
	u1, err := k.ResNetForward([]float64{0, 0}, 0)
	if err != nil {
		t.Fatal(err)
	}
	// pre0 = 0 so u0 = log 2 everywhere
	l2 := math.Log(2)
	rowSums := []float64{0.2, 0.3, -0.1}
	for i, s := range rowSums {
		want := l2 + math.Log(math.Exp(s*l2)+math.Exp(-s*l2))
		if math.Abs(u1[i]-want) > 1e-12 {
			t.Errorf("u1[%d]: expected %v, got %v", i, want, u1[i])
		}
	}
}

// TestParamGradientUnimplemented documents the missing parameter backward pass
func TestParamGradientUnimplemented(t *testing.T) {
	k := scenarioKernel(t)
	if _, err := k.ParamGradient([]float64{0, 0}, 0); !errors.Is(err, ErrParamGradientUnimplemented) {
		t.Errorf("expected ErrParamGradientUnimplemented, got %v", err)
	}
}

func BenchmarkEvaluate(b *testing.B) {
	dims := Dims{D: 8, M: 64, R: 8}
	p, _ := InitParams(dims, 1)
	k, err := NewKernel(dims, p)
	if err != nil {
		b.Fatal(err)
	}
	x := make([]float64, dims.D)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := k.Evaluate(x, 0.5); err != nil {
			b.Fatal(err)
		}
	}
}
