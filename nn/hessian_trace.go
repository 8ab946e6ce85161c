package nn

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// traceTerms splits tr(∇²ₓΦ) into its three contributions:
//
//	t0 = Σᵢ σ''(pre0ᵢ)·z1ᵢ·‖K0_E[i,:]‖²          first layer curvature
//	t1 = Σᵢ σ''(pre1ᵢ)·wᵢ·‖(K1·J)[i,:]‖²          second layer curvature, J = diag(σ'(pre0))·K0_E
//	tA = Σⱼ ‖A_E[:,j]‖²                           quadratic term
//
// K0_E and A_E are the spatial columns of K0 and A. No Hessian is formed.
func (k *Kernel) traceTerms(tr *ActivationTrace, z1 *mat.VecDense) (t0, t1, tA float64) {
	p := k.params
	d, m := k.dims.D, k.dims.M

	pre0 := tr.Pre0.RawVector().Data
	pre1 := tr.Pre1.RawVector().Data

	jac := mat.NewDense(m, d, nil)
	for i := 0; i < m; i++ {
		row := p.K0.RawRowView(i)[:d]
		t0 += activateSecondDerivative(pre0[i]) * z1.AtVec(i) * floats.Dot(row, row)
		floats.ScaleTo(jac.RawRowView(i), activateDerivative(pre0[i]), row)
	}

	kj := mat.NewDense(m, d, nil)
	kj.Mul(p.K1, jac)
	for i := 0; i < m; i++ {
		row := kj.RawRowView(i)
		t1 += activateSecondDerivative(pre1[i]) * p.W.AtVec(i) * floats.Dot(row, row)
	}

	return t0, t1, k.TraceA()
}

// TraceA returns tr(A_Eᵗ·A_E), the sum of squared norms of the spatial
// columns of A. It does not depend on (x, t).
func (k *Kernel) TraceA() float64 {
	a := k.params.A
	d := k.dims.D
	var sum float64
	for i := 0; i < k.dims.R; i++ {
		row := a.RawRowView(i)[:d]
		sum += floats.Dot(row, row)
	}
	return sum
}

// Trace returns tr(∇²ₓΦ(x,t)), the trace of the spatial d×d block of the
// Hessian of the potential.
func (k *Kernel) Trace(x []float64, t float64) (float64, error) {
	tr, err := k.Forward(x, t)
	if err != nil {
		return 0, err
	}
	return k.TraceFromTrace(tr)
}

// TraceFromTrace computes the Hessian trace from a trace returned by Forward
func (k *Kernel) TraceFromTrace(tr *ActivationTrace) (float64, error) {
	if err := k.checkTrace(tr); err != nil {
		return 0, err
	}
	t0, t1, tA := k.traceTerms(tr, k.hiddenSensitivity(tr))
	sum := t0 + t1 + tA
	return sum, checkScalar("trace", sum)
}
