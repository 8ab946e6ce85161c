package nn

import (
	"gonum.org/v1/gonum/mat"
)

// hiddenSensitivity returns z1 = w + K1ᵗ(σ'(pre1) ⊙ w), the gradient of Φ
// with respect to u0. Both the gradient and the trace need it.
func (k *Kernel) hiddenSensitivity(tr *ActivationTrace) *mat.VecDense {
	p := k.params
	m := k.dims.M

	g1 := mat.NewVecDense(m, applyActivation(tr.Pre1.RawVector().Data, activateDerivative))
	g1.MulElemVec(g1, p.W)

	z1 := mat.NewVecDense(m, nil)
	z1.MulVec(p.K1.T(), g1)
	z1.AddVec(z1, p.W)
	return z1
}

// fullGradient returns ∇ₛΦ over all d+1 coordinates:
//
//	z0 = K0ᵗ(σ'(pre0) ⊙ z1)
//	∇ₛΦ = z0 + Aᵗ(A·s) + b
func (k *Kernel) fullGradient(tr *ActivationTrace, z1 *mat.VecDense) []float64 {
	p := k.params
	n := k.dims.Augmented()

	g0 := mat.NewVecDense(k.dims.M, applyActivation(tr.Pre0.RawVector().Data, activateDerivative))
	g0.MulElemVec(g0, z1)

	grad := mat.NewVecDense(n, nil)
	grad.MulVec(p.K0.T(), g0)

	as := mat.NewVecDense(k.dims.R, nil)
	as.MulVec(p.A, tr.S)
	quad := mat.NewVecDense(n, nil)
	quad.MulVec(p.A.T(), as)

	grad.AddVec(grad, quad)
	grad.AddVec(grad, p.B)
	return grad.RawVector().Data
}

// Gradient returns ∇ₓΦ(x,t), the first d entries of ∇ₛΦ.
// The time derivative is computed and dropped.
func (k *Kernel) Gradient(x []float64, t float64) ([]float64, error) {
	tr, err := k.Forward(x, t)
	if err != nil {
		return nil, err
	}
	return k.GradientFromTrace(tr)
}

// FullGradient returns ∇ₛΦ including ∂Φ/∂t as the last entry
func (k *Kernel) FullGradient(x []float64, t float64) ([]float64, error) {
	tr, err := k.Forward(x, t)
	if err != nil {
		return nil, err
	}
	grad := k.fullGradient(tr, k.hiddenSensitivity(tr))
	if err := checkSlice("gradient", grad); err != nil {
		return nil, err
	}
	return grad, nil
}

// GradientFromTrace computes ∇ₓΦ from a trace returned by Forward
func (k *Kernel) GradientFromTrace(tr *ActivationTrace) ([]float64, error) {
	if err := k.checkTrace(tr); err != nil {
		return nil, err
	}
	grad := k.fullGradient(tr, k.hiddenSensitivity(tr))[:k.dims.D]
	if err := checkSlice("gradient", grad); err != nil {
		return nil, err
	}
	return grad, nil
}
