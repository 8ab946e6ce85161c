package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// augment builds s = [x; t] after checking len(x) and finiteness
func (k *Kernel) augment(x []float64, t float64) (*mat.VecDense, error) {
	if len(x) != k.dims.D {
		return nil, &ShapeError{Field: "x", Want: fmt.Sprintf("[%d]", k.dims.D), Got: fmt.Sprintf("[%d]", len(x))}
	}
	if err := checkSlice("input x", x); err != nil {
		return nil, err
	}
	if err := checkScalar("input t", t); err != nil {
		return nil, err
	}
	s := make([]float64, k.dims.D+1)
	copy(s, x)
	s[k.dims.D] = t
	return mat.NewVecDense(len(s), s), nil
}

// Forward runs the residual block at (x, t) and returns every intermediate:
//
//	pre0 = K0·s + b0,  u0 = σ(pre0)
//	pre1 = K1·u0 + b1, u1 = u0 + σ(pre1)
func (k *Kernel) Forward(x []float64, t float64) (*ActivationTrace, error) {
	s, err := k.augment(x, t)
	if err != nil {
		return nil, err
	}
	return k.forward(s), nil
}

func (k *Kernel) forward(s *mat.VecDense) *ActivationTrace {
	p := k.params
	m := k.dims.M

	pre0 := mat.NewVecDense(m, nil)
	pre0.MulVec(p.K0, s)
	pre0.AddVec(pre0, p.B0)
	u0 := mat.NewVecDense(m, applyActivation(pre0.RawVector().Data, activate))

	pre1 := mat.NewVecDense(m, nil)
	pre1.MulVec(p.K1, u0)
	pre1.AddVec(pre1, p.B1)
	u1 := mat.NewVecDense(m, applyActivation(pre1.RawVector().Data, activate))
	u1.AddVec(u1, u0)

	return &ActivationTrace{S: s, Pre0: pre0, U0: u0, Pre1: pre1, U1: u1}
}

// checkTrace rejects traces that were not produced for this kernel's Dims
func (k *Kernel) checkTrace(tr *ActivationTrace) error {
	if tr == nil || tr.S == nil || tr.Pre0 == nil || tr.U0 == nil || tr.Pre1 == nil || tr.U1 == nil {
		return &ShapeError{Field: "trace", Want: "complete activation trace", Got: "nil field"}
	}
	if tr.S.Len() != k.dims.Augmented() {
		return &ShapeError{Field: "trace.S", Want: fmt.Sprintf("[%d]", k.dims.Augmented()), Got: fmt.Sprintf("[%d]", tr.S.Len())}
	}
	for _, v := range []*mat.VecDense{tr.Pre0, tr.U0, tr.Pre1, tr.U1} {
		if v.Len() != k.dims.M {
			return &ShapeError{Field: "trace", Want: fmt.Sprintf("[%d] activations", k.dims.M), Got: fmt.Sprintf("[%d]", v.Len())}
		}
	}
	return nil
}

// ResNetForward returns u1, the output of the residual block
func (k *Kernel) ResNetForward(x []float64, t float64) ([]float64, error) {
	tr, err := k.Forward(x, t)
	if err != nil {
		return nil, err
	}
	out := make([]float64, k.dims.M)
	copy(out, tr.U1.RawVector().Data)
	if err := checkSlice("resnet forward", out); err != nil {
		return nil, err
	}
	return out, nil
}

// Potential returns Φ(x,t) = wᵗ·u1 + ½‖A·s‖² + bᵗs + c
func (k *Kernel) Potential(x []float64, t float64) (float64, error) {
	tr, err := k.Forward(x, t)
	if err != nil {
		return 0, err
	}
	phi := k.potential(tr)
	if err := checkScalar("potential", phi); err != nil {
		return 0, err
	}
	return phi, nil
}

// PotentialFromTrace evaluates Φ from a trace returned by Forward
func (k *Kernel) PotentialFromTrace(tr *ActivationTrace) (float64, error) {
	if err := k.checkTrace(tr); err != nil {
		return 0, err
	}
	phi := k.potential(tr)
	return phi, checkScalar("potential", phi)
}

func (k *Kernel) potential(tr *ActivationTrace) float64 {
	p := k.params
	// AᵗA is never formed; ½‖A·s‖² costs O(r·(d+1))
	as := mat.NewVecDense(k.dims.R, nil)
	as.MulVec(p.A, tr.S)
	return mat.Dot(p.W, tr.U1) + 0.5*mat.Dot(as, as) + mat.Dot(p.B, tr.S) + p.C
}
