package nn

import (
	"gonum.org/v1/gonum/mat"
)

// MaxDefaultRank caps the rank picked by DefaultRank
const MaxDefaultRank = 10

// Dims holds the fixed architecture of a potential kernel
type Dims struct {
	D int // Spatial input dimension
	M int // Hidden width of the residual block
	R int // Rank of the low-rank quadratic factor A
}

// DefaultRank returns min(10, d)
func DefaultRank(d int) int {
	if d < MaxDefaultRank {
		return d
	}
	return MaxDefaultRank
}

// NewDims builds Dims with the default rank and validates them
func NewDims(d, m int) (Dims, error) {
	dims := Dims{D: d, M: m, R: DefaultRank(d)}
	return dims, dims.Validate()
}

// Validate rejects non-positive dimensions
func (d Dims) Validate() error {
	switch {
	case d.D < 1:
		return &ShapeError{Field: "d", Want: ">= 1", Got: itoa(d.D)}
	case d.M < 1:
		return &ShapeError{Field: "m", Want: ">= 1", Got: itoa(d.M)}
	case d.R < 1:
		return &ShapeError{Field: "r", Want: ">= 1", Got: itoa(d.R)}
	}
	return nil
}

// Augmented returns d+1, the length of the space-time vector s = [x; t]
func (d Dims) Augmented() int { return d.D + 1 }

// Params is the trained coefficient bundle of the potential
//
//	Φ(x,t) = wᵗ·N(s) + ½·sᵗ(AᵗA)s + bᵗs + c,  s = [x; t]
//
// A Params value must not be mutated while a Kernel built from it is in use.
// Use Clone and ParamStore.Swap to publish new coefficients.
type Params struct {
	W  *mat.VecDense // [m] readout of hidden features
	A  *mat.Dense    // [r x (d+1)] low-rank factor of the quadratic term
	B  *mat.VecDense // [d+1] linear term
	C  float64       // scalar offset
	K0 *mat.Dense    // [m x (d+1)] first layer, space-time to hidden
	K1 *mat.Dense    // [m x m] second layer, hidden to hidden (residual)
	B0 *mat.VecDense // [m] first layer bias
	B1 *mat.VecDense // [m] second layer bias
}

// ZeroParams allocates an all-zero bundle shaped for dims
func ZeroParams(dims Dims) *Params {
	n := dims.Augmented()
	return &Params{
		W:  mat.NewVecDense(dims.M, nil),
		A:  mat.NewDense(dims.R, n, nil),
		B:  mat.NewVecDense(n, nil),
		K0: mat.NewDense(dims.M, n, nil),
		K1: mat.NewDense(dims.M, dims.M, nil),
		B0: mat.NewVecDense(dims.M, nil),
		B1: mat.NewVecDense(dims.M, nil),
	}
}

// Clone returns a deep copy, used for copy-on-write parameter updates
func (p *Params) Clone() *Params {
	if p == nil {
		return nil
	}
	out := &Params{C: p.C}
	if p.W != nil {
		out.W = mat.VecDenseCopyOf(p.W)
	}
	if p.A != nil {
		out.A = mat.DenseCopyOf(p.A)
	}
	if p.B != nil {
		out.B = mat.VecDenseCopyOf(p.B)
	}
	if p.K0 != nil {
		out.K0 = mat.DenseCopyOf(p.K0)
	}
	if p.K1 != nil {
		out.K1 = mat.DenseCopyOf(p.K1)
	}
	if p.B0 != nil {
		out.B0 = mat.VecDenseCopyOf(p.B0)
	}
	if p.B1 != nil {
		out.B1 = mat.VecDenseCopyOf(p.B1)
	}
	return out
}

// ActivationTrace holds the intermediates of one forward pass.
// Pre0/Pre1 are pre-activations, U0/U1 post-activations.
// All vectors are freshly allocated per call and never written after return.
type ActivationTrace struct {
	S    *mat.VecDense // [d+1] augmented input [x; t]
	Pre0 *mat.VecDense // [m] K0·s + b0
	U0   *mat.VecDense // [m] σ(pre0)
	Pre1 *mat.VecDense // [m] K1·u0 + b1
	U1   *mat.VecDense // [m] u0 + σ(pre1)
}

// FlowState is the velocity field and divergence contribution at (x, t)
type FlowState struct {
	Velocity   []float64 // -∇ₓΦ
	Divergence float64   // -tr(∇²ₓΦ)
}
