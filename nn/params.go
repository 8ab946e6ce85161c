package nn

import (
	"fmt"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"
)

// Validate checks every field of p against dims. Shapes must match exactly;
// nothing is broadcast or truncated. Non-finite coefficients are rejected.
func (p *Params) Validate(dims Dims) error {
	if err := dims.Validate(); err != nil {
		return err
	}
	if p == nil {
		return &ShapeError{Field: "params", Want: "bundle", Got: "nil"}
	}
	n := dims.Augmented()

	vecs := []struct {
		name string
		v    *mat.VecDense
		n    int
	}{
		{"w", p.W, dims.M},
		{"b", p.B, n},
		{"b0", p.B0, dims.M},
		{"b1", p.B1, dims.M},
	}
	for _, f := range vecs {
		if err := checkVec(f.name, f.v, f.n); err != nil {
			return err
		}
	}

	mats := []struct {
		name string
		m    *mat.Dense
		r, c int
	}{
		{"A", p.A, dims.R, n},
		{"K0", p.K0, dims.M, n},
		{"K1", p.K1, dims.M, dims.M},
	}
	for _, f := range mats {
		if err := checkMat(f.name, f.m, f.r, f.c); err != nil {
			return err
		}
	}

	return checkScalar("param c", p.C)
}

func checkVec(name string, v *mat.VecDense, n int) error {
	if v == nil {
		return &ShapeError{Field: name, Want: fmt.Sprintf("[%d]", n), Got: "nil"}
	}
	if v.Len() != n {
		return &ShapeError{Field: name, Want: fmt.Sprintf("[%d]", n), Got: fmt.Sprintf("[%d]", v.Len())}
	}
	for i := 0; i < n; i++ {
		if x := v.AtVec(i); !isFinite(x) {
			return &NumericError{Op: "param " + name, Index: i, Value: x}
		}
	}
	return nil
}

func checkMat(name string, m *mat.Dense, r, c int) error {
	if m == nil {
		return &ShapeError{Field: name, Want: shapeString(r, c), Got: "nil"}
	}
	mr, mc := m.Dims()
	if mr != r || mc != c {
		return &ShapeError{Field: name, Want: shapeString(r, c), Got: shapeString(mr, mc)}
	}
	raw := m.RawMatrix()
	for i := 0; i < r; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+c]
		for j, x := range row {
			if !isFinite(x) {
				return &NumericError{Op: "param " + name, Index: i*c + j, Value: x}
			}
		}
	}
	return nil
}

// Kernel evaluates the OT-Flow potential, its spatial gradient and the trace
// of its spatial Hessian for one immutable parameter bundle.
// All methods are safe for concurrent use.
type Kernel struct {
	dims   Dims
	params *Params
}

// NewKernel validates dims and params and binds them together
func NewKernel(dims Dims, params *Params) (*Kernel, error) {
	if err := params.Validate(dims); err != nil {
		return nil, fmt.Errorf("new kernel: %w", err)
	}
	return &Kernel{dims: dims, params: params}, nil
}

// Dims returns the architecture of the kernel
func (k *Kernel) Dims() Dims { return k.dims }

// Params returns the bound bundle. Callers must treat it as read-only.
func (k *Kernel) Params() *Params { return k.params }

// WithParams returns a new kernel with the same Dims and a different bundle
func (k *Kernel) WithParams(params *Params) (*Kernel, error) {
	return NewKernel(k.dims, params)
}

// ParamStore publishes parameter bundles to concurrent evaluators.
// Each Swap installs a new immutable Kernel and bumps the generation;
// in-flight evaluations keep using the Kernel they loaded.
type ParamStore struct {
	dims    Dims
	current atomic.Pointer[storeEntry]
}

type storeEntry struct {
	kernel     *Kernel
	generation uint64
}

// NewParamStore validates the initial bundle and returns a store at generation 1
func NewParamStore(dims Dims, params *Params) (*ParamStore, error) {
	k, err := NewKernel(dims, params)
	if err != nil {
		return nil, err
	}
	s := &ParamStore{dims: dims}
	s.current.Store(&storeEntry{kernel: k, generation: 1})
	return s, nil
}

// Kernel returns the current kernel and its generation
func (s *ParamStore) Kernel() (*Kernel, uint64) {
	e := s.current.Load()
	return e.kernel, e.generation
}

// Swap validates params and publishes them as the next generation.
// The caller must not mutate params afterwards; pass a Clone if needed.
func (s *ParamStore) Swap(params *Params) (uint64, error) {
	k, err := NewKernel(s.dims, params)
	if err != nil {
		return 0, err
	}
	for {
		old := s.current.Load()
		next := &storeEntry{kernel: k, generation: old.generation + 1}
		if s.current.CompareAndSwap(old, next) {
			return next.generation, nil
		}
	}
}
