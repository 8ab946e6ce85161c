package nn

import (
	"fmt"

	"github.com/openfluke/otflow/gpu"
)

// GPUSpec converts the kernel's bundle into the flat float32 layout used by
// the WebGPU evaluator
func (k *Kernel) GPUSpec() gpu.PotentialSpec {
	p := k.params
	return gpu.PotentialSpec{
		D:  k.dims.D,
		M:  k.dims.M,
		R:  k.dims.R,
		W:  toFloat32(vecToSlice(p.W)),
		A:  toFloat32(denseToSlice(p.A)),
		B:  toFloat32(vecToSlice(p.B)),
		C:  float32(p.C),
		K0: toFloat32(denseToSlice(p.K0)),
		K1: toFloat32(denseToSlice(p.K1)),
		B0: toFloat32(vecToSlice(p.B0)),
		B1: toFloat32(vecToSlice(p.B1)),
	}
}

// GPUEvaluator evaluates batches of flow states on the GPU in float32.
// It is not safe for concurrent use; results differ from Evaluate by
// single precision rounding.
type GPUEvaluator struct {
	kernel *Kernel
	eval   *gpu.PotentialEvaluator
}

// NewGPUEvaluator compiles the potential shader for chunks of batchSize points
func (k *Kernel) NewGPUEvaluator(batchSize int) (*GPUEvaluator, error) {
	if err := gpu.EnsureGPU(); err != nil {
		return nil, fmt.Errorf("no usable gpu: %w", err)
	}
	eval, err := gpu.NewPotentialEvaluator(k.GPUSpec(), batchSize)
	if err != nil {
		return nil, err
	}
	if err := eval.Build(); err != nil {
		return nil, fmt.Errorf("build gpu evaluator: %w", err)
	}
	return &GPUEvaluator{kernel: k, eval: eval}, nil
}

// SetKernel uploads a new bundle with the same Dims
func (g *GPUEvaluator) SetKernel(k *Kernel) error {
	if k.dims != g.kernel.dims {
		return &ShapeError{Field: "dims", Want: fmt.Sprintf("%+v", g.kernel.dims), Got: fmt.Sprintf("%+v", k.dims)}
	}
	if err := g.eval.UploadParams(k.GPUSpec()); err != nil {
		return err
	}
	g.kernel = k
	return nil
}

// EvaluateBatch evaluates every (xs[i], ts[i]), padding the last chunk
func (g *GPUEvaluator) EvaluateBatch(xs [][]float64, ts []float64) ([]FlowState, error) {
	if len(xs) != len(ts) {
		return nil, &ShapeError{Field: "batch", Want: fmt.Sprintf("%d times", len(xs)), Got: fmt.Sprintf("%d times", len(ts))}
	}
	d := g.kernel.dims.D
	row := d + 1
	chunk := g.eval.BatchSize
	out := make([]FlowState, 0, len(xs))
	points := make([]float32, chunk*row)

	for start := 0; start < len(xs); start += chunk {
		end := min(start+chunk, len(xs))
		clear(points)
		for i := start; i < end; i++ {
			if _, err := g.kernel.augment(xs[i], ts[i]); err != nil {
				return nil, fmt.Errorf("point %d: %w", i, err)
			}
			off := (i - start) * row
			for j, v := range xs[i] {
				points[off+j] = float32(v)
			}
			points[off+d] = float32(ts[i])
		}

		res, err := g.eval.Evaluate(points)
		if err != nil {
			return nil, err
		}
		for i := start; i < end; i++ {
			off := (i - start) * row
			v := make([]float64, d)
			for j := range v {
				v[j] = float64(res[off+j])
			}
			state := FlowState{Velocity: v, Divergence: float64(res[off+d])}
			if err := checkSlice("gpu velocity", v); err != nil {
				return nil, fmt.Errorf("point %d: %w", i, err)
			}
			if err := checkScalar("gpu divergence", state.Divergence); err != nil {
				return nil, fmt.Errorf("point %d: %w", i, err)
			}
			out = append(out, state)
		}
	}
	return out, nil
}

// Release frees the GPU buffers and pipeline
func (g *GPUEvaluator) Release() {
	g.eval.Cleanup()
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
