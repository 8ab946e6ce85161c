package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
)

// PotentialSpec is the flattened parameter bundle of the OT-Flow potential.
// Matrices are row-major: A [R x (D+1)], K0 [M x (D+1)], K1 [M x M].
type PotentialSpec struct {
	D, M, R int
	W       []float32
	A       []float32
	B       []float32
	C       float32
	K0      []float32
	K1      []float32
	B0      []float32
	B1      []float32
}

// Validate checks every slice length against D, M and R
func (s PotentialSpec) Validate() error {
	if s.D < 1 || s.M < 1 || s.R < 1 {
		return fmt.Errorf("invalid dims d=%d m=%d r=%d", s.D, s.M, s.R)
	}
	n := s.D + 1
	for _, f := range []struct {
		name string
		got  int
		want int
	}{
		{"w", len(s.W), s.M},
		{"A", len(s.A), s.R * n},
		{"b", len(s.B), n},
		{"K0", len(s.K0), s.M * n},
		{"K1", len(s.K1), s.M * s.M},
		{"b0", len(s.B0), s.M},
		{"b1", len(s.B1), s.M},
	} {
		if f.got != f.want {
			return fmt.Errorf("%s: expected %d values, got %d", f.name, f.want, f.got)
		}
	}
	return nil
}

// paramLayout gives the offset of each tensor inside the packed buffer
type paramLayout struct {
	W, A, B, K0, K1, B0, B1, C, Total int
}

func (s PotentialSpec) layout() paramLayout {
	n := s.D + 1
	var l paramLayout
	l.W = 0
	l.A = l.W + s.M
	l.B = l.A + s.R*n
	l.K0 = l.B + n
	l.K1 = l.K0 + s.M*n
	l.B0 = l.K1 + s.M*s.M
	l.B1 = l.B0 + s.M
	l.C = l.B1 + s.M
	l.Total = l.C + 1
	return l
}

// Pack concatenates every tensor into one float32 slice in layout order
func (s PotentialSpec) Pack() []float32 {
	l := s.layout()
	out := make([]float32, l.Total)
	copy(out[l.W:], s.W)
	copy(out[l.A:], s.A)
	copy(out[l.B:], s.B)
	copy(out[l.K0:], s.K0)
	copy(out[l.K1:], s.K1)
	copy(out[l.B0:], s.B0)
	copy(out[l.B1:], s.B1)
	out[l.C] = s.C
	return out
}

// PotentialEvaluator computes velocity and divergence for a fixed-size
// batch of (x, t) points in one compute dispatch.
// Input row i is [x_0..x_{D-1}, t]; output row i is [v_0..v_{D-1}, div].
type PotentialEvaluator struct {
	Spec      PotentialSpec
	BatchSize int

	pipeline        *wgpu.ComputePipeline
	bindGroupLayout *wgpu.BindGroupLayout
	bindGroup       *wgpu.BindGroup

	InputBuffer   *wgpu.Buffer
	OutputBuffer  *wgpu.Buffer
	StagingBuffer *wgpu.Buffer
	ParamBuffer   *wgpu.Buffer

	WorkgroupsX uint32
}

// NewPotentialEvaluator returns an unbuilt evaluator; call Build before use
func NewPotentialEvaluator(spec PotentialSpec, batchSize int) (*PotentialEvaluator, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be >= 1, got %d", batchSize)
	}
	return &PotentialEvaluator{Spec: spec, BatchSize: batchSize}, nil
}

// RowSize is the number of floats per input and per output row
func (e *PotentialEvaluator) RowSize() int { return e.Spec.D + 1 }

// GenerateShader emits WGSL for the evaluator's dims. One invocation handles
// one sample: forward pass, gradient and Hessian trace in closed form.
func (e *PotentialEvaluator) GenerateShader() string {
	s := e.Spec
	l := s.layout()
	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read> points : array<f32>;
		@group(0) @binding(1) var<storage, read_write> output : array<f32>;
		@group(0) @binding(2) var<storage, read> params : array<f32>;

		const D : u32 = %du;
		const M : u32 = %du;
		const R : u32 = %du;
		const N : u32 = %du;
		const BATCH : u32 = %du;

		const OFF_W : u32 = %du;
		const OFF_A : u32 = %du;
		const OFF_B : u32 = %du;
		const OFF_K0 : u32 = %du;
		const OFF_K1 : u32 = %du;
		const OFF_B0 : u32 = %du;
		const OFF_B1 : u32 = %du;

		fn sigma(z: f32) -> f32 {
			let a = abs(z);
			return a + log(1.0 + exp(-2.0 * a));
		}

		fn sigma2(z: f32) -> f32 {
			let t = tanh(z);
			return 1.0 - t * t;
		}

		@compute @workgroup_size(64)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let sample = gid.x;
			if (sample >= BATCH) {
				return;
			}
			let in_off = sample * N;

			var pre0 : array<f32, %d>;
			var u0 : array<f32, %d>;
			var pre1 : array<f32, %d>;
			var z1 : array<f32, %d>;
			var a_s : array<f32, %d>;

			for (var i: u32 = 0u; i < M; i++) {
				var acc = params[OFF_B0 + i];
				for (var j: u32 = 0u; j < N; j++) {
					acc += params[OFF_K0 + i * N + j] * points[in_off + j];
				}
				pre0[i] = acc;
				u0[i] = sigma(acc);
			}

			for (var i: u32 = 0u; i < M; i++) {
				var acc = params[OFF_B1 + i];
				for (var k: u32 = 0u; k < M; k++) {
					acc += params[OFF_K1 + i * M + k] * u0[k];
				}
				pre1[i] = acc;
			}

			// z1 = w + K1^T (tanh(pre1) * w)
			for (var k: u32 = 0u; k < M; k++) {
				var acc = params[OFF_W + k];
				for (var i: u32 = 0u; i < M; i++) {
					acc += params[OFF_K1 + i * M + k] * tanh(pre1[i]) * params[OFF_W + i];
				}
				z1[k] = acc;
			}

			for (var r: u32 = 0u; r < R; r++) {
				var acc = 0.0;
				for (var j: u32 = 0u; j < N; j++) {
					acc += params[OFF_A + r * N + j] * points[in_off + j];
				}
				a_s[r] = acc;
			}

			// velocity = -(K0^T (tanh(pre0) * z1) + A^T (A s) + b), spatial rows only
			for (var j: u32 = 0u; j < D; j++) {
				var acc = params[OFF_B + j];
				for (var i: u32 = 0u; i < M; i++) {
					acc += params[OFF_K0 + i * N + j] * tanh(pre0[i]) * z1[i];
				}
				for (var r: u32 = 0u; r < R; r++) {
					acc += params[OFF_A + r * N + j] * a_s[r];
				}
				output[in_off + j] = -acc;
			}

			var tr = 0.0;
			for (var i: u32 = 0u; i < M; i++) {
				var sq = 0.0;
				for (var j: u32 = 0u; j < D; j++) {
					let k0 = params[OFF_K0 + i * N + j];
					sq += k0 * k0;
				}
				tr += sigma2(pre0[i]) * z1[i] * sq;
			}
			for (var i: u32 = 0u; i < M; i++) {
				var sq = 0.0;
				for (var j: u32 = 0u; j < D; j++) {
					var kj = 0.0;
					for (var k: u32 = 0u; k < M; k++) {
						kj += params[OFF_K1 + i * M + k] * tanh(pre0[k]) * params[OFF_K0 + k * N + j];
					}
					sq += kj * kj;
				}
				tr += sigma2(pre1[i]) * params[OFF_W + i] * sq;
			}
			for (var r: u32 = 0u; r < R; r++) {
				for (var j: u32 = 0u; j < D; j++) {
					let a = params[OFF_A + r * N + j];
					tr += a * a;
				}
			}
			output[in_off + D] = -tr;
		}
	`, s.D, s.M, s.R, s.D+1, e.BatchSize,
		l.W, l.A, l.B, l.K0, l.K1, l.B0, l.B1,
		s.M, s.M, s.M, s.M, s.R)
}

// AllocateBuffers creates the point, output, staging and parameter buffers
func (e *PotentialEvaluator) AllocateBuffers(ctx *Context, labelPrefix string) error {
	if Debug {
		Log("allocating buffers for %s (batch %d)", labelPrefix, e.BatchSize)
	}
	size := uint64(e.BatchSize * e.RowSize() * 4)
	var err error

	e.InputBuffer, err = ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: labelPrefix + "_Points",
		Size:  size,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return err
	}

	e.OutputBuffer, err = ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: labelPrefix + "_Out",
		Size:  size,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return err
	}

	e.StagingBuffer, err = ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: labelPrefix + "_Staging",
		Size:  size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return err
	}

	e.ParamBuffer, err = NewFloatBuffer(e.Spec.Pack(), wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	if err != nil {
		return fmt.Errorf("param buf: %v", err)
	}
	return nil
}

// Compile builds the shader module and the compute pipeline
func (e *PotentialEvaluator) Compile(ctx *Context, labelPrefix string) error {
	if Debug {
		Log("compiling potential shader %s", labelPrefix)
	}
	module, err := ctx.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          labelPrefix + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: e.GenerateShader()},
	})
	if err != nil {
		return fmt.Errorf("shader compile: %v", err)
	}
	defer module.Release()

	// Explicit layout; "auto" layouts break under WASM
	e.bindGroupLayout, err = ctx.Device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: labelPrefix + "_BGL",
		Entries: []wgpu.BindGroupLayoutEntry{
			{Binding: 0, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
			{Binding: 1, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage}},
			{Binding: 2, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
		},
	})
	if err != nil {
		return fmt.Errorf("create bgl: %v", err)
	}

	pipelineLayout, err := ctx.Device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            labelPrefix + "_Layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{e.bindGroupLayout},
	})
	if err != nil {
		return fmt.Errorf("create pipeline layout: %v", err)
	}

	e.pipeline, err = ctx.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  labelPrefix + "_Pipe",
		Layout: pipelineLayout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return fmt.Errorf("pipeline create: %v", err)
	}

	e.WorkgroupsX = (uint32(e.BatchSize) + 63) / 64
	return nil
}

// CreateBindGroup binds the allocated buffers to the pipeline layout
func (e *PotentialEvaluator) CreateBindGroup(ctx *Context, labelPrefix string) error {
	var err error
	e.bindGroup, err = ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  labelPrefix + "_Bind",
		Layout: e.bindGroupLayout,
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: e.InputBuffer, Size: e.InputBuffer.GetSize()},
			{Binding: 1, Buffer: e.OutputBuffer, Size: e.OutputBuffer.GetSize()},
			{Binding: 2, Buffer: e.ParamBuffer, Size: e.ParamBuffer.GetSize()},
		},
	})
	return err
}

// Build initializes every GPU resource of the evaluator
func (e *PotentialEvaluator) Build() error {
	c, err := GetContext()
	if err != nil {
		return err
	}
	const label = "Potential"
	if err := e.AllocateBuffers(c, label); err != nil {
		e.Cleanup()
		return err
	}
	if err := e.Compile(c, label); err != nil {
		e.Cleanup()
		return err
	}
	if err := e.CreateBindGroup(c, label); err != nil {
		e.Cleanup()
		return err
	}
	return nil
}

// UploadParams replaces the parameter buffer contents; dims must not change
func (e *PotentialEvaluator) UploadParams(spec PotentialSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if spec.D != e.Spec.D || spec.M != e.Spec.M || spec.R != e.Spec.R {
		return fmt.Errorf("dims changed from d=%d m=%d r=%d to d=%d m=%d r=%d",
			e.Spec.D, e.Spec.M, e.Spec.R, spec.D, spec.M, spec.R)
	}
	c, err := GetContext()
	if err != nil {
		return err
	}
	c.submit.Lock()
	defer c.submit.Unlock()
	c.Queue.WriteBuffer(e.ParamBuffer, 0, wgpu.ToBytes(spec.Pack()))
	e.Spec = spec
	return nil
}

// Evaluate runs one batch. points holds BatchSize rows of D+1 floats.
func (e *PotentialEvaluator) Evaluate(points []float32) ([]float32, error) {
	if e.pipeline == nil {
		return nil, fmt.Errorf("evaluator not built")
	}
	want := e.BatchSize * e.RowSize()
	if len(points) != want {
		return nil, fmt.Errorf("input size mismatch: got %d, expected %d (%d x %d)", len(points), want, e.BatchSize, e.RowSize())
	}

	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	c.submit.Lock()
	defer c.submit.Unlock()

	c.Queue.WriteBuffer(e.InputBuffer, 0, wgpu.ToBytes(points))

	enc, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	if Debug {
		Log("dispatching potential shader w/ %d workgroups", e.WorkgroupsX)
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(e.pipeline)
	pass.SetBindGroup(0, e.bindGroup, nil)
	pass.DispatchWorkgroups(e.WorkgroupsX, 1, 1)
	pass.End()
	enc.CopyBufferToBuffer(e.OutputBuffer, 0, e.StagingBuffer, 0, e.OutputBuffer.GetSize())

	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, err
	}
	c.Queue.Submit(cmd)

	return readStagingBuffer(c, e.StagingBuffer, want)
}

// Cleanup releases every GPU resource held by the evaluator
func (e *PotentialEvaluator) Cleanup() {
	for _, b := range []*wgpu.Buffer{e.InputBuffer, e.OutputBuffer, e.StagingBuffer, e.ParamBuffer} {
		if b != nil {
			b.Destroy()
		}
	}
	e.InputBuffer, e.OutputBuffer, e.StagingBuffer, e.ParamBuffer = nil, nil, nil, nil
	if e.bindGroup != nil {
		e.bindGroup.Release()
		e.bindGroup = nil
	}
	if e.pipeline != nil {
		e.pipeline.Release()
		e.pipeline = nil
	}
}
