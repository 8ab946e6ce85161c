// Package nn evaluates the OT-Flow potential
//
//	Φ(x,t) = wᵗ·N(s) + ½·sᵗ(AᵗA)s + bᵗs + c,  s = [x; t]
//
// where N is a two layer residual block with the log-cosh style activation
// σ(z) = log(e^z + e^-z):
//   - u0 = σ(K0·s + b0)
//   - N(s) = u0 + σ(K1·u0 + b1)
//
// The gradient ∇ₓΦ and the Hessian trace tr(∇²ₓΦ) are derived in closed
// form from the forward intermediates; no automatic differentiation is used.
// Together they define the velocity field -∇ₓΦ and the log-density
// divergence term -tr(∇²ₓΦ) of a continuous normalizing flow.
//
// Example usage:
//
//	dims, _ := nn.NewDims(2, 16)
//	params, _ := nn.InitParams(dims, 42)
//	kernel, err := nn.NewKernel(dims, params)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// Velocity and divergence at one point
//	state, _ := kernel.Evaluate([]float64{0.5, -0.3}, 0.7)
//
//	// Many points across goroutines
//	states, _ := kernel.EvaluateBatch(ctx, xs, ts, 0)
//
//	// Many points on the GPU (float32)
//	g, _ := kernel.NewGPUEvaluator(1024)
//	defer g.Release()
//	statesGPU, _ := g.EvaluateBatch(xs, ts)
package nn
