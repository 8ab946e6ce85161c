package nn

import (
	"fmt"
)

// Evaluate returns the flow state at (x, t):
//
//	velocity   = -∇ₓΦ(x,t)
//	divergence = -tr(∇²ₓΦ(x,t))
//
// One forward pass feeds both the gradient and the trace. It holds no state
// and may be called with any t, in any order, from any goroutine.
func (k *Kernel) Evaluate(x []float64, t float64) (FlowState, error) {
	state, _, err := k.evaluate(x, t, false)
	return state, err
}

// EvaluateWithPotential is Evaluate plus Φ(x,t) from the same forward pass.
// `otflow eval`, the HTTP server and the C ABI report it alongside the flow.
func (k *Kernel) EvaluateWithPotential(x []float64, t float64) (FlowState, float64, error) {
	return k.evaluate(x, t, true)
}

func (k *Kernel) evaluate(x []float64, t float64, withPotential bool) (FlowState, float64, error) {
	tr, err := k.Forward(x, t)
	if err != nil {
		return FlowState{}, 0, fmt.Errorf("evaluate at t=%v: %w", t, err)
	}

	z1 := k.hiddenSensitivity(tr)
	grad := k.fullGradient(tr, z1)[:k.dims.D]
	t0, t1, tA := k.traceTerms(tr, z1)

	state := FlowState{Velocity: Negate(grad), Divergence: -(t0 + t1 + tA)}

	if err := checkSlice("velocity", state.Velocity); err != nil {
		return FlowState{}, 0, fmt.Errorf("evaluate at t=%v: %w", t, err)
	}
	if err := checkScalar("divergence", state.Divergence); err != nil {
		return FlowState{}, 0, fmt.Errorf("evaluate at t=%v: %w", t, err)
	}

	var phi float64
	if withPotential {
		phi = k.potential(tr)
		if err := checkScalar("potential", phi); err != nil {
			return FlowState{}, 0, fmt.Errorf("evaluate at t=%v: %w", t, err)
		}
	}
	return state, phi, nil
}
