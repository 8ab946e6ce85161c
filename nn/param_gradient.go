package nn

// ParamGradient would return ∂L/∂params for a training loss built from
// Potential, Gradient and Trace. It is not implemented: training must
// differentiate the kernel externally.
func (k *Kernel) ParamGradient(x []float64, t float64) (*Params, error) {
	return nil, ErrParamGradientUnimplemented
}
