package nn

import (
	"fmt"
	"math"
)

// Default finite-difference steps for CheckGradient and CheckTrace
const (
	DefaultGradientStep = 1e-5
	DefaultTraceStep    = 1e-4
)

// CheckReport compares an analytic quantity against central differences
type CheckReport struct {
	Analytic  []float64
	Numeric   []float64
	MaxAbsErr float64
	MaxRelErr float64
}

// Passed reports whether every entry is within tol, either absolutely or
// relative to the larger magnitude of the two estimates
func (r CheckReport) Passed(tol float64) bool {
	return r.MaxAbsErr <= tol || r.MaxRelErr <= tol
}

func (r CheckReport) String() string {
	return fmt.Sprintf("max abs err %.3e, max rel err %.3e over %d entries", r.MaxAbsErr, r.MaxRelErr, len(r.Analytic))
}

// CheckGradient compares Gradient with central differences of Potential
// along each spatial axis. step <= 0 selects DefaultGradientStep.
func (k *Kernel) CheckGradient(x []float64, t, step float64) (CheckReport, error) {
	if step <= 0 {
		step = DefaultGradientStep
	}
	analytic, err := k.Gradient(x, t)
	if err != nil {
		return CheckReport{}, err
	}

	numeric := make([]float64, len(x))
	xp := make([]float64, len(x))
	for j := range x {
		copy(xp, x)
		xp[j] = x[j] + step
		fp, err := k.Potential(xp, t)
		if err != nil {
			return CheckReport{}, err
		}
		xp[j] = x[j] - step
		fm, err := k.Potential(xp, t)
		if err != nil {
			return CheckReport{}, err
		}
		numeric[j] = (fp - fm) / (2 * step)
	}
	return compare(analytic, numeric), nil
}

// CheckTrace compares Trace with the sum of central second differences of
// Potential along each spatial axis. step <= 0 selects DefaultTraceStep.
func (k *Kernel) CheckTrace(x []float64, t, step float64) (CheckReport, error) {
	if step <= 0 {
		step = DefaultTraceStep
	}
	analytic, err := k.Trace(x, t)
	if err != nil {
		return CheckReport{}, err
	}
	f0, err := k.Potential(x, t)
	if err != nil {
		return CheckReport{}, err
	}

	var numeric float64
	xp := make([]float64, len(x))
	for j := range x {
		copy(xp, x)
		xp[j] = x[j] + step
		fp, err := k.Potential(xp, t)
		if err != nil {
			return CheckReport{}, err
		}
		xp[j] = x[j] - step
		fm, err := k.Potential(xp, t)
		if err != nil {
			return CheckReport{}, err
		}
		numeric += (fp - 2*f0 + fm) / (step * step)
	}
	return compare([]float64{analytic}, []float64{numeric}), nil
}

func compare(analytic, numeric []float64) CheckReport {
	r := CheckReport{Analytic: analytic, Numeric: numeric}
	for i := range analytic {
		diff := math.Abs(analytic[i] - numeric[i])
		scale := math.Max(math.Abs(analytic[i]), math.Abs(numeric[i]))
		rel := 0.0
		if scale > 0 {
			rel = diff / scale
		}
		r.MaxAbsErr = math.Max(r.MaxAbsErr, diff)
		r.MaxRelErr = math.Max(r.MaxRelErr, rel)
	}
	return r
}
