package nn

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

var (
	// ErrShape is matched by every *ShapeError via errors.Is
	ErrShape = errors.New("shape mismatch")
	// ErrNumeric is matched by every *NumericError via errors.Is
	ErrNumeric = errors.New("non-finite value")
	// ErrParamGradientUnimplemented is returned by ParamGradient
	ErrParamGradientUnimplemented = errors.New("gradient with respect to parameters is not implemented")
)

// ShapeError reports a dimension mismatch between inputs or parameters and
// the kernel's declared Dims. It is a programming error; retrying is useless.
type ShapeError struct {
	Field string
	Want  string
	Got   string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("shape mismatch for %s: expected %s, got %s", e.Field, e.Want, e.Got)
}

func (e *ShapeError) Is(target error) bool { return target == ErrShape }

// NumericError reports a NaN or infinite value. Index is -1 for scalars.
type NumericError struct {
	Op    string
	Index int
	Value float64
}

func (e *NumericError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: non-finite result %v", e.Op, e.Value)
	}
	return fmt.Sprintf("%s: non-finite value %v at index %d", e.Op, e.Value, e.Index)
}

func (e *NumericError) Is(target error) bool { return target == ErrNumeric }

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func checkScalar(op string, v float64) error {
	if !isFinite(v) {
		return &NumericError{Op: op, Index: -1, Value: v}
	}
	return nil
}

func checkSlice(op string, v []float64) error {
	for i, x := range v {
		if !isFinite(x) {
			return &NumericError{Op: op, Index: i, Value: x}
		}
	}
	return nil
}

func itoa(n int) string { return strconv.Itoa(n) }

func shapeString(r, c int) string {
	return fmt.Sprintf("%dx%d", r, c)
}
