// Package smooth holds the smoothing filters applied to optimizer state.
package smooth

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var ErrInvalidFilter = errors.New("invalid savitzky-golay filter")

// SavGolCoefficients returns the least-squares weights that smooth the
// center sample of a window of the given odd length with a polynomial of the
// given order. Weights are listed from the leftmost sample to the rightmost.
func SavGolCoefficients(window, order int) ([]float64, error) {
	if err := checkFilter(window, order); err != nil {
		return nil, err
	}
	half := window / 2
	design := vandermonde(window, order, -float64(half))

	identity := mat.NewDense(window, window, nil)
	for i := 0; i < window; i++ {
		identity.Set(i, i, 1)
	}
	var pinv mat.Dense
	if err := solveLeastSquares(&pinv, design, identity); err != nil {
		return nil, err
	}

	// Row 0 holds the constant term, which is the fitted value at the center.
	return mat.Row(nil, 0, &pinv), nil
}

// SavGolFilter smooths values with a Savitzky-Golay filter. Edge samples are
// taken from a polynomial of the same order fitted to the first and last
// window samples, as in scipy's "interp" mode. values is not modified.
func SavGolFilter(values []float64, window, order int) ([]float64, error) {
	if err := checkFilter(window, order); err != nil {
		return nil, err
	}
	n := len(values)
	if window > n {
		return nil, fmt.Errorf("%w: window %d exceeds %d samples", ErrInvalidFilter, window, n)
	}

	coef, err := SavGolCoefficients(window, order)
	if err != nil {
		return nil, err
	}
	half := window / 2
	out := make([]float64, n)
	for i := half; i < n-half; i++ {
		var acc float64
		for k, c := range coef {
			acc += c * values[i-half+k]
		}
		out[i] = acc
	}

	head, err := fitEdge(values[:window], order, 0, half)
	if err != nil {
		return nil, fmt.Errorf("fit leading edge: %w", err)
	}
	copy(out[:half], head)

	tail, err := fitEdge(values[n-window:], order, window-half, window)
	if err != nil {
		return nil, fmt.Errorf("fit trailing edge: %w", err)
	}
	copy(out[n-half:], tail)

	return out, nil
}

// fitEdge fits a polynomial to samples at positions 0..len-1 and evaluates
// it at positions from..to-1. Positions are centered before fitting.
func fitEdge(samples []float64, order, from, to int) ([]float64, error) {
	m := len(samples)
	center := float64(m-1) / 2
	design := vandermonde(m, order, -center)

	var coef mat.VecDense
	if err := solveLeastSquaresVec(&coef, design, mat.NewVecDense(m, append([]float64(nil), samples...))); err != nil {
		return nil, err
	}

	out := make([]float64, 0, to-from)
	for pos := from; pos < to; pos++ {
		x := float64(pos) - center
		// Horner evaluation from the highest power down.
		var y float64
		for p := order; p >= 0; p-- {
			y = y*x + coef.AtVec(p)
		}
		out = append(out, y)
	}
	return out, nil
}

func vandermonde(rows, order int, offset float64) *mat.Dense {
	design := mat.NewDense(rows, order+1, nil)
	for i := 0; i < rows; i++ {
		x := float64(i) + offset
		v := 1.0
		for p := 0; p <= order; p++ {
			design.Set(i, p, v)
			v *= x
		}
	}
	return design
}

func solveLeastSquares(dst *mat.Dense, a, b mat.Matrix) error {
	err := dst.Solve(a, b)
	return acceptConditionWarning(err)
}

func solveLeastSquaresVec(dst *mat.VecDense, a mat.Matrix, b mat.Vector) error {
	err := dst.SolveVec(a, b)
	return acceptConditionWarning(err)
}

// acceptConditionWarning ignores gonum's soft ill-conditioning report; the
// design matrices here are small centered Vandermonde systems.
func acceptConditionWarning(err error) error {
	if err == nil {
		return nil
	}
	var cond mat.Condition
	if errors.As(err, &cond) {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidFilter, err)
}

func checkFilter(window, order int) error {
	if window <= 0 || window%2 == 0 {
		return fmt.Errorf("%w: window %d must be a positive odd number", ErrInvalidFilter, window)
	}
	if order < 0 {
		return fmt.Errorf("%w: order %d must be >= 0", ErrInvalidFilter, order)
	}
	if order >= window {
		return fmt.Errorf("%w: order %d must be less than window %d", ErrInvalidFilter, order, window)
	}
	return nil
}
