// Package kernel evaluates the compact polynomial kernel used to weight
// subjects around a reference age.
//
// For a window (alpha, alpha+s) and a reference time T the kernel is
//
//	w(x) = (x - alpha)(x - (alpha+s))(a x^3 + b x^2 + c x + d)
//
// with coefficients chosen so that the kernel vanishes at both window edges
// and its centroid sits at T.
package kernel

import (
	"errors"
	"fmt"
	"math"
)

// machineEpsilon is the float64 spacing at 1.
const machineEpsilon = 0x1p-52

// symmetricBand is the half-width of the band around T - s/2 where the
// closed form for b is used instead of the general expression.
const symmetricBand = 10 * machineEpsilon

var (
	ErrInvalidWindow     = errors.New("invalid kernel window")
	ErrEmptyWindow       = errors.New("no ages inside kernel window")
	ErrDegenerateWeights = errors.New("kernel weights cannot be normalized")
)

type Coefficients struct {
	A float64
	B float64
	C float64
	D float64
}

// Result is the outcome of one kernel evaluation. Weights are listed in the
// input order of the included ages and sum to one.
type Result struct {
	Weights []float64
	Mask    []bool
	Bias    float64
	Count   int
}

// Included returns the input indices selected by the mask.
func (r Result) Included() []int {
	out := make([]int, 0, r.Count)
	for i, in := range r.Mask {
		if in {
			out = append(out, i)
		}
	}
	return out
}

// ComputeCoefficients returns the cubic factor of the kernel for target time
// t, window width s and window start alpha.
func ComputeCoefficients(t, s, alpha float64) (Coefficients, error) {
	if !finite(t) || !finite(s) || !finite(alpha) {
		return Coefficients{}, fmt.Errorf("%w: t=%g s=%g alpha=%g", ErrInvalidWindow, t, s, alpha)
	}
	if s <= 0 {
		return Coefficients{}, fmt.Errorf("%w: width %g must be > 0", ErrInvalidWindow, s)
	}

	s2 := s * s
	s5 := s2 * s2 * s
	a := (60 * (2*alpha - 2*t + s)) / (s5 * (s2 + 5*s*(alpha-t) + 5*(alpha*alpha-2*t*alpha+t*t)))

	var b float64
	if Symmetric(t, s, alpha) {
		b = 30 / s5
	} else {
		b = a * (5*t*t + 2*t*alpha + t*s - 7*alpha*alpha - 7*alpha*s - 2*s2) / (4*alpha - 4*t + 2*s)
	}

	c := a*(-3*alpha*alpha-3*alpha*s-s2) + b*(-2*alpha-s)
	d := -a*alpha*alpha*alpha - b*alpha*alpha - c*alpha

	coef := Coefficients{A: a, B: b, C: c, D: d}
	if !finite(a) || !finite(b) || !finite(c) || !finite(d) {
		return Coefficients{}, fmt.Errorf("%w: non-finite coefficients %+v", ErrDegenerateWeights, coef)
	}
	return coef, nil
}

// Symmetric reports whether alpha lies within the guard band around t - s/2.
func Symmetric(t, s, alpha float64) bool {
	low := t - s/2 - symmetricBand
	high := t - s/2 + symmetricBand
	return alpha > low && alpha < high
}

// Weight evaluates the unnormalized kernel at age.
func (c Coefficients) Weight(alpha, s, age float64) float64 {
	return (age - alpha) * (age - (alpha + s)) * (c.A*age*age*age + c.B*age*age + c.C*age + c.D)
}

// InWindow reports whether age lies strictly inside (alpha, alpha+s).
func InWindow(alpha, s, age float64) bool {
	return age > alpha && age < alpha+s
}

// Evaluate weights the ages inside (alpha, alpha+s) for reference time t.
// ages is never modified.
func Evaluate(ages []float64, t, s, alpha float64) (Result, error) {
	coef, err := ComputeCoefficients(t, s, alpha)
	if err != nil {
		return Result{}, err
	}

	mask := make([]bool, len(ages))
	weights := make([]float64, 0, len(ages))
	var sum float64
	for i, age := range ages {
		if !InWindow(alpha, s, age) {
			continue
		}
		mask[i] = true
		w := coef.Weight(alpha, s, age)
		weights = append(weights, w)
		sum += w
	}
	if len(weights) == 0 {
		return Result{}, ErrEmptyWindow
	}
	if sum == 0 || !finite(sum) {
		return Result{}, fmt.Errorf("%w: weight sum %g over %d ages", ErrDegenerateWeights, sum, len(weights))
	}

	var mean float64
	j := 0
	for i, age := range ages {
		if !mask[i] {
			continue
		}
		weights[j] = weights[j] / sum
		mean += weights[j] * age
		j++
	}
	bias := math.Abs(mean - t)
	if !finite(bias) {
		return Result{}, fmt.Errorf("%w: bias %g", ErrDegenerateWeights, bias)
	}

	return Result{
		Weights: weights,
		Mask:    mask,
		Bias:    bias,
		Count:   len(weights),
	}, nil
}

// Bias returns the temporal bias and inclusion count that Evaluate would
// report, without allocating the weight vector or mask.
func Bias(ages []float64, t, s, alpha float64) (float64, int, error) {
	coef, err := ComputeCoefficients(t, s, alpha)
	if err != nil {
		return 0, 0, err
	}

	var sum float64
	n := 0
	for _, age := range ages {
		if !InWindow(alpha, s, age) {
			continue
		}
		sum += coef.Weight(alpha, s, age)
		n++
	}
	if n == 0 {
		return 0, 0, ErrEmptyWindow
	}
	if sum == 0 || !finite(sum) {
		return 0, n, fmt.Errorf("%w: weight sum %g over %d ages", ErrDegenerateWeights, sum, n)
	}

	var mean float64
	for _, age := range ages {
		if !InWindow(alpha, s, age) {
			continue
		}
		mean += coef.Weight(alpha, s, age) / sum * age
	}
	bias := math.Abs(mean - t)
	if !finite(bias) {
		return 0, n, fmt.Errorf("%w: bias %g", ErrDegenerateWeights, bias)
	}
	return bias, n, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
