// Package atlas turns an optimized model info table into per-atlas subject
// selections.
package atlas

import (
	"errors"
	"fmt"
	"math"

	"longiatlas/internal/kernel"
	"longiatlas/internal/model"
)

var ErrNoUsableGridPoint = errors.New("no grid point has a bias below tolerance")

// Assign picks, for each target age, the usable grid point whose time is
// closest to it. Ties go to the lowest grid index.
func Assign(points []model.GridPoint, targets []float64, tolerance float64) ([]model.AtlasAssignment, error) {
	if len(targets) == 0 {
		return nil, errors.New("at least one target age is required")
	}
	if tolerance <= 0 {
		return nil, fmt.Errorf("bias tolerance must be > 0, got %g", tolerance)
	}

	usable := make([]int, 0, len(points))
	for i, p := range points {
		if p.Usable(tolerance) {
			usable = append(usable, i)
		}
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("%w (tolerance %g over %d points)", ErrNoUsableGridPoint, tolerance, len(points))
	}

	out := make([]model.AtlasAssignment, 0, len(targets))
	for k, target := range targets {
		best := usable[0]
		bestDist := math.Abs(target - points[best].Time)
		for _, idx := range usable[1:] {
			if d := math.Abs(target - points[idx].Time); d < bestDist {
				best, bestDist = idx, d
			}
		}
		p := points[best]
		out = append(out, model.AtlasAssignment{
			Index:       k + 1,
			TargetAge:   target,
			GridIndex:   best,
			Time:        p.Time,
			WindowSize:  p.WindowSize,
			WindowStart: p.WindowStart,
			Bias:        p.Bias,
		})
	}
	return out, nil
}

// Resolve re-evaluates the kernel at the assignment's grid point and fills
// in the selected subjects and their weights, in input order.
func Resolve(ages []float64, subjects []string, a model.AtlasAssignment) (model.AtlasAssignment, error) {
	if len(ages) != len(subjects) {
		return model.AtlasAssignment{}, fmt.Errorf("have %d ages for %d subjects", len(ages), len(subjects))
	}
	res, err := kernel.Evaluate(ages, a.Time, a.WindowSize, a.WindowStart)
	if err != nil {
		return model.AtlasAssignment{}, fmt.Errorf("atlas %d at age %g: %w", a.Index, a.Time, err)
	}

	a.Subjects = make([]string, 0, res.Count)
	for _, idx := range res.Included() {
		a.Subjects = append(a.Subjects, subjects[idx])
	}
	a.Weights = append([]float64(nil), res.Weights...)
	a.Bias = res.Bias
	return a, nil
}

// ResolveAll resolves every assignment.
func ResolveAll(ages []float64, subjects []string, assignments []model.AtlasAssignment) ([]model.AtlasAssignment, error) {
	out := make([]model.AtlasAssignment, 0, len(assignments))
	for _, a := range assignments {
		resolved, err := Resolve(ages, subjects, a)
		if err != nil {
			return nil, err
		}
		out = append(out, resolved)
	}
	return out, nil
}
