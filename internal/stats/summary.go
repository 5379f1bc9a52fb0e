package stats

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"longiatlas/internal/model"
)

// ModelSummary condenses a model info table for run listings.
type ModelSummary struct {
	GridSize      int     `json:"grid_size"`
	UsablePoints  int     `json:"usable_points"`
	Degenerate    int     `json:"degenerate"`
	BiasTolerance float64 `json:"bias_tolerance"`
	BiasMean      float64 `json:"bias_mean"`
	BiasStd       float64 `json:"bias_std"`
	BiasMax       float64 `json:"bias_max"`
	CountMean     float64 `json:"count_mean"`
	CountMin      int     `json:"count_min"`
	CountMax      int     `json:"count_max"`
	WindowMin     float64 `json:"window_min"`
	WindowMax     float64 `json:"window_max"`
	TimeMin       float64 `json:"time_min"`
	TimeMax       float64 `json:"time_max"`
}

// Summarize computes bias, count and window statistics over the
// non-degenerate rows. UsablePoints counts rows under the bias tolerance.
func Summarize(points []model.GridPoint, tolerance float64) ModelSummary {
	summary := ModelSummary{GridSize: len(points), BiasTolerance: tolerance}
	if len(points) == 0 {
		return summary
	}

	biases := make([]float64, 0, len(points))
	counts := make([]float64, 0, len(points))
	windows := make([]float64, 0, len(points))
	times := make([]float64, 0, len(points))
	for _, p := range points {
		times = append(times, p.Time)
		windows = append(windows, p.WindowSize)
		if p.Degenerate {
			summary.Degenerate++
			continue
		}
		if p.Usable(tolerance) {
			summary.UsablePoints++
		}
		biases = append(biases, p.Bias)
		counts = append(counts, float64(p.Count))
	}

	summary.TimeMin, summary.TimeMax = floats.Min(times), floats.Max(times)
	summary.WindowMin, summary.WindowMax = floats.Min(windows), floats.Max(windows)
	if len(biases) == 0 {
		return summary
	}
	summary.BiasMean, summary.BiasStd = stat.MeanStdDev(biases, nil)
	if math.IsNaN(summary.BiasStd) {
		summary.BiasStd = 0
	}
	summary.BiasMax = floats.Max(biases)
	summary.CountMean = stat.Mean(counts, nil)
	summary.CountMin = int(floats.Min(counts))
	summary.CountMax = int(floats.Max(counts))
	return summary
}
