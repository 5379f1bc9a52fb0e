// Package optimizer searches, for every point of an age grid, the kernel
// window whose weighted mean age matches the grid time while holding about
// a target number of subjects.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"longiatlas/internal/kernel"
	"longiatlas/internal/model"
	"longiatlas/internal/smooth"
)

var ErrNoAges = errors.New("at least one age is required")

// Grid returns size evenly spaced times from min(ages) to max(ages).
func Grid(ages []float64, size int) ([]float64, error) {
	if len(ages) == 0 {
		return nil, ErrNoAges
	}
	if size <= 0 {
		return nil, fmt.Errorf("grid size must be > 0, got %d", size)
	}
	for i, age := range ages {
		if math.IsNaN(age) || math.IsInf(age, 0) {
			return nil, fmt.Errorf("age %d is not finite: %g", i, age)
		}
	}
	return linspace(floats.Min(ages), floats.Max(ages), size), nil
}

// CandidateStarts returns count evenly spaced window starts between
// t-3s/5 and t-2s/5, rounded inward to four decimals.
func CandidateStarts(t, s float64, count int) []float64 {
	low := math.Ceil(10000*(t-3*s/5)) / 10000
	high := math.Floor(10000*(t-2*s/5)) / 10000
	return linspace(low, high, count)
}

// StepSize is the window adjustment applied after round it (1-based).
func StepSize(it int) float64 {
	return 0.5 * math.Pow(0.8, float64(it-1))
}

func linspace(low, high float64, n int) []float64 {
	switch {
	case n <= 0:
		return nil
	case n == 1:
		return []float64{low}
	}
	return floats.Span(make([]float64, n), low, high)
}

type pointResult struct {
	start float64
	bias  float64
	count int
	ok    bool
}

// Optimize runs the window search over the age grid and returns one model
// info row per grid point.
func Optimize(ctx context.Context, ages []float64, cfg Config) ([]model.GridPoint, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	times, err := Grid(ages, cfg.GridSize)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger

	windows := make([]float64, len(times))
	for i := range windows {
		windows[i] = cfg.InitialWindow
	}
	results := make([]pointResult, len(times))

	smoothWindow := SmoothingWindow(cfg.GridSize)
	canSmooth := smoothWindow > SmoothingOrder && smoothWindow <= len(times)
	if !canSmooth && cfg.Iterations > 1 {
		log.Warn("grid too small for window smoothing; skipping",
			zap.Int("grid_size", cfg.GridSize),
			zap.Int("smoothing_window", smoothWindow),
		)
	}

	for it := 1; it <= cfg.Iterations; it++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := searchRound(ctx, ages, times, windows, results, cfg); err != nil {
			return nil, err
		}

		if it < cfg.Iterations {
			step := StepSize(it)
			for i := range windows {
				switch {
				case results[i].count < cfg.TargetCount:
					windows[i] += step
				case results[i].count > cfg.TargetCount:
					windows[i] -= step
				}
			}
		}

		smoothed := false
		if it == cfg.Iterations-1 && canSmooth {
			filtered, err := smooth.SavGolFilter(windows, smoothWindow, SmoothingOrder)
			if err != nil {
				return nil, fmt.Errorf("smooth window sizes: %w", err)
			}
			copy(windows, filtered)
			smoothed = true
		}

		stats := roundStats(results, it, cfg.Iterations, smoothed)
		log.Debug("optimization round complete",
			zap.Int("round", it),
			zap.Int("rounds", cfg.Iterations),
			zap.Int("usable", stats.Usable),
			zap.Int("degenerate", stats.Degenerate),
			zap.Float64("max_bias", stats.MaxBias),
			zap.Bool("smoothed", smoothed),
		)
		if cfg.Progress != nil {
			cfg.Progress(stats)
		}
	}

	points := make([]model.GridPoint, len(times))
	for i, t := range times {
		r := results[i]
		points[i] = model.GridPoint{
			Time:        t,
			WindowSize:  windows[i],
			WindowStart: r.start,
			Count:       r.count,
			Bias:        r.bias,
			Degenerate:  !r.ok,
		}
		if !r.ok {
			points[i].Bias = 0
		}
	}
	return points, nil
}

func searchRound(ctx context.Context, ages, times, windows []float64, results []pointResult, cfg Config) error {
	if cfg.Workers <= 1 {
		for i := range times {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = searchPoint(ages, times[i], windows[i], cfg.WindowCandidates)
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i := range times {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = searchPoint(ages, times[i], windows[i], cfg.WindowCandidates)
			return nil
		})
	}
	return g.Wait()
}

// searchPoint keeps the first candidate start with the strictly lowest bias.
// Candidates whose kernel cannot be evaluated are skipped; when none can,
// the result is not ok, counts zero subjects and reports the first start.
func searchPoint(ages []float64, t, s float64, count int) pointResult {
	starts := CandidateStarts(t, s, count)
	best := pointResult{bias: math.Inf(1)}
	if len(starts) > 0 {
		best.start = starts[0]
	}
	for _, alpha := range starts {
		bias, n, err := kernel.Bias(ages, t, s, alpha)
		if err != nil {
			continue
		}
		if bias < best.bias {
			best = pointResult{start: alpha, bias: bias, count: n, ok: true}
		}
	}
	return best
}

func roundStats(results []pointResult, round, rounds int, smoothed bool) RoundStats {
	stats := RoundStats{Round: round, Rounds: rounds, Smoothed: smoothed}
	for _, r := range results {
		if !r.ok {
			stats.Degenerate++
			continue
		}
		stats.Usable++
		if r.bias > stats.MaxBias {
			stats.MaxBias = r.bias
		}
	}
	return stats
}
