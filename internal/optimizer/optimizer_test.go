package optimizer

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func integerAges(n int) []float64 {
	ages := make([]float64, n)
	for i := range ages {
		ages[i] = float64(i)
	}
	return ages
}

func TestGridSpansAgeRange(t *testing.T) {
	grid, err := Grid([]float64{7, 3, 11, 5}, 5)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	if len(grid) != 5 {
		t.Fatalf("expected 5 grid points, got %d", len(grid))
	}
	want := []float64{3, 5, 7, 9, 11}
	for i := range want {
		if math.Abs(grid[i]-want[i]) > 1e-12 {
			t.Fatalf("grid[%d]=%g want %g", i, grid[i], want[i])
		}
	}

	single, err := Grid([]float64{4}, 1)
	if err != nil {
		t.Fatalf("single grid: %v", err)
	}
	if len(single) != 1 || single[0] != 4 {
		t.Fatalf("unexpected single-point grid: %v", single)
	}
}

func TestGridRejectsBadInput(t *testing.T) {
	if _, err := Grid(nil, 10); !errors.Is(err, ErrNoAges) {
		t.Fatalf("expected ErrNoAges, got %v", err)
	}
	if _, err := Grid([]float64{1, math.NaN()}, 10); err == nil {
		t.Fatal("expected error for NaN age")
	}
	if _, err := Grid([]float64{1, 2}, 0); err == nil {
		t.Fatal("expected error for empty grid")
	}
}

func TestCandidateStartsRange(t *testing.T) {
	starts := CandidateStarts(10, 3, 5)
	if len(starts) != 5 {
		t.Fatalf("expected 5 starts, got %d", len(starts))
	}
	if math.Abs(starts[0]-8.2) > 1e-12 {
		t.Fatalf("expected first start 8.2, got %.17g", starts[0])
	}
	if math.Abs(starts[4]-8.8) > 1e-12 {
		t.Fatalf("expected last start 8.8, got %.17g", starts[4])
	}
	for i := 1; i < len(starts); i++ {
		if starts[i] <= starts[i-1] {
			t.Fatalf("starts are not increasing: %v", starts)
		}
	}

	// Bounds are rounded inward to four decimals.
	rounded := CandidateStarts(1.234567, 1, 2)
	if rounded[0] != 0.6346 {
		t.Fatalf("expected low bound rounded up to 0.6346, got %.17g", rounded[0])
	}
	if math.Abs(rounded[1]-0.8345) > 1e-12 {
		t.Fatalf("expected high bound rounded down to 0.8345, got %.17g", rounded[1])
	}
}

func TestStepSizeShrinks(t *testing.T) {
	if StepSize(1) != 0.5 {
		t.Fatalf("expected first step 0.5, got %g", StepSize(1))
	}
	if math.Abs(StepSize(3)-0.32) > 1e-15 {
		t.Fatalf("expected third step 0.32, got %g", StepSize(3))
	}
}

func TestSmoothingWindow(t *testing.T) {
	cases := map[int]int{1000: 101, 50: 5, 39: 3, 10: 1}
	for grid, want := range cases {
		if got := SmoothingWindow(grid); got != want {
			t.Fatalf("grid=%d: expected window %d, got %d", grid, want, got)
		}
	}
}

func TestOptimizeEndToEndIntegerAges(t *testing.T) {
	points, err := Optimize(context.Background(), integerAges(11), Config{
		TargetCount: 3,
		GridSize:    50,
		Iterations:  10,
	})
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if len(points) != 50 {
		t.Fatalf("expected 50 rows, got %d", len(points))
	}

	nearMedian := false
	for i, p := range points {
		if p.Count < 0 {
			t.Fatalf("row %d has negative count %d", i, p.Count)
		}
		if math.IsNaN(p.Bias) || math.IsInf(p.Bias, 0) {
			t.Fatalf("row %d has non-finite bias %g", i, p.Bias)
		}
		if p.Degenerate {
			t.Fatalf("row %d unexpectedly degenerate: %+v", i, p)
		}
		if math.Abs(p.Time-5) <= 1 && p.Count >= 2 && p.Count <= 4 {
			nearMedian = true
		}
	}
	if !nearMedian {
		t.Fatalf("expected a grid point near the median age with about 3 subjects: %+v", points)
	}
	if points[0].Time != 0 || math.Abs(points[49].Time-10) > 1e-12 {
		t.Fatalf("grid does not span the ages: first=%g last=%g", points[0].Time, points[49].Time)
	}
}

func TestOptimizeIsDeterministicAcrossWorkers(t *testing.T) {
	ages := []float64{21.5, 22.1, 23.4, 23.9, 25.0, 26.2, 27.7, 28.1, 29.9, 31.4, 32.0, 33.3, 35.8, 36.1, 38.4, 40.0}
	cfg := Config{
		TargetCount:      4,
		GridSize:         60,
		Iterations:       8,
		WindowCandidates: 40,
	}

	first, err := Optimize(context.Background(), ages, cfg)
	if err != nil {
		t.Fatalf("first optimize: %v", err)
	}
	second, err := Optimize(context.Background(), ages, cfg)
	if err != nil {
		t.Fatalf("second optimize: %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("repeated runs differ (-first +second):\n%s", diff)
	}

	cfg.Workers = 4
	parallel, err := Optimize(context.Background(), ages, cfg)
	if err != nil {
		t.Fatalf("parallel optimize: %v", err)
	}
	if diff := cmp.Diff(first, parallel); diff != "" {
		t.Fatalf("parallel run differs (-sequential +parallel):\n%s", diff)
	}
}

func TestOptimizeCountsFollowTargetCount(t *testing.T) {
	ages := make([]float64, 401)
	for i := range ages {
		ages[i] = float64(i) * 0.1
	}
	meanInteriorCount := func(target int) float64 {
		points, err := Optimize(context.Background(), ages, Config{
			TargetCount:      target,
			GridSize:         40,
			Iterations:       20,
			WindowCandidates: 30,
			InitialWindow:    1,
		})
		if err != nil {
			t.Fatalf("optimize target=%d: %v", target, err)
		}
		var sum float64
		var n int
		for _, p := range points {
			if p.Time < 10 || p.Time > 30 || p.Degenerate {
				continue
			}
			sum += float64(p.Count)
			n++
		}
		if n == 0 {
			t.Fatalf("no interior grid points for target=%d", target)
		}
		return sum / float64(n)
	}

	low := meanInteriorCount(10)
	high := meanInteriorCount(30)
	if math.Abs(low-10) > 2 {
		t.Fatalf("expected interior counts near 10, got mean %g", low)
	}
	if math.Abs(high-30) > 2 {
		t.Fatalf("expected interior counts near 30, got mean %g", high)
	}
	if high <= low {
		t.Fatalf("expected counts to grow with target count: low=%g high=%g", low, high)
	}
}

func TestOptimizeMarksEmptyWindowsDegenerate(t *testing.T) {
	points, err := Optimize(context.Background(), []float64{0, 100}, Config{
		TargetCount:   1,
		GridSize:      5,
		Iterations:    1,
		InitialWindow: 1,
	})
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	mid := points[2]
	if mid.Time != 50 {
		t.Fatalf("expected middle grid time 50, got %g", mid.Time)
	}
	if !mid.Degenerate || mid.Count != 0 || mid.Bias != 0 {
		t.Fatalf("expected degenerate middle point, got %+v", mid)
	}
	if mid.Usable(DefaultBiasTolerance) {
		t.Fatal("degenerate point must not be usable")
	}
	if points[0].Degenerate {
		t.Fatalf("expected first grid point to cover age 0: %+v", points[0])
	}
}

func TestOptimizeReportsProgress(t *testing.T) {
	var rounds []RoundStats
	_, err := Optimize(context.Background(), integerAges(11), Config{
		TargetCount:      3,
		GridSize:         40,
		Iterations:       4,
		WindowCandidates: 20,
		Progress: func(s RoundStats) {
			rounds = append(rounds, s)
		},
	})
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if len(rounds) != 4 {
		t.Fatalf("expected 4 progress reports, got %d", len(rounds))
	}
	for i, r := range rounds {
		if r.Round != i+1 || r.Rounds != 4 {
			t.Fatalf("unexpected round report %+v", r)
		}
		if r.Smoothed != (r.Round == 3) {
			t.Fatalf("smoothing must happen on the second-to-last round only: %+v", r)
		}
	}
}

func TestOptimizeHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Optimize(ctx, integerAges(11), Config{TargetCount: 3, GridSize: 20, Iterations: 2})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestOptimizeRejectsInvalidConfig(t *testing.T) {
	_, err := Optimize(context.Background(), integerAges(5), Config{TargetCount: 0})
	if err == nil {
		t.Fatal("expected error for zero target count")
	}
	_, err = Optimize(context.Background(), integerAges(5), Config{TargetCount: 2, BiasTolerance: -1})
	if err == nil {
		t.Fatal("expected error for negative bias tolerance")
	}
}
