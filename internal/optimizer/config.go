package optimizer

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	DefaultGridSize         = 1000
	DefaultIterations       = 30
	DefaultWindowCandidates = 500
	DefaultBiasTolerance    = 0.005
	DefaultInitialWindow    = 3.0
	DefaultWorkers          = 1

	// SmoothingOrder is the polynomial order of the window-size smoothing pass.
	SmoothingOrder = 3
)

// RoundStats summarizes one optimization round for progress reporting.
type RoundStats struct {
	Round      int
	Rounds     int
	Usable     int
	Degenerate int
	MaxBias    float64
	Smoothed   bool
}

type Config struct {
	TargetCount      int     `validate:"gt=0"`
	GridSize         int     `validate:"gt=0"`
	Iterations       int     `validate:"gt=0"`
	WindowCandidates int     `validate:"gt=0"`
	BiasTolerance    float64 `validate:"gt=0"`
	InitialWindow    float64 `validate:"gt=0"`
	Workers          int     `validate:"gt=0"`

	Logger   *zap.Logger      `validate:"-"`
	Progress func(RoundStats) `validate:"-"`
}

var configValidate = validator.New()

// Normalize fills zero-valued fields with defaults.
func (c Config) Normalize() Config {
	if c.GridSize == 0 {
		c.GridSize = DefaultGridSize
	}
	if c.Iterations == 0 {
		c.Iterations = DefaultIterations
	}
	if c.WindowCandidates == 0 {
		c.WindowCandidates = DefaultWindowCandidates
	}
	if c.BiasTolerance == 0 {
		c.BiasTolerance = DefaultBiasTolerance
	}
	if c.InitialWindow == 0 {
		c.InitialWindow = DefaultInitialWindow
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

func (c Config) Validate() error {
	err := configValidate.Struct(c)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s must be > 0 (got %v)", fe.Field(), fe.Value()))
	}
	return fmt.Errorf("invalid optimizer config: %s", strings.Join(msgs, "; "))
}

// SmoothingWindow is the odd Savitzky-Golay window length used for a grid
// of the given size.
func SmoothingWindow(gridSize int) int {
	return 2*(gridSize/20) + 1
}
