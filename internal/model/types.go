package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// GridPoint is one row of the model info table. Degenerate rows had no
// usable window in the final optimization round; their Bias is meaningless
// and they are never assigned to an atlas.
type GridPoint struct {
	Time        float64 `json:"time"`
	WindowSize  float64 `json:"window_size"`
	WindowStart float64 `json:"window_start"`
	Count       int     `json:"count"`
	Bias        float64 `json:"bias"`
	Degenerate  bool    `json:"degenerate,omitempty"`
}

// Usable reports whether the point can serve an atlas at the given bias tolerance.
func (p GridPoint) Usable(tolerance float64) bool {
	return !p.Degenerate && p.Bias < tolerance
}

type AtlasAssignment struct {
	Index       int       `json:"index"`
	TargetAge   float64   `json:"target_age"`
	GridIndex   int       `json:"grid_index"`
	Time        float64   `json:"time"`
	WindowSize  float64   `json:"window_size"`
	WindowStart float64   `json:"window_start"`
	Bias        float64   `json:"bias"`
	Subjects    []string  `json:"subjects,omitempty"`
	Weights     []float64 `json:"weights,omitempty"`
}

type RunParams struct {
	AgesPath         string    `json:"ages_path"`
	SubjectsPath     string    `json:"subjects_path,omitempty"`
	OutDir           string    `json:"out_dir"`
	Prefix           string    `json:"prefix,omitempty"`
	Targets          []float64 `json:"targets"`
	TargetCount      int       `json:"target_count"`
	GridSize         int       `json:"grid_size"`
	Iterations       int       `json:"iterations"`
	WindowCandidates int       `json:"window_candidates"`
	BiasTolerance    float64   `json:"bias_tolerance"`
	InitialWindow    float64   `json:"initial_window"`
	Workers          int       `json:"workers"`
}

type RunRecord struct {
	VersionedRecord
	ID           string            `json:"id"`
	CreatedAtUTC string            `json:"created_at_utc"`
	Params       RunParams         `json:"params"`
	SubjectCount int               `json:"subject_count"`
	Points       []GridPoint       `json:"points"`
	Assignments  []AtlasAssignment `json:"assignments"`
}
