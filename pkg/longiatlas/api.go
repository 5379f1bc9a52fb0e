// Package longiatlas computes temporally unbiased subject weightings for
// longitudinal atlas construction.
package longiatlas

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"longiatlas/internal/atlas"
	"longiatlas/internal/imageinfo"
	"longiatlas/internal/input"
	"longiatlas/internal/kernel"
	"longiatlas/internal/model"
	"longiatlas/internal/optimizer"
	"longiatlas/internal/stats"
	"longiatlas/internal/storage"
)

const (
	defaultRunsDir    = "runs"
	defaultExportsDir = "exports"
	defaultDBPath     = "longiatlas.db"
	defaultRunsLimit  = 20
)

type Options struct {
	StoreKind  string
	DBPath     string
	RunsDir    string
	ExportsDir string
	Logger     *zap.Logger
}

type Client struct {
	store storage.Store
	log   *zap.Logger
	now   func() time.Time

	runsDir    string
	exportsDir string

	initOnce sync.Once
	initErr  error
}

type WeightsRequest struct {
	AgesPath     string `validate:"required"`
	SubjectsPath string `validate:"required_with=Prefix"`
	TargetsPath  string
	Targets      []float64
	OutDir       string `validate:"required"`
	// Prefix is "<dir>/<base>": selected subjects are copied to
	// atlas_<i>/<dir>/<base>_<j><ext>. Empty skips copying.
	Prefix string

	TargetCount      int     `validate:"gt=0"`
	GridSize         int     `validate:"gte=0"`
	Iterations       int     `validate:"gte=0"`
	WindowCandidates int     `validate:"gte=0"`
	BiasTolerance    float64 `validate:"gte=0"`
	InitialWindow    float64 `validate:"gte=0"`
	Workers          int     `validate:"gte=0"`

	RunID         string
	CheckSubjects bool
	Progress      func(optimizer.RoundStats) `validate:"-"`
}

type AtlasSummary struct {
	Index       int
	TargetAge   float64
	Age         float64
	WindowSize  float64
	WindowStart float64
	Bias        float64
	Subjects    int
	Directory   string
}

type WeightsSummary struct {
	RunID         string
	OutDir        string
	ModelInfoPath string
	AtlasAgesPath string
	ArtifactsDir  string
	SubjectCount  int
	Model         stats.ModelSummary
	Atlases       []AtlasSummary
}

type SelectRequest struct {
	RunID         string
	ModelInfoPath string
	TargetsPath   string
	Targets       []float64
	BiasTolerance float64

	// With AgesPath set the selections are resolved to subjects and
	// weights; with OutDir also set they are written like a weights run.
	AgesPath     string
	SubjectsPath string
	OutDir       string
	Prefix       string
}

type SelectSummary struct {
	Source      string
	Assignments []model.AtlasAssignment
	OutDir      string
}

type KernelRequest struct {
	AgesPath string
	Ages     []float64
	Time     float64
	Window   float64
	// Start defaults to the symmetric start Time - Window/2.
	Start *float64
}

type KernelSummary struct {
	Coefficients kernel.Coefficients
	Start        float64
	Count        int
	Bias         float64
	Included     []int
	Weights      []float64
}

type InspectRequest struct {
	SubjectsPath string
	Paths        []string
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	CreatedAtUTC string
	OutDir       string
	SubjectCount int
	TargetCount  int
	GridSize     int
	Atlases      int
	UsablePoints int
	MaxBias      float64
}

type ShowRequest struct {
	RunID  string
	Latest bool
}

type RunDetail struct {
	Run     model.RunRecord
	Summary stats.ModelSummary
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

var requestValidate = validator.New()

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:      store,
		log:        logger,
		now:        time.Now,
		runsDir:    runsDir,
		exportsDir: exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

// ComputeWeights optimizes the kernel windows over the subject ages, assigns
// every target age to an atlas and writes the model info table, atlas ages
// and per-atlas directories under OutDir.
func (c *Client) ComputeWeights(ctx context.Context, req WeightsRequest) (WeightsSummary, error) {
	if err := validateRequest(req); err != nil {
		return WeightsSummary{}, err
	}
	dataset, err := input.LoadDataset(req.AgesPath, req.SubjectsPath)
	if err != nil {
		return WeightsSummary{}, err
	}
	targets, err := loadTargets(req.TargetsPath, req.Targets)
	if err != nil {
		return WeightsSummary{}, err
	}
	if req.Prefix != "" {
		if err := input.CheckSubjectFiles(dataset.Subjects); err != nil {
			return WeightsSummary{}, err
		}
	}
	if req.CheckSubjects {
		if req.SubjectsPath == "" {
			return WeightsSummary{}, errors.New("check subjects requires a subject list")
		}
		if _, err := imageinfo.ProbeAll(dataset.Subjects); err != nil {
			return WeightsSummary{}, fmt.Errorf("check subjects: %w", err)
		}
	}
	if err := c.ensureStore(ctx); err != nil {
		return WeightsSummary{}, err
	}

	cfg := optimizer.Config{
		TargetCount:      req.TargetCount,
		GridSize:         req.GridSize,
		Iterations:       req.Iterations,
		WindowCandidates: req.WindowCandidates,
		BiasTolerance:    req.BiasTolerance,
		InitialWindow:    req.InitialWindow,
		Workers:          req.Workers,
		Logger:           c.log,
		Progress:         req.Progress,
	}.Normalize()

	now := c.now().UTC()
	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = newRunID(now)
	}
	log := c.log.With(zap.String("run_id", runID))
	log.Info("optimizing kernel windows",
		zap.Int("subjects", len(dataset.Ages)),
		zap.Int("target_count", cfg.TargetCount),
		zap.Int("grid_size", cfg.GridSize),
		zap.Int("iterations", cfg.Iterations),
		zap.Int("workers", cfg.Workers),
	)

	points, err := optimizer.Optimize(ctx, dataset.Ages, cfg)
	if err != nil {
		return WeightsSummary{}, err
	}
	modelInfoPath := filepath.Join(req.OutDir, stats.ModelInfoFile)
	if err := stats.WriteModelInfo(modelInfoPath, points); err != nil {
		return WeightsSummary{}, fmt.Errorf("write model info: %w", err)
	}

	log.Info("choosing ages and subjects for each atlas", zap.Int("atlases", len(targets)))
	assignments, err := atlas.Assign(points, targets, cfg.BiasTolerance)
	if err != nil {
		return WeightsSummary{}, err
	}
	assignments, err = atlas.ResolveAll(dataset.Ages, dataset.Subjects, assignments)
	if err != nil {
		return WeightsSummary{}, err
	}

	writer := atlas.Writer{OutDir: req.OutDir, Prefix: req.Prefix, Logger: log}
	agesPath, err := writer.WriteAtlasAges(assignments)
	if err != nil {
		return WeightsSummary{}, fmt.Errorf("write atlas ages: %w", err)
	}
	atlases := make([]AtlasSummary, 0, len(assignments))
	for _, a := range assignments {
		dir, err := writer.Write(a)
		if err != nil {
			return WeightsSummary{}, err
		}
		atlases = append(atlases, atlasSummary(a, dir))
	}

	summary := stats.Summarize(points, cfg.BiasTolerance)
	params := model.RunParams{
		AgesPath:         req.AgesPath,
		SubjectsPath:     req.SubjectsPath,
		OutDir:           req.OutDir,
		Prefix:           req.Prefix,
		Targets:          targets,
		TargetCount:      cfg.TargetCount,
		GridSize:         cfg.GridSize,
		Iterations:       cfg.Iterations,
		WindowCandidates: cfg.WindowCandidates,
		BiasTolerance:    cfg.BiasTolerance,
		InitialWindow:    cfg.InitialWindow,
		Workers:          cfg.Workers,
	}
	createdAt := now.Format(time.RFC3339Nano)
	if err := c.store.SaveRun(ctx, storage.Stamp(model.RunRecord{
		ID:           runID,
		CreatedAtUTC: createdAt,
		Params:       params,
		SubjectCount: len(dataset.Ages),
		Points:       points,
		Assignments:  assignments,
	})); err != nil {
		return WeightsSummary{}, fmt.Errorf("save run: %w", err)
	}

	runDir, err := stats.WriteRunArtifacts(c.runsDir, stats.RunArtifacts{
		Config:      runConfig(runID, req.TargetsPath, params),
		Points:      points,
		Assignments: assignments,
		Summary:     summary,
	})
	if err != nil {
		return WeightsSummary{}, err
	}
	if err := stats.AppendRunIndex(c.runsDir, stats.RunIndexEntry{
		RunID:        runID,
		OutDir:       req.OutDir,
		SubjectCount: len(dataset.Ages),
		TargetCount:  cfg.TargetCount,
		GridSize:     cfg.GridSize,
		Iterations:   cfg.Iterations,
		Atlases:      len(assignments),
		UsablePoints: summary.UsablePoints,
		MaxBias:      maxAssignedBias(assignments),
		CreatedAtUTC: createdAt,
	}); err != nil {
		return WeightsSummary{}, err
	}
	log.Info("weights run complete", zap.String("out_dir", req.OutDir), zap.Int("usable_points", summary.UsablePoints))

	return WeightsSummary{
		RunID:         runID,
		OutDir:        filepath.Clean(req.OutDir),
		ModelInfoPath: modelInfoPath,
		AtlasAgesPath: agesPath,
		ArtifactsDir:  filepath.Clean(runDir),
		SubjectCount:  len(dataset.Ages),
		Model:         summary,
		Atlases:       atlases,
	}, nil
}

// Select repeats atlas assignment on an existing model info table, either
// from a stored run or from a modelInfo.csv file.
func (c *Client) Select(ctx context.Context, req SelectRequest) (SelectSummary, error) {
	if (req.RunID == "") == (req.ModelInfoPath == "") {
		return SelectSummary{}, errors.New("select requires exactly one of run id or model info path")
	}
	if req.OutDir != "" && req.AgesPath == "" {
		return SelectSummary{}, errors.New("writing atlases requires an age list")
	}
	if req.Prefix != "" && req.SubjectsPath == "" {
		return SelectSummary{}, errors.New("copying subjects requires a subject list")
	}
	if req.BiasTolerance < 0 {
		return SelectSummary{}, fmt.Errorf("bias tolerance must be >= 0, got %g", req.BiasTolerance)
	}
	targets, err := loadTargets(req.TargetsPath, req.Targets)
	if err != nil {
		return SelectSummary{}, err
	}

	var (
		points []model.GridPoint
		source string
	)
	tolerance := req.BiasTolerance
	if req.RunID != "" {
		run, err := c.getRun(ctx, req.RunID)
		if err != nil {
			return SelectSummary{}, err
		}
		points, source = run.Points, "run:"+run.ID
		if tolerance == 0 {
			tolerance = run.Params.BiasTolerance
		}
	} else {
		points, err = stats.ReadModelInfo(req.ModelInfoPath)
		if err != nil {
			return SelectSummary{}, err
		}
		source = req.ModelInfoPath
	}
	if tolerance == 0 {
		tolerance = optimizer.DefaultBiasTolerance
	}

	assignments, err := atlas.Assign(points, targets, tolerance)
	if err != nil {
		return SelectSummary{}, err
	}
	out := SelectSummary{Source: source}
	if req.AgesPath != "" {
		dataset, err := input.LoadDataset(req.AgesPath, req.SubjectsPath)
		if err != nil {
			return SelectSummary{}, err
		}
		if req.OutDir != "" && req.Prefix != "" {
			if err := input.CheckSubjectFiles(dataset.Subjects); err != nil {
				return SelectSummary{}, err
			}
		}
		assignments, err = atlas.ResolveAll(dataset.Ages, dataset.Subjects, assignments)
		if err != nil {
			return SelectSummary{}, err
		}
	}
	if req.OutDir != "" {
		writer := atlas.Writer{OutDir: req.OutDir, Prefix: req.Prefix, Logger: c.log}
		if _, err := writer.WriteAtlasAges(assignments); err != nil {
			return SelectSummary{}, err
		}
		for _, a := range assignments {
			if _, err := writer.Write(a); err != nil {
				return SelectSummary{}, err
			}
		}
		out.OutDir = filepath.Clean(req.OutDir)
	}
	out.Assignments = assignments
	return out, nil
}

// Kernel evaluates a single kernel window over the given ages.
func (c *Client) Kernel(req KernelRequest) (KernelSummary, error) {
	ages := req.Ages
	if req.AgesPath != "" {
		if len(ages) > 0 {
			return KernelSummary{}, errors.New("use either an age list file or ages")
		}
		var err error
		ages, err = input.ReadAges(req.AgesPath)
		if err != nil {
			return KernelSummary{}, err
		}
	}
	if len(ages) == 0 {
		return KernelSummary{}, optimizer.ErrNoAges
	}
	start := req.Time - req.Window/2
	if req.Start != nil {
		start = *req.Start
	}
	coef, err := kernel.ComputeCoefficients(req.Time, req.Window, start)
	if err != nil {
		return KernelSummary{}, err
	}
	res, err := kernel.Evaluate(ages, req.Time, req.Window, start)
	if err != nil {
		return KernelSummary{}, err
	}
	return KernelSummary{
		Coefficients: coef,
		Start:        start,
		Count:        res.Count,
		Bias:         res.Bias,
		Included:     res.Included(),
		Weights:      append([]float64(nil), res.Weights...),
	}, nil
}

// Inspect probes subject image files.
func (c *Client) Inspect(_ context.Context, req InspectRequest) ([]imageinfo.Info, error) {
	paths := append([]string(nil), req.Paths...)
	if req.SubjectsPath != "" {
		subjects, err := input.ReadSubjects(req.SubjectsPath)
		if err != nil {
			return nil, err
		}
		paths = append(paths, subjects...)
	}
	if len(paths) == 0 {
		return nil, errors.New("inspect requires a subject list or paths")
	}
	return imageinfo.ProbeAll(paths)
}

func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = defaultRunsLimit
	}
	if err := c.ensureStore(ctx); err != nil {
		return nil, err
	}
	runs, err := c.store.ListRuns(ctx, req.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]RunItem, 0, len(runs))
	for _, run := range runs {
		summary := stats.Summarize(run.Points, run.Params.BiasTolerance)
		out = append(out, RunItem{
			RunID:        run.ID,
			CreatedAtUTC: run.CreatedAtUTC,
			OutDir:       run.Params.OutDir,
			SubjectCount: run.SubjectCount,
			TargetCount:  run.Params.TargetCount,
			GridSize:     run.Params.GridSize,
			Atlases:      len(run.Assignments),
			UsablePoints: summary.UsablePoints,
			MaxBias:      maxAssignedBias(run.Assignments),
		})
	}
	return out, nil
}

// Show returns a stored run. Latest resolves against the store, so it
// agrees with Runs.
func (c *Client) Show(ctx context.Context, req ShowRequest) (RunDetail, error) {
	if req.RunID != "" && req.Latest {
		return RunDetail{}, errors.New("use either run id or latest")
	}
	var (
		run model.RunRecord
		err error
	)
	switch {
	case req.RunID != "":
		run, err = c.getRun(ctx, req.RunID)
	case req.Latest:
		run, err = c.latestRun(ctx)
	default:
		err = errors.New("run id or latest is required")
	}
	if err != nil {
		return RunDetail{}, err
	}
	return RunDetail{Run: run, Summary: stats.Summarize(run.Points, run.Params.BiasTolerance)}, nil
}

// Export copies a run's artifacts. Latest resolves against the run index,
// which tracks artifacts on disk.
func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return ExportSummary{}, err
	}
	exportedDir, err := stats.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// Delete removes a run from the store and the run index. Artifact files and
// atlas outputs are left in place.
func (c *Client) Delete(ctx context.Context, runID string) error {
	if runID == "" {
		return errors.New("delete requires run id")
	}
	if err := c.ensureStore(ctx); err != nil {
		return err
	}
	deleted, err := c.store.DeleteRun(ctx, runID)
	if err != nil {
		return err
	}
	indexed, err := stats.RemoveRunIndex(c.runsDir, runID)
	if err != nil {
		return fmt.Errorf("update run index: %w", err)
	}
	if !deleted && !indexed {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

func (c *Client) ensureStore(ctx context.Context) error {
	c.initOnce.Do(func() {
		c.initErr = c.store.Init(ctx)
	})
	return c.initErr
}

func (c *Client) getRun(ctx context.Context, runID string) (model.RunRecord, error) {
	if err := c.ensureStore(ctx); err != nil {
		return model.RunRecord{}, err
	}
	run, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return model.RunRecord{}, err
	}
	if !ok {
		return model.RunRecord{}, fmt.Errorf("run not found: %s", runID)
	}
	return run, nil
}

func (c *Client) latestRun(ctx context.Context) (model.RunRecord, error) {
	if err := c.ensureStore(ctx); err != nil {
		return model.RunRecord{}, err
	}
	runs, err := c.store.ListRuns(ctx, 1)
	if err != nil {
		return model.RunRecord{}, err
	}
	if len(runs) == 0 {
		return model.RunRecord{}, errors.New("no runs available")
	}
	return runs[0], nil
}

func (c *Client) resolveRunID(runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if runID != "" {
		return runID, nil
	}
	if !latest {
		return "", errors.New("run id or latest is required")
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available")
	}
	return entries[0].RunID, nil
}

func validateRequest(req WeightsRequest) error {
	err := requestValidate.Struct(req)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "required_with":
			msgs = append(msgs, fe.Field()+" is required when "+fe.Param()+" is set")
		default:
			msgs = append(msgs, fmt.Sprintf("%s must be %s %s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
		}
	}
	return fmt.Errorf("invalid weights request: %s", strings.Join(msgs, "; "))
}

func loadTargets(path string, targets []float64) ([]float64, error) {
	switch {
	case path != "" && len(targets) > 0:
		return nil, errors.New("use either a target age file or target ages")
	case path != "":
		return input.ReadTargets(path)
	case len(targets) == 0:
		return nil, errors.New("at least one target age is required")
	}
	return append([]float64(nil), targets...), nil
}

func newRunID(now time.Time) string {
	return now.Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}

func runConfig(runID, targetsPath string, p model.RunParams) stats.RunConfig {
	return stats.RunConfig{
		RunID:            runID,
		AgesPath:         p.AgesPath,
		SubjectsPath:     p.SubjectsPath,
		TargetsPath:      targetsPath,
		OutDir:           p.OutDir,
		Prefix:           p.Prefix,
		Targets:          p.Targets,
		TargetCount:      p.TargetCount,
		GridSize:         p.GridSize,
		Iterations:       p.Iterations,
		WindowCandidates: p.WindowCandidates,
		BiasTolerance:    p.BiasTolerance,
		InitialWindow:    p.InitialWindow,
		Workers:          p.Workers,
	}
}

func atlasSummary(a model.AtlasAssignment, dir string) AtlasSummary {
	return AtlasSummary{
		Index:       a.Index,
		TargetAge:   a.TargetAge,
		Age:         a.Time,
		WindowSize:  a.WindowSize,
		WindowStart: a.WindowStart,
		Bias:        a.Bias,
		Subjects:    len(a.Subjects),
		Directory:   dir,
	}
}

func maxAssignedBias(assignments []model.AtlasAssignment) float64 {
	var highest float64
	for _, a := range assignments {
		if a.Bias > highest {
			highest = a.Bias
		}
	}
	return highest
}
