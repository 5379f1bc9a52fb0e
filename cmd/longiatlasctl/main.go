package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"longiatlas/internal/optimizer"
	"longiatlas/internal/storage"
	api "longiatlas/pkg/longiatlas"
)

const (
	runsDir       = "runs"
	exportsDir    = "exports"
	defaultDBPath = "longiatlas.db"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "weights":
		return runWeights(ctx, args[1:])
	case "select":
		return runSelect(ctx, args[1:])
	case "kernel":
		return runKernel(ctx, args[1:])
	case "inspect":
		return runInspect(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "show":
		return runShow(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "delete":
		return runDelete(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

type clientFlags struct {
	storeKind *string
	dbPath    *string
	verbose   *bool
}

func addClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		storeKind: fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite"),
		dbPath:    fs.String("db-path", defaultDBPath, "sqlite database path"),
		verbose:   fs.Bool("verbose", false, "log debug output"),
	}
}

func (f clientFlags) open() (*api.Client, *zap.Logger, error) {
	logger, err := newLogger(*f.verbose)
	if err != nil {
		return nil, nil, err
	}
	client, err := api.New(api.Options{
		StoreKind:  *f.storeKind,
		DBPath:     *f.dbPath,
		RunsDir:    runsDir,
		ExportsDir: exportsDir,
		Logger:     logger,
	})
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return client, logger, nil
}

func closeClient(client *api.Client, logger *zap.Logger) {
	_ = client.Close()
	_ = logger.Sync()
}

func runWeights(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("weights", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional weights config path (.json, .yaml or .yml)")
	agesPath := fs.String("ages", "", "list of subject ages (text file)")
	subjectsPath := fs.String("subjects", "", "list of subject image paths (text file)")
	targetsPath := fs.String("targets", "", "list of wanted atlas ages (text file)")
	outDir := fs.String("out", "", "output directory")
	prefix := fs.String("prefix", "", "copied subject prefix <dir>/<base> (empty disables copying)")
	targetCount := fs.Int("n", 0, "desired number of subjects per atlas")
	gridSize := fs.Int("grid-size", optimizer.DefaultGridSize, "number of age grid points")
	iterations := fs.Int("iterations", optimizer.DefaultIterations, "number of optimization rounds")
	candidates := fs.Int("candidates", optimizer.DefaultWindowCandidates, "window start candidates per grid point")
	tolBias := fs.Float64("tol-bias", optimizer.DefaultBiasTolerance, "maximum temporal bias of a usable grid point")
	initWindow := fs.Float64("init-window", optimizer.DefaultInitialWindow, "initial window width in years")
	workers := fs.Int("workers", optimizer.DefaultWorkers, "grid points evaluated concurrently")
	runID := fs.String("run-id", "", "explicit run id (optional)")
	checkSubjects := fs.Bool("check-subjects", false, "probe every subject file before optimizing")
	jsonOut := fs.Bool("json", false, "emit the run summary as JSON")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	req, err := loadOrDefaultWeightsRequest(*configPath)
	if err != nil {
		return err
	}
	if *configPath == "" {
		req = api.WeightsRequest{
			AgesPath:         *agesPath,
			SubjectsPath:     *subjectsPath,
			TargetsPath:      *targetsPath,
			OutDir:           *outDir,
			Prefix:           *prefix,
			TargetCount:      *targetCount,
			GridSize:         *gridSize,
			Iterations:       *iterations,
			WindowCandidates: *candidates,
			BiasTolerance:    *tolBias,
			InitialWindow:    *initWindow,
			Workers:          *workers,
			RunID:            *runID,
			CheckSubjects:    *checkSubjects,
		}
	} else {
		err := overrideFromFlags(&req, setFlags, map[string]any{
			"ages":           *agesPath,
			"subjects":       *subjectsPath,
			"targets":        *targetsPath,
			"out":            *outDir,
			"prefix":         *prefix,
			"n":              *targetCount,
			"grid-size":      *gridSize,
			"iterations":     *iterations,
			"candidates":     *candidates,
			"tol-bias":       *tolBias,
			"init-window":    *initWindow,
			"workers":        *workers,
			"run-id":         *runID,
			"check-subjects": *checkSubjects,
		})
		if err != nil {
			return err
		}
	}

	client, logger, err := cf.open()
	if err != nil {
		return err
	}
	defer closeClient(client, logger)

	req.Progress = func(s optimizer.RoundStats) {
		logger.Info("optimization round",
			zap.Int("round", s.Round),
			zap.Int("rounds", s.Rounds),
			zap.Int("usable", s.Usable),
			zap.Int("degenerate", s.Degenerate),
			zap.Float64("max_bias", s.MaxBias),
			zap.Bool("smoothed", s.Smoothed),
		)
	}
	summary, err := client.ComputeWeights(ctx, req)
	if err != nil {
		return err
	}

	if *jsonOut {
		return writeJSON(summary)
	}
	fmt.Printf("run_id=%s out_dir=%s subjects=%d usable_points=%d/%d\n",
		summary.RunID, summary.OutDir, summary.SubjectCount, summary.Model.UsablePoints, summary.Model.GridSize)
	fmt.Printf("model_info=%s atlas_ages=%s artifacts=%s\n", summary.ModelInfoPath, summary.AtlasAgesPath, summary.ArtifactsDir)
	for _, a := range summary.Atlases {
		fmt.Printf("atlas=%d target=%g age=%s window=%s start=%s bias=%s subjects=%d dir=%s\n",
			a.Index, a.TargetAge, formatFloat(a.Age), formatFloat(a.WindowSize), formatFloat(a.WindowStart),
			formatFloat(a.Bias), a.Subjects, a.Directory)
	}
	return nil
}

func runSelect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("select", flag.ContinueOnError)
	runID := fs.String("run-id", "", "stored run to select from")
	modelInfo := fs.String("model-info", "", "modelInfo.csv to select from")
	targetsPath := fs.String("targets", "", "list of wanted atlas ages (text file)")
	ages := fs.String("target-ages", "", "comma-separated wanted atlas ages")
	tolBias := fs.Float64("tol-bias", 0, "maximum temporal bias (0 uses the run's tolerance)")
	agesPath := fs.String("ages", "", "list of subject ages, resolves subjects and weights")
	subjectsPath := fs.String("subjects", "", "list of subject image paths")
	outDir := fs.String("out", "", "write atlas directories here (requires -ages)")
	prefix := fs.String("prefix", "", "copied subject prefix <dir>/<base>")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	targets, err := parseFloatList(*ages)
	if err != nil {
		return fmt.Errorf("target-ages: %w", err)
	}

	client, logger, err := cf.open()
	if err != nil {
		return err
	}
	defer closeClient(client, logger)

	summary, err := client.Select(ctx, api.SelectRequest{
		RunID:         *runID,
		ModelInfoPath: *modelInfo,
		TargetsPath:   *targetsPath,
		Targets:       targets,
		BiasTolerance: *tolBias,
		AgesPath:      *agesPath,
		SubjectsPath:  *subjectsPath,
		OutDir:        *outDir,
		Prefix:        *prefix,
	})
	if err != nil {
		return err
	}
	fmt.Printf("source=%s atlases=%d\n", summary.Source, len(summary.Assignments))
	for _, a := range summary.Assignments {
		fmt.Printf("atlas=%d target=%g grid_index=%d age=%s window=%s start=%s bias=%s subjects=%d\n",
			a.Index, a.TargetAge, a.GridIndex, formatFloat(a.Time), formatFloat(a.WindowSize),
			formatFloat(a.WindowStart), formatFloat(a.Bias), len(a.Subjects))
	}
	if summary.OutDir != "" {
		fmt.Printf("out_dir=%s\n", summary.OutDir)
	}
	return nil
}

func runKernel(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("kernel", flag.ContinueOnError)
	agesPath := fs.String("ages", "", "list of subject ages (text file)")
	ages := fs.String("age-values", "", "comma-separated subject ages")
	t := fs.Float64("t", 0, "grid time")
	s := fs.Float64("s", optimizer.DefaultInitialWindow, "window width")
	start := fs.String("start", "", "window start (default t-s/2)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	values, err := parseFloatList(*ages)
	if err != nil {
		return fmt.Errorf("age-values: %w", err)
	}
	req := api.KernelRequest{AgesPath: *agesPath, Ages: values, Time: *t, Window: *s}
	if *start != "" {
		v, err := strconv.ParseFloat(*start, 64)
		if err != nil {
			return fmt.Errorf("start: %w", err)
		}
		req.Start = &v
	}

	client, err := api.New(api.Options{StoreKind: storage.KindMemory})
	if err != nil {
		return err
	}
	defer client.Close()

	k, err := client.Kernel(req)
	if err != nil {
		return err
	}
	fmt.Printf("a=%s b=%s c=%s d=%s\n",
		formatFloat(k.Coefficients.A), formatFloat(k.Coefficients.B), formatFloat(k.Coefficients.C), formatFloat(k.Coefficients.D))
	fmt.Printf("start=%s count=%d bias=%s\n", formatFloat(k.Start), k.Count, formatFloat(k.Bias))
	for i, idx := range k.Included {
		fmt.Printf("subject=%d weight=%s\n", idx+1, formatFloat(k.Weights[i]))
	}
	return nil
}

func runInspect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	subjectsPath := fs.String("subjects", "", "list of subject image paths")
	jsonOut := fs.Bool("json", false, "emit probe results as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := api.New(api.Options{StoreKind: storage.KindMemory})
	if err != nil {
		return err
	}
	defer client.Close()

	infos, err := client.Inspect(ctx, api.InspectRequest{SubjectsPath: *subjectsPath, Paths: fs.Args()})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(infos)
	}
	for _, info := range infos {
		dims := make([]string, 0, len(info.Dims))
		for _, d := range info.Dims {
			dims = append(dims, strconv.Itoa(d))
		}
		pix := make([]string, 0, len(info.PixDim))
		for _, p := range info.PixDim {
			pix = append(pix, formatFloat(p))
		}
		fmt.Printf("path=%s format=%s compressed=%t size=%d dims=%s pixdim=%s datatype=%d\n",
			info.Path, info.Format, info.Compressed, info.Size, strings.Join(dims, "x"), strings.Join(pix, "x"), info.Datatype)
	}
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, logger, err := cf.open()
	if err != nil {
		return err
	}
	defer closeClient(client, logger)

	items, err := client.Runs(ctx, api.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(items)
	}
	if len(items) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, item := range items {
		fmt.Printf("run_id=%s created_at=%s subjects=%d n=%d grid_size=%d atlases=%d usable_points=%d max_bias=%s out_dir=%s\n",
			item.RunID, item.CreatedAtUTC, item.SubjectCount, item.TargetCount, item.GridSize,
			item.Atlases, item.UsablePoints, formatFloat(item.MaxBias), item.OutDir)
	}
	return nil
}

func runShow(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "show the most recent run")
	jsonOut := fs.Bool("json", false, "emit the run as JSON")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, logger, err := cf.open()
	if err != nil {
		return err
	}
	defer closeClient(client, logger)

	detail, err := client.Show(ctx, api.ShowRequest{RunID: *runID, Latest: *latest})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(detail)
	}
	run, s := detail.Run, detail.Summary
	fmt.Printf("run_id=%s created_at=%s subjects=%d n=%d grid_size=%d iterations=%d tol_bias=%s\n",
		run.ID, run.CreatedAtUTC, run.SubjectCount, run.Params.TargetCount, run.Params.GridSize,
		run.Params.Iterations, formatFloat(run.Params.BiasTolerance))
	fmt.Printf("usable_points=%d degenerate=%d bias_mean=%s bias_max=%s count_mean=%s window_min=%s window_max=%s\n",
		s.UsablePoints, s.Degenerate, formatFloat(s.BiasMean), formatFloat(s.BiasMax), formatFloat(s.CountMean),
		formatFloat(s.WindowMin), formatFloat(s.WindowMax))
	for _, a := range run.Assignments {
		fmt.Printf("atlas=%d target=%g age=%s bias=%s subjects=%d\n",
			a.Index, a.TargetAge, formatFloat(a.Time), formatFloat(a.Bias), len(a.Subjects))
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run")
	outDir := fs.String("out", exportsDir, "export directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := api.New(api.Options{StoreKind: storage.KindMemory, RunsDir: runsDir, ExportsDir: exportsDir})
	if err != nil {
		return err
	}
	defer client.Close()

	exported, err := client.Export(ctx, api.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Printf("exported run_id=%s dir=%s\n", exported.RunID, exported.Directory)
	return nil
}

func runDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, logger, err := cf.open()
	if err != nil {
		return err
	}
	defer closeClient(client, logger)

	if err := client.Delete(ctx, *runID); err != nil {
		return err
	}
	fmt.Printf("deleted run_id=%s\n", *runID)
	return nil
}

func parseFloatList(raw string) ([]float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]float64, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

func writeJSON(value any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: longiatlasctl <weights|select|kernel|inspect|runs|show|export|delete> [flags]", msg)
}
