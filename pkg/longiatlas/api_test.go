package longiatlas

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"longiatlas/internal/atlas"
	"longiatlas/internal/input"
	"longiatlas/internal/optimizer"
	"longiatlas/internal/stats"
)

type fixture struct {
	agesPath     string
	subjectsPath string
	targetsPath  string
	subjects     []string
}

// newFixture writes 21 subjects aged 0 to 10 in half-year steps.
func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	var ages, subjects strings.Builder
	f := fixture{
		agesPath:     filepath.Join(dir, "ages.txt"),
		subjectsPath: filepath.Join(dir, "subjects.txt"),
		targetsPath:  filepath.Join(dir, "targets.txt"),
	}
	for i := 0; i <= 20; i++ {
		path := filepath.Join(dir, fmt.Sprintf("sub-%02d_T1w.nii.gz", i))
		if err := os.WriteFile(path, []byte{byte(i)}, 0o644); err != nil {
			t.Fatalf("write subject: %v", err)
		}
		f.subjects = append(f.subjects, path)
		fmt.Fprintf(&ages, "%g\n", float64(i)/2)
		fmt.Fprintf(&subjects, "%s\n", path)
	}
	for path, content := range map[string]string{
		f.agesPath:     ages.String(),
		f.subjectsPath: subjects.String(),
		f.targetsPath:  "# atlas ages\n3\n7\n",
	} {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	return f
}

func newTestClient(t *testing.T, opts Options) *Client {
	t.Helper()
	if opts.StoreKind == "" {
		opts.StoreKind = "memory"
	}
	if opts.RunsDir == "" {
		opts.RunsDir = filepath.Join(t.TempDir(), "runs")
	}
	if opts.ExportsDir == "" {
		opts.ExportsDir = filepath.Join(t.TempDir(), "exports")
	}
	client, err := New(opts)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func weightsRequest(f fixture, outDir string) WeightsRequest {
	return WeightsRequest{
		AgesPath:         f.agesPath,
		SubjectsPath:     f.subjectsPath,
		TargetsPath:      f.targetsPath,
		OutDir:           outDir,
		Prefix:           filepath.Join("images", "sub"),
		TargetCount:      5,
		GridSize:         50,
		Iterations:       10,
		WindowCandidates: 200,
		Workers:          2,
	}
}

func TestClientComputeWeightsRunsAndExport(t *testing.T) {
	f := newFixture(t)
	outDir := filepath.Join(t.TempDir(), "out")
	client := newTestClient(t, Options{})
	client.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }

	rounds := 0
	req := weightsRequest(f, outDir)
	req.Progress = func(optimizer.RoundStats) { rounds++ }
	summary, err := client.ComputeWeights(context.Background(), req)
	if err != nil {
		t.Fatalf("compute weights: %v", err)
	}
	if !strings.HasPrefix(summary.RunID, "20260301T100000Z-") {
		t.Fatalf("unexpected run id %q", summary.RunID)
	}
	if rounds != 10 {
		t.Fatalf("expected 10 progress rounds, got %d", rounds)
	}
	if summary.SubjectCount != 21 || len(summary.Atlases) != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.Model.GridSize != 50 || summary.Model.UsablePoints == 0 {
		t.Fatalf("unexpected model summary: %+v", summary.Model)
	}

	for _, a := range summary.Atlases {
		if a.Bias >= optimizer.DefaultBiasTolerance {
			t.Fatalf("atlas %d assigned a biased grid point: %+v", a.Index, a)
		}
		if math.Abs(a.Age-a.TargetAge) > 0.5 {
			t.Fatalf("atlas %d age %g too far from target %g", a.Index, a.Age, a.TargetAge)
		}
		weights, err := atlas.ReadWeights(filepath.Join(a.Directory, atlas.WeightsFile))
		if err != nil {
			t.Fatalf("read weights: %v", err)
		}
		if len(weights) != a.Subjects {
			t.Fatalf("atlas %d: %d weights for %d subjects", a.Index, len(weights), a.Subjects)
		}
		var sum float64
		for _, w := range weights {
			sum += w
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Fatalf("atlas %d weights sum to %g", a.Index, sum)
		}
		if _, err := os.Stat(filepath.Join(a.Directory, "images", "sub_1.nii.gz")); err != nil {
			t.Fatalf("expected copied subject in atlas %d: %v", a.Index, err)
		}
	}
	for _, path := range []string{summary.ModelInfoPath, summary.AtlasAgesPath} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected output %s: %v", path, err)
		}
	}
	points, err := stats.ReadModelInfo(summary.ModelInfoPath)
	if err != nil || len(points) != 50 {
		t.Fatalf("read model info: %d points err=%v", len(points), err)
	}

	runs, err := client.Runs(context.Background(), RunsRequest{Limit: 5})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != summary.RunID || runs[0].Atlases != 2 {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	detail, err := client.Show(context.Background(), ShowRequest{Latest: true})
	if err != nil {
		t.Fatalf("show latest: %v", err)
	}
	if detail.Run.ID != summary.RunID || len(detail.Run.Points) != 50 || detail.Summary.UsablePoints != summary.Model.UsablePoints {
		t.Fatalf("unexpected run detail: id=%s points=%d summary=%+v", detail.Run.ID, len(detail.Run.Points), detail.Summary)
	}

	exported, err := client.Export(context.Background(), ExportRequest{Latest: true})
	if err != nil {
		t.Fatalf("export latest: %v", err)
	}
	if exported.RunID != summary.RunID {
		t.Fatalf("exported run mismatch: got=%s want=%s", exported.RunID, summary.RunID)
	}
	for _, file := range []string{"config.json", stats.ModelInfoFile, "assignments.json", "summary.json"} {
		if _, err := os.Stat(filepath.Join(exported.Directory, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}

	if err := client.Delete(context.Background(), summary.RunID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := client.Show(context.Background(), ShowRequest{RunID: summary.RunID}); err == nil {
		t.Fatal("expected deleted run to be missing")
	}
	if err := client.Delete(context.Background(), summary.RunID); err == nil {
		t.Fatal("expected second delete to fail")
	}
}

func TestClientSelectMatchesStoredRun(t *testing.T) {
	f := newFixture(t)
	client := newTestClient(t, Options{})
	summary, err := client.ComputeWeights(context.Background(), weightsRequest(f, filepath.Join(t.TempDir(), "out")))
	if err != nil {
		t.Fatalf("compute weights: %v", err)
	}

	fromRun, err := client.Select(context.Background(), SelectRequest{RunID: summary.RunID, Targets: []float64{3, 7}})
	if err != nil {
		t.Fatalf("select from run: %v", err)
	}
	fromFile, err := client.Select(context.Background(), SelectRequest{ModelInfoPath: summary.ModelInfoPath, Targets: []float64{3, 7}})
	if err != nil {
		t.Fatalf("select from file: %v", err)
	}
	for i, a := range summary.Atlases {
		if fromRun.Assignments[i].Time != a.Age || fromFile.Assignments[i].Time != a.Age {
			t.Fatalf("atlas %d: run=%g file=%g want %g", a.Index, fromRun.Assignments[i].Time, fromFile.Assignments[i].Time, a.Age)
		}
	}
	if fromRun.Assignments[0].Subjects != nil {
		t.Fatal("expected unresolved assignments without an age list")
	}

	outDir := filepath.Join(t.TempDir(), "reselect")
	written, err := client.Select(context.Background(), SelectRequest{
		RunID:    summary.RunID,
		Targets:  []float64{5},
		AgesPath: f.agesPath,
		OutDir:   outDir,
	})
	if err != nil {
		t.Fatalf("select and write: %v", err)
	}
	if len(written.Assignments) != 1 || len(written.Assignments[0].Subjects) == 0 {
		t.Fatalf("unexpected written selection: %+v", written.Assignments)
	}
	if !strings.HasPrefix(written.Assignments[0].Subjects[0], "subject_") {
		t.Fatalf("expected synthesized subject names, got %v", written.Assignments[0].Subjects)
	}
	if _, err := os.Stat(filepath.Join(outDir, "atlas_1", atlas.SubjectsFile)); err != nil {
		t.Fatalf("expected written atlas: %v", err)
	}
}

func TestClientSelectRejectsBadRequests(t *testing.T) {
	client := newTestClient(t, Options{})
	ctx := context.Background()
	cases := []SelectRequest{
		{Targets: []float64{1}},
		{RunID: "a", ModelInfoPath: "b", Targets: []float64{1}},
		{ModelInfoPath: "m.csv", Targets: []float64{1}, OutDir: "out"},
		{ModelInfoPath: "m.csv", Targets: []float64{1}, AgesPath: "a.txt", Prefix: "x/y"},
		{ModelInfoPath: "m.csv"},
		{RunID: "missing", Targets: []float64{1}},
	}
	for i, req := range cases {
		if _, err := client.Select(ctx, req); err == nil {
			t.Fatalf("case %d: expected error for %+v", i, req)
		}
	}
}

func TestClientComputeWeightsValidation(t *testing.T) {
	f := newFixture(t)
	client := newTestClient(t, Options{})
	ctx := context.Background()

	noAges := weightsRequest(f, t.TempDir())
	noAges.AgesPath = ""
	if _, err := client.ComputeWeights(ctx, noAges); err == nil || !strings.Contains(err.Error(), "AgesPath is required") {
		t.Fatalf("expected ages validation error, got %v", err)
	}

	prefixOnly := weightsRequest(f, t.TempDir())
	prefixOnly.SubjectsPath = ""
	if _, err := client.ComputeWeights(ctx, prefixOnly); err == nil || !strings.Contains(err.Error(), "SubjectsPath") {
		t.Fatalf("expected subjects validation error, got %v", err)
	}

	noCount := weightsRequest(f, t.TempDir())
	noCount.TargetCount = 0
	if _, err := client.ComputeWeights(ctx, noCount); err == nil {
		t.Fatal("expected target count validation error")
	}

	bothTargets := weightsRequest(f, t.TempDir())
	bothTargets.Targets = []float64{3}
	if _, err := client.ComputeWeights(ctx, bothTargets); err == nil {
		t.Fatal("expected conflicting targets error")
	}

	missingSubject := weightsRequest(f, t.TempDir())
	missingSubject.CheckSubjects = true
	missingSubject.Prefix = ""
	if err := os.Remove(f.subjects[0]); err != nil {
		t.Fatalf("remove subject: %v", err)
	}
	if _, err := client.ComputeWeights(ctx, missingSubject); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}

func TestClientComputeWeightsChecksCopiedSubjectsBeforeOptimizing(t *testing.T) {
	f := newFixture(t)
	client := newTestClient(t, Options{})
	if err := os.Remove(f.subjects[len(f.subjects)-1]); err != nil {
		t.Fatalf("remove subject: %v", err)
	}

	rounds := 0
	outDir := filepath.Join(t.TempDir(), "out")
	req := weightsRequest(f, outDir)
	req.Progress = func(optimizer.RoundStats) { rounds++ }
	_, err := client.ComputeWeights(context.Background(), req)
	if !errors.Is(err, input.ErrMissingSubject) {
		t.Fatalf("expected ErrMissingSubject, got %v", err)
	}
	if rounds != 0 {
		t.Fatalf("expected no optimization rounds, got %d", rounds)
	}
	if _, err := os.Stat(filepath.Join(outDir, stats.ModelInfoFile)); !os.IsNotExist(err) {
		t.Fatalf("expected no model info, got %v", err)
	}

	// Without copying, subject files are never touched.
	req.Prefix = ""
	if _, err := client.ComputeWeights(context.Background(), req); err != nil {
		t.Fatalf("compute weights without prefix: %v", err)
	}
}

func TestClientDeleteMovesLatestToPreviousRun(t *testing.T) {
	f := newFixture(t)
	client := newTestClient(t, Options{})
	ctx := context.Background()

	var ids []string
	for _, day := range []int{1, 2} {
		client.now = func() time.Time { return time.Date(2026, 3, day, 10, 0, 0, 0, time.UTC) }
		req := weightsRequest(f, filepath.Join(t.TempDir(), "out"))
		req.Prefix = ""
		summary, err := client.ComputeWeights(ctx, req)
		if err != nil {
			t.Fatalf("compute weights day %d: %v", day, err)
		}
		ids = append(ids, summary.RunID)
	}

	if err := client.Delete(ctx, ids[1]); err != nil {
		t.Fatalf("delete newest run: %v", err)
	}

	detail, err := client.Show(ctx, ShowRequest{Latest: true})
	if err != nil {
		t.Fatalf("show latest after delete: %v", err)
	}
	if detail.Run.ID != ids[0] {
		t.Fatalf("show latest: got %s want %s", detail.Run.ID, ids[0])
	}
	exported, err := client.Export(ctx, ExportRequest{Latest: true})
	if err != nil {
		t.Fatalf("export latest after delete: %v", err)
	}
	if exported.RunID != ids[0] {
		t.Fatalf("export latest: got %s want %s", exported.RunID, ids[0])
	}
	entries, err := stats.ListRunIndex(client.runsDir)
	if err != nil {
		t.Fatalf("list run index: %v", err)
	}
	if len(entries) != 1 || entries[0].RunID != ids[0] {
		t.Fatalf("unexpected run index after delete: %+v", entries)
	}

	if err := client.Delete(ctx, ids[0]); err != nil {
		t.Fatalf("delete last run: %v", err)
	}
	if _, err := client.Show(ctx, ShowRequest{Latest: true}); err == nil {
		t.Fatal("expected show latest to fail with no runs")
	}
}

func TestClientComputeWeightsHonorsCancellation(t *testing.T) {
	f := newFixture(t)
	client := newTestClient(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outDir := filepath.Join(t.TempDir(), "out")
	if _, err := client.ComputeWeights(ctx, weightsRequest(f, outDir)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, stats.ModelInfoFile)); !os.IsNotExist(err) {
		t.Fatalf("expected no model info after cancellation, got %v", err)
	}
}

func TestClientSQLiteRunsPersistAcrossClients(t *testing.T) {
	f := newFixture(t)
	dbPath := filepath.Join(t.TempDir(), "longiatlas.db")
	runsDir := filepath.Join(t.TempDir(), "runs")

	first := newTestClient(t, Options{StoreKind: "sqlite", DBPath: dbPath, RunsDir: runsDir})
	req := weightsRequest(f, filepath.Join(t.TempDir(), "out"))
	req.RunID = "fixed-run"
	req.Prefix = ""
	if _, err := first.ComputeWeights(context.Background(), req); err != nil {
		t.Fatalf("compute weights: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close first client: %v", err)
	}

	second := newTestClient(t, Options{StoreKind: "sqlite", DBPath: dbPath, RunsDir: runsDir})
	detail, err := second.Show(context.Background(), ShowRequest{RunID: "fixed-run"})
	if err != nil {
		t.Fatalf("show persisted run: %v", err)
	}
	if detail.Run.Params.TargetCount != 5 || len(detail.Run.Assignments) != 2 {
		t.Fatalf("unexpected persisted run: %+v", detail.Run.Params)
	}
}

func TestClientKernel(t *testing.T) {
	client := newTestClient(t, Options{})
	got, err := client.Kernel(KernelRequest{Ages: []float64{1, 2, 3, 4, 5}, Time: 3, Window: 4})
	if err != nil {
		t.Fatalf("kernel: %v", err)
	}
	if got.Start != 1 || got.Count != 3 {
		t.Fatalf("unexpected kernel summary: %+v", got)
	}
	if len(got.Included) != 3 || got.Included[0] != 1 || got.Included[2] != 3 {
		t.Fatalf("unexpected included subjects: %v", got.Included)
	}
	if got.Bias > 1e-12 {
		t.Fatalf("expected symmetric kernel to be unbiased, got %g", got.Bias)
	}

	start := 10.0
	if _, err := client.Kernel(KernelRequest{Ages: []float64{1, 2}, Time: 3, Window: 1, Start: &start}); err == nil {
		t.Fatal("expected empty window error")
	}
	if _, err := client.Kernel(KernelRequest{Time: 3, Window: 1}); !errors.Is(err, optimizer.ErrNoAges) {
		t.Fatalf("expected ErrNoAges, got %v", err)
	}
}

func TestClientInspect(t *testing.T) {
	f := newFixture(t)
	client := newTestClient(t, Options{})
	if _, err := client.Inspect(context.Background(), InspectRequest{}); err == nil {
		t.Fatal("expected missing input error")
	}
	// The fixture files are one byte long, which is not a valid header.
	if _, err := client.Inspect(context.Background(), InspectRequest{SubjectsPath: f.subjectsPath}); err == nil {
		t.Fatal("expected header error for truncated images")
	}
	other := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(other, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	infos, err := client.Inspect(context.Background(), InspectRequest{Paths: []string{other}})
	if err != nil || len(infos) != 1 || infos[0].Size != 5 {
		t.Fatalf("unexpected inspect result %+v err=%v", infos, err)
	}
}
