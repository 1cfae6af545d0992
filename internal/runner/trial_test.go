package runner_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/signalnine/sweep/internal/metrics"
	"github.com/signalnine/sweep/internal/result"
	"github.com/signalnine/sweep/internal/runner"
	"github.com/signalnine/sweep/internal/search"
	"github.com/signalnine/sweep/internal/tracking"
	"github.com/signalnine/sweep/internal/trainer"
)

type unreachableBackend struct {
	*tracking.MemoryBackend
}

func (unreachableBackend) StartRun(context.Context, string, string) (tracking.RunInfo, error) {
	return tracking.RunInfo{}, errors.New("connection refused")
}

type fakeUploader struct {
	dir, prefix string
}

func (u *fakeUploader) UploadDir(_ context.Context, dir, prefix string) (string, error) {
	u.dir, u.prefix = dir, prefix
	return "s3://artifacts/" + prefix, nil
}

func returning(payload metrics.Payload, err error) *trainer.FuncExecutor {
	return &trainer.FuncExecutor{Train: func(context.Context, trainer.Job) (metrics.Payload, error) {
		return payload, err
	}}
}

func trialOpts(t *testing.T, backend tracking.Backend, exec trainer.Executor) *runner.TrialOpts {
	t.Helper()
	return &runner.TrialOpts{
		Tracker:  tracking.NewTracker(backend, "exp", nil),
		Executor: exec,
		Study:    "exp",
		Trial:    0,
		RunName:  "t_trial0_e3_img320",
		Config:   search.FromMap(map[string]any{"epochs": 3, "imgsz": 320}),
		Data:     "configs/tiny_coco.yaml",
		Model:    "yolov8n.pt",
		Project:  t.TempDir(),
		Params:   map[string]string{"trial_number": "0"},
		Tags:     map[string]string{"study": "exp"},
	}
}

func TestRunTrialScored(t *testing.T) {
	backend := tracking.NewMemoryBackend()
	opts := trialOpts(t, backend, returning(metrics.Payload{"metrics/mAP50(B)": 0.61, "metrics/recall(B)": 0.5}, nil))
	opts.ResultsDir = t.TempDir()

	meta, err := runner.RunTrial(context.Background(), opts)
	if err != nil {
		t.Fatalf("RunTrial: %v", err)
	}
	if meta.Objective != 0.61 || meta.Outcome != result.OutcomeScored || meta.Degraded {
		t.Errorf("unexpected meta: %+v", meta)
	}

	runs := backend.Runs()
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	run := runs[0]
	if run.Info.Status != tracking.StatusFinished || run.Info.Name != "t_trial0_e3_img320" {
		t.Errorf("run info: %+v", run.Info)
	}
	wantParams := map[string]string{
		"epochs":       "3",
		"imgsz":        "320",
		"data":         "configs/tiny_coco.yaml",
		"model":        "yolov8n.pt",
		"output_dir":   filepath.Join(opts.Project, "t_trial0_e3_img320"),
		"trial_number": "0",
	}
	for k, v := range wantParams {
		if run.Params[k] != v {
			t.Errorf("param %s: got %q, want %q", k, run.Params[k], v)
		}
	}
	if run.Tags["study"] != "exp" || run.Tags["outcome"] != "scored" {
		t.Errorf("tags: %v", run.Tags)
	}
	logged := map[string]float64{}
	for _, m := range run.Metrics {
		logged[m.Key] = m.Value
	}
	if logged["metrics/mAP50_B"] != 0.61 || logged["metrics/recall_B"] != 0.5 {
		t.Errorf("metrics: %v", logged)
	}

	stored, err := result.ReadTrialMeta(filepath.Join(result.TrialDir(opts.ResultsDir, opts.RunName), "meta.json"))
	if err != nil {
		t.Fatalf("ReadTrialMeta: %v", err)
	}
	if stored.Objective != 0.61 || stored.RunID != run.Info.ID {
		t.Errorf("stored meta: %+v", stored)
	}
}

func TestRunTrialJobFailure(t *testing.T) {
	backend := tracking.NewMemoryBackend()
	opts := trialOpts(t, backend, returning(nil, errors.New("dataset not found")))

	meta, err := runner.RunTrial(context.Background(), opts)
	if err != nil {
		t.Fatalf("RunTrial: %v", err)
	}
	if meta.Objective != 0 || meta.Outcome != result.OutcomeJobFailed || !meta.Degraded {
		t.Errorf("unexpected meta: %+v", meta)
	}
	if meta.Error == "" {
		t.Error("expected the job error to be recorded")
	}

	run := backend.Runs()[0]
	if run.Info.Status != tracking.StatusFailed {
		t.Errorf("status: got %s, want FAILED", run.Info.Status)
	}
	if len(run.Metrics) != 1 || run.Metrics[0].Key != metrics.FailedMarker {
		t.Errorf("metrics: %+v", run.Metrics)
	}
	if run.Tags["outcome"] != "job_failed" {
		t.Errorf("tags: %v", run.Tags)
	}
}

func TestRunTrialNoMetric(t *testing.T) {
	backend := tracking.NewMemoryBackend()
	opts := trialOpts(t, backend, returning(metrics.Payload{}, nil))

	meta, err := runner.RunTrial(context.Background(), opts)
	if err != nil {
		t.Fatalf("RunTrial: %v", err)
	}
	if meta.Objective != 0 || meta.Outcome != result.OutcomeNoMetric || !meta.Degraded {
		t.Errorf("unexpected meta: %+v", meta)
	}
	run := backend.Runs()[0]
	if run.Info.Status != tracking.StatusFinished {
		t.Errorf("status: got %s", run.Info.Status)
	}
	if len(run.Metrics) != 1 || run.Metrics[0].Key != metrics.FinishedMarker || run.Metrics[0].Value != 1 {
		t.Errorf("metrics: %+v", run.Metrics)
	}
}

func TestRunTrialNonNumericPrimary(t *testing.T) {
	backend := tracking.NewMemoryBackend()
	opts := trialOpts(t, backend, returning(metrics.Payload{"metrics/mAP50(B)": "n/a", "metrics/recall(B)": 0.3}, nil))

	meta, err := runner.RunTrial(context.Background(), opts)
	if err != nil {
		t.Fatalf("RunTrial: %v", err)
	}
	if meta.Outcome != result.OutcomeNoMetric || meta.Metrics["metrics/recall_B"] != 0.3 {
		t.Errorf("unexpected meta: %+v", meta)
	}
}

func TestRunTrialRetries(t *testing.T) {
	calls := 0
	exec := &trainer.FuncExecutor{Train: func(context.Context, trainer.Job) (metrics.Payload, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient")
		}
		return metrics.Payload{"metrics/mAP50(B)": 0.4}, nil
	}}
	opts := trialOpts(t, tracking.NewMemoryBackend(), exec)
	opts.Retries = 2

	meta, err := runner.RunTrial(context.Background(), opts)
	if err != nil {
		t.Fatalf("RunTrial: %v", err)
	}
	if calls != 2 || meta.Attempts != 2 || meta.Outcome != result.OutcomeScored {
		t.Errorf("calls=%d meta=%+v", calls, meta)
	}
}

func TestRunTrialRunOpenFailure(t *testing.T) {
	called := false
	exec := &trainer.FuncExecutor{Train: func(context.Context, trainer.Job) (metrics.Payload, error) {
		called = true
		return metrics.Payload{"metrics/mAP50(B)": 0.9}, nil
	}}
	opts := trialOpts(t, unreachableBackend{tracking.NewMemoryBackend()}, exec)

	meta, err := runner.RunTrial(context.Background(), opts)
	var openErr *tracking.RunOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected RunOpenError, got %v", err)
	}
	if called {
		t.Error("training ran without an open run")
	}
	if meta == nil || meta.Outcome != result.OutcomeRunOpenFailed || meta.Objective != 0 || !meta.Degraded {
		t.Errorf("unexpected meta: %+v", meta)
	}
}

func TestRunTrialUploadsArtifacts(t *testing.T) {
	backend := tracking.NewMemoryBackend()
	up := &fakeUploader{}
	opts := trialOpts(t, backend, returning(metrics.Payload{"metrics/mAP50(B)": 0.5}, nil))
	opts.Uploader = up

	meta, err := runner.RunTrial(context.Background(), opts)
	if err != nil {
		t.Fatalf("RunTrial: %v", err)
	}
	if up.prefix != "exp/t_trial0_e3_img320" || up.dir != meta.OutputDir {
		t.Errorf("upload: dir=%q prefix=%q", up.dir, up.prefix)
	}
	if meta.ArtifactURI != "s3://artifacts/exp/t_trial0_e3_img320" {
		t.Errorf("artifact uri: %q", meta.ArtifactURI)
	}
	if backend.Runs()[0].Params["artifact_uri"] != meta.ArtifactURI {
		t.Errorf("artifact_uri param not logged")
	}
}
