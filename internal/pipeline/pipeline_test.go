package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/signalnine/sweep/internal/dataset"
	"github.com/signalnine/sweep/internal/metrics"
	"github.com/signalnine/sweep/internal/pipeline"
	"github.com/signalnine/sweep/internal/result"
	"github.com/signalnine/sweep/internal/search"
	"github.com/signalnine/sweep/internal/tracking"
	"github.com/signalnine/sweep/internal/trainer"
)

func unit(name string, epochs, imgsz int) pipeline.Unit {
	return pipeline.Unit{RunName: name, Config: search.FromMap(map[string]any{"epochs": epochs, "imgsz": imgsz})}
}

func newComposer(t *testing.T, backend tracking.Backend, exec trainer.Executor) (*pipeline.Composer, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	return &pipeline.Composer{
		Dataset:     &dataset.Preparer{Command: []string{"sweep-no-such-dvc", "pull"}},
		Tracker:     tracking.NewTracker(backend, "cv_yolo_tiny", nil),
		Executor:    exec,
		Data:        "configs/tiny_coco.yaml",
		Model:       "yolov8n.pt",
		Project:     t.TempDir(),
		TrackingURI: "http://localhost:5000",
		Out:         &out,
	}, &out
}

func TestRunBaseline(t *testing.T) {
	backend := tracking.NewMemoryBackend()
	exec := &trainer.FuncExecutor{Train: func(context.Context, trainer.Job) (metrics.Payload, error) {
		return metrics.Payload{"metrics/mAP50(B)": 0.5}, nil
	}}
	c, out := newComposer(t, backend, exec)

	s, err := c.Run(context.Background(), unit("zenml_yolo_tiny_baseline", 3, 320))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.RunName != "zenml_yolo_tiny_baseline" || s.Outcome != result.OutcomeScored || s.Objective != 0.5 {
		t.Errorf("summary: %+v", s)
	}
	runs := backend.Runs()
	if len(runs) != 1 || runs[0].Info.Name != "zenml_yolo_tiny_baseline" || runs[0].Info.Experiment != "cv_yolo_tiny" {
		t.Fatalf("runs: %+v", runs)
	}
	if runs[0].Params["epochs"] != "3" || runs[0].Params["imgsz"] != "320" {
		t.Errorf("params: %v", runs[0].Params)
	}
	if !strings.Contains(out.String(), "zenml_yolo_tiny_baseline") || !strings.Contains(out.String(), "http://localhost:5000") {
		t.Errorf("summary output:\n%s", out.String())
	}
}

func TestRunReportsJobFailure(t *testing.T) {
	exec := &trainer.FuncExecutor{Train: func(context.Context, trainer.Job) (metrics.Payload, error) {
		return nil, errors.New("exit status 1")
	}}
	c, out := newComposer(t, tracking.NewMemoryBackend(), exec)

	s, err := c.Run(context.Background(), unit("baseline", 3, 320))
	if err != nil {
		t.Fatalf("job failure should not be an error: %v", err)
	}
	if s.Outcome != result.OutcomeJobFailed {
		t.Errorf("outcome: got %s", s.Outcome)
	}
	if !strings.Contains(out.String(), "exit status 1") {
		t.Errorf("summary output:\n%s", out.String())
	}
}

func TestRunGrid(t *testing.T) {
	backend := tracking.NewMemoryBackend()
	var seen []string
	exec := &trainer.FuncExecutor{Train: func(_ context.Context, job trainer.Job) (metrics.Payload, error) {
		seen = append(seen, job.RunName)
		if job.RunName == "zenml_yolo_tiny_e5_320" {
			return nil, errors.New("crashed")
		}
		return metrics.Payload{"metrics/mAP50(B)": 0.4}, nil
	}}
	c, _ := newComposer(t, backend, exec)
	units := []pipeline.Unit{
		unit("zenml_yolo_tiny_e3_320", 3, 320),
		unit("zenml_yolo_tiny_e5_320", 5, 320),
		unit("zenml_yolo_tiny_e3_416", 3, 416),
		unit("zenml_yolo_tiny_e5_416", 5, 416),
	}

	summaries, err := c.RunGrid(context.Background(), units)
	if err != nil {
		t.Fatalf("RunGrid: %v", err)
	}
	if len(summaries) != 4 || len(seen) != 4 {
		t.Fatalf("summaries=%d seen=%v", len(summaries), seen)
	}
	for i, u := range units {
		if seen[i] != u.RunName || summaries[i].RunName != u.RunName {
			t.Errorf("unit %d ran out of order: %s", i, seen[i])
		}
		if summaries[i].Meta.Trial != i {
			t.Errorf("unit %d recorded as trial %d", i, summaries[i].Meta.Trial)
		}
	}
	if summaries[1].Outcome != result.OutcomeJobFailed || summaries[2].Outcome != result.OutcomeScored {
		t.Errorf("outcomes: %s %s", summaries[1].Outcome, summaries[2].Outcome)
	}
	if backend.MaxActive() != 1 {
		t.Errorf("max active runs: %d", backend.MaxActive())
	}
}

type downBackend struct {
	*tracking.MemoryBackend
}

func (downBackend) StartRun(context.Context, string, string) (tracking.RunInfo, error) {
	return tracking.RunInfo{}, errors.New("connection refused")
}

func TestRunGridContinuesAfterRunOpenFailure(t *testing.T) {
	exec := &trainer.FuncExecutor{Train: func(context.Context, trainer.Job) (metrics.Payload, error) {
		return metrics.Payload{}, nil
	}}
	c, _ := newComposer(t, downBackend{tracking.NewMemoryBackend()}, exec)

	summaries, err := c.RunGrid(context.Background(), []pipeline.Unit{unit("a", 3, 320), unit("b", 5, 320)})
	var openErr *tracking.RunOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected RunOpenError, got %v", err)
	}
	if len(summaries) != 2 {
		t.Errorf("summaries: got %d, want 2", len(summaries))
	}
}
