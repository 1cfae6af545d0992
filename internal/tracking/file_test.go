package tracking_test

import (
	"context"
	"errors"
	"testing"

	"github.com/signalnine/sweep/internal/tracking"
)

func TestFileBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend, err := tracking.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	tr := tracking.NewTracker(backend, "cv_yolo_tiny_optuna", nil)

	params := map[string]string{"epochs": "3", "imgsz": "320", "model": "yolov8n.pt"}
	var runID string
	err = tr.WithRun(ctx, "t_trial0_e3_img320", func(ctx context.Context, s *tracking.Scope) error {
		runID = s.Info().ID
		if err := s.LogParams(ctx, params); err != nil {
			return err
		}
		if err := s.SetTag(ctx, "study", "cv_yolo_tiny_optuna"); err != nil {
			return err
		}
		return s.LogMetric(ctx, "metrics/mAP50_B", 0.61)
	})
	if err != nil {
		t.Fatalf("WithRun: %v", err)
	}

	data, err := backend.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	for k, v := range params {
		if data.Params[k] != v {
			t.Errorf("param %s: got %q, want %q", k, data.Params[k], v)
		}
	}
	if data.Tags["study"] != "cv_yolo_tiny_optuna" {
		t.Errorf("tag study: got %q", data.Tags["study"])
	}
	if len(data.Metrics) != 1 || data.Metrics[0].Value != 0.61 {
		t.Errorf("metrics: got %+v", data.Metrics)
	}
	if data.Info.Status != tracking.StatusFinished {
		t.Errorf("status: got %s", data.Info.Status)
	}
	if data.Info.Name != "t_trial0_e3_img320" {
		t.Errorf("name: got %q", data.Info.Name)
	}
}

func TestFileBackendUnknownRun(t *testing.T) {
	backend, err := tracking.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	_, err = backend.GetRun(context.Background(), "missing")
	if !errors.Is(err, tracking.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
	if err := backend.LogParam(context.Background(), "../escape", "k", "v"); !errors.Is(err, tracking.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound for path-like id, got %v", err)
	}
}

func TestFileBackendRejectsPathExperiment(t *testing.T) {
	backend, _ := tracking.NewFileBackend(t.TempDir())
	if _, err := backend.StartRun(context.Background(), "../x", "run"); err == nil {
		t.Error("expected error for experiment containing a path")
	}
}

func TestOpenUnknownKind(t *testing.T) {
	if _, err := tracking.Open(context.Background(), tracking.Options{Kind: "wandb"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}
