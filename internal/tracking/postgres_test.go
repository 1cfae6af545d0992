package tracking_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/signalnine/sweep/internal/tracking"
)

func TestPostgresBackendRoundTrip(t *testing.T) {
	dsn := os.Getenv("SWEEP_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set SWEEP_POSTGRES_DSN to run Postgres tests")
	}
	ctx := context.Background()
	backend, err := tracking.OpenPostgres(ctx, dsn, 5*time.Second)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer backend.Close()

	tr := tracking.NewTracker(backend, "sweep_test", nil)
	var runID string
	err = tr.WithRun(ctx, "pg_trial0_e3_img320", func(ctx context.Context, s *tracking.Scope) error {
		runID = s.Info().ID
		if err := s.LogParams(ctx, map[string]string{"epochs": "3", "imgsz": "320"}); err != nil {
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
	if data.Params["epochs"] != "3" || data.Params["imgsz"] != "320" {
		t.Errorf("params: got %v", data.Params)
	}
	if data.Info.Status != tracking.StatusFinished {
		t.Errorf("status: got %s", data.Info.Status)
	}
	if len(data.Metrics) != 1 {
		t.Errorf("metrics: got %+v", data.Metrics)
	}
}
