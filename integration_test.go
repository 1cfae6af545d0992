//go:build integration

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalnine/sweep/cmd"
	"github.com/signalnine/sweep/internal/result"
)

func TestContainerStudyIntegration(t *testing.T) {
	if os.Getenv("SWEEP_DOCKER_TESTS") == "" {
		t.Skip("set SWEEP_DOCKER_TESTS=1 to run integration tests")
	}

	dir := t.TempDir()
	cfg := fmt.Sprintf(`study:
  name: integration
  prefix: it
  trials: 2
  sampler: grid
training:
  mode: container
  image: alpine:latest
  command: ["sh", "-c", "echo '{\"metrics/mAP50(B)\": 0.{epochs}}' > /output/metrics.json"]
  project: %s
  metrics_file: metrics.json
  timeout: 2m
tracking:
  backend: file
  dir: %s
results:
  dir: %s
`, filepath.Join(dir, "runs"), filepath.Join(dir, "mlruns"), filepath.Join(dir, "results"))
	path := filepath.Join(dir, "sweep.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	root := cmd.NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "search"})
	if err := root.ExecuteContext(ctx); err != nil {
		t.Fatalf("search: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "Best value: 0.2000") {
		t.Errorf("unexpected output:\n%s", out.String())
	}

	runDir, err := filepath.EvalSymlinks(filepath.Join(dir, "results", "latest"))
	if err != nil {
		t.Fatalf("latest symlink: %v", err)
	}
	meta, err := result.ReadTrialMeta(filepath.Join(result.TrialDir(runDir, "it_trial0_e2_img320"), "meta.json"))
	if err != nil {
		t.Fatalf("ReadTrialMeta: %v", err)
	}
	if meta.Outcome != result.OutcomeScored || meta.ExitReason != "completed" || meta.ExitCode != 0 {
		t.Errorf("meta: outcome=%s exit=%s code=%d", meta.Outcome, meta.ExitReason, meta.ExitCode)
	}
	if _, err := os.Stat(filepath.Join(dir, "runs", "it_trial0_e2_img320", "train.log")); err != nil {
		t.Errorf("train.log not saved: %v", err)
	}
}
