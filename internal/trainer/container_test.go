package trainer_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/signalnine/sweep/internal/trainer"
)

func TestContainerExecutor(t *testing.T) {
	if os.Getenv("SWEEP_DOCKER_TESTS") == "" {
		t.Skip("set SWEEP_DOCKER_TESTS=1 to run Docker tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	exec := &trainer.ContainerExecutor{
		Image: "alpine:latest",
		Command: []string{"sh", "-c",
			`printf '{"metrics/mAP50(B)": 0.61}' > {output}/metrics.json`},
		MetricsFile: "metrics.json",
		Timeout:     30 * time.Second,
	}
	res, err := exec.Run(ctx, testJob(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Failed() {
		t.Fatalf("unexpected failure: %+v", res)
	}
	if _, ok := res.Metrics["metrics/mAP50(B)"]; !ok {
		t.Errorf("metrics: got %v", res.Metrics)
	}
}

func TestContainerExecutorTimeout(t *testing.T) {
	if os.Getenv("SWEEP_DOCKER_TESTS") == "" {
		t.Skip("set SWEEP_DOCKER_TESTS=1 to run Docker tests")
	}
	exec := &trainer.ContainerExecutor{
		Image:   "alpine:latest",
		Command: []string{"sleep", "300"},
		Timeout: 2 * time.Second,
	}
	res, err := exec.Run(context.Background(), testJob(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitReason != "timeout" {
		t.Errorf("exit reason: got %q, want timeout", res.ExitReason)
	}
}
