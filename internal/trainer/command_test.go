package trainer_test

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalnine/sweep/internal/trainer"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandExecutorSuccess(t *testing.T) {
	requireShell(t)
	job := testJob(t)
	var stdout bytes.Buffer
	exec := &trainer.CommandExecutor{
		Command: []string{"sh", "-c",
			`echo "training {run_name} for {epochs} epochs"; mkdir -p {output} && printf '{"metrics/mAP50(B)": 0.61}' > {output}/metrics.json`},
		MetricsFile: "metrics.json",
		Stdout:      &stdout,
	}
	res, err := exec.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Failed() {
		t.Fatalf("unexpected failure: %+v", res)
	}
	if _, ok := res.Metrics["metrics/mAP50(B)"]; !ok {
		t.Errorf("metrics: got %v", res.Metrics)
	}

	logData, err := os.ReadFile(filepath.Join(job.OutputDir(), "train.log"))
	if err != nil {
		t.Fatalf("reading train.log: %v", err)
	}
	want := "training t_trial0_e3_img320 for 3 epochs"
	if !strings.Contains(string(logData), want) || !strings.Contains(stdout.String(), want) {
		t.Errorf("output not captured: log=%q stdout=%q", logData, stdout.String())
	}
}

func TestCommandExecutorLeavesOutputDirToCommand(t *testing.T) {
	requireShell(t)
	job := testJob(t)
	exec := &trainer.CommandExecutor{
		Command: []string{"sh", "-c", `test ! -e {output} && echo fresh && mkdir {output}`},
	}
	res, err := exec.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Failed() {
		t.Fatalf("output dir existed before the command started: %+v", res)
	}
	logData, err := os.ReadFile(filepath.Join(job.OutputDir(), "train.log"))
	if err != nil || !strings.Contains(string(logData), "fresh") {
		t.Errorf("train.log: %q, %v", logData, err)
	}
	entries, err := os.ReadDir(job.Project)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != job.RunName {
		t.Errorf("project dir holds %v", entries)
	}
}

func TestCommandExecutorNoMetricsFile(t *testing.T) {
	requireShell(t)
	exec := &trainer.CommandExecutor{Command: []string{"sh", "-c", "true"}, MetricsFile: "metrics.json"}
	res, err := exec.Run(context.Background(), testJob(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Failed() || len(res.Metrics) != 0 {
		t.Errorf("expected success with empty payload, got %+v", res)
	}
}

func TestCommandExecutorNonZeroExit(t *testing.T) {
	requireShell(t)
	exec := &trainer.CommandExecutor{Command: []string{"sh", "-c", "echo boom >&2; exit 3"}}
	res, err := exec.Run(context.Background(), testJob(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Failed() || res.ExitCode != 3 || res.ExitReason != "crashed" {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Metrics != nil {
		t.Errorf("failed job carries metrics: %v", res.Metrics)
	}
	logData, err := os.ReadFile(filepath.Join(res.OutputDir, "train.log"))
	if err != nil || !strings.Contains(string(logData), "boom") {
		t.Errorf("train.log of failed job: %q, %v", logData, err)
	}
}

func TestCommandExecutorMissingBinary(t *testing.T) {
	exec := &trainer.CommandExecutor{Command: []string{"sweep-no-such-trainer-binary"}}
	res, err := exec.Run(context.Background(), testJob(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Failed() || res.ExitCode != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestCommandExecutorTimeout(t *testing.T) {
	requireShell(t)
	exec := &trainer.CommandExecutor{
		Command: []string{"sleep", "30"},
		Timeout: 100 * time.Millisecond,
	}
	res, err := exec.Run(context.Background(), testJob(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitReason != "timeout" || res.ExitCode != 124 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestCommandExecutorEmptyCommand(t *testing.T) {
	if _, err := (&trainer.CommandExecutor{}).Run(context.Background(), testJob(t)); err == nil {
		t.Error("expected error for empty command")
	}
}
