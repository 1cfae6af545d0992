package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/signalnine/sweep/internal/metrics"
)

// CommandExecutor runs the training job as a subprocess. Success is decided
// by the exit status. Combined output goes to Stdout when set and to
// {output}/train.log once the command exits.
//
// The output directory is left for the command to create: trainers such as
// ultralytics pick a fresh name when {project}/{run_name} already exists.
type CommandExecutor struct {
	// Command is a template expanded with Expand; {output} is the job's
	// output directory.
	Command     []string
	Dir         string
	Env         []string
	MetricsFile string
	Timeout     time.Duration
	Stdout      io.Writer
	Logger      *slog.Logger
}

func (e *CommandExecutor) Run(ctx context.Context, job Job) (*Result, error) {
	if len(e.Command) == 0 {
		return nil, fmt.Errorf("no training command configured")
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	outDir := job.OutputDir()
	if err := os.MkdirAll(job.Project, 0o755); err != nil {
		return nil, fmt.Errorf("creating project dir: %w", err)
	}
	logFile, err := os.CreateTemp(job.Project, "."+job.RunName+"-*.log")
	if err != nil {
		return nil, fmt.Errorf("creating train log: %w", err)
	}
	defer func() {
		logFile.Close()
		os.Remove(logFile.Name())
	}()

	var out io.Writer = logFile
	if e.Stdout != nil {
		out = io.MultiWriter(logFile, e.Stdout)
	}

	args := Expand(e.Command, job, outDir)
	runCtx, cancel := withTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = e.Dir
	if len(e.Env) > 0 {
		cmd.Env = append(os.Environ(), e.Env...)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	logger.Debug("starting training command", "run", job.RunName, "args", args)
	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)
	saveLog(logFile, outDir, logger)

	if runErr != nil {
		timedOut := e.Timeout > 0 && runCtx.Err() == context.DeadlineExceeded
		code := 1
		var exitErr *exec.ExitError
		switch {
		case timedOut:
			code = exitCodeTimeout
		case errors.As(runErr, &exitErr) && exitErr.ExitCode() > 0:
			code = exitErr.ExitCode()
		}
		return failed(job, code, timedOut, duration, fmt.Errorf("training command: %w", runErr)), nil
	}

	payload := metrics.Payload{}
	if e.MetricsFile != "" {
		payload, err = ReadMetricsFile(resolveMetricsFile(outDir, e.MetricsFile))
		if err != nil {
			logger.Warn("ignoring unreadable metrics file", "run", job.RunName, "error", err)
			payload = metrics.Payload{}
		}
	}
	return succeeded(job, payload, duration), nil
}

// saveLog moves the captured output to {outDir}/train.log.
func saveLog(f *os.File, outDir string, logger *slog.Logger) {
	if err := f.Close(); err != nil {
		logger.Warn("closing train log", "error", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		logger.Warn("writing train.log", "error", err)
		return
	}
	if err := os.Rename(f.Name(), filepath.Join(outDir, "train.log")); err != nil {
		logger.Warn("writing train.log", "error", err)
	}
}
