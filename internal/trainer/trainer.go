// Package trainer runs one training job for a configuration and reports its
// metrics payload or a failure. Jobs run in-process, as a subprocess, or in a
// docker container; callers see the same Result in every mode.
package trainer

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/signalnine/sweep/internal/metrics"
	"github.com/signalnine/sweep/internal/search"
)

// Status is the terminal state of a training job.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job is everything the training job needs for one invocation.
type Job struct {
	RunName string
	Config  search.Configuration
	Data    string
	Model   string
	Project string
}

// OutputDir is where the job writes its artifacts: {project}/{run_name}.
func (j Job) OutputDir() string {
	return filepath.Join(j.Project, j.RunName)
}

// Result is the outcome of a job. A failed job carries no metrics.
type Result struct {
	Status     Status
	ExitCode   int
	ExitReason string
	Metrics    metrics.Payload
	OutputDir  string
	Duration   time.Duration
	Err        error
}

// Failed reports whether the job did not complete successfully.
func (r *Result) Failed() bool { return r.Status != StatusSucceeded }

// Executor runs training jobs. A non-nil error means the job could not be
// attempted at all; a job that ran and failed is reported in the Result.
type Executor interface {
	Run(ctx context.Context, job Job) (*Result, error)
}

func ExitReasonFromCode(code int, timedOut bool) string {
	if timedOut {
		return "timeout"
	}
	if code == 0 {
		return "completed"
	}
	return "crashed"
}

// exitCodeTimeout matches coreutils timeout(1).
const exitCodeTimeout = 124

func succeeded(job Job, payload metrics.Payload, d time.Duration) *Result {
	if payload == nil {
		payload = metrics.Payload{}
	}
	return &Result{
		Status:     StatusSucceeded,
		ExitReason: ExitReasonFromCode(0, false),
		Metrics:    payload,
		OutputDir:  job.OutputDir(),
		Duration:   d,
	}
}

func failed(job Job, code int, timedOut bool, d time.Duration, err error) *Result {
	if code == 0 {
		code = 1
	}
	return &Result{
		Status:     StatusFailed,
		ExitCode:   code,
		ExitReason: ExitReasonFromCode(code, timedOut),
		OutputDir:  job.OutputDir(),
		Duration:   d,
		Err:        err,
	}
}

// withTimeout bounds ctx when d is positive; zero means no deadline.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// ReadMetricsFile loads the payload a job left in its output directory.
// JSON files hold a single object; CSV files (the results.csv layout written
// by ultralytics) contribute their last row keyed by the trimmed header. A
// missing file yields an empty payload.
func ReadMetricsFile(path string) (metrics.Payload, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return metrics.Payload{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading metrics file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return parseMetricsCSV(data)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	payload := metrics.Payload{}
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("parsing metrics file %s: %w", path, err)
	}
	return payload, nil
}

func parseMetricsCSV(data []byte) (metrics.Payload, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing metrics csv: %w", err)
	}
	payload := metrics.Payload{}
	if len(rows) < 2 {
		return payload, nil
	}
	header, last := rows[0], rows[len(rows)-1]
	for i, key := range header {
		key = strings.TrimSpace(key)
		if key == "" || i >= len(last) {
			continue
		}
		payload[key] = strings.TrimSpace(last[i])
	}
	return payload, nil
}

// Expand substitutes {placeholders} in a command template. Every
// configuration parameter is available by name, alongside run_name, data,
// model, project and output. Unknown placeholders are left untouched.
func Expand(template []string, job Job, output string) []string {
	pairs := []string{
		"{run_name}", job.RunName,
		"{data}", job.Data,
		"{model}", job.Model,
		"{project}", job.Project,
		"{output}", output,
	}
	params := job.Config.Params()
	for _, name := range job.Config.Names() {
		pairs = append(pairs, "{"+name+"}", params[name])
	}
	r := strings.NewReplacer(pairs...)
	out := make([]string, len(template))
	for i, arg := range template {
		out[i] = r.Replace(arg)
	}
	return out
}

func resolveMetricsFile(outputDir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(outputDir, name)
}
