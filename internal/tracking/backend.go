// Package tracking persists experiment runs (parameters, tags and
// timestamped metrics) and owns the process-wide active run.
package tracking

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a run as recorded by a backend.
type Status string

const (
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
	StatusKilled   Status = "KILLED"
)

// ErrRunNotFound is returned by backends for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// RunInfo identifies a run in a backend.
type RunInfo struct {
	ID         string    `json:"run_id"`
	Name       string    `json:"run_name"`
	Experiment string    `json:"experiment"`
	Status     Status    `json:"status"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time,omitzero"`
}

// Metric is one timestamped metric sample.
type Metric struct {
	Key       string    `json:"key"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Step      int64     `json:"step"`
}

// RunData is everything a backend holds for one run.
type RunData struct {
	Info    RunInfo           `json:"info"`
	Params  map[string]string `json:"params"`
	Tags    map[string]string `json:"tags"`
	Metrics []Metric          `json:"metrics"`
}

// Backend is the boundary to a tracking service. Backends are stateless with
// respect to the active run; Tracker owns that.
type Backend interface {
	StartRun(ctx context.Context, experiment, name string) (RunInfo, error)
	EndRun(ctx context.Context, runID string, status Status) error
	LogParam(ctx context.Context, runID, key, value string) error
	LogMetric(ctx context.Context, runID string, m Metric) error
	SetTag(ctx context.Context, runID, key, value string) error
	GetRun(ctx context.Context, runID string) (RunData, error)
	Close() error
}
