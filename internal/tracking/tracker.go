package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrRunClosed is returned when logging through a scope that has ended.
var ErrRunClosed = errors.New("run already closed")

// RunOpenError reports that the backend refused or could not create a run.
type RunOpenError struct {
	Name string
	Err  error
}

func (e *RunOpenError) Error() string {
	return fmt.Sprintf("opening run %q: %v", e.Name, e.Err)
}

func (e *RunOpenError) Unwrap() error { return e.Err }

// Tracker owns the single active run of the process. Opening a run while
// another is active closes the stale one first, so ownership always moves
// close-then-open.
//
// The active run is held per Tracker, not per backend: a process must route
// every run through one Tracker for the single-active-run guarantee to hold.
type Tracker struct {
	backend    Backend
	experiment string
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	active *Scope
}

// NewTracker returns a tracker recording runs under experiment.
func NewTracker(backend Backend, experiment string, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		backend:    backend,
		experiment: experiment,
		logger:     logger,
		now:        time.Now,
	}
}

// Experiment returns the experiment namespace runs are created in.
func (t *Tracker) Experiment() string { return t.experiment }

// Backend returns the underlying backend.
func (t *Tracker) Backend() Backend { return t.backend }

// Active returns the currently open run, if any.
func (t *Tracker) Active() (RunInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return RunInfo{}, false
	}
	return t.active.info, true
}

// Start opens a run named name. A run left open by an earlier caller is
// force-closed with StatusKilled before the new one is created. On backend
// failure no run is active afterwards and a *RunOpenError is returned.
func (t *Tracker) Start(ctx context.Context, name string) (*Scope, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if stale := t.active; stale != nil {
		t.logger.Warn("closing stale tracking run", "run", stale.info.Name, "run_id", stale.info.ID)
		if err := t.endLocked(ctx, stale, StatusKilled); err != nil {
			t.logger.Warn("stale run did not close cleanly", "run", stale.info.Name, "error", err)
		}
	}

	info, err := t.backend.StartRun(ctx, t.experiment, name)
	if err != nil {
		return nil, &RunOpenError{Name: name, Err: err}
	}
	s := &Scope{tracker: t, info: info}
	t.active = s
	t.logger.Debug("tracking run started", "run", name, "run_id", info.ID)
	return s, nil
}

// WithRun runs fn inside a freshly opened run and closes the run on every
// exit path: FINISHED when fn returns nil, FAILED when it returns an error
// or panics. Panics are re-raised after the run is closed.
func (t *Tracker) WithRun(ctx context.Context, name string, fn func(context.Context, *Scope) error) (err error) {
	s, err := t.Start(ctx, name)
	if err != nil {
		return err
	}

	status := StatusFailed
	defer func() {
		if r := recover(); r != nil {
			t.closeScope(ctx, s, StatusFailed)
			panic(r)
		}
		t.closeScope(ctx, s, status)
	}()

	err = fn(ctx, s)
	if err == nil {
		status = StatusFinished
	}
	return err
}

// CloseActive ends the active run, if any. Calling it with no active run is
// a no-op.
func (t *Tracker) CloseActive(ctx context.Context, status Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return nil
	}
	return t.endLocked(ctx, t.active, status)
}

func (t *Tracker) closeScope(ctx context.Context, s *Scope, status Status) {
	if err := s.End(ctx, status); err != nil {
		t.logger.Warn("closing tracking run", "run", s.info.Name, "error", err)
	}
}

func (t *Tracker) endLocked(ctx context.Context, s *Scope, status Status) error {
	if s.closed {
		return nil
	}
	s.closed = true
	if t.active == s {
		t.active = nil
	}
	if err := t.backend.EndRun(context.WithoutCancel(ctx), s.info.ID, status); err != nil {
		return fmt.Errorf("ending run %s: %w", s.info.ID, err)
	}
	t.logger.Debug("tracking run ended", "run", s.info.Name, "status", status)
	return nil
}

// Scope is the handle to one open run.
type Scope struct {
	tracker *Tracker
	info    RunInfo
	closed  bool
}

// Info returns the run's identity.
func (s *Scope) Info() RunInfo { return s.info }

// Closed reports whether the run has ended.
func (s *Scope) Closed() bool {
	s.tracker.mu.Lock()
	defer s.tracker.mu.Unlock()
	return s.closed
}

// End closes the run. Ending an already closed run is a no-op.
func (s *Scope) End(ctx context.Context, status Status) error {
	s.tracker.mu.Lock()
	defer s.tracker.mu.Unlock()
	return s.tracker.endLocked(ctx, s, status)
}

func (s *Scope) open() error {
	s.tracker.mu.Lock()
	defer s.tracker.mu.Unlock()
	if s.closed {
		return fmt.Errorf("run %q: %w", s.info.Name, ErrRunClosed)
	}
	return nil
}

// LogParam records one parameter.
func (s *Scope) LogParam(ctx context.Context, key, value string) error {
	if err := s.open(); err != nil {
		return err
	}
	if err := s.tracker.backend.LogParam(ctx, s.info.ID, key, value); err != nil {
		return fmt.Errorf("logging param %s: %w", key, err)
	}
	return nil
}

// LogParams records params in key order.
func (s *Scope) LogParams(ctx context.Context, params map[string]string) error {
	for _, k := range sortedKeys(params) {
		if err := s.LogParam(ctx, k, params[k]); err != nil {
			return err
		}
	}
	return nil
}

// LogMetric records one metric stamped with the current time.
func (s *Scope) LogMetric(ctx context.Context, key string, value float64) error {
	if err := s.open(); err != nil {
		return err
	}
	m := Metric{Key: key, Value: value, Timestamp: s.tracker.now()}
	if err := s.tracker.backend.LogMetric(ctx, s.info.ID, m); err != nil {
		return fmt.Errorf("logging metric %s: %w", key, err)
	}
	return nil
}

// LogMetrics records metrics in key order, each with its own timestamp.
func (s *Scope) LogMetrics(ctx context.Context, metrics map[string]float64) error {
	for _, k := range sortedKeys(metrics) {
		if err := s.LogMetric(ctx, k, metrics[k]); err != nil {
			return err
		}
	}
	return nil
}

// SetTag records one tag.
func (s *Scope) SetTag(ctx context.Context, key, value string) error {
	if err := s.open(); err != nil {
		return err
	}
	if err := s.tracker.backend.SetTag(ctx, s.info.ID, key, value); err != nil {
		return fmt.Errorf("setting tag %s: %w", key, err)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
