package tracking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend keeps runs in process memory. It also records the highest
// number of simultaneously running runs it has seen.
type MemoryBackend struct {
	mu        sync.Mutex
	runs      map[string]*RunData
	order     []string
	running   int
	maxActive int
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{runs: map[string]*RunData{}}
}

func (b *MemoryBackend) StartRun(_ context.Context, experiment, name string) (RunInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	info := RunInfo{
		ID:         uuid.NewString(),
		Name:       name,
		Experiment: experiment,
		Status:     StatusRunning,
		StartTime:  time.Now().UTC(),
	}
	b.runs[info.ID] = &RunData{Info: info, Params: map[string]string{}, Tags: map[string]string{}}
	b.order = append(b.order, info.ID)
	b.running++
	b.maxActive = max(b.maxActive, b.running)
	return info, nil
}

func (b *MemoryBackend) EndRun(_ context.Context, runID string, status Status) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, err := b.lookup(runID)
	if err != nil {
		return err
	}
	if run.Info.Status == StatusRunning {
		b.running--
	}
	run.Info.Status = status
	run.Info.EndTime = time.Now().UTC()
	return nil
}

func (b *MemoryBackend) LogParam(_ context.Context, runID, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, err := b.lookup(runID)
	if err != nil {
		return err
	}
	run.Params[key] = value
	return nil
}

func (b *MemoryBackend) LogMetric(_ context.Context, runID string, m Metric) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, err := b.lookup(runID)
	if err != nil {
		return err
	}
	run.Metrics = append(run.Metrics, m)
	return nil
}

func (b *MemoryBackend) SetTag(_ context.Context, runID, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, err := b.lookup(runID)
	if err != nil {
		return err
	}
	run.Tags[key] = value
	return nil
}

func (b *MemoryBackend) GetRun(_ context.Context, runID string) (RunData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, err := b.lookup(runID)
	if err != nil {
		return RunData{}, err
	}
	return copyRun(run), nil
}

func (b *MemoryBackend) Close() error { return nil }

// Runs returns every run in creation order.
func (b *MemoryBackend) Runs() []RunData {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]RunData, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, copyRun(b.runs[id]))
	}
	return out
}

// MaxActive returns the largest number of runs that were RUNNING at once.
func (b *MemoryBackend) MaxActive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxActive
}

func (b *MemoryBackend) lookup(runID string) (*RunData, error) {
	run, ok := b.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return run, nil
}

func copyRun(r *RunData) RunData {
	out := RunData{
		Info:    r.Info,
		Params:  make(map[string]string, len(r.Params)),
		Tags:    make(map[string]string, len(r.Tags)),
		Metrics: append([]Metric(nil), r.Metrics...),
	}
	for k, v := range r.Params {
		out.Params[k] = v
	}
	for k, v := range r.Tags {
		out.Tags[k] = v
	}
	return out
}
