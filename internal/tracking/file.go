package tracking

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileBackend stores runs as JSON files under dir/<experiment>/<run-id>/:
// run.json, params.json, tags.json and an append-only metrics.jsonl.
type FileBackend struct {
	dir string
	mu  sync.Mutex
}

// NewFileBackend returns a backend rooted at dir, creating it if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating tracking dir: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) StartRun(_ context.Context, experiment, name string) (RunInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if experiment == "" || experiment != filepath.Base(experiment) {
		return RunInfo{}, fmt.Errorf("invalid experiment name %q", experiment)
	}
	info := RunInfo{
		ID:         uuid.NewString(),
		Name:       name,
		Experiment: experiment,
		Status:     StatusRunning,
		StartTime:  time.Now().UTC(),
	}
	runDir := filepath.Join(b.dir, experiment, info.ID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return RunInfo{}, fmt.Errorf("creating run dir: %w", err)
	}
	if err := writeJSON(filepath.Join(runDir, "run.json"), info); err != nil {
		return RunInfo{}, err
	}
	return info, nil
}

func (b *FileBackend) EndRun(_ context.Context, runID string, status Status) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	runDir, err := b.runDir(runID)
	if err != nil {
		return err
	}
	var info RunInfo
	if err := readJSON(filepath.Join(runDir, "run.json"), &info); err != nil {
		return err
	}
	info.Status = status
	info.EndTime = time.Now().UTC()
	return writeJSON(filepath.Join(runDir, "run.json"), info)
}

func (b *FileBackend) LogParam(_ context.Context, runID, key, value string) error {
	return b.updateMap(runID, "params.json", key, value)
}

func (b *FileBackend) SetTag(_ context.Context, runID, key, value string) error {
	return b.updateMap(runID, "tags.json", key, value)
}

func (b *FileBackend) LogMetric(_ context.Context, runID string, m Metric) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	runDir, err := b.runDir(runID)
	if err != nil {
		return err
	}
	line, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling metric: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(runDir, "metrics.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening metrics log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing metric: %w", err)
	}
	return nil
}

func (b *FileBackend) GetRun(_ context.Context, runID string) (RunData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	runDir, err := b.runDir(runID)
	if err != nil {
		return RunData{}, err
	}
	data := RunData{Params: map[string]string{}, Tags: map[string]string{}}
	if err := readJSON(filepath.Join(runDir, "run.json"), &data.Info); err != nil {
		return RunData{}, err
	}
	if err := readOptionalJSON(filepath.Join(runDir, "params.json"), &data.Params); err != nil {
		return RunData{}, err
	}
	if err := readOptionalJSON(filepath.Join(runDir, "tags.json"), &data.Tags); err != nil {
		return RunData{}, err
	}
	f, err := os.Open(filepath.Join(runDir, "metrics.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return data, nil
		}
		return RunData{}, fmt.Errorf("opening metrics log: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m Metric
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			continue
		}
		data.Metrics = append(data.Metrics, m)
	}
	return data, sc.Err()
}

func (b *FileBackend) Close() error { return nil }

func (b *FileBackend) runDir(runID string) (string, error) {
	if runID == "" || runID != filepath.Base(runID) {
		return "", fmt.Errorf("%q: %w", runID, ErrRunNotFound)
	}
	matches, err := filepath.Glob(filepath.Join(b.dir, "*", runID))
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return matches[0], nil
}

func (b *FileBackend) updateMap(runID, file, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	runDir, err := b.runDir(runID)
	if err != nil {
		return err
	}
	path := filepath.Join(runDir, file)
	m := map[string]string{}
	if err := readOptionalJSON(path, &m); err != nil {
		return err
	}
	m[key] = value
	return writeJSON(path, m)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readOptionalJSON(path string, v any) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return readJSON(path, v)
}
