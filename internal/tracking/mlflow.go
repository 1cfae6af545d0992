package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultMLflowURI is used when MLFLOW_TRACKING_URI is unset.
const DefaultMLflowURI = "http://localhost:5000"

// APIError is an error response from the MLflow REST API.
type APIError struct {
	StatusCode int
	Code       string `json:"error_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mlflow: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// MLflowBackend talks to an MLflow tracking server over its REST API.
// Experiments are resolved by name and created on first use.
type MLflowBackend struct {
	baseURL string
	client  *http.Client

	mu          sync.Mutex
	experiments map[string]string
}

// NewMLflowBackend returns a backend for the server at uri. A nil client uses
// a client with a 30s timeout.
func NewMLflowBackend(uri string, client *http.Client) *MLflowBackend {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &MLflowBackend{
		baseURL:     strings.TrimRight(uri, "/"),
		client:      client,
		experiments: map[string]string{},
	}
}

type mlflowKV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type mlflowMetric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp millis  `json:"timestamp"`
	Step      millis  `json:"step"`
}

type mlflowRunInfo struct {
	RunID        string `json:"run_id"`
	RunName      string `json:"run_name"`
	ExperimentID string `json:"experiment_id"`
	Status       string `json:"status"`
	StartTime    millis `json:"start_time"`
	EndTime      millis `json:"end_time"`
}

type mlflowRun struct {
	Info mlflowRunInfo `json:"info"`
	Data struct {
		Metrics []mlflowMetric `json:"metrics"`
		Params  []mlflowKV     `json:"params"`
		Tags    []mlflowKV     `json:"tags"`
	} `json:"data"`
}

// millis decodes int64 fields MLflow may serialize either as numbers or as
// strings.
type millis int64

func (m *millis) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*m = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*m = millis(v)
	return nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms millis) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms)).UTC()
}

func (b *MLflowBackend) StartRun(ctx context.Context, experiment, name string) (RunInfo, error) {
	expID, err := b.experimentID(ctx, experiment)
	if err != nil {
		return RunInfo{}, err
	}
	start := time.Now().UTC()
	req := map[string]any{
		"experiment_id": expID,
		"run_name":      name,
		"start_time":    toMillis(start),
		"tags":          []mlflowKV{{Key: "mlflow.runName", Value: name}},
	}
	var resp struct {
		Run mlflowRun `json:"run"`
	}
	if err := b.call(ctx, http.MethodPost, "runs/create", nil, req, &resp); err != nil {
		return RunInfo{}, err
	}
	return RunInfo{
		ID:         resp.Run.Info.RunID,
		Name:       name,
		Experiment: experiment,
		Status:     StatusRunning,
		StartTime:  start,
	}, nil
}

func (b *MLflowBackend) EndRun(ctx context.Context, runID string, status Status) error {
	return b.call(ctx, http.MethodPost, "runs/update", nil, map[string]any{
		"run_id":   runID,
		"status":   string(status),
		"end_time": toMillis(time.Now()),
	}, nil)
}

func (b *MLflowBackend) LogParam(ctx context.Context, runID, key, value string) error {
	return b.call(ctx, http.MethodPost, "runs/log-parameter", nil, map[string]any{
		"run_id": runID,
		"key":    key,
		"value":  value,
	}, nil)
}

func (b *MLflowBackend) LogMetric(ctx context.Context, runID string, m Metric) error {
	return b.call(ctx, http.MethodPost, "runs/log-metric", nil, map[string]any{
		"run_id":    runID,
		"key":       m.Key,
		"value":     m.Value,
		"timestamp": toMillis(m.Timestamp),
		"step":      m.Step,
	}, nil)
}

func (b *MLflowBackend) SetTag(ctx context.Context, runID, key, value string) error {
	return b.call(ctx, http.MethodPost, "runs/set-tag", nil, map[string]any{
		"run_id": runID,
		"key":    key,
		"value":  value,
	}, nil)
}

func (b *MLflowBackend) GetRun(ctx context.Context, runID string) (RunData, error) {
	var resp struct {
		Run mlflowRun `json:"run"`
	}
	if err := b.call(ctx, http.MethodGet, "runs/get", url.Values{"run_id": {runID}}, nil, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == "RESOURCE_DOES_NOT_EXIST" {
			return RunData{}, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
		}
		return RunData{}, err
	}
	info := resp.Run.Info
	data := RunData{
		Info: RunInfo{
			ID:        info.RunID,
			Name:      info.RunName,
			Status:    Status(info.Status),
			StartTime: fromMillis(info.StartTime),
			EndTime:   fromMillis(info.EndTime),
		},
		Params: make(map[string]string, len(resp.Run.Data.Params)),
		Tags:   make(map[string]string, len(resp.Run.Data.Tags)),
	}
	for _, p := range resp.Run.Data.Params {
		data.Params[p.Key] = p.Value
	}
	for _, t := range resp.Run.Data.Tags {
		data.Tags[t.Key] = t.Value
	}
	for _, m := range resp.Run.Data.Metrics {
		data.Metrics = append(data.Metrics, Metric{
			Key:       m.Key,
			Value:     m.Value,
			Timestamp: fromMillis(m.Timestamp),
			Step:      int64(m.Step),
		})
	}
	return data, nil
}

func (b *MLflowBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

func (b *MLflowBackend) experimentID(ctx context.Context, name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.experiments[name]; ok {
		return id, nil
	}

	var got struct {
		Experiment struct {
			ID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	err := b.call(ctx, http.MethodGet, "experiments/get-by-name", url.Values{"experiment_name": {name}}, nil, &got)
	var apiErr *APIError
	switch {
	case err == nil:
		b.experiments[name] = got.Experiment.ID
		return got.Experiment.ID, nil
	case errors.As(err, &apiErr) && apiErr.Code == "RESOURCE_DOES_NOT_EXIST":
	default:
		return "", fmt.Errorf("resolving experiment %q: %w", name, err)
	}

	var created struct {
		ID string `json:"experiment_id"`
	}
	if err := b.call(ctx, http.MethodPost, "experiments/create", nil, map[string]any{"name": name}, &created); err != nil {
		return "", fmt.Errorf("creating experiment %q: %w", name, err)
	}
	b.experiments[name] = created.ID
	return created.ID, nil
}

func (b *MLflowBackend) call(ctx context.Context, method, endpoint string, query url.Values, body, out any) error {
	u := b.baseURL + "/api/2.0/mlflow/" + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling %s request: %w", endpoint, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("building %s request: %w", endpoint, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("mlflow %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", endpoint, err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing %s response: %w", endpoint, err)
	}
	return nil
}
