package result

import (
	"time"

	"github.com/signalnine/sweep/internal/search"
)

// Outcome tags how a trial's objective was obtained. A job that failed and a
// job that finished without the primary metric both score the fallback; the
// tag keeps them apart.
type Outcome string

const (
	OutcomeScored        Outcome = "scored"
	OutcomeNoMetric      Outcome = "no_metric"
	OutcomeJobFailed     Outcome = "job_failed"
	OutcomeRunOpenFailed Outcome = "run_open_failed"
)

// Degraded reports whether the objective is a substitute rather than a
// measured value.
func (o Outcome) Degraded() bool { return o != OutcomeScored }

type TrialMeta struct {
	Study       string               `json:"study"`
	Trial       int                  `json:"trial"`
	RunName     string               `json:"run_name"`
	RunID       string               `json:"run_id,omitempty"`
	Config      search.Configuration `json:"config"`
	Objective   float64              `json:"objective"`
	Outcome     Outcome              `json:"outcome"`
	Degraded    bool                 `json:"degraded"`
	Metrics     map[string]float64   `json:"metrics,omitempty"`
	Attempts    int                  `json:"attempts"`
	DurationS   float64              `json:"duration_s"`
	ExitCode    int                  `json:"exit_code"`
	ExitReason  string               `json:"exit_reason"`
	OutputDir   string               `json:"output_dir"`
	ArtifactURI string               `json:"artifact_uri,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// StudyRecord is the persisted form of a finished (or aborted) study.
type StudyRecord struct {
	Name       string       `json:"name"`
	Experiment string       `json:"experiment"`
	Direction  string       `json:"direction"`
	Sampler    string       `json:"sampler"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Trials     []*TrialMeta `json:"trials"`
	// BestTrial is the index of the best trial, or -1 when no trial finished.
	BestTrial int    `json:"best_trial"`
	Error     string `json:"error,omitempty"`
}

// Best returns the best trial, if any.
func (r *StudyRecord) Best() (*TrialMeta, bool) {
	for _, t := range r.Trials {
		if t.Trial == r.BestTrial {
			return t, true
		}
	}
	return nil, false
}
