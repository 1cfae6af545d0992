// Package study drives a hyperparameter search: it asks a sampler for
// configurations, runs each one as a tracked trial and reports the objective
// back, keeping the best trial seen.
package study

import (
	"fmt"
	"time"

	"github.com/signalnine/sweep/internal/result"
)

type Direction string

const (
	Maximize Direction = "maximize"
	Minimize Direction = "minimize"
)

func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case "", Maximize:
		return Maximize, nil
	case Minimize:
		return Minimize, nil
	default:
		return "", fmt.Errorf("unknown direction %q (want maximize or minimize)", s)
	}
}

// Better reports whether a strictly improves on b. Equal values are not an
// improvement, so ties keep the earlier trial.
func (d Direction) Better(a, b float64) bool {
	if d == Minimize {
		return a < b
	}
	return a > b
}

// Study is the history of one search invocation.
type Study struct {
	Name       string
	Experiment string
	Direction  Direction
	Sampler    string
	StartedAt  time.Time
	FinishedAt time.Time
	// Trials are in index order.
	Trials []*result.TrialMeta
	Best   *result.TrialMeta
}

func (s *Study) add(meta *result.TrialMeta) {
	s.Trials = append(s.Trials, meta)
	if s.Best == nil || s.Direction.Better(meta.Objective, s.Best.Objective) {
		s.Best = meta
	}
}

// Degraded counts trials whose objective is a fallback value.
func (s *Study) Degraded() int {
	n := 0
	for _, t := range s.Trials {
		if t.Degraded {
			n++
		}
	}
	return n
}

// Record converts the study to its persisted form.
func (s *Study) Record() *result.StudyRecord {
	rec := &result.StudyRecord{
		Name:       s.Name,
		Experiment: s.Experiment,
		Direction:  string(s.Direction),
		Sampler:    s.Sampler,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		Trials:     s.Trials,
		BestTrial:  -1,
	}
	if s.Best != nil {
		rec.BestTrial = s.Best.Trial
	}
	return rec
}
