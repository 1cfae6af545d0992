// Package pipeline composes dataset preparation, one tracked training run
// and a summary step into a reusable unit, and runs fixed grids of them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/signalnine/sweep/internal/dataset"
	"github.com/signalnine/sweep/internal/metrics"
	"github.com/signalnine/sweep/internal/result"
	"github.com/signalnine/sweep/internal/runner"
	"github.com/signalnine/sweep/internal/search"
	"github.com/signalnine/sweep/internal/tracking"
	"github.com/signalnine/sweep/internal/trainer"
)

// Unit is one training invocation with a literal configuration.
type Unit struct {
	RunName string
	Config  search.Configuration
	// Index is recorded as the trial index. RunGrid sets it to the unit's
	// position in the grid.
	Index int
}

// Summary is what the summary step reports for a unit.
type Summary struct {
	RunName     string
	Outcome     result.Outcome
	Objective   float64
	TrackingURI string
	Meta        *result.TrialMeta
}

type Composer struct {
	// Dataset is optional; nil skips preparation.
	Dataset    *dataset.Preparer
	Tracker    *tracking.Tracker
	Executor   trainer.Executor
	Normalizer *metrics.Normalizer
	Uploader   runner.Uploader

	Data    string
	Model   string
	Project string
	Retries int
	// TrackingURI is echoed by the summary step.
	TrackingURI string
	ResultsDir  string
	Out         io.Writer
	Logger      *slog.Logger
}

// Run prepares the dataset, trains the unit inside its own tracking run and
// prints a summary. A failed job is reported in the Summary; errors are
// returned only when the dataset step cannot start or the run cannot be
// opened.
func (c *Composer) Run(ctx context.Context, u Unit) (*Summary, error) {
	if c.Dataset != nil {
		if err := c.Dataset.Ensure(ctx); err != nil {
			return nil, fmt.Errorf("preparing dataset: %w", err)
		}
	}

	meta, err := runner.RunTrial(ctx, &runner.TrialOpts{
		Tracker:    c.Tracker,
		Executor:   c.Executor,
		Normalizer: c.Normalizer,
		Uploader:   c.Uploader,
		Study:      c.Tracker.Experiment(),
		Trial:      u.Index,
		RunName:    u.RunName,
		Config:     u.Config,
		Data:       c.Data,
		Model:      c.Model,
		Project:    c.Project,
		Retries:    c.Retries,
		ResultsDir: c.ResultsDir,
		Logger:     c.Logger,
	})

	s := &Summary{
		RunName:     u.RunName,
		Outcome:     meta.Outcome,
		Objective:   meta.Objective,
		TrackingURI: c.TrackingURI,
		Meta:        meta,
	}
	c.summarize(s)
	return s, err
}

// RunGrid runs units one after another. Units share no state; a unit that
// errors does not stop the ones after it, and all errors are returned joined.
func (c *Composer) RunGrid(ctx context.Context, units []Unit) ([]*Summary, error) {
	var (
		summaries []*Summary
		errs      []error
	)
	for i, u := range units {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("grid cancelled after %d of %d units: %w", i, len(units), err))
			break
		}
		u.Index = i
		s, err := c.Run(ctx, u)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u.RunName, err))
		}
		if s != nil {
			summaries = append(summaries, s)
		}
	}
	return summaries, errors.Join(errs...)
}

func (c *Composer) summarize(s *Summary) {
	w := c.Out
	if w == nil {
		w = os.Stdout
	}
	fmt.Fprintf(w, "Pipeline finished for run: %s\n", s.RunName)
	fmt.Fprintf(w, "  outcome: %s  objective: %.4f\n", s.Outcome, s.Objective)
	if s.Meta != nil && s.Meta.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", s.Meta.Error)
	}
	if s.TrackingURI != "" {
		fmt.Fprintf(w, "  compare runs at %s\n", s.TrackingURI)
	}
}
