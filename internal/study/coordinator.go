package study

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/signalnine/sweep/internal/metrics"
	"github.com/signalnine/sweep/internal/result"
	"github.com/signalnine/sweep/internal/runner"
	"github.com/signalnine/sweep/internal/search"
	"github.com/signalnine/sweep/internal/tracking"
	"github.com/signalnine/sweep/internal/trainer"
)

// Tag and parameter keys the coordinator adds to each trial's run.
const (
	TagStudy        = "study"
	TagSampler      = "sampler"
	ParamTrialIndex = "trial_number"
)

// Coordinator runs trials one at a time until the budget is spent. A trial
// that fails is scored with the fallback objective and the study carries on;
// only a sampler error or cancellation stops it early.
type Coordinator struct {
	Name        string
	Prefix      string
	Trials      int
	Direction   Direction
	Space       search.Space
	Sampler     search.Sampler
	SamplerName string

	Tracker    *tracking.Tracker
	Executor   trainer.Executor
	Normalizer *metrics.Normalizer
	Uploader   runner.Uploader

	Data    string
	Model   string
	Project string
	Retries int

	// ResultsDir is the base directory for persisted results; empty disables
	// persistence.
	ResultsDir string
	Out        io.Writer
	Logger     *slog.Logger
}

// Run executes the study. The returned Study is non-nil even when err is
// set and holds every trial that reached SCORED.
func (c *Coordinator) Run(ctx context.Context) (*Study, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := c.Out
	if out == nil {
		out = os.Stdout
	}
	if c.Trials < 1 {
		return nil, fmt.Errorf("trial budget must be at least 1, got %d", c.Trials)
	}
	if c.Sampler == nil || c.Tracker == nil || c.Executor == nil {
		return nil, fmt.Errorf("coordinator needs a sampler, tracker and executor")
	}

	st := &Study{
		Name:       c.Name,
		Experiment: c.Tracker.Experiment(),
		Direction:  c.Direction,
		Sampler:    c.SamplerName,
		StartedAt:  time.Now().UTC(),
	}
	if st.Direction == "" {
		st.Direction = Maximize
	}

	var runDir string
	if c.ResultsDir != "" {
		dir, err := result.CreateRunDir(c.ResultsDir)
		if err != nil {
			return nil, err
		}
		runDir = dir
		fmt.Fprintf(out, "Results: %s\n", runDir)
	}

	err := c.loop(ctx, st, runDir, out, logger)
	st.FinishedAt = time.Now().UTC()
	if runDir != "" {
		rec := st.Record()
		if err != nil {
			rec.Error = err.Error()
		}
		if werr := result.WriteStudy(runDir, rec); werr != nil {
			logger.Warn("writing study summary", "error", werr)
		}
	}
	printSummary(out, st)
	return st, err
}

func (c *Coordinator) loop(ctx context.Context, st *Study, runDir string, out io.Writer, logger *slog.Logger) error {
	for n := 0; n < c.Trials; n++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("study cancelled after %d of %d trials: %w", n, c.Trials, err)
		}

		prop, err := c.Sampler.Ask()
		if err != nil {
			return fmt.Errorf("proposing trial %d: %w", n, err)
		}

		runName := c.Space.RunName(c.Prefix, prop.Index, prop.Config)
		logger.Debug("trial configured", "trial", prop.Index, "run", runName, "config", prop.Config.String())

		meta, _ := runner.RunTrial(ctx, &runner.TrialOpts{
			Tracker:    c.Tracker,
			Executor:   c.Executor,
			Normalizer: c.Normalizer,
			Uploader:   c.Uploader,
			Study:      st.Name,
			Trial:      prop.Index,
			RunName:    runName,
			Config:     prop.Config,
			Data:       c.Data,
			Model:      c.Model,
			Project:    c.Project,
			Params:     map[string]string{ParamTrialIndex: strconv.Itoa(prop.Index)},
			Tags:       map[string]string{TagStudy: st.Name, TagSampler: c.SamplerName},
			Retries:    c.Retries,
			ResultsDir: runDir,
			Logger:     logger,
		})

		st.add(meta)
		if err := c.Sampler.Tell(prop.Index, meta.Objective); err != nil {
			return fmt.Errorf("reporting trial %d: %w", prop.Index, err)
		}
		printTrial(out, meta, st.Best == meta)

		if runDir != "" {
			if werr := result.WriteStudy(runDir, st.Record()); werr != nil {
				logger.Warn("writing study summary", "error", werr)
			}
		}
	}
	return nil
}

func printTrial(w io.Writer, m *result.TrialMeta, best bool) {
	marker := ""
	if best {
		marker = " *best*"
	}
	fmt.Fprintf(w, "[trial %d] %s  objective=%.4f  %s (%.1fs)%s\n",
		m.Trial, m.RunName, m.Objective, m.Outcome, m.DurationS, marker)
	if m.Error != "" {
		fmt.Fprintf(w, "           error: %s\n", m.Error)
	}
}

func printSummary(w io.Writer, st *Study) {
	fmt.Fprintf(w, "\nStudy %s: %d trials (%d degraded)\n", st.Name, len(st.Trials), st.Degraded())
	if st.Best == nil {
		fmt.Fprintln(w, "No trials completed.")
		return
	}
	fmt.Fprintf(w, "Best value: %.4f\n", st.Best.Objective)
	fmt.Fprintf(w, "Best params: %s\n", st.Best.Config)
	fmt.Fprintf(w, "Best run: %s\n", st.Best.RunName)
}
