// Package runner performs one tracked training invocation: it opens a run
// scope, records the configuration, executes the job, normalizes its metrics
// and closes the run on every path.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path"
	"slices"

	"github.com/signalnine/sweep/internal/metrics"
	"github.com/signalnine/sweep/internal/result"
	"github.com/signalnine/sweep/internal/search"
	"github.com/signalnine/sweep/internal/tracking"
	"github.com/signalnine/sweep/internal/trainer"
)

// Uploader copies a finished run's output directory to artifact storage and
// returns its URI.
type Uploader interface {
	UploadDir(ctx context.Context, dir, prefix string) (string, error)
}

// Parameter and tag keys written to every run.
const (
	ParamData      = "data"
	ParamModel     = "model"
	ParamOutputDir = "output_dir"
	ParamArtifacts = "artifact_uri"
	TagOutcome     = "outcome"
	TagExitReason  = "exit_reason"
)

// errJobFailed ends the run as FAILED without surfacing as an error.
var errJobFailed = errors.New("training job failed")

type TrialOpts struct {
	Tracker    *tracking.Tracker
	Executor   trainer.Executor
	Normalizer *metrics.Normalizer
	// Uploader is optional.
	Uploader Uploader

	Study   string
	Trial   int
	RunName string
	Config  search.Configuration
	Data    string
	Model   string
	Project string

	// Params and Tags are recorded alongside the configuration.
	Params map[string]string
	Tags   map[string]string
	// Retries is the number of additional attempts after a job failure.
	Retries int
	// ResultsDir, when set, receives the trial's meta.json.
	ResultsDir string
	Logger     *slog.Logger
}

// RunTrial runs one training job inside its own tracking run. Job failures,
// missing metrics and tracking write errors all produce a degraded meta
// rather than an error. The error is non-nil only when the run could not be
// opened; the returned meta is still filled in that case.
func RunTrial(ctx context.Context, opts *TrialOpts) (*result.TrialMeta, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	normalizer := opts.Normalizer
	if normalizer == nil {
		normalizer = metrics.DefaultNormalizer()
	}
	job := trainer.Job{
		RunName: opts.RunName,
		Config:  opts.Config,
		Data:    opts.Data,
		Model:   opts.Model,
		Project: opts.Project,
	}
	meta := &result.TrialMeta{
		Study:     opts.Study,
		Trial:     opts.Trial,
		RunName:   opts.RunName,
		Config:    opts.Config,
		OutputDir: job.OutputDir(),
	}
	logger = logger.With("run", opts.RunName)

	err := opts.Tracker.WithRun(ctx, opts.RunName, func(ctx context.Context, scope *tracking.Scope) error {
		meta.RunID = scope.Info().ID

		params := opts.Config.Params()
		maps.Copy(params, opts.Params)
		params[ParamData] = opts.Data
		params[ParamModel] = opts.Model
		params[ParamOutputDir] = job.OutputDir()
		warnOnErr(logger, "logging params", scope.LogParams(ctx, params))
		for _, k := range sortedKeys(opts.Tags) {
			warnOnErr(logger, "setting tag", scope.SetTag(ctx, k, opts.Tags[k]))
		}

		res := execute(ctx, opts, job, logger)
		meta.Attempts = res.attempts
		meta.DurationS = res.Duration.Seconds()
		meta.ExitCode = res.ExitCode
		meta.ExitReason = res.ExitReason

		if res.Failed() {
			meta.Outcome = result.OutcomeJobFailed
			meta.Objective = 0
			meta.Metrics = metrics.FailureMetrics()
			if res.Err != nil {
				meta.Error = res.Err.Error()
			}
			logger.Warn("training job failed", "exit_code", res.ExitCode, "reason", res.ExitReason, "error", res.Err)
		} else {
			norm, normErr := normalizer.Normalize(res.Metrics)
			if normErr != nil {
				logger.Warn("ignoring unusable metrics", "error", normErr)
			}
			meta.Objective = norm.Objective
			meta.Metrics = norm.Metrics
			meta.Outcome = result.OutcomeScored
			if norm.Degraded {
				meta.Outcome = result.OutcomeNoMetric
				logger.Warn("primary metric missing, using fallback objective",
					"metric", normalizer.Primary(), "objective", norm.Objective)
			}
		}
		meta.Degraded = meta.Outcome.Degraded()
		warnOnErr(logger, "logging metrics", scope.LogMetrics(ctx, meta.Metrics))

		if opts.Uploader != nil && !res.Failed() {
			uri, err := opts.Uploader.UploadDir(ctx, job.OutputDir(), path.Join(opts.Study, opts.RunName))
			if err != nil {
				logger.Warn("uploading artifacts", "error", err)
			} else {
				meta.ArtifactURI = uri
				warnOnErr(logger, "logging artifact uri", scope.LogParam(ctx, ParamArtifacts, uri))
			}
		}

		warnOnErr(logger, "setting tag", scope.SetTag(ctx, TagOutcome, string(meta.Outcome)))
		warnOnErr(logger, "setting tag", scope.SetTag(ctx, TagExitReason, meta.ExitReason))
		if res.Failed() {
			return errJobFailed
		}
		return nil
	})

	var openErr *tracking.RunOpenError
	if errors.As(err, &openErr) {
		meta.Outcome = result.OutcomeRunOpenFailed
		meta.Degraded = true
		meta.Objective = 0
		meta.Error = openErr.Error()
		logger.Warn("could not open tracking run", "error", err)
	}

	if opts.ResultsDir != "" {
		if werr := result.WriteTrialMeta(result.TrialDir(opts.ResultsDir, opts.RunName), meta); werr != nil {
			logger.Warn("writing trial meta", "error", werr)
		}
	}
	if openErr != nil {
		return meta, err
	}
	return meta, nil
}

type attemptResult struct {
	*trainer.Result
	attempts int
}

// execute runs the job, retrying failures up to opts.Retries times.
func execute(ctx context.Context, opts *TrialOpts, job trainer.Job, logger *slog.Logger) attemptResult {
	var res *trainer.Result
	attempts := 0
	for attempts <= opts.Retries {
		if attempts > 0 {
			if ctx.Err() != nil {
				break
			}
			logger.Info("retrying training job", "attempt", attempts+1, "of", opts.Retries+1)
		}
		attempts++

		var err error
		res, err = opts.Executor.Run(ctx, job)
		if err != nil {
			res = &trainer.Result{
				Status:     trainer.StatusFailed,
				ExitCode:   1,
				ExitReason: trainer.ExitReasonFromCode(1, false),
				OutputDir:  job.OutputDir(),
				Err:        fmt.Errorf("starting training job: %w", err),
			}
		}
		if !res.Failed() {
			break
		}
	}
	return attemptResult{Result: res, attempts: attempts}
}

func warnOnErr(logger *slog.Logger, msg string, err error) {
	if err != nil {
		logger.Warn(msg, "error", err)
	}
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
