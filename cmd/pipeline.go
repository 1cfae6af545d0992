package cmd

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/signalnine/sweep/internal/config"
	"github.com/signalnine/sweep/internal/dataset"
	"github.com/signalnine/sweep/internal/pipeline"
	"github.com/signalnine/sweep/internal/report"
	"github.com/signalnine/sweep/internal/result"
	"github.com/signalnine/sweep/internal/tracking"
	"github.com/spf13/cobra"
)

var (
	flagGrid     bool
	flagSkipData bool
)

func newPipelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Prepare data and train the baseline or the configured grid",
		RunE:  runPipeline,
	}
	addUnitFlags(cmd)
	cmd.Flags().BoolVar(&flagGrid, "grid", false, "train every grid unit instead of the baseline")
	cmd.Flags().BoolVar(&flagSkipData, "skip-data", false, "skip the dataset step")
	return cmd
}

func pipelineUnits(cfg *config.Config) ([]pipeline.Unit, error) {
	var units []config.PipelineUnit
	if flagGrid {
		grid, err := cfg.GridUnits()
		if err != nil {
			return nil, err
		}
		units = grid
	} else {
		base, err := cfg.Baseline()
		if err != nil {
			return nil, err
		}
		u, err := overrideUnit(cfg, base)
		if err != nil {
			return nil, err
		}
		units = []config.PipelineUnit{u}
	}
	out := make([]pipeline.Unit, len(units))
	for i, u := range units {
		out[i] = pipeline.Unit{RunName: u.Name, Config: u.Config}
	}
	return out, nil
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyTrainingFlags(cfg)
	units, err := pipelineUnits(cfg)
	if err != nil {
		return err
	}

	runDir, err := result.CreateRunDir(cfg.Results.Dir)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	st, err := newStack(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer st.Close()

	out := cmd.OutOrStdout()
	c := &pipeline.Composer{
		Tracker:     tracking.NewTracker(st.backend, cfg.Pipeline.Experiment, slog.Default()),
		Executor:    st.executor,
		Normalizer:  st.normalizer,
		Uploader:    st.uploader,
		Data:        cfg.Training.Data,
		Model:       cfg.Training.Model,
		Project:     cfg.Training.Project,
		Retries:     cfg.Study.Retries,
		TrackingURI: st.trackingURI,
		ResultsDir:  runDir,
		Out:         out,
		Logger:      slog.Default(),
	}
	if !cfg.Dataset.Skip && !flagSkipData {
		c.Dataset = &dataset.Preparer{
			Command: cfg.Dataset.Command,
			Dir:     cfg.Dataset.Dir,
			Logger:  slog.Default(),
		}
	}

	if !flagGrid {
		_, err := c.Run(ctx, units[0])
		return err
	}
	_, err = c.RunGrid(ctx, units)
	fmt.Fprintln(out, "\n--- Results ---")
	if rerr := report.Generate(runDir, "table", out); rerr != nil {
		slog.Warn("generating grid report", "error", rerr)
	}
	return err
}

func sortedMetricKeys(m map[string]float64) []string {
	return slices.Sorted(maps.Keys(m))
}
