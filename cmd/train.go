package cmd

import (
	"fmt"
	"log/slog"

	"github.com/signalnine/sweep/internal/config"
	"github.com/signalnine/sweep/internal/result"
	"github.com/signalnine/sweep/internal/runner"
	"github.com/signalnine/sweep/internal/tracking"
	"github.com/spf13/cobra"
)

var (
	flagEpochs  int
	flagImgsz   int
	flagRunName string
)

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train one configuration inside a tracked run",
		RunE:  runTrain,
	}
	addUnitFlags(cmd)
	return cmd
}

func addUnitFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&flagEpochs, "epochs", 0, "override epochs")
	cmd.Flags().IntVar(&flagImgsz, "imgsz", 0, "override image size")
	cmd.Flags().StringVar(&flagRunName, "exp-name", "", "run name")
	cmd.Flags().StringVar(&flagData, "data", "", "dataset descriptor path")
	cmd.Flags().StringVar(&flagModel, "model", "", "base weights path")
	cmd.Flags().StringVar(&flagResultsDir, "results-dir", "", "override results directory")
}

// overrideUnit applies --epochs, --imgsz and --exp-name to base.
func overrideUnit(cfg *config.Config, base config.PipelineUnit) (config.PipelineUnit, error) {
	if flagEpochs == 0 && flagImgsz == 0 && flagRunName == "" {
		return base, nil
	}
	params := base.Config.Map()
	if flagEpochs > 0 {
		params["epochs"] = flagEpochs
	}
	if flagImgsz > 0 {
		params["imgsz"] = flagImgsz
	}
	name := base.Name
	if flagRunName != "" {
		name = flagRunName
	}
	return cfg.Unit(name, params)
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyTrainingFlags(cfg)
	base, err := cfg.Baseline()
	if err != nil {
		return err
	}
	unit, err := overrideUnit(cfg, base)
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

	tracker := tracking.NewTracker(st.backend, cfg.Pipeline.Experiment, slog.Default())
	meta, err := runner.RunTrial(ctx, &runner.TrialOpts{
		Tracker:    tracker,
		Executor:   st.executor,
		Normalizer: st.normalizer,
		Uploader:   st.uploader,
		Study:      tracker.Experiment(),
		RunName:    unit.Name,
		Config:     unit.Config,
		Data:       cfg.Training.Data,
		Model:      cfg.Training.Model,
		Project:    cfg.Training.Project,
		Retries:    cfg.Study.Retries,
		ResultsDir: runDir,
		Logger:     slog.Default(),
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s (%s): %s  objective=%.4f (%.1fs)\n",
		meta.RunName, meta.RunID, meta.Outcome, meta.Objective, meta.DurationS)
	for _, k := range sortedMetricKeys(meta.Metrics) {
		fmt.Fprintf(out, "  %s: %.4f\n", k, meta.Metrics[k])
	}
	if meta.Outcome == result.OutcomeJobFailed {
		return fmt.Errorf("training %s failed: %s", meta.RunName, meta.Error)
	}
	return nil
}
