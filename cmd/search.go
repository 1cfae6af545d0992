package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/signalnine/sweep/internal/config"
	"github.com/signalnine/sweep/internal/search"
	"github.com/signalnine/sweep/internal/study"
	"github.com/signalnine/sweep/internal/tracking"
	"github.com/spf13/cobra"
)

var (
	flagTrials     int
	flagData       string
	flagModel      string
	flagPrefix     string
	flagSampler    string
	flagSeed       int64
	flagDirection  string
	flagResultsDir string
)

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Run a hyperparameter search study",
		RunE:  runSearch,
	}
	cmd.Flags().IntVar(&flagTrials, "trials", 0, "override trial count")
	cmd.Flags().StringVar(&flagData, "data", "", "dataset descriptor path")
	cmd.Flags().StringVar(&flagModel, "model", "", "base weights path")
	cmd.Flags().StringVar(&flagPrefix, "exp-prefix", "", "run name prefix")
	cmd.Flags().StringVar(&flagSampler, "sampler", "", "sampler (random, grid)")
	cmd.Flags().Int64Var(&flagSeed, "seed", 0, "random sampler seed")
	cmd.Flags().StringVar(&flagDirection, "direction", "", "optimization direction (maximize, minimize)")
	cmd.Flags().StringVar(&flagResultsDir, "results-dir", "", "override results directory")
	return cmd
}

func applySearchFlags(cmd *cobra.Command, cfg *config.Config) error {
	if flagTrials > 0 {
		cfg.Study.Trials = flagTrials
	}
	if flagPrefix != "" {
		cfg.Study.Prefix = flagPrefix
	}
	if flagSampler != "" {
		cfg.Study.Sampler = flagSampler
	}
	if cmd.Flags().Changed("seed") {
		cfg.Study.Seed = flagSeed
	}
	if flagDirection != "" {
		cfg.Study.Direction = flagDirection
	}
	applyTrainingFlags(cfg)
	return cfg.Refresh()
}

// applyTrainingFlags applies the flags shared by every training command.
func applyTrainingFlags(cfg *config.Config) {
	if flagData != "" {
		cfg.Training.Data = flagData
	}
	if flagModel != "" {
		cfg.Training.Model = flagModel
	}
	if flagResultsDir != "" {
		cfg.Results.Dir = flagResultsDir
	}
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applySearchFlags(cmd, cfg); err != nil {
		return err
	}

	space, err := cfg.SearchSpace()
	if err != nil {
		return err
	}
	direction, err := study.ParseDirection(cfg.Study.Direction)
	if err != nil {
		return err
	}
	seed := cfg.Study.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	sampler, err := search.NewSampler(cfg.Study.Sampler, space, seed)
	if err != nil {
		return err
	}
	if cfg.Study.Sampler != "grid" {
		slog.Info("random sampler seeded", "seed", seed)
	}

	ctx := cmd.Context()
	st, err := newStack(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer st.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Study %s: %d trials, %s %s\n", cfg.Study.Name, cfg.Study.Trials, direction, st.normalizer.Primary())
	coord := &study.Coordinator{
		Name:        cfg.Study.Name,
		Prefix:      cfg.Study.Prefix,
		Trials:      cfg.Study.Trials,
		Direction:   direction,
		Space:       space,
		Sampler:     sampler,
		SamplerName: cfg.Study.Sampler,
		Tracker:     tracking.NewTracker(st.backend, cfg.Study.Name, slog.Default()),
		Executor:    st.executor,
		Normalizer:  st.normalizer,
		Uploader:    st.uploader,
		Data:        cfg.Training.Data,
		Model:       cfg.Training.Model,
		Project:     cfg.Training.Project,
		Retries:     cfg.Study.Retries,
		ResultsDir:  cfg.Results.Dir,
		Out:         out,
		Logger:      slog.Default(),
	}
	_, err = coord.Run(ctx)
	if errors.Is(err, search.ErrSpaceExhausted) {
		slog.Warn("search space exhausted before the trial budget", "trials", cfg.Study.Trials)
		err = nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Compare runs at %s\n", st.trackingURI)
	return nil
}
