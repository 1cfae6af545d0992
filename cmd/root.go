package cmd

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigFile = "sweep.yaml"

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sweep",
		Short: "Hyperparameter search and experiment tracking for training jobs",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(newLogger(logLevel, logFormat, cmd.ErrOrStderr()))
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigFile, "config file path (.yaml or .toml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	root.AddCommand(newSearchCmd())
	root.AddCommand(newTrainCmd())
	root.AddCommand(newPipelineCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newReportCmd())
	return root
}

func newLogger(level, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
