package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/signalnine/sweep/internal/artifacts"
	"github.com/signalnine/sweep/internal/config"
	"github.com/signalnine/sweep/internal/metrics"
	"github.com/signalnine/sweep/internal/runner"
	"github.com/signalnine/sweep/internal/trackserver"
	"github.com/signalnine/sweep/internal/tracking"
	"github.com/signalnine/sweep/internal/trainer"
)

// loadConfig reads --config. The default path may be absent, in which case
// the built-in defaults apply. Secrets from the env file are loaded before
// environment overrides are resolved.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile == defaultConfigFile {
		cfg, err = config.LoadOrDefault(cfgFile)
	} else {
		cfg, err = config.Load(cfgFile)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Secrets.EnvFile != "" {
		if err := trackserver.LoadEnvFile(cfg.Secrets.EnvFile); err != nil {
			slog.Warn("could not load secrets", "path", cfg.Secrets.EnvFile, "error", err)
		} else if err := cfg.Refresh(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// stack holds the collaborators shared by search, train and pipeline.
type stack struct {
	backend     tracking.Backend
	server      *trackserver.Server
	trackingURI string
	executor    trainer.Executor
	normalizer  *metrics.Normalizer
	uploader    runner.Uploader
}

// newStack opens the tracking backend, launching a local server first when
// configured, and builds the executor and optional artifact uploader.
// Training output is copied to trainOut.
func newStack(ctx context.Context, cfg *config.Config, trainOut io.Writer) (*stack, error) {
	s := &stack{}
	opts := cfg.TrackingOptions()
	if l := cfg.Tracking.Launch; l.Enabled && (opts.Kind == "" || opts.Kind == tracking.KindMLflow) {
		srv, err := trackserver.Start(ctx, &trackserver.StartOpts{
			Command:              l.Command,
			Host:                 l.Host,
			Port:                 l.Port,
			BackendStoreURI:      l.BackendStoreURI,
			ArtifactsDestination: l.ArtifactsDestination,
			SecretsEnvFile:       cfg.Secrets.EnvFile,
			LogDir:               l.LogDir,
		})
		if err != nil {
			return nil, fmt.Errorf("starting tracking server: %w", err)
		}
		s.server = srv
		opts.URI = srv.URL()
		slog.Info("tracking server started", "url", srv.URL())
	}

	backend, err := tracking.Open(ctx, opts)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("opening tracking backend: %w", err)
	}
	s.backend = backend
	s.trackingURI = trackingTarget(opts)

	if s.normalizer, err = cfg.Normalizer(); err != nil {
		s.Close()
		return nil, err
	}
	if s.executor, err = newExecutor(cfg, trainOut); err != nil {
		s.Close()
		return nil, err
	}
	if cfg.Artifacts.Enabled {
		up, err := artifacts.New(ctx, cfg.ArtifactsConfig(), slog.Default())
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("connecting artifact store: %w", err)
		}
		s.uploader = up
	}
	return s, nil
}

func (s *stack) Close() {
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			slog.Warn("closing tracking backend", "error", err)
		}
	}
	if s.server != nil {
		s.server.Stop()
	}
}

func newExecutor(cfg *config.Config, trainOut io.Writer) (trainer.Executor, error) {
	t := cfg.Training
	switch t.Mode {
	case "subprocess":
		return &trainer.CommandExecutor{
			Command:     t.Command,
			Dir:         t.WorkDir,
			Env:         envList(t.Env),
			MetricsFile: t.MetricsFile,
			Timeout:     t.TimeoutDuration(),
			Stdout:      trainOut,
			Logger:      slog.Default(),
		}, nil
	case "container":
		return &trainer.ContainerExecutor{
			Image:       t.Image,
			Command:     t.Command,
			WorkDir:     t.WorkDir,
			Env:         t.Env,
			MetricsFile: t.MetricsFile,
			Timeout:     t.TimeoutDuration(),
			CPULimit:    t.CPULimit,
			MemoryLimit: t.MemoryLimit,
			Logger:      slog.Default(),
		}, nil
	default:
		return nil, fmt.Errorf("training mode %q needs a training function and cannot run from the command line", t.Mode)
	}
}

// trackingTarget is where the user can look at runs.
func trackingTarget(opts tracking.Options) string {
	switch opts.Kind {
	case "", tracking.KindMLflow:
		if opts.URI == "" {
			return tracking.DefaultMLflowURI
		}
		return opts.URI
	case tracking.KindFile:
		return "file:" + opts.Dir
	default:
		return opts.Kind
	}
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
