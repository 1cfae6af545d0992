package config

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variables that override the file.
const (
	EnvTrackingURI     = "MLFLOW_TRACKING_URI"
	EnvTrackingBackend = "SWEEP_TRACKING_BACKEND"
	EnvPostgresDSN     = "SWEEP_POSTGRES_DSN"
	EnvArtifactsAccess = "SWEEP_ARTIFACTS_ACCESS_KEY"
	EnvArtifactsSecret = "SWEEP_ARTIFACTS_SECRET_KEY"
	EnvArtifactsUpload = "SWEEP_ARTIFACTS_ENABLED"
)

func applyEnv(cfg *Config) error {
	cfg.Tracking.URI = envString(EnvTrackingURI, cfg.Tracking.URI)
	cfg.Tracking.Backend = envString(EnvTrackingBackend, cfg.Tracking.Backend)
	cfg.Tracking.DSN = envString(EnvPostgresDSN, cfg.Tracking.DSN)
	cfg.Artifacts.AccessKey = envString(EnvArtifactsAccess, cfg.Artifacts.AccessKey)
	cfg.Artifacts.SecretKey = envString(EnvArtifactsSecret, cfg.Artifacts.SecretKey)
	enabled, err := envBool(EnvArtifactsUpload, cfg.Artifacts.Enabled)
	if err != nil {
		return err
	}
	cfg.Artifacts.Enabled = enabled
	return nil
}

func envString(key string, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envBool(key string, def bool) (bool, error) {
	if v, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("parse %s: %w", key, err)
		}
		return b, nil
	}
	return def, nil
}
