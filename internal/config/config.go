package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/signalnine/sweep/internal/search"
)

type Config struct {
	Study     Study     `yaml:"study" toml:"study"`
	Search    []Param   `yaml:"search_space" toml:"search_space"`
	Training  Training  `yaml:"training" toml:"training"`
	Metrics   Metrics   `yaml:"metrics" toml:"metrics"`
	Tracking  Tracking  `yaml:"tracking" toml:"tracking"`
	Dataset   Dataset   `yaml:"dataset" toml:"dataset"`
	Artifacts Artifacts `yaml:"artifacts" toml:"artifacts"`
	Pipeline  Pipeline  `yaml:"pipeline" toml:"pipeline"`
	Secrets   Secrets   `yaml:"secrets" toml:"secrets"`
	Results   Results   `yaml:"results" toml:"results"`
}

type Study struct {
	// Name is also the tracking experiment.
	Name      string `yaml:"name" toml:"name"`
	Prefix    string `yaml:"prefix" toml:"prefix"`
	Trials    int    `yaml:"trials" toml:"trials"`
	Direction string `yaml:"direction" toml:"direction"`
	Sampler   string `yaml:"sampler" toml:"sampler"`
	Seed      int64  `yaml:"seed" toml:"seed"`
	Retries   int    `yaml:"retries" toml:"retries"`
}

// Param declares one search-space dimension. Min and Max apply to int and
// float parameters, Values to categorical ones.
type Param struct {
	Name   string  `yaml:"name" toml:"name"`
	Type   string  `yaml:"type" toml:"type"`
	Min    float64 `yaml:"min" toml:"min"`
	Max    float64 `yaml:"max" toml:"max"`
	Values []any   `yaml:"values" toml:"values"`
	Abbrev string  `yaml:"abbrev" toml:"abbrev"`
}

type Training struct {
	Mode        string            `yaml:"mode" toml:"mode"`
	Command     []string          `yaml:"command" toml:"command"`
	Image       string            `yaml:"image" toml:"image"`
	WorkDir     string            `yaml:"work_dir" toml:"work_dir"`
	Env         map[string]string `yaml:"env" toml:"env"`
	Data        string            `yaml:"data" toml:"data"`
	Model       string            `yaml:"model" toml:"model"`
	Project     string            `yaml:"project" toml:"project"`
	MetricsFile string            `yaml:"metrics_file" toml:"metrics_file"`
	Timeout     string            `yaml:"timeout" toml:"timeout"`
	CPULimit    float64           `yaml:"cpu_limit" toml:"cpu_limit"`
	MemoryLimit int64             `yaml:"memory_limit" toml:"memory_limit"`

	timeout time.Duration
}

// TimeoutDuration is the parsed Timeout; zero means no deadline.
func (t Training) TimeoutDuration() time.Duration { return t.timeout }

type Metrics struct {
	Primary     string   `yaml:"primary" toml:"primary"`
	Secondary   []string `yaml:"secondary" toml:"secondary"`
	EmptyMarker string   `yaml:"empty_marker" toml:"empty_marker"`
}

type Tracking struct {
	Backend string `yaml:"backend" toml:"backend"`
	URI     string `yaml:"uri" toml:"uri"`
	Dir     string `yaml:"dir" toml:"dir"`
	DSN     string `yaml:"dsn" toml:"dsn"`
	Launch  Launch `yaml:"launch" toml:"launch"`
}

// Launch starts a local tracking server before the study.
type Launch struct {
	Enabled              bool     `yaml:"enabled" toml:"enabled"`
	Command              []string `yaml:"command" toml:"command"`
	Host                 string   `yaml:"host" toml:"host"`
	Port                 int      `yaml:"port" toml:"port"`
	BackendStoreURI      string   `yaml:"backend_store_uri" toml:"backend_store_uri"`
	ArtifactsDestination string   `yaml:"artifacts_destination" toml:"artifacts_destination"`
	LogDir               string   `yaml:"log_dir" toml:"log_dir"`
}

type Dataset struct {
	Skip    bool     `yaml:"skip" toml:"skip"`
	Command []string `yaml:"command" toml:"command"`
	Dir     string   `yaml:"dir" toml:"dir"`
}

type Artifacts struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Endpoint  string `yaml:"endpoint" toml:"endpoint"`
	AccessKey string `yaml:"access_key" toml:"access_key"`
	SecretKey string `yaml:"secret_key" toml:"secret_key"`
	Region    string `yaml:"region" toml:"region"`
	Bucket    string `yaml:"bucket" toml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl" toml:"use_ssl"`
	Workers   int    `yaml:"workers" toml:"workers"`
}

type Pipeline struct {
	Experiment string `yaml:"experiment" toml:"experiment"`
	Baseline   Unit   `yaml:"baseline" toml:"baseline"`
	Grid       []Unit `yaml:"grid" toml:"grid"`
}

// Unit is a literal configuration trained without searching.
type Unit struct {
	Name   string         `yaml:"name" toml:"name"`
	Params map[string]any `yaml:"params" toml:"params"`
}

type Secrets struct {
	EnvFile string `yaml:"env_file" toml:"env_file"`
}

type Results struct {
	Dir string `yaml:"dir" toml:"dir"`
}

// Load reads a YAML or TOML (by extension) config over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := Default()
	cfg.Search = nil
	cfg.Pipeline.Grid = nil
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	def := Default()
	if cfg.Search == nil {
		cfg.Search = def.Search
	}
	if cfg.Pipeline.Grid == nil {
		cfg.Pipeline.Grid = def.Pipeline.Grid
	}
	if err := finish(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when path does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}
	cfg = Default()
	if err := finish(cfg); err != nil {
		return nil, fmt.Errorf("invalid default config: %w", err)
	}
	return cfg, nil
}

// Refresh re-applies environment overrides and validates, for callers that
// change the environment or fields after Load.
func (c *Config) Refresh() error {
	return finish(c)
}

func finish(cfg *Config) error {
	if err := applyEnv(cfg); err != nil {
		return err
	}
	return validate(cfg)
}

func validate(cfg *Config) error {
	s := &cfg.Study
	if s.Name == "" {
		return fmt.Errorf("study.name is required")
	}
	if s.Prefix == "" {
		s.Prefix = s.Name
	}
	if s.Trials < 1 {
		return fmt.Errorf("study.trials must be at least 1")
	}
	if s.Retries < 0 {
		return fmt.Errorf("study.retries must not be negative")
	}
	switch s.Direction {
	case "":
		s.Direction = "maximize"
	case "maximize", "minimize":
	default:
		return fmt.Errorf("study.direction must be maximize or minimize, got %q", s.Direction)
	}
	switch s.Sampler {
	case "":
		s.Sampler = "random"
	case "random", "grid":
	default:
		return fmt.Errorf("study.sampler must be random or grid, got %q", s.Sampler)
	}

	space, err := cfg.SearchSpace()
	if err != nil {
		return err
	}
	if s.Sampler == "grid" {
		if _, err := search.NewGridSampler(space); err != nil {
			return fmt.Errorf("study.sampler: %w", err)
		}
	}

	t := &cfg.Training
	switch t.Mode {
	case "":
		t.Mode = "subprocess"
	case "inprocess", "subprocess":
	case "container":
		if t.Image == "" {
			return fmt.Errorf("training.image is required in container mode")
		}
	default:
		return fmt.Errorf("training.mode must be inprocess, subprocess or container, got %q", t.Mode)
	}
	if t.Mode != "inprocess" && len(t.Command) == 0 {
		return fmt.Errorf("training.command is required in %s mode", t.Mode)
	}
	if t.Project == "" {
		t.Project = "runs/train"
	}
	if t.Timeout != "" {
		d, err := time.ParseDuration(t.Timeout)
		if err != nil {
			return fmt.Errorf("training.timeout: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("training.timeout must not be negative")
		}
		t.timeout = d
	}

	if _, err := cfg.Normalizer(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	tr := &cfg.Tracking
	switch tr.Backend {
	case "":
		tr.Backend = "mlflow"
	case "mlflow", "file", "memory":
	case "postgres":
		if tr.DSN == "" {
			return fmt.Errorf("tracking.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("tracking.backend must be mlflow, file, postgres or memory, got %q", tr.Backend)
	}

	if cfg.Artifacts.Enabled {
		if err := cfg.ArtifactsConfig().Validate(); err != nil {
			return fmt.Errorf("artifacts: %w", err)
		}
	}

	if cfg.Pipeline.Experiment == "" {
		cfg.Pipeline.Experiment = s.Name
	}
	if _, err := cfg.Baseline(); err != nil {
		return err
	}
	if _, err := cfg.GridUnits(); err != nil {
		return err
	}

	if cfg.Results.Dir == "" {
		cfg.Results.Dir = "results"
	}
	return nil
}
