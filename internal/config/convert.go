package config

import (
	"fmt"
	"math"

	"github.com/signalnine/sweep/internal/artifacts"
	"github.com/signalnine/sweep/internal/metrics"
	"github.com/signalnine/sweep/internal/search"
	"github.com/signalnine/sweep/internal/tracking"
)

// SearchSpace converts the search_space section, in declaration order.
func (c *Config) SearchSpace() (search.Space, error) {
	space := make(search.Space, 0, len(c.Search))
	for i, p := range c.Search {
		var sp search.Param
		switch p.Type {
		case "int":
			if p.Min != math.Trunc(p.Min) || p.Max != math.Trunc(p.Max) {
				return nil, fmt.Errorf("search_space %d (%s): int bounds must be whole numbers", i, p.Name)
			}
			sp = search.IntRange(p.Name, int(p.Min), int(p.Max))
		case "float":
			sp = search.FloatRange(p.Name, p.Min, p.Max)
		case "categorical":
			values := make([]any, len(p.Values))
			for j, v := range p.Values {
				values[j] = normalizeValue(v)
			}
			sp = search.Categorical(p.Name, values...)
		default:
			return nil, fmt.Errorf("search_space %d (%s): type must be int, float or categorical, got %q", i, p.Name, p.Type)
		}
		space = append(space, sp.WithAbbrev(p.Abbrev))
	}
	if err := space.Validate(); err != nil {
		return nil, fmt.Errorf("search_space: %w", err)
	}
	return space, nil
}

func (c *Config) Normalizer() (*metrics.Normalizer, error) {
	return metrics.NewNormalizer(c.Metrics.Primary, c.Metrics.Secondary, c.Metrics.EmptyMarker)
}

func (c *Config) TrackingOptions() tracking.Options {
	return tracking.Options{
		Kind: c.Tracking.Backend,
		URI:  c.Tracking.URI,
		Dir:  c.Tracking.Dir,
		DSN:  c.Tracking.DSN,
	}
}

func (c *Config) ArtifactsConfig() artifacts.Config {
	a := c.Artifacts
	return artifacts.Config{
		Endpoint:  a.Endpoint,
		AccessKey: a.AccessKey,
		SecretKey: a.SecretKey,
		Region:    a.Region,
		UseSSL:    a.UseSSL,
		Bucket:    a.Bucket,
		Workers:   a.Workers,
	}
}

// PipelineUnit is a named literal configuration.
type PipelineUnit struct {
	Name   string
	Config search.Configuration
}

// Baseline returns the single pipeline unit. Unit parameters matching the
// search space are checked against it.
func (c *Config) Baseline() (PipelineUnit, error) {
	units, err := c.units([]Unit{c.Pipeline.Baseline})
	if err != nil {
		return PipelineUnit{}, err
	}
	return units[0], nil
}

// GridUnits returns the pipeline grid in order.
func (c *Config) GridUnits() ([]PipelineUnit, error) {
	return c.units(c.Pipeline.Grid)
}

// Unit builds a single named unit from literal parameters.
func (c *Config) Unit(name string, params map[string]any) (PipelineUnit, error) {
	units, err := c.units([]Unit{{Name: name, Params: params}})
	if err != nil {
		return PipelineUnit{}, err
	}
	return units[0], nil
}

func (c *Config) units(in []Unit) ([]PipelineUnit, error) {
	space, err := c.SearchSpace()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	out := make([]PipelineUnit, 0, len(in))
	for i, u := range in {
		if u.Name == "" {
			return nil, fmt.Errorf("pipeline unit %d: name is required", i)
		}
		if seen[u.Name] {
			return nil, fmt.Errorf("pipeline unit %q: duplicate name", u.Name)
		}
		seen[u.Name] = true
		values := make(map[string]any, len(u.Params))
		for k, v := range u.Params {
			values[k] = normalizeValue(v)
		}
		cfg, err := unitConfig(space, values)
		if err != nil {
			return nil, fmt.Errorf("pipeline unit %q: %w", u.Name, err)
		}
		out = append(out, PipelineUnit{Name: u.Name, Config: cfg})
	}
	return out, nil
}

// unitConfig validates against space when the unit sets exactly the declared
// parameters and keeps the literal values otherwise.
func unitConfig(space search.Space, values map[string]any) (search.Configuration, error) {
	declared := len(values) == len(space)
	for name := range values {
		if _, ok := space.Lookup(name); !ok {
			declared = false
		}
	}
	if declared {
		return search.NewConfiguration(space, values)
	}
	return search.FromMap(values), nil
}

// normalizeValue maps decoder-specific numeric types onto int and float64.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case int32:
		return int(n)
	case float32:
		return float64(n)
	}
	return v
}
