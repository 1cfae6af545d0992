package search

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Configuration is an immutable assignment of values to named parameters.
// The zero value is an empty configuration.
type Configuration struct {
	names  []string
	values map[string]any
}

// NewConfiguration validates values against space and returns them as a
// Configuration ordered like the space. Every declared parameter must be set.
func NewConfiguration(space Space, values map[string]any) (Configuration, error) {
	cfg := Configuration{
		names:  make([]string, 0, len(space)),
		values: make(map[string]any, len(space)),
	}
	for _, p := range space {
		raw, ok := values[p.Name]
		if !ok {
			return Configuration{}, fmt.Errorf("missing value for %q", p.Name)
		}
		v, err := p.coerce(raw)
		if err != nil {
			return Configuration{}, err
		}
		cfg.names = append(cfg.names, p.Name)
		cfg.values[p.Name] = v
	}
	for name := range values {
		if _, ok := space.Lookup(name); !ok {
			return Configuration{}, fmt.Errorf("unknown parameter %q", name)
		}
	}
	return cfg, nil
}

// FromMap builds a Configuration from literal values without a space
// declaration. Names are ordered lexically.
func FromMap(values map[string]any) Configuration {
	cfg := Configuration{
		names:  make([]string, 0, len(values)),
		values: make(map[string]any, len(values)),
	}
	for name, v := range values {
		cfg.names = append(cfg.names, name)
		cfg.values[name] = v
	}
	sort.Strings(cfg.names)
	return cfg
}

// Get returns the value of name.
func (c Configuration) Get(name string) (any, bool) {
	v, ok := c.values[name]
	return v, ok
}

// Int returns the value of name as an int.
func (c Configuration) Int(name string) (int, bool) {
	v, ok := c.values[name]
	if !ok {
		return 0, false
	}
	return asInt(v)
}

// Len returns the number of parameters.
func (c Configuration) Len() int { return len(c.names) }

// Names returns the parameter names in declaration order.
func (c Configuration) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Map returns a copy of the underlying values.
func (c Configuration) Map() map[string]any {
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Params returns the configuration string-coerced, the form tracking
// backends persist parameters in.
func (c Configuration) Params() map[string]string {
	out := make(map[string]string, len(c.values))
	for k, v := range c.values {
		out[k] = FormatValue(v)
	}
	return out
}

func (c Configuration) String() string {
	parts := make([]string, 0, len(c.names))
	for _, name := range c.names {
		parts = append(parts, name+"="+FormatValue(c.values[name]))
	}
	return strings.Join(parts, " ")
}

func (c Configuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.values)
}

func (c *Configuration) UnmarshalJSON(data []byte) error {
	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	*c = FromMap(values)
	return nil
}

// FormatValue renders a parameter value the way it is embedded in run names
// and persisted as a tracking parameter.
func FormatValue(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'g', -1, 32)
	case string:
		return n
	}
	return fmt.Sprint(v)
}

// RunName derives the tracking run name for a trial:
// {prefix}_trial{index} followed by _{abbrev}{value} for every parameter in
// space order. Parameters of cfg missing from the space follow in cfg order.
func (s Space) RunName(prefix string, index int, cfg Configuration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s_trial%d", prefix, index)
	seen := make(map[string]bool, len(s))
	for _, p := range s {
		v, ok := cfg.Get(p.Name)
		if !ok {
			continue
		}
		seen[p.Name] = true
		b.WriteString("_" + p.label() + FormatValue(v))
	}
	for _, name := range cfg.names {
		if seen[name] {
			continue
		}
		b.WriteString("_" + name + FormatValue(cfg.values[name]))
	}
	return b.String()
}
