// Package search declares hyperparameter search spaces and the samplers that
// propose configurations from them.
//
// A sampler is a black box to the rest of the module: it hands out a
// Proposal (ordinal index plus Configuration) on Ask and expects exactly one
// objective back through Tell before it proposes again.
package search

import (
	"errors"
	"fmt"

	"golang.org/x/exp/constraints"
)

var (
	// ErrInvalidSpace is returned when a space declaration cannot be sampled.
	ErrInvalidSpace = errors.New("invalid search space")

	// ErrSpaceExhausted is returned by samplers that enumerate a finite space
	// once every configuration has been proposed.
	ErrSpaceExhausted = errors.New("search space exhausted")

	// ErrPendingTrial is returned by Ask while the previous proposal has not
	// been scored through Tell.
	ErrPendingTrial = errors.New("previous trial has not been scored")
)

// ProposalError reports that the sampler could not produce a configuration.
// It is the only error that aborts a study.
type ProposalError struct {
	Index int
	Err   error
}

func (e *ProposalError) Error() string {
	return fmt.Sprintf("proposing trial %d: %v", e.Index, e.Err)
}

func (e *ProposalError) Unwrap() error { return e.Err }

// Kind identifies how a parameter is sampled.
type Kind string

const (
	KindInt         Kind = "int"
	KindFloat       Kind = "float"
	KindCategorical Kind = "categorical"
)

// Range is an inclusive numeric interval.
type Range[T constraints.Integer | constraints.Float] struct {
	Min T
	Max T
}

// Contains reports whether v lies within the range, bounds included.
func (r Range[T]) Contains(v T) bool {
	return v >= r.Min && v <= r.Max
}

func (r Range[T]) valid() bool {
	return r.Min <= r.Max
}

// Param declares one dimension of a search space.
type Param struct {
	Name string
	Kind Kind

	// Abbrev is the short label used when the parameter is embedded in a
	// run name ("e" for epochs gives "_e3"). Empty means Name.
	Abbrev string

	Int    Range[int]
	Float  Range[float64]
	Values []any
}

// IntRange declares an integer parameter sampled from [lo, hi].
func IntRange(name string, lo, hi int) Param {
	return Param{Name: name, Kind: KindInt, Int: Range[int]{Min: lo, Max: hi}}
}

// FloatRange declares a float parameter sampled from [lo, hi].
func FloatRange(name string, lo, hi float64) Param {
	return Param{Name: name, Kind: KindFloat, Float: Range[float64]{Min: lo, Max: hi}}
}

// Categorical declares a parameter drawn from a fixed list of values.
func Categorical(name string, values ...any) Param {
	return Param{Name: name, Kind: KindCategorical, Values: values}
}

// WithAbbrev returns a copy of p using abbrev in run names.
func (p Param) WithAbbrev(abbrev string) Param {
	p.Abbrev = abbrev
	return p
}

func (p Param) label() string {
	if p.Abbrev != "" {
		return p.Abbrev
	}
	return p.Name
}

// size returns the number of distinct values of a discrete parameter.
func (p Param) size() int {
	switch p.Kind {
	case KindInt:
		return p.Int.Max - p.Int.Min + 1
	case KindCategorical:
		return len(p.Values)
	}
	return 0
}

func (p Param) validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: parameter name is required", ErrInvalidSpace)
	}
	switch p.Kind {
	case KindInt:
		if !p.Int.valid() {
			return fmt.Errorf("%w: %s: min %d > max %d", ErrInvalidSpace, p.Name, p.Int.Min, p.Int.Max)
		}
	case KindFloat:
		if !p.Float.valid() {
			return fmt.Errorf("%w: %s: min %g > max %g", ErrInvalidSpace, p.Name, p.Float.Min, p.Float.Max)
		}
	case KindCategorical:
		if len(p.Values) == 0 {
			return fmt.Errorf("%w: %s: no categorical values", ErrInvalidSpace, p.Name)
		}
	default:
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidSpace, p.Name, p.Kind)
	}
	return nil
}

// coerce converts v into the canonical Go type for p and checks membership.
func (p Param) coerce(v any) (any, error) {
	switch p.Kind {
	case KindInt:
		i, ok := asInt(v)
		if !ok {
			return nil, fmt.Errorf("%s: %v is not an integer", p.Name, v)
		}
		if !p.Int.Contains(i) {
			return nil, fmt.Errorf("%s: %d outside [%d, %d]", p.Name, i, p.Int.Min, p.Int.Max)
		}
		return i, nil
	case KindFloat:
		f, ok := asFloat(v)
		if !ok {
			return nil, fmt.Errorf("%s: %v is not a number", p.Name, v)
		}
		if !p.Float.Contains(f) {
			return nil, fmt.Errorf("%s: %g outside [%g, %g]", p.Name, f, p.Float.Min, p.Float.Max)
		}
		return f, nil
	case KindCategorical:
		for _, c := range p.Values {
			if FormatValue(c) == FormatValue(v) {
				return c, nil
			}
		}
		return nil, fmt.Errorf("%s: %v is not one of %v", p.Name, v, p.Values)
	}
	return nil, fmt.Errorf("%s: unknown kind %q", p.Name, p.Kind)
}

// Space is an ordered search-space declaration. The order is stable for the
// lifetime of a study and drives run naming and grid enumeration.
type Space []Param

// Validate checks that every parameter is well formed and uniquely named.
func (s Space) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: no parameters declared", ErrInvalidSpace)
	}
	seen := make(map[string]bool, len(s))
	for _, p := range s {
		if err := p.validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate parameter %q", ErrInvalidSpace, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Lookup returns the parameter declared under name.
func (s Space) Lookup(name string) (Param, bool) {
	for _, p := range s {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	case float32:
		if n == float32(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	if i, ok := asInt(v); ok {
		return float64(i), true
	}
	return 0, false
}
