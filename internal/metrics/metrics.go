// Package metrics turns the metrics payload reported by a training job into
// the scalar objective a study optimizes plus the auxiliary metrics persisted
// alongside it.
package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// YOLO metric keys as reported by the training job.
const (
	KeyMAP50     = "metrics/mAP50(B)"
	KeyMAP50_95  = "metrics/mAP50-95(B)"
	KeyPrecision = "metrics/precision(B)"
	KeyRecall    = "metrics/recall(B)"
)

const (
	// FinishedMarker is logged when a job completed without reporting metrics.
	FinishedMarker = "training_finished"
	// FailedMarker is logged when a job failed.
	FailedMarker = "training_failed"
)

// Payload is the untyped metrics mapping produced by a job. Any subset of the
// expected keys may be missing and values may arrive in any numeric form.
type Payload map[string]any

// Reading is one optional metric value.
type Reading struct {
	Value   float64
	Present bool
}

// Record is the typed view of a Payload restricted to the keys a Normalizer
// expects. Keys absent from the payload, or present with a value that is not
// a finite number, map to a Reading with Present false.
type Record map[string]Reading

// KeyError reports a present metric whose value could not be read as a float.
type KeyError struct {
	Key   string
	Value any
	Err   error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("metric %q: cannot use %v (%T) as float: %v", e.Key, e.Value, e.Value, e.Err)
}

func (e *KeyError) Unwrap() error { return e.Err }

var (
	errNotNumeric = errors.New("not numeric")
	errNotFinite  = errors.New("not finite")
)

// Result is the normalized outcome of one payload.
type Result struct {
	Objective float64
	// Metrics holds sanitized metric names ready to log.
	Metrics  map[string]float64
	Degraded bool
}

// Normalizer maps payloads onto a designated primary key and a fixed set of
// secondary keys.
type Normalizer struct {
	primary     string
	secondary   []string
	emptyMarker string
	names       map[string]string
}

// DefaultNormalizer returns the normalizer for YOLO detection jobs, optimizing
// mAP50.
func DefaultNormalizer() *Normalizer {
	n, err := NewNormalizer(KeyMAP50, []string{KeyMAP50_95, KeyPrecision, KeyRecall}, FinishedMarker)
	if err != nil {
		panic(err)
	}
	return n
}

// NewNormalizer builds a normalizer. It fails when two keys sanitize to the
// same metric name, since they would overwrite each other in the backend.
func NewNormalizer(primary string, secondary []string, emptyMarker string) (*Normalizer, error) {
	if primary == "" {
		return nil, errors.New("primary metric key is required")
	}
	if emptyMarker == "" {
		emptyMarker = FinishedMarker
	}
	n := &Normalizer{
		primary:     primary,
		secondary:   append([]string(nil), secondary...),
		emptyMarker: emptyMarker,
		names:       make(map[string]string, len(secondary)+1),
	}
	owners := map[string]string{Sanitize(emptyMarker): emptyMarker}
	for _, key := range append([]string{primary}, secondary...) {
		name := Sanitize(key)
		if name == "" {
			return nil, fmt.Errorf("metric key %q has no valid characters", key)
		}
		if other, ok := owners[name]; ok && other != key {
			return nil, fmt.Errorf("metric keys %q and %q both sanitize to %q", other, key, name)
		}
		owners[name] = key
		n.names[key] = name
	}
	return n, nil
}

// Primary returns the designated objective key.
func (n *Normalizer) Primary() string { return n.primary }

// MetricName returns the sanitized name key is logged under.
func (n *Normalizer) MetricName(key string) string {
	if name, ok := n.names[key]; ok {
		return name
	}
	return Sanitize(key)
}

// Parse reads the expected keys out of payload. The returned error joins one
// *KeyError per present key that is not numeric or is NaN or infinite.
func (n *Normalizer) Parse(payload Payload) (Record, error) {
	rec := make(Record, len(n.secondary)+1)
	var errs []error
	for _, key := range append([]string{n.primary}, n.secondary...) {
		raw, ok := payload[key]
		if !ok {
			rec[key] = Reading{}
			continue
		}
		v, err := toFloat(raw)
		if err == nil && (math.IsNaN(v) || math.IsInf(v, 0)) {
			err = errNotFinite
		}
		if err != nil {
			errs = append(errs, &KeyError{Key: key, Value: raw, Err: err})
			rec[key] = Reading{}
			continue
		}
		rec[key] = Reading{Value: v, Present: true}
	}
	return rec, errors.Join(errs...)
}

// Normalize derives the objective and auxiliary metrics from payload.
//
// The primary key gives the objective; without it the objective is 0 and the
// result is degraded. An empty payload yields only the empty marker. Values
// that cannot be read as floats are treated as absent and reported through
// the error, which never invalidates the returned Result.
func (n *Normalizer) Normalize(payload Payload) (Result, error) {
	res := Result{Metrics: map[string]float64{}}
	if len(payload) == 0 {
		res.Degraded = true
		res.Metrics[Sanitize(n.emptyMarker)] = 1.0
		return res, nil
	}

	rec, err := n.Parse(payload)
	if r := rec[n.primary]; r.Present {
		res.Objective = r.Value
		res.Metrics[n.names[n.primary]] = r.Value
	} else {
		res.Degraded = true
	}
	for _, key := range n.secondary {
		if r := rec[key]; r.Present {
			res.Metrics[n.names[key]] = r.Value
		}
	}
	return res, err
}

// FailureMetrics returns the marker logged for a failed job.
func FailureMetrics() map[string]float64 {
	return map[string]float64{FailedMarker: 1.0}
}

// Sanitize maps a metric key onto the characters tracking backends accept:
// letters, digits, '_', '/' and '.'. Each run of other characters becomes a
// single '_' when followed by an accepted character, so "metrics/mAP50-95(B)"
// becomes "metrics/mAP50_95_B".
func Sanitize(key string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range key {
		if isAllowed(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

func isAllowed(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
		r == '_' || r == '/' || r == '.'
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	}
	return 0, errNotNumeric
}
