package metrics

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// #region metrics
// Metrics maps a metric name to its scalar value for one pass.
type Metrics map[string]float64

// Merge copies every entry of other into m, overwriting on collision.
func (m Metrics) Merge(other Metrics) Metrics {
	for k, v := range other {
		m[k] = v
	}
	return m
}

// Prefixed returns a copy of m with every key rewritten as prefix_key.
func (m Metrics) Prefixed(prefix string) Metrics {
	out := make(Metrics, len(m))
	for k, v := range m {
		out[prefix+"_"+k] = v
	}
	return out
}

// Clone returns an independent copy.
func (m Metrics) Clone() Metrics {
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Describe renders metrics as a one-line progress description,
// e.g. "LAS: 0.71, UAS: 0.78, loss: 0.51 ||". Names beginning with "_" are hidden.
func Describe(m Metrics) string {
	names := make([]string, 0, len(m))
	for k := range m {
		if strings.HasPrefix(k, "_") {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = fmt.Sprintf("%s: %.4f", k, m[k])
	}
	return strings.Join(parts, ", ") + " ||"
}

// #endregion

// #region direction
// Direction says which way a tracked metric improves.
type Direction int

const (
	HigherIsBetter Direction = iota
	LowerIsBetter
)

func (d Direction) String() string {
	if d == LowerIsBetter {
		return "lower_is_better"
	}
	return "higher_is_better"
}

// ErrBadMetricSpec is returned for a validation metric spec without a +/- prefix.
var ErrBadMetricSpec = errors.New("validation metric must start with + or -")

// ErrUnknownMetric is returned when a tracked metric is absent from a metrics record.
var ErrUnknownMetric = errors.New("metric not found")

// ParseSpec splits "+LAS" / "-loss" into the metric name and its direction.
func ParseSpec(spec string) (string, Direction, error) {
	if len(spec) < 2 {
		return "", HigherIsBetter, fmt.Errorf("parse %q: %w", spec, ErrBadMetricSpec)
	}
	switch spec[0] {
	case '+':
		return spec[1:], HigherIsBetter, nil
	case '-':
		return spec[1:], LowerIsBetter, nil
	default:
		return "", HigherIsBetter, fmt.Errorf("parse %q: %w", spec, ErrBadMetricSpec)
	}
}

// Lookup returns m[name] or ErrUnknownMetric.
func Lookup(m Metrics, name string) (float64, error) {
	v, ok := m[name]
	if !ok {
		return 0, fmt.Errorf("lookup %s: %w", name, ErrUnknownMetric)
	}
	return v, nil
}

// #endregion
