package metrics

import "fmt"

// #region tracker
// Tracker follows the best value of one validation metric across epochs.
// Only a strict improvement moves the best; on ties the earliest epoch wins.
type Tracker struct {
	name      string
	direction Direction
	patience  int

	best      float64
	bestEpoch int
	hasBest   bool

	epochs    int  // observations so far
	improved  bool // outcome of the latest Observe
	bestStats Metrics
}

// NewTracker builds a tracker from a "+name" / "-name" spec.
// patience <= 0 disables ShouldStopEarly.
func NewTracker(spec string, patience int) (*Tracker, error) {
	name, dir, err := ParseSpec(spec)
	if err != nil {
		return nil, fmt.Errorf("new tracker: %w", err)
	}
	return &Tracker{name: name, direction: dir, patience: patience}, nil
}

// Name returns the tracked metric name without its direction prefix.
func (t *Tracker) Name() string { return t.name }

// Direction returns the comparison direction.
func (t *Tracker) Direction() Direction { return t.direction }

// Observe records the metric value of the next epoch.
func (t *Tracker) Observe(value float64) {
	epoch := t.epochs
	t.epochs++
	t.improved = !t.hasBest || t.better(value, t.best)
	if t.improved {
		t.best = value
		t.bestEpoch = epoch
		t.hasBest = true
	}
}

func (t *Tracker) better(candidate, current float64) bool {
	if t.direction == LowerIsBetter {
		return candidate < current
	}
	return candidate > current
}

// IsBestSoFar reports whether the latest Observe produced a new best.
func (t *Tracker) IsBestSoFar() bool { return t.improved }

// Best returns the best value, false while unset.
func (t *Tracker) Best() (float64, bool) { return t.best, t.hasBest }

// BestEpoch returns the epoch of the best value, false while unset.
func (t *Tracker) BestEpoch() (int, bool) { return t.bestEpoch, t.hasBest }

// SetBestEpochMetrics keeps the full validation metrics of the best epoch.
func (t *Tracker) SetBestEpochMetrics(m Metrics) { t.bestStats = m.Clone() }

// BestEpochMetrics returns the stored best-epoch metrics (nil before any best).
func (t *Tracker) BestEpochMetrics() Metrics { return t.bestStats }

// ShouldStopEarly is true once patience epochs have passed without improvement.
func (t *Tracker) ShouldStopEarly() bool {
	if t.patience <= 0 || !t.hasBest {
		return false
	}
	return t.epochs-1-t.bestEpoch >= t.patience
}

// #endregion
