package metrics

// #region accumulator
// Accumulator keeps the running loss of a single train or validation pass.
// The zero value is ready to use.
type Accumulator struct {
	total   float64
	batches int
}

// Accumulate adds one batch loss.
func (a *Accumulator) Accumulate(loss float64) {
	a.total += loss
	a.batches++
}

// Snapshot returns the average loss so far. State is untouched unless reset is set,
// so it can be called mid-pass for progress display.
func (a *Accumulator) Snapshot(reset bool) Metrics {
	avg := 0.0
	if a.batches > 0 {
		avg = a.total / float64(a.batches)
	}
	m := Metrics{"loss": avg}
	if reset {
		a.total = 0
		a.batches = 0
	}
	return m
}

// Batches returns the number of accumulated batches.
func (a *Accumulator) Batches() int { return a.batches }

// Total returns the raw loss sum.
func (a *Accumulator) Total() float64 { return a.total }

// #endregion
