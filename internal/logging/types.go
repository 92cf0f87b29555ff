package logging

import "time"

// #region epoch-entry
// EpochEntry is a single row in the epoch_log table.
type EpochEntry struct {
	RunID            string
	Epoch            int
	TrainingLoss     float64
	ValidationMetric float64
	IsBest           bool
	RecordJSON       string // the metrics.json record written for this epoch
	Duration         time.Duration
	CreatedAt        time.Time
}

// #endregion

// #region evaluation-entry
// EvaluationEntry is a single row in the evaluation_results table. Err is empty
// when the language was scored.
type EvaluationEntry struct {
	RunID     string
	Language  string
	Source    string
	UAS       float64
	LAS       float64
	Err       string
	CreatedAt time.Time
}

// #endregion
