package logging

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// #region log-epoch
// LogEpoch writes an entry to the epoch_log table.
func LogEpoch(ctx context.Context, db *sql.DB, entry EpochEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	best := 0
	if entry.IsBest {
		best = 1
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO epoch_log (run_id, epoch, training_loss, validation_metric, is_best, record_json, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID,
		entry.Epoch,
		entry.TrainingLoss,
		entry.ValidationMetric,
		best,
		nullIfEmpty(entry.RecordJSON),
		entry.Duration.Milliseconds(),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log epoch: %w", err)
	}
	return nil
}

// ReadEpochs returns the logged epochs of a run in order.
func ReadEpochs(ctx context.Context, db *sql.DB, runID string) ([]EpochEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT run_id, epoch, training_loss, validation_metric, is_best, record_json, duration_ms, created_at
		 FROM epoch_log WHERE run_id = ? ORDER BY epoch, id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("read epochs: %w", err)
	}
	defer rows.Close()

	var out []EpochEntry
	for rows.Next() {
		var e EpochEntry
		var best int
		var record sql.NullString
		var ms int64
		var created string
		if err := rows.Scan(&e.RunID, &e.Epoch, &e.TrainingLoss, &e.ValidationMetric, &best, &record, &ms, &created); err != nil {
			return nil, fmt.Errorf("scan epoch: %w", err)
		}
		e.IsBest = best == 1
		e.RecordJSON = record.String
		e.Duration = time.Duration(ms) * time.Millisecond
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion

// #region log-evaluation
// LogEvaluation writes an entry to the evaluation_results table.
func LogEvaluation(ctx context.Context, db *sql.DB, entry EvaluationEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO evaluation_results (run_id, language, source, uas, las, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullIfEmpty(entry.RunID),
		entry.Language,
		nullIfEmpty(entry.Source),
		entry.UAS,
		entry.LAS,
		nullIfEmpty(entry.Err),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log evaluation: %w", err)
	}
	return nil
}

// ReadEvaluations returns the evaluation rows of a run, oldest first.
func ReadEvaluations(ctx context.Context, db *sql.DB, runID string) ([]EvaluationEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT COALESCE(run_id, ''), language, COALESCE(source, ''), COALESCE(uas, 0), COALESCE(las, 0), COALESCE(error, ''), created_at
		 FROM evaluation_results WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("read evaluations: %w", err)
	}
	defer rows.Close()

	var out []EvaluationEntry
	for rows.Next() {
		var e EvaluationEntry
		var created string
		if err := rows.Scan(&e.RunID, &e.Language, &e.Source, &e.UAS, &e.LAS, &e.Err, &created); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion
