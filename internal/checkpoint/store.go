package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id            TEXT PRIMARY KEY,
	serialization_dir TEXT NOT NULL,
	config_json       TEXT,
	created_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	run_id          TEXT NOT NULL,
	epoch           INTEGER NOT NULL,
	model_state     BLOB NOT NULL,
	optimizer_state BLOB NOT NULL,
	is_best         INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL,
	PRIMARY KEY (run_id, epoch),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS best_marker (
	run_id TEXT PRIMARY KEY,
	epoch  INTEGER NOT NULL,
	FOREIGN KEY (run_id, epoch) REFERENCES checkpoints(run_id, epoch)
);

CREATE TABLE IF NOT EXISTS best_metrics (
	run_id       TEXT PRIMARY KEY,
	epoch        INTEGER NOT NULL,
	metrics_json TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS epoch_log (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id            TEXT NOT NULL,
	epoch             INTEGER NOT NULL,
	training_loss     REAL,
	validation_metric REAL,
	is_best           INTEGER NOT NULL,
	record_json       TEXT,
	duration_ms       INTEGER,
	created_at        TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS evaluation_results (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT,
	language   TEXT NOT NULL,
	source     TEXT,
	uas        REAL,
	las        REAL,
	error      TEXT,
	created_at TEXT NOT NULL
);
`

// #endregion

// #region store-struct
// Store keeps runs, checkpoints and training logs in SQLite.
type Store struct {
	db *sql.DB
}

// #endregion

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// one connection keeps the PRAGMA settings and serializes writers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// #endregion

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion

// #region db-accessor
// DB returns the underlying *sql.DB for the log writers.
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion

// #region runs
// CreateRun registers a new run with a fresh id.
func (s *Store) CreateRun(ctx context.Context, serializationDir, configJSON string) (Run, error) {
	run := Run{
		RunID:            uuid.New().String(),
		SerializationDir: serializationDir,
		ConfigJSON:       configJSON,
		CreatedAt:        time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, serialization_dir, config_json, created_at) VALUES (?, ?, ?, ?)`,
		run.RunID, run.SerializationDir, nullIfEmpty(configJSON), run.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// GetRun reads one run.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	var run Run
	var cfg sql.NullString
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, serialization_dir, config_json, created_at FROM runs WHERE run_id = ?`, runID,
	).Scan(&run.RunID, &run.SerializationDir, &cfg, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	run.ConfigJSON = cfg.String
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return run, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, serialization_dir, config_json, created_at
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var cfg sql.NullString
		var created string
		if err := rows.Scan(&run.RunID, &run.SerializationDir, &cfg, &created); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.ConfigJSON = cfg.String
		run.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// #endregion

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// #endregion
