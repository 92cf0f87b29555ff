package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/metrics"
	"go.uber.org/zap"
)

// #region manager-config
// ManagerConfig controls retention and mirroring.
type ManagerConfig struct {
	KeepLast int    // keep the newest N checkpoints plus the best one (0 = keep all)
	Mirror   Mirror // optional copy of every saved blob
	Logger   *zap.Logger
}

// #endregion

// #region manager-struct
// Manager saves and retrieves the checkpoints of one run.
type Manager struct {
	store  *Store
	runID  string
	cfg    ManagerConfig
	logger *zap.Logger
}

// NewManager returns a manager bound to runID.
func NewManager(store *Store, runID string, cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, runID: runID, cfg: cfg, logger: logger.With(zap.String("run_id", runID))}
}

// RunID returns the run this manager writes to.
func (m *Manager) RunID() string { return m.runID }

// #endregion

// #region save
// Save writes the checkpoint for epoch. When isBest is set the best marker moves to it
// in the same transaction. An epoch can be saved once; storage and mirror failures
// are returned without retry and nothing is committed.
func (m *Manager) Save(ctx context.Context, epoch int, modelState, optimizerState []byte, isBest bool) error {
	tx, err := m.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM checkpoints WHERE run_id = ? AND epoch = ?`, m.runID, epoch,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check checkpoint: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("save epoch %d: %w", epoch, ErrCheckpointExists)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, epoch, model_state, optimizer_state, is_best, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.runID, epoch, nonNil(modelState), nonNil(optimizerState), boolInt(isBest), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}

	if isBest {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO best_marker (run_id, epoch) VALUES (?, ?)
			 ON CONFLICT(run_id) DO UPDATE SET epoch = excluded.epoch`,
			m.runID, epoch,
		)
		if err != nil {
			return fmt.Errorf("move best marker: %w", err)
		}
	}

	pruned, err := m.prune(ctx, tx)
	if err != nil {
		return err
	}

	if m.cfg.Mirror != nil {
		if err := m.cfg.Mirror.Put(ctx, m.key(epoch, "model.bin"), modelState); err != nil {
			return fmt.Errorf("mirror model state: %w", err)
		}
		if err := m.cfg.Mirror.Put(ctx, m.key(epoch, "optimizer.bin"), optimizerState); err != nil {
			return fmt.Errorf("mirror optimizer state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	m.logger.Debug("checkpoint saved",
		zap.Int("epoch", epoch),
		zap.Bool("best", isBest),
		zap.Int("model_bytes", len(modelState)),
		zap.Int64("pruned", pruned),
	)
	return nil
}

// prune drops all but the newest KeepLast checkpoints, never the marked best.
func (m *Manager) prune(ctx context.Context, tx *sql.Tx) (int64, error) {
	if m.cfg.KeepLast <= 0 {
		return 0, nil
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoints
		 WHERE run_id = ?
		   AND epoch NOT IN (SELECT epoch FROM checkpoints WHERE run_id = ? ORDER BY epoch DESC LIMIT ?)
		   AND epoch NOT IN (SELECT epoch FROM best_marker WHERE run_id = ?)`,
		m.runID, m.runID, m.cfg.KeepLast, m.runID,
	)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (m *Manager) key(epoch int, name string) string {
	return fmt.Sprintf("runs/%s/epoch_%d/%s", m.runID, epoch, name)
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// #endregion

// #region retrieval
const checkpointColumns = `run_id, epoch, model_state, optimizer_state, is_best, created_at`

// Get returns the checkpoint saved for epoch.
func (m *Manager) Get(ctx context.Context, epoch int) (Checkpoint, error) {
	return m.scanOne(m.store.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE run_id = ? AND epoch = ?`, m.runID, epoch,
	), fmt.Sprintf("epoch %d", epoch))
}

// Restore returns the checkpoint of epoch, reading the mirrored blobs from src when the
// local row was pruned. A nil src behaves like Get.
func (m *Manager) Restore(ctx context.Context, epoch int, src BlobSource) (Checkpoint, error) {
	c, err := m.Get(ctx, epoch)
	if err == nil || src == nil || !errors.Is(err, ErrNotFound) {
		return c, err
	}
	modelState, err := src.Get(ctx, m.key(epoch, "model.bin"))
	if err != nil {
		return Checkpoint{}, fmt.Errorf("restore epoch %d model state: %w", epoch, err)
	}
	optimizerState, err := src.Get(ctx, m.key(epoch, "optimizer.bin"))
	if err != nil {
		return Checkpoint{}, fmt.Errorf("restore epoch %d optimizer state: %w", epoch, err)
	}
	m.logger.Info("checkpoint restored from mirror", zap.Int("epoch", epoch))
	return Checkpoint{RunID: m.runID, Epoch: epoch, ModelState: modelState, OptimizerState: optimizerState}, nil
}

// Best returns the checkpoint holding the best marker.
func (m *Manager) Best(ctx context.Context) (Checkpoint, error) {
	return m.scanOne(m.store.db.QueryRowContext(ctx,
		`SELECT c.run_id, c.epoch, c.model_state, c.optimizer_state, c.is_best, c.created_at
		 FROM best_marker b JOIN checkpoints c ON c.run_id = b.run_id AND c.epoch = b.epoch
		 WHERE b.run_id = ?`, m.runID,
	), "best")
}

// Latest returns the checkpoint with the highest epoch.
func (m *Manager) Latest(ctx context.Context) (Checkpoint, error) {
	return m.scanOne(m.store.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE run_id = ? ORDER BY epoch DESC LIMIT 1`, m.runID,
	), "latest")
}

func (m *Manager) scanOne(row *sql.Row, what string) (Checkpoint, error) {
	var c Checkpoint
	var isBest int
	var created string
	err := row.Scan(&c.RunID, &c.Epoch, &c.ModelState, &c.OptimizerState, &isBest, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, fmt.Errorf("%s checkpoint of run %s: %w", what, m.runID, ErrNotFound)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read %s checkpoint: %w", what, err)
	}
	c.IsBest = isBest == 1
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return c, nil
}

// List returns checkpoint descriptions in epoch order.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	rows, err := m.store.db.QueryContext(ctx,
		`SELECT c.run_id, c.epoch, c.is_best, LENGTH(c.model_state), c.created_at,
		        CASE WHEN b.epoch IS NULL THEN 0 ELSE 1 END
		 FROM checkpoints c LEFT JOIN best_marker b ON b.run_id = c.run_id AND b.epoch = c.epoch
		 WHERE c.run_id = ? ORDER BY c.epoch`, m.runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var info Info
		var isBest, marked int
		var created string
		if err := rows.Scan(&info.RunID, &info.Epoch, &isBest, &info.ModelBytes, &created, &marked); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		info.IsBest = isBest == 1
		info.Marked = marked == 1
		info.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, info)
	}
	return out, rows.Err()
}

// #endregion

// #region best-metrics
// SaveBestMetrics records the validation metrics of the best epoch.
func (m *Manager) SaveBestMetrics(ctx context.Context, epoch int, values metrics.Metrics) error {
	b, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshal best metrics: %w", err)
	}
	_, err = m.store.db.ExecContext(ctx,
		`INSERT INTO best_metrics (run_id, epoch, metrics_json, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET epoch = excluded.epoch, metrics_json = excluded.metrics_json,
		 updated_at = excluded.updated_at`,
		m.runID, epoch, string(b), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save best metrics: %w", err)
	}
	return nil
}

// BestMetrics returns the recorded best epoch and its validation metrics.
func (m *Manager) BestMetrics(ctx context.Context) (int, metrics.Metrics, error) {
	var epoch int
	var raw string
	err := m.store.db.QueryRowContext(ctx,
		`SELECT epoch, metrics_json FROM best_metrics WHERE run_id = ?`, m.runID,
	).Scan(&epoch, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, fmt.Errorf("best metrics of run %s: %w", m.runID, ErrNotFound)
	}
	if err != nil {
		return 0, nil, fmt.Errorf("read best metrics: %w", err)
	}
	var out metrics.Metrics
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return 0, nil, fmt.Errorf("unmarshal best metrics: %w", err)
	}
	return epoch, out, nil
}

// #endregion
