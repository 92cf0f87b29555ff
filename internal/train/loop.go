package train

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/logging"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/metrics"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/model"
	"go.uber.org/zap"
)

// #region loop-struct
// Loop runs StartEpoch -> Train -> Validate -> TrackAndCheckpoint for each epoch.
type Loop struct {
	cfg     Config
	deps    Deps
	tracker *metrics.Tracker
	logger  *zap.Logger

	// AfterEpoch, when set, runs after each checkpoint; returning true stops the run.
	AfterEpoch func(epoch int, tracker *metrics.Tracker) bool
}

// New validates cfg and returns a loop ready to Run.
func New(cfg Config, deps Deps) (*Loop, error) {
	if deps.Model == nil || deps.Optimizer == nil || deps.Train == nil || deps.Validation == nil || deps.Checkpoints == nil {
		return nil, fmt.Errorf("new loop: model, optimizer, loaders and checkpointer are required")
	}
	tracker, err := metrics.NewTracker(cfg.ValidationMetric, cfg.Patience)
	if err != nil {
		return nil, fmt.Errorf("new loop: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{cfg: cfg, deps: deps, tracker: tracker, logger: logger}, nil
}

// Tracker exposes the validation metric tracker.
func (l *Loop) Tracker() *metrics.Tracker { return l.tracker }

// #endregion

// #region run
// Run trains for the configured number of epochs. Any collaborator error aborts the
// run and is returned with the epoch it happened in.
func (l *Loop) Run(ctx context.Context) (Result, error) {
	res := Result{BestEpoch: -1}
	for epoch := 0; epoch < l.cfg.Epochs; epoch++ {
		start := time.Now()
		l.deps.Telemetry.RecordEpochStart(epoch)
		l.logger.Info("epoch started", zap.Int("epoch", epoch), zap.Int("of", l.cfg.Epochs))

		trainMetrics, err := l.trainEpoch(ctx, epoch)
		if err != nil {
			return res, err
		}
		valMetrics, err := l.validate(ctx, epoch)
		if err != nil {
			return res, err
		}
		record, err := l.trackAndCheckpoint(ctx, epoch, trainMetrics, valMetrics, start)
		if err != nil {
			return res, err
		}

		res.Epochs = epoch + 1
		res.LastRecord = record
		if l.AfterEpoch != nil && l.AfterEpoch(epoch, l.tracker) {
			l.logger.Info("stopping early", zap.Int("epoch", epoch))
			break
		}
	}

	if best, ok := l.tracker.BestEpoch(); ok {
		res.BestEpoch = best
		res.BestMetrics = l.tracker.BestEpochMetrics()
	}
	return res, nil
}

// #endregion

// #region train-phase
func (l *Loop) trainEpoch(ctx context.Context, epoch int) (metrics.Metrics, error) {
	var acc metrics.Accumulator
	for i, batch := range l.deps.Train.Batches() {
		batch, err := model.MoveToDevice(l.deps.Model, batch, l.cfg.Device)
		if err != nil {
			return nil, fmt.Errorf("epoch %d batch %d: %w", epoch, i, err)
		}
		if err := l.deps.Optimizer.ZeroGrad(ctx); err != nil {
			return nil, fmt.Errorf("epoch %d batch %d: zero grad: %w", epoch, i, err)
		}
		out, err := l.deps.Model.Forward(ctx, batch, model.Train)
		if err != nil {
			return nil, fmt.Errorf("epoch %d batch %d: forward: %w", epoch, i, err)
		}
		if math.IsNaN(out.Loss) || math.IsInf(out.Loss, 0) {
			return nil, fmt.Errorf("epoch %d batch %d: loss %v: %w", epoch, i, out.Loss, ErrNonFiniteLoss)
		}
		if err := l.deps.Model.Backward(ctx); err != nil {
			return nil, fmt.Errorf("epoch %d batch %d: backward: %w", epoch, i, err)
		}
		if err := l.deps.Optimizer.Step(ctx); err != nil {
			return nil, fmt.Errorf("epoch %d batch %d: step: %w", epoch, i, err)
		}
		acc.Accumulate(out.Loss)
		l.deps.Telemetry.RecordBatch("train", out.Loss)
		if err := l.progress(ctx, "train", epoch, &acc); err != nil {
			return nil, err
		}
	}
	m, err := l.snapshot(ctx, &acc, true)
	if err != nil {
		return nil, fmt.Errorf("epoch %d: training metrics: %w", epoch, err)
	}
	return m, nil
}

// #endregion

// #region validate-phase
func (l *Loop) validate(ctx context.Context, epoch int) (metrics.Metrics, error) {
	var acc metrics.Accumulator
	for i, batch := range l.deps.Validation.Batches() {
		batch, err := model.MoveToDevice(l.deps.Model, batch, l.cfg.Device)
		if err != nil {
			return nil, fmt.Errorf("epoch %d validation batch %d: %w", epoch, i, err)
		}
		out, err := l.deps.Model.Forward(ctx, batch, model.Eval)
		if err != nil {
			return nil, fmt.Errorf("epoch %d validation batch %d: forward: %w", epoch, i, err)
		}
		acc.Accumulate(out.Loss)
		l.deps.Telemetry.RecordBatch("validation", out.Loss)
		if err := l.progress(ctx, "validation", epoch, &acc); err != nil {
			return nil, err
		}
	}
	m, err := l.snapshot(ctx, &acc, true)
	if err != nil {
		return nil, fmt.Errorf("epoch %d: validation metrics: %w", epoch, err)
	}
	return m, nil
}

// #endregion

// #region snapshot
// snapshot merges the model's metrics with the running loss.
func (l *Loop) snapshot(ctx context.Context, acc *metrics.Accumulator, reset bool) (metrics.Metrics, error) {
	m, err := l.deps.Model.Metrics(ctx, reset)
	if err != nil {
		return nil, err
	}
	out := metrics.Metrics{}
	out.Merge(m)
	out.Merge(acc.Snapshot(reset))
	return out, nil
}

// progress logs a non-resetting snapshot when debug logging is on.
func (l *Loop) progress(ctx context.Context, phase string, epoch int, acc *metrics.Accumulator) error {
	if !l.logger.Core().Enabled(zap.DebugLevel) {
		return nil
	}
	m, err := l.snapshot(ctx, acc, false)
	if err != nil {
		return fmt.Errorf("epoch %d: %s progress: %w", epoch, phase, err)
	}
	l.logger.Debug(phase,
		zap.Int("epoch", epoch),
		zap.Int("batch", acc.Batches()),
		zap.String("metrics", metrics.Describe(m)),
	)
	return nil
}

// #endregion

// #region track-and-checkpoint
func (l *Loop) trackAndCheckpoint(ctx context.Context, epoch int, trainMetrics, valMetrics metrics.Metrics, start time.Time) (metrics.Metrics, error) {
	value, err := metrics.Lookup(valMetrics, l.tracker.Name())
	if err != nil {
		return nil, fmt.Errorf("epoch %d: validation metric: %w", epoch, err)
	}
	l.tracker.Observe(value)
	isBest := l.tracker.IsBestSoFar()

	record := metrics.Metrics{"epoch": float64(epoch)}
	record.Merge(trainMetrics.Prefixed("training"))
	record.Merge(valMetrics.Prefixed("validation"))
	if isBest {
		record["best_epoch"] = float64(epoch)
		record.Merge(valMetrics.Prefixed("best_validation"))
		l.tracker.SetBestEpochMetrics(valMetrics)
	}

	if l.cfg.MetricsPath != "" {
		if err := writeMetrics(l.cfg.MetricsPath, record); err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}
	}

	modelState, err := l.deps.Model.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("epoch %d: model state: %w", epoch, err)
	}
	optimizerState, err := l.deps.Optimizer.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("epoch %d: optimizer state: %w", epoch, err)
	}
	saveStart := time.Now()
	if err := l.deps.Checkpoints.Save(ctx, epoch, modelState, optimizerState, isBest); err != nil {
		return nil, fmt.Errorf("epoch %d: save checkpoint: %w", epoch, err)
	}
	l.deps.Telemetry.RecordCheckpoint(epoch, isBest, time.Since(saveStart))
	if isBest {
		if err := l.deps.Checkpoints.SaveBestMetrics(ctx, epoch, valMetrics); err != nil {
			return nil, fmt.Errorf("epoch %d: save best metrics: %w", epoch, err)
		}
	}
	l.deps.Telemetry.RecordEpochMetrics("train", trainMetrics)
	l.deps.Telemetry.RecordEpochMetrics("validation", valMetrics)

	if l.deps.DB != nil {
		recordJSON, _ := json.Marshal(record)
		err := logging.LogEpoch(ctx, l.deps.DB, logging.EpochEntry{
			RunID:            l.cfg.RunID,
			Epoch:            epoch,
			TrainingLoss:     trainMetrics["loss"],
			ValidationMetric: value,
			IsBest:           isBest,
			RecordJSON:       string(recordJSON),
			Duration:         time.Since(start),
		})
		if err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}
	}

	l.logger.Info("epoch complete",
		zap.Int("epoch", epoch),
		zap.String("training", metrics.Describe(trainMetrics)),
		zap.String("validation", metrics.Describe(valMetrics)),
		zap.Bool("best", isBest),
		zap.Duration("elapsed", time.Since(start)),
	)
	return record, nil
}

// #endregion

// #region metrics-file
// writeMetrics replaces path with record through a temp file and rename, so readers
// never see a partial file.
func writeMetrics(path string, record metrics.Metrics) error {
	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".metrics-*")
	if err != nil {
		return fmt.Errorf("create temp metrics: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write metrics: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod metrics: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close metrics: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace metrics: %w", err)
	}
	return nil
}

// #endregion
