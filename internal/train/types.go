package train

import (
	"context"
	"database/sql"
	"errors"

	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/metrics"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/model"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/telemetry"
	"go.uber.org/zap"
)

// ErrNonFiniteLoss is returned when a training batch produces a NaN or infinite loss.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// #region collaborators
// Loader yields the batches of one pass in a fixed order.
type Loader interface {
	Batches() []model.Batch
}

// Checkpointer persists per-epoch state and the best-epoch metrics record.
type Checkpointer interface {
	Save(ctx context.Context, epoch int, modelState, optimizerState []byte, isBest bool) error
	SaveBestMetrics(ctx context.Context, epoch int, values metrics.Metrics) error
}

// #endregion

// #region config
// Config controls the loop.
type Config struct {
	Epochs           int
	ValidationMetric string // "+LAS" or "-loss" style
	Patience         int    // handed to the tracker; <= 0 never reports a stall
	Device           string
	MetricsPath      string // metrics.json target; empty skips the file
	RunID            string
}

// Deps are the loop's collaborators. DB, Telemetry and Logger are optional.
type Deps struct {
	Model       model.Model
	Optimizer   model.Optimizer
	Train       Loader
	Validation  Loader
	Checkpoints Checkpointer
	DB          *sql.DB // receives epoch_log rows
	Telemetry   *telemetry.Recorder
	Logger      *zap.Logger
}

// #endregion

// #region result
// Result summarizes a finished run.
type Result struct {
	Epochs      int // epochs completed
	BestEpoch   int // -1 when no epoch ran
	BestMetrics metrics.Metrics
	LastRecord  metrics.Metrics
}

// #endregion
