package train

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/checkpoint"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/logging"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/metrics"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/model"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/telemetry"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// #region fakes
// scriptedModel returns a fixed loss and reports a scripted LAS per validation pass.
type scriptedModel struct {
	trainLoss float64
	las       []float64

	evalPass  int
	inEval    bool
	forwards  map[model.Mode]int
	backwards int
	backInVal int
}

func (m *scriptedModel) Forward(_ context.Context, _ model.Batch, mode model.Mode) (model.Output, error) {
	if m.forwards == nil {
		m.forwards = make(map[model.Mode]int)
	}
	m.forwards[mode]++
	m.inEval = mode == model.Eval
	if mode == model.Eval {
		return model.Output{Loss: 0.5}, nil
	}
	return model.Output{Loss: m.trainLoss}, nil
}

func (m *scriptedModel) Backward(context.Context) error {
	m.backwards++
	if m.inEval {
		m.backInVal++
	}
	return nil
}

func (m *scriptedModel) Metrics(_ context.Context, reset bool) (metrics.Metrics, error) {
	if !m.inEval {
		return metrics.Metrics{"LAS": 0}, nil
	}
	v := m.las[m.evalPass]
	if reset {
		m.evalPass++
	}
	return metrics.Metrics{"LAS": v, "UAS": v + 1}, nil
}

func (m *scriptedModel) ResizeEmbedder(context.Context, string, int) error {
	return nil
}

func (m *scriptedModel) EmbeddingRows(context.Context, string) (int, error) {
	return 0, nil
}

func (m *scriptedModel) Vocab() *vocab.Vocabulary {
	return nil
}

func (m *scriptedModel) SetVocab(*vocab.Vocabulary) {}

func (m *scriptedModel) State(context.Context) ([]byte, error) {
	return []byte{byte(m.evalPass)}, nil
}

func (m *scriptedModel) LoadState(context.Context, []byte) error {
	return nil
}

type countingOptimizer struct {
	model *scriptedModel
	steps int
	zeros int
	// stepsInVal counts steps taken while the model was in eval mode.
	stepsInVal int
}

func (o *countingOptimizer) ZeroGrad(context.Context) error {
	o.zeros++
	return nil
}

func (o *countingOptimizer) Step(context.Context) error {
	o.steps++
	if o.model.inEval {
		o.stepsInVal++
	}
	return nil
}

func (o *countingOptimizer) State(context.Context) ([]byte, error) {
	return []byte("opt"), nil
}

func (o *countingOptimizer) LoadState(context.Context, []byte) error {
	return nil
}

type staticLoader int

func (n staticLoader) Batches() []model.Batch {
	out := make([]model.Batch, int(n))
	for i := range out {
		out[i] = model.Batch{model.MaskKey: {{1, 1}}}
	}
	return out
}

func newStore(t *testing.T) (*checkpoint.Store, *checkpoint.Manager) {
	t.Helper()
	s, err := checkpoint.NewStore(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	run, err := s.CreateRun(context.Background(), t.TempDir(), "{}")
	require.NoError(t, err)
	return s, checkpoint.NewManager(s, run.RunID, checkpoint.ManagerConfig{})
}

// failingCheckpointer fails Save at one epoch, or every SaveBestMetrics call.
type failingCheckpointer struct {
	Checkpointer
	saveErrAt int
	saveErr   error
	bestErr   error
}

func (c *failingCheckpointer) Save(ctx context.Context, epoch int, modelState, optimizerState []byte, isBest bool) error {
	if c.saveErr != nil && epoch == c.saveErrAt {
		return c.saveErr
	}
	return c.Checkpointer.Save(ctx, epoch, modelState, optimizerState, isBest)
}

func (c *failingCheckpointer) SaveBestMetrics(ctx context.Context, epoch int, values metrics.Metrics) error {
	if c.bestErr != nil {
		return c.bestErr
	}
	return c.Checkpointer.SaveBestMetrics(ctx, epoch, values)
}

// #endregion

// #region loop-tests
func TestRun_TracksBestAndCheckpointsEveryEpoch(t *testing.T) {
	ctx := context.Background()
	store, mgr := newStore(t)
	m := &scriptedModel{trainLoss: 1.25, las: []float64{70, 72.5, 71}}
	opt := &countingOptimizer{model: m}
	metricsPath := filepath.Join(t.TempDir(), "metrics.json")

	loop, err := New(Config{
		Epochs:           3,
		ValidationMetric: "+LAS",
		MetricsPath:      metricsPath,
		RunID:            mgr.RunID(),
	}, Deps{
		Model:       m,
		Optimizer:   opt,
		Train:       staticLoader(4),
		Validation:  staticLoader(2),
		Checkpoints: mgr,
		DB:          store.DB(),
		Telemetry:   telemetry.NewRecorder(),
	})
	require.NoError(t, err)

	res, err := loop.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Epochs)
	assert.Equal(t, 1, res.BestEpoch)
	assert.Equal(t, 72.5, res.BestMetrics["LAS"])

	list, err := mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for _, info := range list {
		assert.Equal(t, info.Epoch == 1, info.Marked, "epoch %d", info.Epoch)
	}
	best, err := mgr.Best(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, best.Epoch)

	bestEpoch, bestMetrics, err := mgr.BestMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, bestEpoch)
	assert.Equal(t, 72.5, bestMetrics["LAS"])

	epochs, err := logging.ReadEpochs(ctx, store.DB(), mgr.RunID())
	require.NoError(t, err)
	require.Len(t, epochs, 3)
	assert.True(t, epochs[1].IsBest)
	assert.False(t, epochs[2].IsBest)
	assert.Equal(t, 71.0, epochs[2].ValidationMetric)
	assert.InDelta(t, 1.25, epochs[0].TrainingLoss, 1e-12)

	// metrics.json holds the last epoch, which was not the best.
	raw, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	var record map[string]float64
	require.NoError(t, json.Unmarshal(raw, &record))
	assert.Equal(t, 2.0, record["epoch"])
	assert.Equal(t, 71.0, record["validation_LAS"])
	assert.InDelta(t, 1.25, record["training_loss"], 1e-12)
	assert.InDelta(t, 0.5, record["validation_loss"], 1e-12)
	assert.NotContains(t, record, "best_epoch")
	assert.Equal(t, res.LastRecord["epoch"], record["epoch"])
}

func TestRun_BestEpochRecordCarriesBestKeys(t *testing.T) {
	_, mgr := newStore(t)
	m := &scriptedModel{trainLoss: 1, las: []float64{70}}
	metricsPath := filepath.Join(t.TempDir(), "metrics.json")

	loop, err := New(Config{Epochs: 1, ValidationMetric: "+LAS", MetricsPath: metricsPath}, Deps{
		Model: m, Optimizer: &countingOptimizer{model: m},
		Train: staticLoader(1), Validation: staticLoader(1), Checkpoints: mgr,
	})
	require.NoError(t, err)
	res, err := loop.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0.0, res.LastRecord["best_epoch"])
	assert.Equal(t, 70.0, res.LastRecord["best_validation_LAS"])
	assert.Equal(t, 71.0, res.LastRecord["best_validation_UAS"])

	entries, err := os.ReadDir(filepath.Dir(metricsPath))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
	info, err := os.Stat(metricsPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestRun_ValidationNeverUpdatesWeights(t *testing.T) {
	_, mgr := newStore(t)
	m := &scriptedModel{trainLoss: 1, las: []float64{1, 2}}
	opt := &countingOptimizer{model: m}

	loop, err := New(Config{Epochs: 2, ValidationMetric: "+LAS"}, Deps{
		Model: m, Optimizer: opt,
		Train: staticLoader(3), Validation: staticLoader(5), Checkpoints: mgr,
	})
	require.NoError(t, err)
	_, err = loop.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 6, m.forwards[model.Train])
	assert.Equal(t, 10, m.forwards[model.Eval])
	assert.Equal(t, 6, m.backwards)
	assert.Equal(t, 6, opt.steps)
	assert.Equal(t, 6, opt.zeros)
	assert.Zero(t, m.backInVal)
	assert.Zero(t, opt.stepsInVal)
}

func TestRun_NonFiniteLossAborts(t *testing.T) {
	_, mgr := newStore(t)
	m := &scriptedModel{trainLoss: math.NaN(), las: []float64{1}}
	opt := &countingOptimizer{model: m}

	loop, err := New(Config{Epochs: 1, ValidationMetric: "+LAS"}, Deps{
		Model: m, Optimizer: opt,
		Train: staticLoader(2), Validation: staticLoader(1), Checkpoints: mgr,
	})
	require.NoError(t, err)
	_, err = loop.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNonFiniteLoss))
	assert.Zero(t, opt.steps)

	list, err := mgr.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRun_ZeroEpochs(t *testing.T) {
	_, mgr := newStore(t)
	m := &scriptedModel{}
	loop, err := New(Config{Epochs: 0, ValidationMetric: "+LAS"}, Deps{
		Model: m, Optimizer: &countingOptimizer{model: m},
		Train: staticLoader(1), Validation: staticLoader(1), Checkpoints: mgr,
	})
	require.NoError(t, err)
	res, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Epochs)
	assert.Equal(t, -1, res.BestEpoch)
	assert.Empty(t, m.forwards)
}

func TestRun_MissingValidationMetric(t *testing.T) {
	_, mgr := newStore(t)
	m := &scriptedModel{trainLoss: 1, las: []float64{1}}
	loop, err := New(Config{Epochs: 1, ValidationMetric: "+LEM"}, Deps{
		Model: m, Optimizer: &countingOptimizer{model: m},
		Train: staticLoader(1), Validation: staticLoader(1), Checkpoints: mgr,
	})
	require.NoError(t, err)
	_, err = loop.Run(context.Background())
	assert.ErrorIs(t, err, metrics.ErrUnknownMetric)
}

func TestRun_AfterEpochStops(t *testing.T) {
	_, mgr := newStore(t)
	m := &scriptedModel{trainLoss: 1, las: []float64{5, 4, 3, 2, 1}}
	loop, err := New(Config{Epochs: 5, ValidationMetric: "+LAS"}, Deps{
		Model: m, Optimizer: &countingOptimizer{model: m},
		Train: staticLoader(1), Validation: staticLoader(1), Checkpoints: mgr,
	})
	require.NoError(t, err)
	loop.AfterEpoch = func(epoch int, tr *metrics.Tracker) bool {
		best, _ := tr.BestEpoch()
		return epoch-best >= 2
	}
	res, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Epochs)
	assert.Equal(t, 0, res.BestEpoch)
}

func TestNew_RejectsBadMetricSpec(t *testing.T) {
	_, mgr := newStore(t)
	m := &scriptedModel{}
	_, err := New(Config{ValidationMetric: "LAS"}, Deps{
		Model: m, Optimizer: &countingOptimizer{model: m},
		Train: staticLoader(1), Validation: staticLoader(1), Checkpoints: mgr,
	})
	assert.ErrorIs(t, err, metrics.ErrBadMetricSpec)
}

func TestRun_PatienceThroughTracker(t *testing.T) {
	_, mgr := newStore(t)
	m := &scriptedModel{trainLoss: 1, las: []float64{1, 3, 2, 2, 2, 2}}
	loop, err := New(Config{Epochs: 6, ValidationMetric: "+LAS", Patience: 2}, Deps{
		Model: m, Optimizer: &countingOptimizer{model: m},
		Train: staticLoader(1), Validation: staticLoader(1), Checkpoints: mgr,
	})
	require.NoError(t, err)
	loop.AfterEpoch = func(_ int, tr *metrics.Tracker) bool { return tr.ShouldStopEarly() }
	res, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Epochs)
	assert.Equal(t, 1, res.BestEpoch)
}

func TestRun_CheckpointSaveFailureAborts(t *testing.T) {
	ctx := context.Background()
	_, mgr := newStore(t)
	boom := errors.New("disk full")
	m := &scriptedModel{trainLoss: 1, las: []float64{70, 72.5, 71}}
	loop, err := New(Config{Epochs: 3, ValidationMetric: "+LAS"}, Deps{
		Model: m, Optimizer: &countingOptimizer{model: m},
		Train: staticLoader(1), Validation: staticLoader(1),
		Checkpoints: &failingCheckpointer{Checkpointer: mgr, saveErrAt: 1, saveErr: boom},
	})
	require.NoError(t, err)

	res, err := loop.Run(ctx)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "epoch 1: save checkpoint")
	assert.Equal(t, 1, res.Epochs)
	assert.Equal(t, 2, m.forwards[model.Train], "epoch 2 never starts")

	list, err := mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 0, list[0].Epoch)
}

func TestRun_BestMetricsFailureAborts(t *testing.T) {
	_, mgr := newStore(t)
	boom := errors.New("locked")
	m := &scriptedModel{trainLoss: 1, las: []float64{70, 72.5}}
	loop, err := New(Config{Epochs: 2, ValidationMetric: "+LAS"}, Deps{
		Model: m, Optimizer: &countingOptimizer{model: m},
		Train: staticLoader(1), Validation: staticLoader(1),
		Checkpoints: &failingCheckpointer{Checkpointer: mgr, bestErr: boom},
	})
	require.NoError(t, err)

	res, err := loop.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "epoch 0: save best metrics")
	assert.Zero(t, res.Epochs)
	assert.Equal(t, 1, m.forwards[model.Train])
}

// #endregion
