package evaluate_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/checkpoint"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/dataset"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/evaluate"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/logging"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/optim"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/parser"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/train"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// #region fixtures

func row(id int, form, upos string, head int, rel string) string {
	return strings.Join([]string{strconv.Itoa(id), form, "_", upos, "_", "_", strconv.Itoa(head), rel, "_", "_"}, "\t")
}

// writeTreebank writes "det noun verb" sentences, plus an object when a fourth word
// is given.
func writeTreebank(t *testing.T, dir, name string, sentences [][]string) string {
	t.Helper()
	var b strings.Builder
	for _, s := range sentences {
		b.WriteString(row(1, s[0], "DET", 2, "det") + "\n")
		b.WriteString(row(2, s[1], "NOUN", 3, "nsubj") + "\n")
		b.WriteString(row(3, s[2], "VERB", 0, "root") + "\n")
		if len(s) > 3 {
			b.WriteString(row(4, s[3], "NOUN", 3, "obj") + "\n")
		}
		b.WriteString("\n")
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

// #endregion

// #region pipeline-test

func TestTrainThenEvaluateUnseenLanguages(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	trainPath := writeTreebank(t, dir, "en_train.conllu", [][]string{
		{"the", "dog", "runs"}, {"a", "cat", "sleeps"}, {"the", "bird", "sings"}, {"a", "dog", "sleeps"},
		{"the", "cat", "runs"}, {"a", "bird", "runs"}, {"the", "dog", "sings"}, {"a", "cat", "sings"},
	})
	devPath := writeTreebank(t, dir, "en_dev.conllu", [][]string{
		{"the", "cat", "sleeps"}, {"a", "bird", "sleeps"},
	})
	frPath := writeTreebank(t, dir, "fr_test.conllu", [][]string{
		{"le", "chien", "court"}, {"un", "chat", "dort"},
	})
	dePath := writeTreebank(t, dir, "de_test.conllu", [][]string{
		{"der", "hund", "sieht", "katze"},
	})

	reader := dataset.ConlluReader{}
	trainSet, err := reader.Read(ctx, trainPath)
	require.NoError(t, err)
	devSet, err := reader.Read(ctx, devPath)
	require.NoError(t, err)

	v := vocab.FromInstances(dataset.Sources(append(append([]dataset.Instance{}, trainSet...), devSet...)))
	vocabDir := filepath.Join(dir, "vocabulary")
	require.NoError(t, v.SaveToFiles(vocabDir))
	trainIdx, err := dataset.Index(trainSet, v)
	require.NoError(t, err)
	devIdx, err := dataset.Index(devSet, v)
	require.NoError(t, err)

	p, err := parser.New(v, parser.DefaultConfig())
	require.NoError(t, err)
	opt := optim.NewAdam(p, optim.Config{LearningRate: 0.05, Beta1: 0.9, Beta2: 0.9, Eps: 1e-8, MaxGradNorm: 5})

	store, err := checkpoint.NewStore(filepath.Join(dir, "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	run, err := store.CreateRun(ctx, dir, "{}")
	require.NoError(t, err)
	mgr := checkpoint.NewManager(store, run.RunID, checkpoint.ManagerConfig{KeepLast: 2})

	loop, err := train.New(train.Config{
		Epochs:           10,
		ValidationMetric: "+LAS",
		MetricsPath:      filepath.Join(dir, "metrics.json"),
		RunID:            run.RunID,
	}, train.Deps{
		Model:       p,
		Optimizer:   opt,
		Train:       dataset.NewLoader(trainIdx, 2),
		Validation:  dataset.NewLoader(devIdx, 2),
		Checkpoints: mgr,
		DB:          store.DB(),
	})
	require.NoError(t, err)
	res, err := loop.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, res.Epochs)

	epochs, err := logging.ReadEpochs(ctx, store.DB(), run.RunID)
	require.NoError(t, err)
	require.Len(t, epochs, 10)
	assert.Less(t, epochs[9].TrainingLoss, epochs[0].TrainingLoss)

	// Reload from disk the way the evaluate command does.
	base, err := vocab.LoadFromFiles(vocabDir)
	require.NoError(t, err)
	best, err := mgr.Best(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.BestEpoch, best.Epoch)
	restored, err := parser.Load(ctx, base, best.ModelState)
	require.NoError(t, err)

	runner := &evaluate.Runner{Reader: reader, BatchSize: 3, DB: store.DB(), RunID: run.RunID}
	results := runner.Run(ctx, restored, base, evaluate.SourcesFromPaths([]string{devPath, frPath, dePath}))
	require.Len(t, results, 3)

	require.NoError(t, results[0].Err)
	assert.Equal(t, "en", results[0].Language)
	assert.InDelta(t, res.BestMetrics["LAS"], results[0].LAS, 1e-9, "restored checkpoint reproduces the best validation score")

	require.NoError(t, results[1].Err)
	assert.Equal(t, "fr", results[1].Language)
	assert.GreaterOrEqual(t, results[1].UAS, results[1].LAS)

	assert.Equal(t, "de", results[2].Language)
	assert.ErrorIs(t, results[2].Err, vocab.ErrUnknownLabel)
	// The failed language drops the french extension along with its own.
	assert.Equal(t, base.Size(vocab.TokensNamespace), restored.Vocab().Size(vocab.TokensNamespace))
	rows, err := restored.EmbeddingRows(ctx, vocab.TokensNamespace)
	require.NoError(t, err)
	assert.Equal(t, base.Size(vocab.TokensNamespace), rows)

	logged, err := logging.ReadEvaluations(ctx, store.DB(), run.RunID)
	require.NoError(t, err)
	require.Len(t, logged, 3)
	assert.NotEmpty(t, logged[2].Err)
}

// #endregion
