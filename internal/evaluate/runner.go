package evaluate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/dataset"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/logging"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/metrics"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/model"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/telemetry"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/vocab"
	"go.uber.org/zap"
)

// #region types
// Source is one test treebank. An empty Language is derived from Path.
type Source struct {
	Language string
	Path     string
}

// SourcesFromPaths names each path by its file-name language prefix.
func SourcesFromPaths(paths []string) []Source {
	out := make([]Source, len(paths))
	for i, p := range paths {
		out[i] = Source{Language: dataset.LanguageFromPath(p), Path: p}
	}
	return out
}

// Result holds one language's attachment scores as fractions, or the error that
// stopped it.
type Result struct {
	Language string
	UAS      float64
	LAS      float64
	Err      error
}

// FormatResult renders "lang<TAB>UAS<TAB>LAS" with scores as percentages.
func FormatResult(r Result) string {
	return fmt.Sprintf("%s\t%.2f\t%.2f", r.Language, r.UAS*100, r.LAS*100)
}

// #endregion

// #region runner
// Runner evaluates a model on each source in turn. DB, Telemetry and Logger are
// optional.
type Runner struct {
	Reader    dataset.Reader
	BatchSize int
	Device    string
	Extender  Extender

	DB        *sql.DB // receives evaluation_results rows
	RunID     string
	Telemetry *telemetry.Recorder
	Logger    *zap.Logger
}

// Run returns one result per source in input order. A failing language is recorded
// and the remaining languages still run.
func (r *Runner) Run(ctx context.Context, m model.Model, base *vocab.Vocabulary, sources []Source) []Result {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	results := make([]Result, 0, len(sources))
	for _, src := range sources {
		lang := src.Language
		if lang == "" {
			lang = dataset.LanguageFromPath(src.Path)
		}
		res := Result{Language: lang}
		res.UAS, res.LAS, res.Err = r.evaluate(ctx, m, base, src.Path)

		if res.Err != nil {
			logger.Error("evaluation failed", zap.String("language", lang), zap.String("path", src.Path), zap.Error(res.Err))
		} else {
			logger.Info("evaluated", zap.String("language", lang), zap.Float64("uas", res.UAS), zap.Float64("las", res.LAS))
		}
		r.Telemetry.RecordEvaluation(lang, res.UAS, res.LAS, res.Err != nil)
		if r.DB != nil {
			entry := logging.EvaluationEntry{RunID: r.RunID, Language: lang, Source: src.Path, UAS: res.UAS, LAS: res.LAS}
			if res.Err != nil {
				entry.Err = res.Err.Error()
			}
			if err := logging.LogEvaluation(ctx, r.DB, entry); err != nil {
				logger.Warn("failed to record evaluation", zap.String("language", lang), zap.Error(err))
			}
		}
		results = append(results, res)
	}
	return results
}

func (r *Runner) evaluate(ctx context.Context, m model.Model, base *vocab.Vocabulary, path string) (float64, float64, error) {
	if r.Reader == nil {
		return 0, 0, fmt.Errorf("evaluate %s: no reader", path)
	}
	instances, err := r.Reader.Read(ctx, path)
	if err != nil {
		return 0, 0, fmt.Errorf("read %s: %w", path, err)
	}
	indexed, err := r.Extender.Extend(ctx, m, base, instances)
	if err != nil {
		return 0, 0, err
	}

	if _, err := m.Metrics(ctx, true); err != nil {
		return 0, 0, fmt.Errorf("reset metrics: %w", err)
	}
	batchSize := r.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}
	for i, batch := range dataset.NewLoader(indexed, batchSize).Batches() {
		batch, err := model.MoveToDevice(m, batch, r.Device)
		if err != nil {
			return 0, 0, fmt.Errorf("batch %d: %w", i, err)
		}
		if _, err := m.Forward(ctx, batch, model.Eval); err != nil {
			return 0, 0, fmt.Errorf("batch %d: forward: %w", i, err)
		}
	}

	scores, err := m.Metrics(ctx, true)
	if err != nil {
		return 0, 0, fmt.Errorf("read metrics: %w", err)
	}
	uas, err := metrics.Lookup(scores, "UAS")
	if err != nil {
		return 0, 0, err
	}
	las, err := metrics.Lookup(scores, "LAS")
	if err != nil {
		return 0, 0, err
	}
	return uas, las, nil
}

// #endregion
