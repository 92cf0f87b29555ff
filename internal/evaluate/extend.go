// Package evaluate scores a trained parser on treebanks of languages it may never
// have seen, extending the vocabulary per language before inference.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/dataset"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/model"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/vocab"
)

// ErrEmbeddingMismatch is returned when an embedder's row count differs from the size
// of its namespace after extension.
var ErrEmbeddingMismatch = errors.New("embedding rows do not match vocabulary size")

// #region extender
// Extender grows a copy of the base vocabulary with a language's unseen words and
// tags, then resizes the model's embedders to match.
type Extender struct{}

// Extend always starts from base, so extensions from an earlier language never leak
// into the next one. On any failure the model is put back on base before returning.
func (Extender) Extend(ctx context.Context, m model.Model, base *vocab.Vocabulary, instances []dataset.Instance) ([]dataset.IndexedInstance, error) {
	active := base.Clone()
	_, err := active.ExtendFromInstances(dataset.Sources(instances), func(ns string) bool {
		return slices.Contains(model.EmbeddedNamespaces, ns)
	})
	if err != nil {
		return nil, reset(ctx, m, base, fmt.Errorf("extend vocabulary: %w", err))
	}

	for _, ns := range model.EmbeddedNamespaces {
		if !active.HasNamespace(ns) {
			continue
		}
		if err := m.ResizeEmbedder(ctx, ns, active.Size(ns)); err != nil {
			return nil, reset(ctx, m, base, fmt.Errorf("resize %s embedder: %w", ns, err))
		}
	}
	m.SetVocab(active)

	for _, ns := range model.EmbeddedNamespaces {
		if !active.HasNamespace(ns) {
			continue
		}
		rows, err := m.EmbeddingRows(ctx, ns)
		if err != nil {
			return nil, reset(ctx, m, base, fmt.Errorf("embedding rows %s: %w", ns, err))
		}
		if rows != active.Size(ns) {
			return nil, reset(ctx, m, base, fmt.Errorf("%s: %d rows, %d ids: %w", ns, rows, active.Size(ns), ErrEmbeddingMismatch))
		}
	}

	indexed, err := dataset.Index(instances, active)
	if err != nil {
		return nil, reset(ctx, m, base, fmt.Errorf("index instances: %w", err))
	}
	return indexed, nil
}

// reset shrinks every embedder back to its base size and installs a copy of base,
// so rows never fall below the vocabulary the model holds. Errors while shrinking
// are joined onto cause.
func reset(ctx context.Context, m model.Model, base *vocab.Vocabulary, cause error) error {
	errs := []error{cause}
	for _, ns := range model.EmbeddedNamespaces {
		if !base.HasNamespace(ns) {
			continue
		}
		if err := m.ResizeEmbedder(ctx, ns, base.Size(ns)); err != nil {
			errs = append(errs, fmt.Errorf("restore %s embedder: %w", ns, err))
		}
	}
	m.SetVocab(base.Clone())
	if len(errs) == 1 {
		return cause
	}
	return errors.Join(errs...)
}

// #endregion
