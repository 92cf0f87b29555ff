package dataset

import (
	"path/filepath"
	"strings"

	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/vocab"
)

// #region instance
// Instance is one sentence with gold heads (1-based, 0 = root) and relation labels.
type Instance struct {
	Language string
	Words    []string
	POS      []string
	Heads    []int
	Labels   []string
}

// Fields maps each vocabulary namespace to the strings the instance contributes.
// Heads are structural and not part of the vocabulary.
func (in Instance) Fields() map[string][]string {
	return map[string][]string{
		vocab.TokensNamespace: in.Words,
		vocab.POSNamespace:    in.POS,
		vocab.LabelsNamespace: in.Labels,
	}
}

// Len returns the number of words.
func (in Instance) Len() int { return len(in.Words) }

// #endregion

// #region indexed-instance
// IndexedInstance holds an Instance's fields as ids against one vocabulary.
type IndexedInstance struct {
	Language string
	Words    []int
	POS      []int
	Heads    []int
	Labels   []int
}

// #endregion

// #region helpers
// Sources adapts instances for the vocabulary builders.
func Sources(instances []Instance) []vocab.FieldSource {
	out := make([]vocab.FieldSource, len(instances))
	for i, in := range instances {
		out[i] = in
	}
	return out
}

// LanguageFromPath derives a language code from a treebank file name:
// "data/fr_gsd-ud-test.conllu" yields "fr".
func LanguageFromPath(path string) string {
	base := filepath.Base(path)
	if i := strings.Index(base, "_"); i >= 0 {
		return base[:i]
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// #endregion
