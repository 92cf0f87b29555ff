package dataset

import (
	"fmt"

	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/vocab"
)

// #region index
// Index converts instances to ids against v. Unknown words and tags map to the
// OOV id; an unknown relation label is an error.
func Index(instances []Instance, v *vocab.Vocabulary) ([]IndexedInstance, error) {
	out := make([]IndexedInstance, len(instances))
	for i, in := range instances {
		idx := IndexedInstance{
			Language: in.Language,
			Heads:    append([]int(nil), in.Heads...),
		}
		var err error
		if idx.Words, err = indexAll(v, vocab.TokensNamespace, in.Words); err != nil {
			return nil, fmt.Errorf("index sentence %d: %w", i, err)
		}
		if idx.POS, err = indexAll(v, vocab.POSNamespace, in.POS); err != nil {
			return nil, fmt.Errorf("index sentence %d: %w", i, err)
		}
		if idx.Labels, err = indexAll(v, vocab.LabelsNamespace, in.Labels); err != nil {
			return nil, fmt.Errorf("index sentence %d: %w", i, err)
		}
		out[i] = idx
	}
	return out, nil
}

func indexAll(v *vocab.Vocabulary, namespace string, toks []string) ([]int, error) {
	ids := make([]int, len(toks))
	for i, t := range toks {
		id, err := v.Index(namespace, t)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// #endregion
