package model

import (
	"context"

	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/metrics"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/vocab"
)

// #region batch
// Batch keys.
const (
	WordsKey       = "words"
	POSKey         = "pos_tags"
	HeadIndicesKey = "head_indices"
	HeadTagsKey    = "head_tags"
	MaskKey        = "mask"
)

// Batch is a set of named padded integer matrices, one row per sentence.
type Batch map[string][][]int

// Size returns the number of sentences in the batch.
func (b Batch) Size() int { return len(b[MaskKey]) }

// Tokens returns the number of unmasked positions.
func (b Batch) Tokens() int {
	n := 0
	for _, row := range b[MaskKey] {
		for _, m := range row {
			n += m
		}
	}
	return n
}

// #endregion

// #region mode
// Mode selects train or eval behaviour of Forward.
type Mode int

const (
	Train Mode = iota
	Eval
)

func (m Mode) String() string {
	if m == Train {
		return "train"
	}
	return "eval"
}

// #endregion

// #region output
// Output is the result of one Forward call. Heads and Labels are per-sentence
// predictions aligned with the batch mask.
type Output struct {
	Loss   float64
	Heads  [][]int
	Labels [][]int
}

// #endregion

// #region contracts
// Model is the trainable parser. Forward in Train mode records what Backward needs;
// Eval mode never does.
type Model interface {
	Forward(ctx context.Context, batch Batch, mode Mode) (Output, error)
	Backward(ctx context.Context) error
	Metrics(ctx context.Context, reset bool) (metrics.Metrics, error)
	ResizeEmbedder(ctx context.Context, namespace string, rows int) error
	EmbeddingRows(ctx context.Context, namespace string) (int, error)
	Vocab() *vocab.Vocabulary
	SetVocab(v *vocab.Vocabulary)
	State(ctx context.Context) ([]byte, error)
	LoadState(ctx context.Context, state []byte) error
}

// Optimizer updates the parameters of the model it was built for.
type Optimizer interface {
	ZeroGrad(ctx context.Context) error
	Step(ctx context.Context) error
	State(ctx context.Context) ([]byte, error)
	LoadState(ctx context.Context, state []byte) error
}

// Placer is implemented by models that need batches copied to a device.
type Placer interface {
	Place(batch Batch, device string) (Batch, error)
}

// #endregion

// #region embedded-namespaces
// EmbeddedNamespaces lists the vocabulary namespaces backed by an embedding table.
var EmbeddedNamespaces = []string{vocab.TokensNamespace, vocab.POSNamespace}

// #endregion
