package parser

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/metrics"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/model"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/optim"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/vocab"
)

// #region parser-struct
// Parser is an arc-factored dependency parser over word and POS embeddings. Arcs are
// scored bilinearly, heads chosen greedily per token and labels classified from the
// head/modifier pair.
type Parser struct {
	cfg   Config
	vocab *vocab.Vocabulary

	words  *optim.Param
	pos    *optim.Param
	root   *optim.Param
	arcU   *optim.Param
	arcB   *optim.Param
	labelW *optim.Param
	labelB *optim.Param

	trained map[string]int
	ignore  map[int]bool
	scores  metrics.AttachmentScores
	tape    []sentenceTape
}

var _ model.Model = (*Parser)(nil)

// #endregion

// #region constructor
// New builds a randomly initialised parser sized to v.
func New(v *vocab.Vocabulary, cfg Config) (*Parser, error) {
	nLabels := v.Size(vocab.LabelsNamespace)
	if nLabels == 0 {
		return nil, fmt.Errorf("new parser: empty %s namespace", vocab.LabelsNamespace)
	}
	if cfg.WordDim <= 0 || cfg.POSDim <= 0 {
		return nil, fmt.Errorf("new parser: embedding widths must be positive")
	}
	d := cfg.WordDim + cfg.POSDim
	p := &Parser{
		cfg:    cfg,
		words:  optim.NewParam("embedder.tokens", v.Size(vocab.TokensNamespace), cfg.WordDim),
		pos:    optim.NewParam("embedder.pos", v.Size(vocab.POSNamespace), cfg.POSDim),
		root:   optim.NewParam("root", 1, d),
		arcU:   optim.NewParam("arc.U", d, d),
		arcB:   optim.NewParam("arc.b", 1, d),
		labelW: optim.NewParam("label.W", nLabels, 2*d),
		labelB: optim.NewParam("label.b", 1, nLabels),
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	for _, prm := range []*optim.Param{p.words, p.pos, p.root, p.arcU, p.labelW} {
		bound := math.Sqrt(6 / float64(prm.Rows+prm.Cols))
		for i := range prm.Data {
			prm.Data[i] = (rng.Float64()*2 - 1) * bound
		}
	}
	// padding rows stay zero
	clear(p.words.Row(0))
	clear(p.pos.Row(0))

	p.trained = map[string]int{
		vocab.TokensNamespace: p.words.Rows,
		vocab.POSNamespace:    p.pos.Rows,
	}
	p.SetVocab(v)
	return p, nil
}

// #endregion

// #region accessors
// Parameters returns every trainable matrix.
func (p *Parser) Parameters() []*optim.Param {
	return []*optim.Param{p.words, p.pos, p.root, p.arcU, p.arcB, p.labelW, p.labelB}
}

// Vocab returns the active vocabulary.
func (p *Parser) Vocab() *vocab.Vocabulary { return p.vocab }

// SetVocab swaps the active vocabulary. Embedding tables are not touched.
func (p *Parser) SetVocab(v *vocab.Vocabulary) {
	p.vocab = v
	p.ignore = make(map[int]bool)
	for _, tag := range p.cfg.IgnorePOS {
		if v.Contains(vocab.POSNamespace, tag) {
			id, _ := v.Index(vocab.POSNamespace, tag)
			p.ignore[id] = true
		}
	}
}

// Metrics returns attachment scores accumulated since the last reset.
func (p *Parser) Metrics(_ context.Context, reset bool) (metrics.Metrics, error) {
	return p.scores.Metrics(reset), nil
}

func (p *Parser) embedder(namespace string) (*optim.Param, error) {
	switch namespace {
	case vocab.TokensNamespace:
		return p.words, nil
	case vocab.POSNamespace:
		return p.pos, nil
	}
	return nil, fmt.Errorf("%s: %w", namespace, ErrUnknownEmbedder)
}

// EmbeddingRows returns the row count of the namespace's embedding table.
func (p *Parser) EmbeddingRows(_ context.Context, namespace string) (int, error) {
	e, err := p.embedder(namespace)
	if err != nil {
		return 0, err
	}
	return e.Rows, nil
}

// #endregion

// #region resize
// ResizeEmbedder sets the table to rows. Rows up to the trained size are kept; rows
// past it are copies of the @@UNKNOWN@@ row, so leftovers from an earlier resize are
// never carried over.
func (p *Parser) ResizeEmbedder(_ context.Context, namespace string, rows int) error {
	e, err := p.embedder(namespace)
	if err != nil {
		return err
	}
	if rows < 2 {
		return fmt.Errorf("resize %s to %d rows: need padding and unknown rows", namespace, rows)
	}
	keep := min(rows, e.Rows, p.trained[namespace])
	data := make([]float64, rows*e.Cols)
	copy(data, e.Data[:keep*e.Cols])
	unk := e.Row(1)
	for r := keep; r < rows; r++ {
		copy(data[r*e.Cols:(r+1)*e.Cols], unk)
	}
	e.Data = data
	e.Grad = make([]float64, rows*e.Cols)
	e.Rows = rows
	return nil
}

// #endregion

// #region forward
// Forward scores every sentence in batch. Loss is the mean over real tokens of the
// head and label cross-entropies. Train mode records a tape for Backward.
func (p *Parser) Forward(ctx context.Context, batch model.Batch, mode model.Mode) (model.Output, error) {
	if err := ctx.Err(); err != nil {
		return model.Output{}, err
	}
	total := batch.Tokens()
	out := model.Output{
		Heads:  make([][]int, batch.Size()),
		Labels: make([][]int, batch.Size()),
	}
	p.tape = p.tape[:0]
	if total == 0 {
		return out, nil
	}
	scale := 1 / float64(total)

	var lossSum float64
	for i, mask := range batch[model.MaskKey] {
		n := 0
		for _, m := range mask {
			n += m
		}
		words := batch[model.WordsKey][i][:n]
		pos := batch[model.POSKey][i][:n]
		heads := batch[model.HeadIndicesKey][i][:n]
		labels := batch[model.HeadTagsKey][i][:n]

		t, loss, predHeads, predLabels, err := p.sentence(words, pos, heads, labels)
		if err != nil {
			return model.Output{}, fmt.Errorf("forward sentence %d: %w", i, err)
		}
		lossSum += loss
		out.Heads[i] = predHeads
		out.Labels[i] = predLabels

		scoreMask := make([]int, n)
		for j := range scoreMask {
			if !p.ignore[pos[j]] {
				scoreMask[j] = 1
			}
		}
		p.scores.Add(predHeads, predLabels, heads, labels, scoreMask)

		if mode == model.Train {
			t.scale = scale
			p.tape = append(p.tape, t)
		}
	}
	out.Loss = lossSum * scale
	return out, nil
}

func (p *Parser) sentence(words, pos, heads, labels []int) (sentenceTape, float64, []int, []int, error) {
	n := len(words)
	d := p.root.Cols
	t := sentenceTape{words: words, pos: pos, heads: heads, labels: labels}

	t.x = make([][]float64, n+1)
	t.x[0] = p.root.Row(0)
	for i := 0; i < n; i++ {
		if words[i] < 0 || words[i] >= p.words.Rows {
			return t, 0, nil, nil, fmt.Errorf("word id %d outside %d embedding rows", words[i], p.words.Rows)
		}
		if pos[i] < 0 || pos[i] >= p.pos.Rows {
			return t, 0, nil, nil, fmt.Errorf("pos id %d outside %d embedding rows", pos[i], p.pos.Rows)
		}
		if heads[i] < 0 || heads[i] > n || heads[i] == i+1 {
			return t, 0, nil, nil, fmt.Errorf("token %d head %d: %w", i+1, heads[i], ErrBadHead)
		}
		if labels[i] < 0 || labels[i] >= p.labelW.Rows {
			return t, 0, nil, nil, fmt.Errorf("label id %d outside %d labels", labels[i], p.labelW.Rows)
		}
		row := make([]float64, d)
		copy(row, p.words.Row(words[i]))
		copy(row[p.cfg.WordDim:], p.pos.Row(pos[i]))
		t.x[i+1] = row
	}

	t.g = make([][]float64, n+1)
	t.p = make([][]float64, n+1)
	t.q = make([][]float64, n+1)
	predHeads := make([]int, n)
	predLabels := make([]int, n)
	var loss float64

	for m := 1; m <= n; m++ {
		g := make([]float64, d)
		for r := 0; r < d; r++ {
			g[r] = dot(p.arcU.Row(r), t.x[m]) + p.arcB.Data[r]
		}
		t.g[m] = g

		s := make([]float64, n+1)
		for h := 0; h <= n; h++ {
			if h == m {
				s[h] = math.Inf(-1)
				continue
			}
			s[h] = dot(t.x[h], g)
		}
		gold := heads[m-1]
		lse := logSumExp(s)
		loss += lse - s[gold]
		t.p[m] = softmax(s, lse)
		predHeads[m-1] = argmax(s)

		z := p.labelLogits(t.x[gold], t.x[m])
		zl := logSumExp(z)
		loss += zl - z[labels[m-1]]
		t.q[m] = softmax(z, zl)
		predLabels[m-1] = argmax(p.labelLogits(t.x[predHeads[m-1]], t.x[m]))
	}
	return t, loss, predHeads, predLabels, nil
}

func (p *Parser) labelLogits(head, mod []float64) []float64 {
	d := len(head)
	z := make([]float64, p.labelW.Rows)
	for l := range z {
		w := p.labelW.Row(l)
		z[l] = dot(w[:d], head) + dot(w[d:], mod) + p.labelB.Data[l]
	}
	return z
}

// #endregion

// #region backward
// Backward accumulates gradients of the last training Forward into the parameters'
// Grad buffers and clears the tape.
func (p *Parser) Backward(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(p.tape) == 0 {
		return ErrNoForward
	}
	for _, t := range p.tape {
		p.backwardSentence(t)
	}
	p.tape = p.tape[:0]
	return nil
}

func (p *Parser) backwardSentence(t sentenceTape) {
	n := len(t.words)
	d := p.root.Cols
	dx := make([][]float64, n+1)
	for i := range dx {
		dx[i] = make([]float64, d)
	}

	for m := 1; m <= n; m++ {
		gold := t.heads[m-1]
		for h := 0; h <= n; h++ {
			ds := t.p[m][h]
			if h == gold {
				ds--
			}
			if ds == 0 {
				continue
			}
			ds *= t.scale
			// s = x_h . (U x_m + b)
			axpy(dx[h], ds, t.g[m])
			axpy(p.arcB.Grad, ds, t.x[h])
			for r := 0; r < d; r++ {
				c := ds * t.x[h][r]
				if c == 0 {
					continue
				}
				axpy(dx[m], c, p.arcU.Row(r))
				axpy(p.arcU.GradRow(r), c, t.x[m])
			}
		}

		for l, ql := range t.q[m] {
			dz := ql
			if l == t.labels[m-1] {
				dz--
			}
			dz *= t.scale
			if dz == 0 {
				continue
			}
			w := p.labelW.Row(l)
			gw := p.labelW.GradRow(l)
			axpy(gw[:d], dz, t.x[gold])
			axpy(gw[d:], dz, t.x[m])
			p.labelB.Grad[l] += dz
			axpy(dx[gold], dz, w[:d])
			axpy(dx[m], dz, w[d:])
		}
	}

	axpy(p.root.Grad, 1, dx[0])
	for i := 1; i <= n; i++ {
		axpy(p.words.GradRow(t.words[i-1]), 1, dx[i][:p.cfg.WordDim])
		axpy(p.pos.GradRow(t.pos[i-1]), 1, dx[i][p.cfg.WordDim:])
	}
}

// #endregion

// #region math
func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// axpy adds a*x to y in place.
func axpy(y []float64, a float64, x []float64) {
	for i := range y {
		y[i] += a * x[i]
	}
}

func logSumExp(v []float64) float64 {
	mx := math.Inf(-1)
	for _, x := range v {
		mx = max(mx, x)
	}
	var s float64
	for _, x := range v {
		s += math.Exp(x - mx)
	}
	return mx + math.Log(s)
}

func softmax(v []float64, lse float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = math.Exp(x - lse)
	}
	return out
}

func argmax(v []float64) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}

// #endregion
