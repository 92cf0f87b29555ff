package model

import (
	"context"
	"errors"
	"testing"

	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/metrics"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// #region fakes
type hostModel struct{}

func (hostModel) Forward(context.Context, Batch, Mode) (Output, error) {
	return Output{}, nil
}

func (hostModel) Backward(context.Context) error {
	return nil
}

func (hostModel) Metrics(context.Context, bool) (metrics.Metrics, error) {
	return nil, nil
}

func (hostModel) ResizeEmbedder(context.Context, string, int) error {
	return nil
}

func (hostModel) EmbeddingRows(context.Context, string) (int, error) {
	return 0, nil
}

func (hostModel) Vocab() *vocab.Vocabulary {
	return nil
}

func (hostModel) SetVocab(*vocab.Vocabulary) {}

func (hostModel) State(context.Context) ([]byte, error) {
	return nil, nil
}

func (hostModel) LoadState(context.Context, []byte) error {
	return nil
}

type placingModel struct {
	hostModel
	devices []string
	err     error
}

func (p *placingModel) Place(b Batch, device string) (Batch, error) {
	p.devices = append(p.devices, device)
	if p.err != nil {
		return nil, p.err
	}
	out := Batch{}
	for k, v := range b {
		out[k] = v
	}
	out["placed"] = [][]int{{1}}
	return out, nil
}

// #endregion

func sampleBatch() Batch {
	return Batch{
		WordsKey: {{4, 5, 0}, {6, 7, 8}},
		MaskKey:  {{1, 1, 0}, {1, 1, 1}},
	}
}

func TestBatch_SizeAndTokens(t *testing.T) {
	b := sampleBatch()
	assert.Equal(t, 2, b.Size())
	assert.Equal(t, 5, b.Tokens())
}

func TestMoveToDevice_NoPlacer(t *testing.T) {
	b := sampleBatch()
	out, err := MoveToDevice(hostModel{}, b, "cuda:0")
	require.NoError(t, err)
	assert.Equal(t, b, out)
}

func TestMoveToDevice_DelegatesToPlacer(t *testing.T) {
	m := &placingModel{}
	out, err := MoveToDevice(m, sampleBatch(), "cuda:0")
	require.NoError(t, err)
	assert.Contains(t, out, "placed")
	assert.Equal(t, []string{"cuda:0"}, m.devices)

	_, err = MoveToDevice(m, sampleBatch(), "cpu")
	require.NoError(t, err)
	assert.Len(t, m.devices, 1, "cpu stays on host")
}

func TestMoveToDevice_PlacerError(t *testing.T) {
	m := &placingModel{err: errors.New("out of memory")}
	_, err := MoveToDevice(m, sampleBatch(), "cuda:1")
	assert.ErrorContains(t, err, "cuda:1")
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "train", Train.String())
	assert.Equal(t, "eval", Eval.String())
}
