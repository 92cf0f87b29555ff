package optim

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type paramList []*Param

func (l paramList) Parameters() []*Param { return l }

// #region adam-tests
func TestAdam_MinimisesQuadratic(t *testing.T) {
	p := NewParam("w", 1, 2)
	p.Data[0], p.Data[1] = 3, -2
	cfg := DefaultConfig()
	cfg.LearningRate = 0.1
	cfg.Beta2 = 0.999
	opt := NewAdam(paramList{p}, cfg)

	for i := 0; i < 500; i++ {
		require.NoError(t, opt.ZeroGrad(context.Background()))
		// d/dw of 0.5*||w||^2
		p.Grad[0], p.Grad[1] = p.Data[0], p.Data[1]
		require.NoError(t, opt.Step(context.Background()))
	}
	assert.InDelta(t, 0, p.Data[0], 0.1)
	assert.InDelta(t, 0, p.Data[1], 0.1)
	assert.Equal(t, 500, opt.LastStep().Step)
}

func TestAdam_ClipsGlobalNorm(t *testing.T) {
	p := NewParam("w", 1, 2)
	cfg := DefaultConfig()
	cfg.MaxGradNorm = 1
	opt := NewAdam(paramList{p}, cfg)

	p.Grad[0], p.Grad[1] = 30, 40
	require.NoError(t, opt.Step(context.Background()))
	last := opt.LastStep()
	assert.InDelta(t, 50, last.GradNorm, 1e-9)
	assert.True(t, last.Clipped)
}

func TestAdam_ZeroGrad(t *testing.T) {
	p := NewParam("w", 2, 2)
	for i := range p.Grad {
		p.Grad[i] = 1
	}
	require.NoError(t, NewAdam(paramList{p}, DefaultConfig()).ZeroGrad(context.Background()))
	assert.Equal(t, []float64{0, 0, 0, 0}, p.Grad)
}

func TestAdam_NonFiniteGradient(t *testing.T) {
	p := NewParam("w", 1, 1)
	p.Grad[0] = math.Inf(1)
	err := NewAdam(paramList{p}, DefaultConfig()).Step(context.Background())
	assert.Error(t, err)
}

func TestAdam_FollowsResizedParameter(t *testing.T) {
	p := NewParam("emb", 2, 1)
	opt := NewAdam(paramList{p}, DefaultConfig())
	p.Grad[0], p.Grad[1] = 1, 1
	require.NoError(t, opt.Step(context.Background()))

	p.Data = append(p.Data, 0)
	p.Grad = append(p.Grad, 1)
	p.Rows = 3
	require.NoError(t, opt.Step(context.Background()))
	assert.Len(t, opt.m["emb"], 3)
	assert.NotZero(t, p.Data[2])
}

func TestAdam_StateRoundTrip(t *testing.T) {
	p := NewParam("w", 1, 1)
	opt := NewAdam(paramList{p}, DefaultConfig())
	p.Grad[0] = 0.5
	require.NoError(t, opt.Step(context.Background()))

	blob, err := opt.State(context.Background())
	require.NoError(t, err)

	restored := NewAdam(paramList{p}, DefaultConfig())
	require.NoError(t, restored.LoadState(context.Background(), blob))
	assert.Equal(t, opt.step, restored.step)
	assert.Equal(t, opt.m, restored.m)
	assert.Equal(t, opt.v, restored.v)

	assert.Error(t, restored.LoadState(context.Background(), []byte("{")))
}

// #endregion
