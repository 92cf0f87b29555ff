package optim

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
)

// #region adam
// Adam implements the Adam update with optional global gradient-norm clipping.
// Moment buffers are keyed by parameter name and grow or shrink with the parameter.
type Adam struct {
	cfg    Config
	params ParamSource
	step   int
	m      map[string][]float64
	v      map[string][]float64
	last   StepMetrics
}

// NewAdam builds an optimizer over src.
func NewAdam(src ParamSource, cfg Config) *Adam {
	return &Adam{
		cfg:    cfg,
		params: src,
		m:      make(map[string][]float64),
		v:      make(map[string][]float64),
	}
}

// ZeroGrad clears every gradient buffer.
func (a *Adam) ZeroGrad(_ context.Context) error {
	for _, p := range a.params.Parameters() {
		clear(p.Grad)
	}
	return nil
}

// Step applies one update using the accumulated gradients.
func (a *Adam) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := a.params.Parameters()

	// 1. Global gradient norm and clamp
	var sumSq float64
	for _, p := range params {
		for _, g := range p.Grad {
			sumSq += g * g
		}
	}
	norm := math.Sqrt(sumSq)
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return fmt.Errorf("adam step %d: gradient norm %v", a.step+1, norm)
	}
	scale := 1.0
	clipped := false
	if a.cfg.MaxGradNorm > 0 && norm > a.cfg.MaxGradNorm {
		scale = a.cfg.MaxGradNorm / norm
		clipped = true
	}

	// 2. Moment update with bias correction
	a.step++
	c1 := 1 - math.Pow(a.cfg.Beta1, float64(a.step))
	c2 := 1 - math.Pow(a.cfg.Beta2, float64(a.step))
	for _, p := range params {
		m := a.moments(a.m, p)
		v := a.moments(a.v, p)
		for i, g := range p.Grad {
			g *= scale
			m[i] = a.cfg.Beta1*m[i] + (1-a.cfg.Beta1)*g
			v[i] = a.cfg.Beta2*v[i] + (1-a.cfg.Beta2)*g*g
			mHat := m[i] / c1
			vHat := v[i] / c2
			if a.cfg.WeightDecay > 0 {
				p.Data[i] -= a.cfg.LearningRate * a.cfg.WeightDecay * p.Data[i]
			}
			p.Data[i] -= a.cfg.LearningRate * mHat / (math.Sqrt(vHat) + a.cfg.Eps)
		}
	}

	a.last = StepMetrics{Step: a.step, GradNorm: norm, Clipped: clipped}
	return nil
}

// LastStep returns telemetry from the most recent Step.
func (a *Adam) LastStep() StepMetrics { return a.last }

// moments returns the buffer for p sized to its data, preserving existing entries.
func (a *Adam) moments(store map[string][]float64, p *Param) []float64 {
	buf := store[p.Name]
	switch {
	case len(buf) == len(p.Data):
	case len(buf) > len(p.Data):
		buf = buf[:len(p.Data)]
	default:
		grown := make([]float64, len(p.Data))
		copy(grown, buf)
		buf = grown
	}
	store[p.Name] = buf
	return buf
}

// #endregion

// #region state
type adamState struct {
	Step int                  `json:"step"`
	M    map[string][]float64 `json:"m"`
	V    map[string][]float64 `json:"v"`
}

// State serializes the step counter and moment buffers.
func (a *Adam) State(_ context.Context) ([]byte, error) {
	b, err := json.Marshal(adamState{Step: a.step, M: a.m, V: a.v})
	if err != nil {
		return nil, fmt.Errorf("marshal adam state: %w", err)
	}
	return b, nil
}

// LoadState restores a State blob.
func (a *Adam) LoadState(_ context.Context, state []byte) error {
	var s adamState
	if err := json.Unmarshal(state, &s); err != nil {
		return fmt.Errorf("unmarshal adam state: %w", err)
	}
	a.step = s.Step
	a.m = s.M
	a.v = s.V
	if a.m == nil {
		a.m = make(map[string][]float64)
	}
	if a.v == nil {
		a.v = make(map[string][]float64)
	}
	return nil
}

// #endregion
