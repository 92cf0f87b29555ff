package optim

// #region param
// Param is a dense row-major parameter matrix with its gradient buffer.
type Param struct {
	Name string
	Rows int
	Cols int
	Data []float64
	Grad []float64
}

// NewParam allocates a zeroed rows x cols parameter.
func NewParam(name string, rows, cols int) *Param {
	return &Param{
		Name: name,
		Rows: rows,
		Cols: cols,
		Data: make([]float64, rows*cols),
		Grad: make([]float64, rows*cols),
	}
}

// Row returns the i-th row of Data.
func (p *Param) Row(i int) []float64 { return p.Data[i*p.Cols : (i+1)*p.Cols] }

// GradRow returns the i-th row of Grad.
func (p *Param) GradRow(i int) []float64 { return p.Grad[i*p.Cols : (i+1)*p.Cols] }

// ParamSource exposes the current parameter set. It is consulted on every step so
// tables resized between steps are picked up.
type ParamSource interface {
	Parameters() []*Param
}

// #endregion

// #region config
// Config holds Adam hyperparameters.
type Config struct {
	LearningRate float64 // step size (default 0.002)
	Beta1        float64 // first moment decay (default 0.9)
	Beta2        float64 // second moment decay (default 0.9)
	Eps          float64 // denominator floor (default 1e-8)
	WeightDecay  float64 // decoupled L2 decay per step (0 = disabled)
	MaxGradNorm  float64 // global L2 clamp on gradients (0 = disabled)
}

// DefaultConfig returns the settings used by the biaffine parser recipes.
func DefaultConfig() Config {
	return Config{
		LearningRate: 0.002,
		Beta1:        0.9,
		Beta2:        0.9,
		Eps:          1e-8,
		MaxGradNorm:  5.0,
	}
}

// #endregion

// #region step-metrics
// StepMetrics captures telemetry from one optimizer step.
type StepMetrics struct {
	Step     int
	GradNorm float64 // global L2 norm before clipping
	Clipped  bool
}

// #endregion
