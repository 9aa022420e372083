package training

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-spsvm/tensor"
)

// Diagnostics summarizes how a run went.
type Diagnostics struct {
	Mode               string        `json:"mode"`
	HostFallbacks      int           `json:"host_fallbacks"`
	CacheCapacity      int           `json:"cache_capacity"`
	CacheDisabled      bool          `json:"cache_disabled"`
	CandidateBatch     int           `json:"candidate_batch"`
	CandidateHalvings  int           `json:"candidate_halvings"`
	SelectionFallbacks int           `json:"selection_fallbacks"`
	NonConverged       int           `json:"non_converged"`
	KernelEvaluations  int64         `json:"kernel_evaluations"`
	Schedule           []int         `json:"schedule"`
	Halted             bool          `json:"halted"`
	Elapsed            time.Duration `json:"elapsed"`
}

// Model is a trained classifier
//
//	f(x) = b + sum_j beta_j y_j k(x, x_j)
//
// over the selected basis points x_j.
type Model struct {
	RunID          string               `json:"run_id"`
	Kernel         tensor.KernelOptions `json:"kernel"`
	C              float64              `json:"c"`
	Indices        []int                `json:"indices"`
	Coefficients   []float64            `json:"coefficients"`
	Bias           float64              `json:"bias"`
	SupportVectors *mat.Dense           `json:"-"`
	Labels         []float64            `json:"labels"`
	Trajectory     []Checkpoint         `json:"trajectory"`
	Diagnostics    Diagnostics          `json:"diagnostics"`

	norms []float64
}

// NewModel assembles a model from its basis. sv holds one row per basis
// point.
func NewModel(kernel tensor.KernelOptions, sv *mat.Dense, labels, coef []float64, bias float64) (*Model, error) {
	if sv == nil {
		return nil, fmt.Errorf("model: no support vectors")
	}
	r, _ := sv.Dims()
	if len(labels) != r || len(coef) != r {
		return nil, fmt.Errorf("model: %d support vectors, %d labels, %d coefficients", r, len(labels), len(coef))
	}
	return &Model{
		Kernel:         kernel,
		SupportVectors: sv,
		Labels:         labels,
		Coefficients:   coef,
		Bias:           bias,
	}, nil
}

// Size returns the number of support vectors.
func (m *Model) Size() int {
	return len(m.Coefficients)
}

// Decision returns f(x).
func (m *Model) Decision(x []float64) float64 {
	if m.norms == nil && m.SupportVectors != nil {
		m.norms = tensor.RowSqNorms(m.SupportVectors)
	}
	nx := floats.Dot(x, x)
	f := m.Bias
	for j, beta := range m.Coefficients {
		if beta == 0 {
			continue
		}
		v := m.SupportVectors.RawRowView(j)
		f += beta * m.Labels[j] * m.Kernel.FromDot(floats.Dot(x, v), nx, m.norms[j])
	}
	return f
}

// Predict returns +1 when f(x) >= 0 and -1 otherwise.
func (m *Model) Predict(x []float64) float64 {
	if m.Decision(x) >= 0 {
		return 1
	}
	return -1
}

// DecisionBatch evaluates f on every row of x.
func (m *Model) DecisionBatch(x *mat.Dense) ([]float64, error) {
	r, d := x.Dims()
	if m.SupportVectors != nil {
		if _, dm := m.SupportVectors.Dims(); dm != d {
			return nil, fmt.Errorf("model: %d features, input has %d", dm, d)
		}
	}
	out := make([]float64, r)
	for i := 0; i < r; i++ {
		out[i] = m.Decision(x.RawRowView(i))
	}
	return out, nil
}

// Evaluate scores the model on labeled data.
func (m *Model) Evaluate(x *mat.Dense, y []float64) (*ConfusionMatrix, error) {
	dec, err := m.DecisionBatch(x)
	if err != nil {
		return nil, err
	}
	return NewConfusionMatrix(y, dec)
}
