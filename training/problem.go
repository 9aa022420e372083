// Package training grows a sparse kernel SVM one support vector at a time.
//
// A Trainer alternates between adding basis points chosen from candidate
// batches and re-solving the primal problem over the current basis with a
// Newton method. The checkpoint schedule that decides when to re-solve is
// revised after every solve by a stopping controller.
package training

import (
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-spsvm/config"
	svmerrors "github.com/tsawler/go-spsvm/errors"
	"github.com/tsawler/go-spsvm/tensor"
)

// Problem is an immutable binary classification task.
type Problem struct {
	X      *mat.Dense
	Y      []float64 // labels in {-1, +1}
	Norms  []float64 // squared row norms of X
	Kernel tensor.KernelOptions
	C      float64
	Config config.Config // normalized copy of the run options
}

// NewProblem validates x, y and cfg and builds a Problem. A nil cfg means
// config.Default(). cfg is copied; later changes do not affect the Problem.
func NewProblem(x *mat.Dense, y []float64, cfg *config.Config) (*Problem, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	c := *cfg
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}

	if x == nil || x.IsEmpty() {
		return nil, svmerrors.Data(svmerrors.ErrEmptyDataset, "no training points")
	}
	n, d := x.Dims()
	if len(y) != n {
		return nil, svmerrors.Data(svmerrors.ErrShapeMismatch, "%d feature rows but %d labels", n, len(y))
	}
	labels := make([]float64, n)
	for i, v := range y {
		if v != 1 && v != -1 {
			return nil, svmerrors.Data(svmerrors.ErrInvalidLabel, "label %g at row %d, want -1 or +1", v, i).
				WithParam("y")
		}
		labels[i] = v
	}

	kt, err := tensor.ParseKernelType(c.Kernel.Type)
	if err != nil {
		return nil, svmerrors.InvalidParameter("kernel.type", "%v", err)
	}
	opts := tensor.KernelOptions{
		Type:   kt,
		Gamma:  c.Kernel.Gamma,
		Degree: c.Kernel.Degree,
		Coef:   c.Kernel.Coef,
	}.WithDefaultGamma(d)

	return &Problem{
		X:      x,
		Y:      labels,
		Norms:  tensor.RowSqNorms(x),
		Kernel: opts,
		C:      c.Training.C,
		Config: c,
	}, nil
}

// Len returns the number of training points.
func (p *Problem) Len() int {
	return len(p.Y)
}

// Features returns the number of features per point.
func (p *Problem) Features() int {
	_, d := p.X.Dims()
	return d
}
