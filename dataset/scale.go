package dataset

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	svmerrors "github.com/tsawler/go-spsvm/errors"
)

// Scaler standardizes features to zero mean and unit variance.
type Scaler struct {
	Means   []float64
	StdDevs []float64
}

// FitScaler computes per-column statistics of x. Constant columns get a
// standard deviation of 1 so they map to zero.
func FitScaler(x mat.Matrix) *Scaler {
	r, c := x.Dims()
	s := &Scaler{Means: make([]float64, c), StdDevs: make([]float64, c)}
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, x)
		mean, std := 0.0, 0.0
		if r > 1 {
			mean, std = stat.MeanStdDev(col, nil)
		} else {
			mean = col[0]
		}
		if std == 0 {
			std = 1
		}
		s.Means[j], s.StdDevs[j] = mean, std
	}
	return s
}

// Transform scales x in place.
func (s *Scaler) Transform(x *mat.Dense) error {
	r, c := x.Dims()
	if c != len(s.Means) {
		return svmerrors.Data(svmerrors.ErrShapeMismatch, "scaler fitted on %d features, got %d", len(s.Means), c)
	}
	for i := 0; i < r; i++ {
		row := x.RawRowView(i)
		for j := range row {
			row[j] = (row[j] - s.Means[j]) / s.StdDevs[j]
		}
	}
	return nil
}
