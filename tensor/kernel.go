// Package tensor evaluates kernel functions over rows of dense feature
// matrices.
package tensor

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// KernelType selects the kernel family
type KernelType int

const (
	RBF        KernelType = iota // exp(-gamma |u-v|^2)
	Linear                       // u'v
	Polynomial                   // (gamma u'v + coef)^degree
	Sigmoid                      // tanh(gamma u'v + coef)
)

func (k KernelType) String() string {
	switch k {
	case RBF:
		return "rbf"
	case Linear:
		return "linear"
	case Polynomial:
		return "polynomial"
	case Sigmoid:
		return "sigmoid"
	default:
		return fmt.Sprintf("kernel(%d)", int(k))
	}
}

// ParseKernelType accepts a kernel name or its numeric code.
func ParseKernelType(s string) (KernelType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rbf", "gaussian", "0":
		return RBF, nil
	case "linear", "1":
		return Linear, nil
	case "polynomial", "poly", "2":
		return Polynomial, nil
	case "sigmoid", "tanh", "3":
		return Sigmoid, nil
	default:
		return RBF, fmt.Errorf("unknown kernel type %q", s)
	}
}

// KernelOptions holds a kernel family and its hyperparameters
type KernelOptions struct {
	Type   KernelType `json:"type"`
	Gamma  float64    `json:"gamma"`
	Degree int        `json:"degree"`
	Coef   float64    `json:"coef"`
}

// WithDefaultGamma returns o with a non-positive gamma replaced by
// 1/features.
func (o KernelOptions) WithDefaultGamma(features int) KernelOptions {
	if o.Gamma <= 0 && features > 0 {
		o.Gamma = 1 / float64(features)
	}
	return o
}

// FromDot evaluates the kernel given u'v and the squared norms of u and v.
func (o KernelOptions) FromDot(dot, normU, normV float64) float64 {
	switch o.Type {
	case Linear:
		return dot
	case Polynomial:
		return powi(o.Gamma*dot+o.Coef, o.Degree)
	case Sigmoid:
		return math.Tanh(o.Gamma*dot + o.Coef)
	default:
		dist := normU + normV - 2*dot
		if dist < 0 {
			dist = 0
		}
		return math.Exp(-o.Gamma * dist)
	}
}

// Eval evaluates the kernel on two vectors.
func (o KernelOptions) Eval(u, v []float64) float64 {
	if o.Type == RBF {
		var sum float64
		for i := range u {
			d := u[i] - v[i]
			sum += d * d
		}
		return math.Exp(-o.Gamma * sum)
	}
	return o.FromDot(floats.Dot(u, v), 0, 0)
}

// Self evaluates k(u, u) from the squared norm of u.
func (o KernelOptions) Self(norm float64) float64 {
	return o.FromDot(norm, norm, norm)
}

// powi raises base to a non-negative integer power by squaring.
func powi(base float64, times int) float64 {
	tmp, ret := base, 1.0
	for t := times; t > 0; t /= 2 {
		if t%2 == 1 {
			ret *= tmp
		}
		tmp *= tmp
	}
	return ret
}

// RowSqNorms returns the squared Euclidean norm of every row of x.
func RowSqNorms(x *mat.Dense) []float64 {
	r, _ := x.Dims()
	norms := make([]float64, r)
	for i := 0; i < r; i++ {
		row := x.RawRowView(i)
		norms[i] = floats.Dot(row, row)
	}
	return norms
}
