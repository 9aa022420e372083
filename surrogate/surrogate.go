// Package surrogate models training error and cost as functions of the
// basis size so the trainer can decide how far to grow next.
//
// Error follows a learning curve e(s) = a + b/s fitted by least squares,
// corrected by a Gaussian process over log(s) on the residuals. Cost
// follows a power law c(s) = exp(alpha) * s^beta.
package surrogate

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Sample is one observed checkpoint.
type Sample struct {
	Size  float64
	Error float64
	Cost  float64
}

// Model is a fitted surrogate. The zero value is unfitted.
type Model struct {
	samples []Sample

	// learning curve e = a + b/s
	a, b float64

	// residual GP over z = log(s)
	z         []float64
	alpha     *mat.VecDense
	chol      mat.Cholesky
	signalVar float64
	noiseVar  float64
	length    float64
	gpOK      bool

	// cost = exp(costA) * s^costB
	costA, costB float64

	fitted bool
}

// New returns an unfitted model.
func New() *Model {
	return &Model{}
}

// Fitted reports whether Fit has succeeded.
func (m *Model) Fitted() bool {
	return m.fitted
}

// Samples returns the samples of the last fit, ordered by size.
func (m *Model) Samples() []Sample {
	return m.samples
}

// Fit replaces the model with one trained on samples. Sizes must be
// positive.
func (m *Model) Fit(samples []Sample) error {
	if len(samples) == 0 {
		return fmt.Errorf("surrogate: no samples")
	}
	sorted := make([]Sample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Size < sorted[j].Size })
	for _, s := range sorted {
		if s.Size <= 0 {
			return fmt.Errorf("surrogate: non-positive size %g", s.Size)
		}
	}
	m.samples = sorted
	m.fitted = false

	n := len(sorted)
	inv := make([]float64, n)
	errs := make([]float64, n)
	logS := make([]float64, n)
	logC := make([]float64, n)
	positiveCost := true
	for i, s := range sorted {
		inv[i] = 1 / s.Size
		errs[i] = s.Error
		logS[i] = math.Log(s.Size)
		if s.Cost <= 0 {
			positiveCost = false
		} else {
			logC[i] = math.Log(s.Cost)
		}
	}

	if distinct(inv) >= 2 {
		m.a, m.b = stat.LinearRegression(inv, errs, nil, false)
	} else {
		m.a, m.b = stat.Mean(errs, nil), 0
	}

	switch {
	case positiveCost && distinct(logS) >= 2:
		m.costA, m.costB = stat.LinearRegression(logS, logC, nil, false)
	case positiveCost:
		// One size observed: assume cost grows linearly.
		m.costA, m.costB = stat.Mean(logC, nil)-logS[0], 1
	default:
		m.costA, m.costB = 0, 1
	}

	resid := make([]float64, n)
	for i := range sorted {
		resid[i] = errs[i] - m.curve(sorted[i].Size)
	}
	m.fitGP(logS, resid, errs)

	m.fitted = true
	return nil
}

func (m *Model) curve(size float64) float64 {
	return m.a + m.b/size
}

// fitGP conditions the residual GP. Its signal variance is the residual
// variance with a floor tied to the error scale, so predictions keep
// some spread even when the curve interpolates every sample.
func (m *Model) fitGP(z, resid, errs []float64) {
	n := len(z)
	m.z = z

	scale := 0.1 * stat.Mean(errs, nil)
	m.signalVar = math.Max(stat.PopVariance(resid, nil), math.Max(scale*scale, 1e-6))
	m.noiseVar = 1e-2 * m.signalVar
	m.length = 1

	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := m.cov(z[i], z[j])
			if i == j {
				v += m.noiseVar
			}
			k.SetSym(i, j, v)
		}
	}
	if !m.chol.Factorize(k) {
		// Duplicate sizes can leave K singular; widen the noise once.
		for i := 0; i < n; i++ {
			k.SetSym(i, i, k.At(i, i)+m.signalVar)
		}
		m.noiseVar += m.signalVar
		m.gpOK = m.chol.Factorize(k)
	} else {
		m.gpOK = true
	}
	m.alpha = mat.NewVecDense(n, nil)
	if !m.gpOK {
		return
	}
	if err := m.chol.SolveVecTo(m.alpha, mat.NewVecDense(n, resid)); err != nil {
		m.alpha.Zero()
	}
}

func (m *Model) cov(z1, z2 float64) float64 {
	d := (z1 - z2) / m.length
	return m.signalVar * math.Exp(-0.5*d*d)
}

// PredictConfidence returns the predicted error at size and its standard
// deviation.
func (m *Model) PredictConfidence(size float64) (mean, std float64) {
	if !m.fitted || size <= 0 {
		return math.NaN(), math.Inf(1)
	}
	if !m.gpOK {
		return m.curve(size), math.Sqrt(m.signalVar + m.noiseVar)
	}
	zs := math.Log(size)
	n := len(m.z)
	kstar := mat.NewVecDense(n, nil)
	for i, z := range m.z {
		kstar.SetVec(i, m.cov(zs, z))
	}
	mean = m.curve(size) + mat.Dot(kstar, m.alpha)

	var v mat.VecDense
	if err := m.chol.SolveVecTo(&v, kstar); err != nil {
		return mean, math.Sqrt(m.signalVar + m.noiseVar)
	}
	variance := m.signalVar - mat.Dot(kstar, &v) + m.noiseVar
	if variance < m.noiseVar {
		variance = m.noiseVar
	}
	return mean, math.Sqrt(variance)
}

// PredictCost returns the predicted cost of a checkpoint at size.
func (m *Model) PredictCost(size float64) float64 {
	if !m.fitted || size <= 0 {
		return math.Inf(1)
	}
	return math.Exp(m.costA + m.costB*math.Log(size))
}

// ImprovementProbability returns P(e(size) <= target).
func (m *Model) ImprovementProbability(size, target float64) float64 {
	mean, std := m.PredictConfidence(size)
	if math.IsNaN(mean) {
		return 0
	}
	return distuv.Normal{Mu: mean, Sigma: std}.CDF(target)
}

// StepRequest parameterizes CostSensitiveStep.
type StepRequest struct {
	Current        int     // size of the last checkpoint
	Target         int     // largest size worth considering
	CurrentError   float64 // error at Current
	ErrorThreshold float64 // required improvement
	Confidence     float64 // required probability of that improvement
	CostBudget     float64 // largest affordable predicted cost, 0 for none
}

// stepCandidates bounds how many sizes CostSensitiveStep evaluates.
const stepCandidates = 64

// CostSensitiveStep returns the smallest size in (Current, Target] whose
// predicted error is at most CurrentError-ErrorThreshold with probability
// at least Confidence and whose predicted cost fits the budget. When no
// size qualifies it returns Target.
func (m *Model) CostSensitiveStep(req StepRequest) int {
	if !m.fitted || req.Target <= req.Current+1 {
		return req.Target
	}
	goal := req.CurrentError - req.ErrorThreshold
	for _, size := range candidateSizes(req.Current, req.Target) {
		if req.CostBudget > 0 && m.PredictCost(float64(size)) > req.CostBudget {
			break
		}
		if m.ImprovementProbability(float64(size), goal) >= req.Confidence {
			return size
		}
	}
	return req.Target
}

// candidateSizes spaces up to stepCandidates sizes geometrically over
// (current, target], always ending at target.
func candidateSizes(current, target int) []int {
	lo := float64(current + 1)
	hi := float64(target)
	sizes := make([]int, 0, stepCandidates)
	last := current
	for i := 0; i < stepCandidates; i++ {
		f := float64(i) / float64(stepCandidates-1)
		s := int(math.Round(lo * math.Pow(hi/lo, f)))
		if s <= last {
			continue
		}
		if s > target {
			s = target
		}
		sizes = append(sizes, s)
		last = s
	}
	if last != target {
		sizes = append(sizes, target)
	}
	return sizes
}

func distinct(v []float64) int {
	seen := make(map[float64]struct{}, len(v))
	for _, x := range v {
		seen[x] = struct{}{}
	}
	return len(seen)
}
