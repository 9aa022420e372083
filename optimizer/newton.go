package optimizer

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Jitter added to the diagonal, relative to its mean, when the Hessian is
// not numerically positive definite. Tried in order.
var jitterSchedule = []float64{0, 1e-12, 1e-10, 1e-8, 1e-6}

// NewtonConfig holds configuration for the Newton solver
type NewtonConfig struct {
	C       float64 // Misclassification penalty
	MaxIter int     // Newton steps per solve
}

// DefaultNewtonConfig returns the default configuration
func DefaultNewtonConfig() NewtonConfig {
	return NewtonConfig{
		C:       1,
		MaxIter: 20,
	}
}

// Result describes one Solve call.
type Result struct {
	Iterations int
	Objective  float64
	Converged  bool
	Violators  int
	Work       float64 // multiply-adds
}

// Newton minimizes the squared-hinge primal
//
//	F(w) = 1/2 w'Rw + C/2 sum_{i in E} (1 - o_i)^2,  o = K w
//
// over the coefficients of the current basis, with an exact line search
// along each Newton direction.
type Newton struct {
	config NewtonConfig
}

// NewNewton creates a Newton solver
func NewNewton(config NewtonConfig) *Newton {
	if config.MaxIter <= 0 {
		config.MaxIter = 20
	}
	return &Newton{config: config}
}

// Solve runs Newton steps from w until the violator set stops changing or
// MaxIter steps were taken. w (length h.Dim()) and out (length n) are
// updated in place and h is kept in sync with out. A factorization failure
// is not an error: it is reported as a NaN objective.
func (nt *Newton) Solve(h *Hessian, rows KernelRows, basis []int, w, out []float64) (Result, error) {
	n, cols := rows.Dims()
	p := h.Dim()
	if len(w) != p || len(basis)+1 != p || len(out) != n || cols < p {
		return Result{}, fmt.Errorf("newton: dimension mismatch (w %d, basis %d, out %d, hessian %d, kernel %dx%d)",
			len(w), len(basis), len(out), p, n, cols)
	}

	var res Result
	c := nt.config.C
	rhs := mat.NewVecDense(p, nil)
	wn := mat.NewVecDense(p, nil)
	d := make([]float64, p)
	delta := make([]float64, n)
	row := make([]float64, cols)

	for res.Iterations < nt.config.MaxIter {
		res.Iterations++

		for a, k := range h.Ksum() {
			rhs.SetVec(a, c*k)
		}
		if err := solveSym(h.Matrix(), rhs, wn); err != nil {
			res.Objective = math.NaN()
			res.Violators = h.Violators()
			return res, nil
		}
		res.Work += float64(p*p*p) / 3

		for a := range d {
			d[a] = wn.AtVec(a) - w[a]
		}
		for i := 0; i < n; i++ {
			r := rows.Row(i, row)
			delta[i] = floats.Dot(r[:p], d)
		}
		res.Work += float64(n * p)

		_, rd := nt.regularizerProducts(rows, basis, w, d, row)
		t := lineSearch(c, floats.Dot(w, rd), floats.Dot(d, rd), out, delta)
		res.Work += float64(2 * p * p)

		floats.AddScaled(w, t, d)
		floats.AddScaled(out, t, delta)

		changed, work := h.Sync(rows, out)
		res.Work += work
		if changed == 0 {
			res.Converged = true
			break
		}
	}

	res.Objective = nt.Objective(rows, basis, w, out)
	res.Violators = h.Violators()
	return res, nil
}

// Objective evaluates F at w with outputs out.
func (nt *Newton) Objective(rows KernelRows, basis []int, w, out []float64) float64 {
	_, cols := rows.Dims()
	rw, _ := nt.regularizerProducts(rows, basis, w, nil, make([]float64, cols))
	reg := 0.5 * floats.Dot(w, rw)
	var loss float64
	for _, o := range out {
		if o < 1 {
			loss += (1 - o) * (1 - o)
		}
	}
	return reg + 0.5*nt.config.C*loss
}

// regularizerProducts returns Rw and, when d is non-nil, Rd. Row 0 and
// column 0 of R are zero; R[a][b] = K[basis[a-1]][b] otherwise.
func (nt *Newton) regularizerProducts(rows KernelRows, basis []int, w, d, buf []float64) ([]float64, []float64) {
	p := len(w)
	rw := make([]float64, p)
	var rd []float64
	if d != nil {
		rd = make([]float64, p)
	}
	for a := 1; a < p; a++ {
		r := rows.Row(basis[a-1], buf)[1:p]
		rw[a] = floats.Dot(r, w[1:])
		if d != nil {
			rd[a] = floats.Dot(r, d[1:])
		}
	}
	return rw, rd
}

// solveSym solves H x = b by Cholesky, adding diagonal jitter when the
// factorization fails.
func solveSym(h *mat.SymDense, b, x *mat.VecDense) error {
	p := h.SymmetricDim()
	var meanDiag float64
	for a := 0; a < p; a++ {
		meanDiag += math.Abs(h.At(a, a))
	}
	meanDiag /= float64(p)
	if meanDiag == 0 {
		meanDiag = 1
	}

	var chol mat.Cholesky
	for _, jitter := range jitterSchedule {
		m := h
		if jitter > 0 {
			m = mat.NewSymDense(p, nil)
			m.CopySym(h)
			for a := 0; a < p; a++ {
				m.SetSym(a, a, m.At(a, a)+jitter*meanDiag)
			}
		}
		if !chol.Factorize(m) {
			continue
		}
		if err := chol.SolveVecTo(x, b); err != nil {
			continue
		}
		if hasNaN(x.RawVector().Data) {
			continue
		}
		return nil
	}
	return fmt.Errorf("hessian is not positive definite")
}

func hasNaN(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return true
		}
	}
	return false
}

type breakpoint struct {
	t     float64
	index int
}

// lineSearch returns the exact minimizer t >= 0 of
//
//	phi(t) = F(w + t d)
//
// given wRd = w'Rd, dRd = d'Rd, the outputs o and their directional change
// delta. phi' is piecewise linear and nondecreasing, with a breakpoint
// wherever a point crosses the margin.
func lineSearch(c, wRd, dRd float64, out, delta []float64) float64 {
	// Segment starting at t = 0: active points have 1 - o > 0, or sit on
	// the margin and move inward.
	active := make([]bool, len(out))
	slope := dRd
	intercept := wRd
	var events []breakpoint
	for i, o := range out {
		m := 1 - o
		di := delta[i]
		in := m > 0 || (m == 0 && di < 0)
		active[i] = in
		if in {
			slope += c * di * di
			intercept -= c * m * di
		}
		if di == 0 {
			continue
		}
		bt := m / di
		if bt <= 0 {
			continue
		}
		if (in && di > 0) || (!in && di < 0) {
			events = append(events, breakpoint{t: bt, index: i})
		}
	}
	sort.Slice(events, func(a, b int) bool {
		if events[a].t == events[b].t {
			return events[a].index < events[b].index
		}
		return events[a].t < events[b].t
	})

	// phi'(t) = intercept + slope*t on the current segment.
	prev := 0.0
	for _, ev := range events {
		if intercept+slope*ev.t >= 0 {
			return segmentRoot(intercept, slope, prev)
		}
		i := ev.index
		m := 1 - out[i]
		di := delta[i]
		if active[i] {
			slope -= c * di * di
			intercept += c * m * di
		} else {
			slope += c * di * di
			intercept -= c * m * di
		}
		active[i] = !active[i]
		prev = ev.t
	}
	return segmentRoot(intercept, slope, prev)
}

func segmentRoot(intercept, slope, lo float64) float64 {
	if slope <= 0 {
		if intercept < 0 {
			return math.Max(lo, 1)
		}
		return lo
	}
	t := -intercept / slope
	if t < lo {
		return lo
	}
	return t
}
