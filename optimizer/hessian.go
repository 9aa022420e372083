package optimizer

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// KernelRows gives row access to the label-weighted kernel matrix whose
// column 0 is the bias column.
type KernelRows interface {
	// Dims returns the number of training points and the current column
	// count (1 + basis size).
	Dims() (rows, cols int)
	// Row returns row i, reusing dst when it has room. The returned slice
	// is only valid until the next call.
	Row(i int, dst []float64) []float64
}

// Hessian is H = R + C * K_E' K_E for the violator set E = {i : o_i < 1},
// together with Ksum = K_E' 1. It grows by whole columns as the basis grows
// and is updated by rank-one terms as E changes.
type Hessian struct {
	c       float64
	sym     *mat.SymDense
	ksum    []float64
	inE     []bool
	nE      int
	scratch []float64
}

// NewHessian creates an empty Hessian for n training points.
func NewHessian(n int, c float64) *Hessian {
	return &Hessian{
		c:   c,
		inE: make([]bool, n),
	}
}

// Dim returns the number of columns, including the bias.
func (h *Hessian) Dim() int {
	if h.sym == nil {
		return 0
	}
	return h.sym.SymmetricDim()
}

// Violators returns |E|.
func (h *Hessian) Violators() int {
	return h.nE
}

// IsViolator reports whether point i is in E.
func (h *Hessian) IsViolator(i int) bool {
	return h.inE[i]
}

// At returns H[a][b].
func (h *Hessian) At(a, b int) float64 {
	return h.sym.At(a, b)
}

// Ksum returns K_E' 1. The slice is owned by the Hessian.
func (h *Hessian) Ksum() []float64 {
	return h.ksum
}

// Matrix returns the symmetric matrix. It is owned by the Hessian.
func (h *Hessian) Matrix() *mat.SymDense {
	return h.sym
}

// Extend grows the Hessian to 1+len(basis) columns. basis lists the
// dataset index of every basis point in column order; columns already
// present are left untouched. On the first call E is initialized from out.
// It returns the number of multiply-adds performed.
func (h *Hessian) Extend(rows KernelRows, basis []int, out []float64) (float64, error) {
	n, cols := rows.Dims()
	p0, p1 := h.Dim(), len(basis)+1
	if cols < p1 {
		return 0, fmt.Errorf("hessian: kernel has %d columns, basis needs %d", cols, p1)
	}
	if n != len(h.inE) || len(out) != n {
		return 0, fmt.Errorf("hessian: %d rows, %d outputs, expected %d", n, len(out), len(h.inE))
	}
	if p1 <= p0 {
		return 0, nil
	}

	grown := mat.NewSymDense(p1, nil)
	g := grown.RawSymmetric()
	if p0 > 0 {
		old := h.sym.RawSymmetric()
		for a := 0; a < p0; a++ {
			copy(g.Data[a*g.Stride+a:a*g.Stride+p0], old.Data[a*old.Stride+a:a*old.Stride+p0])
		}
	}
	ksum := make([]float64, p1)
	copy(ksum, h.ksum)

	if p0 == 0 {
		h.nE = 0
		for i, o := range out {
			h.inE[i] = o < 1
			if h.inE[i] {
				h.nE++
			}
		}
	}

	var work float64
	// C * K_E' K_E for the new columns.
	for i := 0; i < n; i++ {
		if !h.inE[i] {
			continue
		}
		row := rows.Row(i, h.rowBuffer(cols))
		for b := p0; b < p1; b++ {
			rb := h.c * row[b]
			ksum[b] += row[b]
			for a := 0; a <= b; a++ {
				g.Data[a*g.Stride+b] += rb * row[a]
			}
		}
		work += float64((p1 - p0) * p1)
	}
	// R for the new columns: R[a][b] = K[basis[b-1]][a] for a, b >= 1.
	for b := max(p0, 1); b < p1; b++ {
		row := rows.Row(basis[b-1], h.rowBuffer(cols))
		for a := 1; a <= b; a++ {
			g.Data[a*g.Stride+b] += row[a]
		}
		work += float64(b)
	}

	h.sym = grown
	h.ksum = ksum
	return work, nil
}

// Sync brings E in line with out, applying a rank-one update for every
// point that entered or left. It returns the number of points that
// changed and the multiply-adds performed.
func (h *Hessian) Sync(rows KernelRows, out []float64) (int, float64) {
	p := h.Dim()
	_, cols := rows.Dims()
	changed := 0
	var work float64
	for i, o := range out {
		in := o < 1
		if in == h.inE[i] {
			continue
		}
		sign := 1.0
		if !in {
			sign = -1
		}
		row := rows.Row(i, h.rowBuffer(cols))
		h.sym.SymRankOne(h.sym, sign*h.c, mat.NewVecDense(p, row[:p]))
		for a := 0; a < p; a++ {
			h.ksum[a] += sign * row[a]
		}
		h.inE[i] = in
		if in {
			h.nE++
		} else {
			h.nE--
		}
		changed++
		work += float64(p * p)
	}
	return changed, work
}

func (h *Hessian) rowBuffer(cols int) []float64 {
	if cap(h.scratch) < cols {
		h.scratch = make([]float64, cols)
	}
	return h.scratch[:cols]
}
