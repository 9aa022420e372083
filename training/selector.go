package training

import (
	"math/rand/v2"

	"github.com/sourcegraph/conc/pool"
	"gonum.org/v1/gonum/floats"

	svmerrors "github.com/tsawler/go-spsvm/errors"
	"github.com/tsawler/go-spsvm/memory/optimization"
)

// SelectionState is the model state candidates are scored against. It is
// fixed between checkpoints.
type SelectionState struct {
	Active    *ActiveSet
	Out       []float64 // o = K w over every training point
	Bias      float64   // w[0]
	Remaining int       // points still to add before the next checkpoint
}

// PointSelector picks the next basis point from sub-batches of the current
// candidate batch.
//
// A candidate j enters with coefficient t. Along t the objective has slope
// and curvature
//
//	g_j = sum_s Q_js beta_s + C sum_{i in E} (o_i - 1) c_ij
//	h_j = k(x_j, x_j) + C sum_{i in E} c_ij^2
//
// with c_ij = y_i y_j k(x_i, x_j), so the best single step lowers it by
// g_j^2 / (2 h_j). The first term equals o_j - y_j b and needs no kernel
// evaluations. The highest decrease wins; ties go to the earlier
// candidate.
type PointSelector struct {
	gen       *CandidateGenerator
	in        KernelInputs
	c         float64
	subBatch  int
	randomize bool
	rng       *rand.Rand
	workers   int
	scratch   *optimization.BufferPool

	batch     []int
	cursor    int
	residual  []float64
	fallbacks int
}

// NewPointSelector creates a selector drawing batches from gen.
func NewPointSelector(gen *CandidateGenerator, in KernelInputs, c float64, subBatch int, randomize bool, seed int64, workers int) *PointSelector {
	if subBatch < 1 {
		subBatch = 10
	}
	return &PointSelector{
		gen:       gen,
		in:        in,
		c:         c,
		subBatch:  subBatch,
		randomize: randomize,
		rng:       rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)),
		workers:   workers,
		scratch:   optimization.NewBufferPool(),
	}
}

// Reset starts a new growth phase. The current batch is dropped and the
// margin residuals o_i - 1 of the violators are captured from out.
func (ps *PointSelector) Reset(violators []int, out []float64) {
	ps.batch = nil
	ps.cursor = 0
	ps.residual = ps.residual[:0]
	for _, i := range violators {
		ps.residual = append(ps.residual, out[i]-1)
	}
}

// Fallbacks returns how many picks were replaced by the first free index
// because the candidate was already selected.
func (ps *PointSelector) Fallbacks() int {
	return ps.fallbacks
}

// Next returns the dataset index of the next basis point. A fresh batch
// is requested from the generator only when the current one is used up.
func (ps *PointSelector) Next(st SelectionState) (int, error) {
	if ps.cursor >= len(ps.batch) {
		var err error
		if ps.randomize {
			ps.batch = ps.gen.Generate(st.Active.Len(), st.Remaining)
		} else {
			ps.batch, err = ps.gen.Evaluate(st.Active.Len(), st.Remaining)
		}
		if err != nil {
			return -1, err
		}
		ps.cursor = 0
		if len(ps.batch) == 0 {
			return -1, svmerrors.Data(svmerrors.ErrNoCandidates, "empty candidate batch")
		}
	}

	start := ps.cursor
	end := min(start+ps.subBatch, len(ps.batch))
	ps.cursor = end

	var pick int
	if ps.randomize {
		pick = ps.batch[start+ps.rng.IntN(end-start)]
	} else {
		pick = ps.batch[start+ps.best(st, start, end)]
	}

	if st.Active.Contains(pick) {
		free := st.Active.FirstFree()
		if free < 0 {
			return -1, svmerrors.Data(svmerrors.ErrNoCandidates, "every point is already selected")
		}
		ps.fallbacks++
		pick = free
	}
	return pick, nil
}

// best scores batch rows [start, end) and returns the offset of the
// highest score. Scores are written by position and reduced in order.
func (ps *PointSelector) best(st SelectionState, start, end int) int {
	m := end - start
	scores := ps.scratch.GetFloat64Buffer(m)
	defer ps.scratch.PutFloat64Buffer(scores)

	score := func(k int) {
		r := start + k
		j := ps.batch[r]
		g := st.Out[j] - ps.in.Y[j]*st.Bias
		h := ps.in.Kernel.Self(ps.in.Norms[j])
		if len(ps.residual) > 0 {
			g += ps.c * floats.Dot(ps.gen.Row(r), ps.residual)
			h += ps.c * ps.gen.SquaredSum(r)
		}
		if h > 0 {
			scores[k] = g * g / (2 * h)
		} else {
			scores[k] = 0
		}
	}

	if ps.workers > 1 && m > 1 {
		p := pool.New().WithMaxGoroutines(ps.workers)
		for k := 0; k < m; k++ {
			p.Go(func() { score(k) })
		}
		p.Wait()
	} else {
		for k := 0; k < m; k++ {
			score(k)
		}
	}

	bestK := 0
	for k := 1; k < m; k++ {
		if scores[k] > scores[bestK] {
			bestK = k
		}
	}
	return bestK
}
