package training

import (
	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-spsvm/memory"
	"github.com/tsawler/go-spsvm/tensor"
)

const candidateLabel = "candidate-kernel"

// CandidateGenerator produces batches of candidate indices and evaluates
// their kernel against the current violator set.
//
// Batches follow a fixed round-robin rule: with d0 points selected, the
// batch is (i + perPoint*d0 - 1) mod n for i = 1..size. The same state
// always yields the same batch.
type CandidateGenerator struct {
	log      *logrus.Entry
	exec     tensor.Executor
	mem      memory.Allocator
	in       KernelInputs
	n        int
	perPoint int
	maxBatch int

	buf       *memory.Buffer
	violators []int
	sqSums    []float64 // sum of squared kernel values per batch row
	evals     int64
	halvings  int
}

// NewCandidateGenerator creates a generator over n points drawing perPoint
// candidates per point still to be selected, at most maxBatch points per
// batch.
func NewCandidateGenerator(exec tensor.Executor, mem memory.Allocator, in KernelInputs, perPoint, maxBatch int, log *logrus.Entry) *CandidateGenerator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &CandidateGenerator{
		log:      log.WithField("component", "candidates"),
		exec:     exec,
		mem:      mem,
		in:       in,
		n:        len(in.Y),
		perPoint: perPoint,
		maxBatch: maxBatch,
	}
}

// BatchSize returns perPoint * min(remaining, maxBatch).
func (g *CandidateGenerator) BatchSize(remaining int) int {
	return g.perPoint * min(remaining, g.maxBatch)
}

// MaxBatch returns the current batch cap, which shrinks when the candidate
// kernel cannot be allocated.
func (g *CandidateGenerator) MaxBatch() int {
	return g.maxBatch
}

// Halvings returns how many times the batch cap was halved.
func (g *CandidateGenerator) Halvings() int {
	return g.halvings
}

// Evaluations returns the kernel evaluations spent on candidates.
func (g *CandidateGenerator) Evaluations() int64 {
	return g.evals
}

// Generate returns the next batch for a set of selected points with
// remaining points to go before the next checkpoint.
func (g *CandidateGenerator) Generate(selected, remaining int) []int {
	size := g.BatchSize(remaining)
	batch := make([]int, size)
	for i := 1; i <= size; i++ {
		batch[i-1] = (i + g.perPoint*selected - 1) % g.n
	}
	return batch
}

// Reserve sizes the candidate kernel for a checkpoint whose violator set
// is violators. When mem is a ResourceManager in accelerated mode, a full
// device puts the buffer on the host. Host failures halve the batch cap
// until the buffer fits; when it cannot shrink further an OUT_OF_MEMORY
// error is returned.
func (g *CandidateGenerator) Reserve(violators []int) error {
	g.Release()
	g.violators = violators
	width := max(len(violators), 1)

	buf, got, err := g.mem.AllocateShrinking(memory.ShrinkRequest{
		Label:    candidateLabel,
		Capacity: g.maxBatch,
		Floor:    1,
		Elements: func(c int) int { return g.perPoint * c * width },
	}, g.log)
	if err != nil {
		return err
	}
	for c := g.maxBatch; c > got; c /= 2 {
		g.halvings++
	}
	g.maxBatch = got
	g.buf = buf
	return nil
}

// Evaluate generates a batch and fills its kernel rows against the
// reserved violator set. Row r of the block belongs to batch[r].
func (g *CandidateGenerator) Evaluate(selected, remaining int) ([]int, error) {
	batch := g.Generate(selected, remaining)
	if cap(g.sqSums) < len(batch) {
		g.sqSums = make([]float64, len(batch))
	}
	g.sqSums = g.sqSums[:len(batch)]
	if len(g.violators) == 0 {
		for r := range g.sqSums {
			g.sqSums[r] = 0
		}
		return batch, nil
	}

	err := tensor.ComputeInto(g.exec, g.buf.Data, g.in.Kernel,
		tensor.Operand{X: g.in.X, Norms: g.in.Norms, Rows: batch, Weights: g.in.Y},
		tensor.Operand{X: g.in.X, Norms: g.in.Norms, Rows: g.violators, Weights: g.in.Y})
	if err != nil {
		return nil, err
	}
	for r := range batch {
		row := g.Row(r)
		var s float64
		for _, v := range row {
			s += v * v
		}
		g.sqSums[r] = s
	}
	g.evals += int64(len(batch) * len(g.violators))
	return batch, nil
}

// Row returns the kernel of batch row r against the violator set.
func (g *CandidateGenerator) Row(r int) []float64 {
	w := len(g.violators)
	return g.buf.Data[r*w : (r+1)*w]
}

// SquaredSum returns the sum of squared kernel values of batch row r.
func (g *CandidateGenerator) SquaredSum(r int) float64 {
	return g.sqSums[r]
}

// Violators returns the violator set the buffer was reserved for.
func (g *CandidateGenerator) Violators() []int {
	return g.violators
}

// Release frees the candidate kernel.
func (g *CandidateGenerator) Release() {
	if g.buf != nil {
		g.buf.Release()
		g.buf = nil
	}
}
