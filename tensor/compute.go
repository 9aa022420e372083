package tensor

import (
	"fmt"

	"github.com/sourcegraph/conc/pool"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-spsvm/memory"
)

// Executor supplies the worker count and memory for kernel blocks.
// memory.ResourceManager implements it for both host and accelerator
// execution.
type Executor interface {
	Workers() int
	Memory() *memory.MemoryManager
}

// Operand is one side of a kernel block: a feature matrix, its row norms,
// the rows to use (nil means all) and optional per-row weights indexed by
// matrix row.
type Operand struct {
	X       *mat.Dense
	Norms   []float64
	Rows    []int
	Weights []float64
}

func (o Operand) len() int {
	if o.Rows == nil {
		r, _ := o.X.Dims()
		return r
	}
	return len(o.Rows)
}

func (o Operand) row(i int) int {
	if o.Rows == nil {
		return i
	}
	return o.Rows[i]
}

// Block is a kernel block backed by a pooled buffer.
type Block struct {
	*mat.Dense
	buf *memory.Buffer
}

// Release returns the block's storage to its memory manager.
func (b *Block) Release() {
	if b == nil {
		return
	}
	b.buf.Release()
	b.Dense = nil
}

// Evaluations returns the number of kernel evaluations in the block.
func (b *Block) Evaluations() int {
	r, c := b.Dims()
	return r * c
}

// rowsPerTask bounds how many output rows one worker task fills.
const rowsPerTask = 32

// Compute fills K[i][j] = wa_i * wb_j * k(a_i, b_j) for every selected row
// pair into a block allocated from the executor's memory.
func Compute(exec Executor, label string, opts KernelOptions, a, b Operand) (*Block, error) {
	rows, cols := a.len(), b.len()
	if rows == 0 || cols == 0 {
		return nil, fmt.Errorf("kernel %s: empty block %dx%d", label, rows, cols)
	}
	buf, err := exec.Memory().Allocate(label, rows*cols)
	if err != nil {
		return nil, fmt.Errorf("kernel %s: %w", label, err)
	}
	if err := ComputeInto(exec, buf.Data, opts, a, b); err != nil {
		buf.Release()
		return nil, fmt.Errorf("kernel %s: %w", label, err)
	}
	return &Block{Dense: mat.NewDense(rows, cols, buf.Data), buf: buf}, nil
}

// ComputeInto writes the kernel block row-major into dst, which must hold
// at least len(a) * len(b) values. Rows are split into tasks run on a
// bounded pool; each entry is computed independently, so the result does
// not depend on the worker count.
func ComputeInto(exec Executor, dst []float64, opts KernelOptions, a, b Operand) error {
	_, da := a.X.Dims()
	_, db := b.X.Dims()
	if da != db {
		return fmt.Errorf("feature mismatch %d vs %d", da, db)
	}
	rows, cols := a.len(), b.len()
	if len(dst) < rows*cols {
		return fmt.Errorf("destination holds %d values, block needs %d", len(dst), rows*cols)
	}
	if rows == 0 || cols == 0 {
		return nil
	}

	fill := func(start, end int) {
		for i := start; i < end; i++ {
			ri := a.row(i)
			u := a.X.RawRowView(ri)
			nu := 0.0
			if a.Norms != nil {
				nu = a.Norms[ri]
			}
			wa := 1.0
			if a.Weights != nil {
				wa = a.Weights[ri]
			}
			out := dst[i*cols : (i+1)*cols]
			for j := 0; j < cols; j++ {
				rj := b.row(j)
				v := b.X.RawRowView(rj)
				var k float64
				if a.Norms != nil && b.Norms != nil {
					k = opts.FromDot(floats.Dot(u, v), nu, b.Norms[rj])
				} else {
					k = opts.Eval(u, v)
				}
				if b.Weights != nil {
					k *= b.Weights[rj]
				}
				out[j] = wa * k
			}
		}
	}

	workers := exec.Workers()
	if workers <= 1 || rows <= rowsPerTask {
		fill(0, rows)
		return nil
	}
	p := pool.New().WithMaxGoroutines(workers)
	for start := 0; start < rows; start += rowsPerTask {
		end := start + rowsPerTask
		if end > rows {
			end = rows
		}
		p.Go(func() {
			fill(start, end)
		})
	}
	p.Wait()
	return nil
}

// Gather copies the selected rows of x into a new matrix. rows must not
// be empty.
func Gather(x *mat.Dense, rows []int) *mat.Dense {
	_, d := x.Dims()
	out := mat.NewDense(len(rows), d, nil)
	for i, r := range rows {
		out.SetRow(i, x.RawRowView(r))
	}
	return out
}
