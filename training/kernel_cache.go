package training

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	svmerrors "github.com/tsawler/go-spsvm/errors"
	"github.com/tsawler/go-spsvm/memory"
	"github.com/tsawler/go-spsvm/optimizer"
	"github.com/tsawler/go-spsvm/tensor"
)

// KernelInputs are the arrays every kernel evaluation reads. In
// accelerated mode they point at the device copies.
type KernelInputs struct {
	X      *mat.Dense
	Norms  []float64
	Y      []float64
	Kernel tensor.KernelOptions
}

// Inputs returns the problem's host arrays.
func (p *Problem) Inputs() KernelInputs {
	return KernelInputs{X: p.X, Norms: p.Norms, Y: p.Y, Kernel: p.Kernel}
}

const (
	cacheLabel  = "kernel-cache"
	extendLabel = "kernel-extend"

	// extendChunk is the number of basis columns evaluated per block.
	extendChunk = 64
)

// KernelCache holds the label-weighted kernel between every training
// point and the basis:
//
//	K[i][0]   = y_i
//	K[i][1+j] = y_i y_{S_j} k(x_i, x_{S_j})
//
// Storage is allocated once for the largest basis the run can reach.
// A disabled cache keeps no storage and recomputes rows on demand.
type KernelCache struct {
	log   *logrus.Entry
	exec  tensor.Executor
	alloc memory.Allocator
	in    KernelInputs

	n        int
	capacity int
	stride   int
	data     []float64
	buf      *memory.Buffer
	disabled bool

	basis []int
	cols  int
	evals atomic.Int64
	hess  *optimizer.Hessian
}

// NewKernelCache allocates a cache for up to capacity basis columns. If the
// allocation fails the capacity is halved and retried; the returned cache
// reports the capacity it got. Once the capacity cannot shrink further an
// OUT_OF_MEMORY error is returned. A disabled cache allocates nothing.
func NewKernelCache(rm *memory.ResourceManager, in KernelInputs, capacity int, disabled bool, log *logrus.Entry) (*KernelCache, error) {
	n := len(in.Y)
	if capacity < 1 {
		return nil, svmerrors.InvalidParameter("training.set_size", "cache capacity must be positive, got %d", capacity)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	kc := &KernelCache{
		log:      log.WithField("component", "kernel-cache"),
		exec:     rm,
		alloc:    rm,
		in:       in,
		n:        n,
		capacity: capacity,
		disabled: disabled,
		cols:     1,
	}
	if disabled {
		return kc, nil
	}

	buf, got, err := rm.Host().AllocateShrinking(memory.ShrinkRequest{
		Label:    cacheLabel,
		Capacity: capacity,
		Floor:    1,
		Elements: func(c int) int { return n * (c + 1) },
	}, kc.log)
	if err != nil {
		return nil, err
	}
	kc.capacity = got
	kc.stride = got + 1
	kc.buf = buf
	kc.data = buf.Data

	for i := 0; i < n; i++ {
		kc.data[i*kc.stride] = in.Y[i]
	}

	if rm.TransferOptional(memory.Array{Name: cacheLabel, Data: kc.data}) {
		if dev, ok := rm.Resident(cacheLabel); ok {
			kc.buf.Release()
			kc.buf = nil
			kc.data = dev
		}
	}
	return kc, nil
}

// Dims returns the number of rows and current columns.
func (kc *KernelCache) Dims() (int, int) {
	return kc.n, kc.cols
}

// Capacity returns the largest basis the cache can hold.
func (kc *KernelCache) Capacity() int {
	return kc.capacity
}

// Disabled reports whether rows are recomputed on demand.
func (kc *KernelCache) Disabled() bool {
	return kc.disabled
}

// Evaluations returns the number of kernel evaluations performed so far.
func (kc *KernelCache) Evaluations() int64 {
	return kc.evals.Load()
}

// Row returns row i. A cached row is a view into the cache and dst is
// ignored; otherwise the row is computed into dst, which must hold the
// current column count. Concurrent calls with distinct dst are safe.
func (kc *KernelCache) Row(i int, dst []float64) []float64 {
	if !kc.disabled {
		return kc.data[i*kc.stride : i*kc.stride+kc.cols]
	}
	dst = dst[:kc.cols]
	yi := kc.in.Y[i]
	dst[0] = yi
	u := kc.in.X.RawRowView(i)
	for j, b := range kc.basis {
		dot := floats.Dot(u, kc.in.X.RawRowView(b))
		dst[1+j] = yi * kc.in.Y[b] * kc.in.Kernel.FromDot(dot, kc.in.Norms[i], kc.in.Norms[b])
	}
	kc.evals.Add(int64(len(kc.basis)))
	return dst
}

// Extend appends one column per index in added and returns the number of
// kernel evaluations it took. Blocks that do not fit on the device are
// computed on the host; blocks that fail on the host are retried at half
// the width.
func (kc *KernelCache) Extend(added []int) (int64, error) {
	if len(added) == 0 {
		return 0, nil
	}
	if kc.cols-1+len(added) > kc.capacity {
		return 0, fmt.Errorf("kernel cache: %d columns requested, capacity %d", kc.cols-1+len(added), kc.capacity)
	}
	if kc.disabled {
		kc.basis = append(kc.basis, added...)
		kc.cols += len(added)
		return 0, nil
	}

	all := tensor.Operand{X: kc.in.X, Norms: kc.in.Norms, Weights: kc.in.Y}
	width := extendChunk
	var evals int64
	for done := 0; done < len(added); {
		buf, w, err := kc.alloc.AllocateShrinking(memory.ShrinkRequest{
			Label:    extendLabel,
			Capacity: min(width, len(added)-done),
			Floor:    1,
			Elements: func(c int) int { return c * kc.n },
		}, kc.log)
		if err != nil {
			return evals, err
		}
		width = w
		chunk := added[done : done+w]
		err = tensor.ComputeInto(kc.exec, buf.Data, kc.in.Kernel,
			tensor.Operand{X: kc.in.X, Norms: kc.in.Norms, Rows: chunk, Weights: kc.in.Y}, all)
		if err != nil {
			buf.Release()
			return evals, err
		}

		for j := 0; j < w; j++ {
			col := kc.cols + j
			src := buf.Data[j*kc.n : (j+1)*kc.n]
			for i, v := range src {
				kc.data[i*kc.stride+col] = v
			}
		}
		buf.Release()

		kc.basis = append(kc.basis, chunk...)
		kc.cols += w
		evals += int64(w * kc.n)
		done += w
	}
	kc.evals.Add(evals)
	return evals, nil
}

// RowSum returns K_E' 1 over the current violator set, maintained by the
// bound Hessian as the set changes.
func (kc *KernelCache) RowSum() []float64 {
	if kc.hess == nil {
		return nil
	}
	return kc.hess.Ksum()
}

func (kc *KernelCache) bind(h *optimizer.Hessian) {
	kc.hess = h
}

// Release returns the cache storage.
func (kc *KernelCache) Release() {
	if kc.buf != nil {
		kc.buf.Release()
		kc.buf = nil
	}
	kc.data = nil
}

var _ optimizer.KernelRows = (*KernelCache)(nil)
