package training

import (
	"errors"
	"math"
	"testing"

	svmerrors "github.com/tsawler/go-spsvm/errors"
	"github.com/tsawler/go-spsvm/optimizer"
)

func checkCacheRows(t *testing.T, p *Problem, kc *KernelCache, basis []int) {
	t.Helper()
	n, cols := kc.Dims()
	if cols != len(basis)+1 {
		t.Fatalf("cols = %d, want %d", cols, len(basis)+1)
	}
	dst := make([]float64, cols)
	for i := 0; i < n; i++ {
		row := kc.Row(i, dst)
		if row[0] != p.Y[i] {
			t.Fatalf("K[%d][0] = %g, want label %g", i, row[0], p.Y[i])
		}
		for j, b := range basis {
			if want := weightedKernel(p, i, b); math.Abs(row[1+j]-want) > 1e-12 {
				t.Fatalf("K[%d][%d] = %g, want %g", i, 1+j, row[1+j], want)
			}
		}
	}
}

func TestKernelCacheExtend(t *testing.T) {
	for _, disabled := range []bool{false, true} {
		p := newTestProblem(t, 30, 3, testConfig())
		rm := hostResources()
		kc, err := NewKernelCache(rm, p.Inputs(), 5, disabled, nil)
		if err != nil {
			t.Fatalf("NewKernelCache() = %v", err)
		}
		if kc.Disabled() != disabled || kc.Capacity() != 5 {
			t.Errorf("Disabled() = %v, Capacity() = %d", kc.Disabled(), kc.Capacity())
		}

		if _, err := kc.Extend([]int{3, 7}); err != nil {
			t.Fatal(err)
		}
		if _, err := kc.Extend([]int{12, 0}); err != nil {
			t.Fatal(err)
		}
		checkCacheRows(t, p, kc, []int{3, 7, 12, 0})

		if _, err := kc.Extend([]int{1, 2}); err == nil {
			t.Error("extending past capacity should fail")
		}
		if kc.Evaluations() == 0 {
			t.Error("no kernel evaluations counted")
		}
		kc.Release()
	}
}

func TestKernelCacheCapacityHalving(t *testing.T) {
	p := newTestProblem(t, 30, 2, testConfig())
	rm := hostResources()
	rm.Host().SetFailureHook(func(label string, elements int) error {
		if label == cacheLabel && elements > 30*4 {
			return errors.New("device full")
		}
		return nil
	})

	kc, err := NewKernelCache(rm, p.Inputs(), 10, false, nil)
	if err != nil {
		t.Fatalf("NewKernelCache() = %v", err)
	}
	defer kc.Release()
	if kc.Capacity() != 2 {
		t.Errorf("Capacity() = %d, want 2 after halving 10 -> 5 -> 2", kc.Capacity())
	}
	if _, err := kc.Extend([]int{4, 9}); err != nil {
		t.Fatal(err)
	}
	checkCacheRows(t, p, kc, []int{4, 9})
}

func TestKernelCacheOutOfMemory(t *testing.T) {
	p := newTestProblem(t, 20, 2, testConfig())
	rm := hostResources()
	calls := 0
	rm.Host().SetFailureHook(func(label string, elements int) error {
		if label == cacheLabel {
			calls++
			return errors.New("device full")
		}
		return nil
	})
	_, err := NewKernelCache(rm, p.Inputs(), 8, false, nil)
	if svmerrors.Code(err) != svmerrors.ErrOutOfMemory {
		t.Fatalf("err = %v, want %s", err, svmerrors.ErrOutOfMemory)
	}
	if calls != 4 {
		t.Errorf("attempts = %d, want 4 (8, 4, 2, 1)", calls)
	}
}

func TestKernelCacheNarrowsExtension(t *testing.T) {
	p := newTestProblem(t, 30, 2, testConfig())
	rm := hostResources()
	rm.Host().SetFailureHook(func(label string, elements int) error {
		if label == extendLabel && elements > 2*30 {
			return errors.New("block too large")
		}
		return nil
	})
	kc, err := NewKernelCache(rm, p.Inputs(), 8, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer kc.Release()

	basis := []int{1, 5, 11, 17, 29}
	evals, err := kc.Extend(basis)
	if err != nil {
		t.Fatalf("Extend() = %v", err)
	}
	if evals != int64(len(basis)*30) {
		t.Errorf("evals = %d, want %d", evals, len(basis)*30)
	}
	checkCacheRows(t, p, kc, basis)
}

func TestKernelCacheRowSum(t *testing.T) {
	p := newTestProblem(t, 12, 2, testConfig())
	kc, err := NewKernelCache(hostResources(), p.Inputs(), 3, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer kc.Release()
	if kc.RowSum() != nil {
		t.Error("RowSum() before binding a Hessian")
	}

	basis := []int{2, 6}
	if _, err := kc.Extend(basis); err != nil {
		t.Fatal(err)
	}
	h := optimizer.NewHessian(12, 1)
	kc.bind(h)
	out := make([]float64, 12)
	if _, err := h.Extend(kc, basis, out); err != nil {
		t.Fatal(err)
	}

	sum := kc.RowSum()
	for a := 0; a < 3; a++ {
		var want float64
		for i := 0; i < 12; i++ {
			want += kc.Row(i, nil)[a]
		}
		if math.Abs(sum[a]-want) > 1e-12 {
			t.Errorf("RowSum[%d] = %g, want %g", a, sum[a], want)
		}
	}
}
