package training

import (
	"testing"

	svmerrors "github.com/tsawler/go-spsvm/errors"
)

// bruteScore evaluates the selection score of candidate j from scratch.
func bruteScore(p *Problem, j int, out []float64, bias float64) float64 {
	g := out[j] - p.Y[j]*bias
	h := p.Kernel.Eval(p.X.RawRowView(j), p.X.RawRowView(j))
	for i, o := range out {
		if o >= 1 {
			continue
		}
		c := weightedKernel(p, i, j)
		g += p.C * (o - 1) * c
		h += p.C * c * c
	}
	return g * g / (2 * h)
}

func selectionFixture(t *testing.T) (*Problem, *CandidateGenerator, []float64, []int) {
	t.Helper()
	cfg := testConfig()
	cfg.Training.C = 2
	p := newTestProblem(t, 40, 2, cfg)
	rm := hostResources()
	g := NewCandidateGenerator(rm, rm.Host(), p.Inputs(), 2, 100, nil)

	out := make([]float64, 40)
	var violators []int
	for i := range out {
		out[i] = 0.15 * float64(i%13)
		if out[i] < 1 {
			violators = append(violators, i)
		}
	}
	if err := g.Reserve(violators); err != nil {
		t.Fatal(err)
	}
	return p, g, out, violators
}

func TestPointSelectorPicksHighestScore(t *testing.T) {
	p, g, out, violators := selectionFixture(t)
	defer g.Release()

	for _, workers := range []int{1, 4} {
		active := NewActiveSet(40)
		for _, i := range []int{30, 31, 32} {
			if err := active.Add(i); err != nil {
				t.Fatal(err)
			}
		}
		sel := NewPointSelector(g, p.Inputs(), p.C, 10, false, 1, workers)
		sel.Reset(violators, out)
		st := SelectionState{Active: active, Out: out, Bias: 0.3, Remaining: 5}

		// Batch for 3 selected points with 5 to go: indices 6..15.
		want, best := -1, -1.0
		for j := 6; j <= 15; j++ {
			if s := bruteScore(p, j, out, 0.3); s > best {
				want, best = j, s
			}
		}
		got, err := sel.Next(st)
		if err != nil {
			t.Fatalf("Next() = %v", err)
		}
		if got != want {
			t.Errorf("workers %d: Next() = %d, want %d", workers, got, want)
		}
	}
}

func TestPointSelectorConsumesSubBatches(t *testing.T) {
	p, g, out, violators := selectionFixture(t)
	defer g.Release()

	active := NewActiveSet(40)
	sel := NewPointSelector(g, p.Inputs(), p.C, 3, false, 1, 1)
	sel.Reset(violators, out)
	// 0 selected, 2 remaining: batch 0..3 split into [0 1 2] and [3].
	st := SelectionState{Active: active, Out: out, Bias: 0, Remaining: 2}

	first, err := sel.Next(st)
	if err != nil {
		t.Fatal(err)
	}
	if first < 0 || first > 2 {
		t.Errorf("first pick %d outside the first sub-batch", first)
	}
	if err := active.Add(first); err != nil {
		t.Fatal(err)
	}
	st.Remaining = 1
	second, err := sel.Next(st)
	if err != nil {
		t.Fatal(err)
	}
	if second != 3 {
		t.Errorf("second pick = %d, want the tail candidate 3", second)
	}
}

func TestPointSelectorRandomizedIsSeeded(t *testing.T) {
	p := newTestProblem(t, 200, 2, testConfig())
	rm := hostResources()
	g := NewCandidateGenerator(rm, rm.Host(), p.Inputs(), 10, 100, nil)

	run := func(seed int64) []int {
		active := NewActiveSet(200)
		sel := NewPointSelector(g, p.Inputs(), p.C, 10, true, seed, 1)
		sel.Reset(nil, make([]float64, 200))
		var picks []int
		for active.Len() < 15 {
			idx, err := sel.Next(SelectionState{Active: active, Out: make([]float64, 200), Remaining: 15 - active.Len()})
			if err != nil {
				t.Fatal(err)
			}
			if err := active.Add(idx); err != nil {
				t.Fatal(err)
			}
			picks = append(picks, idx)
		}
		return picks
	}

	a, b := run(42), run(42)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed gave different picks: %v vs %v", a, b)
		}
	}
}

func TestPointSelectorFallsBackToFirstFree(t *testing.T) {
	p := newTestProblem(t, 20, 2, testConfig())
	rm := hostResources()
	g := NewCandidateGenerator(rm, rm.Host(), p.Inputs(), 1, 10, nil)
	sel := NewPointSelector(g, p.Inputs(), p.C, 10, true, 1, 1)

	active := NewActiveSet(20)
	for _, i := range []int{3, 4, 5} {
		if err := active.Add(i); err != nil {
			t.Fatal(err)
		}
	}
	// 3 selected, 1 remaining: the batch is the single index 3.
	got, err := sel.Next(SelectionState{Active: active, Out: make([]float64, 20), Remaining: 1})
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Errorf("Next() = %d, want first free index 0", got)
	}
	if sel.Fallbacks() != 1 {
		t.Errorf("Fallbacks() = %d, want 1", sel.Fallbacks())
	}
}

func TestPointSelectorEmptyBatch(t *testing.T) {
	p := newTestProblem(t, 10, 2, testConfig())
	rm := hostResources()
	g := NewCandidateGenerator(rm, rm.Host(), p.Inputs(), 1, 10, nil)
	sel := NewPointSelector(g, p.Inputs(), p.C, 10, true, 1, 1)
	_, err := sel.Next(SelectionState{Active: NewActiveSet(10), Out: make([]float64, 10), Remaining: 0})
	if svmerrors.Code(err) != svmerrors.ErrNoCandidates {
		t.Errorf("err = %v, want %s", err, svmerrors.ErrNoCandidates)
	}
}
