package optimizer

// Solver computes basis coefficients for the current Hessian. Newton is
// the implementation used by the trainer; the interface lets tests and
// callers substitute their own.
type Solver interface {
	// Solve updates w and out in place and keeps h in sync with out.
	Solve(h *Hessian, rows KernelRows, basis []int, w, out []float64) (Result, error)

	// Objective evaluates the primal objective at w.
	Objective(rows KernelRows, basis []int, w, out []float64) float64
}

// SolverState captures the solver configuration for checkpointing
type SolverState struct {
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
}

// State returns the solver's checkpoint state.
func (nt *Newton) State() SolverState {
	return SolverState{
		Type: "newton",
		Parameters: map[string]interface{}{
			"c":        nt.config.C,
			"max_iter": nt.config.MaxIter,
		},
	}
}

var _ Solver = (*Newton)(nil)
