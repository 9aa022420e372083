package training

import (
	"time"

	"github.com/tsawler/go-spsvm/surrogate"
)

// Checkpoint records the state of a run after one solve.
type Checkpoint struct {
	Index        int           `json:"index"`
	Size         int           `json:"size"`
	Error        float64       `json:"error"`
	Elapsed      time.Duration `json:"elapsed"` // since the start of the run
	Work         float64       `json:"work"`    // kernel evaluations and solver multiply-adds of this checkpoint
	Cost         float64       `json:"cost"`    // checkpoint cost in the configured measure
	Objective    float64       `json:"objective"`
	Converged    bool          `json:"converged"`
	Iterations   int           `json:"iterations"`
	Violators    int           `json:"violators"`
	StopValue    float64       `json:"stop_value"`
	Bias         float64       `json:"bias"`
	Coefficients []float64     `json:"coefficients"`
}

// Trajectory is the append-only history of checkpoints.
type Trajectory struct {
	records []Checkpoint
}

// Append adds a checkpoint and assigns its index.
func (t *Trajectory) Append(c Checkpoint) {
	c.Index = len(t.records)
	t.records = append(t.records, c)
}

// Len returns the number of checkpoints.
func (t *Trajectory) Len() int {
	return len(t.records)
}

// Records returns every checkpoint in order. The slice must not be
// modified.
func (t *Trajectory) Records() []Checkpoint {
	return t.records
}

// Last returns the latest checkpoint.
func (t *Trajectory) Last() (Checkpoint, bool) {
	if len(t.records) == 0 {
		return Checkpoint{}, false
	}
	return t.records[len(t.records)-1], true
}

// Samples converts the trajectory into surrogate samples. Each sample
// carries the cost accumulated up to and including its checkpoint, so the
// cost budget bounds the whole run.
func (t *Trajectory) Samples() []surrogate.Sample {
	out := make([]surrogate.Sample, len(t.records))
	total := 0.0
	for i, r := range t.records {
		total += r.Cost
		out[i] = surrogate.Sample{Size: float64(r.Size), Error: r.Error, Cost: total}
	}
	return out
}

func (t *Trajectory) setStopValue(v float64) {
	if len(t.records) > 0 {
		t.records[len(t.records)-1].StopValue = v
	}
}
