package training

import (
	"math"

	"github.com/tsawler/go-spsvm/config"
	"github.com/tsawler/go-spsvm/surrogate"
)

// Decision is the stopping controller's advice after a checkpoint.
type Decision struct {
	Halt bool
	// Next is the revised upcoming checkpoint, 0 to keep the schedule.
	Next int
	// StopValue is the error improvement per added basis point.
	StopValue float64
	// Predicted and Probability describe the surrogate's forecast at
	// Next; they are NaN when no forecast was made.
	Predicted   float64
	Probability float64
}

// StoppingPolicy decides after each checkpoint whether to continue and
// where the next checkpoint should be. Policies only read the trajectory.
type StoppingPolicy interface {
	Decide(traj *Trajectory, limit int) Decision
	Name() string
}

// NewStoppingPolicy returns the policy named by cfg.Policy.
func NewStoppingPolicy(cfg config.StoppingConfig) StoppingPolicy {
	if cfg.Policy == config.PolicyFixed {
		return NewFixedStopping(cfg.Criterion, cfg.StopIters)
	}
	return NewAdaptiveStopping(cfg)
}

// stopValue returns -(e_k - e_{k-1}) / (s_k - s_{k-1}) for the last two
// checkpoints, or +Inf when there are fewer than two.
func stopValue(recs []Checkpoint) float64 {
	if len(recs) < 2 {
		return math.Inf(1)
	}
	last, prev := recs[len(recs)-1], recs[len(recs)-2]
	ds := last.Size - prev.Size
	if ds == 0 {
		return math.Inf(1)
	}
	return -(last.Error - prev.Error) / float64(ds)
}

// FixedStopping halts once the error improvement per added point stays
// below a criterion for a number of consecutive checkpoints. It never
// revises the schedule.
type FixedStopping struct {
	criterion float64
	patience  int
	count     int
}

// NewFixedStopping creates the fixed policy.
func NewFixedStopping(criterion float64, patience int) *FixedStopping {
	if patience < 1 {
		patience = 1
	}
	return &FixedStopping{criterion: criterion, patience: patience}
}

// Decide implements StoppingPolicy.
func (f *FixedStopping) Decide(traj *Trajectory, limit int) Decision {
	recs := traj.Records()
	d := Decision{StopValue: stopValue(recs), Predicted: math.NaN(), Probability: math.NaN()}
	if len(recs) == 0 {
		return d
	}
	if d.StopValue >= 0 && d.StopValue < f.criterion && recs[len(recs)-1].Size > 10 {
		f.count++
		d.Halt = f.count >= f.patience
	} else {
		f.count = 0
	}
	return d
}

// Name implements StoppingPolicy.
func (f *FixedStopping) Name() string {
	return config.PolicyFixed
}

// AdaptiveStopping refits a surrogate of error and cost against basis size
// at every checkpoint and moves the next checkpoint to the smallest size
// expected to improve the error by the threshold with the required
// confidence. It halts when that size reaches the cap.
type AdaptiveStopping struct {
	model      *surrogate.Model
	threshold  float64
	confidence float64
	budget     float64
	minSize    int
}

// NewAdaptiveStopping creates the surrogate-driven policy.
func NewAdaptiveStopping(cfg config.StoppingConfig) *AdaptiveStopping {
	return &AdaptiveStopping{
		model:      surrogate.New(),
		threshold:  cfg.ErrorThreshold,
		confidence: cfg.Confidence,
		budget:     cfg.CostBudget,
		minSize:    cfg.MinAdaptiveSize,
	}
}

// Model returns the surrogate, fitted after the first forecast.
func (a *AdaptiveStopping) Model() *surrogate.Model {
	return a.model
}

// Decide implements StoppingPolicy.
func (a *AdaptiveStopping) Decide(traj *Trajectory, limit int) Decision {
	recs := traj.Records()
	d := Decision{StopValue: stopValue(recs), Predicted: math.NaN(), Probability: math.NaN()}
	if len(recs) < 2 {
		return d
	}
	last := recs[len(recs)-1]
	if last.Size <= a.minSize || last.Size >= limit {
		return d
	}
	if err := a.model.Fit(traj.Samples()); err != nil {
		return d
	}

	step := a.model.CostSensitiveStep(surrogate.StepRequest{
		Current:        last.Size,
		Target:         limit,
		CurrentError:   last.Error,
		ErrorThreshold: a.threshold,
		Confidence:     a.confidence,
		CostBudget:     a.budget,
	})
	d.Next = min(step+1, limit)
	d.Predicted, _ = a.model.PredictConfidence(float64(d.Next))
	d.Probability = a.model.ImprovementProbability(float64(d.Next), last.Error-a.threshold)
	d.Halt = d.Next >= limit
	return d
}

// Name implements StoppingPolicy.
func (a *AdaptiveStopping) Name() string {
	return config.PolicyAdaptive
}

// StoppingController applies a policy against a fixed size cap.
type StoppingController struct {
	policy StoppingPolicy
	limit  int
}

// NewStoppingController creates a controller for the policy named in cfg.
func NewStoppingController(cfg config.StoppingConfig, limit int) *StoppingController {
	return &StoppingController{policy: NewStoppingPolicy(cfg), limit: limit}
}

// Decide returns the advice for the latest checkpoint in traj.
func (sc *StoppingController) Decide(traj *Trajectory) Decision {
	return sc.policy.Decide(traj, sc.limit)
}

// Policy returns the active policy.
func (sc *StoppingController) Policy() StoppingPolicy {
	return sc.policy
}
