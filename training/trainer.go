package training

import (
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-spsvm/config"
	svmerrors "github.com/tsawler/go-spsvm/errors"
	"github.com/tsawler/go-spsvm/memory"
	"github.com/tsawler/go-spsvm/optimizer"
	"github.com/tsawler/go-spsvm/tensor"
)

// Options configures a Trainer beyond the problem's run options.
type Options struct {
	// Accelerator is used when device.use_gpu is set. Nil means a
	// VirtualDevice sized from the device options.
	Accelerator memory.Accelerator
	// Logger receives run logs. Nil means stderr at the configured
	// verbosity.
	Logger *logrus.Logger
	// Progress receives the progress bar when logging.progress is set.
	Progress io.Writer
	// HostFailureHook is installed on the host memory manager before any
	// allocation.
	HostFailureHook memory.FailureHook
	// Solver retrains the coefficients at each checkpoint. Nil means a
	// Newton solver configured from training.c and training.max_iter.
	Solver optimizer.Solver
}

// Trainer runs the incremental training loop.
type Trainer struct {
	opts Options
}

// NewTrainer creates a Trainer
func NewTrainer(opts Options) *Trainer {
	return &Trainer{opts: opts}
}

// LogLevel maps a verbosity to a logrus level: 0 warn, 1 info, 2 debug,
// 3 and above trace.
func LogLevel(verbosity int) logrus.Level {
	switch {
	case verbosity <= 0:
		return logrus.WarnLevel
	case verbosity == 1:
		return logrus.InfoLevel
	case verbosity == 2:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

func (t *Trainer) logger(cfg config.Config) *logrus.Logger {
	if t.opts.Logger != nil {
		return t.opts.Logger
	}
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(LogLevel(cfg.Logging.Verbosity))
	return l
}

// run holds the state of one Train call. Everything in it is owned by the
// training loop.
type run struct {
	p     *Problem
	cfg   config.Config
	log   *logrus.Entry
	rm    *memory.ResourceManager
	in    KernelInputs
	n     int
	limit int
	small bool

	active *ActiveSet
	cache  *KernelCache
	hess   *optimizer.Hessian
	solver optimizer.Solver
	gen    *CandidateGenerator
	sel    *PointSelector
	sched  *Schedule
	stop   *StoppingController
	traj   Trajectory

	w   []float64
	out []float64

	start    time.Time
	diag     Diagnostics
	progress *ProgressBar
}

// Train grows the basis checkpoint by checkpoint until the schedule is
// exhausted or the stopping controller halts. Configuration, data and
// unrecoverable allocation failures are returned as errors; accelerator
// failures and solver non-convergence are not.
func (t *Trainer) Train(p *Problem) (*Model, error) {
	if p == nil {
		return nil, svmerrors.Data(svmerrors.ErrEmptyDataset, "nil problem")
	}
	cfg := p.Config
	id := uuid.New().String()
	log := logrus.NewEntry(t.logger(cfg)).WithField("run_id", id)

	r := &run{
		p:      p,
		cfg:    cfg,
		log:    log.WithField("component", "trainer"),
		n:      p.Len(),
		active: NewActiveSet(p.Len()),
		start:  time.Now(),
	}

	r.rm = memory.NewResourceManager(memory.ResourceOptions{
		UseAccelerator: cfg.Device.UseGPU,
		MaxDevices:     cfg.Device.MaxGPUs,
		HostWorkers:    cfg.Device.Workers,
		HostLimitBytes: megabytes(cfg.Training.MemoryLimitMB),
	}, t.accelerator(cfg), log)
	defer r.rm.Close()
	if t.opts.HostFailureHook != nil {
		r.rm.Host().SetFailureHook(t.opts.HostFailureHook)
	}
	r.in = r.placeInputs()

	r.solver = t.opts.Solver
	if err := r.setup(); err != nil {
		return nil, err
	}
	defer r.cache.Release()
	defer r.gen.Release()

	if t.opts.Progress != nil && cfg.Logging.Progress {
		r.progress = NewProgressBar(t.opts.Progress, "Basis", r.limit)
	}

	r.log.WithFields(logrus.Fields{
		"points":   r.n,
		"features": p.Features(),
		"kernel":   p.Kernel.Type.String(),
		"gamma":    p.Kernel.Gamma,
		"c":        p.C,
		"set_size": r.limit,
		"mode":     r.rm.Mode().String(),
		"policy":   r.stop.Policy().Name(),
	}).Info("Starting training")

	if err := r.loop(); err != nil {
		return nil, err
	}
	if r.progress != nil {
		r.progress.Finish()
	}

	m, err := r.model(id)
	if err != nil {
		return nil, err
	}
	r.log.WithFields(logrus.Fields{
		"support_vectors": m.Size(),
		"checkpoints":     len(m.Trajectory),
		"elapsed":         m.Diagnostics.Elapsed.String(),
	}).Info("Training complete")
	return m, nil
}

func (t *Trainer) accelerator(cfg config.Config) memory.Accelerator {
	if !cfg.Device.UseGPU {
		return nil
	}
	if t.opts.Accelerator != nil {
		return t.opts.Accelerator
	}
	devices := max(cfg.Device.MaxGPUs, 1)
	return memory.NewVirtualDevice("virtual", devices, max(cfg.Device.Workers, 1), megabytes(cfg.Device.DeviceMemoryMB))
}

func megabytes(mb float64) int64 {
	return int64(mb * (1 << 20))
}

// placeInputs moves the arrays every kernel evaluation reads to the
// accelerator. If any of them does not fit, all are kept on the host.
func (r *run) placeInputs() KernelInputs {
	in := r.p.Inputs()
	if r.rm.Mode() != memory.Accelerated {
		return in
	}
	n, d := in.X.Dims()
	x := in.X
	if x.RawMatrix().Stride != d {
		x = mat.DenseCopyOf(x)
	}
	ok := r.rm.TransferAll(
		memory.Array{Name: "x", Data: x.RawMatrix().Data[:n*d]},
		memory.Array{Name: "y", Data: in.Y},
		memory.Array{Name: "norms", Data: in.Norms},
	)
	if !ok {
		return in
	}
	xd, _ := r.rm.Resident("x")
	yd, _ := r.rm.Resident("y")
	nd, _ := r.rm.Resident("norms")
	return KernelInputs{X: mat.NewDense(n, d, xd), Y: yd, Norms: nd, Kernel: in.Kernel}
}

// setup sizes the cache, the schedule and the collaborators.
func (r *run) setup() error {
	tc := r.cfg.Training
	r.small = r.n < tc.SmallDatasetThreshold
	r.limit = min(tc.SetSize, r.n)
	if r.small {
		r.limit = r.n
	}

	disabled := tc.SmallKernel
	if tc.CacheColumns > 0 && tc.CacheColumns < r.limit {
		r.log.WithFields(logrus.Fields{
			"cache_columns": tc.CacheColumns,
			"set_size":      r.limit,
		}).Warn("Kernel cache too small for the basis, recomputing rows on demand")
		disabled = true
	}
	cache, err := NewKernelCache(r.rm, r.in, r.limit, disabled, r.log)
	if err != nil {
		return err
	}
	r.cache = cache
	if cache.Capacity() < r.limit {
		r.log.WithFields(logrus.Fields{
			"requested": r.limit,
			"capacity":  cache.Capacity(),
		}).Warn("Kernel cache reduced, lowering the maximum basis size")
		r.limit = cache.Capacity()
		r.small = false
	}

	if r.small {
		r.sched = SingleCheckpoint(r.n)
	} else {
		r.sched, err = NewSchedule(min(tc.StartSize, r.limit), r.limit, tc.MaxNewBasis)
		if err != nil {
			return svmerrors.InvalidParameter("training.max_new_basis", "%v", err)
		}
	}

	r.hess = optimizer.NewHessian(r.n, r.p.C)
	r.cache.bind(r.hess)
	if r.solver == nil {
		r.solver = optimizer.NewNewton(optimizer.NewtonConfig{C: r.p.C, MaxIter: tc.MaxIter})
	}
	r.gen = NewCandidateGenerator(r.rm, r.rm, r.in, tc.CandidatesPerPoint, tc.MaxCandidateBatch, r.log)
	r.sel = NewPointSelector(r.gen, r.in, r.p.C, tc.SubBatchSize, tc.Randomize, tc.Seed, r.rm.Workers())
	r.stop = NewStoppingController(r.cfg.Stopping, r.limit)
	r.w = []float64{0}
	r.out = make([]float64, r.n)
	return nil
}

func (r *run) evaluations() int64 {
	return r.cache.Evaluations() + r.gen.Evaluations()
}

func (r *run) loop() error {
	for {
		target, ok := r.sched.Next()
		if !ok {
			return nil
		}
		cpStart := time.Now()
		evalsBefore := r.evaluations()

		if err := r.grow(target); err != nil {
			return err
		}

		basis := r.active.Indices()
		_, cols := r.cache.Dims()
		added := r.active.Since(cols - 1)
		if _, err := r.cache.Extend(added); err != nil {
			return err
		}
		hessWork, err := r.hess.Extend(r.cache, basis, r.out)
		if err != nil {
			return svmerrors.New(svmerrors.ErrSolverFailed, svmerrors.CategorySolver, "extend hessian").WithCause(err)
		}
		r.w = append(r.w, make([]float64, len(added))...)

		prevW := append([]float64(nil), r.w...)
		prevOut := append([]float64(nil), r.out...)
		res, err := r.solver.Solve(r.hess, r.cache, basis, r.w, r.out)
		if err != nil {
			return svmerrors.New(svmerrors.ErrSolverFailed, svmerrors.CategorySolver, "newton solve").WithCause(err)
		}
		converged := !(res.Objective < 0 || math.IsNaN(res.Objective))
		if !converged {
			r.diag.NonConverged++
			r.log.WithFields(logrus.Fields{
				"size":      len(basis),
				"objective": res.Objective,
			}).Warn("Newton retraining did not converge, keeping previous coefficients")
			copy(r.w, prevW)
			copy(r.out, prevOut)
			r.hess.Sync(r.cache, r.out)
		}

		work := float64(r.evaluations()-evalsBefore) + hessWork + res.Work
		cost := work
		if r.cfg.Stopping.CostMeasure == config.CostTime {
			cost = time.Since(cpStart).Seconds()
		}
		r.traj.Append(Checkpoint{
			Size:         len(basis),
			Error:        TrainingError(r.out),
			Elapsed:      time.Since(r.start),
			Work:         work,
			Cost:         cost,
			Objective:    res.Objective,
			Converged:    converged,
			Iterations:   res.Iterations,
			Violators:    r.hess.Violators(),
			Bias:         r.w[0],
			Coefficients: append([]float64(nil), r.w[1:]...),
		})
		r.sched.Advance()

		d := r.stop.Decide(&r.traj)
		r.traj.setStopValue(d.StopValue)
		last, _ := r.traj.Last()
		r.log.WithFields(logrus.Fields{
			"size":       last.Size,
			"error":      last.Error,
			"objective":  last.Objective,
			"iterations": last.Iterations,
			"violators":  last.Violators,
			"stop_value": d.StopValue,
			"elapsed":    last.Elapsed.String(),
		}).Info("Checkpoint")
		if r.progress != nil {
			r.progress.Update(last.Size, map[string]float64{"error": last.Error})
		}

		if d.Next > 0 {
			next := r.sched.Revise(d.Next)
			r.log.WithFields(logrus.Fields{
				"next":        next,
				"predicted":   d.Predicted,
				"probability": d.Probability,
			}).Debug("Checkpoint schedule revised")
		}
		if d.Halt {
			r.diag.Halted = true
			r.log.WithField("size", last.Size).Info("Stopping controller halted training")
			return nil
		}
	}
}

// grow adds basis points until the active set reaches target.
func (r *run) grow(target int) error {
	if r.active.Len() >= target {
		return nil
	}

	if r.small {
		for i := 0; i < r.n; i++ {
			if !r.active.Contains(i) {
				if err := r.active.Add(i); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if r.cfg.Training.StartSize > 0 && r.active.Len() == 0 {
		return r.seed(target)
	}

	violators := make([]int, 0, r.n)
	for i, o := range r.out {
		if o < 1 {
			violators = append(violators, i)
		}
	}
	if !r.cfg.Training.Randomize {
		halvings := r.gen.Halvings()
		if err := r.gen.Reserve(violators); err != nil {
			return err
		}
		if r.gen.Halvings() > halvings {
			r.log.WithField("max_cand_batch", r.gen.MaxBatch()).Warn("Candidate kernel reduced")
		}
		defer r.gen.Release()
	}
	r.sel.Reset(violators, r.out)

	for r.active.Len() < target {
		idx, err := r.sel.Next(SelectionState{
			Active:    r.active,
			Out:       r.out,
			Bias:      r.w[0],
			Remaining: target - r.active.Len(),
		})
		if err != nil {
			return err
		}
		if err := r.active.Add(idx); err != nil {
			return err
		}
		r.log.WithField("index", idx).Trace("Basis point added")
	}
	return nil
}

// seed fills the first checkpoint with the stride-10 indices (10i) mod n,
// falling back to the first free index on collisions.
func (r *run) seed(size int) error {
	for i := 1; i <= size; i++ {
		idx := (i * 10) % r.n
		if r.active.Contains(idx) {
			idx = r.active.FirstFree()
		}
		if idx < 0 {
			return svmerrors.Data(svmerrors.ErrNoCandidates, "no free index to seed the basis")
		}
		if err := r.active.Add(idx); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) model(id string) (*Model, error) {
	idx := append([]int(nil), r.active.Indices()...)
	if len(idx) == 0 {
		return nil, svmerrors.Data(svmerrors.ErrNoCandidates, "training selected no basis points")
	}
	labels := make([]float64, len(idx))
	for j, i := range idx {
		labels[j] = r.p.Y[i]
	}
	m, err := NewModel(r.p.Kernel, tensor.Gather(r.p.X, idx), labels, append([]float64(nil), r.w[1:]...), r.w[0])
	if err != nil {
		return nil, err
	}
	m.RunID = id
	m.C = r.p.C
	m.Indices = idx
	m.Trajectory = append([]Checkpoint(nil), r.traj.Records()...)

	r.diag.Mode = r.rm.Mode().String()
	r.diag.HostFallbacks = r.rm.Fallbacks()
	r.diag.CacheCapacity = r.cache.Capacity()
	r.diag.CacheDisabled = r.cache.Disabled()
	r.diag.CandidateBatch = r.gen.MaxBatch()
	r.diag.CandidateHalvings = r.gen.Halvings()
	r.diag.SelectionFallbacks = r.sel.Fallbacks()
	r.diag.KernelEvaluations = r.evaluations()
	r.diag.Schedule = r.sched.Targets()
	r.diag.Elapsed = time.Since(r.start)
	m.Diagnostics = r.diag
	return m, nil
}

// String describes the run configuration.
func (d Diagnostics) String() string {
	return fmt.Sprintf("mode=%s cache=%d candidates=%d non_converged=%d halted=%t",
		d.Mode, d.CacheCapacity, d.CandidateBatch, d.NonConverged, d.Halted)
}
