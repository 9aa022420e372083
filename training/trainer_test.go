package training

import (
	"bytes"
	"errors"
	"io"
	"math"
	"reflect"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-spsvm/config"
	svmerrors "github.com/tsawler/go-spsvm/errors"
	"github.com/tsawler/go-spsvm/memory"
	"github.com/tsawler/go-spsvm/optimizer"
)

func quietTrainer(opts Options) *Trainer {
	l := logrus.New()
	l.SetOutput(io.Discard)
	opts.Logger = l
	return NewTrainer(opts)
}

func train(t *testing.T, p *Problem, opts Options) *Model {
	t.Helper()
	m, err := quietTrainer(opts).Train(p)
	if err != nil {
		t.Fatalf("Train() = %v", err)
	}
	return m
}

func sameModel(t *testing.T, a, b *Model) {
	t.Helper()
	if !reflect.DeepEqual(a.Indices, b.Indices) {
		t.Fatalf("indices differ:\n%v\n%v", a.Indices, b.Indices)
	}
	for j := range a.Coefficients {
		if math.Abs(a.Coefficients[j]-b.Coefficients[j]) > 1e-9 {
			t.Fatalf("coefficient %d: %g vs %g", j, a.Coefficients[j], b.Coefficients[j])
		}
	}
	if math.Abs(a.Bias-b.Bias) > 1e-9 {
		t.Errorf("bias %g vs %g", a.Bias, b.Bias)
	}
}

func TestTrainSeparableSmallDataset(t *testing.T) {
	x, y := blobs(100, 2, 2, 3)
	cfg := config.Default()
	cfg.Logging.Verbosity = 0
	cfg.Training.C = 10
	p, err := NewProblem(x, y, cfg)
	if err != nil {
		t.Fatal(err)
	}

	m := train(t, p, Options{})
	if m.Size() != 100 {
		t.Errorf("Size() = %d, want every point", m.Size())
	}
	if len(m.Trajectory) != 1 || m.Trajectory[0].Size != 100 {
		t.Fatalf("trajectory = %+v", m.Trajectory)
	}
	if m.Diagnostics.NonConverged != 0 {
		t.Errorf("NonConverged = %d", m.Diagnostics.NonConverged)
	}
	if e := m.Trajectory[0].Error; e != 0 {
		t.Errorf("training error = %g, want 0", e)
	}
	cm, err := m.Evaluate(x, y)
	if err != nil {
		t.Fatal(err)
	}
	if acc := cm.GetMetric(Accuracy); acc != 1 {
		t.Errorf("accuracy = %g, want 1", acc)
	}
	if _, err := uuid.Parse(m.RunID); err != nil {
		t.Errorf("RunID %q: %v", m.RunID, err)
	}
}

func TestTrainIsDeterministic(t *testing.T) {
	if testing.Short() {
		t.Skip("large dataset")
	}
	x, y := blobs(5000, 2, 1, 11)
	cfg := config.Default()
	cfg.Logging.Verbosity = 0
	cfg.Training.SetSize = 200
	p, err := NewProblem(x, y, cfg)
	if err != nil {
		t.Fatal(err)
	}

	a := train(t, p, Options{})
	b := train(t, p, Options{})
	if a.Size() != 200 {
		t.Errorf("Size() = %d, want 200", a.Size())
	}
	sameModel(t, a, b)
	if a.RunID == b.RunID {
		t.Error("runs share a run id")
	}

	// The first checkpoint is seeded with every tenth index.
	for i := 0; i < 100; i++ {
		if a.Indices[i] != ((i+1)*10)%5000 {
			t.Fatalf("seed index %d = %d", i, a.Indices[i])
		}
	}
}

func TestTrainCacheFailureHalvesCapacity(t *testing.T) {
	n := 400
	cfg := testConfig()
	cfg.Training.SetSize = 120
	p := newTestProblem(t, n, 2, cfg)

	hook := func(label string, elements int) error {
		if label == cacheLabel && elements == n*(120+1) {
			return errors.New("injected cache failure")
		}
		return nil
	}
	reduced := train(t, p, Options{HostFailureHook: hook})
	if reduced.Diagnostics.CacheCapacity != 60 {
		t.Fatalf("CacheCapacity = %d, want 60", reduced.Diagnostics.CacheCapacity)
	}
	if reduced.Size() != 60 {
		t.Errorf("Size() = %d, want 60", reduced.Size())
	}

	// A halved cache lowers the maximum basis size, so the run it must
	// reproduce is an unconstrained one configured with the halved set
	// size.
	cfg.Training.SetSize = 60
	direct := train(t, newTestProblem(t, n, 2, cfg), Options{})
	sameModel(t, reduced, direct)
	if !reflect.DeepEqual(reduced.Diagnostics.Schedule, direct.Diagnostics.Schedule) {
		t.Errorf("schedules differ: %v vs %v", reduced.Diagnostics.Schedule, direct.Diagnostics.Schedule)
	}
}

func TestTrainCacheExhaustedIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.Training.SetSize = 40
	p := newTestProblem(t, 100, 2, cfg)
	hook := func(label string, elements int) error {
		if label == cacheLabel {
			return errors.New("no memory at all")
		}
		return nil
	}
	_, err := quietTrainer(Options{HostFailureHook: hook}).Train(p)
	if svmerrors.Code(err) != svmerrors.ErrOutOfMemory {
		t.Errorf("err = %v, want %s", err, svmerrors.ErrOutOfMemory)
	}
}

func TestTrainAcceleratorFallback(t *testing.T) {
	cfg := testConfig()
	cfg.Training.SetSize = 60
	p := newTestProblem(t, 400, 2, cfg)
	host := train(t, p, Options{})
	if host.Diagnostics.Mode != "host" {
		t.Fatalf("Mode = %s", host.Diagnostics.Mode)
	}

	gpu := *cfg
	gpu.Device.UseGPU = true
	pg := newTestProblem(t, 400, 2, &gpu)

	t.Run("accelerated", func(t *testing.T) {
		dev := memory.NewVirtualDevice("test", 2, 2, 0)
		m := train(t, pg, Options{Accelerator: dev})
		if m.Diagnostics.Mode != "accelerated" || m.Diagnostics.HostFallbacks != 0 {
			t.Errorf("diagnostics = %+v", m.Diagnostics)
		}
		sameModel(t, m, host)
	})

	t.Run("upload failure", func(t *testing.T) {
		dev := memory.NewVirtualDevice("test", 1, 2, 0)
		dev.SetUploadHook(func(label string) error {
			if label == "norms" {
				return errors.New("injected upload failure")
			}
			return nil
		})
		m := train(t, pg, Options{Accelerator: dev})
		if m.Diagnostics.Mode != "host" || m.Diagnostics.HostFallbacks != 1 {
			t.Errorf("diagnostics = %+v", m.Diagnostics)
		}
		sameModel(t, m, host)
	})

	t.Run("small device memory", func(t *testing.T) {
		// The inputs fit in 64 KiB but the cache and the wider working
		// blocks do not, so those land on the host mid-run.
		dev := memory.NewVirtualDevice("test", 1, 2, 64<<10)
		m := train(t, pg, Options{Accelerator: dev})
		if m.Diagnostics.Mode != "accelerated" || m.Diagnostics.HostFallbacks != 0 {
			t.Errorf("diagnostics = %+v", m.Diagnostics)
		}
		if dev.Memory().Stats().Failures == 0 {
			t.Error("expected device allocations to fail")
		}
		sameModel(t, m, host)
	})
}

// divergingSolver runs Newton but reports a NaN objective from the
// second solve on.
type divergingSolver struct {
	*optimizer.Newton
	calls int
}

func (s *divergingSolver) Solve(h *optimizer.Hessian, rows optimizer.KernelRows, basis []int, w, out []float64) (optimizer.Result, error) {
	res, err := s.Newton.Solve(h, rows, basis, w, out)
	s.calls++
	if s.calls > 1 {
		res.Objective = math.NaN()
	}
	return res, err
}

func TestTrainKeepsCoefficientsWhenSolveDiverges(t *testing.T) {
	cfg := testConfig()
	cfg.Training.SetSize = 120
	cfg.Stopping.Policy = config.PolicyFixed
	p := newTestProblem(t, 400, 2, cfg)
	solver := &divergingSolver{Newton: optimizer.NewNewton(optimizer.NewtonConfig{C: p.C, MaxIter: cfg.Training.MaxIter})}
	m := train(t, p, Options{Solver: solver})

	if len(m.Trajectory) < 2 {
		t.Fatalf("trajectory has %d checkpoints, want at least 2", len(m.Trajectory))
	}
	if m.Diagnostics.NonConverged != len(m.Trajectory)-1 {
		t.Errorf("NonConverged = %d, want %d", m.Diagnostics.NonConverged, len(m.Trajectory)-1)
	}
	if !m.Trajectory[0].Converged {
		t.Error("first checkpoint should have converged")
	}
	first := m.Trajectory[0]
	for _, c := range m.Trajectory[1:] {
		if c.Converged {
			t.Errorf("checkpoint %d marked converged", c.Index)
		}
		if c.Bias != first.Bias {
			t.Errorf("checkpoint %d bias %g, want %g", c.Index, c.Bias, first.Bias)
		}
		for j, beta := range c.Coefficients {
			want := 0.0
			if j < len(first.Coefficients) {
				want = first.Coefficients[j]
			}
			if beta != want {
				t.Errorf("checkpoint %d coefficient %d = %g, want %g", c.Index, j, beta, want)
				break
			}
		}
	}
}

func TestTrainWithoutCache(t *testing.T) {
	cfg := testConfig()
	cfg.Training.SetSize = 60
	cached := train(t, newTestProblem(t, 300, 3, cfg), Options{})

	cfg.Training.CacheColumns = 20
	m := train(t, newTestProblem(t, 300, 3, cfg), Options{})
	if !m.Diagnostics.CacheDisabled {
		t.Error("cache should be disabled")
	}
	sameModel(t, m, cached)
}

func TestTrainTrajectory(t *testing.T) {
	for _, policy := range []string{config.PolicyFixed, config.PolicyAdaptive} {
		t.Run(policy, func(t *testing.T) {
			cfg := testConfig()
			cfg.Training.SetSize = 200
			cfg.Stopping.Policy = policy
			p := newTestProblem(t, 500, 2, cfg)
			m := train(t, p, Options{})

			if len(m.Trajectory) == 0 {
				t.Fatal("empty trajectory")
			}
			prev := 0
			for i, c := range m.Trajectory {
				if c.Index != i {
					t.Errorf("checkpoint %d has index %d", i, c.Index)
				}
				if c.Size <= prev || c.Size > 200 {
					t.Errorf("checkpoint %d size %d after %d", i, c.Size, prev)
				}
				if c.Size != m.Diagnostics.Schedule[i] {
					t.Errorf("checkpoint %d size %d, schedule %v", i, c.Size, m.Diagnostics.Schedule)
				}
				if len(c.Coefficients) != c.Size {
					t.Errorf("checkpoint %d has %d coefficients", i, len(c.Coefficients))
				}
				if c.Error < 0 || c.Error > 1 {
					t.Errorf("checkpoint %d error %g", i, c.Error)
				}
				if c.Work <= 0 || c.Cost <= 0 {
					t.Errorf("checkpoint %d work %g cost %g", i, c.Work, c.Cost)
				}
				prev = c.Size
			}
			last := m.Trajectory[len(m.Trajectory)-1]
			if last.Size != m.Size() || last.Bias != m.Bias {
				t.Errorf("model does not match the last checkpoint")
			}
			if m.Diagnostics.KernelEvaluations == 0 {
				t.Error("no kernel evaluations recorded")
			}
		})
	}
}

func TestTrainProgress(t *testing.T) {
	cfg := testConfig()
	cfg.Training.SetSize = 20
	cfg.Logging.Progress = true
	var buf bytes.Buffer
	train(t, newTestProblem(t, 100, 2, cfg), Options{Progress: &buf})
	if buf.Len() == 0 {
		t.Error("no progress output")
	}
}

func TestTrainNilProblem(t *testing.T) {
	if _, err := quietTrainer(Options{}).Train(nil); err == nil {
		t.Error("expected an error")
	}
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		verbosity int
		want      logrus.Level
	}{
		{-1, logrus.WarnLevel},
		{0, logrus.WarnLevel},
		{1, logrus.InfoLevel},
		{2, logrus.DebugLevel},
		{3, logrus.TraceLevel},
		{7, logrus.TraceLevel},
	}
	for _, tt := range tests {
		if got := LogLevel(tt.verbosity); got != tt.want {
			t.Errorf("LogLevel(%d) = %v, want %v", tt.verbosity, got, tt.want)
		}
	}
}
