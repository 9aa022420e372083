package training

import (
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-spsvm/config"
	"github.com/tsawler/go-spsvm/memory"
)

// blobs returns n points in d dimensions split into two clusters centred
// at +sep and -sep on every axis, with uniform noise in [-0.5, 0.5).
// Even rows are labeled +1.
func blobs(n, d int, sep float64, seed uint64) (*mat.Dense, []float64) {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	x := mat.NewDense(n, d, nil)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		centre := -sep
		y[i] = -1
		if i%2 == 0 {
			centre = sep
			y[i] = 1
		}
		for j := 0; j < d; j++ {
			x.Set(i, j, centre+rng.Float64()-0.5)
		}
	}
	return x, y
}

// testConfig returns a quiet configuration that always takes the
// incremental path.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Logging.Verbosity = 0
	cfg.Training.SmallDatasetThreshold = 0
	cfg.Training.StartSize = 0
	return cfg
}

func newTestProblem(t *testing.T, n, d int, cfg *config.Config) *Problem {
	t.Helper()
	x, y := blobs(n, d, 1, 7)
	p, err := NewProblem(x, y, cfg)
	if err != nil {
		t.Fatalf("NewProblem() = %v", err)
	}
	return p
}

func hostResources() *memory.ResourceManager {
	return memory.NewResourceManager(memory.ResourceOptions{HostWorkers: 4}, nil, nil)
}

// weightedKernel computes y_i y_j k(x_i, x_j) directly.
func weightedKernel(p *Problem, i, j int) float64 {
	return p.Y[i] * p.Y[j] * p.Kernel.Eval(p.X.RawRowView(i), p.X.RawRowView(j))
}
