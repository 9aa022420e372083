package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	svmerrors "github.com/tsawler/go-spsvm/errors"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Training.SetSize != 5000 {
		t.Errorf("SetSize = %d, want 5000", cfg.Training.SetSize)
	}
	if cfg.Stopping.Criterion != 5e-6 {
		t.Errorf("Criterion = %g, want 5e-6", cfg.Stopping.Criterion)
	}
}

func TestValidateNamesParameter(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		param  string
	}{
		{"kernel", func(c *Config) { c.Kernel.Type = "laplace" }, "kernel.type"},
		{"degree", func(c *Config) { c.Kernel.Degree = 0 }, "kernel.degree"},
		{"c", func(c *Config) { c.Training.C = 0 }, "training.c"},
		{"c nan", func(c *Config) { c.Training.C = math.NaN() }, "training.c"},
		{"c inf", func(c *Config) { c.Training.C = math.Inf(1) }, "training.c"},
		{"gamma nan", func(c *Config) { c.Kernel.Gamma = math.NaN() }, "kernel.gamma"},
		{"gamma inf", func(c *Config) { c.Kernel.Gamma = math.Inf(1) }, "kernel.gamma"},
		{"coef nan", func(c *Config) { c.Kernel.Coef = math.NaN() }, "kernel.coef"},
		{"coef inf", func(c *Config) { c.Kernel.Coef = math.Inf(-1) }, "kernel.coef"},
		{"memory limit nan", func(c *Config) { c.Training.MemoryLimitMB = math.NaN() }, "training.memory_limit_mb"},
		{"criterion nan", func(c *Config) { c.Stopping.Criterion = math.NaN() }, "stopping.stopping_criterion"},
		{"error threshold nan", func(c *Config) { c.Stopping.ErrorThreshold = math.NaN() }, "stopping.error_threshold"},
		{"confidence nan", func(c *Config) { c.Stopping.Confidence = math.NaN() }, "stopping.confidence"},
		{"cost budget inf", func(c *Config) { c.Stopping.CostBudget = math.Inf(1) }, "stopping.cost_budget"},
		{"device memory nan", func(c *Config) { c.Device.DeviceMemoryMB = math.NaN() }, "device.device_memory_mb"},
		{"set size", func(c *Config) { c.Training.SetSize = 0 }, "training.set_size"},
		{"nb cand", func(c *Config) { c.Training.CandidatesPerPoint = 0 }, "training.nb_cand"},
		{"cand batch", func(c *Config) { c.Training.MaxCandidateBatch = -1 }, "training.max_cand_batch"},
		{"policy", func(c *Config) { c.Stopping.Policy = "never" }, "stopping.policy"},
		{"confidence", func(c *Config) { c.Stopping.Confidence = 1 }, "stopping.confidence"},
		{"cost measure", func(c *Config) { c.Stopping.CostMeasure = "joules" }, "stopping.cost_measure"},
		{"gpus", func(c *Config) { c.Device.MaxGPUs = -2 }, "device.max_gpus"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			se, ok := err.(*svmerrors.SVMError)
			if !ok {
				t.Fatalf("error type = %T, want *SVMError", err)
			}
			if se.Code != svmerrors.ErrInvalidParameter {
				t.Errorf("Code = %q", se.Code)
			}
			if se.Param != tt.param {
				t.Errorf("Param = %q, want %q", se.Param, tt.param)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	cfg := Default()
	cfg.Training.StartSize = 4
	cfg.Kernel.Type = "RBF"
	cfg.Normalize()
	if cfg.Training.StartSize != 0 {
		t.Errorf("StartSize = %d, want 0", cfg.Training.StartSize)
	}
	if cfg.Kernel.Type != "rbf" {
		t.Errorf("Kernel.Type = %q", cfg.Kernel.Type)
	}

	cfg = Default()
	cfg.Training.SetSize = 50
	cfg.Normalize()
	if cfg.Training.StartSize != 50 {
		t.Errorf("StartSize = %d, want clamp to 50", cfg.Training.StartSize)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "svm.yaml")

	cfg := Default()
	cfg.Kernel.Type = "polynomial"
	cfg.Kernel.Gamma = 0.5
	cfg.Training.C = 10
	cfg.Stopping.Policy = PolicyFixed
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if loaded.Kernel.Type != "polynomial" || loaded.Kernel.Gamma != 0.5 {
		t.Errorf("kernel = %+v", loaded.Kernel)
	}
	if loaded.Training.C != 10 || loaded.Stopping.Policy != PolicyFixed {
		t.Errorf("training/stopping not restored: %+v %+v", loaded.Training, loaded.Stopping)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	if err := os.WriteFile(path, []byte("training:\n  c: 4\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Training.C != 4 {
		t.Errorf("C = %g, want 4", cfg.Training.C)
	}
	if cfg.Training.SetSize != 5000 {
		t.Errorf("SetSize = %d, want default 5000", cfg.Training.SetSize)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "missing.yaml")); svmerrors.Code(err) != svmerrors.ErrReadFailed {
		t.Errorf("missing file code = %q", svmerrors.Code(err))
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("training: [1, 2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); svmerrors.Code(err) != svmerrors.ErrParseFailed {
		t.Errorf("bad yaml code = %q", svmerrors.Code(err))
	}

	cfg, err := LoadOrDefault(filepath.Join(dir, "absent.yaml"))
	if err != nil || cfg == nil {
		t.Fatalf("LoadOrDefault() = %v, %v", cfg, err)
	}
}
