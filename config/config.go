// Package config provides YAML configuration loading for the trainer.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	svmerrors "github.com/tsawler/go-spsvm/errors"
)

// Stopping policies.
const (
	PolicyAdaptive = "adaptive"
	PolicyFixed    = "fixed"
)

// Cost measures used by the stopping model.
const (
	CostWork = "work"
	CostTime = "time"
)

// Config holds every option of a training run.
type Config struct {
	Kernel   KernelConfig   `yaml:"kernel"`
	Training TrainingConfig `yaml:"training"`
	Stopping StoppingConfig `yaml:"stopping"`
	Device   DeviceConfig   `yaml:"device"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// KernelConfig selects the kernel family and its hyperparameters.
type KernelConfig struct {
	Type   string  `yaml:"type"`   // rbf, linear, polynomial, sigmoid
	Gamma  float64 `yaml:"gamma"`  // <= 0 means 1/features
	Degree int     `yaml:"degree"` // polynomial only
	Coef   float64 `yaml:"coef"`   // polynomial and sigmoid
}

// TrainingConfig controls basis growth and the solver.
type TrainingConfig struct {
	C                     float64 `yaml:"c"`
	SetSize               int     `yaml:"set_size"`
	StartSize             int     `yaml:"start_size"`
	MaxNewBasis           int     `yaml:"max_new_basis"`
	CandidatesPerPoint    int     `yaml:"nb_cand"`
	MaxCandidateBatch     int     `yaml:"max_cand_batch"`
	SubBatchSize          int     `yaml:"sub_batch"`
	MaxIter               int     `yaml:"max_iter"`
	SmallDatasetThreshold int     `yaml:"small_dataset_threshold"`
	Randomize             bool    `yaml:"randomize"`
	Seed                  int64   `yaml:"seed"`
	SmallKernel           bool    `yaml:"small_kernel"`
	CacheColumns          int     `yaml:"cache_columns"`   // 0 means set_size
	MemoryLimitMB         float64 `yaml:"memory_limit_mb"` // 0 means unlimited
}

// StoppingConfig controls when growth ends.
type StoppingConfig struct {
	Policy          string  `yaml:"policy"`
	Criterion       float64 `yaml:"stopping_criterion"`
	StopIters       int     `yaml:"stop_iters"`
	ErrorThreshold  float64 `yaml:"error_threshold"`
	Confidence      float64 `yaml:"confidence"`
	CostBudget      float64 `yaml:"cost_budget"` // 0 means unlimited
	CostMeasure     string  `yaml:"cost_measure"`
	MinAdaptiveSize int     `yaml:"min_adaptive_size"`
}

// DeviceConfig controls accelerator use.
type DeviceConfig struct {
	UseGPU         bool    `yaml:"use_gpu"`
	MaxGPUs        int     `yaml:"max_gpus"` // 0 means all available
	DeviceMemoryMB float64 `yaml:"device_memory_mb"`
	Workers        int     `yaml:"workers"` // 0 means GOMAXPROCS
}

// LoggingConfig controls output verbosity.
type LoggingConfig struct {
	Verbosity int  `yaml:"verbosity"` // 0 quiet .. 3 trace
	Progress  bool `yaml:"progress"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Kernel: KernelConfig{
			Type:   "rbf",
			Gamma:  0,
			Degree: 3,
			Coef:   0,
		},
		Training: TrainingConfig{
			C:                     1,
			SetSize:               5000,
			StartSize:             100,
			MaxNewBasis:           800,
			CandidatesPerPoint:    10,
			MaxCandidateBatch:     100,
			SubBatchSize:          10,
			MaxIter:               20,
			SmallDatasetThreshold: 3000,
			Seed:                  1,
		},
		Stopping: StoppingConfig{
			Policy:          PolicyAdaptive,
			Criterion:       5e-6,
			StopIters:       5,
			ErrorThreshold:  0.01,
			Confidence:      0.25,
			CostMeasure:     CostWork,
			MinAdaptiveSize: 50,
		},
		Device: DeviceConfig{
			DeviceMemoryMB: 1024,
		},
		Logging: LoggingConfig{
			Verbosity: 1,
		},
	}
}

// Load reads configuration from a YAML file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, svmerrors.IO(svmerrors.ErrReadFailed, path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, svmerrors.New(svmerrors.ErrParseFailed, svmerrors.CategoryConfig, "failed to parse config").
			WithContext("path", path).
			WithCause(err)
	}

	return cfg, nil
}

// LoadOrDefault loads config from path, or returns defaults if the file
// doesn't exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return svmerrors.IO(svmerrors.ErrWriteFailed, dir, err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return svmerrors.IO(svmerrors.ErrWriteFailed, path, err)
	}
	return nil
}

// Validate checks every option and returns the first invalid one.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Kernel.Type) {
	case "rbf", "gaussian", "linear", "polynomial", "poly", "sigmoid", "tanh":
	default:
		return svmerrors.InvalidParameter("kernel.type", "unknown kernel %q", c.Kernel.Type)
	}
	if c.Kernel.Degree < 1 {
		return svmerrors.InvalidParameter("kernel.degree", "must be at least 1, got %d", c.Kernel.Degree)
	}
	if !finite(c.Kernel.Gamma) {
		return svmerrors.InvalidParameter("kernel.gamma", "must be finite, got %g", c.Kernel.Gamma)
	}
	if !finite(c.Kernel.Coef) {
		return svmerrors.InvalidParameter("kernel.coef", "must be finite, got %g", c.Kernel.Coef)
	}

	t := c.Training
	if !(t.C > 0) || math.IsInf(t.C, 0) {
		return svmerrors.InvalidParameter("training.c", "must be positive, got %g", t.C)
	}
	if t.SetSize < 1 {
		return svmerrors.InvalidParameter("training.set_size", "must be positive, got %d", t.SetSize)
	}
	if t.StartSize < 0 {
		return svmerrors.InvalidParameter("training.start_size", "must not be negative, got %d", t.StartSize)
	}
	if t.MaxNewBasis < 1 {
		return svmerrors.InvalidParameter("training.max_new_basis", "must be positive, got %d", t.MaxNewBasis)
	}
	if t.CandidatesPerPoint < 1 {
		return svmerrors.InvalidParameter("training.nb_cand", "must be positive, got %d", t.CandidatesPerPoint)
	}
	if t.MaxCandidateBatch < 1 {
		return svmerrors.InvalidParameter("training.max_cand_batch", "must be positive, got %d", t.MaxCandidateBatch)
	}
	if t.SubBatchSize < 1 {
		return svmerrors.InvalidParameter("training.sub_batch", "must be positive, got %d", t.SubBatchSize)
	}
	if t.MaxIter < 1 {
		return svmerrors.InvalidParameter("training.max_iter", "must be positive, got %d", t.MaxIter)
	}
	if t.SmallDatasetThreshold < 0 {
		return svmerrors.InvalidParameter("training.small_dataset_threshold", "must not be negative, got %d", t.SmallDatasetThreshold)
	}
	if t.CacheColumns < 0 {
		return svmerrors.InvalidParameter("training.cache_columns", "must not be negative, got %d", t.CacheColumns)
	}
	if !(t.MemoryLimitMB >= 0) || math.IsInf(t.MemoryLimitMB, 0) {
		return svmerrors.InvalidParameter("training.memory_limit_mb", "must not be negative, got %g", t.MemoryLimitMB)
	}

	s := c.Stopping
	if s.Policy != PolicyAdaptive && s.Policy != PolicyFixed {
		return svmerrors.InvalidParameter("stopping.policy", "must be %q or %q, got %q", PolicyAdaptive, PolicyFixed, s.Policy)
	}
	if !(s.Criterion >= 0) || math.IsInf(s.Criterion, 0) {
		return svmerrors.InvalidParameter("stopping.stopping_criterion", "must not be negative, got %g", s.Criterion)
	}
	if s.StopIters < 1 {
		return svmerrors.InvalidParameter("stopping.stop_iters", "must be positive, got %d", s.StopIters)
	}
	if !(s.ErrorThreshold >= 0 && s.ErrorThreshold < 1) {
		return svmerrors.InvalidParameter("stopping.error_threshold", "must be in [0, 1), got %g", s.ErrorThreshold)
	}
	if !(s.Confidence > 0 && s.Confidence < 1) {
		return svmerrors.InvalidParameter("stopping.confidence", "must be in (0, 1), got %g", s.Confidence)
	}
	if !(s.CostBudget >= 0) || math.IsInf(s.CostBudget, 0) {
		return svmerrors.InvalidParameter("stopping.cost_budget", "must not be negative, got %g", s.CostBudget)
	}
	if s.CostMeasure != CostWork && s.CostMeasure != CostTime {
		return svmerrors.InvalidParameter("stopping.cost_measure", "must be %q or %q, got %q", CostWork, CostTime, s.CostMeasure)
	}
	if s.MinAdaptiveSize < 0 {
		return svmerrors.InvalidParameter("stopping.min_adaptive_size", "must not be negative, got %d", s.MinAdaptiveSize)
	}

	d := c.Device
	if d.MaxGPUs < 0 {
		return svmerrors.InvalidParameter("device.max_gpus", "must not be negative, got %d", d.MaxGPUs)
	}
	if !(d.DeviceMemoryMB >= 0) || math.IsInf(d.DeviceMemoryMB, 0) {
		return svmerrors.InvalidParameter("device.device_memory_mb", "must not be negative, got %g", d.DeviceMemoryMB)
	}
	if d.Workers < 0 {
		return svmerrors.InvalidParameter("device.workers", "must not be negative, got %d", d.Workers)
	}

	if c.Logging.Verbosity < 0 {
		return svmerrors.InvalidParameter("logging.verbosity", "must not be negative, got %d", c.Logging.Verbosity)
	}
	return nil
}

// finite reports whether v is neither NaN nor infinite.
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Normalize applies the same adjustments the command line applies to
// raw option values: start sizes of 4 or less disable seeding, and the
// start size never exceeds the set size.
func (c *Config) Normalize() {
	if c.Training.StartSize <= 4 {
		c.Training.StartSize = 0
	}
	if c.Training.StartSize > c.Training.SetSize {
		c.Training.StartSize = c.Training.SetSize
	}
	c.Kernel.Type = strings.ToLower(c.Kernel.Type)
}
