// svm-train fits a sparse kernel SVM to a LIBSVM-format data file and
// writes the model.
//
// Usage:
//
//	svm-train [flags] data_file [model_file]
//
// Options come from the YAML file named by -config, then from flags given
// on the command line. The model is written as JSON when model_file ends
// in .json and in the binary format otherwise.
package main

import (
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-spsvm/checkpoints"
	"github.com/tsawler/go-spsvm/config"
	"github.com/tsawler/go-spsvm/dataset"
	"github.com/tsawler/go-spsvm/tensor"
	"github.com/tsawler/go-spsvm/training"
)

const version = "0.3.0"

type options struct {
	configPath string
	kernel     string
	gamma      float64
	degree     int
	coef       float64
	c          float64
	setSize    int
	startSize  int
	maxNew     int
	candidates int
	maxIter    int
	criterion  float64
	stopIters  int
	verbosity  int
	policy     string
	randomize  bool
	noCache    bool
	gpu        bool
	maxGPUs    int
	progress   bool

	noShuffle bool
	noScale   bool
	holdout   float64
	seed      uint64
	csvPath   string
	plotPath  string
	showVer   bool
}

func main() {
	var o options
	fs := newFlagSet(&o)
	fs.Parse(os.Args[1:])

	if o.showVer {
		fmt.Printf("svm-train %s\n", version)
		os.Exit(0)
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fs.Usage()
		os.Exit(2)
	}
	dataPath := fs.Arg(0)
	modelPath := dataPath + ".model"
	if fs.NArg() == 2 {
		modelPath = fs.Arg(1)
	}

	cfg, err := loadConfig(fs, &o)
	if err != nil {
		fmt.Fprintf(os.Stderr, "svm-train: %v\n", err)
		os.Exit(1)
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(training.LogLevel(cfg.Logging.Verbosity))

	if err := run(log, cfg, &o, dataPath, modelPath); err != nil {
		log.WithError(err).Error("Training failed")
		os.Exit(1)
	}
}

// newFlagSet registers every flag on a new set writing into o. Flag
// letters follow the classic svm-train options.
func newFlagSet(o *options) *flag.FlagSet {
	fs := flag.NewFlagSet("svm-train", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: svm-train [flags] data_file [model_file]\n\nflags:\n")
		fs.PrintDefaults()
	}
	fs.StringVar(&o.configPath, "config", "", "YAML config file")
	fs.StringVar(&o.kernel, "k", "rbf", "kernel: rbf (0), linear (1), polynomial (2), sigmoid (3)")
	fs.Float64Var(&o.gamma, "g", 0, "kernel gamma (default 1/features)")
	fs.IntVar(&o.degree, "d", 3, "polynomial degree")
	fs.Float64Var(&o.coef, "r", 0, "polynomial and sigmoid coefficient")
	fs.Float64Var(&o.c, "c", 1, "misclassification penalty C")
	fs.IntVar(&o.setSize, "s", 5000, "maximum basis size")
	fs.IntVar(&o.startSize, "j", 100, "seed basis size (4 or less disables seeding)")
	fs.IntVar(&o.maxNew, "m", 800, "maximum new basis points per checkpoint")
	fs.IntVar(&o.candidates, "n", 10, "candidates per new basis point")
	fs.IntVar(&o.maxIter, "i", 20, "Newton iterations per checkpoint")
	fs.Float64Var(&o.criterion, "x", 5e-6, "fixed-policy stopping criterion")
	fs.IntVar(&o.stopIters, "S", 5, "checkpoints below the criterion before stopping")
	fs.IntVar(&o.verbosity, "v", 1, "verbosity 0-3")
	fs.StringVar(&o.policy, "policy", config.PolicyAdaptive, "stopping policy: adaptive or fixed")
	fs.BoolVar(&o.randomize, "random", false, "randomize candidate selection")
	fs.BoolVar(&o.noCache, "no_cache", false, "recompute kernel rows instead of caching them")
	fs.BoolVar(&o.gpu, "gpu", false, "use the accelerator")
	fs.IntVar(&o.maxGPUs, "maxgpus", 0, "accelerator devices to use (0 means all)")
	fs.BoolVar(&o.progress, "progress", false, "show a progress bar")
	fs.BoolVar(&o.noShuffle, "noshuffle", false, "keep file order")
	fs.BoolVar(&o.noScale, "noscale", false, "skip feature standardization")
	fs.Float64Var(&o.holdout, "holdout", 0.3, "fraction of rows held out for evaluation")
	fs.Uint64Var(&o.seed, "seed", 1, "shuffle seed")
	fs.StringVar(&o.csvPath, "csv", "", "write the trajectory as CSV")
	fs.StringVar(&o.plotPath, "plot", "", "write the learning curve as PNG")
	fs.BoolVar(&o.showVer, "version", false, "print the version and exit")
	return fs
}

// loadConfig starts from the config file and applies every flag that was
// set explicitly.
func loadConfig(fs *flag.FlagSet, o *options) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.LoadOrDefault(o.configPath); err != nil {
			return nil, err
		}
	}

	var err error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "k":
			kt, perr := tensor.ParseKernelType(o.kernel)
			if perr != nil {
				err = perr
				return
			}
			cfg.Kernel.Type = kt.String()
		case "g":
			cfg.Kernel.Gamma = o.gamma
		case "d":
			cfg.Kernel.Degree = o.degree
		case "r":
			cfg.Kernel.Coef = o.coef
		case "c":
			cfg.Training.C = o.c
		case "s":
			cfg.Training.SetSize = o.setSize
		case "j":
			cfg.Training.StartSize = o.startSize
		case "m":
			cfg.Training.MaxNewBasis = o.maxNew
		case "n":
			cfg.Training.CandidatesPerPoint = o.candidates
		case "i":
			cfg.Training.MaxIter = o.maxIter
		case "x":
			cfg.Stopping.Criterion = o.criterion
		case "S":
			cfg.Stopping.StopIters = o.stopIters
		case "v":
			cfg.Logging.Verbosity = o.verbosity
		case "policy":
			cfg.Stopping.Policy = o.policy
		case "random":
			cfg.Training.Randomize = o.randomize
		case "no_cache":
			cfg.Training.SmallKernel = o.noCache
		case "gpu":
			cfg.Device.UseGPU = o.gpu
		case "maxgpus":
			cfg.Device.MaxGPUs = o.maxGPUs
		case "progress":
			cfg.Logging.Progress = o.progress
		}
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(log *logrus.Logger, cfg *config.Config, o *options, dataPath, modelPath string) error {
	ds, err := dataset.Load(dataPath, 0)
	if err != nil {
		return err
	}
	if !o.noShuffle {
		ds.Shuffle(rand.New(rand.NewPCG(o.seed, o.seed^0x9e3779b97f4a7c15)))
	}
	train, holdout, err := ds.Split(o.holdout)
	if err != nil {
		return err
	}
	if !o.noScale {
		scaler := dataset.FitScaler(train.X)
		if err := scaler.Transform(train.X); err != nil {
			return err
		}
		if holdout != nil {
			if err := scaler.Transform(holdout.X); err != nil {
				return err
			}
		}
	}

	y, neg, pos, err := train.Binary()
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"file":     dataPath,
		"train":    train.Len(),
		"holdout":  holdoutLen(holdout),
		"features": train.Features(),
		"negative": neg,
		"positive": pos,
	}).Info("Loaded data")

	p, err := training.NewProblem(train.X, y, cfg)
	if err != nil {
		return err
	}
	var progress io.Writer
	if cfg.Logging.Progress {
		progress = os.Stdout
	}
	trainer := training.NewTrainer(training.Options{Logger: log, Progress: progress})
	m, err := trainer.Train(p)
	if err != nil {
		return err
	}
	log.Info(m.Diagnostics.String())

	if holdout != nil {
		hy := make([]float64, holdout.Len())
		for i, l := range holdout.Labels {
			if l == pos {
				hy[i] = 1
			} else {
				hy[i] = -1
			}
		}
		cm, err := m.Evaluate(holdout.X, hy)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"accuracy":  cm.GetMetric(training.Accuracy),
			"precision": cm.GetMetric(training.Precision),
			"recall":    cm.GetMetric(training.Recall),
			"f1":        cm.GetMetric(training.F1Score),
		}).Info("Holdout evaluation")
	}

	if err := checkpoints.SaveModel(m, modelPath); err != nil {
		return err
	}
	log.WithField("path", modelPath).Info("Model saved")

	if o.csvPath != "" {
		if err := checkpoints.SaveTrajectoryCSV(m, o.csvPath); err != nil {
			return err
		}
	}
	if o.plotPath != "" {
		pd, err := training.GenerateTrajectoryPlot(m, training.LearningCurve)
		if err != nil {
			return err
		}
		if err := pd.Save(o.plotPath); err != nil {
			return err
		}
	}
	return nil
}

func holdoutLen(ds *dataset.Dataset) int {
	if ds == nil {
		return 0
	}
	return ds.Len()
}
