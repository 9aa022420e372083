package checkpoints

import (
	"bytes"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	svmerrors "github.com/tsawler/go-spsvm/errors"
	"github.com/tsawler/go-spsvm/tensor"
	"github.com/tsawler/go-spsvm/training"
)

func testModel(t *testing.T) *training.Model {
	t.Helper()
	sv := mat.NewDense(3, 2, []float64{1, 2, -1, 0.5, 0, -3})
	m, err := training.NewModel(tensor.KernelOptions{Type: tensor.Polynomial, Gamma: 0.5, Degree: 3, Coef: 1},
		sv, []float64{1, -1, 1}, []float64{0.25, -1.5, 2}, -0.75)
	if err != nil {
		t.Fatal(err)
	}
	m.RunID = "0f8fad5b-d9cb-469f-a165-70867728950e"
	m.C = 4
	m.Indices = []int{7, 0, 42}
	m.Trajectory = []training.Checkpoint{
		{Index: 0, Size: 2, Error: 0.25, Elapsed: 3 * time.Millisecond, Work: 120, Cost: 120,
			Objective: 3.5, Converged: true, Iterations: 4, Violators: 9, StopValue: math.Inf(1),
			Bias: -0.5, Coefficients: []float64{0.1, -1}},
		{Index: 1, Size: 3, Error: 0.125, Elapsed: 9 * time.Millisecond, Work: 80, Cost: 80,
			Objective: math.NaN(), Converged: false, Iterations: 20, Violators: 5, StopValue: 0.125,
			Bias: -0.75, Coefficients: []float64{0.25, -1.5, 2}},
	}
	m.Diagnostics = training.Diagnostics{
		Mode:              "host",
		CacheCapacity:     3,
		CandidateBatch:    100,
		NonConverged:      1,
		KernelEvaluations: 1234,
		Schedule:          []int{2, 3},
		Halted:            true,
		Elapsed:           time.Second,
	}
	return m
}

func checkSameModel(t *testing.T, got, want *training.Model) {
	t.Helper()
	if got.RunID != want.RunID || got.C != want.C || got.Bias != want.Bias || got.Kernel != want.Kernel {
		t.Errorf("header = %s %g %g %+v, want %s %g %g %+v",
			got.RunID, got.C, got.Bias, got.Kernel, want.RunID, want.C, want.Bias, want.Kernel)
	}
	if !reflect.DeepEqual(got.Indices, want.Indices) ||
		!reflect.DeepEqual(got.Coefficients, want.Coefficients) ||
		!reflect.DeepEqual(got.Labels, want.Labels) {
		t.Errorf("basis = %v %v %v", got.Indices, got.Coefficients, got.Labels)
	}
	if !mat.Equal(got.SupportVectors, want.SupportVectors) {
		t.Errorf("support vectors differ")
	}
	if !reflect.DeepEqual(got.Diagnostics, want.Diagnostics) {
		t.Errorf("diagnostics = %+v, want %+v", got.Diagnostics, want.Diagnostics)
	}
	if len(got.Trajectory) != len(want.Trajectory) {
		t.Fatalf("trajectory length %d, want %d", len(got.Trajectory), len(want.Trajectory))
	}
	for i := range want.Trajectory {
		g, w := got.Trajectory[i], want.Trajectory[i]
		if math.IsNaN(w.Objective) != math.IsNaN(g.Objective) || (!math.IsNaN(w.Objective) && g.Objective != w.Objective) {
			t.Errorf("checkpoint %d objective %g, want %g", i, g.Objective, w.Objective)
		}
		g.Objective, w.Objective = 0, 0
		if !reflect.DeepEqual(g, w) {
			t.Errorf("checkpoint %d = %+v, want %+v", i, g, w)
		}
	}

	x := []float64{0.3, -0.2}
	if got.Decision(x) != want.Decision(x) {
		t.Errorf("Decision() = %g, want %g", got.Decision(x), want.Decision(x))
	}
}

func TestSaveLoadModel(t *testing.T) {
	for _, name := range []string{"model.json", "model.bin"} {
		t.Run(name, func(t *testing.T) {
			m := testModel(t)
			path := filepath.Join(t.TempDir(), name)
			if err := SaveModel(m, path); err != nil {
				t.Fatalf("SaveModel() = %v", err)
			}
			loaded, err := LoadModel(path)
			if err != nil {
				t.Fatalf("LoadModel() = %v", err)
			}
			checkSameModel(t, loaded, m)
		})
	}
}

func TestCheckpointMetadata(t *testing.T) {
	m := testModel(t)
	cp := NewCheckpoint(m, "nightly", "rbf", "adult")
	path := filepath.Join(t.TempDir(), "cp.bin")
	saver := NewCheckpointSaver(FormatBinary)
	if err := saver.SaveCheckpoint(cp, path); err != nil {
		t.Fatal(err)
	}
	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	md := loaded.Metadata
	if md.Version != formatVersion || md.Framework != framework || md.Description != "nightly" {
		t.Errorf("metadata = %+v", md)
	}
	if !reflect.DeepEqual(md.Tags, []string{"rbf", "adult"}) {
		t.Errorf("tags = %v", md.Tags)
	}
	if !md.CreatedAt.Equal(cp.Metadata.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", md.CreatedAt, cp.Metadata.CreatedAt)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadModel(filepath.Join(dir, "missing.bin")); svmerrors.Code(err) != svmerrors.ErrReadFailed {
		t.Errorf("missing file: %v", err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadModel(bad); svmerrors.Code(err) != svmerrors.ErrParseFailed {
		t.Errorf("malformed JSON: %v", err)
	}

	// A truncated length-delimited field.
	trunc := filepath.Join(dir, "bad.bin")
	if err := os.WriteFile(trunc, []byte{0x0a, 0x10, 0x08}, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadModel(trunc); svmerrors.Code(err) != svmerrors.ErrParseFailed {
		t.Errorf("truncated binary: %v", err)
	}

	empty := filepath.Join(dir, "empty.bin")
	if err := os.WriteFile(empty, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadModel(empty); svmerrors.Code(err) != svmerrors.ErrParseFailed {
		t.Errorf("empty file: %v", err)
	}
}

func TestFloatJSON(t *testing.T) {
	tests := []struct {
		v    float64
		want string
	}{
		{1.5, "1.5"},
		{math.Inf(1), `"+Inf"`},
		{math.Inf(-1), `"-Inf"`},
		{math.NaN(), `"NaN"`},
	}
	for _, tt := range tests {
		data, err := Float(tt.v).MarshalJSON()
		if err != nil || string(data) != tt.want {
			t.Errorf("MarshalJSON(%g) = %s, %v", tt.v, data, err)
		}
		var back Float
		if err := back.UnmarshalJSON(data); err != nil {
			t.Fatal(err)
		}
		if float64(back) != tt.v && !(math.IsNaN(tt.v) && math.IsNaN(float64(back))) {
			t.Errorf("round trip of %g gave %g", tt.v, float64(back))
		}
	}
}

func TestFormatForPath(t *testing.T) {
	if FormatForPath("a/model.JSON") != FormatJSON || FormatForPath("model.svm") != FormatBinary {
		t.Error("wrong format for extension")
	}
}

func TestWriteTrajectoryCSV(t *testing.T) {
	m := testModel(t)
	var buf bytes.Buffer
	if err := WriteTrajectoryCSV(&buf, m.Trajectory); err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header and 2 checkpoints", len(rows))
	}
	if rows[0][1] != "size" || rows[1][1] != "2" || rows[2][2] != "0.125" {
		t.Errorf("rows = %v", rows)
	}
	if rows[1][10] != "+Inf" || rows[2][6] != "NaN" || rows[2][7] != "false" {
		t.Errorf("special values = %v", rows)
	}

	path := filepath.Join(t.TempDir(), "trajectory.csv")
	if err := SaveTrajectoryCSV(m, path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != buf.String() {
		t.Errorf("file contents differ: %v", err)
	}
}
