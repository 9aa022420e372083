// Package checkpoints saves and loads trained models.
//
// Two formats are supported: indented JSON for inspection and a compact
// protobuf wire encoding for deployment. Both carry the same Checkpoint.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"

	svmerrors "github.com/tsawler/go-spsvm/errors"
	"github.com/tsawler/go-spsvm/tensor"
	"github.com/tsawler/go-spsvm/training"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// FormatForPath picks JSON for .json files and the binary format otherwise.
func FormatForPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatBinary
}

const (
	formatVersion = 1
	framework     = "go-spsvm"
)

// Checkpoint is a serialized model together with metadata.
type Checkpoint struct {
	Model    ModelState         `json:"model"`
	Metadata CheckpointMetadata `json:"metadata"`
}

// ModelState mirrors training.Model in a format-neutral layout.
type ModelState struct {
	RunID          string             `json:"run_id"`
	Kernel         KernelState        `json:"kernel"`
	C              float64            `json:"c"`
	Bias           float64            `json:"bias"`
	Features       int                `json:"features"`
	Indices        []int              `json:"indices"`
	Coefficients   []float64          `json:"coefficients"`
	Labels         []float64          `json:"labels"`
	SupportVectors []float64          `json:"support_vectors"` // row-major, Features values per row
	Trajectory     []TrajectoryRecord `json:"trajectory"`
	Diagnostics    DiagnosticsState   `json:"diagnostics"`
}

// KernelState names the kernel family by its string form.
type KernelState struct {
	Type   string  `json:"type"`
	Gamma  float64 `json:"gamma"`
	Degree int     `json:"degree"`
	Coef   float64 `json:"coef"`
}

// TrajectoryRecord is one training checkpoint. Objective and StopValue may
// be NaN or infinite.
type TrajectoryRecord struct {
	Index        int       `json:"index"`
	Size         int       `json:"size"`
	Error        float64   `json:"error"`
	ElapsedNanos int64     `json:"elapsed_ns"`
	Work         float64   `json:"work"`
	Cost         float64   `json:"cost"`
	Objective    Float     `json:"objective"`
	Converged    bool      `json:"converged"`
	Iterations   int       `json:"iterations"`
	Violators    int       `json:"violators"`
	StopValue    Float     `json:"stop_value"`
	Bias         float64   `json:"bias"`
	Coefficients []float64 `json:"coefficients"`
}

// DiagnosticsState mirrors training.Diagnostics.
type DiagnosticsState struct {
	Mode               string `json:"mode"`
	HostFallbacks      int    `json:"host_fallbacks"`
	CacheCapacity      int    `json:"cache_capacity"`
	CacheDisabled      bool   `json:"cache_disabled"`
	CandidateBatch     int    `json:"candidate_batch"`
	CandidateHalvings  int    `json:"candidate_halvings"`
	SelectionFallbacks int    `json:"selection_fallbacks"`
	NonConverged       int    `json:"non_converged"`
	KernelEvaluations  int64  `json:"kernel_evaluations"`
	Schedule           []int  `json:"schedule"`
	Halted             bool   `json:"halted"`
	ElapsedNanos       int64  `json:"elapsed_ns"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     int       `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Float is a float64 whose JSON form also covers NaN and the infinities,
// written as the strings "NaN", "+Inf" and "-Inf".
type Float float64

// MarshalJSON implements json.Marshaler.
func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	}
	return json.Marshal(v)
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Float) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"NaN"`:
		*f = Float(math.NaN())
		return nil
	case `"+Inf"`:
		*f = Float(math.Inf(1))
		return nil
	case `"-Inf"`:
		*f = Float(math.Inf(-1))
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// NewCheckpoint captures m.
func NewCheckpoint(m *training.Model, description string, tags ...string) *Checkpoint {
	st := ModelState{
		RunID: m.RunID,
		Kernel: KernelState{
			Type:   m.Kernel.Type.String(),
			Gamma:  m.Kernel.Gamma,
			Degree: m.Kernel.Degree,
			Coef:   m.Kernel.Coef,
		},
		C:            m.C,
		Bias:         m.Bias,
		Indices:      append([]int(nil), m.Indices...),
		Coefficients: append([]float64(nil), m.Coefficients...),
		Labels:       append([]float64(nil), m.Labels...),
		Diagnostics: DiagnosticsState{
			Mode:               m.Diagnostics.Mode,
			HostFallbacks:      m.Diagnostics.HostFallbacks,
			CacheCapacity:      m.Diagnostics.CacheCapacity,
			CacheDisabled:      m.Diagnostics.CacheDisabled,
			CandidateBatch:     m.Diagnostics.CandidateBatch,
			CandidateHalvings:  m.Diagnostics.CandidateHalvings,
			SelectionFallbacks: m.Diagnostics.SelectionFallbacks,
			NonConverged:       m.Diagnostics.NonConverged,
			KernelEvaluations:  m.Diagnostics.KernelEvaluations,
			Schedule:           append([]int(nil), m.Diagnostics.Schedule...),
			Halted:             m.Diagnostics.Halted,
			ElapsedNanos:       int64(m.Diagnostics.Elapsed),
		},
	}
	if m.SupportVectors != nil {
		r, d := m.SupportVectors.Dims()
		st.Features = d
		st.SupportVectors = make([]float64, 0, r*d)
		for i := 0; i < r; i++ {
			st.SupportVectors = append(st.SupportVectors, m.SupportVectors.RawRowView(i)...)
		}
	}
	for _, c := range m.Trajectory {
		st.Trajectory = append(st.Trajectory, TrajectoryRecord{
			Index:        c.Index,
			Size:         c.Size,
			Error:        c.Error,
			ElapsedNanos: int64(c.Elapsed),
			Work:         c.Work,
			Cost:         c.Cost,
			Objective:    Float(c.Objective),
			Converged:    c.Converged,
			Iterations:   c.Iterations,
			Violators:    c.Violators,
			StopValue:    Float(c.StopValue),
			Bias:         c.Bias,
			Coefficients: append([]float64(nil), c.Coefficients...),
		})
	}

	return &Checkpoint{
		Model: st,
		Metadata: CheckpointMetadata{
			Version:     formatVersion,
			Framework:   framework,
			CreatedAt:   time.Now().UTC(),
			Description: description,
			Tags:        tags,
		},
	}
}

// ToModel rebuilds the trained model.
func (cp *Checkpoint) ToModel() (*training.Model, error) {
	st := cp.Model
	kt, err := tensor.ParseKernelType(st.Kernel.Type)
	if err != nil {
		return nil, err
	}
	n := len(st.Coefficients)
	if n == 0 || st.Features < 1 || len(st.SupportVectors) != n*st.Features {
		return nil, fmt.Errorf("checkpoint: %d coefficients, %d support vector values with %d features",
			n, len(st.SupportVectors), st.Features)
	}
	sv := mat.NewDense(n, st.Features, append([]float64(nil), st.SupportVectors...))
	kernel := tensor.KernelOptions{Type: kt, Gamma: st.Kernel.Gamma, Degree: st.Kernel.Degree, Coef: st.Kernel.Coef}

	m, err := training.NewModel(kernel, sv, append([]float64(nil), st.Labels...), append([]float64(nil), st.Coefficients...), st.Bias)
	if err != nil {
		return nil, err
	}
	m.RunID = st.RunID
	m.C = st.C
	m.Indices = append([]int(nil), st.Indices...)
	for _, r := range st.Trajectory {
		m.Trajectory = append(m.Trajectory, training.Checkpoint{
			Index:        r.Index,
			Size:         r.Size,
			Error:        r.Error,
			Elapsed:      time.Duration(r.ElapsedNanos),
			Work:         r.Work,
			Cost:         r.Cost,
			Objective:    float64(r.Objective),
			Converged:    r.Converged,
			Iterations:   r.Iterations,
			Violators:    r.Violators,
			StopValue:    float64(r.StopValue),
			Bias:         r.Bias,
			Coefficients: append([]float64(nil), r.Coefficients...),
		})
	}
	d := st.Diagnostics
	m.Diagnostics = training.Diagnostics{
		Mode:               d.Mode,
		HostFallbacks:      d.HostFallbacks,
		CacheCapacity:      d.CacheCapacity,
		CacheDisabled:      d.CacheDisabled,
		CandidateBatch:     d.CandidateBatch,
		CandidateHalvings:  d.CandidateHalvings,
		SelectionFallbacks: d.SelectionFallbacks,
		NonConverged:       d.NonConverged,
		KernelEvaluations:  d.KernelEvaluations,
		Schedule:           append([]int(nil), d.Schedule...),
		Halted:             d.Halted,
		Elapsed:            time.Duration(d.ElapsedNanos),
	}
	return m, nil
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint writes a checkpoint to path.
func (cs *CheckpointSaver) SaveCheckpoint(cp *Checkpoint, path string) error {
	var (
		data []byte
		err  error
	)
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(cp, "", "  ")
	case FormatBinary:
		data = marshalCheckpoint(cp)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return svmerrors.IO(svmerrors.ErrWriteFailed, path, err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint from path.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, svmerrors.IO(svmerrors.ErrReadFailed, path, err)
	}

	var cp Checkpoint
	switch cs.format {
	case FormatJSON:
		err = json.Unmarshal(data, &cp)
	case FormatBinary:
		err = unmarshalCheckpoint(data, &cp)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return nil, svmerrors.New(svmerrors.ErrParseFailed, svmerrors.CategoryIO, "failed to decode checkpoint").
			WithContext("path", path).
			WithContext("format", cs.format.String()).
			WithCause(err)
	}
	if cp.Metadata.Version != formatVersion {
		return nil, svmerrors.New(svmerrors.ErrParseFailed, svmerrors.CategoryIO, "unsupported checkpoint version").
			WithContext("path", path).
			WithContext("version", fmt.Sprint(cp.Metadata.Version))
	}
	return &cp, nil
}

// SaveModel writes m to path in the format implied by its extension.
func SaveModel(m *training.Model, path string) error {
	return NewCheckpointSaver(FormatForPath(path)).SaveCheckpoint(NewCheckpoint(m, ""), path)
}

// LoadModel reads a model written by SaveModel.
func LoadModel(path string) (*training.Model, error) {
	cp, err := NewCheckpointSaver(FormatForPath(path)).LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	return cp.ToModel()
}
