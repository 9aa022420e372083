package training

import (
	"encoding/json"
	"fmt"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	LearningCurve  PlotType = "learning_curve" // training error against basis size
	CostCurve      PlotType = "cost_curve"     // checkpoint cost against basis size
	ObjectiveCurve PlotType = "objective_curve"
)

// PlotData is a plotting-library independent description of a chart
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`

	Series []SeriesData `json:"series"`

	Config PlotConfig `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "scatter"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Label string  `json:"label,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	XAxisScale string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale string `json:"y_axis_scale"` // "linear", "log"
	ShowLegend bool   `json:"show_legend"`
	ShowGrid   bool   `json:"show_grid"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// GenerateTrajectoryPlot builds one of the trajectory charts for a model.
func GenerateTrajectoryPlot(m *Model, kind PlotType) (PlotData, error) {
	var (
		name, yLabel string
		value        func(Checkpoint) float64
	)
	switch kind {
	case LearningCurve:
		name, yLabel = "Training Error", "Error"
		value = func(c Checkpoint) float64 { return c.Error }
	case CostCurve:
		name, yLabel = "Checkpoint Cost", "Cost"
		value = func(c Checkpoint) float64 { return c.Cost }
	case ObjectiveCurve:
		name, yLabel = "Objective", "Objective"
		value = func(c Checkpoint) float64 { return c.Objective }
	default:
		return PlotData{}, fmt.Errorf("unknown plot type %q", kind)
	}

	series := SeriesData{
		Name: name,
		Type: "line",
		Data: make([]DataPoint, 0, len(m.Trajectory)),
		Style: map[string]interface{}{
			"color":      "#FF6B6B",
			"line_width": 2,
		},
	}
	var failed SeriesData
	for _, c := range m.Trajectory {
		p := DataPoint{X: float64(c.Size), Y: value(c)}
		series.Data = append(series.Data, p)
		if !c.Converged {
			p.Label = "not converged"
			failed.Data = append(failed.Data, p)
		}
	}
	all := []SeriesData{series}
	if len(failed.Data) > 0 {
		failed.Name = "Not Converged"
		failed.Type = "scatter"
		failed.Style = map[string]interface{}{"color": "#5F27CD"}
		all = append(all, failed)
	}

	return PlotData{
		PlotType:  kind,
		Title:     fmt.Sprintf("%s - %s", name, m.RunID),
		Timestamp: time.Now(),
		RunID:     m.RunID,
		Series:    all,
		Config: PlotConfig{
			XAxisLabel: "Basis Size",
			YAxisLabel: yLabel,
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      800,
			Height:     600,
		},
		Metrics: map[string]interface{}{
			"checkpoints":   len(m.Trajectory),
			"non_converged": m.Diagnostics.NonConverged,
		},
	}, nil
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data to JSON: %w", err)
	}
	return string(jsonData), nil
}

// Save renders the plot to an image file. The format follows the file
// extension (png, svg, pdf, ...).
func (pd PlotData) Save(path string) error {
	p := plot.New()
	p.Title.Text = pd.Title
	p.X.Label.Text = pd.Config.XAxisLabel
	p.Y.Label.Text = pd.Config.YAxisLabel
	if pd.Config.ShowGrid {
		p.Add(plotter.NewGrid())
	}

	for _, s := range pd.Series {
		xys := make(plotter.XYs, len(s.Data))
		for i, d := range s.Data {
			xys[i].X = d.X
			xys[i].Y = d.Y
		}
		switch s.Type {
		case "scatter":
			sc, err := plotter.NewScatter(xys)
			if err != nil {
				return fmt.Errorf("plot series %q: %w", s.Name, err)
			}
			p.Add(sc)
			if pd.Config.ShowLegend {
				p.Legend.Add(s.Name, sc)
			}
		default:
			line, err := plotter.NewLine(xys)
			if err != nil {
				return fmt.Errorf("plot series %q: %w", s.Name, err)
			}
			p.Add(line)
			if pd.Config.ShowLegend {
				p.Legend.Add(s.Name, line)
			}
		}
	}

	width := vg.Length(pd.Config.Width) * vg.Inch / 100
	height := vg.Length(pd.Config.Height) * vg.Inch / 100
	if err := p.Save(width, height, path); err != nil {
		return fmt.Errorf("save plot %s: %w", path, err)
	}
	return nil
}
