package training

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func plotModel() *Model {
	return &Model{
		RunID: "run",
		Trajectory: []Checkpoint{
			{Size: 10, Error: 0.3, Cost: 100, Objective: 5, Converged: true},
			{Size: 20, Error: 0.2, Cost: 400, Objective: 4, Converged: false},
			{Size: 40, Error: 0.1, Cost: 1600, Objective: 3, Converged: true},
		},
		Diagnostics: Diagnostics{NonConverged: 1},
	}
}

func TestGenerateTrajectoryPlot(t *testing.T) {
	tests := []struct {
		kind  PlotType
		first float64
	}{
		{LearningCurve, 0.3},
		{CostCurve, 100},
		{ObjectiveCurve, 5},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			pd, err := GenerateTrajectoryPlot(plotModel(), tt.kind)
			if err != nil {
				t.Fatal(err)
			}
			if len(pd.Series) != 2 {
				t.Fatalf("series = %d, want line and not-converged markers", len(pd.Series))
			}
			line := pd.Series[0]
			if len(line.Data) != 3 || line.Data[0].X != 10 || line.Data[0].Y != tt.first {
				t.Errorf("line = %+v", line.Data)
			}
			if marks := pd.Series[1].Data; len(marks) != 1 || marks[0].X != 20 {
				t.Errorf("markers = %+v", marks)
			}

			js, err := pd.ToJSON()
			if err != nil {
				t.Fatal(err)
			}
			var back PlotData
			if err := json.Unmarshal([]byte(js), &back); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if back.PlotType != tt.kind {
				t.Errorf("PlotType = %q", back.PlotType)
			}
		})
	}

	if _, err := GenerateTrajectoryPlot(plotModel(), PlotType("pie")); err == nil {
		t.Error("unknown plot type accepted")
	}
}

func TestPlotSave(t *testing.T) {
	pd, err := GenerateTrajectoryPlot(plotModel(), LearningCurve)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "curve.png")
	if err := pd.Save(path); err != nil {
		t.Fatalf("Save() = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		t.Errorf("plot not written: %v", err)
	}
}
