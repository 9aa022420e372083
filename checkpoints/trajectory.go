package checkpoints

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	svmerrors "github.com/tsawler/go-spsvm/errors"
	"github.com/tsawler/go-spsvm/training"
)

var trajectoryHeader = []string{
	"index", "size", "error", "elapsed_seconds", "work", "cost",
	"objective", "converged", "iterations", "violators", "stop_value",
}

// WriteTrajectoryCSV writes one row per checkpoint, with a header row.
func WriteTrajectoryCSV(w io.Writer, traj []training.Checkpoint) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(trajectoryHeader); err != nil {
		return err
	}
	for _, c := range traj {
		row := []string{
			strconv.Itoa(c.Index),
			strconv.Itoa(c.Size),
			formatFloat(c.Error),
			formatFloat(c.Elapsed.Seconds()),
			formatFloat(c.Work),
			formatFloat(c.Cost),
			formatFloat(c.Objective),
			strconv.FormatBool(c.Converged),
			strconv.Itoa(c.Iterations),
			strconv.Itoa(c.Violators),
			formatFloat(c.StopValue),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveTrajectoryCSV writes the trajectory of m to path.
func SaveTrajectoryCSV(m *training.Model, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return svmerrors.IO(svmerrors.ErrWriteFailed, path, err)
	}
	if err := WriteTrajectoryCSV(f, m.Trajectory); err != nil {
		f.Close()
		return svmerrors.IO(svmerrors.ErrWriteFailed, path, fmt.Errorf("write trajectory: %w", err))
	}
	if err := f.Close(); err != nil {
		return svmerrors.IO(svmerrors.ErrWriteFailed, path, err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
