// Package dataset reads LIBSVM-format files and prepares them for binary
// training: relabeling to -1/+1, shuffling, holdout splits and per-feature
// standardization.
package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	svmerrors "github.com/tsawler/go-spsvm/errors"
)

// Dataset is a dense feature matrix with one label per row.
type Dataset struct {
	X      *mat.Dense
	Labels []float64
}

// Len returns the number of rows.
func (ds *Dataset) Len() int {
	return len(ds.Labels)
}

// Features returns the number of columns.
func (ds *Dataset) Features() int {
	if ds.X == nil {
		return 0
	}
	_, d := ds.X.Dims()
	return d
}

type sparseRow struct {
	label   float64
	indices []int
	values  []float64
}

// ReadLIBSVM parses lines of the form
//
//	<label> <index>:<value> <index>:<value> ...
//
// with 1-based feature indices. Blank lines and text after '#' are
// ignored. The feature count is the largest index seen, or features when
// that is larger.
func ReadLIBSVM(r io.Reader, features int) (*Dataset, error) {
	var rows []sparseRow
	maxIndex := 0

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		tokens := strings.Fields(text)
		if len(tokens) == 0 {
			continue
		}

		label, err := strconv.ParseFloat(tokens[0], 64)
		if err != nil {
			return nil, parseError(line, "bad label %q", tokens[0])
		}
		row := sparseRow{label: label}
		prev := 0
		for _, tok := range tokens[1:] {
			k, v, ok := strings.Cut(tok, ":")
			if !ok {
				return nil, parseError(line, "feature %q has no value", tok)
			}
			idx, err := strconv.Atoi(k)
			if err != nil || idx < 1 {
				return nil, parseError(line, "bad feature index %q", k)
			}
			if idx <= prev {
				return nil, parseError(line, "feature indices not increasing at %d", idx)
			}
			val, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, parseError(line, "bad feature value %q", v)
			}
			row.indices = append(row.indices, idx-1)
			row.values = append(row.values, val)
			prev = idx
		}
		if prev > maxIndex {
			maxIndex = prev
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read libsvm data: %w", err)
	}
	if len(rows) == 0 {
		return nil, svmerrors.Data(svmerrors.ErrEmptyDataset, "no data rows")
	}

	d := max(maxIndex, features, 1)
	x := mat.NewDense(len(rows), d, nil)
	labels := make([]float64, len(rows))
	for i, row := range rows {
		labels[i] = row.label
		for k, j := range row.indices {
			x.Set(i, j, row.values[k])
		}
	}
	return &Dataset{X: x, Labels: labels}, nil
}

func parseError(line int, format string, args ...interface{}) error {
	return svmerrors.New(svmerrors.ErrParseFailed, svmerrors.CategoryData, fmt.Sprintf(format, args...)).
		WithContext("line", strconv.Itoa(line))
}

// Load reads a LIBSVM file.
func Load(path string, features int) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, svmerrors.IO(svmerrors.ErrReadFailed, path, err)
	}
	defer f.Close()

	ds, err := ReadLIBSVM(f, features)
	if err != nil {
		var se *svmerrors.SVMError
		if errors.As(err, &se) {
			return nil, se.WithContext("path", path)
		}
		return nil, svmerrors.IO(svmerrors.ErrReadFailed, path, err)
	}
	return ds, nil
}

// WriteLIBSVM writes x and labels in LIBSVM format, omitting zeros.
func WriteLIBSVM(w io.Writer, x mat.Matrix, labels []float64) error {
	r, c := x.Dims()
	if len(labels) != r {
		return svmerrors.Data(svmerrors.ErrShapeMismatch, "%d rows but %d labels", r, len(labels))
	}
	bw := bufio.NewWriter(w)
	for i := 0; i < r; i++ {
		bw.WriteString(strconv.FormatFloat(labels[i], 'g', -1, 64))
		for j := 0; j < c; j++ {
			if v := x.At(i, j); v != 0 {
				fmt.Fprintf(bw, " %d:%s", j+1, strconv.FormatFloat(v, 'g', -1, 64))
			}
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// Classes returns the distinct labels in increasing order.
func (ds *Dataset) Classes() []float64 {
	seen := make(map[float64]struct{})
	var classes []float64
	for _, l := range ds.Labels {
		if _, ok := seen[l]; !ok {
			seen[l] = struct{}{}
			classes = append(classes, l)
		}
	}
	sort.Float64s(classes)
	return classes
}

// Binary maps the two classes of ds to -1 (the lesser label) and +1 (the
// greater). It fails unless exactly two classes are present.
func (ds *Dataset) Binary() (y []float64, neg, pos float64, err error) {
	classes := ds.Classes()
	if len(classes) != 2 {
		return nil, 0, 0, svmerrors.Data(svmerrors.ErrInvalidLabel, "need exactly 2 classes, found %d", len(classes)).
			WithParam("labels")
	}
	neg, pos = classes[0], classes[1]
	y = make([]float64, len(ds.Labels))
	for i, l := range ds.Labels {
		if l == pos {
			y[i] = 1
		} else {
			y[i] = -1
		}
	}
	return y, neg, pos, nil
}

// Shuffle permutes the rows in place.
func (ds *Dataset) Shuffle(rng *rand.Rand) {
	n := ds.Len()
	_, d := ds.X.Dims()
	tmp := make([]float64, d)
	rng.Shuffle(n, func(i, j int) {
		ri, rj := ds.X.RawRowView(i), ds.X.RawRowView(j)
		copy(tmp, ri)
		copy(ri, rj)
		copy(rj, tmp)
		ds.Labels[i], ds.Labels[j] = ds.Labels[j], ds.Labels[i]
	})
}

// Split moves the last ceil(fraction*n) rows into a holdout set. The
// training part keeps at least one row.
func (ds *Dataset) Split(fraction float64) (train, holdout *Dataset, err error) {
	if fraction < 0 || fraction >= 1 {
		return nil, nil, svmerrors.InvalidParameter("holdout", "fraction must be in [0, 1), got %g", fraction)
	}
	n := ds.Len()
	k := 0
	for float64(k) < fraction*float64(n) {
		k++
	}
	if k >= n {
		k = n - 1
	}
	cut := n - k
	_, d := ds.X.Dims()
	train = &Dataset{
		X:      mat.DenseCopyOf(ds.X.Slice(0, cut, 0, d)),
		Labels: append([]float64(nil), ds.Labels[:cut]...),
	}
	if k == 0 {
		return train, nil, nil
	}
	holdout = &Dataset{
		X:      mat.DenseCopyOf(ds.X.Slice(cut, n, 0, d)),
		Labels: append([]float64(nil), ds.Labels[cut:]...),
	}
	return train, holdout, nil
}
