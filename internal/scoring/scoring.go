// Package scoring re-evaluates frontier candidates on a held-out dataset.
package scoring

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/kingrea/srdesk/internal/expr"
	"github.com/kingrea/srdesk/internal/results"
)

// Metric names an error measure.
type Metric string

const (
	MSE  Metric = "mse"
	MAE  Metric = "mae"
	MAPE Metric = "mape"
)

// ErrEmptyDataset is returned when a dataset has no rows.
var ErrEmptyDataset = errors.New("scoring: dataset has no rows")

// ParseMetric accepts mse, mae or mape in any case.
func ParseMetric(name string) (Metric, error) {
	switch m := Metric(strings.ToLower(strings.TrimSpace(name))); m {
	case MSE, MAE, MAPE:
		return m, nil
	default:
		return "", fmt.Errorf("scoring: unknown metric %q", name)
	}
}

// Dataset holds input rows and their target values. The last column of the
// source file is the target.
type Dataset struct {
	Header []string
	Inputs [][]float64
	Target []float64
}

// Len returns the number of rows.
func (d *Dataset) Len() int { return len(d.Target) }

// Vars returns the number of input columns.
func (d *Dataset) Vars() int {
	if len(d.Inputs) == 0 {
		return 0
	}
	return len(d.Inputs[0])
}

// LoadDataset reads a tab, space or comma separated table. A first line that
// is not fully numeric is treated as the header.
func LoadDataset(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scoring: open dataset: %w", err)
	}
	defer f.Close()

	ds := &Dataset{}
	width := -1
	lineNo := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineNo++
		fields := splitFields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		values, ok := parseRow(fields)
		if !ok {
			if width < 0 && ds.Header == nil {
				ds.Header = fields
				continue
			}
			return nil, fmt.Errorf("scoring: %s:%d: non-numeric row", path, lineNo)
		}
		if len(values) < 2 {
			return nil, fmt.Errorf("scoring: %s:%d: need at least one input and a target", path, lineNo)
		}
		if width < 0 {
			width = len(values)
		} else if len(values) != width {
			return nil, fmt.Errorf("scoring: %s:%d: %d columns, want %d", path, lineNo, len(values), width)
		}
		ds.Inputs = append(ds.Inputs, values[:len(values)-1])
		ds.Target = append(ds.Target, values[len(values)-1])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scoring: read dataset: %w", err)
	}
	if ds.Len() == 0 {
		return nil, ErrEmptyDataset
	}
	return ds, nil
}

func splitFields(line string) []string {
	return strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}

func parseRow(fields []string) ([]float64, bool) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// Predict evaluates e on every row.
func Predict(e *expr.Expr, ds *Dataset) ([]float64, error) {
	if e.NumVars() > ds.Vars() {
		return nil, fmt.Errorf("scoring: expression uses x%d, dataset has %d inputs", e.NumVars(), ds.Vars())
	}
	out := make([]float64, ds.Len())
	for i, row := range ds.Inputs {
		v, err := e.Eval(row)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Error computes metric between predictions and targets. MAPE skips rows
// whose target is zero.
func Error(metric Metric, predicted, target []float64) (float64, error) {
	if len(predicted) != len(target) {
		return 0, fmt.Errorf("scoring: %d predictions for %d targets", len(predicted), len(target))
	}
	if len(target) == 0 {
		return 0, ErrEmptyDataset
	}
	sum := 0.0
	n := 0
	for i := range target {
		diff := predicted[i] - target[i]
		switch metric {
		case MSE:
			sum += diff * diff
		case MAE:
			sum += math.Abs(diff)
		case MAPE:
			if target[i] == 0 {
				continue
			}
			sum += math.Abs(diff / target[i])
		default:
			return 0, fmt.Errorf("scoring: unknown metric %q", metric)
		}
		n++
	}
	if n == 0 {
		return math.NaN(), nil
	}
	mean := sum / float64(n)
	if metric == MAPE {
		mean *= 100
	}
	return mean, nil
}

// Scored pairs a candidate with its error on the dataset.
type Scored struct {
	results.Candidate
	TestError float64 `json:"test_error"`
	Err       string  `json:"error_message,omitempty"`
}

// Rescore evaluates every candidate on ds in parallel. Candidates whose
// expression cannot be parsed or evaluated keep a NaN error and a message.
func Rescore(candidates []results.Candidate, ds *Dataset, metric Metric) []Scored {
	out := make([]Scored, len(candidates))
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			out[i] = score(c, ds, metric)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func score(c results.Candidate, ds *Dataset, metric Metric) Scored {
	s := Scored{Candidate: c, TestError: math.NaN()}
	e, err := expr.Parse(c.Expression)
	if err != nil {
		s.Err = err.Error()
		return s
	}
	predicted, err := Predict(e, ds)
	if err != nil {
		s.Err = err.Error()
		return s
	}
	v, err := Error(metric, predicted, ds.Target)
	if err != nil {
		s.Err = err.Error()
		return s
	}
	s.TestError = v
	return s
}
