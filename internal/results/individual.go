package results

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// WriteIndividualFile writes c in the single-individual format the search
// executable accepts when asked to evaluate a fixed tree.
func WriteIndividualFile(path string, c Candidate) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("results: ensure dir for %s: %w", path, err)
	}
	var b strings.Builder
	b.WriteString("<Individual size=\"1\">\n")
	fmt.Fprintf(&b, "\t<FitnessMin value=\"%s\"/>\n", strconv.FormatFloat(c.Error, 'g', -1, 64))
	fmt.Fprintf(&b, "\t<Tree size=\"%d\">%s </Tree>\n", c.Size, c.Prefix)
	b.WriteString("</Individual>")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("results: write individual %s: %w", path, err)
	}
	return nil
}

// Evaluation is the outcome the executable writes after evaluating a single
// individual: the error it measured and the per-row predictions.
type Evaluation struct {
	Error     float64
	Solutions []float64
}

const (
	evaluationErrorLine = 3
	evaluationFirstRow  = 7
)

// ReadEvaluationFile parses an evaluation file. The error sits in the quoted
// attribute on the fourth line; predictions follow one per line from the
// eighth line on.
func ReadEvaluationFile(path string) (Evaluation, error) {
	f, err := os.Open(path)
	if err != nil {
		return Evaluation{}, fmt.Errorf("results: open evaluation %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return Evaluation{}, fmt.Errorf("results: read evaluation %s: %w", path, err)
	}
	if len(lines) <= evaluationErrorLine {
		return Evaluation{}, fmt.Errorf("results: evaluation %s has %d lines, want at least %d", path, len(lines), evaluationErrorLine+1)
	}
	raw, ok := quotedValue(lines[evaluationErrorLine])
	if !ok {
		return Evaluation{}, fmt.Errorf("results: evaluation %s: error line: %w", path, errNoQuotedValue)
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Evaluation{}, fmt.Errorf("results: evaluation %s: error line: %w", path, err)
	}
	eval := Evaluation{Error: value}
	for i := evaluationFirstRow; i < len(lines); i++ {
		text := strings.TrimSpace(lines[i])
		if text == "" {
			continue
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Evaluation{}, fmt.Errorf("results: evaluation %s line %d: %w", path, i+1, err)
		}
		eval.Solutions = append(eval.Solutions, v)
	}
	return eval, nil
}
