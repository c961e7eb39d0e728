package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/kingrea/srdesk/internal/archive"
	"github.com/kingrea/srdesk/internal/results"
	"github.com/kingrea/srdesk/internal/scoring"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF")).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#444444"))).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

func printFrontier(w io.Writer, frontier []results.Candidate) {
	if len(frontier) == 0 {
		fmt.Fprintln(w, "Frontier is empty.")
		return
	}
	t := newTable("Size", "Error", "Worker", "Gen", "Expression")
	for _, c := range frontier {
		t.Row(strconv.Itoa(c.Size), formatFloat(c.Error), strconv.Itoa(c.WorkerID), strconv.Itoa(c.Generation), c.Expression)
	}
	fmt.Fprintln(w, t.String())
}

func printScored(w io.Writer, metric scoring.Metric, scored []scoring.Scored) {
	if len(scored) == 0 {
		fmt.Fprintln(w, "Frontier is empty.")
		return
	}
	t := newTable("Size", "Train error", "Test "+string(metric), "Expression")
	for _, s := range scored {
		test := formatFloat(s.TestError)
		if s.Err != "" {
			test = "error: " + s.Err
		}
		t.Row(strconv.Itoa(s.Size), formatFloat(s.Error), test, s.Expression)
	}
	fmt.Fprintln(w, t.String())
}

func printSessions(w io.Writer, sessions []archive.SessionInfo) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No archived sessions.")
		return
	}
	t := newTable("Session", "Started", "Workers", "Executable")
	for _, s := range sessions {
		t.Row(s.ID, s.Started.Local().Format("2006-01-02 15:04:05"), strconv.Itoa(s.Workers), s.Executable)
	}
	fmt.Fprintln(w, t.String())
}

// writeJSON emits v as indented JSON. NaN and Inf errors are not valid JSON,
// so callers convert them first.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type jsonScored struct {
	results.Candidate
	TestError *float64 `json:"test_error"`
	Err       string   `json:"error_message,omitempty"`
}

func scoredForJSON(scored []scoring.Scored) []jsonScored {
	out := make([]jsonScored, len(scored))
	for i, s := range scored {
		out[i] = jsonScored{Candidate: s.Candidate, Err: s.Err}
		if !math.IsNaN(s.TestError) && !math.IsInf(s.TestError, 0) {
			v := s.TestError
			out[i].TestError = &v
		}
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 8, 64)
}
