// internal/tui/app.go
//
// The dashboard for a running worker pool. It follows The Elm Architecture
// like every bubbletea program: snapshots and key presses arrive as messages,
// Update folds them into the App, View renders the App.

package tui

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/srdesk/internal/logbook"
	"github.com/kingrea/srdesk/internal/pool"
	"github.com/kingrea/srdesk/internal/results"
)

const (
	defaultRefreshInterval = time.Second
	defaultActionTimeout   = 10 * time.Second
	logPanelLines          = 6
)

// Controller is the part of the pool manager the dashboard drives.
type Controller interface {
	Workers() []pool.WorkerStatus
	GlobalFrontier() []results.Candidate
	PauseAll() error
	ContinueAll() error
	StopAll(ctx context.Context) error
	RestartWorker(ctx context.Context, id int) error
	Session() string
	Running() bool
	Paused() bool
}

type focus int

const (
	focusWorkers focus = iota
	focusFrontier
)

type snapshotMsg struct {
	workers  []pool.WorkerStatus
	frontier []results.Candidate
	session  string
	running  bool
	paused   bool
}

type tickMsg struct{}

type actionMsg struct {
	status string
	err    error
}

// AppOption customizes App construction for tests and alternate runtimes.
type AppOption func(*App)

// WithLogbook shows the tail of lb under the tables.
func WithLogbook(lb *logbook.Logbook) AppOption {
	return func(a *App) {
		a.logbook = lb
	}
}

// WithRefreshInterval overrides how often the pool is polled.
func WithRefreshInterval(d time.Duration) AppOption {
	return func(a *App) {
		if d > 0 {
			a.refresh = d
		}
	}
}

// WithStopOnQuit makes q stop the pool before the program exits.
func WithStopOnQuit(enabled bool) AppOption {
	return func(a *App) {
		a.stopOnQuit = enabled
	}
}

// App is the dashboard model.
type App struct {
	ctrl       Controller
	logbook    *logbook.Logbook
	refresh    time.Duration
	stopOnQuit bool

	workers  table.Model
	frontier table.Model
	help     help.Model
	keys     keyMap
	focus    focus

	snapshot  snapshotMsg
	statusMsg string
	err       error
	quitting  bool

	width  int
	height int
}

// NewApp creates a dashboard over ctrl.
func NewApp(ctrl Controller, opts ...AppOption) *App {
	workers := table.New(
		table.WithColumns(workerColumns(100)),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	frontier := table.New(
		table.WithColumns(frontierColumns(100)),
		table.WithHeight(10),
	)
	styles := tableStyles()
	workers.SetStyles(styles)
	frontier.SetStyles(styles)

	app := &App{
		ctrl:     ctrl,
		refresh:  defaultRefreshInterval,
		workers:  workers,
		frontier: frontier,
		help:     help.New(),
		keys:     defaultKeyMap(),
		focus:    focusWorkers,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	return app
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return a.fetchSnapshot()
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.resize()
		return a, nil

	case snapshotMsg:
		a.applySnapshot(msg)
		return a, a.scheduleRefresh()

	case tickMsg:
		return a, a.fetchSnapshot()

	case actionMsg:
		a.err = msg.err
		if msg.err != nil {
			a.statusMsg = fmt.Sprintf("%s failed: %v", msg.status, msg.err)
			a.logError("Dashboard · %s failed: %v", msg.status, msg.err)
		} else {
			a.statusMsg = msg.status
			a.logInfo("Dashboard · %s", msg.status)
		}
		if a.quitting {
			return a, tea.Quit
		}
		return a, a.fetchSnapshot()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, a.keys.Quit):
			if a.quitting {
				return a, nil
			}
			a.quitting = true
			if a.stopOnQuit && a.snapshot.running {
				a.statusMsg = "Stopping workers..."
				return a, a.runAction("stopped", func(ctx context.Context) error { return a.ctrl.StopAll(ctx) })
			}
			return a, tea.Quit
		case key.Matches(msg, a.keys.Pause):
			a.statusMsg = "Pausing..."
			return a, a.runAction("paused", func(context.Context) error { return a.ctrl.PauseAll() })
		case key.Matches(msg, a.keys.Resume):
			a.statusMsg = "Resuming..."
			return a, a.runAction("resumed", func(context.Context) error { return a.ctrl.ContinueAll() })
		case key.Matches(msg, a.keys.Stop):
			a.statusMsg = "Stopping workers..."
			return a, a.runAction("stopped", func(ctx context.Context) error { return a.ctrl.StopAll(ctx) })
		case key.Matches(msg, a.keys.Restart):
			id, ok := a.selectedWorker()
			if !ok {
				a.statusMsg = "No worker selected"
				return a, nil
			}
			a.statusMsg = fmt.Sprintf("Restarting worker %d...", id)
			return a, a.runAction(fmt.Sprintf("worker %d restarted", id), func(ctx context.Context) error {
				return a.ctrl.RestartWorker(ctx, id)
			})
		case key.Matches(msg, a.keys.Switch):
			a.toggleFocus()
			return a, nil
		case key.Matches(msg, a.keys.Help):
			a.help.ShowAll = !a.help.ShowAll
			return a, nil
		}
	}

	var cmd tea.Cmd
	if a.focus == focusWorkers {
		a.workers, cmd = a.workers.Update(msg)
	} else {
		a.frontier, cmd = a.frontier.Update(msg)
	}
	return a, cmd
}

func (a *App) applySnapshot(msg snapshotMsg) {
	a.snapshot = msg
	rows := make([]table.Row, 0, len(msg.workers))
	for _, w := range msg.workers {
		best := "-"
		if w.Best != nil {
			best = formatError(w.Best.Error)
		}
		rows = append(rows, table.Row{
			strconv.Itoa(w.ID),
			string(w.State),
			pidLabel(w.PID),
			strconv.Itoa(w.Restarts),
			strconv.Itoa(w.Candidates),
			strconv.Itoa(w.Seen),
			best,
		})
	}
	a.workers.SetRows(rows)
	if cursor := a.workers.Cursor(); cursor >= len(rows) && len(rows) > 0 {
		a.workers.SetCursor(len(rows) - 1)
	}

	frows := make([]table.Row, 0, len(msg.frontier))
	for _, c := range msg.frontier {
		frows = append(frows, table.Row{
			strconv.Itoa(c.Size),
			formatError(c.Error),
			strconv.Itoa(c.WorkerID),
			strconv.Itoa(c.Generation),
			c.Expression,
		})
	}
	a.frontier.SetRows(frows)
	if cursor := a.frontier.Cursor(); cursor >= len(frows) && len(frows) > 0 {
		a.frontier.SetCursor(len(frows) - 1)
	}
}

func (a *App) toggleFocus() {
	if a.focus == focusWorkers {
		a.focus = focusFrontier
		a.workers.Blur()
		a.frontier.Focus()
		return
	}
	a.focus = focusWorkers
	a.frontier.Blur()
	a.workers.Focus()
}

func (a *App) selectedWorker() (int, bool) {
	row := a.workers.SelectedRow()
	if len(row) == 0 {
		return 0, false
	}
	id, err := strconv.Atoi(row[0])
	if err != nil {
		return 0, false
	}
	return id, true
}

func (a *App) resize() {
	width := max(40, a.width-4)
	a.workers.SetColumns(workerColumns(width))
	a.frontier.SetColumns(frontierColumns(width))
	a.workers.SetWidth(width)
	a.frontier.SetWidth(width)
	avail := a.height - 14 - logPanelLines
	if avail < 8 {
		avail = 8
	}
	a.workers.SetHeight(max(3, avail/3))
	a.frontier.SetHeight(max(5, avail-avail/3))
	a.help.Width = width
}

func (a *App) fetchSnapshot() tea.Cmd {
	ctrl := a.ctrl
	return func() tea.Msg {
		return snapshotMsg{
			workers:  ctrl.Workers(),
			frontier: ctrl.GlobalFrontier(),
			session:  ctrl.Session(),
			running:  ctrl.Running(),
			paused:   ctrl.Paused(),
		}
	}
}

func (a *App) scheduleRefresh() tea.Cmd {
	return tea.Tick(a.refresh, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (a *App) runAction(status string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), defaultActionTimeout)
		defer cancel()
		return actionMsg{status: status, err: fn(ctx)}
	}
}

// View renders the dashboard.
func (a *App) View() string {
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		Render("⬡ SRDESK")
	sections := []string{
		lipgloss.JoinHorizontal(lipgloss.Top, header, "  ", a.renderPoolState()),
		a.renderPanel("WORKERS", a.workers.View(), a.focus == focusWorkers),
		a.renderPanel(fmt.Sprintf("FRONTIER · %d", len(a.snapshot.frontier)), a.frontier.View(), a.focus == focusFrontier),
	}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		Render(a.statusMsg)
	sections = append(sections, footer, a.help.View(a.keys))
	return strings.Join(sections, "\n")
}

func (a *App) renderPoolState() string {
	state := "idle"
	color := lipgloss.Color("#888888")
	switch {
	case a.snapshot.running && a.snapshot.paused:
		state, color = "paused", lipgloss.Color("#F2C94C")
	case a.snapshot.running:
		state, color = "running", lipgloss.Color("#6FCF97")
	case a.snapshot.session != "":
		state = "stopped"
	}
	label := lipgloss.NewStyle().Bold(true).Foreground(color).Render(strings.ToUpper(state))
	if a.snapshot.session == "" {
		return label
	}
	session := lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA")).Render("session " + shortID(a.snapshot.session))
	return label + "  " + session
}

func (a *App) renderPanel(title, body string, focused bool) string {
	border := lipgloss.Color("#444444")
	if focused {
		border = lipgloss.Color("#5B8DEF")
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(title)
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(border).
		Padding(0, 1).
		Render(head + "\n" + body)
}

func (a *App) renderLogPanel() string {
	if a.logbook == nil {
		return ""
	}
	lines, total := a.logbook.Tail(logPanelLines)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(a.logbook.Path())
	if fileName == "." || fileName == "" {
		fileName = "log"
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("LOG · %s · %d lines", fileName, total))
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(lines, "\n"))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(fmt.Sprintf("%s\n%s", head, body))
}

func (a *App) logInfo(format string, args ...any) {
	if a.logbook == nil {
		return
	}
	a.logbook.Info(format, args...)
}

func (a *App) logError(format string, args ...any) {
	if a.logbook == nil {
		return
	}
	a.logbook.Error(format, args...)
}

func workerColumns(width int) []table.Column {
	fixed := []table.Column{
		{Title: "ID", Width: 4},
		{Title: "State", Width: 9},
		{Title: "PID", Width: 8},
		{Title: "Restarts", Width: 8},
		{Title: "Frontier", Width: 8},
		{Title: "Seen", Width: 8},
	}
	used := 0
	for _, c := range fixed {
		used += c.Width + 2
	}
	return append(fixed, table.Column{Title: "Best error", Width: max(10, width-used-2)})
}

func frontierColumns(width int) []table.Column {
	fixed := []table.Column{
		{Title: "Size", Width: 5},
		{Title: "Error", Width: 12},
		{Title: "Worker", Width: 6},
		{Title: "Gen", Width: 6},
	}
	used := 0
	for _, c := range fixed {
		used += c.Width + 2
	}
	return append(fixed, table.Column{Title: "Expression", Width: max(20, width-used-2)})
}

func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#5B8DEF")).
		Bold(false)
	return s
}

func formatError(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Sprint(v)
	}
	return strconv.FormatFloat(v, 'g', 6, 64)
}

func pidLabel(pid int) string {
	if pid <= 0 {
		return "-"
	}
	return strconv.Itoa(pid)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
