package tui

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/srdesk/internal/logbook"
	"github.com/kingrea/srdesk/internal/pool"
	"github.com/kingrea/srdesk/internal/results"
	"github.com/kingrea/srdesk/internal/supervisor"
)

type stubController struct {
	mu        sync.Mutex
	running   bool
	paused    bool
	calls     []string
	restarted []int
	pauseErr  error
}

func (s *stubController) Workers() []pool.WorkerStatus {
	best := results.Candidate{WorkerID: 1, Expression: "x1", Size: 1, Error: 0.25}
	return []pool.WorkerStatus{
		{Status: supervisor.Status{ID: 0, State: supervisor.StateRunning, PID: 100}},
		{Status: supervisor.Status{ID: 1, State: supervisor.StateFailed}, Candidates: 1, Best: &best},
	}
}

func (s *stubController) GlobalFrontier() []results.Candidate {
	return []results.Candidate{
		{WorkerID: 1, Generation: 2, Expression: "x1", Size: 1, Error: 0.25},
		{WorkerID: 0, Generation: 4, Expression: "(x1 * x2)", Size: 3, Error: 0.01},
	}
}

func (s *stubController) record(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
}

func (s *stubController) PauseAll() error {
	s.record("pause")
	if s.pauseErr != nil {
		return s.pauseErr
	}
	s.paused = true
	return nil
}

func (s *stubController) ContinueAll() error {
	s.record("resume")
	s.paused = false
	return nil
}

func (s *stubController) StopAll(context.Context) error {
	s.record("stop")
	s.running = false
	return nil
}

func (s *stubController) RestartWorker(_ context.Context, id int) error {
	s.record("restart")
	s.restarted = append(s.restarted, id)
	return nil
}

func (s *stubController) Session() string { return "0123456789abcdef" }
func (s *stubController) Running() bool   { return s.running }
func (s *stubController) Paused() bool    { return s.paused }

func keyPress(k string) tea.KeyMsg {
	switch k {
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
}

// press sends a key and feeds the resulting action message back into the app.
func press(t *testing.T, app *App, k string) tea.Cmd {
	t.Helper()
	_, cmd := app.Update(keyPress(k))
	if cmd == nil {
		return nil
	}
	msg := cmd()
	if _, ok := msg.(actionMsg); !ok {
		return cmd
	}
	_, next := app.Update(msg)
	return next
}

func loadSnapshot(t *testing.T, app *App) {
	t.Helper()
	msg := app.Init()()
	snap, ok := msg.(snapshotMsg)
	if !ok {
		t.Fatalf("expected snapshot message, got %T", msg)
	}
	if _, cmd := app.Update(snap); cmd == nil {
		t.Fatalf("snapshot should schedule the next refresh")
	}
}

func TestSnapshotPopulatesTables(t *testing.T) {
	ctrl := &stubController{running: true}
	app := NewApp(ctrl)
	loadSnapshot(t, app)

	if got := len(app.workers.Rows()); got != 2 {
		t.Fatalf("expected 2 worker rows, got %d", got)
	}
	if got := app.workers.Rows()[1][6]; got != "0.25" {
		t.Fatalf("expected best error column, got %q", got)
	}
	if got := app.workers.Rows()[1][2]; got != "-" {
		t.Fatalf("expected placeholder pid for failed worker, got %q", got)
	}
	if got := app.frontier.Rows()[1][4]; got != "(x1 * x2)" {
		t.Fatalf("unexpected frontier expression %q", got)
	}
	view := app.View()
	for _, want := range []string{"SRDESK", "RUNNING", "01234567", "FRONTIER · 2"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestPoolKeysDriveController(t *testing.T) {
	ctrl := &stubController{running: true}
	app := NewApp(ctrl)
	loadSnapshot(t, app)

	press(t, app, "p")
	if !ctrl.paused || app.statusMsg != "paused" {
		t.Fatalf("pause not applied: paused=%v status=%q", ctrl.paused, app.statusMsg)
	}
	press(t, app, "r")
	if ctrl.paused {
		t.Fatalf("resume not applied")
	}
	press(t, app, "s")
	if ctrl.running {
		t.Fatalf("stop not applied")
	}
	want := "pause,resume,stop"
	if got := strings.Join(ctrl.calls, ","); got != want {
		t.Fatalf("calls = %s, want %s", got, want)
	}
}

func TestActionErrorShownInStatus(t *testing.T) {
	ctrl := &stubController{running: true, pauseErr: errors.New("pool: not running")}
	app := NewApp(ctrl)
	press(t, app, "p")
	if app.err == nil || !strings.Contains(app.statusMsg, "paused failed") {
		t.Fatalf("expected failure status, got %q", app.statusMsg)
	}
}

func TestRestartSelectedWorker(t *testing.T) {
	ctrl := &stubController{running: true}
	app := NewApp(ctrl)
	loadSnapshot(t, app)

	app.Update(keyPress("down"))
	press(t, app, "x")
	if len(ctrl.restarted) != 1 || ctrl.restarted[0] != 1 {
		t.Fatalf("expected worker 1 restarted, got %v", ctrl.restarted)
	}
}

func TestTabSwitchesFocus(t *testing.T) {
	app := NewApp(&stubController{})
	loadSnapshot(t, app)
	app.Update(keyPress("tab"))
	if app.focus != focusFrontier || app.workers.Focused() || !app.frontier.Focused() {
		t.Fatalf("tab should focus the frontier table")
	}
	app.Update(keyPress("tab"))
	if app.focus != focusWorkers {
		t.Fatalf("second tab should return to workers")
	}
}

func TestQuitStopsRunningPool(t *testing.T) {
	ctrl := &stubController{running: true}
	app := NewApp(ctrl, WithStopOnQuit(true))
	loadSnapshot(t, app)

	_, cmd := app.Update(keyPress("q"))
	if cmd == nil {
		t.Fatalf("quit should return a command")
	}
	msg := cmd()
	if _, ok := msg.(actionMsg); !ok {
		t.Fatalf("expected stop action before quitting, got %T", msg)
	}
	_, next := app.Update(msg)
	if next == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := next().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg after stop")
	}
	if ctrl.running {
		t.Fatalf("pool should be stopped on quit")
	}
}

func TestQuitWithoutStop(t *testing.T) {
	ctrl := &stubController{running: true}
	app := NewApp(ctrl)
	_, cmd := app.Update(keyPress("q"))
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected immediate quit")
	}
	if len(ctrl.calls) != 0 {
		t.Fatalf("quit without stop-on-quit should not touch the pool: %v", ctrl.calls)
	}
}

func TestLogPanelShowsTail(t *testing.T) {
	lb, err := logbook.New(filepath.Join(t.TempDir(), "srdesk.log"))
	if err != nil {
		t.Fatalf("logbook: %v", err)
	}
	lb.Info("worker 0 started")
	app := NewApp(&stubController{}, WithLogbook(lb))
	app.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	if view := app.View(); !strings.Contains(view, "worker 0 started") || !strings.Contains(view, "srdesk.log") {
		t.Fatalf("log panel missing from view:\n%s", view)
	}
}
