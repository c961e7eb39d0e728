// Package supervisor owns the lifecycle of one external search process: it
// spawns it, suspends and resumes it, respawns it whenever it exits and
// publishes a periodic timer event while the worker is running.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/kingrea/srdesk/internal/events"
)

// State is the lifecycle state of a worker.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
	StateFailed  State = "failed"
)

var (
	// ErrAlreadyRunning is returned by Start while the loop is live.
	ErrAlreadyRunning = errors.New("supervisor: already running")
	// ErrNotRunning is returned by Pause and Resume outside a live run.
	ErrNotRunning = errors.New("supervisor: not running")
)

const (
	DefaultRefreshInterval = time.Second
	DefaultPausePoll       = 200 * time.Millisecond
	DefaultGracePeriod     = 500 * time.Millisecond
	DefaultRespawnInterval = 200 * time.Millisecond
	DefaultOutputTail      = 50
)

// Logger is the logging surface the supervisor needs.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithRefreshInterval sets how often worker.timer fires while running.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.refresh = d
		}
	}
}

// WithPausePoll sets how often an idle loop re-checks its run flag.
func WithPausePoll(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.pausePoll = d
		}
	}
}

// WithGracePeriod sets how long Stop waits after SIGTERM before SIGKILL.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithRespawnInterval sets the minimum spacing between two spawns. Zero
// disables pacing; negative values keep the default.
func WithRespawnInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d >= 0 {
			s.respawn = d
		}
	}
}

// WithOutputTail sets how many output lines are retained for Status.
func WithOutputTail(n int) Option {
	return func(s *Supervisor) {
		if n >= 0 {
			s.tailSize = n
		}
	}
}

// WithLogger injects a logger.
func WithLogger(logger Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPublisher injects the event sink.
func WithPublisher(p events.Publisher) Option {
	return func(s *Supervisor) {
		if p != nil {
			s.bus = p
		}
	}
}

// WithSession tags every published event with a session id.
func WithSession(session string) Option {
	return func(s *Supervisor) {
		s.session = session
	}
}

// WithOutputSink receives every output line of the worker's processes, in
// addition to the retained tail.
func WithOutputSink(sink func(line string)) Option {
	return func(s *Supervisor) {
		s.sink = sink
	}
}

// Status is a point-in-time view of a worker.
type Status struct {
	ID        int      `json:"id"`
	State     State    `json:"state"`
	PID       int      `json:"pid,omitempty"`
	Spawns    int      `json:"spawns"`
	Restarts  int      `json:"restarts"`
	LastError string   `json:"last_error,omitempty"`
	Output    []string `json:"output,omitempty"`
}

// Supervisor runs one worker. All process and timer handling happens on a
// single loop goroutine; the exported methods only flip flags, send signals
// and wake the loop.
type Supervisor struct {
	cfg     ProcessConfig
	spawner Spawner
	bus     events.Publisher
	logger  Logger
	session string

	refresh   time.Duration
	pausePoll time.Duration
	grace     time.Duration
	respawn   time.Duration
	tailSize  int
	sink      func(line string)

	mu       sync.Mutex
	state    State
	active   bool
	proc     Process
	spawns   int
	restarts int
	lastErr  error
	cancel   context.CancelFunc
	done     chan struct{}
	wake     chan struct{}

	tailMu sync.Mutex
	tail   []string
}

// New creates an idle supervisor for cfg.
func New(cfg ProcessConfig, spawner Spawner, opts ...Option) *Supervisor {
	if spawner == nil {
		spawner = ExecSpawner{}
	}
	s := &Supervisor{
		cfg:       cfg,
		spawner:   spawner,
		bus:       nopPublisher{},
		logger:    nopLogger{},
		refresh:   DefaultRefreshInterval,
		pausePoll: DefaultPausePoll,
		grace:     DefaultGracePeriod,
		respawn:   DefaultRespawnInterval,
		tailSize:  DefaultOutputTail,
		state:     StateIdle,
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// ID returns the worker id.
func (s *Supervisor) ID() int { return s.cfg.ID }

// Config returns the launch descriptor.
func (s *Supervisor) Config() ProcessConfig { return s.cfg }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the supervising loop. It is legal from Idle, Stopped and
// Failed. Cancelling ctx has the same effect as Stop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.active = true
	s.state = StateRunning
	s.lastErr = nil
	go s.run(runCtx, done)
	return nil
}

// Pause suspends the live process and stops the refresh timer. Pausing a
// paused worker is a no-op.
func (s *Supervisor) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StatePaused:
		return nil
	case StateRunning:
	default:
		return ErrNotRunning
	}
	s.active = false
	s.state = StatePaused
	if s.proc != nil {
		s.signalLocked(unix.SIGSTOP)
	}
	s.notify()
	return nil
}

// Resume continues a paused worker. Resuming a running worker is a no-op.
func (s *Supervisor) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateRunning:
		return nil
	case StatePaused:
	default:
		return ErrNotRunning
	}
	s.active = true
	s.state = StateRunning
	if s.proc != nil {
		s.signalLocked(unix.SIGCONT)
	}
	s.notify()
	return nil
}

// Stop terminates the process (SIGTERM, then SIGKILL after the grace period)
// and waits for the loop to exit. No timer event is published after Stop
// returns. Stopping a worker that is not running is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.active = false
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor: stop worker %d: %w", s.cfg.ID, ctx.Err())
	}
}

// Done is closed when the current loop exits; nil when no loop is live.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Status reports the worker's state, counters and recent output.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		ID:       s.cfg.ID,
		State:    s.state,
		Spawns:   s.spawns,
		Restarts: s.restarts,
	}
	if s.proc != nil {
		st.PID = s.proc.Pid()
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()

	s.tailMu.Lock()
	st.Output = append([]string(nil), s.tail...)
	s.tailMu.Unlock()
	return st
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.done == done {
			s.cancel()
			s.cancel = nil
			s.done = nil
		}
		s.mu.Unlock()
		close(done)
	}()

	limiter := rate.NewLimiter(rate.Every(s.respawn), 1)
	var (
		exited <-chan error
		ticker *time.Ticker
		tickC  <-chan time.Time
	)
	stopTicker := func() {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
			tickC = nil
		}
	}
	defer stopTicker()

	for {
		active := s.isActive()
		switch {
		case active && ticker == nil:
			ticker = time.NewTicker(s.refresh)
			tickC = ticker.C
		case !active:
			stopTicker()
		}

		if active && exited == nil {
			if err := limiter.Wait(ctx); err != nil {
				s.terminate(nil)
				return
			}
			ch, err := s.spawn()
			if err != nil {
				s.fail(err)
				return
			}
			exited = ch
		}

		var poll <-chan time.Time
		if exited == nil {
			poll = time.After(s.pausePoll)
		}
		select {
		case <-ctx.Done():
			s.terminate(exited)
			return
		case err := <-exited:
			exited = nil
			s.onExit(err)
		case <-tickC:
			s.fireTimer()
		case <-poll:
		case <-s.wake:
		}
	}
}

func (s *Supervisor) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// spawn starts one process instance unless the worker was paused or stopped
// meanwhile. The returned channel yields the reaped exit status.
func (s *Supervisor) spawn() (<-chan error, error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil, nil
	}
	proc, err := s.spawner.Spawn(s.cfg, s.appendOutput)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.proc = proc
	if s.spawns > 0 {
		s.restarts++
	}
	s.spawns++
	pid := proc.Pid()
	s.mu.Unlock()

	exited := make(chan error, 1)
	go func() {
		exited <- proc.Wait()
	}()
	s.logger.Printf("worker %d: started pid %d", s.cfg.ID, pid)
	s.publish(events.TopicWorkerStarting, fmt.Sprintf("pid %d", pid))
	return exited, nil
}

func (s *Supervisor) onExit(err error) {
	s.mu.Lock()
	s.proc = nil
	s.mu.Unlock()
	msg := "exited"
	if err != nil {
		msg = "exited: " + err.Error()
	}
	s.logger.Printf("worker %d: %s", s.cfg.ID, msg)
	s.publish(events.TopicWorkerExited, msg)
}

func (s *Supervisor) fireTimer() {
	if !s.isActive() {
		return
	}
	s.publish(events.TopicWorkerTimer, "")
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.active = false
	s.state = StateFailed
	s.lastErr = err
	s.mu.Unlock()
	s.logger.Printf("worker %d: spawn failed: %v", s.cfg.ID, err)
	s.publish(events.TopicWorkerFailed, err.Error())
}

// terminate runs on the loop goroutine once the run context is done.
func (s *Supervisor) terminate(exited <-chan error) {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()

	if proc != nil && exited != nil {
		s.sendSignal(proc, unix.SIGTERM)
		s.sendSignal(proc, unix.SIGCONT)
		grace := time.NewTimer(s.grace)
		select {
		case <-exited:
		case <-grace.C:
			s.logger.Printf("worker %d: pid %d ignored SIGTERM for %s, killing", s.cfg.ID, proc.Pid(), s.grace)
			s.sendSignal(proc, unix.SIGKILL)
			<-exited
		}
		grace.Stop()
	}

	s.mu.Lock()
	s.proc = nil
	s.active = false
	s.state = StateStopped
	s.mu.Unlock()
	s.logger.Printf("worker %d: stopped", s.cfg.ID)
	s.publish(events.TopicWorkerStopped, "")
}

func (s *Supervisor) signalLocked(sig syscall.Signal) {
	s.sendSignal(s.proc, sig)
}

func (s *Supervisor) sendSignal(proc Process, sig syscall.Signal) {
	if err := proc.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Printf("worker %d: signal %s: %v", s.cfg.ID, unix.SignalName(sig), err)
	}
}

func (s *Supervisor) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Supervisor) appendOutput(line string) {
	if s.sink != nil {
		s.sink(line)
	}
	if s.tailSize == 0 {
		return
	}
	s.tailMu.Lock()
	defer s.tailMu.Unlock()
	s.tail = append(s.tail, line)
	if over := len(s.tail) - s.tailSize; over > 0 {
		s.tail = append(s.tail[:0], s.tail[over:]...)
	}
}

func (s *Supervisor) publish(kind, message string) {
	s.bus.Publish(events.Event{
		Type:     kind,
		WorkerID: s.cfg.ID,
		Session:  s.session,
		Message:  message,
	})
}
