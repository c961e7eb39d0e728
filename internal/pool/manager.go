// Package pool coordinates a set of worker supervisors and merges their
// results into one frontier.
package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/srdesk/internal/archive"
	"github.com/kingrea/srdesk/internal/events"
	"github.com/kingrea/srdesk/internal/logging"
	"github.com/kingrea/srdesk/internal/metrics"
	"github.com/kingrea/srdesk/internal/results"
	"github.com/kingrea/srdesk/internal/supervisor"
)

var (
	ErrAlreadyRunning = errors.New("pool: already running")
	ErrNotRunning     = errors.New("pool: not running")
	ErrUnknownWorker  = errors.New("pool: unknown worker")
	ErrNoWorkers      = errors.New("pool: no workers configured")
	ErrSharedResults  = errors.New("pool: result file shared by workers")
)

// Logger is the logging surface the pool needs.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Archive persists accepted candidates. *archive.Store satisfies it.
type Archive interface {
	BeginSession(info archive.SessionInfo) error
	Append(session string, worker int, candidates []results.Candidate) error
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger injects a logger shared with the supervisors.
func WithLogger(logger Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSpawner replaces the exec-based spawner.
func WithSpawner(spawner supervisor.Spawner) Option {
	return func(m *Manager) {
		if spawner != nil {
			m.spawner = spawner
		}
	}
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithArchive persists every accepted candidate.
func WithArchive(a Archive) Option {
	return func(m *Manager) {
		m.archive = a
	}
}

// WithSupervisorOptions forwards timing options to every supervisor.
func WithSupervisorOptions(opts ...supervisor.Option) Option {
	return func(m *Manager) {
		m.supOpts = append(m.supOpts, opts...)
	}
}

// WithWatch enables fsnotify-driven aggregation on result-file writes.
func WithWatch(enabled bool) Option {
	return func(m *Manager) {
		m.watch = enabled
	}
}

// WithCleanStale removes result and log files left by a previous session
// before workers start, so offsets begin at zero.
func WithCleanStale(enabled bool) Option {
	return func(m *Manager) {
		m.clean = enabled
	}
}

// WithOutputDir captures each worker's process output in dir/worker_<id>.out.
func WithOutputDir(dir string) Option {
	return func(m *Manager) {
		m.outDir = dir
	}
}

type slot struct {
	cfg     supervisor.ProcessConfig
	sup     *supervisor.Supervisor
	state   *WorkerState
	output  *logging.Logger
	session string
	busy    atomic.Bool

	// archived holds expressions already persisted for this session; it
	// outlives RestartWorker so replayed history is not archived twice.
	// Only touched by aggregate, which busy serializes.
	archived map[string]struct{}
}

func (sl *slot) unarchived(accepted []results.Candidate) []results.Candidate {
	fresh := make([]results.Candidate, 0, len(accepted))
	for _, c := range accepted {
		if _, done := sl.archived[c.Expression]; done {
			continue
		}
		sl.archived[c.Expression] = struct{}{}
		fresh = append(fresh, c)
	}
	return fresh
}

// WorkerStatus combines the supervisor's view with aggregation progress.
type WorkerStatus struct {
	supervisor.Status
	Results    string             `json:"results"`
	Offset     int64              `json:"offset"`
	Candidates int                `json:"candidates"`
	Seen       int                `json:"seen"`
	Duplicates int                `json:"duplicates"`
	Best       *results.Candidate `json:"best,omitempty"`
}

// Manager owns the worker pool. Pool commands may be issued from any
// goroutine.
type Manager struct {
	bus     *events.Bus
	spawner supervisor.Spawner
	logger  Logger
	metrics *metrics.Metrics
	archive Archive
	supOpts []supervisor.Option
	watch   bool
	clean   bool
	outDir  string

	mu      sync.RWMutex
	slots   map[int]*slot
	order   []int
	session string
	running bool
	paused  bool
	runCtx  context.Context
	cancel  context.CancelFunc
	watcher *resultWatcher

	aggWG       sync.WaitGroup
	unsubscribe []func()
}

// New builds an idle manager publishing on bus.
func New(bus *events.Bus, opts ...Option) *Manager {
	if bus == nil {
		bus = events.NewBus()
	}
	m := &Manager{
		bus:     bus,
		spawner: supervisor.ExecSpawner{},
		logger:  nopLogger{},
		slots:   map[int]*slot{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.unsubscribe = append(m.unsubscribe,
		bus.On(events.TopicWorkerTimer, func(e events.Event) {
			m.OnTimerFired(e.WorkerID)
		}),
		bus.On(events.TopicWorkerExited, func(e events.Event) {
			m.metrics.ProcessExited(e.WorkerID)
		}),
		bus.On(events.TopicWorkerFailed, func(events.Event) {
			m.refreshRunningGauge()
		}),
	)
	return m
}

// Bus returns the event bus the pool publishes on.
func (m *Manager) Bus() *events.Bus { return m.bus }

// Close stops the pool if needed and detaches from the bus.
func (m *Manager) Close(ctx context.Context) error {
	err := m.StopAll(ctx)
	for _, fn := range m.unsubscribe {
		fn()
	}
	m.unsubscribe = nil
	return err
}

// StartAll begins a new session with one supervisor per config. Worker state
// from any earlier session is discarded.
func (m *Manager) StartAll(ctx context.Context, configs []supervisor.ProcessConfig) error {
	if len(configs) == 0 {
		return ErrNoWorkers
	}
	ids := map[int]struct{}{}
	resultFiles := map[string]int{}
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, dup := ids[cfg.ID]; dup {
			return fmt.Errorf("pool: duplicate worker id %d", cfg.ID)
		}
		ids[cfg.ID] = struct{}{}
		key := filepath.Clean(cfg.Results)
		if abs, err := filepath.Abs(key); err == nil {
			key = abs
		}
		if other, dup := resultFiles[key]; dup {
			return fmt.Errorf("%w: workers %d and %d both write %s", ErrSharedResults, other, cfg.ID, cfg.Results)
		}
		resultFiles[key] = cfg.ID
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	session := uuid.NewString()
	if m.clean {
		m.removeStale(configs)
	}
	if m.archive != nil {
		info := archive.SessionInfo{ID: session, Started: time.Now().UTC(), Workers: len(configs), Executable: configs[0].Executable}
		if err := m.archive.BeginSession(info); err != nil {
			m.logger.Printf("pool: archive session %s: %v", session, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.slots = make(map[int]*slot, len(configs))
	m.order = m.order[:0]
	for _, cfg := range configs {
		opts := append(append([]supervisor.Option(nil), m.supOpts...),
			supervisor.WithPublisher(m.bus),
			supervisor.WithLogger(m.logger),
			supervisor.WithSession(session),
		)
		output := m.openOutput(cfg.ID)
		if output != nil {
			output.Printf("session %s", session)
			opts = append(opts, supervisor.WithOutputSink(output.Line))
		}
		m.slots[cfg.ID] = &slot{
			cfg:      cfg,
			sup:      supervisor.New(cfg, m.spawner, opts...),
			state:    newWorkerState(cfg.ID),
			output:   output,
			session:  session,
			archived: map[string]struct{}{},
		}
		m.order = append(m.order, cfg.ID)
	}
	sort.Ints(m.order)

	if m.watch {
		w, err := newResultWatcher(configs, m.OnTimerFired, m.logger)
		if err != nil {
			m.logger.Printf("pool: result watcher disabled: %v", err)
		} else {
			m.watcher = w
		}
	}

	m.session = session
	m.running = true
	m.paused = false
	m.runCtx = runCtx
	m.cancel = cancel
	for _, id := range m.order {
		if err := m.slots[id].sup.Start(runCtx); err != nil {
			m.logger.Printf("pool: start worker %d: %v", id, err)
		}
	}
	m.mu.Unlock()

	m.logger.Printf("pool: session %s started with %d workers", session, len(configs))
	m.refreshRunningGauge()
	m.publish(events.TopicPoolStarted, len(configs))
	return nil
}

// PauseAll suspends every worker. Pausing a paused pool is a no-op.
func (m *Manager) PauseAll() error {
	return m.toggle(true)
}

// ContinueAll resumes every worker. Continuing a running pool is a no-op.
func (m *Manager) ContinueAll() error {
	return m.toggle(false)
}

func (m *Manager) toggle(pause bool) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	if m.paused == pause {
		m.mu.Unlock()
		return nil
	}
	m.paused = pause
	slots := m.snapshotLocked()
	m.mu.Unlock()

	var errs []error
	for _, sl := range slots {
		var err error
		if pause {
			err = sl.sup.Pause()
		} else {
			err = sl.sup.Resume()
		}
		// failed or stopped workers stay as they are
		if err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
			errs = append(errs, fmt.Errorf("pool: worker %d: %w", sl.cfg.ID, err))
		}
	}
	m.refreshRunningGauge()
	if pause {
		m.logger.Printf("pool: paused")
		m.publish(events.TopicPoolPaused, len(slots))
	} else {
		m.logger.Printf("pool: resumed")
		m.publish(events.TopicPoolResumed, len(slots))
	}
	return errors.Join(errs...)
}

// StopAll stops every worker, waits until all of them have exited, waits for
// in-flight aggregations and then runs one final aggregation pass so results
// written just before the stop are kept. No timer-driven aggregation starts
// after StopAll returns. Stopping a stopped pool is a no-op.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.paused = false
	slots := m.snapshotLocked()
	cancel := m.cancel
	watcher := m.watcher
	m.watcher = nil
	m.mu.Unlock()

	if watcher != nil {
		watcher.Close()
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, sl := range slots {
		sl := sl
		g.Go(func() error {
			return sl.sup.Stop(gctx)
		})
	}
	err := g.Wait()
	cancel()

	m.aggWG.Wait()
	for _, sl := range slots {
		m.aggregate(sl, true)
		if err := sl.output.Close(); err != nil {
			m.logger.Printf("pool: close output of worker %d: %v", sl.cfg.ID, err)
		}
	}
	m.refreshRunningGauge()
	m.logger.Printf("pool: stopped; global frontier has %d candidates", len(m.GlobalFrontier()))
	m.publish(events.TopicPoolStopped, len(slots))
	return err
}

// OnTimerFired starts an aggregation for worker id unless one is already in
// flight for it. It reports whether an aggregation was started.
func (m *Manager) OnTimerFired(id int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.running {
		return false
	}
	sl := m.slots[id]
	if sl == nil {
		return false
	}
	if !sl.busy.CompareAndSwap(false, true) {
		m.metrics.AggregationSkipped(id)
		return false
	}
	m.aggWG.Add(1)
	go func() {
		defer m.aggWG.Done()
		defer sl.busy.Store(false)
		m.aggregate(sl, false)
	}()
	return true
}

// aggregate reads the worker's new result bytes and merges accepted
// candidates into its state.
func (m *Manager) aggregate(sl *slot, final bool) {
	started := time.Now()
	id := sl.cfg.ID
	data, offset, err := results.ReadNew(sl.cfg.Results, sl.state.Offset())
	if err != nil {
		m.logger.Printf("pool: worker %d: %v", id, err)
		return
	}
	accepted, perr := sl.state.ingest(data, offset, final)
	parseErrs := splitErrors(perr)
	for _, e := range parseErrs {
		m.logger.Printf("pool: worker %d: skipped block: %v", id, e)
		m.bus.Publish(events.Event{
			Type:     events.TopicResultsParseError,
			WorkerID: id,
			Session:  sl.session,
			Message:  e.Error(),
		})
	}
	m.metrics.ObserveAggregation(id, started, len(data), len(accepted), len(parseErrs))
	if len(accepted) == 0 {
		return
	}
	if m.archive != nil {
		if fresh := sl.unarchived(accepted); len(fresh) > 0 {
			if err := m.archive.Append(sl.session, id, fresh); err != nil {
				m.logger.Printf("pool: worker %d: archive: %v", id, err)
			}
		}
	}
	m.metrics.SetFrontierSize(len(m.GlobalFrontier()))
	m.bus.Publish(events.Event{
		Type:     events.TopicResultsUpdated,
		WorkerID: id,
		Session:  sl.session,
		Count:    len(accepted),
	})
}

// RestartWorker stops one worker, clears its accumulated state and starts it
// again within the current session.
func (m *Manager) RestartWorker(ctx context.Context, id int) error {
	m.mu.RLock()
	sl := m.slots[id]
	running, paused, runCtx := m.running, m.paused, m.runCtx
	m.mu.RUnlock()
	if sl == nil {
		return fmt.Errorf("%w: %d", ErrUnknownWorker, id)
	}
	if !running {
		return ErrNotRunning
	}
	if err := sl.sup.Stop(ctx); err != nil {
		return err
	}
	for !sl.busy.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("pool: restart worker %d: %w", id, ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
	if m.clean {
		m.removeStale([]supervisor.ProcessConfig{sl.cfg})
	}
	sl.state.reset()
	sl.busy.Store(false)

	if err := sl.sup.Start(runCtx); err != nil {
		return fmt.Errorf("pool: restart worker %d: %w", id, err)
	}
	if paused {
		_ = sl.sup.Pause()
	}
	m.logger.Printf("pool: worker %d restarted", id)
	m.refreshRunningGauge()
	return nil
}

// GlobalFrontier filters the union of every worker's candidates. It is a
// snapshot and may miss an aggregation still in flight.
func (m *Manager) GlobalFrontier() []results.Candidate {
	var all []results.Candidate
	for _, sl := range m.snapshot() {
		all = append(all, sl.state.Candidates()...)
	}
	return results.Filter(all)
}

// WorkerFrontier filters the candidates of a single worker.
func (m *Manager) WorkerFrontier(id int) ([]results.Candidate, error) {
	st, err := m.State(id)
	if err != nil {
		return nil, err
	}
	return results.Filter(st.Candidates()), nil
}

// State returns the bookkeeping of worker id.
func (m *Manager) State(id int) (*WorkerState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sl := m.slots[id]
	if sl == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownWorker, id)
	}
	return sl.state, nil
}

// Workers reports every worker in id order.
func (m *Manager) Workers() []WorkerStatus {
	slots := m.snapshot()
	out := make([]WorkerStatus, 0, len(slots))
	for _, sl := range slots {
		ws := WorkerStatus{
			Status:     sl.sup.Status(),
			Results:    sl.cfg.Results,
			Offset:     sl.state.Offset(),
			Candidates: sl.state.Len(),
			Seen:       sl.state.SeenCount(),
			Duplicates: sl.state.Duplicates(),
		}
		if best, ok := results.Best(results.Filter(sl.state.Candidates())); ok {
			ws.Best = &best
		}
		out = append(out, ws)
	}
	return out
}

// Session returns the id of the current or last session.
func (m *Manager) Session() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// Running reports whether a session is live.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Paused reports whether the live session is paused.
func (m *Manager) Paused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused
}

func (m *Manager) snapshot() []*slot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() []*slot {
	out := make([]*slot, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.slots[id])
	}
	return out
}

func (m *Manager) refreshRunningGauge() {
	if m.metrics == nil {
		return
	}
	n := 0
	for _, sl := range m.snapshot() {
		if sl.sup.State() == supervisor.StateRunning {
			n++
		}
	}
	m.metrics.SetWorkersRunning(n)
}

func (m *Manager) openOutput(id int) *logging.Logger {
	if m.outDir == "" {
		return nil
	}
	l, err := logging.New(logging.OutputPath(m.outDir, id))
	if err != nil {
		m.logger.Printf("pool: worker %d output capture disabled: %v", id, err)
		return nil
	}
	return l
}

func (m *Manager) removeStale(configs []supervisor.ProcessConfig) {
	for _, cfg := range configs {
		for _, path := range []string{cfg.Results, cfg.Log} {
			if path == "" {
				continue
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				m.logger.Printf("pool: remove stale %s: %v", path, err)
			}
		}
	}
}

func (m *Manager) publish(kind string, count int) {
	m.bus.Publish(events.Event{
		Type:    kind,
		Session: m.Session(),
		Count:   count,
	})
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// splitErrors flattens joined errors into their leaves.
func splitErrors(err error) []error {
	if err == nil {
		return nil
	}
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return []error{err}
	}
	var out []error
	for _, e := range joined.Unwrap() {
		out = append(out, splitErrors(e)...)
	}
	return out
}
