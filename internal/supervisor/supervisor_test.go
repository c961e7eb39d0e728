package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/srdesk/internal/events"
)

type fakeProcess struct {
	pid        int
	ignoreTerm bool

	mu      sync.Mutex
	signals []syscall.Signal
	once    sync.Once
	exit    chan error
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exit: make(chan error, 1)}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	ignore := p.ignoreTerm
	p.mu.Unlock()
	switch {
	case sig == syscall.SIGKILL:
		p.finish(errors.New("signal: killed"))
	case sig == syscall.SIGTERM && !ignore:
		p.finish(nil)
	}
	return nil
}

func (p *fakeProcess) Wait() error { return <-p.exit }

func (p *fakeProcess) finish(err error) {
	p.once.Do(func() { p.exit <- err })
}

func (p *fakeProcess) Signals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

type fakeSpawner struct {
	mu         sync.Mutex
	procs      []*fakeProcess
	err        error
	ignoreTerm bool
}

func (f *fakeSpawner) Spawn(cfg ProcessConfig, output func(string)) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := newFakeProcess(1000 + len(f.procs))
	p.ignoreTerm = f.ignoreTerm
	f.procs = append(f.procs, p)
	go output("spawned " + cfg.Parameters)
	return p, nil
}

func (f *fakeSpawner) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func (f *fakeSpawner) Last() *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.procs) == 0 {
		return nil
	}
	return f.procs[len(f.procs)-1]
}

type counter struct {
	bus   *events.Bus
	mu    sync.Mutex
	count map[string]int
}

func newCounter() *counter {
	c := &counter{bus: events.NewBus(), count: map[string]int{}}
	c.bus.On(events.TopicAll, func(e events.Event) {
		c.mu.Lock()
		c.count[e.Type]++
		c.mu.Unlock()
	})
	return c
}

func (c *counter) Get(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count[kind]
}

func fastOptions(bus events.Publisher) []Option {
	return []Option{
		WithPublisher(bus),
		WithRefreshInterval(10 * time.Millisecond),
		WithPausePoll(5 * time.Millisecond),
		WithRespawnInterval(5 * time.Millisecond),
		WithGracePeriod(30 * time.Millisecond),
	}
}

func testConfig() ProcessConfig {
	return ProcessConfig{ID: 3, Executable: "ecf", Parameters: "params_3.txt", Results: "best_3.txt"}
}

func TestSupervisorStartTimerAndStop(t *testing.T) {
	spawner := &fakeSpawner{}
	rec := newCounter()
	sup := New(testConfig(), spawner, fastOptions(rec.bus)...)

	require.NoError(t, sup.Start(context.Background()))
	assert.ErrorIs(t, sup.Start(context.Background()), ErrAlreadyRunning)
	require.Eventually(t, func() bool { return rec.Get("worker.timer") >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.Get("worker.starting"))
	assert.Equal(t, StateRunning, sup.State())

	require.NoError(t, sup.Stop(context.Background()))
	assert.Equal(t, StateStopped, sup.State())
	assert.Contains(t, spawner.Last().Signals(), syscall.SIGTERM)
	assert.Equal(t, 1, rec.Get("worker.stopped"))

	fired := rec.Get("worker.timer")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, fired, rec.Get("worker.timer"), "timer fired after Stop returned")
	assert.Equal(t, 1, spawner.Count())

	require.NoError(t, sup.Stop(context.Background()), "second stop is a no-op")
}

func TestSupervisorPauseSuspendsTimerAndProcess(t *testing.T) {
	spawner := &fakeSpawner{}
	rec := newCounter()
	sup := New(testConfig(), spawner, fastOptions(rec.bus)...)
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop(context.Background())
	require.Eventually(t, func() bool { return spawner.Count() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, sup.Pause())
	require.NoError(t, sup.Pause())
	assert.Equal(t, StatePaused, sup.State())
	// let a tick already in flight drain
	time.Sleep(20 * time.Millisecond)
	paused := rec.Get("worker.timer")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, paused, rec.Get("worker.timer"))
	assert.Equal(t, []syscall.Signal{syscall.SIGSTOP}, spawner.Last().Signals())

	require.NoError(t, sup.Resume())
	assert.Equal(t, StateRunning, sup.State())
	require.Eventually(t, func() bool { return rec.Get("worker.timer") > paused }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []syscall.Signal{syscall.SIGSTOP, syscall.SIGCONT}, spawner.Last().Signals())
	assert.Equal(t, 1, spawner.Count(), "pause must not respawn")
}

func TestSupervisorRespawnsOnExit(t *testing.T) {
	spawner := &fakeSpawner{}
	rec := newCounter()
	sup := New(testConfig(), spawner, fastOptions(rec.bus)...)
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop(context.Background())

	require.Eventually(t, func() bool { return spawner.Count() == 1 }, time.Second, time.Millisecond)
	spawner.Last().finish(nil)
	require.Eventually(t, func() bool { return spawner.Count() == 2 }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return sup.Status().Restarts == 1 }, time.Second, time.Millisecond)
	st := sup.Status()
	assert.Equal(t, 2, st.Spawns)
	assert.Equal(t, 1001, st.PID)
	assert.Equal(t, 1, rec.Get("worker.exited"))
	require.Eventually(t, func() bool { return len(sup.Status().Output) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "spawned params_3.txt", sup.Status().Output[0])
}

func TestSupervisorZeroRespawnIntervalDisablesPacing(t *testing.T) {
	if sup := New(testConfig(), &fakeSpawner{}, WithRespawnInterval(-time.Second)); sup.respawn != DefaultRespawnInterval {
		t.Fatalf("negative interval should keep the default, got %s", sup.respawn)
	}

	spawner := &fakeSpawner{}
	rec := newCounter()
	opts := append(fastOptions(rec.bus), WithRespawnInterval(0))
	sup := New(testConfig(), spawner, opts...)
	require.Zero(t, sup.respawn)
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop(context.Background())

	for want := 1; want <= 3; want++ {
		require.Eventually(t, func() bool { return spawner.Count() == want }, time.Second, time.Millisecond)
		spawner.Last().finish(nil)
	}
	require.Eventually(t, func() bool { return spawner.Count() == 4 }, time.Second, time.Millisecond)
}

func TestSupervisorKillsAfterGracePeriod(t *testing.T) {
	spawner := &fakeSpawner{ignoreTerm: true}
	sup := New(testConfig(), spawner, fastOptions(events.NewBus())...)
	require.NoError(t, sup.Start(context.Background()))
	require.Eventually(t, func() bool { return spawner.Count() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, sup.Pause())
	require.NoError(t, sup.Stop(context.Background()))
	assert.Equal(t,
		[]syscall.Signal{syscall.SIGSTOP, syscall.SIGTERM, syscall.SIGCONT, syscall.SIGKILL},
		spawner.Last().Signals())
	assert.Equal(t, StateStopped, sup.State())
}

func TestSupervisorSpawnFailure(t *testing.T) {
	spawner := &fakeSpawner{err: errors.New("exec: permission denied")}
	rec := newCounter()
	sup := New(testConfig(), spawner, fastOptions(rec.bus)...)
	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool { return sup.State() == StateFailed }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return sup.Done() == nil }, time.Second, time.Millisecond)
	assert.Equal(t, 1, rec.Get("worker.failed"))
	assert.Contains(t, sup.Status().LastError, "permission denied")
	require.NoError(t, sup.Stop(context.Background()))
	assert.ErrorIs(t, sup.Pause(), ErrNotRunning)

	spawner.mu.Lock()
	spawner.err = nil
	spawner.mu.Unlock()
	require.NoError(t, sup.Start(context.Background()), "failed worker can be restarted")
	require.Eventually(t, func() bool { return spawner.Count() == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, sup.Status().LastError)
	require.NoError(t, sup.Stop(context.Background()))
}

func TestSupervisorContextCancelStops(t *testing.T) {
	spawner := &fakeSpawner{}
	sup := New(testConfig(), spawner, fastOptions(events.NewBus())...)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sup.Start(ctx))
	require.Eventually(t, func() bool { return spawner.Count() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.Eventually(t, func() bool { return sup.State() == StateStopped }, time.Second, time.Millisecond)
}

func TestProcessConfigValidate(t *testing.T) {
	err := ProcessConfig{ID: 2, Executable: "ecf"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parameters, results")
	assert.NoError(t, testConfig().Validate())
}

func TestExecSpawnerDrainsOutputAndTerminates(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "ecf.sh")
	body := "echo generation start\necho oops 1>&2\nexec sleep 30\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	var starts atomic.Int32
	bus := events.NewBus()
	bus.On(events.TopicWorkerStarting, func(events.Event) { starts.Add(1) })
	cfg := ProcessConfig{ID: 1, Executable: sh, Parameters: script, Results: filepath.Join(dir, "best.txt")}
	sup := New(cfg, ExecSpawner{}, WithPublisher(bus), WithGracePeriod(2*time.Second))
	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool {
		return strings.Contains(strings.Join(sup.Status().Output, "\n"), "oops")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, sup.Status().Output, "generation start")
	assert.NotZero(t, sup.Status().PID)

	require.NoError(t, sup.Pause())
	require.NoError(t, sup.Resume())

	begin := time.Now()
	require.NoError(t, sup.Stop(context.Background()))
	assert.Less(t, time.Since(begin), 2*time.Second, "SIGTERM should end sleep without a kill")
	assert.EqualValues(t, 1, starts.Load())
}
