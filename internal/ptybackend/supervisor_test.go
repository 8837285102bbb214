package ptybackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/victorarias/ptyhost/internal/pty"
	"github.com/victorarias/ptyhost/internal/ptyworker"
	"github.com/victorarias/ptyhost/internal/ptyworker/workertest"
)

const waitTimeout = 5 * time.Second

// The test binary doubles as an exec'd worker backed by the fake backend.
func TestMain(m *testing.M) {
	if os.Getenv(ptyworker.WorkerEnvVar) == "1" {
		fmt.Fprintln(os.Stderr, "fake worker starting")
		err := ptyworker.Run(context.Background(), ptyworker.Config{
			In:          os.Stdin,
			Out:         os.Stdout,
			LoadBackend: fakeLoader(workertest.New()),
		})
		if err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func fakeLoader(b *workertest.Backend) ptyworker.BackendLoader {
	return func(h pty.Handlers, _ *zap.Logger) (ptyworker.Backend, error) {
		return b.Bind(h), nil
	}
}

type recordingLauncher struct {
	inner    Launcher
	gate     chan struct{}
	launches atomic.Int32

	mu    sync.Mutex
	procs []WorkerProcess
}

func (l *recordingLauncher) Launch(ctx context.Context, instanceID string) (WorkerProcess, error) {
	l.launches.Add(1)
	if l.gate != nil {
		<-l.gate
	}
	p, err := l.inner.Launch(ctx, instanceID)
	if err == nil {
		l.mu.Lock()
		l.procs = append(l.procs, p)
		l.mu.Unlock()
	}
	return p, err
}

func (l *recordingLauncher) last() WorkerProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

type launcherFunc func(ctx context.Context, instanceID string) (WorkerProcess, error)

func (f launcherFunc) Launch(ctx context.Context, instanceID string) (WorkerProcess, error) {
	return f(ctx, instanceID)
}

func newTestSupervisor(t *testing.T, loader ptyworker.BackendLoader, mutate func(*Config)) (*Supervisor, *recordingLauncher) {
	t.Helper()
	l := &recordingLauncher{inner: &EmbeddedLauncher{LoadBackend: loader, InitFailureExitDelay: 5 * time.Millisecond}}
	cfg := Config{
		Launcher:     l,
		ReadyTimeout: 2 * time.Second,
		RestartDelay: 10 * time.Millisecond,
		KillAckGrace: 200 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = s.StopHost(ctx)
	})
	return s, l
}

type hostEvents struct {
	mu     sync.Mutex
	events []HostEvent
	ch     chan HostEvent
}

func recordHostEvents(s *Supervisor) *hostEvents {
	r := &hostEvents{ch: make(chan HostEvent, 64)}
	s.Subscribe(func(evt HostEvent) {
		r.mu.Lock()
		r.events = append(r.events, evt)
		r.mu.Unlock()
		r.ch <- evt
	})
	return r
}

func (r *hostEvents) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Kind == kind {
			n++
		}
	}
	return n
}

func (r *hostEvents) await(t *testing.T, kind string) HostEvent {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case evt := <-r.ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for callback")
	}
	var zero T
	return zero
}

func spawnStarted(t *testing.T, s *Supervisor, shell string) *Handle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	h, err := s.Spawn(ctx, SpawnOptions{Shell: shell, CWD: "/tmp", Cols: 80, Rows: 24})
	require.NoError(t, err)
	_, err = h.Started(ctx)
	require.NoError(t, err)
	return h
}

func TestSupervisor_SpawnBeforeInitialize(t *testing.T) {
	s := New(Config{})
	_, err := s.Spawn(context.Background(), SpawnOptions{Shell: "sh"})
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, NotStarted, s.State())
}

func TestSupervisor_SessionLifecycle(t *testing.T) {
	backend := workertest.New()
	s, _ := newTestSupervisor(t, fakeLoader(backend), nil)

	h := spawnStarted(t, s, "bash")
	assert.Equal(t, 1, h.ID())
	assert.Greater(t, h.PID(), 0)
	assert.True(t, s.IsHostRunning())
	assert.Equal(t, 1, s.ActiveSessionCount())

	data := make(chan string, 16)
	h.OnData(func(b []byte) { data <- string(b) })
	exits := make(chan ExitInfo, 2)
	h.OnExit(func(info ExitInfo) { exits <- info })

	// The prompt may have arrived before OnData was registered.
	assert.Equal(t, "bash$ ", recv(t, data))

	require.NoError(t, h.Write([]byte("echo hi\n")))
	assert.Equal(t, "echo hi\n", recv(t, data))
	require.NoError(t, h.Resize(120, 40))

	backend.Exit(h.ID(), 7)
	info := recv(t, exits)
	assert.Equal(t, ExitInfo{ID: 1, ExitCode: 7}, info)
	assert.True(t, h.Exited())
	assert.Equal(t, 0, s.ActiveSessionCount())

	late := make(chan ExitInfo, 1)
	h.OnExit(func(info ExitInfo) { late <- info })
	assert.Equal(t, info, recv(t, late), "exit is sticky")

	assert.Equal(t, []pty.SpawnOptions{{ID: 1, Shell: "bash", CWD: "/tmp", Cols: 80, Rows: 24}}, backend.Spawned())
}

func TestSupervisor_ConcurrentSpawnsShareOneLaunch(t *testing.T) {
	s, l := newTestSupervisor(t, fakeLoader(workertest.New()), nil)
	l.gate = make(chan struct{})

	const n = 10
	var wg sync.WaitGroup
	ids := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := s.Spawn(context.Background(), SpawnOptions{Shell: workertest.ShellSilent})
			if assert.NoError(t, err) {
				ids <- h.ID()
			}
		}()
	}
	require.Eventually(t, func() bool { return l.launches.Load() == 1 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, Starting, s.State())
	time.Sleep(20 * time.Millisecond)
	close(l.gate)
	wg.Wait()
	close(ids)

	var got []int
	for id := range ids {
		got = append(got, id)
	}
	sort.Ints(got)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got)
	assert.EqualValues(t, 1, l.launches.Load())
}

func TestSupervisor_IDsIncreaseAcrossRestart(t *testing.T) {
	s, l := newTestSupervisor(t, fakeLoader(workertest.New()), nil)
	events := recordHostEvents(s)

	first := spawnStarted(t, s, workertest.ShellSilent)
	second := spawnStarted(t, s, workertest.ShellSilent)
	require.Less(t, first.ID(), second.ID())

	require.NoError(t, l.last().Kill())
	events.await(t, HostEventRestarted)
	assert.Equal(t, 1, s.RestartCount())

	third := spawnStarted(t, s, workertest.ShellSilent)
	assert.Greater(t, third.ID(), second.ID())
	assert.EqualValues(t, 2, l.launches.Load())
}

func TestSupervisor_CrashFailsEverySession(t *testing.T) {
	s, l := newTestSupervisor(t, fakeLoader(workertest.New()), nil)
	events := recordHostEvents(s)

	errs := make(chan error, 4)
	for i := 0; i < 2; i++ {
		h := spawnStarted(t, s, workertest.ShellSilent)
		h.OnError(func(err error) { errs <- err })
	}
	require.Equal(t, 2, s.ActiveSessionCount())

	require.NoError(t, l.last().Kill())
	for i := 0; i < 2; i++ {
		err := recv(t, errs)
		var crash *CrashError
		assert.True(t, errors.As(err, &crash), "got %T", err)
	}
	evt := events.await(t, HostEventExit)
	assert.IsType(t, &CrashError{}, evt.Err)
	assert.Equal(t, 0, s.ActiveSessionCount())

	events.await(t, HostEventRestarted)
	assert.Equal(t, 1, events.count(HostEventExit))
	assert.Len(t, errs, 0)
}

func TestSupervisor_RestartBudgetExhausted(t *testing.T) {
	s, l := newTestSupervisor(t, func(pty.Handlers, *zap.Logger) (ptyworker.Backend, error) {
		return nil, errors.New("native module missing")
	}, nil)
	events := recordHostEvents(s)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err := s.Spawn(ctx, SpawnOptions{Shell: "sh"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHostFailed)
	var initErr *InitError
	require.True(t, errors.As(err, &initErr), "got %v", err)
	assert.Contains(t, initErr.Message, "native module missing")

	assert.Equal(t, Exited, s.State())
	assert.EqualValues(t, 1+DefaultMaxRestarts, l.launches.Load())
	assert.Equal(t, DefaultMaxRestarts, s.RestartCount())

	_, err = s.Spawn(ctx, SpawnOptions{Shell: "sh"})
	assert.ErrorIs(t, err, ErrHostFailed)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, events.count(HostEventFailed))
	assert.Equal(t, 1+DefaultMaxRestarts, events.count(HostEventExit))
	assert.EqualValues(t, 1+DefaultMaxRestarts, l.launches.Load())
}

func TestSupervisor_SpawnFailureIsScopedToSession(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	s, _ := newTestSupervisor(t, fakeLoader(workertest.New()), func(c *Config) { c.Metrics = metrics })

	ok := spawnStarted(t, s, workertest.ShellSilent)

	h, err := s.Spawn(context.Background(), SpawnOptions{Shell: workertest.ShellMissing})
	require.NoError(t, err)
	pid, err := h.Started(context.Background())
	assert.Zero(t, pid)
	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr), "got %v", err)
	assert.True(t, spawnErr.ShellNotFound())
	assert.ErrorIs(t, err, pty.ErrShellNotFound)
	assert.Equal(t, ptyworker.CodeSpawnFailed, spawnErr.Code)

	assert.Equal(t, 1, s.ActiveSessionCount())
	assert.False(t, ok.Exited())
	assert.True(t, s.IsHostRunning())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SpawnFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SessionsActive))
}

func TestSupervisor_EverySpawnEndsExactlyOnce(t *testing.T) {
	s, _ := newTestSupervisor(t, fakeLoader(workertest.New()), nil)

	const n = 30
	var started, failed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		shell := workertest.ShellSilent
		if i%3 == 0 {
			shell = workertest.ShellMissing
		}
		wg.Add(1)
		go func(shell string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()
			h, err := s.Spawn(ctx, SpawnOptions{Shell: shell})
			if !assert.NoError(t, err) {
				return
			}
			pid, err := h.Started(ctx)
			var spawnErr *SpawnError
			switch {
			case err == nil && pid > 0:
				started.Add(1)
			case errors.As(err, &spawnErr):
				failed.Add(1)
			default:
				t.Errorf("unexpected start result pid=%d err=%v", pid, err)
			}
		}(shell)
	}
	wg.Wait()
	assert.EqualValues(t, 20, started.Load())
	assert.EqualValues(t, 10, failed.Load())
	assert.Equal(t, 20, s.ActiveSessionCount())
}

func TestSupervisor_ErrorForRemovedSessionIsHostEvent(t *testing.T) {
	backend := workertest.New()
	s, _ := newTestSupervisor(t, fakeLoader(backend), nil)
	events := recordHostEvents(s)

	h := spawnStarted(t, s, workertest.ShellSilent)
	exits := make(chan ExitInfo, 1)
	h.OnExit(func(info ExitInfo) { exits <- info })
	backend.Exit(h.ID(), 0)
	recv(t, exits)

	require.NoError(t, h.Resize(100, 40))
	evt := events.await(t, HostEventError)
	assert.Equal(t, h.ID(), evt.SessionID)
	var opErr *OperationError
	require.True(t, errors.As(evt.Err, &opErr))
	assert.Equal(t, "resize", opErr.Op)
	assert.Equal(t, ptyworker.CodeResizeFailed, opErr.Code)
	assert.ErrorIs(t, evt.Err, pty.ErrSessionNotFound)
	assert.True(t, s.IsHostRunning())
}

func TestSupervisor_OperationErrorReachesSession(t *testing.T) {
	backend := workertest.New()
	s, _ := newTestSupervisor(t, fakeLoader(backend), nil)

	h := spawnStarted(t, s, workertest.ShellStubborn)
	errs := make(chan error, 1)
	h.OnError(func(err error) { errs <- err })

	// The worker forgets a killed session at once; a stubborn shell keeps the
	// entry registered until the kill grace runs out.
	require.NoError(t, h.Kill("SIGTERM"))
	require.Eventually(t, func() bool { return h.killWasAcked() }, waitTimeout, 5*time.Millisecond)
	require.NoError(t, h.Write([]byte("x")))

	var opErr *OperationError
	require.True(t, errors.As(recv(t, errs), &opErr))
	assert.Equal(t, "write", opErr.Op)
}

func TestHandle_EmptyWriteIsNotSent(t *testing.T) {
	s, _ := newTestSupervisor(t, fakeLoader(workertest.New()), nil)

	h := spawnStarted(t, s, workertest.ShellSilent)
	errs := make(chan error, 2)
	h.OnError(func(err error) { errs <- err })

	require.NoError(t, h.Write(nil))
	require.NoError(t, h.Write([]byte{}))
	assert.Never(t, func() bool { return len(errs) > 0 }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestSupervisor_KillAckWithoutExit(t *testing.T) {
	s, _ := newTestSupervisor(t, fakeLoader(workertest.New()), nil)

	h := spawnStarted(t, s, workertest.ShellStubborn)
	exits := make(chan ExitInfo, 2)
	h.OnExit(func(info ExitInfo) { exits <- info })

	require.NoError(t, h.Kill(""))
	info := recv(t, exits)
	assert.Equal(t, ExitInfo{ID: h.ID(), ExitCode: -1, Signal: "SIGTERM", Killed: true}, info)
	assert.Equal(t, 0, s.ActiveSessionCount())
}

func TestSupervisor_KillDeliversOneExit(t *testing.T) {
	s, _ := newTestSupervisor(t, fakeLoader(workertest.New()), nil)

	h := spawnStarted(t, s, workertest.ShellSilent)
	exits := make(chan ExitInfo, 2)
	h.OnExit(func(info ExitInfo) { exits <- info })

	require.NoError(t, h.Kill("SIGINT"))
	info := recv(t, exits)
	assert.Equal(t, "SIGINT", info.Signal)

	// Past the kill grace, a second notification would have shown up.
	time.Sleep(300 * time.Millisecond)
	assert.Len(t, exits, 0)
	assert.Equal(t, 0, s.ActiveSessionCount())
}

func TestSupervisor_ReadyTimeout(t *testing.T) {
	l := launcherFunc(func(context.Context, string) (WorkerProcess, error) {
		return newMuteProcess(), nil
	})
	s := New(Config{Launcher: l, ReadyTimeout: 50 * time.Millisecond, MaxRestarts: -1})
	events := recordHostEvents(s)

	_, err := s.Spawn(context.Background(), SpawnOptions{Shell: "sh"})
	assert.ErrorIs(t, err, ErrHostFailed)
	var timeout *TimeoutError
	require.True(t, errors.As(err, &timeout), "got %v", err)
	assert.Equal(t, 50*time.Millisecond, timeout.After)
	assert.Equal(t, Exited, s.State())
	assert.Equal(t, 1, events.count(HostEventFailed))
}

func TestSupervisor_LaunchFailureFeedsRestartPolicy(t *testing.T) {
	var calls atomic.Int32
	l := launcherFunc(func(context.Context, string) (WorkerProcess, error) {
		calls.Add(1)
		return nil, errors.New("exec format error")
	})
	s := New(Config{Launcher: l, RestartDelay: time.Millisecond, MaxRestarts: 2})

	_, err := s.Spawn(context.Background(), SpawnOptions{Shell: "sh"})
	assert.ErrorIs(t, err, ErrHostFailed)
	assert.Contains(t, err.Error(), "exec format error")
	assert.EqualValues(t, 3, calls.Load())
}

func TestSupervisor_SpawnHonoursContext(t *testing.T) {
	s, l := newTestSupervisor(t, fakeLoader(workertest.New()), nil)
	l.gate = make(chan struct{})
	defer close(l.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Spawn(ctx, SpawnOptions{Shell: "sh"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSupervisor_StopHost(t *testing.T) {
	backend := workertest.New()
	s, l := newTestSupervisor(t, fakeLoader(backend), nil)
	events := recordHostEvents(s)

	h := spawnStarted(t, s, workertest.ShellSilent)
	errs := make(chan error, 1)
	h.OnError(func(err error) { errs <- err })

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, s.StopHost(ctx))

	assert.ErrorIs(t, recv(t, errs), ErrHostStopped)
	assert.Equal(t, NotStarted, s.State())
	assert.False(t, s.IsHostRunning())
	assert.Equal(t, 0, s.ActiveSessionCount())
	assert.Equal(t, 0, backend.LiveCount())
	assert.Equal(t, 0, events.count(HostEventExit))

	var transport *TransportError
	require.True(t, errors.As(h.Write([]byte("x")), &transport))
	assert.ErrorIs(t, transport, ErrTransportClosed)

	next := spawnStarted(t, s, workertest.ShellSilent)
	assert.Equal(t, 2, next.ID())
	assert.EqualValues(t, 2, l.launches.Load())
}

func TestSupervisor_RestartBudgetResetsWhenStable(t *testing.T) {
	s, l := newTestSupervisor(t, fakeLoader(workertest.New()), func(c *Config) {
		c.RestartResetAfter = 30 * time.Millisecond
	})
	events := recordHostEvents(s)

	spawnStarted(t, s, workertest.ShellSilent)
	require.NoError(t, l.last().Kill())
	events.await(t, HostEventRestarted)
	require.Eventually(t, func() bool { return s.RestartCount() == 0 }, waitTimeout, 5*time.Millisecond)
}

func TestSupervisor_MetricsFollowWorker(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	s, l := newTestSupervisor(t, fakeLoader(workertest.New()), func(c *Config) { c.Metrics = metrics })
	events := recordHostEvents(s)

	spawnStarted(t, s, workertest.ShellSilent)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WorkerStarts))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WorkerReady))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SessionsActive))

	require.NoError(t, l.last().Kill())
	events.await(t, HostEventRestarted)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WorkerCrashes))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WorkerRestarts))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.WorkerStarts))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.SessionsActive))
}

func TestSupervisor_ExecWorker(t *testing.T) {
	s := New(Config{RestartDelay: 10 * time.Millisecond})
	require.NoError(t, s.Initialize(WorkerLocator{Path: os.Args[0]}))
	events := recordHostEvents(s)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = s.StopHost(ctx)
	})

	h := spawnStarted(t, s, "zsh")
	data := make(chan string, 4)
	h.OnData(func(b []byte) { data <- string(b) })
	assert.Equal(t, "zsh$ ", recv(t, data))

	s.mu.Lock()
	proc := s.worker.proc
	s.mu.Unlock()
	assert.Greater(t, proc.PID(), 0)
	require.NoError(t, proc.Kill())

	evt := events.await(t, HostEventExit)
	var crash *CrashError
	require.True(t, errors.As(evt.Err, &crash))
	assert.Contains(t, crash.StderrTail, "fake worker starting")
	events.await(t, HostEventRestarted)
}

func TestHandle_PreBufferKeepsNewestOutput(t *testing.T) {
	h := newHandle(nil, 1, 0)
	chunk := strings.Repeat("a", 64*1024)
	for i := 0; i < 5; i++ {
		h.deliverData([]byte(chunk))
	}
	h.deliverData([]byte("tail"))

	var got []string
	h.OnData(func(b []byte) { got = append(got, string(b)) })
	require.NotEmpty(t, got)
	assert.Equal(t, "tail", got[len(got)-1])
	total := 0
	for _, c := range got {
		total += len(c)
	}
	assert.LessOrEqual(t, total, preBufferLimit)

	h.deliverData([]byte("live"))
	assert.Equal(t, "live", got[len(got)-1])
}

// muteProcess never speaks; it exits only when killed.
type muteProcess struct {
	inR    *io.PipeReader
	inW    *io.PipeWriter
	outR   *io.PipeReader
	outW   *io.PipeWriter
	once   sync.Once
	killed chan struct{}
}

func newMuteProcess() *muteProcess {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	return &muteProcess{inR: inR, inW: inW, outR: outR, outW: outW, killed: make(chan struct{})}
}

func (p *muteProcess) Stdin() io.WriteCloser { return p.inW }
func (p *muteProcess) Stdout() io.Reader     { return p.outR }
func (p *muteProcess) PID() int              { return 0 }
func (p *muteProcess) StderrTail() string    { return "" }

func (p *muteProcess) Wait() error {
	<-p.killed
	return errors.New("signal: killed")
}

func (p *muteProcess) Kill() error {
	p.once.Do(func() {
		_ = p.outW.Close()
		_ = p.inR.Close()
		close(p.killed)
	})
	return nil
}
