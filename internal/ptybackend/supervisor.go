package ptybackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/victorarias/ptyhost/internal/ptyworker"
)

// workerStopGrace is how long StopHost lets the worker shut its sessions
// down after closing its stdin, before killing it.
var workerStopGrace = 2 * time.Second

type Config struct {
	// Launcher may be left nil and installed later by Initialize.
	Launcher Launcher
	Logger   *zap.Logger
	Metrics  *Metrics
	// InstanceID is generated when empty.
	InstanceID string

	ReadyTimeout time.Duration
	RestartDelay time.Duration
	// RestartResetAfter clears the restart count once a worker has stayed
	// ready this long. Zero disables the reset.
	RestartResetAfter time.Duration
	// KillAckGrace bounds how long a killed session waits for the worker to
	// report its real exit.
	KillAckGrace time.Duration
	// MaxRestarts of zero means DefaultMaxRestarts; negative disables
	// restarts.
	MaxRestarts int
}

// Supervisor owns the pty worker process and the registry of sessions
// running inside it.
type Supervisor struct {
	cfg        Config
	logger     *zap.Logger
	metrics    *Metrics
	instanceID string
	nextID     atomic.Int64

	mu            sync.Mutex
	state         State
	launcher      Launcher
	gen           uint64
	worker        *workerConn
	future        *startFuture
	restartCount  int
	restarting    bool
	failedEmitted bool
	entries       map[int]*Handle
	restartTimer  *time.Timer
	resetTimer    *time.Timer

	subsMu sync.RWMutex
	subSeq int
	subs   map[int]func(HostEvent)
}

type workerConn struct {
	gen        uint64
	proc       WorkerProcess
	enc        *ptyworker.Encoder
	launched   time.Time
	readyTimer *time.Timer
	// cause replaces the exit status when the supervisor killed the worker
	// itself during startup.
	cause error
	done  chan struct{}
}

// startFuture is shared by every Spawn waiting on the same bring-up,
// including the retries of a restart.
type startFuture struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newStartFuture() *startFuture {
	return &startFuture{done: make(chan struct{})}
}

func (f *startFuture) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	if cfg.KillAckGrace <= 0 {
		cfg.KillAckGrace = DefaultKillAckGrace
	}
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = DefaultMaxRestarts
	}
	return &Supervisor{
		cfg:        cfg,
		logger:     cfg.Logger.With(zap.String("instance_id", cfg.InstanceID)),
		metrics:    cfg.Metrics,
		instanceID: cfg.InstanceID,
		launcher:   cfg.Launcher,
		entries:    make(map[int]*Handle),
		subs:       make(map[int]func(HostEvent)),
	}
}

// Initialize resolves the worker binary and installs an exec launcher for
// it. The worker itself starts lazily on the first Spawn.
func (s *Supervisor) Initialize(loc WorkerLocator) error {
	binary, err := loc.Resolve()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.launcher = &ExecLauncher{Binary: binary, Args: loc.Args, Logger: s.logger}
	s.mu.Unlock()
	s.logger.Info("pty worker located", zap.String("binary", binary))
	return nil
}

// Spawn starts a shell session, launching the worker first if needed. The
// returned handle is registered before the request is sent; use
// Handle.Started to learn whether the shell actually started.
func (s *Supervisor) Spawn(ctx context.Context, opts SpawnOptions) (*Handle, error) {
	if opts.Cols == 0 {
		opts.Cols = 80
	}
	if opts.Rows == 0 {
		opts.Rows = 24
	}
	if err := s.awaitReady(ctx); err != nil {
		return nil, err
	}

	id := int(s.nextID.Add(1))
	s.mu.Lock()
	w := s.worker
	if s.state != Ready || w == nil {
		s.mu.Unlock()
		return nil, &TransportError{Op: "spawn", Err: ErrNotReady}
	}
	h := newHandle(s, id, w.gen)
	s.entries[id] = h
	n := len(s.entries)
	s.mu.Unlock()
	s.metrics.setSessions(n)

	req := ptyworker.SpawnRequest(id, opts.Shell, opts.Args, ptyworker.SpawnOptions{
		CWD:  opts.CWD,
		Env:  opts.Env,
		Cols: opts.Cols,
		Rows: opts.Rows,
	})
	if err := w.send(req); err != nil {
		s.removeEntry(h)
		return nil, &TransportError{Op: "spawn", Err: err}
	}
	s.logger.Debug("spawn requested",
		zap.Int("session_id", id),
		zap.String("shell", opts.Shell),
		zap.String("cwd", opts.CWD))
	return h, nil
}

// StopHost stops the worker on request. Registered sessions fail with
// ErrHostStopped and the supervisor returns to NotStarted; a later Spawn
// launches a fresh worker.
func (s *Supervisor) StopHost(ctx context.Context) error {
	s.mu.Lock()
	if s.state == NotStarted || s.state == Exited {
		s.mu.Unlock()
		return nil
	}
	w := s.worker
	s.gen++
	s.state = NotStarted
	s.worker = nil
	s.restartCount = 0
	s.restarting = false
	stopTimer(s.restartTimer)
	stopTimer(s.resetTimer)
	if w != nil {
		stopTimer(w.readyTimer)
	}
	entries := s.takeEntriesLocked()
	f := s.future
	s.future = nil
	s.mu.Unlock()

	s.metrics.workerGone(false)
	s.metrics.setSessions(0)
	if f != nil {
		f.resolve(ErrHostStopped)
	}
	stopErr := &TransportError{Op: "stop", Err: ErrHostStopped}
	for _, h := range entries {
		h.fail(stopErr)
	}
	if w == nil {
		return nil
	}

	s.logger.Info("stopping pty worker", zap.Int("sessions", len(entries)))
	_ = w.proc.Stdin().Close()
	select {
	case <-w.done:
		return nil
	case <-time.After(workerStopGrace):
	case <-ctx.Done():
	}
	_ = w.proc.Kill()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) IsHostRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Ready
}

func (s *Supervisor) ActiveSessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount
}

func (s *Supervisor) InstanceID() string {
	return s.instanceID
}

// Subscribe registers fn for host events. Events are delivered in order
// from the supervisor's goroutines; fn must not block.
func (s *Supervisor) Subscribe(fn func(HostEvent)) func() {
	s.subsMu.Lock()
	s.subSeq++
	id := s.subSeq
	s.subs[id] = fn
	s.subsMu.Unlock()
	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Supervisor) publish(evt HostEvent) {
	s.subsMu.RLock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(HostEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subsMu.RUnlock()
	for _, fn := range fns {
		fn(evt)
	}
}

// awaitReady joins the in-flight start, or begins one.
func (s *Supervisor) awaitReady(ctx context.Context) error {
	s.mu.Lock()
	var f *startFuture
	switch s.state {
	case Ready:
		s.mu.Unlock()
		return nil
	case Exited:
		s.mu.Unlock()
		return ErrHostFailed
	case NotStarted:
		if s.launcher == nil {
			s.mu.Unlock()
			return ErrNotInitialized
		}
		f = newStartFuture()
		s.future = f
		s.beginLaunchLocked()
	default:
		f = s.future
	}
	s.mu.Unlock()

	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) beginLaunchLocked() {
	s.gen++
	s.state = Starting
	s.worker = nil
	go s.launch(s.gen, s.launcher)
}

func (s *Supervisor) launch(gen uint64, launcher Launcher) {
	s.metrics.workerStarted()
	launched := time.Now()
	proc, err := launcher.Launch(context.Background(), s.instanceID)
	if err != nil {
		s.logger.Error("pty worker launch failed", zap.Error(err))
		s.workerDied(gen, nil, err)
		return
	}

	w := &workerConn{
		gen:      gen,
		proc:     proc,
		enc:      ptyworker.NewEncoder(proc.Stdin()),
		launched: launched,
		done:     make(chan struct{}),
	}
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		// Stopped while launching.
		_ = proc.Kill()
		_, _ = io.Copy(io.Discard, proc.Stdout())
		_ = proc.Wait()
		return
	}
	s.worker = w
	w.readyTimer = time.AfterFunc(s.cfg.ReadyTimeout, func() { s.readyTimedOut(w) })
	s.mu.Unlock()

	s.readLoop(w)
}

func (s *Supervisor) readLoop(w *workerConn) {
	defer close(w.done)
	dec := ptyworker.NewDecoder(w.proc.Stdout())
	for {
		line, err := dec.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("pty worker output unreadable, killing worker", zap.Error(err))
				_ = w.proc.Kill()
				_, _ = io.Copy(io.Discard, w.proc.Stdout())
			}
			break
		}
		s.handleLine(w, line)
	}
	s.workerDied(w.gen, w, w.proc.Wait())
}

func (s *Supervisor) handleLine(w *workerConn, line []byte) {
	evt, err := ptyworker.DecodeEvent(line)
	if err != nil {
		s.metrics.invalidMessage()
		s.logger.Warn("dropped invalid worker message", zap.Error(err), zap.Int("bytes", len(line)))
		return
	}

	switch evt.Type {
	case ptyworker.TypeReady:
		s.handleReady(w, evt)
	case ptyworker.TypeSpawned:
		if h := s.lookup(w, evt.ID); h != nil {
			h.markStarted(evt.PID)
			s.logger.Debug("session spawned", zap.Int("session_id", evt.ID), zap.Int("pid", evt.PID))
		}
	case ptyworker.TypeData:
		if h := s.lookup(w, evt.ID); h != nil {
			h.deliverData(evt.Data)
		}
	case ptyworker.TypeExit:
		s.handleExit(w, evt)
	case ptyworker.TypeKilled:
		if h := s.lookup(w, evt.ID); h != nil {
			h.ackKill(s.cfg.KillAckGrace, func() { s.expireKill(h) })
		}
	case ptyworker.TypeResized:
		s.logger.Debug("session resized",
			zap.Int("session_id", evt.ID),
			zap.Uint16("cols", evt.Cols),
			zap.Uint16("rows", evt.Rows))
	case ptyworker.TypeError:
		s.handleError(w, evt)
	}
}

func (s *Supervisor) lookup(w *workerConn, id int) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.worker != w {
		return nil
	}
	return s.entries[id]
}

func (s *Supervisor) handleReady(w *workerConn, evt ptyworker.Event) {
	s.mu.Lock()
	if s.worker != w || s.state != Starting {
		s.mu.Unlock()
		return
	}
	stopTimer(w.readyTimer)
	s.state = Ready
	f := s.future
	s.future = nil
	restarted := s.restarting
	s.restarting = false
	count := s.restartCount
	if s.cfg.RestartResetAfter > 0 && count > 0 {
		s.resetTimer = time.AfterFunc(s.cfg.RestartResetAfter, func() { s.resetRestarts(w) })
	}
	s.mu.Unlock()

	s.metrics.workerReady(w.launched)
	s.logger.Info("pty worker ready",
		zap.Int("worker_pid", w.proc.PID()),
		zap.String("message", evt.Message),
		zap.Duration("took", time.Since(w.launched)))
	if f != nil {
		f.resolve(nil)
	}
	if restarted {
		s.publish(HostEvent{Kind: HostEventRestarted, RestartCount: count})
	}
}

func (s *Supervisor) resetRestarts(w *workerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.worker != w || s.state != Ready {
		return
	}
	s.restartCount = 0
	s.logger.Info("pty worker stable, restart budget reset")
}

func (s *Supervisor) readyTimedOut(w *workerConn) {
	s.mu.Lock()
	if s.worker != w || s.state != Starting {
		s.mu.Unlock()
		return
	}
	w.cause = &TimeoutError{Op: "pty worker ready handshake", After: s.cfg.ReadyTimeout}
	s.mu.Unlock()
	s.logger.Error("pty worker did not become ready", zap.Duration("timeout", s.cfg.ReadyTimeout))
	_ = w.proc.Kill()
}

func (s *Supervisor) handleExit(w *workerConn, evt ptyworker.Event) {
	s.mu.Lock()
	var h *Handle
	if s.worker == w {
		h = s.entries[evt.ID]
		delete(s.entries, evt.ID)
	}
	n := len(s.entries)
	s.mu.Unlock()
	if h == nil {
		s.logger.Debug("exit for unknown session", zap.Int("session_id", evt.ID))
		return
	}
	s.metrics.setSessions(n)
	code := 0
	if evt.ExitCode != nil {
		code = *evt.ExitCode
	}
	s.logger.Debug("session exited",
		zap.Int("session_id", evt.ID),
		zap.Int("exit_code", code),
		zap.String("signal", evt.Signal))
	h.finish(ExitInfo{ID: evt.ID, ExitCode: code, Signal: evt.Signal, Killed: h.killWasAcked()})
}

// expireKill ends a killed session whose real exit never arrived.
func (s *Supervisor) expireKill(h *Handle) {
	if !s.removeEntry(h) {
		return
	}
	s.logger.Debug("kill acknowledged without exit", zap.Int("session_id", h.id))
	h.finish(ExitInfo{ID: h.id, ExitCode: -1, Signal: h.requestedSignal(), Killed: true})
}

func (s *Supervisor) handleError(w *workerConn, evt ptyworker.Event) {
	payload := evt.Error
	if evt.ID == 0 {
		s.mu.Lock()
		starting := s.worker == w && s.state == Starting
		if starting {
			w.cause = &InitError{Message: payload.Message}
		}
		s.mu.Unlock()
		if starting {
			s.logger.Error("pty worker failed to initialize",
				zap.String("code", payload.Code),
				zap.String("message", payload.Message))
			_ = w.proc.Kill()
			return
		}
		s.logger.Error("pty worker error",
			zap.String("code", payload.Code),
			zap.String("message", payload.Message),
			zap.String("stack", payload.Stack))
		s.publish(HostEvent{Kind: HostEventError, Err: fmt.Errorf("pty worker: %s (%s)", payload.Message, payload.Code)})
		return
	}

	s.mu.Lock()
	var h *Handle
	spawnFailed := false
	if s.worker == w {
		h = s.entries[evt.ID]
		if h != nil && !h.isStarted() {
			spawnFailed = true
			delete(s.entries, evt.ID)
		}
	}
	n := len(s.entries)
	s.mu.Unlock()

	switch {
	case h == nil:
		opErr := &OperationError{ID: evt.ID, Op: operationName(payload.Code), Code: payload.Code, Reason: payload.Reason, Message: payload.Message}
		s.logger.Debug("error for unknown session", zap.Int("session_id", evt.ID), zap.Error(opErr))
		s.publish(HostEvent{Kind: HostEventError, Err: opErr, SessionID: evt.ID})
	case spawnFailed:
		s.metrics.spawnFailed()
		s.metrics.setSessions(n)
		s.logger.Warn("spawn failed", zap.Int("session_id", evt.ID), zap.String("message", payload.Message))
		h.failStart(&SpawnError{ID: evt.ID, Message: payload.Message, Code: payload.Code, Reason: payload.Reason})
	default:
		opErr := &OperationError{ID: evt.ID, Op: operationName(payload.Code), Code: payload.Code, Reason: payload.Reason, Message: payload.Message}
		s.logger.Debug("session operation failed", zap.Int("session_id", evt.ID), zap.Error(opErr))
		h.deliverError(opErr)
	}
}

// workerDied handles the end of a worker generation that nobody asked to
// stop: sessions fail with a CrashError and the restart policy runs.
func (s *Supervisor) workerDied(gen uint64, w *workerConn, exitErr error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	cause := exitErr
	tail := ""
	if w != nil {
		stopTimer(w.readyTimer)
		if w.cause != nil {
			cause = w.cause
		}
		tail = w.proc.StderrTail()
	}
	stopTimer(s.resetTimer)
	crash := &CrashError{ExitErr: cause, StderrTail: tail}
	entries := s.takeEntriesLocked()
	s.worker = nil

	var (
		f      *startFuture
		failed bool
	)
	if s.restartCount < s.cfg.MaxRestarts {
		s.restartCount++
		s.state = Crashed
		s.restarting = true
		if s.future == nil {
			s.future = newStartFuture()
		}
		s.restartTimer = time.AfterFunc(s.cfg.RestartDelay, func() { s.restart(gen) })
	} else {
		s.state = Exited
		f = s.future
		s.future = nil
		failed = !s.failedEmitted
		s.failedEmitted = true
	}
	count := s.restartCount
	s.mu.Unlock()

	s.metrics.workerGone(true)
	s.metrics.setSessions(0)
	s.logger.Error("pty worker exited unexpectedly",
		zap.Error(cause),
		zap.Int("sessions", len(entries)),
		zap.Int("restart_count", count),
		zap.String("stderr_tail", tail))

	for _, h := range entries {
		h.fail(crash)
	}
	s.publish(HostEvent{Kind: HostEventExit, Err: crash, StderrTail: tail, RestartCount: count})
	if failed {
		s.logger.Error("pty worker restart budget exhausted", zap.Int("max_restarts", s.cfg.MaxRestarts))
		s.publish(HostEvent{Kind: HostEventFailed, Err: crash, RestartCount: count})
	}
	if f != nil {
		f.resolve(fmt.Errorf("%w: %w", ErrHostFailed, crash))
	}
}

func (s *Supervisor) restart(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.state != Crashed {
		s.mu.Unlock()
		return
	}
	count := s.restartCount
	s.beginLaunchLocked()
	s.mu.Unlock()
	s.metrics.workerRestarted()
	s.logger.Info("restarting pty worker", zap.Int("attempt", count))
}

// takeEntriesLocked empties the registry and returns its handles in id
// order.
func (s *Supervisor) takeEntriesLocked() []*Handle {
	handles := make([]*Handle, 0, len(s.entries))
	for _, h := range s.entries {
		handles = append(handles, h)
	}
	s.entries = make(map[int]*Handle)
	sort.Slice(handles, func(i, j int) bool { return handles[i].id < handles[j].id })
	return handles
}

func (s *Supervisor) removeEntry(h *Handle) bool {
	s.mu.Lock()
	current, ok := s.entries[h.id]
	if ok && current == h {
		delete(s.entries, h.id)
	}
	n := len(s.entries)
	s.mu.Unlock()
	if ok && current == h {
		s.metrics.setSessions(n)
		return true
	}
	return false
}

// sendTo sends a request on behalf of a handle created under worker
// generation gen.
func (s *Supervisor) sendTo(gen uint64, op string, req ptyworker.Request) error {
	s.mu.Lock()
	w := s.worker
	ready := s.state == Ready
	s.mu.Unlock()
	if w == nil || w.gen != gen {
		return &TransportError{Op: op, Err: ErrTransportClosed}
	}
	if !ready {
		return &TransportError{Op: op, Err: ErrNotReady}
	}
	if err := w.send(req); err != nil {
		return &TransportError{Op: op, Err: err}
	}
	return nil
}

func (w *workerConn) send(req ptyworker.Request) error {
	if err := w.enc.Encode(req); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
