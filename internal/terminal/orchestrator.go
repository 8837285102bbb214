package terminal

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/victorarias/ptyhost/internal/profile"
	"github.com/victorarias/ptyhost/internal/ptybackend"
)

const DefaultSwitchTimeout = 5 * time.Second

type Config struct {
	Host    Host
	Surface Surface
	Logger  *zap.Logger
	// SwitchTimeout bounds how long a switch waits for the old shell to
	// exit.
	SwitchTimeout time.Duration
	// DefaultSize is used while the surface reports no size.
	DefaultSize Size
}

// Orchestrator runs at most one shell at a time on a surface.
//
// Listeners registered with OnStart, OnExit and OnError may be called on
// the pty host's reader goroutine. They must not call Start or
// SwitchProfile synchronously.
type Orchestrator struct {
	host          Host
	surface       Surface
	logger        *zap.Logger
	switchTimeout time.Duration
	defaultSize   Size

	mu        sync.Mutex
	state     State
	switching bool
	current   *session
	pid       int
	// cwd is kept after the shell exits so a later switch reuses it.
	cwd string

	subsMu    sync.Mutex
	subSeq    int
	startSubs map[int]func(int)
	exitSubs  map[int]func(ptybackend.ExitInfo)
	errSubs   map[int]func(error)
}

type session struct {
	handle  *ptybackend.Handle
	profile profile.Profile
	ended   chan struct{}

	handleWiring  []func()
	surfaceWiring []func()

	// Set when the shell ends while Start still owns it.
	earlyExit *ptybackend.ExitInfo
	earlyErr  error
}

func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.SwitchTimeout <= 0 {
		cfg.SwitchTimeout = DefaultSwitchTimeout
	}
	if cfg.DefaultSize.Cols == 0 || cfg.DefaultSize.Rows == 0 {
		cfg.DefaultSize = Size{Cols: 80, Rows: 24}
	}
	return &Orchestrator{
		host:          cfg.Host,
		surface:       cfg.Surface,
		logger:        cfg.Logger,
		switchTimeout: cfg.SwitchTimeout,
		defaultSize:   cfg.DefaultSize,
		startSubs:     make(map[int]func(int)),
		exitSubs:      make(map[int]func(ptybackend.ExitInfo)),
		errSubs:       make(map[int]func(error)),
	}
}

// Start runs p in cwd and wires it to the surface. A running shell is
// stopped first, as in SwitchProfile.
func (o *Orchestrator) Start(ctx context.Context, p profile.Profile, cwd string) error {
	o.mu.Lock()
	if o.switching {
		o.mu.Unlock()
		return ErrBusy
	}
	switch o.state {
	case Starting, Stopping:
		o.mu.Unlock()
		return ErrBusy
	case Running:
		s := o.current
		o.switching = true
		o.mu.Unlock()
		defer o.clearSwitching()
		o.logger.Warn("shell already running, replacing it",
			zap.String("profile", s.profile.Name),
			zap.String("next", p.Name))
		return o.replace(ctx, s, p, cwd)
	}
	o.state = Starting
	o.mu.Unlock()
	return o.launch(ctx, p, cwd)
}

// Stop unwires the surface and signals the shell. The state returns to
// Idle when the exit arrives. Stopping while a shell is starting does
// nothing; stopping again while stopping resends the signal.
func (o *Orchestrator) Stop(signal string) error {
	o.mu.Lock()
	switch o.state {
	case Idle:
		o.mu.Unlock()
		return ErrNotRunning
	case Starting:
		o.mu.Unlock()
		o.logger.Debug("stop ignored while shell is starting")
		return nil
	}
	s := o.current
	o.state = Stopping
	unwire := s.surfaceWiring
	s.surfaceWiring = nil
	o.mu.Unlock()
	runAll(unwire)

	if err := s.handle.Kill(signal); err != nil {
		o.killFailed(s, err)
		return err
	}
	o.logger.Debug("stop requested", zap.Int("session_id", s.handle.ID()), zap.String("signal", signal))
	return nil
}

// SwitchProfile replaces the running shell with p in the same working
// directory. If the old shell has not exited within the switch timeout the
// switch is abandoned and a *ptybackend.TimeoutError is returned. The old
// shell stays current in Stopping, with its input unwired, until its exit
// arrives; Stop can resend a stronger signal meanwhile.
func (o *Orchestrator) SwitchProfile(ctx context.Context, p profile.Profile) error {
	o.mu.Lock()
	if o.switching {
		o.mu.Unlock()
		return ErrSwitchInProgress
	}
	state := o.state
	if state == Starting || state == Stopping {
		o.mu.Unlock()
		return ErrBusy
	}
	o.switching = true
	s := o.current
	cwd := o.cwd
	if state == Idle {
		o.state = Starting
	}
	o.mu.Unlock()
	defer o.clearSwitching()

	o.logger.Info("switching profile", zap.String("profile", p.Name), zap.Stringer("from", state))
	if state == Idle {
		return o.launch(ctx, p, cwd)
	}
	return o.replace(ctx, s, p, cwd)
}

// Resize fits the surface and sends its size to the shell.
func (o *Orchestrator) Resize() error {
	o.mu.Lock()
	s := o.current
	running := o.state == Running
	o.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	o.surface.Fit()
	size := o.surface.Dimensions()
	return s.handle.Resize(size.Cols, size.Rows)
}

func (o *Orchestrator) IsRunning() bool {
	return o.State() == Running
}

func (o *Orchestrator) PID() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pid
}

// Profile is the profile of the current shell, if any.
func (o *Orchestrator) Profile() (profile.Profile, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return profile.Profile{}, false
	}
	return o.current.profile, true
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.switching && (o.state == Stopping || o.state == Idle) {
		return Switching
	}
	return o.state
}

func (o *Orchestrator) OnStart(fn func(pid int)) func() {
	return subscribe(o, o.startSubs, fn)
}

func (o *Orchestrator) OnExit(fn func(ptybackend.ExitInfo)) func() {
	return subscribe(o, o.exitSubs, fn)
}

func (o *Orchestrator) OnError(fn func(error)) func() {
	return subscribe(o, o.errSubs, fn)
}

// launch spawns p. The caller has moved the state to Starting.
func (o *Orchestrator) launch(ctx context.Context, p profile.Profile, cwd string) error {
	size := o.surface.Dimensions()
	if size.Cols == 0 || size.Rows == 0 {
		size = o.defaultSize
	}
	h, err := o.host.Spawn(ctx, ptybackend.SpawnOptions{
		Shell: p.Command,
		Args:  p.Args,
		CWD:   cwd,
		Env:   p.Env,
		Cols:  size.Cols,
		Rows:  size.Rows,
	})
	if err != nil {
		o.mu.Lock()
		o.state = Idle
		o.mu.Unlock()
		return o.startFailed(p, err)
	}

	s := &session{handle: h, profile: p, ended: make(chan struct{})}
	o.mu.Lock()
	o.current = s
	o.mu.Unlock()

	handleWiring := []func(){
		h.OnData(o.surface.Write),
		h.OnExit(func(info ptybackend.ExitInfo) { o.sessionEnded(s, info) }),
		h.OnError(func(err error) { o.sessionError(s, err) }),
	}
	surfaceWiring := o.wireSurface(s)
	o.mu.Lock()
	s.handleWiring = handleWiring
	s.surfaceWiring = surfaceWiring
	o.mu.Unlock()

	pid, err := h.Started(ctx)
	o.mu.Lock()
	if err != nil {
		wiring := o.endLocked(s)
		o.mu.Unlock()
		defer close(s.ended)
		runAll(wiring)
		if ctx.Err() != nil {
			_ = h.Kill("SIGKILL")
		}
		return o.startFailed(p, err)
	}
	earlyExit, earlyErr := s.earlyExit, s.earlyErr
	if earlyExit != nil || earlyErr != nil {
		wiring := o.endLocked(s)
		o.mu.Unlock()
		defer close(s.ended)
		runAll(wiring)
		o.emitStart(pid)
		if earlyExit != nil {
			o.emitExit(*earlyExit)
		} else {
			o.emitError(earlyErr)
		}
		return nil
	}
	o.state = Running
	o.pid = pid
	o.cwd = cwd
	o.mu.Unlock()

	o.logger.Info("shell started",
		zap.String("profile", p.Name),
		zap.Int("session_id", h.ID()),
		zap.Int("pid", pid))
	o.emitStart(pid)
	return nil
}

// replace stops s and launches p once s has exited. The caller holds the
// switching flag.
func (o *Orchestrator) replace(ctx context.Context, s *session, p profile.Profile, cwd string) error {
	o.mu.Lock()
	if o.current != s {
		// s exited on its own.
		if o.state != Idle {
			o.mu.Unlock()
			return ErrBusy
		}
		o.state = Starting
		o.mu.Unlock()
		return o.launch(ctx, p, cwd)
	}
	o.state = Stopping
	unwire := s.surfaceWiring
	s.surfaceWiring = nil
	o.mu.Unlock()
	runAll(unwire)

	if err := s.handle.Kill(""); err != nil {
		o.killFailed(s, err)
		return err
	}

	timer := time.NewTimer(o.switchTimeout)
	defer timer.Stop()
	select {
	case <-s.ended:
	case <-timer.C:
		if o.isCurrent(s) {
			o.logger.Warn("shell did not exit in time, switch abandoned",
				zap.String("profile", s.profile.Name),
				zap.Duration("timeout", o.switchTimeout))
			return &ptybackend.TimeoutError{Op: "switch profile", After: o.switchTimeout}
		}
	case <-ctx.Done():
		if o.isCurrent(s) {
			return ctx.Err()
		}
	}

	o.mu.Lock()
	if o.state != Idle {
		o.mu.Unlock()
		return ErrBusy
	}
	o.state = Starting
	o.mu.Unlock()
	return o.launch(ctx, p, cwd)
}

func (o *Orchestrator) isCurrent(s *session) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current == s
}

func (o *Orchestrator) wireSurface(s *session) []func() {
	h := s.handle
	return []func(){
		o.surface.OnData(func(data []byte) {
			if err := h.Write(data); err != nil {
				o.logger.Debug("dropped input", zap.Int("session_id", h.ID()), zap.Error(err))
			}
		}),
		o.surface.OnResize(func(size Size) {
			if err := h.Resize(size.Cols, size.Rows); err != nil {
				o.logger.Debug("resize failed", zap.Int("session_id", h.ID()), zap.Error(err))
			}
		}),
	}
}

func (o *Orchestrator) sessionEnded(s *session, info ptybackend.ExitInfo) {
	o.mu.Lock()
	if o.current != s {
		o.mu.Unlock()
		return
	}
	if o.state == Starting {
		s.earlyExit = &info
		o.mu.Unlock()
		return
	}
	wiring := o.endLocked(s)
	o.mu.Unlock()
	defer close(s.ended)
	runAll(wiring)

	o.logger.Info("shell exited",
		zap.String("profile", s.profile.Name),
		zap.Int("exit_code", info.ExitCode),
		zap.String("signal", info.Signal),
		zap.Bool("killed", info.Killed))
	o.emitExit(info)
}

// sessionError ends the session when the handle has failed for good, as
// after a host crash. Other errors leave it running.
func (o *Orchestrator) sessionError(s *session, err error) {
	if !s.handle.Exited() {
		o.logger.Debug("session operation failed", zap.Int("session_id", s.handle.ID()), zap.Error(err))
		o.emitError(err)
		return
	}
	o.mu.Lock()
	if o.current != s {
		o.mu.Unlock()
		return
	}
	if o.state == Starting {
		s.earlyErr = err
		o.mu.Unlock()
		return
	}
	wiring := o.endLocked(s)
	o.mu.Unlock()
	defer close(s.ended)
	runAll(wiring)

	o.logger.Warn("shell lost", zap.String("profile", s.profile.Name), zap.Error(err))
	o.emitError(err)
}

func (o *Orchestrator) killFailed(s *session, err error) {
	o.mu.Lock()
	if o.current != s {
		o.mu.Unlock()
		return
	}
	wiring := o.endLocked(s)
	o.mu.Unlock()
	defer close(s.ended)
	runAll(wiring)

	o.logger.Warn("kill failed, dropping shell", zap.String("profile", s.profile.Name), zap.Error(err))
	o.emitError(err)
}

func (o *Orchestrator) startFailed(p profile.Profile, err error) error {
	o.logger.Warn("shell failed to start", zap.String("profile", p.Name), zap.Error(err))
	o.emitError(err)
	return err
}

// endLocked detaches s and returns the wiring to undo outside the lock.
// The caller closes s.ended once listeners have been told, so a waiting
// switch starts the next shell only after that.
func (o *Orchestrator) endLocked(s *session) []func() {
	o.current = nil
	o.state = Idle
	o.pid = 0
	wiring := append(s.surfaceWiring, s.handleWiring...)
	s.surfaceWiring = nil
	s.handleWiring = nil
	return wiring
}

func (o *Orchestrator) clearSwitching() {
	o.mu.Lock()
	o.switching = false
	o.mu.Unlock()
}

func (o *Orchestrator) emitStart(pid int) {
	for _, fn := range snapshot(o, o.startSubs) {
		fn(pid)
	}
}

func (o *Orchestrator) emitExit(info ptybackend.ExitInfo) {
	for _, fn := range snapshot(o, o.exitSubs) {
		fn(info)
	}
}

func (o *Orchestrator) emitError(err error) {
	for _, fn := range snapshot(o, o.errSubs) {
		fn(err)
	}
}

func subscribe[T any](o *Orchestrator, subs map[int]T, fn T) func() {
	o.subsMu.Lock()
	o.subSeq++
	id := o.subSeq
	subs[id] = fn
	o.subsMu.Unlock()
	return func() {
		o.subsMu.Lock()
		delete(subs, id)
		o.subsMu.Unlock()
	}
}

func snapshot[T any](o *Orchestrator, subs map[int]T) []T {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	ids := make([]int, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, subs[id])
	}
	return out
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
