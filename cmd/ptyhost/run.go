package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"

	"github.com/victorarias/ptyhost/internal/config"
	"github.com/victorarias/ptyhost/internal/logging"
	"github.com/victorarias/ptyhost/internal/notify"
	"github.com/victorarias/ptyhost/internal/profile"
	"github.com/victorarias/ptyhost/internal/ptybackend"
	"github.com/victorarias/ptyhost/internal/terminal"
)

var errPickerCanceled = errors.New("no profile chosen")

// hostStopTimeout bounds the worker shutdown when the session ends.
const hostStopTimeout = 5 * time.Second

func runSession(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	profileName := fs.String("profile", "", "profile name or shell command to start")
	pick := fs.Bool("pick", false, "choose the profile interactively")
	cwd := fs.String("cwd", "", "working directory for the shell")
	workerPath := fs.String("worker", "", "path to the pty worker binary")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	metricsFile := fs.String("metrics-file", "", "write host metrics to this file on exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if *workerPath != "" {
		cfg.Worker.Path = *workerPath
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *cwd != "" {
		cfg.Session.CWD = *cwd
	}

	// The terminal belongs to the shell, so logs go to a file.
	logger, err := logging.New(logging.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		OutputPaths: []string{cfg.Log.Path},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: logging disabled: %v\n", err)
		logger = logging.Nop()
	}
	defer func() { _ = logger.Sync() }()

	registry, err := newRegistry(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	chosen, err := chooseProfile(ctx, registry, *profileName, *pick)
	if errors.Is(err, errPickerCanceled) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	dir := cfg.Session.CWD
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			fmt.Fprintf(os.Stderr, "error getting cwd: %v\n", err)
			return 1
		}
	}

	metricsReg := prometheus.NewRegistry()
	maxRestarts := cfg.Worker.MaxRestarts
	if maxRestarts == 0 {
		maxRestarts = -1
	}
	sup := ptybackend.New(ptybackend.Config{
		Logger:            logger.Named("host"),
		Metrics:           ptybackend.NewMetrics(metricsReg),
		ReadyTimeout:      cfg.Worker.ReadyTimeout,
		RestartDelay:      cfg.Worker.RestartDelay,
		RestartResetAfter: cfg.Worker.RestartResetAfter,
		KillAckGrace:      cfg.Worker.KillAckGrace,
		MaxRestarts:       maxRestarts,
	})
	if err := sup.Initialize(ptybackend.WorkerLocator{Path: cfg.Worker.Path, Command: cfg.Worker.Command}); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), hostStopTimeout)
		defer cancel()
		if err := sup.StopHost(stopCtx); err != nil {
			logger.Warn("pty host did not stop cleanly", zap.Error(err))
		}
		if *metricsFile != "" {
			if err := writeMetrics(*metricsFile, metricsReg); err != nil {
				fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			}
		}
	}()

	surface, err := newStdioSurface(os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() { _ = surface.Close() }()

	s := &cliSession{
		ctx:      ctx,
		logger:   logger,
		registry: registry,
		notifier: newStderrNotifier(os.Stderr),
		dir:      dir,
		ended:    make(chan struct{}, 1),
	}
	s.orch = terminal.New(terminal.Config{
		Host:          sup,
		Surface:       surface,
		Logger:        logger.Named("terminal"),
		SwitchTimeout: cfg.Session.SwitchTimeout,
		DefaultSize:   terminal.Size{Cols: cfg.Session.DefaultCols, Rows: cfg.Session.DefaultRows},
	})
	s.orch.OnExit(s.handleExit)
	sup.Subscribe(s.handleHostEvent)
	surface.OnSwitch(func() { go s.switchNext() })

	if err := s.orch.Start(ctx, chosen, dir); err != nil {
		_ = surface.Close()
		s.notifier.Notify(notify.ForSpawnFailure(chosen, err))
		return 1
	}
	s.setProfile(chosen)
	s.orch.OnError(s.handleError)

	select {
	case <-s.ended:
	case <-ctx.Done():
		_ = s.orch.Stop("SIGHUP")
		select {
		case <-s.ended:
		case <-time.After(cfg.Session.SwitchTimeout):
		}
	}
	return s.exitCode()
}

// cliSession ties one orchestrator to the process: it ends the program when
// the shell ends, cycles profiles, and brings the shell back after a host
// restart.
type cliSession struct {
	ctx      context.Context
	logger   *zap.Logger
	registry *profile.Registry
	notifier notify.Notifier
	orch     *terminal.Orchestrator
	dir      string
	ended    chan struct{}

	mu      sync.Mutex
	profile profile.Profile
	code    int
	lost    bool
	// pending is started when the current shell exits instead of ending
	// the program. It is set for the length of a switch and kept when the
	// switch gives up waiting for the old shell.
	pending *profile.Profile
}

func (s *cliSession) handleExit(info ptybackend.ExitInfo) {
	if s.orch.State() == terminal.Switching {
		return
	}
	if p, ok := s.takePending(); ok {
		s.logger.Info("previous shell exited, starting next", zap.String("profile", p.Name))
		// Exits arrive on the host's reader; Start must not block it.
		go s.startShell(p)
		return
	}
	s.logger.Info("session ended", zap.Int("exit_code", info.ExitCode), zap.String("signal", info.Signal))
	s.mu.Lock()
	s.code = info.ExitCode
	if s.code < 0 {
		s.code = 1
	}
	s.mu.Unlock()
	s.finish()
}

func (s *cliSession) handleError(err error) {
	var crash *ptybackend.CrashError
	switch {
	case errors.As(err, &crash):
		// The host restarts on its own; the shell returns on host-restarted.
		s.mu.Lock()
		s.lost = true
		s.mu.Unlock()
	case s.orch.State() == terminal.Idle:
		s.notifier.Notify(notify.Notification{Level: notify.LevelError, Title: "Terminal error", Message: err.Error()})
		s.fail()
	default:
		s.logger.Debug("session error", zap.Error(err))
	}
}

func (s *cliSession) handleHostEvent(evt ptybackend.HostEvent) {
	if n, ok := notify.FromHostEvent(evt); ok {
		s.notifier.Notify(n)
	}
	switch evt.Kind {
	case ptybackend.HostEventRestarted:
		s.mu.Lock()
		lost := s.lost
		s.lost = false
		p := s.profile
		s.mu.Unlock()
		if lost {
			// Host events arrive on the host's reader; Start must not block it.
			go s.startShell(p)
		}
	case ptybackend.HostEventFailed:
		s.fail()
	}
}

// switchNext moves to the next installed profile. A new shell that fails to
// start is replaced by the previous one.
func (s *cliSession) switchNext() {
	s.mu.Lock()
	current := s.profile
	s.mu.Unlock()

	next, err := s.registry.Next(s.ctx, current)
	if err != nil {
		s.notifier.Notify(notify.Notification{Level: notify.LevelWarning, Title: "No shell to switch to", Message: err.Error()})
		return
	}
	if next.Name == current.Name {
		s.notifier.Notify(notify.Notification{Level: notify.LevelInfo, Title: "No other shell installed"})
		return
	}

	s.mu.Lock()
	s.pending = &next
	s.mu.Unlock()
	err = s.orch.SwitchProfile(s.ctx, next)
	var timeout *ptybackend.TimeoutError
	if !errors.As(err, &timeout) {
		s.takePending()
	}
	switch {
	case err == nil:
		s.setProfile(next)
		if s.orch.State() == terminal.Idle {
			// The new shell exited before the switch returned.
			s.finish()
		}
	case errors.Is(err, terminal.ErrSwitchInProgress), errors.Is(err, terminal.ErrBusy):
	case timeout != nil:
		s.notifier.Notify(notify.Notification{
			Level:   notify.LevelWarning,
			Title:   "Shell did not exit",
			Message: fmt.Sprintf("%s has not exited yet; %s starts when it does", current.Name, next.Name),
		})
	default:
		s.notifier.Notify(notify.ForSpawnFailure(next, err))
		if s.orch.State() == terminal.Idle {
			s.startShell(current)
		}
	}
}

// startShell starts p and makes it the current profile.
func (s *cliSession) startShell(p profile.Profile) {
	if err := s.orch.Start(s.ctx, p, s.dir); err != nil {
		s.notifier.Notify(notify.ForSpawnFailure(p, err))
		s.fail()
		return
	}
	s.setProfile(p)
}

func (s *cliSession) takePending() (profile.Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return profile.Profile{}, false
	}
	p := *s.pending
	s.pending = nil
	return p, true
}

func (s *cliSession) setProfile(p profile.Profile) {
	s.mu.Lock()
	s.profile = p
	s.mu.Unlock()
}

func (s *cliSession) fail() {
	s.mu.Lock()
	if s.code == 0 {
		s.code = 1
	}
	s.mu.Unlock()
	s.finish()
}

func (s *cliSession) finish() {
	select {
	case s.ended <- struct{}{}:
	default:
	}
}

func (s *cliSession) exitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

func chooseProfile(ctx context.Context, r *profile.Registry, name string, pick bool) (profile.Profile, error) {
	switch {
	case name != "":
		if p, ok := r.Lookup(name); ok {
			return p, nil
		}
		// Not a known profile: run it as a shell command.
		return profile.Profile{Name: name, Command: name}, nil
	case pick:
		available := r.DetectAvailable(ctx)
		if len(available) == 0 {
			return profile.Profile{}, profile.ErrNoShell
		}
		p, ok, err := pickProfile(available)
		if err != nil {
			return profile.Profile{}, err
		}
		if !ok {
			return profile.Profile{}, errPickerCanceled
		}
		return p, nil
	default:
		return r.Default(ctx)
	}
}

func writeMetrics(path string, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	defer f.Close()
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(f, mf); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}
