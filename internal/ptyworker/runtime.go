package ptyworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/victorarias/ptyhost/internal/pty"
)

const defaultInitFailureExitDelay = 100 * time.Millisecond

var (
	// ErrBackendInit means the native backend could not be loaded; the
	// worker reported INIT_FAILED and stopped.
	ErrBackendInit = errors.New("native pty backend failed to load")
	// ErrPanicked means a panic was recovered and reported as
	// UNCAUGHT_EXCEPTION; the worker stopped.
	ErrPanicked = errors.New("worker panicked")
)

// Backend is the native layer the worker drives. *pty.Manager implements it.
type Backend interface {
	Spawn(opts pty.SpawnOptions) (int, error)
	Write(id int, data []byte) error
	Resize(id int, cols, rows uint16) error
	Kill(id int, sig syscall.Signal) error
	Shutdown()
}

// BackendLoader loads the native backend, wiring its output to handlers.
type BackendLoader func(handlers pty.Handlers, logger *zap.Logger) (Backend, error)

// NativeBackend loads the creack/pty backend after checking that the host
// can allocate a pseudo-terminal at all.
func NativeBackend(killGrace time.Duration) BackendLoader {
	return func(handlers pty.Handlers, logger *zap.Logger) (Backend, error) {
		ptmx, tty, err := creackpty.Open()
		if err != nil {
			return nil, fmt.Errorf("open pseudo-terminal: %w", err)
		}
		_ = tty.Close()
		_ = ptmx.Close()

		m := pty.NewManager(logger, handlers)
		m.SetKillGrace(killGrace)
		return m, nil
	}
}

type Config struct {
	In  io.Reader
	Out io.Writer

	LoadBackend BackendLoader
	Logger      *zap.Logger
	// InstanceID identifies the supervisor that launched this worker.
	InstanceID string
	// InitFailureExitDelay gives the transport time to flush INIT_FAILED
	// before the process goes away.
	InitFailureExitDelay time.Duration
}

type Runtime struct {
	cfg     Config
	enc     *Encoder
	dec     *Decoder
	backend Backend
	logger  *zap.Logger

	fatalOnce sync.Once
	fatalCh   chan struct{}

	sendFailed atomic.Bool
}

// Run serves requests from cfg.In until cfg.In closes or ctx is cancelled.
// Every tracked process is killed before Run returns.
func Run(ctx context.Context, cfg Config) error {
	if cfg.In == nil || cfg.Out == nil {
		return errors.New("worker needs both an input and an output stream")
	}
	if cfg.LoadBackend == nil {
		cfg.LoadBackend = NativeBackend(pty.DefaultKillGrace)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.InitFailureExitDelay <= 0 {
		cfg.InitFailureExitDelay = defaultInitFailureExitDelay
	}
	rt := &Runtime{
		cfg:     cfg,
		enc:     NewEncoder(cfg.Out),
		dec:     NewDecoder(cfg.In),
		logger:  cfg.Logger.With(zap.Int("worker_pid", os.Getpid())),
		fatalCh: make(chan struct{}),
	}
	if cfg.InstanceID != "" {
		rt.logger = rt.logger.With(zap.String("instance_id", cfg.InstanceID))
	}
	return rt.run(ctx)
}

func (r *Runtime) run(ctx context.Context) error {
	backend, err := r.loadBackend()
	if err != nil {
		r.logger.Error("native backend failed to load", zap.Error(err))
		r.send(ErrorEvent(0, CodeInitFailed, err.Error()))
		select {
		case <-time.After(r.cfg.InitFailureExitDelay):
		case <-ctx.Done():
		}
		return fmt.Errorf("%w: %v", ErrBackendInit, err)
	}
	r.backend = backend
	defer func() {
		r.logger.Info("worker shutting down, killing tracked sessions")
		r.backend.Shutdown()
	}()

	if err := r.enc.Encode(ReadyEvent("pty backend loaded")); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}
	r.logger.Info("worker ready")

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for {
			line, err := r.dec.Next()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-r.fatalCh:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("termination requested")
			return nil
		case <-r.fatalCh:
			return ErrPanicked
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if errors.Is(err, io.EOF) {
						r.logger.Info("control channel closed")
						return nil
					}
					return fmt.Errorf("read request: %w", err)
				default:
					return ErrPanicked
				}
			}
			r.dispatch(line)
		}
	}
}

func (r *Runtime) loadBackend() (backend Backend, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic while loading backend: %v", p)
		}
	}()
	handlers := pty.Handlers{
		OnStart: func(id, pid int) {
			r.send(SpawnedEvent(id, pid))
		},
		OnData: func(id int, data []byte) {
			r.send(DataEvent(id, data))
		},
		OnExit: func(info pty.ExitInfo) {
			r.send(ExitEvent(info.ID, info.ExitCode, info.Signal))
		},
	}
	backend, err = r.cfg.LoadBackend(handlers, r.logger)
	if err == nil && backend == nil {
		err = errors.New("backend loader returned nothing")
	}
	return backend, err
}

func (r *Runtime) dispatch(line []byte) {
	defer func() {
		if p := recover(); p != nil {
			r.reportPanic(p)
		}
	}()

	req, id, err := DecodeRequest(line)
	if err != nil {
		r.logger.Warn("rejected request", zap.Int("session_id", id), zap.Error(err))
		r.send(ErrorEvent(id, CodeBadRequest, err.Error()))
		return
	}
	r.handleRequest(req)
}

func (r *Runtime) handleRequest(req Request) {
	switch req.Type {
	case TypeSpawn:
		opts := pty.SpawnOptions{ID: req.ID, Shell: req.Shell, Args: req.Args}
		if req.Options != nil {
			opts.CWD = req.Options.CWD
			opts.Env = req.Options.Env
			opts.Cols = req.Options.Cols
			opts.Rows = req.Options.Rows
		}
		// spawned is sent from OnStart, ahead of any output.
		if _, err := r.backend.Spawn(opts); err != nil {
			r.logger.Warn("spawn failed", zap.Int("session_id", req.ID), zap.String("shell", req.Shell), zap.Error(err))
			r.sendFailure(req.ID, CodeSpawnFailed, err)
		}
	case TypeWrite:
		if err := r.backend.Write(req.ID, req.Data); err != nil {
			r.logger.Debug("write failed", zap.Int("session_id", req.ID), zap.Error(err))
			r.sendFailure(req.ID, CodeWriteFailed, err)
		}
	case TypeResize:
		if err := r.backend.Resize(req.ID, req.Cols, req.Rows); err != nil {
			r.logger.Debug("resize failed", zap.Int("session_id", req.ID), zap.Error(err))
			r.sendFailure(req.ID, CodeResizeFailed, err)
			return
		}
		r.send(ResizedEvent(req.ID, req.Cols, req.Rows))
	case TypeKill:
		if err := r.backend.Kill(req.ID, pty.ParseSignal(req.Signal)); err != nil {
			r.logger.Debug("kill failed", zap.Int("session_id", req.ID), zap.Error(err))
			r.sendFailure(req.ID, CodeKillFailed, err)
			return
		}
		r.send(KilledEvent(req.ID))
	default:
		r.send(ErrorEvent(req.ID, CodeBadRequest, "unknown request type "+req.Type))
	}
}

func (r *Runtime) sendFailure(id int, code string, err error) {
	evt := ErrorEvent(id, code, err.Error())
	evt.Error.Reason = failureReason(err)
	r.send(evt)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, pty.ErrShellNotFound):
		return ReasonShellNotFound
	case errors.Is(err, pty.ErrInvalidWorkingDir):
		return ReasonInvalidCWD
	case errors.Is(err, pty.ErrSessionNotFound):
		return ReasonSessionNotFound
	default:
		return ""
	}
}

// reportPanic sends UNCAUGHT_EXCEPTION and stops the run loop.
func (r *Runtime) reportPanic(p any) {
	stack := string(debug.Stack())
	r.logger.Error("uncaught worker panic", zap.Any("panic", p), zap.String("stack", stack))
	evt := ErrorEvent(0, CodeUncaught, fmt.Sprint(p))
	evt.Error.Stack = stack
	r.send(evt)
	r.fatalOnce.Do(func() {
		close(r.fatalCh)
	})
}

func (r *Runtime) send(evt Event) {
	if err := r.enc.Encode(evt); err != nil {
		if r.sendFailed.CompareAndSwap(false, true) {
			r.logger.Warn("control channel write failed", zap.String("type", evt.Type), zap.Error(err))
		}
	}
}
