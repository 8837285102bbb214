package ptybackend

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/victorarias/ptyhost/internal/ptyworker"
)

// EmbeddedLauncher runs the worker runtime in-process over pipes. The
// supervisor cannot tell it apart from a child process.
type EmbeddedLauncher struct {
	// LoadBackend defaults to the native creack/pty backend.
	LoadBackend          ptyworker.BackendLoader
	Logger               *zap.Logger
	InitFailureExitDelay time.Duration
}

func (l *EmbeddedLauncher) Launch(_ context.Context, instanceID string) (WorkerProcess, error) {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	p := &embeddedProcess{
		stdin:  inW,
		stdout: outR,
		inR:    inR,
		outW:   outW,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		p.err = ptyworker.Run(ctx, ptyworker.Config{
			In:                   inR,
			Out:                  outW,
			LoadBackend:          l.LoadBackend,
			Logger:               logger.Named("worker"),
			InstanceID:           instanceID,
			InitFailureExitDelay: l.InitFailureExitDelay,
		})
		_ = outW.Close()
		_ = inR.Close()
	}()
	return p, nil
}

type embeddedProcess struct {
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	inR    *io.PipeReader
	outW   *io.PipeWriter
	cancel context.CancelFunc

	killOnce sync.Once
	done     chan struct{}
	err      error
}

func (p *embeddedProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *embeddedProcess) Stdout() io.Reader     { return p.stdout }
func (p *embeddedProcess) StderrTail() string    { return "" }

// PID is 0: the worker shares the host's process.
func (p *embeddedProcess) PID() int { return 0 }

func (p *embeddedProcess) Wait() error {
	<-p.done
	return p.err
}

// Kill behaves like SIGKILL: output stops at once, so nothing the runtime
// writes while shutting down reaches the supervisor.
func (p *embeddedProcess) Kill() error {
	p.killOnce.Do(func() {
		_ = p.outW.Close()
		p.cancel()
		_ = p.inR.CloseWithError(io.ErrClosedPipe)
	})
	return nil
}
