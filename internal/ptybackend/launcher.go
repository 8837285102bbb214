package ptybackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/victorarias/ptyhost/internal/ptyworker"
)

// WorkerProcess is one running worker as seen by the supervisor.
type WorkerProcess interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Wait blocks until the worker has exited. Callers drain Stdout first.
	Wait() error
	Kill() error
	PID() int
	StderrTail() string
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context, instanceID string) (WorkerProcess, error)
}

// WorkerLocator says where the worker binary lives. Resolution order is
// Path, then Command on PATH, then the running executable.
type WorkerLocator struct {
	Path    string
	Command string
	// Args go before the worker subcommand.
	Args []string
}

// lookPath and executable are swapped in tests.
var (
	lookPath   = exec.LookPath
	executable = os.Executable
)

func (l WorkerLocator) Resolve() (string, error) {
	if p := strings.TrimSpace(l.Path); p != "" {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", fmt.Errorf("resolve worker path %q: %w", p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return "", fmt.Errorf("worker binary: %w", err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("worker binary %s is a directory", abs)
		}
		return abs, nil
	}
	if cmd := strings.TrimSpace(l.Command); cmd != "" {
		if found, err := lookPath(cmd); err == nil {
			return found, nil
		}
	}
	exe, err := executable()
	if err != nil {
		return "", fmt.Errorf("resolve worker executable: %w", err)
	}
	return exe, nil
}

// ExecLauncher runs the worker as a child process speaking NDJSON on its
// stdin and stdout.
type ExecLauncher struct {
	Binary string
	Args   []string
	Logger *zap.Logger
}

func (l *ExecLauncher) Launch(ctx context.Context, instanceID string) (WorkerProcess, error) {
	if strings.TrimSpace(l.Binary) == "" {
		return nil, errors.New("missing worker binary")
	}
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	args := append([]string(nil), l.Args...)
	args = append(args, ptyworker.WorkerSubcommand, "--instance-id", instanceID)
	cmd := exec.Command(l.Binary, args...)
	cmd.Env = append(os.Environ(), ptyworker.WorkerEnvVar+"=1")
	configureWorkerProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	sink := newStderrSink(logger.Named("worker"))
	cmd.Stderr = sink

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start pty worker: %w", err)
	}
	logger.Info("pty worker launched",
		zap.String("binary", l.Binary),
		zap.Int("worker_pid", cmd.Process.Pid),
		zap.String("instance_id", instanceID))
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: sink}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr *stderrSink
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) PID() int              { return p.cmd.Process.Pid }
func (p *execProcess) StderrTail() string    { return p.stderr.Tail() }

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Kill() error {
	_ = p.stdin.Close()
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
