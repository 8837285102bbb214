package pty

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"
	"go.uber.org/zap"
)

const readBufferSize = 32 * 1024

type Session struct {
	id    int
	shell string

	ptmx *os.File
	cmd  *exec.Cmd

	writeMu sync.Mutex

	exited   chan struct{}
	exitOnce sync.Once
}

func (s *Session) readLoop(onData func(int, []byte), onExit func(exitCode int, signal string), logger *zap.Logger) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 && onData != nil {
			onData(s.id, append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			// Linux reports EIO once the slave side is closed.
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, syscall.EIO) {
				logger.Warn("pty read error", zap.Int("session_id", s.id), zap.Error(err))
			}
			break
		}
	}
	_ = s.ptmx.Close()

	waitErr := s.cmd.Wait()
	exitCode, signal := parseExitStatus(waitErr)
	// Report before marking exited so waiters observe a reaped session.
	if onExit != nil {
		onExit(exitCode, signal)
	}
	s.markExited()
}

func parseExitStatus(waitErr error) (int, string) {
	if waitErr == nil {
		return 0, ""
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return 1, ""
	}

	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return exitErr.ExitCode(), ""
	}

	if status.Signaled() {
		return -1, SignalName(status.Signal())
	}
	return status.ExitStatus(), ""
}

func (s *Session) markExited() {
	s.exitOnce.Do(func() {
		close(s.exited)
	})
}

func (s *Session) hasExited() bool {
	select {
	case <-s.exited:
		return true
	default:
		return false
	}
}

func (s *Session) write(data []byte) error {
	if s.hasExited() {
		return errors.New("session not running")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.ptmx.Write(data)
	return err
}

func (s *Session) resize(cols, rows uint16) error {
	return creackpty.Setsize(s.ptmx, &creackpty.Winsize{Cols: cols, Rows: rows})
}

// terminate signals the process group and escalates to SIGKILL if it is still
// alive after grace. It does not block on the exit.
func (s *Session) terminate(sig syscall.Signal, grace time.Duration) error {
	if s.hasExited() {
		return nil
	}
	if err := s.signalGroup(sig); err != nil {
		return err
	}
	if sig == syscall.SIGKILL {
		return nil
	}
	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-s.exited:
		case <-timer.C:
			_ = s.signalGroup(syscall.SIGKILL)
		}
	}()
	return nil
}

func (s *Session) pid() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}
