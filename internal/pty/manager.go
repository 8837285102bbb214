package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"
	"go.uber.org/zap"
)

const (
	DefaultKillGrace = 3 * time.Second
	defaultCols      = 80
	defaultRows      = 24
	// Upper bound on how long Shutdown waits for killed sessions to be reaped.
	shutdownWaitSlack = 2 * time.Second
)

var (
	ErrSessionNotFound   = errors.New("process not found")
	ErrSessionExists     = errors.New("session already exists")
	ErrShellNotFound     = errors.New("shell not found")
	ErrInvalidWorkingDir = errors.New("invalid working directory")
)

// SpawnOptions describes one shell to start under a new pseudo-terminal.
type SpawnOptions struct {
	ID    int
	Shell string
	Args  []string
	CWD   string
	// Env is merged over the manager's own environment; these keys win.
	Env  map[string]string
	Cols uint16
	Rows uint16
}

type ExitInfo struct {
	ID       int
	ExitCode int
	Signal   string
}

// Handlers receive session output. OnStart runs synchronously inside Spawn
// before any OnData for that session; OnData and OnExit for one session are
// delivered from a single goroutine, in order.
type Handlers struct {
	OnStart func(id, pid int)
	OnData  func(id int, data []byte)
	OnExit  func(ExitInfo)
}

type Manager struct {
	mu       sync.RWMutex
	sessions map[int]*Session
	// live tracks every session whose process has not been reaped, including
	// killed ones that are no longer addressable by id.
	live map[*Session]struct{}

	handlers  Handlers
	killGrace time.Duration
	logger    *zap.Logger
	environ   func() []string
}

func NewManager(logger *zap.Logger, handlers Handlers) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions:  make(map[int]*Session),
		live:      make(map[*Session]struct{}),
		handlers:  handlers,
		killGrace: DefaultKillGrace,
		logger:    logger,
		environ:   os.Environ,
	}
}

// SetKillGrace sets how long a signalled process group gets before SIGKILL.
func (m *Manager) SetKillGrace(d time.Duration) {
	if d <= 0 {
		d = DefaultKillGrace
	}
	m.mu.Lock()
	m.killGrace = d
	m.mu.Unlock()
}

// Spawn starts the shell and returns its pid. On error nothing is registered.
func (m *Manager) Spawn(opts SpawnOptions) (int, error) {
	if opts.Cols == 0 {
		opts.Cols = defaultCols
	}
	if opts.Rows == 0 {
		opts.Rows = defaultRows
	}

	m.mu.RLock()
	_, exists := m.sessions[opts.ID]
	m.mu.RUnlock()
	if exists {
		return 0, fmt.Errorf("%w: %d", ErrSessionExists, opts.ID)
	}

	shellPath, err := ResolveShell(opts.Shell)
	if err != nil {
		return 0, err
	}
	cwd, err := resolveWorkingDir(opts.CWD)
	if err != nil {
		return 0, err
	}

	cmd := exec.Command(shellPath, opts.Args...)
	cmd.Dir = cwd
	cmd.Env = mergeEnvironment(m.environ(), envPairs(opts.Env))
	configureProcAttr(cmd)

	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{
		Cols: opts.Cols,
		Rows: opts.Rows,
	})
	if err != nil {
		return 0, fmt.Errorf("start %s: %w", shellPath, err)
	}

	session := &Session{
		id:     opts.ID,
		shell:  shellPath,
		ptmx:   ptmx,
		cmd:    cmd,
		exited: make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.sessions[opts.ID]; exists {
		m.mu.Unlock()
		_ = session.signalGroup(syscall.SIGKILL)
		_ = ptmx.Close()
		_ = cmd.Wait()
		return 0, fmt.Errorf("%w: %d", ErrSessionExists, opts.ID)
	}
	m.sessions[opts.ID] = session
	m.live[session] = struct{}{}
	m.mu.Unlock()

	pid := cmd.Process.Pid
	m.logger.Info("pty spawned",
		zap.Int("session_id", opts.ID),
		zap.String("shell", shellPath),
		zap.String("cwd", cwd),
		zap.Int("pid", pid),
	)
	if m.handlers.OnStart != nil {
		m.handlers.OnStart(opts.ID, pid)
	}
	go session.readLoop(m.handlers.OnData, func(exitCode int, signal string) {
		m.reap(session)
		m.logger.Info("pty exited",
			zap.Int("session_id", session.id),
			zap.Int("exit_code", exitCode),
			zap.String("signal", signal),
		)
		if m.handlers.OnExit != nil {
			m.handlers.OnExit(ExitInfo{ID: session.id, ExitCode: exitCode, Signal: signal})
		}
	}, m.logger)

	return pid, nil
}

func (m *Manager) Write(id int, data []byte) error {
	session, err := m.getSession(id)
	if err != nil {
		return err
	}
	return session.write(data)
}

func (m *Manager) Resize(id int, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("invalid size %dx%d", cols, rows)
	}
	session, err := m.getSession(id)
	if err != nil {
		return err
	}
	return session.resize(cols, rows)
}

// Kill removes the session from the table and signals its process group.
// The process is force-killed if it outlives the grace period; its exit is
// still reported through Handlers.OnExit. A session that was killed but not
// yet reaped is signalled again, so a caller can escalate to SIGKILL.
func (m *Manager) Kill(id int, sig syscall.Signal) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	} else {
		session, ok = m.dyingLocked(id)
	}
	grace := m.killGrace
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	return session.terminate(sig, grace)
}

// Shutdown kills every live process and waits, bounded, for them to be reaped.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.live))
	for session := range m.live {
		sessions = append(sessions, session)
	}
	m.sessions = make(map[int]*Session)
	grace := m.killGrace
	m.mu.Unlock()

	for _, session := range sessions {
		if err := session.terminate(syscall.SIGHUP, grace); err != nil {
			m.logger.Warn("pty shutdown signal failed", zap.Int("session_id", session.id), zap.Error(err))
		}
	}
	deadline := time.After(grace + shutdownWaitSlack)
	for _, session := range sessions {
		select {
		case <-session.exited:
		case <-deadline:
			m.logger.Warn("pty shutdown timed out waiting for exits", zap.Int("remaining", m.LiveCount()))
			return
		}
	}
}

// SessionIDs returns the addressable session ids in ascending order.
func (m *Manager) SessionIDs() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]int, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// LiveCount is the number of native processes not yet reaped.
func (m *Manager) LiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.live)
}

func (m *Manager) reap(session *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.sessions[session.id]; ok && current == session {
		delete(m.sessions, session.id)
	}
	delete(m.live, session)
}

func (m *Manager) dyingLocked(id int) (*Session, bool) {
	for session := range m.live {
		if session.id == id {
			return session, true
		}
	}
	return nil, false
}

func (m *Manager) getSession(id int) (*Session, error) {
	m.mu.RLock()
	session, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	return session, nil
}

// ResolveShell turns a bare command into an absolute executable path.
func ResolveShell(shell string) (string, error) {
	shell = strings.TrimSpace(shell)
	if shell == "" {
		return "", fmt.Errorf("%w: empty shell", ErrShellNotFound)
	}
	if filepath.IsAbs(shell) {
		info, err := os.Stat(shell)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrShellNotFound, shell, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%w: %s is a directory", ErrShellNotFound, shell)
		}
		return shell, nil
	}
	path, err := exec.LookPath(shell)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrShellNotFound, shell, err)
	}
	if !filepath.IsAbs(path) {
		if abs, absErr := filepath.Abs(path); absErr == nil {
			path = abs
		}
	}
	return path, nil
}

func resolveWorkingDir(cwd string) (string, error) {
	if strings.TrimSpace(cwd) == "" {
		if home, err := os.UserHomeDir(); err == nil {
			return home, nil
		}
		return os.Getwd()
	}
	info, err := os.Stat(cwd)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidWorkingDir, cwd, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidWorkingDir, cwd)
	}
	return cwd, nil
}

func envPairs(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	return pairs
}

func mergeEnvironment(base, overlay []string) []string {
	if len(overlay) == 0 {
		return append([]string(nil), base...)
	}
	merged := make([]string, 0, len(base)+len(overlay))
	index := make(map[string]int, len(base)+len(overlay))
	add := func(entry string) {
		key := entry
		if idx := strings.Index(entry, "="); idx >= 0 {
			key = entry[:idx]
		}
		if pos, ok := index[key]; ok {
			merged[pos] = entry
			return
		}
		index[key] = len(merged)
		merged = append(merged, entry)
	}
	for _, entry := range base {
		add(entry)
	}
	for _, entry := range overlay {
		add(entry)
	}
	return merged
}
