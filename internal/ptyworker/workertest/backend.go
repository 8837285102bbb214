// Package workertest provides an in-memory stand-in for the native pty
// backend so the worker, supervisor, and orchestrator can be exercised
// without real shells.
package workertest

import (
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/victorarias/ptyhost/internal/pty"
)

// Shell names with special behaviour.
const (
	// ShellMissing fails to spawn with pty.ErrShellNotFound.
	ShellMissing = "nonexistent-shell-xyz"
	// ShellStubborn acknowledges kills but only exits on SIGKILL or Shutdown.
	// Like pty.Manager, a killed session stops taking input at once and a
	// second kill reaches it until it exits.
	ShellStubborn = "stubborn"
	// ShellSilent prints no prompt.
	ShellSilent = "silent"
)

// Backend fakes pty.Manager. Every session runs its events through one
// goroutine, so data always precedes that session's exit.
type Backend struct {
	mu        sync.Mutex
	handlers  pty.Handlers
	sessions  map[int]*session
	live      map[int]*session
	nextPID   int
	spawned   []pty.SpawnOptions
	shutdowns int

	// PanicOnWrite makes Write panic, to exercise panic recovery.
	PanicOnWrite atomic.Bool
}

type session struct {
	id       int
	pid      int
	stubborn bool
	queue    chan func()
	done     chan struct{}
	exitOnce sync.Once
}

func New() *Backend {
	return &Backend{
		sessions: make(map[int]*session),
		live:     make(map[int]*session),
		nextPID:  4000,
	}
}

// Bind installs the handlers a worker passes to its backend loader.
func (b *Backend) Bind(h pty.Handlers) *Backend {
	b.mu.Lock()
	b.handlers = h
	b.mu.Unlock()
	return b
}

func (b *Backend) Spawn(opts pty.SpawnOptions) (int, error) {
	if opts.Shell == ShellMissing || opts.Shell == "" {
		return 0, fmt.Errorf("%w: %s", pty.ErrShellNotFound, opts.Shell)
	}

	b.mu.Lock()
	if _, exists := b.sessions[opts.ID]; exists {
		b.mu.Unlock()
		return 0, fmt.Errorf("%w: %d", pty.ErrSessionExists, opts.ID)
	}
	b.nextPID++
	s := &session{
		id:       opts.ID,
		pid:      b.nextPID,
		stubborn: opts.Shell == ShellStubborn,
		queue:    make(chan func(), 256),
		done:     make(chan struct{}),
	}
	b.sessions[opts.ID] = s
	b.live[opts.ID] = s
	b.spawned = append(b.spawned, opts)
	h := b.handlers
	b.mu.Unlock()

	if h.OnStart != nil {
		h.OnStart(s.id, s.pid)
	}
	go s.run()
	if opts.Shell != ShellSilent {
		b.emit(s, []byte(fmt.Sprintf("%s$ ", opts.Shell)))
	}
	return s.pid, nil
}

func (b *Backend) Write(id int, data []byte) error {
	if b.PanicOnWrite.Load() {
		panic("workertest: write exploded")
	}
	s, err := b.get(id)
	if err != nil {
		return err
	}
	b.emit(s, data)
	return nil
}

func (b *Backend) Resize(id int, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("invalid size %dx%d", cols, rows)
	}
	_, err := b.get(id)
	return err
}

func (b *Backend) Kill(id int, sig syscall.Signal) error {
	b.mu.Lock()
	s, ok := b.sessions[id]
	if ok {
		delete(b.sessions, id)
	} else {
		s, ok = b.live[id]
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", pty.ErrSessionNotFound, id)
	}
	if s.stubborn && sig != syscall.SIGKILL {
		return nil
	}
	b.exit(s, -1, pty.SignalName(sig))
	return nil
}

// Exit makes a session's shell exit on its own.
func (b *Backend) Exit(id, code int) {
	b.mu.Lock()
	s, ok := b.live[id]
	b.mu.Unlock()
	if ok {
		b.exit(s, code, "")
	}
}

// Emit pushes shell output for a session.
func (b *Backend) Emit(id int, data []byte) {
	b.mu.Lock()
	s, ok := b.live[id]
	b.mu.Unlock()
	if ok {
		b.emit(s, data)
	}
}

func (b *Backend) Shutdown() {
	b.mu.Lock()
	b.shutdowns++
	sessions := make([]*session, 0, len(b.live))
	for _, s := range b.live {
		sessions = append(sessions, s)
	}
	b.sessions = make(map[int]*session)
	b.mu.Unlock()

	for _, s := range sessions {
		b.exit(s, -1, "SIGHUP")
		<-s.done
	}
}

// LiveCount is the number of fake processes that have not exited.
func (b *Backend) LiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.live)
}

func (b *Backend) ShutdownCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shutdowns
}

// Spawned returns the options of every successful spawn, in order.
func (b *Backend) Spawned() []pty.SpawnOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]pty.SpawnOptions(nil), b.spawned...)
}

func (b *Backend) get(id int) (*session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", pty.ErrSessionNotFound, id)
	}
	return s, nil
}

func (b *Backend) emit(s *session, data []byte) {
	payload := append([]byte(nil), data...)
	b.enqueue(s, func() {
		b.mu.Lock()
		onData := b.handlers.OnData
		b.mu.Unlock()
		if onData != nil {
			onData(s.id, payload)
		}
	})
}

func (b *Backend) exit(s *session, code int, signal string) {
	s.exitOnce.Do(func() {
		b.enqueue(s, func() {
			b.mu.Lock()
			delete(b.live, s.id)
			if current, ok := b.sessions[s.id]; ok && current == s {
				delete(b.sessions, s.id)
			}
			onExit := b.handlers.OnExit
			b.mu.Unlock()
			if onExit != nil {
				onExit(pty.ExitInfo{ID: s.id, ExitCode: code, Signal: signal})
			}
			close(s.queue)
		})
	})
}

func (b *Backend) enqueue(s *session, fn func()) {
	defer func() {
		// The queue is closed once the session has exited; late output is dropped.
		_ = recover()
	}()
	s.queue <- fn
}

func (s *session) run() {
	defer close(s.done)
	for fn := range s.queue {
		fn()
	}
}
