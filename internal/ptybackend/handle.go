package ptybackend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/victorarias/ptyhost/internal/pty"
	"github.com/victorarias/ptyhost/internal/ptyworker"
)

// preBufferLimit caps output held for a session nobody is reading yet.
const preBufferLimit = 256 * 1024

// Handle is the caller's view of one session. Callbacks run on the
// supervisor's reader goroutine, in event order, and must not block or
// register new callbacks on the same handle.
type Handle struct {
	sup *Supervisor
	id  int
	gen uint64

	// deliverMu keeps callback delivery and listener registration from
	// interleaving, so buffered output is flushed before newer output.
	deliverMu sync.Mutex

	mu           sync.Mutex
	pid          int
	started      chan struct{}
	startDone    bool
	startErr     error
	done         bool
	exit         *ExitInfo
	killSignal   string
	killAcked    bool
	killTimer    *time.Timer
	pending      [][]byte
	pendingBytes int

	subSeq   int
	dataSubs map[int]func([]byte)
	exitSubs map[int]func(ExitInfo)
	errSubs  map[int]func(error)
}

func newHandle(sup *Supervisor, id int, gen uint64) *Handle {
	return &Handle{
		sup:      sup,
		id:       id,
		gen:      gen,
		started:  make(chan struct{}),
		dataSubs: make(map[int]func([]byte)),
		exitSubs: make(map[int]func(ExitInfo)),
		errSubs:  make(map[int]func(error)),
	}
}

func (h *Handle) ID() int {
	return h.id
}

// PID is 0 until the worker reports the shell started.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// Started waits until the shell is running and returns its pid. A shell the
// worker could not start fails with *SpawnError; this is the only place a
// SpawnError is reported.
func (h *Handle) Started(ctx context.Context) (int, error) {
	select {
	case <-h.started:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid, h.startErr
}

// Exited reports whether the session has ended or failed.
func (h *Handle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// Write sends input to the shell. Empty input is not sent.
func (h *Handle) Write(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return h.sup.sendTo(h.gen, "write", ptyworker.WriteRequest(h.id, data))
}

func (h *Handle) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("resize session %d: invalid size %dx%d", h.id, cols, rows)
	}
	return h.sup.sendTo(h.gen, "resize", ptyworker.ResizeRequest(h.id, cols, rows))
}

// Kill asks the worker to signal the shell. An empty signal means SIGTERM.
// The exit arrives through OnExit.
func (h *Handle) Kill(signal string) error {
	h.mu.Lock()
	h.killSignal = pty.SignalName(pty.ParseSignal(signal))
	h.mu.Unlock()
	return h.sup.sendTo(h.gen, "kill", ptyworker.KillRequest(h.id, signal))
}

// OnData registers fn for shell output. Output that arrived before the first
// listener is replayed to it.
func (h *Handle) OnData(fn func([]byte)) func() {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	id := h.nextSubLocked()
	h.dataSubs[id] = fn
	pending := h.pending
	h.pending = nil
	h.pendingBytes = 0
	h.mu.Unlock()

	for _, chunk := range pending {
		fn(chunk)
	}
	return func() {
		h.mu.Lock()
		delete(h.dataSubs, id)
		h.mu.Unlock()
	}
}

// OnExit registers fn for the session's single exit. Registering after the
// exit calls fn immediately.
func (h *Handle) OnExit(fn func(ExitInfo)) func() {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	if h.exit != nil {
		info := *h.exit
		h.mu.Unlock()
		fn(info)
		return func() {}
	}
	id := h.nextSubLocked()
	h.exitSubs[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.exitSubs, id)
		h.mu.Unlock()
	}
}

// OnError registers fn for *OperationError and *CrashError.
func (h *Handle) OnError(fn func(error)) func() {
	h.mu.Lock()
	id := h.nextSubLocked()
	h.errSubs[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.errSubs, id)
		h.mu.Unlock()
	}
}

func (h *Handle) nextSubLocked() int {
	h.subSeq++
	return h.subSeq
}

func (h *Handle) isStarted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startDone
}

func (h *Handle) killWasAcked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killAcked
}

func (h *Handle) requestedSignal() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.killSignal == "" {
		return "SIGTERM"
	}
	return h.killSignal
}

func (h *Handle) markStarted(pid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.startDone {
		return
	}
	h.pid = pid
	h.startDone = true
	close(h.started)
}

func (h *Handle) failStart(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.startDone {
		return
	}
	h.startErr = err
	h.startDone = true
	h.done = true
	close(h.started)
}

func (h *Handle) deliverData(data []byte) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	if len(h.dataSubs) == 0 {
		h.pending = append(h.pending, data)
		h.pendingBytes += len(data)
		for h.pendingBytes > preBufferLimit && len(h.pending) > 1 {
			h.pendingBytes -= len(h.pending[0])
			h.pending = h.pending[1:]
		}
		h.mu.Unlock()
		return
	}
	subs := sortedSubs(h.dataSubs)
	h.mu.Unlock()

	for _, fn := range subs {
		fn(data)
	}
}

func (h *Handle) deliverError(err error) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	subs := sortedSubs(h.errSubs)
	h.mu.Unlock()

	for _, fn := range subs {
		fn(err)
	}
}

func (h *Handle) ackKill(grace time.Duration, expire func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done || h.killAcked {
		return
	}
	h.killAcked = true
	h.killTimer = time.AfterFunc(grace, expire)
}

// finish delivers the session's exit. Later events are dropped.
func (h *Handle) finish(info ExitInfo) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	h.exit = &info
	stopTimer(h.killTimer)
	if !h.startDone {
		h.startDone = true
		close(h.started)
	}
	subs := sortedSubs(h.exitSubs)
	h.pending = nil
	h.mu.Unlock()

	for _, fn := range subs {
		fn(info)
	}
}

// fail ends the session with err when its worker is gone.
func (h *Handle) fail(err error) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	stopTimer(h.killTimer)
	if !h.startDone {
		h.startErr = err
		h.startDone = true
		close(h.started)
	}
	subs := sortedSubs(h.errSubs)
	h.pending = nil
	h.mu.Unlock()

	for _, fn := range subs {
		fn(err)
	}
}

func sortedSubs[T any](subs map[int]T) []T {
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
