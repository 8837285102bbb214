package main

import (
	"bytes"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"

	"golang.org/x/term"

	"github.com/victorarias/ptyhost/internal/terminal"
)

// switchKey (Ctrl-]) cycles to the next installed profile instead of
// reaching the shell.
const switchKey = 0x1d

// stdioSurface renders the session on the process's own terminal.
type stdioSurface struct {
	in       *os.File
	out      *os.File
	oldState *term.State

	mu         sync.Mutex
	seq        int
	size       terminal.Size
	dataSubs   map[int]func([]byte)
	resizeSubs map[int]func(terminal.Size)
	onSwitch   func()

	winch chan os.Signal
	done  chan struct{}
	once  sync.Once
}

func newStdioSurface(in, out *os.File) (*stdioSurface, error) {
	s := &stdioSurface{
		in:         in,
		out:        out,
		dataSubs:   make(map[int]func([]byte)),
		resizeSubs: make(map[int]func(terminal.Size)),
		winch:      make(chan os.Signal, 1),
		done:       make(chan struct{}),
	}
	if fd := int(in.Fd()); term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return nil, fmt.Errorf("enter raw mode: %w", err)
		}
		s.oldState = state
	}
	s.size = s.measure()
	notifyResize(s.winch)
	go s.readInput()
	go s.watchResize()
	return s, nil
}

func (s *stdioSurface) Write(data []byte) {
	_, _ = s.out.Write(data)
}

func (s *stdioSurface) OnData(fn func([]byte)) func() {
	s.mu.Lock()
	s.seq++
	id := s.seq
	s.dataSubs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.dataSubs, id)
		s.mu.Unlock()
	}
}

func (s *stdioSurface) OnResize(fn func(terminal.Size)) func() {
	s.mu.Lock()
	s.seq++
	id := s.seq
	s.resizeSubs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.resizeSubs, id)
		s.mu.Unlock()
	}
}

func (s *stdioSurface) Dimensions() terminal.Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *stdioSurface) Fit() {
	size := s.measure()
	s.mu.Lock()
	s.size = size
	s.mu.Unlock()
}

// OnSwitch sets the callback for the profile switch key.
func (s *stdioSurface) OnSwitch(fn func()) {
	s.mu.Lock()
	s.onSwitch = fn
	s.mu.Unlock()
}

// Close restores the terminal.
func (s *stdioSurface) Close() error {
	var err error
	s.once.Do(func() {
		signal.Stop(s.winch)
		close(s.done)
		if s.oldState != nil {
			err = term.Restore(int(s.in.Fd()), s.oldState)
		}
	})
	return err
}

func (s *stdioSurface) measure() terminal.Size {
	cols, rows, err := term.GetSize(int(s.out.Fd()))
	if err != nil || cols <= 0 || rows <= 0 {
		return terminal.Size{}
	}
	return terminal.Size{Cols: uint16(cols), Rows: uint16(rows)}
}

func (s *stdioSurface) readInput() {
	buf := make([]byte, 4096)
	for {
		n, err := s.in.Read(buf)
		if n > 0 {
			data, switched := splitSwitchKey(buf[:n])
			if len(data) > 0 {
				s.dispatch(data)
			}
			if switched {
				s.mu.Lock()
				fn := s.onSwitch
				s.mu.Unlock()
				if fn != nil {
					fn()
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *stdioSurface) dispatch(data []byte) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.dataSubs))
	for id := range s.dataSubs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func([]byte), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, s.dataSubs[id])
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(data)
	}
}

func (s *stdioSurface) watchResize() {
	for {
		select {
		case <-s.done:
			return
		case <-s.winch:
			s.Fit()
			size := s.Dimensions()
			if size.Cols == 0 || size.Rows == 0 {
				continue
			}
			s.mu.Lock()
			subs := make([]func(terminal.Size), 0, len(s.resizeSubs))
			for _, fn := range s.resizeSubs {
				subs = append(subs, fn)
			}
			s.mu.Unlock()
			for _, fn := range subs {
				fn(size)
			}
		}
	}
}

// splitSwitchKey removes switch key presses from input. The result never
// aliases b.
func splitSwitchKey(b []byte) ([]byte, bool) {
	if bytes.IndexByte(b, switchKey) < 0 {
		return append([]byte(nil), b...), false
	}
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c != switchKey {
			out = append(out, c)
		}
	}
	return out, true
}
