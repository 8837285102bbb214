package ptybackend

import (
	"bytes"
	"sync"

	"go.uber.org/zap"
)

const stderrTailSize = 8 * 1024

// ringBuffer keeps the last N bytes written to it.
type ringBuffer struct {
	mu   sync.RWMutex
	buf  []byte
	size int
	pos  int
	full bool
}

func newRingBuffer(size int) *ringBuffer {
	if size <= 0 {
		size = 1
	}
	return &ringBuffer{
		buf:  make([]byte, size),
		size: size,
	}
}

func (r *ringBuffer) Write(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Larger than the ring: only the tail survives.
	if len(data) >= r.size {
		copy(r.buf, data[len(data)-r.size:])
		r.pos = 0
		r.full = true
		return len(data), nil
	}

	off := 0
	for off < len(data) {
		n := copy(r.buf[r.pos:], data[off:])
		r.pos = (r.pos + n) % r.size
		off += n
		if r.pos == 0 {
			r.full = true
		}
	}
	return len(data), nil
}

// Snapshot returns the buffered bytes in order; truncated is true once old
// bytes have been overwritten.
func (r *ringBuffer) Snapshot() (out []byte, truncated bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.full {
		if r.pos == 0 {
			return nil, false
		}
		out = make([]byte, r.pos)
		copy(out, r.buf[:r.pos])
		return out, false
	}

	out = make([]byte, r.size)
	copy(out, r.buf[r.pos:])
	copy(out[r.size-r.pos:], r.buf[:r.pos])
	return out, true
}

// stderrSink receives the worker's stderr. It keeps a bounded tail for crash
// reports and forwards complete lines to the logger.
type stderrSink struct {
	tail   *ringBuffer
	logger *zap.Logger

	mu      sync.Mutex
	partial []byte
}

func newStderrSink(logger *zap.Logger) *stderrSink {
	return &stderrSink{tail: newRingBuffer(stderrTailSize), logger: logger}
}

func (s *stderrSink) Write(p []byte) (int, error) {
	_, _ = s.tail.Write(p)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.partial = append(s.partial, p...)
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(s.partial[:i]); len(line) > 0 {
			s.logger.Debug("worker stderr", zap.ByteString("line", line))
		}
		s.partial = s.partial[i+1:]
	}
	if len(s.partial) > stderrTailSize {
		s.partial = s.partial[len(s.partial)-stderrTailSize:]
	}
	return len(p), nil
}

// Tail returns the most recent stderr output, starting at a line boundary
// when older output was dropped.
func (s *stderrSink) Tail() string {
	out, truncated := s.tail.Snapshot()
	if truncated {
		if i := bytes.IndexByte(out, '\n'); i >= 0 {
			out = out[i+1:]
		}
	}
	return string(bytes.TrimRight(out, "\n"))
}
