package ptybackend

import (
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestRingBufferSnapshot_NoWrap(t *testing.T) {
	r := newRingBuffer(8)
	_, _ = r.Write([]byte("abc"))
	got, truncated := r.Snapshot()
	if string(got) != "abc" {
		t.Fatalf("snapshot = %q, want %q", string(got), "abc")
	}
	if truncated {
		t.Fatalf("truncated = true, want false")
	}
}

func TestRingBufferSnapshot_Wrap(t *testing.T) {
	r := newRingBuffer(5)
	_, _ = r.Write([]byte("abcdefg"))
	got, truncated := r.Snapshot()
	if string(got) != "cdefg" {
		t.Fatalf("snapshot = %q, want %q", string(got), "cdefg")
	}
	if !truncated {
		t.Fatalf("truncated = false, want true")
	}
}

func TestRingBufferSnapshot_WrapAcrossWrites(t *testing.T) {
	r := newRingBuffer(5)
	_, _ = r.Write([]byte("abc"))
	_, _ = r.Write([]byte("def"))
	got, truncated := r.Snapshot()
	if string(got) != "bcdef" {
		t.Fatalf("snapshot = %q, want %q", string(got), "bcdef")
	}
	if !truncated {
		t.Fatalf("truncated = false, want true")
	}
}

func TestStderrSinkTail(t *testing.T) {
	s := newStderrSink(zap.NewNop())
	_, _ = s.Write([]byte("first line\nsecond "))
	_, _ = s.Write([]byte("line\n"))
	if got := s.Tail(); got != "first line\nsecond line" {
		t.Fatalf("tail = %q", got)
	}

	_, _ = s.Write([]byte(strings.Repeat("x", stderrTailSize) + "\nlast words\n"))
	if got := s.Tail(); got != "last words" {
		t.Fatalf("tail after overflow = %q, want %q", got, "last words")
	}
}
