package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/victorarias/ptyhost/internal/notify"
)

var levelStyles = map[notify.Level]lipgloss.Style{
	notify.LevelInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
	notify.LevelWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
	notify.LevelError:   lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
}

// stderrNotifier prints notifications between shell output. Lines end in
// CRLF because the terminal is in raw mode while a shell runs.
type stderrNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

func newStderrNotifier(w io.Writer) *stderrNotifier {
	return &stderrNotifier{w: w}
}

func (n *stderrNotifier) Notify(msg notify.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprint(n.w, renderNotification(msg))
}

func renderNotification(msg notify.Notification) string {
	style, ok := levelStyles[msg.Level]
	if !ok {
		style = levelStyles[notify.LevelInfo]
	}
	out := "\r\n" + style.Render("[ptyhost] "+msg.Title)
	if msg.Message != "" {
		out += ": " + msg.Message
	}
	return out + "\r\n"
}
