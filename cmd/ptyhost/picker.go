package main

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/victorarias/ptyhost/internal/profile"
)

var (
	cursorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true)
	hintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// pickerModel lets the user choose one of the installed profiles before the
// shell starts.
type pickerModel struct {
	profiles []profile.Profile
	cursor   int
	chosen   *profile.Profile
	canceled bool
}

func newPickerModel(profiles []profile.Profile) *pickerModel {
	return &pickerModel{profiles: profiles}
}

func (m *pickerModel) Init() tea.Cmd {
	return nil
}

func (m *pickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "q", "esc", "ctrl+c":
		m.canceled = true
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.profiles)-1 {
			m.cursor++
		}
	case "enter":
		if len(m.profiles) > 0 {
			p := m.profiles[m.cursor]
			m.chosen = &p
		}
		return m, tea.Quit
	}
	return m, nil
}

func (m *pickerModel) View() string {
	var b strings.Builder
	b.WriteString("Choose a shell:\n\n")
	for i, p := range m.profiles {
		line := fmt.Sprintf("%s (%s)", p.Name, p.Command)
		if i == m.cursor {
			b.WriteString(cursorStyle.Render("> " + line))
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n" + hintStyle.Render("↑/↓ move • enter start • q quit") + "\n")
	return b.String()
}

// pickProfile runs the picker. It returns false if the user quit.
func pickProfile(profiles []profile.Profile) (profile.Profile, bool, error) {
	final, err := tea.NewProgram(newPickerModel(profiles)).Run()
	if err != nil {
		return profile.Profile{}, false, fmt.Errorf("profile picker: %w", err)
	}
	m := final.(*pickerModel)
	if m.canceled || m.chosen == nil {
		return profile.Profile{}, false, nil
	}
	return *m.chosen, true, nil
}
