package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/charmbracelet/lipgloss"

	"github.com/victorarias/ptyhost/internal/config"
	"github.com/victorarias/ptyhost/internal/profile"
)

var (
	nameStyle      = lipgloss.NewStyle().Bold(true)
	availableStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	missingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	defaultStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
)

type profileStatus struct {
	Name      string   `json:"name"`
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	Available bool     `json:"available"`
	Default   bool     `json:"default"`
}

func runProfiles(args []string) int {
	fs := flag.NewFlagSet("profiles", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print profiles as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	registry, err := newRegistry(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	statuses := profileStatuses(context.Background(), registry)
	if *asJSON {
		out, err := sonic.ConfigStd.MarshalIndent(statuses, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "error encoding profiles: %v\n", err)
			return 1
		}
		fmt.Println(string(out))
		return 0
	}
	printProfiles(os.Stdout, statuses)
	return 0
}

func newRegistry(cfg *config.Config) (*profile.Registry, error) {
	opts := []profile.Option{
		profile.WithProber(profile.CommandProber{Timeout: cfg.Profiles.ProbeTimeout}),
		profile.WithCacheTTL(cfg.Profiles.CacheTTL),
	}
	if cfg.Profiles.File != "" {
		custom, err := profile.LoadFile(cfg.Profiles.File)
		if err != nil {
			return nil, err
		}
		opts = append(opts, profile.WithProfiles(custom))
	}
	return profile.NewRegistry(opts...), nil
}

func profileStatuses(ctx context.Context, r *profile.Registry) []profileStatus {
	available := make(map[string]bool)
	def := ""
	for i, p := range r.DetectAvailable(ctx) {
		available[p.Name] = true
		if i == 0 {
			def = p.Name
		}
	}
	var out []profileStatus
	for _, p := range r.Profiles() {
		out = append(out, profileStatus{
			Name:      p.Name,
			Command:   p.Command,
			Args:      p.Args,
			Available: available[p.Name],
			Default:   p.Name == def,
		})
	}
	return out
}

func printProfiles(w io.Writer, statuses []profileStatus) {
	width := 0
	for _, s := range statuses {
		width = max(width, len(s.Name))
	}
	for _, s := range statuses {
		mark := missingStyle.Render("missing")
		if s.Available {
			mark = availableStyle.Render("available")
		}
		line := fmt.Sprintf("%s  %s  %s",
			nameStyle.Render(fmt.Sprintf("%-*s", width, s.Name)),
			mark,
			strings.TrimSpace(s.Command+" "+strings.Join(s.Args, " ")))
		if s.Default {
			line += "  " + defaultStyle.Render("(default)")
		}
		fmt.Fprintln(w, line)
	}
}
