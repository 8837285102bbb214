package profile

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadFile reads user-defined profiles from a YAML file of the form
//
//	profiles:
//	  - name: fish
//	    command: fish
//	    args: [-l]
func LoadFile(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles file: %w", err)
	}
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse profiles file %s: %w", path, err)
	}
	seen := make(map[string]bool, len(f.Profiles))
	for i, p := range f.Profiles {
		if strings.TrimSpace(p.Name) == "" {
			return nil, fmt.Errorf("profiles file %s: entry %d has no name", path, i+1)
		}
		if strings.TrimSpace(p.Command) == "" {
			return nil, fmt.Errorf("profiles file %s: profile %q has no command", path, p.Name)
		}
		key := strings.ToLower(p.Name)
		if seen[key] {
			return nil, fmt.Errorf("profiles file %s: duplicate profile %q", path, p.Name)
		}
		seen[key] = true
	}
	return f.Profiles, nil
}
