// Package statsprofile loads and saves named sets of statistics to run.
//
// A profile file looks like:
//
//	read_filter: "not icmp"
//	stats:
//	  - name: dns,srt
//	    filter: ip.addr in {10.0.0.0/8}
//	  - name: proto,counts
package statsprofile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var fileLock sync.Mutex

// Entry is one statistic of a profile.
type Entry struct {
	Name     string `yaml:"name"`
	Filter   string `yaml:"filter,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

// Spec returns the entry as a -z argument.
func (e Entry) Spec() string {
	if e.Filter == "" {
		return e.Name
	}
	return e.Name + "," + e.Filter
}

// Profile is the contents of a profile file.
type Profile struct {
	ReadFilter string  `yaml:"read_filter,omitempty"`
	Stats      []Entry `yaml:"stats"`
}

// Specs returns the -z arguments of every enabled entry.
func (p *Profile) Specs() []string {
	var out []string
	for _, e := range p.Stats {
		if !e.Disabled {
			out = append(out, e.Spec())
		}
	}
	return out
}

// FromSpecs builds a profile from -z arguments. The first comma after a
// two-part name separates the filter.
func FromSpecs(specs []string) *Profile {
	p := &Profile{}
	for _, s := range specs {
		parts := strings.SplitN(s, ",", 3)
		e := Entry{Name: s}
		if len(parts) == 3 {
			e.Name = parts[0] + "," + parts[1]
			e.Filter = parts[2]
		}
		p.Stats = append(p.Stats, e)
	}
	return p
}

// Parse decodes profile YAML.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile YAML: %w", err)
	}
	for i, e := range p.Stats {
		if strings.TrimSpace(e.Name) == "" {
			return nil, fmt.Errorf("profile entry %d: name is required", i+1)
		}
	}
	return &p, nil
}

// ParseFile reads the profile at path. A missing file is an empty profile.
func ParseFile(path string) (*Profile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Profile{}, nil
	}

	// #nosec G304 -- Path is from configuration, not user input
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile file: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// WriteFile writes p to path atomically.
func WriteFile(path string, p *Profile) error {
	fileLock.Lock()
	defer fileLock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}

	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile to YAML: %w", err)
	}

	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp profile file: %w", err)
	}
	if err := os.Rename(tempFile, path); err != nil {
		_ = os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp profile file: %w", err)
	}
	return nil
}

// DefaultPath returns the default profile location.
func DefaultPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "stats.yaml"
	}
	return filepath.Join(homeDir, ".config", "lippytap", "stats.yaml")
}
