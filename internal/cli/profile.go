// Package cli implements nqchat, a terminal client for the chat adapter.
package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile holds the connection settings nqchat reads from its YAML file.
// Command-line flags override every field.
type Profile struct {
	URL                   string        `yaml:"url"`
	Database              string        `yaml:"database"`
	IncludeInterpretation bool          `yaml:"include_interpretation"`
	IdleTimeout           time.Duration `yaml:"idle_timeout"`
	MaxRows               int           `yaml:"max_rows"`
	Plain                 bool          `yaml:"plain"`
}

// DefaultProfile returns the settings used when no profile file exists.
func DefaultProfile() Profile {
	return Profile{
		URL:         "http://localhost:8001",
		IdleTimeout: 60 * time.Second,
		MaxRows:     20,
	}
}

// DefaultProfilePath is ~/.config/nqchat/profile.yaml, or empty when the
// config directory is unknown.
func DefaultProfilePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "nqchat", "profile.yaml")
}

// LoadProfile reads path over the defaults. A missing file is not an error.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if p.URL == "" {
		return p, fmt.Errorf("profile %s: url cannot be empty", path)
	}
	if p.MaxRows <= 0 {
		p.MaxRows = DefaultProfile().MaxRows
	}
	return p, nil
}

// Save writes p to path, creating the directory.
func (p Profile) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
