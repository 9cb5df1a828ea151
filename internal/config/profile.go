package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Profile is the terminal client's saved login.
type Profile struct {
	ServerURL   string `yaml:"server_url"`
	Token       string `yaml:"token"`
	UserID      string `yaml:"user_id"`
	OrgID       string `yaml:"org_id"`
	DisplayName string `yaml:"display_name"`
}

// DefaultProfilePath is ~/.eaven.yaml, or EAVEN_PROFILE when set.
func DefaultProfilePath() string {
	if p := os.Getenv("EAVEN_PROFILE"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".eaven.yaml"
	}
	return filepath.Join(home, ".eaven.yaml")
}

// LoadProfile reads the profile at path. A missing file yields an empty
// profile pointing at localhost.
func LoadProfile(path string) (Profile, error) {
	p := Profile{ServerURL: "http://localhost:8080"}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return p, nil
}

// SaveProfile writes the profile with owner-only permissions; it holds a token.
func SaveProfile(path string, p Profile) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	return nil
}
