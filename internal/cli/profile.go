package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
)

// Profile is the CLI's own state, kept apart from the engine config.
type Profile struct {
	ConfigPath       string `yaml:"config_path,omitempty" json:"config_path,omitempty"`
	OutputFormat     string `yaml:"output_format,omitempty" json:"output_format,omitempty"`
	LastConversation string `yaml:"last_conversation,omitempty" json:"last_conversation,omitempty"`
}

// DefaultProfilePath is ~/.chatsync/cli.yaml, or empty when there is no home
// directory.
func DefaultProfilePath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, ".chatsync", "cli.yaml")
}

// LoadProfile reads path. A missing file is an empty profile.
func LoadProfile(path string) (*Profile, error) {
	p := &Profile{}
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	return p, nil
}

func SaveProfile(p *Profile, path string) error {
	if path == "" {
		return nil
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create profile dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}
