package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/GriffinCanCode/deltashot/internal/screen"
)

// Settings are the two inputs the front end supplies: where to save and what to watch.
type Settings struct {
	Destination string         `yaml:"destination,omitempty" json:"destination"`
	Region      *screen.Region `yaml:"region,omitempty" json:"region"`
}

// LoadSettings reads the settings file. A missing file yields empty settings.
func LoadSettings(path string) (Settings, error) {
	var s Settings
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("failed to read settings %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	if s.Region != nil {
		if err := s.Region.Validate(); err != nil {
			return Settings{}, fmt.Errorf("settings %s: %w", path, err)
		}
	}
	return s, nil
}

// SaveSettings writes the settings file atomically, creating its directory.
func SaveSettings(path string, s Settings) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create settings file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set settings permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close settings file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace settings: %w", err)
	}
	return nil
}
