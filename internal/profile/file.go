package profile

import (
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// fileProfile is the on-disk TOML layout of a profile.
type fileProfile struct {
	Username    string   `toml:"username"`
	Description string   `toml:"description"`
	Topics      []string `toml:"topics"`
	ExactMatch  bool     `toml:"exact_match"`
}

// LoadFile reads a profile from a TOML file.
func LoadFile(path string) (LocalProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LocalProfile{}, fmt.Errorf("failed to read profile file: %w", err)
	}

	var fp fileProfile
	if err := toml.Unmarshal(data, &fp); err != nil {
		return LocalProfile{}, fmt.Errorf("failed to parse profile TOML: %w", err)
	}

	return New(fp.Username, fp.Description, fp.Topics, fp.ExactMatch), nil
}

// SaveFile writes p as TOML, creating the parent directory if needed.
func SaveFile(path string, p LocalProfile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}

	data, err := toml.Marshal(fileProfile{
		Username:    p.Username,
		Description: p.Description,
		Topics:      p.Topics,
		ExactMatch:  p.ExactMatchMode,
	})
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	// Watchers only ever see a complete file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write profile file: %w", err)
	}
	return os.Rename(tmp, path)
}
