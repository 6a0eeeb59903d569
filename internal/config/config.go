package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents the tool configuration
type Config struct {
	// Loop device configuration
	Loop LoopConfig `json:"loop"`

	// Mount configuration
	Mount MountConfig `json:"mount"`

	// Credential handshake configuration
	Auth AuthConfig `json:"auth"`

	// External tool paths
	Tools ToolsConfig `json:"tools"`

	// Log level: debug, info, warn, error
	LogLevel string `json:"log_level"`
}

// LoopConfig contains loop device attachment settings
type LoopConfig struct {
	// Backend selects how loop devices are attached: "ioctl" talks to
	// /dev/loop-control directly, "udisks" goes through UDisks2
	Backend string `json:"backend"`
}

// MountConfig contains mount defaults overridable per invocation
type MountConfig struct {
	// Run fsck before mounting writable filesystems
	Fsck bool `json:"fsck"`

	// Discard policy: disabled, loop, all, crypt
	Discard string `json:"discard"`
}

// AuthConfig contains credential handshake settings
type AuthConfig struct {
	// Passphrase attempts per encrypted partition
	PassphraseAttempts int `json:"passphrase_attempts"`
}

// ToolsConfig contains paths to external tools
// Empty values fall back to $PATH lookup
type ToolsConfig struct {
	Veritysetup string `json:"veritysetup"`
	Cryptsetup  string `json:"cryptsetup"`
	Fsck        string `json:"fsck"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Loop: LoopConfig{
			Backend: "ioctl",
		},
		Mount: MountConfig{
			Fsck: true,
			// Loop-backed images get discard by default so deleted
			// blocks punch holes in the backing file.
			Discard: "loop",
		},
		Auth: AuthConfig{
			PassphraseAttempts: 3,
		},
		Tools:    ToolsConfig{},
		LogLevel: "info",
	}
}

// Load loads configuration from a JSON file
// If the file doesn't exist, it returns the default configuration
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default() // Start with defaults
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save writes the configuration to a JSON file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func (c *Config) validate() error {
	switch c.Loop.Backend {
	case "ioctl", "udisks":
	default:
		return fmt.Errorf("invalid loop backend %q", c.Loop.Backend)
	}
	switch c.Mount.Discard {
	case "disabled", "loop", "all", "crypt":
	default:
		return fmt.Errorf("invalid discard policy %q", c.Mount.Discard)
	}
	if c.Auth.PassphraseAttempts < 1 {
		return fmt.Errorf("passphrase attempts must be at least 1, got %d", c.Auth.PassphraseAttempts)
	}
	return nil
}
