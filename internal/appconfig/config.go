// Package appconfig manages application configuration and runtime file paths.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/rackops/idrac-tunnel/internal/model"
	"github.com/rackops/idrac-tunnel/internal/util"
)

// Config holds application-level configuration.
type Config struct {
	JumpHost          string          `yaml:"jump_host"`
	User              string          `yaml:"user"`
	DefaultTargetPort int             `yaml:"default_target_port"`
	PortRange         model.PortRange `yaml:"port_range"`
	ConnectTimeoutSec int             `yaml:"connect_timeout_seconds"`
}

// Default returns the default configuration. The port range starts at 8443
// so forwarded iDRAC HTTPS endpoints read naturally as https://localhost:84xx.
func Default() Config {
	return Config{
		DefaultTargetPort: 443,
		PortRange:         model.PortRange{Start: 8443, End: 8543},
		ConnectTimeoutSec: 10,
	}
}

// JumpHostSpec combines user and jump host into the user@host form handed to
// ssh. An empty user yields the bare host (ssh falls back to its own config).
func (c Config) JumpHostSpec() string {
	if c.User == "" {
		return c.JumpHost
	}
	return fmt.Sprintf("%s@%s", c.User, c.JumpHost)
}

// ConfigDir returns the application config directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/idrac-tunnel.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "idrac-tunnel"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", "idrac-tunnel"), nil
}

// LedgerFilePath returns the full path to the tunnel ledger file.
func LedgerFilePath() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "tunnels.ledger"), nil
}

// EventsFilePath returns the full path to the lifecycle event journal.
func EventsFilePath() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "events.jsonl"), nil
}

// Load reads config.yaml from the config directory.
// If the file doesn't exist, creates it with defaults.
func Load() (Config, error) {
	d, err := ConfigDir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(d, 0o755); err != nil {
		return Config{}, err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := Save(cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Save writes config to config.yaml.
func Save(cfg Config) error {
	d, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d, 0o755); err != nil {
		return err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Validate rejects configurations the rest of the tool cannot operate on.
// Out-of-range ports here are fatal to the requested operation.
func (c Config) Validate() error {
	if err := util.ValidatePort(c.DefaultTargetPort); err != nil {
		return fmt.Errorf("default_target_port: %w", err)
	}
	if err := util.ValidateLocalPort(c.PortRange.Start); err != nil {
		return fmt.Errorf("port_range.start: %w", err)
	}
	if err := util.ValidateLocalPort(c.PortRange.End); err != nil {
		return fmt.Errorf("port_range.end: %w", err)
	}
	if c.PortRange.End < c.PortRange.Start {
		return fmt.Errorf("port_range: end %d before start %d", c.PortRange.End, c.PortRange.Start)
	}
	if c.ConnectTimeoutSec <= 0 {
		return fmt.Errorf("connect_timeout_seconds must be positive, got %d", c.ConnectTimeoutSec)
	}
	return nil
}
