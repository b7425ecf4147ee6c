// Package config holds the construction-time configuration for the escrow
// orchestration core.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every field the orchestrator and its components need at
// construction time (SPEC_FULL.md §6).
type Config struct {
	// Database holds the EscrowStore connection settings.
	Database DatabaseConfig `yaml:"database"`

	// Cipher holds the FieldCipher key material.
	Cipher CipherConfig `yaml:"cipher"`

	// Wallet holds WalletGateway timeout and concurrency defaults.
	Wallet WalletConfig `yaml:"wallet"`

	// Monitor holds ConfirmationMonitor polling settings.
	Monitor MonitorConfig `yaml:"monitor"`

	// Timeouts holds the sweep timers from §4.7.
	Timeouts TimeoutConfig `yaml:"timeouts"`

	// Logging holds logger construction settings.
	Logging LoggingConfig `yaml:"logging"`
}

// DatabaseConfig configures the EscrowStore (C3).
type DatabaseConfig struct {
	// Path is the sqlite3 database file path (a leading "~" is expanded
	// to the user's home directory by ExpandPath).
	Path string `yaml:"path"`
}

// CipherConfig configures the FieldCipher (C2). Save writes KeyHex to
// the YAML file like any other field; a caller that keeps the key off
// disk zeroes it before Save and supplies it at load time instead.
type CipherConfig struct {
	// KeyHex is the 256-bit field-encryption key, hex-encoded.
	KeyHex string `yaml:"key_hex"`
}

// WalletConfig configures WalletGateway (C1) defaults.
type WalletConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ConcurrencyCap    int           `yaml:"concurrency_cap"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBaseInterval time.Duration `yaml:"retry_base_interval"`
	RetryCapInterval  time.Duration `yaml:"retry_cap_interval"`
}

// MonitorConfig configures ConfirmationMonitor (C8).
type MonitorConfig struct {
	PollInterval          time.Duration `yaml:"poll_interval"`
	ConfirmationThreshold int64         `yaml:"confirmation_threshold"`
	StuckAfter            time.Duration `yaml:"stuck_after"`
	BatchSize             int           `yaml:"batch_size"`
	BatchGap              time.Duration `yaml:"batch_gap"`
}

// TimeoutConfig configures the setup/funded sweep timers (§4.7).
type TimeoutConfig struct {
	SetupTimeout    time.Duration `yaml:"setup_timeout"`
	FundedTimeout   time.Duration `yaml:"funded_timeout"`
	OperationDeadline time.Duration `yaml:"operation_deadline"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
}

// DefaultConfig returns a Config with the defaults named throughout
// SPEC_FULL.md.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "~/.escrowcore/escrow.db",
		},
		Wallet: WalletConfig{
			ConnectTimeout:    10 * time.Second,
			RequestTimeout:    30 * time.Second,
			ConcurrencyCap:    5,
			MaxRetries:        3,
			RetryBaseInterval: 250 * time.Millisecond,
			RetryCapInterval:  4 * time.Second,
		},
		Monitor: MonitorConfig{
			PollInterval:          30 * time.Second,
			ConfirmationThreshold: 10,
			StuckAfter:            time.Hour,
			BatchSize:             25,
			BatchGap:              time.Second,
		},
		Timeouts: TimeoutConfig{
			SetupTimeout:      48 * time.Hour,
			FundedTimeout:     30 * 24 * time.Hour,
			OperationDeadline: 60 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "escrowcore.yaml"

// Load reads configuration from a YAML file, falling back to defaults for
// any field the file omits. Unlike the ancestor's node.LoadConfig, this
// never writes a default file to disk on first run — a missing cipher key
// is a caller bug, not something safe to persist a guessed default for.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file. Callers that want to keep
// the cipher key out of the file on disk should zero Cipher.KeyHex before
// calling Save and provision it through a separate secret path.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	header := []byte("# escrowcore configuration\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// ExpandPath expands a leading "~" to the user's home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
