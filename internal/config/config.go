// Package config handles loading and parsing the daemon's configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/ASHISH26940/vaultd/internal/policy"
	"github.com/ASHISH26940/vaultd/internal/protocol"
	"github.com/BurntSushi/toml"
	"github.com/adrg/xdg"
)

// Environment variable names that override the config file.
const (
	EnvHost        = "VAULTD_HOST"
	EnvPort        = "VAULTD_PORT"
	EnvSecretsFile = "VAULTD_SECRETS_FILE"
	EnvPolicy      = "VAULTD_POLICY"
	EnvLogLevel    = "VAULTD_LOG_LEVEL"
)

// LocalFile is looked up in the working directory when no path is given.
const LocalFile = "vaultd.toml"

// Config holds all configuration for the daemon.
// We use struct tags to explicitly map TOML keys to struct fields.
type Config struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	SecretsFile    string   `toml:"secrets_file"`     // TOML file holding the environments
	Policy         string   `toml:"policy"`           // "prefix" or "strict"
	MaxMessageSize int64    `toml:"max_message_size"` // Largest request accepted, in bytes
	ReadTimeout    Duration `toml:"read_timeout"`     // Zero waits forever
	Watch          bool     `toml:"watch"`            // Reload when the secrets file changes on disk
	LogLevel       string   `toml:"log_level"`
	LogFormat      string   `toml:"log_format"` // "console" or "json"
	Raft           Raft     `toml:"raft"`
}

// Raft configures the optional replicated commit log.
type Raft struct {
	Enabled      bool     `toml:"enabled"`
	NodeID       string   `toml:"node_id"`   // Unique ID for the node in the cluster
	Bind         string   `toml:"bind"`      // Address for Raft's internal communication
	DataDir      string   `toml:"data_dir"`  // Directory to store Raft's log and snapshots
	Bootstrap    bool     `toml:"bootstrap"` // Bootstrap the cluster (first node only)
	Peers        []string `toml:"peers"`     // Other voters as "id@host:port"
	ApplyTimeout Duration `toml:"apply_timeout"`
}

// Duration is a time.Duration written as a string such as "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// New returns a new Config with default values.
func New() *Config {
	return &Config{
		Host:           "0.0.0.0",
		Port:           protocol.DefaultPort,
		SecretsFile:    "secrets.toml",
		Policy:         policy.NamePrefix,
		MaxMessageSize: protocol.DefaultMaxMessageSize,
		LogLevel:       "info",
		LogFormat:      "console",
		Raft: Raft{
			NodeID:       "node1",
			Bind:         "127.0.0.1:7000",
			DataDir:      "raft",
			Bootstrap:    true,
			Peers:        []string{},
			ApplyTimeout: Duration{5 * time.Second},
		},
	}
}

// Load reads a configuration file from the given path and populates the Config struct.
func (c *Config) Load(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// Find returns the config file to use. An explicit path is returned as is.
// Otherwise vaultd.toml in the working directory wins over
// $XDG_CONFIG_HOME/vaultd/config.toml. An empty result means none exists.
func Find(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if _, err := os.Stat(LocalFile); err == nil {
		return LocalFile
	}
	if path, err := xdg.SearchConfigFile("vaultd/config.toml"); err == nil {
		return path
	}
	return ""
}

// ApplyEnvOverrides replaces fields with any VAULTD_* environment variables
// that are set.
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv(EnvHost); v != "" {
		c.Host = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.Port = port
	}
	if v := os.Getenv(EnvSecretsFile); v != "" {
		c.SecretsFile = v
	}
	if v := os.Getenv(EnvPolicy); v != "" {
		c.Policy = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate checks the values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.SecretsFile == "" {
		errs = append(errs, errors.New("secrets_file must be set"))
	}
	if _, err := policy.ForName(c.Policy); err != nil {
		errs = append(errs, err)
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("max_message_size must be positive, got %d", c.MaxMessageSize))
	}
	if c.ReadTimeout.Duration < 0 {
		errs = append(errs, errors.New("read_timeout must not be negative"))
	}
	if c.Raft.Enabled {
		if c.Raft.NodeID == "" {
			errs = append(errs, errors.New("raft.node_id must be set"))
		}
		if c.Raft.DataDir == "" {
			errs = append(errs, errors.New("raft.data_dir must be set"))
		}
		if _, _, err := net.SplitHostPort(c.Raft.Bind); err != nil {
			errs = append(errs, fmt.Errorf("raft.bind: %w", err))
		}
		// A reload from disk would change one node outside the log.
		if c.Watch {
			errs = append(errs, errors.New("watch cannot be combined with raft.enabled"))
		}
	}
	return errors.Join(errs...)
}

// Addr is the TCP address the daemon listens on.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
