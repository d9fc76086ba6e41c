// Package config loads node configuration from keepnet.yaml and
// command-line flags, flags taking precedence, following the
// CLIConfig/viper.BindPFlags pattern used throughout the examples this
// project is grounded on. Environment variables are not read.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the full set of settings a keepnet-node process needs to join
// the network. AuditCount and PingInterval are loaded here but
// cmd/keepnet-node does not pass them to the node, which uses
// protocol.DefaultAuditCount and seedliveness.PingInterval.
type Config struct {
	BindAddr      string   `mapstructure:"listen"`
	DataDir       string   `mapstructure:"datadir"`
	Seeds         []string `mapstructure:"seeds"`
	KeyPassphrase string   `mapstructure:"key-passphrase"`
	LogLevel      string   `mapstructure:"log"`

	AuditCount    int           `mapstructure:"audit-count"`
	PingInterval  time.Duration `mapstructure:"ping-interval"`
	StoreDuration time.Duration `mapstructure:"store-duration"`
}

// NewDefault returns a Config populated with this system's documented
// defaults (spec.md §6): bind address 127.0.0.1:4000, audit count 12, ping
// interval 60s.
func NewDefault() *Config {
	dataDir, err := defaultDataDir()
	if err != nil {
		dataDir = ".keepnet"
	}
	return &Config{
		BindAddr:      "127.0.0.1:4000",
		DataDir:       dataDir,
		LogLevel:      "info",
		AuditCount:    12,
		PingInterval:  60 * time.Second,
		StoreDuration: 24 * time.Hour,
	}
}

func defaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: determine home directory: %w", err)
	}
	return filepath.Join(home, ".keepnet"), nil
}

// BindFlags registers every Config field except StoreDuration as a
// persistent flag on cmd, using NewDefault's values as the flag defaults.
// StoreDuration can only be set from keepnet.yaml.
func BindFlags(cmd *cobra.Command) {
	defaults := NewDefault()
	cmd.PersistentFlags().String("listen", defaults.BindAddr, "address to bind the RPC server to")
	cmd.PersistentFlags().String("datadir", defaults.DataDir, "directory for persisted StorageItems and shard data")
	cmd.PersistentFlags().StringSlice("seeds", nil, "seed URIs of the form scheme://host:port/nodeIdHex")
	cmd.PersistentFlags().String("key-passphrase", "", "passphrase protecting the node's encrypted private key; generated and sealed under datadir if absent")
	cmd.PersistentFlags().String("log", defaults.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.PersistentFlags().Int("audit-count", defaults.AuditCount, "number of audit challenges pre-committed per stored shard")
	cmd.PersistentFlags().Duration("ping-interval", defaults.PingInterval, "interval between seed liveness pings")
}

// Load binds cmd's flags over viper, reads the first keepnet.yaml found in
// configPath (when non-empty), the current directory, or $HOME/.keepnet, and
// unmarshals the merged result.
func Load(cmd *cobra.Command, configPath string) (*Config, error) {
	if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}

	viper.SetConfigName("keepnet")
	viper.SetConfigType("yaml")
	if configPath != "" {
		viper.AddConfigPath(configPath)
	}
	viper.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".keepnet"))
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read keepnet.yaml: %w", err)
		}
	}

	cfg := NewDefault()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
