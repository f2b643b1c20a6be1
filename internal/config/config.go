package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the manager
type Config struct {
	// Port allocation range (inclusive)
	PortRangeStart int `env:"SS_PORT_RANGE_START" envDefault:"7000"`
	PortRangeEnd   int `env:"SS_PORT_RANGE_END" envDefault:"9000"`

	// Account store
	ConfigDir string `env:"SS_CONFIG_DIR" envDefault:"/etc/ssmanager"`

	// Instance defaults
	CipherMethod string `env:"SS_CIPHER_METHOD" envDefault:"chacha20-ietf-poly1305"`
	DefaultQuota int    `env:"SS_DEFAULT_QUOTA_GB" envDefault:"25"`

	// Firewall rule persistence (iptables-save output)
	RulesV4Path string `env:"SS_RULES_V4" envDefault:"/etc/iptables/rules.v4"`
	RulesV6Path string `env:"SS_RULES_V6" envDefault:"/etc/iptables/rules.v6"`

	// Systemd template unit instantiated per port
	UnitTemplate string `env:"SS_UNIT_TEMPLATE" envDefault:"ss-server"`

	// Binary the unit runs
	ServerBinary string `env:"SS_SERVER_BINARY" envDefault:"/usr/bin/ss-server"`

	// Logging
	LogFile string `env:"SS_LOG_FILE" envDefault:"~/.ssmanager/ssmanager.log"`
}

// Load loads the configuration from environment variables and an optional
// .env file next to the account store. Environment always wins; the file
// only fills in unset variables. SS_CONFIG_DIR has to come from the real
// environment for the file lookup to follow it.
func Load() (*Config, error) {
	configDir := os.Getenv("SS_CONFIG_DIR")
	if configDir == "" {
		configDir = "/etc/ssmanager"
	}

	envLocations := []string{
		filepath.Join(configDir, ".env"),
		".env",
	}

	for _, loc := range envLocations {
		if err := godotenv.Load(loc); err == nil {
			break
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks range and path sanity before any component uses the config.
func (c *Config) Validate() error {
	if c.PortRangeStart < 1 || c.PortRangeStart > 65535 {
		return fmt.Errorf("port range start out of bounds: %d", c.PortRangeStart)
	}
	if c.PortRangeEnd < c.PortRangeStart || c.PortRangeEnd > 65535 {
		return fmt.Errorf("invalid port range: %d-%d", c.PortRangeStart, c.PortRangeEnd)
	}
	if c.ConfigDir == "" {
		return fmt.Errorf("config dir is required")
	}
	return nil
}

// HostAddress returns the public address accounts should advertise.
// SS_SERVER_HOST overrides; the default binds everywhere.
func (c *Config) HostAddress() string {
	if h := os.Getenv("SS_SERVER_HOST"); h != "" {
		return h
	}
	return "0.0.0.0"
}
