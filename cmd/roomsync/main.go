package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.roomsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Cache   ConfigCache   `toml:"cache"`
}

// ConfigDefault holds the service endpoints.
type ConfigDefault struct {
	Endpoint   string `toml:"endpoint"`
	APIBaseURL string `toml:"api_base_url"`
}

// ConfigAuth holds the account the CLI acts as.
type ConfigAuth struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	UserName string `toml:"user_name"`
}

// ConfigCache controls the on-disk history cache.
type ConfigCache struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.roomsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".roomsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file, then applies ROOMSYNC_*
// environment overrides. A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// envOverrides maps config keys to the variables that override them.
var envOverrides = []struct{ key, env string }{
	{"auth.token", "ROOMSYNC_TOKEN"},
	{"auth.user_id", "ROOMSYNC_USER_ID"},
	{"default.endpoint", "ROOMSYNC_ENDPOINT"},
	{"default.api_base_url", "ROOMSYNC_API_BASE_URL"},
}

func applyEnv(cfg *Config) {
	for _, o := range envOverrides {
		if v := os.Getenv(o.env); v != "" {
			setConfigValue(cfg, o.key, v)
		}
	}
}

func envFor(key string) string {
	for _, o := range envOverrides {
		if o.key == key {
			return o.env
		}
	}
	return ""
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "endpoint":
			cfg.Default.Endpoint = value
		case "api_base_url":
			cfg.Default.APIBaseURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "user_name":
			cfg.Auth.UserName = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "cache":
		switch field {
		case "enabled":
			switch strings.ToLower(value) {
			case "true", "1", "yes", "on":
				cfg.Cache.Enabled = true
			case "false", "0", "no", "off":
				cfg.Cache.Enabled = false
			default:
				return fmt.Errorf("cache.enabled must be true or false, got %q", value)
			}
		case "path":
			cfg.Cache.Path = value
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, cache)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	logLevel  string
	logPretty bool
)

var rootCmd = &cobra.Command{
	Use:   "roomsync",
	Short: "Real-time chat room client",
	Long:  "Command-line client for real-time chat rooms.\nTail a room, send messages and reactions, and inspect history.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logPretty, "log-pretty", true, "human-readable log output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
