package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/roomsync"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage roomsync configuration",
	Long:  "View or modify the roomsync CLI configuration stored in ~/.roomsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print every setting as the CLI will use it, after ROOMSYNC_* environment overrides and built-in defaults.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		file, err := readConfigFile()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			fmt.Printf("Config: %s (not created, run 'roomsync init <token>')\n\n", path)
		} else {
			fmt.Printf("Config: %s\n\n", path)
		}

		eff := *file
		applyEnv(&eff)
		cacheDir, err := configDir()
		if err != nil {
			return err
		}
		for _, e := range effectiveSettings(file, &eff, os.Getenv, filepath.Join(cacheDir, "cache")) {
			fmt.Printf("  %-22s %-40s (%s)\n", e.key, e.value, e.source)
		}
		return nil
	},
}

type setting struct {
	key, value, source string
}

// effectiveSettings lists each key with the value in effect and where it
// came from: env, file, default or unset. The token is masked.
func effectiveSettings(file, eff *Config, getenv func(string) string, defaultCachePath string) []setting {
	rows := []struct {
		key       string
		fileValue string
		value     string
		def       string
	}{
		{"default.endpoint", file.Default.Endpoint, eff.Default.Endpoint, roomsync.DefaultEndpoint},
		{"default.api_base_url", file.Default.APIBaseURL, eff.Default.APIBaseURL, roomsync.DefaultAPIBaseURL},
		{"auth.token", file.Auth.Token, eff.Auth.Token, ""},
		{"auth.user_id", file.Auth.UserID, eff.Auth.UserID, ""},
		{"auth.user_name", file.Auth.UserName, eff.Auth.UserName, ""},
		{"cache.enabled", enabledValue(file.Cache.Enabled), strconv.FormatBool(eff.Cache.Enabled), "false"},
		{"cache.path", file.Cache.Path, eff.Cache.Path, defaultCachePath},
	}

	out := make([]setting, 0, len(rows))
	for _, r := range rows {
		s := setting{key: r.key, value: r.value}
		switch {
		case envFor(r.key) != "" && getenv(envFor(r.key)) != "":
			s.source = "env " + envFor(r.key)
		case r.fileValue != "":
			s.source = "file"
		case r.def != "":
			s.value, s.source = r.def, "default"
		default:
			s.value, s.source = "-", "unset"
		}
		if r.key == "auth.token" && s.source != "unset" {
			s.value = maskKey(s.value)
		}
		out = append(out, s)
	}
	return out
}

func enabledValue(b bool) string {
	if b {
		return "true"
	}
	return ""
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: roomsync config set default.endpoint wss://chat.example.com/api/realtime",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
