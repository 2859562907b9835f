package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/roomsync"
)

// requireConfig loads the config and fails when no token is available.
func requireConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'roomsync init <token>' or set ROOMSYNC_TOKEN.")
		os.Exit(1)
	}
	return cfg
}

// clientOptions translates the config into client options.
func clientOptions(cfg *Config, log zerolog.Logger) ([]roomsync.ClientOption, error) {
	opts := []roomsync.ClientOption{
		roomsync.WithLogger(log),
		roomsync.WithCurrentUser(cfg.Auth.UserID, cfg.Auth.UserName),
	}
	if cfg.Default.Endpoint != "" {
		opts = append(opts, roomsync.WithEndpoint(cfg.Default.Endpoint))
	}
	if cfg.Default.APIBaseURL != "" {
		opts = append(opts, roomsync.WithAPIBaseURL(cfg.Default.APIBaseURL))
	}
	if cfg.Cache.Enabled {
		cache, err := openCache(cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, roomsync.WithCache(cache))
	}
	return opts, nil
}

// newClient creates a client from the config.
func newClient(cfg *Config, extra ...roomsync.ClientOption) (*roomsync.Client, error) {
	opts, err := clientOptions(cfg, newLogger())
	if err != nil {
		return nil, err
	}
	return roomsync.NewClient(cfg.Auth.Token, append(opts, extra...)...), nil
}

func openCache(cfg *Config) (*roomsync.PebbleCache, error) {
	path := cfg.Cache.Path
	if path == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "cache")
	}
	cache, err := roomsync.OpenPebbleCache(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history cache: %w", err)
	}
	return cache, nil
}

// serveMetrics registers a Metrics set and serves it on addr in the
// background. An empty addr disables it.
func serveMetrics(addr string, log zerolog.Logger) *roomsync.Metrics {
	if addr == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	m := roomsync.NewMetrics(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	return m
}

// printMessage writes one message as a single line, or as JSON.
func printMessage(m roomsync.Message, asJSON bool) {
	if asJSON {
		data, _ := json.Marshal(m)
		fmt.Println(string(data))
		return
	}
	id := m.ID
	if id == "" {
		id = m.TempID + " (sending)"
	}
	sender := valueOrDefault(m.SenderName, m.SenderID)
	line := fmt.Sprintf("[%s] %s %s: %s", m.CreatedAt.Local().Format(time.Kitchen), id, sender, m.Content)
	if m.ReplyTo != nil {
		line += fmt.Sprintf("  ↪ %s: %s", valueOrDefault(m.ReplyTo.SenderName, m.ReplyTo.SenderID), truncate(m.ReplyTo.Content, 40))
	}
	if len(m.ReactionsSummary) > 0 {
		parts := make([]string, 0, len(m.ReactionsSummary))
		for _, r := range m.ReactionsSummary {
			parts = append(parts, fmt.Sprintf("%s×%d", r.Emoji, r.Count))
		}
		line += "  [" + strings.Join(parts, " ") + "]"
	}
	fmt.Println(line)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
