package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/roomsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration, try the account channel and list the rooms you belong to.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Endpoint:  %s\n", valueOrDefault(cfg.Default.Endpoint, roomsync.DefaultEndpoint+" (default)"))
		fmt.Printf("  API:       %s\n", valueOrDefault(cfg.Default.APIBaseURL, roomsync.DefaultAPIBaseURL+" (default)"))
		fmt.Printf("  Cache:     %v\n", cfg.Cache.Enabled)

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:     %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}
		fmt.Printf("  User:      %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.ConnectAccount(ctx); err == nil {
			if ch := client.Manager().Channel(roomsync.AccountTarget); ch != nil {
				ch.WaitOpen(ctx)
			}
		}
		st := client.Status()
		fmt.Printf("  Connected: %v\n", st.Connected)
		if st.LastError != nil {
			fmt.Printf("  Error:     %v\n", st.LastError)
		}

		api := roomsync.NewHTTPHistory(valueOrDefault(cfg.Default.APIBaseURL, roomsync.DefaultAPIBaseURL), client.Token, nil)
		rooms, err := api.FetchRooms(ctx)
		if err != nil {
			fmt.Printf("  Rooms:     error: %v\n", err)
			return nil
		}
		fmt.Printf("  Rooms:     %d\n", len(rooms))
		for _, r := range rooms {
			fmt.Printf("    %-28s %-8s %s\n", r.ID, r.Type, r.Name)
		}
		return nil
	},
}

// maskKey shows the first 6 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
