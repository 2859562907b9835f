package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/roomsync"
)

var (
	historyLimit   int
	historyJSON    bool
	historyOffline bool
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "number of messages to fetch")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print messages as JSON lines")
	historyCmd.Flags().BoolVar(&historyOffline, "offline", false, "read from the local cache only")
}

var historyCmd = &cobra.Command{
	Use:   "history <room-id>",
	Short: "Print a room's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]
		cfg := requireConfig()
		log := newLogger()

		var cache roomsync.HistoryCache
		if cfg.Cache.Enabled || historyOffline {
			c, err := openCache(cfg)
			if err != nil {
				return err
			}
			defer c.Close()
			cache = c
		}

		if historyOffline {
			msgs, err := cache.Load(roomID)
			if err != nil {
				return fmt.Errorf("failed to read cache: %w", err)
			}
			for _, m := range msgs {
				printMessage(m, historyJSON)
			}
			return nil
		}

		store := roomsync.NewStore(&roomsync.StoreOptions{CurrentUserID: cfg.Auth.UserID, Logger: &log})
		defer store.Close()

		api := roomsync.NewHTTPHistory(valueOrDefault(cfg.Default.APIBaseURL, roomsync.DefaultAPIBaseURL),
			func() string { return cfg.Auth.Token }, nil)
		loader := roomsync.NewLoader(store, api, &roomsync.LoaderOptions{
			PageSize: historyLimit,
			Cache:    cache,
			Logger:   &log,
			OnState: func(_ string, state roomsync.LoadState, _ error) {
				if state == roomsync.LoadSettingUp {
					fmt.Fprintln(os.Stderr, "-- setting up room access...")
				}
			},
		})

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := loader.Load(ctx, roomID); err != nil {
			return err
		}
		for _, m := range store.Messages(roomID) {
			printMessage(m, historyJSON)
		}
		return nil
	},
}
