package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initEndpoint string
	initAPIBase  string
	initUserID   string
	initUserName string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initEndpoint, "endpoint", "", "WebSocket endpoint URL")
	initCmd.Flags().StringVar(&initAPIBase, "api", "", "REST API base URL, including /api")
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "your user id")
	initCmd.Flags().StringVar(&initUserName, "user-name", "", "your display name")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the auth token in ~/.roomsync/config.toml",
	Long:  "Initialize the roomsync CLI by storing your token and endpoints in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initEndpoint != "" {
			cfg.Default.Endpoint = initEndpoint
		}
		if initAPIBase != "" {
			cfg.Default.APIBaseURL = initAPIBase
		}
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if initUserName != "" {
			cfg.Auth.UserName = initUserName
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
