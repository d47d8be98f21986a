package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	initUserID  string
	initBaseURL string
)

func init() {
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "Your user id (used to recognise your own messages)")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "API origin, e.g. https://api.example.com")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a bearer token in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing an existing bearer token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadFileConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = strings.TrimRight(initBaseURL, "/")
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Auth.UserID == "" {
			fmt.Println("Tip: run 'chatsync status' to look up and store your user id.")
		}
		return nil
	},
}
