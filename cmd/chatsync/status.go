package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the effective configuration and, when a token is stored, fetch live account info. A missing user id is filled in from the server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", cfg.Default.BaseURL)
		fmt.Printf("  Timeout:  %s\n", cfg.Default.Timeout)

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:    (not set)")
			return nil
		}
		fmt.Printf("  Token:    %s\n", maskKey(cfg.Auth.Token))
		fmt.Printf("  User ID:  %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Printf("  Username: %s\n", valueOrDefault(cfg.Auth.Username, "(not set)"))

		fmt.Println()
		fmt.Println("Live status:")

		client, _ := newClient(true)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Account.Me(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", apiError("me", err))
			return nil
		}
		fmt.Printf("  User ID:  %s\n", me.ID)
		fmt.Printf("  Username: %s\n", me.Username)
		if me.Email != "" {
			fmt.Printf("  Email:    %s\n", me.Email)
		}

		list, err := client.Conversations.List(ctx, nil)
		if err == nil {
			unread := 0
			for _, c := range list {
				unread += c.UnreadCount
			}
			fmt.Printf("  Conversations: %d (%d unread messages)\n", len(list), unread)
		}

		if cfg.Auth.UserID == "" {
			fileCfg, err := loadFileConfig()
			if err == nil {
				fileCfg.Auth.UserID = string(me.ID)
				fileCfg.Auth.Username = me.Username
				if err := saveConfig(fileCfg); err != nil {
					logger.Warn().Err(err).Msg("could not store user id")
				}
			}
		}
		return nil
	},
}
