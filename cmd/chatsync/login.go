package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var loginPasswordStdin bool

func init() {
	loginCmd.Flags().BoolVar(&loginPasswordStdin, "password-stdin", false, "Read the password from stdin without prompting")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Log in and store the returned token",
	Long:  "Exchange email and password for a bearer token and store it, with your user id, in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]

		if !loginPasswordStdin {
			fmt.Fprint(os.Stderr, "Password: ")
		}
		password, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && password == "" {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = strings.TrimRight(password, "\r\n")

		client, _ := newClient(false)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := client.Account.Login(ctx, email, password)
		if err != nil {
			return apiError("login", err)
		}
		token := res.BearerToken()
		if token == "" {
			return fmt.Errorf("login: server returned no token")
		}

		cfg, err := loadFileConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = token
		cfg.Auth.Email = email
		cfg.Auth.UserID = string(res.User.ID)
		cfg.Auth.Username = res.User.Username

		// Some backends omit the user from the login response.
		if cfg.Auth.UserID == "" {
			client.SetToken(token)
			if me, err := client.Account.Me(ctx); err == nil {
				cfg.Auth.UserID = string(me.ID)
				cfg.Auth.Username = me.Username
			} else {
				logger.Warn().Err(err).Msg("could not look up user after login")
			}
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Login successful!")
		fmt.Printf("  User ID:  %s\n", valueOrDefault(cfg.Auth.UserID, "(unknown)"))
		fmt.Printf("  Username: %s\n", valueOrDefault(cfg.Auth.Username, "(unknown)"))
		return nil
	},
}
