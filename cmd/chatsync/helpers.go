package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/nestmate/chatsync"
)

// newClient builds a client from the effective configuration. When
// requireToken is set and no token is configured it exits with a hint.
func newClient(requireToken bool) (*chatsync.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if requireToken && cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'chatsync login <email>' or 'chatsync init <token>' first.")
		os.Exit(1)
	}

	opts := []chatsync.ClientOption{
		chatsync.WithBaseURL(cfg.Default.BaseURL),
		chatsync.WithLogger(logger),
	}
	if d, err := time.ParseDuration(cfg.Default.Timeout); err == nil && d > 0 {
		opts = append(opts, chatsync.WithTimeout(d))
	}
	return chatsync.NewClient(cfg.Auth.Token, opts...), cfg
}

// apiError turns a client error into a one-line CLI error.
func apiError(op string, err error) error {
	var apiErr *chatsync.APIError
	switch {
	case chatsync.IsUnauthorized(err):
		return fmt.Errorf("%s: not authorized; run 'chatsync login <email>' again", op)
	case errors.As(err, &apiErr):
		return fmt.Errorf("%s: API error (%d): %s", op, apiErr.StatusCode, apiErr.Error())
	}
	return fmt.Errorf("%s: %w", op, err)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 12 {
		return key[:2] + "..."
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
