package main

import (
	"fmt"
	"os"
	"time"

	marketloop "github.com/marketloop/marketloop-go"
)

// getState opens the durable state file holding the auth token, profile
// snapshot, and checkout guard.
func getState() *marketloop.StateFile {
	path, err := statePath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to locate state file: %v\n", err)
		os.Exit(1)
	}
	state, err := marketloop.OpenStateFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load state: %v\n", err)
		os.Exit(1)
	}
	return state
}

// getClient creates a Marketloop client authenticated from the state file.
func getClient(state *marketloop.StateFile) *marketloop.Client {
	if state.Token() == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'marketloop login <token>' first.")
		os.Exit(1)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var opts []marketloop.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, marketloop.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Default.Timeout); err == nil {
			opts = append(opts, marketloop.WithTimeout(d))
		}
	}

	return marketloop.NewClient(state.Token(), opts...)
}

// maskKey hides the middle of a credential for display.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// valueOrDefault returns fallback when s is empty.
func valueOrDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
