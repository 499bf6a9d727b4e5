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
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, auth state, and a live API check.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		state := getState()

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  Timeout:   %s\n", valueOrDefault(cfg.Default.Timeout, "(default)"))

		fmt.Println()
		fmt.Println("Session:")
		profile := state.Profile()
		if state.Token() != "" {
			fmt.Printf("  Token:     %s\n", maskKey(state.Token()))
		} else {
			fmt.Println("  Token:     (not logged in)")
		}
		if profile.Username != "" || profile.ID != "" {
			fmt.Printf("  User:      %s\n", valueOrDefault(profile.Username, profile.ID))
			if profile.Email != "" {
				fmt.Printf("  Email:     %s\n", profile.Email)
			}
		}

		if state.Token() == "" {
			return nil
		}

		// Live check: fetch the conversation list.
		fmt.Println()
		fmt.Println("Live status:")
		client := getClient(state)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.Conversations.List(ctx, false)
		if err != nil {
			fmt.Printf("  API:       unreachable (%v)\n", err)
			return nil
		}
		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount
		}
		fmt.Printf("  API:       ok (%d conversations, %d unread)\n", len(convs), unread)
		return nil
	},
}
