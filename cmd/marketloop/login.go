package main

import (
	"fmt"

	marketloop "github.com/marketloop/marketloop-go"
	"github.com/spf13/cobra"
)

var (
	loginUserID   string
	loginEmail    string
	loginUsername string
)

func init() {
	loginCmd.Flags().StringVar(&loginUserID, "user-id", "", "your user id (used for identity comparison)")
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "your account email (identity fallback)")
	loginCmd.Flags().StringVar(&loginUsername, "username", "", "display name")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store an auth token in ~/.marketloop/state.toml",
	Long: "Store the auth token obtained from the Marketloop web app. The token is\n" +
		"attached to every API request and to the realtime socket handshake.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		state := getState()

		if err := state.SetToken(args[0]); err != nil {
			return fmt.Errorf("failed to save token: %w", err)
		}
		if loginUserID != "" || loginEmail != "" || loginUsername != "" {
			profile := marketloop.Profile{
				ID:       loginUserID,
				Email:    loginEmail,
				Username: loginUsername,
			}
			if err := state.SetProfile(profile); err != nil {
				return fmt.Errorf("failed to save profile: %w", err)
			}
		}

		fmt.Printf("Token saved to %s\n", state.Path())
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the stored token and profile",
	Long:  "Remove the auth token and profile snapshot. The checkout history is kept\nso an accepted offer cannot be checked out twice after re-login.",
	RunE: func(cmd *cobra.Command, args []string) error {
		state := getState()
		if err := state.Clear(); err != nil {
			return fmt.Errorf("failed to clear state: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}
