package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	marketloop "github.com/marketloop/marketloop-go"
	"github.com/spf13/cobra"
)

var (
	inboxArchived bool
	inboxJSON     bool
)

func init() {
	inboxListCmd.Flags().BoolVar(&inboxArchived, "archived", false, "show archived conversations")
	inboxListCmd.Flags().BoolVar(&inboxJSON, "json", false, "output raw JSON")
	inboxCmd.AddCommand(inboxListCmd)
	inboxCmd.AddCommand(inboxReadCmd)
	inboxCmd.AddCommand(inboxArchiveCmd)
	inboxCmd.AddCommand(inboxRestoreCmd)
	inboxCmd.AddCommand(inboxDeleteCmd)
	rootCmd.AddCommand(inboxCmd)
}

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Manage the conversation list",
}

var inboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		state := getState()
		client := getClient(state)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		inbox := marketloop.NewInboxList(client, state.Profile().Identity())
		if err := inbox.Load(ctx, inboxArchived); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		convs := inbox.Conversations()

		if inboxJSON {
			data, err := json.MarshalIndent(convs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		self := state.Profile().Identity()
		for _, conv := range convs {
			who := "(unknown)"
			if p := conv.Counterpart(self); p != nil {
				who = valueOrDefault(p.Username, p.Email)
			}
			last := ""
			if conv.LastMessage != nil {
				last = conv.LastMessage.Content
				if len(last) > 60 {
					last = last[:57] + "..."
				}
			}
			badge := " "
			if conv.UnreadCount > 0 {
				badge = fmt.Sprintf("(%d)", conv.UnreadCount)
			}
			fmt.Printf("%-26s %-4s %-20s %s\n", conv.ID, badge, who, last)
		}
		return nil
	},
}

var inboxReadCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		state := getState()
		client := getClient(state)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Conversations.MarkRead(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Marked read.")
		return nil
	},
}

var inboxArchiveCmd = &cobra.Command{
	Use:   "archive <conversation-id>",
	Short: "Archive a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		state := getState()
		client := getClient(state)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Conversations.Archive(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Archived.")
		return nil
	},
}

var inboxRestoreCmd = &cobra.Command{
	Use:   "restore <conversation-id>",
	Short: "Restore an archived conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		state := getState()
		client := getClient(state)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Conversations.Restore(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Restored.")
		return nil
	},
}

var inboxDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		state := getState()
		client := getClient(state)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Conversations.Delete(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Deleted.")
		return nil
	},
}
