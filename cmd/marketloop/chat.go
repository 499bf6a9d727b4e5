package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	marketloop "github.com/marketloop/marketloop-go"
	"github.com/spf13/cobra"
)

var chatHistoryPages int

func init() {
	chatHistoryCmd.Flags().IntVar(&chatHistoryPages, "pages", 1, "number of history pages to load (newest first)")
	chatCmd.AddCommand(chatWatchCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatHistoryCmd)
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Live conversation commands",
}

// printMessage renders one chat line, marking offers and unconfirmed sends.
func printMessage(msg marketloop.Message, self marketloop.Identity) {
	who := valueOrDefault(msg.Sender.Username, msg.Sender.Email)
	if msg.Sender.Identity().Same(self) {
		who = "me"
	}
	suffix := ""
	if msg.Local() {
		suffix = " (sending...)"
	}
	switch c := marketloop.ClassifyMessage(msg.Content, false); c.Kind {
	case marketloop.KindOfferProposal:
		if c.Err != nil {
			suffix += " [offer: could not determine offer amount]"
			break
		}
		suffix += fmt.Sprintf(" [offer: $%s]", c.Amount)
	case marketloop.KindOfferAccepted:
		suffix += " [offer accepted]"
		if c.OrderReference != "" {
			suffix += fmt.Sprintf(" [order %s]", c.OrderReference)
		}
	}
	fmt.Printf("%s  %-12s %s%s\n", msg.CreatedAt, who, msg.Content, suffix)
}

var chatWatchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Stream a conversation live",
	Long: "Load recent history, join the conversation room, and print messages,\n" +
		"typing indicators, and read receipts as they arrive. Ctrl-C to stop.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		state := getState()
		client := getClient(state)
		self := state.Profile().Identity()
		logger := newLogger()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		store := marketloop.NewMessageStore(client, self)
		loadCtx, loadCancel := context.WithTimeout(ctx, 10*time.Second)
		err := store.Open(loadCtx, conversationID)
		loadCancel()
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		for _, msg := range store.Messages() {
			printMessage(msg, self)
		}

		rt := client.Realtime(&marketloop.RealtimeConfig{Logger: logger})
		defer rt.Disconnect()

		unbind := store.Bind(rt)
		defer unbind()
		rt.OnNewMessage("chat-watch", func(msg marketloop.Message) {
			if msg.ConversationID == conversationID {
				printMessage(msg, self)
			}
		})
		rt.OnTypingStart("chat-watch", func(p marketloop.TypingPayload) {
			if p.ConversationID == conversationID {
				fmt.Printf("... %s is typing\n", p.UserID)
			}
		})
		rt.OnMessagesRead("chat-watch", func(p marketloop.MessagesReadPayload) {
			if p.ConversationID == conversationID {
				fmt.Println("... messages read")
			}
		})
		rt.OnDisconnected("chat-watch", func(reason string) {
			fmt.Printf("... disconnected (%s)\n", reason)
		})
		rt.OnReconnected("chat-watch", func() {
			fmt.Println("... reconnected")
		})
		rt.OnReconnectFailed("chat-watch", func(attempts int) {
			fmt.Printf("... gave up after %d attempts, press Ctrl-C and retry\n", attempts)
		})

		if err := rt.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if err := rt.JoinRooms(ctx, conversationID); err != nil {
			return fmt.Errorf("join room: %w", err)
		}
		if err := rt.MarkRead(ctx, conversationID); err != nil {
			logger.Warn("mark read failed", "error", err)
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		return nil
	},
}

var chatSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, text := args[0], args[1]
		state := getState()
		client := getClient(state)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		rt := client.Realtime(&marketloop.RealtimeConfig{Logger: newLogger()})
		defer rt.Disconnect()

		if err := rt.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if err := rt.JoinRooms(ctx, conversationID); err != nil {
			return fmt.Errorf("join room: %w", err)
		}
		if err := rt.SendMessage(ctx, conversationID, text); err != nil {
			return fmt.Errorf("send failed, try again: %w", err)
		}
		fmt.Println("Sent.")
		return nil
	},
}

var chatHistoryCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print conversation history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		state := getState()
		client := getClient(state)
		self := state.Profile().Identity()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		store := marketloop.NewMessageStore(client, self)
		if err := store.Open(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		for i := 1; i < chatHistoryPages; i++ {
			more, err := store.LoadOlder(ctx)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			if !more {
				break
			}
		}
		for _, msg := range store.Messages() {
			printMessage(msg, self)
		}
		return nil
	},
}
