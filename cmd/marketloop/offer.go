package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	marketloop "github.com/marketloop/marketloop-go"
	"github.com/spf13/cobra"
)

func init() {
	offerCmd.AddCommand(offerAcceptCmd)
	offerCmd.AddCommand(offerDeclineCmd)
	offerCmd.AddCommand(offerCheckoutCmd)
	offerCmd.AddCommand(offerInspectCmd)
	rootCmd.AddCommand(offerCmd)
}

var offerCmd = &cobra.Command{
	Use:   "offer",
	Short: "Negotiate offers embedded in conversation messages",
}

// loadOffer opens the conversation and finds the offer message, returning a
// tracker wired to the durable checkout guard.
func loadOffer(ctx context.Context, state *marketloop.StateFile, conversationID, messageID string) (*marketloop.OfferTracker, marketloop.Message, error) {
	client := getClient(state)
	self := state.Profile().Identity()

	store := marketloop.NewMessageStore(client, self)
	if err := store.Open(ctx, conversationID); err != nil {
		return nil, marketloop.Message{}, fmt.Errorf("load conversation: %w", err)
	}
	for {
		for _, msg := range store.Messages() {
			if msg.ID == messageID {
				tracker := marketloop.NewOfferTracker(client, store, state, self)
				return tracker, msg, nil
			}
		}
		more, err := store.LoadOlder(ctx)
		if err != nil {
			return nil, marketloop.Message{}, fmt.Errorf("load history: %w", err)
		}
		if !more {
			break
		}
	}
	return nil, marketloop.Message{}, fmt.Errorf("message %s not found in conversation", messageID)
}

var offerAcceptCmd = &cobra.Command{
	Use:   "accept <conversation-id> <message-id>",
	Short: "Accept a pending offer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		state := getState()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		tracker, msg, err := loadOffer(ctx, state, args[0], args[1])
		if err != nil {
			return err
		}
		amount, err := marketloop.OfferAmount(msg.Content)
		if err != nil {
			return fmt.Errorf("could not determine offer amount from %q", msg.Content)
		}
		if err := tracker.Accept(ctx, msg); err != nil {
			if errors.Is(err, marketloop.ErrOfferResolved) {
				return fmt.Errorf("offer already resolved")
			}
			return err
		}
		fmt.Printf("Accepted offer of $%s.\n", amount)
		return nil
	},
}

var offerDeclineCmd = &cobra.Command{
	Use:   "decline <conversation-id> <message-id>",
	Short: "Decline a pending offer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		state := getState()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		tracker, msg, err := loadOffer(ctx, state, args[0], args[1])
		if err != nil {
			return err
		}
		if err := tracker.Decline(ctx, msg); err != nil {
			if errors.Is(err, marketloop.ErrOfferResolved) {
				return fmt.Errorf("offer already resolved")
			}
			return err
		}
		fmt.Println("Declined offer.")
		return nil
	},
}

var offerCheckoutCmd = &cobra.Command{
	Use:   "checkout <conversation-id> <message-id>",
	Short: "Initiate checkout for an accepted offer",
	Long: "Start the checkout hand-off for an accepted offer. Each offer message can\n" +
		"initiate checkout exactly once; the guard survives restarts.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		state := getState()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		tracker, msg, err := loadOffer(ctx, state, args[0], args[1])
		if err != nil {
			return err
		}
		intent, err := tracker.Checkout(ctx, msg)
		if err != nil {
			if errors.Is(err, marketloop.ErrCheckoutInitiated) {
				return fmt.Errorf("checkout already initiated for this offer")
			}
			return err
		}
		if intent.OrderReference != "" {
			fmt.Printf("Checkout initiated (order %s).\n", intent.OrderReference)
		} else {
			fmt.Println("Checkout initiated.")
		}
		return nil
	},
}

var offerInspectCmd = &cobra.Command{
	Use:   "inspect <text>",
	Short: "Classify message text the way the chat UI would",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := marketloop.ClassifyMessage(args[0], false)
		fmt.Printf("Kind:            %s\n", c.Kind)
		if c.Err != nil {
			fmt.Printf("Error:           %v\n", c.Err)
		}
		if c.Amount != "" {
			fmt.Printf("Amount:          $%s\n", c.Amount)
		}
		if c.OrderReference != "" {
			fmt.Printf("Order reference: %s\n", c.OrderReference)
		}
		return nil
	},
}
