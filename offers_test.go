package marketloop

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExtractOfferAmount(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		amount string
		ok     bool
	}{
		{"offer with cents", "💰 I'd like to make an offer: $45.50", "45.50", true},
		{"whole dollars", "make an offer: $120", "120", true},
		{"one decimal place", "offer of $9.5 for this", "9.5", true},
		{"amount mid-sentence", "would you take $30.00 for it?", "30.00", true},
		{"no amount", "no amount here", "", false},
		{"bare dollar sign", "I have $ to spend", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount, ok := ExtractOfferAmount(tt.text)
			if ok != tt.ok {
				t.Fatalf("ExtractOfferAmount(%q) ok = %v, want %v", tt.text, ok, tt.ok)
			}
			if amount != tt.amount {
				t.Errorf("ExtractOfferAmount(%q) = %q, want %q", tt.text, amount, tt.amount)
			}
		})
	}

	t.Run("hard error when acting on amountless offer", func(t *testing.T) {
		if _, err := OfferAmount("no amount here"); !errors.Is(err, ErrOfferAmount) {
			t.Errorf("OfferAmount error = %v, want ErrOfferAmount", err)
		}
	})
}

func TestClassifyMessage(t *testing.T) {
	tests := []struct {
		name             string
		text             string
		firstWithProduct bool
		kind             MessageKind
	}{
		{"plain text", "see you at 5", false, KindText},
		{"offer proposal", "💰 I'd like to make an offer: $45.50", false, KindOfferProposal},
		{"offer intent without amount", "I want to make an offer but have no number", false, KindOfferProposal},
		{"amountless offer never becomes an inquiry", "I want to make an offer", true, KindOfferProposal},
		{"acceptance notice", "✅ Offer accepted! Order reference: ORD-123", false, KindOfferAccepted},
		{"inquiry with price", "I'm interested in this product ($25.00), still available?", false, KindProductInquiry},
		{"inquiry keywords without price", "interested in the product", false, KindText},
		{"opener with product", "Is this still for sale?", true, KindProductInquiry},
		{"greeting opener with product", "hi", true, KindText},
		{"greeting variants", "Hey!", true, KindText},
		{"greeting hello", "hello...", true, KindText},
		{"greeting plus content is an inquiry", "hi, does it come with the charger?", true, KindProductInquiry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyMessage(tt.text, tt.firstWithProduct)
			if got.Kind != tt.kind {
				t.Errorf("ClassifyMessage(%q, %v).Kind = %v, want %v",
					tt.text, tt.firstWithProduct, got.Kind, tt.kind)
			}
		})
	}

	t.Run("amountless proposal carries the parse error", func(t *testing.T) {
		c := ClassifyMessage("I want to make an offer but have no number", false)
		if !errors.Is(c.Err, ErrOfferAmount) {
			t.Errorf("Err = %v, want ErrOfferAmount", c.Err)
		}
		if c.Amount != "" {
			t.Errorf("Amount = %q, want empty", c.Amount)
		}
	})

	t.Run("proposal with amount has no error", func(t *testing.T) {
		if c := ClassifyMessage("make an offer: $45.50", false); c.Err != nil {
			t.Errorf("Err = %v, want nil", c.Err)
		}
	})

	t.Run("proposal carries amount", func(t *testing.T) {
		c := ClassifyMessage("make an offer: $45.50", false)
		if c.Amount != "45.50" {
			t.Errorf("Amount = %q, want %q", c.Amount, "45.50")
		}
	})

	t.Run("acceptance carries order reference", func(t *testing.T) {
		c := ClassifyMessage("✅ Offer accepted! Order reference: ORD-9f2a. See you soon", false)
		if c.OrderReference != "ORD-9f2a" {
			t.Errorf("OrderReference = %q, want %q", c.OrderReference, "ORD-9f2a")
		}
	})

	t.Run("acceptance without reference", func(t *testing.T) {
		c := ClassifyMessage("✅ Offer accepted!", false)
		if c.OrderReference != "" {
			t.Errorf("OrderReference = %q, want empty", c.OrderReference)
		}
	})
}

// offerTestServer serves a one-conversation history containing a pending
// offer from the counterparty and records offer-status updates.
func offerTestServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var updates []string

	mux := http.NewServeMux()
	mux.HandleFunc("/conversations/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		page := MessagePage{
			Messages: []Message{
				{
					ID:             "m1",
					ConversationID: "c1",
					Sender:         Participant{ID: "buyer", Email: "buyer@example.com"},
					Content:        "💰 I'd like to make an offer: $45.50",
					CreatedAt:      "2026-08-30T10:00:00Z",
				},
			},
			Pagination: Pagination{Page: 1, Pages: 1},
		}
		json.NewEncoder(w).Encode(page)
	})
	mux.HandleFunc("/conversations/c1/messages/m1/offer-status", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Status string `json:"status"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		updates = append(updates, body.Status)
		json.NewEncoder(w).Encode(Message{
			ID:             "m2",
			ConversationID: "c1",
			Content:        "✅ Offer accepted!",
			Metadata: &MessageMetadata{
				OfferStatusUpdate: true,
				OriginalOfferID:   "m1",
				Status:            body.Status,
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &updates
}

func TestOfferTracker(t *testing.T) {
	self := Identity{ID: "seller", Email: "seller@example.com"}
	ctx := context.Background()

	setup := func(t *testing.T) (*OfferTracker, *MessageStore, *[]string, Message) {
		srv, updates := offerTestServer(t)
		client := NewClient("tok", WithBaseURL(srv.URL))
		store := NewMessageStore(client, self)
		if err := store.Open(ctx, "c1"); err != nil {
			t.Fatalf("Open: %v", err)
		}
		tracker := NewOfferTracker(client, store, NewMemoryCompletionStore(), self)
		return tracker, store, updates, store.Messages()[0]
	}

	t.Run("accept confirms with server then transitions", func(t *testing.T) {
		tracker, store, updates, offer := setup(t)

		if got := tracker.StatusOf(offer.ID); got != OfferPending {
			t.Fatalf("initial status = %v, want pending", got)
		}
		if err := tracker.Accept(ctx, offer); err != nil {
			t.Fatalf("Accept: %v", err)
		}
		if len(*updates) != 1 || (*updates)[0] != "accepted" {
			t.Errorf("server updates = %v, want [accepted]", *updates)
		}
		if got := store.OfferStatusOf(offer.ID); got != OfferAccepted {
			t.Errorf("local status = %v, want accepted", got)
		}
	})

	t.Run("terminal states reject further transitions", func(t *testing.T) {
		tracker, _, updates, offer := setup(t)

		if err := tracker.Decline(ctx, offer); err != nil {
			t.Fatalf("Decline: %v", err)
		}
		if err := tracker.Accept(ctx, offer); !errors.Is(err, ErrOfferResolved) {
			t.Errorf("Accept after decline = %v, want ErrOfferResolved", err)
		}
		if err := tracker.Decline(ctx, offer); !errors.Is(err, ErrOfferResolved) {
			t.Errorf("second Decline = %v, want ErrOfferResolved", err)
		}
		if len(*updates) != 1 {
			t.Errorf("server saw %d updates, want 1", len(*updates))
		}
	})

	t.Run("proposer cannot resolve own offer", func(t *testing.T) {
		srv, _ := offerTestServer(t)
		client := NewClient("tok", WithBaseURL(srv.URL))
		buyer := Identity{ID: "buyer"}
		store := NewMessageStore(client, buyer)
		if err := store.Open(ctx, "c1"); err != nil {
			t.Fatalf("Open: %v", err)
		}
		tracker := NewOfferTracker(client, store, NewMemoryCompletionStore(), buyer)
		if err := tracker.Accept(ctx, store.Messages()[0]); err == nil {
			t.Error("Accept by proposer succeeded, want error")
		}
	})

	t.Run("no local transition on server failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/offer-status") {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			json.NewEncoder(w).Encode(MessagePage{
				Messages: []Message{{
					ID: "m1", ConversationID: "c1",
					Sender:  Participant{ID: "buyer"},
					Content: "make an offer: $10",
				}},
				Pagination: Pagination{Page: 1, Pages: 1},
			})
		}))
		defer srv.Close()

		client := NewClient("tok", WithBaseURL(srv.URL))
		store := NewMessageStore(client, self)
		if err := store.Open(ctx, "c1"); err != nil {
			t.Fatalf("Open: %v", err)
		}
		tracker := NewOfferTracker(client, store, NewMemoryCompletionStore(), self)
		offer := store.Messages()[0]

		if err := tracker.Accept(ctx, offer); err == nil {
			t.Fatal("Accept succeeded, want error")
		}
		if got := tracker.StatusOf(offer.ID); got != OfferPending {
			t.Errorf("status after failed accept = %v, want pending", got)
		}
	})

	t.Run("checkout requires accepted status", func(t *testing.T) {
		tracker, _, _, offer := setup(t)
		if _, err := tracker.Checkout(ctx, offer); err == nil {
			t.Error("Checkout on pending offer succeeded, want error")
		}
	})

	t.Run("checkout is idempotent", func(t *testing.T) {
		tracker, _, _, offer := setup(t)
		if err := tracker.Accept(ctx, offer); err != nil {
			t.Fatalf("Accept: %v", err)
		}

		intent, err := tracker.Checkout(ctx, offer)
		if err != nil {
			t.Fatalf("first Checkout: %v", err)
		}
		if intent.MessageID != offer.ID {
			t.Errorf("intent.MessageID = %q, want %q", intent.MessageID, offer.ID)
		}
		if _, err := tracker.Checkout(ctx, offer); !errors.Is(err, ErrCheckoutInitiated) {
			t.Errorf("second Checkout = %v, want ErrCheckoutInitiated", err)
		}
	})
}

func TestOfferStatusRederivedFromHistory(t *testing.T) {
	// A fresh page load re-derives terminal status and the checkout order
	// reference from the status-update message in the fetched history.
	openHistory := func(t *testing.T, update Message) *MessageStore {
		t.Helper()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(MessagePage{
				Messages: []Message{
					{ID: "m1", ConversationID: "c1", Sender: Participant{ID: "buyer"}, Content: "make an offer: $45.50"},
					update,
				},
				Pagination: Pagination{Page: 1, Pages: 1},
			})
		}))
		t.Cleanup(srv.Close)

		store := NewMessageStore(NewClient("tok", WithBaseURL(srv.URL)), Identity{ID: "buyer"})
		if err := store.Open(context.Background(), "c1"); err != nil {
			t.Fatalf("Open: %v", err)
		}
		return store
	}

	t.Run("status from metadata", func(t *testing.T) {
		store := openHistory(t, Message{
			ID: "m2", ConversationID: "c1", Sender: Participant{ID: "seller"}, Content: "✅ Offer accepted!",
			Metadata: &MessageMetadata{OfferStatusUpdate: true, OriginalOfferID: "m1", Status: "accepted"},
		})
		if got := store.OfferStatusOf("m1"); got != OfferAccepted {
			t.Errorf("derived status = %v, want accepted", got)
		}
	})

	t.Run("order reference from metadata reaches checkout", func(t *testing.T) {
		store := openHistory(t, Message{
			ID: "m2", ConversationID: "c1", Sender: Participant{ID: "seller"}, Content: "✅ Offer accepted!",
			Metadata: &MessageMetadata{
				OfferStatusUpdate: true, OriginalOfferID: "m1",
				Status: "accepted", OrderReference: "ORD-9f2a",
			},
		})
		if got := store.OrderReferenceOf("m1"); got != "ORD-9f2a" {
			t.Fatalf("OrderReferenceOf = %q, want ORD-9f2a", got)
		}

		buyer := Identity{ID: "buyer"}
		tracker := NewOfferTracker(nil, store, NewMemoryCompletionStore(), buyer)
		offer := store.Messages()[0]
		intent, err := tracker.Checkout(context.Background(), offer)
		if err != nil {
			t.Fatalf("Checkout: %v", err)
		}
		if intent.OrderReference != "ORD-9f2a" {
			t.Errorf("intent.OrderReference = %q, want ORD-9f2a", intent.OrderReference)
		}
	})

	t.Run("order reference falls back to notice text", func(t *testing.T) {
		store := openHistory(t, Message{
			ID: "m2", ConversationID: "c1", Sender: Participant{ID: "seller"},
			Content:  "✅ Offer accepted! Order reference: ORD-7b1c",
			Metadata: &MessageMetadata{OfferStatusUpdate: true, OriginalOfferID: "m1", Status: "accepted"},
		})
		if got := store.OrderReferenceOf("m1"); got != "ORD-7b1c" {
			t.Errorf("OrderReferenceOf = %q, want ORD-7b1c", got)
		}
	})
}
