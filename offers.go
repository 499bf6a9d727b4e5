package marketloop

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Offers are not a first-class server entity: message text is the sole
// carrier of offer semantics, so all pattern matching is centralized here.
// The recognized shapes are an offer proposal (intent phrase plus a dollar
// amount), an acceptance notice with an optional order reference, and a
// product inquiry.

const (
	offerIntentPhrase    = "make an offer"
	offerAcceptedMarker  = "✅ Offer accepted!"
	orderReferencePrefix = "Order reference: "
)

var (
	offerAmountPattern   = regexp.MustCompile(`\$(\d+(?:\.\d{1,2})?)`)
	inquiryPricePattern  = regexp.MustCompile(`\(\$\d+(?:\.\d{1,2})?\)`)
	orderReferenceSplits = regexp.MustCompile(`[\s]`)
)

// MessageKind classifies what a message's text represents.
type MessageKind int

const (
	KindText MessageKind = iota
	KindOfferProposal
	KindOfferAccepted
	KindProductInquiry
)

func (k MessageKind) String() string {
	switch k {
	case KindOfferProposal:
		return "offer-proposal"
	case KindOfferAccepted:
		return "offer-accepted"
	case KindProductInquiry:
		return "product-inquiry"
	default:
		return "text"
	}
}

// Classification is the structured result of inspecting message text.
type Classification struct {
	Kind MessageKind

	// Amount is the extracted dollar amount of an offer proposal, without
	// the currency sign, e.g. "45.50".
	Amount string

	// OrderReference is the token following the order-reference prefix in an
	// acceptance notice, when present.
	OrderReference string

	// Err is set when the text matches a protocol shape but a required field
	// could not be extracted (ErrOfferAmount for an amountless proposal).
	// Callers must surface it rather than rendering a zero amount.
	Err error
}

// ExtractOfferAmount pulls the dollar amount out of offer text. The boolean
// is false when no amount is present; callers must surface that as an error
// rather than defaulting to zero.
func ExtractOfferAmount(text string) (string, bool) {
	m := offerAmountPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// OfferAmount is ExtractOfferAmount with the error contract applied: absence
// of an amount in a message that is being acted on as an offer is a hard
// failure.
func OfferAmount(text string) (string, error) {
	amount, ok := ExtractOfferAmount(text)
	if !ok {
		return "", ErrOfferAmount
	}
	return amount, nil
}

// ClassifyMessage inspects message text and returns its kind plus any
// extracted fields. firstWithProduct indicates the message opens a
// conversation that has a product attached; such openers classify as product
// inquiries unless they are bare greetings.
func ClassifyMessage(text string, firstWithProduct bool) Classification {
	if strings.Contains(text, offerAcceptedMarker) {
		return Classification{
			Kind:           KindOfferAccepted,
			OrderReference: extractOrderReference(text),
		}
	}

	lower := strings.ToLower(text)
	if strings.Contains(lower, offerIntentPhrase) {
		amount, ok := ExtractOfferAmount(text)
		if !ok {
			return Classification{Kind: KindOfferProposal, Err: ErrOfferAmount}
		}
		return Classification{Kind: KindOfferProposal, Amount: amount}
	}

	if strings.Contains(lower, "interested in") && strings.Contains(lower, "product") &&
		inquiryPricePattern.MatchString(text) {
		return Classification{Kind: KindProductInquiry}
	}
	if firstWithProduct && !isGreeting(text) {
		return Classification{Kind: KindProductInquiry}
	}

	return Classification{Kind: KindText}
}

func extractOrderReference(text string) string {
	idx := strings.Index(text, orderReferencePrefix)
	if idx < 0 {
		return ""
	}
	rest := text[idx+len(orderReferencePrefix):]
	fields := orderReferenceSplits.Split(strings.TrimSpace(rest), 2)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimRight(fields[0], ".,;:!")
}

// isGreeting reports whether the text is small talk with no other content.
// Greeting-only openers never render as product inquiries.
func isGreeting(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.TrimRight(t, "!.?, ")
	switch t {
	case "hi", "hello", "hey":
		return true
	}
	return false
}

// ============================================================================
// Offer state machine
// ============================================================================

// CompletionStore durably records which accepted-offer messages have already
// initiated checkout, so a reload cannot double-checkout from the same
// message.
type CompletionStore interface {
	HasCompleted(id string) bool
	MarkCompleted(id string) error
}

// MemoryCompletionStore is a non-durable CompletionStore for tests and
// embedded use.
type MemoryCompletionStore struct {
	mu   sync.Mutex
	done map[string]struct{}
}

// NewMemoryCompletionStore returns an empty in-memory completion store.
func NewMemoryCompletionStore() *MemoryCompletionStore {
	return &MemoryCompletionStore{done: make(map[string]struct{})}
}

func (m *MemoryCompletionStore) HasCompleted(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.done[id]
	return ok
}

func (m *MemoryCompletionStore) MarkCompleted(id string) error {
	m.mu.Lock()
	m.done[id] = struct{}{}
	m.mu.Unlock()
	return nil
}

// CheckoutIntent describes a successfully initiated checkout hand-off.
type CheckoutIntent struct {
	MessageID      string
	OrderReference string
}

// OfferTracker drives the per-offer state machine: pending until the
// counterparty accepts or declines, with accepted offers eligible for exactly
// one checkout initiation. Accept and decline confirm with the server before
// any local transition; there is no optimistic path into a terminal state.
type OfferTracker struct {
	client    *Client
	store     *MessageStore
	completed CompletionStore
	self      Identity
}

// NewOfferTracker wires the tracker to the API client, the open
// conversation's message store, and a durable completion store.
func NewOfferTracker(client *Client, store *MessageStore, completed CompletionStore, self Identity) *OfferTracker {
	return &OfferTracker{client: client, store: store, completed: completed, self: self}
}

// StatusOf returns the offer's current status as derived from the message
// log and any locally confirmed transitions.
func (t *OfferTracker) StatusOf(messageID string) OfferStatus {
	status := t.store.OfferStatusOf(messageID)
	if status == OfferNone {
		return OfferPending
	}
	return status
}

// CanRespond reports whether the current user may accept or decline the
// offer: only the counterparty of a still-pending offer can.
func (t *OfferTracker) CanRespond(msg Message) bool {
	if msg.Sender.Identity().Same(t.self) {
		return false
	}
	return t.StatusOf(msg.ID) == OfferPending
}

// Accept transitions a pending offer to accepted. The server is updated
// first; on failure the offer stays pending and the error is returned.
func (t *OfferTracker) Accept(ctx context.Context, msg Message) error {
	return t.resolve(ctx, msg, OfferAccepted)
}

// Decline transitions a pending offer to declined.
func (t *OfferTracker) Decline(ctx context.Context, msg Message) error {
	return t.resolve(ctx, msg, OfferDeclined)
}

func (t *OfferTracker) resolve(ctx context.Context, msg Message, status OfferStatus) error {
	if msg.Sender.Identity().Same(t.self) {
		return fmt.Errorf("marketloop: cannot %s own offer", status)
	}
	if t.StatusOf(msg.ID) != OfferPending {
		return ErrOfferResolved
	}
	update, err := t.client.Offers.UpdateStatus(ctx, msg.ConversationID, msg.ID, status)
	if err != nil {
		return fmt.Errorf("update offer status: %w", err)
	}
	t.store.SetOfferStatus(msg.ID, status)
	if update != nil {
		// The generated status-update message carries the order reference
		// for checkout linkage; folding it in also dedupes the socket echo.
		t.store.Ingest(*update)
	}
	return nil
}

// Checkout initiates the checkout hand-off for an accepted offer message.
// Exactly one initiation per message id is possible, durable across reloads:
// a repeat call returns ErrCheckoutInitiated.
func (t *OfferTracker) Checkout(ctx context.Context, msg Message) (*CheckoutIntent, error) {
	if t.StatusOf(msg.ID) != OfferAccepted {
		return nil, fmt.Errorf("marketloop: offer %s is not accepted", msg.ID)
	}
	if t.completed.HasCompleted(msg.ID) {
		return nil, ErrCheckoutInitiated
	}
	if err := t.completed.MarkCompleted(msg.ID); err != nil {
		return nil, fmt.Errorf("record checkout: %w", err)
	}
	ref := t.store.OrderReferenceOf(msg.ID)
	if ref == "" {
		ref = extractOrderReference(msg.Content)
	}
	return &CheckoutIntent{
		MessageID:      msg.ID,
		OrderReference: ref,
	}, nil
}
