package marketloop

import (
	"errors"
	"strings"
)

// ============================================================================
// Errors
// ============================================================================

// APIError represents a structured error returned by the Marketloop API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

var (
	// ErrNoToken is returned when an operation requires authentication but no
	// token has been provided.
	ErrNoToken = errors.New("marketloop: no auth token")

	// ErrSessionExpired is returned when the server rejects the stored token.
	// Callers should route the user to re-authentication instead of retrying.
	ErrSessionExpired = errors.New("marketloop: session expired, please log in again")

	// ErrNotConnected is returned when an outbound realtime action could not
	// acquire a live connection within its wait window.
	ErrNotConnected = errors.New("marketloop: not connected")

	// ErrOfferAmount is returned when a message looks like an offer but no
	// dollar amount could be extracted from its text.
	ErrOfferAmount = errors.New("marketloop: could not determine offer amount")

	// ErrOfferResolved is returned when accept or decline is attempted on an
	// offer that already reached a terminal status.
	ErrOfferResolved = errors.New("marketloop: offer already resolved")

	// ErrCheckoutInitiated is returned when checkout has already been started
	// for an accepted offer message.
	ErrCheckoutInitiated = errors.New("marketloop: checkout already initiated")
)

// ============================================================================
// Identity
// ============================================================================

// Identity is a two-key user identity. Equality checks compare ids first and
// fall back to email, because the server does not serialize the same identity
// shape on every payload.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Same reports whether other refers to the same user as i.
func (i Identity) Same(other Identity) bool {
	if i.ID != "" && other.ID != "" && i.ID == other.ID {
		return true
	}
	if i.Email != "" && other.Email != "" && strings.EqualFold(i.Email, other.Email) {
		return true
	}
	return false
}

// Participant is a conversation member as returned by the API.
type Participant struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// Identity returns the comparable identity of the participant.
func (p Participant) Identity() Identity {
	return Identity{ID: p.ID, Email: p.Email}
}

// ============================================================================
// Core resources
// ============================================================================

// ProductRef is the denormalized product attached to a conversation.
type ProductRef struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Price    float64 `json:"price,omitempty"`
	ImageURL string  `json:"imageUrl,omitempty"`
}

// MessageMetadata carries the structured side channel of a message. It is
// only populated for offer-status-update messages.
type MessageMetadata struct {
	OfferStatusUpdate bool   `json:"offerStatusUpdate,omitempty"`
	OriginalOfferID   string `json:"originalOfferId,omitempty"`
	Status            string `json:"status,omitempty"`
	OrderReference    string `json:"orderReference,omitempty"`
}

// Message is a chat message. Optimistic local entries carry a "local-" id
// until the server echo replaces them.
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversationId"`
	Sender         Participant      `json:"sender"`
	Content        string           `json:"content"`
	Read           bool             `json:"read"`
	CreatedAt      string           `json:"createdAt"`
	Metadata       *MessageMetadata `json:"metadata,omitempty"`
}

// Local reports whether the message is an unconfirmed optimistic entry.
func (m *Message) Local() bool {
	return strings.HasPrefix(m.ID, localIDPrefix)
}

// Conversation is a buyer-seller thread, optionally about one product.
type Conversation struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	Product      *ProductRef   `json:"product,omitempty"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	Archived     bool          `json:"archived"`
	CreatedAt    string        `json:"createdAt,omitempty"`
	UpdatedAt    string        `json:"updatedAt,omitempty"`
}

// Counterpart returns the participant that is not the given user, if any.
func (c *Conversation) Counterpart(self Identity) *Participant {
	for i := range c.Participants {
		if !c.Participants[i].Identity().Same(self) {
			return &c.Participants[i]
		}
	}
	return nil
}

// ============================================================================
// REST payloads
// ============================================================================

// Pagination describes the server-side page window of a message history
// request. Page 1 is the most recent page.
type Pagination struct {
	Page  int `json:"page"`
	Pages int `json:"pages"`
}

// MessagePage is one page of conversation history, oldest-first within the
// page.
type MessagePage struct {
	Messages   []Message  `json:"messages"`
	Pagination Pagination `json:"pagination"`
}

// OfferStatus is the server-side status of an offer message.
type OfferStatus string

const (
	OfferNone     OfferStatus = ""
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
)
