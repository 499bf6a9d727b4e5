// Package marketloop provides the official Go SDK for the Marketloop
// marketplace messaging API.
//
// Covers the conversation/message REST surface, the realtime socket client,
// and the in-band offer negotiation protocol.
//
// Example:
//
//	client := marketloop.NewClient("ml-token-...")
//
//	// REST
//	convos, _ := client.Conversations.List(ctx, false)
//	page, _ := client.Messages.Page(ctx, convos[0].ID, 1)
//
//	// Realtime
//	rt := client.Realtime(nil)
//	rt.OnNewMessage("ui", func(m marketloop.Message) { ... })
//	rt.Connect(ctx)
//	rt.JoinRooms(ctx, convos[0].ID)
package marketloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://marketloop.app/api"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the Marketloop API client. The zero value is not usable; create
// one with NewClient.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	Conversations *ConversationsClient
	Messages      *MessagesClient
	Offers        *OffersClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new Marketloop client authenticated with the given
// bearer token. Pass "" for endpoints that allow anonymous access.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Conversations = &ConversationsClient{client: c}
	c.Messages = &MessagesClient{client: c}
	c.Offers = &OffersClient{client: c}
	return c
}

// SetToken sets or updates the auth token, e.g. after re-authentication.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the current auth token, empty when unauthenticated.
func (c *Client) Token() string {
	return c.token
}

// BaseURL returns the configured API origin.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, apiErrorFromResponse(resp.StatusCode, data)
	}
	return data, nil
}

// apiErrorFromResponse maps an error response to a Go error. Auth failures
// map to ErrSessionExpired so callers can route to re-login instead of a bare
// retry.
func apiErrorFromResponse(status int, body []byte) error {
	if status == http.StatusUnauthorized {
		return ErrSessionExpired
	}

	var wrapped struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Error != nil && wrapped.Error.Message != "" {
		return wrapped.Error
	}
	var plain APIError
	if json.Unmarshal(body, &plain) == nil && plain.Message != "" {
		return &plain
	}
	return fmt.Errorf("HTTP %d: %s", status, http.StatusText(status))
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationsClient handles conversation-level operations.
type ConversationsClient struct{ client *Client }

// List fetches the conversation summary list, either active or archived.
func (cv *ConversationsClient) List(ctx context.Context, archived bool) ([]Conversation, error) {
	var query map[string]string
	if archived {
		query = map[string]string{"archived": "true"}
	}
	data, err := cv.client.doRequest(ctx, "GET", "/conversations", nil, query)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[[]Conversation](data)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

// Get fetches one conversation by id.
func (cv *ConversationsClient) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	data, err := cv.client.doRequest(ctx, "GET", "/conversations/"+conversationID, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// MarkRead marks every message in the conversation as read for the current
// user.
func (cv *ConversationsClient) MarkRead(ctx context.Context, conversationID string) error {
	_, err := cv.client.doRequest(ctx, "PUT", "/conversations/"+conversationID+"/read", nil, nil)
	return err
}

// Archive hides the conversation from the active list.
func (cv *ConversationsClient) Archive(ctx context.Context, conversationID string) error {
	_, err := cv.client.doRequest(ctx, "PUT", "/conversations/"+conversationID+"/archive", nil, nil)
	return err
}

// Restore moves an archived conversation back to the active list.
func (cv *ConversationsClient) Restore(ctx context.Context, conversationID string) error {
	_, err := cv.client.doRequest(ctx, "PUT", "/conversations/"+conversationID+"/restore", nil, nil)
	return err
}

// Delete permanently removes the conversation.
func (cv *ConversationsClient) Delete(ctx context.Context, conversationID string) error {
	_, err := cv.client.doRequest(ctx, "DELETE", "/conversations/"+conversationID, nil, nil)
	return err
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient handles message history and sending.
type MessagesClient struct{ client *Client }

// Page fetches one page of conversation history. Page 1 is the most recent
// page; messages within a page are oldest-first.
func (m *MessagesClient) Page(ctx context.Context, conversationID string, page int) (*MessagePage, error) {
	if page < 1 {
		page = 1
	}
	data, err := m.client.doRequest(ctx, "GET", "/conversations/"+conversationID+"/messages", nil,
		map[string]string{"page": fmt.Sprintf("%d", page)})
	if err != nil {
		return nil, err
	}
	return decodeJSON[MessagePage](data)
}

// Send posts a new message. Metadata is only set for offer-status-update
// messages.
func (m *MessagesClient) Send(ctx context.Context, conversationID, content string, metadata *MessageMetadata) (*Message, error) {
	payload := map[string]interface{}{"content": content}
	if metadata != nil {
		payload["metadata"] = metadata
	}
	data, err := m.client.doRequest(ctx, "POST", "/conversations/"+conversationID+"/messages", payload, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// Delete removes one message.
func (m *MessagesClient) Delete(ctx context.Context, conversationID, messageID string) error {
	_, err := m.client.doRequest(ctx, "DELETE", "/conversations/"+conversationID+"/messages/"+messageID, nil, nil)
	return err
}

// ============================================================================
// Offers
// ============================================================================

// OffersClient mutates the status of in-band offers.
type OffersClient struct{ client *Client }

// UpdateStatus transitions the offer carried by messageID to the given
// status. The server responds with the generated offer-status-update message
// (which also arrives via the socket for other participants).
func (o *OffersClient) UpdateStatus(ctx context.Context, conversationID, messageID string, status OfferStatus) (*Message, error) {
	payload := map[string]string{"status": string(status)}
	data, err := o.client.doRequest(ctx, "PUT",
		"/conversations/"+conversationID+"/messages/"+messageID+"/offer-status", payload, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}
