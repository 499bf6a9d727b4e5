package marketloop

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// localIDPrefix marks optimistic messages that have not been confirmed by the
// server yet.
const localIDPrefix = "local-"

// ============================================================================
// Message store
// ============================================================================

// MessageStore holds the ordered message log of the currently open
// conversation. It performs optimistic insertion, de-duplication by id, and
// reconciliation of optimistic entries against server echoes. Switching
// conversations replaces the log; no two conversations' logs are ever merged.
type MessageStore struct {
	client *Client
	self   Identity

	mu             sync.Mutex
	conversationID string
	messages       []Message
	index          map[string]struct{}
	offerStatus    map[string]OfferStatus
	orderRefs      map[string]string
	page           int
	pages          int
}

// NewMessageStore returns a store for the given authenticated user. self is
// used to recognize server echoes of the user's own optimistic sends.
func NewMessageStore(client *Client, self Identity) *MessageStore {
	return &MessageStore{
		client:      client,
		self:        self,
		index:       make(map[string]struct{}),
		offerStatus: make(map[string]OfferStatus),
		orderRefs:   make(map[string]string),
	}
}

// ConversationID returns the id of the open conversation, empty when none.
func (s *MessageStore) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Messages returns a copy of the ordered log, oldest first.
func (s *MessageStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// HasMore reports whether older history pages remain to be fetched.
func (s *MessageStore) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page < s.pages
}

// Open switches the store to a conversation and loads its most recent page,
// replacing any previous log.
func (s *MessageStore) Open(ctx context.Context, conversationID string) error {
	page, err := s.client.Messages.Page(ctx, conversationID, 1)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = conversationID
	s.messages = nil
	s.index = make(map[string]struct{})
	s.offerStatus = make(map[string]OfferStatus)
	s.orderRefs = make(map[string]string)
	s.page = page.Pagination.Page
	s.pages = page.Pagination.Pages
	for _, msg := range page.Messages {
		s.appendLocked(msg)
	}
	return nil
}

// LoadOlder fetches the next-older history page and prepends it to the log.
// Returns false when no older pages remain.
func (s *MessageStore) LoadOlder(ctx context.Context) (bool, error) {
	s.mu.Lock()
	convID := s.conversationID
	next := s.page + 1
	if convID == "" || s.page >= s.pages {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	page, err := s.client.Messages.Page(ctx, convID, next)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationID != convID {
		// Conversation switched while the fetch was in flight.
		return false, nil
	}
	older := make([]Message, 0, len(page.Messages))
	for _, msg := range page.Messages {
		if _, dup := s.index[msg.ID]; dup {
			continue
		}
		s.index[msg.ID] = struct{}{}
		s.noteOfferStatusLocked(msg)
		older = append(older, msg)
	}
	s.messages = append(older, s.messages...)
	s.page = page.Pagination.Page
	s.pages = page.Pagination.Pages
	return s.page < s.pages, nil
}

// SendOptimistic appends a locally-synthesized message with a temporary id
// and returns it. The caller issues the network send and follows up with
// Reconcile or Fail.
func (s *MessageStore) SendOptimistic(content string) Message {
	msg := Message{
		ID:        localIDPrefix + uuid.NewString(),
		Sender:    Participant{ID: s.self.ID, Email: s.self.Email},
		Content:   content,
		Read:      false,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	s.mu.Lock()
	msg.ConversationID = s.conversationID
	s.appendLocked(msg)
	s.mu.Unlock()
	return msg
}

// Send appends an optimistic entry and emits the message over the realtime
// connection. On send failure the optimistic entry is rolled back and the
// error returned so the caller can surface a retry affordance.
func (s *MessageStore) Send(ctx context.Context, rt *RealtimeClient, content string) (Message, error) {
	temp := s.SendOptimistic(content)
	if err := rt.SendMessage(ctx, temp.ConversationID, content); err != nil {
		s.Fail(temp.ID)
		return Message{}, err
	}
	return temp, nil
}

// Reconcile replaces the optimistic entry with the server-confirmed message,
// preserving its position in the log. Returns false when no such temporary
// entry exists.
func (s *MessageStore) Reconcile(tempID string, server Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == tempID {
			delete(s.index, tempID)
			s.index[server.ID] = struct{}{}
			s.messages[i] = server
			s.noteOfferStatusLocked(server)
			return true
		}
	}
	return false
}

// Fail removes a temporary entry after a failed send. Returns false when no
// such entry exists.
func (s *MessageStore) Fail(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == tempID {
			delete(s.index, tempID)
			s.messages = append(s.messages[:i:i], s.messages[i+1:]...)
			return true
		}
	}
	return false
}

// Ingest adds a server-delivered message to the log. A message whose id is
// already present is dropped, because the same message can arrive via both
// direct delivery and room broadcast. A server echo of the user's own
// optimistic send reconciles the pending temporary entry in place instead of
// appending a duplicate. Returns true when the log changed.
func (s *MessageStore) Ingest(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationID == "" || msg.ConversationID != s.conversationID {
		return false
	}
	if _, dup := s.index[msg.ID]; dup {
		return false
	}

	if msg.Sender.Identity().Same(s.self) {
		for i := range s.messages {
			if s.messages[i].Local() && s.messages[i].Content == msg.Content {
				delete(s.index, s.messages[i].ID)
				s.index[msg.ID] = struct{}{}
				s.messages[i] = msg
				s.noteOfferStatusLocked(msg)
				return true
			}
		}
	}

	s.appendLocked(msg)
	return true
}

// Remove drops a message by id, e.g. after a message-delete event.
func (s *MessageStore) Remove(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			delete(s.index, messageID)
			s.messages = append(s.messages[:i:i], s.messages[i+1:]...)
			return true
		}
	}
	return false
}

// OfferStatusOf returns the derived status for an offer message, as
// reconstructed from offer-status-update metadata seen in the log.
func (s *MessageStore) OfferStatusOf(messageID string) OfferStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offerStatus[messageID]
}

// OrderReferenceOf returns the checkout order reference recorded for an
// offer message by its status-update notice, empty when none was seen.
func (s *MessageStore) OrderReferenceOf(messageID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orderRefs[messageID]
}

// SetOfferStatus records a locally-confirmed offer transition.
func (s *MessageStore) SetOfferStatus(messageID string, status OfferStatus) {
	s.mu.Lock()
	s.offerStatus[messageID] = status
	s.mu.Unlock()
}

// Bind subscribes the store to live events: new messages for the open
// conversation are ingested, deletions are applied. Returns a deregistration
// function. Binding again replaces the previous subscription.
func (s *MessageStore) Bind(rt *RealtimeClient) func() {
	offMsg := rt.OnNewMessage("message-store", func(msg Message) {
		s.Ingest(msg)
	})
	offDel := rt.OnMessageDelete("message-store", func(p MessageDeletePayload) {
		if p.ConversationID == s.ConversationID() {
			s.Remove(p.MessageID)
		}
	})
	return func() {
		offMsg()
		offDel()
	}
}

func (s *MessageStore) appendLocked(msg Message) {
	s.index[msg.ID] = struct{}{}
	s.messages = append(s.messages, msg)
	s.noteOfferStatusLocked(msg)
}

func (s *MessageStore) noteOfferStatusLocked(msg Message) {
	md := msg.Metadata
	if md == nil || !md.OfferStatusUpdate || md.OriginalOfferID == "" {
		return
	}
	s.offerStatus[md.OriginalOfferID] = OfferStatus(md.Status)
	ref := md.OrderReference
	if ref == "" {
		// Older servers only embed the reference in the notice text.
		ref = extractOrderReference(msg.Content)
	}
	if ref != "" {
		s.orderRefs[md.OriginalOfferID] = ref
	}
}

// ============================================================================
// Inbox list
// ============================================================================

// InboxList keeps the conversation summary list consistent with events
// arriving for conversations that are not currently open: head ordering,
// denormalized last message, and unread counters.
type InboxList struct {
	client *Client
	self   Identity

	mu            sync.Mutex
	conversations []Conversation
	openID        string
}

// NewInboxList returns an inbox for the given authenticated user.
func NewInboxList(client *Client, self Identity) *InboxList {
	return &InboxList{client: client, self: self}
}

// Load fetches the conversation list, replacing local state.
func (l *InboxList) Load(ctx context.Context, archived bool) error {
	convs, err := l.client.Conversations.List(ctx, archived)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.conversations = convs
	l.mu.Unlock()
	return nil
}

// Conversations returns a copy of the list, most recently active first.
func (l *InboxList) Conversations() []Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Conversation, len(l.conversations))
	copy(out, l.conversations)
	return out
}

// SetOpen records which conversation is on screen. Messages for the open
// conversation never bump its unread counter.
func (l *InboxList) SetOpen(conversationID string) {
	l.mu.Lock()
	l.openID = conversationID
	l.mu.Unlock()
}

// Apply folds an inbound message into the list: the conversation moves to the
// head, its last message is replaced, and its unread counter grows by one
// unless the sender is the current user or the conversation is open. Unknown
// conversations are fetched so a first contact appears without a full reload.
func (l *InboxList) Apply(ctx context.Context, msg Message) {
	fromSelf := msg.Sender.Identity().Same(l.self)

	l.mu.Lock()
	for i := range l.conversations {
		if l.conversations[i].ID != msg.ConversationID {
			continue
		}
		conv := l.conversations[i]
		m := msg
		conv.LastMessage = &m
		if !fromSelf && l.openID != msg.ConversationID {
			conv.UnreadCount++
		}
		copy(l.conversations[1:i+1], l.conversations[:i])
		l.conversations[0] = conv
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	conv, err := l.client.Conversations.Get(ctx, msg.ConversationID)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.conversations {
		if l.conversations[i].ID == conv.ID {
			return
		}
	}
	l.conversations = append([]Conversation{*conv}, l.conversations...)
}

// MarkRead optimistically zeroes the unread counter and reports the read to
// the server. On failure the counter is restored.
func (l *InboxList) MarkRead(ctx context.Context, conversationID string) error {
	prev := -1
	l.mu.Lock()
	for i := range l.conversations {
		if l.conversations[i].ID == conversationID {
			prev = l.conversations[i].UnreadCount
			l.conversations[i].UnreadCount = 0
			break
		}
	}
	l.mu.Unlock()

	if err := l.client.Conversations.MarkRead(ctx, conversationID); err != nil {
		if prev > 0 {
			l.mu.Lock()
			for i := range l.conversations {
				if l.conversations[i].ID == conversationID && l.conversations[i].UnreadCount == 0 {
					l.conversations[i].UnreadCount = prev
					break
				}
			}
			l.mu.Unlock()
		}
		return err
	}
	return nil
}

// ApplyRead folds a server read-receipt in. Re-zeroing an already-read
// conversation is a no-op.
func (l *InboxList) ApplyRead(p MessagesReadPayload) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.conversations {
		if l.conversations[i].ID == p.ConversationID {
			l.conversations[i].UnreadCount = 0
			return
		}
	}
}

// ApplyUpdate replaces a conversation's summary in place, or inserts it at
// the head when it is new.
func (l *InboxList) ApplyUpdate(conv Conversation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.conversations {
		if l.conversations[i].ID == conv.ID {
			l.conversations[i] = conv
			return
		}
	}
	l.conversations = append([]Conversation{conv}, l.conversations...)
}

// ApplyRemove drops a conversation after an archive or delete event.
func (l *InboxList) ApplyRemove(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.conversations {
		if l.conversations[i].ID == conversationID {
			l.conversations = append(l.conversations[:i:i], l.conversations[i+1:]...)
			return
		}
	}
}

// Bind subscribes the inbox to live events. Returns a deregistration
// function. Binding again replaces the previous subscription.
func (l *InboxList) Bind(rt *RealtimeClient) func() {
	offMsg := rt.OnNewMessage("inbox", func(msg Message) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		l.Apply(ctx, msg)
	})
	offRead := rt.OnMessagesRead("inbox", l.ApplyRead)
	offUpd := rt.OnConversationUpdate("inbox", l.ApplyUpdate)
	offArch := rt.OnConversationArchive("inbox", l.ApplyRemove)
	offDel := rt.OnConversationDelete("inbox", l.ApplyRemove)
	return func() {
		offMsg()
		offRead()
		offUpd()
		offArch()
		offDel()
	}
}
