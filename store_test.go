package marketloop

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

var testSelf = Identity{ID: "u1", Email: "me@example.com"}

func newTestStore(t *testing.T, pages map[int]MessagePage) *MessageStore {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := 1
		fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page)
		p, ok := pages[page]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(p)
	}))
	t.Cleanup(srv.Close)
	return NewMessageStore(NewClient("tok", WithBaseURL(srv.URL)), testSelf)
}

func emptyHistoryStore(t *testing.T) *MessageStore {
	t.Helper()
	store := newTestStore(t, map[int]MessagePage{
		1: {Pagination: Pagination{Page: 1, Pages: 1}},
	})
	if err := store.Open(context.Background(), "c1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store
}

func messageIDs(msgs []Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func TestMessageStoreIngest(t *testing.T) {
	msg := Message{ID: "m1", ConversationID: "c1", Sender: Participant{ID: "u2"}, Content: "hey there"}

	t.Run("idempotent by id", func(t *testing.T) {
		store := emptyHistoryStore(t)
		if !store.Ingest(msg) {
			t.Fatal("first Ingest returned false")
		}
		if store.Ingest(msg) {
			t.Error("second Ingest returned true, want no-op")
		}
		if n := len(store.Messages()); n != 1 {
			t.Errorf("log has %d entries, want 1", n)
		}
	})

	t.Run("other conversations are ignored", func(t *testing.T) {
		store := emptyHistoryStore(t)
		other := msg
		other.ConversationID = "c2"
		if store.Ingest(other) {
			t.Error("Ingest for closed conversation returned true")
		}
	})

	t.Run("appends in arrival order", func(t *testing.T) {
		store := emptyHistoryStore(t)
		for i := 1; i <= 3; i++ {
			m := msg
			m.ID = fmt.Sprintf("m%d", i)
			store.Ingest(m)
		}
		got := messageIDs(store.Messages())
		want := []string{"m1", "m2", "m3"}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("order = %v, want %v", got, want)
			}
		}
	})
}

func TestMessageStoreOptimisticSend(t *testing.T) {
	t.Run("reconcile replaces in place", func(t *testing.T) {
		store := emptyHistoryStore(t)
		store.Ingest(Message{ID: "m1", ConversationID: "c1", Sender: Participant{ID: "u2"}, Content: "question"})

		temp := store.SendOptimistic("hello")
		if !temp.Local() {
			t.Fatalf("optimistic id %q not marked local", temp.ID)
		}
		store.Ingest(Message{ID: "m2", ConversationID: "c1", Sender: Participant{ID: "u2"}, Content: "follow-up"})

		server := Message{ID: "m3", ConversationID: "c1", Sender: Participant{ID: "u1"}, Content: "hello"}
		if !store.Reconcile(temp.ID, server) {
			t.Fatal("Reconcile returned false")
		}

		got := messageIDs(store.Messages())
		want := []string{"m1", "m3", "m2"}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("order after reconcile = %v, want %v", got, want)
			}
		}
		for _, m := range store.Messages() {
			if m.Local() {
				t.Errorf("temporary entry %q still present", m.ID)
			}
		}
	})

	t.Run("socket echo reconciles pending entry", func(t *testing.T) {
		store := emptyHistoryStore(t)
		store.SendOptimistic("hello")

		echo := Message{
			ID: "m9", ConversationID: "c1",
			Sender:  Participant{ID: "", Email: "ME@example.com"}, // id missing, email fallback
			Content: "hello",
		}
		if !store.Ingest(echo) {
			t.Fatal("Ingest of echo returned false")
		}
		msgs := store.Messages()
		if len(msgs) != 1 {
			t.Fatalf("log has %d entries, want 1", len(msgs))
		}
		if msgs[0].ID != "m9" {
			t.Errorf("entry id = %q, want m9", msgs[0].ID)
		}
	})

	t.Run("failed send rolls back", func(t *testing.T) {
		store := emptyHistoryStore(t)
		temp := store.SendOptimistic("doomed")
		if !store.Fail(temp.ID) {
			t.Fatal("Fail returned false")
		}
		if n := len(store.Messages()); n != 0 {
			t.Errorf("log has %d entries after rollback, want 0", n)
		}
	})
}

func TestMessageStorePagination(t *testing.T) {
	pages := map[int]MessagePage{
		1: {
			Messages: []Message{
				{ID: "m3", ConversationID: "c1", CreatedAt: "2026-08-30T10:02:00Z"},
				{ID: "m4", ConversationID: "c1", CreatedAt: "2026-08-30T10:03:00Z"},
			},
			Pagination: Pagination{Page: 1, Pages: 2},
		},
		2: {
			Messages: []Message{
				{ID: "m1", ConversationID: "c1", CreatedAt: "2026-08-30T10:00:00Z"},
				{ID: "m2", ConversationID: "c1", CreatedAt: "2026-08-30T10:01:00Z"},
			},
			Pagination: Pagination{Page: 2, Pages: 2},
		},
	}
	ctx := context.Background()

	t.Run("older pages prepend", func(t *testing.T) {
		store := newTestStore(t, pages)
		if err := store.Open(ctx, "c1"); err != nil {
			t.Fatalf("Open: %v", err)
		}
		if !store.HasMore() {
			t.Fatal("HasMore = false after page 1 of 2")
		}

		more, err := store.LoadOlder(ctx)
		if err != nil {
			t.Fatalf("LoadOlder: %v", err)
		}
		if more {
			t.Error("more = true after final page")
		}
		got := messageIDs(store.Messages())
		want := []string{"m1", "m2", "m3", "m4"}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("order = %v, want %v", got, want)
			}
		}

		// createdAt ordering invariant holds across the prepend.
		msgs := store.Messages()
		for i := 1; i < len(msgs); i++ {
			if msgs[i-1].CreatedAt > msgs[i].CreatedAt {
				t.Errorf("ordering violated at %d: %s > %s", i, msgs[i-1].CreatedAt, msgs[i].CreatedAt)
			}
		}
	})

	t.Run("switching conversations replaces the log", func(t *testing.T) {
		store := newTestStore(t, pages)
		if err := store.Open(ctx, "c1"); err != nil {
			t.Fatalf("Open: %v", err)
		}
		if _, err := store.LoadOlder(ctx); err != nil {
			t.Fatalf("LoadOlder: %v", err)
		}
		if err := store.Open(ctx, "c9"); err != nil {
			t.Fatalf("Open c9: %v", err)
		}
		// Only the fresh page remains, nothing merged from the previous log.
		if n := len(store.Messages()); n != 2 {
			t.Errorf("log has %d entries after switch, want 2", n)
		}
		if store.ConversationID() != "c9" {
			t.Errorf("ConversationID = %q, want c9", store.ConversationID())
		}
	})
}

// ============================================================================
// Inbox
// ============================================================================

func newTestInbox(t *testing.T, convs []Conversation) (*InboxList, *[]string) {
	t.Helper()
	var markReads []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/conversations":
			json.NewEncoder(w).Encode(convs)
		case r.Method == "PUT":
			markReads = append(markReads, r.URL.Path)
			w.Write([]byte("{}"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	inbox := NewInboxList(NewClient("tok", WithBaseURL(srv.URL)), testSelf)
	if err := inbox.Load(context.Background(), false); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return inbox, &markReads
}

func testConversations() []Conversation {
	return []Conversation{
		{ID: "c1", UnreadCount: 0},
		{ID: "c2", UnreadCount: 1},
		{ID: "c3", UnreadCount: 0},
	}
}

func TestInboxUnreadAccounting(t *testing.T) {
	ctx := context.Background()

	t.Run("inbound message bumps unread and moves to head", func(t *testing.T) {
		inbox, _ := newTestInbox(t, testConversations())
		inbox.Apply(ctx, Message{
			ID: "m1", ConversationID: "c3",
			Sender:  Participant{ID: "u2"},
			Content: "anyone there?",
		})

		convs := inbox.Conversations()
		if convs[0].ID != "c3" {
			t.Fatalf("head = %s, want c3", convs[0].ID)
		}
		if convs[0].UnreadCount != 1 {
			t.Errorf("unread = %d, want 1", convs[0].UnreadCount)
		}
		if convs[0].LastMessage == nil || convs[0].LastMessage.ID != "m1" {
			t.Error("last message not replaced")
		}
		if convs[1].ID != "c1" || convs[2].ID != "c2" {
			t.Errorf("tail order = %s,%s, want c1,c2", convs[1].ID, convs[2].ID)
		}
	})

	t.Run("own message does not bump unread", func(t *testing.T) {
		inbox, _ := newTestInbox(t, testConversations())
		inbox.Apply(ctx, Message{
			ID: "m1", ConversationID: "c3",
			Sender: Participant{ID: "u1"},
		})
		if got := inbox.Conversations()[0].UnreadCount; got != 0 {
			t.Errorf("unread = %d, want 0", got)
		}
	})

	t.Run("sender identity falls back to email", func(t *testing.T) {
		inbox, _ := newTestInbox(t, testConversations())
		inbox.Apply(ctx, Message{
			ID: "m1", ConversationID: "c3",
			Sender: Participant{ID: "", Email: "ME@EXAMPLE.COM"},
		})
		if got := inbox.Conversations()[0].UnreadCount; got != 0 {
			t.Errorf("unread = %d, want 0 (email fallback should identify self)", got)
		}
	})

	t.Run("open conversation does not accumulate unread", func(t *testing.T) {
		inbox, _ := newTestInbox(t, testConversations())
		inbox.SetOpen("c3")
		inbox.Apply(ctx, Message{
			ID: "m1", ConversationID: "c3",
			Sender: Participant{ID: "u2"},
		})
		if got := inbox.Conversations()[0].UnreadCount; got != 0 {
			t.Errorf("unread = %d, want 0 for open conversation", got)
		}
	})
}

func TestInboxMarkRead(t *testing.T) {
	ctx := context.Background()

	t.Run("optimistic zero with server call", func(t *testing.T) {
		inbox, markReads := newTestInbox(t, testConversations())
		if err := inbox.MarkRead(ctx, "c2"); err != nil {
			t.Fatalf("MarkRead: %v", err)
		}
		for _, c := range inbox.Conversations() {
			if c.ID == "c2" && c.UnreadCount != 0 {
				t.Errorf("unread = %d, want 0", c.UnreadCount)
			}
		}
		if len(*markReads) != 1 {
			t.Errorf("server saw %d mark-read calls, want 1", len(*markReads))
		}
	})

	t.Run("read receipt re-zero is idempotent", func(t *testing.T) {
		inbox, _ := newTestInbox(t, testConversations())
		inbox.ApplyRead(MessagesReadPayload{ConversationID: "c2"})
		inbox.ApplyRead(MessagesReadPayload{ConversationID: "c2"})
		for _, c := range inbox.Conversations() {
			if c.ID == "c2" && c.UnreadCount != 0 {
				t.Errorf("unread = %d, want 0", c.UnreadCount)
			}
		}
	})

	t.Run("restores counter when server rejects", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/conversations" {
				json.NewEncoder(w).Encode(testConversations())
				return
			}
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		inbox := NewInboxList(NewClient("tok", WithBaseURL(srv.URL)), testSelf)
		if err := inbox.Load(ctx, false); err != nil {
			t.Fatalf("Load: %v", err)
		}
		if err := inbox.MarkRead(ctx, "c2"); err == nil {
			t.Fatal("MarkRead succeeded, want error")
		}
		for _, c := range inbox.Conversations() {
			if c.ID == "c2" && c.UnreadCount != 1 {
				t.Errorf("unread = %d, want restored to 1", c.UnreadCount)
			}
		}
	})
}

func TestInboxLifecycleEvents(t *testing.T) {
	t.Run("archive removes", func(t *testing.T) {
		inbox, _ := newTestInbox(t, testConversations())
		inbox.ApplyRemove("c2")
		for _, c := range inbox.Conversations() {
			if c.ID == "c2" {
				t.Error("archived conversation still listed")
			}
		}
	})

	t.Run("update replaces in place", func(t *testing.T) {
		inbox, _ := newTestInbox(t, testConversations())
		inbox.ApplyUpdate(Conversation{ID: "c2", UnreadCount: 7})
		convs := inbox.Conversations()
		if convs[1].ID != "c2" || convs[1].UnreadCount != 7 {
			t.Errorf("conversation not updated in place: %+v", convs[1])
		}
	})

	t.Run("unknown update inserts at head", func(t *testing.T) {
		inbox, _ := newTestInbox(t, testConversations())
		inbox.ApplyUpdate(Conversation{ID: "c9"})
		if inbox.Conversations()[0].ID != "c9" {
			t.Error("new conversation not at head")
		}
	})
}
