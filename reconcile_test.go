package chatsync

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseSentAt(t *testing.T) {
	cases := []struct {
		in   string
		zero bool
	}{
		{"2026-08-30T12:00:00Z", false},
		{"2026-08-30T12:00:00.123456Z", false},
		{"2026-08-30T12:00:00+02:00", false},
		{"", true},
		{"yesterday", true},
		{"1756552800000", true},
	}
	for _, c := range cases {
		got := parseSentAt(c.in)
		if got.IsZero() != c.zero {
			t.Errorf("parseSentAt(%q).IsZero() = %v, want %v", c.in, got.IsZero(), c.zero)
		}
	}
}

func TestNormalizeReactionsFromDTO(t *testing.T) {
	t.Run("drops empty entries", func(t *testing.T) {
		raw := json.RawMessage(`[
			{"emoji":"👍","users":["u1","u2"]},
			{"emoji":"","users":["u1"]},
			{"emoji":"🎉","users":[]},
			{"emoji":"❤️","users":[""]}
		]`)
		got := normalizeReactionsFromDTO(raw)
		if len(got) != 1 || got[0].Emoji != "👍" || len(got[0].Users) != 2 {
			t.Fatalf("unexpected result: %+v", got)
		}
	})

	t.Run("malformed degrades to nil", func(t *testing.T) {
		if got := normalizeReactionsFromDTO(json.RawMessage(`{"not":"a list"}`)); got != nil {
			t.Fatalf("expected nil, got %+v", got)
		}
		if got := normalizeReactionsFromDTO(nil); got != nil {
			t.Fatalf("expected nil for empty input, got %+v", got)
		}
	})
}

func TestNormalizeAttachmentsFromDTO(t *testing.T) {
	raw := json.RawMessage(`[
		{"id":"a1","url":"http://x/a1","fileName":"doc.pdf","mimeType":"application/pdf","fileSize":1024},
		{"id":"","url":"http://x/ghost"}
	]`)
	got := normalizeAttachmentsFromDTO(raw)
	if len(got) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(got))
	}
	a := got[0]
	if a.ID != "a1" || a.Name != "doc.pdf" || a.MimeType != "application/pdf" || a.Size != 1024 {
		t.Fatalf("unexpected attachment: %+v", a)
	}
}

func TestUpsertMessage(t *testing.T) {
	store := NewStore()
	var committed []time.Time
	rec := NewReconciler(store, func(sentAt time.Time) {
		committed = append(committed, sentAt)
	})

	dto := MessageDTO{
		ID:       "m1",
		SenderID: "u2",
		Content:  "hello",
		SentAt:   "2026-08-30T12:00:00Z",
	}

	if !rec.UpsertMessage("grp_1", dto) {
		t.Fatal("first upsert should report added")
	}
	if rec.UpsertMessage("grp_1", dto) {
		t.Fatal("duplicate upsert should report not added")
	}

	sess := store.GetSnapshot().Session("grp_1")
	if len(sess.Messages) != 1 {
		t.Fatalf("duplicate DTO produced %d messages", len(sess.Messages))
	}
	if sess.Messages[0].Status != StatusSent {
		t.Fatalf("server message not marked sent: %s", sess.Messages[0].Status)
	}
	if len(committed) != 1 {
		t.Fatalf("commit hook fired %d times, want 1", len(committed))
	}
	want := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	if !committed[0].Equal(want) {
		t.Fatalf("commit hook time = %v, want %v", committed[0], want)
	}
}

func TestUpsertMessageMissingID(t *testing.T) {
	store := NewStore()
	rec := NewReconciler(store, nil)
	if rec.UpsertMessage("grp_1", MessageDTO{SenderID: "u2", Content: "x"}) {
		t.Fatal("message without id must be dropped")
	}
}

func TestApplyConversation(t *testing.T) {
	store := NewStore()
	rec := NewReconciler(store, nil)

	id := rec.ApplyConversation(ConversationDTO{
		ID:    "grp_server",
		Type:  "group",
		Title: "team",
		Participants: []ParticipantDTO{
			{ID: "u1", DisplayName: "Alice"},
			{ID: "", DisplayName: "ghost"},
			{ID: "u2", DisplayName: "Bob", AvatarURL: "http://x/b.png"},
		},
		Messages: []MessageDTO{
			{ID: "m1", SenderID: "u1", Content: "first", SentAt: "2026-08-30T12:00:00Z"},
			{ID: "m2", SenderID: "u2", Content: "second", SentAt: "2026-08-30T12:01:00Z"},
		},
	})

	if id != "grp_server" {
		t.Fatalf("canonical id = %s", id)
	}
	sess := store.GetSnapshot().Session("grp_server")
	if sess == nil {
		t.Fatal("conversation not applied")
	}
	if len(sess.Participants) != 2 {
		t.Fatalf("ghost participant not dropped: %+v", sess.Participants)
	}
	if len(sess.Messages) != 2 || sess.Messages[0].ID != "m1" {
		t.Fatalf("messages wrong: %+v", sess.Messages)
	}

	// Re-applying the same page is idempotent.
	rec.ApplyConversation(ConversationDTO{
		ID:       "grp_server",
		Type:     "group",
		Messages: []MessageDTO{{ID: "m1", SenderID: "u1", Content: "first", SentAt: "2026-08-30T12:00:00Z"}},
	})
	if got := len(store.GetSnapshot().Session("grp_server").Messages); got != 2 {
		t.Fatalf("re-apply duplicated messages: %d", got)
	}
}

func TestApplyConversationUnreadFromServer(t *testing.T) {
	page := func(unread int) ConversationDTO {
		return ConversationDTO{
			ID:   "grp_server",
			Type: "group",
			Messages: []MessageDTO{
				{ID: "m1", SenderID: "u2", Content: "a", SentAt: "2026-08-30T12:00:00Z"},
				{ID: "m2", SenderID: "u2", Content: "b", SentAt: "2026-08-30T12:01:00Z"},
				{ID: "m3", SenderID: "u3", Content: "c", SentAt: "2026-08-30T12:02:00Z"},
			},
			UnreadCount: unread,
		}
	}

	t.Run("hydration does not count history pages", func(t *testing.T) {
		store := NewStore()
		store.SetCurrentUserID("u1")
		NewReconciler(store, nil).ApplyConversation(page(0))
		if got := store.GetSnapshot().Session("grp_server").UnreadCount; got != 0 {
			t.Fatalf("foreign history messages counted as unread: %d", got)
		}
	})

	t.Run("server counter is authoritative", func(t *testing.T) {
		store := NewStore()
		store.SetCurrentUserID("u1")
		NewReconciler(store, nil).ApplyConversation(page(2))
		if got := store.GetSnapshot().Session("grp_server").UnreadCount; got != 2 {
			t.Fatalf("server unread count not applied: %d", got)
		}
	})

	t.Run("active session reads zero", func(t *testing.T) {
		store := NewStore()
		store.SetCurrentUserID("u1")
		store.StartSession(SessionDescriptor{ID: "grp_server", Type: SessionGroup}, true)
		NewReconciler(store, nil).ApplyConversation(page(2))
		if got := store.GetSnapshot().Session("grp_server").UnreadCount; got != 0 {
			t.Fatalf("active session carries unread: %d", got)
		}
	})
}

func TestAckFromResult(t *testing.T) {
	rec := NewReconciler(NewStore(), nil)
	ack := rec.AckFromResult(&SendMessageResult{
		ConversationID: "grp_1",
		Message: MessageDTO{
			ID:        "srv_1",
			Content:   "hello",
			SentAt:    "2026-08-30T12:00:00Z",
			Reactions: json.RawMessage(`[{"emoji":"👍","users":["u2"]}]`),
		},
	})
	if ack.MessageID != "srv_1" || ack.ConversationID != "grp_1" || ack.Body != "hello" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if len(ack.Reactions) != 1 {
		t.Fatalf("reactions not normalized: %+v", ack.Reactions)
	}

	t.Run("zero time substituted", func(t *testing.T) {
		ack := rec.AckFromResult(&SendMessageResult{Message: MessageDTO{ID: "srv_2", SentAt: "garbage"}})
		if ack.SentAt.IsZero() {
			t.Fatal("expected a substituted timestamp")
		}
	})
}
