package chatsync

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStoreSubscribe(t *testing.T) {
	s := NewStore()
	var calls int
	unsubscribe := s.Subscribe(func(Snapshot) { calls++ })

	s.SetCurrentUserID("u1")
	if calls != 1 {
		t.Fatalf("expected 1 notification, got %d", calls)
	}

	unsubscribe()
	s.SetCurrentUserID("u2")
	if calls != 1 {
		t.Fatalf("unsubscribed listener still notified, calls = %d", calls)
	}
}

func TestStoreSnapshotIsolation(t *testing.T) {
	s := NewStore()
	s.StartSession(SessionDescriptor{
		ID:           "grp_1",
		Participants: []ChatParticipant{{ID: "u1"}},
	}, false)

	snap := s.GetSnapshot()
	snap.Sessions[0].Participants[0].ID = "mutated"
	snap.Sessions[0].Title = "mutated"

	fresh := s.GetSnapshot()
	if fresh.Sessions[0].Participants[0].ID != "u1" {
		t.Fatal("snapshot mutation leaked into the store")
	}
}

func TestSnapshotSessionLookup(t *testing.T) {
	s := NewStore()
	s.StartSession(SessionDescriptor{ID: "grp_1", Title: "team"}, false)

	// Lookup works directly on the returned snapshot value.
	if sess := s.GetSnapshot().Session("grp_1"); sess == nil || sess.Title != "team" {
		t.Fatalf("lookup on snapshot value failed: %+v", sess)
	}
	if s.GetSnapshot().Session("grp_missing") != nil {
		t.Fatal("unknown id must return nil")
	}
}

func TestStartSessionDirectParticipantCap(t *testing.T) {
	s := NewStore()
	id := DirectSessionID("u1", "u2")
	s.StartSession(SessionDescriptor{
		ID: id,
		Participants: []ChatParticipant{
			{ID: "u1"}, {ID: "u2"}, {ID: "u3"},
		},
	}, false)

	sess := s.GetSnapshot().Session(id)
	if sess == nil {
		t.Fatal("session not created")
	}
	if sess.Type != SessionDirect {
		t.Fatalf("expected direct type inferred from id, got %s", sess.Type)
	}
	if len(sess.Participants) != 2 {
		t.Fatalf("direct session grew past two participants: %d", len(sess.Participants))
	}
}

func TestStartSessionPreservesMessages(t *testing.T) {
	s := NewStore()
	s.StartSession(SessionDescriptor{ID: "grp_1", Title: "old"}, false)
	s.AddMessage("grp_1", ChatMessage{ID: "m1", SentAt: time.Now(), Status: StatusSent}, false)

	// Re-applying the shape must not wipe the log.
	s.StartSession(SessionDescriptor{ID: "grp_1", Title: "new"}, false)

	sess := s.GetSnapshot().Session("grp_1")
	if sess.Title != "new" {
		t.Fatalf("title not updated: %s", sess.Title)
	}
	if len(sess.Messages) != 1 {
		t.Fatalf("messages lost on shape update: %d", len(sess.Messages))
	}
}

func TestPrepareAndAcknowledge(t *testing.T) {
	s := NewStore()
	self := ChatParticipant{ID: "u1", Name: "Alice"}
	s.ApplySelfParticipant(self, nil)

	local := s.PrepareLocalMessage("grp_1", "hello", self, nil)
	if local == nil {
		t.Fatal("expected a pending message")
	}
	if !IsLocalMessageID(local.ID) {
		t.Fatalf("expected a local id, got %s", local.ID)
	}
	if got := s.GetSnapshot().Session("grp_1").Messages[0].Status; got != StatusPending {
		t.Fatalf("expected pending, got %s", got)
	}

	sentAt := time.Now().Add(-time.Second)
	s.AcknowledgeMessage("grp_1", local.ID, ServerAck{
		MessageID: "srv_1",
		SentAt:    sentAt,
		Body:      "hello",
	})

	msgs := s.GetSnapshot().Session("grp_1").Messages
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one message, got %d", len(msgs))
	}
	if msgs[0].ID != "srv_1" || msgs[0].Status != StatusSent {
		t.Fatalf("unexpected confirmed message: %+v", msgs[0])
	}
	if !msgs[0].SentAt.Equal(sentAt) {
		t.Fatal("server timestamp not applied")
	}
}

func TestPrepareLocalMessageEmpty(t *testing.T) {
	s := NewStore()
	if s.PrepareLocalMessage("grp_1", "", ChatParticipant{ID: "u1"}, nil) != nil {
		t.Fatal("empty body and attachments must yield nil")
	}
	if s.GetSnapshot().Session("grp_1") != nil {
		t.Fatal("empty send must not create a session")
	}
}

func TestAcknowledgeCollapsesRealtimeEcho(t *testing.T) {
	s := NewStore()
	self := ChatParticipant{ID: "u1"}
	s.ApplySelfParticipant(self, nil)

	local := s.PrepareLocalMessage("grp_1", "hi", self, nil)
	// The realtime echo lands the server copy before the HTTP ack returns.
	s.AddMessage("grp_1", ChatMessage{ID: "srv_1", AuthorID: "u1", Body: "hi", SentAt: time.Now(), Status: StatusSent}, false)

	s.AcknowledgeMessage("grp_1", local.ID, ServerAck{MessageID: "srv_1", SentAt: time.Now(), Body: "hi"})

	msgs := s.GetSnapshot().Session("grp_1").Messages
	if len(msgs) != 1 {
		t.Fatalf("echo not collapsed, %d messages remain", len(msgs))
	}
	if msgs[0].ID != "srv_1" {
		t.Fatalf("unexpected survivor: %s", msgs[0].ID)
	}
}

func TestMarkMessageStatusFailed(t *testing.T) {
	s := NewStore()
	local := s.PrepareLocalMessage("grp_1", "hi", ChatParticipant{ID: "u1"}, nil)
	s.MarkMessageStatus("grp_1", local.ID, StatusFailed)

	msg := s.GetSnapshot().Session("grp_1").Message(local.ID)
	if msg == nil || msg.Status != StatusFailed {
		t.Fatalf("expected failed status, got %+v", msg)
	}
}

func TestRemapSessionID(t *testing.T) {
	t.Run("rename preserves state", func(t *testing.T) {
		s := NewStore()
		s.StartSession(SessionDescriptor{ID: "grp_prov", Title: "team"}, true)
		s.AddMessage("grp_prov", ChatMessage{ID: "m1", SentAt: time.Now()}, true)

		if !s.RemapSessionID("grp_prov", "grp_canonical") {
			t.Fatal("remap reported failure")
		}

		snap := s.GetSnapshot()
		if snap.Session("grp_prov") != nil {
			t.Fatal("old id still resolves")
		}
		sess := snap.Session("grp_canonical")
		if sess == nil || sess.Title != "team" || len(sess.Messages) != 1 {
			t.Fatalf("state lost in remap: %+v", sess)
		}
		if snap.ActiveSessionID != "grp_canonical" {
			t.Fatalf("active session not followed: %s", snap.ActiveSessionID)
		}
	})

	t.Run("merge on clash", func(t *testing.T) {
		s := NewStore()
		s.StartSession(SessionDescriptor{ID: "grp_a"}, false)
		s.AddMessage("grp_a", ChatMessage{ID: "m1", SentAt: time.Now().Add(-time.Minute)}, true)
		s.StartSession(SessionDescriptor{ID: "grp_b"}, false)
		s.AddMessage("grp_b", ChatMessage{ID: "m1", SentAt: time.Now().Add(-time.Minute)}, true)
		s.AddMessage("grp_b", ChatMessage{ID: "m2", SentAt: time.Now()}, true)

		s.RemapSessionID("grp_a", "grp_b")

		snap := s.GetSnapshot()
		if snap.Session("grp_a") != nil {
			t.Fatal("merged session still present")
		}
		if got := len(snap.Session("grp_b").Messages); got != 2 {
			t.Fatalf("expected 2 distinct messages after merge, got %d", got)
		}
	})

	t.Run("noop cases", func(t *testing.T) {
		s := NewStore()
		if s.RemapSessionID("missing", "x") {
			t.Fatal("remap of unknown session must fail")
		}
		if s.RemapSessionID("a", "a") {
			t.Fatal("identity remap must fail")
		}
	})
}

func TestAddMessageUnreadCounting(t *testing.T) {
	s := NewStore()
	s.ApplySelfParticipant(ChatParticipant{ID: "u1"}, []string{"client_9"})
	s.StartSession(SessionDescriptor{ID: "grp_1"}, false)
	s.StartSession(SessionDescriptor{ID: "grp_2"}, true)

	// Inactive session, foreign author: counts.
	s.AddMessage("grp_1", ChatMessage{ID: "m1", AuthorID: "u2", SentAt: time.Now()}, false)
	// Inactive session, own alias: does not count.
	s.AddMessage("grp_1", ChatMessage{ID: "m2", AuthorID: "client_9", SentAt: time.Now()}, false)
	// Active session: does not count.
	s.AddMessage("grp_2", ChatMessage{ID: "m3", AuthorID: "u2", SentAt: time.Now()}, false)
	// Duplicate: does not double count.
	s.AddMessage("grp_1", ChatMessage{ID: "m1", AuthorID: "u2", SentAt: time.Now()}, false)

	snap := s.GetSnapshot()
	if got := snap.Session("grp_1").UnreadCount; got != 1 {
		t.Fatalf("grp_1 unread = %d, want 1", got)
	}
	if got := snap.Session("grp_2").UnreadCount; got != 0 {
		t.Fatalf("grp_2 unread = %d, want 0", got)
	}

	s.SetActiveSession("grp_1")
	if got := s.GetSnapshot().Session("grp_1").UnreadCount; got != 0 {
		t.Fatalf("activation did not clear unread, got %d", got)
	}
}

func TestMessageOrdering(t *testing.T) {
	s := NewStore()
	base := time.Now()
	s.AddMessage("grp_1", ChatMessage{ID: "m2", SentAt: base.Add(2 * time.Second)}, true)
	s.AddMessage("grp_1", ChatMessage{ID: "m1", SentAt: base.Add(1 * time.Second)}, true)
	s.AddMessage("grp_1", ChatMessage{ID: "m3", SentAt: base.Add(3 * time.Second)}, true)

	msgs := s.GetSnapshot().Session("grp_1").Messages
	for i, want := range []string{"m1", "m2", "m3"} {
		if msgs[i].ID != want {
			t.Fatalf("position %d = %s, want %s", i, msgs[i].ID, want)
		}
	}
}

func TestApplyTypingEvent(t *testing.T) {
	s := NewStore()
	s.StartSession(SessionDescriptor{ID: "grp_1"}, false)

	s.ApplyTypingEvent(TypingEvent{ConversationID: "grp_1", UserID: "u2", IsTyping: true})
	if got := s.GetSnapshot().Session("grp_1").TypingUserIDs; len(got) != 1 || got[0] != "u2" {
		t.Fatalf("typing not recorded: %v", got)
	}

	t.Run("stop clears", func(t *testing.T) {
		s.ApplyTypingEvent(TypingEvent{ConversationID: "grp_1", UserID: "u2", IsTyping: false})
		if got := s.GetSnapshot().Session("grp_1").TypingUserIDs; len(got) != 0 {
			t.Fatalf("typing not cleared: %v", got)
		}
	})

	t.Run("expired deadline filtered", func(t *testing.T) {
		past := time.Now().Add(-time.Second).Format(time.RFC3339)
		s.ApplyTypingEvent(TypingEvent{ConversationID: "grp_1", UserID: "u3", IsTyping: true, ExpiresAt: past})
		if got := s.GetSnapshot().Session("grp_1").TypingUserIDs; len(got) != 0 {
			t.Fatalf("expired typing surfaced: %v", got)
		}
	})

	t.Run("unknown session ignored", func(t *testing.T) {
		s.ApplyTypingEvent(TypingEvent{ConversationID: "grp_missing", UserID: "u2", IsTyping: true})
		if s.GetSnapshot().Session("grp_missing") != nil {
			t.Fatal("typing event must not create sessions")
		}
	})
}

func TestApplyReactionEvent(t *testing.T) {
	s := NewStore()
	s.AddMessage("grp_1", ChatMessage{ID: "m1", SentAt: time.Now()}, true)

	s.ApplyReactionEvent("grp_1", "m1", []ReactionEntry{{Emoji: "👍", Users: []string{"u2"}}})
	msg := s.GetSnapshot().Session("grp_1").Message("m1")
	if len(msg.Reactions) != 1 || !msg.Reactions[0].HasUser("u2") {
		t.Fatalf("reactions not applied: %+v", msg.Reactions)
	}

	// The server list is authoritative: an empty list clears.
	s.ApplyReactionEvent("grp_1", "m1", nil)
	if got := s.GetSnapshot().Session("grp_1").Message("m1").Reactions; len(got) != 0 {
		t.Fatalf("reactions not replaced: %+v", got)
	}
}

func TestApplyMessageUpdateEvent(t *testing.T) {
	s := NewStore()
	s.AddMessage("grp_1", ChatMessage{
		ID:     "m1",
		Body:   "original",
		SentAt: time.Now(),
		Attachments: []Attachment{
			{ID: "a1"}, {ID: "a2"},
		},
	}, true)

	content := "edited"
	s.ApplyMessageUpdateEvent(MessageUpdateEvent{
		ConversationID:       "grp_1",
		MessageID:            "m1",
		Content:              &content,
		RemovedAttachmentIDs: []string{"a1"},
	})

	msg := s.GetSnapshot().Session("grp_1").Message("m1")
	if msg.Body != "edited" {
		t.Fatalf("body not patched: %s", msg.Body)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].ID != "a2" {
		t.Fatalf("attachment removal wrong: %+v", msg.Attachments)
	}
}

func TestSnapshotImmuneToAttachmentRemoval(t *testing.T) {
	s := NewStore()
	s.AddMessage("grp_1", ChatMessage{
		ID:     "m1",
		SentAt: time.Now(),
		Reactions: []ReactionEntry{
			{Emoji: "👍", Users: []string{"u2"}},
		},
		Attachments: []Attachment{
			{ID: "a1"}, {ID: "a2"},
		},
	}, true)

	before := s.GetSnapshot()
	s.ApplyMessageUpdateEvent(MessageUpdateEvent{
		ConversationID:       "grp_1",
		MessageID:            "m1",
		RemovedAttachmentIDs: []string{"a1"},
	})

	// The already-delivered snapshot keeps its point-in-time view.
	kept := before.Session("grp_1").Message("m1")
	if len(kept.Attachments) != 2 || kept.Attachments[0].ID != "a1" || kept.Attachments[1].ID != "a2" {
		t.Fatalf("earlier snapshot mutated by later removal: %+v", kept.Attachments)
	}
	if len(kept.Reactions) != 1 || len(kept.Reactions[0].Users) != 1 {
		t.Fatalf("earlier snapshot reactions mutated: %+v", kept.Reactions)
	}
	after := s.GetSnapshot().Session("grp_1").Message("m1")
	if len(after.Attachments) != 1 || after.Attachments[0].ID != "a2" {
		t.Fatalf("removal not applied in the store: %+v", after.Attachments)
	}
}

func TestApplyMessageDeleteEvent(t *testing.T) {
	s := NewStore()
	s.AddMessage("grp_1", ChatMessage{ID: "m1", SentAt: time.Now()}, true)
	s.ApplyMessageDeleteEvent(MessageDeleteEvent{ConversationID: "grp_1", MessageID: "m1"})
	if s.GetSnapshot().Session("grp_1").Message("m1") != nil {
		t.Fatal("message not deleted")
	}
}

func TestDeleteSessionClearsActive(t *testing.T) {
	s := NewStore()
	s.StartSession(SessionDescriptor{ID: "grp_1"}, true)
	s.DeleteSession("grp_1")

	snap := s.GetSnapshot()
	if snap.Session("grp_1") != nil || snap.ActiveSessionID != "" {
		t.Fatalf("session not fully removed: active=%s", snap.ActiveSessionID)
	}
}

func TestUpdateFromFriends(t *testing.T) {
	s := NewStore()
	s.StartSession(SessionDescriptor{
		ID:           "grp_1",
		Participants: []ChatParticipant{{ID: "u2", Name: "old"}},
	}, false)

	s.UpdateFromFriends([]ChatParticipant{{ID: "u2", Name: "Bob", Avatar: "http://a/b.png"}})

	p := s.GetSnapshot().Session("grp_1").Participants[0]
	if p.Name != "Bob" || p.Avatar != "http://a/b.png" {
		t.Fatalf("friend data not applied: %+v", p)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	storage := NewMemoryStorage()

	s := NewStore()
	s.SetStorage(storage)
	s.SetCurrentUserID("u1")
	s.StartSession(SessionDescriptor{ID: "grp_1", Title: "team"}, false)
	s.AddMessage("grp_1", ChatMessage{ID: "m1", Body: "hi", SentAt: time.Now(), Status: StatusSent}, true)
	s.PrepareLocalMessage("grp_1", "never confirmed", ChatParticipant{ID: "u1"}, nil)
	s.Flush()

	restored := NewStore()
	restored.SetStorage(storage)
	restored.HydrateFromStorage()

	snap := restored.GetSnapshot()
	if snap.CurrentUserID != "u1" {
		t.Fatalf("user id not restored: %s", snap.CurrentUserID)
	}
	sess := snap.Session("grp_1")
	if sess == nil || sess.Title != "team" || len(sess.Messages) != 2 {
		t.Fatalf("session not restored: %+v", sess)
	}
	// A pending message cannot be confirmed across restarts.
	for _, m := range sess.Messages {
		if IsLocalMessageID(m.ID) && m.Status != StatusFailed {
			t.Fatalf("rehydrated pending message not failed: %+v", m)
		}
	}
}

func TestHydrateFromStorageCorrupt(t *testing.T) {
	storage := NewMemoryStorage()
	if err := storage.Set(snapshotStorageKey, []byte("{not json")); err != nil {
		t.Fatal(err)
	}

	s := NewStore()
	s.SetStorage(storage)
	s.HydrateFromStorage()

	if got := len(s.GetSnapshot().Sessions); got != 0 {
		t.Fatalf("corrupt snapshot produced %d sessions", got)
	}
}

func TestPersistedSnapshotExcludesTyping(t *testing.T) {
	storage := NewMemoryStorage()
	s := NewStore()
	s.SetStorage(storage)
	s.StartSession(SessionDescriptor{ID: "grp_1"}, false)
	s.ApplyTypingEvent(TypingEvent{ConversationID: "grp_1", UserID: "u2", IsTyping: true})
	s.Flush()

	raw, err := storage.Get(snapshotStorageKey)
	if err != nil {
		t.Fatal(err)
	}
	var persisted persistedSnapshot
	if err := json.Unmarshal(raw, &persisted); err != nil {
		t.Fatal(err)
	}
	if len(persisted.Sessions) != 1 {
		t.Fatalf("expected 1 persisted session, got %d", len(persisted.Sessions))
	}
	if len(persisted.Sessions[0].TypingUserIDs) != 0 {
		t.Fatal("typing state leaked into persistence")
	}
}
