package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okEnvelope(t *testing.T, w http.ResponseWriter, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "data": json.RawMessage(raw)})
}

func TestRESTHistoryLoadInbox(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "GET" || r.URL.Path != "/api/chat/inbox" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "30" {
			t.Errorf("limit = %s, want 30", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok_1" {
			t.Errorf("auth header = %s", got)
		}
		okEnvelope(t, w, []ConversationDTO{{ID: "grp_1", Type: "group"}})
	}))
	defer server.Close()

	client := NewRESTHistory(server.URL, WithToken("tok_1"))
	conversations, err := client.LoadInbox(context.Background(), 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(conversations) != 1 || conversations[0].ID != "grp_1" {
		t.Fatalf("unexpected inbox: %+v", conversations)
	}
}

func TestRESTHistoryLoadHistory(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/conversations/grp_1/history" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		okEnvelope(t, w, ConversationDTO{
			ID:       "grp_1",
			Type:     "group",
			Messages: []MessageDTO{{ID: "m1", SenderID: "u2", Content: "hi"}},
		})
	}))
	defer server.Close()

	client := NewRESTHistory(server.URL)
	conversation, err := client.LoadHistory(context.Background(), "grp_1", 50)
	if err != nil {
		t.Fatal(err)
	}
	if conversation.ID != "grp_1" || len(conversation.Messages) != 1 {
		t.Fatalf("unexpected history: %+v", conversation)
	}
}

func TestRESTHistorySendMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/api/chat/conversations/grp_1/messages" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatal(err)
		}
		if payload["localId"] != "local_abc" || payload["body"] != "hello" {
			t.Errorf("unexpected payload: %+v", payload)
		}
		okEnvelope(t, w, SendMessageResult{
			ConversationID: "grp_1",
			Message:        MessageDTO{ID: "srv_1", Content: "hello"},
		})
	}))
	defer server.Close()

	client := NewRESTHistory(server.URL)
	result, err := client.SendMessage(context.Background(), "grp_1", "local_abc", "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Message.ID != "srv_1" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRESTHistoryToggleReaction(t *testing.T) {
	var gotOp string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/conversations/grp_1/messages/m1/reactions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		gotOp = payload["op"]
		okEnvelope(t, w, ReactionResult{
			ConversationID: "grp_1",
			MessageID:      "m1",
			Reactions:      []ReactionDTO{{Emoji: payload["emoji"], Users: []string{"u1"}}},
		})
	}))
	defer server.Close()

	client := NewRESTHistory(server.URL)
	if _, err := client.ToggleReaction(context.Background(), "grp_1", "m1", "👍", true); err != nil {
		t.Fatal(err)
	}
	if gotOp != "add" {
		t.Fatalf("op = %s, want add", gotOp)
	}
	if _, err := client.ToggleReaction(context.Background(), "grp_1", "m1", "👍", false); err != nil {
		t.Fatal(err)
	}
	if gotOp != "remove" {
		t.Fatalf("op = %s, want remove", gotOp)
	}
}

func TestRESTHistoryErrorEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":    false,
			"error": map[string]string{"code": "not_found", "message": "no such conversation"},
		})
	}))
	defer server.Close()

	client := NewRESTHistory(server.URL)
	_, err := client.LoadHistory(context.Background(), "grp_missing", 10)
	if err == nil {
		t.Fatal("expected an error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %T, want *APIError", err)
	}
	if apiErr.Code != "not_found" {
		t.Fatalf("code = %s", apiErr.Code)
	}
}

func TestRESTHistoryGroupLifecycle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "POST /api/chat/groups":
			okEnvelope(t, w, ConversationDTO{ID: "grp_1", Type: "group", Title: "team"})
		case "PATCH /api/chat/groups/grp_1":
			okEnvelope(t, w, ConversationDTO{ID: "grp_1", Type: "group", Title: "renamed"})
		case "POST /api/chat/groups/grp_1/participants":
			okEnvelope(t, w, ConversationDTO{ID: "grp_1", Type: "group", Participants: []ParticipantDTO{{ID: "u1"}, {ID: "u2"}}})
		case "DELETE /api/chat/groups/grp_1":
			okEnvelope(t, w, map[string]bool{"deleted": true})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewRESTHistory(server.URL)
	ctx := context.Background()

	created, err := client.CreateGroupConversation(ctx, []string{"u2"}, "team")
	if err != nil || created.ID != "grp_1" {
		t.Fatalf("create: %+v, %v", created, err)
	}
	renamed, err := client.RenameGroupConversation(ctx, "grp_1", "renamed")
	if err != nil || renamed.Title != "renamed" {
		t.Fatalf("rename: %+v, %v", renamed, err)
	}
	updated, err := client.AddGroupParticipants(ctx, "grp_1", []string{"u2"})
	if err != nil || len(updated.Participants) != 2 {
		t.Fatalf("add participants: %+v, %v", updated, err)
	}
	if err := client.DeleteGroupConversation(ctx, "grp_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
