package chatsync

import (
	"encoding/json"
	"time"
)

// Reconciler turns server-shaped payloads into store mutations. It is pure
// mapping logic with no I/O; the only side effect is the injected
// onCommitted hook, invoked once per newly-committed message so the engine
// can advance its backfill watermark without the reconciler holding engine
// state.
type Reconciler struct {
	store       *Store
	onCommitted func(sentAt time.Time)
}

// NewReconciler wires a reconciler to its store. onCommitted may be nil.
func NewReconciler(store *Store, onCommitted func(time.Time)) *Reconciler {
	return &Reconciler{store: store, onCommitted: onCommitted}
}

// ============================================================================
// Defensive DTO normalization
// ============================================================================

// parseSentAt parses an ISO-8601 timestamp. Malformed input yields the zero
// time; callers substitute a sensible default.
func parseSentAt(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

// normalizeReactionsFromDTO parses a raw reaction list. Malformed input
// degrades to nil, never an error.
func normalizeReactionsFromDTO(raw json.RawMessage) []ReactionEntry {
	if len(raw) == 0 {
		return nil
	}
	var dtos []ReactionDTO
	if json.Unmarshal(raw, &dtos) != nil {
		return nil
	}
	return normalizeReactionEntries(dtos)
}

// normalizeReactionEntries maps reaction DTOs, dropping entries without an
// emoji or any users.
func normalizeReactionEntries(dtos []ReactionDTO) []ReactionEntry {
	var out []ReactionEntry
	for _, d := range dtos {
		if d.Emoji == "" || len(d.Users) == 0 {
			continue
		}
		users := make([]string, 0, len(d.Users))
		for _, u := range d.Users {
			if u != "" {
				users = append(users, u)
			}
		}
		if len(users) == 0 {
			continue
		}
		out = append(out, ReactionEntry{Emoji: d.Emoji, Users: users})
	}
	return out
}

// normalizeAttachmentsFromDTO parses a raw attachment list. Malformed input
// degrades to nil; entries without an id are dropped.
func normalizeAttachmentsFromDTO(raw json.RawMessage) []Attachment {
	if len(raw) == 0 {
		return nil
	}
	var dtos []AttachmentDTO
	if json.Unmarshal(raw, &dtos) != nil {
		return nil
	}
	var out []Attachment
	for _, d := range dtos {
		if d.ID == "" {
			continue
		}
		out = append(out, Attachment{
			ID:       d.ID,
			URL:      d.URL,
			Name:     d.FileName,
			MimeType: d.MimeType,
			Size:     d.FileSize,
		})
	}
	return out
}

// messageFromDTO maps a server message to the domain shape. Messages from
// other authors arrive directly in sent status.
func messageFromDTO(dto MessageDTO) ChatMessage {
	sentAt := parseSentAt(dto.SentAt)
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	return ChatMessage{
		ID:          dto.ID,
		AuthorID:    dto.SenderID,
		Body:        dto.Content,
		SentAt:      sentAt,
		Status:      StatusSent,
		Reactions:   normalizeReactionsFromDTO(dto.Reactions),
		Attachments: normalizeAttachmentsFromDTO(dto.Attachments),
		TaskID:      dto.TaskID,
	}
}

// ============================================================================
// Store delegation
// ============================================================================

// ApplyParticipants applies a server participant list to a session via a
// session event. Empty lists are dropped defensively.
func (r *Reconciler) ApplyParticipants(conversationID string, dtos []ParticipantDTO) {
	r.store.ApplySessionEvent(SessionUpdateEvent{
		ConversationID: conversationID,
		Participants:   dtos,
	})
}

// UpsertMessage inserts one server message idempotently and fires the commit
// hook if it was newly added. Returns whether the message was new.
func (r *Reconciler) UpsertMessage(conversationID string, dto MessageDTO) bool {
	return r.upsertMessage(conversationID, dto, true)
}

func (r *Reconciler) upsertMessage(conversationID string, dto MessageDTO, counted bool) bool {
	if dto.ID == "" {
		return false
	}
	msg := messageFromDTO(dto)
	var added bool
	if counted {
		added = r.store.AddMessage(conversationID, msg, false)
	} else {
		added = r.store.AddHistoricMessage(conversationID, msg)
	}
	if added && r.onCommitted != nil {
		r.onCommitted(msg.SentAt)
	}
	return added
}

// ApplyConversation applies a full conversation descriptor plus its message
// page, and returns the canonical conversation id.
func (r *Reconciler) ApplyConversation(dto ConversationDTO) string {
	if dto.ID == "" {
		return ""
	}
	participants := make([]ChatParticipant, 0, len(dto.Participants))
	for _, p := range dto.Participants {
		if p.ID == "" {
			continue
		}
		participants = append(participants, ChatParticipant{ID: p.ID, Name: p.DisplayName, Avatar: p.AvatarURL})
	}
	r.store.StartSession(SessionDescriptor{
		ID:           dto.ID,
		Type:         SessionType(dto.Type),
		Title:        dto.Title,
		Avatar:       dto.AvatarURL,
		CreatedBy:    dto.CreatedBy,
		Participants: participants,
	}, false)
	for _, m := range dto.Messages {
		cp := m
		if cp.ConversationID == "" {
			cp.ConversationID = dto.ID
		}
		r.upsertMessage(dto.ID, cp, false)
	}
	r.store.SetUnreadCount(dto.ID, dto.UnreadCount)
	return dto.ID
}

// AckFromResult normalizes a send response into the fields that replace the
// local pending message.
func (r *Reconciler) AckFromResult(res *SendMessageResult) ServerAck {
	sentAt := parseSentAt(res.Message.SentAt)
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	return ServerAck{
		MessageID:      res.Message.ID,
		ConversationID: res.ConversationID,
		SentAt:         sentAt,
		Body:           res.Message.Content,
		Reactions:      normalizeReactionsFromDTO(res.Message.Reactions),
		Attachments:    normalizeAttachmentsFromDTO(res.Message.Attachments),
		TaskID:         res.Message.TaskID,
	}
}
