package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a backend API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// APIResult is the generic backend response envelope.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Domain Model
// ============================================================================

// SessionType distinguishes one-to-one chats from group chats.
type SessionType string

const (
	SessionDirect SessionType = "direct"
	SessionGroup  SessionType = "group"
)

// MessageStatus tracks the delivery lifecycle of a message.
type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// ChatParticipant is a member of a chat session. ID is the backend user id
// and the join key everywhere.
type ChatParticipant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// ReactionEntry groups reacting users per distinct emoji on a message.
type ReactionEntry struct {
	Emoji string   `json:"emoji"`
	Users []string `json:"users"`
}

// HasUser reports whether the given user already reacted with this emoji.
func (r ReactionEntry) HasUser(userID string) bool {
	for _, u := range r.Users {
		if u == userID {
			return true
		}
	}
	return false
}

// Attachment is an opaque reference to an uploaded file.
type Attachment struct {
	ID       string `json:"id"`
	URL      string `json:"url,omitempty"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ChatMessage is a single message within a session.
type ChatMessage struct {
	ID          string          `json:"id"`
	AuthorID    string          `json:"authorId"`
	Body        string          `json:"body"`
	SentAt      time.Time       `json:"sentAt"`
	Status      MessageStatus   `json:"status"`
	Reactions   []ReactionEntry `json:"reactions,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	TaskID      string          `json:"taskId,omitempty"`
}

// ChatSession is one conversation with its participants and message log.
type ChatSession struct {
	ID           string            `json:"id"`
	Type         SessionType       `json:"type"`
	Title        string            `json:"title,omitempty"`
	Avatar       string            `json:"avatar,omitempty"`
	CreatedBy    string            `json:"createdBy,omitempty"`
	Participants []ChatParticipant `json:"participants"`
	Messages     []ChatMessage     `json:"messages"`
	UnreadCount  int               `json:"unreadCount"`

	// TypingUserIDs lists participants with unexpired typing state at the
	// time the snapshot was taken. Never persisted.
	TypingUserIDs []string `json:"-"`
}

// Message returns the message with the given id, or nil.
func (s *ChatSession) Message(id string) *ChatMessage {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return &s.Messages[i]
		}
	}
	return nil
}

// Snapshot is a point-in-time copy of the full conversation state.
type Snapshot struct {
	CurrentUserID   string        `json:"currentUserId"`
	SelfClientID    string        `json:"selfClientId,omitempty"`
	ActiveSessionID string        `json:"activeSessionId,omitempty"`
	Sessions        []ChatSession `json:"sessions"`
}

// Session returns the session with the given id, or nil.
func (s Snapshot) Session(id string) *ChatSession {
	for i := range s.Sessions {
		if s.Sessions[i].ID == id {
			return &s.Sessions[i]
		}
	}
	return nil
}

// SessionDescriptor is the static shape of a session used for upserts.
type SessionDescriptor struct {
	ID           string
	Type         SessionType
	Title        string
	Avatar       string
	CreatedBy    string
	Participants []ChatParticipant
}

// ServerAck carries the canonical server fields that replace a pending
// message on acknowledgment.
type ServerAck struct {
	MessageID      string
	ConversationID string
	SentAt         time.Time
	Body           string
	Reactions      []ReactionEntry
	Attachments    []Attachment
	TaskID         string
}

// ============================================================================
// Backend DTOs
// ============================================================================

// ParticipantDTO is the server shape of a conversation member.
type ParticipantDTO struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// ReactionDTO is the server shape of a grouped reaction.
type ReactionDTO struct {
	Emoji string   `json:"emoji"`
	Users []string `json:"users"`
}

// AttachmentDTO is the server shape of a file attachment.
type AttachmentDTO struct {
	ID       string `json:"id"`
	URL      string `json:"url,omitempty"`
	FileName string `json:"fileName,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`
}

// MessageDTO is the server shape of a message. Reactions and Attachments are
// kept raw so a malformed list degrades to empty instead of failing the
// whole decode.
type MessageDTO struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId,omitempty"`
	SenderID       string          `json:"senderId"`
	Content        string          `json:"content"`
	SentAt         string          `json:"sentAt"` // ISO-8601
	Reactions      json.RawMessage `json:"reactions,omitempty"`
	Attachments    json.RawMessage `json:"attachments,omitempty"`
	TaskID         string          `json:"taskId,omitempty"`
}

// ConversationDTO is the server shape of a conversation, as returned by the
// inbox and history endpoints.
type ConversationDTO struct {
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	Title        string           `json:"title,omitempty"`
	AvatarURL    string           `json:"avatarUrl,omitempty"`
	CreatedBy    string           `json:"createdBy,omitempty"`
	Participants []ParticipantDTO `json:"participants,omitempty"`
	Messages     []MessageDTO     `json:"messages,omitempty"`
	UnreadCount  int              `json:"unreadCount,omitempty"`
}

// SendMessageResult is the server response to a message send.
type SendMessageResult struct {
	ConversationID string     `json:"conversationId"`
	Message        MessageDTO `json:"message"`
}

// ReactionResult is the server response to a reaction toggle. The reaction
// list is authoritative and replaces local state wholesale.
type ReactionResult struct {
	ConversationID string        `json:"conversationId"`
	MessageID      string        `json:"messageId"`
	Reactions      []ReactionDTO `json:"reactions"`
}

// ============================================================================
// Realtime Events
// ============================================================================

// EventEnvelope is the wire format for all realtime events.
type EventEnvelope struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// Realtime event names.
const (
	EventNewMessage     = "message.new"
	EventMessageUpdate  = "message.update"
	EventMessageDelete  = "message.delete"
	EventReaction       = "message.reaction"
	EventTyping         = "typing.indicator"
	EventSessionUpdate  = "session.update"
	EventSessionDeleted = "session.deleted"
)

// SessionUpdateEvent announces participant/title/avatar changes.
type SessionUpdateEvent struct {
	ConversationID string           `json:"conversationId"`
	Type           string           `json:"type,omitempty"`
	Title          string           `json:"title,omitempty"`
	AvatarURL      string           `json:"avatarUrl,omitempty"`
	CreatedBy      string           `json:"createdBy,omitempty"`
	Participants   []ParticipantDTO `json:"participants"`
}

// TypingEvent announces a participant starting or stopping typing.
// ExpiresAt bounds how long the indicator stays active if no stop arrives.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
	ExpiresAt      string `json:"expiresAt,omitempty"` // ISO-8601
}

// ReactionEvent carries the authoritative reaction list for one message.
type ReactionEvent struct {
	ConversationID string        `json:"conversationId"`
	MessageID      string        `json:"messageId"`
	Reactions      []ReactionDTO `json:"reactions"`
}

// MessageUpdateEvent patches an existing message (e.g. attachment removal).
type MessageUpdateEvent struct {
	ConversationID       string   `json:"conversationId"`
	MessageID            string   `json:"messageId"`
	Content              *string  `json:"content,omitempty"`
	RemovedAttachmentIDs []string `json:"removedAttachmentIds,omitempty"`
}

// MessageDeleteEvent removes a message from a session.
type MessageDeleteEvent struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// SessionDeletedEvent removes a whole session.
type SessionDeletedEvent struct {
	ConversationID string `json:"conversationId"`
}
