package chatsync

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors surfaced by Engine methods.
var (
	// ErrIdentityNotReady is returned when an operation needs a resolved
	// self id and none is available yet.
	ErrIdentityNotReady = errors.New("chatsync: identity not resolved")
	// ErrSessionNotFound is returned when a session-targeted operation
	// cannot find its session even after hydration.
	ErrSessionNotFound = errors.New("chatsync: session not found")
	// ErrMessageNotFound is returned when a message-targeted operation
	// cannot find its message even after hydration.
	ErrMessageNotFound = errors.New("chatsync: message not found")
	// ErrNotConnected is returned by publish paths when no realtime
	// connection is established.
	ErrNotConnected = errors.New("chatsync: realtime not connected")
	// ErrEmptyMessage is returned when both body and attachments are empty.
	ErrEmptyMessage = errors.New("chatsync: empty message")
)

// ============================================================================
// External Ports
// ============================================================================

// HistoryAPI is the backend history/mutation surface the engine drives.
// Every call returns canonical conversation ids and canonical shapes, and is
// safe to retry under the supplied idempotency key.
type HistoryAPI interface {
	LoadInbox(ctx context.Context, limit int) ([]ConversationDTO, error)
	LoadHistory(ctx context.Context, conversationID string, limit int) (*ConversationDTO, error)
	SendMessage(ctx context.Context, conversationID, localID, body string, attachments []Attachment) (*SendMessageResult, error)
	ToggleReaction(ctx context.Context, conversationID, messageID, emoji string, add bool) (*ReactionResult, error)
	CreateGroupConversation(ctx context.Context, participantIDs []string, title string) (*ConversationDTO, error)
	AddGroupParticipants(ctx context.Context, conversationID string, participantIDs []string) (*ConversationDTO, error)
	RenameGroupConversation(ctx context.Context, conversationID, title string) (*ConversationDTO, error)
	DeleteGroupConversation(ctx context.Context, conversationID string) error
	UpdateMessageAttachments(ctx context.Context, conversationID, messageID string, removeIDs []string) (*MessageDTO, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
}

// IdentitySource resolves the caller's own profile. Used as the lowest
// priority rung of the engine's identity resolution chain.
type IdentitySource interface {
	Profile(ctx context.Context) (*ChatParticipant, error)
}

// Storage is a key/value persistence adapter, used for snapshot hydration
// and the backfill watermark.
type Storage interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
}

// ============================================================================
// Realtime Transport Port
// ============================================================================

// ConnectOptions configures a transport connection attempt.
type ConnectOptions struct {
	// Token proves the caller's identity to the transport.
	Token string
	// Channel is the caller's own inbound channel.
	Channel string
	// Rewind asks the transport to replay events from this far back.
	Rewind time.Duration
	// OnConnectionLost is invoked when an established connection drops.
	// The transport never retries on its own.
	OnConnectionLost func(error)
}

// ConnectInfo is returned by a successful transport connect.
type ConnectInfo struct {
	ClientID string
	Channel  string
}

// Transport is the dumb pub/sub adapter underneath the event bus: connect
// with credentials, per-channel publish, one inbound callback, one loss
// callback. All retry and backoff logic lives in the Engine.
type Transport interface {
	Connect(ctx context.Context, opts ConnectOptions, onEvent func(EventEnvelope)) (*ConnectInfo, error)
	Publish(ctx context.Context, channel string, event EventEnvelope) error
	Disconnect(ctx context.Context) error
}
