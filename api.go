package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds individual backend requests.
const DefaultTimeout = 30 * time.Second

// RESTHistory is the HTTP implementation of the HistoryAPI port.
type RESTHistory struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// RESTOption configures a RESTHistory client.
type RESTOption func(*RESTHistory)

// WithToken sets the bearer token used on every request.
func WithToken(token string) RESTOption {
	return func(c *RESTHistory) { c.token = token }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) RESTOption {
	return func(c *RESTHistory) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(client *http.Client) RESTOption {
	return func(c *RESTHistory) { c.httpClient = client }
}

// NewRESTHistory creates a history/mutation API client for the given base URL.
func NewRESTHistory(baseURL string, opts ...RESTOption) *RESTHistory {
	c := &RESTHistory{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken updates the auth token, e.g. after a refresh.
func (c *RESTHistory) SetToken(token string) {
	c.token = token
}

func (c *RESTHistory) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
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

	return io.ReadAll(resp.Body)
}

// do performs one request and unwraps the {ok, data, error} envelope.
func (c *RESTHistory) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*APIResult, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	var result APIResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, fmt.Errorf("request rejected")
	}
	return &result, nil
}

// ============================================================================
// HistoryAPI implementation
// ============================================================================

// LoadInbox returns the caller's most recent conversations.
func (c *RESTHistory) LoadInbox(ctx context.Context, limit int) ([]ConversationDTO, error) {
	var query map[string]string
	if limit > 0 {
		query = map[string]string{"limit": strconv.Itoa(limit)}
	}
	res, err := c.do(ctx, "GET", "/api/chat/inbox", nil, query)
	if err != nil {
		return nil, err
	}
	var conversations []ConversationDTO
	if err := res.Decode(&conversations); err != nil {
		return nil, fmt.Errorf("failed to decode inbox: %w", err)
	}
	return conversations, nil
}

// LoadHistory returns a conversation's canonical descriptor plus a bounded
// page of its most recent messages.
func (c *RESTHistory) LoadHistory(ctx context.Context, conversationID string, limit int) (*ConversationDTO, error) {
	var query map[string]string
	if limit > 0 {
		query = map[string]string{"limit": strconv.Itoa(limit)}
	}
	res, err := c.do(ctx, "GET", "/api/chat/conversations/"+conversationID+"/history", nil, query)
	if err != nil {
		return nil, err
	}
	var conversation ConversationDTO
	if err := res.Decode(&conversation); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return &conversation, nil
}

// SendMessage posts a message. localID doubles as the idempotency key so a
// retried request cannot create a duplicate.
func (c *RESTHistory) SendMessage(ctx context.Context, conversationID, localID, body string, attachments []Attachment) (*SendMessageResult, error) {
	payload := map[string]any{
		"localId": localID,
		"body":    body,
	}
	if len(attachments) > 0 {
		payload["attachments"] = attachments
	}
	res, err := c.do(ctx, "POST", "/api/chat/conversations/"+conversationID+"/messages", payload, nil)
	if err != nil {
		return nil, err
	}
	var result SendMessageResult
	if err := res.Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode send result: %w", err)
	}
	return &result, nil
}

// ToggleReaction adds or removes the caller from one emoji's user list and
// returns the authoritative reaction state.
func (c *RESTHistory) ToggleReaction(ctx context.Context, conversationID, messageID, emoji string, add bool) (*ReactionResult, error) {
	op := "remove"
	if add {
		op = "add"
	}
	payload := map[string]string{"emoji": emoji, "op": op}
	res, err := c.do(ctx, "POST", "/api/chat/conversations/"+conversationID+"/messages/"+messageID+"/reactions", payload, nil)
	if err != nil {
		return nil, err
	}
	var result ReactionResult
	if err := res.Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode reaction result: %w", err)
	}
	return &result, nil
}

// CreateGroupConversation creates a group chat and returns its canonical
// descriptor.
func (c *RESTHistory) CreateGroupConversation(ctx context.Context, participantIDs []string, title string) (*ConversationDTO, error) {
	payload := map[string]any{"participantIds": participantIDs, "title": title}
	res, err := c.do(ctx, "POST", "/api/chat/groups", payload, nil)
	if err != nil {
		return nil, err
	}
	var conversation ConversationDTO
	if err := res.Decode(&conversation); err != nil {
		return nil, fmt.Errorf("failed to decode group: %w", err)
	}
	return &conversation, nil
}

// AddGroupParticipants adds members and returns the updated descriptor.
func (c *RESTHistory) AddGroupParticipants(ctx context.Context, conversationID string, participantIDs []string) (*ConversationDTO, error) {
	payload := map[string]any{"participantIds": participantIDs}
	res, err := c.do(ctx, "POST", "/api/chat/groups/"+conversationID+"/participants", payload, nil)
	if err != nil {
		return nil, err
	}
	var conversation ConversationDTO
	if err := res.Decode(&conversation); err != nil {
		return nil, fmt.Errorf("failed to decode group: %w", err)
	}
	return &conversation, nil
}

// RenameGroupConversation retitles a group and returns the updated
// descriptor.
func (c *RESTHistory) RenameGroupConversation(ctx context.Context, conversationID, title string) (*ConversationDTO, error) {
	payload := map[string]string{"title": title}
	res, err := c.do(ctx, "PATCH", "/api/chat/groups/"+conversationID, payload, nil)
	if err != nil {
		return nil, err
	}
	var conversation ConversationDTO
	if err := res.Decode(&conversation); err != nil {
		return nil, fmt.Errorf("failed to decode group: %w", err)
	}
	return &conversation, nil
}

// DeleteGroupConversation deletes a group conversation.
func (c *RESTHistory) DeleteGroupConversation(ctx context.Context, conversationID string) error {
	_, err := c.do(ctx, "DELETE", "/api/chat/groups/"+conversationID, nil, nil)
	return err
}

// UpdateMessageAttachments removes attachments from a message and returns
// the updated message.
func (c *RESTHistory) UpdateMessageAttachments(ctx context.Context, conversationID, messageID string, removeIDs []string) (*MessageDTO, error) {
	payload := map[string]any{"removeIds": removeIDs}
	res, err := c.do(ctx, "PATCH", "/api/chat/conversations/"+conversationID+"/messages/"+messageID+"/attachments", payload, nil)
	if err != nil {
		return nil, err
	}
	var message MessageDTO
	if err := res.Decode(&message); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &message, nil
}

// DeleteMessage deletes one message.
func (c *RESTHistory) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	_, err := c.do(ctx, "DELETE", "/api/chat/conversations/"+conversationID+"/messages/"+messageID, nil, nil)
	return err
}
