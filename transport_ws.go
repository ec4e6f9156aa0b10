package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// wsCommand is a client-to-server frame.
type wsCommand struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// connectedPayload is the first frame the server sends after authenticating
// the socket.
type connectedPayload struct {
	ClientID string `json:"clientId"`
}

// WSTransport implements the Transport port over a WebSocket. It is
// deliberately dumb: one connection, one subscribe, no retries. Reconnect
// policy belongs to the engine.
type WSTransport struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	intentionalClose bool
	cancelFn         context.CancelFunc
}

// NewWSTransport creates a transport for the given base URL
// (http(s)://host; the scheme is rewritten to ws(s)).
func NewWSTransport(baseURL string, log zerolog.Logger) *WSTransport {
	return &WSTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.With().Str("component", "ws-transport").Logger(),
	}
}

// Connect dials the realtime endpoint, waits for the server's connected
// frame, subscribes the caller's channel with the requested rewind window,
// and starts the read loop.
func (t *WSTransport) Connect(ctx context.Context, opts ConnectOptions, onEvent func(EventEnvelope)) (*ConnectInfo, error) {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("already connected")
	}
	t.intentionalClose = false
	t.mu.Unlock()

	wsURL := strings.Replace(t.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/rt?token=" + opts.Token

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: t.httpClient})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read connected frame: %w", err)
	}
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Name != "connected" {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("expected 'connected' frame, got %q", env.Name)
	}
	var hello connectedPayload
	if err := json.Unmarshal(env.Data, &hello); err != nil || hello.ClientID == "" {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("malformed connected frame")
	}

	sub := wsCommand{Type: "subscribe", Payload: map[string]any{
		"channel":  opts.Channel,
		"rewindMs": opts.Rewind.Milliseconds(),
	}}
	raw, _ := json.Marshal(sub)
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.cancelFn = cancel
	t.mu.Unlock()

	go t.readLoop(loopCtx, conn, onEvent, opts.OnConnectionLost)

	return &ConnectInfo{ClientID: hello.ClientID, Channel: opts.Channel}, nil
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn, onEvent func(EventEnvelope), onLost func(error)) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			intentional := t.intentionalClose
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()
			if !intentional && onLost != nil {
				onLost(err)
			}
			return
		}

		var env EventEnvelope
		if json.Unmarshal(data, &env) != nil || env.Name == "" {
			t.log.Debug().Msg("dropping malformed frame")
			continue
		}
		if env.Name == "connected" {
			continue
		}
		if onEvent != nil {
			onEvent(env)
		}
	}
}

// Publish sends one event envelope to a channel.
func (t *WSTransport) Publish(ctx context.Context, channel string, event EventEnvelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	raw, err := json.Marshal(wsCommand{Type: "publish", Payload: map[string]any{
		"channel": channel,
		"name":    event.Name,
		"data":    event.Data,
	}})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, raw)
}

// Disconnect closes the connection without triggering the loss callback.
func (t *WSTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	t.intentionalClose = true
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}
