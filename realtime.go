package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// EventBus is a thin adapter over the realtime transport. It knows nothing
// about chat semantics, only channel names and event envelopes. The loss
// callback fires at most once per connection; reconnecting is the engine's
// job.
type EventBus struct {
	transport Transport
	log       zerolog.Logger

	mu   sync.Mutex
	info *ConnectInfo
}

// NewEventBus wraps a transport.
func NewEventBus(t Transport, log zerolog.Logger) *EventBus {
	return &EventBus{
		transport: t,
		log:       log.With().Str("component", "event-bus").Logger(),
	}
}

// Connect establishes the transport connection and returns the assigned
// client id and inbound channel name. The supplied loss callback is
// deduplicated so it fires at most once for this connection.
func (b *EventBus) Connect(ctx context.Context, opts ConnectOptions, onEvent func(EventEnvelope)) (*ConnectInfo, error) {
	lost := opts.OnConnectionLost
	if lost != nil {
		var once sync.Once
		opts.OnConnectionLost = func(err error) {
			once.Do(func() { lost(err) })
		}
	}
	info, err := b.transport.Connect(ctx, opts, onEvent)
	if err != nil {
		return nil, fmt.Errorf("transport connect: %w", err)
	}
	b.mu.Lock()
	b.info = info
	b.mu.Unlock()
	b.log.Debug().Str("clientId", info.ClientID).Str("channel", info.Channel).Msg("connected")
	return info, nil
}

// Info returns the current connection info, or nil when disconnected.
func (b *EventBus) Info() *ConnectInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info
}

// PublishToChannels marshals the payload once and publishes it to every
// channel in the set. The first error is returned after all channels were
// attempted.
func (b *EventBus) PublishToChannels(ctx context.Context, channels []string, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", name, err)
	}
	env := EventEnvelope{Name: name, Data: data}
	var firstErr error
	for _, ch := range channels {
		if ch == "" {
			continue
		}
		if err := b.transport.Publish(ctx, ch, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Disconnect tears down the transport connection.
func (b *EventBus) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	b.info = nil
	b.mu.Unlock()
	return b.transport.Disconnect(ctx)
}
