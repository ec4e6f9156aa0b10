package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ConnectionStatus is the engine's realtime lifecycle state.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDegraded     ConnectionStatus = "degraded"
)

// Engine defaults.
const (
	defaultBackoffBase    = 2 * time.Second
	defaultBackoffMax     = 15 * time.Second
	defaultRetryAttempts  = 2
	defaultRetryBase      = 250 * time.Millisecond
	defaultRetryCap       = 1200 * time.Millisecond
	defaultTypingDebounce = 400 * time.Millisecond
	defaultTypingRefresh  = 2500 * time.Millisecond
	defaultTypingIdle     = 5 * time.Second
	defaultRewindWindow   = 2 * time.Minute
	defaultRewindCeiling  = 2 * time.Minute
	defaultInboxLimit     = 30
	defaultHistoryLimit   = 50
)

// ============================================================================
// Reconnect backoff
// ============================================================================

// reconnector tracks exponential reconnect delays: base doubling up to max,
// reset to base after a successful connect.
type reconnector struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func newReconnector(base, max time.Duration) *reconnector {
	return &reconnector{base: base, max: max}
}

func (r *reconnector) nextDelay() time.Duration {
	d := r.base << r.attempt
	if d <= 0 || d > r.max {
		d = r.max
	}
	r.attempt++
	return d
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Engine-local bookkeeping
// ============================================================================

// typingState is per-conversation outbound typing bookkeeping: debounce
// stamp plus the refresh and idle timers. Timers are owned by the engine and
// cleared on disconnect so none survives a teardown.
type typingState struct {
	active       bool
	lastSentAt   time.Time
	refreshTimer *time.Timer
	idleTimer    *time.Timer
}

// historyEntry memoizes one conversation's history load so concurrent
// callers share a single in-flight fetch.
type historyEntry struct {
	done chan struct{}
	err  error
}

// ============================================================================
// Options
// ============================================================================

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithStorage plugs in the persistence adapter for snapshots and the
// backfill watermark.
func WithStorage(st Storage) Option {
	return func(e *Engine) { e.storage = st }
}

// WithIdentitySource sets the profile resolver used as the last rung of
// identity resolution.
func WithIdentitySource(src IdentitySource) Option {
	return func(e *Engine) { e.identity = src }
}

// WithUserID pins the backend user id explicitly (highest priority rung).
func WithUserID(id string) Option {
	return func(e *Engine) { e.explicitUserID = id }
}

// WithRealtimeToken sets the identity proof presented to the realtime
// transport.
func WithRealtimeToken(token string) Option {
	return func(e *Engine) { e.token = token }
}

// WithReconnectBackoff overrides the reconnect delay bounds.
func WithReconnectBackoff(base, max time.Duration) Option {
	return func(e *Engine) { e.backoffBase, e.backoffMax = base, max }
}

// WithHistoryRetry overrides the bounded retry policy for history and inbox
// fetches.
func WithHistoryRetry(attempts int, base, cap time.Duration) Option {
	return func(e *Engine) { e.retryAttempts, e.retryBase, e.retryCap = attempts, base, cap }
}

// WithTypingIntervals overrides the typing debounce, refresh, and idle
// windows.
func WithTypingIntervals(debounce, refresh, idle time.Duration) Option {
	return func(e *Engine) { e.typingDebounce, e.typingRefresh, e.typingIdle = debounce, refresh, idle }
}

// WithRewindWindow overrides the default and ceiling replay windows
// requested on (re)connect.
func WithRewindWindow(def, ceiling time.Duration) Option {
	return func(e *Engine) { e.rewindDefault, e.rewindCeiling = def, ceiling }
}

// WithChannelResolver overrides how a user id maps to its inbound channel.
func WithChannelResolver(fn func(userID string) string) Option {
	return func(e *Engine) { e.channelFor = fn }
}

// WithInboxLimit bounds how many conversations a bootstrap loads.
func WithInboxLimit(n int) Option {
	return func(e *Engine) { e.inboxLimit = n }
}

// WithHistoryLimit bounds how many messages a history load fetches.
func WithHistoryLimit(n int) Option {
	return func(e *Engine) { e.historyLimit = n }
}

// ============================================================================
// Engine
// ============================================================================

// Engine orchestrates the chat synchronization core: it owns identity
// resolution, drives the event bus lifecycle with reconnect backoff, feeds
// confirmed and realtime payloads through the reconciler into the store, and
// implements the send/reaction/typing/history flows.
type Engine struct {
	api      HistoryAPI
	bus      *EventBus
	store    *Store
	rec      *Reconciler
	log      zerolog.Logger
	storage  Storage
	identity IdentitySource

	token      string
	channelFor func(userID string) string

	backoffBase    time.Duration
	backoffMax     time.Duration
	retryAttempts  int
	retryBase      time.Duration
	retryCap       time.Duration
	typingDebounce time.Duration
	typingRefresh  time.Duration
	typingIdle     time.Duration
	rewindDefault  time.Duration
	rewindCeiling  time.Duration
	inboxLimit     int
	historyLimit   int

	mu                sync.Mutex
	status            ConnectionStatus
	explicitUserID    string
	cachedProfile     *ChatParticipant
	connectedIdentity string
	clientID          string
	recon             *reconnector
	reconnectTimer    *time.Timer
	connGen           int
	pendingConnect    chan struct{}
	closed            bool

	watermarkMs int64

	typing      map[string]*typingState
	history     map[string]*historyEntry
	inboxLoaded map[string]*historyEntry
}

// New creates an engine around the given history API and realtime transport.
func New(api HistoryAPI, transport Transport, opts ...Option) *Engine {
	e := &Engine{
		api:            api,
		store:          NewStore(),
		log:            zerolog.Nop(),
		backoffBase:    defaultBackoffBase,
		backoffMax:     defaultBackoffMax,
		retryAttempts:  defaultRetryAttempts,
		retryBase:      defaultRetryBase,
		retryCap:       defaultRetryCap,
		typingDebounce: defaultTypingDebounce,
		typingRefresh:  defaultTypingRefresh,
		typingIdle:     defaultTypingIdle,
		rewindDefault:  defaultRewindWindow,
		rewindCeiling:  defaultRewindCeiling,
		inboxLimit:     defaultInboxLimit,
		historyLimit:   defaultHistoryLimit,
		status:         StatusDisconnected,
		typing:         make(map[string]*typingState),
		history:        make(map[string]*historyEntry),
		inboxLoaded:    make(map[string]*historyEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	base := e.log
	e.log = base.With().Str("component", "chat-engine").Logger()
	if e.channelFor == nil {
		e.channelFor = func(userID string) string { return "user:" + userID }
	}
	e.bus = NewEventBus(transport, base)
	e.rec = NewReconciler(e.store, e.advanceWatermark)
	e.recon = newReconnector(e.backoffBase, e.backoffMax)
	if e.storage != nil {
		e.store.SetStorage(e.storage)
	}
	return e
}

// Store returns the engine's snapshot store.
func (e *Engine) Store() *Store {
	return e.store
}

// Subscribe registers a snapshot listener.
func (e *Engine) Subscribe(l Listener) func() {
	return e.store.Subscribe(l)
}

// GetSnapshot returns the current snapshot.
func (e *Engine) GetSnapshot() Snapshot {
	return e.store.GetSnapshot()
}

// Status returns the realtime lifecycle state.
func (e *Engine) Status() ConnectionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Hydrate loads the persisted snapshot into the store. Call before
// ConnectRealtime to make cached conversations visible immediately.
func (e *Engine) Hydrate() {
	e.store.HydrateFromStorage()
}

// ============================================================================
// Identity resolution
// ============================================================================

// SetUserID pins the backend user id at runtime (e.g. after login).
func (e *Engine) SetUserID(id string) {
	e.mu.Lock()
	e.explicitUserID = id
	e.mu.Unlock()
	if id != "" {
		e.store.SetCurrentUserID(id)
	}
}

// resolveSelfID picks the caller's id from, in priority order: the explicit
// backend user id, the realtime-assigned client id, the store's recorded
// current-user id, and the cached profile id.
func (e *Engine) resolveSelfID() string {
	e.mu.Lock()
	explicit, client, cached := e.explicitUserID, e.clientID, e.cachedProfile
	e.mu.Unlock()
	if explicit != "" {
		return explicit
	}
	if client != "" {
		return client
	}
	if id := e.store.CurrentUserID(); id != "" {
		return id
	}
	if cached != nil {
		return cached.ID
	}
	return ""
}

// resolveSelf resolves the self participant, consulting the identity source
// if no id is known yet, and registers it (plus all known aliases) in the
// store. Fails with ErrIdentityNotReady when nothing resolves.
func (e *Engine) resolveSelf(ctx context.Context) (ChatParticipant, error) {
	id := e.resolveSelfID()
	if id == "" && e.identity != nil {
		profile, err := e.identity.Profile(ctx)
		if err == nil && profile != nil && profile.ID != "" {
			e.mu.Lock()
			e.cachedProfile = profile
			e.mu.Unlock()
			id = profile.ID
		}
	}
	if id == "" {
		return ChatParticipant{}, ErrIdentityNotReady
	}

	self := ChatParticipant{ID: id}
	e.mu.Lock()
	if e.cachedProfile != nil {
		self.Name = e.cachedProfile.Name
		self.Avatar = e.cachedProfile.Avatar
	}
	aliases := make([]string, 0, 3)
	if e.explicitUserID != "" {
		aliases = append(aliases, e.explicitUserID)
	}
	if e.clientID != "" {
		aliases = append(aliases, e.clientID)
	}
	if e.cachedProfile != nil {
		aliases = append(aliases, e.cachedProfile.ID)
	}
	e.mu.Unlock()

	e.store.ApplySelfParticipant(self, aliases)
	if e.store.CurrentUserID() == "" {
		e.store.SetCurrentUserID(id)
	}
	return self, nil
}

// ============================================================================
// Connection lifecycle
// ============================================================================

// ConnectRealtime establishes the realtime connection. Idempotent: already
// connected under the same identity is a no-op; a changed identity tears the
// old transport down first while keeping store contents. Only one connect
// attempt may be in flight; concurrent callers wait for it to settle.
func (e *Engine) ConnectRealtime(ctx context.Context) error {
	self, err := e.resolveSelf(ctx)
	if err != nil {
		return err
	}

	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return fmt.Errorf("engine closed")
		}
		if pending := e.pendingConnect; pending != nil {
			e.mu.Unlock()
			select {
			case <-pending:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if e.status == StatusConnected {
			if e.connectedIdentity == self.ID {
				e.mu.Unlock()
				return nil
			}
			// Identity switched: re-establish the transport, keep local data.
			e.connGen++
			e.status = StatusDisconnected
			e.connectedIdentity = ""
			e.clearTypingLocked()
			e.mu.Unlock()
			_ = e.bus.Disconnect(ctx)
			continue
		}

		e.connGen++
		gen := e.connGen
		pending := make(chan struct{})
		e.pendingConnect = pending
		e.status = StatusConnecting
		rewind := e.rewindWindowLocked(self.ID)
		e.mu.Unlock()

		info, err := e.bus.Connect(ctx, ConnectOptions{
			Token:   e.token,
			Channel: e.channelFor(self.ID),
			Rewind:  rewind,
			OnConnectionLost: func(cause error) {
				e.handleConnectionLost(gen, cause)
			},
		}, e.dispatchEvent)

		e.mu.Lock()
		e.pendingConnect = nil
		close(pending)
		if e.connGen != gen || e.closed {
			// Superseded while in flight: a stale success is discarded.
			e.mu.Unlock()
			if err == nil {
				_ = e.bus.Disconnect(context.Background())
			}
			return fmt.Errorf("connect superseded")
		}
		if err != nil {
			e.status = StatusDegraded
			delay := e.recon.nextDelay()
			e.scheduleReconnectLocked(delay)
			e.mu.Unlock()
			e.log.Warn().Err(err).Dur("retryIn", delay).Msg("realtime connect failed")
			return fmt.Errorf("realtime connect: %w", err)
		}
		e.status = StatusConnected
		e.connectedIdentity = self.ID
		e.clientID = info.ClientID
		e.recon.reset()
		e.mu.Unlock()

		e.store.SetSelfClientID(info.ClientID)
		e.log.Info().Str("clientId", info.ClientID).Msg("realtime connected")
		go e.bootstrapInbox(context.Background(), self.ID)
		return nil
	}
}

// handleConnectionLost is the bus loss callback: enter degraded state, reset
// the transport, and schedule a backed-off reconnect. Stale callbacks from a
// superseded connection are ignored.
func (e *Engine) handleConnectionLost(gen int, cause error) {
	e.mu.Lock()
	if e.closed || gen != e.connGen {
		e.mu.Unlock()
		return
	}
	e.status = StatusDegraded
	e.connectedIdentity = ""
	e.clearTypingLocked()
	delay := e.recon.nextDelay()
	e.scheduleReconnectLocked(delay)
	e.mu.Unlock()

	_ = e.bus.Disconnect(context.Background())
	e.log.Warn().Err(cause).Dur("retryIn", delay).Msg("realtime connection lost")
}

// scheduleReconnectLocked arms the reconnect timer. Caller holds e.mu.
func (e *Engine) scheduleReconnectLocked(delay time.Duration) {
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
	}
	e.reconnectTimer = time.AfterFunc(delay, func() {
		e.mu.Lock()
		e.reconnectTimer = nil
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return
		}
		// A failed attempt schedules the next one itself.
		_ = e.ConnectRealtime(context.Background())
	})
}

// DisconnectRealtime tears the connection down. It waits for any in-flight
// connect attempt to settle first, then cancels reconnects and typing timers.
func (e *Engine) DisconnectRealtime(ctx context.Context) error {
	for {
		e.mu.Lock()
		pending := e.pendingConnect
		if pending == nil {
			break
		}
		e.mu.Unlock()
		select {
		case <-pending:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.connGen++
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
	e.clearTypingLocked()
	e.status = StatusDisconnected
	e.connectedIdentity = ""
	e.mu.Unlock()
	return e.bus.Disconnect(ctx)
}

// Close shuts the engine down for good: disconnects, cancels every timer,
// and flushes the persisted snapshot.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	err := e.DisconnectRealtime(ctx)
	e.store.Flush()
	return err
}

// ============================================================================
// Backfill watermark
// ============================================================================

// advanceWatermark records the send time of the most recently confirmed
// message. Monotonic: it only ever moves forward. Persisted per identity so
// a restart can bound its replay window.
func (e *Engine) advanceWatermark(sentAt time.Time) {
	ms := sentAt.UnixMilli()
	if ms <= 0 {
		return
	}
	e.mu.Lock()
	if ms <= e.watermarkMs {
		e.mu.Unlock()
		return
	}
	e.watermarkMs = ms
	identity := e.connectedIdentity
	e.mu.Unlock()
	if identity == "" {
		identity = e.resolveSelfID()
	}
	saveWatermark(e.storage, identity, ms)
}

// rewindWindowLocked computes the replay window requested on (re)connect:
// just before the persisted watermark, clamped to the ceiling, or the fixed
// default when no watermark exists. Caller holds e.mu.
func (e *Engine) rewindWindowLocked(identity string) time.Duration {
	wm := e.watermarkMs
	if wm == 0 {
		wm = loadWatermark(e.storage, identity)
		e.watermarkMs = wm
	}
	if wm == 0 {
		return e.rewindDefault
	}
	// One second of slack so the watermark message itself is replayed and
	// the idempotent upsert can anchor the stream.
	window := time.Since(time.UnixMilli(wm)) + time.Second
	if window > e.rewindCeiling {
		window = e.rewindCeiling
	}
	if window < time.Second {
		window = time.Second
	}
	return window
}

// ============================================================================
// Conversation creation
// ============================================================================

// StartDirectChat opens (or re-opens) the direct conversation with target.
// The id is derived deterministically from the two participant ids, so no
// network round trip is needed; history is fetched lazily in the background.
func (e *Engine) StartDirectChat(ctx context.Context, target ChatParticipant) (string, error) {
	self, err := e.resolveSelf(ctx)
	if err != nil {
		return "", err
	}
	if target.ID == "" {
		return "", fmt.Errorf("chatsync: target participant has no id")
	}
	id := DirectSessionID(self.ID, target.ID)
	e.store.StartSession(SessionDescriptor{
		ID:           id,
		Type:         SessionDirect,
		Participants: []ChatParticipant{self, target},
	}, true)
	go func() {
		bg, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		_ = e.EnsureConversationHistory(bg, id)
	}()
	return id, nil
}

// StartGroupChat creates a group conversation. On server failure it falls
// back to a client-only session under the provisional id so the UI stays
// usable, and still broadcasts the session to participants' channels — they
// discover the conversation even though persistence failed. Availability
// over consistency: participants may briefly see a conversation the backend
// never stored.
func (e *Engine) StartGroupChat(ctx context.Context, participantIDs []string, name string) (string, error) {
	self, err := e.resolveSelf(ctx)
	if err != nil {
		return "", err
	}
	provisional := NewGroupSessionID()

	dto, apiErr := e.api.CreateGroupConversation(ctx, participantIDs, name)
	if apiErr == nil && dto != nil && dto.ID != "" {
		canonical := e.rec.ApplyConversation(*dto)
		e.store.SetActiveSession(canonical)
		e.markHistoryLoaded(canonical)
		e.broadcastSessionUpdate(ctx, canonical)
		return canonical, nil
	}

	e.log.Warn().Err(apiErr).Str("conversationId", provisional).
		Msg("group create failed; falling back to client-only session")
	participants := []ChatParticipant{self}
	for _, pid := range participantIDs {
		if pid != "" && pid != self.ID {
			participants = append(participants, ChatParticipant{ID: pid})
		}
	}
	e.store.StartSession(SessionDescriptor{
		ID:           provisional,
		Type:         SessionGroup,
		Title:        name,
		CreatedBy:    self.ID,
		Participants: participants,
	}, true)
	e.broadcastSessionUpdate(ctx, provisional)
	return provisional, nil
}

// OpenSession makes a session the active UI target and hydrates its history
// in the background.
func (e *Engine) OpenSession(id string) {
	e.store.SetActiveSession(id)
	go func() {
		bg, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		_ = e.EnsureConversationHistory(bg, id)
	}()
}

// CloseSession clears the active session if it matches id.
func (e *Engine) CloseSession(id string) {
	if e.store.GetSnapshot().ActiveSessionID == id {
		e.store.SetActiveSession("")
	}
}

// ============================================================================
// Sending
// ============================================================================

// SendMessage applies an optimistic pending message, posts it with the local
// id as idempotency key, remaps the session if the server returns a
// different canonical conversation id, then acknowledges the message and
// advances the watermark. On failure the message is marked failed and the
// error is rethrown; there is no automatic retry.
func (e *Engine) SendMessage(ctx context.Context, conversationID, body string, attachments []Attachment) (*ChatMessage, error) {
	self, err := e.resolveSelf(ctx)
	if err != nil {
		return nil, err
	}
	local := e.store.PrepareLocalMessage(conversationID, body, self, attachments)
	if local == nil {
		return nil, ErrEmptyMessage
	}

	res, err := e.api.SendMessage(ctx, conversationID, local.ID, body, attachments)
	if err != nil {
		e.store.MarkMessageStatus(conversationID, local.ID, StatusFailed)
		return nil, fmt.Errorf("send message: %w", err)
	}

	canonical := res.ConversationID
	if canonical != "" && canonical != conversationID {
		// Remap before applying confirmation data so every subsequent
		// lookup uses the new id.
		e.store.RemapSessionID(conversationID, canonical)
		e.moveHistoryMarker(conversationID, canonical)
		conversationID = canonical
	}

	ack := e.rec.AckFromResult(res)
	e.store.AcknowledgeMessage(conversationID, local.ID, ack)
	e.advanceWatermark(ack.SentAt)

	snap := e.store.GetSnapshot()
	if sess := snap.Session(conversationID); sess != nil {
		if msg := sess.Message(ack.MessageID); msg != nil {
			return msg, nil
		}
	}
	return nil, nil
}

// ============================================================================
// Reactions
// ============================================================================

// ToggleMessageReaction adds or removes the caller's reaction with the given
// emoji. The direction is derived from current store state, the server's
// returned list is applied wholesale, and an unhydrated target triggers a
// history fetch first.
func (e *Engine) ToggleMessageReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	self, err := e.resolveSelf(ctx)
	if err != nil {
		return err
	}

	msg := e.lookupMessage(conversationID, messageID)
	if msg == nil {
		if err := e.EnsureConversationHistory(ctx, conversationID); err != nil {
			return err
		}
		if msg = e.lookupMessage(conversationID, messageID); msg == nil {
			return ErrMessageNotFound
		}
	}

	add := true
	for _, entry := range msg.Reactions {
		if entry.Emoji == emoji && entry.HasUser(self.ID) {
			add = false
			break
		}
	}

	res, err := e.api.ToggleReaction(ctx, conversationID, messageID, emoji, add)
	if err != nil {
		return fmt.Errorf("toggle reaction: %w", err)
	}
	e.store.ApplyReactionEvent(conversationID, messageID, normalizeReactionEntries(res.Reactions))
	return nil
}

func (e *Engine) lookupMessage(conversationID, messageID string) *ChatMessage {
	snap := e.store.GetSnapshot()
	sess := snap.Session(conversationID)
	if sess == nil {
		return nil
	}
	return sess.Message(messageID)
}

// ============================================================================
// Typing notifications
// ============================================================================

// NotifyTyping publishes the caller's typing state for a conversation.
// Outbound starts are debounced per conversation; while active, a refresh is
// republished on an interval and an idle timer auto-emits the stop if the
// caller never does. Purely advisory: failures are silent.
func (e *Engine) NotifyTyping(ctx context.Context, conversationID string, isTyping bool) {
	selfID := e.resolveSelfID()
	if selfID == "" || conversationID == "" {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	ts := e.typing[conversationID]
	if ts == nil {
		ts = &typingState{}
		e.typing[conversationID] = ts
	}
	now := time.Now()

	if !isTyping {
		if !ts.active {
			e.mu.Unlock()
			return
		}
		ts.active = false
		stopTypingTimersLocked(ts)
		e.mu.Unlock()
		e.publishTyping(ctx, conversationID, selfID, false)
		return
	}

	if ts.active && now.Sub(ts.lastSentAt) < e.typingDebounce {
		// Within the debounce window: just keep the idle deadline fresh.
		if ts.idleTimer != nil {
			ts.idleTimer.Reset(e.typingIdle)
		}
		e.mu.Unlock()
		return
	}

	ts.active = true
	ts.lastSentAt = now
	stopTypingTimersLocked(ts)
	ts.refreshTimer = time.AfterFunc(e.typingRefresh, func() {
		e.refreshTyping(conversationID, selfID)
	})
	ts.idleTimer = time.AfterFunc(e.typingIdle, func() {
		e.idleStopTyping(conversationID, selfID)
	})
	e.mu.Unlock()

	e.publishTyping(ctx, conversationID, selfID, true)
}

func stopTypingTimersLocked(ts *typingState) {
	if ts.refreshTimer != nil {
		ts.refreshTimer.Stop()
		ts.refreshTimer = nil
	}
	if ts.idleTimer != nil {
		ts.idleTimer.Stop()
		ts.idleTimer = nil
	}
}

// refreshTyping republishes the active indicator and re-arms itself.
func (e *Engine) refreshTyping(conversationID, selfID string) {
	e.mu.Lock()
	ts := e.typing[conversationID]
	if ts == nil || !ts.active || e.closed {
		e.mu.Unlock()
		return
	}
	ts.lastSentAt = time.Now()
	ts.refreshTimer = time.AfterFunc(e.typingRefresh, func() {
		e.refreshTyping(conversationID, selfID)
	})
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.publishTyping(ctx, conversationID, selfID, true)
}

// idleStopTyping emits the stop event when the caller went quiet without an
// explicit stop.
func (e *Engine) idleStopTyping(conversationID, selfID string) {
	e.mu.Lock()
	ts := e.typing[conversationID]
	if ts == nil || !ts.active {
		e.mu.Unlock()
		return
	}
	ts.active = false
	stopTypingTimersLocked(ts)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.publishTyping(ctx, conversationID, selfID, false)
}

// publishTyping sends the typing event to the participants' channels plus
// the sender's own channel (multi-device echo). Not routed through the
// conversation's persisted log.
func (e *Engine) publishTyping(ctx context.Context, conversationID, selfID string, isTyping bool) {
	payload := TypingEvent{
		ConversationID: conversationID,
		UserID:         selfID,
		IsTyping:       isTyping,
	}
	if isTyping {
		payload.ExpiresAt = time.Now().Add(e.typingIdle).Format(time.RFC3339)
	}
	channels := e.participantChannels(conversationID, selfID)
	if err := e.bus.PublishToChannels(ctx, channels, EventTyping, payload); err != nil {
		e.log.Debug().Err(err).Msg("typing publish failed")
	}
}

// participantChannels resolves the channel set for a conversation's members,
// always including the sender's own channel exactly once.
func (e *Engine) participantChannels(conversationID, selfID string) []string {
	seen := map[string]struct{}{}
	var channels []string
	addFor := func(userID string) {
		if userID == "" {
			return
		}
		ch := e.channelFor(userID)
		if _, dup := seen[ch]; dup {
			return
		}
		seen[ch] = struct{}{}
		channels = append(channels, ch)
	}
	snap := e.store.GetSnapshot()
	if sess := snap.Session(conversationID); sess != nil {
		for _, p := range sess.Participants {
			addFor(p.ID)
		}
	}
	addFor(selfID)
	return channels
}

// clearTypingLocked stops every typing timer. Caller holds e.mu. Timers are
// tied 1:1 to the connection, so none survives a teardown or identity
// switch.
func (e *Engine) clearTypingLocked() {
	for _, ts := range e.typing {
		ts.active = false
		stopTypingTimersLocked(ts)
	}
	e.typing = make(map[string]*typingState)
}

// ============================================================================
// History and inbox loading
// ============================================================================

// EnsureConversationHistory loads a conversation's history once, sharing one
// in-flight fetch among concurrent callers. An id remap discovered during
// the load moves the loaded marker to the canonical id.
func (e *Engine) EnsureConversationHistory(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrSessionNotFound
	}
	e.mu.Lock()
	if ent, ok := e.history[conversationID]; ok {
		e.mu.Unlock()
		select {
		case <-ent.done:
			return ent.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ent := &historyEntry{done: make(chan struct{})}
	e.history[conversationID] = ent
	e.mu.Unlock()

	dto, err := fetchWithRetry(ctx, e, func(c context.Context) (*ConversationDTO, error) {
		return e.api.LoadHistory(c, conversationID, e.historyLimit)
	})
	if err == nil && dto != nil {
		canonical := e.rec.ApplyConversation(*dto)
		if canonical != "" && canonical != conversationID {
			e.store.RemapSessionID(conversationID, canonical)
			e.mu.Lock()
			delete(e.history, conversationID)
			e.history[canonical] = ent
			e.mu.Unlock()
		}
	}

	ent.err = err
	close(ent.done)
	if err != nil {
		e.mu.Lock()
		delete(e.history, conversationID)
		e.markDegradedLocked()
		e.mu.Unlock()
		e.log.Error().Err(err).Str("conversationId", conversationID).Msg("history load failed")
	}
	return err
}

// markHistoryLoaded records a conversation as hydrated without a fetch, e.g.
// right after the server returned its full descriptor.
func (e *Engine) markHistoryLoaded(conversationID string) {
	ent := &historyEntry{done: make(chan struct{})}
	close(ent.done)
	e.mu.Lock()
	e.history[conversationID] = ent
	e.mu.Unlock()
}

// moveHistoryMarker follows a session id remap.
func (e *Engine) moveHistoryMarker(oldID, newID string) {
	e.mu.Lock()
	if ent, ok := e.history[oldID]; ok {
		delete(e.history, oldID)
		e.history[newID] = ent
	}
	e.mu.Unlock()
}

// bootstrapInbox loads the recent conversation set once per identity.
// Background: persistent failure is logged and degrades status but never
// propagates.
func (e *Engine) bootstrapInbox(ctx context.Context, identity string) {
	e.mu.Lock()
	if _, ok := e.inboxLoaded[identity]; ok {
		e.mu.Unlock()
		return
	}
	ent := &historyEntry{done: make(chan struct{})}
	e.inboxLoaded[identity] = ent
	e.mu.Unlock()

	err := e.loadInbox(ctx)
	ent.err = err
	close(ent.done)
	if err != nil {
		e.mu.Lock()
		delete(e.inboxLoaded, identity)
		e.markDegradedLocked()
		e.mu.Unlock()
		e.log.Error().Err(err).Msg("inbox bootstrap failed")
	}
}

// RefreshInbox replays the inbox load on demand. Foreground: the error is
// returned to the caller.
func (e *Engine) RefreshInbox(ctx context.Context) error {
	return e.loadInbox(ctx)
}

func (e *Engine) loadInbox(ctx context.Context) error {
	conversations, err := fetchWithRetry(ctx, e, func(c context.Context) (*[]ConversationDTO, error) {
		list, err := e.api.LoadInbox(c, e.inboxLimit)
		if err != nil {
			return nil, err
		}
		return &list, nil
	})
	if err != nil {
		return err
	}
	for _, dto := range *conversations {
		e.rec.ApplyConversation(dto)
	}
	return nil
}

// markDegradedLocked downgrades a live connection status after background
// fetch failures. Caller holds e.mu.
func (e *Engine) markDegradedLocked() {
	if e.status == StatusConnected {
		e.status = StatusDegraded
	}
}

// fetchWithRetry wraps a fetch in the bounded retry policy: a fixed number
// of attempts with exponentially growing, capped delays.
func fetchWithRetry[T any](ctx context.Context, e *Engine, fn func(context.Context) (*T, error)) (*T, error) {
	delay := e.retryBase
	var lastErr error
	for attempt := 0; attempt < e.retryAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
			delay *= 2
			if delay > e.retryCap {
				delay = e.retryCap
			}
		}
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// unmarshalEvent decodes an event payload. Nil data is rejected so missing
// payloads fall through the same drop path as malformed ones.
func unmarshalEvent(data json.RawMessage, out any) error {
	if len(data) == 0 {
		return fmt.Errorf("empty event payload")
	}
	return json.Unmarshal(data, out)
}

// ============================================================================
// Group management
// ============================================================================

// RenameGroupConversation retitles a group and broadcasts the updated
// descriptor.
func (e *Engine) RenameGroupConversation(ctx context.Context, conversationID, title string) error {
	if e.store.GetSnapshot().Session(conversationID) == nil {
		return ErrSessionNotFound
	}
	dto, err := e.api.RenameGroupConversation(ctx, conversationID, title)
	if err != nil {
		return fmt.Errorf("rename group: %w", err)
	}
	e.rec.ApplyConversation(*dto)
	e.broadcastSessionUpdate(ctx, dto.ID)
	return nil
}

// AddGroupParticipants adds members to a group and broadcasts the updated
// descriptor so new members discover the conversation.
func (e *Engine) AddGroupParticipants(ctx context.Context, conversationID string, participantIDs []string) error {
	if e.store.GetSnapshot().Session(conversationID) == nil {
		return ErrSessionNotFound
	}
	dto, err := e.api.AddGroupParticipants(ctx, conversationID, participantIDs)
	if err != nil {
		return fmt.Errorf("add participants: %w", err)
	}
	e.rec.ApplyConversation(*dto)
	e.broadcastSessionUpdate(ctx, dto.ID)
	return nil
}

// DeleteGroupConversation deletes a group, closes it locally, and notifies
// the remaining participants.
func (e *Engine) DeleteGroupConversation(ctx context.Context, conversationID string) error {
	selfID := e.resolveSelfID()
	channels := e.participantChannels(conversationID, selfID)
	if e.store.GetSnapshot().Session(conversationID) == nil {
		return ErrSessionNotFound
	}
	if err := e.api.DeleteGroupConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	e.store.DeleteSession(conversationID)
	payload := SessionDeletedEvent{ConversationID: conversationID}
	if err := e.bus.PublishToChannels(ctx, channels, EventSessionDeleted, payload); err != nil {
		e.log.Debug().Err(err).Msg("session-deleted publish failed")
	}
	return nil
}

// DeleteMessage deletes one message and notifies participants.
func (e *Engine) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if e.lookupMessage(conversationID, messageID) == nil {
		return ErrMessageNotFound
	}
	if err := e.api.DeleteMessage(ctx, conversationID, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	ev := MessageDeleteEvent{ConversationID: conversationID, MessageID: messageID}
	e.store.ApplyMessageDeleteEvent(ev)
	selfID := e.resolveSelfID()
	if err := e.bus.PublishToChannels(ctx, e.participantChannels(conversationID, selfID), EventMessageDelete, ev); err != nil {
		e.log.Debug().Err(err).Msg("message-delete publish failed")
	}
	return nil
}

// RemoveMessageAttachments strips attachments from a message and notifies
// participants of the patch.
func (e *Engine) RemoveMessageAttachments(ctx context.Context, conversationID, messageID string, removeIDs []string) error {
	if e.lookupMessage(conversationID, messageID) == nil {
		return ErrMessageNotFound
	}
	if _, err := e.api.UpdateMessageAttachments(ctx, conversationID, messageID, removeIDs); err != nil {
		return fmt.Errorf("update attachments: %w", err)
	}
	ev := MessageUpdateEvent{
		ConversationID:       conversationID,
		MessageID:            messageID,
		RemovedAttachmentIDs: removeIDs,
	}
	e.store.ApplyMessageUpdateEvent(ev)
	selfID := e.resolveSelfID()
	if err := e.bus.PublishToChannels(ctx, e.participantChannels(conversationID, selfID), EventMessageUpdate, ev); err != nil {
		e.log.Debug().Err(err).Msg("message-update publish failed")
	}
	return nil
}

// UpdateFromFriends refreshes participant display data from the caller's
// friend list.
func (e *Engine) UpdateFromFriends(list []ChatParticipant) {
	e.store.UpdateFromFriends(list)
}

// broadcastSessionUpdate publishes the session's current descriptor to all
// participant channels. Best effort.
func (e *Engine) broadcastSessionUpdate(ctx context.Context, conversationID string) {
	snap := e.store.GetSnapshot()
	sess := snap.Session(conversationID)
	if sess == nil {
		return
	}
	participants := make([]ParticipantDTO, 0, len(sess.Participants))
	for _, p := range sess.Participants {
		participants = append(participants, ParticipantDTO{ID: p.ID, DisplayName: p.Name, AvatarURL: p.Avatar})
	}
	payload := SessionUpdateEvent{
		ConversationID: sess.ID,
		Type:           string(sess.Type),
		Title:          sess.Title,
		AvatarURL:      sess.Avatar,
		CreatedBy:      sess.CreatedBy,
		Participants:   participants,
	}
	selfID := e.resolveSelfID()
	if err := e.bus.PublishToChannels(ctx, e.participantChannels(conversationID, selfID), EventSessionUpdate, payload); err != nil {
		e.log.Debug().Err(err).Str("conversationId", conversationID).Msg("session-update publish failed")
	}
}

// ============================================================================
// Realtime event dispatch
// ============================================================================

// dispatchEvent routes one inbound envelope to its handler. Malformed
// payloads are dropped, never raised.
func (e *Engine) dispatchEvent(env EventEnvelope) {
	switch env.Name {
	case EventNewMessage:
		var dto MessageDTO
		if unmarshalEvent(env.Data, &dto) != nil || dto.ID == "" || dto.ConversationID == "" {
			e.dropEvent(env.Name)
			return
		}
		known := e.store.GetSnapshot().Session(dto.ConversationID) != nil
		e.rec.UpsertMessage(dto.ConversationID, dto)
		if !known {
			// Self-healing for conversations this client did not create.
			go func() {
				bg, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
				defer cancel()
				_ = e.EnsureConversationHistory(bg, dto.ConversationID)
			}()
		}

	case EventSessionUpdate:
		var ev SessionUpdateEvent
		if unmarshalEvent(env.Data, &ev) != nil || ev.ConversationID == "" || len(ev.Participants) == 0 {
			e.dropEvent(env.Name)
			return
		}
		e.store.ApplySessionEvent(ev)

	case EventTyping:
		var ev TypingEvent
		if unmarshalEvent(env.Data, &ev) != nil || ev.ConversationID == "" || ev.UserID == "" {
			e.dropEvent(env.Name)
			return
		}
		if e.store.IsSelf(ev.UserID) {
			return
		}
		e.store.ApplyTypingEvent(ev)

	case EventReaction:
		var ev ReactionEvent
		if unmarshalEvent(env.Data, &ev) != nil || ev.ConversationID == "" || ev.MessageID == "" {
			e.dropEvent(env.Name)
			return
		}
		e.store.ApplyReactionEvent(ev.ConversationID, ev.MessageID, normalizeReactionEntries(ev.Reactions))

	case EventMessageUpdate:
		var ev MessageUpdateEvent
		if unmarshalEvent(env.Data, &ev) != nil || ev.ConversationID == "" || ev.MessageID == "" {
			e.dropEvent(env.Name)
			return
		}
		e.store.ApplyMessageUpdateEvent(ev)

	case EventMessageDelete:
		var ev MessageDeleteEvent
		if unmarshalEvent(env.Data, &ev) != nil || ev.ConversationID == "" || ev.MessageID == "" {
			e.dropEvent(env.Name)
			return
		}
		e.store.ApplyMessageDeleteEvent(ev)

	case EventSessionDeleted:
		var ev SessionDeletedEvent
		if unmarshalEvent(env.Data, &ev) != nil || ev.ConversationID == "" {
			e.dropEvent(env.Name)
			return
		}
		if e.store.GetSnapshot().ActiveSessionID == ev.ConversationID {
			e.store.SetActiveSession("")
		}
		e.store.DeleteSession(ev.ConversationID)
		e.mu.Lock()
		delete(e.history, ev.ConversationID)
		e.mu.Unlock()

	default:
		e.log.Debug().Str("event", env.Name).Msg("ignoring unknown event")
	}
}

func (e *Engine) dropEvent(name string) {
	e.log.Debug().Str("event", name).Msg("dropping malformed event")
}
