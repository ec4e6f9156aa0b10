package chatsync

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Storage keys used by the store and engine.
const (
	snapshotStorageKey  = "chatsync.snapshot"
	watermarkKeyPrefix  = "chatsync.watermark."
	persistDebounceTime = 200 * time.Millisecond
)

// Listener receives a snapshot after every store mutation.
type Listener func(Snapshot)

// sessionState is the store's mutable record for one session. The typing map
// holds per-user expiry deadlines and is never persisted.
type sessionState struct {
	ChatSession
	typing map[string]time.Time
}

// Store is the single mutable source of truth for conversation state. All
// mutations go through its methods and listeners are notified synchronously
// after each one. It owns no network calls and no timers other than the
// debounced persistence flush.
type Store struct {
	mu              sync.Mutex
	currentUserID   string
	selfClientID    string
	activeSessionID string
	self            ChatParticipant
	aliases         map[string]struct{}
	sessions        []*sessionState
	index           map[string]*sessionState

	listeners    map[int]Listener
	nextListener int

	storage    Storage
	saveTimer  *time.Timer
	saveNeeded bool
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		aliases:   make(map[string]struct{}),
		index:     make(map[string]*sessionState),
		listeners: make(map[int]Listener),
	}
}

// ============================================================================
// Observation
// ============================================================================

// Subscribe registers a listener and returns its unsubscribe function.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// GetSnapshot returns a deep copy of the current state.
func (s *Store) GetSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	now := time.Now()
	snap := Snapshot{
		CurrentUserID:   s.currentUserID,
		SelfClientID:    s.selfClientID,
		ActiveSessionID: s.activeSessionID,
		Sessions:        make([]ChatSession, 0, len(s.sessions)),
	}
	for _, st := range s.sessions {
		cp := st.ChatSession
		cp.Participants = append([]ChatParticipant(nil), st.Participants...)
		cp.Messages = copyMessages(st.Messages)
		for uid, until := range st.typing {
			if until.After(now) {
				cp.TypingUserIDs = append(cp.TypingUserIDs, uid)
			}
		}
		sort.Strings(cp.TypingUserIDs)
		snap.Sessions = append(snap.Sessions, cp)
	}
	return snap
}

// copyMessages deep-copies the per-message slices so a snapshot never
// aliases state the store keeps mutating.
func copyMessages(msgs []ChatMessage) []ChatMessage {
	out := append([]ChatMessage(nil), msgs...)
	for i := range out {
		if len(out[i].Reactions) > 0 {
			rs := append([]ReactionEntry(nil), out[i].Reactions...)
			for j := range rs {
				rs[j].Users = append([]string(nil), rs[j].Users...)
			}
			out[i].Reactions = rs
		}
		if len(out[i].Attachments) > 0 {
			out[i].Attachments = append([]Attachment(nil), out[i].Attachments...)
		}
	}
	return out
}

// notify is called after every mutation: listeners run synchronously with a
// fresh snapshot, then a persistence flush is scheduled.
func (s *Store) notify() {
	s.mu.Lock()
	snap := s.snapshotLocked()
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.schedulePersistLocked()
	s.mu.Unlock()
	for _, l := range ls {
		l(snap)
	}
}

// ============================================================================
// Identity
// ============================================================================

// SetCurrentUserID records the resolved backend user id.
func (s *Store) SetCurrentUserID(id string) {
	s.mu.Lock()
	s.currentUserID = id
	if id != "" {
		s.aliases[id] = struct{}{}
	}
	s.mu.Unlock()
	s.notify()
}

// SetSelfClientID records the realtime-assigned client id.
func (s *Store) SetSelfClientID(id string) {
	s.mu.Lock()
	s.selfClientID = id
	if id != "" {
		s.aliases[id] = struct{}{}
	}
	s.mu.Unlock()
	s.notify()
}

// CurrentUserID returns the recorded backend user id, if any.
func (s *Store) CurrentUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentUserID
}

// ApplySelfParticipant registers the caller's own participant record along
// with any previous ids the same person has used, so events tagged with an
// old alias are still recognized as "mine".
func (s *Store) ApplySelfParticipant(p ChatParticipant, aliases []string) {
	s.mu.Lock()
	s.self = p
	if p.ID != "" {
		s.aliases[p.ID] = struct{}{}
	}
	for _, a := range aliases {
		if a != "" {
			s.aliases[a] = struct{}{}
		}
	}
	s.mu.Unlock()
	s.notify()
}

// SelfParticipant returns the registered self record.
func (s *Store) SelfParticipant() ChatParticipant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// IsSelf reports whether id refers to the current user under any known alias.
func (s *Store) IsSelf(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.aliases[id]
	return ok
}

// ============================================================================
// Session Mutations
// ============================================================================

// StartSession upserts a session's static shape by id: creates it if absent,
// replaces type/title/avatar/participants if present. Messages are never
// deleted by this call. Returns whether the session was newly created.
func (s *Store) StartSession(desc SessionDescriptor, activate bool) bool {
	if desc.ID == "" {
		return false
	}
	s.mu.Lock()
	st, created := s.upsertSessionLocked(desc)
	if activate {
		s.activeSessionID = st.ID
		st.UnreadCount = 0
	}
	s.mu.Unlock()
	s.notify()
	return created
}

func (s *Store) upsertSessionLocked(desc SessionDescriptor) (*sessionState, bool) {
	typ := desc.Type
	if typ == "" {
		if IsDirectSessionID(desc.ID) {
			typ = SessionDirect
		} else {
			typ = SessionGroup
		}
	}
	participants := append([]ChatParticipant(nil), desc.Participants...)
	// A direct session never grows past two participants; a malformed or
	// duplicated payload must not silently turn it into a group.
	if typ == SessionDirect && len(participants) > 2 {
		participants = participants[:2]
	}

	if st, ok := s.index[desc.ID]; ok {
		st.Type = typ
		if desc.Title != "" {
			st.Title = desc.Title
		}
		if desc.Avatar != "" {
			st.Avatar = desc.Avatar
		}
		if desc.CreatedBy != "" {
			st.CreatedBy = desc.CreatedBy
		}
		if len(participants) > 0 {
			st.Participants = participants
		}
		return st, false
	}

	st := &sessionState{
		ChatSession: ChatSession{
			ID:           desc.ID,
			Type:         typ,
			Title:        desc.Title,
			Avatar:       desc.Avatar,
			CreatedBy:    desc.CreatedBy,
			Participants: participants,
			Messages:     []ChatMessage{},
		},
		typing: make(map[string]time.Time),
	}
	s.sessions = append(s.sessions, st)
	s.index[st.ID] = st
	return st, true
}

// SetActiveSession marks a session as the active UI target and clears its
// unread count. Passing "" deactivates.
func (s *Store) SetActiveSession(id string) {
	s.mu.Lock()
	s.activeSessionID = id
	if st, ok := s.index[id]; ok {
		st.UnreadCount = 0
	}
	s.mu.Unlock()
	s.notify()
}

// ResetUnread clears the unread counter on one session.
func (s *Store) ResetUnread(id string) {
	s.mu.Lock()
	if st, ok := s.index[id]; ok {
		st.UnreadCount = 0
	}
	s.mu.Unlock()
	s.notify()
}

// DeleteSession removes a session entirely. If it was active, the active
// session is cleared.
func (s *Store) DeleteSession(id string) {
	s.mu.Lock()
	if _, ok := s.index[id]; ok {
		delete(s.index, id)
		for i, st := range s.sessions {
			if st.ID == id {
				s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
				break
			}
		}
		if s.activeSessionID == id {
			s.activeSessionID = ""
		}
	}
	s.mu.Unlock()
	s.notify()
}

// RemapSessionID atomically renames a session's key, preserving messages,
// participants, and unread state. Used when a client-computed id is
// superseded by the server-canonical id. If a session already exists under
// newID, the two message logs are merged idempotently.
func (s *Store) RemapSessionID(oldID, newID string) bool {
	if oldID == "" || newID == "" || oldID == newID {
		return false
	}
	s.mu.Lock()
	old, ok := s.index[oldID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if existing, clash := s.index[newID]; clash {
		for _, m := range old.Messages {
			insertMessageSorted(&existing.ChatSession, m)
		}
		if len(existing.Participants) == 0 {
			existing.Participants = old.Participants
		}
		existing.UnreadCount += old.UnreadCount
		delete(s.index, oldID)
		for i, st := range s.sessions {
			if st.ID == oldID {
				s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
				break
			}
		}
	} else {
		delete(s.index, oldID)
		old.ID = newID
		s.index[newID] = old
	}
	if s.activeSessionID == oldID {
		s.activeSessionID = newID
	}
	s.mu.Unlock()
	s.notify()
	return true
}

// UpdateFromFriends refreshes participant names and avatars across all
// sessions from the caller's friend list.
func (s *Store) UpdateFromFriends(list []ChatParticipant) {
	byID := make(map[string]ChatParticipant, len(list))
	for _, f := range list {
		byID[f.ID] = f
	}
	s.mu.Lock()
	for _, st := range s.sessions {
		for i, p := range st.Participants {
			if f, ok := byID[p.ID]; ok {
				if f.Name != "" {
					st.Participants[i].Name = f.Name
				}
				if f.Avatar != "" {
					st.Participants[i].Avatar = f.Avatar
				}
			}
		}
	}
	s.mu.Unlock()
	s.notify()
}

// ============================================================================
// Message Mutations
// ============================================================================

// insertMessageSorted inserts by id idempotently and keeps the log ordered
// by SentAt. Returns whether a new entry was added.
func insertMessageSorted(sess *ChatSession, msg ChatMessage) bool {
	for i := range sess.Messages {
		if sess.Messages[i].ID == msg.ID {
			return false
		}
	}
	sess.Messages = append(sess.Messages, msg)
	sort.SliceStable(sess.Messages, func(i, j int) bool {
		return sess.Messages[i].SentAt.Before(sess.Messages[j].SentAt)
	})
	return true
}

// PrepareLocalMessage creates a pending message authored by self and appends
// it to the named session, creating the session first if unknown. Returns nil
// if body and attachments are both empty.
func (s *Store) PrepareLocalMessage(conversationID, body string, self ChatParticipant, attachments []Attachment) *ChatMessage {
	if body == "" && len(attachments) == 0 {
		return nil
	}
	msg := ChatMessage{
		ID:          NewLocalMessageID(),
		AuthorID:    self.ID,
		Body:        body,
		SentAt:      time.Now(),
		Status:      StatusPending,
		Attachments: append([]Attachment(nil), attachments...),
	}
	s.mu.Lock()
	st, ok := s.index[conversationID]
	if !ok {
		st, _ = s.upsertSessionLocked(SessionDescriptor{ID: conversationID})
	}
	insertMessageSorted(&st.ChatSession, msg)
	s.mu.Unlock()
	s.notify()
	return &msg
}

// AcknowledgeMessage replaces the pending message matching localID with the
// server-confirmed fields and marks it sent. If no matching local message
// exists (the send raced with a realtime echo), it falls back to an
// idempotent insert keyed by the server id.
func (s *Store) AcknowledgeMessage(conversationID, localID string, ack ServerAck) {
	s.mu.Lock()
	st, ok := s.index[conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	replaced := false
	for i := range st.Messages {
		if st.Messages[i].ID == localID {
			m := &st.Messages[i]
			m.ID = ack.MessageID
			m.Status = StatusSent
			if !ack.SentAt.IsZero() {
				m.SentAt = ack.SentAt
			}
			if ack.Body != "" {
				m.Body = ack.Body
			}
			if ack.Reactions != nil {
				m.Reactions = ack.Reactions
			}
			if ack.Attachments != nil {
				m.Attachments = ack.Attachments
			}
			if ack.TaskID != "" {
				m.TaskID = ack.TaskID
			}
			replaced = true
			break
		}
	}
	if replaced {
		// A realtime echo may have landed the server copy first; collapse
		// duplicates so exactly one entry with the server id remains.
		seen := false
		kept := st.Messages[:0]
		for _, m := range st.Messages {
			if m.ID == ack.MessageID {
				if seen {
					continue
				}
				seen = true
			}
			kept = append(kept, m)
		}
		st.Messages = kept
		sort.SliceStable(st.Messages, func(i, j int) bool {
			return st.Messages[i].SentAt.Before(st.Messages[j].SentAt)
		})
	} else {
		insertMessageSorted(&st.ChatSession, ChatMessage{
			ID:          ack.MessageID,
			AuthorID:    s.self.ID,
			Body:        ack.Body,
			SentAt:      ack.SentAt,
			Status:      StatusSent,
			Reactions:   ack.Reactions,
			Attachments: ack.Attachments,
			TaskID:      ack.TaskID,
		})
	}
	s.mu.Unlock()
	s.notify()
}

// MarkMessageStatus applies a terminal status transition to one message.
func (s *Store) MarkMessageStatus(conversationID, messageID string, status MessageStatus) {
	s.mu.Lock()
	if st, ok := s.index[conversationID]; ok {
		for i := range st.Messages {
			if st.Messages[i].ID == messageID {
				st.Messages[i].Status = status
				break
			}
		}
	}
	s.mu.Unlock()
	s.notify()
}

// AddMessage inserts a message idempotently by id, creating the session if
// unknown. Used for realtime arrivals. Unread counting applies only to
// non-local messages arriving in a session that is not active.
func (s *Store) AddMessage(conversationID string, msg ChatMessage, isLocal bool) bool {
	s.mu.Lock()
	st, ok := s.index[conversationID]
	if !ok {
		st, _ = s.upsertSessionLocked(SessionDescriptor{ID: conversationID})
	}
	added := insertMessageSorted(&st.ChatSession, msg)
	if added && !isLocal {
		_, mine := s.aliases[msg.AuthorID]
		if !mine && s.activeSessionID != conversationID {
			st.UnreadCount++
		}
	}
	s.mu.Unlock()
	s.notify()
	return added
}

// AddHistoricMessage inserts a hydrated page message without touching the
// unread counter. The server's counter is applied separately through
// SetUnreadCount.
func (s *Store) AddHistoricMessage(conversationID string, msg ChatMessage) bool {
	s.mu.Lock()
	st, ok := s.index[conversationID]
	if !ok {
		st, _ = s.upsertSessionLocked(SessionDescriptor{ID: conversationID})
	}
	added := insertMessageSorted(&st.ChatSession, msg)
	s.mu.Unlock()
	s.notify()
	return added
}

// SetUnreadCount applies the server's authoritative unread counter for a
// session. The active session always reads as zero.
func (s *Store) SetUnreadCount(conversationID string, n int) {
	s.mu.Lock()
	if st, ok := s.index[conversationID]; ok {
		if n < 0 || s.activeSessionID == conversationID {
			n = 0
		}
		st.UnreadCount = n
	}
	s.mu.Unlock()
	s.notify()
}

// ============================================================================
// Realtime Event Application
// ============================================================================

// ApplySessionEvent applies a session-update payload: shape fields replaced
// wholesale, messages untouched. No-op if the participant list is empty.
func (s *Store) ApplySessionEvent(ev SessionUpdateEvent) {
	if ev.ConversationID == "" || len(ev.Participants) == 0 {
		return
	}
	participants := make([]ChatParticipant, 0, len(ev.Participants))
	for _, p := range ev.Participants {
		if p.ID == "" {
			continue
		}
		participants = append(participants, ChatParticipant{ID: p.ID, Name: p.DisplayName, Avatar: p.AvatarURL})
	}
	if len(participants) == 0 {
		return
	}
	s.mu.Lock()
	s.upsertSessionLocked(SessionDescriptor{
		ID:           ev.ConversationID,
		Type:         SessionType(ev.Type),
		Title:        ev.Title,
		Avatar:       ev.AvatarURL,
		CreatedBy:    ev.CreatedBy,
		Participants: participants,
	})
	s.mu.Unlock()
	s.notify()
}

// ApplyTypingEvent records or clears a participant's typing state. Expired
// deadlines surface as inactive in snapshots. No-op on unknown sessions.
func (s *Store) ApplyTypingEvent(ev TypingEvent) {
	if ev.ConversationID == "" || ev.UserID == "" {
		return
	}
	s.mu.Lock()
	st, ok := s.index[ev.ConversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if !ev.IsTyping {
		delete(st.typing, ev.UserID)
	} else {
		until := time.Now().Add(5 * time.Second)
		if ev.ExpiresAt != "" {
			if t, err := time.Parse(time.RFC3339, ev.ExpiresAt); err == nil {
				until = t
			}
		}
		st.typing[ev.UserID] = until
	}
	s.mu.Unlock()
	s.notify()
}

// ApplyReactionEvent replaces a message's reaction list with the
// authoritative server list. No-op if session or message is unknown.
func (s *Store) ApplyReactionEvent(conversationID, messageID string, reactions []ReactionEntry) {
	s.mu.Lock()
	if st, ok := s.index[conversationID]; ok {
		for i := range st.Messages {
			if st.Messages[i].ID == messageID {
				st.Messages[i].Reactions = reactions
				break
			}
		}
	}
	s.mu.Unlock()
	s.notify()
}

// ApplyMessageUpdateEvent patches a message in place: content replacement
// and attachment removal. No-op on unknown targets.
func (s *Store) ApplyMessageUpdateEvent(ev MessageUpdateEvent) {
	s.mu.Lock()
	if st, ok := s.index[ev.ConversationID]; ok {
		for i := range st.Messages {
			if st.Messages[i].ID != ev.MessageID {
				continue
			}
			m := &st.Messages[i]
			if ev.Content != nil {
				m.Body = *ev.Content
			}
			if len(ev.RemovedAttachmentIDs) > 0 {
				removed := make(map[string]struct{}, len(ev.RemovedAttachmentIDs))
				for _, id := range ev.RemovedAttachmentIDs {
					removed[id] = struct{}{}
				}
				kept := make([]Attachment, 0, len(m.Attachments))
				for _, a := range m.Attachments {
					if _, drop := removed[a.ID]; !drop {
						kept = append(kept, a)
					}
				}
				m.Attachments = kept
			}
			break
		}
	}
	s.mu.Unlock()
	s.notify()
}

// ApplyMessageDeleteEvent removes a message. No-op on unknown targets.
func (s *Store) ApplyMessageDeleteEvent(ev MessageDeleteEvent) {
	s.mu.Lock()
	if st, ok := s.index[ev.ConversationID]; ok {
		for i := range st.Messages {
			if st.Messages[i].ID == ev.MessageID {
				st.Messages = append(st.Messages[:i], st.Messages[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	s.notify()
}

// ============================================================================
// Persistence
// ============================================================================

// persistedSnapshot is the durable subset of store state. Typing and other
// transient fields are excluded.
type persistedSnapshot struct {
	CurrentUserID string        `json:"currentUserId"`
	Sessions      []ChatSession `json:"sessions"`
}

// SetStorage plugs in the persistence adapter used for snapshot saves and
// hydration.
func (s *Store) SetStorage(st Storage) {
	s.mu.Lock()
	s.storage = st
	s.mu.Unlock()
}

// HydrateFromStorage loads the persisted snapshot. Corrupt or missing data
// degrades to an empty snapshot; it never fails.
func (s *Store) HydrateFromStorage() {
	s.mu.Lock()
	storage := s.storage
	s.mu.Unlock()
	if storage == nil {
		return
	}
	raw, err := storage.Get(snapshotStorageKey)
	if err != nil || len(raw) == 0 {
		return
	}
	var persisted persistedSnapshot
	if json.Unmarshal(raw, &persisted) != nil {
		return
	}
	s.mu.Lock()
	if s.currentUserID == "" && persisted.CurrentUserID != "" {
		s.currentUserID = persisted.CurrentUserID
		s.aliases[persisted.CurrentUserID] = struct{}{}
	}
	for i := range persisted.Sessions {
		sess := persisted.Sessions[i]
		if sess.ID == "" {
			continue
		}
		st, _ := s.upsertSessionLocked(SessionDescriptor{
			ID:           sess.ID,
			Type:         sess.Type,
			Title:        sess.Title,
			Avatar:       sess.Avatar,
			CreatedBy:    sess.CreatedBy,
			Participants: sess.Participants,
		})
		for _, m := range sess.Messages {
			// A pending message from a previous run can never be confirmed
			// anymore; it surfaces as failed so the user can resubmit.
			if m.Status == StatusPending {
				m.Status = StatusFailed
			}
			insertMessageSorted(&st.ChatSession, m)
		}
		st.UnreadCount = sess.UnreadCount
	}
	s.mu.Unlock()
	s.notify()
}

// schedulePersistLocked arms the debounced save timer. Caller holds s.mu.
func (s *Store) schedulePersistLocked() {
	if s.storage == nil {
		return
	}
	s.saveNeeded = true
	if s.saveTimer != nil {
		return
	}
	s.saveTimer = time.AfterFunc(persistDebounceTime, s.Flush)
}

// Flush writes the durable snapshot immediately and disarms the save timer.
func (s *Store) Flush() {
	s.mu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	if !s.saveNeeded || s.storage == nil {
		s.mu.Unlock()
		return
	}
	s.saveNeeded = false
	persisted := persistedSnapshot{CurrentUserID: s.currentUserID}
	for _, st := range s.sessions {
		cp := st.ChatSession
		cp.Participants = append([]ChatParticipant(nil), st.Participants...)
		cp.Messages = copyMessages(st.Messages)
		persisted.Sessions = append(persisted.Sessions, cp)
	}
	storage := s.storage
	s.mu.Unlock()

	raw, err := json.Marshal(persisted)
	if err != nil {
		return
	}
	_ = storage.Set(snapshotStorageKey, raw)
}
