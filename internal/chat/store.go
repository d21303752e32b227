package chat

import (
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dmcruz/parley/internal/bus"
)

// Store is the aggregate conversation state: message lists, unseen
// counts, typing maps and pagination cursors. It is the only component
// the presentation layer observes; mutations publish "message." and
// "conversation." events on the bus.
//
// Messages are dual-indexed by server id and clientRef so that updates
// addressed by either key resolve to the same record.
type Store struct {
	mu     sync.RWMutex
	selfID string
	active string
	convs  map[string]*conversation
	bus    *bus.Bus
}

type conversation struct {
	summary  Summary
	msgs     []*Message
	byID     map[string]*Message
	byRef    map[string]*Message
	typing   map[string]string
	nextPage int
	hasMore  bool
}

// NewStore creates an empty store for the given local user id.
func NewStore(selfID string, b *bus.Bus) *Store {
	return &Store{
		selfID: selfID,
		convs:  make(map[string]*conversation),
		bus:    b,
	}
}

// SelfID returns the local user id.
func (s *Store) SelfID() string { return s.selfID }

// SetActive marks the conversation the user is currently viewing.
func (s *Store) SetActive(conversationID string) {
	s.mu.Lock()
	s.active = conversationID
	s.mu.Unlock()
}

// ActiveID returns the currently viewed conversation id.
func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// IsActive is the guarded accessor every asynchronous completion
// handler must consult before touching visible state.
func (s *Store) IsActive(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active == conversationID
}

// Track registers a conversation summary (roster bootstrap or a
// background event for a previously unknown conversation).
func (s *Store) Track(sum Summary) {
	s.mu.Lock()
	c := s.ensure(sum.ID, sum.Type)
	if sum.Name != "" {
		c.summary.Name = sum.Name
	}
	s.mu.Unlock()
	s.publishConversation(sum.ID)
}

// Tracked reports whether the conversation is known to the store.
func (s *Store) Tracked(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.convs[conversationID]
	return ok
}

// Summaries returns all tracked conversations, most recent first.
func (s *Store) Summaries() []Summary {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.summary)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastAt.After(out[j].LastAt) })
	return out
}

// ensure returns the conversation, creating it if unknown.
// Caller holds s.mu.
func (s *Store) ensure(id string, typ ConversationType) *conversation {
	c, ok := s.convs[id]
	if !ok {
		c = &conversation{
			summary:  Summary{ID: id, Type: typ},
			byID:     make(map[string]*Message),
			byRef:    make(map[string]*Message),
			typing:   make(map[string]string),
			nextPage: 1,
			hasMore:  true,
		}
		s.convs[id] = c
	}
	if c.summary.Type == "" {
		c.summary.Type = typ
	}
	return c
}

// InsertLocal adds an optimistic outbound message (status sending).
func (s *Store) InsertLocal(m Message) {
	s.mu.Lock()
	c := s.ensure(m.ConversationID, m.ConversationType)
	rec := m.Clone()
	c.insert(&rec)
	c.touch(&rec)
	s.mu.Unlock()
	s.publishMessage(m.ConversationID, rec.Key())
}

// ConfirmSend links a pending clientRef to its server id, advances the
// status to delivered and re-sorts by the authoritative createdAt.
// Idempotent: confirming an already-linked record is a no-op.
func (s *Store) ConfirmSend(conversationID, clientRef, id string, createdAt time.Time) bool {
	s.mu.Lock()
	c, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if existing, ok := c.byID[id]; ok {
		// Already confirmed, typically by the push broadcast racing the
		// HTTP ack. Make sure the ref index points at the same record.
		if clientRef != "" && c.byRef[clientRef] == nil {
			c.byRef[clientRef] = existing
		}
		s.mu.Unlock()
		return true
	}
	rec, ok := c.byRef[clientRef]
	if !ok {
		s.mu.Unlock()
		return false
	}
	rec.ID = id
	if !createdAt.IsZero() {
		rec.CreatedAt = createdAt
	}
	if StatusDelivered.Advances(rec.Status) {
		rec.Status = StatusDelivered
	}
	c.byID[id] = rec
	c.resort()
	c.touch(rec)
	s.mu.Unlock()
	s.publishMessage(conversationID, id)
	return true
}

// FailSend marks a pending message as failed. The record is retained.
func (s *Store) FailSend(conversationID, clientRef string) bool {
	s.mu.Lock()
	rec := s.lookup(conversationID, clientRef)
	if rec == nil || rec.Status != StatusSending {
		s.mu.Unlock()
		return false
	}
	rec.Status = StatusFailed
	s.mu.Unlock()
	s.publishMessage(conversationID, clientRef)
	return true
}

// Supersede hides a failed message behind its resend. The failed
// record stays in the store.
func (s *Store) Supersede(conversationID, failedRef, newRef string) {
	s.mu.Lock()
	if rec := s.lookup(conversationID, failedRef); rec != nil && rec.Status == StatusFailed {
		rec.SupersededBy = newRef
	}
	s.mu.Unlock()
	s.publishMessage(conversationID, failedRef)
}

// DiscardFailed removes a failed message outright. This is the only
// physical removal the store performs, and only on explicit request.
func (s *Store) DiscardFailed(conversationID, clientRef string) bool {
	s.mu.Lock()
	c, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	rec, ok := c.byRef[clientRef]
	if !ok || rec.Status != StatusFailed {
		s.mu.Unlock()
		return false
	}
	delete(c.byRef, clientRef)
	if rec.ID != "" {
		delete(c.byID, rec.ID)
	}
	for i, m := range c.msgs {
		if m == rec {
			c.msgs = append(c.msgs[:i], c.msgs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.publishMessage(conversationID, clientRef)
	return true
}

// UpsertRemote inserts a message that arrived from the push channel.
// Returns false when a record with the same id already exists (the
// duplicate is absorbed, not an error).
func (s *Store) UpsertRemote(m Message) bool {
	s.mu.Lock()
	c := s.ensure(m.ConversationID, m.ConversationType)
	if m.ID != "" {
		if _, ok := c.byID[m.ID]; ok {
			s.mu.Unlock()
			return false
		}
	}
	rec := m.Clone()
	c.insert(&rec)
	c.touch(&rec)
	s.mu.Unlock()
	s.publishMessage(m.ConversationID, rec.Key())
	return true
}

// FindPendingMatch scans unconfirmed (sending) messages from senderID
// whose body and attachment set match and whose createdAt falls within
// the window around ts. Used to link a push broadcast to its optimistic
// entry when the event does not echo the clientRef.
func (s *Store) FindPendingMatch(conversationID, senderID, body string, atts []Attachment, ts time.Time, window time.Duration) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return "", false
	}
	for _, m := range c.msgs {
		if m.Status != StatusSending || m.SenderID != senderID {
			continue
		}
		if m.Body != body || !SameAttachments(m.Attachments, atts) {
			continue
		}
		d := ts.Sub(m.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= window {
			return m.ClientRef, true
		}
	}
	return "", false
}

// AdvanceStatus moves a message forward on the delivery ladder.
// Backward transitions are ignored, making the merge idempotent.
func (s *Store) AdvanceStatus(conversationID, key string, to Status) bool {
	s.mu.Lock()
	rec := s.lookup(conversationID, key)
	if rec == nil || !to.Advances(rec.Status) {
		s.mu.Unlock()
		return false
	}
	rec.Status = to
	s.mu.Unlock()
	s.publishMessage(conversationID, key)
	return true
}

// AddSeenBy accumulates a reader into the message's seen set and
// advances the status. Group conversations collect readers as a set
// rather than overwriting.
func (s *Store) AddSeenBy(conversationID, key, userID string) bool {
	s.mu.Lock()
	rec := s.lookup(conversationID, key)
	if rec == nil {
		s.mu.Unlock()
		return false
	}
	if rec.SeenBy == nil {
		rec.SeenBy = make(map[string]struct{})
	}
	rec.SeenBy[userID] = struct{}{}
	if StatusSeen.Advances(rec.Status) {
		rec.Status = StatusSeen
	}
	s.mu.Unlock()
	s.publishMessage(conversationID, key)
	return true
}

// SetBody applies a remote edit. Deleted messages are left untouched.
func (s *Store) SetBody(conversationID, key, body string, editedAt time.Time) bool {
	s.mu.Lock()
	rec := s.lookup(conversationID, key)
	if rec == nil || rec.Deleted() {
		s.mu.Unlock()
		return false
	}
	rec.Body = body
	rec.EditedAt = editedAt
	s.mu.Unlock()
	s.publishMessage(conversationID, key)
	return true
}

// MarkDeleted soft-deletes a message. The record and its id stay
// reserved so reply references keep resolving.
func (s *Store) MarkDeleted(conversationID, key string, at time.Time) bool {
	s.mu.Lock()
	rec := s.lookup(conversationID, key)
	if rec == nil || rec.Deleted() {
		s.mu.Unlock()
		return false
	}
	rec.DeletedAt = at
	s.mu.Unlock()
	s.publishMessage(conversationID, key)
	return true
}

// AddReaction adds userID to the emoji's reaction set. Returns false
// if the user already reacted with that emoji.
func (s *Store) AddReaction(conversationID, key, emoji, userID string) bool {
	s.mu.Lock()
	rec := s.lookup(conversationID, key)
	if rec == nil {
		s.mu.Unlock()
		return false
	}
	if rec.Reactions == nil {
		rec.Reactions = make(map[string]map[string]struct{})
	}
	set, ok := rec.Reactions[emoji]
	if !ok {
		set = make(map[string]struct{})
		rec.Reactions[emoji] = set
	}
	if _, ok := set[userID]; ok {
		s.mu.Unlock()
		return false
	}
	set[userID] = struct{}{}
	s.mu.Unlock()
	s.publishMessage(conversationID, key)
	return true
}

// RemoveReaction removes userID from the emoji's reaction set. The
// emoji key is dropped when its set empties.
func (s *Store) RemoveReaction(conversationID, key, emoji, userID string) bool {
	s.mu.Lock()
	rec := s.lookup(conversationID, key)
	if rec == nil || rec.Reactions == nil {
		s.mu.Unlock()
		return false
	}
	set, ok := rec.Reactions[emoji]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if _, ok := set[userID]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(rec.Reactions, emoji)
	}
	s.mu.Unlock()
	s.publishMessage(conversationID, key)
	return true
}

// Message returns a copy of the message addressed by server id or
// clientRef.
func (s *Store) Message(conversationID, key string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := s.lookup(conversationID, key)
	if rec == nil {
		return Message{}, false
	}
	return rec.Clone(), true
}

// Messages returns the visible message list sorted ascending by
// createdAt. Soft-deleted and superseded records are skipped.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(c.msgs))
	for _, m := range c.msgs {
		if m.Visible() {
			out = append(out, m.Clone())
		}
	}
	return out
}

// AllMessages returns every record including deleted and superseded
// ones, for reply resolution and diagnostics.
func (s *Store) AllMessages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, m.Clone())
	}
	return out
}

// MergePage folds a fetched history page into the conversation. Known
// ids are merged field-by-field so concurrent status or reaction
// updates are not clobbered; unknown ids are inserted. Pending local
// sends are untouched. Returns the number of newly inserted records.
func (s *Store) MergePage(conversationID string, page []Message) int {
	s.mu.Lock()
	c := s.ensure(conversationID, "")
	inserted := 0
	for i := range page {
		m := &page[i]
		if m.ID == "" {
			continue
		}
		if existing, ok := c.byID[m.ID]; ok {
			// Field-level merge: server history wins on content, the
			// local record keeps anything further along.
			if !existing.Deleted() {
				existing.Body = m.Body
				existing.EditedAt = m.EditedAt
			}
			if m.Status.Advances(existing.Status) {
				existing.Status = m.Status
			}
			if !m.DeletedAt.IsZero() && existing.DeletedAt.IsZero() {
				existing.DeletedAt = m.DeletedAt
			}
			if !m.CreatedAt.IsZero() {
				existing.CreatedAt = m.CreatedAt
			}
			continue
		}
		rec := m.Clone()
		c.insert(&rec)
		inserted++
	}
	c.resort()
	s.mu.Unlock()
	s.publishConversation(conversationID)
	return inserted
}

// SetCursor records the pagination position for a conversation.
func (s *Store) SetCursor(conversationID string, nextPage int, hasMore bool) {
	s.mu.Lock()
	c := s.ensure(conversationID, "")
	c.nextPage = nextPage
	c.hasMore = hasMore
	s.mu.Unlock()
}

// Cursor returns the next page to fetch and whether more pages exist.
func (s *Store) Cursor(conversationID string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return 1, true
	}
	return c.nextPage, c.hasMore
}

// IncrementUnseen bumps the unseen counter for a background
// conversation.
func (s *Store) IncrementUnseen(conversationID string) {
	s.mu.Lock()
	c := s.ensure(conversationID, "")
	c.summary.UnseenCount++
	s.mu.Unlock()
	s.publishConversation(conversationID)
}

// ResetUnseen clears the unseen counter (explicit mark-seen).
func (s *Store) ResetUnseen(conversationID string) {
	s.mu.Lock()
	c, ok := s.convs[conversationID]
	if ok {
		c.summary.UnseenCount = 0
	}
	s.mu.Unlock()
	if ok {
		s.publishConversation(conversationID)
	}
}

// Unseen returns the unseen count for a conversation.
func (s *Store) Unseen(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return 0
	}
	return c.summary.UnseenCount
}

// SetTyping records that userID is typing in the conversation.
func (s *Store) SetTyping(conversationID, userID, name string) {
	s.mu.Lock()
	c := s.ensure(conversationID, "")
	c.typing[userID] = name
	s.mu.Unlock()
	s.publishTyping(conversationID)
}

// ClearTyping removes userID from the conversation's typing map.
func (s *Store) ClearTyping(conversationID, userID string) {
	s.mu.Lock()
	c, ok := s.convs[conversationID]
	if ok {
		delete(c.typing, userID)
	}
	s.mu.Unlock()
	if ok {
		s.publishTyping(conversationID)
	}
}

// TypingUsers returns a copy of the conversation's typing map.
func (s *Store) TypingUsers(conversationID string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(c.typing))
	for id, name := range c.typing {
		out[id] = name
	}
	return out
}

// lookup resolves a record by server id first, clientRef second.
// Caller holds s.mu.
func (s *Store) lookup(conversationID, key string) *Message {
	c, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	if rec, ok := c.byID[key]; ok {
		return rec
	}
	return c.byRef[key]
}

func (c *conversation) insert(rec *Message) {
	if rec.ID != "" {
		c.byID[rec.ID] = rec
	}
	if rec.ClientRef != "" {
		c.byRef[rec.ClientRef] = rec
	}
	c.msgs = append(c.msgs, rec)
	c.resort()
}

func (c *conversation) resort() {
	sort.SliceStable(c.msgs, func(i, j int) bool {
		a, b := c.msgs[i], c.msgs[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.Key() < b.Key()
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func (c *conversation) touch(rec *Message) {
	if rec.CreatedAt.After(c.summary.LastAt) {
		c.summary.LastAt = rec.CreatedAt
		c.summary.LastMessage = preview(rec.Body, 100)
	}
}

// preview shortens a body for the summary line, truncating on rune
// boundaries so multi-byte characters are never split.
func preview(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	return string([]rune(s)[:maxRunes])
}

func (s *Store) publishMessage(conversationID, key string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      "message.upserted",
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": conversationID, "key": key},
	})
}

func (s *Store) publishConversation(conversationID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      "conversation.updated",
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": conversationID},
	})
}

func (s *Store) publishTyping(conversationID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      "typing.changed",
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": conversationID},
	})
}
