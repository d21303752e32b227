package reaction

import (
	"context"

	"github.com/dmcruz/parley/internal/chat"
	"go.uber.org/zap"
)

// API is the slice of the request/response API the manager needs.
type API interface {
	AddReaction(ctx context.Context, messageID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, emoji string) error
}

// Manager applies reaction toggles with set semantics: a user reacts
// with a given emoji at most once, and an emoji with no reactors is
// pruned. Local toggles are optimistic; the corresponding remote event
// is the source of truth and overwrites a conflicting guess.
type Manager struct {
	store  *chat.Store
	api    API
	logger *zap.Logger
}

// NewManager creates a reaction manager.
func NewManager(store *chat.Store, reactionAPI API, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, api: reactionAPI, logger: logger}
}

// React adds the local user to the emoji's reaction set. Reacting
// twice with the same emoji is a no-op and issues no network call.
func (m *Manager) React(ctx context.Context, conversationID, messageID, emoji string) {
	if !m.store.AddReaction(conversationID, messageID, emoji, m.store.SelfID()) {
		return
	}
	go func(ctx context.Context) {
		if err := m.api.AddReaction(ctx, messageID, emoji); err != nil {
			m.logger.Warn("reaction not persisted",
				zap.String("message_id", messageID),
				zap.String("emoji", emoji),
				zap.Error(err))
		}
	}(context.WithoutCancel(ctx))
}

// Unreact removes the local user from the emoji's reaction set.
// Removing a reaction that is not present is a no-op.
func (m *Manager) Unreact(ctx context.Context, conversationID, messageID, emoji string) {
	if !m.store.RemoveReaction(conversationID, messageID, emoji, m.store.SelfID()) {
		return
	}
	go func(ctx context.Context) {
		if err := m.api.RemoveReaction(ctx, messageID, emoji); err != nil {
			m.logger.Warn("reaction removal not persisted",
				zap.String("message_id", messageID),
				zap.String("emoji", emoji),
				zap.Error(err))
		}
	}(context.WithoutCancel(ctx))
}

// ApplyRemoteAdd merges an authoritative reaction.added event,
// typically for peers but also to confirm our own optimistic guess.
func (m *Manager) ApplyRemoteAdd(conversationID, messageID, userID, emoji string) {
	m.store.AddReaction(conversationID, messageID, emoji, userID)
}

// ApplyRemoteRemove merges an authoritative reaction.removed event.
func (m *Manager) ApplyRemoteRemove(conversationID, messageID, userID, emoji string) {
	m.store.RemoveReaction(conversationID, messageID, emoji, userID)
}
