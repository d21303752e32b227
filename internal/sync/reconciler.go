package sync

import (
	"context"
	"time"

	"github.com/dmcruz/parley/internal/bus"
	"github.com/dmcruz/parley/internal/chat"
	"github.com/dmcruz/parley/internal/transport"
	"go.uber.org/zap"
)

// DefaultDedupWindow bounds the content+time match between a push
// broadcast and a pending optimistic send when the event carries no
// clientRef.
const DefaultDedupWindow = 5 * time.Second

// cachedPageLimit caps how many messages the background path writes
// into the page cache per conversation.
const cachedPageLimit = 100

// PageCache is the slice of the conversation cache the reconciler
// refreshes on merges.
type PageCache interface {
	SetCachedMessages(conversationID string, msgs []chat.Message) error
}

// TypingSink receives mirrored remote typing signals.
type TypingSink interface {
	HandleRemote(conversationID, userID, userName string, isTyping bool)
}

// ReactionSink receives authoritative remote reaction toggles.
type ReactionSink interface {
	ApplyRemoteAdd(conversationID, messageID, userID, emoji string)
	ApplyRemoteRemove(conversationID, messageID, userID, emoji string)
}

// Reconciler subscribes to "push." events and folds them into the
// conversation store, one idempotent merge function per event kind.
// Applying the same event twice produces the same state as applying it
// once; duplicate deliveries are absorbed, not errors.
type Reconciler struct {
	store     *chat.Store
	cache     PageCache
	typing    TypingSink
	reactions ReactionSink
	bus       *bus.Bus
	logger    *zap.Logger
	window    time.Duration
	cancel    context.CancelFunc
}

// NewReconciler creates the event reconciler. cache, typing and
// reactions may be nil.
func NewReconciler(store *chat.Store, cache PageCache, typing TypingSink, reactions ReactionSink, b *bus.Bus, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:     store,
		cache:     cache,
		typing:    typing,
		reactions: reactions,
		bus:       b,
		logger:    logger,
		window:    DefaultDedupWindow,
	}
}

// SetDedupWindow overrides the content+time match window.
func (r *Reconciler) SetDedupWindow(d time.Duration) {
	r.window = d
}

// Start subscribes to inbound push events on the bus.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe("push.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				r.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Reconciler) handleEvent(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case *transport.MessageNew:
		r.MergeNew(p)
	case *transport.MessageDelivered:
		r.MergeDelivered(p)
	case *transport.MessageSeen:
		r.MergeSeen(p)
	case *transport.MessageEdited:
		r.MergeEdited(p)
	case *transport.MessageDeleted:
		r.MergeDeleted(p)
	case *transport.ReactionChange:
		r.MergeReaction(evt.Kind, p)
	case *transport.Typing:
		r.MergeTyping(p)
	default:
		r.logger.Debug("ignoring push event", zap.String("kind", evt.Kind))
	}
}

// MergeNew applies a "new message" broadcast. Deduplication order:
// resolved id, echoed clientRef, then the content+time window against
// pending sends from the same sender. The heuristic exists because the
// broadcast may beat the HTTP ack that would have supplied the
// clientRef↔id link.
func (r *Reconciler) MergeNew(p *transport.MessageNew) {
	convID := p.ConversationID
	ts := time.UnixMilli(p.CreatedAt)

	if _, exists := r.store.Message(convID, p.MessageID); exists {
		// Duplicate delivery, absorbed.
		return
	}

	if p.ClientRef != "" && r.store.ConfirmSend(convID, p.ClientRef, p.MessageID, ts) {
		r.refreshCache(convID)
		return
	}

	if p.SenderID == r.store.SelfID() {
		if ref, ok := r.store.FindPendingMatch(convID, p.SenderID, p.Body, chat.NewAttachments(p.Attachments), ts, r.window); ok {
			r.store.ConfirmSend(convID, ref, p.MessageID, ts)
			r.refreshCache(convID)
			return
		}
	}

	r.store.UpsertRemote(chat.Message{
		ID:               p.MessageID,
		ClientRef:        p.ClientRef,
		ConversationID:   convID,
		ConversationType: chat.ConversationType(p.ConversationType),
		SenderID:         p.SenderID,
		Body:             p.Body,
		Attachments:      chat.NewAttachments(p.Attachments),
		ReplyToID:        p.ReplyToID,
		Status:           chat.StatusDelivered,
		CreatedAt:        ts,
	})

	// Background path: a conversation the user is not viewing gets an
	// unseen bump instead of a foreground render.
	if !r.store.IsActive(convID) && p.SenderID != r.store.SelfID() {
		r.store.IncrementUnseen(convID)
	}
	r.refreshCache(convID)
}

// MergeDelivered advances sending → delivered; no-op beyond that.
func (r *Reconciler) MergeDelivered(p *transport.MessageDelivered) {
	r.store.AdvanceStatus(p.ConversationID, p.MessageID, chat.StatusDelivered)
}

// MergeSeen advances to seen, accumulating the reader set for groups.
func (r *Reconciler) MergeSeen(p *transport.MessageSeen) {
	r.store.AddSeenBy(p.ConversationID, p.MessageID, p.SeenBy)
}

// MergeEdited updates the body in place unless the message was
// deleted.
func (r *Reconciler) MergeEdited(p *transport.MessageEdited) {
	if !r.store.SetBody(p.ConversationID, p.MessageID, p.Body, time.UnixMilli(p.EditedAt)) {
		r.logger.Debug("edit skipped", zap.String("message_id", p.MessageID))
		return
	}
	r.refreshCache(p.ConversationID)
}

// MergeDeleted soft-deletes; the record stays for reply resolution.
func (r *Reconciler) MergeDeleted(p *transport.MessageDeleted) {
	at := time.UnixMilli(p.DeletedAt)
	if p.DeletedAt == 0 {
		at = time.Now()
	}
	if r.store.MarkDeleted(p.ConversationID, p.MessageID, at) {
		r.refreshCache(p.ConversationID)
	}
}

// MergeReaction delegates a remote reaction toggle to the reaction
// manager. The remote event is the source of truth and overwrites a
// conflicting optimistic guess; both directions are idempotent set
// operations.
func (r *Reconciler) MergeReaction(kind string, p *transport.ReactionChange) {
	if r.reactions == nil {
		return
	}
	switch kind {
	case "push.reaction_added":
		r.reactions.ApplyRemoteAdd(p.ConversationID, p.MessageID, p.UserID, p.Emoji)
	case "push.reaction_removed":
		r.reactions.ApplyRemoteRemove(p.ConversationID, p.MessageID, p.UserID, p.Emoji)
	}
}

// MergeTyping mirrors a peer's typing signal into the conversation's
// typing map.
func (r *Reconciler) MergeTyping(p *transport.Typing) {
	if r.typing == nil {
		return
	}
	r.typing.HandleRemote(p.ConversationID, p.UserID, p.UserName, p.IsTyping)
}

func (r *Reconciler) refreshCache(conversationID string) {
	if r.cache == nil {
		return
	}
	msgs := r.store.Messages(conversationID)
	if len(msgs) > cachedPageLimit {
		msgs = msgs[len(msgs)-cachedPageLimit:]
	}
	if err := r.cache.SetCachedMessages(conversationID, msgs); err != nil {
		r.logger.Warn("cache refresh failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}
