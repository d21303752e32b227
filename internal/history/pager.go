package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dmcruz/parley/internal/api"
	"github.com/dmcruz/parley/internal/bus"
	"github.com/dmcruz/parley/internal/chat"
	"go.uber.org/zap"
)

// DefaultPageSize is the number of messages fetched per history page.
const DefaultPageSize = 40

// ErrCancelled marks a load superseded by a conversation switch. Not
// an error condition for callers: the result was routed to the
// background path.
var ErrCancelled = errors.New("history: load cancelled")

// API is the slice of the request/response API the pager needs.
type API interface {
	FetchMessages(ctx context.Context, conversationID string, page, pageSize int) ([]api.MessageRecord, error)
	MarkSeen(ctx context.Context, conversationID string) error
}

// Cache is the slice of the conversation cache the pager reads and
// refreshes.
type Cache interface {
	CachedMessages(conversationID string) []chat.Message
	SetCachedMessages(conversationID string, msgs []chat.Message) error
}

// Pager loads paginated history for the active conversation.
// Switching conversations invalidates in-flight loads: a late result
// must never write into the foreground of a different conversation.
// Cancellation is cooperative, via a generation token captured at
// request time and compared at completion time.
type Pager struct {
	store    *chat.Store
	api      API
	cache    Cache
	bus      *bus.Bus
	logger   *zap.Logger
	pageSize int

	mu  sync.Mutex
	gen uint64
}

// NewPager creates a pagination controller. cache may be nil.
func NewPager(store *chat.Store, historyAPI API, pageCache Cache, b *bus.Bus, logger *zap.Logger) *Pager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pager{
		store:    store,
		api:      historyAPI,
		cache:    pageCache,
		bus:      b,
		logger:   logger,
		pageSize: DefaultPageSize,
	}
}

// SetPageSize overrides the page size.
func (p *Pager) SetPageSize(n int) {
	if n > 0 {
		p.pageSize = n
	}
}

// Activate switches the active conversation: it invalidates in-flight
// loads, marks the conversation seen, paints page 1 from cache when
// possible, and refreshes from the network.
func (p *Pager) Activate(ctx context.Context, conversationID string) error {
	p.mu.Lock()
	p.gen++
	token := p.gen
	p.mu.Unlock()

	p.store.SetActive(conversationID)
	p.store.ResetUnseen(conversationID)
	go func(ctx context.Context) {
		if err := p.api.MarkSeen(ctx, conversationID); err != nil {
			p.logger.Warn("mark seen failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}(context.WithoutCancel(ctx))

	return p.loadFirst(ctx, conversationID, token)
}

func (p *Pager) loadFirst(ctx context.Context, conversationID string, token uint64) error {
	painted := false
	var cachedLen int
	if p.cache != nil {
		if cached := p.cache.CachedMessages(conversationID); len(cached) > 0 {
			p.store.MergePage(conversationID, cached)
			cachedLen = len(cached)
			painted = true
			p.publish("history.painted", conversationID)
		}
	}

	fresh, err := p.api.FetchMessages(ctx, conversationID, 1, p.pageSize)
	if err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		if painted {
			// Cache fallback: the stale page stays up.
			p.logger.Warn("history refresh failed, serving cache",
				zap.String("conversation_id", conversationID), zap.Error(err))
			return nil
		}
		p.publish("history.load_failed", conversationID)
		return err
	}

	msgs := fromRecords(fresh)
	p.store.MergePage(conversationID, msgs)
	p.store.SetCursor(conversationID, 2, len(fresh) == p.pageSize)
	p.writeCache(conversationID)

	if !p.valid(token) || !p.store.IsActive(conversationID) {
		// Superseded by a switch: the store and cache were updated on
		// the background path, but no re-render is triggered.
		return ErrCancelled
	}
	if len(fresh) != cachedLen {
		p.publish("history.refreshed", conversationID)
	}
	return nil
}

// LoadMore fetches the next older page and prepends it. Returns how
// many new messages were inserted. A load superseded by a switch
// returns ErrCancelled and triggers no render.
func (p *Pager) LoadMore(ctx context.Context) (int, error) {
	conversationID := p.store.ActiveID()
	if conversationID == "" {
		return 0, nil
	}
	page, hasMore := p.store.Cursor(conversationID)
	if !hasMore {
		return 0, nil
	}

	p.mu.Lock()
	token := p.gen
	p.mu.Unlock()

	recs, err := p.api.FetchMessages(ctx, conversationID, page, p.pageSize)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ErrCancelled
		}
		return 0, err
	}

	if !p.valid(token) || !p.store.IsActive(conversationID) {
		return 0, ErrCancelled
	}

	inserted := p.store.MergePage(conversationID, fromRecords(recs))
	p.store.SetCursor(conversationID, page+1, len(recs) == p.pageSize)
	p.writeCache(conversationID)
	p.publish("history.page_loaded", conversationID)
	return inserted, nil
}

func (p *Pager) valid(token uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen == token
}

func (p *Pager) writeCache(conversationID string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.SetCachedMessages(conversationID, p.store.Messages(conversationID)); err != nil {
		p.logger.Warn("cache write failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func (p *Pager) publish(kind, conversationID string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": conversationID},
	})
}

func fromRecords(recs []api.MessageRecord) []chat.Message {
	out := make([]chat.Message, 0, len(recs))
	for _, rec := range recs {
		m := chat.Message{
			ID:               rec.ID,
			ConversationID:   rec.ConversationID,
			ConversationType: chat.ConversationType(rec.ConversationType),
			SenderID:         rec.SenderID,
			Body:             rec.Body,
			Attachments:      chat.NewAttachments(rec.Attachments),
			ReplyToID:        rec.ReplyToID,
			Status:           chat.Status(rec.Status),
			CreatedAt:        time.UnixMilli(rec.CreatedAt),
		}
		if m.Status == "" {
			m.Status = chat.StatusDelivered
		}
		if rec.EditedAt != 0 {
			m.EditedAt = time.UnixMilli(rec.EditedAt)
		}
		if rec.DeletedAt != 0 {
			m.DeletedAt = time.UnixMilli(rec.DeletedAt)
		}
		out = append(out, m)
	}
	return out
}
