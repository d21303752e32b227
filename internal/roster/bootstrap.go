package roster

import (
	"context"

	"go.uber.org/zap"

	"github.com/dmcruz/parley/internal/api"
	"github.com/dmcruz/parley/internal/chat"
)

// API is the slice of the request/response API the bootstrapper needs.
type API interface {
	FetchFriends(ctx context.Context) ([]api.Friend, error)
	FetchGroups(ctx context.Context) ([]api.GroupRoom, error)
}

// RoomJoiner subscribes the realtime connection to a group room.
type RoomJoiner interface {
	JoinRoom(ctx context.Context, conversationID string) error
}

// SummaryCache persists conversation summaries between sessions.
type SummaryCache interface {
	UpsertSummary(s chat.Summary) error
	Summaries() ([]chat.Summary, error)
}

// Bootstrapper seeds the conversation store at startup: friends and
// group rooms from the API, summaries from the local cache when the
// network is down.
type Bootstrapper struct {
	store  *chat.Store
	api    API
	joiner RoomJoiner
	cache  SummaryCache
	logger *zap.Logger
}

// NewBootstrapper creates a roster bootstrapper. joiner and cache may
// be nil.
func NewBootstrapper(store *chat.Store, rosterAPI API, joiner RoomJoiner, cache SummaryCache, logger *zap.Logger) *Bootstrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bootstrapper{
		store:  store,
		api:    rosterAPI,
		joiner: joiner,
		cache:  cache,
		logger: logger,
	}
}

// Bootstrap loads the conversation roster. Cached summaries paint
// first so the session is usable offline, then the API refreshes
// them. A fetch failure is fatal only when the cache had nothing to
// show.
func (b *Bootstrapper) Bootstrap(ctx context.Context) error {
	painted := b.paintFromCache()

	friends, err := b.api.FetchFriends(ctx)
	if err != nil {
		if painted {
			b.logger.Warn("friend list refresh failed, serving cache", zap.Error(err))
			return nil
		}
		return err
	}
	groups, err := b.api.FetchGroups(ctx)
	if err != nil {
		if painted {
			b.logger.Warn("group list refresh failed, serving cache", zap.Error(err))
			return nil
		}
		return err
	}

	for _, f := range friends {
		b.track(chat.Summary{ID: f.ConversationID, Type: chat.ConversationDirect, Name: f.Name})
	}
	for _, g := range groups {
		b.track(chat.Summary{ID: g.ConversationID, Type: chat.ConversationGroup, Name: g.Name})
	}
	b.joinGroupRooms(ctx)

	b.logger.Info("roster bootstrapped",
		zap.Int("friends", len(friends)),
		zap.Int("groups", len(groups)))
	return nil
}

// Rejoin re-subscribes every tracked group room. Called after the
// transport reconnects, since room membership does not survive a new
// connection.
func (b *Bootstrapper) Rejoin(ctx context.Context) {
	b.joinGroupRooms(ctx)
}

func (b *Bootstrapper) paintFromCache() bool {
	if b.cache == nil {
		return false
	}
	sums, err := b.cache.Summaries()
	if err != nil {
		b.logger.Warn("summary cache read failed", zap.Error(err))
		return false
	}
	for _, s := range sums {
		b.store.Track(s)
	}
	return len(sums) > 0
}

func (b *Bootstrapper) track(sum chat.Summary) {
	b.store.Track(sum)
	if b.cache != nil {
		if err := b.cache.UpsertSummary(sum); err != nil {
			b.logger.Warn("summary cache write failed",
				zap.String("conversation_id", sum.ID), zap.Error(err))
		}
	}
}

func (b *Bootstrapper) joinGroupRooms(ctx context.Context) {
	if b.joiner == nil {
		return
	}
	for _, sum := range b.store.Summaries() {
		if sum.Type != chat.ConversationGroup {
			continue
		}
		if err := b.joiner.JoinRoom(ctx, sum.ID); err != nil {
			b.logger.Warn("group room join failed",
				zap.String("conversation_id", sum.ID), zap.Error(err))
		}
	}
}
