package typing

import (
	"context"
	"sync"
	"time"

	"github.com/dmcruz/parley/internal/chat"
	"github.com/dmcruz/parley/internal/transport"
	"go.uber.org/zap"
)

const (
	// DefaultDebounce is how long after the last keystroke the
	// "stopped typing" signal fires.
	DefaultDebounce = 1200 * time.Millisecond
	// DefaultIdleTimeout clears a remote typing entry whose stop
	// signal never arrived.
	DefaultIdleTimeout = 5 * time.Second
)

// Emitter sends typing signals over the push channel.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload any) error
}

// Debouncer converts raw keystroke activity into rate-limited typing
// signals and mirrors incoming signals into the store's per-
// conversation typing map. Outbound and inbound directions are
// independent state machines.
type Debouncer struct {
	store    *chat.Store
	emitter  Emitter
	selfID   string
	selfName string
	logger   *zap.Logger

	debounce time.Duration
	idle     time.Duration

	mu       sync.Mutex
	outbound map[string]*time.Timer // conversation id -> stop timer
	inbound  map[string]*time.Timer // conversation id + "\x00" + user id -> idle timer
}

// NewDebouncer creates a typing debouncer for the local user.
func NewDebouncer(store *chat.Store, emitter Emitter, selfID, selfName string, logger *zap.Logger) *Debouncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Debouncer{
		store:    store,
		emitter:  emitter,
		selfID:   selfID,
		selfName: selfName,
		logger:   logger,
		debounce: DefaultDebounce,
		idle:     DefaultIdleTimeout,
		outbound: make(map[string]*time.Timer),
		inbound:  make(map[string]*time.Timer),
	}
}

// SetIntervals overrides the debounce and idle windows.
func (d *Debouncer) SetIntervals(debounce, idle time.Duration) {
	d.debounce = debounce
	d.idle = idle
}

// Activity records local input in a conversation. The first keystroke
// emits typing(true) and arms the stop timer; subsequent keystrokes
// only re-arm it.
func (d *Debouncer) Activity(ctx context.Context, conversationID string) {
	d.mu.Lock()
	if timer, ok := d.outbound[conversationID]; ok {
		timer.Reset(d.debounce)
		d.mu.Unlock()
		return
	}
	d.outbound[conversationID] = time.AfterFunc(d.debounce, func() {
		d.expire(conversationID)
	})
	d.mu.Unlock()

	d.emit(ctx, conversationID, true)
}

// Stop ends the outbound typing state immediately (the user sent the
// message or left the conversation). No-op when not typing.
func (d *Debouncer) Stop(ctx context.Context, conversationID string) {
	d.mu.Lock()
	timer, ok := d.outbound[conversationID]
	if ok {
		timer.Stop()
		delete(d.outbound, conversationID)
	}
	d.mu.Unlock()
	if ok {
		d.emit(ctx, conversationID, false)
	}
}

func (d *Debouncer) expire(conversationID string) {
	d.mu.Lock()
	_, ok := d.outbound[conversationID]
	delete(d.outbound, conversationID)
	d.mu.Unlock()
	if ok {
		d.emit(context.Background(), conversationID, false)
	}
}

func (d *Debouncer) emit(ctx context.Context, conversationID string, isTyping bool) {
	if d.emitter == nil {
		return
	}
	err := d.emitter.Emit(ctx, "typing", transport.Typing{
		ConversationID: conversationID,
		UserID:         d.selfID,
		UserName:       d.selfName,
		IsTyping:       isTyping,
	})
	if err != nil {
		d.logger.Debug("typing signal not delivered", zap.Error(err))
	}
}

// HandleRemote mirrors a peer's typing signal into the store. A
// defensive idle timeout clears the entry if the stop signal is lost.
func (d *Debouncer) HandleRemote(conversationID, userID, userName string, isTyping bool) {
	key := conversationID + "\x00" + userID

	d.mu.Lock()
	if timer, ok := d.inbound[key]; ok {
		timer.Stop()
		delete(d.inbound, key)
	}
	if isTyping {
		d.inbound[key] = time.AfterFunc(d.idle, func() {
			d.mu.Lock()
			delete(d.inbound, key)
			d.mu.Unlock()
			d.store.ClearTyping(conversationID, userID)
		})
	}
	d.mu.Unlock()

	if isTyping {
		d.store.SetTyping(conversationID, userID, userName)
	} else {
		d.store.ClearTyping(conversationID, userID)
	}
}
