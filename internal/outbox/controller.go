package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dmcruz/parley/internal/api"
	"github.com/dmcruz/parley/internal/bus"
	"github.com/dmcruz/parley/internal/chat"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrEmptyMessage is returned for a send with no body and no
	// attachments. Rejected before any network call.
	ErrEmptyMessage = errors.New("outbox: empty message")
	// ErrNotActive is returned for a send addressed to a conversation
	// the user is not viewing.
	ErrNotActive = errors.New("outbox: conversation not active")
	// ErrSendInFlight is returned when a resend races an unresolved
	// send of the same lineage.
	ErrSendInFlight = errors.New("outbox: send already in flight")
	// ErrNotFailed is returned when resending a message that did not
	// fail.
	ErrNotFailed = errors.New("outbox: message is not failed")
)

// SendAPI is the slice of the request/response API the controller
// needs.
type SendAPI interface {
	SendMessage(ctx context.Context, req api.SendMessageRequest) (*api.MessageRecord, error)
	EditMessage(ctx context.Context, messageID, body string) error
	DeleteMessage(ctx context.Context, messageID string) error
}

// Emitter mirrors confirmed sends onto the push channel.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload any) error
}

// Controller owns the send path: optimistic insert, asynchronous
// write, reconciliation of the server ack, rollback to failed, and
// resend. Network errors never escape its boundary; they resolve into
// the failed status on the affected message.
type Controller struct {
	store   *chat.Store
	api     SendAPI
	emitter Emitter
	bus     *bus.Bus
	logger  *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{} // lineage roots with an unresolved send
	lineage  map[string]string   // clientRef -> lineage root
}

// NewController creates the message lifecycle controller. emitter may
// be nil when no push channel is up.
func NewController(store *chat.Store, sendAPI SendAPI, emitter Emitter, b *bus.Bus, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		store:    store,
		api:      sendAPI,
		emitter:  emitter,
		bus:      b,
		logger:   logger,
		inflight: make(map[string]struct{}),
		lineage:  make(map[string]string),
	}
}

// Send inserts an optimistic message into the active conversation and
// issues the write in the background. Returns the clientRef
// immediately.
func (c *Controller) Send(ctx context.Context, conversationID string, conversationType chat.ConversationType, body string, attachmentURIs []string, replyToID string) (string, error) {
	if body == "" && len(attachmentURIs) == 0 {
		return "", ErrEmptyMessage
	}
	// Sends to a non-active conversation are refused, never silently
	// redirected.
	if !c.store.IsActive(conversationID) {
		return "", ErrNotActive
	}

	ref := uuid.NewString()
	msg := chat.Message{
		ClientRef:        ref,
		ConversationID:   conversationID,
		ConversationType: conversationType,
		SenderID:         c.store.SelfID(),
		Body:             body,
		Attachments:      chat.NewAttachments(attachmentURIs),
		ReplyToID:        replyToID,
		Status:           chat.StatusSending,
		CreatedAt:        time.Now(),
	}
	c.store.InsertLocal(msg)

	c.mu.Lock()
	c.lineage[ref] = ref
	c.inflight[ref] = struct{}{}
	c.mu.Unlock()

	req := api.SendMessageRequest{
		ConversationID:   conversationID,
		ConversationType: string(conversationType),
		Body:             body,
		Attachments:      attachmentURIs,
		ReplyToID:        replyToID,
		ClientRef:        ref,
	}
	go c.deliver(context.WithoutCancel(ctx), conversationID, ref, req)

	return ref, nil
}

// Resend restarts the lifecycle of a failed message under a new
// clientRef. The failed record is superseded in the visible list but
// retained. Only one send per lineage may be in flight.
func (c *Controller) Resend(ctx context.Context, conversationID, failedRef string) (string, error) {
	failed, ok := c.store.Message(conversationID, failedRef)
	if !ok || failed.Status != chat.StatusFailed {
		return "", ErrNotFailed
	}

	c.mu.Lock()
	root := c.rootOf(failedRef)
	if _, busy := c.inflight[root]; busy {
		c.mu.Unlock()
		return "", ErrSendInFlight
	}
	ref := uuid.NewString()
	c.lineage[ref] = root
	c.inflight[root] = struct{}{}
	c.mu.Unlock()

	msg := chat.Message{
		ClientRef:        ref,
		ConversationID:   conversationID,
		ConversationType: failed.ConversationType,
		SenderID:         c.store.SelfID(),
		Body:             failed.Body,
		Attachments:      failed.Attachments,
		ReplyToID:        failed.ReplyToID,
		Status:           chat.StatusSending,
		CreatedAt:        time.Now(),
	}
	c.store.InsertLocal(msg)
	c.store.Supersede(conversationID, failedRef, ref)

	uris := make([]string, 0, len(failed.Attachments))
	for _, a := range failed.Attachments {
		uris = append(uris, a.URI)
	}
	req := api.SendMessageRequest{
		ConversationID:   conversationID,
		ConversationType: string(failed.ConversationType),
		Body:             failed.Body,
		Attachments:      uris,
		ReplyToID:        failed.ReplyToID,
		ClientRef:        ref,
	}
	go c.deliver(context.WithoutCancel(ctx), conversationID, ref, req)

	return ref, nil
}

// Discard drops a failed message from the store on explicit request.
func (c *Controller) Discard(conversationID, clientRef string) bool {
	return c.store.DiscardFailed(conversationID, clientRef)
}

// Edit rewrites a confirmed message's body, optimistically first.
// The remote message.edited event is the source of truth.
func (c *Controller) Edit(ctx context.Context, conversationID, messageID, body string) error {
	if body == "" {
		return ErrEmptyMessage
	}
	c.store.SetBody(conversationID, messageID, body, time.Now())
	go func(ctx context.Context) {
		if err := c.api.EditMessage(ctx, messageID, body); err != nil {
			c.logger.Warn("edit failed", zap.String("message_id", messageID), zap.Error(err))
		}
	}(context.WithoutCancel(ctx))
	return nil
}

// Delete soft-deletes a message, optimistically first.
func (c *Controller) Delete(ctx context.Context, conversationID, messageID string) {
	c.store.MarkDeleted(conversationID, messageID, time.Now())
	go func(ctx context.Context) {
		if err := c.api.DeleteMessage(ctx, messageID); err != nil {
			c.logger.Warn("delete failed", zap.String("message_id", messageID), zap.Error(err))
		}
	}(context.WithoutCancel(ctx))
}

func (c *Controller) deliver(ctx context.Context, conversationID, ref string, req api.SendMessageRequest) {
	rec, err := c.api.SendMessage(ctx, req)

	c.mu.Lock()
	delete(c.inflight, c.rootOf(ref))
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("send failed", zap.String("client_ref", ref), zap.Error(err))
		c.store.FailSend(conversationID, ref)
		c.publish("message.send_failed", map[string]string{
			"conversation_id": conversationID,
			"client_ref":      ref,
			"error":           err.Error(),
		})
		return
	}

	c.store.ConfirmSend(conversationID, ref, rec.ID, time.UnixMilli(rec.CreatedAt))
	c.logger.Info("message sent",
		zap.String("client_ref", ref),
		zap.String("message_id", rec.ID))
	c.publish("message.send_ack", map[string]string{
		"conversation_id": conversationID,
		"client_ref":      ref,
		"message_id":      rec.ID,
	})

	if c.emitter != nil {
		if err := c.emitter.Emit(ctx, "message.sent", map[string]string{
			"messageId":      rec.ID,
			"conversationId": conversationID,
			"clientRef":      ref,
		}); err != nil {
			c.logger.Debug("sent mirror not delivered", zap.Error(err))
		}
	}
}

// rootOf resolves a clientRef to its lineage root. Caller holds c.mu.
func (c *Controller) rootOf(ref string) string {
	if root, ok := c.lineage[ref]; ok {
		return root
	}
	return ref
}

func (c *Controller) publish(kind string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
