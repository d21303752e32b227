package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dmcruz/parley/internal/bus"
	"github.com/dmcruz/parley/internal/status"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrNotConnected is returned by Emit when no connection is up.
var ErrNotConnected = errors.New("transport: not connected")

// Options configures the push-channel adapter.
type Options struct {
	// URL is the server base URL (http(s)://…); the adapter derives the
	// websocket endpoint from it.
	URL   string
	Token string

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
}

// Adapter is the thin interface over the push channel. Inbound frames
// are decoded into typed payloads and published on the bus under the
// "push." namespace; the reconciler and typing debouncer subscribe
// there once instead of registering per-view callbacks.
type Adapter struct {
	opts    Options
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	cancel      context.CancelFunc
	intentional bool

	recon *reconnector
}

// NewAdapter creates a push-channel adapter.
func NewAdapter(opts Options, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		opts:    opts,
		bus:     b,
		machine: machine,
		logger:  logger,
		recon:   newReconnector(opts.ReconnectBaseDelay, opts.ReconnectMaxDelay, opts.MaxReconnectAttempts),
	}
}

// Connect dials the push channel and starts the read loop. Subsequent
// disconnects are retried with bounded backoff until Disconnect is
// called or attempts run out.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.conn != nil {
		a.mu.Unlock()
		return nil
	}
	a.intentional = false
	a.mu.Unlock()

	_ = a.machine.Transition(status.Connecting)

	conn, err := a.dial(ctx)
	if err != nil {
		_ = a.machine.Transition(status.Failed)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.conn = conn
	a.cancel = cancel
	a.mu.Unlock()

	_ = a.machine.Transition(status.Connected)
	a.recon.markConnected()
	a.logger.Info("push channel connected", zap.String("url", a.opts.URL))

	go a.readLoop(loopCtx)
	return nil
}

func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL := strings.Replace(a.opts.URL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.TrimRight(wsURL, "/") + "/ws?token=" + a.opts.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// Emit sends a client-to-server command frame.
func (a *Adapter) Emit(ctx context.Context, eventType string, payload any) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(Command{Type: eventType, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// JoinRoom subscribes to a group conversation's broadcast room.
func (a *Adapter) JoinRoom(ctx context.Context, conversationID string) error {
	return a.Emit(ctx, "room.join", RoomSignal{ConversationID: conversationID})
}

// LeaveRoom leaves a group conversation's broadcast room.
func (a *Adapter) LeaveRoom(ctx context.Context, conversationID string) error {
	return a.Emit(ctx, "room.leave", RoomSignal{ConversationID: conversationID})
}

// Disconnect closes the connection without triggering reconnects.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	a.intentional = true
	conn := a.conn
	cancel := a.cancel
	a.conn = nil
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	_ = a.machine.Transition(status.Closed)
}

func (a *Adapter) readLoop(ctx context.Context) {
	for {
		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			a.mu.Lock()
			intentional := a.intentional
			a.conn = nil
			a.mu.Unlock()
			if intentional || ctx.Err() != nil {
				return
			}
			a.logger.Warn("push channel read failed", zap.Error(err))
			a.reconnectLoop(ctx)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Unparseable frames are dropped, never fatal to the channel.
			a.logger.Warn("dropping unparseable frame", zap.Error(err))
			continue
		}
		a.dispatch(env)
	}
}

func (a *Adapter) reconnectLoop(ctx context.Context) {
	_ = a.machine.Transition(status.Reconnecting)

	for a.recon.shouldReconnect() {
		delay := a.recon.nextDelay()
		a.logger.Info("reconnecting", zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		conn, err := a.dial(ctx)
		if err != nil {
			a.logger.Warn("reconnect attempt failed", zap.Error(err))
			continue
		}

		a.mu.Lock()
		a.conn = conn
		a.mu.Unlock()
		_ = a.machine.Transition(status.Connected)
		a.recon.markConnected()
		a.bus.Publish(bus.Event{Kind: "transport.reconnected", Timestamp: time.Now()})
		go a.readLoop(ctx)
		return
	}

	a.logger.Error("reconnect attempts exhausted")
	_ = a.machine.Transition(status.Failed)
	a.bus.Publish(bus.Event{Kind: "transport.failed", Timestamp: time.Now()})
}

// dispatch decodes a typed payload and publishes it under the "push."
// namespace. Unknown or malformed payloads are dropped.
func (a *Adapter) dispatch(env Envelope) {
	publish := func(kind string, payload any) {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			a.logger.Warn("dropping malformed payload", zap.String("type", env.Type), zap.Error(err))
			return
		}
		a.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
	}

	switch env.Type {
	case "message.new":
		publish("push.message_new", &MessageNew{})
	case "message.delivered":
		publish("push.message_delivered", &MessageDelivered{})
	case "message.seen":
		publish("push.message_seen", &MessageSeen{})
	case "message.edited":
		publish("push.message_edited", &MessageEdited{})
	case "message.deleted":
		publish("push.message_deleted", &MessageDeleted{})
	case "reaction.added":
		publish("push.reaction_added", &ReactionChange{})
	case "reaction.removed":
		publish("push.reaction_removed", &ReactionChange{})
	case "typing":
		publish("push.typing", &Typing{})
	default:
		a.logger.Debug("ignoring unknown event type", zap.String("type", env.Type))
	}
}
