package transport

import "encoding/json"

// Envelope is the wire format for all push-channel traffic, both
// directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server frame (typing signals, room joins, the
// message.sent mirror).
type Command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// MessageNew is delivered when a message is broadcast to the
// conversation. ClientRef is echoed by the server when the sender
// supplied one; the reconciler prefers it over the content+time
// fallback.
type MessageNew struct {
	MessageID        string   `json:"messageId"`
	ConversationID   string   `json:"conversationId"`
	ConversationType string   `json:"conversationType"`
	SenderID         string   `json:"senderId"`
	SenderName       string   `json:"senderName"`
	Body             string   `json:"body"`
	Attachments      []string `json:"attachments,omitempty"`
	ReplyToID        string   `json:"replyToId,omitempty"`
	ClientRef        string   `json:"clientRef,omitempty"`
	CreatedAt        int64    `json:"createdAt"` // unix ms
}

// MessageDelivered advances a message to delivered.
type MessageDelivered struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// MessageSeen advances a message to seen. SeenBy accumulates per
// reader in group conversations.
type MessageSeen struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	SeenBy         string `json:"seenBy"`
}

// MessageEdited rewrites a message body in place.
type MessageEdited struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Body           string `json:"body"`
	EditedAt       int64  `json:"editedAt"` // unix ms
}

// MessageDeleted soft-deletes a message.
type MessageDeleted struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	DeletedAt      int64  `json:"deletedAt"` // unix ms
}

// ReactionChange covers both reaction.added and reaction.removed.
type ReactionChange struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Emoji          string `json:"emoji"`
}

// Typing mirrors a peer's typing indicator.
type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
	IsTyping       bool   `json:"isTyping"`
}

// RoomSignal joins or leaves a group conversation's broadcast room.
type RoomSignal struct {
	ConversationID string `json:"conversationId"`
}

// MessageSent is the informational mirror emitted after a local send
// is confirmed.
type MessageSent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	ClientRef      string `json:"clientRef,omitempty"`
}
