package api

import "fmt"

// MessageRecord is the server's authoritative representation of a
// message.
type MessageRecord struct {
	ID               string   `json:"id"`
	ConversationID   string   `json:"conversationId"`
	ConversationType string   `json:"conversationType"`
	SenderID         string   `json:"senderId"`
	Body             string   `json:"body"`
	Attachments      []string `json:"attachments,omitempty"`
	ReplyToID        string   `json:"replyToId,omitempty"`
	Status           string   `json:"status"`
	CreatedAt        int64    `json:"createdAt"` // unix ms
	EditedAt         int64    `json:"editedAt,omitempty"`
	DeletedAt        int64    `json:"deletedAt,omitempty"`
}

// SendMessageRequest is the outbound write payload. ClientRef lets the
// server echo the ref on the push broadcast so the reconciler can link
// without the content+time heuristic.
type SendMessageRequest struct {
	ConversationID   string   `json:"conversationId"`
	ConversationType string   `json:"conversationType"`
	Body             string   `json:"body,omitempty"`
	Attachments      []string `json:"attachments,omitempty"`
	ReplyToID        string   `json:"replyToId,omitempty"`
	ClientRef        string   `json:"clientRef"`
}

// Friend is a resolved 1:1 contact feeding a conversation summary.
type Friend struct {
	UserID         string `json:"userId"`
	Name           string `json:"name"`
	ConversationID string `json:"conversationId"`
}

// GroupRoom is a resolved group membership feeding a conversation
// summary.
type GroupRoom struct {
	ConversationID string `json:"conversationId"`
	Name           string `json:"name"`
}

// Error is a non-2xx API response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

// Temporary reports whether the failure is worth retrying (server
// errors and throttling, not validation or authorization).
func (e *Error) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
