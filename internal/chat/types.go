package chat

import "time"

// ConversationType distinguishes 1:1 chats from group rooms.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusDelivered Status = "delivered"
	StatusSeen      Status = "seen"
	StatusFailed    Status = "failed"
)

// rank orders statuses for monotonic advancement. Failed is terminal
// and outside the rank order.
var rank = map[Status]int{
	StatusSending:   0,
	StatusDelivered: 1,
	StatusSeen:      2,
}

// Advances reports whether moving from 'from' to 'to' goes forward on
// the sending → delivered → seen ladder.
func (to Status) Advances(from Status) bool {
	if from == StatusFailed || to == StatusFailed {
		return false
	}
	return rank[to] > rank[from]
}

// Message is a single chat message as tracked by the conversation store.
type Message struct {
	// ID is the server-assigned identifier, empty until confirmed.
	ID string
	// ClientRef is the locally generated identifier, always present for
	// local sends. Remote messages may carry the sender's echoed ref.
	ClientRef string

	ConversationID   string
	ConversationType ConversationType
	SenderID         string

	Body        string
	Attachments []Attachment
	ReplyToID   string

	// Reactions maps emoji to the set of user ids that reacted with it.
	Reactions map[string]map[string]struct{}
	// SeenBy accumulates readers in group conversations.
	SeenBy map[string]struct{}

	Status Status

	CreatedAt time.Time
	EditedAt  time.Time
	DeletedAt time.Time

	// SupersededBy holds the clientRef of the resend that replaced this
	// failed message in the visible list. The record itself is kept.
	SupersededBy string
}

// Key returns the preferred lookup key: server id when confirmed,
// clientRef otherwise.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.ClientRef
}

// Deleted reports whether the message was soft-deleted.
func (m *Message) Deleted() bool {
	return !m.DeletedAt.IsZero()
}

// Visible reports whether the message belongs in the rendered list.
func (m *Message) Visible() bool {
	return !m.Deleted() && m.SupersededBy == ""
}

// Clone returns a deep copy safe to hand outside the store's lock.
func (m *Message) Clone() Message {
	out := *m
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Reactions != nil {
		out.Reactions = make(map[string]map[string]struct{}, len(m.Reactions))
		for emoji, users := range m.Reactions {
			set := make(map[string]struct{}, len(users))
			for u := range users {
				set[u] = struct{}{}
			}
			out.Reactions[emoji] = set
		}
	}
	if m.SeenBy != nil {
		out.SeenBy = make(map[string]struct{}, len(m.SeenBy))
		for u := range m.SeenBy {
			out.SeenBy[u] = struct{}{}
		}
	}
	return out
}

// Summary describes one conversation for list rendering.
type Summary struct {
	ID          string
	Type        ConversationType
	Name        string
	UnseenCount int
	LastMessage string
	LastAt      time.Time
}

// PendingSend is the transient outbound record kept while a send is in
// flight. It is never persisted.
type PendingSend struct {
	ClientRef        string
	ConversationID   string
	ConversationType ConversationType
	Body             string
	Attachments      []Attachment
	ReplyToID        string
	Attempts         int
}
