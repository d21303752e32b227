package bus

import "time"

// Event is a domain event published on the bus. Kind is a dotted name
// ("push.message_new", "message.upserted", "transport.status_changed");
// subscribers filter by namespace prefix, so handlers are registered
// once per store lifetime and keyed by event kind.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
