package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kind is a dot-separated namespace ("message.inbound", "conn.ready",
// "contact.presence"); subscribers filter by namespace prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
