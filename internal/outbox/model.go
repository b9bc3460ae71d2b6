// Package outbox relays order events, written transactionally next to the
// order rows, to Kafka for downstream notification consumers.
package outbox

import "time"

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Event types written by the order repository.
const (
	TypeOrderCreated       = "order.created"
	TypeOrderStatusChanged = "order.status_changed"
)

const AggregateOrder = "order"

// Message is one outbox row.
type Message struct {
	ID            int64
	AggregateType string
	AggregateID   string
	Type          string
	Payload       []byte
	Traceparent   string
	Status        Status
	RetryCount    int
	LastError     string
	CreatedAt     time.Time
}
