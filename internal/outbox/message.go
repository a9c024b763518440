package outbox

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of an outbox message.
type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusDead    Status = "dead"
)

// transitions lists the allowed next states. sending->pending is the
// crash-recovery requeue; dead->pending is operator redrive.
var transitions = map[Status][]Status{
	StatusPending: {StatusSending},
	StatusSending: {StatusSent, StatusFailed, StatusPending},
	StatusFailed:  {StatusPending, StatusDead},
	StatusSent:    {},
	StatusDead:    {StatusPending},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether the relay itself will never move the message again.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusDead
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Message is one outbound message recorded alongside the business write
// that caused it. Seq is a store-assigned surrogate that fixes creation
// order; ID is the stable identity carried to brokers as idempotency key.
type Message struct {
	ID             uuid.UUID
	Seq            int64
	Destination    string
	PartitionKey   string
	ContentType    string
	Payload        []byte
	Status         Status
	Attempts       int
	LastError      string
	NextRetryAt    time.Time
	ClaimExpiresAt *time.Time
	SentAt         *time.Time
	Traceparent    string
	Tracestate     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// GroupKey identifies the ordering group a message belongs to. Messages
// sharing a group are published in creation order by a single claimer.
func (m Message) GroupKey() string {
	return m.Destination + "\x00" + m.PartitionKey
}

// IdempotencyKey is the stable dedup key carried on every publish of
// this message, identical across retries.
func (m Message) IdempotencyKey() string {
	return m.ID.String()
}

var ErrEmptyDestination = errors.New("outbox: destination is required")

// NewMessage builds a pending message ready for Enqueue. ContentType
// defaults to application/json.
func NewMessage(destination, partitionKey, contentType string, payload []byte) (Message, error) {
	if destination == "" {
		return Message{}, ErrEmptyDestination
	}
	if contentType == "" {
		contentType = "application/json"
	}
	return Message{
		ID:           uuid.New(),
		Destination:  destination,
		PartitionKey: partitionKey,
		ContentType:  contentType,
		Payload:      payload,
		Status:       StatusPending,
	}, nil
}

// Outcome is the result of one publish attempt.
type Outcome string

const (
	OutcomeAck     Outcome = "ack"
	OutcomeNack    Outcome = "nack"
	OutcomeTimeout Outcome = "timeout"
)

// Attempt is one row of the append-only delivery audit log.
type Attempt struct {
	ID          int64
	MessageID   uuid.UUID
	Attempt     int
	Transport   string
	Outcome     Outcome
	BrokerRef   string
	Error       string
	AttemptedAt time.Time
}

// Stats summarizes queue state for the operational status endpoint.
type Stats struct {
	Pending          int64
	Sending          int64
	Sent             int64
	Failed           int64
	Dead             int64
	OldestPendingAge time.Duration
}
