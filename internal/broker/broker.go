package broker

import "context"

// Transport is the tagged kind of broker an adapter speaks.
type Transport string

const (
	TransportKafka Transport = "kafka"
	TransportAMQP  Transport = "amqp"
	TransportSTOMP Transport = "stomp"
)

func (t Transport) Valid() bool {
	switch t {
	case TransportKafka, TransportAMQP, TransportSTOMP:
		return true
	}
	return false
}

// Ordering is the strongest delivery-order guarantee a transport gives
// within one destination.
type Ordering string

const (
	OrderingNone   Ordering = "none"
	OrderingPerKey Ordering = "per-key"
	OrderingTotal  Ordering = "total"
)

// Capabilities describes what an adapter's transport can do. Publish
// rejects payloads over MaxPayloadBytes before they reach the wire.
type Capabilities struct {
	MaxPayloadBytes      int
	Ordering             Ordering
	TransactionalPublish bool
}

// Message is the publish unit handed to adapters. Adapters never see
// outbox internals; the idempotency key is already derived.
type Message struct {
	ID             string
	IdempotencyKey string
	Destination    string
	Address        string
	PartitionKey   string
	ContentType    string
	Payload        []byte
}

// Receipt reports a successful publish. Ref carries the broker-assigned
// reference when the transport exposes one (AMQP delivery tag); it is
// empty otherwise.
type Receipt struct {
	Ref string
}

// Adapter is the uniform publish contract over one transport. Publish
// blocks until the broker acknowledges, the context expires, or the
// attempt fails; it returns nil exactly when the broker accepted the
// message.
type Adapter interface {
	Transport() Transport
	Capabilities() Capabilities
	Publish(ctx context.Context, msg Message) (Receipt, error)
	Ready(ctx context.Context) error
	Close() error
}
