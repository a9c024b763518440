package broker

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fabiobufalari/construction-hub-integrations/libs/kafkax"
)

// KafkaAdapter publishes to a log-style broker. The Hash balancer keys
// partition placement on the partition key, so per-key order survives
// on the wire; messages without a key hash on the destination and land
// on one partition.
type KafkaAdapter struct {
	brokers string
	writer  *kafka.Writer
	caps    Capabilities
}

func NewKafkaAdapter(brokers string) *KafkaAdapter {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  kafkax.SplitBrokers(brokers),
		Balancer: &kafka.Hash{},
		// One message per batch: Publish must not return before the
		// broker acknowledged this specific message.
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	})
	return &KafkaAdapter{
		brokers: brokers,
		writer:  writer,
		caps: Capabilities{
			MaxPayloadBytes: 1 << 20,
			Ordering:        OrderingPerKey,
		},
	}
}

func (a *KafkaAdapter) Transport() Transport { return TransportKafka }

func (a *KafkaAdapter) Capabilities() Capabilities { return a.caps }

func (a *KafkaAdapter) Ready(ctx context.Context) error {
	return kafkax.ReadyCheck(a.brokers)(ctx)
}

func (a *KafkaAdapter) Publish(ctx context.Context, msg Message) (Receipt, error) {
	if len(msg.Payload) > a.caps.MaxPayloadBytes {
		return Receipt{}, Permanentf("payload %d bytes exceeds kafka limit %d", len(msg.Payload), a.caps.MaxPayloadBytes)
	}

	key := msg.PartitionKey
	if key == "" {
		key = msg.Destination
	}
	out := kafka.Message{
		Topic: msg.Address,
		Key:   []byte(key),
		Value: msg.Payload,
		Headers: []kafka.Header{
			{Key: kafkax.HeaderMessageID, Value: []byte(msg.ID)},
			{Key: kafkax.HeaderIdempotencyKey, Value: []byte(msg.IdempotencyKey)},
			{Key: kafkax.HeaderContentType, Value: []byte(msg.ContentType)},
			{Key: kafkax.HeaderDestination, Value: []byte(msg.Destination)},
		},
	}
	out.Headers = kafkax.InjectTraceHeaders(ctx, out.Headers)

	if err := a.writer.WriteMessages(ctx, out); err != nil {
		return Receipt{}, classifyKafka(err)
	}
	// The high-level writer does not report partition/offset back.
	return Receipt{}, nil
}

func classifyKafka(err error) error {
	if IsTimeout(err) {
		return Transient(err)
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		switch kerr {
		case kafka.UnknownTopicOrPartition, kafka.InvalidTopic, kafka.MessageSizeTooLarge,
			kafka.SASLAuthenticationFailed, kafka.TopicAuthorizationFailed:
			return Permanent(err)
		}
	}
	return Transient(err)
}

func (a *KafkaAdapter) Close() error {
	return a.writer.Close()
}

var _ Adapter = (*KafkaAdapter)(nil)
