package kafkax

import (
	"strings"

	"github.com/segmentio/kafka-go"
)

// Canonical header keys carried on relayed Kafka messages.
const (
	HeaderMessageID      = "message_id"
	HeaderIdempotencyKey = "idempotency_key"
	HeaderContentType    = "content_type"
	HeaderDestination    = "destination"
)

// RelayMeta is the relay metadata carried on Kafka messages.
type RelayMeta struct {
	MessageID      string
	IdempotencyKey string
	ContentType    string
	Destination    string
}

func ExtractRelayMeta(msg kafka.Message) RelayMeta {
	meta := RelayMeta{
		MessageID:      HeaderValue(msg.Headers, HeaderMessageID),
		IdempotencyKey: HeaderValue(msg.Headers, HeaderIdempotencyKey),
		ContentType:    HeaderValue(msg.Headers, HeaderContentType),
		Destination:    HeaderValue(msg.Headers, HeaderDestination),
	}
	if meta.IdempotencyKey == "" {
		meta.IdempotencyKey = meta.MessageID
	}
	if meta.Destination == "" {
		meta.Destination = msg.Topic
	}
	return meta
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
