package main

import (
	"context"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fabiobufalari/construction-hub-integrations/internal/inbox"
	"github.com/fabiobufalari/construction-hub-integrations/libs/db"
	"github.com/fabiobufalari/construction-hub-integrations/libs/kafkax"
	"github.com/fabiobufalari/construction-hub-integrations/libs/runtime"
)

// consumer-sim subscribes to a relay destination topic and exercises
// the idempotent-consumer contract end to end: every message passes
// through a deduper keyed by the relay's idempotency_key header, so
// redelivered messages show up as duplicates instead of double
// processing. Useful for verifying at-least-once behavior while
// kill-testing the relay.
func main() {
	var (
		brokers = flag.String("brokers", getenv("KAFKA_BROKERS", "localhost:9092"), "kafka bootstrap brokers")
		topic   = flag.String("topic", getenv("KAFKA_TOPIC", "orders"), "topic to consume")
		group   = flag.String("group", getenv("KAFKA_GROUP_ID", "consumer-sim"), "consumer group id")
		dedup   = flag.String("dedup", getenv("DEDUP_BACKEND", "auto"), "dedup backend: auto, postgres, redis or memory")
		window  = flag.Duration("window", 24*time.Hour, "dedup window for redis and memory backends")
	)
	flag.Parse()

	logger := runtime.NewLogger("consumer-sim")
	ctx, stop := runtime.SignalContext()
	defer stop()

	deduper, cleanup, err := buildDeduper(ctx, *dedup, *window)
	if err != nil {
		logger.Error("dedup backend setup failed", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  kafkax.SplitBrokers(*brokers),
		GroupID:  *group,
		Topic:    *topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	logger.Info("consuming", "topic", *topic, "group", *group, "brokers", *brokers)

	var processed, duplicates int
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("kafka read error", "err", err)
			time.Sleep(1 * time.Second)
			continue
		}

		ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
		ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
			trace.WithAttributes(
				attribute.String("messaging.system", "kafka"),
				attribute.String("messaging.destination", msg.Topic),
			),
		)

		meta := kafkax.ExtractRelayMeta(msg)

		ok, err := deduper.Record(ctxSpan, meta.IdempotencyKey, meta.Destination)
		if err != nil {
			logger.Error("dedup record failed", "err", err, "message_id", meta.MessageID)
			span.RecordError(err)
			span.End()
			continue
		}
		if !ok {
			duplicates++
			logger.Info("duplicate message ignored",
				"message_id", meta.MessageID,
				"idempotency_key", meta.IdempotencyKey,
				"destination", meta.Destination,
			)
			span.End()
			continue
		}

		processed++
		logger.Info("message processed",
			"message_id", meta.MessageID,
			"destination", meta.Destination,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"bytes", len(msg.Value),
		)
		span.End()
	}

	logger.Info("consumer stopped", "processed", processed, "duplicates", duplicates)
}

func buildDeduper(ctx context.Context, backend string, window time.Duration) (inbox.Deduper, func(), error) {
	if backend == "auto" {
		switch {
		case strings.TrimSpace(os.Getenv("DATABASE_URL")) != "":
			backend = "postgres"
		case strings.TrimSpace(os.Getenv("REDIS_ADDR")) != "":
			backend = "redis"
		default:
			backend = "memory"
		}
	}

	switch backend {
	case "postgres":
		pool, err := db.Open(ctx, os.Getenv("DATABASE_URL"))
		if err != nil {
			return nil, nil, err
		}
		return inbox.NewPGDeduper(pool), pool.Close, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		return inbox.NewRedisDeduper(rdb, window, "inbox"), func() { _ = rdb.Close() }, nil
	default:
		return inbox.NewMemoryDeduper(window), func() {}, nil
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
