package broker

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	otelx "github.com/fabiobufalari/construction-hub-integrations/libs/otel"
)

// AMQPAdapter publishes to a queue-style broker with publisher confirms
// enabled, so Publish returns only after the broker accepted the
// message. Publishes are serialized per adapter to keep the confirm
// stream aligned without delivery-tag bookkeeping; a timeout or cancel
// mid-wait leaves a stale confirm behind, so the channel is torn down
// and redialed lazily.
type AMQPAdapter struct {
	url  string
	caps Capabilities

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	closed   chan *amqp.Error
}

func NewAMQPAdapter(url string) *AMQPAdapter {
	return &AMQPAdapter{
		url: url,
		caps: Capabilities{
			MaxPayloadBytes: 8 << 20,
			Ordering:        OrderingTotal,
		},
	}
}

func (a *AMQPAdapter) Transport() Transport { return TransportAMQP }

func (a *AMQPAdapter) Capabilities() Capabilities { return a.caps }

// ensureLocked dials and prepares a confirm-mode channel. Callers hold a.mu.
func (a *AMQPAdapter) ensureLocked() error {
	if a.ch != nil {
		select {
		case <-a.closed:
			a.teardownLocked()
		default:
			return nil
		}
	}

	conn, err := amqp.DialConfig(a.url, amqp.Config{
		Dial:      amqp.DefaultDial(5 * time.Second),
		Heartbeat: 10 * time.Second,
	})
	if err != nil {
		return Transient(err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return Transient(err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return Transient(err)
	}

	a.conn = conn
	a.ch = ch
	a.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	a.closed = ch.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

func (a *AMQPAdapter) teardownLocked() {
	if a.ch != nil {
		_ = a.ch.Close()
	}
	if a.conn != nil {
		_ = a.conn.Close()
	}
	a.conn = nil
	a.ch = nil
	a.confirms = nil
	a.closed = nil
}

func (a *AMQPAdapter) Publish(ctx context.Context, msg Message) (Receipt, error) {
	if len(msg.Payload) > a.caps.MaxPayloadBytes {
		return Receipt{}, Permanentf("payload %d bytes exceeds amqp limit %d", len(msg.Payload), a.caps.MaxPayloadBytes)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureLocked(); err != nil {
		return Receipt{}, err
	}

	// Address form is "exchange/routing-key"; a bare name publishes to
	// the default exchange with the name as routing key.
	exchange, routingKey, ok := strings.Cut(msg.Address, "/")
	if !ok {
		exchange, routingKey = "", msg.Address
	}

	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	headers := amqp.Table{
		"idempotency_key": msg.IdempotencyKey,
		"destination":     msg.Destination,
	}
	if traceparent != "" {
		headers["traceparent"] = traceparent
	}
	if tracestate != "" {
		headers["tracestate"] = tracestate
	}

	err := a.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  msg.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         msg.Payload,
	})
	if err != nil {
		a.teardownLocked()
		return Receipt{}, classifyAMQP(err)
	}

	select {
	case confirmed, open := <-a.confirms:
		if !open {
			a.teardownLocked()
			return Receipt{}, Transientf("amqp channel closed before confirm")
		}
		if !confirmed.Ack {
			return Receipt{}, Transientf("amqp broker nacked publish, delivery_tag=%d", confirmed.DeliveryTag)
		}
		return Receipt{Ref: strconv.FormatUint(confirmed.DeliveryTag, 10)}, nil
	case amqpErr := <-a.closed:
		a.teardownLocked()
		return Receipt{}, classifyAMQP(amqpErr)
	case <-ctx.Done():
		// The confirm for this publish is still in flight and would
		// desynchronize the next wait; drop the channel.
		a.teardownLocked()
		return Receipt{}, Transient(ctx.Err())
	}
}

func classifyAMQP(err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr != nil {
		switch amqpErr.Code {
		case amqp.AccessRefused, amqp.NotAllowed, amqp.NotFound, amqp.FrameError, amqp.SyntaxError:
			return Permanent(err)
		}
	}
	return Transient(err)
}

func (a *AMQPAdapter) Ready(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ensureLocked()
}

func (a *AMQPAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.teardownLocked()
	return nil
}

var _ Adapter = (*AMQPAdapter)(nil)
