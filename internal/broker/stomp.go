package broker

import (
	"context"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"

	otelx "github.com/fabiobufalari/construction-hub-integrations/libs/otel"
)

// STOMPAdapter publishes to a frame-style broker (ActiveMQ and
// compatible). Every send asks for a RECEIPT frame, so Publish returns
// only after the broker took the frame. The client offers no
// per-operation deadline, so a context expiry tears the connection
// down, which unblocks the in-flight send; the next publish redials.
type STOMPAdapter struct {
	addr     string
	login    string
	passcode string
	caps     Capabilities

	mu   sync.Mutex
	conn *stomp.Conn
}

func NewSTOMPAdapter(addr, login, passcode string) *STOMPAdapter {
	return &STOMPAdapter{
		addr:     addr,
		login:    login,
		passcode: passcode,
		caps: Capabilities{
			MaxPayloadBytes: 4 << 20,
			Ordering:        OrderingTotal,
		},
	}
}

func (a *STOMPAdapter) Transport() Transport { return TransportSTOMP }

func (a *STOMPAdapter) Capabilities() Capabilities { return a.caps }

func (a *STOMPAdapter) ensureLocked() (*stomp.Conn, error) {
	if a.conn != nil {
		return a.conn, nil
	}
	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(10*time.Second, 10*time.Second),
	}
	if a.login != "" {
		opts = append(opts, stomp.ConnOpt.Login(a.login, a.passcode))
	}
	conn, err := stomp.Dial("tcp", a.addr, opts...)
	if err != nil {
		return nil, Transient(err)
	}
	a.conn = conn
	return conn, nil
}

func (a *STOMPAdapter) teardownLocked() {
	if a.conn != nil {
		a.conn.MustDisconnect()
		a.conn = nil
	}
}

func (a *STOMPAdapter) Publish(ctx context.Context, msg Message) (Receipt, error) {
	if len(msg.Payload) > a.caps.MaxPayloadBytes {
		return Receipt{}, Permanentf("payload %d bytes exceeds stomp limit %d", len(msg.Payload), a.caps.MaxPayloadBytes)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	conn, err := a.ensureLocked()
	if err != nil {
		return Receipt{}, err
	}

	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	sendOptions := []func(*frame.Frame) error{
		stomp.SendOpt.Receipt,
		stomp.SendOpt.Header("persistent", "true"),
		stomp.SendOpt.Header("idempotency_key", msg.IdempotencyKey),
		stomp.SendOpt.Header("message_id", msg.ID),
	}
	if traceparent != "" {
		sendOptions = append(sendOptions, stomp.SendOpt.Header("traceparent", traceparent))
	}
	if tracestate != "" {
		sendOptions = append(sendOptions, stomp.SendOpt.Header("tracestate", tracestate))
	}

	done := make(chan error, 1)
	go func() {
		done <- conn.Send(msg.Address, msg.ContentType, msg.Payload, sendOptions...)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.teardownLocked()
			return Receipt{}, Transient(err)
		}
		return Receipt{}, nil
	case <-ctx.Done():
		a.teardownLocked()
		<-done
		return Receipt{}, Transient(ctx.Err())
	}
}

func (a *STOMPAdapter) Ready(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.ensureLocked()
	return err
}

func (a *STOMPAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		err := a.conn.Disconnect()
		a.conn = nil
		return err
	}
	return nil
}

var _ Adapter = (*STOMPAdapter)(nil)
