package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fabiobufalari/construction-hub-integrations/internal/broker"
	"github.com/fabiobufalari/construction-hub-integrations/internal/outbox"
	otelx "github.com/fabiobufalari/construction-hub-integrations/libs/otel"
)

type Config struct {
	BatchSize         int
	PollInterval      time.Duration
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	VisibilityTimeout time.Duration
	ConcurrencyLimit  int
	PublishTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 30 * time.Second
	}
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = 8
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
	return c
}

// Dispatcher claims outbox batches and publishes them through the
// adapter set. Ordering groups run concurrently up to the concurrency
// limit; messages inside a group go out strictly in order, and a failed
// head parks the rest of its group until the retry time.
type Dispatcher struct {
	store    outbox.Store
	routes   *broker.RouteTable
	adapters map[broker.Transport]broker.Adapter
	tracker  *Tracker
	logger   *slog.Logger
	cfg      Config
}

func NewDispatcher(store outbox.Store, routes *broker.RouteTable, adapters map[broker.Transport]broker.Adapter, logger *slog.Logger, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		store:    store,
		routes:   routes,
		adapters: adapters,
		tracker:  NewTracker(store, NewBackoff(cfg.BackoffBase, cfg.BackoffCap), cfg.MaxAttempts, logger),
		logger:   logger,
		cfg:      cfg,
	}
}

func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started",
		"batch_size", d.cfg.BatchSize,
		"poll_interval_ms", d.cfg.PollInterval.Milliseconds(),
		"concurrency_limit", d.cfg.ConcurrencyLimit,
		"max_attempts", d.cfg.MaxAttempts,
	)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := d.dispatchBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("dispatch cycle failed", "err", err)
		}
		// A full batch means there is a backlog; drain without waiting
		// for the next tick.
		if n >= d.cfg.BatchSize && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) dispatchBatch(ctx context.Context) (int, error) {
	batch, err := d.store.ClaimBatch(ctx, d.cfg.BatchSize, d.cfg.VisibilityTimeout)
	if err != nil || len(batch) == 0 {
		return 0, err
	}

	var eg errgroup.Group
	eg.SetLimit(d.cfg.ConcurrencyLimit)
	for _, g := range groupByKey(batch) {
		g := g
		eg.Go(func() error {
			d.dispatchGroup(ctx, g)
			return nil
		})
	}
	_ = eg.Wait()
	return len(batch), nil
}

// dispatchGroup publishes one ordering group sequentially. Resolutions
// run on an uncancelable context: once a publish happened its outcome
// must reach the store even during shutdown.
func (d *Dispatcher) dispatchGroup(ctx context.Context, msgs []outbox.Message) {
	resolveCtx := context.WithoutCancel(ctx)
	for i, msg := range msgs {
		if ctx.Err() != nil {
			d.release(resolveCtx, msgs[i:], time.Now())
			return
		}
		res := d.publishOne(ctx, msg)
		hold, holdUntil := d.tracker.Resolve(resolveCtx, msg, res)
		if hold {
			d.release(resolveCtx, msgs[i+1:], holdUntil)
			return
		}
	}
}

func (d *Dispatcher) publishOne(ctx context.Context, msg outbox.Message) Result {
	route, err := d.routes.Resolve(msg.Destination)
	if err != nil {
		return Result{Outcome: outbox.OutcomeNack, Err: err, Permanent: true}
	}
	adapter, ok := d.adapters[route.Transport]
	if !ok {
		return Result{
			Outcome:   outbox.OutcomeNack,
			Transport: route.Transport,
			Err:       broker.Permanentf("no adapter configured for transport %q", route.Transport),
			Permanent: true,
		}
	}

	pubCtx := otelx.ContextWithTraceContext(ctx, msg.Traceparent, msg.Tracestate)
	pubCtx, cancel := context.WithTimeout(pubCtx, d.cfg.PublishTimeout)
	defer cancel()

	receipt, err := adapter.Publish(pubCtx, broker.Message{
		ID:             msg.ID.String(),
		IdempotencyKey: msg.IdempotencyKey(),
		Destination:    msg.Destination,
		Address:        route.Address,
		PartitionKey:   msg.PartitionKey,
		ContentType:    msg.ContentType,
		Payload:        msg.Payload,
	})
	switch {
	case err == nil:
		return Result{Outcome: outbox.OutcomeAck, Transport: route.Transport, BrokerRef: receipt.Ref}
	case broker.IsTimeout(err):
		return Result{Outcome: outbox.OutcomeTimeout, Transport: route.Transport, Err: err}
	default:
		return Result{Outcome: outbox.OutcomeNack, Transport: route.Transport, Err: err, Permanent: broker.IsPermanent(err)}
	}
}

func (d *Dispatcher) release(ctx context.Context, msgs []outbox.Message, at time.Time) {
	if len(msgs) == 0 {
		return
	}
	ids := make([]uuid.UUID, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if err := d.store.Release(ctx, ids, at); err != nil {
		d.logger.Error("releasing claimed messages failed", "count", len(ids), "err", err)
	}
}

// groupByKey splits a claimed batch into ordering groups, preserving
// claim order both across and inside groups.
func groupByKey(batch []outbox.Message) [][]outbox.Message {
	index := map[string]int{}
	var groups [][]outbox.Message
	for _, msg := range batch {
		key := msg.GroupKey()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], msg)
	}
	return groups
}
