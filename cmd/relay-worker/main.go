package main

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fabiobufalari/construction-hub-integrations/internal/broker"
	"github.com/fabiobufalari/construction-hub-integrations/internal/outbox"
	"github.com/fabiobufalari/construction-hub-integrations/internal/relay"
	"github.com/fabiobufalari/construction-hub-integrations/libs/config"
	"github.com/fabiobufalari/construction-hub-integrations/libs/db"
	"github.com/fabiobufalari/construction-hub-integrations/libs/httpx"
	otelx "github.com/fabiobufalari/construction-hub-integrations/libs/otel"
	"github.com/fabiobufalari/construction-hub-integrations/libs/runtime"
)

// relay-worker is the headless half of the relay: it claims and
// publishes outbox batches but serves no operator API. Run as many as
// the brokers can take; claim locking keeps workers from colliding.
func main() {
	service := config.String("SERVICE_NAME", "relay-worker")
	port, err := config.Port("PORT", "8091")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	store := outbox.NewPGStore(pool)

	routesRaw, err := config.RequiredString("RELAY_ROUTES")
	if err != nil {
		panic(err)
	}
	routes, err := broker.ParseRoutes(routesRaw)
	if err != nil {
		logger.Error("invalid RELAY_ROUTES", "err", err)
		panic(err)
	}

	adapters, err := buildAdapters(routes.Transports())
	if err != nil {
		logger.Error("broker adapter setup failed", "err", err)
		panic(err)
	}
	defer func() {
		for _, a := range adapters {
			_ = a.Close()
		}
	}()

	relayCfg, err := relayConfigFromEnv()
	if err != nil {
		panic(err)
	}

	dispatcher := relay.NewDispatcher(store, routes, adapters, logger, relayCfg)
	go dispatcher.Run(ctx)

	sweeper := relay.NewSweeper(store, 15*time.Second, 2*relayCfg.VisibilityTimeout, 500, logger)
	go sweeper.Run(ctx)

	readyChecks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
	}
	for transport, adapter := range adapters {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: string(transport), Check: adapter.Ready})
	}
	mux := runtime.NewBaseMuxWithReady(readyChecks...)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "relay-worker")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func buildAdapters(transports []broker.Transport) (map[broker.Transport]broker.Adapter, error) {
	adapters := make(map[broker.Transport]broker.Adapter, len(transports))
	for _, transport := range transports {
		switch transport {
		case broker.TransportKafka:
			brokers, err := config.RequiredString("KAFKA_BROKERS")
			if err != nil {
				return nil, err
			}
			adapters[transport] = broker.NewKafkaAdapter(brokers)
		case broker.TransportAMQP:
			url, err := config.RequiredString("AMQP_URL")
			if err != nil {
				return nil, err
			}
			adapters[transport] = broker.NewAMQPAdapter(url)
		case broker.TransportSTOMP:
			addr, err := config.RequiredString("STOMP_ADDR")
			if err != nil {
				return nil, err
			}
			adapters[transport] = broker.NewSTOMPAdapter(addr,
				config.String("STOMP_LOGIN", ""),
				config.String("STOMP_PASSCODE", ""))
		}
	}
	return adapters, nil
}

func relayConfigFromEnv() (relay.Config, error) {
	var cfg relay.Config
	var err error
	if cfg.BatchSize, err = config.Int("RELAY_BATCH_SIZE", 50); err != nil {
		return cfg, err
	}
	if cfg.PollInterval, err = config.DurationMS("RELAY_POLL_INTERVAL_MS", 500*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts, err = config.Int("RELAY_MAX_ATTEMPTS", 8); err != nil {
		return cfg, err
	}
	if cfg.BackoffBase, err = config.DurationMS("RELAY_BACKOFF_BASE_MS", 200*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.BackoffCap, err = config.DurationMS("RELAY_BACKOFF_CAP_MS", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.VisibilityTimeout, err = config.DurationMS("RELAY_VISIBILITY_TIMEOUT_MS", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.ConcurrencyLimit, err = config.Int("RELAY_CONCURRENCY_LIMIT", 8); err != nil {
		return cfg, err
	}
	if cfg.PublishTimeout, err = config.DurationMS("RELAY_PUBLISH_TIMEOUT_MS", 10*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}
